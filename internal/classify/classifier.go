// Package classify decides whether an agent failure is worth retrying.
// Classification is purely textual: it inspects the error message a provider
// or transport returned and buckets it as permanent or transient.
package classify

import "strings"

// permanentPatterns are substrings that mark a failure as not retryable.
// Authentication, malformed requests, and hard quota exhaustion will not fix
// themselves no matter how long the recovery loop waits.
var permanentPatterns = []string{
	"401",
	"403",
	"unauthorized",
	"forbidden",
	"invalid api key",
	"invalid_api_key",
	"authentication",
	"permission denied",
	"invalid request",
	"invalid_request_error",
	"malformed",
	"400 bad request",
	"quota exceeded",
	"billing",
	"account suspended",
	"model not found",
	"unsupported model",
}

// transientPatterns are substrings that explicitly mark a failure as
// retryable. They take precedence over nothing; they exist so that messages
// containing both kinds of signal (e.g. "429 Too Many Requests") stay
// retryable.
var transientPatterns = []string{
	"429",
	"too many requests",
	"rate limit",
	"overloaded",
	"timeout",
	"timed out",
	"connection reset",
	"connection refused",
	"broken pipe",
	"temporarily unavailable",
	"500",
	"502",
	"503",
	"504",
	"internal server error",
	"bad gateway",
	"service unavailable",
	"gateway timeout",
	"eof",
}

// IsPermanent reports whether the error text describes a failure that will
// not succeed on retry. An empty or unrecognized message defaults to
// transient: losing a task silently is worse than one wasted retry.
func IsPermanent(errorText string) bool {
	if errorText == "" {
		return false
	}
	lower := strings.ToLower(errorText)

	for _, p := range transientPatterns {
		if strings.Contains(lower, p) {
			return false
		}
	}
	for _, p := range permanentPatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}
