package drake

import (
	"fmt"
	"log"
	"time"

	"github.com/wyvernlabs/wyvern/pkg/models"
)

// RecoveryPolicy tells RecoverFailedTasks which failures are worth another
// attempt and when.
type RecoveryPolicy struct {
	// MaxAttempts caps retries per task; tasks at or past the cap stay
	// Failed for a human to look at.
	MaxAttempts int
	// Backoff maps an attempt number (1-based) to the wait before that
	// attempt may run.
	Backoff func(attempt int) time.Duration
	// IsPermanent classifies an error message; permanent errors are never
	// retried.
	IsPermanent func(errorText string) bool
}

// RecoverFailedTasks scans Failed tasks and requeues the retryable ones:
// transient error, attempts remaining, backoff elapsed, and provider circuit
// not open. Requeued tasks return to Unassigned with the prior error kept in
// a breadcrumb prefix. Returns the number requeued.
func (d *Drake) RecoverFailedTasks(now time.Time, policy RecoveryPolicy) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	requeued := 0
	for _, rec := range d.tracker.GetAllTasks() {
		if rec.Status != models.TaskStatusFailed {
			continue
		}
		if rec.ErrorMessage == "" {
			continue
		}
		if policy.IsPermanent != nil && policy.IsPermanent(rec.ErrorMessage) {
			continue
		}
		if rec.RetryCount >= policy.MaxAttempts {
			continue
		}
		if rec.NextRetryAt != nil && now.Before(*rec.NextRetryAt) {
			continue
		}
		if d.breakers != nil && rec.Provider != "" && !d.breakers.CanRetry(rec.Provider) {
			continue
		}

		attempt := rec.RetryCount + 1
		wait := time.Minute
		if policy.Backoff != nil {
			wait = policy.Backoff(attempt)
		}
		next := now.Add(wait)

		rec.RetryCount = attempt
		rec.LastRetryAttempt = &now
		rec.NextRetryAt = &next
		rec.ErrorMessage = fmt.Sprintf("Retry %d/%d - Previous error: %s", attempt, policy.MaxAttempts, rec.ErrorMessage)
		rec.Status = models.TaskStatusUnassigned
		rec.UpdatedAt = now
		requeued++

		log.Printf("[drake] %s: requeued task %s for retry %d/%d, next eligible %s", d.name, rec.ID, attempt, policy.MaxAttempts, next.Format(time.RFC3339))
	}

	if requeued > 0 {
		if err := d.tracker.SaveTasksToFile(); err != nil {
			log.Printf("[drake] %s: persist after recovery: %v", d.name, err)
		}
	}
	return requeued
}
