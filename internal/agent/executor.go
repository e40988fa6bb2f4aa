// Package agent provides the agent-execution collaborator: the boundary
// through which the orchestration core hands a task description to an LLM
// agent and receives success or failure back.
package agent

import (
	"context"
	"errors"
	"fmt"
)

// MessageCallback receives progress text emitted while an agent works.
type MessageCallback func(message string)

// ExecuteRequest describes one task execution.
type ExecuteRequest struct {
	// TaskDescription is the work to perform, opaque to the agent layer.
	TaskDescription string
	// AgentType selects the capability profile (system prompt, iteration
	// ceiling) used for this execution.
	AgentType string
	// Provider names the LLM provider for circuit-breaker attribution.
	Provider string
	// MaxIterations bounds the agent's internal loop. Values <= 0 use the
	// executor's default.
	MaxIterations int
	// OnMessage, if set, receives progress text as the agent produces it.
	OnMessage MessageCallback
}

// ExecuteResult is the outcome of a completed execution. A result with
// Success=false carries a content-category failure: the agent ran but could
// not finish the task. Transport-category failures are returned as errors
// instead, wrapped in TransportError.
type ExecuteResult struct {
	Success      bool
	ErrorMessage string
	Iterations   int
	// Output is the accumulated text the agent produced, markers included.
	Output string
}

// Executor is the contract the orchestration core depends on. Implementations
// may run for minutes; they must honor ctx cancellation on a best-effort
// basis.
type Executor interface {
	ExecuteTask(ctx context.Context, req ExecuteRequest) (*ExecuteResult, error)
}

// TransportError marks a failure in reaching the provider (network, HTTP,
// timeout) as opposed to the agent failing at the task content. The split
// matters downstream: transport failures feed the provider circuit breaker,
// content failures go through error classification only.
type TransportError struct {
	Provider string
	Err      error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	return fmt.Sprintf("provider %s transport failure: %v", e.Provider, e.Err)
}

// Unwrap exposes the underlying error.
func (e *TransportError) Unwrap() error {
	return e.Err
}

// NewTransportError wraps err as a transport-category failure for provider.
func NewTransportError(provider string, err error) *TransportError {
	return &TransportError{Provider: provider, Err: err}
}

// IsTransportError reports whether err is (or wraps) a transport failure.
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
