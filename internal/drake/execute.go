package drake

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/wyvernlabs/wyvern/internal/agent"
	"github.com/wyvernlabs/wyvern/pkg/models"
)

// Outcome classifies a single execution attempt.
type Outcome int

const (
	// OutcomeCompleted means the task reached Done.
	OutcomeCompleted Outcome = iota
	// OutcomeFailed means the task reached Failed and carries an error.
	OutcomeFailed
	// OutcomeDeferred means no kobold slot was available. Deferral is a
	// scheduling condition, not an error; the task stays Unassigned for a
	// later cycle.
	OutcomeDeferred
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeFailed:
		return "failed"
	case OutcomeDeferred:
		return "deferred"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// ExecutionResult reports what happened to one task attempt.
type ExecutionResult struct {
	TaskID       string
	Outcome      Outcome
	ErrorMessage string
	KoboldID     string
}

// ExecuteTask runs one ready task end to end: admission through the kobold
// gate, Unassigned -> NotInitialized -> Working transitions persisted before
// the agent call, then Done or Failed afterward. At most one kobold ever
// works a given task: the claim happens under the drake lock, so two
// concurrent calls for the same task cannot both pass the Unassigned check.
// onMessage, when non-nil, receives progress text while the agent works.
func (d *Drake) ExecuteTask(ctx context.Context, taskID, agentType, provider string, maxIterations int, onMessage agent.MessageCallback) ExecutionResult {
	if provider == "" {
		provider = "anthropic"
	}

	if d.breakers != nil && !d.breakers.CanRetry(provider) {
		return ExecutionResult{TaskID: taskID, Outcome: OutcomeDeferred}
	}

	if !d.gate.TryAcquire(d.projectID) {
		return ExecutionResult{TaskID: taskID, Outcome: OutcomeDeferred}
	}

	kobold, rec, err := d.claimTask(taskID, agentType, provider)
	if err != nil {
		d.gate.Release(d.projectID)
		return ExecutionResult{TaskID: taskID, Outcome: OutcomeDeferred}
	}

	res, execErr := d.executor.ExecuteTask(ctx, agent.ExecuteRequest{
		TaskDescription: d.taskPrompt(rec),
		AgentType:       agentType,
		Provider:        provider,
		MaxIterations:   maxIterations,
		OnMessage:       onMessage,
	})

	return d.settleTask(kobold, rec, provider, res, execErr)
}

// claimTask atomically verifies the task is still Unassigned, transitions it
// to NotInitialized then Working, and registers a new kobold. Both
// transitions persist before the agent call so a crash mid-execution leaves
// a Working row the monitoring loop can reconcile.
func (d *Drake) claimTask(taskID, agentType, provider string) (*models.Kobold, *models.TaskRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	rec := d.tracker.GetTask(taskID)
	if rec == nil {
		return nil, nil, fmt.Errorf("task %s not found", taskID)
	}
	if rec.Status != models.TaskStatusUnassigned {
		return nil, nil, fmt.Errorf("task %s already claimed (%s)", taskID, rec.Status)
	}
	if d.tracker.IsBlocked(rec) {
		return nil, nil, fmt.Errorf("task %s has unmet dependencies", taskID)
	}

	if err := d.tracker.UpdateTask(rec, models.TaskStatusNotInitialized, agentType); err != nil {
		return nil, nil, err
	}
	if err := d.tracker.UpdateTask(rec, models.TaskStatusWorking, agentType); err != nil {
		return nil, nil, err
	}
	rec.Provider = provider

	k := &models.Kobold{
		ID:        koboldID(),
		ProjectID: d.projectID,
		TaskID:    rec.ID,
		AgentType: agentType,
		Provider:  provider,
		Status:    models.KoboldStatusWorking,
		StartedAt: time.Now(),
	}
	d.kobolds[k.ID] = k

	if err := d.tracker.SaveTasksToFile(); err != nil {
		log.Printf("[drake] %s: persist after claim: %v", d.name, err)
	}
	return k, rec, nil
}

// settleTask records the attempt's outcome. Transport failures feed the
// provider circuit breaker; content failures do not, and a successful
// round-trip that ends in task failure still counts as provider success.
func (d *Drake) settleTask(kobold *models.Kobold, rec *models.TaskRecord, provider string, res *agent.ExecuteResult, execErr error) ExecutionResult {
	d.mu.Lock()
	defer d.mu.Unlock()

	// The monitoring loop may have removed a stuck kobold while the agent
	// call was in flight. The stuck path already failed the task and
	// released the slot, so only report here.
	_, stillTracked := d.kobolds[kobold.ID]

	out := ExecutionResult{TaskID: rec.ID, KoboldID: kobold.ID}

	switch {
	case execErr != nil:
		if d.breakers != nil && agent.IsTransportError(execErr) {
			d.breakers.RecordFailure(provider)
		}
		out.Outcome = OutcomeFailed
		out.ErrorMessage = execErr.Error()
		if stillTracked && rec.Status == models.TaskStatusWorking {
			d.tracker.SetError(rec, execErr.Error())
		}
	case res != nil && res.Success:
		if d.breakers != nil {
			d.breakers.RecordSuccess(provider)
		}
		out.Outcome = OutcomeCompleted
		if stillTracked {
			if err := d.tracker.UpdateTask(rec, models.TaskStatusDone, rec.AssignedAgent); err != nil {
				log.Printf("[drake] %s: mark task %s done: %v", d.name, rec.ID, err)
			}
		}
	default:
		if d.breakers != nil {
			d.breakers.RecordSuccess(provider)
		}
		msg := "agent reported failure"
		if res != nil && res.ErrorMessage != "" {
			msg = res.ErrorMessage
		}
		out.Outcome = OutcomeFailed
		out.ErrorMessage = msg
		if stillTracked && rec.Status == models.TaskStatusWorking {
			d.tracker.SetError(rec, msg)
		}
	}

	if stillTracked {
		kobold.Status = models.KoboldStatusDone
		if err := d.tracker.SaveTasksToFile(); err != nil {
			log.Printf("[drake] %s: persist after execution: %v", d.name, err)
		}
	}
	return out
}

// taskPrompt renders the instruction handed to the agent. Retried tasks
// carry their prior error so the agent can avoid repeating it.
func (d *Drake) taskPrompt(rec *models.TaskRecord) string {
	prompt := rec.Task
	if d.specPath != "" {
		prompt = fmt.Sprintf("Project specification: %s\n\nTask: %s", d.specPath, rec.Task)
	}
	if rec.RetryCount > 0 && rec.ErrorMessage != "" {
		prompt += fmt.Sprintf("\n\nThis is retry %d. Previous attempt failed with: %s", rec.RetryCount, rec.ErrorMessage)
	}
	return prompt
}
