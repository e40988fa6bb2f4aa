package agent

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
)

// Completion markers the agent is instructed to emit. The runner scans each
// response for them to decide whether the task is finished.
const (
	markerComplete = "TASK COMPLETE"
	markerFailed   = "TASK FAILED"
)

// DefaultMaxIterations bounds the work loop when the request does not.
const DefaultMaxIterations = 10

// APIExecutor executes tasks through the Anthropic Messages API. It drives an
// iterative conversation: each turn the agent reports progress, and the loop
// ends when the agent emits a completion marker or the iteration ceiling is
// reached.
type APIExecutor struct {
	client *Client
	// provider is the name reported in transport errors, e.g. "anthropic"
	// or "bedrock".
	provider string
}

// NewAPIExecutor creates an executor backed by the given client.
func NewAPIExecutor(client *Client, provider string) *APIExecutor {
	if provider == "" {
		provider = "anthropic"
	}
	return &APIExecutor{client: client, provider: provider}
}

// ExecuteTask implements Executor. Transport failures (API errors) are
// returned wrapped in TransportError; an agent that gives up on the task
// produces a Success=false result instead.
func (e *APIExecutor) ExecuteTask(ctx context.Context, req ExecuteRequest) (*ExecuteResult, error) {
	maxIter := req.MaxIterations
	if maxIter <= 0 {
		maxIter = DefaultMaxIterations
	}

	messages := []anthropic.MessageParam{
		anthropic.NewUserMessage(anthropic.NewTextBlock(req.TaskDescription)),
	}
	system := systemPromptFor(req.AgentType)
	var transcript strings.Builder

	for iter := 1; iter <= maxIter; iter++ {
		select {
		case <-ctx.Done():
			return nil, NewTransportError(e.provider, ctx.Err())
		default:
		}

		resp, err := e.client.sdk().Messages.New(ctx, anthropic.MessageNewParams{
			Model:     e.client.Model(),
			MaxTokens: 8192,
			System: []anthropic.TextBlockParam{
				{Text: system},
			},
			Messages: messages,
		})
		if err != nil {
			return nil, NewTransportError(e.provider, err)
		}

		e.client.Tracker().Add(resp.Usage.InputTokens, resp.Usage.OutputTokens)

		text := collectText(resp)
		if req.OnMessage != nil && text != "" {
			req.OnMessage(text)
		}
		if transcript.Len() > 0 {
			transcript.WriteString("\n")
		}
		transcript.WriteString(text)

		if strings.Contains(text, markerComplete) {
			return &ExecuteResult{Success: true, Iterations: iter, Output: transcript.String()}, nil
		}
		if strings.Contains(text, markerFailed) {
			return &ExecuteResult{
				Success:      false,
				ErrorMessage: failureReason(text),
				Iterations:   iter,
				Output:       transcript.String(),
			}, nil
		}

		// The agent is still working; feed its output back and ask it to
		// continue.
		messages = append(messages,
			resp.ToParam(),
			anthropic.NewUserMessage(anthropic.NewTextBlock(
				fmt.Sprintf("Continue. Emit %q when finished or %q with a reason if you cannot.", markerComplete, markerFailed))),
		)
	}

	log.Printf("[agent] %s agent exhausted %d iterations without completing", req.AgentType, maxIter)
	return &ExecuteResult{
		Success:      false,
		ErrorMessage: fmt.Sprintf("agent did not complete within %d iterations", maxIter),
		Iterations:   maxIter,
		Output:       transcript.String(),
	}, nil
}

// collectText concatenates the text blocks of a response.
func collectText(resp *anthropic.Message) string {
	var b strings.Builder
	for _, block := range resp.Content {
		if variant, ok := block.AsAny().(anthropic.TextBlock); ok {
			b.WriteString(variant.Text)
		}
	}
	return b.String()
}

// failureReason extracts the text following the failure marker, falling back
// to a generic message.
func failureReason(text string) string {
	idx := strings.Index(text, markerFailed)
	if idx < 0 {
		return "agent reported failure"
	}
	reason := strings.TrimSpace(strings.TrimPrefix(text[idx:], markerFailed))
	reason = strings.TrimLeft(reason, ":- ")
	if line := strings.SplitN(reason, "\n", 2)[0]; line != "" {
		return line
	}
	return "agent reported failure"
}

// systemPromptFor returns the system prompt for an agent type. Unknown types
// get the builder prompt.
func systemPromptFor(agentType string) string {
	base := fmt.Sprintf("You are an autonomous %s agent in a build pipeline. "+
		"Work the task you are given step by step. When the task is fully done, "+
		"emit %q on its own line. If the task cannot be completed, emit %q followed by the reason.",
		agentType, markerComplete, markerFailed)

	switch agentType {
	case "scout":
		return base + " Prefer the smallest change that satisfies the task."
	case "architect":
		return base + " Consider cross-cutting structure before implementation details."
	default:
		return base
	}
}
