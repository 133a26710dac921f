package collab

import (
	"context"
	"fmt"
	"strings"

	"github.com/codefionn/reflexion/internal/orchestrator"
	"github.com/codefionn/reflexion/internal/step"
)

// TaskRunner runs a task through the act/observe/reflect loop.
type TaskRunner interface {
	Run(ctx context.Context, task string) (*orchestrator.Summary, error)
}

// OrchestratorExecutor executes plans by running them through an
// orchestrator, so the executor shares the tool dispatcher and reflection
// cache with plain runs.
type OrchestratorExecutor struct {
	runner TaskRunner
	// OnSummary receives every inner run summary
	OnSummary func(*orchestrator.Summary)
}

// NewOrchestratorExecutor creates an executor backed by runner.
func NewOrchestratorExecutor(runner TaskRunner) *OrchestratorExecutor {
	return &OrchestratorExecutor{runner: runner}
}

// Execute implements Executor. A run that does not succeed is an error.
func (e *OrchestratorExecutor) Execute(ctx context.Context, task, plan string) (string, error) {
	summary, err := e.runner.Run(ctx, PlanTask(task, plan))
	if err != nil {
		return "", err
	}
	if e.OnSummary != nil {
		e.OnSummary(summary)
	}
	if summary.Status != step.RunSucceeded {
		return "", &runError{status: summary.Status, reason: summary.Reason, steps: summary.TotalSteps}
	}
	return summary.Answer(), nil
}

// PlanTask combines the task and a plan into the task text of an inner run.
func PlanTask(task, plan string) string {
	var sb strings.Builder
	sb.WriteString(strings.TrimSpace(task))
	if plan = strings.TrimSpace(plan); plan != "" {
		sb.WriteString("\n\nFollow this plan:\n")
		sb.WriteString(plan)
	}
	return sb.String()
}

type runError struct {
	status step.RunStatus
	reason string
	steps  int
}

func (e *runError) Error() string {
	return fmt.Sprintf("inner run %s after %d steps: %s", e.status, e.steps, e.reason)
}

func (e *runError) Kind() step.ErrorKind {
	if e.status == step.RunAborted {
		return step.KindTimeout
	}
	return step.KindTool
}
