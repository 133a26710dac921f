package agents

import (
	"context"
	"fmt"

	"github.com/codefionn/reflexion/internal/llm"
)

const executorSystemPrompt = `You are the executor in a planner, executor and critic team. Carry out the plan for the task and reply with the finished result only.`

// Executor answers a plan directly with a model. It serves the
// collaboration layer when no tools are configured.
type Executor struct {
	client llm.Client
	settings
}

// NewExecutor creates an Executor.
func NewExecutor(client llm.Client, opts ...Option) *Executor {
	return &Executor{client: client, settings: newSettings("executor", opts)}
}

// Execute implements collab.Executor.
func (e *Executor) Execute(ctx context.Context, task, plan string) (string, error) {
	out, err := e.complete(ctx, e.client, executorSystemPrompt, fmt.Sprintf("Task: %s\n\nPlan:\n%s\n", task, plan))
	if err != nil {
		return "", fmt.Errorf("execute: %w", err)
	}
	return out, nil
}
