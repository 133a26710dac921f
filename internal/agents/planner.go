package agents

import (
	"context"
	"fmt"
	"strings"

	"github.com/codefionn/reflexion/internal/llm"
)

const plannerSystemPrompt = `You are the planner in a planner, executor and critic team. Write a short numbered plan the executor can follow to complete the task with the available tools.

If critiques of earlier attempts are given, change the plan to address every point they raise. Output only the plan.`

// Planner proposes plans for the collaboration layer.
type Planner struct {
	client llm.Client
	tools  ToolCatalog
	settings
}

// NewPlanner creates a Planner. tools may be nil.
func NewPlanner(client llm.Client, tools ToolCatalog, opts ...Option) *Planner {
	return &Planner{client: client, tools: tools, settings: newSettings("planner", opts)}
}

// Plan implements collab.Planner.
func (p *Planner) Plan(ctx context.Context, task, feedback string) (string, error) {
	var prompt strings.Builder
	prompt.WriteString("Task: ")
	prompt.WriteString(task)
	prompt.WriteString("\n")
	if p.tools != nil {
		if names := p.tools.Names(); len(names) > 0 {
			prompt.WriteString("\nTools: ")
			prompt.WriteString(strings.Join(names, ", "))
			prompt.WriteString("\n")
		}
	}
	if strings.TrimSpace(feedback) != "" {
		prompt.WriteString("\nCritiques of earlier attempts:\n")
		prompt.WriteString(feedback)
		prompt.WriteString("\n")
	}

	plan, err := p.complete(ctx, p.client, plannerSystemPrompt, prompt.String())
	if err != nil {
		return "", fmt.Errorf("plan: %w", err)
	}
	return plan, nil
}
