package agents

import (
	"context"
	"fmt"
	"strings"

	"github.com/codefionn/reflexion/internal/llm"
	"github.com/codefionn/reflexion/internal/step"
)

const decisionSystemPrompt = `You are the decision step of a tool-using agent. Each turn you either call exactly one tool or give the final answer.

Respond with a single JSON object and nothing else:
{"action_type": "tool", "tool_name": "<name>", "tool_input": {...}}
or
{"action_type": "finish", "final_answer": "<answer>"}

Rules:
- Use only the listed tools, with arguments matching their parameters.
- Read the reflections on earlier failures and do not repeat a failed call unchanged.
- Finish as soon as the observations answer the task.`

// DecisionMaker chooses the next action by prompting a model with the task,
// the tool catalog and the run history.
type DecisionMaker struct {
	client llm.Client
	tools  ToolCatalog
	settings
}

// NewDecisionMaker creates a DecisionMaker.
func NewDecisionMaker(client llm.Client, tools ToolCatalog, opts ...Option) *DecisionMaker {
	return &DecisionMaker{
		client:   client,
		tools:    tools,
		settings: newSettings("decide", opts),
	}
}

// Decide implements orchestrator.DecisionMaker. When the model stays
// unreachable after retries and an earlier tool call succeeded, the run is
// finalized with that observation instead of failing the step.
func (d *DecisionMaker) Decide(ctx context.Context, task string, history []step.Record) (step.Action, error) {
	system := d.systemPrompt()
	user := d.userPrompt(task, history, d.budget.Count(system))

	text, err := d.complete(ctx, d.client, system, user)
	if err != nil {
		if ctx.Err() == nil && llm.IsTransient(err) {
			if obs, ok := lastSuccess(history); ok {
				d.log.Warn("Model unavailable, finalizing with last successful observation: %v", err)
				return step.Finalize(obs.Text()), nil
			}
		}
		return step.Action{}, fmt.Errorf("decide: %w", err)
	}

	action, err := ParseDecision(text)
	if err != nil {
		d.log.Debug("Unparseable decision: %s", llm.TruncateForError(text, 200))
		return step.Action{}, err
	}
	d.log.Debug("Decided %s", action)
	return action, nil
}

func (d *DecisionMaker) systemPrompt() string {
	var prompt strings.Builder
	prompt.WriteString(decisionSystemPrompt)
	prompt.WriteString("\n\nAvailable tools:\n")
	if d.tools != nil {
		prompt.WriteString(d.tools.Describe())
	}
	return prompt.String()
}

func (d *DecisionMaker) userPrompt(task string, history []step.Record, reserved int) string {
	var prompt strings.Builder
	prompt.WriteString("Task: ")
	prompt.WriteString(task)
	prompt.WriteString("\n\nHistory:\n")
	prompt.WriteString(renderHistory(history, d.budget, reserved+d.budget.Count(task)))
	if r := lastReflection(history); r != "" {
		prompt.WriteString("\nMost recent reflection:\n")
		prompt.WriteString(r)
		prompt.WriteString("\n")
	}
	prompt.WriteString("\nDecide the next action.")
	return prompt.String()
}
