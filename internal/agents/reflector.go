package agents

import (
	"context"
	"fmt"
	"strings"

	"github.com/codefionn/reflexion/internal/llm"
	"github.com/codefionn/reflexion/internal/reflection"
	"github.com/codefionn/reflexion/internal/step"
)

const reflectorSystemPrompt = `You analyze a failed step of a tool-using agent and explain how to avoid the failure.

Answer with a short critique (two or three sentences) naming the cause, then a "Remedies:" heading followed by concrete bullet points the agent can act on in its next step.`

// Reflector produces a critique and remedies for a failed observation.
type Reflector struct {
	client llm.Client
	settings
}

// NewReflector creates a Reflector.
func NewReflector(client llm.Client, opts ...Option) *Reflector {
	return &Reflector{client: client, settings: newSettings("reflect", opts)}
}

// Reflect implements orchestrator.Reflector.
func (r *Reflector) Reflect(ctx context.Context, task string, action step.Action, obs step.Observation, history []step.Record) (step.Reflection, error) {
	system := reflectorSystemPrompt
	user := r.userPrompt(task, action, obs, history, r.budget.Count(system))

	text, err := r.complete(ctx, r.client, system, user)
	if err != nil {
		return step.Reflection{}, fmt.Errorf("reflect: %w", err)
	}
	return ParseReflection(text)
}

func (r *Reflector) userPrompt(task string, action step.Action, obs step.Observation, history []step.Record, reserved int) string {
	var prompt strings.Builder
	prompt.WriteString("Task: ")
	prompt.WriteString(task)
	prompt.WriteString("\n\nFailed action: ")
	prompt.WriteString(action.String())
	fmt.Fprintf(&prompt, "\nError kind: %s\nError: %s\n", obs.Kind, obs.Message)

	if hint, ok := reflection.MatchHint(obs.Kind, obs.Message); ok && r.hints {
		prompt.WriteString("\nKnown pattern: ")
		prompt.WriteString(hint.Reflection)
		prompt.WriteString("\nTypical remedies:\n")
		for _, rem := range hint.Remedies {
			prompt.WriteString("- ")
			prompt.WriteString(rem)
			prompt.WriteString("\n")
		}
	}

	prompt.WriteString("\nEarlier steps:\n")
	prompt.WriteString(renderHistory(history, r.budget, reserved+r.budget.Count(task)))
	return prompt.String()
}
