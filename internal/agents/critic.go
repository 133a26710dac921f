package agents

import (
	"context"
	"fmt"
	"strings"

	"github.com/codefionn/reflexion/internal/collab"
	"github.com/codefionn/reflexion/internal/llm"
)

const criticSystemPrompt = `You are the critic in a planner, executor and critic team. Judge how well the result completes the task.

Start your answer with a line "SCORE: <number between 0 and 1>", then explain what is missing or wrong and how the next plan should change.`

// Critic scores executor results for the collaboration layer.
type Critic struct {
	client llm.Client
	settings
}

// NewCritic creates a Critic.
func NewCritic(client llm.Client, opts ...Option) *Critic {
	return &Critic{client: client, settings: newSettings("critic", opts)}
}

// Review implements collab.Critic. A response without a readable score
// scores 0.
func (c *Critic) Review(ctx context.Context, task, plan, output string) (collab.Review, error) {
	var prompt strings.Builder
	prompt.WriteString("Task: ")
	prompt.WriteString(task)
	prompt.WriteString("\n\nPlan:\n")
	prompt.WriteString(plan)
	prompt.WriteString("\n\nResult:\n")
	prompt.WriteString(llm.TruncateForError(output, 4000))
	prompt.WriteString("\n")

	text, err := c.complete(ctx, c.client, criticSystemPrompt, prompt.String())
	if err != nil {
		return collab.Review{}, fmt.Errorf("review: %w", err)
	}
	return collab.Review{Score: ParseScore(text), Critique: stripScore(text)}, nil
}
