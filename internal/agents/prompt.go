package agents

import (
	"fmt"
	"strings"

	"github.com/codefionn/reflexion/internal/llm"
	"github.com/codefionn/reflexion/internal/step"
)

const maxObservationChars = 600

// ToolCatalog describes the tools a Decision Maker may choose from.
type ToolCatalog interface {
	Describe() string
	Names() []string
}

// renderStep renders one record for a prompt.
func renderStep(rec step.Record) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Step %d [%s]: %s\n", rec.Number, rec.Status, rec.Action)
	fmt.Fprintf(&sb, "  Observation: %s\n", llm.TruncateForError(rec.Observation.Text(), maxObservationChars))
	if rec.HasReflection() {
		sb.WriteString("  Reflection: ")
		sb.WriteString(strings.ReplaceAll(rec.Reflection, "\n", "\n    "))
		sb.WriteString("\n")
	}
	return sb.String()
}

// renderHistory renders records oldest first within the budget. Older steps
// that do not fit are summarized by count.
func renderHistory(history []step.Record, budget *Budget, reserved int) string {
	if len(history) == 0 {
		return "(no steps yet)\n"
	}
	items := make([]string, len(history))
	for i, rec := range history {
		items[i] = renderStep(rec)
	}
	kept, dropped := budget.Fit(reserved, items)

	var sb strings.Builder
	if dropped > 0 {
		fmt.Fprintf(&sb, "(%d earlier steps omitted)\n", dropped)
	}
	for _, item := range kept {
		sb.WriteString(item)
	}
	return sb.String()
}

// lastReflection returns the most recent reflection in history.
func lastReflection(history []step.Record) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].HasReflection() {
			return history[i].Reflection
		}
	}
	return ""
}

// lastSuccess returns the most recent successful observation, if any.
func lastSuccess(history []step.Record) (step.Observation, bool) {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Status == step.StatusSuccess && history[i].Action.Type == step.ActionInvoke {
			return history[i].Observation, true
		}
	}
	return step.Observation{}, false
}
