package orchestrator

import (
	"context"

	"github.com/codefionn/reflexion/internal/step"
)

// DecisionMaker proposes the next action given the task and the working
// history. It only reads history. An error is recorded as a failed step.
type DecisionMaker interface {
	Decide(ctx context.Context, task string, history []step.Record) (step.Action, error)
}

// Dispatcher executes a tool. Unknown tools and malformed input come back as
// failure observations, never as panics.
type Dispatcher interface {
	Execute(ctx context.Context, tool string, input map[string]interface{}) step.Observation
}

// Reflector critiques an action and its observation.
type Reflector interface {
	Reflect(ctx context.Context, task string, action step.Action, obs step.Observation, history []step.Record) (step.Reflection, error)
}

// RunStore persists runs and their steps.
type RunStore interface {
	SaveRun(ctx context.Context, s *Summary) error
	SaveStep(ctx context.Context, runID string, rec step.Record) error
}

// DecisionFunc adapts a function to DecisionMaker.
type DecisionFunc func(ctx context.Context, task string, history []step.Record) (step.Action, error)

// Decide calls f
func (f DecisionFunc) Decide(ctx context.Context, task string, history []step.Record) (step.Action, error) {
	return f(ctx, task, history)
}

// DispatchFunc adapts a function to Dispatcher.
type DispatchFunc func(ctx context.Context, tool string, input map[string]interface{}) step.Observation

// Execute calls f
func (f DispatchFunc) Execute(ctx context.Context, tool string, input map[string]interface{}) step.Observation {
	return f(ctx, tool, input)
}

// ReflectorFunc adapts a function to Reflector.
type ReflectorFunc func(ctx context.Context, task string, action step.Action, obs step.Observation, history []step.Record) (step.Reflection, error)

// Reflect calls f
func (f ReflectorFunc) Reflect(ctx context.Context, task string, action step.Action, obs step.Observation, history []step.Record) (step.Reflection, error) {
	return f(ctx, task, action, obs, history)
}
