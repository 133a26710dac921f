package orchestrator

import (
	"context"
	"sync"

	"github.com/codefionn/reflexion/internal/step"
)

// MockDecisionMaker replays Script, repeating the last action once exhausted.
type MockDecisionMaker struct {
	Script     []step.Action
	MockError  error
	DecideFunc func(ctx context.Context, task string, history []step.Record) (step.Action, error)

	// Tracking
	mu          sync.Mutex
	DecideCount int
	LastHistory []step.Record
}

// Decide returns the next scripted action
func (m *MockDecisionMaker) Decide(ctx context.Context, task string, history []step.Record) (step.Action, error) {
	m.mu.Lock()
	m.DecideCount++
	m.LastHistory = history
	n := m.DecideCount
	m.mu.Unlock()

	if m.DecideFunc != nil {
		return m.DecideFunc(ctx, task, history)
	}
	if m.MockError != nil {
		return step.Action{}, m.MockError
	}
	if len(m.Script) == 0 {
		return step.Action{}, nil
	}
	if n > len(m.Script) {
		n = len(m.Script)
	}
	return m.Script[n-1], nil
}

// Calls returns how often Decide ran
func (m *MockDecisionMaker) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.DecideCount
}

// MockDispatcher returns per-tool observations, falling back to Default.
type MockDispatcher struct {
	Results     map[string]step.Observation
	Default     step.Observation
	ExecuteFunc func(ctx context.Context, tool string, input map[string]interface{}) step.Observation

	// Tracking
	mu           sync.Mutex
	ExecuteCount int
	LastTool     string
	LastInput    map[string]interface{}
}

// Execute returns the configured observation
func (m *MockDispatcher) Execute(ctx context.Context, tool string, input map[string]interface{}) step.Observation {
	m.mu.Lock()
	m.ExecuteCount++
	m.LastTool = tool
	m.LastInput = input
	m.mu.Unlock()

	if m.ExecuteFunc != nil {
		return m.ExecuteFunc(ctx, tool, input)
	}
	if obs, ok := m.Results[tool]; ok {
		return obs
	}
	return m.Default
}

// Calls returns how often Execute ran
func (m *MockDispatcher) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ExecuteCount
}

// MockReflector returns a fixed reflection.
type MockReflector struct {
	Reflection  step.Reflection
	MockError   error
	ReflectFunc func(ctx context.Context, task string, action step.Action, obs step.Observation, history []step.Record) (step.Reflection, error)

	// Tracking
	mu           sync.Mutex
	ReflectCount int
	LastObs      step.Observation
}

// Reflect returns the configured reflection
func (m *MockReflector) Reflect(ctx context.Context, task string, action step.Action, obs step.Observation, history []step.Record) (step.Reflection, error) {
	m.mu.Lock()
	m.ReflectCount++
	m.LastObs = obs
	m.mu.Unlock()

	if m.ReflectFunc != nil {
		return m.ReflectFunc(ctx, task, action, obs, history)
	}
	return m.Reflection, m.MockError
}

// Calls returns how often Reflect ran
func (m *MockReflector) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ReflectCount
}
