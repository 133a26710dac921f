package collab

import (
	"context"
	"sync"
)

// MockPlanner replays Plans, repeating the last one once exhausted.
type MockPlanner struct {
	Plans     []string
	MockError error
	PlanFunc  func(ctx context.Context, task, feedback string) (string, error)

	// Tracking
	mu        sync.Mutex
	PlanCount int
	Feedback  []string
}

// Plan returns the next scripted plan
func (m *MockPlanner) Plan(ctx context.Context, task, feedback string) (string, error) {
	m.mu.Lock()
	m.PlanCount++
	m.Feedback = append(m.Feedback, feedback)
	n := m.PlanCount
	m.mu.Unlock()

	if m.PlanFunc != nil {
		return m.PlanFunc(ctx, task, feedback)
	}
	if m.MockError != nil {
		return "", m.MockError
	}
	if len(m.Plans) == 0 {
		return "plan", nil
	}
	if n > len(m.Plans) {
		n = len(m.Plans)
	}
	return m.Plans[n-1], nil
}

// Calls returns how often Plan ran
func (m *MockPlanner) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.PlanCount
}

// MockExecutor echoes the plan unless Outputs or Errors are scripted.
type MockExecutor struct {
	Outputs     []string
	Errors      []error
	ExecuteFunc func(ctx context.Context, task, plan string) (string, error)

	// Tracking
	mu           sync.Mutex
	ExecuteCount int
}

// Execute returns the next scripted output; a non-nil entry in Errors at the
// same position takes precedence.
func (m *MockExecutor) Execute(ctx context.Context, task, plan string) (string, error) {
	m.mu.Lock()
	m.ExecuteCount++
	n := m.ExecuteCount
	m.mu.Unlock()

	if m.ExecuteFunc != nil {
		return m.ExecuteFunc(ctx, task, plan)
	}
	if n <= len(m.Errors) && m.Errors[n-1] != nil {
		return "", m.Errors[n-1]
	}
	if len(m.Outputs) == 0 {
		return "result of " + plan, nil
	}
	if n > len(m.Outputs) {
		n = len(m.Outputs)
	}
	return m.Outputs[n-1], nil
}

// Calls returns how often Execute ran
func (m *MockExecutor) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ExecuteCount
}

// MockCritic replays Scores, repeating the last one once exhausted.
type MockCritic struct {
	Scores     []float64
	Critique   string
	MockError  error
	ReviewFunc func(ctx context.Context, task, plan, output string) (Review, error)

	// Tracking
	mu          sync.Mutex
	ReviewCount int
}

// Review returns the next scripted score
func (m *MockCritic) Review(ctx context.Context, task, plan, output string) (Review, error) {
	m.mu.Lock()
	m.ReviewCount++
	n := m.ReviewCount
	m.mu.Unlock()

	if m.ReviewFunc != nil {
		return m.ReviewFunc(ctx, task, plan, output)
	}
	if m.MockError != nil {
		return Review{}, m.MockError
	}
	if len(m.Scores) == 0 {
		return Review{Score: 1, Critique: m.Critique}, nil
	}
	if n > len(m.Scores) {
		n = len(m.Scores)
	}
	critique := m.Critique
	if critique == "" {
		critique = "needs work"
	}
	return Review{Score: m.Scores[n-1], Critique: critique}, nil
}

// Calls returns how often Review ran
func (m *MockCritic) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ReviewCount
}
