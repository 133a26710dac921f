// Package collab layers a Planner -> Executor -> Critic protocol on top of the
// orchestrator primitives. Rounds repeat until the critic's score meets the
// quality threshold or the iteration budget runs out; on failure the best
// scoring round is kept as the answer.
package collab

import (
	"context"
	"errors"
	"time"

	"github.com/codefionn/reflexion/internal/step"
)

// ErrInvalidArgs is returned by Run for an empty task, a non-positive
// iteration count or a threshold outside [0,1].
var ErrInvalidArgs = errors.New("invalid collaboration arguments")

// Reasons reported in Result.Reason.
const (
	ReasonThresholdMet = "quality threshold met"
	ReasonExhausted    = "iterations exhausted"
	ReasonRepetition   = "repetition detected"
	ReasonCancelled    = "cancelled"
	ReasonInvalidArgs  = "invalid arguments"
)

// Planner proposes a plan. feedback is empty on the first round and carries
// the previous critiques afterwards.
type Planner interface {
	Plan(ctx context.Context, task, feedback string) (string, error)
}

// Executor carries out a plan and returns its result.
type Executor interface {
	Execute(ctx context.Context, task, plan string) (string, error)
}

// Critic scores an executor result in [0,1].
type Critic interface {
	Review(ctx context.Context, task, plan, output string) (Review, error)
}

// Review is a critic verdict.
type Review struct {
	Score    float64 `json:"score"`
	Critique string  `json:"critique"`
}

// Round is one plan -> execute -> critique cycle.
type Round struct {
	Number       int     `json:"round"`
	Plan         string  `json:"plan"`
	Output       string  `json:"output"`
	Score        float64 `json:"score"`
	Critique     string  `json:"critique"`
	MetThreshold bool    `json:"met_threshold"`
	Error        string  `json:"error,omitempty"`
	DurationMs   int64   `json:"duration_ms"`
}

// Result is the outcome of a collaboration run. FinalAnswer holds the output
// of the best round even when the threshold was never met.
type Result struct {
	RunID            string         `json:"run_id"`
	Task             string         `json:"task"`
	Status           step.RunStatus `json:"status"`
	Reason           string         `json:"reason"`
	FinalAnswer      *string        `json:"final_answer"`
	BestRound        int            `json:"best_round"`
	BestScore        float64        `json:"best_score"`
	QualityThreshold float64        `json:"quality_threshold"`
	MaxIterations    int            `json:"max_iterations"`
	Rounds           []Round        `json:"rounds"`
	Steps            []step.Record  `json:"steps"`
	StartedAt        time.Time      `json:"started_at"`
	EndedAt          time.Time      `json:"ended_at"`
	DurationMs       int64          `json:"duration_ms"`
}

// Answer returns the final answer or "".
func (r *Result) Answer() string {
	if r == nil || r.FinalAnswer == nil {
		return ""
	}
	return *r.FinalAnswer
}

// Succeeded reports whether the threshold was met.
func (r *Result) Succeeded() bool {
	return r != nil && r.Status == step.RunSucceeded
}

// PlannerFunc adapts a function to Planner.
type PlannerFunc func(ctx context.Context, task, feedback string) (string, error)

// Plan calls f.
func (f PlannerFunc) Plan(ctx context.Context, task, feedback string) (string, error) {
	return f(ctx, task, feedback)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, task, plan string) (string, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, task, plan string) (string, error) {
	return f(ctx, task, plan)
}

// CriticFunc adapts a function to Critic.
type CriticFunc func(ctx context.Context, task, plan, output string) (Review, error)

// Review calls f.
func (f CriticFunc) Review(ctx context.Context, task, plan, output string) (Review, error) {
	return f(ctx, task, plan, output)
}
