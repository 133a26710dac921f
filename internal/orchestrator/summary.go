package orchestrator

import (
	"encoding/json"
	"time"

	"github.com/codefionn/reflexion/internal/step"
)

// Reasons reported in Summary.Reason besides the guard's own.
const (
	ReasonFinalized     = "finalized"
	ReasonCancelled     = "cancelled"
	ReasonInvalidConfig = "invalid config"
	ReasonEmptyTask     = "empty task"
	ReasonInternal      = "internal error"
)

// Summary is the outcome of one task run. FinalAnswer is null unless the run
// finalized.
type Summary struct {
	RunID           string         `json:"run_id"`
	Task            string         `json:"task"`
	Status          step.RunStatus `json:"status"`
	Reason          string         `json:"reason"`
	FinalAnswer     *string        `json:"final_answer"`
	TotalSteps      int            `json:"total_steps"`
	SuccessfulSteps int            `json:"successful_steps"`
	FailedSteps     int            `json:"failed_steps"`
	SkippedSteps    int            `json:"skipped_steps"`
	CacheHits       int            `json:"cache_hits"`
	ReflectorCalls  int            `json:"reflector_calls"`
	ToolUsage       map[string]int `json:"tool_usage"`
	Steps           []step.Record  `json:"steps"`
	Config          Config         `json:"config"`
	StartedAt       time.Time      `json:"started_at"`
	EndedAt         time.Time      `json:"ended_at,omitempty"`
	DurationMs      int64          `json:"duration_ms"`
}

// Answer returns the final answer or "".
func (s *Summary) Answer() string {
	if s == nil || s.FinalAnswer == nil {
		return ""
	}
	return *s.FinalAnswer
}

// Succeeded reports whether the run finalized.
func (s *Summary) Succeeded() bool {
	return s != nil && s.Status == step.RunSucceeded
}

// JSON encodes the summary.
func (s *Summary) JSON() ([]byte, error) {
	return json.Marshal(s)
}
