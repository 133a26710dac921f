// Package history implements the per-run context store: an append-only,
// ordered log of step records plus task-level metadata.
package history

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/codefionn/reflexion/internal/step"
)

// DefaultKeepRecent is the number of most recent records truncation never drops.
const DefaultKeepRecent = 5

var (
	// ErrEmptyTask is returned by Start for a blank task description.
	ErrEmptyTask = errors.New("task description is empty")
	// ErrNotStarted is returned when appending before Start.
	ErrNotStarted = errors.New("context store not started")
	// ErrTerminal is returned when appending after the run reached a terminal status.
	ErrTerminal = errors.New("run already reached a terminal status")
	// ErrInvalidTransition is returned for a non-monotonic status change.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Stats aggregates the appended records.
type Stats struct {
	Total      int            `json:"total"`
	Successful int            `json:"successful"`
	Failed     int            `json:"failed"`
	Skipped    int            `json:"skipped"`
	ToolUsage  map[string]int `json:"tool_usage"`
}

// Store holds one run's history. Records() is the full log; History() is the
// bounded working view handed to the decision maker and reflector.
type Store struct {
	mu         sync.RWMutex
	task       string
	status     step.RunStatus
	started    bool
	startedAt  time.Time
	endedAt    time.Time
	records    []step.Record
	window     []int // indices into records
	elided     int
	maxHistory int
	keepRecent int
}

// New creates a store. maxHistory <= 0 disables truncation.
func New(maxHistory int) *Store {
	return &Store{
		maxHistory: maxHistory,
		keepRecent: DefaultKeepRecent,
	}
}

// SetKeepRecent changes how many trailing records truncation preserves.
func (s *Store) SetKeepRecent(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n < 1 {
		n = 1
	}
	s.keepRecent = n
}

// Start resets the store for a fresh run of task.
func (s *Store) Start(task string) error {
	if strings.TrimSpace(task) == "" {
		return ErrEmptyTask
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.task = task
	s.status = step.RunRunning
	s.started = true
	s.startedAt = time.Now()
	s.endedAt = time.Time{}
	s.records = nil
	s.window = nil
	s.elided = 0
	return nil
}

// Task returns the task description.
func (s *Store) Task() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.task
}

// Status returns the current run status.
func (s *Store) Status() step.RunStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// StartedAt returns when Start was last called.
func (s *Store) StartedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.startedAt
}

// EndedAt returns when the run reached its terminal status.
func (s *Store) EndedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.endedAt
}

// SetStatus moves the run to a terminal status. Only running -> terminal is allowed.
func (s *Store) SetStatus(status step.RunStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return ErrNotStarted
	}
	if s.status.IsTerminal() || !status.IsTerminal() {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.status, status)
	}
	s.status = status
	s.endedAt = time.Now()
	return nil
}

// Append adds a record, assigning the next step number. The stored copy is
// returned.
func (s *Store) Append(rec step.Record) (step.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return step.Record{}, ErrNotStarted
	}
	if s.status.IsTerminal() {
		return step.Record{}, fmt.Errorf("%w: status is %s", ErrTerminal, s.status)
	}

	rec.Number = len(s.records) + 1
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	s.records = append(s.records, rec)
	s.window = append(s.window, len(s.records)-1)

	if s.maxHistory > 0 && len(s.window) > s.maxHistory {
		s.truncateLocked(s.maxHistory)
	}
	return rec, nil
}

// AttachReflection sets the reflection of the latest record. It is the only
// write allowed after append and succeeds once per record.
func (s *Store) AttachReflection(number int, text string, source step.ReflectionSource) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status.IsTerminal() {
		return fmt.Errorf("%w: status is %s", ErrTerminal, s.status)
	}
	if len(s.records) == 0 || number != len(s.records) {
		return fmt.Errorf("reflection can only be attached to the latest step (got %d)", number)
	}
	rec := &s.records[number-1]
	if rec.HasReflection() {
		return fmt.Errorf("step %d already has a reflection", number)
	}
	rec.Reflection = text
	rec.ReflectionSource = source
	return nil
}

// Len returns the number of appended records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Last returns the latest record.
func (s *Store) Last() (step.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.records) == 0 {
		return step.Record{}, false
	}
	return s.records[len(s.records)-1], true
}

// Records returns a copy of the full append-only log.
func (s *Store) Records() []step.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]step.Record, len(s.records))
	copy(out, s.records)
	return out
}

// History returns a copy of the bounded working view, oldest first.
func (s *Store) History() []step.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]step.Record, 0, len(s.window))
	for _, idx := range s.window {
		out = append(out, s.records[idx])
	}
	return out
}

// Elided returns how many records were dropped from the working view.
func (s *Store) Elided() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.elided
}

// Digest summarizes the records that were dropped from the working view.
// It is empty when nothing was dropped.
func (s *Store) Digest() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.elided == 0 {
		return ""
	}

	inWindow := make(map[int]bool, len(s.window))
	for _, idx := range s.window {
		inWindow[idx] = true
	}
	var ok, failed int
	tools := make(map[string]int)
	var order []string
	for i, rec := range s.records {
		if inWindow[i] {
			continue
		}
		if rec.Status == step.StatusSuccess {
			ok++
		} else if rec.Status == step.StatusFailure {
			failed++
		}
		if rec.Action.Tool != "" {
			if tools[rec.Action.Tool] == 0 {
				order = append(order, rec.Action.Tool)
			}
			tools[rec.Action.Tool]++
		}
	}
	parts := make([]string, 0, len(order))
	for _, name := range order {
		parts = append(parts, fmt.Sprintf("%s x%d", name, tools[name]))
	}
	return fmt.Sprintf("%d earlier steps omitted (%d succeeded, %d failed; tools: %s)",
		s.elided, ok, failed, strings.Join(parts, ", "))
}

// Truncate bounds the working view to maxLength records. The most recent
// keepRecent records and the most recent failure (with its reflection) are
// always kept. Returns the number of records dropped.
func (s *Store) Truncate(maxLength int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.truncateLocked(maxLength)
}

func (s *Store) truncateLocked(maxLength int) int {
	if maxLength <= 0 || len(s.window) <= maxLength {
		return 0
	}

	protected := make(map[int]bool)
	keep := s.keepRecent
	if keep > maxLength {
		keep = maxLength
	}
	for i := len(s.window) - keep; i < len(s.window); i++ {
		protected[s.window[i]] = true
	}
	for i := len(s.window) - 1; i >= 0; i-- {
		if s.records[s.window[i]].Status == step.StatusFailure {
			protected[s.window[i]] = true
			break
		}
	}

	excess := len(s.window) - maxLength
	dropped := 0
	next := make([]int, 0, maxLength)
	for _, idx := range s.window {
		if dropped < excess && !protected[idx] {
			dropped++
			continue
		}
		next = append(next, idx)
	}
	s.window = next
	s.elided += dropped
	return dropped
}

// Stats aggregates counts over the full log.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{Total: len(s.records), ToolUsage: make(map[string]int)}
	for _, rec := range s.records {
		switch rec.Status {
		case step.StatusSuccess:
			st.Successful++
		case step.StatusFailure:
			st.Failed++
		case step.StatusSkipped:
			st.Skipped++
		}
		if rec.Action.Type == step.ActionInvoke && rec.Action.Tool != "" {
			st.ToolUsage[rec.Action.Tool]++
		}
	}
	return st
}
