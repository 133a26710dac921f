package history

import (
	"fmt"
	"time"

	"github.com/codefionn/reflexion/internal/step"
)

// Snapshot is the serializable state of a Store.
type Snapshot struct {
	Task       string         `json:"task"`
	Status     step.RunStatus `json:"status"`
	StartedAt  time.Time      `json:"started_at"`
	EndedAt    time.Time      `json:"ended_at,omitempty"`
	MaxHistory int            `json:"max_history"`
	Records    []step.Record  `json:"records"`
}

// Snapshot captures the store's state.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make([]step.Record, len(s.records))
	copy(records, s.records)
	return Snapshot{
		Task:       s.task,
		Status:     s.status,
		StartedAt:  s.startedAt,
		EndedAt:    s.endedAt,
		MaxHistory: s.maxHistory,
		Records:    records,
	}
}

// Restore rebuilds a store from a snapshot. Step numbers must be 1..N.
func Restore(snap Snapshot) (*Store, error) {
	for i, rec := range snap.Records {
		if rec.Number != i+1 {
			return nil, fmt.Errorf("snapshot step %d has number %d", i+1, rec.Number)
		}
	}
	status := snap.Status
	if status == "" {
		status = step.RunRunning
	}

	s := New(snap.MaxHistory)
	s.task = snap.Task
	s.status = status
	s.started = true
	s.startedAt = snap.StartedAt
	s.endedAt = snap.EndedAt
	s.records = make([]step.Record, len(snap.Records))
	copy(s.records, snap.Records)
	s.window = make([]int, len(s.records))
	for i := range s.records {
		s.window[i] = i
	}
	if s.maxHistory > 0 {
		s.truncateLocked(s.maxHistory)
	}
	return s, nil
}
