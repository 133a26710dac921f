package progress

import "strings"

type ReportMode int

const (
	// ReportNoStatus streams only (no status indicator).
	ReportNoStatus ReportMode = iota
	// ReportJustStatus reports to status indicator only.
	ReportJustStatus
	// ReportStreamAndStatus reports to both stream and status indicator.
	ReportStreamAndStatus
)

// Update describes a progress message emitted while a run advances.
type Update struct {
	// RunID identifies the run the update belongs to.
	RunID string
	// Step is the 1-based step number in progress (0 before the first step).
	Step int
	// Phase is the orchestrator phase the run entered.
	Phase string
	// Message is the content to deliver to the UI or client.
	Message string
	// AddNewLine appends a newline to Message if one is not already present.
	AddNewLine bool
	// Mode controls where the message should be surfaced.
	Mode ReportMode
	// Ephemeral marks the update as transient (should not persist once superseded).
	Ephemeral bool
}

// ShouldStream returns true if the update should be streamed to the user-facing content channel.
func (u Update) ShouldStream() bool {
	return u.Mode == ReportNoStatus || u.Mode == ReportStreamAndStatus
}

// ShouldStatus returns true if the update should be shown in a status indicator.
func (u Update) ShouldStatus() bool {
	return u.Mode == ReportJustStatus || u.Mode == ReportStreamAndStatus
}

// Callback receives progress updates.
type Callback func(Update) error

// Normalize ensures the update reflects requested formatting (currently newline handling).
func Normalize(update Update) Update {
	if update.AddNewLine && update.Message != "" && !strings.HasSuffix(update.Message, "\n") {
		update.Message += "\n"
	}
	return update
}

// Dispatch normalizes and sends the update if the callback is set.
func Dispatch(cb Callback, update Update) error {
	if cb == nil {
		return nil
	}
	return cb(Normalize(update))
}

// Fanout returns a callback that forwards every update to each non-nil
// callback. The first error is returned after all callbacks ran.
func Fanout(cbs ...Callback) Callback {
	var live []Callback
	for _, cb := range cbs {
		if cb != nil {
			live = append(live, cb)
		}
	}
	if len(live) == 0 {
		return nil
	}
	return func(u Update) error {
		var first error
		for _, cb := range live {
			if err := cb(u); err != nil && first == nil {
				first = err
			}
		}
		return first
	}
}
