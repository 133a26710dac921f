package orchestrator

import (
	"context"

	"github.com/codefionn/reflexion/internal/logger"
	"github.com/codefionn/reflexion/internal/step"
)

// Hooks are optional observability callbacks. They run synchronously on the
// run's goroutine; errors and panics are logged and never change the outcome.
type Hooks struct {
	// OnPhase is called on every state machine transition
	OnPhase func(ctx context.Context, runID string, from, to Phase) error

	// OnStep is called once per step after RECORD and REFLECT completed
	OnStep func(ctx context.Context, runID string, rec step.Record) error

	// OnRun is called once the run reached a terminal status
	OnRun func(ctx context.Context, summary *Summary) error
}

// ChainHooks merges several hook sets; each callback runs in order.
func ChainHooks(all ...*Hooks) *Hooks {
	var live []*Hooks
	for _, h := range all {
		if h != nil {
			live = append(live, h)
		}
	}
	if len(live) == 0 {
		return nil
	}
	if len(live) == 1 {
		return live[0]
	}

	return &Hooks{
		OnPhase: func(ctx context.Context, runID string, from, to Phase) error {
			var first error
			for _, h := range live {
				if h.OnPhase == nil {
					continue
				}
				if err := h.OnPhase(ctx, runID, from, to); err != nil && first == nil {
					first = err
				}
			}
			return first
		},
		OnStep: func(ctx context.Context, runID string, rec step.Record) error {
			var first error
			for _, h := range live {
				if h.OnStep == nil {
					continue
				}
				if err := h.OnStep(ctx, runID, rec); err != nil && first == nil {
					first = err
				}
			}
			return first
		},
		OnRun: func(ctx context.Context, summary *Summary) error {
			var first error
			for _, h := range live {
				if h.OnRun == nil {
					continue
				}
				if err := h.OnRun(ctx, summary); err != nil && first == nil {
					first = err
				}
			}
			return first
		},
	}
}

// safeHook runs fn and swallows its error or panic.
func safeHook(log *logger.Logger, name string, fn func() error) {
	defer func() {
		if p := recover(); p != nil {
			log.Warn("%s hook panicked: %v", name, p)
		}
	}()
	if err := fn(); err != nil {
		// Log hook error but don't override the run outcome
		log.Debug("%s hook failed: %v", name, err)
	}
}

func (h *Hooks) phase(ctx context.Context, log *logger.Logger, runID string, from, to Phase) {
	if h == nil || h.OnPhase == nil {
		return
	}
	safeHook(log, "phase", func() error { return h.OnPhase(ctx, runID, from, to) })
}

func (h *Hooks) step(ctx context.Context, log *logger.Logger, runID string, rec step.Record) {
	if h == nil || h.OnStep == nil {
		return
	}
	safeHook(log, "step", func() error { return h.OnStep(ctx, runID, rec) })
}

func (h *Hooks) run(ctx context.Context, log *logger.Logger, s *Summary) {
	if h == nil || h.OnRun == nil {
		return
	}
	safeHook(log, "run", func() error { return h.OnRun(ctx, s) })
}
