package collab

import (
	"context"

	"github.com/codefionn/reflexion/internal/logger"
)

// Hooks are optional callbacks fired on the coordinator's goroutine. Errors
// and panics are logged and never change the outcome.
type Hooks struct {
	// OnPlan is called after the planner produced a plan
	OnPlan func(ctx context.Context, runID string, round int, plan string) error

	// OnExecute is called after the executor returned; err is the executor's error
	OnExecute func(ctx context.Context, runID string, round int, output string, err error) error

	// OnReview is called once per completed round
	OnReview func(ctx context.Context, runID string, round Round) error

	// OnResult is called once the collaboration finished
	OnResult func(ctx context.Context, result *Result) error
}

func safeHook(log *logger.Logger, name string, fn func() error) {
	defer func() {
		if p := recover(); p != nil {
			log.Warn("%s hook panicked: %v", name, p)
		}
	}()
	if err := fn(); err != nil {
		log.Debug("%s hook failed: %v", name, err)
	}
}

func (h *Hooks) plan(ctx context.Context, log *logger.Logger, runID string, round int, plan string) {
	if h == nil || h.OnPlan == nil {
		return
	}
	safeHook(log, "plan", func() error { return h.OnPlan(ctx, runID, round, plan) })
}

func (h *Hooks) execute(ctx context.Context, log *logger.Logger, runID string, round int, output string, err error) {
	if h == nil || h.OnExecute == nil {
		return
	}
	safeHook(log, "execute", func() error { return h.OnExecute(ctx, runID, round, output, err) })
}

func (h *Hooks) review(ctx context.Context, log *logger.Logger, runID string, round Round) {
	if h == nil || h.OnReview == nil {
		return
	}
	safeHook(log, "review", func() error { return h.OnReview(ctx, runID, round) })
}

func (h *Hooks) result(ctx context.Context, log *logger.Logger, r *Result) {
	if h == nil || h.OnResult == nil {
		return
	}
	safeHook(log, "result", func() error { return h.OnResult(ctx, r) })
}

// ChainHooks merges several hook sets; each callback runs in order and the
// first error is returned.
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

	each := func(fn func(h *Hooks) error) error {
		var first error
		for _, h := range live {
			if err := fn(h); err != nil && first == nil {
				first = err
			}
		}
		return first
	}
	return &Hooks{
		OnPlan: func(ctx context.Context, runID string, round int, plan string) error {
			return each(func(h *Hooks) error {
				if h.OnPlan == nil {
					return nil
				}
				return h.OnPlan(ctx, runID, round, plan)
			})
		},
		OnExecute: func(ctx context.Context, runID string, round int, output string, err error) error {
			return each(func(h *Hooks) error {
				if h.OnExecute == nil {
					return nil
				}
				return h.OnExecute(ctx, runID, round, output, err)
			})
		},
		OnReview: func(ctx context.Context, runID string, round Round) error {
			return each(func(h *Hooks) error {
				if h.OnReview == nil {
					return nil
				}
				return h.OnReview(ctx, runID, round)
			})
		},
		OnResult: func(ctx context.Context, r *Result) error {
			return each(func(h *Hooks) error {
				if h.OnResult == nil {
					return nil
				}
				return h.OnResult(ctx, r)
			})
		},
	}
}
