package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var errPanic = errors.New("collaborator panicked")

// call runs fn under a per-call timeout and turns panics into errors. On
// timeout it returns without waiting for fn; fn sees its context cancelled
// and its late result is discarded.
func call[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	callCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type result struct {
		value T
		err   error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- result{err: fmt.Errorf("%w: %v", errPanic, p)}
			}
		}()
		v, err := fn(callCtx)
		done <- result{value: v, err: err}
	}()

	select {
	case res := <-done:
		return res.value, res.err
	case <-callCtx.Done():
		var zero T
		return zero, callCtx.Err()
	}
}
