package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/codefionn/reflexion/internal/logger"
	"github.com/codefionn/reflexion/internal/secretdetect"
	"github.com/codefionn/reflexion/internal/step"
)

// Dispatcher resolves tool names against a registry and converts every
// outcome, including panics, into an observation.
type Dispatcher struct {
	registry *Registry
	timeout  time.Duration
	redactor *secretdetect.Redactor
	log      *logger.Logger
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithRedactor masks secrets in every observation before it is returned.
func WithRedactor(r *secretdetect.Redactor) DispatcherOption {
	return func(d *Dispatcher) { d.redactor = r }
}

// NewDispatcher creates a dispatcher. timeout <= 0 leaves timing to the caller.
func NewDispatcher(registry *Registry, timeout time.Duration, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		registry: registry,
		timeout:  timeout,
		log:      logger.Global().WithPrefix("tools"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Registry returns the registry the dispatcher resolves against.
func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

// Execute runs the named tool.
func (d *Dispatcher) Execute(ctx context.Context, name string, input map[string]interface{}) step.Observation {
	obs := d.execute(ctx, name, input)
	if d.redactor != nil {
		var n int
		if obs, n = d.redactor.Observation(obs); n > 0 {
			d.log.Info("Masked %d secrets in the output of %s", n, name)
		}
	}
	return obs
}

func (d *Dispatcher) execute(ctx context.Context, name string, input map[string]interface{}) (obs step.Observation) {
	entry, ok := d.registry.entry(name)
	if !ok {
		msg := fmt.Sprintf("unknown tool: %s", name)
		if suggestion, near := d.registry.Suggest(name); near {
			msg += fmt.Sprintf(" (did you mean %s?)", suggestion)
		} else if names := d.registry.Names(); len(names) > 0 {
			msg += fmt.Sprintf(" (available: %s)", strings.Join(names, ", "))
		}
		d.log.Debug("%s", msg)
		return step.Failure(step.KindUnknownTool, msg)
	}

	if err := entry.schema.validate(input); err != nil {
		d.log.Debug("Rejected input for %s: %v", name, err)
		return step.Failure(step.KindParameter, fmt.Sprintf("invalid input for %s: %v", name, err))
	}

	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	defer func() {
		if p := recover(); p != nil {
			d.log.Error("Tool %s panicked: %v", name, p)
			obs = step.Failure(step.KindTool, fmt.Sprintf("tool %s panicked: %v", name, p))
		}
	}()

	start := time.Now()
	result := entry.tool.Execute(ctx, input)
	d.log.Debug("Tool %s finished in %s", name, time.Since(start))

	if result == nil {
		return step.Failure(step.KindTool, fmt.Sprintf("tool %s returned nil result", name))
	}
	if result.Error != "" {
		kind := result.Kind
		if kind == "" {
			kind = classifyError(result.Error)
		}
		if ctx.Err() == context.DeadlineExceeded {
			kind = step.KindTimeout
		}
		return step.Failure(kind, result.Error)
	}
	return step.Success(result.Result)
}
