// Package guard decides whether a run may continue after a step. Evaluation is
// a pure function of the history snapshot; it never loops or blocks.
package guard

import (
	"fmt"
	"sync"

	"github.com/codefionn/reflexion/internal/logger"
	"github.com/codefionn/reflexion/internal/step"
)

// Reason identifies why a run must stop.
type Reason int

const (
	// None means the run may continue
	None Reason = iota
	// Repetition means the latest action repeats the previous K actions
	Repetition
	// ConsecutiveFailures means the last M steps all failed
	ConsecutiveFailures
	// BudgetExhausted means max_steps was reached
	BudgetExhausted
)

// String returns the reason as reported in run summaries
func (r Reason) String() string {
	switch r {
	case None:
		return ""
	case Repetition:
		return "repetition detected"
	case ConsecutiveFailures:
		return "consecutive failures"
	case BudgetExhausted:
		return "step budget exhausted"
	default:
		return "unknown"
	}
}

// Status maps the reason to the terminal run status it implies.
func (r Reason) Status() step.RunStatus {
	switch r {
	case Repetition, ConsecutiveFailures:
		return step.RunFailed
	case BudgetExhausted:
		return step.RunAborted
	default:
		return step.RunRunning
	}
}

// Config holds the guard thresholds.
type Config struct {
	// MaxSteps is the hard ceiling on step records (<= 0 disables)
	MaxSteps int
	// RepetitionWindow is K: stop when the latest action equals each of the K before it
	RepetitionWindow int
	// FailureThreshold is M: stop after M consecutive failed steps
	FailureThreshold int
}

// DefaultConfig returns the default thresholds.
func DefaultConfig() Config {
	return Config{
		MaxSteps:         20,
		RepetitionWindow: 3,
		FailureThreshold: 3,
	}
}

// Verdict is the outcome of one evaluation.
type Verdict struct {
	Stop   bool
	Reason Reason
	Detail string
}

// Evaluate inspects the history. records must contain at least the most
// recent max(K+1, M) steps; total is the number of steps in the whole run.
// Exact repetition takes precedence over consecutive failures, which takes
// precedence over the step budget.
func Evaluate(cfg Config, records []step.Record, total int) Verdict {
	if v, ok := checkRepetition(cfg.RepetitionWindow, records); ok {
		return v
	}
	if v, ok := checkFailures(cfg.FailureThreshold, records); ok {
		return v
	}
	if cfg.MaxSteps > 0 && total >= cfg.MaxSteps {
		return Verdict{
			Stop:   true,
			Reason: BudgetExhausted,
			Detail: fmt.Sprintf("%d of %d steps used", total, cfg.MaxSteps),
		}
	}
	return Verdict{}
}

func checkRepetition(k int, records []step.Record) (Verdict, bool) {
	if k <= 0 || len(records) < k+1 {
		return Verdict{}, false
	}
	last := records[len(records)-1]
	if last.Action.Type != step.ActionInvoke {
		return Verdict{}, false
	}
	sig := last.Action.Signature()
	for _, prev := range records[len(records)-1-k : len(records)-1] {
		if prev.Action.Signature() != sig {
			return Verdict{}, false
		}
	}
	return Verdict{
		Stop:   true,
		Reason: Repetition,
		Detail: fmt.Sprintf("%s repeated %d times", last.Action.String(), k+1),
	}, true
}

func checkFailures(m int, records []step.Record) (Verdict, bool) {
	if m <= 0 || len(records) < m {
		return Verdict{}, false
	}
	for _, rec := range records[len(records)-m:] {
		if rec.Status != step.StatusFailure {
			return Verdict{}, false
		}
	}
	last := records[len(records)-1]
	return Verdict{
		Stop:   true,
		Reason: ConsecutiveFailures,
		Detail: fmt.Sprintf("%d consecutive failures, last: %s", m, last.Observation.Text()),
	}, true
}

// Guard wraps Evaluate with logging and trigger counters.
type Guard struct {
	mu       sync.Mutex
	cfg      Config
	checks   int
	triggers map[Reason]int
	log      *logger.Logger
}

// New creates a guard.
func New(cfg Config) *Guard {
	return &Guard{
		cfg:      cfg,
		triggers: make(map[Reason]int),
		log:      logger.Global().WithPrefix("guard"),
	}
}

// Config returns the guard thresholds.
func (g *Guard) Config() Config {
	return g.cfg
}

// Check evaluates the history and records the verdict.
func (g *Guard) Check(records []step.Record, total int) Verdict {
	v := Evaluate(g.cfg, records, total)

	g.mu.Lock()
	g.checks++
	if v.Stop {
		g.triggers[v.Reason]++
	}
	g.mu.Unlock()

	if v.Stop {
		g.log.Warn("Stopping at step %d: %s (%s)", total, v.Reason, v.Detail)
	} else {
		g.log.Debug("Step %d passed guard", total)
	}
	return v
}

// GetStats returns how many checks ran and how often each reason fired.
func (g *Guard) GetStats() (checks int, triggers map[Reason]int) {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make(map[Reason]int, len(g.triggers))
	for k, v := range g.triggers {
		out[k] = v
	}
	return g.checks, out
}
