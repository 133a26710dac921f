package guard

import (
	"testing"

	"github.com/codefionn/reflexion/internal/step"
)

func invoke(tool string, a int, ok bool) step.Record {
	rec := step.Record{Action: step.Invoke(tool, map[string]interface{}{"a": a})}
	if ok {
		rec.Observation = step.Success(a)
		rec.Status = step.StatusSuccess
	} else {
		rec.Observation = step.Failure(step.KindTool, "boom")
		rec.Status = step.StatusFailure
	}
	return rec
}

func number(recs ...step.Record) []step.Record {
	for i := range recs {
		recs[i].Number = i + 1
	}
	return recs
}

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		records []step.Record
		want    Reason
	}{
		{
			name:    "empty history continues",
			cfg:     DefaultConfig(),
			records: nil,
			want:    None,
		},
		{
			name:    "repetition within K=2 stops at third identical action",
			cfg:     Config{MaxSteps: 10, RepetitionWindow: 2, FailureThreshold: 5},
			records: number(invoke("calc", 1, true), invoke("calc", 1, true), invoke("calc", 1, true)),
			want:    Repetition,
		},
		{
			name:    "two identical actions are not enough for K=2",
			cfg:     Config{MaxSteps: 10, RepetitionWindow: 2, FailureThreshold: 5},
			records: number(invoke("calc", 1, true), invoke("calc", 1, true)),
			want:    None,
		},
		{
			name:    "different input breaks repetition",
			cfg:     Config{MaxSteps: 10, RepetitionWindow: 2, FailureThreshold: 5},
			records: number(invoke("calc", 1, true), invoke("calc", 2, true), invoke("calc", 1, true)),
			want:    None,
		},
		{
			name:    "different tool breaks repetition",
			cfg:     Config{MaxSteps: 10, RepetitionWindow: 2, FailureThreshold: 5},
			records: number(invoke("calc", 1, true), invoke("text", 1, true), invoke("calc", 1, true)),
			want:    None,
		},
		{
			name:    "repetition ignores differing observations",
			cfg:     Config{MaxSteps: 10, RepetitionWindow: 2, FailureThreshold: 5},
			records: number(invoke("calc", 1, false), invoke("calc", 1, true), invoke("calc", 1, false)),
			want:    Repetition,
		},
		{
			name:    "M consecutive failures",
			cfg:     Config{MaxSteps: 10, RepetitionWindow: 3, FailureThreshold: 3},
			records: number(invoke("a", 1, false), invoke("b", 2, false), invoke("c", 3, false)),
			want:    ConsecutiveFailures,
		},
		{
			name:    "a success resets the failure streak",
			cfg:     Config{MaxSteps: 10, RepetitionWindow: 3, FailureThreshold: 3},
			records: number(invoke("a", 1, false), invoke("b", 2, true), invoke("c", 3, false), invoke("d", 4, false)),
			want:    None,
		},
		{
			name:    "budget exhausted",
			cfg:     Config{MaxSteps: 2, RepetitionWindow: 3, FailureThreshold: 3},
			records: number(invoke("a", 1, true), invoke("b", 2, true)),
			want:    BudgetExhausted,
		},
		{
			name:    "repetition wins over failures and budget",
			cfg:     Config{MaxSteps: 3, RepetitionWindow: 2, FailureThreshold: 3},
			records: number(invoke("a", 1, false), invoke("a", 1, false), invoke("a", 1, false)),
			want:    Repetition,
		},
		{
			name:    "failures win over budget",
			cfg:     Config{MaxSteps: 3, RepetitionWindow: 3, FailureThreshold: 3},
			records: number(invoke("a", 1, false), invoke("b", 1, false), invoke("c", 1, false)),
			want:    ConsecutiveFailures,
		},
		{
			name: "skipped steps are not failures",
			cfg:  Config{MaxSteps: 10, RepetitionWindow: 3, FailureThreshold: 2},
			records: number(
				invoke("a", 1, false),
				step.Record{Action: step.Action{Type: step.ActionNone}, Observation: step.Failure(step.KindLogic, "no decision"), Status: step.StatusSkipped},
			),
			want: None,
		},
		{
			name: "repeated empty actions are not repetition",
			cfg:  Config{MaxSteps: 10, RepetitionWindow: 1, FailureThreshold: 5},
			records: number(
				step.Record{Action: step.Action{Type: step.ActionNone}, Status: step.StatusSkipped},
				step.Record{Action: step.Action{Type: step.ActionNone}, Status: step.StatusSkipped},
			),
			want: None,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := Evaluate(tt.cfg, tt.records, len(tt.records))
			if v.Reason != tt.want {
				t.Fatalf("Evaluate() reason = %q, want %q (detail %q)", v.Reason, tt.want, v.Detail)
			}
			if v.Stop != (tt.want != None) {
				t.Errorf("Evaluate() stop = %v for reason %q", v.Stop, v.Reason)
			}
		})
	}
}

func TestEvaluateUsesTotalForBudget(t *testing.T) {
	cfg := Config{MaxSteps: 5, RepetitionWindow: 3, FailureThreshold: 3}
	window := number(invoke("a", 1, true))

	if v := Evaluate(cfg, window, 4); v.Stop {
		t.Fatalf("unexpected stop at 4/5: %+v", v)
	}
	if v := Evaluate(cfg, window, 5); v.Reason != BudgetExhausted {
		t.Fatalf("expected budget exhaustion at 5/5, got %+v", v)
	}
}

func TestReasonStatus(t *testing.T) {
	tests := []struct {
		reason Reason
		text   string
		status step.RunStatus
	}{
		{None, "", step.RunRunning},
		{Repetition, "repetition detected", step.RunFailed},
		{ConsecutiveFailures, "consecutive failures", step.RunFailed},
		{BudgetExhausted, "step budget exhausted", step.RunAborted},
	}
	for _, tt := range tests {
		if got := tt.reason.String(); got != tt.text {
			t.Errorf("Reason(%d).String() = %q, want %q", tt.reason, got, tt.text)
		}
		if got := tt.reason.Status(); got != tt.status {
			t.Errorf("Reason(%d).Status() = %q, want %q", tt.reason, got, tt.status)
		}
	}
}

func TestGuardStats(t *testing.T) {
	g := New(Config{MaxSteps: 10, RepetitionWindow: 1, FailureThreshold: 5})

	recs := number(invoke("a", 1, true))
	g.Check(recs, 1)
	recs = number(invoke("a", 1, true), invoke("a", 1, true))
	v := g.Check(recs, 2)
	if v.Reason != Repetition {
		t.Fatalf("expected repetition, got %+v", v)
	}

	checks, triggers := g.GetStats()
	if checks != 2 {
		t.Errorf("checks = %d, want 2", checks)
	}
	if triggers[Repetition] != 1 {
		t.Errorf("repetition triggers = %d, want 1", triggers[Repetition])
	}

	triggers[Repetition] = 99
	if _, again := g.GetStats(); again[Repetition] != 1 {
		t.Error("GetStats must return a copy")
	}
}
