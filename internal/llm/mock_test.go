package llm

import (
	"context"
	"errors"
	"testing"
)

func TestMockClient(t *testing.T) {
	boom := errors.New("boom")
	m := NewMockClient("first", "second")
	m.Errors = []error{boom}

	if _, err := m.Complete(context.Background(), "a"); !errors.Is(err, boom) {
		t.Fatalf("expected scripted error, got %v", err)
	}
	for _, want := range []string{"first", "second", "second"} {
		got, err := m.Complete(context.Background(), "p")
		if err != nil || got != want {
			t.Fatalf("expected %q, got %q (%v)", want, got, err)
		}
	}
	if m.Calls() != 4 {
		t.Errorf("expected 4 calls, got %d", m.Calls())
	}
	if last := m.LastRequest(); last == nil || last.Messages[0].Content != "p" {
		t.Errorf("unexpected last request %+v", last)
	}
}

func TestMockClient_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewMockClient("x").Complete(ctx, "p"); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
