package progress

import (
	"errors"
	"testing"
)

func TestNormalizeAddsNewLine(t *testing.T) {
	u := Normalize(Update{Message: "step 1", AddNewLine: true})
	if u.Message != "step 1\n" {
		t.Errorf("Expected trailing newline, got %q", u.Message)
	}

	u = Normalize(Update{Message: "done\n", AddNewLine: true})
	if u.Message != "done\n" {
		t.Errorf("Expected single newline, got %q", u.Message)
	}
}

func TestDispatchNilCallback(t *testing.T) {
	if err := Dispatch(nil, Update{Message: "x"}); err != nil {
		t.Errorf("Expected nil error for nil callback, got %v", err)
	}
}

func TestModes(t *testing.T) {
	tests := []struct {
		mode   ReportMode
		stream bool
		status bool
	}{
		{ReportNoStatus, true, false},
		{ReportJustStatus, false, true},
		{ReportStreamAndStatus, true, true},
	}
	for _, tt := range tests {
		u := Update{Mode: tt.mode}
		if u.ShouldStream() != tt.stream || u.ShouldStatus() != tt.status {
			t.Errorf("mode %d: stream=%v status=%v", tt.mode, u.ShouldStream(), u.ShouldStatus())
		}
	}
}

func TestFanout(t *testing.T) {
	if Fanout(nil, nil) != nil {
		t.Fatal("Expected nil callback when no live callbacks are given")
	}

	var got []string
	first := errors.New("first")
	cb := Fanout(
		func(u Update) error { got = append(got, "a:"+u.Phase); return first },
		nil,
		func(u Update) error { got = append(got, "b:"+u.Phase); return errors.New("second") },
	)

	err := cb(Update{Phase: "DECIDE"})
	if !errors.Is(err, first) {
		t.Errorf("Expected first error, got %v", err)
	}
	if len(got) != 2 || got[0] != "a:DECIDE" || got[1] != "b:DECIDE" {
		t.Errorf("Unexpected fanout order %v", got)
	}
}
