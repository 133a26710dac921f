package history

import (
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/reflexion/internal/step"
)

func ok(tool string) step.Record {
	return step.Record{
		Action:      step.Invoke(tool, nil),
		Observation: step.Success("ok"),
		Status:      step.StatusSuccess,
	}
}

func fail(tool, msg string) step.Record {
	return step.Record{
		Action:      step.Invoke(tool, nil),
		Observation: step.Failure(step.KindTool, msg),
		Status:      step.StatusFailure,
	}
}

func TestStartRejectsEmptyTask(t *testing.T) {
	s := New(0)
	for _, task := range []string{"", "   ", "\n\t"} {
		assert.ErrorIs(t, s.Start(task), ErrEmptyTask)
	}
	_, err := s.Append(ok("calculator"))
	assert.ErrorIs(t, err, ErrNotStarted)
}

func TestAppendNumbersSequentially(t *testing.T) {
	s := New(0)
	require.NoError(t, s.Start("add two numbers"))

	for i := 0; i < 25; i++ {
		rec, err := s.Append(ok("calculator"))
		require.NoError(t, err)
		assert.Equal(t, i+1, rec.Number)
		assert.False(t, rec.Timestamp.IsZero())
	}

	records := s.Records()
	require.Len(t, records, 25)
	for i, rec := range records {
		if rec.Number != i+1 {
			t.Fatalf("Expected step %d, got %d", i+1, rec.Number)
		}
	}
}

func TestAppendIgnoresCallerNumber(t *testing.T) {
	s := New(0)
	require.NoError(t, s.Start("task"))
	rec := ok("calculator")
	rec.Number = 99
	stored, err := s.Append(rec)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.Number)
}

func TestAppendAfterTerminalFails(t *testing.T) {
	for _, status := range []step.RunStatus{step.RunSucceeded, step.RunFailed, step.RunAborted} {
		t.Run(string(status), func(t *testing.T) {
			s := New(0)
			require.NoError(t, s.Start("task"))
			_, err := s.Append(ok("calculator"))
			require.NoError(t, err)

			require.NoError(t, s.SetStatus(status))
			_, err = s.Append(ok("calculator"))
			assert.True(t, errors.Is(err, ErrTerminal), "expected ErrTerminal, got %v", err)
			assert.Equal(t, 1, s.Len())
			assert.False(t, s.EndedAt().IsZero())
		})
	}
}

func TestSetStatusIsMonotonic(t *testing.T) {
	s := New(0)
	assert.ErrorIs(t, s.SetStatus(step.RunFailed), ErrNotStarted)

	require.NoError(t, s.Start("task"))
	assert.ErrorIs(t, s.SetStatus(step.RunRunning), ErrInvalidTransition)
	require.NoError(t, s.SetStatus(step.RunSucceeded))
	assert.ErrorIs(t, s.SetStatus(step.RunFailed), ErrInvalidTransition)
	assert.Equal(t, step.RunSucceeded, s.Status())
}

func TestStartResets(t *testing.T) {
	s := New(0)
	require.NoError(t, s.Start("first"))
	_, _ = s.Append(ok("a"))
	require.NoError(t, s.SetStatus(step.RunSucceeded))

	require.NoError(t, s.Start("second"))
	assert.Equal(t, "second", s.Task())
	assert.Equal(t, step.RunRunning, s.Status())
	assert.Equal(t, 0, s.Len())
	rec, err := s.Append(ok("b"))
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Number)
}

func TestAttachReflection(t *testing.T) {
	s := New(0)
	require.NoError(t, s.Start("task"))
	_, _ = s.Append(fail("a", "boom"))
	second, _ := s.Append(fail("b", "boom"))

	assert.Error(t, s.AttachReflection(1, "late", step.SourceReflector), "only the latest step may be annotated")
	require.NoError(t, s.AttachReflection(second.Number, "check input", step.SourceCache))
	assert.Error(t, s.AttachReflection(second.Number, "again", step.SourceReflector), "reflection is set-once")

	last, found := s.Last()
	require.True(t, found)
	assert.Equal(t, "check input", last.Reflection)
	assert.Equal(t, step.SourceCache, last.ReflectionSource)

	require.NoError(t, s.SetStatus(step.RunFailed))
	assert.ErrorIs(t, s.AttachReflection(second.Number, "x", step.SourceReflector), ErrTerminal)
}

func TestHistoryIsACopy(t *testing.T) {
	s := New(0)
	require.NoError(t, s.Start("task"))
	_, _ = s.Append(ok("a"))

	h := s.History()
	h[0].Action.Tool = "mutated"
	assert.Equal(t, "a", s.History()[0].Action.Tool)
	r := s.Records()
	r[0].Status = step.StatusFailure
	assert.Equal(t, step.StatusSuccess, s.Records()[0].Status)
}

func TestTruncateKeepsRecentAndLastFailure(t *testing.T) {
	s := New(0)
	s.SetKeepRecent(2)
	require.NoError(t, s.Start("task"))

	_, _ = s.Append(ok("a"))            // 1
	_, _ = s.Append(fail("b", "boom"))  // 2
	_, _ = s.Append(ok("c"))            // 3
	_, _ = s.Append(fail("d", "crash")) // 4
	_, _ = s.Append(ok("e"))            // 5
	_, _ = s.Append(ok("f"))            // 6
	_, _ = s.Append(ok("g"))            // 7
	require.NoError(t, s.AttachReflection(7, "fine", step.SourceReflector))

	dropped := s.Truncate(3)
	assert.Equal(t, 4, dropped)

	var numbers []int
	for _, rec := range s.History() {
		numbers = append(numbers, rec.Number)
	}
	// 4 is the most recent failure; 6 and 7 are the two most recent steps.
	assert.Equal(t, []int{4, 6, 7}, numbers)

	assert.Len(t, s.Records(), 7, "full log is never truncated")
	assert.Equal(t, 4, s.Elided())
	digest := s.Digest()
	assert.True(t, strings.HasPrefix(digest, "4 earlier steps omitted"), digest)
	assert.Contains(t, digest, "a x1")
	assert.Contains(t, digest, "b x1")
}

func TestAppendTruncatesAtMaxHistory(t *testing.T) {
	s := New(4)
	s.SetKeepRecent(2)
	require.NoError(t, s.Start("task"))
	for i := 0; i < 10; i++ {
		_, err := s.Append(ok("calculator"))
		require.NoError(t, err)
	}
	h := s.History()
	assert.Len(t, h, 4)
	assert.Equal(t, 10, h[len(h)-1].Number)
	assert.Equal(t, 10, s.Len())
	assert.Equal(t, 6, s.Elided())
	assert.Equal(t, "", New(0).Digest())
}

func TestStats(t *testing.T) {
	s := New(0)
	require.NoError(t, s.Start("task"))
	_, _ = s.Append(ok("calculator"))
	_, _ = s.Append(fail("calculator", "div by zero"))
	_, _ = s.Append(ok("text"))
	_, _ = s.Append(step.Record{Action: step.Action{Type: step.ActionNone}, Status: step.StatusSkipped})
	_, _ = s.Append(step.Record{Action: step.Finalize("done"), Observation: step.Success("done"), Status: step.StatusSuccess})

	st := s.Stats()
	assert.Equal(t, 5, st.Total)
	assert.Equal(t, 3, st.Successful)
	assert.Equal(t, 1, st.Failed)
	assert.Equal(t, 1, st.Skipped)
	assert.Equal(t, map[string]int{"calculator": 2, "text": 1}, st.ToolUsage)
}

func TestSnapshotRestore(t *testing.T) {
	s := New(10)
	require.NoError(t, s.Start("task"))
	_, _ = s.Append(ok("a"))
	_, _ = s.Append(fail("b", "x"))
	require.NoError(t, s.SetStatus(step.RunFailed))

	restored, err := Restore(s.Snapshot())
	require.NoError(t, err)
	assert.Equal(t, "task", restored.Task())
	assert.Equal(t, step.RunFailed, restored.Status())
	assert.Equal(t, s.Records(), restored.Records())

	_, err = restored.Append(ok("c"))
	assert.ErrorIs(t, err, ErrTerminal)

	bad := s.Snapshot()
	bad.Records[1].Number = 5
	_, err = Restore(bad)
	assert.Error(t, err)
}

func TestConcurrentReaders(t *testing.T) {
	s := New(8)
	require.NoError(t, s.Start("task"))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			_, _ = s.Append(ok("a"))
		}
	}()
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				_ = s.History()
				_ = s.Stats()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 200, s.Len())
}
