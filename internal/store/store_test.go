package store

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/reflexion/internal/collab"
	"github.com/codefionn/reflexion/internal/orchestrator"
	"github.com/codefionn/reflexion/internal/reflection"
	"github.com/codefionn/reflexion/internal/step"
)

func openTestDB(t *testing.T) *Database {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "nested", "reflexion.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func sampleSummary() *orchestrator.Summary {
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	answer := "43"
	return &orchestrator.Summary{
		RunID:           "run-1",
		Task:            "What is 25 + 18?",
		Status:          step.RunSucceeded,
		Reason:          orchestrator.ReasonFinalized,
		FinalAnswer:     &answer,
		TotalSteps:      2,
		SuccessfulSteps: 2,
		ToolUsage:       map[string]int{"calculator": 1},
		Config:          orchestrator.DefaultConfig(),
		StartedAt:       started,
		EndedAt:         started.Add(1500 * time.Millisecond),
		DurationMs:      1500,
		Steps: []step.Record{
			{
				Number:      1,
				Action:      step.Invoke("calculator", map[string]interface{}{"op": "add", "a": 25, "b": 18}),
				Observation: step.Success(43),
				Status:      step.StatusSuccess,
				Timestamp:   started,
				DurationMs:  3,
			},
			{
				Number:      2,
				Action:      step.Finalize("43"),
				Observation: step.Success("43"),
				Status:      step.StatusSuccess,
				Timestamp:   started.Add(time.Second),
			},
		},
	}
}

func TestOpenCreatesDirectoryAndIsReopenable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a", "b", "runs.db")
	db, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, db.SaveRun(context.Background(), sampleSummary()))
	require.NoError(t, db.Close())

	db, err = Open(path)
	require.NoError(t, err)
	defer db.Close()
	assert.Equal(t, path, db.Path())

	s, err := db.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, "43", s.Answer())
}

func TestSaveAndGetRun(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	want := sampleSummary()

	require.NoError(t, db.SaveRun(ctx, want))
	got, err := db.GetRun(ctx, "run-1")
	require.NoError(t, err)

	assert.Equal(t, want.Task, got.Task)
	assert.Equal(t, step.RunSucceeded, got.Status)
	assert.Equal(t, want.Reason, got.Reason)
	require.NotNil(t, got.FinalAnswer)
	assert.Equal(t, "43", *got.FinalAnswer)
	assert.Equal(t, 2, got.TotalSteps)
	assert.Equal(t, map[string]int{"calculator": 1}, got.ToolUsage)
	assert.Equal(t, want.Config, got.Config)
	assert.True(t, want.StartedAt.Equal(got.StartedAt))
	assert.True(t, want.EndedAt.Equal(got.EndedAt))

	require.Len(t, got.Steps, 2)
	assert.True(t, want.Steps[0].Action.Equal(got.Steps[0].Action))
	assert.Equal(t, "43", got.Steps[0].Observation.Text())
	assert.Equal(t, step.ActionFinalize, got.Steps[1].Action.Type)
	assert.Equal(t, int64(3), got.Steps[0].DurationMs)
}

func TestSaveRunUpserts(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	running := sampleSummary()
	running.Status = step.RunRunning
	running.FinalAnswer = nil
	running.Steps = nil
	running.EndedAt = time.Time{}
	require.NoError(t, db.SaveRun(ctx, running))

	got, err := db.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, step.RunRunning, got.Status)
	assert.Nil(t, got.FinalAnswer)
	assert.True(t, got.EndedAt.IsZero())
	assert.Empty(t, got.Steps)

	require.NoError(t, db.SaveRun(ctx, sampleSummary()))
	got, err = db.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, step.RunSucceeded, got.Status)
	assert.Len(t, got.Steps, 2)
}

func TestSaveStepWithReflection(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	s := sampleSummary()
	s.Steps = nil
	require.NoError(t, db.SaveRun(ctx, s))

	rec := step.Record{
		Number:           1,
		Action:           step.Invoke("calculater", nil),
		Observation:      step.Failure(step.KindUnknownTool, "unknown tool: calculater"),
		Reflection:       "Misspelled tool name",
		ReflectionSource: step.SourceCache,
		Status:           step.StatusFailure,
		Timestamp:        time.Now(),
	}
	require.NoError(t, db.SaveStep(ctx, "run-1", rec))

	steps, err := db.GetSteps(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, step.StatusFailure, steps[0].Status)
	assert.Equal(t, step.KindUnknownTool, steps[0].Observation.Kind)
	assert.Equal(t, "Misspelled tool name", steps[0].Reflection)
	assert.Equal(t, step.SourceCache, steps[0].ReflectionSource)
}

func TestSaveStepRequiresRun(t *testing.T) {
	db := openTestDB(t)
	err := db.SaveStep(context.Background(), "missing", step.Record{Number: 1, Action: step.Finalize("x"), Status: step.StatusSuccess})
	assert.Error(t, err)
}

func TestGetRunNotFound(t *testing.T) {
	db := openTestDB(t)
	_, err := db.GetRun(context.Background(), "nope")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestListAndDeleteRuns(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	first := sampleSummary()
	second := sampleSummary()
	second.RunID = "run-2"
	second.StartedAt = first.StartedAt.Add(time.Hour)
	require.NoError(t, db.SaveRun(ctx, first))
	require.NoError(t, db.SaveRun(ctx, second))

	runs, err := db.ListRuns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-2", runs[0].ID)
	assert.Equal(t, step.RunSucceeded, runs[0].Status)

	runs, err = db.ListRuns(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, runs, 1)

	require.NoError(t, db.DeleteRun(ctx, "run-1"))
	steps, err := db.GetSteps(ctx, "run-1")
	require.NoError(t, err)
	assert.Empty(t, steps, "steps cascade with their run")
	assert.True(t, errors.Is(db.DeleteRun(ctx, "run-1"), ErrNotFound))
}

func TestReflectionPersister(t *testing.T) {
	db := openTestDB(t)

	e := reflection.NewEntry(step.KindTool, "division by zero at line 12", step.Reflection{
		Text:     "The divisor was zero.",
		Remedies: []string{"check b", "use another op"},
	})
	e.Hits = 2
	e.Uses = 3
	e.SuccessRate = 0.5
	e.CreatedAt = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	e.UpdatedAt = e.CreatedAt.Add(time.Minute)
	require.NoError(t, db.SaveReflection(e))

	loaded, err := db.LoadReflections()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	got := loaded[0]
	assert.Equal(t, e.Key, got.Key)
	assert.Equal(t, e.ID, got.ID)
	assert.Equal(t, step.KindTool, got.Kind)
	assert.Equal(t, e.Remedies, got.Remedies)
	assert.Equal(t, int64(2), got.Hits)
	assert.InDelta(t, 0.5, got.SuccessRate, 1e-9)
	assert.True(t, e.UpdatedAt.Equal(got.UpdatedAt))

	require.NoError(t, db.DeleteReflection(e.Key))
	loaded, err = db.LoadReflections()
	require.NoError(t, err)
	assert.Empty(t, loaded)
}

func TestCacheSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	db, err := Open(path)
	require.NoError(t, err)

	cache := reflection.NewCache(reflection.WithPersister(db))
	_, err = cache.Add(reflection.NewEntry(step.KindTimeout, "request timed out after 30s", step.Reflection{Text: "Use a smaller input"}))
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = Open(path)
	require.NoError(t, err)
	defer db.Close()

	restored := reflection.NewCache(reflection.WithPersister(db))
	n, err := restored.Load()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	hit, ok := restored.Find(step.KindTimeout, "request timed out after 45s")
	require.True(t, ok)
	assert.Equal(t, "Use a smaller input", hit.Reflection)
}

func TestCollaborationRoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	answer := "draft b"
	res := &collab.Result{
		RunID:            "collab-1",
		Task:             "summarize",
		Status:           step.RunFailed,
		Reason:           collab.ReasonExhausted,
		FinalAnswer:      &answer,
		BestRound:        2,
		BestScore:        0.7,
		QualityThreshold: 0.8,
		MaxIterations:    2,
		Rounds: []collab.Round{
			{Number: 1, Plan: "p1", Output: "draft a", Score: 0.3, Critique: "short"},
			{Number: 2, Plan: "p2", Output: "draft b", Score: 0.7, Critique: "better"},
		},
		StartedAt: time.Date(2026, 2, 2, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, db.SaveCollaboration(ctx, res))

	got, err := db.GetCollaboration(ctx, "collab-1")
	require.NoError(t, err)
	assert.Equal(t, res.Rounds, got.Rounds)
	assert.Equal(t, "draft b", got.Answer())
	assert.Equal(t, 2, got.BestRound)
	assert.True(t, got.EndedAt.IsZero())

	_, err = db.GetCollaboration(ctx, "other")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestSqliteType(t *testing.T) {
	var row runRow
	assert.Equal(t, "TEXT", sqliteType(reflectTypeOf(row.Task)))
	assert.Equal(t, "DATETIME", sqliteType(reflectTypeOf(row.StartedAt)))
	assert.Equal(t, "DATETIME", sqliteType(reflectTypeOf(row.EndedAt)))
	assert.Equal(t, "INTEGER NOT NULL DEFAULT 0", sqliteType(reflectTypeOf(row.TotalSteps)))
	assert.Equal(t, "REAL NOT NULL DEFAULT 0", sqliteType(reflectTypeOf(0.5)))
}

func reflectTypeOf(v interface{}) reflect.Type {
	return reflect.TypeOf(v)
}
