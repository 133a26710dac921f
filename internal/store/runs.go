package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/codefionn/reflexion/internal/orchestrator"
	"github.com/codefionn/reflexion/internal/step"
)

type runRow struct {
	ID              string         `db:"id"`
	Task            string         `db:"task"`
	Status          string         `db:"status"`
	Reason          string         `db:"reason"`
	FinalAnswer     sql.NullString `db:"final_answer"`
	TotalSteps      int            `db:"total_steps"`
	SuccessfulSteps int            `db:"successful_steps"`
	FailedSteps     int            `db:"failed_steps"`
	SkippedSteps    int            `db:"skipped_steps"`
	CacheHits       int            `db:"cache_hits"`
	ReflectorCalls  int            `db:"reflector_calls"`
	ToolUsage       string         `db:"tool_usage"`
	Config          string         `db:"config"`
	StartedAt       time.Time      `db:"started_at"`
	EndedAt         sql.NullTime   `db:"ended_at"`
	DurationMs      int64          `db:"duration_ms"`
}

type stepRow struct {
	RunID            string    `db:"run_id"`
	Number           int       `db:"number"`
	Action           string    `db:"action"`
	Observation      string    `db:"observation"`
	Reflection       string    `db:"reflection"`
	ReflectionSource string    `db:"reflection_source"`
	Status           string    `db:"status"`
	CreatedAt        time.Time `db:"created_at"`
	DurationMs       int64     `db:"duration_ms"`
}

// RunInfo is the list view of a stored run.
type RunInfo struct {
	ID         string         `json:"run_id"`
	Task       string         `json:"task"`
	Status     step.RunStatus `json:"status"`
	Reason     string         `json:"reason"`
	TotalSteps int            `json:"total_steps"`
	StartedAt  time.Time      `json:"started_at"`
}

// SaveRun implements orchestrator.RunStore. It upserts the run row and every
// step the summary carries.
func (d *Database) SaveRun(ctx context.Context, s *orchestrator.Summary) error {
	if s == nil {
		return fmt.Errorf("summary cannot be nil")
	}
	toolUsage, err := json.Marshal(s.ToolUsage)
	if err != nil {
		return fmt.Errorf("failed to encode tool usage: %w", err)
	}
	cfg, err := json.Marshal(s.Config)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	return d.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO runs (id, task, status, reason, final_answer, total_steps, successful_steps,
				failed_steps, skipped_steps, cache_hits, reflector_calls, tool_usage, config,
				started_at, ended_at, duration_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				status = excluded.status,
				reason = excluded.reason,
				final_answer = excluded.final_answer,
				total_steps = excluded.total_steps,
				successful_steps = excluded.successful_steps,
				failed_steps = excluded.failed_steps,
				skipped_steps = excluded.skipped_steps,
				cache_hits = excluded.cache_hits,
				reflector_calls = excluded.reflector_calls,
				tool_usage = excluded.tool_usage,
				config = excluded.config,
				ended_at = excluded.ended_at,
				duration_ms = excluded.duration_ms
		`, s.RunID, s.Task, string(s.Status), s.Reason, nullString(s.FinalAnswer), s.TotalSteps,
			s.SuccessfulSteps, s.FailedSteps, s.SkippedSteps, s.CacheHits, s.ReflectorCalls,
			string(toolUsage), string(cfg), s.StartedAt.UTC(), nullTime(s.EndedAt.UTC()), s.DurationMs)
		if err != nil {
			return fmt.Errorf("failed to save run %s: %w", s.RunID, err)
		}
		for _, rec := range s.Steps {
			if err := saveStep(ctx, tx, s.RunID, rec); err != nil {
				return err
			}
		}
		return nil
	})
}

// SaveStep implements orchestrator.RunStore.
func (d *Database) SaveStep(ctx context.Context, runID string, rec step.Record) error {
	return saveStep(ctx, d.db, runID, rec)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func saveStep(ctx context.Context, db execer, runID string, rec step.Record) error {
	action, err := json.Marshal(rec.Action)
	if err != nil {
		return fmt.Errorf("failed to encode action: %w", err)
	}
	obs, err := json.Marshal(rec.Observation)
	if err != nil {
		return fmt.Errorf("failed to encode observation: %w", err)
	}
	_, err = db.ExecContext(ctx, `
		INSERT OR REPLACE INTO steps (run_id, number, action, observation, reflection,
			reflection_source, status, created_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, runID, rec.Number, string(action), string(obs), rec.Reflection, string(rec.ReflectionSource),
		string(rec.Status), rec.Timestamp.UTC(), rec.DurationMs)
	if err != nil {
		return fmt.Errorf("failed to save step %d of run %s: %w", rec.Number, runID, err)
	}
	return nil
}

// GetRun loads a run with all its steps.
func (d *Database) GetRun(ctx context.Context, id string) (*orchestrator.Summary, error) {
	var row runRow
	err := d.db.QueryRowContext(ctx, `
		SELECT id, task, status, reason, final_answer, total_steps, successful_steps, failed_steps,
			skipped_steps, cache_hits, reflector_calls, tool_usage, config, started_at, ended_at, duration_ms
		FROM runs WHERE id = ?
	`, id).Scan(&row.ID, &row.Task, &row.Status, &row.Reason, &row.FinalAnswer, &row.TotalSteps,
		&row.SuccessfulSteps, &row.FailedSteps, &row.SkippedSteps, &row.CacheHits, &row.ReflectorCalls,
		&row.ToolUsage, &row.Config, &row.StartedAt, &row.EndedAt, &row.DurationMs)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load run %s: %w", id, err)
	}

	s := &orchestrator.Summary{
		RunID:           row.ID,
		Task:            row.Task,
		Status:          step.RunStatus(row.Status),
		Reason:          row.Reason,
		FinalAnswer:     stringPtr(row.FinalAnswer),
		TotalSteps:      row.TotalSteps,
		SuccessfulSteps: row.SuccessfulSteps,
		FailedSteps:     row.FailedSteps,
		SkippedSteps:    row.SkippedSteps,
		CacheHits:       row.CacheHits,
		ReflectorCalls:  row.ReflectorCalls,
		ToolUsage:       map[string]int{},
		StartedAt:       row.StartedAt,
		DurationMs:      row.DurationMs,
	}
	if row.EndedAt.Valid {
		s.EndedAt = row.EndedAt.Time
	}
	if row.ToolUsage != "" {
		if err := json.Unmarshal([]byte(row.ToolUsage), &s.ToolUsage); err != nil {
			return nil, fmt.Errorf("failed to decode tool usage: %w", err)
		}
	}
	if row.Config != "" {
		if err := json.Unmarshal([]byte(row.Config), &s.Config); err != nil {
			return nil, fmt.Errorf("failed to decode config: %w", err)
		}
	}

	steps, err := d.GetSteps(ctx, id)
	if err != nil {
		return nil, err
	}
	s.Steps = steps
	return s, nil
}

// GetSteps loads the steps of a run ordered by number.
func (d *Database) GetSteps(ctx context.Context, runID string) ([]step.Record, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT run_id, number, action, observation, reflection, reflection_source, status, created_at, duration_ms
		FROM steps WHERE run_id = ? ORDER BY number
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query steps: %w", err)
	}
	defer rows.Close()

	steps := []step.Record{}
	for rows.Next() {
		var (
			row        stepRow
			reflection sql.NullString
			source     sql.NullString
		)
		if err := rows.Scan(&row.RunID, &row.Number, &row.Action, &row.Observation, &reflection,
			&source, &row.Status, &row.CreatedAt, &row.DurationMs); err != nil {
			return nil, err
		}
		rec := step.Record{
			Number:           row.Number,
			Reflection:       reflection.String,
			ReflectionSource: step.ReflectionSource(source.String),
			Status:           step.Status(row.Status),
			Timestamp:        row.CreatedAt,
			DurationMs:       row.DurationMs,
		}
		if err := json.Unmarshal([]byte(row.Action), &rec.Action); err != nil {
			return nil, fmt.Errorf("failed to decode action of step %d: %w", row.Number, err)
		}
		if err := json.Unmarshal([]byte(row.Observation), &rec.Observation); err != nil {
			return nil, fmt.Errorf("failed to decode observation of step %d: %w", row.Number, err)
		}
		steps = append(steps, rec)
	}
	return steps, rows.Err()
}

// ListRuns returns the most recent runs first. limit <= 0 returns all.
func (d *Database) ListRuns(ctx context.Context, limit int) ([]RunInfo, error) {
	query := `SELECT id, task, status, reason, total_steps, started_at FROM runs ORDER BY started_at DESC`
	args := []interface{}{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []RunInfo
	for rows.Next() {
		var (
			info   RunInfo
			status string
			reason sql.NullString
		)
		if err := rows.Scan(&info.ID, &info.Task, &status, &reason, &info.TotalSteps, &info.StartedAt); err != nil {
			return nil, err
		}
		info.Status = step.RunStatus(status)
		info.Reason = reason.String
		runs = append(runs, info)
	}
	return runs, rows.Err()
}

// DeleteRun removes a run and its steps.
func (d *Database) DeleteRun(ctx context.Context, id string) error {
	res, err := d.db.ExecContext(ctx, "DELETE FROM runs WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete run %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return nil
}
