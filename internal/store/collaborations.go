package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/codefionn/reflexion/internal/collab"
	"github.com/codefionn/reflexion/internal/step"
)

type collabRow struct {
	ID               string         `db:"id"`
	Task             string         `db:"task"`
	Status           string         `db:"status"`
	Reason           string         `db:"reason"`
	FinalAnswer      sql.NullString `db:"final_answer"`
	BestRound        int            `db:"best_round"`
	BestScore        float64        `db:"best_score"`
	QualityThreshold float64        `db:"quality_threshold"`
	MaxIterations    int            `db:"max_iterations"`
	Rounds           string         `db:"rounds"`
	Steps            string         `db:"steps"`
	StartedAt        time.Time      `db:"started_at"`
	EndedAt          sql.NullTime   `db:"ended_at"`
	DurationMs       int64          `db:"duration_ms"`
}

// SaveCollaboration upserts a collaboration result.
func (d *Database) SaveCollaboration(ctx context.Context, r *collab.Result) error {
	if r == nil {
		return fmt.Errorf("result cannot be nil")
	}
	rounds, err := json.Marshal(r.Rounds)
	if err != nil {
		return fmt.Errorf("failed to encode rounds: %w", err)
	}
	steps, err := json.Marshal(r.Steps)
	if err != nil {
		return fmt.Errorf("failed to encode steps: %w", err)
	}
	_, err = d.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO collaborations (id, task, status, reason, final_answer, best_round,
			best_score, quality_threshold, max_iterations, rounds, steps, started_at, ended_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.RunID, r.Task, string(r.Status), r.Reason, nullString(r.FinalAnswer), r.BestRound, r.BestScore,
		r.QualityThreshold, r.MaxIterations, string(rounds), string(steps), r.StartedAt.UTC(),
		nullTime(r.EndedAt.UTC()), r.DurationMs)
	if err != nil {
		return fmt.Errorf("failed to save collaboration %s: %w", r.RunID, err)
	}
	return nil
}

// GetCollaboration loads a collaboration result.
func (d *Database) GetCollaboration(ctx context.Context, id string) (*collab.Result, error) {
	var (
		row    collabRow
		reason sql.NullString
		rounds sql.NullString
		steps  sql.NullString
	)
	err := d.db.QueryRowContext(ctx, `
		SELECT id, task, status, reason, final_answer, best_round, best_score, quality_threshold,
			max_iterations, rounds, steps, started_at, ended_at, duration_ms
		FROM collaborations WHERE id = ?
	`, id).Scan(&row.ID, &row.Task, &row.Status, &reason, &row.FinalAnswer, &row.BestRound,
		&row.BestScore, &row.QualityThreshold, &row.MaxIterations, &rounds, &steps, &row.StartedAt,
		&row.EndedAt, &row.DurationMs)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("collaboration %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load collaboration %s: %w", id, err)
	}

	r := &collab.Result{
		RunID:            row.ID,
		Task:             row.Task,
		Status:           step.RunStatus(row.Status),
		Reason:           reason.String,
		FinalAnswer:      stringPtr(row.FinalAnswer),
		BestRound:        row.BestRound,
		BestScore:        row.BestScore,
		QualityThreshold: row.QualityThreshold,
		MaxIterations:    row.MaxIterations,
		StartedAt:        row.StartedAt,
		DurationMs:       row.DurationMs,
	}
	if row.EndedAt.Valid {
		r.EndedAt = row.EndedAt.Time
	}
	if rounds.Valid && rounds.String != "" {
		if err := json.Unmarshal([]byte(rounds.String), &r.Rounds); err != nil {
			return nil, fmt.Errorf("failed to decode rounds: %w", err)
		}
	}
	if steps.Valid && steps.String != "" {
		if err := json.Unmarshal([]byte(steps.String), &r.Steps); err != nil {
			return nil, fmt.Errorf("failed to decode steps: %w", err)
		}
	}
	return r, nil
}
