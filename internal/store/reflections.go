package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/codefionn/reflexion/internal/reflection"
	"github.com/codefionn/reflexion/internal/step"
)

type reflectionRow struct {
	Signature   string    `db:"signature"`
	ID          string    `db:"id"`
	Kind        string    `db:"kind"`
	Pattern     string    `db:"pattern"`
	Reflection  string    `db:"reflection"`
	Remedies    string    `db:"remedies"`
	Hits        int64     `db:"hits"`
	Uses        int       `db:"uses"`
	SuccessRate float64   `db:"success_rate"`
	Source      string    `db:"source"`
	CreatedAt   time.Time `db:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"`
}

// SaveReflection implements reflection.Persister.
func (d *Database) SaveReflection(e reflection.Entry) error {
	remedies, err := json.Marshal(e.Remedies)
	if err != nil {
		return fmt.Errorf("failed to encode remedies: %w", err)
	}
	_, err = d.db.Exec(`
		INSERT OR REPLACE INTO reflections (signature, id, kind, pattern, reflection, remedies,
			hits, uses, success_rate, source, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.Key, e.ID, string(e.Kind), e.Pattern, e.Reflection, string(remedies), e.Hits, e.Uses,
		e.SuccessRate, e.Source, e.CreatedAt.UTC(), e.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save reflection %s: %w", e.ID, err)
	}
	return nil
}

// DeleteReflection implements reflection.Persister.
func (d *Database) DeleteReflection(key string) error {
	if _, err := d.db.Exec("DELETE FROM reflections WHERE signature = ?", key); err != nil {
		return fmt.Errorf("failed to delete reflection: %w", err)
	}
	return nil
}

// LoadReflections implements reflection.Persister.
func (d *Database) LoadReflections() ([]reflection.Entry, error) {
	rows, err := d.db.Query(`
		SELECT signature, id, kind, pattern, reflection, remedies, hits, uses, success_rate, source,
			created_at, updated_at
		FROM reflections ORDER BY signature
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query reflections: %w", err)
	}
	defer rows.Close()

	var entries []reflection.Entry
	for rows.Next() {
		var (
			row      reflectionRow
			pattern  sql.NullString
			remedies sql.NullString
			source   sql.NullString
			created  sql.NullTime
			updated  sql.NullTime
		)
		if err := rows.Scan(&row.Signature, &row.ID, &row.Kind, &pattern, &row.Reflection, &remedies,
			&row.Hits, &row.Uses, &row.SuccessRate, &source, &created, &updated); err != nil {
			return nil, err
		}
		e := reflection.Entry{
			ID:          row.ID,
			Key:         row.Signature,
			Kind:        step.ParseErrorKind(row.Kind),
			Pattern:     pattern.String,
			Reflection:  row.Reflection,
			Hits:        row.Hits,
			Uses:        row.Uses,
			SuccessRate: row.SuccessRate,
			Source:      source.String,
			CreatedAt:   created.Time,
			UpdatedAt:   updated.Time,
		}
		if remedies.Valid && remedies.String != "" {
			if err := json.Unmarshal([]byte(remedies.String), &e.Remedies); err != nil {
				return nil, fmt.Errorf("failed to decode remedies of %s: %w", row.ID, err)
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
