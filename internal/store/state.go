package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mschirtzinger/huddle/internal/schema"
)

// AddSubscription marks a project as actively followed. Idempotent.
func (s *Store) AddSubscription(ctx context.Context, projectID string) error {
	_, err := s.conn.ExecContext(ctx,
		`INSERT OR IGNORE INTO subscriptions (project_id, created_at) VALUES (?, ?)`,
		projectID, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", projectID, err)
	}
	return nil
}

// RemoveSubscription stops following a project. Idempotent.
func (s *Store) RemoveSubscription(ctx context.Context, projectID string) error {
	if _, err := s.conn.ExecContext(ctx, `DELETE FROM subscriptions WHERE project_id = ?`, projectID); err != nil {
		return fmt.Errorf("failed to unsubscribe from %s: %w", projectID, err)
	}
	return nil
}

// Subscriptions returns the followed project ids, sorted.
func (s *Store) Subscriptions(ctx context.Context) ([]string, error) {
	rows, err := s.conn.QueryContext(ctx, `SELECT project_id FROM subscriptions ORDER BY project_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GetState reads a scheduler state value. ok is false if the key is unset.
func (s *Store) GetState(ctx context.Context, key string) (value string, ok bool, err error) {
	err = s.conn.QueryRowContext(ctx, `SELECT value FROM scheduler_state WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read state %s: %w", key, err)
	}
	return value, true, nil
}

// SetState writes a scheduler state value.
func (s *Store) SetState(ctx context.Context, key, value string) error {
	_, err := s.conn.ExecContext(ctx, `
	INSERT INTO scheduler_state (key, value, updated_at) VALUES (?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to write state %s: %w", key, err)
	}
	return nil
}

// RiskLevels returns the last evaluated risk level per task.
func (s *Store) RiskLevels(ctx context.Context) (map[string]schema.RiskLevel, error) {
	rows, err := s.conn.QueryContext(ctx, `SELECT task_id, level FROM risk_levels`)
	if err != nil {
		return nil, fmt.Errorf("failed to read risk levels: %w", err)
	}
	defer rows.Close()

	levels := make(map[string]schema.RiskLevel)
	for rows.Next() {
		var id, level string
		if err := rows.Scan(&id, &level); err != nil {
			return nil, fmt.Errorf("failed to scan risk level: %w", err)
		}
		levels[id] = schema.RiskLevel(level)
	}
	return levels, rows.Err()
}

// ReplaceRiskLevels overwrites the stored levels with levels.
func (s *Store) ReplaceRiskLevels(ctx context.Context, levels map[string]schema.RiskLevel, at time.Time) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM risk_levels`); err != nil {
		return fmt.Errorf("failed to clear risk levels: %w", err)
	}
	for id, level := range levels {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO risk_levels (task_id, level, evaluated_at) VALUES (?, ?, ?)`,
			id, string(level), formatTime(at)); err != nil {
			return fmt.Errorf("failed to write risk level for %s: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit risk levels: %w", err)
	}
	return nil
}

// ConflictRecord is an equal-version conflict as seen by the merge layer.
type ConflictRecord struct {
	Seq        int64            `json:"seq"`
	Current    schema.Candidate `json:"current"`
	Candidate  schema.Candidate `json:"candidate"`
	Winner     schema.Source    `json:"winner"`
	DetectedAt time.Time        `json:"detectedAt"`
}

// Key returns the entity the conflict is about.
func (c *ConflictRecord) Key() schema.Key {
	return c.Candidate.Key()
}

func insertConflict(ctx context.Context, tx *sql.Tx, c *ConflictRecord) error {
	current, err := json.Marshal(c.Current)
	if err != nil {
		return fmt.Errorf("failed to marshal conflict: %w", err)
	}
	candidate, err := json.Marshal(c.Candidate)
	if err != nil {
		return fmt.Errorf("failed to marshal conflict: %w", err)
	}
	res, err := tx.ExecContext(ctx, `
	INSERT INTO conflicts (kind, entity_id, project_id, current, candidate, winner, detected_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)`,
		string(c.Candidate.Kind), c.Candidate.ID, c.Candidate.ProjectID,
		string(current), string(candidate), string(c.Winner), formatTime(c.DetectedAt))
	if err != nil {
		return fmt.Errorf("failed to record conflict on %s: %w", c.Key(), err)
	}
	c.Seq, _ = res.LastInsertId()
	return nil
}

// RecordConflict stores a conflict on its own.
func (s *Store) RecordConflict(ctx context.Context, c *ConflictRecord) error {
	return s.Commit(ctx, Write{Conflict: c})
}

// Conflicts returns the newest conflicts first. limit <= 0 means all.
func (s *Store) Conflicts(ctx context.Context, limit int) ([]*ConflictRecord, error) {
	query := `SELECT seq, current, candidate, winner, detected_at FROM conflicts ORDER BY seq DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list conflicts: %w", err)
	}
	defer rows.Close()

	var out []*ConflictRecord
	for rows.Next() {
		var (
			c                  ConflictRecord
			current, candidate string
			winner, detectedAt string
		)
		if err := rows.Scan(&c.Seq, &current, &candidate, &winner, &detectedAt); err != nil {
			return nil, fmt.Errorf("failed to scan conflict: %w", err)
		}
		if err := json.Unmarshal([]byte(current), &c.Current); err != nil {
			return nil, fmt.Errorf("failed to unmarshal conflict: %w", err)
		}
		if err := json.Unmarshal([]byte(candidate), &c.Candidate); err != nil {
			return nil, fmt.Errorf("failed to unmarshal conflict: %w", err)
		}
		c.Winner = schema.Source(winner)
		if c.DetectedAt, err = parseTime(detectedAt); err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}
