package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/mschirtzinger/huddle/internal/schema"
)

// InsertMutation stores a new mutation. If m.Seq is zero the next
// sequence number is allocated inside the write transaction; the same goes
// for UpdateMutation, which is how a retried mutation moves to the back.
func (s *Store) InsertMutation(ctx context.Context, m *schema.PendingMutation) error {
	return s.Commit(ctx, Write{Mutations: []*schema.PendingMutation{m}})
}

// UpdateMutation persists the current state of m.
func (s *Store) UpdateMutation(ctx context.Context, m *schema.PendingMutation) error {
	return s.Commit(ctx, Write{Mutations: []*schema.PendingMutation{m}})
}

func upsertMutation(ctx context.Context, tx *sql.Tx, m *schema.PendingMutation) error {
	if m.Seq == 0 {
		// The write lock is held for the whole transaction, so MAX(seq)
		// is stable even with another process writing.
		err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM pending_mutations`).Scan(&m.Seq)
		if err != nil {
			return fmt.Errorf("failed to allocate mutation seq: %w", err)
		}
	}

	query := `
	INSERT INTO pending_mutations (
		id, seq, entity_kind, entity_id, project_id, op, payload,
		status, attempts, last_error, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		seq = excluded.seq,
		payload = excluded.payload,
		status = excluded.status,
		attempts = excluded.attempts,
		last_error = excluded.last_error,
		updated_at = excluded.updated_at
	`
	_, err := tx.ExecContext(ctx, query,
		m.ID,
		m.Seq,
		string(m.EntityKind),
		m.EntityID,
		m.ProjectID,
		string(m.Op),
		string(m.Payload),
		string(m.Status),
		m.Attempts,
		m.LastError,
		formatTime(m.CreatedAt),
		formatTime(m.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert mutation %s: %w", m.ID, err)
	}
	return nil
}

const mutationColumns = `
	id, seq, entity_kind, entity_id, project_id, op, payload,
	status, attempts, last_error, created_at, updated_at`

// GetMutation returns a mutation by id.
func (s *Store) GetMutation(ctx context.Context, id string) (*schema.PendingMutation, error) {
	row := s.conn.QueryRowContext(ctx, `SELECT `+mutationColumns+` FROM pending_mutations WHERE id = ?`, id)
	m, err := scanMutation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("mutation %s: %w", id, schema.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get mutation %s: %w", id, err)
	}
	return m, nil
}

// ListMutations returns mutations in any of the given statuses, oldest
// first. With no statuses it returns all of them.
func (s *Store) ListMutations(ctx context.Context, statuses ...schema.MutationStatus) ([]*schema.PendingMutation, error) {
	query := `SELECT ` + mutationColumns + ` FROM pending_mutations`
	var args []any
	if len(statuses) > 0 {
		placeholders := make([]string, len(statuses))
		for i, st := range statuses {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		query += ` WHERE status IN (` + strings.Join(placeholders, ", ") + `)`
	}
	query += ` ORDER BY seq`
	return s.queryMutations(ctx, query, args...)
}

// ListOpenMutations returns the PENDING and IN_FLIGHT mutations for one
// entity in submission order.
func (s *Store) ListOpenMutations(ctx context.Context, key schema.Key) ([]*schema.PendingMutation, error) {
	query := `SELECT ` + mutationColumns + ` FROM pending_mutations
	WHERE entity_kind = ? AND entity_id = ? AND status IN (?, ?)
	ORDER BY seq`
	return s.queryMutations(ctx, query,
		string(key.Kind), key.ID, string(schema.MutationPending), string(schema.MutationInFlight))
}

// PruneMutations deletes CONFIRMED mutations, keeping the newest keep.
func (s *Store) PruneMutations(ctx context.Context, keep int) (int64, error) {
	res, err := s.conn.ExecContext(ctx, `
	DELETE FROM pending_mutations
	WHERE status = ? AND seq NOT IN (
		SELECT seq FROM pending_mutations WHERE status = ? ORDER BY seq DESC LIMIT ?
	)`, string(schema.MutationConfirmed), string(schema.MutationConfirmed), keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune mutations: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *Store) queryMutations(ctx context.Context, query string, args ...any) ([]*schema.PendingMutation, error) {
	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query mutations: %w", err)
	}
	defer rows.Close()

	var out []*schema.PendingMutation
	for rows.Next() {
		m, err := scanMutation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan mutation: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating mutations: %w", err)
	}
	return out, nil
}

func scanMutation(sc scanner) (*schema.PendingMutation, error) {
	var (
		m                    schema.PendingMutation
		kind, op, status     string
		payload              string
		createdAt, updatedAt string
	)
	err := sc.Scan(
		&m.ID,
		&m.Seq,
		&kind,
		&m.EntityID,
		&m.ProjectID,
		&op,
		&payload,
		&status,
		&m.Attempts,
		&m.LastError,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}
	m.EntityKind = schema.Kind(kind)
	m.Op = schema.MutationOp(op)
	m.Status = schema.MutationStatus(status)
	m.Payload = []byte(payload)
	if m.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if m.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &m, nil
}
