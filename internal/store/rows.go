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

// Row is one stored entity.
//
// The embedded Candidate is what consumers see. While an optimistic overlay
// is applied, PendingMutationID names the newest mutation folded into it and
// Confirmed holds the last accepted state underneath (nil if the entity did
// not exist before the mutation).
type Row struct {
	schema.Candidate
	PendingMutationID string
	Confirmed         *schema.Candidate
	StoredAt          time.Time
}

// Accepted returns the last state accepted by the merge layer, ignoring any
// optimistic overlay.
func (r *Row) Accepted() *schema.Candidate {
	if r == nil {
		return nil
	}
	if r.PendingMutationID == "" {
		c := r.Candidate
		return &c
	}
	return r.Confirmed
}

// Optimistic reports whether the visible state includes unconfirmed changes.
func (r *Row) Optimistic() bool {
	return r != nil && r.PendingMutationID != ""
}

// Write is a set of changes committed in one transaction.
type Write struct {
	Put       *Row
	Delete    *schema.Key
	Mutations []*schema.PendingMutation
	Conflict  *ConflictRecord
}

// Get returns the row for key, including tombstones.
// Returns an error wrapping schema.ErrNotFound if there is no row.
func (s *Store) Get(kind schema.Kind, id string) (*Row, error) {
	return s.GetContext(context.Background(), kind, id)
}

// GetContext returns the row for key with context support.
func (s *Store) GetContext(ctx context.Context, kind schema.Kind, id string) (*Row, error) {
	query := `
	SELECT kind, id, project_id, updated_at, deleted, source,
	       pending_mutation_id, data, confirmed, stored_at
	FROM entities
	WHERE kind = ? AND id = ?
	`
	row, err := scanRow(s.conn.QueryRowContext(ctx, query, string(kind), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s/%s: %w", kind, id, schema.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s/%s: %w", kind, id, err)
	}
	return row, nil
}

// Put inserts or replaces a row.
func (s *Store) Put(row *Row) error {
	return s.PutContext(context.Background(), row)
}

// PutContext inserts or replaces a row with context support.
func (s *Store) PutContext(ctx context.Context, row *Row) error {
	return s.Commit(ctx, Write{Put: row})
}

// Delete removes a row entirely. Returns nil if it doesn't exist.
//
// Deleting loses the version, so a stale re-arrival would be accepted
// again. Merge code stores tombstones instead.
func (s *Store) Delete(kind schema.Kind, id string) error {
	return s.DeleteContext(context.Background(), kind, id)
}

// DeleteContext removes a row with context support.
func (s *Store) DeleteContext(ctx context.Context, kind schema.Kind, id string) error {
	return s.Commit(ctx, Write{Delete: &schema.Key{Kind: kind, ID: id}})
}

// Commit applies w in a single transaction, then notifies subscribers.
func (s *Store) Commit(ctx context.Context, w Write) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var changes []Change

	if w.Put != nil {
		prev, err := projectOf(ctx, tx, w.Put.Kind, w.Put.ID)
		if err != nil {
			return err
		}
		if err := putRow(ctx, tx, w.Put); err != nil {
			return err
		}
		c := Change{
			Kind:      w.Put.Kind,
			ID:        w.Put.ID,
			ProjectID: w.Put.ProjectID,
			Deleted:   w.Put.Deleted,
		}
		if prev != c.ProjectID {
			c.PrevProjectID = prev
		}
		changes = append(changes, c)
	}

	if w.Delete != nil {
		projectID, err := projectOf(ctx, tx, w.Delete.Kind, w.Delete.ID)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM entities WHERE kind = ? AND id = ?`,
			string(w.Delete.Kind), w.Delete.ID)
		if err != nil {
			return fmt.Errorf("failed to delete %s: %w", w.Delete.String(), err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			changes = append(changes, Change{Kind: w.Delete.Kind, ID: w.Delete.ID, ProjectID: projectID, Deleted: true})
		}
	}

	for _, m := range w.Mutations {
		if err := upsertMutation(ctx, tx, m); err != nil {
			return err
		}
	}

	if w.Conflict != nil {
		if err := insertConflict(ctx, tx, w.Conflict); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}

	for _, c := range changes {
		s.publish(c)
	}
	return nil
}

// projectOf returns the stored project of an entity, or "" if it has no row.
func projectOf(ctx context.Context, tx *sql.Tx, kind schema.Kind, id string) (string, error) {
	var projectID string
	err := tx.QueryRowContext(ctx, `SELECT project_id FROM entities WHERE kind = ? AND id = ?`,
		string(kind), id).Scan(&projectID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up %s/%s: %w", kind, id, err)
	}
	return projectID, nil
}

func putRow(ctx context.Context, tx *sql.Tx, row *Row) error {
	if row.Kind == "" || row.ID == "" {
		return fmt.Errorf("row kind and id are required")
	}
	if row.StoredAt.IsZero() {
		row.StoredAt = time.Now()
	}

	var confirmed sql.NullString
	if row.Confirmed != nil {
		b, err := json.Marshal(row.Confirmed)
		if err != nil {
			return fmt.Errorf("failed to marshal confirmed state: %w", err)
		}
		confirmed = sql.NullString{String: string(b), Valid: true}
	}

	var data sql.NullString
	if len(row.Data) > 0 {
		data = sql.NullString{String: string(row.Data), Valid: true}
	}

	query := `
	INSERT INTO entities (
		kind, id, project_id, updated_at, deleted, source,
		pending_mutation_id, data, confirmed, stored_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(kind, id) DO UPDATE SET
		project_id = excluded.project_id,
		updated_at = excluded.updated_at,
		deleted = excluded.deleted,
		source = excluded.source,
		pending_mutation_id = excluded.pending_mutation_id,
		data = excluded.data,
		confirmed = excluded.confirmed,
		stored_at = excluded.stored_at
	`
	_, err := tx.ExecContext(ctx, query,
		string(row.Kind),
		row.ID,
		row.ProjectID,
		formatTime(row.UpdatedAt),
		boolToInt(row.Deleted),
		string(row.Source),
		row.PendingMutationID,
		data,
		confirmed,
		formatTime(row.StoredAt),
	)
	if err != nil {
		return fmt.Errorf("failed to put %s/%s: %w", row.Kind, row.ID, err)
	}
	return nil
}

// List returns the live (non-tombstone) rows of kind in a project.
// An empty projectID lists every project.
func (s *Store) List(kind schema.Kind, projectID string) ([]*Row, error) {
	return s.ListContext(context.Background(), kind, projectID)
}

// ListContext lists live rows with context support.
func (s *Store) ListContext(ctx context.Context, kind schema.Kind, projectID string) ([]*Row, error) {
	query := `
	SELECT kind, id, project_id, updated_at, deleted, source,
	       pending_mutation_id, data, confirmed, stored_at
	FROM entities
	WHERE kind = ? AND deleted = 0`
	args := []any{string(kind)}
	if projectID != "" {
		query += ` AND project_id = ?`
		args = append(args, projectID)
	}
	query += ` ORDER BY id`

	return s.queryRows(ctx, query, args...)
}

// ListAll returns every row of kind, tombstones included.
func (s *Store) ListAll(ctx context.Context, kind schema.Kind) ([]*Row, error) {
	query := `
	SELECT kind, id, project_id, updated_at, deleted, source,
	       pending_mutation_id, data, confirmed, stored_at
	FROM entities
	WHERE kind = ?
	ORDER BY id`
	return s.queryRows(ctx, query, string(kind))
}

// Counts returns the number of live rows and tombstones per kind.
func (s *Store) Counts(ctx context.Context) (live, tombstones map[schema.Kind]int, err error) {
	rows, err := s.conn.QueryContext(ctx, `SELECT kind, deleted, COUNT(*) FROM entities GROUP BY kind, deleted`)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to count entities: %w", err)
	}
	defer rows.Close()

	live = make(map[schema.Kind]int)
	tombstones = make(map[schema.Kind]int)
	for rows.Next() {
		var (
			kind    string
			deleted int
			n       int
		)
		if err := rows.Scan(&kind, &deleted, &n); err != nil {
			return nil, nil, fmt.Errorf("failed to scan count: %w", err)
		}
		if deleted == 1 {
			tombstones[schema.Kind(kind)] = n
		} else {
			live[schema.Kind(kind)] = n
		}
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("error iterating counts: %w", err)
	}
	return live, tombstones, nil
}

func (s *Store) queryRows(ctx context.Context, query string, args ...any) ([]*Row, error) {
	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query entities: %w", err)
	}
	defer rows.Close()

	var out []*Row
	for rows.Next() {
		row, err := scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entity: %w", err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating entities: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRow(sc scanner) (*Row, error) {
	var (
		row                 Row
		kind, source        string
		updatedAt, storedAt string
		deleted             int
		data, confirmed     sql.NullString
	)
	err := sc.Scan(
		&kind,
		&row.ID,
		&row.ProjectID,
		&updatedAt,
		&deleted,
		&source,
		&row.PendingMutationID,
		&data,
		&confirmed,
		&storedAt,
	)
	if err != nil {
		return nil, err
	}

	row.Kind = schema.Kind(kind)
	row.Source = schema.Source(source)
	row.Deleted = deleted == 1
	if row.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if row.StoredAt, err = parseTime(storedAt); err != nil {
		return nil, err
	}
	if data.Valid {
		row.Data = json.RawMessage(data.String)
	}
	if confirmed.Valid {
		var c schema.Candidate
		if err := json.Unmarshal([]byte(confirmed.String), &c); err != nil {
			return nil, fmt.Errorf("failed to unmarshal confirmed state: %w", err)
		}
		row.Confirmed = &c
	}
	return &row, nil
}
