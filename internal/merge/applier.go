package merge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mschirtzinger/huddle/internal/metrics"
	"github.com/mschirtzinger/huddle/internal/schema"
	"github.com/mschirtzinger/huddle/internal/store"
)

// Config configures an Applier.
type Config struct {
	Logger *zap.Logger

	// Normalize rewrites a winning candidate before it is stored. The
	// derived-state engine uses it to recompute milestone progress.
	Normalize func(ctx context.Context, c schema.Candidate) (schema.Candidate, error)

	// OnConflict is called after a conflict has been committed.
	OnConflict func(rec *store.ConflictRecord)

	// Now defaults to time.Now.
	Now func() time.Time
}

// Applier serializes merge decisions per entity and writes their results.
// The entity lock is only held around store reads and writes.
type Applier struct {
	store  *store.Store
	locks  *keyLock
	logger *zap.Logger
	cfg    Config
}

// New creates an Applier over s.
func New(s *store.Store, cfg Config) *Applier {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Applier{
		store:  s,
		locks:  newKeyLock(),
		logger: cfg.Logger.Named("merge"),
		cfg:    cfg,
	}
}

// Store returns the underlying store.
func (a *Applier) Store() *store.Store {
	return a.store
}

// Apply merges a candidate from the network into the store.
func (a *Applier) Apply(ctx context.Context, c schema.Candidate) (Decision, error) {
	unlock := a.locks.Lock(c.Key())
	defer unlock()

	row, err := a.load(ctx, c.Key())
	if err != nil {
		return Decision{Candidate: c}, err
	}

	d := Resolve(row.Accepted(), c)
	a.record(d)

	w, rec, winner, err := a.decide(ctx, d)
	if err != nil {
		return d, err
	}
	if winner != nil {
		if err := a.rebuild(ctx, c.Key(), winner, &w, ""); err != nil {
			return d, err
		}
	}
	if w.Put == nil && w.Delete == nil && w.Conflict == nil {
		return d, nil
	}
	if err := a.store.Commit(ctx, w); err != nil {
		return d, err
	}
	if rec != nil && a.cfg.OnConflict != nil {
		a.cfg.OnConflict(rec)
	}
	return d, nil
}

// ApplyOptimistic persists m as PENDING and overlays it on the visible
// state of its entity. A zero m.Seq is allocated by the store.
func (a *Applier) ApplyOptimistic(ctx context.Context, m *schema.PendingMutation) error {
	key := m.Key()
	unlock := a.locks.Lock(key)
	defer unlock()

	row, err := a.load(ctx, key)
	if err != nil {
		return err
	}
	m.Status = schema.MutationPending
	w := store.Write{Mutations: []*schema.PendingMutation{m}}
	if err := a.rebuildWith(ctx, key, row.Accepted(), &w, m); err != nil {
		return err
	}
	if err := a.store.Commit(ctx, w); err != nil {
		return fmt.Errorf("failed to apply mutation %s: %w", m.ID, err)
	}
	a.logger.Debug("optimistic mutation applied",
		zap.String("mutation", m.ID),
		zap.String("entity", key.String()),
		zap.Int64("seq", m.Seq))
	return nil
}

// Confirm merges the server echo of m and marks m CONFIRMED in the same
// transaction, so observers never see a confirmed mutation without the
// state it produced.
func (a *Applier) Confirm(ctx context.Context, m *schema.PendingMutation, echo schema.Candidate) (Decision, error) {
	key := m.Key()
	if echo.Key() != key {
		return Decision{Candidate: echo}, fmt.Errorf("%w: echo %s does not match mutation target %s",
			schema.ErrMalformedEntity, echo.Key(), key)
	}

	unlock := a.locks.Lock(key)
	defer unlock()

	row, err := a.load(ctx, key)
	if err != nil {
		return Decision{Candidate: echo}, err
	}

	d := Resolve(row.Accepted(), echo)
	a.record(d)
	if d.Reason == ReasonMalformed {
		a.logger.Warn("malformed confirmation echo, keeping accepted state",
			zap.String("mutation", m.ID),
			zap.Error(d.Err))
	}

	// m only becomes CONFIRMED once the commit succeeds; callers treat an
	// error with m still IN_FLIGHT as a failed submit.
	confirmed := *m
	if err := confirmed.Transition(schema.MutationConfirmed, a.cfg.Now()); err != nil {
		return d, err
	}

	w, rec, winner, err := a.decide(ctx, d)
	if err != nil {
		return d, err
	}
	w.Mutations = append(w.Mutations, &confirmed)

	accepted := row.Accepted()
	if winner != nil {
		accepted = winner
	}
	if err := a.rebuild(ctx, key, accepted, &w, m.ID); err != nil {
		return d, err
	}
	if err := a.store.Commit(ctx, w); err != nil {
		return d, fmt.Errorf("failed to confirm mutation %s: %w", m.ID, err)
	}
	*m = confirmed
	if rec != nil && a.cfg.OnConflict != nil {
		a.cfg.OnConflict(rec)
	}
	metrics.RecordMutation(string(m.Op), string(schema.MutationConfirmed))
	return d, nil
}

// Rollback marks m FAILED and removes its effect from the visible state.
func (a *Applier) Rollback(ctx context.Context, m *schema.PendingMutation, cause error) error {
	key := m.Key()
	unlock := a.locks.Lock(key)
	defer unlock()

	row, err := a.load(ctx, key)
	if err != nil {
		return err
	}

	if err := m.Transition(schema.MutationFailed, a.cfg.Now()); err != nil {
		return err
	}
	if cause != nil {
		m.LastError = cause.Error()
	}

	w := store.Write{Mutations: []*schema.PendingMutation{m}}
	if err := a.rebuild(ctx, key, row.Accepted(), &w, m.ID); err != nil {
		return err
	}
	if err := a.store.Commit(ctx, w); err != nil {
		return fmt.Errorf("failed to roll back mutation %s: %w", m.ID, err)
	}
	a.logger.Info("mutation rolled back",
		zap.String("mutation", m.ID),
		zap.String("entity", key.String()),
		zap.Error(cause))
	metrics.RecordMutation(string(m.Op), string(schema.MutationFailed))
	return nil
}

func (a *Applier) load(ctx context.Context, key schema.Key) (*store.Row, error) {
	row, err := a.store.GetContext(ctx, key.Kind, key.ID)
	if errors.Is(err, schema.ErrNotFound) {
		return nil, nil
	}
	return row, err
}

// decide turns a decision into the conflict record that goes into the
// write and the normalized state to store. winner is nil when the accepted
// state does not change.
func (a *Applier) decide(ctx context.Context, d Decision) (w store.Write, rec *store.ConflictRecord, winner *schema.Candidate, err error) {
	if d.Outcome == Conflict {
		rec = &store.ConflictRecord{
			Current:    *d.Current,
			Candidate:  d.Candidate,
			Winner:     d.Winner.Source,
			DetectedAt: a.cfg.Now(),
		}
		w.Conflict = rec
		a.logger.Info("equal-version conflict",
			zap.String("entity", d.Candidate.Key().String()),
			zap.String("current_source", string(d.Current.Source)),
			zap.String("candidate_source", string(d.Candidate.Source)),
			zap.String("winner", string(d.Winner.Source)))
	}

	if !d.Writes() {
		return w, rec, nil, nil
	}
	winner = d.Winner
	if !winner.Deleted && a.cfg.Normalize != nil {
		normalized, err := a.cfg.Normalize(ctx, *winner)
		if err != nil {
			return w, nil, nil, fmt.Errorf("failed to normalize %s: %w", winner.Key(), err)
		}
		winner = &normalized
	}
	return w, rec, winner, nil
}

// rebuild recomputes the row for key from accepted plus every open
// mutation except skip, and adds the result to w.
func (a *Applier) rebuild(ctx context.Context, key schema.Key, accepted *schema.Candidate, w *store.Write, skip string) error {
	open, err := a.store.ListOpenMutations(ctx, key)
	if err != nil {
		return err
	}
	pending := open[:0]
	for _, m := range open {
		if m.ID != skip {
			pending = append(pending, m)
		}
	}
	return a.overlay(key, accepted, pending, w)
}

// rebuildWith is rebuild with extra appended after the stored open mutations.
func (a *Applier) rebuildWith(ctx context.Context, key schema.Key, accepted *schema.Candidate, w *store.Write, extra *schema.PendingMutation) error {
	open, err := a.store.ListOpenMutations(ctx, key)
	if err != nil {
		return err
	}
	pending := open[:0]
	for _, m := range open {
		if m.ID != extra.ID {
			pending = append(pending, m)
		}
	}
	return a.overlay(key, accepted, append(pending, extra), w)
}

func (a *Applier) overlay(key schema.Key, accepted *schema.Candidate, pending []*schema.PendingMutation, w *store.Write) error {
	visible := accepted
	var lastID string
	for _, m := range pending {
		next, err := m.ApplyTo(visible)
		if err != nil {
			// A mutation that can no longer be applied stays queued; the
			// server decides whether it succeeds.
			a.logger.Warn("mutation does not apply to current state",
				zap.String("mutation", m.ID),
				zap.String("entity", key.String()),
				zap.Error(err))
			continue
		}
		if next != visible {
			visible = next
			lastID = m.ID
		}
	}

	switch {
	case lastID != "":
		w.Put = &store.Row{Candidate: *visible, PendingMutationID: lastID, Confirmed: accepted}
	case accepted != nil:
		w.Put = &store.Row{Candidate: *accepted}
	default:
		w.Delete = &key
	}
	return nil
}

func (a *Applier) record(d Decision) {
	metrics.RecordMergeDecision(string(d.Candidate.Kind), string(d.Candidate.Source), d.Outcome.String())
	if d.Outcome != Reject {
		return
	}
	fields := []zap.Field{
		zap.String("entity", d.Candidate.Key().String()),
		zap.String("source", string(d.Candidate.Source)),
		zap.String("reason", string(d.Reason)),
	}
	if d.Reason == ReasonMalformed {
		a.logger.Warn("malformed candidate dropped", append(fields, zap.Error(d.Err))...)
		return
	}
	a.logger.Debug("candidate rejected", fields...)
}
