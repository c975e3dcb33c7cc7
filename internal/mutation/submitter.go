// Package mutation submits locally-originated changes to the remote service.
//
// A submitted mutation is applied optimistically, then queued on its
// entity's FIFO queue. One worker per entity drains the queue, so at most
// one submit per entity is in flight and confirmations arrive in the order
// the mutations were made.
package mutation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mschirtzinger/huddle/internal/merge"
	"github.com/mschirtzinger/huddle/internal/schema"
	"github.com/mschirtzinger/huddle/internal/store"
)

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("submitter closed")

// Remote sends a mutation and returns the server's echo.
type Remote interface {
	Submit(ctx context.Context, m *schema.PendingMutation) (schema.Candidate, error)
}

// Actor is the local user making a change.
type Actor struct {
	ID   string
	Role schema.Role
}

// Config configures a Submitter.
type Config struct {
	Logger *zap.Logger

	// SubmitTimeout bounds one remote submit, retries included. Zero means
	// no bound beyond the caller's context.
	SubmitTimeout time.Duration

	Now   func() time.Time
	NewID func() string
}

// Submitter owns the pending-mutation lifecycle.
type Submitter struct {
	applier *merge.Applier
	store   *store.Store
	remote  Remote
	logger  *zap.Logger
	cfg     Config

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	queues  map[schema.Key][]queued
	waiters map[string][]chan struct{}
}

type queued struct {
	m   *schema.PendingMutation
	ctx context.Context
}

// New creates a Submitter.
func New(applier *merge.Applier, remote Remote, cfg Config) *Submitter {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Submitter{
		applier: applier,
		store:   applier.Store(),
		remote:  remote,
		logger:  cfg.Logger.Named("mutation"),
		cfg:     cfg,
		ctx:     ctx,
		cancel:  cancel,
		queues:  make(map[schema.Key][]queued),
		waiters: make(map[string][]chan struct{}),
	}
}

// UpdateTask patches a task on behalf of actor.
func (s *Submitter) UpdateTask(ctx context.Context, actor Actor, projectID, taskID string, patch schema.TaskPatch) (*schema.PendingMutation, error) {
	m, err := schema.NewTaskUpdate(s.cfg.NewID(), 0, projectID, taskID, patch, s.cfg.Now().UTC())
	if err != nil {
		return nil, err
	}
	return m, s.Submit(ctx, actor, m)
}

// PostActivity appends an activity item (comment, nudge, blocker...) to a
// project on behalf of actor. The item id is generated locally.
func (s *Submitter) PostActivity(ctx context.Context, actor Actor, projectID string, detail schema.ActivityDetail) (*schema.PendingMutation, error) {
	now := s.cfg.Now().UTC()
	item, err := schema.NewActivity(s.cfg.NewID(), projectID, actor.ID, now, detail)
	if err != nil {
		return nil, err
	}
	m, err := schema.NewActivityCreate(s.cfg.NewID(), 0, item, now)
	if err != nil {
		return nil, err
	}
	return m, s.Submit(ctx, actor, m)
}

// Submit checks actor's capabilities, applies m optimistically and queues
// it. ctx governs the whole flight: if it is cancelled before the server
// confirms, m ends FAILED.
func (s *Submitter) Submit(ctx context.Context, actor Actor, m *schema.PendingMutation) error {
	caps, err := m.RequiredCapabilities()
	if err != nil {
		return fmt.Errorf("%w: %v", schema.ErrValidation, err)
	}
	if missing := schema.MissingCapability(actor.Role, caps); missing != "" {
		return fmt.Errorf("%w: role %s cannot %s", schema.ErrPermission, actor.Role, missing)
	}

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}

	if err := s.applier.ApplyOptimistic(ctx, m); err != nil {
		return err
	}
	s.enqueue(ctx, m)
	return nil
}

// Resume requeues mutations a previous process left PENDING or IN_FLIGHT.
// IN_FLIGHT ones are resubmitted with the same idempotency key.
func (s *Submitter) Resume(ctx context.Context) (int, error) {
	open, err := s.store.ListMutations(ctx, schema.MutationPending, schema.MutationInFlight)
	if err != nil {
		return 0, err
	}
	for _, m := range open {
		if m.Status == schema.MutationInFlight {
			if err := m.Transition(schema.MutationPending, s.cfg.Now()); err != nil {
				return 0, err
			}
			if err := s.store.UpdateMutation(ctx, m); err != nil {
				return 0, err
			}
		}
		s.enqueue(s.ctx, m)
	}
	if len(open) > 0 {
		s.logger.Info("resumed pending mutations", zap.Int("count", len(open)))
	}
	return len(open), nil
}

// Retry moves a FAILED mutation back to PENDING, re-applies it on top of
// the current state and queues it behind any newer work for the entity.
func (s *Submitter) Retry(ctx context.Context, id string) (*schema.PendingMutation, error) {
	m, err := s.store.GetMutation(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := m.Transition(schema.MutationPending, s.cfg.Now()); err != nil {
		return nil, fmt.Errorf("%w: %v", schema.ErrValidation, err)
	}
	m.Seq = 0
	m.LastError = ""
	if err := s.applier.ApplyOptimistic(ctx, m); err != nil {
		return nil, err
	}
	s.enqueue(ctx, m)
	return m, nil
}

// Wait blocks until mutation id reaches CONFIRMED or FAILED.
func (s *Submitter) Wait(ctx context.Context, id string) (*schema.PendingMutation, error) {
	for {
		ch := make(chan struct{})
		s.mu.Lock()
		s.waiters[id] = append(s.waiters[id], ch)
		s.mu.Unlock()

		m, err := s.store.GetMutation(ctx, id)
		if err != nil {
			s.dropWaiter(id, ch)
			return nil, err
		}
		if m.Status.Terminal() {
			s.dropWaiter(id, ch)
			return m, nil
		}

		select {
		case <-ch:
		case <-ctx.Done():
			s.dropWaiter(id, ch)
			return m, ctx.Err()
		}
	}
}

// Close stops the workers. A submit in flight is cancelled and ends FAILED;
// queued mutations stay PENDING for the next Resume.
func (s *Submitter) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
	return nil
}

func (s *Submitter) enqueue(ctx context.Context, m *schema.PendingMutation) {
	key := m.Key()
	s.mu.Lock()
	defer s.mu.Unlock()

	q, running := s.queues[key]
	s.queues[key] = append(q, queued{m: m, ctx: ctx})
	if running {
		return
	}
	s.wg.Add(1)
	go s.drain(key)
}

// drain runs the worker for one entity until its queue is empty.
func (s *Submitter) drain(key schema.Key) {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		q := s.queues[key]
		if len(q) == 0 || s.ctx.Err() != nil {
			delete(s.queues, key)
			s.mu.Unlock()
			return
		}
		next := q[0]
		s.queues[key] = q[1:]
		s.mu.Unlock()

		s.process(next)
	}
}

func (s *Submitter) process(q queued) {
	m := q.m
	defer s.finished(m.ID)

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	stop := context.AfterFunc(q.ctx, cancel)
	defer stop()
	if s.cfg.SubmitTimeout > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, s.cfg.SubmitTimeout)
		defer cancelTimeout()
	}
	// Store writes that record the outcome must survive the cancellation
	// that caused it.
	writeCtx := context.WithoutCancel(ctx)

	if err := ctx.Err(); err != nil {
		s.fail(writeCtx, m, err)
		return
	}

	if err := m.Transition(schema.MutationInFlight, s.cfg.Now()); err != nil {
		s.logger.Error("cannot start mutation", zap.String("mutation", m.ID), zap.Error(err))
		return
	}
	m.Attempts++
	if err := s.store.UpdateMutation(writeCtx, m); err != nil {
		s.logger.Error("failed to mark mutation in flight", zap.String("mutation", m.ID), zap.Error(err))
		s.fail(writeCtx, m, err)
		return
	}

	echo, err := s.remote.Submit(ctx, m)
	if err != nil {
		s.fail(writeCtx, m, err)
		return
	}

	if _, err := s.applier.Confirm(writeCtx, m, echo); err != nil {
		s.logger.Warn("could not confirm mutation", zap.String("mutation", m.ID), zap.Error(err))
		if m.Status != schema.MutationConfirmed {
			s.fail(writeCtx, m, err)
		}
		return
	}
	s.logger.Debug("mutation confirmed",
		zap.String("mutation", m.ID),
		zap.String("entity", m.Key().String()),
		zap.Int("attempts", m.Attempts))
}

func (s *Submitter) fail(ctx context.Context, m *schema.PendingMutation, cause error) {
	if err := s.applier.Rollback(ctx, m, cause); err != nil {
		s.logger.Error("rollback failed", zap.String("mutation", m.ID), zap.Error(err))
	}
}

func (s *Submitter) finished(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.waiters[id] {
		close(ch)
	}
	delete(s.waiters, id)
}

func (s *Submitter) dropWaiter(id string, ch chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ws := s.waiters[id]
	for i, w := range ws {
		if w == ch {
			s.waiters[id] = append(ws[:i], ws[i+1:]...)
			break
		}
	}
	if len(s.waiters[id]) == 0 {
		delete(s.waiters, id)
	}
}
