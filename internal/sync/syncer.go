package sync

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/mschirtzinger/huddle/internal/merge"
	"github.com/mschirtzinger/huddle/internal/schema"
	"github.com/mschirtzinger/huddle/internal/store"
)

// Remote is the pull side of the remote service.
type Remote interface {
	PullProject(ctx context.Context, projectID string) ([]schema.Candidate, error)
	PullPresence(ctx context.Context) ([]schema.Candidate, error)
	PutPresence(ctx context.Context, rec schema.PresenceRecord) (schema.Candidate, error)
}

// Channel is the subscription side of the real-time channel.
type Channel interface {
	Subscribe(ctx context.Context, projectID string) error
	Unsubscribe(ctx context.Context, projectID string) error
}

// Config configures a Syncer.
type Config struct {
	Logger *zap.Logger

	// UserID is the local user announced by Heartbeat. Heartbeat only pulls
	// when it is empty.
	UserID string

	// Concurrency bounds the number of project pulls in flight in PullAll.
	Concurrency int

	Now func() time.Time
}

// syncer implements the Syncer interface.
type syncer struct {
	applier *merge.Applier
	store   *store.Store
	remote  Remote
	channel Channel
	logger  *zap.Logger
	cfg     Config

	pulls singleflight.Group
}

// New creates a Syncer. channel may be nil when no real-time connection is
// used (one-shot CLI syncs).
func New(applier *merge.Applier, remote Remote, channel Channel, cfg Config) Syncer {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &syncer{
		applier: applier,
		store:   applier.Store(),
		remote:  remote,
		channel: channel,
		logger:  cfg.Logger.Named("sync"),
		cfg:     cfg,
	}
}

// PullProject implements Syncer.PullProject.
func (s *syncer) PullProject(ctx context.Context, projectID string) (Result, error) {
	v, err, shared := s.pulls.Do(projectID, func() (any, error) {
		return s.pullProject(ctx, projectID)
	})
	if shared {
		s.logger.Debug("joined in-flight pull", zap.String("project", projectID))
	}
	return v.(Result), err
}

func (s *syncer) pullProject(ctx context.Context, projectID string) (Result, error) {
	start := time.Now()
	cands, err := s.remote.PullProject(ctx, projectID)
	if err != nil {
		return Result{}, fmt.Errorf("failed to pull project %s: %w", projectID, err)
	}
	res := s.applyAll(ctx, cands)
	s.logger.Info("pulled project",
		zap.String("project", projectID),
		zap.Stringer("result", res),
		zap.Duration("took", time.Since(start)))
	return res, nil
}

// PullAll implements Syncer.PullAll.
func (s *syncer) PullAll(ctx context.Context) (Result, error) {
	projects, err := s.store.Subscriptions(ctx)
	if err != nil {
		return Result{}, err
	}

	var (
		mu    gosync.Mutex
		total Result
		errs  []error
	)
	var g errgroup.Group
	g.SetLimit(s.cfg.Concurrency)
	for _, id := range projects {
		g.Go(func() error {
			res, err := s.PullProject(ctx, id)
			mu.Lock()
			defer mu.Unlock()
			total.Add(res)
			if err != nil {
				errs = append(errs, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		cands, err := s.remote.PullPresence(ctx)
		if err != nil {
			mu.Lock()
			errs = append(errs, fmt.Errorf("failed to pull presence: %w", err))
			mu.Unlock()
			return nil
		}
		res := s.applyAll(ctx, cands)
		mu.Lock()
		total.Add(res)
		mu.Unlock()
		return nil
	})
	_ = g.Wait()

	return total, errors.Join(errs...)
}

// Heartbeat implements Syncer.Heartbeat.
func (s *syncer) Heartbeat(ctx context.Context) error {
	if s.cfg.UserID != "" {
		rec := schema.PresenceRecord{
			UserID:   s.cfg.UserID,
			IsOnline: true,
			LastSeen: s.cfg.Now().UTC(),
		}
		if projects, err := s.store.Subscriptions(ctx); err == nil && len(projects) > 0 {
			rec.CurrentProjectID = projects[0]
		}
		echo, err := s.remote.PutPresence(ctx, rec)
		if err != nil {
			return fmt.Errorf("failed to publish presence: %w", err)
		}
		if _, err := s.Apply(ctx, echo); err != nil {
			return err
		}
	}

	cands, err := s.remote.PullPresence(ctx)
	if err != nil {
		return fmt.Errorf("failed to pull presence: %w", err)
	}
	res := s.applyAll(ctx, cands)
	s.logger.Debug("presence heartbeat", zap.Stringer("result", res))
	return nil
}

// Subscribe implements Syncer.Subscribe.
func (s *syncer) Subscribe(ctx context.Context, projectID string) (Result, error) {
	if projectID == "" {
		return Result{}, fmt.Errorf("%w: project id is required", schema.ErrValidation)
	}
	if err := s.store.AddSubscription(ctx, projectID); err != nil {
		return Result{}, err
	}
	if s.channel != nil {
		if err := s.channel.Subscribe(ctx, projectID); err != nil {
			return Result{}, err
		}
	}
	return s.PullProject(ctx, projectID)
}

// Unsubscribe implements Syncer.Unsubscribe.
func (s *syncer) Unsubscribe(ctx context.Context, projectID string) error {
	if err := s.store.RemoveSubscription(ctx, projectID); err != nil {
		return err
	}
	if s.channel != nil {
		return s.channel.Unsubscribe(ctx, projectID)
	}
	return nil
}

// Projects implements Syncer.Projects.
func (s *syncer) Projects(ctx context.Context) ([]string, error) {
	return s.store.Subscriptions(ctx)
}

// Apply implements Syncer.Apply.
func (s *syncer) Apply(ctx context.Context, c schema.Candidate) (Result, error) {
	var res Result
	d, err := s.applier.Apply(ctx, c)
	res.count(d, err)
	if err != nil {
		return res, fmt.Errorf("failed to apply %s: %w", c.Key(), err)
	}
	if d.Reason == merge.ReasonMalformed {
		s.logger.Warn("dropping malformed candidate",
			zap.String("entity", c.Key().String()),
			zap.String("source", string(c.Source)),
			zap.Error(d.Err))
	}
	return res, nil
}

func (s *syncer) applyAll(ctx context.Context, cands []schema.Candidate) Result {
	var res Result
	for _, c := range cands {
		r, err := s.Apply(ctx, c)
		res.Add(r)
		if err != nil {
			s.logger.Error("merge failed", zap.Error(err))
		}
	}
	return res
}
