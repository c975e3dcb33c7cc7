// Package scheduler drives the periodic background work of the sync
// engine.
//
// The scheduler:
//  1. Pulls every followed project on a coarse interval, and immediately
//     when asked (channel ERROR, reconnect).
//  2. Publishes local presence and pulls peers on a short interval.
//  3. Re-evaluates deadline risk and notifies on tasks that newly became
//     CRITICAL.
//
// Ticks are independent: a failing job is logged and counted but never
// stops the other jobs or its own next tick. Too many consecutive failures
// make Run return an error wrapping schema.ErrFatal.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mschirtzinger/huddle/internal/metrics"
	"github.com/mschirtzinger/huddle/internal/notify"
	"github.com/mschirtzinger/huddle/internal/remote"
	"github.com/mschirtzinger/huddle/internal/schema"
	"github.com/mschirtzinger/huddle/internal/store"
	hsync "github.com/mschirtzinger/huddle/internal/sync"
)

// Tags of the built-in jobs.
const (
	TagFullPull     = "full-pull"
	TagPresence     = "presence"
	TagDeadlineRisk = "deadline-risk"
)

const (
	stateFailures = "consecutive_failures"
	stateLastRun  = "last_run:"
)

// Syncer is the part of the sync coordinator the scheduler drives.
type Syncer interface {
	PullAll(ctx context.Context) (hsync.Result, error)
	PullProject(ctx context.Context, projectID string) (hsync.Result, error)
	Heartbeat(ctx context.Context) error
}

// TaskSource lists the visible tasks. An empty projectID means all.
type TaskSource interface {
	Tasks(ctx context.Context, projectID string) ([]*schema.Task, error)
}

// Config holds configuration for the scheduler.
type Config struct {
	// FullPullInterval is how often every followed project is pulled.
	FullPullInterval time.Duration

	// PresenceInterval is how often presence is published and pulled.
	PresenceInterval time.Duration

	// RiskInterval is how often deadline risk is re-evaluated.
	RiskInterval time.Duration

	// FailureThreshold is the number of consecutive failed ticks after
	// which Run reports a fatal error.
	FailureThreshold int

	// Retry applies to the pull and presence jobs. The remote client
	// already retries each request, so one or two attempts are enough.
	Retry RetryPolicy

	// KeepConfirmed is how many CONFIRMED mutations survive the prune
	// that follows each successful full pull. Zero keeps them all.
	KeepConfirmed int

	Windows RiskWindows

	Logger *zap.Logger
	Now    func() time.Time
}

// DefaultConfig returns the production cadence.
func DefaultConfig() *Config {
	return &Config{
		FullPullInterval: 15 * time.Minute,
		PresenceInterval: time.Minute,
		RiskInterval:     5 * time.Minute,
		FailureThreshold: 5,
		Retry:            RetryPolicy{MaxAttempts: 2, BaseDelay: time.Second, MaxDelay: 30 * time.Second},
		KeepConfirmed:    500,
		Windows:          DefaultRiskWindows(),
	}
}

// Scheduler runs the registered jobs.
type Scheduler struct {
	store    *store.Store
	syncer   Syncer
	tasks    TaskSource
	notifier notify.Notifier
	registry *Registry
	config   *Config
	logger   *zap.Logger

	mu       sync.Mutex
	failures int
	lastErr  error
	fatal    chan error

	recovering atomic.Bool
	wg         sync.WaitGroup
}

// New creates a scheduler with DefaultConfig.
func New(st *store.Store, syncer Syncer, tasks TaskSource, notifier notify.Notifier) *Scheduler {
	return NewWithConfig(st, syncer, tasks, notifier, DefaultConfig())
}

// NewWithConfig creates a scheduler with custom configuration. Zero fields
// take their DefaultConfig values.
func NewWithConfig(st *store.Store, syncer Syncer, tasks TaskSource, notifier notify.Notifier, config *Config) *Scheduler {
	def := DefaultConfig()
	if config == nil {
		config = def
	}
	cfg := *config
	if cfg.FullPullInterval <= 0 {
		cfg.FullPullInterval = def.FullPullInterval
	}
	if cfg.PresenceInterval <= 0 {
		cfg.PresenceInterval = def.PresenceInterval
	}
	if cfg.RiskInterval <= 0 {
		cfg.RiskInterval = def.RiskInterval
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.Windows == (RiskWindows{}) {
		cfg.Windows = def.Windows
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if notifier == nil {
		notifier = notify.Discard{}
	}

	s := &Scheduler{
		store:    st,
		syncer:   syncer,
		tasks:    tasks,
		notifier: notifier,
		registry: NewRegistry(),
		config:   &cfg,
		logger:   cfg.Logger.Named("scheduler"),
		fatal:    make(chan error, 1),
	}
	s.registry.Register(TagFullPull, cfg.FullPullInterval, cfg.Retry, s.fullPull)
	s.registry.Register(TagPresence, cfg.PresenceInterval, cfg.Retry, s.syncer.Heartbeat)
	if tasks != nil {
		s.registry.Register(TagDeadlineRisk, cfg.RiskInterval, RetryPolicy{}, func(ctx context.Context) error {
			_, err := s.EvaluateRisks(ctx)
			return err
		})
	}
	return s
}

// Registry returns the job registry. Jobs registered while Run is active
// start immediately.
func (s *Scheduler) Registry() *Registry {
	return s.registry
}

// Run starts every registered job and blocks until ctx is cancelled, in
// which case it returns nil, or until the consecutive-failure threshold is
// crossed, in which case it returns an error wrapping schema.ErrFatal.
//
// The failure counter is persisted. A counter that was already at the
// threshold is reset: calling Run again is the re-initialization the fatal
// error asks for.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.loadFailures(ctx); err != nil {
		return err
	}
	select {
	case <-s.fatal:
	default:
	}
	s.logger.Info("starting scheduler",
		zap.Strings("jobs", s.registry.Tags()),
		zap.Int("consecutive_failures", s.ConsecutiveFailures()))

	runCtx, cancel := context.WithCancel(ctx)
	defer func() {
		s.registry.deactivate()
		cancel()
		s.wg.Wait()
	}()

	s.registry.activate(func(e *entry) {
		jobCtx, jobCancel := context.WithCancel(runCtx)
		e.cancel = jobCancel
		s.wg.Add(1)
		go s.loop(jobCtx, e)
	})

	select {
	case <-ctx.Done():
		s.logger.Info("scheduler stopped")
		return nil
	case err := <-s.fatal:
		s.logger.Error("scheduler giving up", zap.Error(err))
		s.notifier.Notify(ctx, notify.Notification{
			Kind:  notify.KindSyncFatal,
			Title: "Background sync stopped",
			Body:  err.Error(),
			At:    s.config.Now().UTC(),
		})
		return err
	}
}

// TriggerFullPull requests an immediate full pull. Requests made before the
// pull starts are merged into one.
func (s *Scheduler) TriggerFullPull() {
	s.registry.Trigger(TagFullPull)
}

// OnChannelError handles an ERROR message from the real-time channel: the
// channel may have missed events, so a full pull is forced. A notification
// follows once that pull succeeds.
func (s *Scheduler) OnChannelError(message string) {
	s.logger.Warn("channel reported an error, forcing full pull", zap.String("message", message))
	s.recovering.Store(true)
	s.TriggerFullPull()
}

// Reconcile pulls the given projects and returns when all of them have
// been merged. It is the real-time channel's reconnect hook.
func (s *Scheduler) Reconcile(ctx context.Context, projects []string) error {
	start := time.Now()
	var errs []error
	for _, id := range projects {
		if _, err := s.syncer.PullProject(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	err := errors.Join(errs...)
	s.finish(ctx, "reconcile", start, err)
	return err
}

// ConsecutiveFailures returns the current failure count.
func (s *Scheduler) ConsecutiveFailures() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures
}

// EvaluateRisks classifies every visible task, persists the levels and
// notifies about tasks that newly became CRITICAL.
func (s *Scheduler) EvaluateRisks(ctx context.Context) ([]RiskChange, error) {
	tasks, err := s.tasks.Tasks(ctx, "")
	if err != nil {
		return nil, err
	}
	prev, err := s.store.RiskLevels(ctx)
	if err != nil {
		return nil, err
	}
	now := s.config.Now()
	next, changes := DiffRisk(tasks, prev, now, s.config.Windows)
	if err := s.store.ReplaceRiskLevels(ctx, next, now); err != nil {
		return nil, err
	}

	for _, c := range changes {
		if !c.Escalated() {
			continue
		}
		s.notifier.Notify(ctx, notify.Notification{
			Kind:      notify.KindDeadlineCritical,
			Title:     "Task at risk",
			Body:      fmt.Sprintf("%q is now critical", c.Title),
			ProjectID: c.ProjectID,
			TaskID:    c.TaskID,
			At:        now.UTC(),
		})
	}
	s.logger.Debug("evaluated deadline risk", zap.Int("tasks", len(tasks)), zap.Int("changes", len(changes)))
	return changes, nil
}

func (s *Scheduler) fullPull(ctx context.Context) error {
	res, err := s.syncer.PullAll(ctx)
	if err != nil {
		return err
	}
	s.pruneMutations(ctx)
	if s.recovering.CompareAndSwap(true, false) {
		s.notifier.Notify(ctx, notify.Notification{
			Kind:  notify.KindSyncRecovered,
			Title: "Sync recovered",
			Body:  fmt.Sprintf("Full pull after a server error: %s", res),
			At:    s.config.Now().UTC(),
		})
	}
	return nil
}

// pruneMutations drops old CONFIRMED mutations. Failures are logged only;
// the rows are history and the next pull tries again.
func (s *Scheduler) pruneMutations(ctx context.Context) {
	if s.config.KeepConfirmed <= 0 {
		return
	}
	n, err := s.store.PruneMutations(ctx, s.config.KeepConfirmed)
	if err != nil {
		s.logger.Warn("failed to prune confirmed mutations", zap.Error(err))
		return
	}
	if n > 0 {
		s.logger.Debug("pruned confirmed mutations", zap.Int64("count", n))
	}
}

// loop runs one entry until ctx is cancelled. The first run waits for the
// remainder of the interval since the persisted last run.
func (s *Scheduler) loop(ctx context.Context, e *entry) {
	defer s.wg.Done()

	timer := time.NewTimer(s.initialDelay(ctx, e))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-e.kick:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}

		s.tick(ctx, e)
		if ctx.Err() != nil {
			return
		}
		timer.Reset(e.interval)
	}
}

func (s *Scheduler) tick(ctx context.Context, e *entry) {
	start := time.Now()
	var err error
	for attempt := 1; attempt <= e.policy.MaxAttempts; attempt++ {
		err = e.job(ctx)
		if err == nil || !schema.IsRetryable(err) || attempt == e.policy.MaxAttempts {
			break
		}
		s.logger.Debug("retrying job", zap.String("job", e.tag), zap.Int("attempt", attempt), zap.Error(err))
		t := time.NewTimer(remote.Backoff(attempt, e.policy.BaseDelay, e.policy.MaxDelay))
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
	if ctx.Err() != nil {
		// Shutting down; a cancelled tick is not a failure.
		return
	}

	if err := s.store.SetState(context.WithoutCancel(ctx), stateLastRun+e.tag, s.config.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		s.logger.Warn("failed to persist last run", zap.String("job", e.tag), zap.Error(err))
	}
	s.finish(ctx, e.tag, start, err)
}

// finish records the outcome of one run.
func (s *Scheduler) finish(ctx context.Context, tag string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
		s.logger.Warn("job failed", zap.String("job", tag), zap.Error(err))
	}
	metrics.RecordJobRun(tag, result, time.Since(start))

	s.mu.Lock()
	if err == nil {
		s.failures = 0
	} else {
		s.failures++
		s.lastErr = err
	}
	n, lastErr := s.failures, s.lastErr
	s.mu.Unlock()

	metrics.SetConsecutiveFailures(n)
	if perr := s.store.SetState(context.WithoutCancel(ctx), stateFailures, strconv.Itoa(n)); perr != nil {
		s.logger.Warn("failed to persist failure counter", zap.Error(perr))
	}
	if err != nil && n >= s.config.FailureThreshold {
		select {
		case s.fatal <- fmt.Errorf("%w: %d consecutive failures, last: %v", schema.ErrFatal, n, lastErr):
		default:
		}
	}
}

func (s *Scheduler) initialDelay(ctx context.Context, e *entry) time.Duration {
	v, ok, err := s.store.GetState(ctx, stateLastRun+e.tag)
	if err != nil || !ok {
		return 0
	}
	last, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return 0
	}
	elapsed := s.config.Now().Sub(last)
	if elapsed >= e.interval || elapsed < 0 {
		return 0
	}
	return e.interval - elapsed
}

func (s *Scheduler) loadFailures(ctx context.Context) error {
	v, ok, err := s.store.GetState(ctx, stateFailures)
	if err != nil {
		return err
	}
	n := 0
	if ok {
		n, _ = strconv.Atoi(v)
	}
	if n >= s.config.FailureThreshold {
		s.logger.Info("resetting failure counter after fatal stop", zap.Int("previous", n))
		n = 0
		if err := s.store.SetState(ctx, stateFailures, "0"); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.failures = n
	s.mu.Unlock()
	metrics.SetConsecutiveFailures(n)
	return nil
}

// Status is the scheduler state persisted in the store.
type Status struct {
	ConsecutiveFailures int                  `json:"consecutiveFailures"`
	LastRun             map[string]time.Time `json:"lastRun"`
}

// LoadStatus reads the persisted state of the built-in jobs. It does not
// need a running Scheduler.
func LoadStatus(ctx context.Context, st *store.Store) (*Status, error) {
	out := &Status{LastRun: make(map[string]time.Time)}
	v, ok, err := st.GetState(ctx, stateFailures)
	if err != nil {
		return nil, err
	}
	if ok {
		out.ConsecutiveFailures, _ = strconv.Atoi(v)
	}
	for _, tag := range []string{TagFullPull, TagPresence, TagDeadlineRisk} {
		v, ok, err := st.GetState(ctx, stateLastRun+tag)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			out.LastRun[tag] = t
		}
	}
	return out, nil
}
