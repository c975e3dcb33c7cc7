package derived

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/mschirtzinger/huddle/internal/schema"
	"github.com/mschirtzinger/huddle/internal/store"
)

// View names a derived view.
type View string

const (
	ViewMilestones View = "milestones"
	ViewFeed       View = "feed"
	ViewBlocked    View = "blocked"
	ViewPresence   View = "presence"
	ViewConflicts  View = "conflicts"
)

// Update tells a watcher that a view may have changed. An empty ProjectID
// means every project.
type Update struct {
	View      View   `json:"view"`
	ProjectID string `json:"projectId,omitempty"`
}

// Config configures an Engine.
type Config struct {
	Logger *zap.Logger
}

type cacheKey struct {
	view    View
	project string
	query   string
}

// Engine serves memoized derived views over a store. Every committed store
// change drops the cached entries it affects, so a view is always a pure
// function of the store content at the time it was computed.
//
// Slices returned by Engine are shared with the cache and must not be
// modified.
type Engine struct {
	store  *store.Store
	logger *zap.Logger

	mu       sync.Mutex
	gen      uint64
	cache    map[cacheKey]any
	watchers map[int]*watcher
	nextID   int

	unsubscribe func()
}

// New creates an Engine and subscribes it to s.
func New(s *store.Store, cfg Config) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	e := &Engine{
		store:    s,
		logger:   cfg.Logger.Named("derived"),
		cache:    make(map[cacheKey]any),
		watchers: make(map[int]*watcher),
	}
	e.unsubscribe = s.Subscribe(e.onChange)
	return e
}

// Close unsubscribes the engine from the store.
func (e *Engine) Close() {
	e.unsubscribe()
}

func (e *Engine) onChange(c store.Change) {
	projects := []string{c.ProjectID}
	if c.PrevProjectID != "" {
		// The entity left PrevProjectID; that project's views drop it too.
		projects = append(projects, c.PrevProjectID)
	}
	for _, p := range projects {
		switch c.Kind {
		case schema.KindTask:
			e.invalidate(ViewMilestones, p)
			e.invalidate(ViewBlocked, p)
		case schema.KindMilestone:
			e.invalidate(ViewMilestones, p)
		case schema.KindActivity:
			e.invalidate(ViewFeed, p)
		}
	}
	if c.Kind == schema.KindPresence {
		e.invalidate(ViewPresence, "")
	}
}

// invalidate drops cached entries of view for project and for the
// cross-project variants, then notifies watchers.
func (e *Engine) invalidate(view View, project string) {
	e.mu.Lock()
	e.gen++
	for k := range e.cache {
		if k.view != view {
			continue
		}
		if project == "" || k.project == "" || k.project == project {
			delete(e.cache, k)
		}
	}
	watchers := make([]*watcher, 0, len(e.watchers))
	for _, w := range e.watchers {
		watchers = append(watchers, w)
	}
	e.mu.Unlock()

	u := Update{View: view, ProjectID: project}
	for _, w := range watchers {
		w.add(u)
	}
}

// memo returns the cached value for k or computes it. A result computed
// while a change was committed is returned but not cached.
func memo[T any](e *Engine, k cacheKey, compute func() (T, error)) (T, error) {
	e.mu.Lock()
	if v, ok := e.cache[k]; ok {
		e.mu.Unlock()
		return v.(T), nil
	}
	gen := e.gen
	e.mu.Unlock()

	v, err := compute()
	if err != nil {
		return v, err
	}

	e.mu.Lock()
	if e.gen == gen {
		e.cache[k] = v
	}
	e.mu.Unlock()
	return v, nil
}

// Milestones returns a project's milestones with progress computed from its
// current tasks, ordered by due date (undated last), then id.
func (e *Engine) Milestones(ctx context.Context, projectID string) ([]*schema.Milestone, error) {
	k := cacheKey{view: ViewMilestones, project: projectID}
	return memo(e, k, func() ([]*schema.Milestone, error) {
		milestones, err := list[*schema.Milestone](ctx, e.store, schema.KindMilestone, projectID)
		if err != nil {
			return nil, err
		}
		tasks, err := list[*schema.Task](ctx, e.store, schema.KindTask, projectID)
		if err != nil {
			return nil, err
		}
		out := make([]*schema.Milestone, 0, len(milestones))
		for _, m := range milestones {
			out = append(out, WithProgress(m, tasks))
		}
		slices.SortFunc(out, func(a, b *schema.Milestone) int {
			switch {
			case a.DueDate == nil && b.DueDate != nil:
				return 1
			case a.DueDate != nil && b.DueDate == nil:
				return -1
			case a.DueDate != nil && b.DueDate != nil:
				if c := a.DueDate.Compare(*b.DueDate); c != 0 {
					return c
				}
			}
			return strings.Compare(a.ID, b.ID)
		})
		return out, nil
	})
}

// MilestoneProgress returns one milestone with its progress recomputed.
func (e *Engine) MilestoneProgress(ctx context.Context, id string) (*schema.Milestone, error) {
	row, err := e.store.GetContext(ctx, schema.KindMilestone, id)
	if err != nil {
		return nil, err
	}
	if row.Deleted {
		return nil, fmt.Errorf("milestone %s: %w", id, schema.ErrNotFound)
	}
	milestones, err := e.Milestones(ctx, row.ProjectID)
	if err != nil {
		return nil, err
	}
	for _, m := range milestones {
		if m.ID == id {
			return m, nil
		}
	}
	return nil, fmt.Errorf("milestone %s: %w", id, schema.ErrNotFound)
}

// Feed returns the activity feed selected by q.
func (e *Engine) Feed(ctx context.Context, q FeedQuery) ([]*schema.ActivityItem, error) {
	k := cacheKey{view: ViewFeed, project: q.ProjectID, query: q.String()}
	return memo(e, k, func() ([]*schema.ActivityItem, error) {
		items, err := list[*schema.ActivityItem](ctx, e.store, schema.KindActivity, q.ProjectID)
		if err != nil {
			return nil, err
		}
		return FilterFeed(items, q), nil
	})
}

// BlockedTasks returns the blocked tasks of a project, or of every project
// when projectID is empty.
func (e *Engine) BlockedTasks(ctx context.Context, projectID string) ([]*schema.Task, error) {
	k := cacheKey{view: ViewBlocked, project: projectID}
	return memo(e, k, func() ([]*schema.Task, error) {
		tasks, err := list[*schema.Task](ctx, e.store, schema.KindTask, projectID)
		if err != nil {
			return nil, err
		}
		return BlockedTasks(tasks), nil
	})
}

// Presence returns the online users, most recently seen first.
func (e *Engine) Presence(ctx context.Context) ([]*schema.PresenceRecord, error) {
	k := cacheKey{view: ViewPresence}
	return memo(e, k, func() ([]*schema.PresenceRecord, error) {
		records, err := list[*schema.PresenceRecord](ctx, e.store, schema.KindPresence, "")
		if err != nil {
			return nil, err
		}
		return OnlineSnapshot(records), nil
	})
}

// Tasks returns the visible tasks of a project, or of every project when
// projectID is empty. Not cached.
func (e *Engine) Tasks(ctx context.Context, projectID string) ([]*schema.Task, error) {
	return list[*schema.Task](ctx, e.store, schema.KindTask, projectID)
}

// Conflicts returns the most recent conflicts, newest first.
func (e *Engine) Conflicts(ctx context.Context, limit int) ([]*store.ConflictRecord, error) {
	return e.store.Conflicts(ctx, limit)
}

// NormalizeMilestone recomputes progress and completion of a milestone
// candidate from the stored tasks. Other candidates pass through.
func (e *Engine) NormalizeMilestone(ctx context.Context, c schema.Candidate) (schema.Candidate, error) {
	if c.Kind != schema.KindMilestone || c.Deleted {
		return c, nil
	}
	ent, err := c.Decode()
	if err != nil {
		return c, err
	}
	m := ent.(*schema.Milestone)
	tasks, err := list[*schema.Task](ctx, e.store, schema.KindTask, m.ProjectID)
	if err != nil {
		return c, err
	}
	norm := WithProgress(m, tasks)
	if norm.Progress != m.Progress || norm.IsCompleted != m.IsCompleted {
		e.logger.Debug("overriding remote milestone progress",
			zap.String("milestone", m.ID),
			zap.Float64("remote", m.Progress),
			zap.Float64("local", norm.Progress))
	}
	return c.WithEntity(norm)
}

// OnConflict publishes a committed conflict to watchers.
func (e *Engine) OnConflict(rec *store.ConflictRecord) {
	e.logger.Info("conflict resolved",
		zap.String("entity", rec.Key().String()),
		zap.String("current", string(rec.Current.Source)),
		zap.String("candidate", string(rec.Candidate.Source)),
		zap.String("winner", string(rec.Winner)))
	e.invalidate(ViewConflicts, rec.Candidate.ProjectID)
}

func list[T schema.Entity](ctx context.Context, s *store.Store, kind schema.Kind, projectID string) ([]T, error) {
	rows, err := s.ListContext(ctx, kind, projectID)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(rows))
	for _, row := range rows {
		ent, err := row.Decode()
		if err != nil {
			return nil, err
		}
		v, ok := ent.(T)
		if !ok {
			return nil, fmt.Errorf("%w: %s decoded to %T", schema.ErrMalformedEntity, row.Key(), ent)
		}
		out = append(out, v)
	}
	return out, nil
}
