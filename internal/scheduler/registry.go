package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Job is one unit of periodic work. It must be safe to run again after a
// failure.
type Job func(ctx context.Context) error

// RetryPolicy controls retries within a single tick. Only errors for which
// schema.IsRetryable is true are retried.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

type entry struct {
	tag      string
	interval time.Duration
	policy   RetryPolicy
	job      Job

	// kick requests an immediate run. Buffered with capacity one so
	// repeated requests before the run coalesce.
	kick   chan struct{}
	cancel context.CancelFunc
}

// Registry holds the periodic schedules. There is at most one active
// schedule per tag.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry

	// start launches an entry's loop. Nil until the scheduler runs, so
	// entries registered earlier are started by the scheduler itself.
	start func(*entry)
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Register adds a schedule. It returns false and changes nothing if a
// schedule with the same tag is already active.
func (r *Registry) Register(tag string, interval time.Duration, policy RetryPolicy, job Job) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[tag]; ok {
		return false
	}
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	e := &entry{
		tag:      tag,
		interval: interval,
		policy:   policy,
		job:      job,
		kick:     make(chan struct{}, 1),
	}
	r.entries[tag] = e
	if r.start != nil {
		r.start(e)
	}
	return true
}

// Unregister stops and removes a schedule. It reports whether one existed.
func (r *Registry) Unregister(tag string) bool {
	r.mu.Lock()
	e, ok := r.entries[tag]
	var cancel context.CancelFunc
	if ok {
		cancel = e.cancel
	}
	delete(r.entries, tag)
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return ok
}

// Trigger asks for an immediate run of tag. Requests made while a run is
// pending are merged into it. It reports whether tag is registered.
func (r *Registry) Trigger(tag string) bool {
	r.mu.Lock()
	e, ok := r.entries[tag]
	r.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case e.kick <- struct{}{}:
	default:
	}
	return true
}

// Tags returns the registered tags, sorted.
func (r *Registry) Tags() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	tags := make([]string, 0, len(r.entries))
	for tag := range r.entries {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// activate sets the start hook and starts every entry registered so far.
func (r *Registry) activate(start func(*entry)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.start = start
	for _, e := range r.entries {
		start(e)
	}
}

// deactivate clears the start hook.
func (r *Registry) deactivate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.start = nil
	for _, e := range r.entries {
		e.cancel = nil
	}
}
