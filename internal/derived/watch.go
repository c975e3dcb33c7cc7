package derived

import (
	"context"
	"slices"
	"strings"
	"sync"
)

// watcher coalesces updates between reads: an update that is already
// pending is not queued twice.
type watcher struct {
	mu      sync.Mutex
	pending map[Update]struct{}
	signal  chan struct{}
}

func (w *watcher) add(u Update) {
	w.mu.Lock()
	w.pending[u] = struct{}{}
	w.mu.Unlock()
	select {
	case w.signal <- struct{}{}:
	default:
	}
}

func (w *watcher) drain() []Update {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Update, 0, len(w.pending))
	for u := range w.pending {
		out = append(out, u)
	}
	clear(w.pending)
	slices.SortFunc(out, func(a, b Update) int {
		if c := strings.Compare(string(a.View), string(b.View)); c != 0 {
			return c
		}
		return strings.Compare(a.ProjectID, b.ProjectID)
	})
	return out
}

// Watch returns a channel of view updates. Updates that pile up while the
// consumer is busy are coalesced. The channel is closed when ctx is done.
func (e *Engine) Watch(ctx context.Context) <-chan Update {
	w := &watcher{
		pending: make(map[Update]struct{}),
		signal:  make(chan struct{}, 1),
	}
	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.watchers[id] = w
	e.mu.Unlock()

	out := make(chan Update)
	go func() {
		defer close(out)
		defer func() {
			e.mu.Lock()
			delete(e.watchers, id)
			e.mu.Unlock()
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case <-w.signal:
			}
			for _, u := range w.drain() {
				select {
				case out <- u:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}
