package store

import "github.com/mschirtzinger/huddle/internal/schema"

// Change describes one committed entity write.
type Change struct {
	Kind      schema.Kind
	ID        string
	ProjectID string
	Deleted   bool

	// PrevProjectID is the project the entity belonged to before this
	// write, when it differs from ProjectID.
	PrevProjectID string
}

// Subscribe registers fn to be called after every committed entity write.
//
// fn runs synchronously on the writer's goroutine after the transaction has
// committed and must not block or write to the store. Call the returned
// function to unsubscribe.
func (s *Store) Subscribe(fn func(Change)) (unsubscribe func()) {
	s.subsMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subsMu.Unlock()

	return func() {
		s.subsMu.Lock()
		delete(s.subs, id)
		s.subsMu.Unlock()
	}
}

func (s *Store) publish(c Change) {
	s.subsMu.RLock()
	fns := make([]func(Change), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subsMu.RUnlock()

	for _, fn := range fns {
		fn(c)
	}
}
