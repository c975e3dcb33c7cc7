// Package sync feeds remote state into the local store.
//
// Every candidate fetched from the remote service goes through the merge
// applier one at a time, so pulls are idempotent: whatever the store
// already has at a newer version is kept.
package sync

import (
	"context"
	"fmt"

	"github.com/mschirtzinger/huddle/internal/merge"
	"github.com/mschirtzinger/huddle/internal/schema"
)

// Syncer keeps the local store in step with the remote service for the
// set of followed projects.
//
// Individual candidate failures never abort a pull. They are counted in the
// Result and the pull continues with the next candidate.
type Syncer interface {
	// PullProject fetches a full snapshot of one project and merges it.
	//
	// Concurrent pulls of the same project share one request and one
	// Result.
	//
	// Returns an error if the fetch fails. The error wraps one of the
	// schema sentinels (ErrTransientNetwork, ErrPermission...).
	PullProject(ctx context.Context, projectID string) (Result, error)

	// PullAll pulls every followed project and the presence list.
	//
	// Projects are pulled in parallel with a bounded number of requests in
	// flight. A failing project does not stop the others; the returned
	// error joins every failure.
	PullAll(ctx context.Context) (Result, error)

	// Heartbeat publishes the local user as online and merges the presence
	// records of everyone else.
	Heartbeat(ctx context.Context) error

	// Subscribe follows a project: it is persisted, registered on the
	// real-time channel and pulled once.
	Subscribe(ctx context.Context, projectID string) (Result, error)

	// Unsubscribe stops following a project. Rows already stored are kept.
	Unsubscribe(ctx context.Context, projectID string) error

	// Projects returns the followed project ids, sorted.
	Projects(ctx context.Context) ([]string, error)

	// Apply merges one candidate, counting the outcome into the returned
	// Result. It is the delivery target of the real-time channel.
	Apply(ctx context.Context, c schema.Candidate) (Result, error)
}

// Result counts merge outcomes of one sync operation.
type Result struct {
	Accepted  int `json:"accepted"`
	Rejected  int `json:"rejected"`
	Conflicts int `json:"conflicts"`
	Malformed int `json:"malformed"`
	Failed    int `json:"failed"`
}

// Add accumulates o into r.
func (r *Result) Add(o Result) {
	r.Accepted += o.Accepted
	r.Rejected += o.Rejected
	r.Conflicts += o.Conflicts
	r.Malformed += o.Malformed
	r.Failed += o.Failed
}

// Total returns the number of candidates the operation saw.
func (r Result) Total() int {
	return r.Accepted + r.Rejected + r.Conflicts + r.Malformed + r.Failed
}

func (r Result) String() string {
	return fmt.Sprintf("accepted=%d rejected=%d conflicts=%d malformed=%d failed=%d",
		r.Accepted, r.Rejected, r.Conflicts, r.Malformed, r.Failed)
}

func (r *Result) count(d merge.Decision, err error) {
	switch {
	case err != nil:
		r.Failed++
	case d.Outcome == merge.Accept:
		r.Accepted++
	case d.Outcome == merge.Conflict:
		r.Conflicts++
	case d.Reason == merge.ReasonMalformed:
		r.Malformed++
	default:
		r.Rejected++
	}
}
