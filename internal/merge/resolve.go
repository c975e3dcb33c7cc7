// Package merge decides which entity versions become visible locally.
//
// Resolve is a pure function from (current accepted state, candidate) to a
// Decision. The Applier wraps it with a per-entity lock, writes accepted
// states to the store and folds pending optimistic mutations back on top.
package merge

import (
	"time"

	"github.com/mschirtzinger/huddle/internal/schema"
)

// Outcome is the result class of a merge decision.
type Outcome int

const (
	Accept Outcome = iota
	Reject
	Conflict
)

func (o Outcome) String() string {
	switch o {
	case Accept:
		return "accept"
	case Reject:
		return "reject"
	case Conflict:
		return "conflict"
	}
	return "unknown"
}

// Reason explains a rejection.
type Reason string

const (
	ReasonNone      Reason = ""
	ReasonStale     Reason = "stale"
	ReasonDuplicate Reason = "duplicate"
	ReasonMalformed Reason = "malformed"
)

// Decision is the typed result of Resolve. For Accept, Winner is the state
// to store. For Conflict, Winner is whichever of Current and Candidate the
// source policy picked. For Reject, Winner is nil.
type Decision struct {
	Outcome   Outcome
	Reason    Reason
	Err       error
	Current   *schema.Candidate
	Candidate schema.Candidate
	Winner    *schema.Candidate
}

// Writes reports whether the decision changes the stored state.
func (d Decision) Writes() bool {
	return d.Winner != nil && d.Winner != d.Current
}

// Resolve decides what to do with candidate given the current accepted
// state (nil if the entity is unknown locally).
//
// Versions are server timestamps. A newer candidate wins. Tombstones win
// regardless of order and are terminal: ids are never reused, so no live
// state is accepted over one. Equal versions with the same content only
// upgrade the stored source rank. Equal versions with different content
// are conflicts, settled by source rank. Equal ranks fall back to
// comparing content so every arrival order converges on the same winner.
func Resolve(current *schema.Candidate, candidate schema.Candidate) Decision {
	d := Decision{Current: current, Candidate: candidate}

	if err := candidate.Validate(); err != nil {
		d.Outcome = Reject
		d.Reason = ReasonMalformed
		d.Err = err
		return d
	}

	if current == nil {
		d.Outcome = Accept
		d.Winner = &candidate
		return d
	}

	if candidate.Deleted {
		if current.Deleted && !candidate.UpdatedAt.After(current.UpdatedAt) {
			d.Outcome = Reject
			d.Reason = ReasonDuplicate
			return d
		}
		tomb := candidate
		tomb.UpdatedAt = latest(current.UpdatedAt, candidate.UpdatedAt)
		if tomb.ProjectID == "" {
			tomb.ProjectID = current.ProjectID
		}
		d.Outcome = Accept
		d.Winner = &tomb
		return d
	}

	switch {
	case current.Deleted, candidate.UpdatedAt.Before(current.UpdatedAt):
		d.Outcome = Reject
		d.Reason = ReasonStale
		return d
	case candidate.UpdatedAt.After(current.UpdatedAt):
		d.Outcome = Accept
		d.Winner = &candidate
		return d
	}

	if candidate.SameContent(*current) {
		// The stored source must be the highest rank seen for this
		// content, or a later equal-version conflict depends on order.
		if candidate.Source.Rank() > current.Source.Rank() {
			d.Outcome = Accept
			d.Winner = &candidate
			return d
		}
		d.Outcome = Reject
		d.Reason = ReasonDuplicate
		return d
	}

	d.Outcome = Conflict
	switch cr, kr := candidate.Source.Rank(), current.Source.Rank(); {
	case cr > kr, cr == kr && candidate.CompareContent(*current) > 0:
		d.Winner = &candidate
	default:
		d.Winner = current
	}
	return d
}

func latest(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
