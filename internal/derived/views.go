// Package derived computes read-only views over the merged entity state:
// milestone progress, activity feeds, blocked tasks and online presence.
//
// The functions in this file are pure. Engine wraps them with a memo cache
// that is invalidated by store changes.
package derived

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/mschirtzinger/huddle/internal/schema"
)

// Progress returns the fraction of the milestone's tasks that are DONE and
// whether the milestone is complete. A milestone without tasks has progress
// 0 and is not complete.
func Progress(tasks []*schema.Task, milestoneID string) (progress float64, completed bool) {
	var total, done int
	for _, t := range tasks {
		if t.MilestoneID != milestoneID {
			continue
		}
		total++
		if t.Status == schema.StatusDone {
			done++
		}
	}
	if total == 0 {
		return 0, false
	}
	return float64(done) / float64(total), done == total
}

// WithProgress returns a copy of m with Progress and IsCompleted computed
// from tasks.
func WithProgress(m *schema.Milestone, tasks []*schema.Task) *schema.Milestone {
	out := *m
	out.Progress, out.IsCompleted = Progress(tasks, m.ID)
	return &out
}

// SortFeed orders items newest first. Equal timestamps are ordered by id
// descending, so the order is total.
func SortFeed(items []*schema.ActivityItem) {
	slices.SortStableFunc(items, func(a, b *schema.ActivityItem) int {
		if c := b.Timestamp.Compare(a.Timestamp); c != 0 {
			return c
		}
		return strings.Compare(b.ID, a.ID)
	})
}

// FeedQuery selects one feed view. An empty ProjectID is the global feed.
// A UserID narrows the feed to items the user took part in.
type FeedQuery struct {
	ProjectID string
	UserID    string
	Limit     int
}

func (q FeedQuery) String() string {
	return fmt.Sprintf("feed:%s:%s:%d", q.ProjectID, q.UserID, q.Limit)
}

// FilterFeed returns the items matching q, sorted and truncated to q.Limit
// (no limit when Limit <= 0). items is not modified.
func FilterFeed(items []*schema.ActivityItem, q FeedQuery) []*schema.ActivityItem {
	out := make([]*schema.ActivityItem, 0, len(items))
	for _, it := range items {
		if q.ProjectID != "" && it.ProjectID != q.ProjectID {
			continue
		}
		if q.UserID != "" && !Involves(it, q.UserID) {
			continue
		}
		out = append(out, it)
	}
	SortFeed(out)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

// Involves reports whether userID is the actor of the item or its target.
// Items whose detail cannot be decoded involve only their actor.
func Involves(it *schema.ActivityItem, userID string) bool {
	if it.ActorID == userID {
		return true
	}
	detail, err := it.Decode()
	if err != nil {
		return false
	}
	switch d := detail.(type) {
	case schema.FriendlyNudge:
		return d.TargetUserID == userID
	case schema.TaskCompleted, schema.FileUploaded, schema.BlockerFlagged,
		schema.MilestoneCreated, schema.Comment:
		return false
	}
	return false
}

// BlockedTasks returns the tasks with a blocker, most urgent first.
func BlockedTasks(tasks []*schema.Task) []*schema.Task {
	var out []*schema.Task
	for _, t := range tasks {
		if t.IsBlocked() {
			out = append(out, t)
		}
	}
	slices.SortFunc(out, func(a, b *schema.Task) int {
		if c := priorityRank(b.Priority) - priorityRank(a.Priority); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

func priorityRank(p schema.Priority) int {
	switch p {
	case schema.PriorityCritical:
		return 3
	case schema.PriorityHigh:
		return 2
	case schema.PriorityMedium:
		return 1
	}
	return 0
}

// OnlineSnapshot returns the online users, most recently seen first.
func OnlineSnapshot(records []*schema.PresenceRecord) []*schema.PresenceRecord {
	var out []*schema.PresenceRecord
	for _, r := range records {
		if r.IsOnline {
			out = append(out, r)
		}
	}
	slices.SortFunc(out, func(a, b *schema.PresenceRecord) int {
		if c := b.LastSeen.Compare(a.LastSeen); c != 0 {
			return c
		}
		return strings.Compare(a.UserID, b.UserID)
	})
	return out
}

// Summarize renders a one-line description of an activity item.
func Summarize(it *schema.ActivityItem) (string, error) {
	detail, err := it.Decode()
	if err != nil {
		return "", fmt.Errorf("%w: activity %s: %v", schema.ErrMalformedEntity, it.ID, err)
	}
	switch d := detail.(type) {
	case schema.TaskCompleted:
		return fmt.Sprintf("%s completed %q", it.ActorID, d.TaskTitle), nil
	case schema.FileUploaded:
		return fmt.Sprintf("%s uploaded %s", it.ActorID, d.FileName), nil
	case schema.BlockerFlagged:
		return fmt.Sprintf("%s flagged a blocker on %s: %s", it.ActorID, d.TaskID, d.Reason), nil
	case schema.FriendlyNudge:
		if d.Message != "" {
			return fmt.Sprintf("%s nudged %s: %s", it.ActorID, d.TargetUserID, d.Message), nil
		}
		return fmt.Sprintf("%s nudged %s", it.ActorID, d.TargetUserID), nil
	case schema.MilestoneCreated:
		return fmt.Sprintf("%s created milestone %q", it.ActorID, d.Title), nil
	case schema.Comment:
		if d.TaskID != "" {
			return fmt.Sprintf("%s commented on %s: %s", it.ActorID, d.TaskID, d.Body), nil
		}
		return fmt.Sprintf("%s commented: %s", it.ActorID, d.Body), nil
	}
	return "", fmt.Errorf("%w: activity %s has unhandled kind %s", schema.ErrMalformedEntity, it.ID, it.Kind)
}

// Stale reports whether a presence record has not been refreshed within
// ttl of now. Stale records are still returned by OnlineSnapshot; callers
// decide whether to show them.
func Stale(r *schema.PresenceRecord, now time.Time, ttl time.Duration) bool {
	return now.Sub(r.LastSeen) > ttl
}
