// Package schema defines the entities huddle keeps in its local store.
//
// # Overview
//
// Every entity that reaches the local store does so as a Candidate: a small
// envelope carrying the entity kind, its id, the owning project, the
// server-assigned version timestamp, a tombstone flag, the source it arrived
// from and the entity itself as raw JSON. Pull responses, real-time events
// and confirmed local mutations all produce candidates, and the merge layer
// decides which of them become visible.
//
// # Entities
//
//   - Project: name, owner, members, archival flag
//   - Milestone: belongs to a project; progress and completion are derived
//   - Task: belongs to a project and optionally a milestone
//   - ActivityItem: immutable feed entry, a variant over six kinds
//   - PresenceRecord: per-user online status, versioned by lastSeen
//
// PendingMutation is not an entity. It records a locally-originated change
// that has been applied optimistically and is waiting on the remote service.
//
// # Usage Examples
//
// Wrapping a task fetched from the API:
//
//	cand, err := schema.NewCandidate(task, schema.SourcePull)
//	if err != nil {
//	    return err
//	}
//
// Recording a deletion:
//
//	cand := schema.Tombstone(schema.KindTask, "t-1", "p-1", deletedAt, schema.SourceEvent)
//
// Decoding a stored candidate back into its entity:
//
//	entity, err := cand.Decode()
//	task, ok := entity.(*schema.Task)
package schema
