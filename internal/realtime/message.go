package realtime

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/mschirtzinger/huddle/internal/schema"
)

// MessageType identifies a real-time message.
type MessageType string

const (
	MessageActivityUpdate   MessageType = "ACTIVITY_UPDATE"
	MessagePresenceUpdate   MessageType = "PRESENCE_UPDATE"
	MessageTaskStatusChange MessageType = "TASK_STATUS_CHANGE"
	MessageBlockerFlagged   MessageType = "BLOCKER_FLAGGED"
	MessageBlockerResolved  MessageType = "BLOCKER_RESOLVED"
	MessageFileUploaded     MessageType = "FILE_UPLOADED"
	MessageNudgeSent        MessageType = "NUDGE_SENT"
	MessageCommentAdded     MessageType = "COMMENT_ADDED"
	MessageEntityDeleted    MessageType = "ENTITY_DELETED"
	MessageError            MessageType = "ERROR"
	MessagePing             MessageType = "PING"
	MessagePong             MessageType = "PONG"

	// Sent by the client only.
	MessageSubscribe   MessageType = "SUBSCRIBE"
	MessageUnsubscribe MessageType = "UNSUBSCRIBE"
)

// Message is one text frame on the channel.
type Message struct {
	Type      MessageType `json:"type"`
	Data      *Payload    `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Payload carries whichever entities the message is about.
type Payload struct {
	Task      json.RawMessage  `json:"task,omitempty"`
	Milestone json.RawMessage  `json:"milestone,omitempty"`
	Project   json.RawMessage  `json:"project,omitempty"`
	Activity  json.RawMessage  `json:"activity,omitempty"`
	Presence  json.RawMessage  `json:"presence,omitempty"`
	Deleted   *schema.Deletion `json:"deleted,omitempty"`

	// SUBSCRIBE / UNSUBSCRIBE
	ProjectIDs []string `json:"projectIds,omitempty"`

	// ERROR
	Message string `json:"message,omitempty"`
}

// Candidates validates msg against its type and converts every entity it
// carries into an EVENT candidate. Errors wrap schema.ErrMalformedEntity.
func Candidates(msg Message) ([]schema.Candidate, error) {
	p := msg.Data
	if p == nil {
		return nil, fmt.Errorf("%w: %s message has no data", schema.ErrMalformedEntity, msg.Type)
	}

	switch msg.Type {
	case MessageTaskStatusChange:
		if _, err := decodeTask(p); err != nil {
			return nil, err
		}
	case MessageBlockerFlagged, MessageBlockerResolved:
		task, err := decodeTask(p)
		if err != nil {
			return nil, err
		}
		if flagged := msg.Type == MessageBlockerFlagged; task.IsBlocked() != flagged {
			return nil, fmt.Errorf("%w: %s for task %s with blocker %q", schema.ErrMalformedEntity, msg.Type, task.ID, task.BlockerReason)
		}
	case MessageFileUploaded:
		if err := requireActivity(p, schema.ActivityFileUploaded); err != nil {
			return nil, err
		}
	case MessageNudgeSent:
		if err := requireActivity(p, schema.ActivityFriendlyNudge); err != nil {
			return nil, err
		}
	case MessageCommentAdded:
		if err := requireActivity(p, schema.ActivityComment); err != nil {
			return nil, err
		}
	case MessageActivityUpdate:
		if err := requireActivity(p, ""); err != nil {
			return nil, err
		}
	case MessagePresenceUpdate:
		if len(p.Presence) == 0 {
			return nil, fmt.Errorf("%w: %s without presence", schema.ErrMalformedEntity, msg.Type)
		}
	case MessageEntityDeleted:
		if p.Deleted == nil || !p.Deleted.Kind.Valid() || p.Deleted.ID == "" {
			return nil, fmt.Errorf("%w: %s without a valid deletion", schema.ErrMalformedEntity, msg.Type)
		}
	default:
		return nil, fmt.Errorf("%w: unexpected message type %q", schema.ErrMalformedEntity, msg.Type)
	}

	var cands []schema.Candidate
	for _, e := range []struct {
		kind schema.Kind
		raw  json.RawMessage
	}{
		{schema.KindProject, p.Project},
		{schema.KindMilestone, p.Milestone},
		{schema.KindTask, p.Task},
		{schema.KindActivity, p.Activity},
		{schema.KindPresence, p.Presence},
	} {
		if len(e.raw) > 0 {
			cands = append(cands, schema.CandidateFromJSON(e.kind, e.raw, schema.SourceEvent))
		}
	}
	if p.Deleted != nil {
		cands = append(cands, p.Deleted.Candidate(schema.SourceEvent))
	}
	return cands, nil
}

func decodeTask(p *Payload) (*schema.Task, error) {
	if len(p.Task) == 0 {
		return nil, fmt.Errorf("%w: message without task", schema.ErrMalformedEntity)
	}
	var task schema.Task
	if err := json.Unmarshal(p.Task, &task); err != nil {
		return nil, fmt.Errorf("%w: task: %v", schema.ErrMalformedEntity, err)
	}
	return &task, nil
}

// requireActivity checks the payload carries an activity item, of kind
// want unless want is empty.
func requireActivity(p *Payload, want schema.ActivityKind) error {
	if len(p.Activity) == 0 {
		return fmt.Errorf("%w: message without activity", schema.ErrMalformedEntity)
	}
	var item schema.ActivityItem
	if err := json.Unmarshal(p.Activity, &item); err != nil {
		return fmt.Errorf("%w: activity: %v", schema.ErrMalformedEntity, err)
	}
	if want != "" && item.Kind != want {
		return fmt.Errorf("%w: expected %s activity, got %s", schema.ErrMalformedEntity, want, item.Kind)
	}
	return nil
}
