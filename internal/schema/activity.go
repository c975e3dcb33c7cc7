package schema

import (
	"encoding/json"
	"fmt"
	"time"
)

// ActivityKind tags the variant held by an ActivityItem.
type ActivityKind string

const (
	ActivityTaskCompleted    ActivityKind = "TASK_COMPLETED"
	ActivityFileUploaded     ActivityKind = "FILE_UPLOADED"
	ActivityBlockerFlagged   ActivityKind = "BLOCKER_FLAGGED"
	ActivityFriendlyNudge    ActivityKind = "FRIENDLY_NUDGE"
	ActivityMilestoneCreated ActivityKind = "MILESTONE_CREATED"
	ActivityComment          ActivityKind = "COMMENT"
)

// ActivityItem is an immutable feed entry. Detail holds the kind-specific
// payload; use Decode to get at it.
type ActivityItem struct {
	ID        string          `json:"id"`
	ProjectID string          `json:"projectId"`
	ActorID   string          `json:"actorId"`
	Kind      ActivityKind    `json:"kind"`
	Timestamp time.Time       `json:"timestamp"`
	Detail    json.RawMessage `json:"detail"`
}

func (a *ActivityItem) EntityKind() Kind        { return KindActivity }
func (a *ActivityItem) EntityID() string        { return a.ID }
func (a *ActivityItem) EntityProjectID() string { return a.ProjectID }
func (a *ActivityItem) Version() time.Time      { return a.Timestamp }

// Validate checks required fields and that the detail decodes for its kind.
func (a *ActivityItem) Validate() error {
	if a.ID == "" {
		return fmt.Errorf("id is required")
	}
	if a.ProjectID == "" {
		return fmt.Errorf("projectId is required")
	}
	if a.Timestamp.IsZero() {
		return fmt.Errorf("timestamp is required")
	}
	if _, err := a.Decode(); err != nil {
		return err
	}
	return nil
}

// ActivityDetail is one of TaskCompleted, FileUploaded, BlockerFlagged,
// FriendlyNudge, MilestoneCreated or Comment.
type ActivityDetail interface {
	ActivityKind() ActivityKind
}

type TaskCompleted struct {
	TaskID    string `json:"taskId"`
	TaskTitle string `json:"taskTitle"`
}

type FileUploaded struct {
	FileID    string `json:"fileId"`
	FileName  string `json:"fileName"`
	SizeBytes int64  `json:"sizeBytes,omitempty"`
}

type BlockerFlagged struct {
	TaskID string `json:"taskId"`
	Reason string `json:"reason"`
}

type FriendlyNudge struct {
	TaskID       string `json:"taskId,omitempty"`
	TargetUserID string `json:"targetUserId"`
	Message      string `json:"message,omitempty"`
}

type MilestoneCreated struct {
	MilestoneID string `json:"milestoneId"`
	Title       string `json:"title"`
}

type Comment struct {
	TaskID string `json:"taskId,omitempty"`
	Body   string `json:"body"`
}

func (TaskCompleted) ActivityKind() ActivityKind    { return ActivityTaskCompleted }
func (FileUploaded) ActivityKind() ActivityKind     { return ActivityFileUploaded }
func (BlockerFlagged) ActivityKind() ActivityKind   { return ActivityBlockerFlagged }
func (FriendlyNudge) ActivityKind() ActivityKind    { return ActivityFriendlyNudge }
func (MilestoneCreated) ActivityKind() ActivityKind { return ActivityMilestoneCreated }
func (Comment) ActivityKind() ActivityKind          { return ActivityComment }

// Decode unmarshals Detail into the variant named by Kind.
func (a *ActivityItem) Decode() (ActivityDetail, error) {
	var (
		detail ActivityDetail
		err    error
	)
	switch a.Kind {
	case ActivityTaskCompleted:
		var d TaskCompleted
		err = decodeDetail(a.Detail, &d)
		if err == nil && d.TaskID == "" {
			err = fmt.Errorf("taskId is required")
		}
		detail = d
	case ActivityFileUploaded:
		var d FileUploaded
		err = decodeDetail(a.Detail, &d)
		if err == nil && d.FileName == "" {
			err = fmt.Errorf("fileName is required")
		}
		detail = d
	case ActivityBlockerFlagged:
		var d BlockerFlagged
		err = decodeDetail(a.Detail, &d)
		if err == nil && d.TaskID == "" {
			err = fmt.Errorf("taskId is required")
		}
		detail = d
	case ActivityFriendlyNudge:
		var d FriendlyNudge
		err = decodeDetail(a.Detail, &d)
		if err == nil && d.TargetUserID == "" {
			err = fmt.Errorf("targetUserId is required")
		}
		detail = d
	case ActivityMilestoneCreated:
		var d MilestoneCreated
		err = decodeDetail(a.Detail, &d)
		if err == nil && d.MilestoneID == "" {
			err = fmt.Errorf("milestoneId is required")
		}
		detail = d
	case ActivityComment:
		var d Comment
		err = decodeDetail(a.Detail, &d)
		if err == nil && d.Body == "" {
			err = fmt.Errorf("body is required")
		}
		detail = d
	default:
		return nil, fmt.Errorf("unknown activity kind %q", a.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("invalid %s detail: %w", a.Kind, err)
	}
	return detail, nil
}

func decodeDetail(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("detail is required")
	}
	return json.Unmarshal(raw, v)
}

// NewActivity builds an ActivityItem from a typed detail.
func NewActivity(id, projectID, actorID string, at time.Time, detail ActivityDetail) (*ActivityItem, error) {
	raw, err := json.Marshal(detail)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal activity detail: %w", err)
	}
	return &ActivityItem{
		ID:        id,
		ProjectID: projectID,
		ActorID:   actorID,
		Kind:      detail.ActivityKind(),
		Timestamp: at,
		Detail:    raw,
	}, nil
}
