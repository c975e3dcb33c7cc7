package schema

import (
	"encoding/json"
	"fmt"
	"time"
)

// MutationOp names the kind of change a PendingMutation carries.
type MutationOp string

const (
	// OpTaskUpdate patches fields of an existing task. Payload: TaskPatch.
	OpTaskUpdate MutationOp = "task.update"

	// OpActivityCreate appends a client-identified activity item (comment,
	// nudge). Payload: ActivityItem.
	OpActivityCreate MutationOp = "activity.create"
)

// PendingMutation is a locally-originated change awaiting confirmation.
type PendingMutation struct {
	ID         string          `json:"id"`
	Seq        int64           `json:"seq"`
	EntityKind Kind            `json:"entityKind"`
	EntityID   string          `json:"entityId"`
	ProjectID  string          `json:"projectId"`
	Op         MutationOp      `json:"op"`
	Payload    json.RawMessage `json:"payload"`
	Status     MutationStatus  `json:"status"`
	Attempts   int             `json:"attempts"`
	LastError  string          `json:"lastError,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

// Key returns the address of the entity the mutation targets.
func (m *PendingMutation) Key() Key {
	return Key{Kind: m.EntityKind, ID: m.EntityID}
}

// Transition moves the mutation to next, rejecting illegal moves.
func (m *PendingMutation) Transition(next MutationStatus, at time.Time) error {
	if !m.Status.CanTransition(next) {
		return fmt.Errorf("illegal mutation transition %s -> %s for %s", m.Status, next, m.ID)
	}
	m.Status = next
	m.UpdatedAt = at
	return nil
}

// TaskPatch is the payload of OpTaskUpdate. Nil fields are left unchanged;
// an empty BlockerReason or AssignedTo clears the field.
type TaskPatch struct {
	Title         *string     `json:"title,omitempty"`
	Status        *TaskStatus `json:"status,omitempty"`
	Priority      *Priority   `json:"priority,omitempty"`
	BlockerReason *string     `json:"blockerReason,omitempty"`
	AssignedTo    *string     `json:"assignedTo,omitempty"`
	DueDate       *time.Time  `json:"dueDate,omitempty"`
	ClearDueDate  bool        `json:"clearDueDate,omitempty"`
}

// Validate checks that the patch changes something and uses valid values.
func (p TaskPatch) Validate() error {
	if p.Title == nil && p.Status == nil && p.Priority == nil && p.BlockerReason == nil &&
		p.AssignedTo == nil && p.DueDate == nil && !p.ClearDueDate {
		return fmt.Errorf("patch is empty")
	}
	if p.Title != nil && *p.Title == "" {
		return fmt.Errorf("title cannot be empty")
	}
	if p.Status != nil && !p.Status.Valid() {
		return fmt.Errorf("invalid status %q", *p.Status)
	}
	if p.Priority != nil && !p.Priority.Valid() {
		return fmt.Errorf("invalid priority %q", *p.Priority)
	}
	if p.DueDate != nil && p.ClearDueDate {
		return fmt.Errorf("dueDate and clearDueDate are mutually exclusive")
	}
	return nil
}

// Apply returns a copy of t with the patch applied.
func (p TaskPatch) Apply(t Task) Task {
	if p.Title != nil {
		t.Title = *p.Title
	}
	if p.Status != nil {
		t.Status = *p.Status
	}
	if p.Priority != nil {
		t.Priority = *p.Priority
	}
	if p.BlockerReason != nil {
		t.BlockerReason = *p.BlockerReason
	}
	if p.AssignedTo != nil {
		t.AssignedTo = *p.AssignedTo
	}
	if p.DueDate != nil {
		due := *p.DueDate
		t.DueDate = &due
	}
	if p.ClearDueDate {
		t.DueDate = nil
	}
	return t
}

// RequiredCapabilities lists what the actor needs to submit the patch.
func (p TaskPatch) RequiredCapabilities() []Capability {
	var caps []Capability
	if p.Title != nil || p.Status != nil || p.Priority != nil || p.DueDate != nil || p.ClearDueDate {
		caps = append(caps, CapEditTasks)
	}
	if p.AssignedTo != nil {
		caps = append(caps, CapAssignTasks)
	}
	if p.BlockerReason != nil {
		caps = append(caps, CapFlagBlockers)
	}
	return caps
}

// NewTaskUpdate builds a PENDING task.update mutation.
func NewTaskUpdate(id string, seq int64, projectID, taskID string, patch TaskPatch, now time.Time) (*PendingMutation, error) {
	if err := patch.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	payload, err := json.Marshal(patch)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal task patch: %w", err)
	}
	return &PendingMutation{
		ID:         id,
		Seq:        seq,
		EntityKind: KindTask,
		EntityID:   taskID,
		ProjectID:  projectID,
		Op:         OpTaskUpdate,
		Payload:    payload,
		Status:     MutationPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

// NewActivityCreate builds a PENDING activity.create mutation. The item id
// is client-generated and echoed by the server.
func NewActivityCreate(id string, seq int64, item *ActivityItem, now time.Time) (*PendingMutation, error) {
	if err := item.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	payload, err := json.Marshal(item)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal activity: %w", err)
	}
	return &PendingMutation{
		ID:         id,
		Seq:        seq,
		EntityKind: KindActivity,
		EntityID:   item.ID,
		ProjectID:  item.ProjectID,
		Op:         OpActivityCreate,
		Payload:    payload,
		Status:     MutationPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

// TaskPatch decodes the payload of a task.update mutation.
func (m *PendingMutation) TaskPatch() (TaskPatch, error) {
	var p TaskPatch
	if m.Op != OpTaskUpdate {
		return p, fmt.Errorf("mutation %s is %s, not %s", m.ID, m.Op, OpTaskUpdate)
	}
	if err := json.Unmarshal(m.Payload, &p); err != nil {
		return p, fmt.Errorf("failed to decode task patch for %s: %w", m.ID, err)
	}
	return p, nil
}

// Activity decodes the payload of an activity.create mutation.
func (m *PendingMutation) Activity() (*ActivityItem, error) {
	if m.Op != OpActivityCreate {
		return nil, fmt.Errorf("mutation %s is %s, not %s", m.ID, m.Op, OpActivityCreate)
	}
	var item ActivityItem
	if err := json.Unmarshal(m.Payload, &item); err != nil {
		return nil, fmt.Errorf("failed to decode activity for %s: %w", m.ID, err)
	}
	return &item, nil
}

// RequiredCapabilities lists what the actor needs to submit m.
func (m *PendingMutation) RequiredCapabilities() ([]Capability, error) {
	switch m.Op {
	case OpTaskUpdate:
		p, err := m.TaskPatch()
		if err != nil {
			return nil, err
		}
		return p.RequiredCapabilities(), nil
	case OpActivityCreate:
		item, err := m.Activity()
		if err != nil {
			return nil, err
		}
		return []Capability{activityCapability(item.Kind)}, nil
	}
	return nil, fmt.Errorf("unknown mutation op %q", m.Op)
}

// ApplyTo returns the optimistic state of the entity after m, given the
// state beneath it. A patch against a missing or deleted task leaves base
// untouched; the remote service will reject it.
func (m *PendingMutation) ApplyTo(base *Candidate) (*Candidate, error) {
	switch m.Op {
	case OpTaskUpdate:
		if base == nil || base.Deleted {
			return base, nil
		}
		patch, err := m.TaskPatch()
		if err != nil {
			return nil, err
		}
		e, err := base.Decode()
		if err != nil {
			return nil, err
		}
		task, ok := e.(*Task)
		if !ok {
			return nil, fmt.Errorf("mutation %s targets %s, not a task", m.ID, base.Key())
		}
		patched := patch.Apply(*task)
		next, err := base.WithEntity(&patched)
		if err != nil {
			return nil, err
		}
		next.Source = SourceLocal
		return &next, nil

	case OpActivityCreate:
		// Once the server has a version of the item, or deleted it, the
		// local copy adds nothing.
		if base != nil {
			return base, nil
		}
		item, err := m.Activity()
		if err != nil {
			return nil, err
		}
		next, err := NewCandidate(item, SourceLocal)
		if err != nil {
			return nil, err
		}
		return &next, nil
	}
	return nil, fmt.Errorf("unknown mutation op %q", m.Op)
}
