package schema

import (
	"fmt"
	"slices"
	"time"
)

// Entity is implemented by every kind the local store holds.
type Entity interface {
	EntityKind() Kind
	EntityID() string
	EntityProjectID() string
	// Version is the server-assigned timestamp used for last-write-wins.
	Version() time.Time
	Validate() error
}

// Project is a shared workspace.
type Project struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	OwnerID     string    `json:"ownerId"`
	MemberIDs   []string  `json:"memberIds"`
	Archived    bool      `json:"archived"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

func (p *Project) EntityKind() Kind        { return KindProject }
func (p *Project) EntityID() string        { return p.ID }
func (p *Project) EntityProjectID() string { return p.ID }
func (p *Project) Version() time.Time      { return p.UpdatedAt }

// Validate checks required fields and that the owner is a member.
func (p *Project) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("id is required")
	}
	if p.Name == "" {
		return fmt.Errorf("name is required")
	}
	if p.OwnerID == "" {
		return fmt.Errorf("ownerId is required")
	}
	if !slices.Contains(p.MemberIDs, p.OwnerID) {
		return fmt.Errorf("owner %s is not a member of project %s", p.OwnerID, p.ID)
	}
	if p.UpdatedAt.IsZero() {
		return fmt.Errorf("updatedAt is required")
	}
	return nil
}

// Milestone groups tasks toward a due date. Progress and IsCompleted are
// recomputed locally from the task set; remote values are advisory.
type Milestone struct {
	ID          string     `json:"id"`
	ProjectID   string     `json:"projectId"`
	Title       string     `json:"title"`
	DueDate     *time.Time `json:"dueDate,omitempty"`
	Progress    float64    `json:"progress"`
	IsCompleted bool       `json:"isCompleted"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

func (m *Milestone) EntityKind() Kind        { return KindMilestone }
func (m *Milestone) EntityID() string        { return m.ID }
func (m *Milestone) EntityProjectID() string { return m.ProjectID }
func (m *Milestone) Version() time.Time      { return m.UpdatedAt }

// Validate checks required fields and the progress range.
func (m *Milestone) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("id is required")
	}
	if m.ProjectID == "" {
		return fmt.Errorf("projectId is required")
	}
	if m.Title == "" {
		return fmt.Errorf("title is required")
	}
	if m.Progress < 0 || m.Progress > 1 {
		return fmt.Errorf("progress must be between 0 and 1 (got %v)", m.Progress)
	}
	if m.UpdatedAt.IsZero() {
		return fmt.Errorf("updatedAt is required")
	}
	return nil
}

// Task is a unit of work inside a project.
type Task struct {
	ID            string     `json:"id"`
	ProjectID     string     `json:"projectId"`
	MilestoneID   string     `json:"milestoneId,omitempty"`
	Title         string     `json:"title"`
	Description   string     `json:"description,omitempty"`
	Status        TaskStatus `json:"status"`
	Priority      Priority   `json:"priority"`
	BlockerReason string     `json:"blockerReason,omitempty"`
	AssignedTo    string     `json:"assignedTo,omitempty"`
	DueDate       *time.Time `json:"dueDate,omitempty"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

func (t *Task) EntityKind() Kind        { return KindTask }
func (t *Task) EntityID() string        { return t.ID }
func (t *Task) EntityProjectID() string { return t.ProjectID }
func (t *Task) Version() time.Time      { return t.UpdatedAt }

// IsBlocked reports whether a blocker has been flagged on the task.
func (t *Task) IsBlocked() bool {
	return t.BlockerReason != ""
}

// Validate checks required fields and enum values.
func (t *Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("id is required")
	}
	if t.ProjectID == "" {
		return fmt.Errorf("projectId is required")
	}
	if t.Title == "" {
		return fmt.Errorf("title is required")
	}
	if len(t.Title) > 500 {
		return fmt.Errorf("title must be 500 characters or less (got %d)", len(t.Title))
	}
	if !t.Status.Valid() {
		return fmt.Errorf("invalid status %q", t.Status)
	}
	if !t.Priority.Valid() {
		return fmt.Errorf("invalid priority %q", t.Priority)
	}
	if t.UpdatedAt.IsZero() {
		return fmt.Errorf("updatedAt is required")
	}
	return nil
}

// PresenceRecord is a user's online status. Last writer by LastSeen wins.
type PresenceRecord struct {
	UserID           string    `json:"userId"`
	IsOnline         bool      `json:"isOnline"`
	LastSeen         time.Time `json:"lastSeen"`
	CurrentProjectID string    `json:"currentProjectId,omitempty"`
}

func (p *PresenceRecord) EntityKind() Kind        { return KindPresence }
func (p *PresenceRecord) EntityID() string        { return p.UserID }
func (p *PresenceRecord) EntityProjectID() string { return p.CurrentProjectID }
func (p *PresenceRecord) Version() time.Time      { return p.LastSeen }

// Validate checks required fields.
func (p *PresenceRecord) Validate() error {
	if p.UserID == "" {
		return fmt.Errorf("userId is required")
	}
	if p.LastSeen.IsZero() {
		return fmt.Errorf("lastSeen is required")
	}
	return nil
}
