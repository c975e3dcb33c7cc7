package schema

// Kind identifies an entity table in the local store.
type Kind string

const (
	KindProject   Kind = "project"
	KindMilestone Kind = "milestone"
	KindTask      Kind = "task"
	KindActivity  Kind = "activity"
	KindPresence  Kind = "presence"
)

// Kinds lists every entity kind in dependency order.
var Kinds = []Kind{KindProject, KindMilestone, KindTask, KindActivity, KindPresence}

// Valid reports whether k is a known entity kind.
func (k Kind) Valid() bool {
	switch k {
	case KindProject, KindMilestone, KindTask, KindActivity, KindPresence:
		return true
	}
	return false
}

// Source records where a candidate came from.
type Source string

const (
	// SourcePull is a bulk fetch from the request/response API.
	SourcePull Source = "PULL"

	// SourceEvent is an incremental real-time event.
	SourceEvent Source = "EVENT"

	// SourceLocalConfirm is the server echo of a locally-originated mutation.
	SourceLocalConfirm Source = "LOCAL_CONFIRM"

	// SourceLocal marks an optimistic overlay written before confirmation.
	// Network code never produces it.
	SourceLocal Source = "LOCAL"
)

// Rank orders sources for equal-version conflicts. Higher wins.
func (s Source) Rank() int {
	switch s {
	case SourcePull:
		return 1
	case SourceEvent:
		return 2
	case SourceLocalConfirm:
		return 3
	case SourceLocal:
		return 4
	}
	return 0
}

// TaskStatus is the workflow state of a task.
type TaskStatus string

const (
	StatusTodo       TaskStatus = "TODO"
	StatusInProgress TaskStatus = "IN_PROGRESS"
	StatusCritical   TaskStatus = "CRITICAL"
	StatusDone       TaskStatus = "DONE"
	StatusBacklog    TaskStatus = "BACKLOG"
)

// TaskStatuses lists the statuses in board order.
var TaskStatuses = []TaskStatus{StatusBacklog, StatusTodo, StatusInProgress, StatusCritical, StatusDone}

// Valid reports whether s is a known status.
func (s TaskStatus) Valid() bool {
	switch s {
	case StatusTodo, StatusInProgress, StatusCritical, StatusDone, StatusBacklog:
		return true
	}
	return false
}

// Priority is the urgency of a task.
type Priority string

const (
	PriorityLow      Priority = "LOW"
	PriorityMedium   Priority = "MEDIUM"
	PriorityHigh     Priority = "HIGH"
	PriorityCritical Priority = "CRITICAL"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// RiskLevel classifies how close a task is to missing its deadline.
type RiskLevel string

const (
	RiskNormal   RiskLevel = "NORMAL"
	RiskWarning  RiskLevel = "WARNING"
	RiskCritical RiskLevel = "CRITICAL"
)

// MutationStatus is the lifecycle state of a PendingMutation.
type MutationStatus string

const (
	MutationPending   MutationStatus = "PENDING"
	MutationInFlight  MutationStatus = "IN_FLIGHT"
	MutationConfirmed MutationStatus = "CONFIRMED"
	MutationFailed    MutationStatus = "FAILED"
)

// Terminal reports whether no further transitions happen without an explicit retry.
func (s MutationStatus) Terminal() bool {
	return s == MutationConfirmed || s == MutationFailed
}

// CanTransition reports whether moving from s to next is legal.
func (s MutationStatus) CanTransition(next MutationStatus) bool {
	switch s {
	case MutationPending:
		return next == MutationInFlight || next == MutationFailed
	case MutationInFlight:
		// IN_FLIGHT -> PENDING only happens when a restarted process requeues work.
		return next == MutationConfirmed || next == MutationFailed || next == MutationPending
	case MutationFailed:
		return next == MutationPending
	}
	return false
}
