package schema

import "slices"

// Role is a member's role within a project.
type Role string

const (
	RoleOwner   Role = "OWNER"
	RoleManager Role = "MANAGER"
	RoleMember  Role = "MEMBER"
	RoleViewer  Role = "VIEWER"
)

// Capability is an action a role may be allowed to take.
type Capability string

const (
	CapEditTasks        Capability = "EDIT_TASKS"
	CapAssignTasks      Capability = "ASSIGN_TASKS"
	CapFlagBlockers     Capability = "FLAG_BLOCKERS"
	CapSendNudges       Capability = "SEND_NUDGES"
	CapComment          Capability = "COMMENT"
	CapManageMilestones Capability = "MANAGE_MILESTONES"
	CapManageMembers    Capability = "MANAGE_MEMBERS"
)

var roleCapabilities = map[Role][]Capability{
	RoleOwner: {
		CapEditTasks,
		CapAssignTasks,
		CapFlagBlockers,
		CapSendNudges,
		CapComment,
		CapManageMilestones,
		CapManageMembers,
	},
	RoleManager: {
		CapEditTasks,
		CapAssignTasks,
		CapFlagBlockers,
		CapSendNudges,
		CapComment,
		CapManageMilestones,
	},
	RoleMember: {
		CapEditTasks,
		CapFlagBlockers,
		CapSendNudges,
		CapComment,
	},
	RoleViewer: {
		CapComment,
	},
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	_, ok := roleCapabilities[r]
	return ok
}

// HasCapability reports whether role grants capability. Unknown roles grant
// nothing.
func HasCapability(role Role, capability Capability) bool {
	caps, ok := roleCapabilities[role]
	if !ok {
		return false
	}
	return slices.Contains(caps, capability)
}

// MissingCapability returns the first of caps that role lacks, or "".
func MissingCapability(role Role, caps []Capability) Capability {
	for _, c := range caps {
		if !HasCapability(role, c) {
			return c
		}
	}
	return ""
}

func activityCapability(kind ActivityKind) Capability {
	switch kind {
	case ActivityFriendlyNudge:
		return CapSendNudges
	case ActivityBlockerFlagged:
		return CapFlagBlockers
	case ActivityMilestoneCreated:
		return CapManageMilestones
	case ActivityTaskCompleted:
		return CapEditTasks
	case ActivityComment, ActivityFileUploaded:
		return CapComment
	}
	return CapManageMembers
}
