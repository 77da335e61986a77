// Package reconcile applies a display state to the guild: the display role,
// the bot's nickname and its presence.
package reconcile

import "errors"

var (
	// ErrPermissionBlocked means the audit found missing permissions, so the
	// edit was not attempted.
	ErrPermissionBlocked = errors.New("role edit blocked by missing permissions")
	// ErrHierarchyViolation means the display role is not below the bot's
	// highest role. Transient: an administrator can reorder roles live.
	ErrHierarchyViolation = errors.New("display role outranks the bot")
	// ErrRoleCreateForbidden means the display role is absent and cannot be created.
	ErrRoleCreateForbidden = errors.New("display role creation forbidden")
)

// RoleStatus is the terminal state of one role reconciliation.
type RoleStatus int

// Role reconciliation results.
const (
	RoleUnchanged RoleStatus = iota
	RoleCreated
	RoleUpdated
	RolePermissionBlocked
	RoleHierarchyViolation
	RoleCreateForbidden
	RoleFailed
)

func (s RoleStatus) String() string {
	switch s {
	case RoleUnchanged:
		return "unchanged"
	case RoleCreated:
		return "created"
	case RoleUpdated:
		return "updated"
	case RolePermissionBlocked:
		return "permission_blocked"
	case RoleHierarchyViolation:
		return "hierarchy_violation"
	case RoleCreateForbidden:
		return "create_forbidden"
	case RoleFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Authorization reports whether the status is an authorization problem an
// operator has to fix.
func (s RoleStatus) Authorization() bool {
	return s == RolePermissionBlocked || s == RoleHierarchyViolation || s == RoleCreateForbidden
}

// NicknameStatus is the result of the nickname step.
type NicknameStatus int

// Nickname results.
const (
	NicknameSkipped NicknameStatus = iota
	NicknameUnchanged
	NicknameUpdated
	NicknameFailed
)

func (s NicknameStatus) String() string {
	switch s {
	case NicknameSkipped:
		return "skipped"
	case NicknameUnchanged:
		return "unchanged"
	case NicknameUpdated:
		return "updated"
	case NicknameFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// RoleOutcome summarises a role reconciliation.
type RoleOutcome struct {
	Status      RoleStatus
	RoleID      string
	Calls       int
	Missing     []string
	Nickname    NicknameStatus
	Err         error
	NicknameErr error
}

// Succeeded reports whether the role and nickname both reached the desired state.
func (o RoleOutcome) Succeeded() bool {
	switch o.Status {
	case RoleCreated, RoleUpdated, RoleUnchanged:
	default:
		return false
	}
	return o.Err == nil && o.Nickname != NicknameFailed && o.Nickname != NicknameSkipped
}

// PresenceOutcome summarises a presence update.
type PresenceOutcome struct {
	Text    string
	Applied bool
	Err     error
}
