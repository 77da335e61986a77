// Package audit checks the bot's permissions and role hierarchy before any
// mutation is attempted.
package audit

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"price-presence-bot/internal/gateway"
)

// Policy selects which permission set the bot must hold.
type Policy string

const (
	// PolicyMinimal requires manage-roles, change-nickname and view-channel,
	// or administrator.
	PolicyMinimal Policy = "minimal"
	// PolicyAdministrator requires the administrator permission.
	PolicyAdministrator Policy = "administrator"
)

// ParsePolicy validates a policy name.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(s))) {
	case PolicyMinimal, "":
		return PolicyMinimal, nil
	case PolicyAdministrator:
		return PolicyAdministrator, nil
	default:
		return "", fmt.Errorf("unknown permission policy %q", s)
	}
}

// Report is the outcome of one audit. It is never reused across cycles.
type Report struct {
	HasManageRoles     bool
	HasChangeNickname  bool
	HasViewChannel     bool
	HasAdministrator   bool
	BotRolePosition    int
	TargetRolePosition int
	TargetRoleID       string
	TargetExists       bool
	Missing            []string
	OK                 bool
}

// PermissionsOK reports whether the permission half of the check passed.
func (r Report) PermissionsOK() bool {
	return len(r.Missing) == 0
}

// HierarchyOK reports whether the bot outranks the display role.
func (r Report) HierarchyOK() bool {
	return !r.TargetExists || r.BotRolePosition > r.TargetRolePosition
}

// Diagnostics returns operator-facing instructions for every failed check.
func (r Report) Diagnostics() []string {
	var out []string
	if !r.PermissionsOK() {
		out = append(out, fmt.Sprintf("grant the bot's role the missing permissions: %s", strings.Join(r.Missing, ", ")))
	}
	if !r.HierarchyOK() {
		out = append(out, fmt.Sprintf(
			"move the bot's highest role (position %d) above the display role (position %d) in Server Settings -> Roles",
			r.BotRolePosition, r.TargetRolePosition))
	}
	return out
}

// Auditor computes permission reports.
type Auditor struct {
	policy Policy
	logger zerolog.Logger
}

// New constructs an Auditor.
func New(policy Policy, logger zerolog.Logger) *Auditor {
	if policy == "" {
		policy = PolicyMinimal
	}
	return &Auditor{policy: policy, logger: logger.With().Str("component", "auditor").Logger()}
}

// Audit inspects the bot's effective permissions and its position relative to
// the display role named by rolePrefix. It never mutates anything.
func (a *Auditor) Audit(guild gateway.Guild, rolePrefix string) Report {
	perms := effectivePermissions(guild)
	admin := perms&gateway.PermAdministrator != 0

	report := Report{
		HasAdministrator:  admin,
		HasManageRoles:    admin || perms&gateway.PermManageRoles != 0,
		HasChangeNickname: admin || perms&gateway.PermChangeNickname != 0,
		HasViewChannel:    admin || perms&gateway.PermViewChannel != 0,
		BotRolePosition:   topPosition(guild),
	}

	switch a.policy {
	case PolicyAdministrator:
		if !admin {
			report.Missing = append(report.Missing, "Administrator")
		}
	default:
		if !report.HasManageRoles {
			report.Missing = append(report.Missing, "Manage Roles")
		}
		if !report.HasChangeNickname {
			report.Missing = append(report.Missing, "Change Nickname")
		}
		if !report.HasViewChannel {
			report.Missing = append(report.Missing, "View Channels")
		}
	}

	if target, ok := guild.RoleByPrefix(rolePrefix); ok {
		report.TargetExists = true
		report.TargetRoleID = target.ID
		report.TargetRolePosition = target.Position
	}

	report.OK = report.PermissionsOK() && report.HierarchyOK()

	a.logger.Debug().
		Bool("ok", report.OK).
		Strs("missing", report.Missing).
		Int("bot_position", report.BotRolePosition).
		Int("target_position", report.TargetRolePosition).
		Bool("target_exists", report.TargetExists).
		Msg("permission audit")
	return report
}

// effectivePermissions folds @everyone and every role the bot holds. The
// guild owner implicitly holds everything.
func effectivePermissions(guild gateway.Guild) int64 {
	if guild.OwnerID != "" && guild.OwnerID == guild.Self.UserID {
		return gateway.PermAdministrator
	}

	var perms int64
	if everyone, ok := guild.Everyone(); ok {
		perms |= everyone.Permissions
	}
	for _, r := range guild.SelfRoles() {
		perms |= r.Permissions
	}
	return perms
}

func topPosition(guild gateway.Guild) int {
	top := 0
	for _, r := range guild.SelfRoles() {
		if r.Position > top {
			top = r.Position
		}
	}
	return top
}
