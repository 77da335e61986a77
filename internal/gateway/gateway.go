// Package gateway is the capability surface the bot consumes from the chat
// platform. The connection handshake, heartbeats and reconnects belong to the
// underlying SDK; callers only see the operations below and their errors.
package gateway

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrFatalAuth means the credential was rejected; nothing short of
	// operator intervention fixes it.
	ErrFatalAuth = errors.New("gateway: authentication rejected")
	// ErrForbidden is a permission failure on a single call.
	ErrForbidden = errors.New("gateway: forbidden")
	// ErrTransient covers network-level failures and unexpected responses.
	ErrTransient = errors.New("gateway: transient failure")
)

// Permission bits, as defined by the platform.
const (
	PermViewChannel    int64 = 1 << 10
	PermChangeNickname int64 = 1 << 26
	PermManageRoles    int64 = 1 << 28
	PermAdministrator  int64 = 1 << 3
)

// Role is a guild role as seen by the bot.
type Role struct {
	ID          string
	Name        string
	Color       int
	Position    int
	Permissions int64
	Hoist       bool
	Mentionable bool
	Managed     bool
}

// Member is the bot's own guild membership.
type Member struct {
	UserID  string
	Nick    string
	RoleIDs []string
}

// Guild is a point-in-time snapshot of what the reconcilers need.
type Guild struct {
	ID      int64
	Name    string
	OwnerID string
	Roles   []Role
	Self    Member
}

// Everyone returns the @everyone role, whose ID equals the guild ID.
func (g Guild) Everyone() (Role, bool) {
	id := formatID(g.ID)
	for _, r := range g.Roles {
		if r.ID == id {
			return r, true
		}
	}
	return Role{}, false
}

// SelfRoles returns the roles held by the bot, excluding @everyone.
func (g Guild) SelfRoles() []Role {
	held := make(map[string]struct{}, len(g.Self.RoleIDs))
	for _, id := range g.Self.RoleIDs {
		held[id] = struct{}{}
	}
	var out []Role
	for _, r := range g.Roles {
		if _, ok := held[r.ID]; ok {
			out = append(out, r)
		}
	}
	return out
}

// RoleByPrefix finds the display role: the role whose name starts with prefix.
// A matching role held by the bot wins over others; ties go to the highest.
func (g Guild) RoleByPrefix(prefix string) (Role, bool) {
	if prefix == "" {
		return Role{}, false
	}

	held := make(map[string]struct{}, len(g.Self.RoleIDs))
	for _, id := range g.Self.RoleIDs {
		held[id] = struct{}{}
	}

	var (
		best     Role
		found    bool
		bestHeld bool
	)
	for _, r := range g.Roles {
		if r.Managed || !strings.HasPrefix(r.Name, prefix) {
			continue
		}
		_, isHeld := held[r.ID]
		switch {
		case !found:
		case isHeld && !bestHeld:
		case isHeld == bestHeld && r.Position > best.Position:
		default:
			continue
		}
		best, found, bestHeld = r, true, isHeld
	}
	return best, found
}

// RoleSpec describes a role to create.
type RoleSpec struct {
	Name        string
	Color       int
	Hoist       bool
	Mentionable bool
}

// RoleEdit carries the fields to change; nil fields are left untouched.
type RoleEdit struct {
	Name  *string
	Color *int
}

// Empty reports whether the edit changes nothing.
func (e RoleEdit) Empty() bool {
	return e.Name == nil && e.Color == nil
}

// ActivityType selects how the presence text is rendered.
type ActivityType string

// Supported activity types.
const (
	ActivityPlaying   ActivityType = "playing"
	ActivityWatching  ActivityType = "watching"
	ActivityListening ActivityType = "listening"
	ActivityCompeting ActivityType = "competing"
	ActivityCustom    ActivityType = "custom"
)

// ValidActivityType reports whether t is one of the supported activity types.
func ValidActivityType(t ActivityType) bool {
	switch t {
	case ActivityPlaying, ActivityWatching, ActivityListening, ActivityCompeting, ActivityCustom:
		return true
	}
	return false
}

// Presence is the bot's platform-wide status. An empty Text clears the activity.
type Presence struct {
	Status       string
	ActivityType ActivityType
	Text         string
}

// Gateway is the full capability set used by the bot.
type Gateway interface {
	Connect(ctx context.Context) error
	Ready() <-chan struct{}
	Close() error

	Guild(ctx context.Context, guildID int64) (Guild, error)
	CreateRole(ctx context.Context, guildID int64, spec RoleSpec) (Role, error)
	EditRole(ctx context.Context, guildID int64, roleID string, edit RoleEdit) (Role, error)
	MoveRole(ctx context.Context, guildID int64, roleID string, position int) error
	AddMemberRole(ctx context.Context, guildID int64, userID, roleID string) error
	SetNickname(ctx context.Context, guildID int64, nick string) error
	SetPresence(ctx context.Context, p Presence) error
}
