package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"price-presence-bot/internal/audit"
	"price-presence-bot/internal/display"
	"price-presence-bot/internal/gateway"
)

// RoleGateway is the subset of the gateway the role reconciler mutates through.
type RoleGateway interface {
	CreateRole(ctx context.Context, guildID int64, spec gateway.RoleSpec) (gateway.Role, error)
	EditRole(ctx context.Context, guildID int64, roleID string, edit gateway.RoleEdit) (gateway.Role, error)
	MoveRole(ctx context.Context, guildID int64, roleID string, position int) error
	AddMemberRole(ctx context.Context, guildID int64, userID, roleID string) error
	SetNickname(ctx context.Context, guildID int64, nick string) error
}

// RoleOptions configure the display role.
type RoleOptions struct {
	// Prefix identifies the display role; every name the bot gives it starts with Prefix.
	Prefix           string
	NeutralColor     display.Color
	SetColorOnCreate bool
}

// RoleReconciler keeps the display role and the bot's nickname in sync with
// the latest display state.
type RoleReconciler struct {
	gw     RoleGateway
	opts   RoleOptions
	logger zerolog.Logger
}

// NewRoleReconciler constructs a RoleReconciler.
func NewRoleReconciler(gw RoleGateway, opts RoleOptions, logger zerolog.Logger) *RoleReconciler {
	return &RoleReconciler{gw: gw, opts: opts, logger: logger.With().Str("component", "role_reconciler").Logger()}
}

// Reconcile drives the display role towards desired. It makes no mutating
// call when report is not OK, and none when the role already matches.
func (r *RoleReconciler) Reconcile(ctx context.Context, guild gateway.Guild, desired display.State, report audit.Report) RoleOutcome {
	var out RoleOutcome

	target, exists := guild.RoleByPrefix(r.opts.Prefix)
	switch {
	case !exists && !report.OK:
		out.Status = RoleCreateForbidden
		out.Missing = report.Missing
		out.Err = fmt.Errorf("%w: missing %s", ErrRoleCreateForbidden, strings.Join(report.Missing, ", "))
		return out
	case exists && !report.OK:
		out.RoleID = target.ID
		if !report.PermissionsOK() {
			out.Status = RolePermissionBlocked
			out.Missing = report.Missing
			out.Err = fmt.Errorf("%w: missing %s", ErrPermissionBlocked, strings.Join(report.Missing, ", "))
		} else {
			out.Status = RoleHierarchyViolation
			out.Err = hierarchyError(report.BotRolePosition, target.Position)
		}
		return out
	case !exists:
		created, err := r.create(ctx, guild, desired, report, &out)
		if err != nil {
			if errors.Is(err, gateway.ErrForbidden) {
				out.Status = RoleCreateForbidden
				out.Missing = report.Missing
				out.Err = fmt.Errorf("%w: %v", ErrRoleCreateForbidden, err)
			} else {
				out.Status = RoleFailed
				out.Err = err
			}
			out.Nickname, out.NicknameErr = r.syncNickname(ctx, guild, desired, report, &out)
			return out
		}
		target = created
		out.Status = RoleCreated
	}
	out.RoleID = target.ID

	if report.BotRolePosition <= target.Position {
		out.Status = RoleHierarchyViolation
		out.Err = hierarchyError(report.BotRolePosition, target.Position)
		out.Nickname, out.NicknameErr = r.syncNickname(ctx, guild, desired, report, &out)
		return out
	}

	edit := diff(target, desired)
	if !edit.Empty() {
		out.Calls++
		if _, err := r.gw.EditRole(ctx, guild.ID, target.ID, edit); err != nil {
			if errors.Is(err, gateway.ErrForbidden) {
				out.Status = RolePermissionBlocked
				out.Err = fmt.Errorf("%w: %v", ErrPermissionBlocked, err)
			} else {
				out.Status = RoleFailed
				out.Err = fmt.Errorf("edit role: %w", err)
			}
		} else if out.Status != RoleCreated {
			out.Status = RoleUpdated
		}
	}

	if out.Status == RoleUpdated || out.Status == RoleCreated {
		r.logger.Info().
			Str("role_id", target.ID).
			Str("name", desired.RoleName).
			Str("color", desired.RoleColor.String()).
			Str("status", out.Status.String()).
			Msg("display role reconciled")
	}

	out.Nickname, out.NicknameErr = r.syncNickname(ctx, guild, desired, report, &out)
	return out
}

// create makes the display role, moves it just below the bot's highest role
// and assigns it to the bot. Only a failed creation is returned as an error;
// move and assign failures are recorded on the outcome.
func (r *RoleReconciler) create(ctx context.Context, guild gateway.Guild, desired display.State, report audit.Report, out *RoleOutcome) (gateway.Role, error) {
	color := 0
	if r.opts.SetColorOnCreate {
		color = int(r.opts.NeutralColor)
	}

	out.Calls++
	role, err := r.gw.CreateRole(ctx, guild.ID, gateway.RoleSpec{
		Name:        desired.RoleName,
		Color:       color,
		Hoist:       true,
		Mentionable: true,
	})
	if err != nil {
		return gateway.Role{}, fmt.Errorf("create role: %w", err)
	}
	r.logger.Info().Str("role_id", role.ID).Str("name", role.Name).Msg("display role created")

	position := report.BotRolePosition - 1
	if position < 1 {
		position = 1
		r.logger.Warn().
			Str("role_id", role.ID).
			Int("bot_position", report.BotRolePosition).
			Msg("bot's highest role is at the bottom of the role list; raise it above the display role in server settings")
	}
	out.Calls++
	if err := r.gw.MoveRole(ctx, guild.ID, role.ID, position); err != nil {
		r.logger.Warn().Err(err).Str("role_id", role.ID).Int("position", position).Msg("failed to move display role")
		out.Err = errors.Join(out.Err, fmt.Errorf("move role: %w", err))
	} else {
		role.Position = position
	}

	out.Calls++
	if err := r.gw.AddMemberRole(ctx, guild.ID, guild.Self.UserID, role.ID); err != nil {
		r.logger.Warn().Err(err).Str("role_id", role.ID).Msg("failed to assign display role to the bot")
		out.Err = errors.Join(out.Err, fmt.Errorf("assign role: %w", err))
	}
	return role, nil
}

func (r *RoleReconciler) syncNickname(ctx context.Context, guild gateway.Guild, desired display.State, report audit.Report, out *RoleOutcome) (NicknameStatus, error) {
	if !report.OK || !report.HasChangeNickname {
		return NicknameSkipped, nil
	}
	if guild.Self.Nick == desired.Nickname {
		return NicknameUnchanged, nil
	}

	out.Calls++
	if err := r.gw.SetNickname(ctx, guild.ID, desired.Nickname); err != nil {
		r.logger.Warn().Err(err).Str("nickname", desired.Nickname).Msg("failed to update nickname")
		return NicknameFailed, fmt.Errorf("set nickname: %w", err)
	}
	r.logger.Info().Str("nickname", desired.Nickname).Msg("nickname updated")
	return NicknameUpdated, nil
}

func diff(current gateway.Role, desired display.State) gateway.RoleEdit {
	var edit gateway.RoleEdit
	if current.Name != desired.RoleName {
		name := desired.RoleName
		edit.Name = &name
	}
	if current.Color != int(desired.RoleColor) {
		color := int(desired.RoleColor)
		edit.Color = &color
	}
	return edit
}

func hierarchyError(botPos, targetPos int) error {
	return fmt.Errorf("%w: bot position %d, display role position %d", ErrHierarchyViolation, botPos, targetPos)
}
