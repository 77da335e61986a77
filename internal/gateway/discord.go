package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"price-presence-bot/internal/logging"
)

const (
	closeAuthenticationFailed = 4004
	closeDisallowedIntents    = 4014

	intentsHint = "enable the required gateway intents for the bot at https://discord.com/developers/applications (Bot -> Privileged Gateway Intents)"
)

// DiscordOptions parameterise the Discord gateway.
type DiscordOptions struct {
	Token          string
	RequestTimeout time.Duration
}

// Discord implements Gateway on top of a discordgo session.
type Discord struct {
	opts   DiscordOptions
	logger zerolog.Logger

	session   *discordgo.Session
	selfID    string
	ready     chan struct{}
	readyOnce sync.Once
}

// NewDiscord constructs an unconnected Discord gateway.
func NewDiscord(opts DiscordOptions, logger zerolog.Logger) *Discord {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}
	return &Discord{
		opts:   opts,
		logger: logger.With().Str("component", "discord").Logger(),
		ready:  make(chan struct{}),
	}
}

// Connect validates the credential over REST, then opens the websocket.
// A rejected credential yields ErrFatalAuth.
func (d *Discord) Connect(ctx context.Context) error {
	session, err := discordgo.New("Bot " + d.opts.Token)
	if err != nil {
		return fmt.Errorf("create discord session: %w", err)
	}
	session.Client = &http.Client{Timeout: d.opts.RequestTimeout}
	session.Identify.Intents = discordgo.IntentsGuilds
	session.LogLevel = logging.BridgeDiscord(d.logger)

	session.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
		d.logger.Info().Str("user", r.User.String()).Int("guilds", len(r.Guilds)).Msg("gateway ready")
		d.readyOnce.Do(func() { close(d.ready) })
	})
	session.AddHandler(func(_ *discordgo.Session, _ *discordgo.Disconnect) {
		d.logger.Warn().Msg("gateway disconnected; sdk will reconnect")
	})
	session.AddHandler(func(_ *discordgo.Session, _ *discordgo.Resumed) {
		d.logger.Info().Msg("gateway session resumed")
	})

	callCtx, cancel := d.callContext(ctx)
	self, err := session.User("@me", discordgo.WithContext(callCtx))
	cancel()
	if err != nil {
		return classify("validate token", err)
	}

	d.session = session
	d.selfID = self.ID

	if err := session.Open(); err != nil {
		return classify("open gateway", err)
	}
	d.logger.Info().Str("user_id", self.ID).Str("username", self.Username).Msg("gateway connected")
	return nil
}

// Ready is closed once the first READY event has been received.
func (d *Discord) Ready() <-chan struct{} {
	return d.ready
}

// Close shuts the websocket down.
func (d *Discord) Close() error {
	if d.session == nil {
		return nil
	}
	return d.session.Close()
}

// Guild reads the guild owner, its roles and the bot's own member record.
func (d *Discord) Guild(ctx context.Context, guildID int64) (Guild, error) {
	if err := d.connected(); err != nil {
		return Guild{}, err
	}
	gid := formatID(guildID)
	ctx, cancel := d.callContext(ctx)
	defer cancel()

	g, err := d.session.Guild(gid, discordgo.WithContext(ctx))
	if err != nil {
		return Guild{}, classify("read guild", err)
	}
	roles, err := d.session.GuildRoles(gid, discordgo.WithContext(ctx))
	if err != nil {
		return Guild{}, classify("list roles", err)
	}
	member, err := d.session.GuildMember(gid, d.selfID, discordgo.WithContext(ctx))
	if err != nil {
		return Guild{}, classify("read member", err)
	}

	out := Guild{
		ID:      guildID,
		Name:    g.Name,
		OwnerID: g.OwnerID,
		Roles:   make([]Role, 0, len(roles)),
		Self:    Member{UserID: d.selfID, Nick: member.Nick, RoleIDs: member.Roles},
	}
	for _, r := range roles {
		out.Roles = append(out.Roles, toRole(r))
	}
	return out, nil
}

// CreateRole creates a new role.
func (d *Discord) CreateRole(ctx context.Context, guildID int64, spec RoleSpec) (Role, error) {
	if err := d.connected(); err != nil {
		return Role{}, err
	}
	ctx, cancel := d.callContext(ctx)
	defer cancel()

	color, hoist, mentionable := spec.Color, spec.Hoist, spec.Mentionable
	role, err := d.session.GuildRoleCreate(formatID(guildID), &discordgo.RoleParams{
		Name:        spec.Name,
		Color:       &color,
		Hoist:       &hoist,
		Mentionable: &mentionable,
	}, discordgo.WithContext(ctx))
	if err != nil {
		return Role{}, classify("create role", err)
	}
	return toRole(role), nil
}

// EditRole changes the given fields of a role.
func (d *Discord) EditRole(ctx context.Context, guildID int64, roleID string, edit RoleEdit) (Role, error) {
	if err := d.connected(); err != nil {
		return Role{}, err
	}
	ctx, cancel := d.callContext(ctx)
	defer cancel()

	params := &discordgo.RoleParams{Color: edit.Color}
	if edit.Name != nil {
		params.Name = *edit.Name
	}
	role, err := d.session.GuildRoleEdit(formatID(guildID), roleID, params, discordgo.WithContext(ctx))
	if err != nil {
		return Role{}, classify("edit role", err)
	}
	return toRole(role), nil
}

// MoveRole sets a role's hierarchy position.
func (d *Discord) MoveRole(ctx context.Context, guildID int64, roleID string, position int) error {
	if err := d.connected(); err != nil {
		return err
	}
	ctx, cancel := d.callContext(ctx)
	defer cancel()

	_, err := d.session.GuildRoleReorder(formatID(guildID), []*discordgo.Role{{ID: roleID, Position: position}}, discordgo.WithContext(ctx))
	return classify("move role", err)
}

// AddMemberRole grants a role to a member.
func (d *Discord) AddMemberRole(ctx context.Context, guildID int64, userID, roleID string) error {
	if err := d.connected(); err != nil {
		return err
	}
	ctx, cancel := d.callContext(ctx)
	defer cancel()

	return classify("assign role", d.session.GuildMemberRoleAdd(formatID(guildID), userID, roleID, discordgo.WithContext(ctx)))
}

// SetNickname changes the bot's own nickname in the guild.
func (d *Discord) SetNickname(ctx context.Context, guildID int64, nick string) error {
	if err := d.connected(); err != nil {
		return err
	}
	ctx, cancel := d.callContext(ctx)
	defer cancel()

	return classify("set nickname", d.session.GuildMemberNickname(formatID(guildID), "@me", nick, discordgo.WithContext(ctx)))
}

// SetPresence replaces the bot's status and activity.
func (d *Discord) SetPresence(ctx context.Context, p Presence) error {
	if err := d.connected(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("set presence: %w: %v", ErrTransient, err)
	}
	return classify("set presence", d.session.UpdateStatusComplex(presenceData(p)))
}

func (d *Discord) connected() error {
	if d.session == nil {
		return fmt.Errorf("%w: not connected", ErrTransient)
	}
	return nil
}

func (d *Discord) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, d.opts.RequestTimeout)
}

func presenceData(p Presence) discordgo.UpdateStatusData {
	status := p.Status
	if status == "" {
		status = string(discordgo.StatusOnline)
	}
	data := discordgo.UpdateStatusData{Status: status, Activities: []*discordgo.Activity{}}
	if p.Text == "" {
		return data
	}

	activity := &discordgo.Activity{Name: p.Text, Type: activityType(p.ActivityType)}
	if p.ActivityType == ActivityCustom {
		activity.Name = "Custom Status"
		activity.State = p.Text
	}
	data.Activities = append(data.Activities, activity)
	return data
}

func activityType(t ActivityType) discordgo.ActivityType {
	switch t {
	case ActivityWatching:
		return discordgo.ActivityTypeWatching
	case ActivityListening:
		return discordgo.ActivityTypeListening
	case ActivityCompeting:
		return discordgo.ActivityTypeCompeting
	case ActivityCustom:
		return discordgo.ActivityTypeCustom
	default:
		return discordgo.ActivityTypeGame
	}
}

func toRole(r *discordgo.Role) Role {
	return Role{
		ID:          r.ID,
		Name:        r.Name,
		Color:       r.Color,
		Position:    r.Position,
		Permissions: r.Permissions,
		Hoist:       r.Hoist,
		Mentionable: r.Mentionable,
		Managed:     r.Managed,
	}
}

// classify maps SDK errors onto ErrFatalAuth, ErrForbidden or ErrTransient.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, discordgo.ErrUnauthorized) {
		return fmt.Errorf("%s: %w: %v", op, ErrFatalAuth, err)
	}

	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Response != nil {
		switch restErr.Response.StatusCode {
		case http.StatusUnauthorized:
			return fmt.Errorf("%s: %w: %v", op, ErrFatalAuth, err)
		case http.StatusForbidden:
			return fmt.Errorf("%s: %w: %v", op, ErrForbidden, err)
		}
	}

	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		switch closeErr.Code {
		case closeAuthenticationFailed:
			return fmt.Errorf("%s: %w: %v", op, ErrFatalAuth, err)
		case closeDisallowedIntents:
			return fmt.Errorf("%s: %w: disallowed intents, %s", op, ErrFatalAuth, intentsHint)
		}
	}

	return fmt.Errorf("%s: %w: %v", op, ErrTransient, err)
}

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}

var _ Gateway = (*Discord)(nil)
