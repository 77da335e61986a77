package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"price-presence-bot/internal/alerting"
	"price-presence-bot/internal/audit"
	"price-presence-bot/internal/config"
	"price-presence-bot/internal/display"
	"price-presence-bot/internal/fetcher"
	"price-presence-bot/internal/gateway"
	"price-presence-bot/internal/reconcile"
	"price-presence-bot/internal/scheduler"
	"price-presence-bot/internal/storage"
)

// Platform is the part of the gateway the loop itself talks to; mutations go
// through the reconcilers.
type Platform interface {
	Ready() <-chan struct{}
	Guild(ctx context.Context, guildID int64) (gateway.Guild, error)
}

// LoopState is the loop's memory between cycles. It is owned by one goroutine.
type LoopState struct {
	LastPrice           *decimal.Decimal
	ConsecutiveFailures int
	Running             bool
}

// CycleResult summarises one cycle for logging and tests.
type CycleResult struct {
	Skipped   bool
	FetchErr  error
	Sample    *fetcher.PriceSample
	Desired   display.State
	Report    audit.Report
	Role      reconcile.RoleOutcome
	Presence  reconcile.PresenceOutcome
	Direction string
	Synced    bool
}

// Deps are the collaborators driven by the loop.
type Deps struct {
	Scheduler *scheduler.Scheduler
	Fetcher   fetcher.PriceFetcher
	Platform  Platform
	Auditor   *audit.Auditor
	Roles     *reconcile.RoleReconciler
	Presence  *reconcile.PresenceReconciler
	Formatter display.Formatter
	Locker    storage.AdvisoryLocker
	Notifier  alerting.Notifier
}

// Service runs the price-to-presence sync loop.
type Service struct {
	deps   Deps
	logger zerolog.Logger

	guildID          int64
	rolePrefix       string
	readyTimeout     time.Duration
	lockKey          int64
	failureThreshold int
}

// New constructs the sync service.
func New(cfg *config.Config, deps Deps, logger zerolog.Logger) *Service {
	threshold := 0
	if cfg.Alerting.Enabled {
		threshold = cfg.Alerting.FailureThreshold
	}
	return &Service{
		deps:             deps,
		logger:           logger.With().Str("component", "service").Logger(),
		guildID:          cfg.Discord.GuildID,
		rolePrefix:       cfg.Display.RolePrefix,
		readyTimeout:     cfg.Scheduler.ReadyTimeout,
		lockKey:          cfg.Scheduler.AdvisoryLockKey,
		failureThreshold: threshold,
	}
}

// Run waits for the platform connection, shows the loading presence and then
// drives RunCycle on every tick until ctx is cancelled or authentication fails.
func (s *Service) Run(ctx context.Context) error {
	if s.deps.Scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	if err := s.waitReady(ctx); err != nil {
		return err
	}

	s.deps.Presence.Loading(ctx)

	state := &LoopState{Running: true}
	defer func() { state.Running = false }()

	return s.deps.Scheduler.Run(ctx, func(ctx context.Context, _ time.Time) error {
		if _, err := s.RunCycle(ctx, state); err != nil {
			return scheduler.Halt(err)
		}
		return nil
	})
}

func (s *Service) waitReady(ctx context.Context) error {
	timer := time.NewTimer(s.readyTimeout)
	defer timer.Stop()

	select {
	case <-s.deps.Platform.Ready():
		s.logger.Info().Msg("gateway ready")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("gateway not ready after %s", s.readyTimeout)
	}
}

// RunCycle performs fetch, audit, role and presence reconciliation once.
// External calls run on a context that survives shutdown so an in-flight
// mutation completes; cancellation of ctx is honoured between steps. The only
// returned error is gateway.ErrFatalAuth.
func (s *Service) RunCycle(ctx context.Context, state *LoopState) (CycleResult, error) {
	var res CycleResult
	work := context.WithoutCancel(ctx)

	unlock, proceed, err := s.acquireLock(work)
	if err != nil {
		s.logger.Warn().Err(err).Msg("skipping cycle: advisory lock unavailable")
		res.Skipped = true
		return res, nil
	}
	if !proceed {
		s.logger.Debug().Msg("skipping cycle because advisory lock held elsewhere")
		res.Skipped = true
		return res, nil
	}
	if unlock != nil {
		defer unlock()
	}

	sample, err := s.deps.Fetcher.Fetch(work)
	if err != nil {
		state.ConsecutiveFailures++
		res.FetchErr = err
		s.logger.Warn().Err(err).Int("consecutive_failures", state.ConsecutiveFailures).Msg("price fetch failed; skipping cycle")
		s.notifyFeedFailure(work, state, err)
		return res, nil
	}
	state.ConsecutiveFailures = 0
	res.Sample = &sample
	res.Desired = s.deps.Formatter.Derive(sample)
	res.Direction = direction(state.LastPrice, sample.Price)

	s.logger.Info().
		Str("price", sample.Price.String()).
		Str("change_24h", sample.Change24h.String()).
		Str("direction", res.Direction).
		Msg("price fetched")

	if ctx.Err() != nil {
		return res, nil
	}

	guild, err := s.deps.Platform.Guild(work, s.guildID)
	if err != nil {
		if errors.Is(err, gateway.ErrFatalAuth) {
			return res, s.fatal(work, err)
		}
		s.logger.Warn().Err(err).Int64("guild_id", s.guildID).Msg("guild snapshot failed; skipping reconciliation")
		return res, nil
	}

	res.Report = s.deps.Auditor.Audit(guild, s.rolePrefix)
	if ctx.Err() != nil {
		return res, nil
	}

	res.Role = s.deps.Roles.Reconcile(work, guild, res.Desired, res.Report)
	if fatalAuth(res.Role.Err, res.Role.NicknameErr) {
		return res, s.fatal(work, errors.Join(res.Role.Err, res.Role.NicknameErr))
	}
	if res.Role.Status.Authorization() {
		s.reportAuthorization(work, res)
	}
	if ctx.Err() != nil {
		return res, nil
	}

	res.Presence = s.deps.Presence.Reconcile(work, res.Desired)
	if fatalAuth(res.Presence.Err) {
		return res, s.fatal(work, res.Presence.Err)
	}

	if res.Role.Succeeded() && res.Presence.Applied {
		price := sample.Price
		state.LastPrice = &price
		res.Synced = true
	}

	event := s.logger.Info()
	if res.Role.Err != nil || res.Role.NicknameErr != nil || res.Presence.Err != nil {
		event = s.logger.Warn()
	}
	event.
		Str("role", res.Role.Status.String()).
		Err(res.Role.Err).
		Str("nickname", res.Role.Nickname.String()).
		AnErr("nickname_error", res.Role.NicknameErr).
		Bool("presence", res.Presence.Applied).
		AnErr("presence_error", res.Presence.Err).
		Bool("synced", res.Synced).
		Msg("cycle complete")
	return res, nil
}

func (s *Service) reportAuthorization(ctx context.Context, res CycleResult) {
	diagnostics := res.Report.Diagnostics()
	if len(diagnostics) == 0 && res.Role.Err != nil {
		diagnostics = []string{res.Role.Err.Error()}
	}
	s.logger.Warn().
		Err(res.Role.Err).
		Str("role", res.Role.Status.String()).
		Strs("missing", res.Role.Missing).
		Int("bot_position", res.Report.BotRolePosition).
		Int("target_position", res.Report.TargetRolePosition).
		Str("fix", strings.Join(diagnostics, "; ")).
		Msg("role update blocked by guild configuration")

	s.notify(ctx, alerting.Notification{
		Kind:  alerting.KindAuthorization,
		Title: "role update blocked: " + res.Role.Status.String(),
		Lines: diagnostics,
		At:    time.Now().UTC(),
	})
}

func (s *Service) notifyFeedFailure(ctx context.Context, state *LoopState, err error) {
	if s.failureThreshold <= 0 || state.ConsecutiveFailures < s.failureThreshold {
		return
	}
	s.notify(ctx, alerting.Notification{
		Kind:  alerting.KindFeedFailure,
		Title: fmt.Sprintf("price feed failing (%d consecutive cycles)", state.ConsecutiveFailures),
		Lines: []string{err.Error()},
		At:    time.Now().UTC(),
	})
}

func (s *Service) fatal(ctx context.Context, err error) error {
	s.logger.Error().Err(err).Msg("platform rejected the bot credentials; stopping")
	s.notify(ctx, alerting.Notification{
		Kind:  alerting.KindFatal,
		Title: "bot stopped: authentication failed",
		Lines: []string{err.Error()},
		At:    time.Now().UTC(),
	})
	if errors.Is(err, gateway.ErrFatalAuth) {
		return err
	}
	return fmt.Errorf("%w: %v", gateway.ErrFatalAuth, err)
}

func (s *Service) notify(ctx context.Context, note alerting.Notification) {
	if s.deps.Notifier == nil {
		return
	}
	if err := s.deps.Notifier.Notify(ctx, note); err != nil {
		s.logger.Error().Err(err).Str("kind", string(note.Kind)).Msg("failed to dispatch notification")
	}
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.lockKey == 0 || s.deps.Locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.deps.Locker.TryAdvisoryLock(ctx, s.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}

func fatalAuth(errs ...error) bool {
	for _, err := range errs {
		if errors.Is(err, gateway.ErrFatalAuth) {
			return true
		}
	}
	return false
}

func direction(last *decimal.Decimal, price decimal.Decimal) string {
	if last == nil {
		return "initial"
	}
	switch price.Cmp(*last) {
	case 1:
		return "up"
	case -1:
		return "down"
	default:
		return "flat"
	}
}
