package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"price-presence-bot/internal/display"
	"price-presence-bot/internal/gateway"
)

// PresenceGateway sets the bot's platform-wide presence.
type PresenceGateway interface {
	SetPresence(ctx context.Context, p gateway.Presence) error
}

// PresenceOptions configure the presence update.
type PresenceOptions struct {
	Status       string
	ActivityType gateway.ActivityType
	// Delay separates the clear from the set; an activity pushed right after
	// a presence change can be dropped by the platform.
	Delay       time.Duration
	LoadingText string
}

// PresenceReconciler pushes the status text.
type PresenceReconciler struct {
	gw     PresenceGateway
	opts   PresenceOptions
	logger zerolog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewPresenceReconciler constructs a PresenceReconciler.
func NewPresenceReconciler(gw PresenceGateway, opts PresenceOptions, logger zerolog.Logger) *PresenceReconciler {
	if opts.Status == "" {
		opts.Status = "online"
	}
	if opts.ActivityType == "" {
		opts.ActivityType = gateway.ActivityPlaying
	}
	return &PresenceReconciler{
		gw:     gw,
		opts:   opts,
		logger: logger.With().Str("component", "presence_reconciler").Logger(),
		sleep:  sleepContext,
	}
}

// Reconcile clears the current activity, waits, then sets desired.PresenceText.
// Failures are logged and returned in the outcome, never escalated.
func (p *PresenceReconciler) Reconcile(ctx context.Context, desired display.State) PresenceOutcome {
	return p.apply(ctx, desired.PresenceText)
}

// Loading shows the placeholder text used before the first price arrives.
func (p *PresenceReconciler) Loading(ctx context.Context) PresenceOutcome {
	if p.opts.LoadingText == "" {
		return PresenceOutcome{}
	}
	return p.apply(ctx, p.opts.LoadingText)
}

func (p *PresenceReconciler) apply(ctx context.Context, text string) PresenceOutcome {
	out := PresenceOutcome{Text: text}

	if err := p.gw.SetPresence(ctx, gateway.Presence{Status: p.opts.Status}); err != nil {
		out.Err = fmt.Errorf("clear presence: %w", err)
		p.logger.Warn().Err(out.Err).Msg("presence update failed")
		return out
	}

	if err := p.sleep(ctx, p.opts.Delay); err != nil {
		out.Err = fmt.Errorf("presence delay: %w", err)
		return out
	}

	err := p.gw.SetPresence(ctx, gateway.Presence{
		Status:       p.opts.Status,
		ActivityType: p.opts.ActivityType,
		Text:         text,
	})
	if err != nil {
		out.Err = fmt.Errorf("set presence: %w", err)
		p.logger.Warn().Err(out.Err).Str("text", text).Msg("presence update failed")
		return out
	}

	out.Applied = true
	p.logger.Info().Str("text", text).Msg("presence updated")
	return out
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
