package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"price-presence-bot/internal/alerting"
	"price-presence-bot/internal/fetcher"
)

// SimulateOptions describe a hypothetical price sample.
type SimulateOptions struct {
	Price  decimal.Decimal
	Change decimal.Decimal
	// Notify also sends a test notification through the configured channels.
	Notify bool
}

// Simulate prints what the bot would display for a sample, without touching
// the network unless opts.Notify is set.
func (a *App) Simulate(ctx context.Context, w io.Writer, opts SimulateOptions) error {
	cfg := a.Config.Display
	if cfg.Symbol == "" {
		return errors.New("simulate needs display.symbol; on-chain symbol lookup is not used here")
	}
	formatter, err := a.formatter(ctx)
	if err != nil {
		return err
	}

	state := formatter.Derive(fetcher.PriceSample{Price: opts.Price, Change24h: opts.Change, ObservedAt: time.Now().UTC()})
	fmt.Fprintf(w, "role name:  %s\n", state.RoleName)
	fmt.Fprintf(w, "role color: %s\n", state.RoleColor)
	fmt.Fprintf(w, "nickname:   %s\n", state.Nickname)
	fmt.Fprintf(w, "presence:   %s\n", state.PresenceText)

	if !opts.Notify {
		return nil
	}
	notifier := a.newNotifier()
	if notifier == nil {
		return errors.New("no notification channel configured")
	}
	return notifier.Notify(ctx, alerting.Notification{
		Kind:  "simulation",
		Title: "simulated display update",
		Lines: []string{state.RoleName, state.PresenceText},
		At:    time.Now().UTC(),
	})
}

// ShowConfig writes the effective configuration as YAML with secrets masked.
func (a *App) ShowConfig(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(a.Config.Redacted()); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return enc.Close()
}
