package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"

	"price-presence-bot/internal/alerting"
	"price-presence-bot/internal/audit"
	"price-presence-bot/internal/config"
	"price-presence-bot/internal/display"
	"price-presence-bot/internal/fetcher"
	"price-presence-bot/internal/gateway"
	"price-presence-bot/internal/reconcile"
	"price-presence-bot/internal/scheduler"
	"price-presence-bot/internal/service"
	"price-presence-bot/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) newFetcher() *fetcher.CoinGecko {
	cfg := a.Config.PriceFeed
	return fetcher.NewCoinGecko(fetcher.CoinGeckoOptions{
		BaseURL:         cfg.BaseURL,
		Platform:        cfg.Platform,
		ContractAddress: cfg.ContractAddress,
		VsCurrency:      cfg.VsCurrency,
		APIKey:          cfg.APIKey,
		Timeout:         cfg.RequestTimeout,
		UserAgent:       cfg.UserAgent,
	}, a.Logger)
}

func (a *App) newGateway() *gateway.Discord {
	return gateway.NewDiscord(gateway.DiscordOptions{
		Token:          a.Config.Discord.Token,
		RequestTimeout: a.Config.Discord.RequestTimeout,
	}, a.Logger)
}

func (a *App) newNotifier() alerting.Notifier {
	cfg := a.Config.Alerting
	if !cfg.Enabled {
		return nil
	}

	var channels alerting.Multi
	if cfg.Telegram.Enabled {
		channels = append(channels, alerting.NewTelegramNotifier(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Telegram.APIBase, cfg.Timeout, a.Logger))
	}
	if cfg.Webhook.Enabled {
		channels = append(channels, alerting.NewWebhookNotifier(cfg.Webhook.URL, cfg.Webhook.Username, cfg.Timeout, a.Logger))
	}
	if len(channels) == 0 {
		a.Logger.Warn().Msg("alerting enabled without any channel; notifications disabled")
		return nil
	}
	return alerting.NewThrottle(channels, cfg.Cooldown)
}

func (a *App) openLocker(ctx context.Context) (storage.AdvisoryLocker, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	locker := storage.NewLocker(pool, a.Logger)
	if err := locker.Ping(ctx); err != nil {
		locker.Close()
		return nil, nil, err
	}
	return locker, locker.Close, nil
}

// formatter resolves the display symbol, reading it from the token contract
// when none is configured, and binds display.role_prefix to it.
func (a *App) formatter(ctx context.Context) (display.Formatter, error) {
	if a.Config.Display.Symbol != "" {
		return a.bindFormatter(ctx, nil)
	}

	chain := fetcher.NewOnChain(fetcher.OnChainOptions{
		RPCURL:          a.Config.Chain.RPCURL,
		ContractAddress: a.Config.PriceFeed.ContractAddress,
		Timeout:         a.Config.Chain.RequestTimeout,
	}, a.Logger)
	defer chain.Close()

	return a.bindFormatter(ctx, chain)
}

// bindFormatter builds the formatter, asking symbols for the ticker when
// display.symbol is empty. An empty role prefix is derived from the symbol; a
// configured one must match the role names the formatter produces.
func (a *App) bindFormatter(ctx context.Context, symbols fetcher.SymbolFetcher) (display.Formatter, error) {
	cfg := &a.Config.Display
	f := display.Formatter{
		Symbol:        cfg.Symbol,
		PriceDecimals: cfg.PriceDecimals,
		Positive:      cfg.PositiveColor,
		Negative:      cfg.NegativeColor,
	}

	if f.Symbol == "" {
		if symbols == nil {
			return f, errors.New("display.symbol is empty and no symbol source is configured")
		}
		symbol, err := symbols.FetchSymbol(ctx)
		if err != nil {
			return f, fmt.Errorf("resolve display symbol: %w", err)
		}
		f.Symbol = strings.ToUpper(symbol)
		a.Logger.Info().Str("symbol", f.Symbol).Msg("display symbol resolved on-chain")
	}

	if cfg.RolePrefix == "" {
		cfg.RolePrefix = f.RolePrefix()
		a.Logger.Info().Str("role_prefix", cfg.RolePrefix).Msg("display role prefix derived from symbol")
	}
	if !f.Names(cfg.RolePrefix) {
		return f, fmt.Errorf("display.role_prefix %q does not match role names starting with %q", cfg.RolePrefix, f.RolePrefix())
	}
	return f, nil
}

func (a *App) auditor() (*audit.Auditor, error) {
	policy, err := audit.ParsePolicy(a.Config.Permissions.Policy)
	if err != nil {
		return nil, err
	}
	return audit.New(policy, a.Logger), nil
}

func (a *App) newService(ctx context.Context, gw gateway.Gateway, locker storage.AdvisoryLocker) (*service.Service, error) {
	formatter, err := a.formatter(ctx)
	if err != nil {
		return nil, err
	}
	auditor, err := a.auditor()
	if err != nil {
		return nil, err
	}

	cfg := a.Config
	sched := scheduler.New(scheduler.Options{
		Interval:     cfg.Scheduler.Interval,
		AlignToStart: cfg.Scheduler.AlignToInterval,
		StartupDelay: cfg.Scheduler.StartupDelay,
		Immediate:    !cfg.Scheduler.AlignToInterval,
	}, a.Logger)

	roles := reconcile.NewRoleReconciler(gw, reconcile.RoleOptions{
		Prefix:           cfg.Display.RolePrefix,
		NeutralColor:     cfg.Display.NeutralColor,
		SetColorOnCreate: cfg.Display.SetColorOnCreate,
	}, a.Logger)

	presence := reconcile.NewPresenceReconciler(gw, reconcile.PresenceOptions{
		ActivityType: gateway.ActivityType(cfg.Display.ActivityType),
		Delay:        cfg.Display.PresenceDelay,
		LoadingText:  cfg.Display.LoadingText,
	}, a.Logger)

	return service.New(cfg, service.Deps{
		Scheduler: sched,
		Fetcher:   a.newFetcher(),
		Platform:  gw,
		Auditor:   auditor,
		Roles:     roles,
		Presence:  presence,
		Formatter: formatter,
		Locker:    locker,
		Notifier:  a.newNotifier(),
	}, a.Logger), nil
}

// Run executes the long-running bot until a signal or a fatal auth error.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	locker, closeLocker, err := a.openLocker(ctx)
	if err != nil {
		return err
	}
	if locker == nil {
		a.Logger.Info().Msg("database.dsn not configured; cycle lock disabled")
	}
	if closeLocker != nil {
		defer closeLocker()
	}

	gw := a.newGateway()
	svc, err := a.newService(ctx, gw, locker)
	if err != nil {
		return err
	}

	if err := gw.Connect(ctx); err != nil {
		a.Logger.Error().Err(err).Msg("failed to connect to discord")
		return err
	}
	defer func() {
		if err := gw.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("failed to close discord session")
		}
	}()

	a.Logger.Info().Int64("guild_id", a.Config.Discord.GuildID).Msg("starting price presence bot")
	err = svc.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("bot terminated with error")
		return err
	}

	a.Logger.Info().Msg("price presence bot stopped")
	return nil
}
