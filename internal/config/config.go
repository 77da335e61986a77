package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"price-presence-bot/internal/audit"
	"price-presence-bot/internal/display"
	"price-presence-bot/internal/gateway"
	"price-presence-bot/internal/logging"
	"price-presence-bot/internal/version"
)

// PlaceholderToken is the value shipped in example env files.
const PlaceholderToken = "your_discord_bot_token"

const redacted = "***"

// Config materialises application configuration.
type Config struct {
	App         AppConfig         `mapstructure:"app" yaml:"app"`
	Logging     logging.Config    `mapstructure:"logging" yaml:"logging"`
	Discord     DiscordConfig     `mapstructure:"discord" yaml:"discord"`
	PriceFeed   PriceFeedConfig   `mapstructure:"price_feed" yaml:"price_feed"`
	Chain       ChainConfig       `mapstructure:"chain" yaml:"chain"`
	Scheduler   SchedulerConfig   `mapstructure:"scheduler" yaml:"scheduler"`
	Display     DisplayConfig     `mapstructure:"display" yaml:"display"`
	Permissions PermissionsConfig `mapstructure:"permissions" yaml:"permissions"`
	Database    DatabaseConfig    `mapstructure:"database" yaml:"database"`
	Alerting    AlertingConfig    `mapstructure:"alerting" yaml:"alerting"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name" yaml:"name"`
	Environment string `mapstructure:"environment" yaml:"environment"`
}

// DiscordConfig identifies the bot and the guild it decorates.
type DiscordConfig struct {
	Token          string        `mapstructure:"token" yaml:"token"`
	GuildID        int64         `mapstructure:"guild_id" yaml:"guild_id"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
}

// PriceFeedConfig captures CoinGecko connectivity.
type PriceFeedConfig struct {
	BaseURL         string        `mapstructure:"base_url" yaml:"base_url"`
	Platform        string        `mapstructure:"platform" yaml:"platform"`
	ContractAddress string        `mapstructure:"contract_address" yaml:"contract_address"`
	VsCurrency      string        `mapstructure:"vs_currency" yaml:"vs_currency"`
	APIKey          string        `mapstructure:"api_key" yaml:"api_key"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	UserAgent       string        `mapstructure:"user_agent" yaml:"user_agent"`
}

// ChainConfig covers optional on-chain lookups.
type ChainConfig struct {
	RPCURL         string        `mapstructure:"rpc_url" yaml:"rpc_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
}

// SchedulerConfig governs the sync cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval" yaml:"interval"`
	AlignToInterval bool          `mapstructure:"align_to_interval" yaml:"align_to_interval"`
	StartupDelay    time.Duration `mapstructure:"startup_delay" yaml:"startup_delay"`
	ReadyTimeout    time.Duration `mapstructure:"ready_timeout" yaml:"ready_timeout"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key" yaml:"advisory_lock_key"`
}

// DisplayConfig shapes the role, nickname and presence.
type DisplayConfig struct {
	Symbol           string        `mapstructure:"symbol" yaml:"symbol"`
	RolePrefix       string        `mapstructure:"role_prefix" yaml:"role_prefix"`
	PriceDecimals    int32         `mapstructure:"price_decimals" yaml:"price_decimals"`
	PositiveColor    display.Color `mapstructure:"positive_color" yaml:"positive_color"`
	NegativeColor    display.Color `mapstructure:"negative_color" yaml:"negative_color"`
	NeutralColor     display.Color `mapstructure:"neutral_color" yaml:"neutral_color"`
	SetColorOnCreate bool          `mapstructure:"set_color_on_create" yaml:"set_color_on_create"`
	ActivityType     string        `mapstructure:"activity_type" yaml:"activity_type"`
	PresenceDelay    time.Duration `mapstructure:"presence_delay" yaml:"presence_delay"`
	LoadingText      string        `mapstructure:"loading_text" yaml:"loading_text"`
}

// PermissionsConfig selects the required permission set.
type PermissionsConfig struct {
	Policy string `mapstructure:"policy" yaml:"policy"`
}

// DatabaseConfig encapsulates the optional PostgreSQL lock backend.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn" yaml:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" yaml:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime"`
}

// AlertingConfig defines operator notification routing.
type AlertingConfig struct {
	Enabled          bool           `mapstructure:"enabled" yaml:"enabled"`
	Cooldown         time.Duration  `mapstructure:"cooldown" yaml:"cooldown"`
	FailureThreshold int            `mapstructure:"failure_threshold" yaml:"failure_threshold"`
	Timeout          time.Duration  `mapstructure:"timeout" yaml:"timeout"`
	Telegram         TelegramConfig `mapstructure:"telegram" yaml:"telegram"`
	Webhook          WebhookConfig  `mapstructure:"webhook" yaml:"webhook"`
}

// TelegramConfig describes the Telegram channel.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	BotToken string `mapstructure:"bot_token" yaml:"bot_token"`
	ChatID   string `mapstructure:"chat_id" yaml:"chat_id"`
	APIBase  string `mapstructure:"api_base" yaml:"api_base"`
}

// WebhookConfig describes a Discord channel webhook.
type WebhookConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	URL      string `mapstructure:"url" yaml:"url"`
	Username string `mapstructure:"username" yaml:"username"`
}

// Load builds configuration from .env, file, environment, and defaults, and
// validates it.
func Load(path string) (*Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Read is Load without validation, for inspecting an incomplete setup.
func Read(path string) (*Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix("PRICEBOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	if err := bindLegacyEnv(v); err != nil {
		return nil, err
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.Display.RolePrefix == "" && cfg.Display.Symbol != "" {
		cfg.Display.RolePrefix = display.Formatter{Symbol: cfg.Display.Symbol}.RolePrefix()
	}
	return &cfg, nil
}

func loadDotEnv() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

// bindLegacyEnv keeps the unprefixed variable names working.
func bindLegacyEnv(v *viper.Viper) error {
	if err := v.BindEnv("discord.token", "PRICEBOT_DISCORD_TOKEN", "DISCORD_TOKEN"); err != nil {
		return fmt.Errorf("bind discord.token: %w", err)
	}
	if err := v.BindEnv("discord.guild_id", "PRICEBOT_DISCORD_GUILD_ID", "GUILD_ID"); err != nil {
		return fmt.Errorf("bind discord.guild_id: %w", err)
	}
	return nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "pricebot")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("discord.token", "")
	v.SetDefault("discord.guild_id", 0)
	v.SetDefault("discord.request_timeout", "10s")

	v.SetDefault("price_feed.base_url", "https://api.coingecko.com/api/v3")
	v.SetDefault("price_feed.platform", "base")
	v.SetDefault("price_feed.contract_address", "0xeff2A458E464b07088bDB441C21A42AB4b61e07E")
	v.SetDefault("price_feed.vs_currency", "usd")
	v.SetDefault("price_feed.api_key", "")
	v.SetDefault("price_feed.request_timeout", "10s")
	v.SetDefault("price_feed.user_agent", version.UserAgent())

	v.SetDefault("chain.rpc_url", "")
	v.SetDefault("chain.request_timeout", "10s")

	v.SetDefault("scheduler.interval", "5m")
	v.SetDefault("scheduler.align_to_interval", false)
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.ready_timeout", "60s")
	v.SetDefault("scheduler.advisory_lock_key", int64(0x50445450))

	v.SetDefault("display.symbol", "PDT")
	v.SetDefault("display.role_prefix", "")
	v.SetDefault("display.price_decimals", 4)
	v.SetDefault("display.positive_color", "#2ECC71")
	v.SetDefault("display.negative_color", "#E74C3C")
	v.SetDefault("display.neutral_color", "#95A5A6")
	v.SetDefault("display.set_color_on_create", true)
	v.SetDefault("display.activity_type", string(gateway.ActivityWatching))
	v.SetDefault("display.presence_delay", "1s")
	v.SetDefault("display.loading_text", "Loading PDT Price...")

	v.SetDefault("permissions.policy", string(audit.PolicyMinimal))

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.cooldown", "30m")
	v.SetDefault("alerting.failure_threshold", 5)
	v.SetDefault("alerting.timeout", "10s")
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.bot_token", "")
	v.SetDefault("alerting.telegram.chat_id", "")
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.webhook.enabled", false)
	v.SetDefault("alerting.webhook.url", "")
	v.SetDefault("alerting.webhook.username", "pricebot")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
			stringToColorHookFunc(),
		)
	}
}

func stringToColorHookFunc() mapstructure.DecodeHookFuncType {
	colorType := reflect.TypeOf(display.Color(0))
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if from.Kind() != reflect.String || to != colorType {
			return data, nil
		}
		return display.ParseColor(data.(string))
	}
}

// Validate performs sanity checks on the configuration values.
func (c *Config) Validate() error {
	token := strings.TrimSpace(c.Discord.Token)
	if token == "" {
		return fmt.Errorf("discord.token is required (PRICEBOT_DISCORD_TOKEN or DISCORD_TOKEN)")
	}
	if token == PlaceholderToken {
		return fmt.Errorf("discord.token is still the placeholder %q", PlaceholderToken)
	}
	if c.Discord.GuildID <= 0 {
		return fmt.Errorf("discord.guild_id must be a positive snowflake (PRICEBOT_DISCORD_GUILD_ID or GUILD_ID)")
	}
	if c.Discord.RequestTimeout <= 0 {
		return fmt.Errorf("discord.request_timeout must be greater than zero")
	}
	if c.PriceFeed.BaseURL == "" || c.PriceFeed.Platform == "" || c.PriceFeed.VsCurrency == "" {
		return fmt.Errorf("price_feed.base_url, price_feed.platform and price_feed.vs_currency are required")
	}
	if !common.IsHexAddress(c.PriceFeed.ContractAddress) {
		return fmt.Errorf("price_feed.contract_address %q is not a hex address", c.PriceFeed.ContractAddress)
	}
	if c.PriceFeed.RequestTimeout <= 0 {
		return fmt.Errorf("price_feed.request_timeout must be greater than zero")
	}
	if c.Chain.RPCURL != "" && c.Chain.RequestTimeout <= 0 {
		return fmt.Errorf("chain.request_timeout must be greater than zero")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Scheduler.ReadyTimeout <= 0 {
		return fmt.Errorf("scheduler.ready_timeout must be greater than zero")
	}
	if c.Scheduler.StartupDelay < 0 {
		return fmt.Errorf("scheduler.startup_delay cannot be negative")
	}
	if c.Display.Symbol == "" && c.Chain.RPCURL == "" {
		return fmt.Errorf("display.symbol is required unless chain.rpc_url is set")
	}
	if c.Display.Symbol != "" {
		f := display.Formatter{Symbol: c.Display.Symbol}
		if !f.Names(c.Display.RolePrefix) {
			return fmt.Errorf("display.role_prefix %q does not match role names starting with %q", c.Display.RolePrefix, f.RolePrefix())
		}
	}
	if c.Display.PriceDecimals < 0 || c.Display.PriceDecimals > 18 {
		return fmt.Errorf("display.price_decimals must be between 0 and 18")
	}
	if c.Display.PresenceDelay < 0 {
		return fmt.Errorf("display.presence_delay cannot be negative")
	}
	if !gateway.ValidActivityType(gateway.ActivityType(c.Display.ActivityType)) {
		return fmt.Errorf("display.activity_type %q is not supported", c.Display.ActivityType)
	}
	if _, err := audit.ParsePolicy(c.Permissions.Policy); err != nil {
		return fmt.Errorf("permissions.policy: %w", err)
	}
	if c.Alerting.Enabled {
		if c.Alerting.Cooldown < 0 {
			return fmt.Errorf("alerting.cooldown cannot be negative")
		}
		if c.Alerting.FailureThreshold <= 0 {
			return fmt.Errorf("alerting.failure_threshold must be greater than zero")
		}
		if c.Alerting.Telegram.Enabled {
			if c.Alerting.Telegram.BotToken == "" {
				return fmt.Errorf("alerting.telegram.bot_token is required")
			}
			if c.Alerting.Telegram.ChatID == "" {
				return fmt.Errorf("alerting.telegram.chat_id is required")
			}
		}
		if c.Alerting.Webhook.Enabled && c.Alerting.Webhook.URL == "" {
			return fmt.Errorf("alerting.webhook.url is required")
		}
	}
	return nil
}

// Redacted returns a copy with secrets masked, for printing.
func (c Config) Redacted() Config {
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return redacted
	}
	c.Discord.Token = mask(c.Discord.Token)
	c.PriceFeed.APIKey = mask(c.PriceFeed.APIKey)
	c.Database.DSN = mask(c.Database.DSN)
	c.Alerting.Telegram.BotToken = mask(c.Alerting.Telegram.BotToken)
	c.Alerting.Webhook.URL = mask(c.Alerting.Webhook.URL)
	return c
}
