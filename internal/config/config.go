// Package config defines all configuration for the alerting engine.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// tunables overridable via the recognized process environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Feed     FeedConfig     `mapstructure:"feed"`
	Markets  MarketsConfig  `mapstructure:"markets"`
	Taxonomy TaxonomyConfig `mapstructure:"taxonomy"`
	Dedup    DedupConfig    `mapstructure:"dedup"`
	Filters  FiltersConfig  `mapstructure:"filters"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	Store    StoreConfig    `mapstructure:"store"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// FeedConfig controls trade ingestion from the venue's public data API.
//
//   - PollInterval: orchestrator sleep between poll cycles.
//   - MaxTradesPerPoll: upstream batch size (the time-window parameter is not
//     trusted across runs, so the poller always asks for the most recent N).
//   - MinNotionalUSD: upstream prefilter; 0 disables it.
//   - WSEnabled/WSURL: optional real-time trade socket feeding the same
//     pipeline; the poll loop stays authoritative for the cursor.
type FeedConfig struct {
	DataAPIBaseURL   string        `mapstructure:"data_api_base_url"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	MaxTradesPerPoll int           `mapstructure:"max_trades_per_poll"`
	MinNotionalUSD   float64       `mapstructure:"min_notional_usd"`
	WSEnabled        bool          `mapstructure:"ws_enabled"`
	WSURL            string        `mapstructure:"ws_url"`
}

// MarketsConfig controls market-metadata enrichment via the Gamma API.
// FanoutLimit bounds the concurrent per-id fallback requests.
type MarketsConfig struct {
	GammaBaseURL string        `mapstructure:"gamma_base_url"`
	FanoutLimit  int           `mapstructure:"fanout_limit"`
	TTL          time.Duration `mapstructure:"ttl"`
}

// TaxonomyConfig controls the sports-tag / tag-dictionary cache.
type TaxonomyConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
}

// DedupConfig controls the seen-hash set. SeenTTL bounds how long a
// transaction hash is remembered; combined with the poll cadence it bounds
// worst-case alert loss after a crash between mark and enqueue.
type DedupConfig struct {
	SeenTTL time.Duration `mapstructure:"seen_ttl"`
}

// FiltersConfig controls the in-memory filter snapshot. ReloadInterval is
// the maximum staleness when no reload signal arrives.
type FiltersConfig struct {
	ReloadInterval time.Duration `mapstructure:"reload_interval"`
}

// TelegramConfig holds the chat platform endpoint and credentials.
// BaseURL is overridable for tests; BotToken comes from TELEGRAM_BOT_TOKEN.
type TelegramConfig struct {
	BaseURL  string `mapstructure:"base_url"`
	BotToken string `mapstructure:"bot_token"`
}

// StoreConfig sets where the document store lives. InMemory is for tests.
type StoreConfig struct {
	DataDir  string `mapstructure:"data_dir"`
	InMemory bool   `mapstructure:"in_memory"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file, applies defaults, then applies the
// recognized environment overrides: POLL_INTERVAL_SECONDS,
// MAX_TRADES_PER_POLL, GLOBAL_MIN_NOTIONAL_USD, FILTER_RELOAD_INTERVAL_SECONDS,
// SEEN_HASH_TTL_MINUTES, MARKET_TTL_HOURS, TAXONOMY_TTL_HOURS,
// TELEGRAM_BOT_TOKEN, STORE_DATA_DIR.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	v.SetDefault("feed.data_api_base_url", "https://data-api.polymarket.com")
	v.SetDefault("feed.poll_interval", 10*time.Second)
	v.SetDefault("feed.max_trades_per_poll", 2000)
	v.SetDefault("feed.min_notional_usd", 0.0)
	v.SetDefault("markets.gamma_base_url", "https://gamma-api.polymarket.com")
	v.SetDefault("markets.fanout_limit", 32)
	v.SetDefault("markets.ttl", 24*time.Hour)
	v.SetDefault("taxonomy.ttl", 24*time.Hour)
	v.SetDefault("dedup.seen_ttl", 15*time.Minute)
	v.SetDefault("filters.reload_interval", 60*time.Second)
	v.SetDefault("telegram.base_url", "https://api.telegram.org")
	v.SetDefault("store.data_dir", "data")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	if err := v.ReadInConfig(); err != nil {
		// A missing file is fine — defaults plus env cover everything
		// except the bot token.
		if !os.IsNotExist(err) {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				if _, ok := err.(*os.PathError); !ok {
					return nil, fmt.Errorf("read config: %w", err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	if err := overrideDuration("POLL_INTERVAL_SECONDS", time.Second, &cfg.Feed.PollInterval); err != nil {
		return err
	}
	if raw := os.Getenv("MAX_TRADES_PER_POLL"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("MAX_TRADES_PER_POLL: %w", err)
		}
		cfg.Feed.MaxTradesPerPoll = n
	}
	if raw := os.Getenv("GLOBAL_MIN_NOTIONAL_USD"); raw != "" {
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return fmt.Errorf("GLOBAL_MIN_NOTIONAL_USD: %w", err)
		}
		cfg.Feed.MinNotionalUSD = f
	}
	if err := overrideDuration("FILTER_RELOAD_INTERVAL_SECONDS", time.Second, &cfg.Filters.ReloadInterval); err != nil {
		return err
	}
	if err := overrideDuration("SEEN_HASH_TTL_MINUTES", time.Minute, &cfg.Dedup.SeenTTL); err != nil {
		return err
	}
	if err := overrideDuration("MARKET_TTL_HOURS", time.Hour, &cfg.Markets.TTL); err != nil {
		return err
	}
	if err := overrideDuration("TAXONOMY_TTL_HOURS", time.Hour, &cfg.Taxonomy.TTL); err != nil {
		return err
	}
	if token := os.Getenv("TELEGRAM_BOT_TOKEN"); token != "" {
		cfg.Telegram.BotToken = token
	}
	if dir := os.Getenv("STORE_DATA_DIR"); dir != "" {
		cfg.Store.DataDir = dir
	}
	return nil
}

func overrideDuration(name string, unit time.Duration, dst *time.Duration) error {
	raw := os.Getenv(name)
	if raw == "" {
		return nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	*dst = time.Duration(n) * unit
	return nil
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Feed.DataAPIBaseURL == "" {
		return fmt.Errorf("feed.data_api_base_url is required")
	}
	if c.Feed.PollInterval <= 0 {
		return fmt.Errorf("feed.poll_interval must be > 0")
	}
	if c.Feed.MaxTradesPerPoll <= 0 {
		return fmt.Errorf("feed.max_trades_per_poll must be > 0")
	}
	if c.Feed.MinNotionalUSD < 0 {
		return fmt.Errorf("feed.min_notional_usd must be >= 0")
	}
	if c.Feed.WSEnabled && c.Feed.WSURL == "" {
		return fmt.Errorf("feed.ws_url is required when feed.ws_enabled is true")
	}
	if c.Markets.GammaBaseURL == "" {
		return fmt.Errorf("markets.gamma_base_url is required")
	}
	if c.Markets.FanoutLimit <= 0 || c.Markets.FanoutLimit > 32 {
		return fmt.Errorf("markets.fanout_limit must be in 1..32")
	}
	if c.Markets.TTL <= 0 {
		return fmt.Errorf("markets.ttl must be > 0")
	}
	if c.Taxonomy.TTL <= 0 {
		return fmt.Errorf("taxonomy.ttl must be > 0")
	}
	if c.Dedup.SeenTTL <= 0 {
		return fmt.Errorf("dedup.seen_ttl must be > 0")
	}
	if c.Filters.ReloadInterval <= 0 {
		return fmt.Errorf("filters.reload_interval must be > 0")
	}
	if c.Telegram.BotToken == "" {
		return fmt.Errorf("telegram.bot_token is required (set TELEGRAM_BOT_TOKEN)")
	}
	if !c.Store.InMemory && c.Store.DataDir == "" {
		return fmt.Errorf("store.data_dir is required")
	}
	return nil
}
