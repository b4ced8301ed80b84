package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"livefeed/internal/domain/model"
)

// Environment overrides, read after .env is loaded
const (
	EnvAPIKey        = "LIVEFEED_API_KEY"
	EnvTokenEndpoint = "LIVEFEED_TOKEN_ENDPOINT"
	EnvPostgresDSN   = "LIVEFEED_POSTGRES_DSN"
	EnvRedisPassword = "LIVEFEED_REDIS_PASSWORD"
)

type WatchEntry struct {
	Symbol  string `toml:"symbol"`
	Channel string `toml:"channel"` // quotes | aggregates | options | indices
}

type Config struct {
	App struct {
		PrintEveryMin int    `toml:"print_every_min"`
		StaleAfterSec int    `toml:"stale_after_sec"` // 0 disables the stale marker
		LogLevel      string `toml:"log_level"`
	} `toml:"app"`

	Watchlist []WatchEntry `toml:"watchlist"`

	Polygon struct {
		APIKey        string `toml:"api_key"`
		TokenEndpoint string `toml:"token_endpoint"`
		RestURL       string `toml:"rest_url"`

		Stocks  StreamCluster `toml:"stocks"`
		Options StreamCluster `toml:"options"`
		Indices StreamCluster `toml:"indices"`

		MaxRetries     int `toml:"max_retries"`
		RetryInitialMs int `toml:"retry_initial_ms"`
		RetryMaxMs     int `toml:"retry_max_ms"`
	} `toml:"polygon"`

	Transport struct {
		HealthCheckMs        int `toml:"health_check_ms"`
		StalenessMs          int `toml:"staleness_ms"`
		PollIntervalMs       int `toml:"poll_interval_ms"`
		BatchWindowMs        int `toml:"batch_window_ms"`
		ReconnectBaseMs      int `toml:"reconnect_base_ms"`
		ReconnectMaxMs       int `toml:"reconnect_max_ms"`
		MaxReconnectAttempts int `toml:"max_reconnect_attempts"`
		FetchTimeoutMs       int `toml:"fetch_timeout_ms"`

		// staleness only counts during the regular session of this exchange
		MarketHoursOnly bool   `toml:"market_hours_only"`
		MarketMIC       string `toml:"market_mic"`
	} `toml:"transport"`

	RequestQueue struct {
		MaxConcurrent    int `toml:"max_concurrent"`
		MinDelayMs       int `toml:"min_delay_ms"`
		DedupeWindowMs   int `toml:"dedupe_window_ms"`
		RequestTimeoutMs int `toml:"request_timeout_ms"`
	} `toml:"request_queue"`

	Cache struct {
		SweepIntervalSec int `toml:"sweep_interval_sec"`
		MaxEntries       int `toml:"max_entries"`
		PrevCloseTTLSec  int `toml:"prev_close_ttl_sec"`
	} `toml:"cache"`

	Recorder struct {
		Enabled        bool `toml:"enabled"`
		Buffer         int  `toml:"buffer"`
		WriteTimeoutMs int  `toml:"write_timeout_ms"`
	} `toml:"recorder"`

	SQLite struct {
		Enabled        bool   `toml:"enabled"`
		Path           string `toml:"path"`
		RetentionHours int    `toml:"retention_hours"` // history older than this is pruned hourly
	} `toml:"sqlite"`

	Postgres struct {
		Enabled bool   `toml:"enabled"`
		DSN     string `toml:"dsn"`
	} `toml:"postgres"`

	Redis struct {
		Enabled       bool   `toml:"enabled"`
		Addr          string `toml:"addr"`
		Password      string `toml:"password"`
		DB            int    `toml:"db"`
		Prefix        string `toml:"prefix"`
		TTLSeconds    int    `toml:"ttl_seconds"`
		UpdateChannel string `toml:"update_channel"`
	} `toml:"redis"`

	HTTP struct {
		Enabled bool   `toml:"enabled"`
		Addr    string `toml:"addr"`
	} `toml:"http"`
}

// StreamCluster is one vendor websocket cluster
type StreamCluster struct {
	Enabled bool   `toml:"enabled"`
	WsURL   string `toml:"ws_url"`
}

// Load reads the TOML file, overlays the environment (after loading envFile
// when it exists) and validates the result.
func Load(path, envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv(EnvAPIKey); v != "" {
		cfg.Polygon.APIKey = v
	}
	if v := os.Getenv(EnvTokenEndpoint); v != "" {
		cfg.Polygon.TokenEndpoint = v
	}
	if v := os.Getenv(EnvPostgresDSN); v != "" {
		cfg.Postgres.DSN = v
	}
	if v := os.Getenv(EnvRedisPassword); v != "" {
		cfg.Redis.Password = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.App.PrintEveryMin <= 0 {
		cfg.App.PrintEveryMin = 5
	}
	if cfg.App.LogLevel == "" {
		cfg.App.LogLevel = "info"
	}

	if cfg.Polygon.RestURL == "" {
		cfg.Polygon.RestURL = "https://api.polygon.io"
	}
	if cfg.Polygon.Stocks.WsURL == "" {
		cfg.Polygon.Stocks.WsURL = "wss://socket.polygon.io/stocks"
	}
	if cfg.Polygon.Options.WsURL == "" {
		cfg.Polygon.Options.WsURL = "wss://socket.polygon.io/options"
	}
	if cfg.Polygon.Indices.WsURL == "" {
		cfg.Polygon.Indices.WsURL = "wss://socket.polygon.io/indices"
	}
	if cfg.Polygon.MaxRetries <= 0 {
		cfg.Polygon.MaxRetries = 3
	}
	if cfg.Polygon.RetryInitialMs <= 0 {
		cfg.Polygon.RetryInitialMs = 500
	}
	if cfg.Polygon.RetryMaxMs <= 0 {
		cfg.Polygon.RetryMaxMs = 10_000
	}

	t := &cfg.Transport
	if t.HealthCheckMs <= 0 {
		t.HealthCheckMs = 2_000
	}
	if t.StalenessMs <= 0 {
		t.StalenessMs = 5_000
	}
	if t.PollIntervalMs <= 0 {
		t.PollIntervalMs = 5_000
	}
	if t.BatchWindowMs <= 0 {
		t.BatchWindowMs = 100
	}
	if t.ReconnectBaseMs <= 0 {
		t.ReconnectBaseMs = 1_000
	}
	if t.ReconnectMaxMs <= 0 {
		t.ReconnectMaxMs = 30_000
	}
	if t.MaxReconnectAttempts <= 0 {
		t.MaxReconnectAttempts = 10
	}
	if t.FetchTimeoutMs <= 0 {
		t.FetchTimeoutMs = 10_000
	}
	if t.MarketMIC == "" {
		t.MarketMIC = "xnys"
	}

	q := &cfg.RequestQueue
	if q.MaxConcurrent <= 0 {
		q.MaxConcurrent = 5
	}
	if q.MinDelayMs <= 0 {
		q.MinDelayMs = 150
	}
	if q.DedupeWindowMs <= 0 {
		q.DedupeWindowMs = 1_500
	}
	if q.RequestTimeoutMs <= 0 {
		q.RequestTimeoutMs = 10_000
	}

	if cfg.Cache.SweepIntervalSec <= 0 {
		cfg.Cache.SweepIntervalSec = 300
	}
	if cfg.Cache.PrevCloseTTLSec <= 0 {
		cfg.Cache.PrevCloseTTLSec = 3_600
	}

	if cfg.Recorder.Buffer <= 0 {
		cfg.Recorder.Buffer = 1024
	}
	if cfg.Recorder.WriteTimeoutMs <= 0 {
		cfg.Recorder.WriteTimeoutMs = 5_000
	}

	if cfg.SQLite.Path == "" {
		cfg.SQLite.Path = "data/livefeed.db"
	}
	if cfg.SQLite.RetentionHours <= 0 {
		cfg.SQLite.RetentionHours = 24
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "127.0.0.1:6379"
	}
	if cfg.Redis.Prefix == "" {
		cfg.Redis.Prefix = "livefeed"
	}
	if cfg.Redis.TTLSeconds <= 0 {
		cfg.Redis.TTLSeconds = 86_400
	}
	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = "127.0.0.1:8090"
	}
}

func validate(cfg *Config) error {
	if strings.TrimSpace(cfg.Polygon.APIKey) == "" && strings.TrimSpace(cfg.Polygon.TokenEndpoint) == "" {
		return fmt.Errorf("polygon.api_key empty: set %s or polygon.token_endpoint", EnvAPIKey)
	}

	list, err := normalizeWatchlist(cfg.Watchlist)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		return errors.New("watchlist is empty")
	}
	cfg.Watchlist = list

	if cfg.Transport.ReconnectMaxMs < cfg.Transport.ReconnectBaseMs {
		return errors.New("transport.reconnect_max_ms below reconnect_base_ms")
	}
	if cfg.Postgres.Enabled && strings.TrimSpace(cfg.Postgres.DSN) == "" {
		return fmt.Errorf("postgres.dsn empty but enabled: set it or %s", EnvPostgresDSN)
	}
	if cfg.SQLite.Enabled && strings.TrimSpace(cfg.SQLite.Path) == "" {
		return errors.New("sqlite.path empty but enabled")
	}
	return nil
}

// normalizeWatchlist upper-cases symbols, defaults the channel to quotes and
// drops duplicate keys keeping the first.
func normalizeWatchlist(in []WatchEntry) ([]WatchEntry, error) {
	out := make([]WatchEntry, 0, len(in))
	seen := map[model.Key]struct{}{}
	for i, w := range in {
		sym := strings.ToUpper(strings.TrimSpace(w.Symbol))
		if sym == "" {
			continue
		}
		ch := model.Channel(strings.ToLower(strings.TrimSpace(w.Channel)))
		if ch == "" {
			ch = model.ChannelQuotes
		}
		if !ch.Valid() {
			return nil, fmt.Errorf("watchlist[%d]: unknown channel %q", i, w.Channel)
		}
		k := model.NewKey(sym, ch)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, WatchEntry{Symbol: sym, Channel: string(ch)})
	}
	return out, nil
}
