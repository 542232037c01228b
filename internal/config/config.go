// Package config loads service configuration from YAML with environment
// overrides. Precedence is flags > environment > file > defaults; flag
// binding happens in cmd via viper, everything else lives here.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration parses YAML values like "30s" or "5m"; bare integers are
// taken as seconds for compatibility with older config files.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration: %w", err)
	}
	dur, err := parseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if secs, err := strconv.Atoi(s); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("bad duration %q: %w", s, err)
	}
	return dur, nil
}

// Config is the full recond configuration.
type Config struct {
	HTTP   HTTPConfig   `yaml:"http"`
	Store  StoreConfig  `yaml:"store"`
	Cache  CacheConfig  `yaml:"cache"`
	Stream StreamConfig `yaml:"stream"`
	Engine EngineConfig `yaml:"engine"`
	Stats  StatsConfig  `yaml:"stats"`
	Log    LogConfig    `yaml:"log"`
}

// HTTPConfig controls the API listener.
type HTTPConfig struct {
	Addr        string   `yaml:"addr"`
	RateLimit   int      `yaml:"rate-limit"` // requests per window per client, 0 disables
	RateWindow  Duration `yaml:"rate-window"`
	ResponseTTL Duration `yaml:"response-ttl"` // GET response cache TTL
}

// StoreConfig selects and locates the durable store.
type StoreConfig struct {
	Backend string `yaml:"backend"` // sqlite or memory
	Path    string `yaml:"path"`    // sqlite file path, or :memory:
}

// CacheConfig selects the coordination cache. Backend "auto" tries
// Redis and falls back to the in-process cache when unreachable;
// "redis" fails hard instead.
type CacheConfig struct {
	Backend     string   `yaml:"backend"` // redis, memory, or auto
	RedisURL    string   `yaml:"redis-url"`
	Namespace   string   `yaml:"namespace"`
	OpTimeout   Duration `yaml:"op-timeout"`
	StageTTL    Duration `yaml:"stage-ttl"`
	LockTTL     Duration `yaml:"lock-ttl"`
	ThrottleTTL Duration `yaml:"throttle-ttl"`
	StatsTTL    Duration `yaml:"stats-ttl"`
}

// SourceConfig binds one upstream source to its stream subject.
type SourceConfig struct {
	Name    string `yaml:"name"`
	Subject string `yaml:"subject"`
}

// StreamConfig selects the transport carrying source views.
type StreamConfig struct {
	Backend string         `yaml:"backend"` // nats or memory
	URL     string         `yaml:"url"`
	Name    string         `yaml:"name"`    // JetStream stream name
	Durable string         `yaml:"durable"` // durable consumer name prefix
	Embed   bool           `yaml:"embed"`   // run an embedded broker
	Sources []SourceConfig `yaml:"sources"`
}

// EngineConfig carries the reconciliation tunables.
type EngineConfig struct {
	Quorum          int      `yaml:"quorum"`
	AmountTolerance float64  `yaml:"amount-tolerance"`
	TimeTolerance   Duration `yaml:"time-tolerance"`
	RecentSize      int      `yaml:"recent-size"`
}

// StatsConfig carries the reporting windows.
type StatsConfig struct {
	DelayedAfter   Duration `yaml:"delayed-after"`
	ActivityWindow Duration `yaml:"activity-window"`
}

// LogConfig controls the slog handler built in cmd.
type LogConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
	JSON  bool   `yaml:"json"`
}

// Default returns the configuration recond runs with when no file or
// environment says otherwise.
func Default() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Addr:        ":8080",
			RateLimit:   1000,
			RateWindow:  Duration(time.Hour),
			ResponseTTL: Duration(30 * time.Second),
		},
		Store: StoreConfig{
			Backend: "sqlite",
			Path:    "recon.db",
		},
		Cache: CacheConfig{
			Backend:     "auto",
			RedisURL:    "redis://localhost:6379/0",
			Namespace:   "recon",
			OpTimeout:   Duration(5 * time.Second),
			StageTTL:    Duration(5 * time.Minute),
			LockTTL:     Duration(30 * time.Second),
			ThrottleTTL: Duration(5 * time.Second),
			StatsTTL:    Duration(2 * time.Minute),
		},
		Stream: StreamConfig{
			Backend: "nats",
			URL:     "nats://localhost:4222",
			Name:    "TXNS",
			Durable: "recond",
			Sources: []SourceConfig{
				{Name: "core", Subject: "txns.core"},
				{Name: "gateway", Subject: "txns.gateway"},
				{Name: "mobile", Subject: "txns.mobile"},
			},
		},
		Engine: EngineConfig{
			Quorum:          2,
			AmountTolerance: 0.01,
			TimeTolerance:   Duration(300 * time.Second),
			RecentSize:      100,
		},
		Stats: StatsConfig{
			DelayedAfter:   Duration(5 * time.Minute),
			ActivityWindow: Duration(24 * time.Hour),
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads path into a Config layered over Default, then applies
// environment overrides. An empty path skips the file entirely; a
// named file that cannot be read or parsed is an error rather than a
// silent fallback.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path) // #nosec G304 - operator-supplied config path
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv layers RECON_* environment variables over the file values.
func (c *Config) applyEnv() {
	if v := os.Getenv("RECON_HTTP_ADDR"); v != "" {
		c.HTTP.Addr = v
	}
	if v := os.Getenv("RECON_DB_PATH"); v != "" {
		c.Store.Path = v
	}
	if v := os.Getenv("RECON_STORE_BACKEND"); v != "" {
		c.Store.Backend = v
	}
	if v := os.Getenv("RECON_REDIS_URL"); v != "" {
		c.Cache.RedisURL = v
	}
	if v := os.Getenv("RECON_CACHE_BACKEND"); v != "" {
		c.Cache.Backend = v
	}
	if v := os.Getenv("RECON_CACHE_NAMESPACE"); v != "" {
		c.Cache.Namespace = v
	}
	if v := os.Getenv("RECON_NATS_URL"); v != "" {
		c.Stream.URL = v
	}
	if v := os.Getenv("RECON_STREAM_BACKEND"); v != "" {
		c.Stream.Backend = v
	}
	if v := os.Getenv("RECON_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("RECON_SOURCES"); v != "" {
		c.Stream.Sources = c.Stream.Sources[:0]
		for _, name := range strings.Split(v, ",") {
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			c.Stream.Sources = append(c.Stream.Sources, SourceConfig{
				Name:    name,
				Subject: "txns." + name,
			})
		}
	}
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	if c.Engine.Quorum < 2 {
		return fmt.Errorf("engine quorum must be at least 2, got %d", c.Engine.Quorum)
	}
	if c.Engine.AmountTolerance < 0 {
		return fmt.Errorf("amount tolerance must not be negative, got %g", c.Engine.AmountTolerance)
	}
	switch c.Store.Backend {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	switch c.Cache.Backend {
	case "redis", "memory", "auto":
	default:
		return fmt.Errorf("unknown cache backend %q", c.Cache.Backend)
	}
	switch c.Stream.Backend {
	case "nats", "memory":
	default:
		return fmt.Errorf("unknown stream backend %q", c.Stream.Backend)
	}
	if len(c.Stream.Sources) == 0 {
		return fmt.Errorf("at least one stream source is required")
	}
	seen := make(map[string]bool, len(c.Stream.Sources))
	for _, src := range c.Stream.Sources {
		if src.Name == "" || src.Subject == "" {
			return fmt.Errorf("stream sources need both name and subject")
		}
		if seen[src.Name] {
			return fmt.Errorf("duplicate stream source %q", src.Name)
		}
		seen[src.Name] = true
	}
	return nil
}

// SourceNames returns the configured source names in config order.
func (c *Config) SourceNames() []string {
	names := make([]string, 0, len(c.Stream.Sources))
	for _, s := range c.Stream.Sources {
		names = append(names, s.Name)
	}
	return names
}
