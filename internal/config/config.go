// Package config resolves agentwatch settings from built-in defaults, an
// optional YAML file and AGENTWATCH_* environment variables. Command-line
// flags are applied on top by the CLI.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"agentwatch/internal/auth"
	"agentwatch/internal/stream"
	"agentwatch/internal/telemetry"
)

const (
	TransportSSE   = "sse"
	TransportRedis = "redis"

	ReconnectConstant    = "constant"
	ReconnectExponential = "exponential"

	envPrefix = "AGENTWATCH_"
)

type Config struct {
	Job        string `yaml:"job"`
	ServerURL  string `yaml:"server_url"`
	EventsPath string `yaml:"events_path"`
	TokenQuery bool   `yaml:"token_query"`
	Transport  string `yaml:"transport"`

	Redis RedisConfig `yaml:"redis"`

	Token       string `yaml:"token"`
	TokenFile   string `yaml:"token_file"`
	TokenEnv    string `yaml:"token_env"`
	CheckExpiry bool   `yaml:"check_expiry"`

	Reconnect      ReconnectConfig `yaml:"reconnect"`
	ConnectTimeout time.Duration   `yaml:"connect_timeout"`
	IdleTimeout    time.Duration   `yaml:"idle_timeout"`

	LogFile     string `yaml:"log_file"`
	LogLevel    string `yaml:"log_level"`
	AltScreen   bool   `yaml:"alt_screen"`
	MetricsAddr string `yaml:"metrics_addr"`
}

type RedisConfig struct {
	Addr          string `yaml:"addr"`
	Username      string `yaml:"username"`
	DB            int    `yaml:"db"`
	ChannelPrefix string `yaml:"channel_prefix"`
}

type ReconnectConfig struct {
	Strategy string        `yaml:"strategy"`
	Delay    time.Duration `yaml:"delay"`
	MaxDelay time.Duration `yaml:"max_delay"`
}

func Default() Config {
	return Config{
		ServerURL:  "http://127.0.0.1:8000",
		EventsPath: stream.DefaultEventsPath,
		Transport:  TransportSSE,
		Redis: RedisConfig{
			Addr:          "127.0.0.1:6379",
			ChannelPrefix: stream.DefaultChannelPrefix,
		},
		TokenEnv: "AGENTWATCH_TOKEN",
		Reconnect: ReconnectConfig{
			Strategy: ReconnectConstant,
			Delay:    stream.DefaultReconnectDelay,
			MaxDelay: time.Minute,
		},
		ConnectTimeout: stream.DefaultConnectTimeout,
		LogLevel:       "info",
		AltScreen:      true,
	}
}

// Load builds a Config from defaults, then the YAML file at path (or
// $AGENTWATCH_CONFIG when path is empty), then the environment. The result
// is normalised but not validated; call Validate once flags are applied.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) == "" {
		path = strings.TrimSpace(os.Getenv(envPrefix + "CONFIG"))
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("load config %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %q: %w", path, err)
		}
	}
	cfg.applyEnv()
	cfg.Normalize()
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Job = envOr(envPrefix+"JOB", c.Job)
	c.ServerURL = envOr(envPrefix+"SERVER_URL", c.ServerURL)
	c.EventsPath = envOr(envPrefix+"EVENTS_PATH", c.EventsPath)
	c.TokenQuery = envOrBool(envPrefix+"TOKEN_QUERY", c.TokenQuery)
	c.Transport = envOr(envPrefix+"TRANSPORT", c.Transport)

	c.Redis.Addr = envOr(envPrefix+"REDIS_ADDR", c.Redis.Addr)
	c.Redis.Username = envOr(envPrefix+"REDIS_USERNAME", c.Redis.Username)
	c.Redis.DB = envOrInt(envPrefix+"REDIS_DB", c.Redis.DB)
	c.Redis.ChannelPrefix = envOr(envPrefix+"REDIS_CHANNEL_PREFIX", c.Redis.ChannelPrefix)

	// AGENTWATCH_TOKEN is read lazily through TokenEnv, never copied here.
	c.TokenFile = envOr(envPrefix+"TOKEN_FILE", c.TokenFile)
	c.TokenEnv = envOr(envPrefix+"TOKEN_ENV", c.TokenEnv)
	c.CheckExpiry = envOrBool(envPrefix+"CHECK_EXPIRY", c.CheckExpiry)

	c.Reconnect.Strategy = envOr(envPrefix+"RECONNECT", c.Reconnect.Strategy)
	c.Reconnect.Delay = envOrDuration(envPrefix+"RECONNECT_DELAY", c.Reconnect.Delay)
	c.Reconnect.MaxDelay = envOrDuration(envPrefix+"RECONNECT_MAX_DELAY", c.Reconnect.MaxDelay)
	c.ConnectTimeout = envOrDuration(envPrefix+"CONNECT_TIMEOUT", c.ConnectTimeout)
	c.IdleTimeout = envOrDuration(envPrefix+"IDLE_TIMEOUT", c.IdleTimeout)

	c.LogFile = envOr(envPrefix+"LOG_FILE", c.LogFile)
	c.LogLevel = envOr(envPrefix+"LOG_LEVEL", c.LogLevel)
	c.AltScreen = envOrBool(envPrefix+"ALT_SCREEN", c.AltScreen)
	c.MetricsAddr = envOr(envPrefix+"METRICS_ADDR", c.MetricsAddr)
}

// Normalize trims and lowercases enumerations and clamps durations into a
// sane range. Unknown enumeration values are left for Validate to reject.
func (c *Config) Normalize() {
	c.Job = strings.TrimSpace(c.Job)
	c.ServerURL = strings.TrimRight(strings.TrimSpace(c.ServerURL), "/")
	c.EventsPath = strings.TrimSpace(c.EventsPath)
	if c.EventsPath == "" {
		c.EventsPath = stream.DefaultEventsPath
	}
	c.Transport = strings.ToLower(strings.TrimSpace(c.Transport))
	if c.Transport == "" {
		c.Transport = TransportSSE
	}
	c.Redis.Addr = strings.TrimSpace(c.Redis.Addr)
	if c.Redis.ChannelPrefix == "" {
		c.Redis.ChannelPrefix = stream.DefaultChannelPrefix
	}
	c.Redis.DB = clampInt(c.Redis.DB, 0, 15)

	c.Reconnect.Strategy = strings.ToLower(strings.TrimSpace(c.Reconnect.Strategy))
	if c.Reconnect.Strategy == "" {
		c.Reconnect.Strategy = ReconnectConstant
	}
	if c.Reconnect.Delay <= 0 {
		c.Reconnect.Delay = stream.DefaultReconnectDelay
	}
	c.Reconnect.Delay = clampDuration(c.Reconnect.Delay, 100*time.Millisecond, 5*time.Minute)
	c.Reconnect.MaxDelay = clampDuration(c.Reconnect.MaxDelay, c.Reconnect.Delay, 30*time.Minute)

	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = stream.DefaultConnectTimeout
	}
	c.ConnectTimeout = clampDuration(c.ConnectTimeout, time.Second, 2*time.Minute)
	if c.IdleTimeout < 0 {
		c.IdleTimeout = 0
	}
	if c.IdleTimeout > 0 {
		c.IdleTimeout = clampDuration(c.IdleTimeout, time.Second, time.Hour)
	}

	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	c.MetricsAddr = strings.TrimSpace(c.MetricsAddr)
}

func (c Config) Validate() error {
	var errs []error
	switch c.Transport {
	case TransportSSE:
		u, err := url.Parse(c.ServerURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("server url %q must be absolute (http://host:port)", c.ServerURL))
		} else if u.Scheme != "http" && u.Scheme != "https" {
			errs = append(errs, fmt.Errorf("server url scheme %q is not http or https", u.Scheme))
		}
	case TransportRedis:
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("redis transport needs redis.addr"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown transport %q (sse|redis)", c.Transport))
	}
	switch c.Reconnect.Strategy {
	case ReconnectConstant, ReconnectExponential:
	default:
		errs = append(errs, fmt.Errorf("unknown reconnect strategy %q (constant|exponential)", c.Reconnect.Strategy))
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// StreamTransport returns the physical transport the config selects.
func (c Config) StreamTransport() stream.Transport {
	if c.Transport == TransportRedis {
		return &stream.RedisTransport{
			Addr:          c.Redis.Addr,
			Username:      c.Redis.Username,
			DB:            c.Redis.DB,
			ChannelPrefix: c.Redis.ChannelPrefix,
		}
	}
	return &stream.SSETransport{
		BaseURL:    c.ServerURL,
		Path:       c.EventsPath,
		TokenQuery: c.TokenQuery,
	}
}

// Credentials chains the configured token sources: inline token, token file,
// then the token environment variable. Each attempt reads them afresh.
func (c Config) Credentials() auth.Source {
	var sources []auth.Source
	if strings.TrimSpace(c.Token) != "" {
		sources = append(sources, auth.Static(c.Token))
	}
	if strings.TrimSpace(c.TokenFile) != "" {
		sources = append(sources, auth.File{Path: c.TokenFile})
	}
	if strings.TrimSpace(c.TokenEnv) != "" {
		sources = append(sources, auth.Env{Name: c.TokenEnv})
	}
	src := auth.Chain(sources...)
	if c.CheckExpiry {
		src = auth.WithExpiryCheck(src)
	}
	return src
}

func (c Config) ManagerOptions(logger *slog.Logger, metrics *telemetry.Metrics) []stream.Option {
	opts := []stream.Option{
		stream.WithLogger(logger),
		stream.WithMetrics(metrics),
		stream.WithConnectTimeout(c.ConnectTimeout),
		stream.WithIdleTimeout(c.IdleTimeout),
	}
	if c.Reconnect.Strategy == ReconnectExponential {
		opts = append(opts, stream.WithBackOff(stream.ExponentialReconnect(c.Reconnect.Delay, c.Reconnect.MaxDelay)))
	} else {
		opts = append(opts, stream.WithReconnectDelay(c.Reconnect.Delay))
	}
	return opts
}

// Level returns the slog level for LogLevel, defaulting to info.
func (c Config) Level() slog.Level {
	level, err := parseLevel(c.LogLevel)
	if err != nil {
		return slog.LevelInfo
	}
	return level
}

func parseLevel(raw string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(raw)); err != nil {
		return slog.LevelInfo, fmt.Errorf("unknown log level %q (debug|info|warn|error)", raw)
	}
	return level, nil
}

func envOr(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func envOrInt(key string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func envOrBool(key string, fallback bool) bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	if value == "" {
		return fallback
	}
	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

// envOrDuration accepts Go durations ("1m30s") or bare seconds ("90").
func envOrDuration(key string, fallback time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func clampInt(value, min, max int) int {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}

func clampDuration(value, min, max time.Duration) time.Duration {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}
