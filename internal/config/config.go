package config

import (
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/agentworkforce/relaydash/internal/livesync"
)

const EnvPrefix = "RELAYDASH_"

// Duration decodes "30s"-style strings from YAML and TOML.
type Duration time.Duration

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.UnmarshalText([]byte(node.Value))
}

type Config struct {
	Socket      SocketConfig      `yaml:"socket" toml:"socket"`
	Rest        RestConfig        `yaml:"rest" toml:"rest"`
	Polling     PollingConfig     `yaml:"polling" toml:"polling"`
	UI          UIConfig          `yaml:"ui" toml:"ui"`
	Server      ServerConfig      `yaml:"server" toml:"server"`
	Archive     ArchiveConfig     `yaml:"archive" toml:"archive"`
	Preferences PreferencesConfig `yaml:"preferences" toml:"preferences"`
}

type SocketConfig struct {
	URL                  string   `yaml:"url" toml:"url"`
	HeartbeatInterval    Duration `yaml:"heartbeat_interval" toml:"heartbeat_interval"`
	MaxReconnectAttempts int      `yaml:"max_reconnect_attempts" toml:"max_reconnect_attempts"`
	BaseBackoff          Duration `yaml:"base_backoff" toml:"base_backoff"`
	MaxBackoff           Duration `yaml:"max_backoff" toml:"max_backoff"`
	HealthyThreshold     Duration `yaml:"healthy_threshold" toml:"healthy_threshold"`
}

type RestConfig struct {
	BaseURL        string   `yaml:"base_url" toml:"base_url"`
	Token          string   `yaml:"token" toml:"token"`
	RequestTimeout Duration `yaml:"request_timeout" toml:"request_timeout"`
	PageSize       int      `yaml:"page_size" toml:"page_size"`
}

type PollingConfig struct {
	Interval Duration `yaml:"interval" toml:"interval"`
}

type UIConfig struct {
	PulseDuration       Duration `yaml:"pulse_duration" toml:"pulse_duration"`
	AutocompleteCeiling Duration `yaml:"autocomplete_ceiling" toml:"autocomplete_ceiling"`
}

type ServerConfig struct {
	Addr            string   `yaml:"addr" toml:"addr"`
	Session         string   `yaml:"session" toml:"session"`
	JWTSecret       string   `yaml:"jwt_secret" toml:"jwt_secret"`
	RateLimitMax    int      `yaml:"rate_limit_max" toml:"rate_limit_max"`
	RateLimitWindow Duration `yaml:"rate_limit_window" toml:"rate_limit_window"`
	MaxBodyBytes    int64    `yaml:"max_body_bytes" toml:"max_body_bytes"`
	StreamBuffer    int      `yaml:"stream_buffer" toml:"stream_buffer"`
}

type ArchiveConfig struct {
	DSN       string `yaml:"dsn" toml:"dsn"`
	QueueSize int    `yaml:"queue_size" toml:"queue_size"`
}

type PreferencesConfig struct {
	Path  string `yaml:"path" toml:"path"`
	Watch *bool  `yaml:"watch" toml:"watch"`
}

func (p PreferencesConfig) WatchEnabled() bool {
	return p.Watch == nil || *p.Watch
}

// Load reads path (YAML, or TOML when the extension is .toml). An empty path
// yields the defaults. Environment overrides are applied before validation.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := decode(path, data, cfg); err != nil {
			return nil, err
		}
	}
	ApplyEnv(cfg)
	applyDefaults(cfg)
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML bytes, applies defaults and validates. It does not read
// the environment.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if err := toml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("config: parse toml: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("config: parse yaml: %w", err)
		}
	}
	return nil
}

// ApplyEnv overlays RELAYDASH_* variables onto cfg. Invalid numbers and
// durations are logged and ignored.
func ApplyEnv(cfg *Config) {
	cfg.Socket.URL = envOrDefault(EnvPrefix+"SOCKET_URL", cfg.Socket.URL)
	cfg.Socket.HeartbeatInterval = Duration(durationEnv(EnvPrefix+"HEARTBEAT_INTERVAL", cfg.Socket.HeartbeatInterval.Std()))
	cfg.Socket.MaxReconnectAttempts = intEnv(EnvPrefix+"MAX_RECONNECT_ATTEMPTS", cfg.Socket.MaxReconnectAttempts)
	cfg.Socket.BaseBackoff = Duration(durationEnv(EnvPrefix+"BASE_BACKOFF", cfg.Socket.BaseBackoff.Std()))
	cfg.Socket.MaxBackoff = Duration(durationEnv(EnvPrefix+"MAX_BACKOFF", cfg.Socket.MaxBackoff.Std()))
	cfg.Socket.HealthyThreshold = Duration(durationEnv(EnvPrefix+"HEALTHY_THRESHOLD", cfg.Socket.HealthyThreshold.Std()))

	cfg.Rest.BaseURL = envOrDefault(EnvPrefix+"REST_URL", cfg.Rest.BaseURL)
	cfg.Rest.Token = envOrDefault(EnvPrefix+"REST_TOKEN", cfg.Rest.Token)
	cfg.Rest.RequestTimeout = Duration(durationEnv(EnvPrefix+"REQUEST_TIMEOUT", cfg.Rest.RequestTimeout.Std()))
	cfg.Rest.PageSize = intEnv(EnvPrefix+"PAGE_SIZE", cfg.Rest.PageSize)

	cfg.Polling.Interval = Duration(durationEnv(EnvPrefix+"POLLING_INTERVAL", cfg.Polling.Interval.Std()))

	cfg.UI.PulseDuration = Duration(durationEnv(EnvPrefix+"PULSE_DURATION", cfg.UI.PulseDuration.Std()))
	cfg.UI.AutocompleteCeiling = Duration(durationEnv(EnvPrefix+"AUTOCOMPLETE_CEILING", cfg.UI.AutocompleteCeiling.Std()))

	cfg.Server.Addr = envOrDefault(EnvPrefix+"ADDR", cfg.Server.Addr)
	cfg.Server.Session = envOrDefault(EnvPrefix+"SESSION", cfg.Server.Session)
	cfg.Server.JWTSecret = envOrDefault(EnvPrefix+"JWT_SECRET", cfg.Server.JWTSecret)
	cfg.Server.RateLimitMax = intEnv(EnvPrefix+"RATE_LIMIT_MAX", cfg.Server.RateLimitMax)
	cfg.Server.RateLimitWindow = Duration(durationEnv(EnvPrefix+"RATE_LIMIT_WINDOW", cfg.Server.RateLimitWindow.Std()))
	cfg.Server.MaxBodyBytes = int64Env(EnvPrefix+"MAX_BODY_BYTES", cfg.Server.MaxBodyBytes)
	cfg.Server.StreamBuffer = intEnv(EnvPrefix+"STREAM_BUFFER", cfg.Server.StreamBuffer)

	cfg.Archive.DSN = envOrDefault(EnvPrefix+"ARCHIVE_DSN", cfg.Archive.DSN)
	cfg.Archive.QueueSize = intEnv(EnvPrefix+"ARCHIVE_QUEUE_SIZE", cfg.Archive.QueueSize)

	cfg.Preferences.Path = envOrDefault(EnvPrefix+"PREFERENCES_PATH", cfg.Preferences.Path)
	if raw := strings.TrimSpace(os.Getenv(EnvPrefix + "PREFERENCES_WATCH")); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			log.Printf("invalid %sPREFERENCES_WATCH=%q, ignoring", EnvPrefix, raw)
		} else {
			cfg.Preferences.Watch = &value
		}
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Socket.URL == "" {
		cfg.Socket.URL = "ws://127.0.0.1:8000/ws"
	}
	if cfg.Socket.HeartbeatInterval == 0 {
		cfg.Socket.HeartbeatInterval = Duration(livesync.DefaultHeartbeatInterval)
	}
	if cfg.Socket.MaxReconnectAttempts == 0 {
		cfg.Socket.MaxReconnectAttempts = livesync.DefaultMaxReconnectAttempts
	}
	if cfg.Socket.BaseBackoff == 0 {
		cfg.Socket.BaseBackoff = Duration(livesync.DefaultBaseBackoff)
	}
	if cfg.Socket.MaxBackoff == 0 {
		cfg.Socket.MaxBackoff = Duration(livesync.DefaultMaxBackoff)
	}
	if cfg.Socket.HealthyThreshold == 0 {
		cfg.Socket.HealthyThreshold = Duration(livesync.DefaultHealthyThreshold)
	}
	if cfg.Rest.BaseURL == "" {
		cfg.Rest.BaseURL = "http://127.0.0.1:8000"
	}
	if cfg.Rest.RequestTimeout == 0 {
		cfg.Rest.RequestTimeout = Duration(10 * time.Second)
	}
	if cfg.Rest.PageSize == 0 {
		cfg.Rest.PageSize = livesync.DefaultPageSize
	}
	if cfg.Polling.Interval == 0 {
		cfg.Polling.Interval = Duration(livesync.DefaultPollingInterval)
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = "127.0.0.1:8787"
	}
	if cfg.Server.Session == "" {
		cfg.Server.Session = "local"
	}
	if cfg.Server.JWTSecret == "" {
		cfg.Server.JWTSecret = "dev-secret"
	}
	if cfg.Server.RateLimitWindow == 0 {
		cfg.Server.RateLimitWindow = Duration(time.Minute)
	}
	if cfg.Server.MaxBodyBytes == 0 {
		cfg.Server.MaxBodyBytes = 1 << 20
	}
	if cfg.Server.StreamBuffer == 0 {
		cfg.Server.StreamBuffer = 256
	}
	if cfg.Archive.QueueSize == 0 {
		cfg.Archive.QueueSize = 1024
	}
}

func validate(cfg *Config) error {
	var errs []string

	if err := checkURL(cfg.Socket.URL, "ws", "wss"); err != nil {
		errs = append(errs, "socket.url: "+err.Error())
	}
	if err := checkURL(cfg.Rest.BaseURL, "http", "https"); err != nil {
		errs = append(errs, "rest.base_url: "+err.Error())
	}
	if cfg.Socket.MaxReconnectAttempts < 0 {
		errs = append(errs, "socket.max_reconnect_attempts must be >= 0")
	}
	if cfg.Socket.BaseBackoff < 0 || cfg.Socket.MaxBackoff < 0 {
		errs = append(errs, "socket backoff durations must be >= 0")
	}
	if cfg.Socket.MaxBackoff < cfg.Socket.BaseBackoff {
		errs = append(errs, "socket.max_backoff must be >= socket.base_backoff")
	}
	if cfg.Polling.Interval < 0 {
		errs = append(errs, "polling.interval must be >= 0")
	}
	if cfg.Rest.PageSize < 0 {
		errs = append(errs, "rest.page_size must be >= 0")
	}
	if cfg.Server.RateLimitMax < 0 {
		errs = append(errs, "server.rate_limit_max must be >= 0")
	}
	if cfg.Server.MaxBodyBytes < 0 {
		errs = append(errs, "server.max_body_bytes must be >= 0")
	}
	if cfg.Server.StreamBuffer < 0 {
		errs = append(errs, "server.stream_buffer must be >= 0")
	}
	if cfg.Archive.QueueSize < 0 {
		errs = append(errs, "archive.queue_size must be >= 0")
	}

	if len(errs) > 0 {
		return errors.New("config: validation failed: " + strings.Join(errs, "; "))
	}
	return nil
}

func checkURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	for _, scheme := range schemes {
		if strings.EqualFold(u.Scheme, scheme) {
			if u.Host == "" {
				return fmt.Errorf("missing host in %q", raw)
			}
			return nil
		}
	}
	return fmt.Errorf("scheme must be one of %s, got %q", strings.Join(schemes, "/"), u.Scheme)
}

// LiveSync maps the file configuration onto the engine configuration.
func (c *Config) LiveSync() livesync.Config {
	return livesync.Config{
		SocketURL:            c.Socket.URL,
		RestBaseURL:          c.Rest.BaseURL,
		Token:                c.Rest.Token,
		PollingInterval:      c.Polling.Interval.Std(),
		HeartbeatInterval:    c.Socket.HeartbeatInterval.Std(),
		MaxReconnectAttempts: c.Socket.MaxReconnectAttempts,
		BaseBackoff:          c.Socket.BaseBackoff.Std(),
		MaxBackoff:           c.Socket.MaxBackoff.Std(),
		HealthyThreshold:     c.Socket.HealthyThreshold.Std(),
		PageSize:             c.Rest.PageSize,
		PulseDuration:        c.UI.PulseDuration.Std(),
		AutocompleteCeiling:  c.UI.AutocompleteCeiling.Std(),
	}
}

func envOrDefault(name, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(name)); value != "" {
		return value
	}
	return fallback
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
