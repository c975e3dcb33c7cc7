// Package config loads huddle's configuration.
//
// Sources, lowest precedence first: built-in defaults, the YAML config file,
// a .env file next to it or in the working directory, and HUDDLE_*
// environment variables (HUDDLE_REMOTE_BASE_URL overrides remote.base_url).
package config

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/mschirtzinger/huddle/internal/logging"
	"github.com/mschirtzinger/huddle/internal/schema"
)

// DefaultPath is the config file used when none is given.
const DefaultPath = ".huddle/config.yaml"

// Config is the complete configuration.
type Config struct {
	DBPath   string   `mapstructure:"db_path" yaml:"db_path" toml:"db_path"`
	Projects []string `mapstructure:"projects" yaml:"projects" toml:"projects"`

	User      User           `mapstructure:"user" yaml:"user" toml:"user"`
	Remote    Remote         `mapstructure:"remote" yaml:"remote" toml:"remote"`
	Realtime  Realtime       `mapstructure:"realtime" yaml:"realtime" toml:"realtime"`
	Scheduler Scheduler      `mapstructure:"scheduler" yaml:"scheduler" toml:"scheduler"`
	Presence  Presence       `mapstructure:"presence" yaml:"presence" toml:"presence"`
	Notify    Notify         `mapstructure:"notify" yaml:"notify" toml:"notify"`
	Dashboard Dashboard      `mapstructure:"dashboard" yaml:"dashboard" toml:"dashboard"`
	Log       logging.Config `mapstructure:"log" yaml:"log" toml:"log"`
}

// User identifies the local user.
type User struct {
	ID   string      `mapstructure:"id" yaml:"id" toml:"id"`
	Name string      `mapstructure:"name" yaml:"name" toml:"name"`
	Role schema.Role `mapstructure:"role" yaml:"role" toml:"role"`
}

// Remote configures the HTTP API client.
type Remote struct {
	BaseURL     string        `mapstructure:"base_url" yaml:"base_url" toml:"base_url"`
	Token       string        `mapstructure:"token" yaml:"token,omitempty" toml:"token,omitempty"`
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout" toml:"timeout"`
	MaxAttempts int           `mapstructure:"max_attempts" yaml:"max_attempts" toml:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay" yaml:"base_delay" toml:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay" yaml:"max_delay" toml:"max_delay"`
}

// Realtime configures the WebSocket channel. An empty URL is derived from
// the remote base URL.
type Realtime struct {
	URL                  string        `mapstructure:"url" yaml:"url,omitempty" toml:"url,omitempty"`
	PingInterval         time.Duration `mapstructure:"ping_interval" yaml:"ping_interval" toml:"ping_interval"`
	PongTimeout          time.Duration `mapstructure:"pong_timeout" yaml:"pong_timeout" toml:"pong_timeout"`
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts" yaml:"max_reconnect_attempts" toml:"max_reconnect_attempts"`
	QueueSize            int           `mapstructure:"queue_size" yaml:"queue_size" toml:"queue_size"`
}

// Scheduler configures the background jobs.
type Scheduler struct {
	FullPullInterval time.Duration `mapstructure:"full_pull_interval" yaml:"full_pull_interval" toml:"full_pull_interval"`
	PresenceInterval time.Duration `mapstructure:"presence_interval" yaml:"presence_interval" toml:"presence_interval"`
	RiskInterval     time.Duration `mapstructure:"risk_interval" yaml:"risk_interval" toml:"risk_interval"`
	FailureThreshold int           `mapstructure:"failure_threshold" yaml:"failure_threshold" toml:"failure_threshold"`
	CriticalWindow   time.Duration `mapstructure:"critical_window" yaml:"critical_window" toml:"critical_window"`
	WarningWindow    time.Duration `mapstructure:"warning_window" yaml:"warning_window" toml:"warning_window"`
	PullConcurrency  int           `mapstructure:"pull_concurrency" yaml:"pull_concurrency" toml:"pull_concurrency"`
	JobAttempts      int           `mapstructure:"job_attempts" yaml:"job_attempts" toml:"job_attempts"`
	KeepConfirmed    int           `mapstructure:"keep_confirmed" yaml:"keep_confirmed" toml:"keep_confirmed"`
}

// Presence configures how long a peer counts as online.
type Presence struct {
	TTL time.Duration `mapstructure:"ttl" yaml:"ttl" toml:"ttl"`
}

// Notify selects the notification sinks. The log sink is always on.
type Notify struct {
	WebhookURL   string `mapstructure:"webhook_url" yaml:"webhook_url,omitempty" toml:"webhook_url,omitempty"`
	RedisAddr    string `mapstructure:"redis_addr" yaml:"redis_addr,omitempty" toml:"redis_addr,omitempty"`
	RedisChannel string `mapstructure:"redis_channel" yaml:"redis_channel" toml:"redis_channel"`
}

// Dashboard configures the local view server.
type Dashboard struct {
	Addr string `mapstructure:"addr" yaml:"addr" toml:"addr"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DBPath: ".huddle/huddle.db",
		User:   User{Role: schema.RoleMember},
		Remote: Remote{
			Timeout:     15 * time.Second,
			MaxAttempts: 5,
			BaseDelay:   500 * time.Millisecond,
			MaxDelay:    30 * time.Second,
		},
		Realtime: Realtime{
			PingInterval:         30 * time.Second,
			PongTimeout:          10 * time.Second,
			MaxReconnectAttempts: 10,
			QueueSize:            256,
		},
		Scheduler: Scheduler{
			FullPullInterval: 15 * time.Minute,
			PresenceInterval: time.Minute,
			RiskInterval:     5 * time.Minute,
			FailureThreshold: 5,
			CriticalWindow:   24 * time.Hour,
			WarningWindow:    72 * time.Hour,
			PullConcurrency:  4,
			JobAttempts:      2,
			KeepConfirmed:    500,
		},
		Presence:  Presence{TTL: 2 * time.Minute},
		Notify:    Notify{RedisChannel: "huddle:notifications"},
		Dashboard: Dashboard{Addr: "127.0.0.1:8377"},
		Log:       logging.DefaultConfig(),
	}
}

// Validate checks values that would make components misbehave. Identity
// and remote settings are checked separately by RequireRemote, so local
// commands work without them.
func (c *Config) Validate() error {
	var errs []error
	if c.DBPath == "" {
		errs = append(errs, errors.New("db_path must be set"))
	}
	if c.User.Role != "" && !c.User.Role.Valid() {
		errs = append(errs, fmt.Errorf("user.role: unknown role %q", c.User.Role))
	}
	positive := map[string]time.Duration{
		"remote.timeout":               c.Remote.Timeout,
		"realtime.ping_interval":       c.Realtime.PingInterval,
		"realtime.pong_timeout":        c.Realtime.PongTimeout,
		"scheduler.full_pull_interval": c.Scheduler.FullPullInterval,
		"scheduler.presence_interval":  c.Scheduler.PresenceInterval,
		"scheduler.risk_interval":      c.Scheduler.RiskInterval,
		"presence.ttl":                 c.Presence.TTL,
	}
	for _, key := range sortedKeys(positive) {
		if positive[key] <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", key))
		}
	}
	if c.Scheduler.FailureThreshold <= 0 {
		errs = append(errs, errors.New("scheduler.failure_threshold must be positive"))
	}
	if c.Scheduler.JobAttempts <= 0 {
		errs = append(errs, errors.New("scheduler.job_attempts must be positive"))
	}
	if c.Scheduler.KeepConfirmed < 0 {
		errs = append(errs, errors.New("scheduler.keep_confirmed must not be negative"))
	}
	if c.Scheduler.WarningWindow < c.Scheduler.CriticalWindow {
		errs = append(errs, errors.New("scheduler.warning_window must not be shorter than scheduler.critical_window"))
	}
	if err := c.Log.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("log: %w", err))
	}
	return errors.Join(errs...)
}

// RequireRemote checks the settings needed to talk to the server.
func (c *Config) RequireRemote() error {
	var errs []error
	if c.Remote.BaseURL == "" {
		errs = append(errs, errors.New("remote.base_url is not set (HUDDLE_REMOTE_BASE_URL)"))
	} else if _, err := url.ParseRequestURI(c.Remote.BaseURL); err != nil {
		errs = append(errs, fmt.Errorf("remote.base_url: %w", err))
	}
	if c.User.ID == "" {
		errs = append(errs, errors.New("user.id is not set (HUDDLE_USER_ID)"))
	}
	return errors.Join(errs...)
}

// ChannelURL returns the WebSocket URL, deriving it from the remote base
// URL (http→ws, https→wss, path /ws) when not set.
func (c *Config) ChannelURL() (string, error) {
	if c.Realtime.URL != "" {
		return c.Realtime.URL, nil
	}
	u, err := url.Parse(c.Remote.BaseURL)
	if err != nil {
		return "", fmt.Errorf("invalid remote base URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("cannot derive channel URL from scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String(), nil
}

// Loader reads a Config and can watch its file for changes.
type Loader struct {
	v    *viper.Viper
	path string
}

// NewLoader creates a loader for path. An empty path means DefaultPath; a
// missing file is not an error.
func NewLoader(path string) *Loader {
	if path == "" {
		path = DefaultPath
	}
	v := viper.New()
	setDefaults(v, Default())
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("HUDDLE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return &Loader{v: v, path: path}
}

// Path returns the config file path.
func (l *Loader) Path() string {
	return l.path
}

// Load reads the file (if present) and the environment and validates the
// result.
func (l *Loader) Load() (*Config, error) {
	loadDotEnv(filepath.Join(filepath.Dir(l.path), ".env"), ".env")

	if err := l.v.ReadInConfig(); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config %s: %w", l.path, err)
			}
		}
	}
	return l.decode()
}

// Watch calls fn with the reloaded configuration whenever the config file
// is written. It reports false when there is no file to watch.
func (l *Loader) Watch(fn func(*Config, error)) bool {
	if _, err := os.Stat(l.path); err != nil {
		return false
	}
	l.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		fn(l.decode())
	})
	l.v.WatchConfig()
	return true
}

func (l *Loader) decode() (*Config, error) {
	cfg := &Config{}
	if err := l.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.User.Role = schema.Role(strings.ToUpper(string(cfg.User.Role)))
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Load is shorthand for NewLoader(path).Load().
func Load(path string) (*Config, error) {
	return NewLoader(path).Load()
}

// WriteDefault writes the default configuration as YAML. It refuses to
// overwrite an existing file unless force is set.
func WriteDefault(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		}
	}
	data, err := Encode(Default(), "yaml")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// Encode renders cfg as "yaml" or "toml". The remote token is masked.
func Encode(cfg *Config, format string) ([]byte, error) {
	masked := *cfg
	if masked.Remote.Token != "" {
		masked.Remote.Token = "********"
	}
	switch strings.ToLower(format) {
	case "", "yaml", "yml":
		var buf bytes.Buffer
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(&masked); err != nil {
			return nil, fmt.Errorf("failed to encode yaml: %w", err)
		}
		if err := enc.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case "toml":
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(&masked); err != nil {
			return nil, fmt.Errorf("failed to encode toml: %w", err)
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("unknown format %q (want yaml or toml)", format)
	}
}

// loadDotEnv loads the first .env file that exists. Variables already set
// in the environment win.
func loadDotEnv(paths ...string) {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			_ = godotenv.Load(p)
			return
		}
	}
}

// setDefaults registers every key so AutomaticEnv can see it during
// Unmarshal.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("db_path", d.DBPath)
	v.SetDefault("projects", d.Projects)

	v.SetDefault("user.id", d.User.ID)
	v.SetDefault("user.name", d.User.Name)
	v.SetDefault("user.role", string(d.User.Role))

	v.SetDefault("remote.base_url", d.Remote.BaseURL)
	v.SetDefault("remote.token", d.Remote.Token)
	v.SetDefault("remote.timeout", d.Remote.Timeout)
	v.SetDefault("remote.max_attempts", d.Remote.MaxAttempts)
	v.SetDefault("remote.base_delay", d.Remote.BaseDelay)
	v.SetDefault("remote.max_delay", d.Remote.MaxDelay)

	v.SetDefault("realtime.url", d.Realtime.URL)
	v.SetDefault("realtime.ping_interval", d.Realtime.PingInterval)
	v.SetDefault("realtime.pong_timeout", d.Realtime.PongTimeout)
	v.SetDefault("realtime.max_reconnect_attempts", d.Realtime.MaxReconnectAttempts)
	v.SetDefault("realtime.queue_size", d.Realtime.QueueSize)

	v.SetDefault("scheduler.full_pull_interval", d.Scheduler.FullPullInterval)
	v.SetDefault("scheduler.presence_interval", d.Scheduler.PresenceInterval)
	v.SetDefault("scheduler.risk_interval", d.Scheduler.RiskInterval)
	v.SetDefault("scheduler.failure_threshold", d.Scheduler.FailureThreshold)
	v.SetDefault("scheduler.critical_window", d.Scheduler.CriticalWindow)
	v.SetDefault("scheduler.warning_window", d.Scheduler.WarningWindow)
	v.SetDefault("scheduler.pull_concurrency", d.Scheduler.PullConcurrency)
	v.SetDefault("scheduler.job_attempts", d.Scheduler.JobAttempts)
	v.SetDefault("scheduler.keep_confirmed", d.Scheduler.KeepConfirmed)

	v.SetDefault("presence.ttl", d.Presence.TTL)

	v.SetDefault("notify.webhook_url", d.Notify.WebhookURL)
	v.SetDefault("notify.redis_addr", d.Notify.RedisAddr)
	v.SetDefault("notify.redis_channel", d.Notify.RedisChannel)

	v.SetDefault("dashboard.addr", d.Dashboard.Addr)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)
}

func sortedKeys(m map[string]time.Duration) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
