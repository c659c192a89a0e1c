package core

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lisuiheng/wslink/dispatch"
	"github.com/spf13/viper"
)

// Config is the session configuration, laid out like the YAML file.
type Config struct {
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Auth      AuthConfig      `mapstructure:"auth" yaml:"auth"`
	Session   SessionConfig   `mapstructure:"session" yaml:"session"`
	Heartbeat HeartbeatConfig `mapstructure:"heartbeat" yaml:"heartbeat"`
	Watchdog  WatchdogConfig  `mapstructure:"watchdog" yaml:"watchdog"`
	Reconnect ReconnectConfig `mapstructure:"reconnect" yaml:"reconnect"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch" yaml:"dispatch"`

	Logging struct {
		Level   string   `mapstructure:"level" yaml:"level"`
		Format  string   `mapstructure:"format" yaml:"format"`
		Outputs []string `mapstructure:"outputs" yaml:"outputs"`
	} `mapstructure:"logging" yaml:"logging"`
}

type ServerConfig struct {
	URL              string        `mapstructure:"url" yaml:"url"`
	Transport        string        `mapstructure:"transport" yaml:"transport"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout" yaml:"handshake_timeout"`
	ReadLimit        int64         `mapstructure:"read_limit" yaml:"read_limit"`
	SendQueue        int           `mapstructure:"send_queue" yaml:"send_queue"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	CloseTimeout     time.Duration `mapstructure:"close_timeout" yaml:"close_timeout"`
}

type AuthConfig struct {
	Token  string `mapstructure:"token" yaml:"token"`
	Mode   string `mapstructure:"mode" yaml:"mode"`
	Header string `mapstructure:"header" yaml:"header"`
	Scheme string `mapstructure:"scheme" yaml:"scheme"`
}

type SessionConfig struct {
	Reconnect bool   `mapstructure:"reconnect" yaml:"reconnect"`
	ClientID  string `mapstructure:"client_id" yaml:"client_id"`
}

type HeartbeatConfig struct {
	Enabled   bool          `mapstructure:"enabled" yaml:"enabled"`
	Interval  time.Duration `mapstructure:"interval" yaml:"interval"`
	MaxMisses int           `mapstructure:"max_misses" yaml:"max_misses"`
	Ping      string        `mapstructure:"ping" yaml:"ping"`
	Pong      string        `mapstructure:"pong" yaml:"pong"`
}

type WatchdogConfig struct {
	Enabled  bool          `mapstructure:"enabled" yaml:"enabled"`
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`
}

type ReconnectConfig struct {
	InitialDelay time.Duration `mapstructure:"initial_delay" yaml:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay" yaml:"max_delay"`
	Multiplier   float64       `mapstructure:"multiplier" yaml:"multiplier"`
	Jitter       float64       `mapstructure:"jitter" yaml:"jitter"`
	// MaxAttempts bounds connect attempts per Connect call; 0 is unlimited.
	MaxAttempts int `mapstructure:"max_attempts" yaml:"max_attempts"`
}

type DispatchConfig struct {
	TagPath       string `mapstructure:"tag_path" yaml:"tag_path"`
	EvidenceLimit int    `mapstructure:"evidence_limit" yaml:"evidence_limit"`
}

// Default values.
const (
	DefaultHeartbeatInterval = 5 * time.Second
	DefaultMaxMisses         = 4
	DefaultWatchdogInterval  = 1 * time.Second
	DefaultInitialDelay      = 1 * time.Second
	DefaultMaxDelay          = 30 * time.Second
	DefaultHandshakeTimeout  = 10 * time.Second
	DefaultCloseTimeout      = 1 * time.Second

	PingMessage = "ping"
	PongMessage = "pong"
)

func DefaultConfig() Config {
	var cfg Config
	cfg.Server = ServerConfig{
		Transport:        "websocket",
		HandshakeTimeout: DefaultHandshakeTimeout,
		ReadLimit:        1 << 20,
		SendQueue:        64,
		WriteTimeout:     10 * time.Second,
		CloseTimeout:     DefaultCloseTimeout,
	}
	cfg.Auth = AuthConfig{Mode: "header", Header: "Authorization"}
	cfg.Session = SessionConfig{Reconnect: true}
	cfg.Heartbeat = HeartbeatConfig{
		Enabled:   true,
		Interval:  DefaultHeartbeatInterval,
		MaxMisses: DefaultMaxMisses,
		Ping:      PingMessage,
		Pong:      PongMessage,
	}
	cfg.Watchdog = WatchdogConfig{Enabled: true, Interval: DefaultWatchdogInterval}
	cfg.Reconnect = ReconnectConfig{
		InitialDelay: DefaultInitialDelay,
		MaxDelay:     DefaultMaxDelay,
		Multiplier:   2,
		Jitter:       0.5,
	}
	cfg.Dispatch = DispatchConfig{TagPath: dispatch.DefaultTagPath, EvidenceLimit: 256}
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "text"
	cfg.Logging.Outputs = []string{"stdout"}
	return cfg
}

func (c Config) Validate() error {
	if c.Server.URL == "" {
		return fmt.Errorf("%w: server.url is required", ErrInvalidConfig)
	}
	u, err := url.Parse(c.Server.URL)
	if err != nil {
		return fmt.Errorf("%w: server.url: %v", ErrInvalidConfig, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("%w: server.url scheme must be ws or wss, got %q", ErrInvalidConfig, u.Scheme)
	}
	switch c.Auth.Mode {
	case "", "header", "subprotocol":
	default:
		return fmt.Errorf("%w: auth.mode %q", ErrInvalidConfig, c.Auth.Mode)
	}
	if c.Heartbeat.Enabled {
		if c.Heartbeat.Interval <= 0 {
			return fmt.Errorf("%w: heartbeat.interval must be positive", ErrInvalidConfig)
		}
		if c.Heartbeat.MaxMisses < 0 {
			return fmt.Errorf("%w: heartbeat.max_misses must not be negative", ErrInvalidConfig)
		}
		if c.Heartbeat.Ping == "" || c.Heartbeat.Pong == "" {
			return fmt.Errorf("%w: heartbeat ping and pong must be set", ErrInvalidConfig)
		}
	}
	if c.Watchdog.Enabled && c.Watchdog.Interval <= 0 {
		return fmt.Errorf("%w: watchdog.interval must be positive", ErrInvalidConfig)
	}
	if c.Reconnect.MaxAttempts < 0 {
		return fmt.Errorf("%w: reconnect.max_attempts must not be negative", ErrInvalidConfig)
	}
	if _, err := dispatch.NewTagExtractor(c.Dispatch.TagPath); err != nil {
		return fmt.Errorf("%w: dispatch.tag_path: %v", ErrInvalidConfig, err)
	}
	return nil
}

// LoadConfig reads a YAML config file. With an empty path it searches
// ./config.yaml, ./config/config.yaml and /etc/wslink/config.yaml. Values
// can be overridden by WSLINK_* environment variables, e.g.
// WSLINK_SERVER_URL or WSLINK_AUTH_TOKEN.
func LoadConfig(configPath string) (Config, error) {
	return LoadConfigWith(viper.New(), configPath)
}

// LoadConfigWith is LoadConfig on a caller supplied viper instance, so flags
// bound to it take part in the merge.
func LoadConfigWith(v *viper.Viper, configPath string) (Config, error) {
	setDefaults(v)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("wslink")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/wslink")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configPath != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if cfg.Session.ClientID == "" {
		cfg.Session.ClientID = uuid.NewString()
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault("server.url", "")
	v.SetDefault("server.transport", d.Server.Transport)
	v.SetDefault("server.handshake_timeout", d.Server.HandshakeTimeout)
	v.SetDefault("server.read_limit", d.Server.ReadLimit)
	v.SetDefault("server.send_queue", d.Server.SendQueue)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)
	v.SetDefault("server.close_timeout", d.Server.CloseTimeout)
	v.SetDefault("auth.token", "")
	v.SetDefault("auth.mode", d.Auth.Mode)
	v.SetDefault("auth.header", d.Auth.Header)
	v.SetDefault("auth.scheme", "")
	v.SetDefault("session.reconnect", d.Session.Reconnect)
	v.SetDefault("session.client_id", "")
	v.SetDefault("heartbeat.enabled", d.Heartbeat.Enabled)
	v.SetDefault("heartbeat.interval", d.Heartbeat.Interval)
	v.SetDefault("heartbeat.max_misses", d.Heartbeat.MaxMisses)
	v.SetDefault("heartbeat.ping", d.Heartbeat.Ping)
	v.SetDefault("heartbeat.pong", d.Heartbeat.Pong)
	v.SetDefault("watchdog.enabled", d.Watchdog.Enabled)
	v.SetDefault("watchdog.interval", d.Watchdog.Interval)
	v.SetDefault("reconnect.initial_delay", d.Reconnect.InitialDelay)
	v.SetDefault("reconnect.max_delay", d.Reconnect.MaxDelay)
	v.SetDefault("reconnect.multiplier", d.Reconnect.Multiplier)
	v.SetDefault("reconnect.jitter", d.Reconnect.Jitter)
	v.SetDefault("reconnect.max_attempts", d.Reconnect.MaxAttempts)
	v.SetDefault("dispatch.tag_path", d.Dispatch.TagPath)
	v.SetDefault("dispatch.evidence_limit", d.Dispatch.EvidenceLimit)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.outputs", d.Logging.Outputs)
}
