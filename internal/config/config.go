package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "WABRIDGE_"

// Config holds all wabridge configuration
type Config struct {
	// Control server settings
	Server ServerConfig `json:"server" envPrefix:"SERVER_"`

	// Platform session identity and lifecycle
	Session SessionConfig `json:"session" envPrefix:"SESSION_"`

	// Inbound forwarding to the orchestrator
	Relay RelayConfig `json:"relay" envPrefix:"RELAY_"`

	// Outbound send pacing and retries
	Dispatch DispatchConfig `json:"dispatch" envPrefix:"DISPATCH_"`

	// Optional MQTT broker receiving session state changes
	MQTT MQTTConfig `json:"mqtt" envPrefix:"MQTT_"`
}

type ServerConfig struct {
	Host              string `json:"host" env:"HOST"`
	Port              int    `json:"port" env:"PORT"`
	DataDir           string `json:"dataDir" env:"DATA_DIR"`
	LogLevel          string `json:"logLevel" env:"LOG_LEVEL"`
	JWTSecret         string `json:"jwtSecret,omitempty" env:"JWT_SECRET"`
	ShutdownTimeoutMs int    `json:"shutdownTimeoutMs" env:"SHUTDOWN_TIMEOUT_MS"`
	WatchConfig       bool   `json:"watchConfig" env:"WATCH_CONFIG"`
}

type SessionConfig struct {
	// Name keys the credential store; several deployments can run side
	// by side with different names.
	Name             string `json:"name" env:"NAME"`
	DeviceName       string `json:"deviceName" env:"DEVICE_NAME"`
	LogoutOnShutdown bool   `json:"logoutOnShutdown" env:"LOGOUT_ON_SHUTDOWN"`
	ExitOnDisconnect bool   `json:"exitOnDisconnect" env:"EXIT_ON_DISCONNECT"`
	PrintQR          bool   `json:"printQr" env:"PRINT_QR"`
	ClientLogLevel   string `json:"clientLogLevel" env:"CLIENT_LOG_LEVEL"`
}

type RelayConfig struct {
	OrchestratorURL    string `json:"orchestratorUrl" env:"ORCHESTRATOR_URL"`
	TimeoutMs          int    `json:"timeoutMs" env:"TIMEOUT_MS"`
	BufferSize         int    `json:"bufferSize" env:"BUFFER_SIZE"`
	ForwardOwnMessages bool   `json:"forwardOwnMessages" env:"FORWARD_OWN_MESSAGES"`
}

type DispatchConfig struct {
	SendIntervalMs      int     `json:"sendIntervalMs" env:"SEND_INTERVAL_MS"`
	RetryDelayMs        int     `json:"retryDelayMs" env:"RETRY_DELAY_MS"`
	MaxAttempts         int     `json:"maxAttempts" env:"MAX_ATTEMPTS"`
	MediaTimeoutMs      int     `json:"mediaTimeoutMs" env:"MEDIA_TIMEOUT_MS"`
	MaxMediaBytes       int64   `json:"maxMediaBytes" env:"MAX_MEDIA_BYTES"`
	DirectRatePerSecond float64 `json:"directRatePerSecond" env:"DIRECT_RATE_PER_SECOND"`
	DirectBurst         int     `json:"directBurst" env:"DIRECT_BURST"`
}

type MQTTConfig struct {
	Broker      string `json:"broker,omitempty" env:"BROKER"` // tcp://host:1883
	ClientID    string `json:"clientId,omitempty" env:"CLIENT_ID"`
	Username    string `json:"username,omitempty" env:"USERNAME"`
	Password    string `json:"password,omitempty" env:"PASSWORD"`
	TopicPrefix string `json:"topicPrefix" env:"TOPIC_PREFIX"`
}

// legacyEnv holds the unprefixed variables older deployments still set.
type legacyEnv struct {
	Port            int    `env:"PORT"`
	SessionName     string `env:"SESSION_NAME"`
	OrchestratorURL string `env:"ORCHESTRATOR_URL"`
}

var sessionNameRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,63}$`)

// DefaultConfig returns a sensible default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:              3001,
			DataDir:           "./data",
			LogLevel:          "info",
			ShutdownTimeoutMs: 5000,
		},
		Session: SessionConfig{
			Name:             "default",
			DeviceName:       "wabridge",
			LogoutOnShutdown: true,
			ExitOnDisconnect: true,
			PrintQR:          true,
			ClientLogLevel:   "warn",
		},
		Relay: RelayConfig{
			TimeoutMs:  10000,
			BufferSize: 256,
		},
		Dispatch: DispatchConfig{
			SendIntervalMs: 1000,
			RetryDelayMs:   2000,
			MaxAttempts:    3,
			MediaTimeoutMs: 30000,
			MaxMediaBytes:  64 << 20,
			DirectBurst:    1,
		},
		MQTT: MQTTConfig{
			TopicPrefix: "wabridge",
		},
	}
}

// Load reads config from a file (when path is non-empty) and then applies
// environment overrides. The file format follows the extension: .json,
// .toml, .yaml or .yml. A missing file is reported with os.ErrNotExist.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		if err := cfg.readFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) readFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}

	// TOML and YAML are decoded generically and funnelled through the JSON
	// tags so there is one set of field names for every format.
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		var raw map[string]any
		if _, err := toml.Decode(string(data), &raw); err != nil {
			return fmt.Errorf("parse config: %w", err)
		}
		if data, err = json.Marshal(raw); err != nil {
			return fmt.Errorf("parse config: %w", err)
		}
	case ".yaml", ".yml":
		var raw map[string]any
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return fmt.Errorf("parse config: %w", err)
		}
		if data, err = json.Marshal(raw); err != nil {
			return fmt.Errorf("parse config: %w", err)
		}
	}

	if err := json.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

// ApplyEnv overlays environment variables. Unprefixed legacy names are
// applied first so WABRIDGE_* always wins.
func (c *Config) ApplyEnv() error {
	var legacy legacyEnv
	if err := env.Parse(&legacy); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	if legacy.Port != 0 {
		c.Server.Port = legacy.Port
	}
	if legacy.SessionName != "" {
		c.Session.Name = legacy.SessionName
	}
	if legacy.OrchestratorURL != "" {
		c.Relay.OrchestratorURL = legacy.OrchestratorURL
	}

	if err := env.ParseWithOptions(c, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Validate checks the settings required to serve.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if !validLogLevel(c.Server.LogLevel) {
		errs = append(errs, fmt.Errorf("server.logLevel %q is not one of debug, info, warn, error", c.Server.LogLevel))
	}
	if !sessionNameRe.MatchString(c.Session.Name) {
		errs = append(errs, fmt.Errorf("session.name %q must be 1-64 letters, digits, '-' or '_'", c.Session.Name))
	}
	if c.Relay.OrchestratorURL == "" {
		errs = append(errs, errors.New("relay.orchestratorUrl is required"))
	} else if u, err := url.Parse(c.Relay.OrchestratorURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("relay.orchestratorUrl %q is not an http(s) URL", c.Relay.OrchestratorURL))
	}
	if c.Relay.TimeoutMs <= 0 {
		errs = append(errs, errors.New("relay.timeoutMs must be positive"))
	}
	if c.Dispatch.MaxAttempts < 1 {
		errs = append(errs, errors.New("dispatch.maxAttempts must be at least 1"))
	}
	if c.Dispatch.SendIntervalMs < 0 || c.Dispatch.RetryDelayMs < 0 {
		errs = append(errs, errors.New("dispatch delays must not be negative"))
	}
	if c.Dispatch.DirectRatePerSecond < 0 {
		errs = append(errs, errors.New("dispatch.directRatePerSecond must not be negative"))
	}

	return errors.Join(errs...)
}

// SessionDir is the per-session directory holding the credential store.
func (c *Config) SessionDir() string {
	return filepath.Join(c.Server.DataDir, c.Session.Name)
}

func (r RelayConfig) Timeout() time.Duration { return ms(r.TimeoutMs) }

func (d DispatchConfig) SendInterval() time.Duration { return ms(d.SendIntervalMs) }
func (d DispatchConfig) RetryDelay() time.Duration   { return ms(d.RetryDelayMs) }
func (d DispatchConfig) MediaTimeout() time.Duration { return ms(d.MediaTimeoutMs) }

func (s ServerConfig) ShutdownTimeout() time.Duration { return ms(s.ShutdownTimeoutMs) }

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

func validLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	}
	return false
}

// Save writes config to a JSON file
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0640)
}
