package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Transport names accepted by stream.transport
const (
	TransportSSE       = "sse"
	TransportWebSocket = "websocket"
)

// Config represents the application configuration
type Config struct {
	Logging       LoggingConfig       `mapstructure:"logging"`
	API           APIConfig           `mapstructure:"api"`
	Auth          AuthConfig          `mapstructure:"auth"`
	Stream        StreamConfig        `mapstructure:"stream"`
	Run           RunConfig           `mapstructure:"run"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
}

// LoggingConfig holds logging-related configuration
type LoggingConfig struct {
	LogFile  string `mapstructure:"log_file"`
	Preserve bool   `mapstructure:"preserve"`
	Level    string `mapstructure:"level"`
}

// APIConfig points at the backend that starts, stops and streams runs
type APIConfig struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// AuthConfig holds the bearer token used for API calls and the stream.
// When TokenFile is set it is re-read whenever the cached token nears expiry.
type AuthConfig struct {
	Token         string        `mapstructure:"token"`
	TokenFile     string        `mapstructure:"token_file"`
	RefreshMargin time.Duration `mapstructure:"refresh_margin"`
}

// StreamConfig holds live stream connection settings
type StreamConfig struct {
	Transport        string        `mapstructure:"transport"`
	MaxErrors        int           `mapstructure:"max_errors"`
	ErrorResetWindow time.Duration `mapstructure:"error_reset_window"`
	Backoff          BackoffConfig `mapstructure:"backoff"`
}

// BackoffConfig bounds the delay between reconnection attempts
type BackoffConfig struct {
	Initial time.Duration `mapstructure:"initial"`
	Max     time.Duration `mapstructure:"max"`
}

// RunConfig holds defaults for new agent runs
type RunConfig struct {
	ResetDelay      time.Duration `mapstructure:"reset_delay"`
	AppType         string        `mapstructure:"app_type"`
	ModelName       string        `mapstructure:"model_name"`
	EnableThinking  bool          `mapstructure:"enable_thinking"`
	ReasoningEffort string        `mapstructure:"reasoning_effort"`
	AccountID       string        `mapstructure:"account_id"`
}

// NotificationsConfig controls which errors reach the user
type NotificationsConfig struct {
	SuppressedSubstrings []string `mapstructure:"suppressed_substrings"`
}

// DefaultSuppressedSubstrings are error fragments that indicate a run already
// finished server-side.
var DefaultSuppressedSubstrings = []string{
	"not found",
	"is not running",
	"not active",
	"completed",
	"stopped",
}

var cfg *Config

// Get returns the global config instance
func Get() *Config {
	if cfg == nil {
		panic("config not initialized")
	}
	return cfg
}

// Set replaces the global config instance
func Set(c *Config) {
	cfg = c
}

// LoadDotEnv loads a .env file into the process environment when present.
// Variables already set are left alone.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("failed to load %s: %w", p, err)
		}
	}
	return nil
}

// Load loads configuration from file and environment
func Load(cfgFile string) (*Config, error) {
	setDefaults(viper.GetViper())

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}

		xdgConfigHome := os.Getenv("XDG_CONFIG_HOME")
		if xdgConfigHome == "" {
			xdgConfigHome = filepath.Join(home, ".config")
		}

		viper.AddConfigPath("./.agentstream")
		viper.AddConfigPath(filepath.Join(xdgConfigHome, ".agentstream"))
		viper.SetConfigType("yaml")
		viper.SetConfigName("settings")
	}

	viper.AutomaticEnv()
	bindEnvironmentVariables()

	// A missing settings file is fine; defaults and env still apply
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	loaded := &Config{}
	if err := viper.Unmarshal(loaded); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDurationDefaults(loaded)

	if err := loaded.Validate(); err != nil {
		return nil, err
	}

	cfg = loaded
	return cfg, nil
}

// Validate checks that required configuration is present
func (c *Config) Validate() error {
	if c.API.URL == "" {
		return fmt.Errorf("config: api.url is required")
	}
	if c.Stream.MaxErrors <= 0 {
		return fmt.Errorf("config: stream.max_errors must be positive")
	}
	switch c.Stream.Transport {
	case TransportSSE, TransportWebSocket:
	default:
		return fmt.Errorf("config: unknown stream.transport %q", c.Stream.Transport)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.log_file", "./.agentstream/agentstream.log")
	v.SetDefault("logging.preserve", false)
	v.SetDefault("logging.level", "info")

	v.SetDefault("api.url", "http://localhost:8000/api")
	v.SetDefault("api.timeout", "30s")

	v.SetDefault("auth.token", "")
	v.SetDefault("auth.token_file", "")
	v.SetDefault("auth.refresh_margin", "30s")

	v.SetDefault("stream.transport", TransportSSE)
	v.SetDefault("stream.max_errors", 5)
	v.SetDefault("stream.error_reset_window", "5m")
	v.SetDefault("stream.backoff.initial", "1s")
	v.SetDefault("stream.backoff.max", "30s")

	v.SetDefault("run.reset_delay", "2s")
	v.SetDefault("run.app_type", "web")
	v.SetDefault("run.model_name", "")
	v.SetDefault("run.enable_thinking", false)
	v.SetDefault("run.reasoning_effort", "low")
	v.SetDefault("run.account_id", "")

	v.SetDefault("notifications.suppressed_substrings", DefaultSuppressedSubstrings)
}

func bindEnvironmentVariables() {
	viper.BindEnv("api.url", "AGENTSTREAM_API_URL")
	viper.BindEnv("api.timeout", "AGENTSTREAM_API_TIMEOUT")
	viper.BindEnv("auth.token", "AGENTSTREAM_TOKEN")
	viper.BindEnv("auth.token_file", "AGENTSTREAM_TOKEN_FILE")
	viper.BindEnv("stream.transport", "AGENTSTREAM_STREAM_TRANSPORT")
	viper.BindEnv("stream.max_errors", "AGENTSTREAM_STREAM_MAX_ERRORS")
	viper.BindEnv("run.account_id", "AGENTSTREAM_ACCOUNT_ID")
	viper.BindEnv("run.model_name", "AGENTSTREAM_MODEL")
	viper.BindEnv("logging.level", "AGENTSTREAM_LOG_LEVEL")
	viper.BindEnv("logging.log_file", "AGENTSTREAM_LOG_FILE")
}

// applyDurationDefaults fills zero durations left by empty config values
func applyDurationDefaults(c *Config) {
	if c.API.Timeout == 0 {
		c.API.Timeout = 30 * time.Second
	}
	if c.Auth.RefreshMargin == 0 {
		c.Auth.RefreshMargin = 30 * time.Second
	}
	if c.Stream.ErrorResetWindow == 0 {
		c.Stream.ErrorResetWindow = 5 * time.Minute
	}
	if c.Stream.Backoff.Initial == 0 {
		c.Stream.Backoff.Initial = time.Second
	}
	if c.Stream.Backoff.Max == 0 {
		c.Stream.Backoff.Max = 30 * time.Second
	}
	if c.Run.ResetDelay == 0 {
		c.Run.ResetDelay = 2 * time.Second
	}
}

// GetConfigFileUsed returns the path to the config file being used
func GetConfigFileUsed() string {
	return viper.ConfigFileUsed()
}
