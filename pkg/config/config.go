package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/socialhub/realtime/pkg/conversation"
	"github.com/socialhub/realtime/pkg/ice"
	"github.com/socialhub/realtime/pkg/peer"
	"github.com/socialhub/realtime/pkg/relay"
	"github.com/socialhub/realtime/pkg/rest"
	"github.com/socialhub/realtime/pkg/signaling"
	"github.com/socialhub/realtime/pkg/telemetry"
	"gopkg.in/yaml.v3"
)

// Configuration shared by the relay and the softphone. Each binary reads the sections it needs.
type Config struct {
	// REST API the clients talk to.
	API rest.Config `yaml:"api"`
	// Websocket signaling transport of the clients.
	Signaling signaling.Config `yaml:"signaling"`
	// ICE server discovery and connectivity diagnosis.
	ICE ice.Config `yaml:"ice"`
	// Peer connections of the calls.
	Call peer.Config `yaml:"call"`
	// Conversation history.
	Messages conversation.Config `yaml:"messages"`
	// The signaling relay.
	Relay relay.Config `yaml:"relay"`
	// Tracing, disabled when no exporter is configured.
	Telemetry telemetry.Config `yaml:"telemetry"`
	// Starting from which level to log stuff.
	LogLevel string `yaml:"log"`
}

var (
	// ErrNoConfigEnvVar is returned when the CONFIG environment variable is not set.
	ErrNoConfigEnvVar = errors.New("environment variable not set or invalid")
	ErrInvalidConfig  = errors.New("invalid config values")
)

// Environment variables holding the secrets, never read from the YAML.
const (
	JWTSecretEnv      = "JWT_SECRET"
	TURNUsernameEnv   = "TURN_USERNAME"
	TURNCredentialEnv = "TURN_CREDENTIAL"
)

func DefaultConfig() Config {
	return Config{
		API:       rest.Config{Timeout: 10},
		Signaling: signaling.DefaultConfig(),
		ICE:       ice.DefaultConfig(),
		Call:      peer.DefaultConfig(),
		Messages:  conversation.DefaultConfig(),
		Relay:     relay.DefaultConfig(),
		LogLevel:  "info",
	}
}

// Tries to load a config from the `CONFIG` environment variable.
// If the environment variable is not set, tries to load a config from the
// provided path to the config file (YAML). A `.env` file in the working
// directory is loaded first, if there is one. Returns an error if the config
// could not be loaded.
func LoadConfig(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logrus.WithError(err).Warn("failed to load .env file")
	}

	config, err := LoadConfigFromEnv()
	if err != nil {
		if !errors.Is(err, ErrNoConfigEnvVar) {
			return nil, err
		}

		return LoadConfigFromPath(path)
	}

	return config, nil
}

// Tries to load the config from environment variable (`CONFIG`).
func LoadConfigFromEnv() (*Config, error) {
	configEnv := os.Getenv("CONFIG")
	if configEnv == "" {
		return nil, ErrNoConfigEnvVar
	}

	return LoadConfigFromString(configEnv)
}

// Tries to load a config from the provided path.
func LoadConfigFromPath(path string) (*Config, error) {
	logrus.WithField("path", path).Info("loading config")

	file, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	return LoadConfigFromString(string(file))
}

// Load config from the provided string. Values missing from the YAML keep their
// defaults, the secrets are taken from the environment.
// Returns an error if the string is not a valid YAML or the values are out of range.
func LoadConfigFromString(configString string) (*Config, error) {
	logrus.Info("loading config from string")

	config := DefaultConfig()
	if err := yaml.Unmarshal([]byte(configString), &config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML file: %w", err)
	}

	config.Relay.JWTSecret = os.Getenv(JWTSecretEnv)
	config.ICE.TURN.Username = os.Getenv(TURNUsernameEnv)
	config.ICE.TURN.Credential = os.Getenv(TURNCredentialEnv)

	if err := config.validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) validate() error {
	switch {
	case c.Call.MaxRetries < 0 || c.Call.MaxRetries > 10:
		return fmt.Errorf("%w: call.maxRetries must be between 0 and 10", ErrInvalidConfig)
	case c.Call.ConnectionTimeout <= 0:
		return fmt.Errorf("%w: call.connectionTimeout must be positive", ErrInvalidConfig)
	case c.Call.RetryBaseDelay <= 0 || c.Call.RetryMaxDelay < c.Call.RetryBaseDelay:
		return fmt.Errorf("%w: call.retryBaseDelay must be positive and not above call.retryMaxDelay", ErrInvalidConfig)
	case c.Signaling.PingInterval <= 0 || c.Signaling.PongTimeout <= 0:
		return fmt.Errorf("%w: signaling.pingInterval and signaling.pongTimeout must be positive", ErrInvalidConfig)
	case c.Signaling.MaxReconnectDelay <= 0 || c.Signaling.SendQueueSize <= 0:
		return fmt.Errorf("%w: signaling.maxReconnectDelay and signaling.sendQueueSize must be positive", ErrInvalidConfig)
	case c.Relay.PingInterval <= 0 || c.Relay.IdleTimeout <= c.Relay.PingInterval:
		return fmt.Errorf("%w: relay.idleTimeout must be longer than relay.pingInterval", ErrInvalidConfig)
	case c.Relay.SendQueueSize <= 0:
		return fmt.Errorf("%w: relay.sendQueueSize must be positive", ErrInvalidConfig)
	case c.Messages.HistoryPageSize <= 0 || c.Messages.FeedPageSize <= 0:
		return fmt.Errorf("%w: page sizes must be positive", ErrInvalidConfig)
	}

	return nil
}

// Checks the values the relay can't run without.
func (c *Config) ValidateRelay() error {
	if c.Relay.ListenAddress == "" {
		return fmt.Errorf("%w: relay.listenAddress is required", ErrInvalidConfig)
	}
	if c.Relay.JWTSecret == "" {
		return fmt.Errorf("%w: %s is required", ErrInvalidConfig, JWTSecretEnv)
	}
	return nil
}

// Checks the values a client can't run without.
func (c *Config) ValidateClient() error {
	if c.API.BaseURL == "" {
		return fmt.Errorf("%w: api.baseUrl is required", ErrInvalidConfig)
	}
	if c.Signaling.URL == "" {
		return fmt.Errorf("%w: signaling.url is required", ErrInvalidConfig)
	}
	return nil
}

// Parses the configured log level, falling back to info.
func (c *Config) Level() logrus.Level {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}
