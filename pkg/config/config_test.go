package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/socialhub/realtime/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
api:
  baseUrl: https://api.example.org
signaling:
  url: wss://rt.example.org/ws
ice:
  turn:
    url: turn:turn.example.org:3478
call:
  maxRetries: 5
relay:
  listenAddress: ":9000"
  allowedOrigins: ["https://app.example.org"]
  iceServers:
    - urls: stun:stun.example.org:3478
log: debug
`

func TestLoadConfigFromString_KeepsDefaults(t *testing.T) {
	t.Setenv(config.JWTSecretEnv, "secret")
	t.Setenv(config.TURNUsernameEnv, "user")
	t.Setenv(config.TURNCredentialEnv, "pass")

	loaded, err := config.LoadConfigFromString(sample)
	require.NoError(t, err)

	defaults := config.DefaultConfig()
	assert.Equal(t, 5, loaded.Call.MaxRetries)
	assert.Equal(t, defaults.Call.ConnectionTimeout, loaded.Call.ConnectionTimeout)
	assert.Equal(t, defaults.Signaling.PingInterval, loaded.Signaling.PingInterval)
	assert.Equal(t, defaults.ICE.STUNServers, loaded.ICE.STUNServers)
	assert.Equal(t, ":9000", loaded.Relay.ListenAddress)
	assert.Equal(t, []string{"stun:stun.example.org:3478"}, []string(loaded.Relay.ICEServers[0].URLs))
	assert.Equal(t, logrus.DebugLevel, loaded.Level())

	assert.Equal(t, "secret", loaded.Relay.JWTSecret)
	assert.Equal(t, "user", loaded.ICE.TURN.Username)
	assert.Equal(t, "pass", loaded.ICE.TURN.Credential)

	require.NoError(t, loaded.ValidateRelay())
	require.NoError(t, loaded.ValidateClient())
}

func TestLoadConfigFromString_RejectsInvalidValues(t *testing.T) {
	for name, yaml := range map[string]string{
		"negative retries":   "call: {maxRetries: -1}",
		"zero timeout":       "call: {connectionTimeout: 0}",
		"inverted delays":    "call: {retryBaseDelay: 5000, retryMaxDelay: 1000}",
		"short idle timeout": "relay: {pingInterval: 30, idleTimeout: 10}",
		"empty queue":        "signaling: {sendQueueSize: 0}",
		"not yaml":           "call: [",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := config.LoadConfigFromString(yaml)
			assert.Error(t, err)
		})
	}

	_, err := config.LoadConfigFromString("call: {maxRetries: 11}")
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestValidate_RequiresSecretsAndURLs(t *testing.T) {
	t.Setenv(config.JWTSecretEnv, "")

	loaded, err := config.LoadConfigFromString("log: warn")
	require.NoError(t, err)

	assert.ErrorIs(t, loaded.ValidateRelay(), config.ErrInvalidConfig)
	assert.ErrorIs(t, loaded.ValidateClient(), config.ErrInvalidConfig)
	assert.Equal(t, logrus.WarnLevel, loaded.Level())
}

func TestLoadConfig_PrefersEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log: error"), 0o600))

	t.Setenv("CONFIG", "log: debug")
	loaded, err := config.LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", loaded.LogLevel)

	t.Setenv("CONFIG", "")
	loaded, err = config.LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "error", loaded.LogLevel)

	_, err = config.LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLevel_FallsBackToInfo(t *testing.T) {
	loaded := config.DefaultConfig()
	loaded.LogLevel = "loud"
	assert.Equal(t, logrus.InfoLevel, loaded.Level())
}
