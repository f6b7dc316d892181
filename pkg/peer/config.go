package peer

import (
	"time"

	"github.com/socialhub/realtime/pkg/peer/state"
)

// Configuration of the peer connections of a call.
type Config struct {
	// How many times a failed connection is rebuilt before giving up.
	MaxRetries int `yaml:"maxRetries"`
	// Time to establish the connection after an offer or an answer has been created (in seconds).
	ConnectionTimeout int `yaml:"connectionTimeout"`
	// Delay before the first retry (in milliseconds), doubled for every following one.
	RetryBaseDelay int `yaml:"retryBaseDelay"`
	// Upper bound of the retry delay (in milliseconds).
	RetryMaxDelay int `yaml:"retryMaxDelay"`
	// ICE agent timeouts (in seconds), zero keeps pion's defaults.
	ICEDisconnectedTimeout int `yaml:"iceDisconnectedTimeout"`
	ICEFailedTimeout       int `yaml:"iceFailedTimeout"`
	ICEKeepAliveInterval   int `yaml:"iceKeepAliveInterval"`
}

func DefaultConfig() Config {
	return Config{
		MaxRetries:        3,
		ConnectionTimeout: 30,
		RetryBaseDelay:    1000,
		RetryMaxDelay:     10000,
	}
}

func (c Config) policy() state.Policy {
	return state.Policy{
		MaxRetries: c.MaxRetries,
		BaseDelay:  time.Duration(c.RetryBaseDelay) * time.Millisecond,
		MaxDelay:   time.Duration(c.RetryMaxDelay) * time.Millisecond,
	}
}

func (c Config) connectionTimeout() time.Duration {
	return time.Duration(c.ConnectionTimeout) * time.Second
}
