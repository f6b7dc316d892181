package signaling

// Configuration of the signaling transport.
type Config struct {
	// The websocket URL of the signaling relay, e.g. `wss://rt.example.org/ws`.
	URL string `yaml:"url"`
	// How often to ping the relay (in seconds).
	PingInterval int `yaml:"pingInterval"`
	// After which time without a pong the connection is considered dead (in seconds).
	PongTimeout int `yaml:"pongTimeout"`
	// Upper bound of the delay between reconnection attempts (in seconds).
	MaxReconnectDelay int `yaml:"maxReconnectDelay"`
	// Number of outgoing events that may be queued while the connection is busy or down.
	SendQueueSize int `yaml:"sendQueueSize"`
}

func DefaultConfig() Config {
	return Config{
		PingInterval:      30,
		PongTimeout:       10,
		MaxReconnectDelay: 30,
		SendQueueSize:     16,
	}
}
