package relay

import "github.com/socialhub/realtime/pkg/ice"

// Configuration of the signaling relay.
type Config struct {
	// The address to listen on, e.g. `:8080`.
	ListenAddress string `yaml:"listenAddress"`
	// Origins allowed to open connections and call the HTTP API.
	AllowedOrigins []string `yaml:"allowedOrigins"`
	// The ICE servers handed out to the clients.
	ICEServers []ice.Server `yaml:"iceServers"`
	// The HS256 secret the access tokens are signed with. Only read from the environment.
	JWTSecret string `yaml:"-"`
	// How often the connections are pinged when idle (in seconds).
	PingInterval int `yaml:"pingInterval"`
	// After which time without any traffic a connection is closed (in seconds).
	IdleTimeout int `yaml:"idleTimeout"`
	// Number of outgoing events queued per connection before it's considered too slow.
	SendQueueSize int `yaml:"sendQueueSize"`
	// Token subjects allowed to push events with `POST /api/publish`, i.e. the REST backend.
	// Nobody may publish when empty.
	Publishers []string `yaml:"publishers"`
	// Decides whether a user may join a room. Every join is allowed when nil.
	Authorize func(userID, room string) bool `yaml:"-"`
}

func (c Config) mayJoin(userID, room string) bool {
	return c.Authorize == nil || c.Authorize(userID, room)
}

func DefaultConfig() Config {
	return Config{
		ListenAddress: ":8080",
		PingInterval:  30,
		IdleTimeout:   60,
		SendQueueSize: 64,
	}
}
