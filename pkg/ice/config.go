package ice

// Configuration of the ICE server discovery.
type Config struct {
	// Path (relative to the API base URL) of the endpoint that hands out ICE servers.
	Endpoint string `yaml:"endpoint"`
	// Public STUN servers used as a fallback and for the connectivity diagnosis.
	STUNServers []string `yaml:"stunServers"`
	// TURN relay used as a fallback when the endpoint is not reachable.
	TURN TURNConfig `yaml:"turn"`
}

type TURNConfig struct {
	// URL of the TURN server, e.g. `turn:turn.example.org:3478`. Empty disables the fallback relay.
	URL string `yaml:"url"`
	// Credentials are read from the `TURN_USERNAME` and `TURN_CREDENTIAL` environment variables.
	Username   string `yaml:"-"`
	Credential string `yaml:"-"`
}

// Default ICE discovery configuration.
func DefaultConfig() Config {
	return Config{
		Endpoint: "/api/ice-servers",
		STUNServers: []string{
			"stun:stun.l.google.com:19302",
			"stun:stun1.l.google.com:19302",
			"stun:stun.cloudflare.com:3478",
		},
	}
}
