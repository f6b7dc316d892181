package rest

// Configuration of the REST API client.
type Config struct {
	// Base URL of the REST API, e.g. `https://api.example.org`.
	BaseURL string `yaml:"baseUrl"`
	// Request timeout (in seconds).
	Timeout int `yaml:"timeout"`
}
