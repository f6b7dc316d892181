package telemetry

type Config struct {
	// Use OTLP exporter. Has precedence over the Jaeger configuration.
	OTLP OTLP `yaml:"otlp"`
	// The URL to the Jaeger collector, used when no OTLP host is configured.
	JaegerURL string `yaml:"jaegerUrl"`
	// The service name reported with the spans. Defaults to `realtime`.
	Package string `yaml:"package"`
	// ID of the service instance. A random one is generated when empty.
	ID string `yaml:"id"`
}

type OTLP struct {
	// The endpoint of the OTLP collector. Note that the endpoint must not contain any URL path.
	Host string `yaml:"host"`
	// Secure indicates whether to use TLS when connecting to the OTLP endpoint.
	// HTTPS is used if enabled, HTTP otherwise.
	Secure bool `yaml:"secure"`
}

// Whether any exporter is configured.
func (c Config) Enabled() bool {
	return c.OTLP.Host != "" || c.JaegerURL != ""
}
