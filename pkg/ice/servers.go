package ice

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// The list of URLs of an ICE server. On the wire it is either a single string or a list.
type URLs []string

func (u *URLs) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*u = URLs{single}
		return nil
	}

	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("urls must be a string or a list of strings: %w", err)
	}

	*u = list
	return nil
}

// Same as the JSON form, so that the config files can list servers the way the API does.
func (u *URLs) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		*u = URLs{node.Value}
		return nil
	}

	var list []string
	if err := node.Decode(&list); err != nil {
		return fmt.Errorf("urls must be a string or a list of strings: %w", err)
	}

	*u = list
	return nil
}

// An ICE server as handed out by the API.
type Server struct {
	URLs       URLs   `json:"urls" yaml:"urls"`
	Username   string `json:"username,omitempty" yaml:"username,omitempty"`
	Credential string `json:"credential,omitempty" yaml:"credential,omitempty"`
}

// Response body of the ICE servers endpoint.
type Response struct {
	ICEServers []Server `json:"iceServers"`
}

func (s Server) WebRTC() webrtc.ICEServer {
	server := webrtc.ICEServer{URLs: append([]string(nil), s.URLs...), Username: s.Username}
	if s.Credential != "" {
		server.Credential = s.Credential
	}
	return server
}

func ToWebRTC(servers []Server) []webrtc.ICEServer {
	result := make([]webrtc.ICEServer, 0, len(servers))
	for _, s := range servers {
		if len(s.URLs) == 0 {
			continue
		}
		result = append(result, s.WebRTC())
	}
	return result
}

// Something that knows which ICE servers to use for a new peer connection.
type Provider interface {
	ICEServers(ctx context.Context) []webrtc.ICEServer
}

// The subset of the REST client the provider needs.
type Getter interface {
	GetRaw(ctx context.Context, path string, out any) error
}

// Fetches the ICE servers from the API and falls back to public STUN servers
// and the configured TURN relay when the API is not reachable.
type HTTPProvider struct {
	logger *logrus.Entry
	client Getter
	config Config
}

func NewHTTPProvider(client Getter, config Config, logger *logrus.Entry) *HTTPProvider {
	return &HTTPProvider{logger: logger, client: client, config: config}
}

// Never fails: on any error the fallback list is returned.
func (p *HTTPProvider) ICEServers(ctx context.Context) []webrtc.ICEServer {
	var response Response
	if err := p.client.GetRaw(ctx, p.config.Endpoint, &response); err != nil {
		p.logger.WithError(err).Warn("failed to fetch ICE servers, using fallback")
		return Fallback(p.config)
	}

	servers := ToWebRTC(response.ICEServers)
	if len(servers) == 0 {
		p.logger.Warn("ICE servers endpoint returned no servers, using fallback")
		return Fallback(p.config)
	}

	p.logger.WithField("count", len(servers)).Debug("fetched ICE servers")
	return servers
}

// Public STUN servers plus the TURN relay from the configuration.
func Fallback(config Config) []webrtc.ICEServer {
	servers := []webrtc.ICEServer{}
	if len(config.STUNServers) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: append([]string(nil), config.STUNServers...)})
	}

	if config.TURN.URL != "" {
		servers = append(servers, Server{
			URLs:       URLs{config.TURN.URL},
			Username:   config.TURN.Username,
			Credential: config.TURN.Credential,
		}.WebRTC())
	}

	return servers
}

// A provider that always returns the same servers.
type StaticProvider []webrtc.ICEServer

func (s StaticProvider) ICEServers(context.Context) []webrtc.ICEServer {
	return append([]webrtc.ICEServer(nil), s...)
}
