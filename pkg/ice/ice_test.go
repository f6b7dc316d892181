package ice_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/socialhub/realtime/pkg/ice"
	"github.com/socialhub/realtime/pkg/rest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Entry {
	return logrus.NewEntry(logrus.New())
}

func testConfig() ice.Config {
	config := ice.DefaultConfig()
	config.TURN = ice.TURNConfig{URL: "turn:turn.example.org:3478", Username: "user", Credential: "secret"}
	return config
}

func providerFor(t *testing.T, handler http.HandlerFunc) *ice.HTTPProvider {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := rest.NewClient(rest.Config{BaseURL: server.URL}, "", testLogger())
	require.NoError(t, err)

	return ice.NewHTTPProvider(client, testConfig(), testLogger())
}

func TestURLs_AcceptsStringOrList(t *testing.T) {
	var servers []ice.Server
	require.NoError(t, json.Unmarshal([]byte(`[{"urls":"stun:a:1"},{"urls":["turn:b:2","turns:b:443"],"username":"u","credential":"c"}]`), &servers))

	assert.Equal(t, ice.URLs{"stun:a:1"}, servers[0].URLs)
	assert.Equal(t, ice.URLs{"turn:b:2", "turns:b:443"}, servers[1].URLs)

	var invalid ice.Server
	assert.Error(t, json.Unmarshal([]byte(`{"urls":42}`), &invalid))
}

func TestHTTPProvider_FetchesServers(t *testing.T) {
	provider := providerFor(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/ice-servers", r.URL.Path)
		_, _ = w.Write([]byte(`{"iceServers":[{"urls":"turn:relay.example.org:3478","username":"u","credential":"c"}]}`))
	})

	servers := provider.ICEServers(context.Background())
	require.Len(t, servers, 1)
	assert.Equal(t, []string{"turn:relay.example.org:3478"}, servers[0].URLs)
	assert.Equal(t, "u", servers[0].Username)
	assert.Equal(t, "c", servers[0].Credential)
}

func TestHTTPProvider_FallsBackOnFailure(t *testing.T) {
	handlers := map[string]http.HandlerFunc{
		"server error": func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusBadGateway) },
		"empty list":   func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte(`{"iceServers":[]}`)) },
		"garbage":      func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte(`<html>`)) },
	}

	for name, handler := range handlers {
		servers := providerFor(t, handler).ICEServers(context.Background())
		assert.Equal(t, ice.Fallback(testConfig()), servers, name)
	}
}

func TestFallback_IncludesSTUNAndTURN(t *testing.T) {
	servers := ice.Fallback(testConfig())

	require.Len(t, servers, 2)
	assert.Contains(t, servers[0].URLs, "stun:stun.l.google.com:19302")
	assert.Equal(t, []string{"turn:turn.example.org:3478"}, servers[1].URLs)
	assert.Equal(t, "user", servers[1].Username)
	assert.Equal(t, "secret", servers[1].Credential)

	withoutTURN := ice.Fallback(ice.DefaultConfig())
	assert.Len(t, withoutTURN, 1)
}

func TestClassify(t *testing.T) {
	cases := []struct {
		mapped   []string
		expected ice.NATType
	}{
		{nil, ice.NATBlocked},
		{[]string{"1.2.3.4:5000"}, ice.NATUnknown},
		{[]string{"1.2.3.4:5000", "1.2.3.4:5000"}, ice.NATEndpointIndependent},
		{[]string{"1.2.3.4:5000", "1.2.3.4:5001"}, ice.NATSymmetric},
	}

	for _, c := range cases {
		diagnosis := ice.Classify(3, c.mapped)
		assert.Equal(t, c.expected, diagnosis.NATType)
		assert.Equal(t, len(c.mapped), diagnosis.Reachable)
		assert.Equal(t, 3, diagnosis.Queried)
		assert.NotEmpty(t, diagnosis.Suggestions)
	}
}

type fakeMapper map[string]string

func (f fakeMapper) Map(_ context.Context, servers []string) []ice.Binding {
	bindings := make([]ice.Binding, 0, len(servers))
	for _, server := range servers {
		if address, ok := f[server]; ok {
			bindings = append(bindings, ice.Binding{Server: server, Address: address})
		} else {
			bindings = append(bindings, ice.Binding{Server: server, Err: errors.New("timeout")})
		}
	}
	return bindings
}

func TestDiagnoser_QueriesEveryServer(t *testing.T) {
	servers := []string{"stun:a:3478", "stun:b:3478", "stun:c:3478"}
	mapper := fakeMapper{"stun:a:3478": "1.2.3.4:1000", "stun:c:3478": "1.2.3.4:2000"}

	diagnosis := ice.NewDiagnoser(mapper, servers, testLogger()).Diagnose(context.Background())

	assert.Equal(t, 3, diagnosis.Queried)
	assert.Equal(t, 2, diagnosis.Reachable)
	assert.Equal(t, ice.NATSymmetric, diagnosis.NATType)
	assert.Equal(t, []string{"1.2.3.4:1000", "1.2.3.4:2000"}, diagnosis.MappedAddresses)
}

func TestStaticProvider_ReturnsCopy(t *testing.T) {
	provider := ice.StaticProvider(ice.Fallback(ice.DefaultConfig()))

	servers := provider.ICEServers(context.Background())
	servers[0].Username = "changed"

	assert.Empty(t, provider.ICEServers(context.Background())[0].Username)
}

func TestSTUNMapper_RejectsInvalidURI(t *testing.T) {
	bindings := ice.STUNMapper{}.Map(context.Background(), []string{"http://nope"})
	require.Len(t, bindings, 1)
	assert.Equal(t, "http://nope", bindings[0].Server)
	assert.Error(t, bindings[0].Err)
}
