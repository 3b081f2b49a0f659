package upstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/catkins/mcp-bouncer/internal/bouncererr"
	"github.com/catkins/mcp-bouncer/internal/config"
	"github.com/catkins/mcp-bouncer/internal/eventbus"
	"github.com/catkins/mcp-bouncer/internal/eventlog"
	"github.com/catkins/mcp-bouncer/internal/interceptor"
	"github.com/catkins/mcp-bouncer/internal/overlay"
	"github.com/catkins/mcp-bouncer/internal/secret"
	"github.com/catkins/mcp-bouncer/internal/toolscache"
)

func newTestRegistry(t *testing.T) (*Registry, *overlay.Overlay, *eventbus.Bus, secret.Store) {
	t.Helper()

	events, err := eventlog.Open(context.Background(), t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = events.Close() })

	ov := overlay.New()
	bus := eventbus.New()
	secrets := secret.NewMemoryStore()
	ci := interceptor.NewClientInterceptor(events, bus)
	reg := NewRegistry(ov, toolscache.New(), secrets, bus, zap.NewNop(), ci)
	t.Cleanup(reg.ShutdownAll)
	return reg, ov, bus, secrets
}

func TestEnsureAgainst401MarksRequiresAuthorization(t *testing.T) {
	reg, ov, bus, _ := newTestRegistry(t)
	ch := bus.Subscribe()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("WWW-Authenticate", `Bearer resource_metadata="/.well-known/oauth-protected-resource"`)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	t.Cleanup(ts.Close)

	cfg := &config.ServerConfig{
		Name:      "protected",
		Transport: config.TransportStreamableHTTP,
		Endpoint:  ts.URL,
		Enabled:   true,
	}

	_, err := reg.Ensure(context.Background(), cfg)
	require.Error(t, err)
	assert.True(t, bouncererr.IsKind(err, bouncererr.KindUpstream))

	entry := ov.Get("protected")
	assert.Equal(t, overlay.StateRequiresAuthorization, entry.State)
	assert.True(t, entry.AuthorizationRequired)
	assert.Empty(t, entry.LastError, "authorization is a state, not an error")

	// The bus saw the requires_authorization signal.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case n := <-ch:
			if n.Event == eventbus.EventClientStatusChanged && n.Payload["action"] == "requires_authorization" {
				assert.Equal(t, "protected", n.Payload["server_name"])
				return
			}
		case <-deadline:
			t.Fatal("no requires_authorization event observed")
		}
	}
}

func TestEnsureAgainstRefusedConnectionSetsErrored(t *testing.T) {
	reg, ov, _, _ := newTestRegistry(t)

	cfg := &config.ServerConfig{
		Name:      "gone",
		Transport: config.TransportStreamableHTTP,
		// Port 1 on loopback, where nothing listens.
		Endpoint: "http://127.0.0.1:1/mcp",
		Enabled:  true,
	}

	_, err := reg.Ensure(context.Background(), cfg)
	require.Error(t, err)

	entry := ov.Get("gone")
	assert.Equal(t, overlay.StateErrored, entry.State)
	assert.NotEmpty(t, entry.LastError)
}

func TestRemoveIsIdempotent(t *testing.T) {
	reg, _, _, _ := newTestRegistry(t)
	reg.Remove("never-ensured")
	reg.ShutdownAll()
}

func TestBuildClientRejectsUnknownTransport(t *testing.T) {
	_, err := buildClient(context.Background(), &config.ServerConfig{Name: "x", Transport: "smoke_signal"}, secret.NewMemoryStore())
	require.Error(t, err)
	assert.True(t, bouncererr.IsKind(err, bouncererr.KindUserConfig))
}

func TestAuthorizingHeadersInjectsBearer(t *testing.T) {
	secrets := secret.NewMemoryStore()
	cfg := &config.ServerConfig{
		Name:      "srv",
		Transport: config.TransportStreamableHTTP,
		Endpoint:  "http://example.invalid/mcp",
		Headers:   map[string]string{"X-Custom": "1"},
	}

	headers := authorizingHeaders(cfg, secrets)
	assert.Equal(t, "1", headers["X-Custom"])
	assert.NotContains(t, headers, "Authorization")

	require.NoError(t, secret.SaveCredentials(secrets, "srv",
		secret.NewCredentials(secret.TokenPayload{AccessToken: "tok"}, time.Now())))

	headers = authorizingHeaders(cfg, secrets)
	assert.Equal(t, "Bearer tok", headers["Authorization"])
}

func TestProbeUnauthorized(t *testing.T) {
	httpCfg := &config.ServerConfig{Transport: config.TransportStreamableHTTP}
	stdioCfg := &config.ServerConfig{Transport: config.TransportStdio}

	assert.True(t, probeUnauthorized(httpCfg, assertErr("request failed with status 401")))
	assert.True(t, probeUnauthorized(httpCfg, assertErr("Unauthorized")))
	assert.False(t, probeUnauthorized(httpCfg, assertErr("connection refused")))
	assert.False(t, probeUnauthorized(stdioCfg, assertErr("401")))
	assert.False(t, probeUnauthorized(httpCfg, nil))
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
