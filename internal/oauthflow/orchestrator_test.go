package oauthflow

import (
	"context"
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/catkins/mcp-bouncer/internal/config"
	"github.com/catkins/mcp-bouncer/internal/eventbus"
	"github.com/catkins/mcp-bouncer/internal/overlay"
	"github.com/catkins/mcp-bouncer/internal/secret"
)

func TestAuthorizeEndToEnd(t *testing.T) {
	ts := fakeAuthServer(t)

	cfgStore := config.NewStore(t.TempDir())
	require.NoError(t, cfgStore.Save(&config.Settings{MCPServers: []*config.ServerConfig{
		{Name: "protected", Transport: config.TransportStreamableHTTP, Endpoint: ts.URL + "/mcp", RequiresAuth: true, Enabled: false},
	}}))

	secrets := secret.NewMemoryStore()
	ov := overlay.New()
	bus := eventbus.New()
	ch := bus.Subscribe()

	orch := NewOrchestrator(cfgStore, secrets, ov, bus, zap.NewNop(), nil)

	// The "browser" plays the user's part: it follows the authorization URL
	// far enough to extract redirect_uri and state, then hits the callback.
	orch.openBrowser = func(authURL string) error {
		go func() {
			parsed, err := url.Parse(authURL)
			if err != nil {
				return
			}
			q := parsed.Query()
			callback := q.Get("redirect_uri") + "?code=the-code&state=" + url.QueryEscape(q.Get("state"))
			_, _ = http.Get(callback)
		}()
		return nil
	}

	require.NoError(t, orch.Authorize(context.Background(), "protected"))

	// Credentials were persisted with an absolute expiry.
	creds, err := secret.LoadCredentials(secrets, "protected")
	require.NoError(t, err)
	assert.Equal(t, "issued-token", creds.Data.AccessToken)
	require.NotNil(t, creds.ExpiresAt)

	entry := ov.Get("protected")
	assert.True(t, entry.OAuthAuthenticated)
	assert.False(t, entry.AuthorizationRequired)

	var actions []string
	for len(ch) > 0 {
		n := <-ch
		if n.Event == eventbus.EventClientStatusChanged {
			actions = append(actions, n.Payload["action"].(string))
		}
	}
	assert.Contains(t, actions, "authorizing")
	assert.Contains(t, actions, "oauth_completed")
}

func TestAuthorizeFailureSetsErroredState(t *testing.T) {
	cfgStore := config.NewStore(t.TempDir())
	require.NoError(t, cfgStore.Save(&config.Settings{MCPServers: []*config.ServerConfig{
		{Name: "broken", Transport: config.TransportStreamableHTTP, Endpoint: "http://127.0.0.1:1/mcp", Enabled: true},
	}}))

	secrets := secret.NewMemoryStore()
	ov := overlay.New()
	bus := eventbus.New()
	ch := bus.Subscribe()

	orch := NewOrchestrator(cfgStore, secrets, ov, bus, zap.NewNop(), nil)
	orch.openBrowser = func(authURL string) error {
		go func() {
			parsed, _ := url.Parse(authURL)
			q := parsed.Query()
			// The user denies the request.
			callback := q.Get("redirect_uri") + "?error=access_denied&state=" + url.QueryEscape(q.Get("state"))
			_, _ = http.Get(callback)
		}()
		return nil
	}

	err := orch.Authorize(context.Background(), "broken")
	require.Error(t, err)

	entry := ov.Get("broken")
	assert.Equal(t, overlay.StateErrored, entry.State)
	assert.True(t, entry.AuthorizationRequired)
	assert.False(t, entry.OAuthAuthenticated)

	sawError := false
	for len(ch) > 0 {
		if n := <-ch; n.Event == eventbus.EventClientError {
			sawError = true
		}
	}
	assert.True(t, sawError)
}

func TestAuthorizeUnknownServer(t *testing.T) {
	orch := NewOrchestrator(config.NewStore(t.TempDir()), secret.NewMemoryStore(), overlay.New(), eventbus.New(), zap.NewNop(), nil)
	err := orch.Authorize(context.Background(), "missing")
	require.Error(t, err)
}
