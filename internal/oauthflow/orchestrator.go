package oauthflow

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"time"

	"go.uber.org/zap"

	"github.com/catkins/mcp-bouncer/internal/config"
	"github.com/catkins/mcp-bouncer/internal/eventbus"
	"github.com/catkins/mcp-bouncer/internal/overlay"
	"github.com/catkins/mcp-bouncer/internal/secret"
)

const clientLabel = "MCP Bouncer"

// EnsureFunc re-establishes the upstream connection after a successful
// authorization; wired to the upstream registry at startup so this package
// does not depend on it.
type EnsureFunc func(ctx context.Context, cfg *config.ServerConfig) error

// Orchestrator drives the full per-server authorization flow and owns its
// side effects: credential persistence, overlay transitions, and UI events.
type Orchestrator struct {
	cfg     *config.Store
	secrets secret.Store
	overlay *overlay.Overlay
	bus     *eventbus.Bus
	logger  *zap.Logger
	ensure  EnsureFunc

	// openBrowser is swappable for tests.
	openBrowser func(url string) error
}

func NewOrchestrator(cfg *config.Store, secrets secret.Store, ov *overlay.Overlay, bus *eventbus.Bus, logger *zap.Logger, ensure EnsureFunc) *Orchestrator {
	return &Orchestrator{
		cfg:         cfg,
		secrets:     secrets,
		overlay:     ov,
		bus:         bus,
		logger:      logger,
		ensure:      ensure,
		openBrowser: openBrowser,
	}
}

// Authorize runs the authorization-code flow for the named server:
// callback listener, browser hand-off, code exchange, credential
// persistence, then reconnection if the server is still enabled.
func (o *Orchestrator) Authorize(ctx context.Context, serverName string) error {
	cfg, err := o.cfg.GetServer(serverName)
	if err != nil {
		return err
	}
	if cfg.Endpoint == "" {
		return fmt.Errorf("server %q has no endpoint to authorize against", serverName)
	}

	baseURL, err := BaseURLFromEndpoint(cfg.Endpoint)
	if err != nil {
		return o.fail(serverName, err)
	}

	o.overlay.SetState(serverName, overlay.StateAuthorizing, -1)
	o.bus.ClientStatusChanged(serverName, "authorizing")

	cb, err := NewCallbackServer(o.logger)
	if err != nil {
		return o.fail(serverName, err)
	}
	defer cb.Shutdown()

	flow := NewFlow(baseURL)
	if cfg.OAuth != nil && cfg.OAuth.ClientID != "" {
		flow.SetClient(cfg.OAuth.ClientID, cfg.OAuth.ClientSecret)
	}

	scopes := []string{"mcp"}
	if cfg.OAuth != nil && len(cfg.OAuth.Scopes) > 0 {
		scopes = cfg.OAuth.Scopes
	}

	authURL, err := flow.StartAuthorization(ctx, scopes, cb.RedirectURI(), clientLabel)
	if err != nil {
		return o.fail(serverName, err)
	}

	o.logger.Info("opening browser for authorization",
		zap.String("server", serverName),
		zap.String("url", authURL))
	if err := o.openBrowser(authURL); err != nil {
		o.logger.Warn("could not open browser, authorize manually",
			zap.String("url", authURL), zap.Error(err))
	}

	result, err := cb.Await(ctx)
	if err != nil {
		return o.fail(serverName, err)
	}

	payload, err := flow.HandleCallback(ctx, result.Code, result.State)
	if err != nil {
		return o.fail(serverName, err)
	}

	creds := secret.NewCredentials(payload, time.Now())
	if err := secret.SaveCredentials(o.secrets, serverName, creds); err != nil {
		return o.fail(serverName, err)
	}

	o.overlay.SetOAuthAuthenticated(serverName, true)
	o.overlay.SetAuthRequired(serverName, false)
	o.bus.ClientStatusChanged(serverName, "oauth_completed")

	if cfg.Enabled && o.ensure != nil {
		o.overlay.SetState(serverName, overlay.StateConnecting, -1)
		o.bus.ClientStatusChanged(serverName, "connecting")
		if err := o.ensure(ctx, cfg); err != nil {
			o.logger.Warn("reconnect after authorization failed",
				zap.String("server", serverName), zap.Error(err))
			return nil
		}
		o.bus.ClientStatusChanged(serverName, "connected")
	}

	return nil
}

// fail records an authorization failure on the overlay and the bus, then
// returns the error for the caller.
func (o *Orchestrator) fail(serverName string, err error) error {
	o.overlay.SetError(serverName, err.Error())
	o.overlay.SetAuthRequired(serverName, true)
	o.overlay.SetOAuthAuthenticated(serverName, false)
	o.bus.ClientError(serverName, "oauth", err.Error())
	return err
}

func openBrowser(url string) error {
	switch runtime.GOOS {
	case "darwin":
		return exec.Command("open", url).Start()
	case "windows":
		return exec.Command("rundll32", "url.dll,FileProtocolHandler", url).Start()
	default:
		return exec.Command("xdg-open", url).Start()
	}
}
