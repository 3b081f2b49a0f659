// Package upstream is the process-wide outbound connection registry: one
// mcp-go client per configured server, built over stdio, SSE, or
// streamable-HTTP transports, with lazy reconnection after a drop rather
// than a background retry loop.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/catkins/mcp-bouncer/internal/bouncererr"
	"github.com/catkins/mcp-bouncer/internal/config"
	"github.com/catkins/mcp-bouncer/internal/eventbus"
	"github.com/catkins/mcp-bouncer/internal/interceptor"
	"github.com/catkins/mcp-bouncer/internal/logs"
	"github.com/catkins/mcp-bouncer/internal/overlay"
	"github.com/catkins/mcp-bouncer/internal/reqcontext"
	"github.com/catkins/mcp-bouncer/internal/secret"
	"github.com/catkins/mcp-bouncer/internal/toolscache"
)

const handshakeTimeout = 15 * time.Second

// Service is one ensured upstream connection.
type Service struct {
	name   string
	cfg    *config.ServerConfig
	client *client.Client
	info   *mcp.InitializeResult
	cancel context.CancelFunc
}

// Registry is the process-wide server_name -> Service map.
type Registry struct {
	mu       sync.Mutex
	services map[string]*Service

	overlay *overlay.Overlay
	tools   *toolscache.Cache
	secrets secret.Store
	bus     *eventbus.Bus
	logger  *zap.Logger
	client  *interceptor.ClientInterceptor
}

func NewRegistry(ov *overlay.Overlay, tools *toolscache.Cache, secrets secret.Store, bus *eventbus.Bus, logger *zap.Logger, client *interceptor.ClientInterceptor) *Registry {
	return &Registry{
		services: make(map[string]*Service),
		overlay:  ov,
		tools:    tools,
		secrets:  secrets,
		bus:      bus,
		logger:   logger,
		client:   client,
	}
}

// markUnauthorized routes an observed 401 to the overlay and the UI bus.
// Authorization is a state, not an error, so LastError stays clear.
func (r *Registry) markUnauthorized(name string) {
	r.overlay.MarkUnauthorized(name)
	r.bus.ClientStatusChanged(name, "requires_authorization")
}

// Ensure returns the existing service for cfg.Name, or builds and
// handshakes a fresh one. Idempotent: a second call with the same name
// before a Remove returns the cached service without reconnecting.
func (r *Registry) Ensure(ctx context.Context, cfg *config.ServerConfig) (*Service, error) {
	r.mu.Lock()
	if svc, ok := r.services[cfg.Name]; ok {
		r.mu.Unlock()
		return svc, nil
	}
	r.mu.Unlock()

	log := logs.PerServerLogger(r.logger, cfg.Name)
	log.Debug("ensuring upstream client", zap.String("transport", string(cfg.Transport)))

	r.overlay.SetState(cfg.Name, overlay.StateConnecting, 0)

	c, err := buildClient(ctx, cfg, r.secrets)
	if err != nil {
		r.overlay.SetError(cfg.Name, err.Error())
		return nil, err
	}

	handshakeCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	origin := reqcontext.Origin(ctx)
	var info *mcp.InitializeResult
	callErr := r.client.Call(origin, cfg.Name, "initialize", nil, func() (interface{}, string, string, error) {
		if e := c.Start(handshakeCtx); e != nil {
			return nil, "", "", e
		}
		initReq := mcp.InitializeRequest{}
		initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
		initReq.Params.ClientInfo = mcp.Implementation{Name: "mcp-bouncer", Version: "1.0.0"}
		var e error
		info, e = c.Initialize(handshakeCtx, initReq)
		if e != nil {
			return nil, "", "", e
		}
		return info, info.ServerInfo.Version, info.ProtocolVersion, nil
	})
	if callErr != nil {
		if probeUnauthorized(cfg, callErr) {
			r.markUnauthorized(cfg.Name)
		} else {
			r.overlay.SetError(cfg.Name, callErr.Error())
		}
		return nil, bouncererr.Wrap(bouncererr.KindUpstream, "", fmt.Sprintf("handshake with %q", cfg.Name), callErr)
	}

	_, svcCancel := context.WithCancel(context.Background())
	svc := &Service{name: cfg.Name, cfg: cfg, client: c, info: info, cancel: svcCancel}

	r.mu.Lock()
	r.services[cfg.Name] = svc
	r.mu.Unlock()

	log.Info("upstream connected",
		zap.String("server_version", info.ServerInfo.Version),
		zap.String("protocol", info.ProtocolVersion))
	r.overlay.SetState(cfg.Name, overlay.StateConnected, -1)
	return svc, nil
}

// Identity is the handshake identity of a live upstream.
type Identity struct {
	Version  string
	Protocol string
}

// Identity returns the named upstream's handshake identity, or nil when no
// live service exists for it.
func (r *Registry) Identity(name string) *Identity {
	r.mu.Lock()
	defer r.mu.Unlock()
	svc, ok := r.services[name]
	if !ok || svc.info == nil {
		return nil
	}
	return &Identity{Version: svc.info.ServerInfo.Version, Protocol: svc.info.ProtocolVersion}
}

// Remove cancels and drops the named service, if present.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	svc, ok := r.services[name]
	if ok {
		delete(r.services, name)
	}
	r.mu.Unlock()
	if ok {
		svc.cancel()
		if err := svc.client.Close(); err != nil {
			r.logger.Debug("closing upstream client", zap.String("server", name), zap.Error(err))
		}
		r.tools.Clear(name)
	}
}

// ShutdownAll cancels and drops every service.
func (r *Registry) ShutdownAll() {
	r.mu.Lock()
	names := make([]string, 0, len(r.services))
	for name := range r.services {
		names = append(names, name)
	}
	r.mu.Unlock()
	for _, name := range names {
		r.Remove(name)
	}
}

// FetchTools ensures the connection then lists its tools, caching the
// result and recording it on the overlay.
func (r *Registry) FetchTools(ctx context.Context, cfg *config.ServerConfig) ([]toolscache.Tool, error) {
	svc, err := r.Ensure(ctx, cfg)
	if err != nil {
		return nil, err
	}

	origin := reqcontext.Origin(ctx)
	var res *mcp.ListToolsResult
	callErr := r.client.Call(origin, cfg.Name, "tools/list", nil, func() (interface{}, string, string, error) {
		var e error
		res, e = svc.client.ListTools(ctx, mcp.ListToolsRequest{})
		if e != nil {
			return nil, "", "", e
		}
		return res, svc.info.ServerInfo.Version, svc.info.ProtocolVersion, nil
	})
	if callErr != nil {
		if probeUnauthorized(cfg, callErr) {
			r.markUnauthorized(cfg.Name)
		}
		return nil, bouncererr.Wrap(bouncererr.KindUpstream, "", fmt.Sprintf("list tools on %q", cfg.Name), callErr)
	}

	tools := make([]toolscache.Tool, 0, len(res.Tools))
	for _, t := range res.Tools {
		tools = append(tools, toolscache.Tool{Name: t.Name, Description: t.Description, InputSchema: schemaToMap(t)})
	}
	r.tools.Set(cfg.Name, tools)
	r.overlay.SetTools(cfg.Name, len(tools))
	return tools, nil
}

// CallTool ensures the connection then invokes the named tool.
func (r *Registry) CallTool(ctx context.Context, cfg *config.ServerConfig, toolName string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	svc, err := r.Ensure(ctx, cfg)
	if err != nil {
		return nil, err
	}
	req := mcp.CallToolRequest{}
	req.Params.Name = toolName
	req.Params.Arguments = args

	origin := reqcontext.Origin(ctx)
	var result *mcp.CallToolResult
	callErr := r.client.Call(origin, cfg.Name, "tools/call", req.Params, func() (interface{}, string, string, error) {
		var e error
		result, e = svc.client.CallTool(ctx, req)
		if e != nil {
			return nil, "", "", e
		}
		return result, svc.info.ServerInfo.Version, svc.info.ProtocolVersion, nil
	})
	if callErr != nil {
		if probeUnauthorized(cfg, callErr) {
			r.markUnauthorized(cfg.Name)
		}
		return nil, bouncererr.Wrap(bouncererr.KindUpstream, "", fmt.Sprintf("call tool %q on %q", toolName, cfg.Name), callErr)
	}
	return result, nil
}

// schemaToMap round-trips mcp-go's ToolInputSchema through its JSON form
// into a plain map for the cache.
func schemaToMap(t mcp.Tool) map[string]interface{} {
	raw, err := json.Marshal(t.InputSchema)
	if err != nil {
		return nil
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

func buildClient(ctx context.Context, cfg *config.ServerConfig, secrets secret.Store) (*client.Client, error) {
	switch cfg.Transport {
	case config.TransportStdio:
		envVars := make([]string, 0, len(cfg.Env))
		for k, v := range cfg.Env {
			envVars = append(envVars, k+"="+v)
		}
		t := transport.NewStdio(cfg.Command, envVars, cfg.Args...)
		return client.NewClient(t), nil

	case config.TransportSSE:
		opts := []transport.ClientOption{}
		if len(cfg.Headers) > 0 {
			opts = append(opts, transport.WithHeaders(cfg.Headers))
		}
		t, err := transport.NewSSE(cfg.Endpoint, opts...)
		if err != nil {
			return nil, bouncererr.Wrap(bouncererr.KindUpstream, "", fmt.Sprintf("build SSE transport for %q", cfg.Name), err)
		}
		return client.NewClient(t), nil

	case config.TransportStreamableHTTP:
		headers := authorizingHeaders(cfg, secrets)
		opts := []transport.StreamableHTTPCOption{}
		if len(headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(headers))
		}
		t, err := transport.NewStreamableHTTP(cfg.Endpoint, opts...)
		if err != nil {
			return nil, bouncererr.Wrap(bouncererr.KindUpstream, "", fmt.Sprintf("build streamable-http transport for %q", cfg.Name), err)
		}
		return client.NewClient(t), nil

	default:
		return nil, bouncererr.New(bouncererr.KindUserConfig, bouncererr.CodeMissingEndpoint, fmt.Sprintf("server %q: unknown transport %q", cfg.Name, cfg.Transport))
	}
}

// authorizingHeaders merges cfg.Headers with a persisted OAuth bearer token
// when one exists for cfg.Name. Static headers never override the bearer.
func authorizingHeaders(cfg *config.ServerConfig, secrets secret.Store) map[string]string {
	headers := make(map[string]string, len(cfg.Headers)+1)
	for k, v := range cfg.Headers {
		headers[k] = v
	}
	creds, err := secret.LoadCredentials(secrets, cfg.Name)
	if err == nil && creds.Data.AccessToken != "" {
		headers["Authorization"] = "Bearer " + creds.Data.AccessToken
	}
	return headers
}

// probeUnauthorized reports whether err looks like an HTTP 401 from an
// HTTP-family transport. A 401 is an authorization state, not a transport
// error, so callers route it to the overlay's unauthorized path.
func probeUnauthorized(cfg *config.ServerConfig, err error) bool {
	if cfg.Transport != config.TransportSSE && cfg.Transport != config.TransportStreamableHTTP {
		return false
	}
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "401") || strings.Contains(strings.ToLower(msg), "unauthorized")
}
