// Package app wires the process-scoped singletons together: config store,
// secret store, overlay, caches, event log, interceptors, upstream registry,
// aggregating server, and the OAuth orchestrator. Everything is constructed
// once here and threaded through explicitly.
package app

import (
	"context"

	"go.uber.org/zap"

	"github.com/catkins/mcp-bouncer/internal/bouncererr"
	"github.com/catkins/mcp-bouncer/internal/config"
	"github.com/catkins/mcp-bouncer/internal/eventbus"
	"github.com/catkins/mcp-bouncer/internal/eventlog"
	"github.com/catkins/mcp-bouncer/internal/incoming"
	"github.com/catkins/mcp-bouncer/internal/interceptor"
	"github.com/catkins/mcp-bouncer/internal/oauthflow"
	"github.com/catkins/mcp-bouncer/internal/overlay"
	"github.com/catkins/mcp-bouncer/internal/secret"
	"github.com/catkins/mcp-bouncer/internal/server"
	"github.com/catkins/mcp-bouncer/internal/status"
	"github.com/catkins/mcp-bouncer/internal/toolscache"
	"github.com/catkins/mcp-bouncer/internal/upstream"
)

// Options selects the process-level knobs the CLI binds.
type Options struct {
	DataDir    string
	ListenAddr string
	SocketPath string
	Version    string
	// UseKeyring selects the OS keyring secret backend; when false the
	// file-backed fallback under DataDir is used.
	UseKeyring bool
}

// App owns every long-lived component of the bouncer process.
type App struct {
	Logger   *zap.Logger
	Config   *config.Store
	Secrets  secret.Store
	Overlay  *overlay.Overlay
	Tools    *toolscache.Cache
	Incoming *incoming.Registry
	Bus      *eventbus.Bus
	Events   *eventlog.Store
	Registry *upstream.Registry
	Server   *server.Server
	OAuth    *oauthflow.Orchestrator
	Composer *status.Composer

	opts Options
}

// New builds the full component graph. The event log writer starts
// immediately; network listeners start in Run.
func New(ctx context.Context, logger *zap.Logger, opts Options) (*App, error) {
	a := &App{Logger: logger, opts: opts}

	a.Config = config.NewStore(opts.DataDir)
	if opts.UseKeyring {
		a.Secrets = secret.NewKeyringStore()
	} else {
		a.Secrets = secret.NewFileStore(opts.DataDir)
	}
	a.Overlay = overlay.New()
	a.Tools = toolscache.New()
	a.Incoming = incoming.New()
	a.Bus = eventbus.New()

	events, err := eventlog.Open(ctx, opts.DataDir, logger.Named("eventlog"))
	if err != nil {
		return nil, err
	}
	a.Events = events

	ci := interceptor.NewClientInterceptor(events, a.Bus)
	si := interceptor.NewServerInterceptor(events, a.Bus, a.Incoming)

	a.Registry = upstream.NewRegistry(a.Overlay, a.Tools, a.Secrets, a.Bus, logger.Named("upstream"), ci)
	a.Composer = status.NewComposer(a.Config, a.Overlay, a.Tools)

	a.OAuth = oauthflow.NewOrchestrator(a.Config, a.Secrets, a.Overlay, a.Bus, logger.Named("oauth"),
		func(ctx context.Context, cfg *config.ServerConfig) error {
			_, err := a.Registry.Ensure(ctx, cfg)
			return err
		})

	a.Server = server.New(server.Options{
		Config:   a.Config,
		Registry: a.Registry,
		Intercep: si,
		Bus:      a.Bus,
		Overlay:  a.Overlay,
		Tools:    a.Tools,
		Events:   events,
		Composer: a.Composer,
		Incoming: a.Incoming,
		Logger:   logger.Named("server"),
		Version:  opts.Version,
	})

	return a, nil
}

// Run starts the HTTP listeners and the settings watcher, blocking until
// ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	watcher := config.NewWatcher(a.Config, a.Logger.Named("config"), a.onSettingsChanged)
	go func() {
		if err := watcher.Run(ctx); err != nil {
			a.Logger.Warn("settings watcher stopped", zap.Error(err))
		}
	}()

	err := a.Server.Run(ctx, a.opts.ListenAddr, a.opts.SocketPath)

	a.Registry.ShutdownAll()
	_ = a.Events.Close()
	return err
}

// onSettingsChanged retires upstream clients whose server was disabled or
// removed, then tells the UI.
func (a *App) onSettingsChanged(settings *config.Settings) {
	stillEnabled := make(map[string]bool, len(settings.MCPServers))
	for _, srv := range settings.MCPServers {
		stillEnabled[srv.Name] = srv.Enabled
	}
	for name := range a.Overlay.Snapshot() {
		if !stillEnabled[name] {
			a.Registry.Remove(name)
		}
	}
	a.Bus.SettingsUpdated()
	a.Bus.ServersUpdated("settings_changed")
}

// EnableServer flips a server on and eagerly establishes its upstream
// connection so status reflects reality immediately.
func (a *App) EnableServer(ctx context.Context, name string) error {
	settings, err := a.Config.Load()
	if err != nil {
		return err
	}
	cfg, err := a.Config.GetServer(name)
	if err != nil {
		return err
	}
	cfg.Enabled = true
	for i, srv := range settings.MCPServers {
		if srv.Name == name {
			settings.MCPServers[i] = cfg
		}
	}
	if err := a.Config.Save(settings); err != nil {
		return err
	}
	a.Bus.ServersUpdated("enable:" + name)

	if _, err := a.Registry.Ensure(ctx, cfg); err != nil {
		return err
	}
	a.Bus.ClientStatusChanged(name, "connected")
	return nil
}

// DisableServer flips a server off and retires any live upstream client.
func (a *App) DisableServer(name string) error {
	settings, err := a.Config.Load()
	if err != nil {
		return err
	}
	found := false
	for _, srv := range settings.MCPServers {
		if srv.Name == name {
			srv.Enabled = false
			found = true
		}
	}
	if !found {
		return bouncererr.ServerNotFound(name)
	}
	if err := a.Config.Save(settings); err != nil {
		return err
	}
	a.Registry.Remove(name)
	a.Overlay.SetState(name, overlay.StateDisconnected, -1)
	a.Bus.ServersUpdated("disable:" + name)
	a.Bus.ClientStatusChanged(name, "disconnected")
	return nil
}

// SetToolEnabled records a per-tool toggle; an explicit false suppresses the
// tool from aggregated listings.
func (a *App) SetToolEnabled(serverName, toolName string, enabled bool) error {
	toggles, err := a.Config.LoadToolToggles()
	if err != nil {
		return err
	}
	perServer, ok := toggles[serverName]
	if !ok {
		perServer = map[string]bool{}
		toggles[serverName] = perServer
	}
	if enabled {
		delete(perServer, toolName)
		if len(perServer) == 0 {
			delete(toggles, serverName)
		}
	} else {
		perServer[toolName] = false
	}
	if err := a.Config.SaveToolToggles(toggles); err != nil {
		return err
	}
	a.Bus.ServersUpdated("tool_toggle:" + serverName)
	return nil
}
