// Package server is the aggregating MCP server: it terminates downstream
// JSON-RPC sessions over streamable HTTP at POST /mcp, answers initialize
// and tools/list locally, and routes namespaced tools/call requests to the
// upstream registry. A small debug surface (status, event queries, metrics)
// rides on the same router.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/catkins/mcp-bouncer/internal/config"
	"github.com/catkins/mcp-bouncer/internal/eventbus"
	"github.com/catkins/mcp-bouncer/internal/eventlog"
	"github.com/catkins/mcp-bouncer/internal/incoming"
	"github.com/catkins/mcp-bouncer/internal/interceptor"
	"github.com/catkins/mcp-bouncer/internal/overlay"
	"github.com/catkins/mcp-bouncer/internal/status"
	"github.com/catkins/mcp-bouncer/internal/toolscache"
	"github.com/catkins/mcp-bouncer/internal/upstream"
)

const (
	// ProtocolVersion is the MCP protocol revision advertised downstream.
	ProtocolVersion = "2025-03-26"
	// ServerName is the server_info name advertised downstream.
	ServerName = "MCP Bouncer"

	sessionHeader    = "Mcp-Session-Id"
	sseKeepAlive     = 15 * time.Second
	listToolsTimeout = 6 * time.Second
	maxBodyBytes     = 8 << 20
)

// Server terminates downstream MCP sessions and fans out to upstreams.
type Server struct {
	cfg      *config.Store
	registry *upstream.Registry
	si       *interceptor.ServerInterceptor
	bus      *eventbus.Bus
	overlay  *overlay.Overlay
	tools    *toolscache.Cache
	events   *eventlog.Store
	composer *status.Composer
	incoming *incoming.Registry
	logger   *zap.Logger
	version  string

	sessions *sessionStore

	prom     *prometheus.Registry
	requests *prometheus.CounterVec

	httpServer *http.Server
}

// Options carries everything the server composes over.
type Options struct {
	Config   *config.Store
	Registry *upstream.Registry
	Intercep *interceptor.ServerInterceptor
	Bus      *eventbus.Bus
	Overlay  *overlay.Overlay
	Tools    *toolscache.Cache
	Events   *eventlog.Store
	Composer *status.Composer
	Incoming *incoming.Registry
	Logger   *zap.Logger
	Version  string
}

func New(opts Options) *Server {
	s := &Server{
		cfg:      opts.Config,
		registry: opts.Registry,
		si:       opts.Intercep,
		bus:      opts.Bus,
		overlay:  opts.Overlay,
		tools:    opts.Tools,
		events:   opts.Events,
		composer: opts.Composer,
		incoming: opts.Incoming,
		logger:   opts.Logger,
		version:  opts.Version,
		sessions: newSessionStore(),
		prom:     prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcp_bouncer_requests_total",
			Help: "Downstream JSON-RPC requests handled, by method and outcome.",
		}, []string{"method", "ok"}),
	}
	s.prom.MustRegister(s.requests)
	for _, c := range opts.Events.Collectors() {
		s.prom.MustRegister(c)
	}
	return s
}

// Handler builds the chi router. Exported so tests can mount it on an
// httptest server.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Post("/mcp", s.handlePost)
	r.Get("/mcp", s.handleStream)
	r.Delete("/mcp", s.handleDelete)

	r.Get("/debug/status", s.handleStatus)
	r.Post("/debug/call", s.handleDebugCall)
	r.Get("/debug/events", s.handleEvents)
	r.Get("/debug/events/histogram", s.handleHistogram)
	r.Handle("/metrics", promhttp.HandlerFor(s.prom, promhttp.HandlerOpts{}))

	return r
}

// Run serves on addr and, when socketPath is non-empty, on a Unix domain
// socket as well, until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr, socketPath string) error {
	handler := s.Handler()
	s.httpServer = &http.Server{Addr: addr, Handler: handler}

	errCh := make(chan error, 2)

	go func() {
		s.logger.Info("mcp bouncer listening", zap.String("addr", addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	var socketServer *http.Server
	if socketPath != "" {
		_ = os.Remove(socketPath)
		ln, err := net.Listen("unix", socketPath)
		if err != nil {
			return fmt.Errorf("bind unix socket %s: %w", socketPath, err)
		}
		socketServer = &http.Server{Handler: handler}
		go func() {
			s.logger.Info("mcp bouncer listening on socket", zap.String("path", socketPath))
			if err := socketServer.Serve(ln); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if socketServer != nil {
		_ = socketServer.Shutdown(shutdownCtx)
		_ = os.Remove(socketPath)
	}
	return s.httpServer.Shutdown(shutdownCtx)
}

// handleStream holds open a GET stream for server-initiated messages. The
// bouncer has none to push, so the stream only carries keep-alive comments.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(sessionHeader)
	if sessionID == "" {
		http.Error(w, "missing "+sessionHeader, http.StatusBadRequest)
		return
	}
	s.sessions.touch(sessionID)

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(sseKeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(sessionHeader)
	if sessionID != "" {
		s.sessions.remove(sessionID)
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	statusMap, err := s.composer.ComputeClientStatusMap()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	clients := s.incoming.List()
	out := map[string]interface{}{
		"servers":          statusMap,
		"incoming_clients": clients,
		"sessions":         s.sessions.count(),
	}
	writeJSON(w, out)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	params := eventlog.QueryParams{
		Server: q.Get("server"),
		Method: q.Get("method"),
	}
	if v := q.Get("ok"); v != "" {
		ok := v == "true" || v == "1"
		params.OK = &ok
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			params.Limit = n
		}
	}
	if v := q.Get("after_ts"); v != "" {
		ts, err := strconv.ParseInt(v, 10, 64)
		if err == nil {
			params.After = &eventlog.Cursor{TSMillis: ts, ID: q.Get("after_id")}
		}
	}

	var rows []eventlog.EventRow
	var err error
	if v := q.Get("since"); v != "" {
		since, perr := strconv.ParseInt(v, 10, 64)
		if perr != nil {
			http.Error(w, "bad since", http.StatusBadRequest)
			return
		}
		rows, err = s.events.QueryEventsSince(since, params)
	} else {
		rows, err = s.events.QueryEvents(params)
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]interface{}{"events": rows})
}

func (s *Server) handleHistogram(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	params := eventlog.HistogramParams{
		Server: q.Get("server"),
		Method: q.Get("method"),
	}
	if v := q.Get("max_buckets"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			params.MaxBuckets = n
		}
	}
	hist, err := s.events.QueryEventHistogram(params)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, hist)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
