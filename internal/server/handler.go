package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/catkins/mcp-bouncer/internal/bouncererr"
	"github.com/catkins/mcp-bouncer/internal/config"
	"github.com/catkins/mcp-bouncer/internal/eventlog"
	"github.com/catkins/mcp-bouncer/internal/interceptor"
	"github.com/catkins/mcp-bouncer/internal/jsonrpc"
	"github.com/catkins/mcp-bouncer/internal/reqcontext"
	"github.com/catkins/mcp-bouncer/internal/toolscache"
)

// NamespaceSeparator joins an upstream server name and its tool name in the
// aggregated catalog. It is reserved: server names must not contain it.
const NamespaceSeparator = "::"

func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	var req jsonrpc.Request
	if err := json.Unmarshal(body, &req); err != nil || req.Method == "" {
		writeRPC(w, jsonrpc.NewError(nil, jsonrpc.CodeParseError, "parse error"))
		return
	}

	sessionID := r.Header.Get(sessionHeader)
	switch {
	case req.Method == "initialize" && sessionID == "":
		sessionID = s.sessions.create()
	case sessionID == "":
		// Tolerated: the downstream client is a trusted local process, so a
		// missing session header degrades to a shared anonymous session
		// rather than a rejection.
		sessionID = "default"
	default:
		s.sessions.touch(sessionID)
	}

	ctx := reqcontext.WithOrigin(r.Context(), eventlog.OriginExternal)

	if req.IsNotification() {
		s.si.LogNotification(sessionID, eventlog.OriginExternal, req.Method, req.Params)
		w.WriteHeader(http.StatusAccepted)
		return
	}

	lc := s.si.Receive(sessionID, eventlog.OriginExternal, req)
	result, ok, errMsg := s.dispatch(ctx, req, lc)
	resp := jsonrpc.NewResult(req.ID, result)

	w.Header().Set(sessionHeader, sessionID)
	writeRPC(w, resp)

	// The event reaches the log and the bus only after the response hit the
	// wire, so UI listeners never observe a response before the client does.
	s.si.Finish(sessionID, resp, ok, errMsg)
	s.requests.WithLabelValues(req.Method, strconv.FormatBool(ok)).Inc()
}

func writeRPC(w http.ResponseWriter, resp jsonrpc.Response) {
	w.Header().Set("Content-Type", "application/json")
	data, err := json.Marshal(resp)
	if err != nil {
		http.Error(w, "marshal response", http.StatusInternalServerError)
		return
	}
	_, _ = w.Write(data)
}

func (s *Server) dispatch(ctx context.Context, req jsonrpc.Request, lc *interceptor.LogContext) (interface{}, bool, string) {
	switch req.Method {
	case "initialize":
		return s.handleInitialize(lc)
	case "tools/list":
		return s.handleToolsList(ctx)
	case "tools/call":
		return s.handleToolsCall(ctx, req, lc)
	default:
		// Unhandled requests return an empty result; the interceptor still
		// records them.
		return struct{}{}, true, ""
	}
}

type initializeResult struct {
	ProtocolVersion string                 `json:"protocolVersion"`
	Capabilities    map[string]interface{} `json:"capabilities"`
	ServerInfo      mcp.Implementation     `json:"serverInfo"`
	Instructions    interface{}            `json:"instructions"`
}

func (s *Server) handleInitialize(lc *interceptor.LogContext) (interface{}, bool, string) {
	lc.SetServerDetails("", s.version, ProtocolVersion)
	return initializeResult{
		ProtocolVersion: ProtocolVersion,
		Capabilities: map[string]interface{}{
			"logging": map[string]interface{}{},
			"tools":   map[string]interface{}{"listChanged": true},
		},
		ServerInfo:   mcp.Implementation{Name: ServerName, Version: s.version},
		Instructions: nil,
	}, true, ""
}

// aggTool is one namespaced entry in the aggregated catalog.
type aggTool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	InputSchema map[string]interface{} `json:"inputSchema,omitempty"`
}

func (s *Server) handleToolsList(ctx context.Context) (interface{}, bool, string) {
	settings, err := s.cfg.Load()
	if err != nil {
		return map[string]interface{}{"tools": []aggTool{}}, false, err.Error()
	}
	toggles, _ := s.cfg.LoadToolToggles()

	var enabled []*config.ServerConfig
	for _, srv := range settings.MCPServers {
		if srv.Enabled {
			enabled = append(enabled, srv)
		}
	}

	// Fan out with a per-upstream deadline; a server that fails or times out
	// contributes nothing and the rest still answer. Union order follows the
	// configured order across responding servers.
	perServer := make([][]toolscache.Tool, len(enabled))
	var wg sync.WaitGroup
	for i, srv := range enabled {
		wg.Add(1)
		go func(i int, srv *config.ServerConfig) {
			defer wg.Done()
			fetchCtx, cancel := context.WithTimeout(ctx, listToolsTimeout)
			defer cancel()
			tools, err := s.registry.FetchTools(fetchCtx, srv)
			if err != nil {
				s.logger.Warn("tools/list fan-out failed",
					zap.String("server", srv.Name), zap.Error(err))
				return
			}
			perServer[i] = toolscache.FilterEnabled(toggles, srv.Name, tools)
		}(i, srv)
	}
	wg.Wait()

	out := make([]aggTool, 0)
	for i, srv := range enabled {
		for _, t := range perServer[i] {
			out = append(out, aggTool{
				Name:        srv.Name + NamespaceSeparator + t.Name,
				Description: t.Description,
				InputSchema: t.InputSchema,
			})
		}
	}

	return map[string]interface{}{"tools": out}, true, ""
}

func (s *Server) handleToolsCall(ctx context.Context, req jsonrpc.Request, lc *interceptor.LogContext) (interface{}, bool, string) {
	var params struct {
		Name      string                 `json:"name"`
		Arguments map[string]interface{} `json:"arguments"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		msg := "tools/call params carried no tool name"
		return mcp.NewToolResultError(msg), false, msg
	}

	settings, err := s.cfg.Load()
	if err != nil {
		msg := "error: " + err.Error()
		return mcp.NewToolResultError(msg), false, msg
	}

	target, toolName, err := resolveTarget(settings, params.Name)
	if err != nil {
		msg := messageOf(err)
		return mcp.NewToolResultError(msg), false, msg
	}

	lc.SetServerDetails(target.Name, "", "")

	result, err := s.registry.CallTool(ctx, target, toolName, params.Arguments)
	if err != nil {
		// A 401 was already routed to the overlay and the bus by the
		// registry; downstream always sees a tool-level error, never a
		// JSON-RPC error.
		msg := "error: " + messageOf(err)
		return mcp.NewToolResultError(msg), false, msg
	}

	if id := s.registry.Identity(target.Name); id != nil {
		lc.SetServerDetails(target.Name, id.Version, id.Protocol)
	}

	if result.IsError {
		return result, false, toolErrorText(result)
	}
	return result, true, ""
}

// handleDebugCall lets an operator invoke one upstream tool directly. The
// call is logged with origin=debugger so the event stream distinguishes it
// from downstream traffic.
func (s *Server) handleDebugCall(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Server    string                 `json:"server"`
		Tool      string                 `json:"tool"`
		Arguments map[string]interface{} `json:"arguments"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		http.Error(w, "bad request body", http.StatusBadRequest)
		return
	}

	cfg, err := s.cfg.GetServer(req.Server)
	if err != nil {
		http.Error(w, messageOf(err), http.StatusNotFound)
		return
	}

	ctx := reqcontext.WithOrigin(r.Context(), eventlog.OriginDebugger)
	result, err := s.registry.CallTool(ctx, cfg, req.Tool, req.Arguments)
	if err != nil {
		http.Error(w, messageOf(err), http.StatusBadGateway)
		return
	}
	writeJSON(w, result)
}

// resolveTarget maps an aggregated tool name to its upstream server.
// A namespaced name resolves by exact match; an unqualified name is accepted
// only when exactly one server is enabled.
func resolveTarget(settings *config.Settings, name string) (*config.ServerConfig, string, error) {
	serverName, toolName := "", name
	if idx := strings.Index(name, NamespaceSeparator); idx >= 0 {
		serverName = name[:idx]
		toolName = name[idx+len(NamespaceSeparator):]
	}

	if serverName != "" {
		for _, srv := range settings.MCPServers {
			if srv.Name == serverName {
				if !srv.Enabled {
					return nil, "", bouncererr.New(bouncererr.KindUserConfig, bouncererr.CodeServerDisabled,
						"server '"+serverName+"' is disabled")
				}
				return srv, toolName, nil
			}
		}
		return nil, "", bouncererr.ServerNotFound(serverName)
	}

	var enabled []*config.ServerConfig
	for _, srv := range settings.MCPServers {
		if srv.Enabled {
			enabled = append(enabled, srv)
		}
	}
	switch len(enabled) {
	case 1:
		return enabled[0], toolName, nil
	case 0:
		return nil, "", bouncererr.New(bouncererr.KindUserConfig, bouncererr.CodeServerDisabled, "no enabled servers")
	default:
		return nil, "", bouncererr.MultipleEnabledServers()
	}
}

// toolErrorText pulls the error message from the first text content block of
// a failed tool result.
func toolErrorText(result *mcp.CallToolResult) string {
	for _, c := range result.Content {
		switch tc := c.(type) {
		case mcp.TextContent:
			if tc.Text != "" {
				return tc.Text
			}
		case *mcp.TextContent:
			if tc.Text != "" {
				return tc.Text
			}
		}
	}
	return "tool returned error"
}

// messageOf strips the kind prefix from user/config errors so their contract
// strings stay verbatim. Other kinds keep the full chain, including cause.
func messageOf(err error) string {
	var be *bouncererr.Error
	if errors.As(err, &be) && be.Kind == bouncererr.KindUserConfig {
		return be.Message
	}
	return err.Error()
}
