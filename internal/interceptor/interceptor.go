// Package interceptor correlates JSON-RPC requests with their responses and
// turns each completed exchange into a persisted event. A ServerInterceptor
// wraps each downstream session: Receive attaches a Pending record keyed by
// request id, Finish finalizes it into an Event. A ClientInterceptor
// performs the symmetric bookkeeping for outbound calls to upstream servers.
package interceptor

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/catkins/mcp-bouncer/internal/eventbus"
	"github.com/catkins/mcp-bouncer/internal/eventlog"
	"github.com/catkins/mcp-bouncer/internal/incoming"
	"github.com/catkins/mcp-bouncer/internal/jsonrpc"
)

// Kind classifies a Pending request for response enrichment.
type Kind int

const (
	KindOther Kind = iota
	KindInitialize
	KindListTools
	KindCallTool
)

func classify(method string) Kind {
	switch method {
	case "initialize":
		return KindInitialize
	case "tools/list":
		return KindListTools
	case "tools/call":
		return KindCallTool
	default:
		return KindOther
	}
}

// Pending is an in-flight request record awaiting its matched response,
// owned by the interceptor.
type Pending struct {
	RequestID interface{}
	Kind      Kind
	Method    string
	SessionID string
	Origin    eventlog.Origin
	Start     time.Time

	RequestEnvelope string

	// Mutable annotations the handler fills in before the response is sent,
	// via the LogContext handle.
	mu             sync.Mutex
	serverName     string
	serverVersion  string
	serverProtocol string
	clientName     string
	clientVersion  string
	clientProtocol string
}

// LogContext is the lightweight handle threaded through a request's
// handling: it does not own the Pending state, only a reference to it.
type LogContext struct {
	pending *Pending
}

// SetServerDetails lets the server handler annotate the event with the
// resolved upstream server's identity before the response is sent.
func (lc *LogContext) SetServerDetails(name, version, protocol string) {
	if lc == nil || lc.pending == nil {
		return
	}
	lc.pending.mu.Lock()
	defer lc.pending.mu.Unlock()
	lc.pending.serverName = name
	if version != "" {
		lc.pending.serverVersion = version
	}
	if protocol != "" {
		lc.pending.serverProtocol = protocol
	}
}

// ServerInterceptor wraps the downstream transport of each session,
// correlating requests with responses and handing completed events to the
// persistence engine.
type ServerInterceptor struct {
	events   *eventlog.Store
	bus      *eventbus.Bus
	incoming *incoming.Registry

	mu      sync.Mutex
	pending map[string]*Pending // keyed by sessionID + "/" + request id
}

func NewServerInterceptor(events *eventlog.Store, bus *eventbus.Bus, incoming *incoming.Registry) *ServerInterceptor {
	return &ServerInterceptor{
		events:   events,
		bus:      bus,
		incoming: incoming,
		pending:  make(map[string]*Pending),
	}
}

func pendingKey(sessionID string, id interface{}) string {
	return fmt.Sprintf("%s/%v", sessionID, id)
}

// Receive attaches a Pending record to req and returns a LogContext handle
// for the caller to thread through the request's handling. Notifications
// (no id) are not tracked here — log them directly via LogNotification.
func (si *ServerInterceptor) Receive(sessionID string, origin eventlog.Origin, req jsonrpc.Request) *LogContext {
	p := &Pending{
		RequestID:       req.ID,
		Kind:            classify(req.Method),
		Method:          req.Method,
		SessionID:       sessionID,
		Origin:          origin,
		Start:           time.Now(),
		RequestEnvelope: req.Envelope(),
	}

	if p.Kind == KindInitialize {
		name, version, _ := ExtractClientIdentity(req.Params)
		p.clientName = name
		p.clientVersion = version
		p.clientProtocol = extractProtocolVersion(req.Params)
	}
	if p.Kind == KindCallTool {
		p.serverName = parseCallToolServer(req.Params)
	} else if p.Kind == KindListTools {
		p.serverName = "aggregate"
	}

	si.mu.Lock()
	si.pending[pendingKey(sessionID, req.ID)] = p
	si.mu.Unlock()

	return &LogContext{pending: p}
}

// parseCallToolServer extracts the "<server>::" prefix from a tools/call
// request's params.name, if namespaced, for default event annotation
// (SetServerDetails/resolution may override it later).
func parseCallToolServer(params json.RawMessage) string {
	var p struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return ""
	}
	for i := 0; i+1 < len(p.Name); i++ {
		if p.Name[i] == ':' && p.Name[i+1] == ':' {
			return p.Name[:i]
		}
	}
	return ""
}

// Finish matches a Result/Error response against its Pending entry,
// finalizes the event, and persists it. A missing pending is silently
// dropped, tolerating retransmissions and local synthesizers.
func (si *ServerInterceptor) Finish(sessionID string, resp jsonrpc.Response, ok bool, errMsg string) {
	key := pendingKey(sessionID, resp.ID)
	si.mu.Lock()
	p, found := si.pending[key]
	if found {
		delete(si.pending, key)
	}
	si.mu.Unlock()
	if !found {
		return
	}

	p.mu.Lock()
	serverName := p.serverName
	serverVersion := p.serverVersion
	serverProtocol := p.serverProtocol
	clientName := p.clientName
	clientVersion := p.clientVersion
	clientProtocol := p.clientProtocol
	p.mu.Unlock()

	id, ts := si.events.NewID()
	e := eventlog.Event{
		ID:             id,
		TSMillis:       ts,
		SessionID:      sessionID,
		Method:         p.Method,
		Origin:         p.Origin,
		ServerName:     serverName,
		ServerVersion:  serverVersion,
		ServerProtocol: serverProtocol,
		ClientName:     clientName,
		ClientVersion:  clientVersion,
		ClientProtocol: clientProtocol,
		DurationMS:     time.Since(p.Start).Milliseconds(),
		OK:             ok,
		Error:          errMsg,
		RequestJSON:    p.RequestEnvelope,
		ResponseJSON:   resp.Envelope(),
	}
	if !ok && e.Error == "" {
		e.Error = "unknown error"
	}
	si.events.EmitAsync(e)

	if p.Kind == KindInitialize && ok {
		rec := si.incoming.RecordConnect(clientName, clientVersion, "")
		si.bus.IncomingClientsUpdated("connect:" + rec.ID)
	}
	si.bus.LogsRPCEvent(map[string]interface{}{
		"method":      p.Method,
		"server_name": serverName,
		"ok":          ok,
		"duration_ms": e.DurationMS,
	})
}

// LogNotification synthesizes a standalone event for a JSON-RPC
// notification and logs it immediately, since notifications have no
// response to correlate against.
func (si *ServerInterceptor) LogNotification(sessionID string, origin eventlog.Origin, method string, params json.RawMessage) {
	req := jsonrpc.Request{JSONRPC: jsonrpc.Version, Method: method, Params: params}
	id, ts := si.events.NewID()
	e := eventlog.Event{
		ID:          id,
		TSMillis:    ts,
		SessionID:   sessionID,
		Method:      method,
		Origin:      origin,
		OK:          true,
		RequestJSON: req.Envelope(),
	}
	si.events.EmitAsync(e)
}

// ExtractClientIdentity tries six alias paths in order, so both snake/camel
// conventions and the nested-vs-flat variants real clients emit are
// tolerated.
func ExtractClientIdentity(params json.RawMessage) (name, version, title string) {
	var generic map[string]interface{}
	if err := json.Unmarshal(params, &generic); err != nil {
		return "", "", ""
	}

	paths := [][]string{
		{"clientInfo"},
		{"client_info"},
		{"client"},
		{"params", "clientInfo"},
		{"params", "client_info"},
		{"params", "client"},
	}

	for _, path := range paths {
		if obj, ok := lookupPath(generic, path); ok {
			n, _ := obj["name"].(string)
			v, _ := obj["version"].(string)
			t, _ := obj["title"].(string)
			if n != "" || v != "" || t != "" {
				return n, v, t
			}
		}
	}
	return "", "", ""
}

func extractProtocolVersion(params json.RawMessage) string {
	var p struct {
		ProtocolVersion      string `json:"protocolVersion"`
		ProtocolVersionSnake string `json:"protocol_version"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return ""
	}
	if p.ProtocolVersion != "" {
		return p.ProtocolVersion
	}
	return p.ProtocolVersionSnake
}

func lookupPath(root map[string]interface{}, path []string) (map[string]interface{}, bool) {
	cur := root
	for _, seg := range path {
		next, ok := cur[seg]
		if !ok {
			return nil, false
		}
		m, ok := next.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur = m
	}
	return cur, true
}
