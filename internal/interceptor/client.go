package interceptor

import (
	"encoding/json"
	"time"

	"github.com/catkins/mcp-bouncer/internal/eventbus"
	"github.com/catkins/mcp-bouncer/internal/eventlog"
)

// ClientInterceptor performs the symmetric bookkeeping for outbound calls
// to upstream servers. There is no transport to wrap since the upstream
// registry talks to mcp-go's client package directly, so instrumentation
// happens at the call site instead of via a wrapped stream. Every outbound
// call still produces exactly one event with elapsed time and a JSON-RPC
// envelope.
type ClientInterceptor struct {
	events *eventlog.Store
	bus    *eventbus.Bus
}

func NewClientInterceptor(events *eventlog.Store, bus *eventbus.Bus) *ClientInterceptor {
	return &ClientInterceptor{events: events, bus: bus}
}

// SessionID builds the synthetic session id for an internally-originated
// call: "internal::<server>", or "<origin>::<server>" more generally.
func SessionID(origin eventlog.Origin, serverName string) string {
	return string(origin) + "::" + serverName
}

// Call times fn, which performs one outbound JSON-RPC call against
// serverName, and persists the resulting event. requestParams/result are
// marshaled into the envelope; a nil result with a non-nil err marks the
// event failed.
func (ci *ClientInterceptor) Call(origin eventlog.Origin, serverName, method string, requestParams interface{}, fn func() (result interface{}, serverVersion, serverProtocol string, err error)) error {
	start := time.Now()
	result, serverVersion, serverProtocol, err := fn()

	id, ts := ci.events.NewID()
	e := eventlog.Event{
		ID:             id,
		TSMillis:       ts,
		SessionID:      SessionID(origin, serverName),
		Method:         method,
		Origin:         origin,
		ServerName:     serverName,
		ServerVersion:  serverVersion,
		ServerProtocol: serverProtocol,
		DurationMS:     time.Since(start).Milliseconds(),
		OK:             err == nil,
		RequestJSON:    requestEnvelope(id, method, requestParams),
		ResponseJSON:   responseEnvelope(id, result),
	}
	if err != nil {
		e.Error = err.Error()
	}
	ci.events.EmitAsync(e)
	return err
}

func requestEnvelope(id, method string, params interface{}) string {
	out, err := json.Marshal(struct {
		JSONRPC string      `json:"jsonrpc"`
		ID      string      `json:"id"`
		Method  string      `json:"method"`
		Params  interface{} `json:"params,omitempty"`
	}{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		return ""
	}
	return string(out)
}

func responseEnvelope(id string, result interface{}) string {
	if result == nil {
		return ""
	}
	out, err := json.Marshal(struct {
		JSONRPC string      `json:"jsonrpc"`
		ID      string      `json:"id"`
		Result  interface{} `json:"result"`
	}{JSONRPC: "2.0", ID: id, Result: result})
	if err != nil {
		return ""
	}
	return string(out)
}
