// Package eventbus implements the typed fan-out notification emitter.
// Event name strings are part of the UI wire contract and must not change.
package eventbus

import "sync"

// Event names forming the stable UI contract.
const (
	EventServersUpdated         = "mcp:servers_updated"
	EventClientStatusChanged    = "mcp:client_status_changed"
	EventClientError            = "mcp:client_error"
	EventIncomingClientsUpdated = "mcp:incoming_clients_updated"
	EventSettingsUpdated        = "settings:updated"
	EventLogsRPCEvent           = "logs:rpc_event"
)

// Emitter is the minimal capability consumers program against.
type Emitter interface {
	Emit(event string, payload map[string]interface{})
}

// Bus is an in-process pub/sub fan-out: buffered per-subscriber channels
// and a non-blocking publish that drops on a full subscriber channel rather
// than stalling the publisher.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Notification]struct{}
}

// Notification is one event delivered to a subscriber channel.
type Notification struct {
	Event   string
	Payload map[string]interface{}
}

const subscriberBuffer = 32

func New() *Bus {
	return &Bus{subs: make(map[chan Notification]struct{})}
}

func (b *Bus) Subscribe() chan Notification {
	ch := make(chan Notification, subscriberBuffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *Bus) Unsubscribe(ch chan Notification) {
	b.mu.Lock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
	b.mu.Unlock()
}

// Emit implements Emitter, fanning the notification out to all subscribers
// without blocking on any single one.
func (b *Bus) Emit(event string, payload map[string]interface{}) {
	n := Notification{Event: event, Payload: payload}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- n:
		default:
		}
	}
}

// Convenience emitters carrying the payload shapes the UI expects.

func (b *Bus) ServersUpdated(reason string) {
	b.Emit(EventServersUpdated, map[string]interface{}{"reason": reason})
}

func (b *Bus) ClientStatusChanged(serverName, action string) {
	b.Emit(EventClientStatusChanged, map[string]interface{}{
		"server_name": serverName,
		"action":      action,
	})
}

func (b *Bus) ClientError(serverName, action, errMsg string) {
	b.Emit(EventClientError, map[string]interface{}{
		"server_name": serverName,
		"action":      action,
		"error":       errMsg,
	})
}

func (b *Bus) IncomingClientsUpdated(reason string) {
	b.Emit(EventIncomingClientsUpdated, map[string]interface{}{"reason": reason})
}

func (b *Bus) SettingsUpdated() {
	b.Emit(EventSettingsUpdated, map[string]interface{}{"reason": "update"})
}

func (b *Bus) LogsRPCEvent(redactedEvent map[string]interface{}) {
	b.Emit(EventLogsRPCEvent, redactedEvent)
}

// BufferingEmitter records every emitted event instead of fanning out to
// channels; tests assert against its snapshot.
type BufferingEmitter struct {
	mu     sync.Mutex
	Events []Notification
}

func NewBufferingEmitter() *BufferingEmitter {
	return &BufferingEmitter{}
}

func (e *BufferingEmitter) Emit(event string, payload map[string]interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Events = append(e.Events, Notification{Event: event, Payload: payload})
}

func (e *BufferingEmitter) Snapshot() []Notification {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Notification(nil), e.Events...)
}
