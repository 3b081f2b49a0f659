// Package overlay implements the connection-state overlay: a process-wide,
// mutex-guarded map from server name to lifecycle state that drives UI
// signalling and admission decisions. It keeps no history.
package overlay

import "sync"

// State is a server connection's lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateErrored
	StateRequiresAuthorization
	StateAuthorizing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateErrored:
		return "errored"
	case StateRequiresAuthorization:
		return "requires_authorization"
	case StateAuthorizing:
		return "authorizing"
	default:
		return "unknown"
	}
}

// Entry is one server's live connection status.
type Entry struct {
	State                 State
	LastError             string
	AuthorizationRequired bool
	OAuthAuthenticated    bool
	Tools                 int
}

// Overlay is the process-wide mapping guarded by a single mutex.
type Overlay struct {
	mu      sync.Mutex
	entries map[string]Entry
}

func New() *Overlay {
	return &Overlay{entries: make(map[string]Entry)}
}

func (o *Overlay) get(name string) Entry {
	e, ok := o.entries[name]
	if !ok {
		return Entry{State: StateDisconnected}
	}
	return e
}

// SetState transitions the named server's state. Entering Connected clears
// LastError and sets Tools to the given catalog size; a negative count
// leaves Tools unchanged. toolCount is ignored for every other state.
func (o *Overlay) SetState(name string, state State, toolCount int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	e := o.get(name)
	e.State = state
	if state == StateConnected {
		e.LastError = ""
		if toolCount >= 0 {
			e.Tools = toolCount
		}
	}
	o.entries[name] = e
}

// SetError records a transport/handshake error and moves state to Errored.
func (o *Overlay) SetError(name string, errMsg string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	e := o.get(name)
	e.State = StateErrored
	e.LastError = errMsg
	o.entries[name] = e
}

// SetAuthRequired flips the authorization_required flag in isolation.
func (o *Overlay) SetAuthRequired(name string, required bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	e := o.get(name)
	e.AuthorizationRequired = required
	o.entries[name] = e
}

// SetOAuthAuthenticated flips the oauth_authenticated flag.
func (o *Overlay) SetOAuthAuthenticated(name string, authenticated bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	e := o.get(name)
	e.OAuthAuthenticated = authenticated
	o.entries[name] = e
}

// SetTools updates the cached tool count for a server.
func (o *Overlay) SetTools(name string, count int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	e := o.get(name)
	e.Tools = count
	o.entries[name] = e
}

// MarkUnauthorized is the compound setter for an observed 401: auth is a
// state, not an error, so LastError is cleared even though this is
// triggered by an upstream failure.
func (o *Overlay) MarkUnauthorized(name string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	e := o.get(name)
	e.State = StateRequiresAuthorization
	e.LastError = ""
	e.AuthorizationRequired = true
	o.entries[name] = e
}

// Get returns a single entry, defaulting to Disconnected if absent.
func (o *Overlay) Get(name string) Entry {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.get(name)
}

// Snapshot returns a cloned copy of the whole map for consumers (status
// composer, UI).
func (o *Overlay) Snapshot() map[string]Entry {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]Entry, len(o.entries))
	for k, v := range o.entries {
		out[k] = v
	}
	return out
}
