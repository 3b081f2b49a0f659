package server

import (
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// session is one downstream streamable-HTTP session.
type session struct {
	id        string
	createdAt time.Time
}

// sessionStore tracks live downstream sessions keyed by the Mcp-Session-Id
// header value. Ids are ULIDs so a session listing sorts by creation time.
type sessionStore struct {
	mu       sync.Mutex
	sessions map[string]*session
}

func newSessionStore() *sessionStore {
	return &sessionStore{sessions: make(map[string]*session)}
}

// create allocates a new session and returns its id.
func (ss *sessionStore) create() string {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	id := ulid.Make().String()
	ss.sessions[id] = &session{id: id, createdAt: time.Now()}
	return id
}

// touch registers an id seen from a client we have no record of, so a
// bouncer restart does not strand downstream sessions.
func (ss *sessionStore) touch(id string) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if _, ok := ss.sessions[id]; !ok {
		ss.sessions[id] = &session{id: id, createdAt: time.Now()}
	}
}

func (ss *sessionStore) remove(id string) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	delete(ss.sessions, id)
}

func (ss *sessionStore) count() int {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return len(ss.sessions)
}
