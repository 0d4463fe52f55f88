// Package hub is the gateway side of the realtime protocol: the registry
// of live websocket sessions (one per identity) and the dispatcher that
// fans bookings out, arbitrates the accept race, and relays tracking.
package hub

import (
	"errors"
	"sync"

	"github.com/example/servlink/internal/events"
	"github.com/example/servlink/internal/models"
	"github.com/example/servlink/internal/observability"
)

var ErrNoSession = errors.New("no session for identity")

// wire is the write side of a websocket connection; *websocket.Conn
// satisfies it.
type wire interface {
	WriteJSON(v interface{}) error
	Close() error
}

// Session is one connected device.
type Session struct {
	conn wire
	mu   sync.Mutex
}

func (s *Session) Send(env events.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(env)
}

func (s *Session) close() { _ = s.conn.Close() }

// Registry holds live sessions keyed by identity. Adding a session for an
// identity that already has one supersedes it: the old socket is closed
// and anything it later tries to deliver is dropped by its owner's epoch
// check client-side; server-side the old session simply no longer appears
// in the map.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Add registers conn for identity, closing any previous session.
func (r *Registry) Add(identity models.Identity, conn wire) *Session {
	s := &Session{conn: conn}
	r.mu.Lock()
	old := r.sessions[identity.Key()]
	r.sessions[identity.Key()] = s
	r.mu.Unlock()
	if old != nil {
		old.close()
		observability.SessionSupersede.Inc()
	} else {
		observability.SessionsActive.Inc()
	}
	return s
}

// Remove drops the session iff it is still the registered one; a session
// superseded by a reconnect must not remove its replacement.
func (r *Registry) Remove(identity models.Identity, s *Session) {
	r.mu.Lock()
	if r.sessions[identity.Key()] == s {
		delete(r.sessions, identity.Key())
		observability.SessionsActive.Dec()
	}
	r.mu.Unlock()
	s.close()
}

// Send delivers env to the identity's live session.
func (r *Registry) Send(identity models.Identity, env events.Envelope) error {
	r.mu.RLock()
	s, ok := r.sessions[identity.Key()]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	return s.Send(env)
}

// Current reports whether s is still the live session for identity.
func (r *Registry) Current(identity models.Identity, s *Session) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[identity.Key()] == s
}
