// Package conn owns the one realtime connection a device holds against the
// gateway. It reconnects forever with capped backoff, fails publishes fast
// while the transport is down, and tells the rest of the app to resync
// after every outage.
package conn

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/servlink/internal/bus"
	"github.com/example/servlink/internal/events"
	"github.com/example/servlink/internal/fault"
	"github.com/example/servlink/internal/models"
	"github.com/example/servlink/internal/retry"
)

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

// Socket is one live transport session.
type Socket interface {
	ReadEnvelope() (events.Envelope, error)
	WriteEnvelope(events.Envelope) error
	Close() error
}

// Dialer opens a socket for an identity. The websocket implementation
// lives in ws.go; tests substitute fakes.
type Dialer interface {
	Dial(ctx context.Context, identity models.Identity) (Socket, error)
}

type Manager struct {
	dialer  Dialer
	bus     *bus.Bus
	logger  *slog.Logger
	backoff retry.Policy

	mu       sync.Mutex
	state    State
	identity models.Identity
	sock     Socket
	epoch    uint64
	cancel   context.CancelFunc
	pending  *events.Envelope // single-slot retry buffer, last outgoing intent only
	onState  func(State)
}

func NewManager(d Dialer, b *bus.Bus, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		dialer:  d,
		bus:     b,
		logger:  logger,
		backoff: retry.Policy{BaseDelay: time.Second, MaxDelay: 30 * time.Second},
		state:   StateDisconnected,
	}
}

// OnState registers a hook invoked on every state transition. Must be set
// before Connect.
func (m *Manager) OnState(fn func(State)) { m.onState = fn }

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connect establishes the connection for identity. Calling it again with
// the same identity while live is a no-op; a different identity tears the
// old connection down first. At most one connection per process.
func (m *Manager) Connect(identity models.Identity) {
	m.mu.Lock()
	if m.state != StateDisconnected {
		if m.identity == identity {
			m.mu.Unlock()
			return
		}
		m.teardownLocked()
	}
	m.identity = identity
	m.setStateLocked(StateConnecting)
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.mu.Unlock()

	go m.run(ctx, identity)
}

// Disconnect closes the connection and stops reconnection attempts.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.teardownLocked()
	m.setStateLocked(StateDisconnected)
}

// Publish writes env to the gateway. While the transport is down it fails
// fast with fault.ErrNotConnected after remembering env as the single
// retry intent, replayed on the next successful connect.
func (m *Manager) Publish(env events.Envelope) error {
	m.mu.Lock()
	if m.state != StateConnected || m.sock == nil {
		m.pending = &env
		m.mu.Unlock()
		return fmt.Errorf("publish %s: %w", env.Event, fault.ErrNotConnected)
	}
	sock := m.sock
	m.mu.Unlock()
	return sock.WriteEnvelope(env)
}

// run dials, pumps the socket into the bus, and redials on loss until the
// context is cancelled.
func (m *Manager) run(ctx context.Context, identity models.Identity) {
	delay := time.Duration(0)
	for {
		sock, err := m.dialer.Dial(ctx, identity)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			delay = m.backoff.NextDelay(delay)
			m.logger.Warn("dial failed, retrying", "identity", identity.Key(), "delay", delay, "error", err)
			m.setState(StateReconnecting)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}
		delay = 0

		m.mu.Lock()
		if ctx.Err() != nil {
			m.mu.Unlock()
			_ = sock.Close()
			return
		}
		m.epoch++
		epoch := m.epoch
		m.sock = sock
		m.setStateLocked(StateConnected)
		pending := m.pending
		m.pending = nil
		m.mu.Unlock()

		m.logger.Info("connected", "identity", identity.Key(), "epoch", epoch)

		// Tell subscribers to re-fetch authoritative state: events missed
		// during the outage are repaired by resync, not replayed here.
		if env, err := events.NewEnvelope(events.ConnResync, struct{}{}); err == nil {
			m.bus.Publish(env)
		}
		if pending != nil {
			if err := sock.WriteEnvelope(*pending); err != nil {
				m.logger.Warn("pending intent replay failed", "event", pending.Event, "error", err)
			}
		}

		m.readLoop(sock, epoch)

		m.mu.Lock()
		stale := m.epoch != epoch
		m.mu.Unlock()
		_ = sock.Close()
		if ctx.Err() != nil || stale {
			// cancelled or superseded by a newer connect
			return
		}
		m.setState(StateReconnecting)
	}
}

// readLoop pumps envelopes into the bus until the socket errors. Frames
// from a superseded epoch are discarded.
func (m *Manager) readLoop(sock Socket, epoch uint64) {
	for {
		env, err := sock.ReadEnvelope()
		if err != nil {
			return
		}
		m.mu.Lock()
		current := m.epoch == epoch
		m.mu.Unlock()
		if !current {
			m.logger.Debug("dropping frame from stale connection", "event", env.Event, "epoch", epoch)
			return
		}
		m.bus.Publish(env)
	}
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setStateLocked(s)
}

func (m *Manager) setStateLocked(s State) {
	if m.state == s {
		return
	}
	m.state = s
	if m.onState != nil {
		go m.onState(s)
	}
}

// teardownLocked cancels the run loop and closes the socket. Bumping the
// epoch makes any in-flight reads from the old socket stale.
func (m *Manager) teardownLocked() {
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	if m.sock != nil {
		_ = m.sock.Close()
		m.sock = nil
	}
	m.epoch++
}
