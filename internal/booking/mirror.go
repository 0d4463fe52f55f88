package booking

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/example/servlink/internal/bus"
	"github.com/example/servlink/internal/events"
	"github.com/example/servlink/internal/fault"
	"github.com/example/servlink/internal/models"
)

// API is the slice of the backend REST surface the mirror needs. The
// backend owns bookings; the mirror is an eventually-consistent copy.
type API interface {
	Get(ctx context.Context, id string) (models.Booking, error)
	List(ctx context.Context) ([]models.Booking, error)
}

// Mirror holds the local cached copy of this identity's bookings and
// applies realtime events to it. Out-of-order and duplicate delivery are
// absorbed by the transition table: a stale event is a logged no-op.
type Mirror struct {
	api    API
	bus    *bus.Bus
	logger *slog.Logger

	mu       sync.RWMutex
	bookings map[string]models.Booking
	onChange func(models.Booking)
}

func NewMirror(api API, b *bus.Bus, logger *slog.Logger) *Mirror {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mirror{api: api, bus: b, logger: logger, bookings: make(map[string]models.Booking)}
}

// OnChange registers a hook invoked after every applied mutation, used by
// the apps to drive the tracker and screens. Set before Run.
func (m *Mirror) OnChange(fn func(models.Booking)) { m.onChange = fn }

// Get returns the cached booking.
func (m *Mirror) Get(id string) (models.Booking, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bookings[id]
	return b, ok
}

// Put seeds or replaces a cached booking, used after Create.
func (m *Mirror) Put(b models.Booking) {
	m.mu.Lock()
	m.bookings[b.ID] = b
	m.mu.Unlock()
	m.notify(b)
}

// Run consumes booking events and resync signals until ctx is done.
func (m *Mirror) Run(ctx context.Context) {
	subs := []*bus.Subscription{
		m.bus.Subscribe(events.BookingAccepted),
		m.bus.Subscribe(events.BookingStarted),
		m.bus.Subscribe(events.BookingCompleted),
		m.bus.Subscribe(events.BookingCancelled),
		m.bus.Subscribe(events.ConnResync),
	}
	defer func() {
		for _, s := range subs {
			s.Close()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-subs[0].C:
			if !ok {
				return
			}
			m.handleAccepted(env)
		case env, ok := <-subs[1].C:
			if !ok {
				return
			}
			m.handleStatus(env, models.BookingInProgress)
		case env, ok := <-subs[2].C:
			if !ok {
				return
			}
			m.handleStatus(env, models.BookingCompleted)
		case env, ok := <-subs[3].C:
			if !ok {
				return
			}
			m.handleStatus(env, models.BookingCancelled)
		case _, ok := <-subs[4].C:
			if !ok {
				return
			}
			m.Resync(ctx)
		}
	}
}

// ApplyAccepted moves a booking to accepted naming workerID. Only a
// locally-pending booking transitions: a late accept for an already
// accepted or cancelled booking is an idempotent no-op, protecting
// against replay and duplicate delivery. The backend committed the winner;
// the first accept seen from it is the winner.
func (m *Mirror) ApplyAccepted(id, workerID string) error {
	m.mu.Lock()
	b, ok := m.bookings[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("accept for unknown booking %s: %w", id, fault.ErrStaleTransition)
	}
	if b.Status.Public() != models.BookingPending {
		m.mu.Unlock()
		return fmt.Errorf("accept for %s booking %s: %w", b.Status, id, fault.ErrStaleTransition)
	}
	b.Status = models.BookingAccepted
	b.WorkerID = workerID
	b.Version++
	m.bookings[id] = b
	m.mu.Unlock()
	m.notify(b)
	return nil
}

// ApplyStatus moves a booking to status if the transition table allows it.
func (m *Mirror) ApplyStatus(id string, status models.BookingStatus) error {
	m.mu.Lock()
	b, ok := m.bookings[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%s for unknown booking %s: %w", status, id, fault.ErrStaleTransition)
	}
	if !ValidTransition(b.Status.Public(), status) {
		m.mu.Unlock()
		return fmt.Errorf("%s -> %s for booking %s: %w", b.Status, status, id, fault.ErrStaleTransition)
	}
	b.Status = status
	b.Version++
	m.bookings[id] = b
	m.mu.Unlock()
	m.notify(b)
	return nil
}

// Resync replaces the cache with the backend's authoritative list. Called
// after every reconnect: events missed during an outage are never replayed,
// they are repaired here.
func (m *Mirror) Resync(ctx context.Context) {
	list, err := m.api.List(ctx)
	if err != nil {
		m.logger.Warn("resync failed", "error", err)
		return
	}
	m.mu.Lock()
	fresh := make(map[string]models.Booking, len(list))
	for _, b := range list {
		b.Status = b.Status.Public()
		fresh[b.ID] = b
	}
	changed := make([]models.Booking, 0, len(list))
	for id, b := range fresh {
		if old, ok := m.bookings[id]; !ok || old.Version != b.Version || old.Status != b.Status {
			changed = append(changed, b)
		}
	}
	m.bookings = fresh
	m.mu.Unlock()
	for _, b := range changed {
		m.notify(b)
	}
	m.logger.Info("resynced bookings", "count", len(list))
}

func (m *Mirror) handleAccepted(env events.Envelope) {
	var p events.BookingAcceptedPayload
	if err := env.Decode(&p); err != nil {
		m.logger.Warn("bad accepted payload", "error", err)
		return
	}
	if err := m.ApplyAccepted(p.BookingID, p.WorkerID); err != nil {
		if fault.Transient(err) {
			m.logger.Debug("ignoring stale accept", "booking", p.BookingID, "worker", p.WorkerID)
			return
		}
		m.logger.Warn("accept apply failed", "error", err)
	}
}

func (m *Mirror) handleStatus(env events.Envelope, status models.BookingStatus) {
	var p events.BookingStatusPayload
	if err := env.Decode(&p); err != nil {
		m.logger.Warn("bad status payload", "error", err)
		return
	}
	if err := m.ApplyStatus(p.BookingID, status); err != nil {
		if fault.Transient(err) {
			m.logger.Debug("ignoring stale status", "booking", p.BookingID, "status", status)
			return
		}
		m.logger.Warn("status apply failed", "error", err)
	}
}

func (m *Mirror) notify(b models.Booking) {
	if m.onChange != nil {
		m.onChange(b)
	}
}
