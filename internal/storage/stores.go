// Package storage persists bookings and notifications on the gateway. The
// accept race is resolved here: AcceptIfPending is a conditional update and
// the first committed worker wins.
package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/servlink/internal/fault"
	"github.com/example/servlink/internal/models"
)

// BookingStore is the gateway's authoritative booking state.
type BookingStore interface {
	Create(ctx context.Context, b *models.Booking) error
	Get(ctx context.Context, id string) (models.Booking, error)
	ListByRequester(ctx context.Context, requesterID string) ([]models.Booking, error)
	// AcceptIfPending commits workerID as the winner iff the booking is
	// still pending/dispatched. Returns fault.ErrRaceLost when another
	// worker already committed, fault.ErrStaleTransition on terminal state.
	AcceptIfPending(ctx context.Context, id, workerID string) (models.Booking, error)
	UpdateStatus(ctx context.Context, id string, status models.BookingStatus) (models.Booking, error)
	SetPayment(ctx context.Context, id, intentID string, status models.PaymentStatus) error
	// GetByRequestID supports idempotent create: the same client request id
	// returns the already-created booking.
	GetByRequestID(ctx context.Context, requestID string) (models.Booking, bool)
	SetRequestID(ctx context.Context, requestID, bookingID string)
}

// NotificationStore persists per-recipient notifications.
type NotificationStore interface {
	Append(ctx context.Context, n models.NotificationEvent) error
	List(ctx context.Context, recipient models.Identity) ([]models.NotificationEvent, error)
	MarkRead(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
	ClearAll(ctx context.Context, recipient models.Identity) error
}

// MemoryBookingStore is the single-node implementation used in dev and
// tests; postgres backs production.
type MemoryBookingStore struct {
	mu       sync.RWMutex
	bookings map[string]models.Booking
	requests map[string]string // request id -> booking id
}

func NewMemoryBookingStore() *MemoryBookingStore {
	return &MemoryBookingStore{
		bookings: make(map[string]models.Booking),
		requests: make(map[string]string),
	}
}

func (m *MemoryBookingStore) Create(ctx context.Context, b *models.Booking) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b.CreatedAt = time.Now()
	b.UpdatedAt = b.CreatedAt
	b.Version = 1
	m.bookings[b.ID] = *b
	return nil
}

func (m *MemoryBookingStore) Get(ctx context.Context, id string) (models.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bookings[id]
	if !ok {
		return models.Booking{}, fault.ErrStaleTransition
	}
	return b, nil
}

func (m *MemoryBookingStore) ListByRequester(ctx context.Context, requesterID string) ([]models.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Booking, 0)
	for _, b := range m.bookings {
		if b.RequesterID == requesterID {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryBookingStore) AcceptIfPending(ctx context.Context, id, workerID string) (models.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookings[id]
	if !ok {
		return models.Booking{}, fault.ErrStaleTransition
	}
	switch b.Status {
	case models.BookingPending, models.BookingDispatched:
		b.Status = models.BookingAccepted
		b.WorkerID = workerID
		b.Version++
		b.UpdatedAt = time.Now()
		m.bookings[id] = b
		return b, nil
	case models.BookingAccepted:
		return b, fault.ErrRaceLost
	default:
		return b, fault.ErrStaleTransition
	}
}

func (m *MemoryBookingStore) UpdateStatus(ctx context.Context, id string, status models.BookingStatus) (models.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookings[id]
	if !ok {
		return models.Booking{}, fault.ErrStaleTransition
	}
	if b.Status.Terminal() {
		return b, fault.ErrStaleTransition
	}
	b.Status = status
	b.Version++
	b.UpdatedAt = time.Now()
	m.bookings[id] = b
	return b, nil
}

func (m *MemoryBookingStore) SetPayment(ctx context.Context, id, intentID string, status models.PaymentStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookings[id]
	if !ok {
		return fault.ErrStaleTransition
	}
	b.PaymentIntentID = intentID
	b.PaymentStatus = status
	b.UpdatedAt = time.Now()
	m.bookings[id] = b
	return nil
}

func (m *MemoryBookingStore) GetByRequestID(ctx context.Context, requestID string) (models.Booking, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.requests[requestID]
	if !ok {
		return models.Booking{}, false
	}
	b, ok := m.bookings[id]
	return b, ok
}

func (m *MemoryBookingStore) SetRequestID(ctx context.Context, requestID, bookingID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests[requestID] = bookingID
}

// MemoryNotificationStore keeps notifications per recipient key.
type MemoryNotificationStore struct {
	mu    sync.RWMutex
	byID  map[string]models.NotificationEvent
	order []string
}

func NewMemoryNotificationStore() *MemoryNotificationStore {
	return &MemoryNotificationStore{byID: make(map[string]models.NotificationEvent)}
}

func (m *MemoryNotificationStore) Append(ctx context.Context, n models.NotificationEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.byID[n.ID]; exists {
		return nil // id is globally unique; replays are no-ops
	}
	m.byID[n.ID] = n
	m.order = append(m.order, n.ID)
	return nil
}

func (m *MemoryNotificationStore) List(ctx context.Context, recipient models.Identity) ([]models.NotificationEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.NotificationEvent, 0)
	for i := len(m.order) - 1; i >= 0; i-- {
		if n, ok := m.byID[m.order[i]]; ok && n.Recipient == recipient {
			out = append(out, n)
		}
	}
	return out, nil
}

func (m *MemoryNotificationStore) MarkRead(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n, ok := m.byID[id]; ok {
		n.Read = true
		m.byID[id] = n
	}
	return nil
}

func (m *MemoryNotificationStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byID, id)
	return nil
}

func (m *MemoryNotificationStore) ClearAll(ctx context.Context, recipient models.Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, n := range m.byID {
		if n.Recipient == recipient {
			delete(m.byID, id)
		}
	}
	return nil
}
