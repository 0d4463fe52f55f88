package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/servlink/internal/booking"
	"github.com/example/servlink/internal/events"
	"github.com/example/servlink/internal/fault"
	"github.com/example/servlink/internal/match"
	"github.com/example/servlink/internal/models"
	"github.com/example/servlink/internal/observability"
	"github.com/example/servlink/internal/storage"
)

// PaymentProvider is the slice of the payment processor the lifecycle
// needs: hold on accept, capture on completion, release on cancellation.
type PaymentProvider interface {
	Hold(ctx context.Context, amount int64, currency, customerID string) (string, error)
	Capture(ctx context.Context, paymentIntentID string) error
	Cancel(ctx context.Context, paymentIntentID string) error
}

// Dispatcher owns the gateway-side booking lifecycle. The backend is the
// sole arbiter of the accept race; clients only mirror its commits.
type Dispatcher struct {
	Registry *Registry
	Match    *match.Service
	Store    storage.BookingStore
	Notifs   storage.NotificationStore
	Payments PaymentProvider // optional
	Logger   *slog.Logger

	DefaultRadiusM  float64
	MaxCandidates   int
	DispatchExpiry  time.Duration // surfaced as expires_at on offers; no auto-cancel
	currency        string
}

func NewDispatcher(reg *Registry, m *match.Service, store storage.BookingStore, notifs storage.NotificationStore, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		Registry:       reg,
		Match:          m,
		Store:          store,
		Notifs:         notifs,
		Logger:         logger,
		DefaultRadiusM: 5000,
		MaxCandidates:  8,
		DispatchExpiry: 5 * time.Minute,
		currency:       "usd",
	}
}

// CreateBooking persists a new booking and dispatches it. requestID makes
// the call idempotent: a retry with the same id returns the booking the
// first attempt created.
func (d *Dispatcher) CreateBooking(ctx context.Context, req booking.CreateRequest, requestID string) (models.Booking, error) {
	if requestID != "" {
		if existing, ok := d.Store.GetByRequestID(ctx, requestID); ok {
			return existing, nil
		}
	}
	b := models.Booking{
		ID:            uuid.NewString(),
		RequesterID:   req.RequesterID,
		WorkerID:      "",
		Category:      req.Category,
		Price:         req.Price,
		Address:       req.Address,
		Location:      req.Location,
		Schedule:      req.Schedule,
		ScheduledAt:   req.ScheduledAt,
		Status:        models.BookingPending,
		PaymentStatus: models.PaymentUnpaid,
	}
	if b.Schedule == "" {
		b.Schedule = models.ScheduleImmediate
	}
	if err := d.Store.Create(ctx, &b); err != nil {
		return models.Booking{}, fmt.Errorf("create booking: %w", err)
	}
	if requestID != "" {
		d.Store.SetRequestID(ctx, requestID, b.ID)
	}
	observability.BookingsCreated.Inc()

	if b.Schedule == models.ScheduleAt && b.ScheduledAt.After(time.Now()) {
		d.deferDispatch(b, req.WorkerID, req.RadiusM)
	} else {
		d.dispatch(ctx, b, req.WorkerID, req.RadiusM)
	}
	return b, nil
}

// deferDispatch arms a timer for a scheduled booking. The state machine is
// identical to the immediate path; only dispatch time differs.
func (d *Dispatcher) deferDispatch(b models.Booking, targetWorker string, radiusM float64) {
	delay := time.Until(b.ScheduledAt)
	time.AfterFunc(delay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		cur, err := d.Store.Get(ctx, b.ID)
		if err != nil || cur.Status != models.BookingPending {
			return // cancelled (or already handled) before the scheduled time
		}
		d.dispatch(ctx, cur, targetWorker, radiusM)
	})
}

// dispatch offers the booking to workers. A directly-targeted worker gets
// the only offer; if they never respond the booking stays pending with no
// fallback to the search pool.
func (d *Dispatcher) dispatch(ctx context.Context, b models.Booking, targetWorker string, radiusM float64) {
	payload := events.BookingRequestPayload{
		BookingID: b.ID,
		Category:  b.Category,
		Price:     b.Price,
		Address:   b.Address,
		Location:  b.Location,
		ExpiresAt: time.Now().Add(d.DispatchExpiry),
	}
	env, err := events.NewEnvelope(events.BookingRequest, payload)
	if err != nil {
		d.Logger.Error("encode booking request", "error", err)
		return
	}

	var targets []string
	if targetWorker != "" {
		targets = []string{targetWorker}
	} else {
		if radiusM <= 0 {
			radiusM = d.DefaultRadiusM
		}
		for _, c := range d.Match.Search(ctx, b.Category, b.Location, radiusM, d.MaxCandidates) {
			targets = append(targets, c.Worker.ID)
		}
	}
	if len(targets) == 0 {
		d.Logger.Warn("no eligible workers", "booking", b.ID, "category", b.Category)
		return
	}

	delivered := 0
	for _, workerID := range targets {
		identity := models.Identity{DeviceID: workerID, Role: models.RoleWorker}
		if err := d.Registry.Send(identity, env); err != nil {
			d.Logger.Debug("offer not delivered", "booking", b.ID, "worker", workerID, "error", err)
			continue
		}
		delivered++
	}
	observability.DispatchesTotal.Inc()
	if _, err := d.Store.UpdateStatus(ctx, b.ID, models.BookingDispatched); err != nil {
		d.Logger.Warn("mark dispatched failed", "booking", b.ID, "error", err)
	}
	d.Logger.Info("booking dispatched", "booking", b.ID, "targets", len(targets), "delivered", delivered)
}

// Accept arbitrates the race. The first committed worker wins; losers get
// fault.ErrRaceLost which the API maps to 409.
func (d *Dispatcher) Accept(ctx context.Context, bookingID, workerID string) (models.Booking, error) {
	b, err := d.Store.AcceptIfPending(ctx, bookingID, workerID)
	if err != nil {
		if errors.Is(err, fault.ErrRaceLost) || errors.Is(err, fault.ErrStaleTransition) {
			observability.AcceptRaceLost.Inc()
		}
		return b, err
	}
	observability.AcceptWins.Inc()

	if d.Payments != nil && b.Price > 0 {
		intentID, herr := d.Payments.Hold(ctx, int64(b.Price*100), d.currency, b.RequesterID)
		if herr != nil {
			// the accept stands; payment is retried at completion time
			d.Logger.Warn("payment hold failed", "booking", b.ID, "error", herr)
		} else if err := d.Store.SetPayment(ctx, b.ID, intentID, models.PaymentHeld); err != nil {
			d.Logger.Warn("record payment hold failed", "booking", b.ID, "error", err)
		}
	}

	d.emitToRequester(b, events.BookingAccepted, events.BookingAcceptedPayload{
		BookingID: b.ID, WorkerID: workerID,
	})
	d.notifyIdentity(models.Identity{DeviceID: b.RequesterID, Role: models.RoleCustomer},
		models.NotifyBooking, "Booking accepted", "A worker accepted your booking", "accepted")
	return b, nil
}

// UpdateStatus applies a client-requested transition (start, complete,
// cancel) and emits the matching events and notifications.
func (d *Dispatcher) UpdateStatus(ctx context.Context, bookingID string, status models.BookingStatus, reason string) (models.Booking, error) {
	cur, err := d.Store.Get(ctx, bookingID)
	if err != nil {
		return models.Booking{}, err
	}
	if !booking.ValidTransition(cur.Status, status) {
		return cur, fmt.Errorf("%s -> %s: %w", cur.Status, status, fault.ErrStaleTransition)
	}
	b, err := d.Store.UpdateStatus(ctx, bookingID, status)
	if err != nil {
		return b, err
	}

	switch status {
	case models.BookingInProgress:
		d.emitToRequester(b, events.BookingStarted, events.BookingStatusPayload{BookingID: b.ID})
	case models.BookingCompleted:
		if d.Payments != nil && b.PaymentIntentID != "" {
			if err := d.Payments.Capture(ctx, b.PaymentIntentID); err != nil {
				d.Logger.Warn("payment capture failed", "booking", b.ID, "error", err)
			} else if err := d.Store.SetPayment(ctx, b.ID, b.PaymentIntentID, models.PaymentCaptured); err != nil {
				d.Logger.Warn("record capture failed", "booking", b.ID, "error", err)
			}
		}
		d.emitToRequester(b, events.BookingCompleted, events.BookingStatusPayload{BookingID: b.ID})
		d.notifyIdentity(models.Identity{DeviceID: b.RequesterID, Role: models.RoleCustomer},
			models.NotifyBooking, "Booking completed", "Your booking was completed", "completed")
	case models.BookingCancelled:
		if d.Payments != nil && b.PaymentIntentID != "" && b.PaymentStatus == models.PaymentHeld {
			if err := d.Payments.Cancel(ctx, b.PaymentIntentID); err != nil {
				d.Logger.Warn("payment release failed", "booking", b.ID, "error", err)
			} else if err := d.Store.SetPayment(ctx, b.ID, b.PaymentIntentID, models.PaymentReleased); err != nil {
				d.Logger.Warn("record release failed", "booking", b.ID, "error", err)
			}
		}
		payload := events.BookingStatusPayload{BookingID: b.ID, Reason: reason}
		d.emitToRequester(b, events.BookingCancelled, payload)
		if b.WorkerID != "" {
			d.emitToWorker(b, events.BookingCancelled, payload)
			d.notifyIdentity(models.Identity{DeviceID: b.WorkerID, Role: models.RoleWorker},
				models.NotifyBooking, "Booking cancelled", reason, "cancelled")
		}
	}
	return b, nil
}

// RelayLocation forwards a worker's tracking progress to the requester.
func (d *Dispatcher) RelayLocation(ctx context.Context, env events.Envelope) {
	var p events.WorkerLocationPayload
	if err := env.Decode(&p); err != nil {
		d.Logger.Warn("bad location payload", "error", err)
		return
	}
	b, err := d.Store.Get(ctx, p.BookingID)
	if err != nil {
		d.Logger.Debug("location for unknown booking", "booking", p.BookingID)
		return
	}
	requester := models.Identity{DeviceID: b.RequesterID, Role: models.RoleCustomer}
	if err := d.Registry.Send(requester, env); err != nil && !errors.Is(err, ErrNoSession) {
		d.Logger.Warn("relay location failed", "booking", b.ID, "error", err)
	}
}

// RelayRoute forwards updated route geometry to the requester.
func (d *Dispatcher) RelayRoute(ctx context.Context, env events.Envelope) {
	var p events.RouteUpdatedPayload
	if err := env.Decode(&p); err != nil {
		d.Logger.Warn("bad route payload", "error", err)
		return
	}
	b, err := d.Store.Get(ctx, p.BookingID)
	if err != nil {
		return
	}
	requester := models.Identity{DeviceID: b.RequesterID, Role: models.RoleCustomer}
	if err := d.Registry.Send(requester, env); err != nil && !errors.Is(err, ErrNoSession) {
		d.Logger.Warn("relay route failed", "booking", b.ID, "error", err)
	}
}

func (d *Dispatcher) emitToRequester(b models.Booking, event string, payload any) {
	d.emit(models.Identity{DeviceID: b.RequesterID, Role: models.RoleCustomer}, event, payload)
}

func (d *Dispatcher) emitToWorker(b models.Booking, event string, payload any) {
	d.emit(models.Identity{DeviceID: b.WorkerID, Role: models.RoleWorker}, event, payload)
}

func (d *Dispatcher) emit(identity models.Identity, event string, payload any) {
	env, err := events.NewEnvelope(event, payload)
	if err != nil {
		d.Logger.Error("encode event", "event", event, "error", err)
		return
	}
	if err := d.Registry.Send(identity, env); err != nil {
		// no live session: the client repairs via resync on its next connect
		d.Logger.Debug("event not delivered", "event", event, "identity", identity.Key())
	}
}

// notifyIdentity persists a notification and pushes it to the live
// session. The store write comes first so a missed realtime delivery is
// still visible on the next fetch.
func (d *Dispatcher) notifyIdentity(identity models.Identity, category models.NotificationCategory, title, body, status string) {
	n := models.NotificationEvent{
		ID:        uuid.NewString(),
		Recipient: identity,
		Category:  category,
		Title:     title,
		Body:      body,
		Status:    status,
		CreatedAt: time.Now(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.Notifs.Append(ctx, n); err != nil {
		d.Logger.Warn("persist notification failed", "id", n.ID, "error", err)
	}
	d.emit(identity, events.NotificationNew, n)
}
