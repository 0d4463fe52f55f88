package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/example/servlink/internal/fault"
	"github.com/example/servlink/internal/models"
)

func newPendingBooking(id string) *models.Booking {
	return &models.Booking{
		ID:            id,
		RequesterID:   "cust1",
		Category:      "plumber",
		Status:        models.BookingPending,
		PaymentStatus: models.PaymentUnpaid,
	}
}

func TestAcceptIfPendingFirstWins(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryBookingStore()
	if err := s.Create(ctx, newPendingBooking("b1")); err != nil {
		t.Fatal(err)
	}

	won, err := s.AcceptIfPending(ctx, "b1", "worker2")
	if err != nil {
		t.Fatalf("first accept must win: %v", err)
	}
	if won.WorkerID != "worker2" || won.Status != models.BookingAccepted {
		t.Fatalf("unexpected winner state %+v", won)
	}

	lost, err := s.AcceptIfPending(ctx, "b1", "worker1")
	if !errors.Is(err, fault.ErrRaceLost) {
		t.Fatalf("expected ErrRaceLost, got %v", err)
	}
	if lost.WorkerID != "worker2" {
		t.Fatalf("loser must see the winner, got %s", lost.WorkerID)
	}
}

func TestAcceptOnTerminalIsStale(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryBookingStore()
	if err := s.Create(ctx, newPendingBooking("b1")); err != nil {
		t.Fatal(err)
	}
	if _, err := s.UpdateStatus(ctx, "b1", models.BookingCancelled); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AcceptIfPending(ctx, "b1", "w1"); !errors.Is(err, fault.ErrStaleTransition) {
		t.Fatalf("expected ErrStaleTransition, got %v", err)
	}
}

func TestUpdateStatusRefusesTerminalMutation(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryBookingStore()
	if err := s.Create(ctx, newPendingBooking("b1")); err != nil {
		t.Fatal(err)
	}
	if _, err := s.UpdateStatus(ctx, "b1", models.BookingCancelled); err != nil {
		t.Fatal(err)
	}
	if _, err := s.UpdateStatus(ctx, "b1", models.BookingCompleted); !errors.Is(err, fault.ErrStaleTransition) {
		t.Fatalf("terminal states are immutable, got %v", err)
	}
}

func TestRequestIDIdempotency(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryBookingStore()
	if err := s.Create(ctx, newPendingBooking("b1")); err != nil {
		t.Fatal(err)
	}
	s.SetRequestID(ctx, "req-123", "b1")

	got, ok := s.GetByRequestID(ctx, "req-123")
	if !ok || got.ID != "b1" {
		t.Fatalf("expected booking b1 for request id, got %+v ok=%v", got, ok)
	}
	if _, ok := s.GetByRequestID(ctx, "req-unknown"); ok {
		t.Fatal("unknown request id must miss")
	}
}

func TestNotificationStoreAppendDedup(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryNotificationStore()
	rec := models.Identity{DeviceID: "d1", Role: models.RoleCustomer}
	n := models.NotificationEvent{ID: "n1", Recipient: rec, Category: models.NotifyBooking}
	if err := s.Append(ctx, n); err != nil {
		t.Fatal(err)
	}
	if err := s.Append(ctx, n); err != nil {
		t.Fatal(err)
	}
	list, err := s.List(ctx, rec)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Fatalf("duplicate append must dedup, got %d", len(list))
	}
}

func TestNotificationStoreScopedByRecipient(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryNotificationStore()
	a := models.Identity{DeviceID: "d1", Role: models.RoleCustomer}
	b := models.Identity{DeviceID: "d1", Role: models.RoleWorker}
	_ = s.Append(ctx, models.NotificationEvent{ID: "n1", Recipient: a})
	_ = s.Append(ctx, models.NotificationEvent{ID: "n2", Recipient: b})

	if err := s.ClearAll(ctx, a); err != nil {
		t.Fatal(err)
	}
	listA, _ := s.List(ctx, a)
	listB, _ := s.List(ctx, b)
	if len(listA) != 0 || len(listB) != 1 {
		t.Fatalf("clear must scope to recipient: a=%d b=%d", len(listA), len(listB))
	}
}
