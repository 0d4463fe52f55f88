package booking

import (
	"context"
	"errors"
	"testing"

	"github.com/example/servlink/internal/bus"
	"github.com/example/servlink/internal/fault"
	"github.com/example/servlink/internal/models"
)

type fakeAPI struct {
	list    []models.Booking
	listErr error
}

func (f *fakeAPI) Get(ctx context.Context, id string) (models.Booking, error) {
	for _, b := range f.list {
		if b.ID == id {
			return b, nil
		}
	}
	return models.Booking{}, errors.New("not found")
}

func (f *fakeAPI) List(ctx context.Context) ([]models.Booking, error) {
	return f.list, f.listErr
}

func pendingBooking(id string) models.Booking {
	return models.Booking{ID: id, RequesterID: "cust1", Category: "plumber", Status: models.BookingPending}
}

func TestFirstAcceptWinsRegardlessOfDeliveryOrder(t *testing.T) {
	b := bus.New(nil)
	defer b.Close()
	m := NewMirror(&fakeAPI{}, b, nil)
	m.Put(pendingBooking("b1"))

	// candidate #2's accept is committed first by the backend and delivered
	// first; candidate #1's late accept event must be a no-op
	if err := m.ApplyAccepted("b1", "worker2"); err != nil {
		t.Fatalf("first accept: %v", err)
	}
	err := m.ApplyAccepted("b1", "worker1")
	if !errors.Is(err, fault.ErrStaleTransition) {
		t.Fatalf("expected stale transition, got %v", err)
	}

	got, _ := m.Get("b1")
	if got.Status != models.BookingAccepted || got.WorkerID != "worker2" {
		t.Fatalf("expected accepted by worker2, got %s/%s", got.Status, got.WorkerID)
	}
}

func TestDuplicateAcceptIsIdempotent(t *testing.T) {
	b := bus.New(nil)
	defer b.Close()
	m := NewMirror(&fakeAPI{}, b, nil)
	m.Put(pendingBooking("b1"))

	if err := m.ApplyAccepted("b1", "worker2"); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if err := m.ApplyAccepted("b1", "worker2"); !errors.Is(err, fault.ErrStaleTransition) {
			t.Fatalf("replay %d: expected stale, got %v", i, err)
		}
	}
	got, _ := m.Get("b1")
	if got.WorkerID != "worker2" {
		t.Fatalf("worker changed on replay: %s", got.WorkerID)
	}
}

func TestAcceptAfterCancelIsNoOp(t *testing.T) {
	b := bus.New(nil)
	defer b.Close()
	m := NewMirror(&fakeAPI{}, b, nil)
	m.Put(pendingBooking("b1"))

	if err := m.ApplyStatus("b1", models.BookingCancelled); err != nil {
		t.Fatal(err)
	}
	if err := m.ApplyAccepted("b1", "worker1"); !errors.Is(err, fault.ErrStaleTransition) {
		t.Fatalf("expected stale, got %v", err)
	}
	got, _ := m.Get("b1")
	if got.Status != models.BookingCancelled || got.WorkerID != "" {
		t.Fatalf("cancelled booking mutated: %s/%s", got.Status, got.WorkerID)
	}
}

func TestLifecycleToCompleted(t *testing.T) {
	b := bus.New(nil)
	defer b.Close()
	m := NewMirror(&fakeAPI{}, b, nil)
	m.Put(pendingBooking("b1"))

	var seen []models.BookingStatus
	m.OnChange(func(bk models.Booking) { seen = append(seen, bk.Status) })

	if err := m.ApplyAccepted("b1", "w1"); err != nil {
		t.Fatal(err)
	}
	if err := m.ApplyStatus("b1", models.BookingInProgress); err != nil {
		t.Fatal(err)
	}
	if err := m.ApplyStatus("b1", models.BookingCompleted); err != nil {
		t.Fatal(err)
	}
	// terminal: nothing moves a completed booking
	if err := m.ApplyStatus("b1", models.BookingCancelled); !errors.Is(err, fault.ErrStaleTransition) {
		t.Fatalf("expected stale after terminal, got %v", err)
	}
	want := []models.BookingStatus{models.BookingAccepted, models.BookingInProgress, models.BookingCompleted}
	if len(seen) != len(want) {
		t.Fatalf("expected %d changes, got %d", len(want), len(seen))
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("change %d: expected %s, got %s", i, want[i], seen[i])
		}
	}
}

func TestOutOfOrderStartedBeforeAccept(t *testing.T) {
	b := bus.New(nil)
	defer b.Close()
	m := NewMirror(&fakeAPI{}, b, nil)
	m.Put(pendingBooking("b1"))

	// started arrives before accepted: stale, state stays pending
	if err := m.ApplyStatus("b1", models.BookingInProgress); !errors.Is(err, fault.ErrStaleTransition) {
		t.Fatalf("expected stale, got %v", err)
	}
	got, _ := m.Get("b1")
	if got.Status != models.BookingPending {
		t.Fatalf("expected pending, got %s", got.Status)
	}
}

func TestResyncReplacesCacheWithAuthoritativeState(t *testing.T) {
	b := bus.New(nil)
	defer b.Close()
	api := &fakeAPI{list: []models.Booking{
		{ID: "b1", Status: models.BookingAccepted, WorkerID: "w9", Version: 4},
		{ID: "b2", Status: models.BookingDispatched, Version: 1},
	}}
	m := NewMirror(api, b, nil)
	m.Put(pendingBooking("b1"))

	m.Resync(context.Background())

	got, ok := m.Get("b1")
	if !ok || got.Status != models.BookingAccepted || got.WorkerID != "w9" {
		t.Fatalf("resync did not adopt server state: %+v", got)
	}
	// dispatched is server-internal and must surface as pending
	got2, ok := m.Get("b2")
	if !ok || got2.Status != models.BookingPending {
		t.Fatalf("expected dispatched reported as pending, got %+v", got2)
	}
}

func TestResyncFailureKeepsCache(t *testing.T) {
	b := bus.New(nil)
	defer b.Close()
	api := &fakeAPI{listErr: errors.New("gateway down")}
	m := NewMirror(api, b, nil)
	m.Put(pendingBooking("b1"))

	m.Resync(context.Background())
	if _, ok := m.Get("b1"); !ok {
		t.Fatal("cache dropped on failed resync")
	}
}

func TestValidTransitionTable(t *testing.T) {
	cases := []struct {
		from, to models.BookingStatus
		ok       bool
	}{
		{models.BookingPending, models.BookingAccepted, true},
		{models.BookingPending, models.BookingCancelled, true},
		{models.BookingAccepted, models.BookingInProgress, true},
		{models.BookingAccepted, models.BookingCancelled, true},
		{models.BookingInProgress, models.BookingCompleted, true},
		{models.BookingInProgress, models.BookingCancelled, false},
		{models.BookingCompleted, models.BookingCancelled, false},
		{models.BookingCancelled, models.BookingAccepted, false},
		{models.BookingAccepted, models.BookingAccepted, false},
	}
	for _, c := range cases {
		if got := ValidTransition(c.from, c.to); got != c.ok {
			t.Fatalf("%s -> %s: expected %v", c.from, c.to, c.ok)
		}
	}
}
