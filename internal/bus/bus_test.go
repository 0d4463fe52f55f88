package bus

import (
	"testing"

	"github.com/example/servlink/internal/events"
)

func TestPublishFansOutToAllSubscribers(t *testing.T) {
	b := New(nil)
	defer b.Close()
	s1 := b.Subscribe(events.BookingAccepted)
	s2 := b.Subscribe(events.BookingAccepted)
	other := b.Subscribe(events.BookingCancelled)

	env, err := events.NewEnvelope(events.BookingAccepted, events.BookingAcceptedPayload{BookingID: "b1", WorkerID: "w1"})
	if err != nil {
		t.Fatal(err)
	}
	b.Publish(env)

	for _, s := range []*Subscription{s1, s2} {
		select {
		case got := <-s.C:
			var p events.BookingAcceptedPayload
			if err := got.Decode(&p); err != nil {
				t.Fatal(err)
			}
			if p.WorkerID != "w1" {
				t.Fatalf("expected w1, got %s", p.WorkerID)
			}
		default:
			t.Fatal("subscriber did not receive event")
		}
	}
	select {
	case <-other.C:
		t.Fatal("unrelated subscriber received event")
	default:
	}
}

func TestClosedSubscriptionStopsReceiving(t *testing.T) {
	b := New(nil)
	defer b.Close()
	s := b.Subscribe(events.WorkerLocation)
	s.Close()
	s.Close() // double close must be safe

	env, _ := events.NewEnvelope(events.WorkerLocation, events.WorkerLocationPayload{BookingID: "b1"})
	b.Publish(env) // must not panic on the closed channel
}

func TestFullBufferDropsDelivery(t *testing.T) {
	b := New(nil)
	defer b.Close()
	s := b.Subscribe(events.WorkerLocation)
	env, _ := events.NewEnvelope(events.WorkerLocation, events.WorkerLocationPayload{BookingID: "b1"})
	for i := 0; i < defaultBuffer+10; i++ {
		b.Publish(env)
	}
	if got := len(s.C); got != defaultBuffer {
		t.Fatalf("expected buffer capped at %d, got %d", defaultBuffer, got)
	}
}

func TestConcurrentPublishAndSubscriptionClose(t *testing.T) {
	b := New(nil)
	defer b.Close()
	env, _ := events.NewEnvelope(events.WorkerLocation, events.WorkerLocationPayload{BookingID: "b1"})

	// a publisher racing a consumer-side Close must never hit a closed
	// channel; the subscription leaves the map before its channel closes
	for i := 0; i < 10000; i++ {
		s := b.Subscribe(events.WorkerLocation)
		done := make(chan struct{})
		go func() {
			b.Publish(env)
			close(done)
		}()
		s.Close()
		<-done
	}
}

func TestConcurrentPublishAndBusClose(t *testing.T) {
	for i := 0; i < 1000; i++ {
		b := New(nil)
		b.Subscribe(events.WorkerLocation)
		env, _ := events.NewEnvelope(events.WorkerLocation, events.WorkerLocationPayload{BookingID: "b1"})
		done := make(chan struct{})
		go func() {
			b.Publish(env)
			close(done)
		}()
		b.Close()
		<-done
	}
}

func TestSubscribeAfterCloseYieldsClosedChannel(t *testing.T) {
	b := New(nil)
	b.Close()
	s := b.Subscribe(events.BookingRequest)
	if _, ok := <-s.C; ok {
		t.Fatal("expected closed channel")
	}
}
