// Package notify receives inbound notifications, deduplicates them by id,
// fans first deliveries out to the alert channels, and keeps read/delete
// state consistent with the backend and with the user's other sessions.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/example/servlink/internal/bus"
	"github.com/example/servlink/internal/events"
	"github.com/example/servlink/internal/models"
	"github.com/example/servlink/internal/observability"
)

// API is the backend surface for confirming notification mutations.
type API interface {
	MarkRead(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
	ClearAll(ctx context.Context, recipient models.Identity) error
	List(ctx context.Context, recipient models.Identity) ([]models.NotificationEvent, error)
}

type Dispatcher struct {
	api       API
	bus       *bus.Bus
	logger    *slog.Logger
	recipient models.Identity

	sound  Sounder
	haptic Haptics
	push   Pusher
	banner Banner

	mu      sync.Mutex
	store   map[string]models.NotificationEvent
	alerted map[string]bool // ids whose channel side effects already fired; survives delete
}

func NewDispatcher(api API, b *bus.Bus, recipient models.Identity, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		api:       api,
		bus:       b,
		logger:    logger,
		recipient: recipient,
		store:     make(map[string]models.NotificationEvent),
		alerted:   make(map[string]bool),
	}
}

// SetChannels wires the alert channels. Any of them may be nil (e.g. sound
// permission denied); missing channels are skipped, the rest still fire.
func (d *Dispatcher) SetChannels(s Sounder, h Haptics, p Pusher, b Banner) {
	d.sound, d.haptic, d.push, d.banner = s, h, p, b
}

// HandleInbound processes one delivery of a notification. The id is the
// dedup key: delivery can legitimately arrive twice (socket push plus
// background push) and must produce exactly one list entry and at most one
// round of alerts.
func (d *Dispatcher) HandleInbound(n models.NotificationEvent) {
	d.mu.Lock()
	if d.alerted[n.ID] {
		d.mu.Unlock()
		observability.NotificationsDeduped.Inc()
		d.logger.Debug("duplicate delivery suppressed", "id", n.ID)
		return
	}
	d.alerted[n.ID] = true
	if _, exists := d.store[n.ID]; !exists {
		d.store[n.ID] = n
	}
	d.mu.Unlock()

	observability.NotificationsDelivered.Inc()
	d.fanOut(n)
}

// fanOut runs the channels in order: classify, sound, haptic, local push,
// in-app banner. Failures are logged and isolated.
func (d *Dispatcher) fanOut(n models.NotificationEvent) {
	tone := Classify(n.Category)
	if d.sound != nil {
		if err := d.sound.Play(n.Category, n.Status); err != nil {
			d.logger.Warn("sound channel failed", "id", n.ID, "error", err)
		}
	}
	if d.haptic != nil {
		if err := d.haptic.Vibrate(tone.Urgency); err != nil {
			d.logger.Warn("haptic channel failed", "id", n.ID, "error", err)
		}
	}
	if d.push != nil {
		if err := d.push.Push(n); err != nil {
			d.logger.Warn("push channel failed", "id", n.ID, "error", err)
		}
	}
	if d.banner != nil {
		if err := d.banner.Show(n, tone); err != nil {
			d.logger.Warn("banner channel failed", "id", n.ID, "error", err)
		}
	}
}

// List returns the local store newest-first.
func (d *Dispatcher) List() []models.NotificationEvent {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]models.NotificationEvent, 0, len(d.store))
	for _, n := range d.store {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out
}

// MarkRead applies the read flag locally, confirms with the backend, and
// rolls the local mutation back if the backend refuses.
func (d *Dispatcher) MarkRead(ctx context.Context, id string) error {
	d.mu.Lock()
	n, ok := d.store[id]
	if !ok || n.Read {
		d.mu.Unlock()
		return nil
	}
	n.Read = true
	d.store[id] = n
	d.mu.Unlock()

	if err := d.api.MarkRead(ctx, id); err != nil {
		d.mu.Lock()
		if cur, ok := d.store[id]; ok {
			cur.Read = false
			d.store[id] = cur
		}
		d.mu.Unlock()
		return fmt.Errorf("mark read %s: %w", id, err)
	}
	return nil
}

// Delete removes the notification locally, confirms with the backend, and
// restores it on failure. The alerted record is kept so a late duplicate
// delivery of the same id cannot re-alert.
func (d *Dispatcher) Delete(ctx context.Context, id string) error {
	d.mu.Lock()
	n, ok := d.store[id]
	if !ok {
		d.mu.Unlock()
		return nil
	}
	delete(d.store, id)
	d.mu.Unlock()

	if err := d.api.Delete(ctx, id); err != nil {
		d.mu.Lock()
		d.store[id] = n
		d.mu.Unlock()
		return fmt.Errorf("delete %s: %w", id, err)
	}
	return nil
}

// ClearAll empties the local store, confirms with the backend, and restores
// the snapshot on failure.
func (d *Dispatcher) ClearAll(ctx context.Context) error {
	d.mu.Lock()
	snapshot := d.store
	d.store = make(map[string]models.NotificationEvent)
	d.mu.Unlock()

	if err := d.api.ClearAll(ctx, d.recipient); err != nil {
		d.mu.Lock()
		for id, n := range snapshot {
			if _, exists := d.store[id]; !exists {
				d.store[id] = n
			}
		}
		d.mu.Unlock()
		return fmt.Errorf("clear all: %w", err)
	}
	return nil
}

// ApplyRead applies a read event from another session. Absent ids are an
// idempotent no-op.
func (d *Dispatcher) ApplyRead(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n, ok := d.store[id]; ok {
		n.Read = true
		d.store[id] = n
	}
}

// ApplyDeleted applies a delete event from another session; absent ids are
// a no-op, never an error.
func (d *Dispatcher) ApplyDeleted(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.store, id)
}

// ApplyCleared applies a cleared event from another session.
func (d *Dispatcher) ApplyCleared() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.store = make(map[string]models.NotificationEvent)
}

// Resync replaces the store with the backend's list. Resynced entries are
// marked alerted without firing channels: they were delivered before the
// outage, not now.
func (d *Dispatcher) Resync(ctx context.Context) {
	list, err := d.api.List(ctx, d.recipient)
	if err != nil {
		d.logger.Warn("notification resync failed", "error", err)
		return
	}
	d.mu.Lock()
	d.store = make(map[string]models.NotificationEvent, len(list))
	for _, n := range list {
		d.store[n.ID] = n
		d.alerted[n.ID] = true
	}
	d.mu.Unlock()
	d.logger.Info("resynced notifications", "count", len(list))
}

// Run consumes notification events and resync signals until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) {
	newSub := d.bus.Subscribe(events.NotificationNew)
	readSub := d.bus.Subscribe(events.NotificationRead)
	delSub := d.bus.Subscribe(events.NotificationDeleted)
	clearSub := d.bus.Subscribe(events.NotificationsCleared)
	resyncSub := d.bus.Subscribe(events.ConnResync)
	defer func() {
		for _, s := range []*bus.Subscription{newSub, readSub, delSub, clearSub, resyncSub} {
			s.Close()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-newSub.C:
			if !ok {
				return
			}
			var n models.NotificationEvent
			if err := env.Decode(&n); err != nil {
				d.logger.Warn("bad notification payload", "error", err)
				continue
			}
			d.HandleInbound(n)
		case env, ok := <-readSub.C:
			if !ok {
				return
			}
			var p events.NotificationReadPayload
			if err := env.Decode(&p); err == nil {
				d.ApplyRead(p.ID)
			}
		case env, ok := <-delSub.C:
			if !ok {
				return
			}
			var p events.NotificationReadPayload
			if err := env.Decode(&p); err == nil {
				d.ApplyDeleted(p.ID)
			}
		case _, ok := <-clearSub.C:
			if !ok {
				return
			}
			d.ApplyCleared()
		case _, ok := <-resyncSub.C:
			if !ok {
				return
			}
			d.Resync(ctx)
		}
	}
}
