// Package tracking turns a raw GPS stream into bounded, useful progress:
// it filters jitter with a movement threshold, keeps route geometry fresh
// without thrashing the directions provider, and publishes progress on the
// bus for the counterpart device.
package tracking

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/servlink/internal/bus"
	"github.com/example/servlink/internal/events"
	"github.com/example/servlink/internal/fault"
	"github.com/example/servlink/internal/geo"
	"github.com/example/servlink/internal/models"
	"github.com/example/servlink/internal/observability"
)

// LocationProvider is the device GPS stream. The returned channel closes
// when ctx is cancelled.
type LocationProvider interface {
	Watch(ctx context.Context) (<-chan models.LocationSample, error)
}

type Config struct {
	MinMoveM        float64       // suppress samples moving less than this
	RecalcInterval  time.Duration // time budget between provider calls
	DeviationM      float64       // off-route distance forcing a recalc
	DefaultSpeedMps float64       // ETA fallback when no route is known
}

func DefaultConfig() Config {
	return Config{MinMoveM: 10, RecalcInterval: 30 * time.Second, DeviationM: 50, DefaultSpeedMps: 10}
}

type Tracker struct {
	provider   LocationProvider
	directions DirectionsClient // nil means straight-line tracking only
	bus        *bus.Bus
	logger     *slog.Logger
	cfg        Config

	mu     sync.Mutex
	active *Session
}

func NewTracker(p LocationProvider, d DirectionsClient, b *bus.Bus, cfg Config, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MinMoveM <= 0 {
		cfg.MinMoveM = 10
	}
	if cfg.RecalcInterval <= 0 {
		cfg.RecalcInterval = 30 * time.Second
	}
	if cfg.DeviationM <= 0 {
		cfg.DeviationM = 50
	}
	if cfg.DefaultSpeedMps <= 0 {
		cfg.DefaultSpeedMps = 10
	}
	return &Tracker{provider: p, directions: d, bus: b, logger: logger, cfg: cfg}
}

// StartTracking begins a session from origin to destination for bookingID.
// Any previous session is stopped first; distanceTraveled starts at zero.
func (t *Tracker) StartTracking(bookingID string, origin, dest models.Coord) (*Session, error) {
	t.mu.Lock()
	prev := t.active
	t.mu.Unlock()
	if prev != nil {
		prev.Stop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		tracker:   t,
		bookingID: bookingID,
		dest:      dest,
		ctx:       ctx,
		cancel:    cancel,
		routeCh:   make(chan routeResult, 1),
	}
	samples, err := t.provider.Watch(ctx)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("location provider: %w", err)
	}

	t.mu.Lock()
	t.active = s
	t.mu.Unlock()

	s.requestRoute(origin)
	s.wg.Add(1)
	go s.loop(samples)
	return s, nil
}

type routeResult struct {
	epoch uint64
	route Route
}

// Session is one live tracking window. State is owned by the loop
// goroutine; Stop is synchronous.
type Session struct {
	tracker   *Tracker
	bookingID string
	dest      models.Coord

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	routeCh chan routeResult

	mu         sync.Mutex
	epoch      uint64 // current directions request tag
	inFlight   bool
	lastRecalc time.Time

	// loop-owned, exposed read-only through Snapshot
	stateMu  sync.Mutex
	route    *Route
	last     *models.LocationSample
	traveled float64
}

// Stop synchronously ends the session: the provider subscription is
// removed and any in-flight directions result is discarded.
func (s *Session) Stop() {
	s.cancel()
	s.wg.Wait()
	s.tracker.mu.Lock()
	if s.tracker.active == s {
		s.tracker.active = nil
	}
	s.tracker.mu.Unlock()
}

// Snapshot returns the current derived route state.
func (s *Session) Snapshot() models.RouteState {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	st := models.RouteState{DistanceTraveled: s.traveled}
	if s.route != nil {
		st.Polyline = append([]models.Coord(nil), s.route.Polyline...)
	}
	s.mu.Lock()
	st.LastRecalculated = s.lastRecalc
	s.mu.Unlock()
	if s.last != nil {
		st.DistanceRemaining, st.ETASeconds = s.progress(s.last.Coord())
	}
	return st
}

func (s *Session) loop(samples <-chan models.LocationSample) {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case res := <-s.routeCh:
			s.applyRoute(res)
		case sample, ok := <-samples:
			if !ok {
				return
			}
			s.handleSample(sample)
		}
	}
}

// handleSample applies the movement threshold, advances cumulative
// distance, decides whether a recalculation is due, and publishes progress.
func (s *Session) handleSample(sample models.LocationSample) {
	s.stateMu.Lock()
	if s.last != nil {
		delta := geo.Distance(s.last.Coord(), sample.Coord())
		if delta < s.tracker.cfg.MinMoveM {
			s.stateMu.Unlock()
			return
		}
		s.traveled += delta
	}
	cur := sample
	s.last = &cur
	var polyline []models.Coord
	if s.route != nil {
		polyline = s.route.Polyline
	}
	traveled := s.traveled
	s.stateMu.Unlock()

	deviation := geo.DeviationFrom(sample.Coord(), polyline)
	s.maybeRecalc(sample.Coord(), polyline, deviation)

	remaining, eta := s.progressLocked(sample.Coord())
	payload := events.WorkerLocationPayload{
		BookingID:         s.bookingID,
		Location:          sample.Coord(),
		DistanceTraveled:  traveled,
		DistanceRemaining: remaining,
		ETASeconds:        eta,
	}
	if env, err := events.NewEnvelope(events.WorkerLocation, payload); err == nil {
		s.tracker.bus.Publish(env)
	}
}

// maybeRecalc requests a new route when the time budget elapsed or the
// deviation threshold is crossed. Continuous recalculation on every sample
// is disallowed; a deviation beyond the threshold overrides the budget.
func (s *Session) maybeRecalc(from models.Coord, polyline []models.Coord, deviation float64) {
	if s.tracker.directions == nil {
		return
	}
	s.mu.Lock()
	elapsed := time.Since(s.lastRecalc)
	due := elapsed >= s.tracker.cfg.RecalcInterval
	deviated := len(polyline) > 0 && deviation > s.tracker.cfg.DeviationM
	if s.inFlight || (!due && !deviated) {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.requestRoute(from)
}

// requestRoute fires an epoch-tagged directions request. A result arriving
// after Stop or after a newer request is discarded by the epoch check.
func (s *Session) requestRoute(from models.Coord) {
	if s.tracker.directions == nil {
		return
	}
	s.mu.Lock()
	s.epoch++
	epoch := s.epoch
	s.inFlight = true
	s.lastRecalc = time.Now()
	s.mu.Unlock()

	go func() {
		route, err := s.tracker.directions.Route(s.ctx, from, s.dest)
		s.mu.Lock()
		s.inFlight = false
		stale := s.epoch != epoch
		s.mu.Unlock()
		if err != nil {
			// keep publishing straight-line progress; never fail the session
			observability.RouteDegradedTotal.Inc()
			s.tracker.logger.Warn("directions unavailable, degrading",
				"booking", s.bookingID, "error", fmt.Errorf("%w: %v", fault.ErrProviderUnavailable, err))
			return
		}
		if stale || s.ctx.Err() != nil {
			return
		}
		select {
		case s.routeCh <- routeResult{epoch: epoch, route: route}:
		case <-s.ctx.Done():
		}
	}()
}

func (s *Session) applyRoute(res routeResult) {
	s.mu.Lock()
	stale := s.epoch != res.epoch
	s.mu.Unlock()
	if stale {
		return
	}
	s.stateMu.Lock()
	r := res.route
	s.route = &r
	s.stateMu.Unlock()
	observability.RouteRecalcTotal.Inc()

	payload := events.RouteUpdatedPayload{
		BookingID: s.bookingID,
		Polyline:  res.route.Polyline,
		DistanceM: res.route.DistanceM,
		Duration:  res.route.DurationS,
	}
	if env, err := events.NewEnvelope(events.RouteUpdated, payload); err == nil {
		s.tracker.bus.Publish(env)
	}
}

// progressLocked computes remaining distance and ETA taking stateMu itself.
func (s *Session) progressLocked(from models.Coord) (remaining, eta float64) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.progress(from)
}

// progress derives remaining distance along the route (straight-line when
// no route is known) and an ETA from the route's average speed. Callers
// hold stateMu.
func (s *Session) progress(from models.Coord) (remaining, eta float64) {
	if s.route != nil && len(s.route.Polyline) > 0 {
		remaining = geo.RemainingAlong(from, s.route.Polyline, s.dest)
		if s.route.DurationS > 0 && s.route.DistanceM > 0 {
			speed := s.route.DistanceM / s.route.DurationS
			eta = remaining / speed
			return remaining, eta
		}
	} else {
		remaining = geo.Distance(from, s.dest)
	}
	eta = remaining / s.tracker.cfg.DefaultSpeedMps
	return remaining, eta
}
