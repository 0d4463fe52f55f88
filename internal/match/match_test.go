package match

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/servlink/internal/geo"
	"github.com/example/servlink/internal/models"
)

type fakeEstimator struct {
	calls int
	eta   float64
	err   error
}

func (f *fakeEstimator) EstimateSeconds(ctx context.Context, from, to models.Coord) (float64, error) {
	f.calls++
	return f.eta, f.err
}

func seedIndex() *geo.MemoryIndex {
	idx := geo.NewMemoryIndex()
	// plumber scenario around Kathmandu
	origin := models.Coord{Lat: 27.7172, Lon: 85.3240}
	idx.Upsert(models.Worker{ID: "p2", Loc: models.Coord{Lat: origin.Lat + 0.002, Lon: origin.Lon}, Category: "plumber", Online: true})
	idx.Upsert(models.Worker{ID: "p1", Loc: models.Coord{Lat: origin.Lat + 0.001, Lon: origin.Lon}, Category: "plumber", Online: true})
	idx.Upsert(models.Worker{ID: "p3", Loc: models.Coord{Lat: origin.Lat + 0.003, Lon: origin.Lon}, Category: "plumber", Online: true})
	idx.Upsert(models.Worker{ID: "e1", Loc: origin, Category: "electrician", Online: true})
	return idx
}

func TestSearchRanksByDistanceThenID(t *testing.T) {
	s := &Service{Index: seedIndex(), DefaultSpeedMps: 10}
	origin := models.Coord{Lat: 27.7172, Lon: 85.3240}

	got := s.Search(context.Background(), "plumber", origin, 5000, 8)
	if len(got) != 3 {
		t.Fatalf("expected 3 plumbers, got %d", len(got))
	}
	want := []string{"p1", "p2", "p3"}
	for i, id := range want {
		if got[i].Worker.ID != id {
			t.Fatalf("rank %d: expected %s, got %s", i, id, got[i].Worker.ID)
		}
	}
	if got[0].DistanceM <= 0 || got[0].ETASeconds <= 0 {
		t.Fatalf("candidates need distance and eta, got %+v", got[0])
	}
	if got[0].DistanceM > got[1].DistanceM {
		t.Fatal("distances must ascend")
	}
}

func TestSearchTieBreaksOnWorkerID(t *testing.T) {
	idx := geo.NewMemoryIndex()
	spot := models.Coord{Lat: 27.7172, Lon: 85.3240}
	idx.Upsert(models.Worker{ID: "zz", Loc: spot, Category: "plumber", Online: true})
	idx.Upsert(models.Worker{ID: "aa", Loc: spot, Category: "plumber", Online: true})
	s := &Service{Index: idx, DefaultSpeedMps: 10}

	got := s.Search(context.Background(), "plumber", spot, 1000, 2)
	if len(got) != 2 || got[0].Worker.ID != "aa" || got[1].Worker.ID != "zz" {
		t.Fatalf("tie must break on ascending id, got %v", got)
	}
}

func TestSearchCapsAtK(t *testing.T) {
	s := &Service{Index: seedIndex(), DefaultSpeedMps: 10}
	origin := models.Coord{Lat: 27.7172, Lon: 85.3240}
	if got := s.Search(context.Background(), "plumber", origin, 5000, 2); len(got) != 2 {
		t.Fatalf("expected cap at 2, got %d", len(got))
	}
}

func TestSearchFallsBackWhenEstimatorFails(t *testing.T) {
	est := &fakeEstimator{err: errors.New("osrm down")}
	s := &Service{Index: seedIndex(), Estimator: est, DefaultSpeedMps: 10}
	origin := models.Coord{Lat: 27.7172, Lon: 85.3240}

	got := s.Search(context.Background(), "plumber", origin, 5000, 8)
	for _, c := range got {
		want := c.DistanceM / 10
		if diff := c.ETASeconds - want; diff < -0.01 || diff > 0.01 {
			t.Fatalf("expected naive eta %f, got %f", want, c.ETASeconds)
		}
	}
}

func TestCacheBoundsEstimatorCalls(t *testing.T) {
	est := &fakeEstimator{eta: 120}
	s := &Service{Index: seedIndex(), Estimator: est, Cache: NewCache(time.Minute), DefaultSpeedMps: 10}
	origin := models.Coord{Lat: 27.7172, Lon: 85.3240}

	s.Search(context.Background(), "plumber", origin, 5000, 8)
	first := est.calls
	s.Search(context.Background(), "plumber", origin, 5000, 8)
	if est.calls != first {
		t.Fatalf("second search must hit the cache, calls %d -> %d", first, est.calls)
	}
}
