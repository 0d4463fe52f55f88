// Package match implements the gateway's worker search: candidates within
// a radius of the requester, filtered by service category, ranked by
// ascending distance with worker id breaking ties, capped at K.
package match

import (
	"context"
	"sort"

	"github.com/example/servlink/internal/geo"
	"github.com/example/servlink/internal/models"
)

// Estimator supplies travel-time estimates for candidates.
type Estimator interface {
	EstimateSeconds(ctx context.Context, from, to models.Coord) (float64, error)
}

type Service struct {
	Index           geo.Index
	Estimator       Estimator // optional; naive estimate when nil or failing
	Cache           *Cache    // optional
	DefaultSpeedMps float64
	MaxCandidates   int
}

// Search returns at most k candidates. Ordering is deterministic:
// ascending distance, then ascending worker id.
func (s *Service) Search(ctx context.Context, category string, origin models.Coord, radiusM float64, k int) []models.Candidate {
	if k <= 0 {
		k = s.MaxCandidates
	}
	if k <= 0 {
		k = 8
	}
	workers := s.Index.Nearby(origin.Lat, origin.Lon, radiusM, category, k)
	out := make([]models.Candidate, 0, len(workers))
	for _, w := range workers {
		dist := geo.Distance(w.Loc, origin)
		out = append(out, models.Candidate{
			Worker:     w,
			DistanceM:  dist,
			ETASeconds: s.eta(ctx, w.Loc, origin, dist),
		})
	}
	// the index is distance-sorted but tie order varies by backend
	sort.Slice(out, func(i, j int) bool {
		if out[i].DistanceM != out[j].DistanceM {
			return out[i].DistanceM < out[j].DistanceM
		}
		return out[i].Worker.ID < out[j].Worker.ID
	})
	if len(out) > k {
		out = out[:k]
	}
	return out
}

func (s *Service) eta(ctx context.Context, from, to models.Coord, dist float64) float64 {
	if s.Cache != nil {
		if v, ok := s.Cache.Get(from, to); ok {
			return v
		}
	}
	if s.Estimator != nil {
		if v, err := s.Estimator.EstimateSeconds(ctx, from, to); err == nil {
			if s.Cache != nil {
				s.Cache.Set(from, to, v)
			}
			return v
		}
	}
	speed := s.DefaultSpeedMps
	if speed <= 0 {
		speed = 8.0 // default city speed
	}
	return dist / speed
}
