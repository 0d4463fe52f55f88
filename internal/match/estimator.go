package match

import (
	"context"

	"github.com/example/servlink/internal/models"
	"github.com/example/servlink/internal/tracking"
)

// DirectionsEstimator derives travel time from the directions provider's
// route duration, sharing the same backend the tracker recalculates with.
type DirectionsEstimator struct {
	Directions tracking.DirectionsClient
}

func (e *DirectionsEstimator) EstimateSeconds(ctx context.Context, from, to models.Coord) (float64, error) {
	r, err := e.Directions.Route(ctx, from, to)
	if err != nil {
		return 0, err
	}
	return r.DurationS, nil
}
