package tracking

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/example/servlink/internal/models"
)

// Route is the directions provider's answer for one origin/destination pair.
type Route struct {
	Polyline  []models.Coord
	DistanceM float64
	DurationS float64
}

// DirectionsClient fetches route geometry and duration between two points.
type DirectionsClient interface {
	Route(ctx context.Context, from, to models.Coord) (Route, error)
}

// OSRMClient queries an OSRM HTTP server for geometry and duration.
type OSRMClient struct {
	Endpoint string
	Client   *http.Client
}

func NewOSRMClient(endpoint string) *OSRMClient {
	return &OSRMClient{Endpoint: endpoint, Client: &http.Client{Timeout: 15 * time.Second}}
}

// Route queries /route with full overview so the polyline can drive
// deviation checks: /route/v1/driving/{lon1},{lat1};{lon2},{lat2}
func (o *OSRMClient) Route(ctx context.Context, from, to models.Coord) (Route, error) {
	url := fmt.Sprintf("%s/route/v1/driving/%.6f,%.6f;%.6f,%.6f?overview=full&geometries=geojson",
		o.Endpoint, from.Lon, from.Lat, to.Lon, to.Lat)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Route{}, err
	}
	resp, err := o.Client.Do(req)
	if err != nil {
		return Route{}, err
	}
	defer resp.Body.Close()
	var out struct {
		Routes []struct {
			Duration float64 `json:"duration"`
			Distance float64 `json:"distance"`
			Geometry struct {
				Coordinates [][]float64 `json:"coordinates"` // [lon, lat]
			} `json:"geometry"`
		} `json:"routes"`
		Code string `json:"code"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Route{}, err
	}
	if out.Code != "Ok" || len(out.Routes) == 0 {
		return Route{}, fmt.Errorf("osrm no route: %v", out.Code)
	}
	r := out.Routes[0]
	poly := make([]models.Coord, 0, len(r.Geometry.Coordinates))
	for _, c := range r.Geometry.Coordinates {
		if len(c) < 2 {
			continue
		}
		poly = append(poly, models.Coord{Lon: c[0], Lat: c[1]})
	}
	return Route{Polyline: poly, DistanceM: r.Distance, DurationS: r.Duration}, nil
}
