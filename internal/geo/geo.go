package geo

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/example/servlink/internal/models"
)

// Index is the minimal interface the matcher needs over worker positions.
type Index interface {
	Nearby(lat, lon, radiusM float64, category string, limit int) []models.Worker
	Upsert(w models.Worker)
}

// MemoryIndex is a naive scan over an in-memory map, used in tests and
// single-node dev runs. Production uses RedisIndex.
type MemoryIndex struct {
	mu      sync.RWMutex
	workers map[string]models.Worker
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{workers: make(map[string]models.Worker)}
}

func (g *MemoryIndex) Upsert(w models.Worker) {
	g.mu.Lock()
	defer g.mu.Unlock()
	w.Updated = time.Now()
	g.workers[w.ID] = w
}

func (g *MemoryIndex) Remove(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.workers, id)
}

// Nearby returns online workers of the category within radiusM, ascending
// by distance with worker id breaking ties, capped at limit.
func (g *MemoryIndex) Nearby(lat, lon, radiusM float64, category string, limit int) []models.Worker {
	g.mu.RLock()
	defer g.mu.RUnlock()
	type pair struct {
		w    models.Worker
		dist float64
	}
	arr := make([]pair, 0, len(g.workers))
	for _, w := range g.workers {
		if !w.Online || (category != "" && w.Category != category) {
			continue
		}
		dist := Haversine(lat, lon, w.Loc.Lat, w.Loc.Lon)
		if radiusM > 0 && dist > radiusM {
			continue
		}
		arr = append(arr, pair{w, dist})
	}
	sort.Slice(arr, func(i, j int) bool {
		if arr[i].dist != arr[j].dist {
			return arr[i].dist < arr[j].dist
		}
		return arr[i].w.ID < arr[j].w.ID
	})
	if limit > 0 && len(arr) > limit {
		arr = arr[:limit]
	}
	out := make([]models.Worker, 0, len(arr))
	for _, p := range arr {
		out = append(out, p.w)
	}
	return out
}

// Haversine distance in meters.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}

// Distance is Haversine over Coord values.
func Distance(a, b models.Coord) float64 {
	return Haversine(a.Lat, a.Lon, b.Lat, b.Lon)
}
