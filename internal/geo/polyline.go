package geo

import (
	"math"

	"github.com/example/servlink/internal/models"
)

// DeviationFrom returns the distance in meters from p to the nearest point
// on the polyline, used to decide whether a tracked worker has left the
// route. An empty polyline means no route is known and deviation is zero.
func DeviationFrom(p models.Coord, polyline []models.Coord) float64 {
	if len(polyline) == 0 {
		return 0
	}
	if len(polyline) == 1 {
		return Distance(p, polyline[0])
	}
	best := -1.0
	for i := 0; i < len(polyline)-1; i++ {
		d := pointToSegment(p, polyline[i], polyline[i+1])
		if best < 0 || d < best {
			best = d
		}
	}
	return best
}

// RemainingAlong returns the along-route distance from p to the end of the
// polyline: distance to the nearest vertex ahead plus the sum of the
// remaining segments. Falls back to straight-line distance to the final
// point when the polyline is empty.
func RemainingAlong(p models.Coord, polyline []models.Coord, dest models.Coord) float64 {
	if len(polyline) == 0 {
		return Distance(p, dest)
	}
	nearest := 0
	best := Distance(p, polyline[0])
	for i := 1; i < len(polyline); i++ {
		if d := Distance(p, polyline[i]); d < best {
			best = d
			nearest = i
		}
	}
	total := best
	for i := nearest; i < len(polyline)-1; i++ {
		total += Distance(polyline[i], polyline[i+1])
	}
	return total
}

// Length sums the polyline's segment lengths in meters.
func Length(polyline []models.Coord) float64 {
	var total float64
	for i := 0; i < len(polyline)-1; i++ {
		total += Distance(polyline[i], polyline[i+1])
	}
	return total
}

// pointToSegment approximates the distance from p to segment ab on a local
// equirectangular projection, accurate enough at tracking scales.
func pointToSegment(p, a, b models.Coord) float64 {
	ax, ay := project(a, p.Lat)
	bx, by := project(b, p.Lat)
	px, py := project(p, p.Lat)

	dx, dy := bx-ax, by-ay
	lenSq := dx*dx + dy*dy
	if lenSq == 0 {
		return Distance(p, a)
	}
	t := ((px-ax)*dx + (py-ay)*dy) / lenSq
	if t < 0 {
		t = 0
	} else if t > 1 {
		t = 1
	}
	nearest := models.Coord{
		Lat: a.Lat + (b.Lat-a.Lat)*t,
		Lon: a.Lon + (b.Lon-a.Lon)*t,
	}
	return Distance(p, nearest)
}

func project(c models.Coord, refLat float64) (x, y float64) {
	const mPerDegLat = 111320.0
	x = c.Lon * mPerDegLat * math.Cos(refLat*math.Pi/180)
	y = c.Lat * mPerDegLat
	return
}
