package geo

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/servlink/internal/models"
)

// RedisIndex implements Index over Redis GEO commands. Position lives in a
// single GEO set; category/online metadata lives in a per-worker hash.
type RedisIndex struct {
	client *redis.Client
	key    string
	ctx    context.Context
}

func NewRedisIndex(addr, password, key string) *RedisIndex {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisIndex{client: c, key: key, ctx: context.Background()}
}

func (r *RedisIndex) Upsert(w models.Worker) {
	_, _ = r.client.GeoAdd(r.ctx, r.key, &redis.GeoLocation{Longitude: w.Loc.Lon, Latitude: w.Loc.Lat, Name: w.ID}).Result()
	_ = r.client.HSet(r.ctx, metaKey(w.ID), map[string]interface{}{
		"category": w.Category,
		"online":   strconv.FormatBool(w.Online),
		"updated":  time.Now().Format(time.RFC3339),
	}).Err()
}

// Nearby queries GEOSEARCH sorted ascending, then filters by category and
// online flag from the metadata hashes. Redis returns distance-sorted
// results; equal distances keep redis order, which is insertion order, so
// the matcher re-sorts with the id tie-break before ranking.
func (r *RedisIndex) Nearby(lat, lon, radiusM float64, category string, limit int) []models.Worker {
	if radiusM <= 0 {
		radiusM = 5000
	}
	// over-fetch so category filtering still fills the limit
	count := limit * 4
	if count <= 0 {
		count = 40
	}
	res, err := r.client.GeoRadius(r.ctx, r.key, lon, lat, &redis.GeoRadiusQuery{
		Radius: radiusM, Unit: "m", WithCoord: true, WithDist: true, Count: count, Sort: "ASC",
	}).Result()
	if err != nil {
		return nil
	}
	out := make([]models.Worker, 0, limit)
	for _, g := range res {
		w := models.Worker{ID: g.Name}
		w.Loc.Lat = g.Latitude
		w.Loc.Lon = g.Longitude
		if m, err := r.client.HGetAll(r.ctx, metaKey(g.Name)).Result(); err == nil {
			w.Category = m["category"]
			w.Online = m["online"] == "true"
		}
		if !w.Online || (category != "" && w.Category != category) {
			continue
		}
		out = append(out, w)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

func metaKey(id string) string { return "worker:meta:" + id }
