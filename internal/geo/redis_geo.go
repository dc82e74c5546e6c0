package geo

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/field-dispatch/internal/models"
)

// RedisIndex implements Index on Redis GEO commands. Positions live in a
// single geo set; availability, skills and rating live in per-worker meta
// hashes written by the location consumer.
type RedisIndex struct {
	client *redis.Client
	key    string
	limit  int
}

func NewRedisIndex(addr, password, key string, limit int) *RedisIndex {
	if limit <= 0 {
		limit = 5
	}
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisIndex{client: c, key: key, limit: limit}
}

// NewRedisIndexWithClient is used by tests and by processes that already own
// a client.
func NewRedisIndexWithClient(c *redis.Client, key string, limit int) *RedisIndex {
	if limit <= 0 {
		limit = 5
	}
	return &RedisIndex{client: c, key: key, limit: limit}
}

func (r *RedisIndex) Upsert(ctx context.Context, w models.Worker) error {
	if _, err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: w.Location.Lon, Latitude: w.Location.Lat, Name: w.ID}).Result(); err != nil {
		return err
	}
	return r.client.HSet(ctx, MetaKey(w.ID), map[string]interface{}{
		"availability": string(w.Availability),
		"skills":       strings.Join(w.Skills, ","),
		"rating":       strconv.FormatFloat(w.Rating, 'f', -1, 64),
		"updated":      time.Now().Format(time.RFC3339),
	}).Err()
}

func (r *RedisIndex) FindCandidates(ctx context.Context, origin models.GeoPoint, maxDistanceMeters float64, skill string, excluded map[string]struct{}) ([]models.Worker, error) {
	// over-fetch: the skill/availability/exclusion filters run client-side
	count := r.limit*4 + len(excluded)
	locs, err := r.client.GeoSearchLocation(ctx, r.key, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  origin.Lon,
			Latitude:   origin.Lat,
			Radius:     maxDistanceMeters,
			RadiusUnit: "m",
			Sort:       "ASC",
			Count:      count,
		},
		WithCoord: true,
		WithDist:  true,
	}).Result()
	if err != nil {
		return nil, err
	}

	type pair struct {
		w    models.Worker
		dist float64
	}
	arr := make([]pair, 0, len(locs))
	for _, g := range locs {
		if _, ok := excluded[g.Name]; ok {
			continue
		}
		meta, err := r.client.HGetAll(ctx, MetaKey(g.Name)).Result()
		if err != nil {
			continue
		}
		if models.Availability(meta["availability"]) != models.Available {
			continue
		}
		w := models.Worker{ID: g.Name, Availability: models.Available}
		w.Location.Lat = g.Latitude
		w.Location.Lon = g.Longitude
		if meta["skills"] != "" {
			w.Skills = strings.Split(meta["skills"], ",")
		}
		if skill != "" && !w.HasSkill(skill) {
			continue
		}
		if v, ok := meta["rating"]; ok {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				w.Rating = f
			}
		}
		arr = append(arr, pair{w, g.Dist})
	}
	// redis sorts by distance only; re-sort so equidistant workers come out
	// in id order
	sort.Slice(arr, func(i, j int) bool {
		if arr[i].dist != arr[j].dist {
			return arr[i].dist < arr[j].dist
		}
		return arr[i].w.ID < arr[j].w.ID
	})
	n := r.limit
	if n > len(arr) {
		n = len(arr)
	}
	out := make([]models.Worker, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, arr[i].w)
	}
	return out, nil
}

func MetaKey(id string) string { return "worker:meta:" + id }
