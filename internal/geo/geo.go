package geo

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/example/field-dispatch/internal/models"
)

// Index answers nearest-first candidate queries for the dispatcher and keeps
// worker positions current. FindCandidates returns an empty slice, never an
// error, when nobody within range qualifies.
type Index interface {
	FindCandidates(ctx context.Context, origin models.GeoPoint, maxDistanceMeters float64, skill string, excluded map[string]struct{}) ([]models.Worker, error)
	Upsert(ctx context.Context, w models.Worker) error
}

// MemoryIndex is a mutex-guarded scan index. Fine for single-process runs
// and tests; production deployments use RedisIndex.
type MemoryIndex struct {
	mu      sync.RWMutex
	workers map[string]models.Worker
	limit   int
}

func NewMemoryIndex(limit int) *MemoryIndex {
	if limit <= 0 {
		limit = 5
	}
	return &MemoryIndex{workers: make(map[string]models.Worker), limit: limit}
}

func (g *MemoryIndex) Upsert(_ context.Context, w models.Worker) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	w.LastLocationUpdate = time.Now()
	g.workers[w.ID] = w
	return nil
}

func (g *MemoryIndex) Remove(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.workers, id)
}

func (g *MemoryIndex) FindCandidates(_ context.Context, origin models.GeoPoint, maxDistanceMeters float64, skill string, excluded map[string]struct{}) ([]models.Worker, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	type pair struct {
		w    models.Worker
		dist float64
	}
	arr := make([]pair, 0, len(g.workers))
	for _, w := range g.workers {
		if w.Availability != models.Available {
			continue
		}
		if skill != "" && !w.HasSkill(skill) {
			continue
		}
		if _, ok := excluded[w.ID]; ok {
			continue
		}
		dist := Haversine(origin.Lat, origin.Lon, w.Location.Lat, w.Location.Lon)
		if maxDistanceMeters > 0 && dist > maxDistanceMeters {
			continue
		}
		arr = append(arr, pair{w, dist})
	}
	// nearest first; ties broken by worker id for deterministic dispatch
	sort.Slice(arr, func(i, j int) bool {
		if arr[i].dist != arr[j].dist {
			return arr[i].dist < arr[j].dist
		}
		return arr[i].w.ID < arr[j].w.ID
	})
	n := g.limit
	if n > len(arr) {
		n = len(arr)
	}
	out := make([]models.Worker, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, arr[i].w)
	}
	return out, nil
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
