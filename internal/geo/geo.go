// Package geo indexes the last known position of every driver for
// proximity queries.
package geo

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/example/freight-dispatch/internal/models"
)

// Hit is a position found by a proximity query.
type Hit struct {
	models.Position
	DistanceM float64 `json:"distance_m"`
}

// Geo is the position index used by the matcher and fed by driver location
// reports.
type Geo interface {
	Upsert(ctx context.Context, p models.Position) error
	Nearby(ctx context.Context, origin models.Coord, radiusM float64, limit int) ([]Hit, error)
}

// Index is an in-process Geo for single-node deployments and tests.
type Index struct {
	mu        sync.RWMutex
	positions map[string]models.Position
}

func NewIndex() *Index {
	return &Index{positions: make(map[string]models.Position)}
}

func (g *Index) Upsert(_ context.Context, p models.Position) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.positions[p.DriverID] = p
	return nil
}

// naive scan; fine for a few thousand drivers
func (g *Index) Nearby(_ context.Context, origin models.Coord, radiusM float64, limit int) ([]Hit, error) {
	g.mu.RLock()
	hits := make([]Hit, 0, len(g.positions))
	for _, p := range g.positions {
		dist := Haversine(origin.Lat, origin.Lng, p.Loc.Lat, p.Loc.Lng)
		if radiusM > 0 && dist > radiusM {
			continue
		}
		hits = append(hits, Hit{Position: p, DistanceM: dist})
	}
	g.mu.RUnlock()

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].DistanceM == hits[j].DistanceM {
			return hits[i].DriverID < hits[j].DriverID
		}
		return hits[i].DistanceM < hits[j].DistanceM
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
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
