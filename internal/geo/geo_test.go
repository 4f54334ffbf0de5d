package geo

import (
	"context"
	"testing"
	"time"

	"github.com/example/freight-dispatch/internal/models"
)

func TestHaversineZero(t *testing.T) {
	d := Haversine(0, 0, 0, 0)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestHaversineOneDegreeOfLatitude(t *testing.T) {
	d := Haversine(0, 0, 1, 0)
	if d < 111000 || d > 111400 {
		t.Fatalf("one degree of latitude should be about 111.2km, got %f", d)
	}
}

func TestIndexNearbyOrdersAndLimits(t *testing.T) {
	ctx := context.Background()
	g := NewIndex()
	now := time.Now()
	for id, lat := range map[string]float64{"far": 0.05, "near": 0.001, "mid": 0.01, "out": 1} {
		_ = g.Upsert(ctx, models.Position{DriverID: id, Loc: models.Coord{Lat: lat}, At: now})
	}

	hits, err := g.Nearby(ctx, models.Coord{}, 10000, 2)
	if err != nil {
		t.Fatalf("nearby: %v", err)
	}
	if len(hits) != 2 || hits[0].DriverID != "near" || hits[1].DriverID != "mid" {
		t.Fatalf("unexpected hits %+v", hits)
	}

	all, _ := g.Nearby(ctx, models.Coord{}, 10000, 0)
	if len(all) != 3 {
		t.Fatalf("driver outside the radius should be skipped, got %d hits", len(all))
	}
}

func TestIndexUpsertReplaces(t *testing.T) {
	ctx := context.Background()
	g := NewIndex()
	_ = g.Upsert(ctx, models.Position{DriverID: "d1", Loc: models.Coord{Lat: 1}})
	_ = g.Upsert(ctx, models.Position{DriverID: "d1", Loc: models.Coord{Lat: 0}})
	hits, _ := g.Nearby(ctx, models.Coord{}, 100, 10)
	if len(hits) != 1 || hits[0].DistanceM != 0 {
		t.Fatalf("expected the latest position only, got %+v", hits)
	}
}
