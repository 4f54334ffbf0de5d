package geo

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/freight-dispatch/internal/models"
)

// RedisGeo implements Geo using Redis GEO commands, so every API replica
// and the location consumer share one index.
type RedisGeo struct {
	client *redis.Client
	key    string
}

func NewRedisGeo(addr, password, key string) *RedisGeo {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisGeo{client: c, key: key}
}

func (r *RedisGeo) Ping(ctx context.Context) error { return r.client.Ping(ctx).Err() }

func (r *RedisGeo) Close() error { return r.client.Close() }

// Upsert stores the point with GEOADD and the report time alongside it.
func (r *RedisGeo) Upsert(ctx context.Context, p models.Position) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: p.Loc.Lng, Latitude: p.Loc.Lat, Name: p.DriverID})
		pipe.HSet(ctx, metaKey(p.DriverID), "updated", p.At.UTC().Format(time.RFC3339))
		return nil
	})
	return err
}

func (r *RedisGeo) Nearby(ctx context.Context, origin models.Coord, radiusM float64, limit int) ([]Hit, error) {
	res, err := r.client.GeoSearchLocation(ctx, r.key, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  origin.Lng,
			Latitude:   origin.Lat,
			Radius:     radiusM,
			RadiusUnit: "m",
			Sort:       "ASC",
			Count:      limit,
		},
		WithCoord: true,
		WithDist:  true,
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Hit, 0, len(res))
	for _, g := range res {
		h := Hit{
			Position:  models.Position{DriverID: g.Name, Loc: models.Coord{Lat: g.Latitude, Lng: g.Longitude}},
			DistanceM: g.Dist,
		}
		if v, err := r.client.HGet(ctx, metaKey(g.Name), "updated").Result(); err == nil {
			if t, err := time.Parse(time.RFC3339, v); err == nil {
				h.At = t
			}
		}
		out = append(out, h)
	}
	return out, nil
}

func metaKey(id string) string { return "driver:meta:" + id }
