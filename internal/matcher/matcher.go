// Package matcher ranks available drivers around a pickup for direct
// assignment.
package matcher

import (
	"context"
	"log/slog"
	"sort"

	"github.com/example/freight-dispatch/internal/eta"
	"github.com/example/freight-dispatch/internal/geo"
	"github.com/example/freight-dispatch/internal/models"
	"github.com/example/freight-dispatch/internal/storage"
)

type Geo interface {
	Nearby(ctx context.Context, origin models.Coord, radiusM float64, limit int) ([]geo.Hit, error)
}

type Service struct {
	Geo             Geo
	Store           storage.Store
	DefaultSpeedMps float64
	TopN            int
	RadiusM         float64
	ETAClient       eta.Client // optional routing engine
	ETACache        *eta.Cache // optional ETA cache
	Log             *slog.Logger
}

// Rank returns up to TopN AVAILABLE drivers within RadiusM of origin,
// fastest to the pickup first. The position index may be stale, so driver
// status is read from the store.
func (s *Service) Rank(ctx context.Context, origin models.Coord) ([]models.Candidate, error) {
	topN := s.TopN
	if topN <= 0 {
		topN = 10
	}
	// over-fetch: some nearby drivers will be busy or offline
	hits, err := s.Geo.Nearby(ctx, origin, s.RadiusM, topN*4)
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return []models.Candidate{}, nil
	}

	ids := make([]string, 0, len(hits))
	for _, h := range hits {
		ids = append(ids, h.DriverID)
	}
	var available []*models.Driver
	err = s.Store.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		available, err = tx.ListDrivers(ctx, storage.DriverFilter{IDs: ids, Status: models.DriverAvailable})
		return err
	})
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*models.Driver, len(available))
	for _, d := range available {
		byID[d.ID] = d
	}

	out := make([]models.Candidate, 0, len(byID))
	for _, h := range hits {
		d, ok := byID[h.DriverID]
		if !ok {
			continue
		}
		out = append(out, models.Candidate{
			DriverID:   d.ID,
			Name:       d.Name,
			DistanceM:  h.DistanceM,
			ETASeconds: s.etaFor(ctx, h.Loc, origin),
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].ETASeconds == out[j].ETASeconds {
			return out[i].DistanceM < out[j].DistanceM
		}
		return out[i].ETASeconds < out[j].ETASeconds
	})
	if len(out) > topN {
		out = out[:topN]
	}
	return out, nil
}

func (s *Service) etaFor(ctx context.Context, from, to models.Coord) float64 {
	if s.ETACache != nil {
		if v, ok := s.ETACache.Get(from, to); ok {
			return v
		}
	}
	if s.ETAClient != nil {
		v, err := s.ETAClient.EstimateSeconds(ctx, from, to)
		if err == nil {
			if s.ETACache != nil {
				s.ETACache.Set(from, to, v)
			}
			return v
		}
		if s.Log != nil {
			s.Log.Warn("routing engine eta failed, using straight line", "error", err)
		}
	}
	// fallback to naive estimator
	return eta.EstimateSeconds(from, to, s.DefaultSpeedMps)
}
