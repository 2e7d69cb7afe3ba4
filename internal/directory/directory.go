package directory

import (
	"context"
	"fmt"
	"sort"

	"github.com/example/ambulance-dispatch/internal/geo"
	"github.com/example/ambulance-dispatch/internal/models"
)

// Ranked is a driver paired with its distance to the query point.
type Ranked struct {
	Driver     models.Driver
	DistanceKm float64
}

type Directory struct {
	Source geo.DriverSource
}

func New(src geo.DriverSource) *Directory {
	return &Directory{Source: src}
}

// RankNearest returns up to limit dispatchable drivers ordered by distance
// ascending. Equal distances keep the order the source returned them in.
// No eligible driver yields an empty slice, not an error.
func (d *Directory) RankNearest(ctx context.Context, lat, lon float64, limit int, serviceType string) ([]Ranked, error) {
	if limit <= 0 {
		return nil, nil
	}
	cands, err := d.Source.AvailableDrivers(ctx, models.Coord{Lat: lat, Lon: lon}, serviceType)
	if err != nil {
		return nil, fmt.Errorf("list available drivers: %w", err)
	}
	ranked := make([]Ranked, 0, len(cands))
	for _, drv := range cands {
		// sources prefilter, but the directory owns the invariant
		if !drv.Dispatchable(serviceType) {
			continue
		}
		ranked = append(ranked, Ranked{Driver: drv, DistanceKm: geo.DistanceKm(lat, lon, drv.Loc.Lat, drv.Loc.Lon)})
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].DistanceKm < ranked[j].DistanceKm })
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked, nil
}
