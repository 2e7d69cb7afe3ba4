package geo

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/example/ambulance-dispatch/internal/models"
)

const earthRadiusKm = 6371.0

// DriverSource lists dispatchable drivers around a point. Implementations
// may prefilter by radius; ranking happens in the directory.
type DriverSource interface {
	AvailableDrivers(ctx context.Context, near models.Coord, serviceType string) ([]models.Driver, error)
}

// DriverUpdater stores a driver's latest position and status.
type DriverUpdater interface {
	UpsertDriver(ctx context.Context, d models.Driver) error
}

// Index is an in-memory driver registry, kept in insertion order so that
// equal-distance drivers rank deterministically.
type Index struct {
	mu      sync.RWMutex
	order   []string
	drivers map[string]models.Driver
}

func NewIndex() *Index {
	return &Index{drivers: make(map[string]models.Driver)}
}

func (g *Index) Upsert(d models.Driver) {
	g.mu.Lock()
	defer g.mu.Unlock()
	d.Updated = time.Now()
	if _, ok := g.drivers[d.ID]; !ok {
		g.order = append(g.order, d.ID)
	}
	g.drivers[d.ID] = d
}

// UpsertDriver implements DriverUpdater.
func (g *Index) UpsertDriver(_ context.Context, d models.Driver) error {
	g.Upsert(d)
	return nil
}

func (g *Index) Get(id string) (models.Driver, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	d, ok := g.drivers[id]
	return d, ok
}

// naive scan; the redis index prefilters by radius instead
func (g *Index) AvailableDrivers(_ context.Context, _ models.Coord, serviceType string) ([]models.Driver, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]models.Driver, 0, len(g.order))
	for _, id := range g.order {
		d := g.drivers[id]
		if !d.Dispatchable(serviceType) {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

// DistanceKm is the great-circle distance between two points (Haversine).
func DistanceKm(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	if a > 1 {
		a = 1
	}
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusKm * c
}

// Between is DistanceKm for two coordinates.
func Between(a, b models.Coord) float64 {
	return DistanceKm(a.Lat, a.Lon, b.Lat, b.Lon)
}

func toRad(deg float64) float64 { return deg * math.Pi / 180 }
