package places

import (
	"context"
	"fmt"

	"googlemaps.github.io/maps"

	"github.com/example/ambulance-dispatch/internal/geo"
	"github.com/example/ambulance-dispatch/internal/models"
)

// Hospital is a simplified places result.
type Hospital struct {
	Name       string
	Address    string
	PlaceID    string
	Loc        models.Coord
	DistanceKm float64
}

type nearbySearcher interface {
	NearbySearch(ctx context.Context, r *maps.NearbySearchRequest) (maps.PlacesSearchResponse, error)
}

// HospitalFinder looks up the closest hospital to a pickup point through
// the Google Places API.
type HospitalFinder struct {
	client nearbySearcher
}

func NewHospitalFinder(apiKey string) (*HospitalFinder, error) {
	client, err := maps.NewClient(maps.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create maps client: %w", err)
	}
	return &HospitalFinder{client: client}, nil
}

// Nearest returns the closest hospital, or ok=false when Places finds none.
func (f *HospitalFinder) Nearest(ctx context.Context, at models.Coord) (Hospital, bool, error) {
	resp, err := f.client.NearbySearch(ctx, &maps.NearbySearchRequest{
		Location: &maps.LatLng{Lat: at.Lat, Lng: at.Lon},
		RankBy:   maps.RankByDistance,
		Type:     maps.PlaceTypeHospital,
	})
	if err != nil {
		return Hospital{}, false, fmt.Errorf("places api error: %w", err)
	}
	if len(resp.Results) == 0 {
		return Hospital{}, false, nil
	}
	r := resp.Results[0]
	loc := models.Coord{Lat: r.Geometry.Location.Lat, Lon: r.Geometry.Location.Lng}
	addr := r.Vicinity
	if addr == "" {
		addr = r.FormattedAddress
	}
	return Hospital{
		Name:       r.Name,
		Address:    addr,
		PlaceID:    r.PlaceID,
		Loc:        loc,
		DistanceKm: geo.Between(at, loc),
	}, true, nil
}
