package places

import (
	"context"
	"errors"
	"testing"

	"googlemaps.github.io/maps"

	"github.com/example/ambulance-dispatch/internal/models"
)

type fakeSearcher struct {
	req  *maps.NearbySearchRequest
	resp maps.PlacesSearchResponse
	err  error
}

func (f *fakeSearcher) NearbySearch(ctx context.Context, r *maps.NearbySearchRequest) (maps.PlacesSearchResponse, error) {
	f.req = r
	return f.resp, f.err
}

func TestNearestPicksFirstResult(t *testing.T) {
	fs := &fakeSearcher{resp: maps.PlacesSearchResponse{Results: []maps.PlacesSearchResult{
		{Name: "AIIMS", Vicinity: "Ansari Nagar", PlaceID: "p1", Geometry: maps.AddressGeometry{Location: maps.LatLng{Lat: 28.5672, Lng: 77.2100}}},
		{Name: "Safdarjung", PlaceID: "p2"},
	}}}
	f := &HospitalFinder{client: fs}

	h, ok, err := f.Nearest(context.Background(), models.Coord{Lat: 28.60, Lon: 77.20})
	if err != nil || !ok {
		t.Fatalf("unexpected ok=%v err=%v", ok, err)
	}
	if h.Name != "AIIMS" || h.Address != "Ansari Nagar" || h.DistanceKm <= 0 {
		t.Fatalf("unexpected hospital %+v", h)
	}
	if fs.req.Type != maps.PlaceTypeHospital || fs.req.RankBy != maps.RankByDistance {
		t.Fatalf("unexpected request %+v", fs.req)
	}
}

func TestNearestNoResultsAndErrors(t *testing.T) {
	f := &HospitalFinder{client: &fakeSearcher{}}
	if _, ok, err := f.Nearest(context.Background(), models.Coord{}); ok || err != nil {
		t.Fatalf("expected no result, ok=%v err=%v", ok, err)
	}
	f = &HospitalFinder{client: &fakeSearcher{err: errors.New("quota")}}
	if _, _, err := f.Nearest(context.Background(), models.Coord{}); err == nil {
		t.Fatal("expected error")
	}
}
