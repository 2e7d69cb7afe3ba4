package geo

import (
	"context"
	"math"
	"testing"

	"github.com/example/ambulance-dispatch/internal/models"
)

func TestDistanceKmZero(t *testing.T) {
	if d := DistanceKm(28.6, 77.2, 28.6, 77.2); d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestDistanceKmSymmetric(t *testing.T) {
	pts := []models.Coord{{Lat: 28.6139, Lon: 77.2090}, {Lat: 19.0760, Lon: 72.8777}, {Lat: -33.86, Lon: 151.21}, {Lat: 51.5, Lon: -0.12}, {Lat: 0, Lon: 179.9}, {Lat: 0, Lon: -179.9}}
	for _, a := range pts {
		for _, b := range pts {
			ab, ba := Between(a, b), Between(b, a)
			if math.Abs(ab-ba) > 1e-9 {
				t.Fatalf("asymmetric %v %v: %f vs %f", a, b, ab, ba)
			}
			if ab < 0 {
				t.Fatalf("negative distance %f", ab)
			}
		}
	}
}

func TestDistanceKmKnownValue(t *testing.T) {
	// Delhi to Mumbai is roughly 1150 km great-circle.
	d := DistanceKm(28.6139, 77.2090, 19.0760, 72.8777)
	if d < 1140 || d > 1160 {
		t.Fatalf("unexpected Delhi-Mumbai distance %f", d)
	}
	// one degree of latitude is ~111.19 km on a 6371 km sphere
	if d := DistanceKm(0, 0, 1, 0); math.Abs(d-111.19) > 0.01 {
		t.Fatalf("unexpected 1 degree distance %f", d)
	}
}

func TestIndexFiltersUndispatchable(t *testing.T) {
	idx := NewIndex()
	idx.Upsert(models.Driver{ID: "a", Available: true, Online: true})
	idx.Upsert(models.Driver{ID: "b", Available: false, Online: true})
	idx.Upsert(models.Driver{ID: "c", Available: true, Online: false})
	idx.Upsert(models.Driver{ID: "d", Available: true, Online: true, ServiceType: "icu"})

	all, err := idx.AvailableDrivers(context.Background(), models.Coord{}, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || all[0].ID != "a" || all[1].ID != "d" {
		t.Fatalf("unexpected drivers %+v", all)
	}
	icu, _ := idx.AvailableDrivers(context.Background(), models.Coord{}, "icu")
	if len(icu) != 1 || icu[0].ID != "d" {
		t.Fatalf("unexpected icu drivers %+v", icu)
	}
}

func TestDriverFromMetaRoundTrip(t *testing.T) {
	in := models.Driver{ID: "d1", Name: "Ravi", Phone: "9876543210", Available: true, Online: true, ServiceType: "icu", VehicleNumber: "DL01AB1234"}
	meta := map[string]string{}
	for k, v := range MetaFields(in) {
		meta[k] = v.(string)
	}
	out := driverFromMeta("d1", meta)
	if out.Name != in.Name || out.Phone != in.Phone || !out.Available || !out.Online || out.ServiceType != "icu" || out.VehicleNumber != in.VehicleNumber {
		t.Fatalf("unexpected driver %+v", out)
	}
	if out.Updated.IsZero() {
		t.Fatal("expected updated timestamp")
	}
}
