package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/ambulance-dispatch/internal/models"
)

type fakeIndex struct {
	failGeo, failHSet int
	geoCalls, hCalls  int
	geoKey, metaKey   string
	loc               *redis.GeoLocation
	meta              map[string]interface{}
}

func (f *fakeIndex) GeoAdd(_ context.Context, key string, loc *redis.GeoLocation) error {
	f.geoCalls++
	if f.geoCalls <= f.failGeo {
		return errors.New("geo fail")
	}
	f.geoKey, f.loc = key, loc
	return nil
}

func (f *fakeIndex) HSet(_ context.Context, key string, values map[string]interface{}) error {
	f.hCalls++
	if f.hCalls <= f.failHSet {
		return errors.New("hset fail")
	}
	f.metaKey, f.meta = key, values
	return nil
}

func TestWriteDriverRetriesUntilBothWritesLand(t *testing.T) {
	f := &fakeIndex{failGeo: 1, failHSet: 1}
	d := models.Driver{ID: "d1", Loc: models.Coord{Lat: 28.6, Lon: 77.2}, Available: true, Online: true, ServiceType: "icu"}
	start := time.Now()
	if err := writeDriver(context.Background(), f, "drivers_geo", d, 3, 5*time.Millisecond); err != nil {
		t.Fatalf("writeDriver: %v", err)
	}
	if f.geoCalls != 3 || f.hCalls != 2 {
		t.Fatalf("calls geo=%d hset=%d", f.geoCalls, f.hCalls)
	}
	if time.Since(start) < 15*time.Millisecond {
		t.Fatal("expected two doubling backoffs")
	}
	if f.geoKey != "drivers_geo" || f.loc.Name != "d1" || f.loc.Longitude != 77.2 || f.metaKey != "driver:meta:d1" {
		t.Fatalf("wrote %q %+v %q", f.geoKey, f.loc, f.metaKey)
	}
	if f.meta["available"] != "true" || f.meta["service_type"] != "icu" {
		t.Fatalf("meta = %v", f.meta)
	}
}

func TestWriteDriverGivesUp(t *testing.T) {
	f := &fakeIndex{failGeo: 5}
	d := models.Driver{ID: "d1", Loc: models.Coord{Lat: 1, Lon: 2}}
	if err := writeDriver(context.Background(), f, "drivers_geo", d, 3, time.Millisecond); err == nil {
		t.Fatal("expected error after retries")
	}
	if f.geoCalls != 3 {
		t.Fatalf("geo calls = %d", f.geoCalls)
	}
}

func TestWriteDriverStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f := &fakeIndex{failGeo: 5}
	err := writeDriver(ctx, f, "k", models.Driver{ID: "d1"}, 3, time.Hour)
	if !errors.Is(err, context.Canceled) || f.geoCalls != 1 {
		t.Fatalf("err=%v calls=%d", err, f.geoCalls)
	}
}

func TestDecodeDriver(t *testing.T) {
	if _, err := decodeDriver([]byte(`{"id":"d1","loc":{"lat":28.6,"lon":77.2}}`)); err != nil {
		t.Fatalf("valid message rejected: %v", err)
	}
	for _, bad := range []string{`{`, `{"loc":{"lat":1,"lon":1}}`, `{"id":"d1","loc":{"lat":95,"lon":1}}`} {
		if _, err := decodeDriver([]byte(bad)); !errors.Is(err, errInvalidMessage) {
			t.Errorf("%s: err = %v", bad, err)
		}
	}
}

type scriptedReader struct {
	msgs   []kafka.Message
	cancel context.CancelFunc
}

func (r *scriptedReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	if len(r.msgs) == 0 {
		r.cancel()
		return kafka.Message{}, ctx.Err()
	}
	m := r.msgs[0]
	r.msgs = r.msgs[1:]
	return m, nil
}

func TestConsumeIndexesValidMessagesAndSkipsBadOnes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := &fakeIndex{}
	c := &statusConsumer{index: f, geoKey: "g", retries: 1, logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	r := &scriptedReader{cancel: cancel, msgs: []kafka.Message{
		{Value: []byte(`not json`)},
		{Value: []byte(`{"id":"d7","loc":{"lat":28.6,"lon":77.2},"online":true}`)},
	}}
	if err := c.consume(ctx, r); err != nil {
		t.Fatalf("consume: %v", err)
	}
	if f.geoCalls != 1 || f.loc.Name != "d7" {
		t.Fatalf("geo calls=%d loc=%+v", f.geoCalls, f.loc)
	}
}
