package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/example/ambulance-dispatch/internal/directory"
	"github.com/example/ambulance-dispatch/internal/dispatch"
	"github.com/example/ambulance-dispatch/internal/geo"
	"github.com/example/ambulance-dispatch/internal/models"
	"github.com/example/ambulance-dispatch/internal/queue"
	"github.com/example/ambulance-dispatch/internal/storage"
	"github.com/example/ambulance-dispatch/internal/voice"
)

// stillClock never fires timers; tests resolve candidates explicitly.
type stillClock struct{ now time.Time }

type stillTimer struct{}

func (stillTimer) Stop() bool { return true }

func (c stillClock) Now() time.Time { return c.now }

func (c stillClock) AfterFunc(time.Duration, func()) dispatch.Timer { return stillTimer{} }

type countingCaller struct {
	mu sync.Mutex
	n  int
}

func (c *countingCaller) PlaceCall(context.Context, string, voice.CallContext) voice.Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	return voice.Result{Success: true, CallHandle: fmt.Sprintf("exec-%d", c.n)}
}

type recordingPublisher struct{ drivers []models.Driver }

func (p *recordingPublisher) PublishLocation(_ context.Context, d models.Driver) error {
	p.drivers = append(p.drivers, d)
	return nil
}

type fixture struct {
	srv   *Server
	store *storage.MemoryStore
	index *geo.Index
	pub   *recordingPublisher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := stillClock{now: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)}
	store := storage.NewMemoryStore()
	index := geo.NewIndex()
	for i, lat := range []float64{28.609, 28.645, 28.681} {
		index.Upsert(models.Driver{
			ID:        fmt.Sprintf("d%d", i+1),
			Name:      fmt.Sprintf("Driver %d", i+1),
			Phone:     fmt.Sprintf("+91980000000%d", i+1),
			Loc:       models.Coord{Lat: lat, Lon: 77.20},
			Available: true,
			Online:    true,
		})
	}
	store.SaveBooking(&models.Booking{ID: "b1", Remarks: "Location: 28.60,77.20", Status: models.BookingPending})

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	q := queue.New(store, clock.Now)
	sup := dispatch.NewSupervisor(dispatch.Deps{
		Directory: directory.New(index),
		Queue:     q,
		Bookings:  store,
		Voice:     &countingCaller{},
		Clock:     clock,
		Logger:    logger,
	}, dispatch.Options{})
	pub := &recordingPublisher{}
	srv := NewServer(logger, Deps{Supervisor: sup, Queue: q, Drivers: index, Locations: pub})
	return &fixture{srv: srv, store: store, index: index, pub: pub}
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestDispatchLifecycleOverHTTP(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, "POST", "/api/v1/bookings/b1/dispatch", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("dispatch status %d: %s", rec.Code, rec.Body.String())
	}
	res := decode[dispatch.Result](t, rec)
	if !res.Success || res.QueueSize != 3 || res.CurrentDriver.DriverID != "d1" || res.CurrentDriver.Distance != "1.00 km" {
		t.Fatalf("result = %+v", res)
	}

	rec = f.do(t, "GET", "/api/v1/bookings/b1/candidates", "")
	list := decode[struct {
		Candidates []models.QueueCandidate `json:"candidates"`
	}](t, rec)
	if len(list.Candidates) != 3 {
		t.Fatalf("candidates = %+v", list)
	}

	rec = f.do(t, "POST", "/api/v1/bookings/b1/candidates/"+list.Candidates[0].ID+"/reject", "")
	if got := decode[map[string]bool](t, rec); rec.Code != http.StatusOK || !got["applied"] {
		t.Fatalf("reject: %d %v", rec.Code, got)
	}

	rec = f.do(t, "POST", "/webhooks/voice", `{"execution_id":"exec-2","outcome":"yes"}`)
	if got := decode[map[string]bool](t, rec); rec.Code != http.StatusOK || !got["applied"] {
		t.Fatalf("webhook: %d %v", rec.Code, got)
	}
	b, _ := f.store.GetBooking(context.Background(), "b1")
	if b.Status != models.BookingAssigned || *b.DriverID != "d2" {
		t.Fatalf("booking = %+v", b)
	}

	rec = f.do(t, "POST", "/api/v1/bookings/b1/dispatch", "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("redispatch of assigned booking: %d", rec.Code)
	}
}

func TestErrorMapping(t *testing.T) {
	f := newFixture(t)
	cases := []struct {
		method, path, body string
		want               int
	}{
		{"POST", "/api/v1/bookings/nope/dispatch", "", http.StatusNotFound},
		{"POST", "/api/v1/bookings/b1/candidates/nope/accept", "", http.StatusNotFound},
		{"POST", "/webhooks/voice", `{"execution_id":"exec-9","outcome":"yes"}`, http.StatusNotFound},
		{"POST", "/webhooks/voice", `{"execution_id":"exec-1","outcome":"perhaps"}`, http.StatusBadRequest},
		{"POST", "/webhooks/voice", `{"outcome":"yes"}`, http.StatusBadRequest},
		{"POST", "/webhooks/voice", `not json`, http.StatusBadRequest},
	}
	for _, c := range cases {
		rec := f.do(t, c.method, c.path, c.body)
		if rec.Code != c.want {
			t.Errorf("%s %s %s: got %d want %d (%s)", c.method, c.path, c.body, rec.Code, c.want, rec.Body.String())
		}
	}
}

func TestDriverStatusUpdatesIndexAndStream(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, "POST", "/internal/driver/status",
		`{"id":"d9","name":"New","phone":"+919811111111","loc":{"lat":28.61,"lon":77.21},"is_available":true,"online":true}`)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	d, ok := f.index.Get("d9")
	if !ok || !d.Available || d.Loc.Lat != 28.61 {
		t.Fatalf("index = %+v %v", d, ok)
	}
	if len(f.pub.drivers) != 1 || f.pub.drivers[0].ID != "d9" {
		t.Fatalf("published = %+v", f.pub.drivers)
	}

	rec = f.do(t, "POST", "/internal/driver/status", `{"id":"d9","loc":{"lat":123,"lon":0}}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid location accepted: %d", rec.Code)
	}
}

func TestHealthAndRequestID(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, "GET", "/healthz", "")
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("healthz: %d %q", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatal("missing generated request id")
	}

	req := httptest.NewRequest("GET", "/healthz", nil)
	req.Header.Set("X-Request-ID", "abc")
	rec = httptest.NewRecorder()
	f.srv.ServeHTTP(rec, req)
	if rec.Header().Get("X-Request-ID") != "abc" {
		t.Fatalf("request id not echoed: %q", rec.Header().Get("X-Request-ID"))
	}
}

func TestPanicBecomesJSON500(t *testing.T) {
	f := newFixture(t)
	f.srv.mux.HandleFunc("/boom", func(http.ResponseWriter, *http.Request) { panic("kaboom") })
	rec := f.do(t, "GET", "/boom", "")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status %d", rec.Code)
	}
	if got := decode[map[string]string](t, rec); got["error"] != "internal error" {
		t.Fatalf("body = %v", got)
	}
}
