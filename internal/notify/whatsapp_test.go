package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/example/ambulance-dispatch/internal/models"
)

func TestDriverAssignedPostsTemplate(t *testing.T) {
	var got map[string]any
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	w := NewWhatsApp(srv.URL, "tok", "driver_assigned")
	b := &models.Booking{ID: "b1", PatientPhone: "9876543210"}
	c := &models.QueueCandidate{DriverName: "Ravi", DriverPhone: "+919999999999", DistanceKm: 1.5}
	if err := w.DriverAssigned(context.Background(), b, c); err != nil {
		t.Fatal(err)
	}
	if auth != "Bearer tok" || got["to"] != "919876543210" || got["type"] != "template" {
		t.Fatalf("unexpected request auth=%q body=%v", auth, got)
	}
	tpl := got["template"].(map[string]any)
	if tpl["name"] != "driver_assigned" {
		t.Fatalf("unexpected template %v", tpl)
	}
}

func TestDriverAssignedErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "template not approved", http.StatusBadRequest)
	}))
	defer srv.Close()

	w := NewWhatsApp(srv.URL, "tok", "driver_assigned")
	c := &models.QueueCandidate{}
	if err := w.DriverAssigned(context.Background(), &models.Booking{PatientPhone: "12"}, c); err == nil {
		t.Fatal("expected phone error")
	}
	if err := w.DriverAssigned(context.Background(), &models.Booking{PatientPhone: "9876543210"}, c); err == nil {
		t.Fatal("expected gateway error")
	}
}
