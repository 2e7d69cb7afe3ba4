package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ambulance-dispatch/internal/dispatch"
	"github.com/example/ambulance-dispatch/internal/geo"
	"github.com/example/ambulance-dispatch/internal/models"
	"github.com/example/ambulance-dispatch/internal/observability"
	"github.com/example/ambulance-dispatch/internal/queue"
	"github.com/example/ambulance-dispatch/internal/storage"
)

// LocationPublisher forwards driver status updates to the stream consumer.
type LocationPublisher interface {
	PublishLocation(ctx context.Context, d models.Driver) error
}

// Deps wires the server. Locations, Feed and Ready are optional.
type Deps struct {
	Supervisor *dispatch.Supervisor
	Queue      *queue.Queue
	Drivers    geo.DriverUpdater
	Locations  LocationPublisher
	Feed       *dispatch.OperatorFeed
	Ready      func(ctx context.Context) error
}

type Server struct {
	sup       *dispatch.Supervisor
	queue     *queue.Queue
	drivers   geo.DriverUpdater
	locations LocationPublisher
	feed      *dispatch.OperatorFeed
	ready     func(ctx context.Context) error
	logger    *slog.Logger
	mux       *mux.Router
}

func NewServer(logger *slog.Logger, d Deps) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		sup:       d.Supervisor,
		queue:     d.Queue,
		drivers:   d.Drivers,
		locations: d.Locations,
		feed:      d.Feed,
		ready:     d.Ready,
		logger:    logger,
		mux:       mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1/bookings/{booking_id}").Subrouter()
	api.HandleFunc("/dispatch", s.handleStartDispatch).Methods("POST")
	api.HandleFunc("/candidates", s.handleListCandidates).Methods("GET")
	api.HandleFunc("/candidates/{candidate_id}/accept", s.handleOverride(dispatch.OutcomeAccepted)).Methods("POST")
	api.HandleFunc("/candidates/{candidate_id}/reject", s.handleOverride(dispatch.OutcomeRejected)).Methods("POST")

	s.mux.HandleFunc("/webhooks/voice", s.handleVoiceWebhook).Methods("POST")
	s.mux.HandleFunc("/internal/driver/status", s.handleDriverStatus).Methods("POST")
	s.mux.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	if s.feed != nil {
		s.mux.HandleFunc("/ws/operators", s.handleWS)
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleStartDispatch(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["booking_id"]
	res, err := s.sup.StartDispatch(r.Context(), id)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	status := http.StatusOK
	if !res.Success {
		status = http.StatusConflict
	}
	writeJSON(w, status, res)
}

func (s *Server) handleListCandidates(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["booking_id"]
	cands, err := s.queue.List(r.Context(), id)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if cands == nil {
		cands = []models.QueueCandidate{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"booking_id": id, "candidates": cands})
}

func (s *Server) handleOverride(outcome dispatch.Outcome) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		reg := s.sup.Registry()
		var (
			applied bool
			err     error
		)
		if outcome == dispatch.OutcomeAccepted {
			applied, err = reg.MarkAccepted(r.Context(), vars["booking_id"], vars["candidate_id"])
		} else {
			applied, err = reg.MarkRejected(r.Context(), vars["booking_id"], vars["candidate_id"])
		}
		if err != nil {
			s.writeErr(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"applied": applied})
	}
}

type voiceWebhook struct {
	ExecutionID string `json:"execution_id"`
	Outcome     string `json:"outcome"`
}

func (s *Server) handleVoiceWebhook(w http.ResponseWriter, r *http.Request) {
	var body voiceWebhook
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}
	if body.ExecutionID == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("execution_id is required"))
		return
	}
	applied, err := s.sup.HandleExternalResponse(r.Context(), body.ExecutionID, body.Outcome)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"applied": applied})
}

func (s *Server) handleDriverStatus(w http.ResponseWriter, r *http.Request) {
	var d models.Driver
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}
	if d.ID == "" || !d.Loc.Valid() {
		writeJSON(w, http.StatusBadRequest, errorBody("driver id and a valid location are required"))
		return
	}
	if err := s.drivers.UpsertDriver(r.Context(), d); err != nil {
		s.writeErr(w, r, err)
		return
	}
	// the consumer keeps the redis index current for other instances
	if s.locations != nil {
		if err := s.locations.PublishLocation(r.Context(), d); err != nil {
			s.requestLogger(r).Warn("driver status publish failed", "driver_id", d.ID, "err", err)
		}
	}
	observability.DriverStatusUpdates.Inc()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.requestLogger(r).Warn("ws upgrade failed", "err", err)
		return
	}
	s.feed.Serve(conn)
}

func (s *Server) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, dispatch.ErrUnknownCandidate):
		writeJSON(w, http.StatusNotFound, errorBody(err.Error()))
	case errors.Is(err, dispatch.ErrUnknownOutcome):
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
	default:
		s.requestLogger(r).Error("request failed", "path", r.URL.Path, "err", err)
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
	}
}

func errorBody(msg string) map[string]string { return map[string]string{"error": msg} }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
