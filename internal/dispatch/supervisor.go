package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/example/ambulance-dispatch/internal/directory"
	"github.com/example/ambulance-dispatch/internal/models"
	"github.com/example/ambulance-dispatch/internal/observability"
	"github.com/example/ambulance-dispatch/internal/places"
	"github.com/example/ambulance-dispatch/internal/queue"
	"github.com/example/ambulance-dispatch/internal/storage"
	"github.com/example/ambulance-dispatch/internal/voice"
)

type Outcome string

const (
	OutcomeAccepted Outcome = "accepted"
	OutcomeRejected Outcome = "rejected"
)

var (
	ErrUnknownCandidate = errors.New("unknown candidate")
	ErrUnknownOutcome   = errors.New("unknown call outcome")
)

type Ranker interface {
	RankNearest(ctx context.Context, lat, lon float64, limit int, serviceType string) ([]directory.Ranked, error)
}

type Caller interface {
	PlaceCall(ctx context.Context, phone string, data voice.CallContext) voice.Result
}

type HospitalLookup interface {
	Nearest(ctx context.Context, at models.Coord) (places.Hospital, bool, error)
}

type ETA interface {
	Minutes(ctx context.Context, from, to models.Coord) int
}

type Notifier interface {
	DriverAssigned(ctx context.Context, b *models.Booking, c *models.QueueCandidate) error
}

// Deps are the collaborators of a Supervisor. Hospitals, ETA, Notifier and
// Events are optional.
type Deps struct {
	Directory Ranker
	Queue     *queue.Queue
	Bookings  storage.BookingStore
	Voice     Caller
	Registry  *Registry
	Clock     Clock
	Hospitals HospitalLookup
	ETA       ETA
	Notifier  Notifier
	Events    EventSink
	Logger    *slog.Logger
}

// Options tune a Supervisor. CallbackTimeout bounds the work one trigger (a
// request, a webhook or a timer) does after dispatch has taken it over; it
// is not tied to the caller's own deadline.
type Options struct {
	FallbackDepth   int
	Window          time.Duration
	SweepGrace      time.Duration
	CallbackTimeout time.Duration
}

// rearmDelay is the shortest wait before a timer re-armed after a failed
// resolution fires again.
const rearmDelay = 5 * time.Second

func (o Options) withDefaults() Options {
	if o.FallbackDepth <= 0 {
		o.FallbackDepth = 3
	}
	if o.Window <= 0 {
		o.Window = 60 * time.Second
	}
	if o.SweepGrace < 0 {
		o.SweepGrace = 0
	}
	if o.CallbackTimeout <= 0 {
		o.CallbackTimeout = 30 * time.Second
	}
	return o
}

// CurrentDriver is the candidate being called when StartDispatch returns.
type CurrentDriver struct {
	CandidateID string `json:"candidate_id"`
	DriverID    string `json:"driver_id"`
	Name        string `json:"name"`
	Rank        int    `json:"rank"`
	Distance    string `json:"distance"`
}

type Result struct {
	Success       bool           `json:"success"`
	Message       string         `json:"message"`
	QueueSize     int            `json:"queue_size,omitempty"`
	CurrentDriver *CurrentDriver `json:"current_driver,omitempty"`
}

// Supervisor walks a booking's candidate queue one call at a time. All work
// for one booking is serialized by a per-booking lock; the store's
// conditional update is what makes concurrent resolutions safe.
type Supervisor struct {
	dir       Ranker
	queue     *queue.Queue
	bookings  storage.BookingStore
	voice     Caller
	registry  *Registry
	clock     Clock
	hospitals HospitalLookup
	eta       ETA
	notifier  Notifier
	events    EventSink
	log       *slog.Logger
	opts      Options
	locks     *keyedMutex
}

func NewSupervisor(d Deps, o Options) *Supervisor {
	if d.Clock == nil {
		d.Clock = RealClock()
	}
	if d.Registry == nil {
		d.Registry = NewRegistry(d.Clock)
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	s := &Supervisor{
		dir:       d.Directory,
		queue:     d.Queue,
		bookings:  d.Bookings,
		voice:     d.Voice,
		registry:  d.Registry,
		clock:     d.Clock,
		hospitals: d.Hospitals,
		eta:       d.ETA,
		notifier:  d.Notifier,
		events:    d.Events,
		log:       d.Logger,
		opts:      o.withDefaults(),
		locks:     newKeyedMutex(),
	}
	d.Registry.sup = s
	return s
}

func (s *Supervisor) Registry() *Registry { return s.registry }

func refused(msg string) Result {
	observability.DispatchesStarted.WithLabelValues("refused").Inc()
	return Result{Message: msg}
}

// StartDispatch ranks the nearest drivers, queues them and calls the first
// one that can be reached. Refusals are reported in Result; only lookup and
// persistence failures are errors.
func (s *Supervisor) StartDispatch(ctx context.Context, bookingID string) (Result, error) {
	ctx, cancel := s.detach(ctx)
	defer cancel()
	unlock := s.locks.Lock(bookingID)
	defer unlock()

	b, err := s.bookings.GetBooking(ctx, bookingID)
	if err != nil {
		return Result{}, fmt.Errorf("load booking %s: %w", bookingID, err)
	}
	switch b.Status {
	case models.BookingAssigned:
		return refused("booking already has a driver assigned"), nil
	case models.BookingCompleted, models.BookingCancelled:
		return refused("booking is closed"), nil
	}
	loc, ok := b.Location()
	if !ok {
		s.log.Info("dispatch skipped", "booking_id", b.ID, "reason", "no location data")
		return refused("no location data"), nil
	}
	ranked, err := s.dir.RankNearest(ctx, loc.Lat, loc.Lon, s.opts.FallbackDepth, b.ServiceType)
	if err != nil {
		return Result{}, fmt.Errorf("rank drivers: %w", err)
	}
	if len(ranked) == 0 {
		s.log.Info("dispatch skipped", "booking_id", b.ID, "reason", "no available drivers")
		return refused("no available drivers"), nil
	}
	if b.Status == models.BookingNoDriversAvailable {
		if _, err := s.bookings.ReopenBooking(ctx, b.ID, s.clock.Now()); err != nil {
			return Result{}, fmt.Errorf("reopen booking: %w", err)
		}
		b.Status = models.BookingPending
	}
	cands, err := s.queue.Enqueue(ctx, b.ID, ranked)
	if errors.Is(err, queue.ErrQueueActive) {
		return refused("dispatch already in progress"), nil
	}
	if err != nil {
		return Result{}, err
	}
	observability.DispatchesStarted.WithLabelValues("queued").Inc()
	s.log.Info("dispatch queue created", "booking_id", b.ID, "candidates", len(cands), "round", cands[0].Round)
	s.publish(ctx, models.DispatchEvent{
		Type:      models.EventQueueCreated,
		BookingID: b.ID,
		Message:   fmt.Sprintf("%d candidate(s), round %d", len(cands), cands[0].Round),
	})

	cur, err := s.advance(ctx, b)
	if err != nil {
		return Result{QueueSize: len(cands)}, err
	}
	if cur == nil {
		return Result{Message: "no driver could be reached", QueueSize: len(cands)}, nil
	}
	return Result{
		Success:   true,
		Message:   fmt.Sprintf("calling %s (rank %d)", cur.DriverName, cur.Rank),
		QueueSize: len(cands),
		CurrentDriver: &CurrentDriver{
			CandidateID: cur.ID,
			DriverID:    cur.DriverID,
			Name:        cur.DriverName,
			Rank:        cur.Rank,
			Distance:    models.FormatDistance(cur.DistanceKm),
		},
	}, nil
}

// advance calls pending candidates in rank order until one call is placed.
// It returns nil when the queue ran out or the chain was taken over by a
// concurrent resolution. Callers hold the booking lock.
func (s *Supervisor) advance(ctx context.Context, b *models.Booking) (*models.QueueCandidate, error) {
	if b.Status != models.BookingPending {
		n, err := s.queue.CancelRemaining(ctx, b.ID)
		if err != nil {
			return nil, fmt.Errorf("cancel remaining: %w", err)
		}
		s.log.Info("dispatch stopped", "booking_id", b.ID, "status", b.Status, "cancelled", n)
		return nil, nil
	}
	loc, hasLoc := b.Location()
	for {
		next, err := s.queue.NextPending(ctx, b.ID)
		if err != nil {
			return nil, err
		}
		if next == nil {
			return nil, s.exhaust(ctx, b.ID)
		}
		cur, err := s.callCandidate(ctx, b, loc, hasLoc, next)
		switch {
		case queue.IsStale(err):
			observability.StaleTransitions.Inc()
			s.log.Info("dispatch chain superseded", "booking_id", b.ID, "candidate_id", next.ID, "err", err)
			return nil, nil
		case err != nil:
			return nil, err
		case cur != nil:
			return cur, nil
		}
	}
}

// callCandidate moves c to calling and dials the driver. A nil candidate
// with a nil error means the call could not be placed and c is now failed.
func (s *Supervisor) callCandidate(ctx context.Context, b *models.Booking, loc models.Coord, hasLoc bool, c *models.QueueCandidate) (*models.QueueCandidate, error) {
	started := s.clock.Now()
	c, err := s.queue.Transition(ctx, c.ID, models.CandidatePending, models.CandidateCalling, queue.Patch{CallStartedAt: &started})
	if err != nil {
		return nil, err
	}
	s.publish(ctx, candidateEvent(models.EventCandidateCalling, c, ""))

	res := s.voice.PlaceCall(ctx, c.DriverPhone, s.callContext(ctx, b, loc, hasLoc, c))
	if !res.Success {
		observability.CallsPlaced.WithLabelValues("failed").Inc()
		s.log.Warn("call placement failed", "booking_id", b.ID, "candidate_id", c.ID, "driver_id", c.DriverID, "err", res.ErrorMessage)
		at := s.clock.Now()
		failed, err := s.queue.Transition(ctx, c.ID, models.CandidateCalling, models.CandidateFailed, queue.Patch{
			FailureReason: res.ErrorMessage,
			RespondedAt:   &at,
		})
		if err != nil {
			return nil, err
		}
		observability.CandidateResolutions.WithLabelValues(string(models.CandidateFailed)).Inc()
		s.publish(ctx, candidateEvent(models.EventCandidateResolved, failed, res.ErrorMessage))
		return nil, nil
	}
	observability.CallsPlaced.WithLabelValues("placed").Inc()

	// Arm the fallback before persisting the handle so a failed write still
	// escalates when the window closes.
	bookingID, candidateID := b.ID, c.ID
	s.registry.Register(bookingID, candidateID, s.opts.Window, func() {
		s.onTimeout(bookingID, candidateID)
	})
	c, err = s.queue.Transition(ctx, c.ID, models.CandidateCalling, models.CandidateCalling, queue.Patch{CallHandle: res.CallHandle})
	if err != nil {
		return nil, fmt.Errorf("store call handle: %w", err)
	}
	s.log.Info("calling driver", "booking_id", b.ID, "candidate_id", c.ID, "driver_id", c.DriverID, "rank", c.Rank, "call_handle", res.CallHandle)
	return c, nil
}

func (s *Supervisor) callContext(ctx context.Context, b *models.Booking, loc models.Coord, hasLoc bool, c *models.QueueCandidate) voice.CallContext {
	cc := voice.CallContext{
		BookingID:       b.ID,
		Address:         b.Address,
		City:            b.City,
		NearestHospital: b.Hospital(),
		Distance:        models.FormatDistance(c.DistanceKm),
		PatientPhone:    b.PatientPhone,
	}
	if !hasLoc {
		return cc
	}
	if cc.NearestHospital == "" && s.hospitals != nil {
		h, ok, err := s.hospitals.Nearest(ctx, loc)
		if err != nil {
			s.log.Warn("hospital lookup failed", "booking_id", b.ID, "err", err)
		} else if ok {
			cc.NearestHospital = h.Name
		}
	}
	if s.eta != nil {
		cc.ETAMinutes = s.eta.Minutes(ctx, c.DriverLoc, loc)
	}
	return cc
}

func (s *Supervisor) onTimeout(bookingID, candidateID string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.CallbackTimeout)
	defer cancel()
	if _, err := s.HandleTimeout(ctx, bookingID, candidateID); err != nil {
		s.log.Error("timeout handling failed", "booking_id", bookingID, "candidate_id", candidateID, "err", err)
	}
}

// HandleResponse records the driver's answer. It reports false without an
// error when the candidate was already resolved.
func (s *Supervisor) HandleResponse(ctx context.Context, bookingID, candidateID string, outcome Outcome) (bool, error) {
	switch outcome {
	case OutcomeAccepted:
		return s.resolve(ctx, bookingID, candidateID, models.CandidateAccepted)
	case OutcomeRejected:
		return s.resolve(ctx, bookingID, candidateID, models.CandidateRejected)
	}
	return false, fmt.Errorf("%w: %q", ErrUnknownOutcome, outcome)
}

// HandleTimeout treats a still-calling candidate as unanswered and moves on.
func (s *Supervisor) HandleTimeout(ctx context.Context, bookingID, candidateID string) (bool, error) {
	return s.resolve(ctx, bookingID, candidateID, models.CandidateNoAnswer)
}

// HandleExternalResponse resolves the candidate owning callHandle from a
// provider callback. outcome is yes, no or no_answer.
func (s *Supervisor) HandleExternalResponse(ctx context.Context, callHandle, outcome string) (bool, error) {
	var next models.CandidateStatus
	switch strings.ToLower(strings.TrimSpace(outcome)) {
	case "yes", "accepted":
		next = models.CandidateAccepted
	case "no", "rejected":
		next = models.CandidateRejected
	case "no_answer":
		next = models.CandidateNoAnswer
	default:
		return false, fmt.Errorf("%w: %q", ErrUnknownOutcome, outcome)
	}
	c, err := s.queue.FindByCallHandle(ctx, callHandle)
	if errors.Is(err, storage.ErrNotFound) {
		return false, fmt.Errorf("%w: call handle %q", ErrUnknownCandidate, callHandle)
	}
	if err != nil {
		return false, err
	}
	return s.resolve(ctx, c.BookingID, c.ID, next)
}

func (s *Supervisor) resolve(ctx context.Context, bookingID, candidateID string, next models.CandidateStatus) (bool, error) {
	ctx, cancel := s.detach(ctx)
	defer cancel()
	unlock := s.locks.Lock(bookingID)
	defer unlock()

	c, err := s.queue.Get(ctx, candidateID)
	if errors.Is(err, storage.ErrNotFound) {
		return false, fmt.Errorf("%w: %s", ErrUnknownCandidate, candidateID)
	}
	if err != nil {
		return false, err
	}
	if c.BookingID != bookingID {
		return false, fmt.Errorf("%w: %s does not belong to booking %s", ErrUnknownCandidate, candidateID, bookingID)
	}
	if c.Status != models.CandidateCalling {
		s.log.Debug("candidate already resolved", "booking_id", bookingID, "candidate_id", candidateID, "status", c.Status, "ignored", next)
		return false, nil
	}
	s.registry.cancelKey(bookingID, candidateID)

	at := s.clock.Now()
	calling := c
	c, err = s.queue.Transition(ctx, candidateID, models.CandidateCalling, next, queue.Patch{RespondedAt: &at})
	if queue.IsStale(err) {
		observability.StaleTransitions.Inc()
		s.log.Info("candidate resolved concurrently", "booking_id", bookingID, "candidate_id", candidateID, "err", err)
		return false, nil
	}
	if err != nil {
		s.rearm(calling)
		return false, err
	}
	observability.CandidateResolutions.WithLabelValues(string(next)).Inc()
	s.log.Info("candidate resolved", "booking_id", bookingID, "candidate_id", candidateID, "driver_id", c.DriverID, "status", next)
	s.publish(ctx, candidateEvent(models.EventCandidateResolved, c, ""))

	if next == models.CandidateAccepted {
		return true, s.finalize(ctx, c)
	}
	b, err := s.bookings.GetBooking(ctx, bookingID)
	if err != nil {
		return true, fmt.Errorf("load booking %s: %w", bookingID, err)
	}
	_, err = s.advance(ctx, b)
	return true, err
}

// detach keeps dispatch work running when the caller goes away: a dropped
// operator connection must not fail the calls it started.
func (s *Supervisor) detach(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.opts.CallbackTimeout)
}

// rearm restores the fallback timer of a candidate that is still calling
// after its resolution failed to persist, so the window still closes.
func (s *Supervisor) rearm(c *models.QueueCandidate) {
	wait := s.opts.Window
	if c.CallStartedAt != nil {
		wait = c.CallStartedAt.Add(s.opts.Window).Sub(s.clock.Now())
	}
	wait = max(wait, rearmDelay)
	bookingID, candidateID := c.BookingID, c.ID
	s.registry.Register(bookingID, candidateID, wait, func() {
		s.onTimeout(bookingID, candidateID)
	})
	s.log.Warn("fallback timer re-armed", "booking_id", bookingID, "candidate_id", candidateID, "in", wait)
}

func (s *Supervisor) finalize(ctx context.Context, c *models.QueueCandidate) error {
	n, err := s.queue.CancelRemaining(ctx, c.BookingID)
	if err != nil {
		return fmt.Errorf("cancel remaining: %w", err)
	}
	now := s.clock.Now()
	applied, err := s.bookings.AssignDriver(ctx, c.BookingID, c.DriverID, c.DistanceKm, now)
	if err != nil {
		return fmt.Errorf("assign driver: %w", err)
	}
	if !applied {
		s.log.Warn("booking not assignable", "booking_id", c.BookingID, "candidate_id", c.ID, "driver_id", c.DriverID)
		return nil
	}
	observability.BookingsAssigned.Inc()
	observability.TimeToAssign.Observe(now.Sub(c.CreatedAt).Seconds())
	s.log.Info("booking assigned", "booking_id", c.BookingID, "driver_id", c.DriverID, "distance_km", c.DistanceKm, "cancelled", n)
	s.publish(ctx, candidateEvent(models.EventBookingAssigned, c, models.FormatDistance(c.DistanceKm)))

	if s.notifier == nil {
		return nil
	}
	b, err := s.bookings.GetBooking(ctx, c.BookingID)
	if err != nil {
		s.log.Warn("notify skipped", "booking_id", c.BookingID, "err", err)
		return nil
	}
	if err := s.notifier.DriverAssigned(ctx, b, c); err != nil {
		s.log.Warn("patient notification failed", "booking_id", c.BookingID, "err", err)
	}
	return nil
}

func (s *Supervisor) exhaust(ctx context.Context, bookingID string) error {
	attempts, err := s.queue.Attempts(ctx, bookingID)
	if err != nil {
		return err
	}
	now := s.clock.Now()
	note := exhaustionNote(now, attempts)
	applied, err := s.bookings.MarkExhausted(ctx, bookingID, note, now)
	if err != nil {
		return fmt.Errorf("mark exhausted: %w", err)
	}
	if !applied {
		s.log.Info("exhaustion not recorded, booking no longer pending", "booking_id", bookingID)
		return nil
	}
	observability.BookingsExhausted.Inc()
	s.log.Warn("no driver accepted", "booking_id", bookingID, "attempts", attempts)
	s.publish(ctx, models.DispatchEvent{Type: models.EventBookingExhausted, BookingID: bookingID, Message: note})
	return nil
}

func exhaustionNote(at time.Time, attempts int) string {
	return fmt.Sprintf("[%s] Dispatch exhausted: no driver accepted after %d attempt(s).", at.UTC().Format(time.RFC3339), attempts)
}

// Reconcile resolves calling candidates whose window closed while no timer
// was watching them, e.g. after a restart. It returns how many it resolved.
func (s *Supervisor) Reconcile(ctx context.Context) (int, error) {
	cutoff := s.clock.Now().Add(-(s.opts.Window + s.opts.SweepGrace))
	stale, err := s.queue.StaleCalling(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list stale candidates: %w", err)
	}
	var errs []error
	n := 0
	for _, c := range stale {
		if s.registry.HasTimer(c.BookingID, c.ID) {
			continue
		}
		ok, err := s.HandleTimeout(ctx, c.BookingID, c.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("candidate %s: %w", c.ID, err))
			continue
		}
		if ok {
			n++
		}
	}
	if n > 0 {
		s.log.Info("reconciled orphaned calls", "resolved", n)
	}
	return n, errors.Join(errs...)
}

func (s *Supervisor) publish(ctx context.Context, ev models.DispatchEvent) {
	if s.events == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = s.clock.Now()
	}
	if err := s.events.Publish(ctx, ev); err != nil {
		s.log.Warn("event publish failed", "type", ev.Type, "booking_id", ev.BookingID, "err", err)
	}
}

func candidateEvent(t models.EventType, c *models.QueueCandidate, msg string) models.DispatchEvent {
	return models.DispatchEvent{
		Type:        t,
		BookingID:   c.BookingID,
		CandidateID: c.ID,
		DriverID:    c.DriverID,
		Rank:        c.Rank,
		Status:      c.Status,
		Message:     msg,
	}
}
