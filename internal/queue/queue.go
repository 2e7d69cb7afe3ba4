package queue

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/example/ambulance-dispatch/internal/directory"
	"github.com/example/ambulance-dispatch/internal/models"
	"github.com/example/ambulance-dispatch/internal/storage"
)

var (
	ErrEmptyQueue        = errors.New("no candidates to enqueue")
	ErrQueueActive       = errors.New("booking already has an active dispatch queue")
	ErrInvalidTransition = errors.New("invalid candidate transition")
)

// StaleTransitionError means the candidate was not in the expected status
// when the update ran. Callers treat it as a lost race, not a failure.
type StaleTransitionError struct {
	CandidateID string
	Expected    models.CandidateStatus
	Actual      models.CandidateStatus
}

func (e *StaleTransitionError) Error() string {
	return fmt.Sprintf("candidate %s: expected status %s, found %s", e.CandidateID, e.Expected, e.Actual)
}

func IsStale(err error) bool {
	var se *StaleTransitionError
	return errors.As(err, &se)
}

var allowed = map[models.CandidateStatus][]models.CandidateStatus{
	models.CandidatePending: {models.CandidateCalling, models.CandidateCancelled},
	models.CandidateCalling: {models.CandidateCalling, models.CandidateAccepted, models.CandidateRejected, models.CandidateNoAnswer, models.CandidateFailed},
}

func validTransition(from, to models.CandidateStatus) bool {
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Patch carries optional fields written together with a status change.
type Patch struct {
	CallHandle    string
	FailureReason string
	CallStartedAt *time.Time
	RespondedAt   *time.Time
}

// Queue is the per-booking ranked candidate list.
type Queue struct {
	store storage.CandidateStore
	now   func() time.Time
}

func New(store storage.CandidateStore, now func() time.Time) *Queue {
	if now == nil {
		now = time.Now
	}
	return &Queue{store: store, now: now}
}

// Enqueue persists ranked as a new round of pending candidates, rank = index+1.
func (q *Queue) Enqueue(ctx context.Context, bookingID string, ranked []directory.Ranked) ([]models.QueueCandidate, error) {
	if len(ranked) == 0 {
		return nil, ErrEmptyQueue
	}
	existing, err := q.store.ListCandidates(ctx, bookingID)
	if err != nil {
		return nil, fmt.Errorf("list candidates: %w", err)
	}
	round := 0
	for _, c := range existing {
		if c.Status == models.CandidatePending || c.Status == models.CandidateCalling {
			return nil, ErrQueueActive
		}
		if c.Round > round {
			round = c.Round
		}
	}
	round++
	now := q.now()
	cands := make([]models.QueueCandidate, 0, len(ranked))
	for i, r := range ranked {
		cands = append(cands, models.QueueCandidate{
			ID:          uuid.NewString(),
			BookingID:   bookingID,
			DriverID:    r.Driver.ID,
			DriverName:  r.Driver.Name,
			DriverPhone: r.Driver.Phone,
			DriverLoc:   r.Driver.Loc,
			Round:       round,
			Rank:        i + 1,
			Status:      models.CandidatePending,
			DistanceKm:  roundKm(r.DistanceKm),
			CreatedAt:   now,
		})
	}
	if err := q.store.InsertCandidates(ctx, cands); err != nil {
		return nil, fmt.Errorf("insert candidates: %w", err)
	}
	return cands, nil
}

// NextPending returns the lowest-rank pending candidate of the latest round,
// or nil when none is left.
func (q *Queue) NextPending(ctx context.Context, bookingID string) (*models.QueueCandidate, error) {
	cands, err := q.store.ListCandidates(ctx, bookingID)
	if err != nil {
		return nil, fmt.Errorf("list candidates: %w", err)
	}
	round := latestRound(cands)
	var next *models.QueueCandidate
	for i := range cands {
		c := &cands[i]
		if c.Round != round || c.Status != models.CandidatePending {
			continue
		}
		if next == nil || c.Rank < next.Rank {
			next = c
		}
	}
	return next, nil
}

// Transition moves a candidate from expected to next. It is the only write
// path for single candidates.
func (q *Queue) Transition(ctx context.Context, candidateID string, expected, next models.CandidateStatus, p Patch) (*models.QueueCandidate, error) {
	if !validTransition(expected, next) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, expected, next)
	}
	patch := storage.CandidatePatch{Status: next, CallStartedAt: p.CallStartedAt, RespondedAt: p.RespondedAt}
	if p.CallHandle != "" {
		patch.CallHandle = &p.CallHandle
	}
	if p.FailureReason != "" {
		patch.FailureReason = &p.FailureReason
	}
	cur, ok, err := q.store.UpdateCandidate(ctx, candidateID, expected, patch)
	if err != nil {
		return nil, err
	}
	if !ok {
		return cur, &StaleTransitionError{CandidateID: candidateID, Expected: expected, Actual: cur.Status}
	}
	return cur, nil
}

// CancelRemaining cancels every still-pending candidate of the booking.
func (q *Queue) CancelRemaining(ctx context.Context, bookingID string) (int, error) {
	return q.store.CancelPending(ctx, bookingID, q.now())
}

func (q *Queue) Get(ctx context.Context, candidateID string) (*models.QueueCandidate, error) {
	return q.store.GetCandidate(ctx, candidateID)
}

func (q *Queue) FindByCallHandle(ctx context.Context, handle string) (*models.QueueCandidate, error) {
	return q.store.FindByCallHandle(ctx, handle)
}

// List returns the full audit trail ordered by round then rank.
func (q *Queue) List(ctx context.Context, bookingID string) ([]models.QueueCandidate, error) {
	return q.store.ListCandidates(ctx, bookingID)
}

// Attempts counts resolved, non-cancelled candidates in the latest round.
func (q *Queue) Attempts(ctx context.Context, bookingID string) (int, error) {
	cands, err := q.store.ListCandidates(ctx, bookingID)
	if err != nil {
		return 0, err
	}
	round := latestRound(cands)
	n := 0
	for _, c := range cands {
		if c.Round == round && c.Status.Resolved() && c.Status != models.CandidateCancelled {
			n++
		}
	}
	return n, nil
}

func (q *Queue) StaleCalling(ctx context.Context, cutoff time.Time) ([]models.QueueCandidate, error) {
	return q.store.ListCallingStartedBefore(ctx, cutoff)
}

func latestRound(cands []models.QueueCandidate) int {
	round := 0
	for _, c := range cands {
		if c.Round > round {
			round = c.Round
		}
	}
	return round
}

func roundKm(km float64) float64 {
	return math.Round(km*100) / 100
}
