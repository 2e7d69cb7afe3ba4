package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/ambulance-dispatch/internal/directory"
	"github.com/example/ambulance-dispatch/internal/models"
	"github.com/example/ambulance-dispatch/internal/storage"
)

func ranked(ids ...string) []directory.Ranked {
	out := make([]directory.Ranked, 0, len(ids))
	for i, id := range ids {
		out = append(out, directory.Ranked{
			Driver:     models.Driver{ID: id, Name: "driver " + id, Phone: "98765432" + string(rune('0'+i)) + "0"},
			DistanceKm: float64(i*4+1) + 0.004,
		})
	}
	return out
}

func TestEnqueueAssignsContiguousRanks(t *testing.T) {
	ctx := context.Background()
	q := New(storage.NewMemoryStore(), nil)

	cands, err := q.Enqueue(ctx, "b1", ranked("d1", "d2", "d3"))
	if err != nil {
		t.Fatal(err)
	}
	for i, c := range cands {
		if c.Rank != i+1 || c.Status != models.CandidatePending || c.Round != 1 {
			t.Fatalf("unexpected candidate %+v", c)
		}
		if c.ID == "" || c.BookingID != "b1" {
			t.Fatalf("missing identity %+v", c)
		}
	}
	if cands[0].DistanceKm != 1.00 || cands[1].DistanceKm != 5.00 {
		t.Fatalf("distance not rounded to 2 decimals: %v %v", cands[0].DistanceKm, cands[1].DistanceKm)
	}
}

func TestEnqueueRejectsEmptyAndActive(t *testing.T) {
	ctx := context.Background()
	q := New(storage.NewMemoryStore(), nil)
	if _, err := q.Enqueue(ctx, "b1", nil); !errors.Is(err, ErrEmptyQueue) {
		t.Fatalf("expected ErrEmptyQueue, got %v", err)
	}
	if _, err := q.Enqueue(ctx, "b1", ranked("d1")); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Enqueue(ctx, "b1", ranked("d2")); !errors.Is(err, ErrQueueActive) {
		t.Fatalf("expected ErrQueueActive, got %v", err)
	}
}

func TestEnqueueAfterExhaustionStartsNewRound(t *testing.T) {
	ctx := context.Background()
	q := New(storage.NewMemoryStore(), nil)
	first, _ := q.Enqueue(ctx, "b1", ranked("d1"))
	if _, err := q.Transition(ctx, first[0].ID, models.CandidatePending, models.CandidateCalling, Patch{}); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Transition(ctx, first[0].ID, models.CandidateCalling, models.CandidateRejected, Patch{}); err != nil {
		t.Fatal(err)
	}
	second, err := q.Enqueue(ctx, "b1", ranked("d2", "d3"))
	if err != nil {
		t.Fatal(err)
	}
	if second[0].Round != 2 || second[0].Rank != 1 || second[1].Rank != 2 {
		t.Fatalf("unexpected second round %+v", second)
	}
	next, _ := q.NextPending(ctx, "b1")
	if next == nil || next.DriverID != "d2" {
		t.Fatalf("expected d2 next, got %+v", next)
	}
}

func TestNextPendingLowestRank(t *testing.T) {
	ctx := context.Background()
	q := New(storage.NewMemoryStore(), nil)
	cands, _ := q.Enqueue(ctx, "b1", ranked("d1", "d2", "d3"))

	next, err := q.NextPending(ctx, "b1")
	if err != nil || next.ID != cands[0].ID {
		t.Fatalf("expected rank 1, got %+v err=%v", next, err)
	}
	_, _ = q.Transition(ctx, cands[0].ID, models.CandidatePending, models.CandidateCalling, Patch{})
	next, _ = q.NextPending(ctx, "b1")
	if next.ID != cands[1].ID {
		t.Fatalf("expected rank 2, got rank %d", next.Rank)
	}
	_, _ = q.CancelRemaining(ctx, "b1")
	next, _ = q.NextPending(ctx, "b1")
	if next != nil {
		t.Fatalf("expected none, got %+v", next)
	}
	if next, _ := q.NextPending(ctx, "unknown"); next != nil {
		t.Fatal("unknown booking should have no pending candidate")
	}
}

func TestTransitionRules(t *testing.T) {
	ctx := context.Background()
	q := New(storage.NewMemoryStore(), nil)
	cands, _ := q.Enqueue(ctx, "b1", ranked("d1"))
	id := cands[0].ID

	if _, err := q.Transition(ctx, id, models.CandidatePending, models.CandidateAccepted, Patch{}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("pending->accepted must be invalid, got %v", err)
	}
	started := time.Now()
	c, err := q.Transition(ctx, id, models.CandidatePending, models.CandidateCalling, Patch{CallStartedAt: &started})
	if err != nil || c.CallStartedAt == nil {
		t.Fatalf("unexpected %+v err=%v", c, err)
	}
	c, err = q.Transition(ctx, id, models.CandidateCalling, models.CandidateCalling, Patch{CallHandle: "exec-9"})
	if err != nil || c.CallHandle != "exec-9" {
		t.Fatalf("expected handle attached, got %+v err=%v", c, err)
	}
	if _, err := q.Transition(ctx, id, models.CandidateCalling, models.CandidateFailed, Patch{FailureReason: "provider 500"}); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Transition(ctx, id, models.CandidateFailed, models.CandidateCalling, Patch{}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("failed->calling must be invalid, got %v", err)
	}
}

func TestTransitionStale(t *testing.T) {
	ctx := context.Background()
	q := New(storage.NewMemoryStore(), nil)
	cands, _ := q.Enqueue(ctx, "b1", ranked("d1"))
	id := cands[0].ID
	_, _ = q.Transition(ctx, id, models.CandidatePending, models.CandidateCalling, Patch{})
	_, _ = q.Transition(ctx, id, models.CandidateCalling, models.CandidateNoAnswer, Patch{})

	cur, err := q.Transition(ctx, id, models.CandidateCalling, models.CandidateAccepted, Patch{})
	if !IsStale(err) {
		t.Fatalf("expected stale error, got %v", err)
	}
	var se *StaleTransitionError
	if !errors.As(err, &se) || se.Actual != models.CandidateNoAnswer {
		t.Fatalf("unexpected stale detail %v", err)
	}
	if cur.Status != models.CandidateNoAnswer {
		t.Fatalf("expected current row, got %s", cur.Status)
	}
}

func TestAttemptsCountsLatestRound(t *testing.T) {
	ctx := context.Background()
	q := New(storage.NewMemoryStore(), nil)
	cands, _ := q.Enqueue(ctx, "b1", ranked("d1", "d2", "d3"))
	_, _ = q.Transition(ctx, cands[0].ID, models.CandidatePending, models.CandidateCalling, Patch{})
	_, _ = q.Transition(ctx, cands[0].ID, models.CandidateCalling, models.CandidateRejected, Patch{})
	_, _ = q.Transition(ctx, cands[1].ID, models.CandidatePending, models.CandidateCalling, Patch{})
	_, _ = q.Transition(ctx, cands[1].ID, models.CandidateCalling, models.CandidateAccepted, Patch{})
	_, _ = q.CancelRemaining(ctx, "b1")

	n, err := q.Attempts(ctx, "b1")
	if err != nil || n != 2 {
		t.Fatalf("expected 2 attempts, got %d err=%v", n, err)
	}
}
