package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/example/ambulance-dispatch/internal/observability"
)

type timerKey struct {
	BookingID   string
	CandidateID string
}

// Token identifies one registration; a later registration for the same
// candidate invalidates older tokens.
type Token struct {
	key timerKey
	seq uint64
}

type armedTimer struct {
	seq       uint64
	timer     Timer
	startedAt time.Time
}

// Registry owns the in-memory fallback timers of in-flight calls. State is
// process-local and lost on restart; Supervisor.Reconcile covers that gap.
type Registry struct {
	clock Clock

	mu     sync.Mutex
	seq    uint64
	timers map[timerKey]*armedTimer

	sup *Supervisor
}

func NewRegistry(clock Clock) *Registry {
	if clock == nil {
		clock = RealClock()
	}
	return &Registry{clock: clock, timers: make(map[timerKey]*armedTimer)}
}

// Register arms a timer that runs onFire after d unless cancelled first.
func (r *Registry) Register(bookingID, candidateID string, d time.Duration, onFire func()) Token {
	key := timerKey{BookingID: bookingID, CandidateID: candidateID}
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.timers[key]; ok {
		prev.timer.Stop()
	}
	r.seq++
	tok := Token{key: key, seq: r.seq}
	at := &armedTimer{seq: tok.seq, startedAt: r.clock.Now()}
	r.timers[key] = at
	at.timer = r.clock.AfterFunc(d, func() {
		if r.take(tok) {
			onFire()
		}
	})
	observability.ActiveTimers.Set(float64(len(r.timers)))
	return tok
}

// take removes the registration if tok is still current.
func (r *Registry) take(tok Token) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	at, ok := r.timers[tok.key]
	if !ok || at.seq != tok.seq {
		return false
	}
	delete(r.timers, tok.key)
	observability.ActiveTimers.Set(float64(len(r.timers)))
	return true
}

// Cancel stops a pending timer. It reports false when the timer already
// fired or was cancelled.
func (r *Registry) Cancel(tok Token) bool {
	r.mu.Lock()
	at, ok := r.timers[tok.key]
	r.mu.Unlock()
	if !ok || at.seq != tok.seq {
		return false
	}
	if !r.take(tok) {
		return false
	}
	at.timer.Stop()
	return true
}

func (r *Registry) cancelKey(bookingID, candidateID string) bool {
	key := timerKey{BookingID: bookingID, CandidateID: candidateID}
	r.mu.Lock()
	at, ok := r.timers[key]
	r.mu.Unlock()
	if !ok {
		return false
	}
	return r.Cancel(Token{key: key, seq: at.seq})
}

// HasTimer reports whether candidateID has an armed timer.
func (r *Registry) HasTimer(bookingID, candidateID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.timers[timerKey{BookingID: bookingID, CandidateID: candidateID}]
	return ok
}

// StartedAt returns when the candidate's timer was armed.
func (r *Registry) StartedAt(bookingID, candidateID string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	at, ok := r.timers[timerKey{BookingID: bookingID, CandidateID: candidateID}]
	if !ok {
		return time.Time{}, false
	}
	return at.startedAt, true
}

func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.timers)
}

// MarkAccepted is the operator override for "driver confirmed". It is safe
// without a timer, e.g. after a restart.
func (r *Registry) MarkAccepted(ctx context.Context, bookingID, candidateID string) (bool, error) {
	r.cancelKey(bookingID, candidateID)
	return r.sup.HandleResponse(ctx, bookingID, candidateID, OutcomeAccepted)
}

// MarkRejected is the operator override for "driver declined"; the next
// candidate is called right away instead of waiting for the window.
func (r *Registry) MarkRejected(ctx context.Context, bookingID, candidateID string) (bool, error) {
	r.cancelKey(bookingID, candidateID)
	return r.sup.HandleResponse(ctx, bookingID, candidateID, OutcomeRejected)
}
