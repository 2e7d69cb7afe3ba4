package storage

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/example/ambulance-dispatch/internal/models"
)

var ErrNotFound = errors.New("not found")

// BookingStore holds the booking fields the dispatcher reads and writes.
// The conditional writes report whether they were applied.
type BookingStore interface {
	GetBooking(ctx context.Context, id string) (*models.Booking, error)
	// AssignDriver applies only while the booking is pending without a driver.
	AssignDriver(ctx context.Context, id, driverID string, distanceKm float64, at time.Time) (bool, error)
	// MarkExhausted applies only while the booking is pending.
	MarkExhausted(ctx context.Context, id, note string, at time.Time) (bool, error)
	// ReopenBooking moves an exhausted booking back to pending.
	ReopenBooking(ctx context.Context, id string, at time.Time) (bool, error)
}

// CandidatePatch lists the fields an update may set; nil leaves a field as is.
type CandidatePatch struct {
	Status        models.CandidateStatus
	CallHandle    *string
	FailureReason *string
	CallStartedAt *time.Time
	RespondedAt   *time.Time
}

// CandidateStore persists dispatch queues. UpdateCandidate is a
// compare-and-set on status: when the row is not in the expected status
// nothing is written, the current row is returned and ok is false.
type CandidateStore interface {
	InsertCandidates(ctx context.Context, cands []models.QueueCandidate) error
	GetCandidate(ctx context.Context, id string) (*models.QueueCandidate, error)
	ListCandidates(ctx context.Context, bookingID string) ([]models.QueueCandidate, error)
	UpdateCandidate(ctx context.Context, id string, expected models.CandidateStatus, patch CandidatePatch) (cur *models.QueueCandidate, ok bool, err error)
	CancelPending(ctx context.Context, bookingID string, at time.Time) (int, error)
	FindByCallHandle(ctx context.Context, handle string) (*models.QueueCandidate, error)
	ListCallingStartedBefore(ctx context.Context, cutoff time.Time) ([]models.QueueCandidate, error)
}

type MemoryStore struct {
	mu         sync.RWMutex
	bookings   map[string]*models.Booking
	candidates map[string]*models.QueueCandidate
	byBooking  map[string][]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		bookings:   make(map[string]*models.Booking),
		candidates: make(map[string]*models.QueueCandidate),
		byBooking:  make(map[string][]string),
	}
}

// SaveBooking stores b as given. Intake normally owns booking creation.
func (m *MemoryStore) SaveBooking(b *models.Booking) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *b
	m.bookings[b.ID] = &cp
}

func (m *MemoryStore) GetBooking(_ context.Context, id string) (*models.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bookings[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (m *MemoryStore) AssignDriver(_ context.Context, id, driverID string, distanceKm float64, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookings[id]
	if !ok {
		return false, ErrNotFound
	}
	if b.Status != models.BookingPending || b.DriverID != nil {
		return false, nil
	}
	b.DriverID = &driverID
	b.DriverDistanceKm = &distanceKm
	b.Status = models.BookingAssigned
	b.UpdatedAt = at
	return true, nil
}

func (m *MemoryStore) MarkExhausted(_ context.Context, id, note string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookings[id]
	if !ok {
		return false, ErrNotFound
	}
	if b.Status != models.BookingPending {
		return false, nil
	}
	b.Status = models.BookingNoDriversAvailable
	b.Remarks = appendNote(b.Remarks, note)
	b.UpdatedAt = at
	return true, nil
}

func (m *MemoryStore) ReopenBooking(_ context.Context, id string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookings[id]
	if !ok {
		return false, ErrNotFound
	}
	if b.Status != models.BookingNoDriversAvailable {
		return false, nil
	}
	b.Status = models.BookingPending
	b.UpdatedAt = at
	return true, nil
}

func (m *MemoryStore) InsertCandidates(_ context.Context, cands []models.QueueCandidate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range cands {
		if _, dup := m.candidates[c.ID]; dup {
			return errors.New("duplicate candidate id " + c.ID)
		}
	}
	for _, c := range cands {
		cp := c
		m.candidates[c.ID] = &cp
		m.byBooking[c.BookingID] = append(m.byBooking[c.BookingID], c.ID)
	}
	return nil
}

func (m *MemoryStore) GetCandidate(_ context.Context, id string) (*models.QueueCandidate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.candidates[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyCandidate(c), nil
}

func (m *MemoryStore) ListCandidates(_ context.Context, bookingID string) ([]models.QueueCandidate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.byBooking[bookingID]
	out := make([]models.QueueCandidate, 0, len(ids))
	for _, id := range ids {
		out = append(out, *copyCandidate(m.candidates[id]))
	}
	sortCandidates(out)
	return out, nil
}

func (m *MemoryStore) UpdateCandidate(_ context.Context, id string, expected models.CandidateStatus, patch CandidatePatch) (*models.QueueCandidate, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.candidates[id]
	if !ok {
		return nil, false, ErrNotFound
	}
	if c.Status != expected {
		return copyCandidate(c), false, nil
	}
	c.Status = patch.Status
	if patch.CallHandle != nil {
		c.CallHandle = *patch.CallHandle
	}
	if patch.FailureReason != nil {
		c.FailureReason = *patch.FailureReason
	}
	if patch.CallStartedAt != nil {
		t := *patch.CallStartedAt
		c.CallStartedAt = &t
	}
	if patch.RespondedAt != nil {
		t := *patch.RespondedAt
		c.RespondedAt = &t
	}
	return copyCandidate(c), true, nil
}

func (m *MemoryStore) CancelPending(_ context.Context, bookingID string, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, id := range m.byBooking[bookingID] {
		c := m.candidates[id]
		if c.Status != models.CandidatePending {
			continue
		}
		c.Status = models.CandidateCancelled
		t := at
		c.RespondedAt = &t
		n++
	}
	return n, nil
}

func (m *MemoryStore) FindByCallHandle(_ context.Context, handle string) (*models.QueueCandidate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if handle == "" {
		return nil, ErrNotFound
	}
	for _, c := range m.candidates {
		if c.CallHandle == handle {
			return copyCandidate(c), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) ListCallingStartedBefore(_ context.Context, cutoff time.Time) ([]models.QueueCandidate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.QueueCandidate
	for _, c := range m.candidates {
		if c.Status == models.CandidateCalling && c.CallStartedAt != nil && c.CallStartedAt.Before(cutoff) {
			out = append(out, *copyCandidate(c))
		}
	}
	sortCandidates(out)
	return out, nil
}

func copyCandidate(c *models.QueueCandidate) *models.QueueCandidate {
	cp := *c
	if c.CallStartedAt != nil {
		t := *c.CallStartedAt
		cp.CallStartedAt = &t
	}
	if c.RespondedAt != nil {
		t := *c.RespondedAt
		cp.RespondedAt = &t
	}
	return &cp
}

func sortCandidates(cs []models.QueueCandidate) {
	sort.Slice(cs, func(i, j int) bool {
		if cs[i].BookingID != cs[j].BookingID {
			return cs[i].BookingID < cs[j].BookingID
		}
		if cs[i].Round != cs[j].Round {
			return cs[i].Round < cs[j].Round
		}
		return cs[i].Rank < cs[j].Rank
	})
}

func appendNote(remarks, note string) string {
	if remarks == "" {
		return note
	}
	return remarks + "\n" + note
}
