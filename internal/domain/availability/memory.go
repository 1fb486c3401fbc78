package availability

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryLedger is an in-process Ledger. Create checks for overlap and
// inserts under one mutex, which makes it atomic.
type MemoryLedger struct {
	mu       sync.RWMutex
	bookings map[uuid.UUID]*Booking
	now      func() time.Time
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		bookings: make(map[uuid.UUID]*Booking),
		now:      time.Now,
	}
}

func (m *MemoryLedger) Create(_ context.Context, slot Slot, patient PatientInfo) (*Booking, error) {
	if !slot.Start.Before(slot.End) {
		return nil, &ValidationError{Field: "slot", Reason: "start must be before end"}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	iv := slot.Interval()
	for _, b := range m.bookings {
		if b.Status == StatusActive && b.Slot.Interval().Overlaps(iv) {
			return nil, ErrConflict
		}
	}

	b := &Booking{
		ID:        uuid.New(),
		Slot:      slot,
		Patient:   patient,
		Status:    StatusActive,
		CreatedAt: m.now().UTC(),
	}
	m.bookings[b.ID] = b
	return copyBooking(b), nil
}

func (m *MemoryLedger) Cancel(_ context.Context, id uuid.UUID, reason string) (*Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.bookings[id]
	if !ok {
		return nil, ErrBookingNotFound
	}
	if b.Status == StatusCancelled {
		return nil, ErrAlreadyCancelled
	}
	now := m.now().UTC()
	b.Status = StatusCancelled
	b.CancellationReason = reason
	b.CancelledAt = &now
	return copyBooking(b), nil
}

func (m *MemoryLedger) Get(_ context.Context, id uuid.UUID) (*Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.bookings[id]
	if !ok {
		return nil, ErrBookingNotFound
	}
	return copyBooking(b), nil
}

func (m *MemoryLedger) List(_ context.Context, filter ListFilter) ([]*Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Booking
	for _, b := range m.bookings {
		if filter.Matches(b) {
			result = append(result, copyBooking(b))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Slot.Start.Equal(result[j].Slot.Start) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].Slot.Start.Before(result[j].Slot.Start)
	})
	return result, nil
}

func (m *MemoryLedger) BusyIntervals(_ context.Context, from, to time.Time) (BusyIntervalSet, error) {
	window := TimeInterval{Start: from, End: to}

	m.mu.RLock()
	defer m.mu.RUnlock()

	busy := BusyIntervalSet{}
	for _, b := range m.bookings {
		if b.Status != StatusActive {
			continue
		}
		iv := b.Slot.Interval()
		if iv.Overlaps(window) {
			busy = append(busy, iv)
		}
	}
	sort.Slice(busy, func(i, j int) bool { return busy[i].Start.Before(busy[j].Start) })
	return busy, nil
}

func copyBooking(b *Booking) *Booking {
	c := *b
	if b.CancelledAt != nil {
		t := *b.CancelledAt
		c.CancelledAt = &t
	}
	return &c
}
