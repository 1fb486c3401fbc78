package availability

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ScheduleSource supplies the working window and committed intervals for
// a calendar day. BusyIntervals must be sorted and disjoint.
type ScheduleSource interface {
	WorkingWindow(ctx context.Context, date time.Time) (WorkingWindow, error)
	BusyIntervals(ctx context.Context, date time.Time) (BusyIntervalSet, error)
}

// BookingStore persists bookings. Create must reject, atomically, any
// slot that overlaps an active booking by returning ErrConflict.
type BookingStore interface {
	Create(ctx context.Context, slot Slot, patient PatientInfo) (*Booking, error)
	Cancel(ctx context.Context, id uuid.UUID, reason string) (*Booking, error)
	Get(ctx context.Context, id uuid.UUID) (*Booking, error)
	List(ctx context.Context, filter ListFilter) ([]*Booking, error)
}

// BusyReader returns the active intervals intersecting [from, to), sorted.
type BusyReader interface {
	BusyIntervals(ctx context.Context, from, to time.Time) (BusyIntervalSet, error)
}

// Ledger is a BookingStore that can also feed a ScheduleSource.
type Ledger interface {
	BookingStore
	BusyReader
}

// DayLocker serializes commits for one key, typically a calendar day.
// The returned function releases the lock.
type DayLocker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

// ListFilter selects bookings whose start falls in [From, To). Zero times
// are unbounded and an empty Status matches every status.
type ListFilter struct {
	From   time.Time
	To     time.Time
	Status BookingStatus
}

func (f ListFilter) Matches(b *Booking) bool {
	if f.Status != "" && b.Status != f.Status {
		return false
	}
	if !f.From.IsZero() && b.Slot.Start.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !b.Slot.Start.Before(f.To) {
		return false
	}
	return true
}

// Transactor is implemented by stores that can group several calls into
// one atomic unit. Coordinator.Reschedule uses it when available.
type Transactor interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}
