package availability

import (
	"errors"
	"fmt"

	"github.com/clinic/scheduler/internal/domain/catalog"
)

var (
	ErrUnknownAppointmentType = catalog.ErrUnknownType
	ErrSlotUnavailable        = errors.New("slot is no longer available")
	ErrNoAvailability         = errors.New("no availability within lookahead")
	ErrBookingNotFound        = errors.New("booking not found")
	ErrAlreadyCancelled       = errors.New("booking already cancelled")
	// ErrConflict is returned by a BookingStore when a create would overlap
	// an active booking. The coordinator reports it as ErrSlotUnavailable.
	ErrConflict = errors.New("booking overlaps an active booking")
)

// ValidationError names the request field that failed.
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// InvalidStateError reports busy data that is unsorted or overlapping.
type InvalidStateError struct {
	Index  int
	Reason string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("invalid busy interval set at index %d: %s", e.Index, e.Reason)
}

// StoreError wraps a transport or storage failure from a BookingStore.
// It never means the slot was taken.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("booking store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// ScheduleSourceError wraps a failure fetching working hours or busy data.
type ScheduleSourceError struct {
	Op  string
	Err error
}

func (e *ScheduleSourceError) Error() string {
	return fmt.Sprintf("schedule source %s: %v", e.Op, e.Err)
}

func (e *ScheduleSourceError) Unwrap() error { return e.Err }

// Remedy is the action a caller should take after a failed operation.
type Remedy string

const (
	RemedyNone            Remedy = ""
	RemedyCorrectInput    Remedy = "correct_input"
	RemedyPickAnotherTime Remedy = "pick_another_time"
	RemedyTryAgainLater   Remedy = "try_again_later"
)

// RemedyFor classifies err so a rejected request always tells the caller
// whether to fix the input, choose another time, or retry later.
func RemedyFor(err error) Remedy {
	var (
		verr  *ValidationError
		serr  *StoreError
		sserr *ScheduleSourceError
		ierr  *InvalidStateError
	)
	switch {
	case err == nil:
		return RemedyNone
	case errors.As(err, &verr), errors.Is(err, ErrUnknownAppointmentType):
		return RemedyCorrectInput
	case errors.Is(err, ErrSlotUnavailable), errors.Is(err, ErrConflict), errors.Is(err, ErrNoAvailability):
		return RemedyPickAnotherTime
	case errors.As(err, &serr), errors.As(err, &sserr), errors.As(err, &ierr):
		return RemedyTryAgainLater
	default:
		return RemedyNone
	}
}
