package availability

import (
	"sort"
)

// DefaultStepMinutes is the finest start-time granularity offered to patients.
const DefaultStepMinutes = 15

// SlotSpec sizes the slots ComputeSlots produces.
type SlotSpec struct {
	AppointmentTypeID string
	DurationMinutes   int
	StepMinutes       int
}

// ComputeSlots returns every free slot of the requested duration inside
// window, in strictly ascending start order.
//
// Candidate starts are window.Start + n*step, computed as wall-clock
// minutes from the day origin and resolved through window.At, so a DST
// change inside the window shifts boundaries but never accumulates drift.
// A candidate that resolves to an instant not after its predecessor (the
// skipped hour of a spring-forward change) is dropped.
//
// busy is checked before use; unsorted or overlapping data yields an
// *InvalidStateError rather than a guess. A closed window yields an empty,
// non-nil result.
func ComputeSlots(window WorkingWindow, busy BusyIntervalSet, spec SlotSpec) ([]Slot, error) {
	if spec.DurationMinutes <= 0 {
		return nil, &ValidationError{Field: "duration", Reason: "must be positive"}
	}
	step := spec.StepMinutes
	if step <= 0 {
		step = DefaultStepMinutes
	}
	if err := busy.Validate(); err != nil {
		return nil, err
	}

	slots := []Slot{}
	if !window.Open {
		return slots, nil
	}

	duration := ClockTime(spec.DurationMinutes)
	windowEnd := window.At(window.End)
	for c := window.Start; c+duration <= window.End; c += ClockTime(step) {
		start := window.At(c)
		end := window.At(c + duration)
		if !start.Before(end) || end.After(windowEnd) {
			continue
		}
		if n := len(slots); n > 0 && !start.After(slots[n-1].Start) {
			continue
		}
		if overlapsBusy(busy, TimeInterval{Start: start, End: end}) {
			continue
		}
		slots = append(slots, Slot{Start: start, End: end, AppointmentTypeID: spec.AppointmentTypeID})
	}
	return slots, nil
}

// overlapsBusy relies on busy being sorted and disjoint, which makes the
// end times ascending as well.
func overlapsBusy(busy BusyIntervalSet, iv TimeInterval) bool {
	i := sort.Search(len(busy), func(i int) bool {
		return busy[i].End.After(iv.Start)
	})
	return i < len(busy) && busy[i].Start.Before(iv.End)
}
