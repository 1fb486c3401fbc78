package availability

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/clinic/scheduler/internal/domain/catalog"
)

const (
	DefaultLookaheadDays = 30
	MaxRangeDays         = 31
	DefaultCallTimeout   = 5 * time.Second
)

type QueryConfig struct {
	StepMinutes          int
	DefaultLookaheadDays int
	CallTimeout          time.Duration
	Location             *time.Location
}

// DaySlots groups the free slots of one calendar day.
type DaySlots struct {
	Date  string `json:"date"`
	Slots []Slot `json:"slots"`
}

// Query answers availability questions from fresh ScheduleSource data on
// every call. It keeps no state between calls.
type Query struct {
	catalog *catalog.Catalog
	source  ScheduleSource
	cfg     QueryConfig
	logger  zerolog.Logger
}

func NewQuery(cat *catalog.Catalog, source ScheduleSource, cfg QueryConfig, logger zerolog.Logger) *Query {
	if cfg.StepMinutes <= 0 {
		cfg.StepMinutes = DefaultStepMinutes
	}
	if cfg.DefaultLookaheadDays <= 0 {
		cfg.DefaultLookaheadDays = DefaultLookaheadDays
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	return &Query{
		catalog: cat,
		source:  source,
		cfg:     cfg,
		logger:  logger.With().Str("component", "availability").Logger(),
	}
}

func (q *Query) Catalog() *catalog.Catalog { return q.catalog }
func (q *Query) Location() *time.Location  { return q.cfg.Location }
func (q *Query) LookaheadDays() int        { return q.cfg.DefaultLookaheadDays }

// Day returns midnight in the clinic location for date's calendar day.
func (q *Query) Day(date time.Time) time.Time {
	y, m, d := date.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, q.cfg.Location)
}

// SlotsOnDate returns the free slots for typeID on date's calendar day.
func (q *Query) SlotsOnDate(ctx context.Context, date time.Time, typeID string) ([]Slot, error) {
	duration, err := q.catalog.Duration(typeID)
	if err != nil {
		return nil, err
	}
	return q.slotsOnDay(ctx, q.Day(date), typeID, duration)
}

func (q *Query) slotsOnDay(ctx context.Context, day time.Time, typeID string, duration int) ([]Slot, error) {
	window, err := q.workingWindow(ctx, day)
	if err != nil {
		return nil, err
	}
	if !window.Open {
		return []Slot{}, nil
	}
	busy, err := q.busyIntervals(ctx, day)
	if err != nil {
		return nil, err
	}

	slots, err := ComputeSlots(window, busy, SlotSpec{
		AppointmentTypeID: typeID,
		DurationMinutes:   duration,
		StepMinutes:       q.cfg.StepMinutes,
	})
	if err != nil {
		var invalid *InvalidStateError
		if errors.As(err, &invalid) {
			q.logger.Error().Err(err).
				Str("date", day.Format(time.DateOnly)).
				Int("busy_count", len(busy)).
				Msg("schedule source returned inconsistent busy intervals")
		}
		return nil, err
	}
	return slots, nil
}

// NextAvailableSlot scans lookaheadDays calendar days starting at from's
// day and returns the first free slot that does not start before from.
// A non-positive lookaheadDays uses the configured default.
func (q *Query) NextAvailableSlot(ctx context.Context, typeID string, from time.Time, lookaheadDays int) (Slot, error) {
	duration, err := q.catalog.Duration(typeID)
	if err != nil {
		return Slot{}, err
	}
	if lookaheadDays <= 0 {
		lookaheadDays = q.cfg.DefaultLookaheadDays
	}

	from = from.In(q.cfg.Location)
	first := q.Day(from)
	for i := 0; i < lookaheadDays; i++ {
		day := first.AddDate(0, 0, i)
		slots, err := q.slotsOnDay(ctx, day, typeID, duration)
		if err != nil {
			return Slot{}, err
		}
		for _, s := range slots {
			if !s.Start.Before(from) {
				return s, nil
			}
		}
	}

	q.logger.Debug().
		Str("appointment_type", typeID).
		Str("from", first.Format(time.DateOnly)).
		Int("lookahead_days", lookaheadDays).
		Msg("no availability in lookahead")
	return Slot{}, fmt.Errorf("%w: %s from %s within %d days", ErrNoAvailability, typeID, first.Format(time.DateOnly), lookaheadDays)
}

// FindSlot looks for the exact interval [start, start+duration) among the
// free slots of date. Matching is by bounds.
func (q *Query) FindSlot(ctx context.Context, date time.Time, start ClockTime, typeID string) (Slot, bool, error) {
	duration, err := q.catalog.Duration(typeID)
	if err != nil {
		return Slot{}, false, err
	}
	day := q.Day(date)
	want := Slot{
		Start: time.Date(day.Year(), day.Month(), day.Day(), 0, int(start), 0, 0, q.cfg.Location),
		End:   time.Date(day.Year(), day.Month(), day.Day(), 0, int(start)+duration, 0, 0, q.cfg.Location),
	}

	slots, err := q.slotsOnDay(ctx, day, typeID, duration)
	if err != nil {
		return Slot{}, false, err
	}
	for _, s := range slots {
		if s.SameBounds(want) {
			return s, true, nil
		}
	}
	return Slot{}, false, nil
}

// IsAvailable reports whether [start, start+duration) is a free slot on date.
func (q *Query) IsAvailable(ctx context.Context, date time.Time, start ClockTime, typeID string) (bool, error) {
	_, ok, err := q.FindSlot(ctx, date, start, typeID)
	return ok, err
}

// SlotsInRange returns free slots for every day in [from, to], inclusive.
func (q *Query) SlotsInRange(ctx context.Context, from, to time.Time, typeID string) ([]DaySlots, error) {
	duration, err := q.catalog.Duration(typeID)
	if err != nil {
		return nil, err
	}
	first, last := q.Day(from), q.Day(to)
	if last.Before(first) {
		return nil, &ValidationError{Field: "to", Reason: "must not be before from"}
	}

	var out []DaySlots
	for day := first; !day.After(last); day = day.AddDate(0, 0, 1) {
		if len(out) == MaxRangeDays {
			return nil, &ValidationError{Field: "to", Reason: fmt.Sprintf("range exceeds %d days", MaxRangeDays)}
		}
		slots, err := q.slotsOnDay(ctx, day, typeID, duration)
		if err != nil {
			return nil, err
		}
		out = append(out, DaySlots{Date: day.Format(time.DateOnly), Slots: slots})
	}
	return out, nil
}

// DaySummary describes a day's working window, bookings and free time.
func (q *Query) DaySummary(ctx context.Context, date time.Time) (DaySchedule, error) {
	day := q.Day(date)
	out := DaySchedule{
		Date:    day.Format(time.DateOnly),
		Weekday: day.Weekday().String(),
		Busy:    []Interval{},
	}

	window, err := q.workingWindow(ctx, day)
	if err != nil {
		return out, err
	}
	busy, err := q.busyIntervals(ctx, day)
	if err != nil {
		return out, err
	}
	if err := busy.Validate(); err != nil {
		return out, err
	}
	for _, b := range busy {
		out.Busy = append(out.Busy, Interval{Start: ClockOf(b.Start).String(), End: ClockOf(b.End).String()})
	}

	span, ok := window.Interval()
	if !ok {
		return out, nil
	}
	out.Open = true
	out.Start = window.Start.String()
	out.End = window.End.String()

	cursor := span.Start
	for _, b := range busy {
		if !b.Overlaps(span) {
			continue
		}
		bs, be := maxTime(b.Start, span.Start), minTime(b.End, span.End)
		out.BusyMinutes += int(be.Sub(bs) / time.Minute)
		if gap := int(bs.Sub(cursor) / time.Minute); gap > out.LongestGap {
			out.LongestGap = gap
		}
		if be.After(cursor) {
			cursor = be
		}
	}
	if gap := int(span.End.Sub(cursor) / time.Minute); gap > out.LongestGap {
		out.LongestGap = gap
	}
	out.FreeMinutes = span.Minutes() - out.BusyMinutes
	return out, nil
}

func (q *Query) workingWindow(ctx context.Context, day time.Time) (WorkingWindow, error) {
	ctx, cancel := context.WithTimeout(ctx, q.cfg.CallTimeout)
	defer cancel()

	w, err := q.source.WorkingWindow(ctx, day)
	if err != nil {
		return WorkingWindow{}, &ScheduleSourceError{Op: "working window", Err: err}
	}
	return w, nil
}

func (q *Query) busyIntervals(ctx context.Context, day time.Time) (BusyIntervalSet, error) {
	ctx, cancel := context.WithTimeout(ctx, q.cfg.CallTimeout)
	defer cancel()

	busy, err := q.source.BusyIntervals(ctx, day)
	if err != nil {
		return nil, &ScheduleSourceError{Op: "busy intervals", Err: err}
	}
	return busy, nil
}

func maxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

func minTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}
