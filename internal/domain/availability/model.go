package availability

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TimeInterval is a half-open range [Start, End) with Start < End.
type TimeInterval struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func NewTimeInterval(start, end time.Time) (TimeInterval, error) {
	if !start.Before(end) {
		return TimeInterval{}, &ValidationError{Field: "interval", Reason: fmt.Sprintf("start %s is not before end %s", start.Format(time.RFC3339), end.Format(time.RFC3339))}
	}
	return TimeInterval{Start: start, End: end}, nil
}

// Overlaps reports whether the two half-open intervals share any instant.
// Back-to-back intervals do not overlap.
func (i TimeInterval) Overlaps(o TimeInterval) bool {
	return i.Start.Before(o.End) && o.Start.Before(i.End)
}

func (i TimeInterval) Minutes() int {
	return int(i.End.Sub(i.Start) / time.Minute)
}

// BusyIntervalSet is one day's committed intervals, sorted by start and
// pairwise non-overlapping.
type BusyIntervalSet []TimeInterval

// Validate checks ordering and disjointness. It never repairs the set.
func (s BusyIntervalSet) Validate() error {
	for i, iv := range s {
		if !iv.Start.Before(iv.End) {
			return &InvalidStateError{Index: i, Reason: "interval start is not before end"}
		}
		if i == 0 {
			continue
		}
		prev := s[i-1]
		if iv.Start.Before(prev.Start) {
			return &InvalidStateError{Index: i, Reason: "intervals are not sorted by start"}
		}
		if iv.Start.Before(prev.End) {
			return &InvalidStateError{Index: i, Reason: "interval overlaps its predecessor"}
		}
	}
	return nil
}

// ClockTime is a wall-clock time of day in minutes from midnight.
// 24:00 (1440) is representable so a window can close at midnight.
type ClockTime int

const minutesPerDay = 24 * 60

// ParseClock parses a strict HH:MM string.
func ParseClock(s string) (ClockTime, error) {
	c, err := parseClock(s)
	if err != nil {
		return 0, err
	}
	if c >= minutesPerDay {
		return 0, fmt.Errorf("time %q is not within a day", s)
	}
	return c, nil
}

// ParseWindowEnd is ParseClock that also accepts "24:00".
func ParseWindowEnd(s string) (ClockTime, error) {
	return parseClock(s)
}

func parseClock(s string) (ClockTime, error) {
	hh, mm, ok := strings.Cut(s, ":")
	if !ok || len(hh) != 2 || len(mm) != 2 {
		return 0, fmt.Errorf("time %q must be HH:MM", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 24 {
		return 0, fmt.Errorf("time %q has an invalid hour", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("time %q has an invalid minute", s)
	}
	c := ClockTime(h*60 + m)
	if c > minutesPerDay {
		return 0, fmt.Errorf("time %q is past midnight", s)
	}
	return c, nil
}

func (c ClockTime) String() string {
	return fmt.Sprintf("%02d:%02d", int(c)/60, int(c)%60)
}

// ClockOf returns the wall-clock minute of t in its own location.
func ClockOf(t time.Time) ClockTime {
	return ClockTime(t.Hour()*60 + t.Minute())
}

// WorkingWindow is the bookable part of one calendar day. A closed day
// has Open set to false and zero Start and End.
type WorkingWindow struct {
	Date  time.Time // midnight in the clinic location
	Open  bool
	Start ClockTime
	End   ClockTime
}

func ClosedWindow(date time.Time) WorkingWindow {
	return WorkingWindow{Date: startOfDay(date)}
}

func OpenWindow(date time.Time, start, end ClockTime) (WorkingWindow, error) {
	if start >= end {
		return WorkingWindow{}, fmt.Errorf("working window start %s must be before end %s", start, end)
	}
	if start < 0 || end > minutesPerDay {
		return WorkingWindow{}, fmt.Errorf("working window %s-%s is outside the day", start, end)
	}
	return WorkingWindow{Date: startOfDay(date), Open: true, Start: start, End: end}, nil
}

// At resolves a wall-clock minute on the window's day to an absolute time.
// Each boundary is computed from the day origin, so repeated calls never
// accumulate drift across a DST change.
func (w WorkingWindow) At(c ClockTime) time.Time {
	y, m, d := w.Date.Date()
	return time.Date(y, m, d, 0, int(c), 0, 0, w.Date.Location())
}

func (w WorkingWindow) Interval() (TimeInterval, bool) {
	if !w.Open {
		return TimeInterval{}, false
	}
	return TimeInterval{Start: w.At(w.Start), End: w.At(w.End)}, true
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// Slot is a free interval sized for one appointment type.
type Slot struct {
	Start             time.Time `json:"start"`
	End               time.Time `json:"end"`
	AppointmentTypeID string    `json:"appointment_type"`
}

func (s Slot) Interval() TimeInterval {
	return TimeInterval{Start: s.Start, End: s.End}
}

// SameBounds compares slots by interval bounds only.
func (s Slot) SameBounds(o Slot) bool {
	return s.Start.Equal(o.Start) && s.End.Equal(o.End)
}

type PatientInfo struct {
	Name  string `json:"patient_name"`
	Email string `json:"patient_email"`
	Phone string `json:"patient_phone,omitempty"`
	Notes string `json:"notes,omitempty"`
}

type BookingStatus string

const (
	StatusActive    BookingStatus = "active"
	StatusCancelled BookingStatus = "cancelled"
)

func (s BookingStatus) Valid() bool {
	return s == StatusActive || s == StatusCancelled
}

// Booking is owned by the BookingStore. The coordinator only asks the
// store for transitions and never edits one in place.
type Booking struct {
	ID                 uuid.UUID     `json:"id"`
	Slot               Slot          `json:"slot"`
	Patient            PatientInfo   `json:"patient"`
	Status             BookingStatus `json:"status"`
	CancellationReason string        `json:"cancellation_reason,omitempty"`
	CreatedAt          time.Time     `json:"created_at"`
	CancelledAt        *time.Time    `json:"cancelled_at,omitempty"`
}

// BookingRequest is the validated input to Coordinator.Book.
type BookingRequest struct {
	AppointmentTypeID string `json:"appointment_type" validate:"required"`
	Date              string `json:"date" validate:"required"`
	StartTime         string `json:"time" validate:"required"`
	PatientName       string `json:"patient_name" validate:"required,max=200"`
	PatientEmail      string `json:"patient_email" validate:"required,email,max=254"`
	PatientPhone      string `json:"patient_phone,omitempty" validate:"omitempty,max=40"`
	Notes             string `json:"notes,omitempty" validate:"omitempty,max=2000"`
}

// RescheduleRequest moves an active booking to a new date and time,
// optionally with a different appointment type.
type RescheduleRequest struct {
	Date              string `json:"date" validate:"required"`
	StartTime         string `json:"time" validate:"required"`
	AppointmentTypeID string `json:"appointment_type,omitempty"`
	Reason            string `json:"reason,omitempty" validate:"omitempty,max=500"`
}

type CancelRequest struct {
	Reason string `json:"reason,omitempty" validate:"omitempty,max=500"`
}

// DaySchedule describes one calendar day for display.
type DaySchedule struct {
	Date        string     `json:"date"`
	Weekday     string     `json:"weekday"`
	Open        bool       `json:"open"`
	Start       string     `json:"start,omitempty"`
	End         string     `json:"end,omitempty"`
	Busy        []Interval `json:"busy"`
	BusyMinutes int        `json:"busy_minutes"`
	FreeMinutes int        `json:"free_minutes"`
	LongestGap  int        `json:"longest_gap_minutes"`
}

// Interval is the HH:MM rendering of a TimeInterval.
type Interval struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// BookingSummary aggregates bookings by status and appointment type.
type BookingSummary struct {
	Total     int            `json:"total"`
	Active    int            `json:"active"`
	Cancelled int            `json:"cancelled"`
	ByType    map[string]int `json:"by_type"`
}
