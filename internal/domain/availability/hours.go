package availability

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DayHours is one weekday row of the working-hours table.
type DayHours struct {
	Available bool   `mapstructure:"available"`
	Start     string `mapstructure:"start"`
	End       string `mapstructure:"end"`
}

// DefaultHours is Monday to Friday 09:00-17:00, Saturday 10:00-14:00 and
// closed on Sunday.
func DefaultHours() map[string]DayHours {
	weekday := DayHours{Available: true, Start: "09:00", End: "17:00"}
	return map[string]DayHours{
		"monday":    weekday,
		"tuesday":   weekday,
		"wednesday": weekday,
		"thursday":  weekday,
		"friday":    weekday,
		"saturday":  {Available: true, Start: "10:00", End: "14:00"},
		"sunday":    {Available: false},
	}
}

type dayWindow struct {
	open       bool
	start, end ClockTime
}

// WeeklyHours is the parsed, immutable working-hours table for one
// clinic location.
type WeeklyHours struct {
	days [7]dayWindow
	loc  *time.Location
}

// NewWeeklyHours parses a table keyed by lower-case English weekday name.
// Weekdays missing from the table are closed.
func NewWeeklyHours(table map[string]DayHours, loc *time.Location) (*WeeklyHours, error) {
	if loc == nil {
		loc = time.Local
	}
	w := &WeeklyHours{loc: loc}
	for name, h := range table {
		day, ok := parseWeekday(name)
		if !ok {
			return nil, fmt.Errorf("unknown weekday %q in working hours", name)
		}
		if !h.Available {
			continue
		}
		start, err := ParseClock(h.Start)
		if err != nil {
			return nil, fmt.Errorf("%s start: %w", name, err)
		}
		end, err := ParseWindowEnd(h.End)
		if err != nil {
			return nil, fmt.Errorf("%s end: %w", name, err)
		}
		if start >= end {
			return nil, fmt.Errorf("%s: start %s must be before end %s", name, start, end)
		}
		w.days[day] = dayWindow{open: true, start: start, end: end}
	}
	return w, nil
}

// DefaultWeeklyHours returns DefaultHours in loc.
func DefaultWeeklyHours(loc *time.Location) *WeeklyHours {
	w, err := NewWeeklyHours(DefaultHours(), loc)
	if err != nil {
		panic(err)
	}
	return w
}

// LoadWeeklyHours reads a "working_hours" table from a YAML or JSON file.
// An empty path yields DefaultWeeklyHours.
func LoadWeeklyHours(path string, loc *time.Location) (*WeeklyHours, error) {
	if path == "" {
		return DefaultWeeklyHours(loc), nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read working hours %s: %w", path, err)
	}

	var file struct {
		Hours map[string]DayHours `mapstructure:"working_hours"`
	}
	if err := v.Unmarshal(&file); err != nil {
		return nil, fmt.Errorf("decode working hours %s: %w", path, err)
	}
	if len(file.Hours) == 0 {
		return nil, fmt.Errorf("working hours %s: no working_hours table", path)
	}
	return NewWeeklyHours(file.Hours, loc)
}

func (w *WeeklyHours) Location() *time.Location { return w.loc }

// Day returns midnight in the clinic location for date's calendar day.
// The year, month and day are taken as written, whatever date's location.
func (w *WeeklyHours) Day(date time.Time) time.Time {
	y, m, d := date.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, w.loc)
}

// WindowFor returns the working window for date's calendar day.
func (w *WeeklyHours) WindowFor(date time.Time) WorkingWindow {
	day := w.Day(date)
	dw := w.days[day.Weekday()]
	if !dw.open {
		return ClosedWindow(day)
	}
	return WorkingWindow{Date: day, Open: true, Start: dw.start, End: dw.end}
}

func parseWeekday(name string) (time.Weekday, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	for d := time.Sunday; d <= time.Saturday; d++ {
		if strings.ToLower(d.String()) == name {
			return d, true
		}
	}
	return 0, false
}

// CalendarSource is a ScheduleSource backed by a static weekly table and
// the booking ledger. It holds no busy data of its own, so every call
// sees the ledger's current state.
type CalendarSource struct {
	hours *WeeklyHours
	busy  BusyReader
}

func NewCalendarSource(hours *WeeklyHours, busy BusyReader) *CalendarSource {
	return &CalendarSource{hours: hours, busy: busy}
}

func (s *CalendarSource) WorkingWindow(_ context.Context, date time.Time) (WorkingWindow, error) {
	return s.hours.WindowFor(date), nil
}

func (s *CalendarSource) BusyIntervals(ctx context.Context, date time.Time) (BusyIntervalSet, error) {
	day := s.hours.Day(date)
	next := day.AddDate(0, 0, 1)
	return s.busy.BusyIntervals(ctx, day, next)
}

func (s *CalendarSource) Location() *time.Location { return s.hours.Location() }
