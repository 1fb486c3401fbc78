package availability

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultWeeklyHours(t *testing.T) {
	h := DefaultWeeklyHours(time.UTC)

	tests := []struct {
		date       time.Time
		open       bool
		start, end string
	}{
		{monday, true, "09:00", "17:00"},
		{monday.AddDate(0, 0, 4), true, "09:00", "17:00"},
		{monday.AddDate(0, 0, 5), true, "10:00", "14:00"},
		{monday.AddDate(0, 0, 6), false, "", ""},
	}
	for _, tt := range tests {
		w := h.WindowFor(tt.date)
		if w.Open != tt.open {
			t.Errorf("%s: expected open=%v", tt.date.Weekday(), tt.open)
			continue
		}
		if !tt.open {
			continue
		}
		if w.Start.String() != tt.start || w.End.String() != tt.end {
			t.Errorf("%s: expected %s-%s, got %s-%s", tt.date.Weekday(), tt.start, tt.end, w.Start, w.End)
		}
	}
}

func TestWeeklyHours_DayUsesClinicLocation(t *testing.T) {
	loc := time.FixedZone("clinic", 10*3600)
	h := DefaultWeeklyHours(loc)

	// late Sunday in UTC is still Sunday as written
	in := time.Date(2025, time.March, 9, 23, 0, 0, 0, time.UTC)
	day := h.Day(in)
	if day.Location() != loc || day.Day() != 9 || day.Hour() != 0 {
		t.Errorf("unexpected day origin %s", day)
	}
	if h.WindowFor(in).Open {
		t.Error("expected Sunday to be closed")
	}
}

func TestNewWeeklyHours_Errors(t *testing.T) {
	tests := map[string]map[string]DayHours{
		"unknown weekday": {"funday": {Available: true, Start: "09:00", End: "17:00"}},
		"bad start":       {"monday": {Available: true, Start: "9am", End: "17:00"}},
		"bad end":         {"monday": {Available: true, Start: "09:00", End: "25:00"}},
		"inverted":        {"monday": {Available: true, Start: "17:00", End: "09:00"}},
	}
	for name, table := range tests {
		if _, err := NewWeeklyHours(table, time.UTC); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}

	h, err := NewWeeklyHours(map[string]DayHours{"Monday": {Available: true, Start: "08:00", End: "24:00"}}, time.UTC)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !h.WindowFor(monday).Open || h.WindowFor(monday.AddDate(0, 0, 1)).Open {
		t.Error("expected only Monday to be open")
	}
}

func TestLoadWeeklyHours(t *testing.T) {
	h, err := LoadWeeklyHours("", time.UTC)
	if err != nil || !h.WindowFor(monday).Open {
		t.Fatalf("expected defaults for empty path, got %v", err)
	}

	path := filepath.Join(t.TempDir(), "hours.yaml")
	yaml := `working_hours:
  monday:
    available: true
    start: "07:30"
    end: "12:00"
  sunday:
    available: false
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}
	h, err = LoadWeeklyHours(path, time.UTC)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	w := h.WindowFor(monday)
	if !w.Open || w.Start.String() != "07:30" || w.End.String() != "12:00" {
		t.Errorf("unexpected monday window %+v", w)
	}
	if h.WindowFor(monday.AddDate(0, 0, 1)).Open {
		t.Error("expected days missing from the file to be closed")
	}

	empty := filepath.Join(t.TempDir(), "empty.yaml")
	_ = os.WriteFile(empty, []byte("other: 1\n"), 0o600)
	if _, err := LoadWeeklyHours(empty, time.UTC); err == nil {
		t.Error("expected error for file without working_hours")
	}
	if _, err := LoadWeeklyHours(filepath.Join(t.TempDir(), "missing.yaml"), time.UTC); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestCalendarSource_ReadsLedger(t *testing.T) {
	ledger := NewMemoryLedger()
	src := NewCalendarSource(DefaultWeeklyHours(time.UTC), ledger)
	ctx := context.Background()

	_, _ = ledger.Create(ctx, slotAt(monday, "10:00", 30, "a"), testPatient)
	_, _ = ledger.Create(ctx, slotAt(monday.AddDate(0, 0, 1), "10:00", 30, "a"), testPatient)

	busy, err := src.BusyIntervals(ctx, monday.Add(15*time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(busy) != 1 || ClockOf(busy[0].Start).String() != "10:00" {
		t.Errorf("expected only monday's booking, got %v", busy)
	}

	w, err := src.WorkingWindow(ctx, monday)
	if err != nil || !w.Open {
		t.Errorf("expected open window, got %+v %v", w, err)
	}
	if src.Location() != time.UTC {
		t.Error("expected UTC location")
	}
}
