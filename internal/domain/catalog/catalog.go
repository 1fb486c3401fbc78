package catalog

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/viper"
)

// ErrUnknownType is returned when an appointment type id is not in the catalog.
var ErrUnknownType = errors.New("unknown appointment type")

// AppointmentType describes one bookable kind of visit.
type AppointmentType struct {
	ID              string `mapstructure:"id" json:"id"`
	DisplayName     string `mapstructure:"name" json:"display_name"`
	Description     string `mapstructure:"description" json:"description,omitempty"`
	DurationMinutes int    `mapstructure:"duration" json:"duration_minutes"`
}

// Catalog is the read-only set of appointment types loaded at start-up.
// It is safe for concurrent use because it is never mutated after New.
type Catalog struct {
	types []AppointmentType
	byID  map[string]AppointmentType
}

// Defaults returns the four appointment types the clinic ships with.
func Defaults() []AppointmentType {
	return []AppointmentType{
		{ID: "general_consultation", DisplayName: "General Consultation", Description: "Standard medical consultation", DurationMinutes: 30},
		{ID: "follow_up", DisplayName: "Follow-up", Description: "Follow-up appointment for previous consultation", DurationMinutes: 15},
		{ID: "physical_exam", DisplayName: "Physical Exam", Description: "Comprehensive physical examination", DurationMinutes: 45},
		{ID: "specialist_consultation", DisplayName: "Specialist Consultation", Description: "Detailed consultation with specialist", DurationMinutes: 60},
	}
}

// New builds a catalog, rejecting duplicate ids and non-positive durations.
// The listing order is the order of types.
func New(types []AppointmentType) (*Catalog, error) {
	if len(types) == 0 {
		return nil, fmt.Errorf("catalog must define at least one appointment type")
	}
	c := &Catalog{
		types: make([]AppointmentType, 0, len(types)),
		byID:  make(map[string]AppointmentType, len(types)),
	}
	for _, t := range types {
		t.ID = strings.TrimSpace(t.ID)
		if t.ID == "" {
			return nil, fmt.Errorf("appointment type id is required")
		}
		if _, dup := c.byID[t.ID]; dup {
			return nil, fmt.Errorf("duplicate appointment type %q", t.ID)
		}
		if t.DurationMinutes <= 0 {
			return nil, fmt.Errorf("appointment type %q: duration must be positive, got %d", t.ID, t.DurationMinutes)
		}
		if t.DisplayName == "" {
			t.DisplayName = t.ID
		}
		c.types = append(c.types, t)
		c.byID[t.ID] = t
	}
	return c, nil
}

// Default returns a catalog holding Defaults.
func Default() *Catalog {
	c, err := New(Defaults())
	if err != nil {
		panic(err)
	}
	return c
}

// Load reads appointment types from a YAML or JSON file under the
// "appointment_types" key. An empty path yields the default catalog.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default(), nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read appointment types %s: %w", path, err)
	}

	var file struct {
		Types []AppointmentType `mapstructure:"appointment_types"`
	}
	if err := v.Unmarshal(&file); err != nil {
		return nil, fmt.Errorf("decode appointment types %s: %w", path, err)
	}
	return New(file.Types)
}

// Get looks up a type by id.
func (c *Catalog) Get(id string) (AppointmentType, bool) {
	t, ok := c.byID[id]
	return t, ok
}

// Duration returns the duration in minutes for id.
func (c *Catalog) Duration(id string) (int, error) {
	t, ok := c.byID[id]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownType, id)
	}
	return t.DurationMinutes, nil
}

// List returns a copy of all types in catalog order.
func (c *Catalog) List() []AppointmentType {
	out := make([]AppointmentType, len(c.types))
	copy(out, c.types)
	return out
}

// Summary aggregates duration statistics over the catalog.
type Summary struct {
	TotalTypes      int               `json:"total_types"`
	ShortestMinutes int               `json:"shortest_duration"`
	LongestMinutes  int               `json:"longest_duration"`
	AverageMinutes  float64           `json:"average_duration"`
	Types           []AppointmentType `json:"types"`
}

func (c *Catalog) Summary() Summary {
	s := Summary{TotalTypes: len(c.types), Types: c.List()}
	total := 0
	for i, t := range c.types {
		if i == 0 || t.DurationMinutes < s.ShortestMinutes {
			s.ShortestMinutes = t.DurationMinutes
		}
		if t.DurationMinutes > s.LongestMinutes {
			s.LongestMinutes = t.DurationMinutes
		}
		total += t.DurationMinutes
	}
	if len(c.types) > 0 {
		s.AverageMinutes = float64(total) / float64(len(c.types))
	}
	return s
}

// FilterByDuration returns the types whose duration lies in [min, max].
// A zero bound is open.
func (c *Catalog) FilterByDuration(min, max int) []AppointmentType {
	var out []AppointmentType
	for _, t := range c.types {
		if min > 0 && t.DurationMinutes < min {
			continue
		}
		if max > 0 && t.DurationMinutes > max {
			continue
		}
		out = append(out, t)
	}
	return out
}

// Recommendation is a type that fits into a gap, with the minutes left over.
type Recommendation struct {
	Type             AppointmentType `json:"type"`
	RemainingMinutes int             `json:"time_remaining"`
}

// Recommend lists the types that fit into availableMinutes, longest first.
func (c *Catalog) Recommend(availableMinutes int) []Recommendation {
	var out []Recommendation
	for _, t := range c.types {
		if t.DurationMinutes <= availableMinutes {
			out = append(out, Recommendation{Type: t, RemainingMinutes: availableMinutes - t.DurationMinutes})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Type.DurationMinutes > out[j].Type.DurationMinutes
	})
	return out
}
