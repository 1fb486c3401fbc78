package availability

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// DigestReport is the morning overview of one clinic day.
type DigestReport struct {
	Date      string               `json:"date"`
	Schedule  DaySchedule          `json:"schedule"`
	Bookings  []*Booking           `json:"bookings"`
	NextSlots map[string]*slotView `json:"next_slots"`
}

// Digest builds the daily report that the digest job logs and the CLI
// prints.
type Digest struct {
	query  *Query
	coord  *Coordinator
	logger zerolog.Logger
	now    func() time.Time
}

func NewDigest(query *Query, coord *Coordinator, logger zerolog.Logger) *Digest {
	return &Digest{
		query:  query,
		coord:  coord,
		logger: logger.With().Str("component", "digest").Logger(),
		now:    time.Now,
	}
}

// Build reports on the calendar day containing at. NextSlots holds the
// first free slot from at onward for each appointment type, or nil when
// none exists within the configured lookahead.
func (d *Digest) Build(ctx context.Context, at time.Time) (DigestReport, error) {
	at = at.In(d.query.Location())
	day := d.query.Day(at)

	schedule, err := d.query.DaySummary(ctx, day)
	if err != nil {
		return DigestReport{}, err
	}
	bookings, err := d.coord.List(ctx, ListFilter{From: day, To: day.AddDate(0, 0, 1), Status: StatusActive})
	if err != nil {
		return DigestReport{}, err
	}
	if bookings == nil {
		bookings = []*Booking{}
	}

	next := make(map[string]*slotView)
	for _, t := range d.query.Catalog().List() {
		slot, err := d.query.NextAvailableSlot(ctx, t.ID, at, 0)
		if errors.Is(err, ErrNoAvailability) {
			next[t.ID] = nil
			continue
		}
		if err != nil {
			return DigestReport{}, err
		}
		v := newSlotView(slot)
		next[t.ID] = &v
	}

	return DigestReport{
		Date:      day.Format(time.DateOnly),
		Schedule:  schedule,
		Bookings:  bookings,
		NextSlots: next,
	}, nil
}

// Run builds today's report and logs it.
func (d *Digest) Run(ctx context.Context) error {
	r, err := d.Build(ctx, d.now())
	if err != nil {
		return err
	}

	first := zerolog.Dict()
	for id, s := range r.NextSlots {
		if s == nil {
			first.Str(id, "none")
			continue
		}
		first.Str(id, s.Date+" "+s.StartTime)
	}
	d.logger.Info().
		Str("date", r.Date).
		Bool("open", r.Schedule.Open).
		Int("bookings", len(r.Bookings)).
		Int("busy_minutes", r.Schedule.BusyMinutes).
		Int("free_minutes", r.Schedule.FreeMinutes).
		Dict("next_slots", first).
		Msg("daily digest")
	return nil
}
