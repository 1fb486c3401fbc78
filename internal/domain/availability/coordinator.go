package availability

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinic/scheduler/internal/domain/catalog"
	"github.com/clinic/scheduler/internal/platform/auth"
)

// Phase is a step of one booking attempt.
type Phase string

const (
	PhaseValidating Phase = "validating"
	PhaseChecking   Phase = "checking"
	PhaseCommitting Phase = "committing"
	PhaseConfirmed  Phase = "confirmed"
	PhaseRejected   Phase = "rejected"
)

// NextSteps is returned with every confirmed booking.
var NextSteps = []string{
	"Confirmation email will be sent to the patient",
	"Calendar invite will be sent",
	"Please arrive 10 minutes before appointment time",
}

// Confirmation is the result of a successful Book or Reschedule.
type Confirmation struct {
	Status          Phase                   `json:"status"`
	Booking         *Booking                `json:"booking"`
	AppointmentType catalog.AppointmentType `json:"appointment_type"`
	NextSteps       []string                `json:"next_steps"`
}

type noopLocker struct{}

func (noopLocker) Lock(context.Context, string) (func(), error) { return func() {}, nil }

// Coordinator validates booking requests against Query and commits them
// to a BookingStore. It re-checks availability under a per-day lock right
// before Create; the store still has the final word on overlap.
type Coordinator struct {
	query       *Query
	store       BookingStore
	locker      DayLocker
	validate    *validator.Validate
	logger      zerolog.Logger
	callTimeout time.Duration
}

func NewCoordinator(query *Query, store BookingStore, locker DayLocker, logger zerolog.Logger, callTimeout time.Duration) *Coordinator {
	if locker == nil {
		locker = noopLocker{}
	}
	if callTimeout <= 0 {
		callTimeout = DefaultCallTimeout
	}
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return &Coordinator{
		query:       query,
		store:       store,
		locker:      locker,
		validate:    v,
		logger:      logger.With().Str("component", "booking").Logger(),
		callTimeout: callTimeout,
	}
}

type bookingInput struct {
	day     time.Time
	start   ClockTime
	apptTyp catalog.AppointmentType
	patient PatientInfo
}

// Book runs one attempt through validating, checking and committing.
func (c *Coordinator) Book(ctx context.Context, req BookingRequest) (*Confirmation, error) {
	log := c.logger.With().Str("appointment_type", req.AppointmentTypeID).Str("date", req.Date).Str("time", req.StartTime).Logger()

	log.Debug().Str("phase", string(PhaseValidating)).Msg("booking attempt")
	in, err := c.validateRequest(req)
	if err != nil {
		log.Debug().Str("phase", string(PhaseRejected)).Err(err).Msg("booking rejected")
		return nil, err
	}

	log.Debug().Str("phase", string(PhaseChecking)).Msg("booking attempt")
	if err := c.check(ctx, in); err != nil {
		log.Info().Str("phase", string(PhaseRejected)).Err(err).Msg("booking rejected")
		return nil, err
	}

	log.Debug().Str("phase", string(PhaseCommitting)).Msg("booking attempt")
	b, err := c.commit(ctx, in)
	if err != nil {
		evt := log.Info()
		if RemedyFor(err) == RemedyTryAgainLater {
			evt = log.Warn()
		}
		evt.Str("phase", string(PhaseRejected)).Err(err).Msg("booking rejected")
		return nil, err
	}

	log.Info().Str("phase", string(PhaseConfirmed)).Str("booking_id", b.ID.String()).Msg("booking confirmed")
	return c.confirmation(b, in.apptTyp), nil
}

func (c *Coordinator) validateRequest(req BookingRequest) (bookingInput, error) {
	req.AppointmentTypeID = strings.TrimSpace(req.AppointmentTypeID)
	req.Date = strings.TrimSpace(req.Date)
	req.StartTime = strings.TrimSpace(req.StartTime)
	req.PatientName = strings.TrimSpace(req.PatientName)
	req.PatientEmail = strings.TrimSpace(req.PatientEmail)
	req.PatientPhone = strings.TrimSpace(req.PatientPhone)
	req.Notes = strings.TrimSpace(req.Notes)

	if err := c.validate.Struct(req); err != nil {
		return bookingInput{}, fieldError(err)
	}

	day, err := time.ParseInLocation(time.DateOnly, req.Date, c.query.Location())
	if err != nil {
		return bookingInput{}, &ValidationError{Field: "date", Reason: "must be a calendar date in YYYY-MM-DD format", Err: err}
	}
	start, err := ParseClock(req.StartTime)
	if err != nil {
		return bookingInput{}, &ValidationError{Field: "time", Reason: "must be a time of day in HH:MM format", Err: err}
	}
	t, ok := c.query.Catalog().Get(req.AppointmentTypeID)
	if !ok {
		return bookingInput{}, &ValidationError{Field: "appointment_type", Reason: fmt.Sprintf("unknown appointment type %q", req.AppointmentTypeID), Err: ErrUnknownAppointmentType}
	}

	return bookingInput{
		day:     day,
		start:   start,
		apptTyp: t,
		patient: PatientInfo{
			Name:  req.PatientName,
			Email: req.PatientEmail,
			Phone: req.PatientPhone,
			Notes: req.Notes,
		},
	}, nil
}

func fieldError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return &ValidationError{Field: "request", Reason: err.Error(), Err: err}
	}
	fe := verrs[0]
	var reason string
	switch fe.Tag() {
	case "required":
		reason = "is required"
	case "email":
		reason = "must be a valid email address"
	case "max":
		reason = fmt.Sprintf("must be at most %s characters", fe.Param())
	default:
		reason = "failed " + fe.Tag() + " check"
	}
	return &ValidationError{Field: fe.Field(), Reason: reason, Err: err}
}

func (c *Coordinator) check(ctx context.Context, in bookingInput) error {
	ok, err := c.query.IsAvailable(ctx, in.day, in.start, in.apptTyp.ID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s %s %s", ErrSlotUnavailable, in.apptTyp.ID, in.day.Format(time.DateOnly), in.start)
	}
	return nil
}

// commit takes the day lock, re-derives the slot from current state and
// creates the booking. A store conflict is reported as ErrSlotUnavailable.
func (c *Coordinator) commit(ctx context.Context, in bookingInput) (*Booking, error) {
	key := in.day.Format(time.DateOnly)
	release, err := c.locker.Lock(ctx, key)
	if err != nil {
		return nil, &StoreError{Op: "lock " + key, Err: err}
	}
	defer release()

	slot, ok, err := c.query.FindSlot(ctx, in.day, in.start, in.apptTyp.ID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: taken before commit", ErrSlotUnavailable)
	}

	storeCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	b, err := c.store.Create(storeCtx, slot, in.patient)
	if errors.Is(err, ErrConflict) {
		return nil, fmt.Errorf("%w: %v", ErrSlotUnavailable, err)
	}
	if err != nil {
		return nil, &StoreError{Op: "create", Err: err}
	}
	return b, nil
}

func (c *Coordinator) confirmation(b *Booking, t catalog.AppointmentType) *Confirmation {
	steps := make([]string, len(NextSteps))
	copy(steps, NextSteps)
	return &Confirmation{Status: PhaseConfirmed, Booking: b, AppointmentType: t, NextSteps: steps}
}

// Cancel marks a booking cancelled, freeing its interval. Cancelling twice
// returns ErrAlreadyCancelled.
func (c *Coordinator) Cancel(ctx context.Context, id uuid.UUID, reason string) (*Booking, error) {
	storeCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	b, err := c.store.Cancel(storeCtx, id, strings.TrimSpace(reason))
	if err != nil {
		if errors.Is(err, ErrBookingNotFound) || errors.Is(err, ErrAlreadyCancelled) {
			return nil, err
		}
		return nil, &StoreError{Op: "cancel", Err: err}
	}
	c.logger.Info().
		Str("booking_id", id.String()).
		Str("reason", b.CancellationReason).
		Str("cancelled_by", auth.UserIDFromContext(ctx)).
		Msg("booking cancelled")
	return b, nil
}

func (c *Coordinator) Get(ctx context.Context, id uuid.UUID) (*Booking, error) {
	storeCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	b, err := c.store.Get(storeCtx, id)
	if err != nil {
		if errors.Is(err, ErrBookingNotFound) {
			return nil, err
		}
		return nil, &StoreError{Op: "get", Err: err}
	}
	return b, nil
}

func (c *Coordinator) List(ctx context.Context, filter ListFilter) ([]*Booking, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, &ValidationError{Field: "status", Reason: "must be active or cancelled"}
	}
	storeCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	items, err := c.store.List(storeCtx, filter)
	if err != nil {
		return nil, &StoreError{Op: "list", Err: err}
	}
	return items, nil
}

// Summary counts bookings matching filter by status and appointment type.
func (c *Coordinator) Summary(ctx context.Context, filter ListFilter) (BookingSummary, error) {
	items, err := c.List(ctx, filter)
	if err != nil {
		return BookingSummary{}, err
	}
	s := BookingSummary{ByType: map[string]int{}}
	for _, b := range items {
		s.Total++
		switch b.Status {
		case StatusActive:
			s.Active++
			s.ByType[b.Slot.AppointmentTypeID]++
		case StatusCancelled:
			s.Cancelled++
		}
	}
	return s, nil
}

// Reschedule moves an active booking to a new slot. With a transactional
// store the old booking is cancelled and the new one created in one
// transaction, so the new slot may overlap the old one. Otherwise the new
// booking is created first and removed again if the old cannot be
// cancelled.
func (c *Coordinator) Reschedule(ctx context.Context, id uuid.UUID, req RescheduleRequest) (*Confirmation, error) {
	if err := c.validate.Struct(req); err != nil {
		return nil, fieldError(err)
	}
	old, err := c.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if old.Status == StatusCancelled {
		return nil, ErrAlreadyCancelled
	}

	typeID := strings.TrimSpace(req.AppointmentTypeID)
	if typeID == "" {
		typeID = old.Slot.AppointmentTypeID
	}
	in, err := c.validateRequest(BookingRequest{
		AppointmentTypeID: typeID,
		Date:              req.Date,
		StartTime:         req.StartTime,
		PatientName:       old.Patient.Name,
		PatientEmail:      old.Patient.Email,
		PatientPhone:      old.Patient.Phone,
		Notes:             old.Patient.Notes,
	})
	if err != nil {
		return nil, err
	}

	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = fmt.Sprintf("rescheduled to %s %s", in.day.Format(time.DateOnly), in.start)
	}

	var created *Booking
	if tx, ok := c.store.(Transactor); ok {
		err = tx.InTx(ctx, func(ctx context.Context) error {
			if _, err := c.Cancel(ctx, id, reason); err != nil {
				return err
			}
			if err := c.check(ctx, in); err != nil {
				return err
			}
			b, err := c.commit(ctx, in)
			created = b
			return err
		})
		if err != nil {
			// begin and commit failures come back untyped
			if RemedyFor(err) == RemedyNone && !errors.Is(err, ErrBookingNotFound) && !errors.Is(err, ErrAlreadyCancelled) {
				err = &StoreError{Op: "reschedule", Err: err}
			}
			return nil, err
		}
	} else {
		if err := c.check(ctx, in); err != nil {
			return nil, err
		}
		created, err = c.commit(ctx, in)
		if err != nil {
			return nil, err
		}
		if _, err := c.Cancel(ctx, id, reason); err != nil {
			if _, rbErr := c.Cancel(context.WithoutCancel(ctx), created.ID, "reschedule rolled back"); rbErr != nil {
				c.logger.Error().Err(rbErr).Str("booking_id", created.ID.String()).Msg("failed to roll back rescheduled booking")
			}
			return nil, err
		}
	}

	c.logger.Info().Str("booking_id", id.String()).Str("new_booking_id", created.ID.String()).Msg("booking rescheduled")
	return c.confirmation(created, in.apptTyp), nil
}
