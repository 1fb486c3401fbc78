package availability

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/clinic/scheduler/internal/platform/auth"
	"github.com/clinic/scheduler/pkg/pagination"
)

type Handler struct {
	query       *Query
	coordinator *Coordinator
	now         func() time.Time
}

func NewHandler(query *Query, coordinator *Coordinator) *Handler {
	return &Handler{query: query, coordinator: coordinator, now: time.Now}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Public endpoints – patients browse and book
	api.GET("/slots", h.ListSlots)
	api.GET("/slots/range", h.ListSlotsInRange)
	api.GET("/slots/next", h.NextSlot)
	api.GET("/slots/check", h.CheckSlot)
	api.GET("/schedule", h.GetSchedule)
	api.POST("/bookings", h.CreateBooking)

	// Staff endpoints. Bookings carry patient contact details.
	staffOnly := auth.RequireRole("staff")
	api.GET("/bookings", h.ListBookings, staffOnly)
	api.GET("/bookings/summary", h.GetBookingSummary, staffOnly)
	api.GET("/bookings/:id", h.GetBooking, staffOnly)
	api.POST("/bookings/:id/cancel", h.CancelBooking, staffOnly)
	api.POST("/bookings/:id/reschedule", h.RescheduleBooking, staffOnly)
}

// slotView renders a slot with HH:MM bounds alongside the instants.
type slotView struct {
	Date              string    `json:"date"`
	StartTime         string    `json:"start_time"`
	EndTime           string    `json:"end_time"`
	Start             time.Time `json:"start"`
	End               time.Time `json:"end"`
	AppointmentTypeID string    `json:"appointment_type"`
}

func newSlotView(s Slot) slotView {
	return slotView{
		Date:              s.Start.Format(time.DateOnly),
		StartTime:         ClockOf(s.Start).String(),
		EndTime:           ClockOf(s.End).String(),
		Start:             s.Start,
		End:               s.End,
		AppointmentTypeID: s.AppointmentTypeID,
	}
}

func newSlotViews(slots []Slot) []slotView {
	out := make([]slotView, 0, len(slots))
	for _, s := range slots {
		out = append(out, newSlotView(s))
	}
	return out
}

// -- Availability Handlers --

func (h *Handler) ListSlots(c echo.Context) error {
	date, err := h.dateParam(c, "date", true)
	if err != nil {
		return err
	}
	typeID := c.QueryParam("type")
	slots, err := h.query.SlotsOnDate(c.Request().Context(), date, typeID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"date":             date.Format(time.DateOnly),
		"appointment_type": typeID,
		"slots":            newSlotViews(slots),
	})
}

func (h *Handler) ListSlotsInRange(c echo.Context) error {
	from, err := h.dateParam(c, "from", true)
	if err != nil {
		return err
	}
	to, err := h.dateParam(c, "to", true)
	if err != nil {
		return err
	}
	days, err := h.query.SlotsInRange(c.Request().Context(), from, to, c.QueryParam("type"))
	if err != nil {
		return httpError(err)
	}

	type dayView struct {
		Date  string     `json:"date"`
		Slots []slotView `json:"slots"`
	}
	out := make([]dayView, 0, len(days))
	for _, d := range days {
		out = append(out, dayView{Date: d.Date, Slots: newSlotViews(d.Slots)})
	}
	return c.JSON(http.StatusOK, out)
}

// NextSlot handles GET /slots/next?type=&from=&lookahead=. Without from,
// the search starts now.
func (h *Handler) NextSlot(c echo.Context) error {
	from := h.now().In(h.query.Location())
	if c.QueryParam("from") != "" {
		d, err := h.dateParam(c, "from", true)
		if err != nil {
			return err
		}
		from = d
	}
	lookahead := 0
	if v := c.QueryParam("lookahead"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 366 {
			return httpError(&ValidationError{Field: "lookahead", Reason: "must be between 1 and 366 days"})
		}
		lookahead = n
	}

	slot, err := h.query.NextAvailableSlot(c.Request().Context(), c.QueryParam("type"), from, lookahead)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, newSlotView(slot))
}

func (h *Handler) CheckSlot(c echo.Context) error {
	date, err := h.dateParam(c, "date", true)
	if err != nil {
		return err
	}
	start, err := ParseClock(c.QueryParam("time"))
	if err != nil {
		return httpError(&ValidationError{Field: "time", Reason: "must be a time of day in HH:MM format", Err: err})
	}
	typeID := c.QueryParam("type")
	ok, err := h.query.IsAvailable(c.Request().Context(), date, start, typeID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"date":             date.Format(time.DateOnly),
		"time":             start.String(),
		"appointment_type": typeID,
		"available":        ok,
	})
}

func (h *Handler) GetSchedule(c echo.Context) error {
	date, err := h.dateParam(c, "date", true)
	if err != nil {
		return err
	}
	day, err := h.query.DaySummary(c.Request().Context(), date)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, day)
}

// -- Booking Handlers --

func (h *Handler) CreateBooking(c echo.Context) error {
	var req BookingRequest
	if err := decodeStrict(c, &req); err != nil {
		return err
	}
	conf, err := h.coordinator.Book(c.Request().Context(), req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, conf)
}

func (h *Handler) GetBooking(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid booking id")
	}
	b, err := h.coordinator.Get(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, b)
}

func (h *Handler) ListBookings(c echo.Context) error {
	filter, err := h.listFilter(c)
	if err != nil {
		return err
	}
	items, err := h.coordinator.List(c.Request().Context(), filter)
	if err != nil {
		return httpError(err)
	}

	pg := pagination.FromContext(c)
	total := len(items)
	start, end := pg.Bounds(total)
	if items == nil {
		items = []*Booking{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items[start:end], total, pg.Limit, pg.Offset))
}

func (h *Handler) GetBookingSummary(c echo.Context) error {
	filter, err := h.listFilter(c)
	if err != nil {
		return err
	}
	s, err := h.coordinator.Summary(c.Request().Context(), filter)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, s)
}

func (h *Handler) CancelBooking(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid booking id")
	}
	var req CancelRequest
	if c.Request().ContentLength != 0 {
		if err := decodeStrict(c, &req); err != nil {
			return err
		}
	}
	b, err := h.coordinator.Cancel(c.Request().Context(), id, req.Reason)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, b)
}

func (h *Handler) RescheduleBooking(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid booking id")
	}
	var req RescheduleRequest
	if err := decodeStrict(c, &req); err != nil {
		return err
	}
	conf, err := h.coordinator.Reschedule(c.Request().Context(), id, req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, conf)
}

// -- helpers --

func (h *Handler) dateParam(c echo.Context, name string, required bool) (time.Time, error) {
	raw := c.QueryParam(name)
	if raw == "" && !required {
		return time.Time{}, nil
	}
	d, err := time.ParseInLocation(time.DateOnly, raw, h.query.Location())
	if err != nil {
		return time.Time{}, httpError(&ValidationError{Field: name, Reason: "must be a calendar date in YYYY-MM-DD format", Err: err})
	}
	return d, nil
}

func (h *Handler) listFilter(c echo.Context) (ListFilter, error) {
	from, err := h.dateParam(c, "from", false)
	if err != nil {
		return ListFilter{}, err
	}
	to, err := h.dateParam(c, "to", false)
	if err != nil {
		return ListFilter{}, err
	}
	if !to.IsZero() {
		// to is inclusive of the whole day
		to = to.AddDate(0, 0, 1)
	}
	return ListFilter{From: from, To: to, Status: BookingStatus(c.QueryParam("status"))}, nil
}

// decodeStrict rejects unknown fields instead of silently dropping them.
func decodeStrict(c echo.Context, v interface{}) error {
	dec := json.NewDecoder(c.Request().Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, map[string]interface{}{
			"error":  "invalid request body: " + err.Error(),
			"remedy": RemedyCorrectInput,
		})
	}
	return nil
}

// httpError maps engine errors to a status and a body that tells the
// caller whether to correct the input, pick another time or retry.
func httpError(err error) error {
	body := map[string]interface{}{
		"error": err.Error(),
	}
	if r := RemedyFor(err); r != RemedyNone {
		body["remedy"] = r
	}

	var verr *ValidationError
	var serr *StoreError
	var sserr *ScheduleSourceError
	var ierr *InvalidStateError
	switch {
	case errors.As(err, &verr):
		body["field"] = verr.Field
		return echo.NewHTTPError(http.StatusBadRequest, body)
	case errors.Is(err, ErrUnknownAppointmentType):
		body["field"] = "type"
		return echo.NewHTTPError(http.StatusBadRequest, body)
	case errors.Is(err, ErrBookingNotFound):
		return echo.NewHTTPError(http.StatusNotFound, body)
	case errors.Is(err, ErrAlreadyCancelled), errors.Is(err, ErrSlotUnavailable), errors.Is(err, ErrConflict):
		return echo.NewHTTPError(http.StatusConflict, body)
	case errors.Is(err, ErrNoAvailability):
		return echo.NewHTTPError(http.StatusNotFound, body)
	case errors.As(err, &serr), errors.As(err, &sserr):
		return echo.NewHTTPError(http.StatusServiceUnavailable, body)
	case errors.As(err, &ierr):
		return echo.NewHTTPError(http.StatusInternalServerError, body)
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, body)
	}
}
