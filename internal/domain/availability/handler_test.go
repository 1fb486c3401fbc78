package availability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/clinic/scheduler/internal/domain/catalog"
	"github.com/clinic/scheduler/internal/platform/auth"
)

var errTestSource = errors.New("calendar unavailable")

func newTestHandler(t *testing.T) (*Handler, *fixture) {
	t.Helper()
	f := newFixture(t, nil, nil)
	h := NewHandler(f.query, f.coord)
	h.now = func() time.Time { return monday.Add(12 * time.Hour) }
	return h, f
}

func httpCode(t *testing.T, err error) (int, map[string]interface{}) {
	t.Helper()
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T: %v", err, err)
	}
	body, _ := httpErr.Message.(map[string]interface{})
	return httpErr.Code, body
}

func TestHandler_ListSlots(t *testing.T) {
	h, _ := newTestHandler(t)
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/slots?date=2025-03-08&type=specialist_consultation", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.ListSlots(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var out struct {
		Date  string     `json:"date"`
		Slots []slotView `json:"slots"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	// saturday 10:00-14:00
	if len(out.Slots) != 13 {
		t.Errorf("expected 13 slots, got %d", len(out.Slots))
	}
	if out.Slots[0].StartTime != "10:00" || out.Slots[0].EndTime != "11:00" || out.Slots[0].Date != "2025-03-08" {
		t.Errorf("unexpected first slot %+v", out.Slots[0])
	}
}

func TestHandler_ListSlots_BadInput(t *testing.T) {
	h, _ := newTestHandler(t)
	e := echo.New()

	tests := []struct {
		query string
		field string
	}{
		{"/slots?type=follow_up", "date"},
		{"/slots?date=tomorrow&type=follow_up", "date"},
		{"/slots?date=2025-03-03&type=massage", "type"},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, tt.query, nil)
		c := e.NewContext(req, httptest.NewRecorder())
		code, body := httpCode(t, h.ListSlots(c))
		if code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", tt.query, code)
		}
		if body["field"] != tt.field || body["remedy"] != RemedyCorrectInput {
			t.Errorf("%s: unexpected body %v", tt.query, body)
		}
	}
}

func TestHandler_NextSlot(t *testing.T) {
	h, _ := newTestHandler(t)
	e := echo.New()

	req := httptest.NewRequest(http.MethodGet, "/slots/next?type=general_consultation", nil)
	rec := httptest.NewRecorder()
	if err := h.NextSlot(e.NewContext(req, rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var v slotView
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatal(err)
	}
	if v.Date != "2025-03-03" || v.StartTime != "12:00" {
		t.Errorf("expected monday 12:00, got %s %s", v.Date, v.StartTime)
	}

	// sunday is closed, so with one day of lookahead there is nothing
	req = httptest.NewRequest(http.MethodGet, "/slots/next?type=follow_up&from=2025-03-09&lookahead=1", nil)
	code, body := httpCode(t, h.NextSlot(e.NewContext(req, httptest.NewRecorder())))
	if code != http.StatusNotFound || body["remedy"] != RemedyPickAnotherTime {
		t.Errorf("expected 404 pick_another_time, got %d %v", code, body)
	}

	req = httptest.NewRequest(http.MethodGet, "/slots/next?type=follow_up&lookahead=0", nil)
	code, _ = httpCode(t, h.NextSlot(e.NewContext(req, httptest.NewRecorder())))
	if code != http.StatusBadRequest {
		t.Errorf("expected 400 for lookahead=0, got %d", code)
	}
}

func TestHandler_CheckSlot(t *testing.T) {
	h, f := newTestHandler(t)
	e := echo.New()
	_, _ = f.ledger.Create(context.Background(), slotAt(monday, "10:00", 30, "general_consultation"), testPatient)

	tests := []struct {
		time string
		want bool
	}{
		{"09:30", true},
		{"10:00", false},
		{"10:30", true},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/slots/check?date=2025-03-03&type=general_consultation&time="+tt.time, nil)
		rec := httptest.NewRecorder()
		if err := h.CheckSlot(e.NewContext(req, rec)); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		var out map[string]interface{}
		_ = json.Unmarshal(rec.Body.Bytes(), &out)
		if out["available"] != tt.want {
			t.Errorf("%s: expected available=%v, got %v", tt.time, tt.want, out["available"])
		}
	}
}

func TestHandler_GetSchedule(t *testing.T) {
	h, _ := newTestHandler(t)
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/schedule?date=2025-03-09", nil)
	rec := httptest.NewRecorder()

	if err := h.GetSchedule(e.NewContext(req, rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var day DaySchedule
	if err := json.Unmarshal(rec.Body.Bytes(), &day); err != nil {
		t.Fatal(err)
	}
	if day.Open || day.Weekday != "Sunday" {
		t.Errorf("expected closed sunday, got %+v", day)
	}
}

func TestHandler_CreateBooking(t *testing.T) {
	h, _ := newTestHandler(t)
	e := echo.New()
	body := `{"appointment_type":"physical_exam","date":"2025-03-04","time":"14:00","patient_name":"Alan Turing","patient_email":"alan@example.com"}`

	req := httptest.NewRequest(http.MethodPost, "/bookings", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	if err := h.CreateBooking(e.NewContext(req, rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}
	var conf Confirmation
	if err := json.Unmarshal(rec.Body.Bytes(), &conf); err != nil {
		t.Fatal(err)
	}
	if conf.Status != PhaseConfirmed || conf.AppointmentType.ID != "physical_exam" {
		t.Errorf("unexpected confirmation %+v", conf)
	}

	// same slot again
	req = httptest.NewRequest(http.MethodPost, "/bookings", strings.NewReader(body))
	code, out := httpCode(t, h.CreateBooking(e.NewContext(req, httptest.NewRecorder())))
	if code != http.StatusConflict || out["remedy"] != RemedyPickAnotherTime {
		t.Errorf("expected 409 pick_another_time, got %d %v", code, out)
	}
}

func TestHandler_CreateBooking_BadBody(t *testing.T) {
	h, _ := newTestHandler(t)
	e := echo.New()

	tests := []struct {
		body string
		code int
	}{
		{`{"appointment_type":`, http.StatusBadRequest},
		{`{"appointment_type":"follow_up","colour":"blue"}`, http.StatusBadRequest},
		{`{"appointment_type":"follow_up","date":"2025-03-04","time":"14:00","patient_name":"A","patient_email":"nope"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodPost, "/bookings", strings.NewReader(tt.body))
		code, _ := httpCode(t, h.CreateBooking(e.NewContext(req, httptest.NewRecorder())))
		if code != tt.code {
			t.Errorf("%s: expected %d, got %d", tt.body, tt.code, code)
		}
	}
}

func TestHandler_GetAndCancelBooking(t *testing.T) {
	h, f := newTestHandler(t)
	e := echo.New()
	conf, err := f.coord.Book(context.Background(), bookingRequest("follow_up", "2025-03-03", "15:00"))
	if err != nil {
		t.Fatal(err)
	}
	id := conf.Booking.ID.String()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(id)
	if err := h.GetBooking(c); err != nil {
		t.Fatalf("get: %v", err)
	}

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"reason":"conflict at work"}`))
	rec = httptest.NewRecorder()
	c = e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(id)
	if err := h.CancelBooking(c); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	var b Booking
	_ = json.Unmarshal(rec.Body.Bytes(), &b)
	if b.Status != StatusCancelled || b.CancellationReason != "conflict at work" {
		t.Errorf("unexpected booking %+v", b)
	}

	// second cancel without a body
	req = httptest.NewRequest(http.MethodPost, "/", nil)
	c = e.NewContext(req, httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(id)
	if code, _ := httpCode(t, h.CancelBooking(c)); code != http.StatusConflict {
		t.Errorf("expected 409, got %d", code)
	}

	for _, bad := range []string{"not-a-uuid", "7f1c2f8e-0000-4000-8000-000000000000"} {
		c = e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
		c.SetParamNames("id")
		c.SetParamValues(bad)
		code, _ := httpCode(t, h.GetBooking(c))
		if bad == "not-a-uuid" && code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", code)
		}
		if bad != "not-a-uuid" && code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", code)
		}
	}
}

func TestHandler_RescheduleBooking(t *testing.T) {
	h, f := newTestHandler(t)
	e := echo.New()
	conf, _ := f.coord.Book(context.Background(), bookingRequest("follow_up", "2025-03-03", "15:00"))

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"date":"2025-03-05","time":"09:30"}`))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(conf.Booking.ID.String())
	if err := h.RescheduleBooking(c); err != nil {
		t.Fatalf("reschedule: %v", err)
	}
	var moved Confirmation
	_ = json.Unmarshal(rec.Body.Bytes(), &moved)
	if moved.Booking == nil || moved.Booking.Slot.Start.Format(time.DateOnly) != "2025-03-05" {
		t.Errorf("unexpected reschedule result %+v", moved)
	}
}

func TestHandler_ListBookings(t *testing.T) {
	h, f := newTestHandler(t)
	e := echo.New()
	for _, start := range []string{"09:00", "10:00", "11:00"} {
		if _, err := f.coord.Book(context.Background(), bookingRequest("follow_up", "2025-03-03", start)); err != nil {
			t.Fatal(err)
		}
	}
	_, _ = f.coord.Book(context.Background(), bookingRequest("follow_up", "2025-03-04", "09:00"))

	req := httptest.NewRequest(http.MethodGet, "/bookings?from=2025-03-03&to=2025-03-03&limit=2", nil)
	rec := httptest.NewRecorder()
	if err := h.ListBookings(e.NewContext(req, rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var out struct {
		Data    []Booking `json:"data"`
		Total   int       `json:"total"`
		HasMore bool      `json:"has_more"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	if out.Total != 3 || len(out.Data) != 2 || !out.HasMore {
		t.Errorf("unexpected page: total=%d len=%d has_more=%v", out.Total, len(out.Data), out.HasMore)
	}

	req = httptest.NewRequest(http.MethodGet, "/bookings?status=maybe", nil)
	if code, _ := httpCode(t, h.ListBookings(e.NewContext(req, httptest.NewRecorder()))); code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad status, got %d", code)
	}

	req = httptest.NewRequest(http.MethodGet, "/bookings/summary", nil)
	rec = httptest.NewRecorder()
	if err := h.GetBookingSummary(e.NewContext(req, rec)); err != nil {
		t.Fatalf("summary: %v", err)
	}
	var s BookingSummary
	_ = json.Unmarshal(rec.Body.Bytes(), &s)
	if s.Active != 4 {
		t.Errorf("expected 4 active, got %d", s.Active)
	}
}

func TestHandler_StaffRoutesRequireRole(t *testing.T) {
	h, _ := newTestHandler(t)
	cfg := auth.JWTConfig{SigningKey: []byte("test-key"), Optional: true}
	e := echo.New()
	api := e.Group("/api/v1", auth.JWTMiddleware(cfg))
	h.RegisterRoutes(api)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/bookings", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("anonymous: expected 401, got %d", rec.Code)
	}

	patient, _ := auth.IssueToken(cfg, "patient-1", []string{"patient"}, time.Hour)
	req = httptest.NewRequest(http.MethodGet, "/api/v1/bookings", nil)
	req.Header.Set("Authorization", "Bearer "+patient)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("patient: expected 403, got %d", rec.Code)
	}

	staff, _ := auth.IssueToken(cfg, "staff-1", []string{"staff"}, time.Hour)
	req = httptest.NewRequest(http.MethodGet, "/api/v1/bookings", nil)
	req.Header.Set("Authorization", "Bearer "+staff)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("staff: expected 200, got %d", rec.Code)
	}

	// public routes stay open
	req = httptest.NewRequest(http.MethodGet, "/api/v1/slots?date=2025-03-03&type=follow_up", nil)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("public slots: expected 200, got %d", rec.Code)
	}
}

func TestHandler_UnknownPathIsNotFound(t *testing.T) {
	h, _ := newTestHandler(t)
	cfg := auth.JWTConfig{SigningKey: []byte("test-key"), Optional: true}
	e := echo.New()
	h.RegisterRoutes(e.Group("/api/v1", auth.JWTMiddleware(cfg)))

	for _, path := range []string{"/api/v1", "/api/v1/nope", "/api/v1/slots/extra/segment"} {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusNotFound {
			t.Errorf("GET %s: expected 404, got %d", path, rec.Code)
		}
	}
}

func TestHandler_BookingDetailsRequireStaff(t *testing.T) {
	h, f := newTestHandler(t)
	cfg := auth.JWTConfig{SigningKey: []byte("test-key"), Optional: true}
	e := echo.New()
	h.RegisterRoutes(e.Group("/api/v1", auth.JWTMiddleware(cfg)))

	conf, err := f.coord.Book(context.Background(), bookingRequest("follow_up", "2025-03-03", "11:00"))
	if err != nil {
		t.Fatal(err)
	}
	path := "/api/v1/bookings/" + conf.Booking.ID.String()

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("anonymous: expected 401, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), conf.Booking.Patient.Email) {
		t.Error("anonymous response leaked the patient email")
	}

	staff, _ := auth.IssueToken(cfg, "staff-1", []string{"staff"}, time.Hour)
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set("Authorization", "Bearer "+staff)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("staff: expected 200, got %d", rec.Code)
	}
}

func TestHTTPError_SourceFailure(t *testing.T) {
	src := newStubSource()
	src.busyErr = errTestSource
	q := NewQuery(catalog.Default(), src, QueryConfig{Location: time.UTC}, zerolog.Nop())
	h := NewHandler(q, NewCoordinator(q, NewMemoryLedger(), nil, zerolog.Nop(), 0))

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/slots?date=2025-03-03&type=follow_up", nil)
	code, body := httpCode(t, h.ListSlots(e.NewContext(req, httptest.NewRecorder())))
	if code != http.StatusServiceUnavailable || body["remedy"] != RemedyTryAgainLater {
		t.Errorf("expected 503 try_again_later, got %d %v", code, body)
	}
}
