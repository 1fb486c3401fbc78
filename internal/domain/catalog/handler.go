package catalog

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
)

type Handler struct {
	catalog *Catalog
}

func NewHandler(c *Catalog) *Handler {
	return &Handler{catalog: c}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/appointment-types", h.ListTypes)
	api.GET("/appointment-types/summary", h.GetSummary)
	api.GET("/appointment-types/recommendations", h.Recommend)
	api.GET("/appointment-types/:id", h.GetType)
}

// ListTypes handles GET /appointment-types, optionally filtered by
// min_duration and max_duration.
func (h *Handler) ListTypes(c echo.Context) error {
	min, err := optionalInt(c, "min_duration")
	if err != nil {
		return err
	}
	max, err := optionalInt(c, "max_duration")
	if err != nil {
		return err
	}
	if min == 0 && max == 0 {
		return c.JSON(http.StatusOK, h.catalog.List())
	}
	types := h.catalog.FilterByDuration(min, max)
	if types == nil {
		types = []AppointmentType{}
	}
	return c.JSON(http.StatusOK, types)
}

func (h *Handler) GetType(c echo.Context) error {
	t, ok := h.catalog.Get(c.Param("id"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "appointment type not found")
	}
	return c.JSON(http.StatusOK, t)
}

func (h *Handler) GetSummary(c echo.Context) error {
	return c.JSON(http.StatusOK, h.catalog.Summary())
}

// Recommend handles GET /appointment-types/recommendations?available=N.
func (h *Handler) Recommend(c echo.Context) error {
	available, err := optionalInt(c, "available")
	if err != nil {
		return err
	}
	if available <= 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "available must be a positive number of minutes")
	}
	recs := h.catalog.Recommend(available)
	if recs == nil {
		recs = []Recommendation{}
	}
	return c.JSON(http.StatusOK, recs)
}

func optionalInt(c echo.Context, name string) (int, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return n, nil
}
