package db

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// PoolStats represents database connection pool statistics.
type PoolStats struct {
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireCount    int64  `json:"acquire_count"`
	AcquireDuration string `json:"acquire_duration"`
	Healthy         bool   `json:"healthy"`
}

// GetPoolStats returns connection pool statistics.
func GetPoolStats(pool *pgxpool.Pool) *PoolStats {
	stat := pool.Stat()
	return &PoolStats{
		TotalConns:      stat.TotalConns(),
		IdleConns:       stat.IdleConns(),
		AcquiredConns:   stat.AcquiredConns(),
		MaxConns:        stat.MaxConns(),
		AcquireCount:    stat.AcquireCount(),
		AcquireDuration: stat.AcquireDuration().String(),
		Healthy:         stat.TotalConns() > 0,
	}
}

// Checker pings one backing service.
type Checker func(ctx context.Context) error

// DependencyStatus is the result of one Checker.
type DependencyStatus struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// HealthHandler reports the database pool, when one is configured, and
// any extra dependencies such as the lock backend. Any failure turns the
// response into a 503.
func HealthHandler(pool *pgxpool.Pool, checks map[string]Checker) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		healthy := true
		body := map[string]interface{}{}

		if pool != nil {
			err := pool.Ping(ctx)
			stats := GetPoolStats(pool)
			if err != nil {
				stats.Healthy = false
				healthy = false
				body["error"] = err.Error()
			}
			body["pool"] = stats
		}

		names := make([]string, 0, len(checks))
		for name := range checks {
			names = append(names, name)
		}
		sort.Strings(names)

		deps := make([]DependencyStatus, 0, len(names))
		for _, name := range names {
			st := DependencyStatus{Name: name, Status: "healthy"}
			if err := checks[name](ctx); err != nil {
				st.Status = "unhealthy"
				st.Error = err.Error()
				healthy = false
			}
			deps = append(deps, st)
		}
		body["dependencies"] = deps

		if !healthy {
			body["status"] = "unhealthy"
			return c.JSON(http.StatusServiceUnavailable, body)
		}
		body["status"] = "healthy"
		return c.JSON(http.StatusOK, body)
	}
}
