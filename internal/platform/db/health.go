package db

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

const healthTimeout = 5 * time.Second

// DatasetLoad is the most recent row of dataset_load.
type DatasetLoad struct {
	Source   string    `json:"source"`
	Records  int       `json:"records"`
	LoadedAt time.Time `json:"loaded_at"`
}

// ReferenceStats summarizes the reference tables.
type ReferenceStats struct {
	CaseReports int64        `json:"case_reports"`
	Entities    int64        `json:"entities"`
	LastLoad    *DatasetLoad `json:"last_load,omitempty"`
}

// PoolStats is the connection pool section of the health response.
type PoolStats struct {
	Total    int32 `json:"total"`
	Idle     int32 `json:"idle"`
	Acquired int32 `json:"acquired"`
	Max      int32 `json:"max"`
}

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// QueryReferenceStats counts case_report rows and reads the latest
// dataset_load entry. LastLoad is nil when nothing was ever imported.
func QueryReferenceStats(ctx context.Context, q rowQuerier) (*ReferenceStats, error) {
	var st ReferenceStats
	if err := q.QueryRow(ctx, `SELECT COUNT(*), COUNT(DISTINCT entity) FROM case_report`).
		Scan(&st.CaseReports, &st.Entities); err != nil {
		return nil, fmt.Errorf("count case_report: %w", err)
	}

	var load DatasetLoad
	err := q.QueryRow(ctx, `SELECT source, records, loaded_at FROM dataset_load ORDER BY id DESC LIMIT 1`).
		Scan(&load.Source, &load.Records, &load.LoadedAt)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
	case err != nil:
		return nil, fmt.Errorf("read dataset_load: %w", err)
	default:
		st.LastLoad = &load
	}
	return &st, nil
}

func poolStats(pool *pgxpool.Pool) PoolStats {
	s := pool.Stat()
	return PoolStats{Total: s.TotalConns(), Idle: s.IdleConns(), Acquired: s.AcquiredConns(), Max: s.MaxConns()}
}

// HealthHandler serves GET /health/db. It reports 503 when the database is
// unreachable, the schema is missing or case_report holds no rows.
func HealthHandler(pool *pgxpool.Pool) echo.HandlerFunc {
	return healthHandler(pool, func() PoolStats { return poolStats(pool) })
}

type pinger interface {
	rowQuerier
	Ping(ctx context.Context) error
}

func healthHandler(db pinger, stats func() PoolStats) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), healthTimeout)
		defer cancel()

		body := map[string]interface{}{"pool": stats()}
		if err := db.Ping(ctx); err != nil {
			body["status"] = "unhealthy"
			body["error"] = err.Error()
			return c.JSON(http.StatusServiceUnavailable, body)
		}

		ref, err := QueryReferenceStats(ctx, db)
		if err != nil {
			body["status"] = "unhealthy"
			body["error"] = err.Error()
			return c.JSON(http.StatusServiceUnavailable, body)
		}
		body["reference"] = ref
		if ref.CaseReports == 0 {
			body["status"] = "empty"
			return c.JSON(http.StatusServiceUnavailable, body)
		}
		body["status"] = "healthy"
		return c.JSON(http.StatusOK, body)
	}
}
