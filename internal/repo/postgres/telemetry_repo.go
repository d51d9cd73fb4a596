package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/zanewnch/aiot-scheduler/internal/observability"
)

// telemetry source tables the producers are allowed to touch. Identifiers
// cannot be bound as parameters, so the allowlist is the injection guard.
var sourceTables = map[string]bool{
	"drone_positions":        true,
	"drone_commands":         true,
	"drone_real_time_status": true,
}

func IsKnownSourceTable(name string) bool {
	return sourceTables[name]
}

type TelemetryRepo struct {
	pool *pgxpool.Pool
	prom *observability.Prom
}

func NewTelemetryRepo(pool *pgxpool.Pool, prom *observability.Prom) *TelemetryRepo {
	return &TelemetryRepo{pool: pool, prom: prom}
}

func (r *TelemetryRepo) observe(op string, fn func() error) error {
	if r.prom != nil {
		return r.prom.ObserveDB(op, fn)
	}
	return fn()
}

// CountUnarchived estimates the work for one archive task: rows inside the
// date range that no previous run has claimed.
func (r *TelemetryRepo) CountUnarchived(ctx context.Context, table string, start, end time.Time) (int64, error) {
	if !IsKnownSourceTable(table) {
		return 0, fmt.Errorf("unknown source table %q", table)
	}

	op := "telemetry.count_unarchived." + table

	var count int64
	err := r.observe(op, func() error {
		q := fmt.Sprintf(`
			SELECT COUNT(*)
			FROM %s
			WHERE created_at >= $1
			  AND created_at <= $2
			  AND archived_at IS NULL
		`, table)
		return r.pool.QueryRow(ctx, q, start, end).Scan(&count)
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}
