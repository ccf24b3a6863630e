package sink

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kpreisner/scadapoll/internal/types"
)

// Postgres persists readings and alarm transitions. This is the
// system's cold path: the append-only history the dashboard and any
// backfill tooling read from.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, dsn string, maxConns int32) (*Postgres, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse pool config: %w", err)
	}

	if maxConns > 0 {
		poolConfig.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	p := &Postgres{pool: pool}
	if err := p.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return p, nil
}

func (p *Postgres) ensureSchema(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS readings (
			id         BIGSERIAL PRIMARY KEY,
			time       TIMESTAMPTZ NOT NULL,
			device_id  INTEGER NOT NULL,
			metric     TEXT NOT NULL,
			value      DOUBLE PRECISION NOT NULL,
			unit       TEXT NOT NULL DEFAULT '',
			quality    TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS readings_device_time_idx
			ON readings (device_id, metric, time DESC);
		CREATE TABLE IF NOT EXISTS alarm_events (
			id         BIGSERIAL PRIMARY KEY,
			device_id  INTEGER NOT NULL,
			metric     TEXT NOT NULL,
			level      TEXT NOT NULL,
			since      TIMESTAMPTZ NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	return nil
}

func (p *Postgres) Store(ctx context.Context, r types.Reading) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO readings (time, device_id, metric, value, unit, quality)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, r.Timestamp, r.DeviceID, r.Metric, r.Value, r.Unit, string(r.Quality))

	if err != nil {
		return fmt.Errorf("failed to insert reading: %w", err)
	}
	return nil
}

func (p *Postgres) RecordAlarm(ctx context.Context, deviceID int, metric string, state types.AlarmState) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO alarm_events (device_id, metric, level, since)
		VALUES ($1, $2, $3, $4)
	`, deviceID, metric, string(state.Level), state.Since)

	if err != nil {
		return fmt.Errorf("failed to insert alarm event: %w", err)
	}
	return nil
}

func (p *Postgres) Close() {
	p.pool.Close()
}
