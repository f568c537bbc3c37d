package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/fieldpoll/fieldpoll/internal/types"
)

// UpsertRealtime replaces the latest snapshot of a device.
func (p *PostgresClient) UpsertRealtime(ctx context.Context, deviceID string, readings []types.Reading, ts time.Time) error {
	data, err := json.Marshal(readings)
	if err != nil {
		return fmt.Errorf("failed to marshal readings: %w", err)
	}

	_, err = p.pool.Exec(ctx, `
		INSERT INTO realtime_readings (device_id, readings, ts)
		VALUES ($1, $2, $3)
		ON CONFLICT (device_id)
		DO UPDATE SET
			readings = EXCLUDED.readings,
			ts = EXCLUDED.ts,
			updated_at = NOW()
		WHERE realtime_readings.ts <= EXCLUDED.ts
	`, deviceID, data, ts)
	if err != nil {
		return fmt.Errorf("failed to upsert realtime readings: %w", err)
	}
	return nil
}

// AppendHistorical writes one row per reading using COPY.
func (p *PostgresClient) AppendHistorical(ctx context.Context, deviceID string, readings []types.Reading, ts time.Time) error {
	if len(readings) == 0 {
		return nil
	}

	_, err := p.pool.CopyFrom(ctx,
		pgx.Identifier{"historical_readings"},
		[]string{"device_id", "parameter_name", "value", "unit", "ts"},
		pgx.CopyFromSlice(len(readings), func(i int) ([]any, error) {
			r := readings[i]
			return []any{deviceID, r.ParameterName, r.Value, r.Unit, ts}, nil
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to append historical readings: %w", err)
	}
	return nil
}

func (p *PostgresClient) LatestSnapshot(ctx context.Context, deviceID string) (Snapshot, error) {
	var s Snapshot
	var data []byte
	err := p.pool.QueryRow(ctx, `
		SELECT device_id, readings, ts, updated_at
		FROM realtime_readings
		WHERE device_id = $1
	`, deviceID).Scan(&s.DeviceID, &data, &s.Timestamp, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Snapshot{}, ErrNotFound
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to query snapshot: %w", err)
	}
	if err := json.Unmarshal(data, &s.Readings); err != nil {
		return Snapshot{}, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return s, nil
}

// History returns points of a device newest first.
func (p *PostgresClient) History(ctx context.Context, deviceID string, q HistoryQuery) ([]HistoryPoint, error) {
	to := q.To
	if to.IsZero() {
		to = time.Now()
	}

	rows, err := p.pool.Query(ctx, `
		SELECT parameter_name, value, unit, ts
		FROM historical_readings
		WHERE device_id = $1
		  AND ts >= $2 AND ts <= $3
		  AND ($4 = '' OR parameter_name = $4)
		ORDER BY ts DESC
		LIMIT $5
	`, deviceID, q.From, to, q.Parameter, q.limit())
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	points := make([]HistoryPoint, 0)
	for rows.Next() {
		var hp HistoryPoint
		if err := rows.Scan(&hp.ParameterName, &hp.Value, &hp.Unit, &hp.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan history: %w", err)
		}
		points = append(points, hp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}
	return points, nil
}
