package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/fieldpoll/fieldpoll/internal/types"
)

const deviceColumns = `id, name, enabled, polling_interval_ms, connection_setting, data_points`

// LoadDevices returns every stored device, enabled or not.
func (p *PostgresClient) LoadDevices(ctx context.Context) ([]types.Device, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+deviceColumns+` FROM devices ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query devices: %w", err)
	}
	defer rows.Close()

	devices := make([]types.Device, 0)
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read devices: %w", err)
	}
	return devices, nil
}

func (p *PostgresClient) GetDevice(ctx context.Context, id string) (types.Device, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+deviceColumns+` FROM devices WHERE id = $1`, id)
	d, err := scanDevice(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.Device{}, ErrNotFound
	}
	return d, err
}

// SaveDevice inserts or replaces a device definition.
func (p *PostgresClient) SaveDevice(ctx context.Context, d types.Device) error {
	connJSON, err := json.Marshal(d.ConnectionSetting)
	if err != nil {
		return fmt.Errorf("failed to marshal connection_setting: %w", err)
	}
	dpJSON, err := json.Marshal(d.DataPoints)
	if err != nil {
		return fmt.Errorf("failed to marshal data_points: %w", err)
	}

	_, err = p.pool.Exec(ctx, `
		INSERT INTO devices (id, name, enabled, polling_interval_ms, connection_setting, data_points)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id)
		DO UPDATE SET
			name = EXCLUDED.name,
			enabled = EXCLUDED.enabled,
			polling_interval_ms = EXCLUDED.polling_interval_ms,
			connection_setting = EXCLUDED.connection_setting,
			data_points = EXCLUDED.data_points,
			updated_at = NOW()
	`, d.ID, d.Name, d.Enabled, d.PollingIntervalMs, connJSON, dpJSON)
	if err != nil {
		return fmt.Errorf("failed to upsert device: %w", err)
	}
	return nil
}

func (p *PostgresClient) SetDeviceEnabled(ctx context.Context, id string, enabled bool) error {
	result, err := p.pool.Exec(ctx, `
		UPDATE devices SET enabled = $2, updated_at = NOW() WHERE id = $1
	`, id, enabled)
	if err != nil {
		return fmt.Errorf("failed to update device: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteDevice removes the device together with its realtime snapshot.
// Historical rows are kept.
func (p *PostgresClient) DeleteDevice(ctx context.Context, id string) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	result, err := tx.Exec(ctx, `DELETE FROM devices WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete device: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	if _, err := tx.Exec(ctx, `DELETE FROM realtime_readings WHERE device_id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete realtime snapshot: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func scanDevice(row pgx.Row) (types.Device, error) {
	var d types.Device
	var connJSON, dpJSON []byte
	if err := row.Scan(&d.ID, &d.Name, &d.Enabled, &d.PollingIntervalMs, &connJSON, &dpJSON); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return d, err
		}
		return d, fmt.Errorf("failed to scan device: %w", err)
	}
	if err := json.Unmarshal(connJSON, &d.ConnectionSetting); err != nil {
		return d, fmt.Errorf("device %s: failed to unmarshal connection_setting: %w", d.ID, err)
	}
	if err := json.Unmarshal(dpJSON, &d.DataPoints); err != nil {
		return d, fmt.Errorf("device %s: failed to unmarshal data_points: %w", d.ID, err)
	}
	return d, nil
}
