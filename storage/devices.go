package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// UpsertDevice inserts or refreshes one paired device record. Empty
// platform, name, and address values never overwrite stored ones.
func (s *Store) UpsertDevice(id, platform, name, address string, seenAt time.Time) error {
	if id == "" {
		return errors.New("device_id is required")
	}

	seen := seenAt.UnixMilli()
	_, err := s.db.Exec(
		`INSERT INTO devices (
			device_id,
			platform,
			device_name,
			status,
			added_timestamp,
			last_seen_timestamp,
			last_known_address
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			platform = CASE WHEN excluded.platform != '' THEN excluded.platform ELSE platform END,
			device_name = CASE WHEN excluded.device_name != '' THEN excluded.device_name ELSE device_name END,
			last_seen_timestamp = excluded.last_seen_timestamp,
			last_known_address = CASE
				WHEN excluded.last_known_address IS NOT NULL THEN excluded.last_known_address
				ELSE last_known_address
			END`,
		id,
		platform,
		name,
		DeviceStatusPaired,
		nowUnixMilli(),
		seen,
		nullString(optionalString(address)),
	)
	if err != nil {
		return fmt.Errorf("upsert device %q: %w", id, err)
	}

	return nil
}

// MarkDeviceStatus updates a device's status and last seen timestamp.
func (s *Store) MarkDeviceStatus(id, status string, at time.Time) error {
	if id == "" {
		return errors.New("device_id is required")
	}
	if err := validateDeviceStatus(status); err != nil {
		return err
	}

	res, err := s.db.Exec(
		`UPDATE devices
		SET status = ?,
		    last_seen_timestamp = ?
		WHERE device_id = ?`,
		status,
		at.UnixMilli(),
		id,
	)
	if err != nil {
		return fmt.Errorf("update device status %q: %w", id, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for device status update %q: %w", id, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// GetDevice fetches one device by ID.
func (s *Store) GetDevice(id string) (*Device, error) {
	row := s.db.QueryRow(
		`SELECT
			device_id,
			platform,
			device_name,
			status,
			added_timestamp,
			last_seen_timestamp,
			last_known_address
		FROM devices
		WHERE device_id = ?`,
		id,
	)

	device, err := scanDevice(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get device %q: %w", id, err)
	}

	return device, nil
}

// ListDevices returns all paired devices sorted by name.
func (s *Store) ListDevices() ([]Device, error) {
	rows, err := s.db.Query(
		`SELECT
			device_id,
			platform,
			device_name,
			status,
			added_timestamp,
			last_seen_timestamp,
			last_known_address
		FROM devices
		ORDER BY device_name, device_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	devices := make([]Device, 0)
	for rows.Next() {
		device, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scan device row: %w", err)
		}
		devices = append(devices, *device)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate device rows: %w", err)
	}

	return devices, nil
}

// RemoveDevice deletes one device and its connection events.
func (s *Store) RemoveDevice(id string) error {
	if id == "" {
		return errors.New("device_id is required")
	}

	res, err := s.db.Exec(`DELETE FROM devices WHERE device_id = ?`, id)
	if err != nil {
		return fmt.Errorf("remove device %q: %w", id, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for remove device %q: %w", id, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	if _, err := s.db.Exec(`DELETE FROM connection_events WHERE device_id = ?`, id); err != nil {
		return fmt.Errorf("remove connection events for %q: %w", id, err)
	}

	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDevice(row scanner) (*Device, error) {
	var (
		device   Device
		lastSeen sql.NullInt64
		address  sql.NullString
	)

	if err := row.Scan(
		&device.DeviceID,
		&device.Platform,
		&device.DeviceName,
		&device.Status,
		&device.AddedTimestamp,
		&lastSeen,
		&address,
	); err != nil {
		return nil, err
	}

	device.LastSeenTimestamp = int64Ptr(lastSeen)
	device.LastKnownAddress = stringPtr(address)

	return &device, nil
}

func optionalString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}
