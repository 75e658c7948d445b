package storage

import (
	"errors"
	"fmt"
	"time"
)

// RecordConnectionEvent appends one audit record of the session lifecycle.
func (s *Store) RecordConnectionEvent(deviceID, event, detail string, at time.Time) error {
	if deviceID == "" {
		return errors.New("device_id is required")
	}
	if event == "" {
		return errors.New("event is required")
	}

	_, err := s.db.Exec(
		`INSERT INTO connection_events (device_id, event, detail, timestamp)
		VALUES (?, ?, ?, ?)`,
		deviceID,
		event,
		detail,
		at.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert connection event for %q: %w", deviceID, err)
	}

	return nil
}

// RecentConnectionEvents returns the newest events for one device.
func (s *Store) RecentConnectionEvents(deviceID string, limit int) ([]ConnectionEvent, error) {
	if deviceID == "" {
		return nil, errors.New("device_id is required")
	}
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.Query(
		`SELECT id, device_id, event, detail, timestamp
		FROM connection_events
		WHERE device_id = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ?`,
		deviceID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("get connection events for %q: %w", deviceID, err)
	}
	defer rows.Close()

	events := make([]ConnectionEvent, 0)
	for rows.Next() {
		var event ConnectionEvent
		if err := rows.Scan(&event.ID, &event.DeviceID, &event.Event, &event.Detail, &event.Timestamp); err != nil {
			return nil, fmt.Errorf("scan connection event row: %w", err)
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate connection event rows: %w", err)
	}

	return events, nil
}

// PruneConnectionEvents deletes events older than the retention window and
// returns the number removed.
func (s *Store) PruneConnectionEvents(now time.Time) (int64, error) {
	retention := s.eventRetention
	if retention <= 0 {
		retention = DefaultEventRetention
	}
	cutoff := now.Add(-retention).UnixMilli()

	res, err := s.db.Exec(`DELETE FROM connection_events WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune connection events: %w", err)
	}

	removed, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for prune: %w", err)
	}
	return removed, nil
}
