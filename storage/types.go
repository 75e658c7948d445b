package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound indicates the requested row does not exist.
var ErrNotFound = errors.New("storage: not found")

// Device statuses.
const (
	DeviceStatusPaired       = "paired"
	DeviceStatusConnected    = "connected"
	DeviceStatusDisconnected = "disconnected"
)

// Device is one paired remote device.
type Device struct {
	DeviceID          string
	Platform          string
	DeviceName        string
	Status            string
	AddedTimestamp    int64
	LastSeenTimestamp *int64
	LastKnownAddress  *string
}

// ConnectionEvent is one audit record of the session lifecycle.
type ConnectionEvent struct {
	ID        int64
	DeviceID  string
	Event     string
	Detail    string
	Timestamp int64
}

func validateDeviceStatus(status string) error {
	switch status {
	case DeviceStatusPaired, DeviceStatusConnected, DeviceStatusDisconnected:
		return nil
	default:
		return fmt.Errorf("invalid device status %q", status)
	}
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}

func nullString(value *string) any {
	if value == nil {
		return nil
	}
	return *value
}

func int64Ptr(value sql.NullInt64) *int64 {
	if !value.Valid {
		return nil
	}
	v := value.Int64
	return &v
}

func stringPtr(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	v := value.String
	return &v
}
