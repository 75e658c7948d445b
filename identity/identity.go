// Package identity defines the stable device identifier exchanged between
// paired endpoints.
package identity

import (
	"strings"

	"github.com/google/uuid"
)

const separator = "_"

// Platform tags carried inside device identifiers and mDNS TXT records.
const (
	PlatformMac = "macos"
	PlatformIOS = "ios"
)

// DeviceIdentifier is a stable identifier encoding platform, display name,
// and instance UUID. Immutable once constructed.
type DeviceIdentifier struct {
	Platform   string
	DeviceName string
	UUID       string
}

// New builds an identifier with a freshly generated instance UUID.
func New(platform, deviceName string) DeviceIdentifier {
	return DeviceIdentifier{
		Platform:   platform,
		DeviceName: deviceName,
		UUID:       uuid.NewString(),
	}
}

// Format renders the identifier as platform_deviceName_uuid.
func (id DeviceIdentifier) Format() string {
	return id.Platform + separator + id.DeviceName + separator + id.UUID
}

// String implements fmt.Stringer.
func (id DeviceIdentifier) String() string {
	return id.Format()
}

// Parse splits a formatted identifier back into its components. It reports
// ok=false when the input does not split into exactly three parts.
func Parse(formatted string) (DeviceIdentifier, bool) {
	parts := strings.Split(formatted, separator)
	if len(parts) != 3 {
		return DeviceIdentifier{}, false
	}
	return DeviceIdentifier{
		Platform:   parts[0],
		DeviceName: parts[1],
		UUID:       parts[2],
	}, true
}
