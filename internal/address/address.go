// Package address implements the librelay recipient address: a user UUID
// paired with an optional device id.
package address

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// ErrMalformed is returned when a string has more than one "." separator.
var ErrMalformed = errors.New("address: malformed address string")

// Addr is a (userID, deviceID) pair. DeviceID of 0 means "all devices" (the
// bare-UUID form); individual devices start at 1.
type Addr struct {
	UserID   uuid.UUID
	DeviceID uint32 // 0 == unset/all-devices
}

// New returns an address for a specific device.
func New(userID uuid.UUID, deviceID uint32) Addr {
	return Addr{UserID: userID, DeviceID: deviceID}
}

// Bare returns the all-devices form of userID.
func Bare(userID uuid.UUID) Addr {
	return Addr{UserID: userID}
}

// IsBare reports whether this address names "all devices" rather than one.
func (a Addr) IsBare() bool {
	return a.DeviceID == 0
}

// WithDevice returns a copy of a scoped to a specific device.
func (a Addr) WithDevice(deviceID uint32) Addr {
	return Addr{UserID: a.UserID, DeviceID: deviceID}
}

// String renders "UUID" for a bare address or "UUID.deviceId" otherwise.
func (a Addr) String() string {
	if a.IsBare() {
		return a.UserID.String()
	}
	return fmt.Sprintf("%s.%d", a.UserID.String(), a.DeviceID)
}

// Equal reports whether two addresses name the same user and device.
func (a Addr) Equal(o Addr) bool {
	return a.UserID == o.UserID && a.DeviceID == o.DeviceID
}

// SameUser reports whether two addresses share a user id, ignoring device.
func (a Addr) SameUser(o Addr) bool {
	return a.UserID == o.UserID
}

// Parse parses "UUID" or "UUID.deviceId". More than one "." is an error.
func Parse(s string) (Addr, error) {
	parts := strings.Split(s, ".")
	switch len(parts) {
	case 1:
		id, err := uuid.Parse(parts[0])
		if err != nil {
			return Addr{}, fmt.Errorf("address: %w", err)
		}
		return Bare(id), nil
	case 2:
		id, err := uuid.Parse(parts[0])
		if err != nil {
			return Addr{}, fmt.Errorf("address: %w", err)
		}
		devID, err := strconv.ParseUint(parts[1], 10, 32)
		if err != nil {
			return Addr{}, fmt.Errorf("address: invalid device id: %w", err)
		}
		return New(id, uint32(devID)), nil
	default:
		return Addr{}, ErrMalformed
	}
}
