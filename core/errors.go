package core

import "errors"

var (
	// ErrCapacityExceeded is returned when a station already holds Capacity devices.
	ErrCapacityExceeded = errors.New("base station overloaded")
	// ErrLowBattery is returned when a device at or below BatteryReserve tries to connect.
	ErrLowBattery = errors.New("low battery")
	// ErrInvalidStation indicates a station definition failed validation.
	ErrInvalidStation = errors.New("invalid base station")
	// ErrInvalidDevice indicates a device definition failed validation.
	ErrInvalidDevice = errors.New("invalid device")
	// ErrStationUnresolved is returned when a device's associated station id
	// cannot be resolved through its StationLookup.
	ErrStationUnresolved = errors.New("associated station not resolvable")
)
