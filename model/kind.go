package model

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownKind is returned when a device kind name cannot be parsed.
var ErrUnknownKind = errors.New("unknown device kind")

// DeviceKind is the closed set of simulated device types.
type DeviceKind int

const (
	KindUnknown DeviceKind = iota
	KindSmartPhone
	KindIoT
	KindDrone
)

// KindProfile holds the per-kind behaviour of a device.
type KindProfile struct {
	Name     string
	Drain    int // battery units consumed per data send
	Activity string
}

var kindProfiles = map[DeviceKind]KindProfile{
	KindSmartPhone: {Name: "SmartPhone", Drain: 5, Activity: "Call/Data session"},
	KindIoT:        {Name: "IoTDevice", Drain: 1, Activity: "Sensor update"},
	KindDrone:      {Name: "Drone", Drain: 10, Activity: "Video streaming"},
}

// Kinds lists the known device kinds in a stable order.
func Kinds() []DeviceKind {
	return []DeviceKind{KindSmartPhone, KindIoT, KindDrone}
}

// Profile returns the behaviour profile for k.
func (k DeviceKind) Profile() (KindProfile, bool) {
	p, ok := kindProfiles[k]
	return p, ok
}

// Valid reports whether k is one of the known kinds.
func (k DeviceKind) Valid() bool {
	_, ok := kindProfiles[k]
	return ok
}

func (k DeviceKind) String() string {
	if p, ok := kindProfiles[k]; ok {
		return p.Name
	}
	return "Unknown"
}

// ParseDeviceKind accepts the canonical kind names plus the short "IoT" alias
// used by operator tooling. Matching is case-insensitive.
func ParseDeviceKind(s string) (DeviceKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "smartphone", "phone":
		return KindSmartPhone, nil
	case "iot", "iotdevice":
		return KindIoT, nil
	case "drone":
		return KindDrone, nil
	default:
		return KindUnknown, fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
}

// MarshalText implements encoding.TextMarshaler so kinds render by name in
// JSON and YAML.
func (k DeviceKind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, int(k))
	}
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *DeviceKind) UnmarshalText(text []byte) error {
	parsed, err := ParseDeviceKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}
