package core

import (
	"fmt"
	"sync"

	"github.com/signalsfoundry/handover-simulator/model"
)

const (
	// FullBattery is the battery level of a freshly registered device.
	FullBattery = 100
	// BatteryReserve is the level at or below which new associations are refused.
	BatteryReserve = 5
)

// StationLookup resolves a station ID to the live station. Devices keep only
// the ID of their current station and go through a lookup to reach it.
type StationLookup interface {
	Station(id string) (*BaseStation, bool)
}

// DeviceSnapshot is a point-in-time copy of a device's mutable state.
type DeviceSnapshot struct {
	ID        string           `json:"id"`
	Kind      model.DeviceKind `json:"kind"`
	Battery   int              `json:"battery"`
	Location  model.Location   `json:"location"`
	StationID string           `json:"station_id,omitempty"`
}

// Device is a mobile terminal that holds at most one station association.
// Every operation on a device is serialized on its own mutex; when a device
// operation touches a station the device lock is always taken first.
type Device struct {
	id      string
	kind    model.DeviceKind
	profile model.KindProfile
	lookup  StationLookup
	engine  *HandoverEngine

	mu        sync.Mutex
	battery   int
	location  model.Location
	stationID string
}

// DeviceOption customises Device construction.
type DeviceOption func(*Device)

// WithHandoverEngine overrides the engine used by Move.
func WithHandoverEngine(e *HandoverEngine) DeviceOption {
	return func(d *Device) {
		if e != nil {
			d.engine = e
		}
	}
}

// NewDevice creates an unassociated device with a full battery at loc.
func NewDevice(id string, kind model.DeviceKind, loc model.Location, lookup StationLookup, opts ...DeviceOption) (*Device, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: empty device ID", ErrInvalidDevice)
	}
	profile, ok := kind.Profile()
	if !ok {
		return nil, fmt.Errorf("%w: device %q: %v", ErrInvalidDevice, id, model.ErrUnknownKind)
	}
	if lookup == nil {
		return nil, fmt.Errorf("%w: device %q has no station lookup", ErrInvalidDevice, id)
	}
	d := &Device{
		id:       id,
		kind:     kind,
		profile:  profile,
		lookup:   lookup,
		engine:   NewHandoverEngine(),
		battery:  FullBattery,
		location: loc,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d, nil
}

func (d *Device) ID() string             { return d.id }
func (d *Device) Kind() model.DeviceKind { return d.kind }

// Battery returns the current battery level. It may be negative.
func (d *Device) Battery() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.battery
}

// Location returns the device's current position.
func (d *Device) Location() model.Location {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.location
}

// StationID returns the ID of the associated station, if any.
func (d *Device) StationID() (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stationID, d.stationID != ""
}

// Snapshot returns a consistent copy of the device state.
func (d *Device) Snapshot() DeviceSnapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return DeviceSnapshot{
		ID:        d.id,
		Kind:      d.kind,
		Battery:   d.battery,
		Location:  d.location,
		StationID: d.stationID,
	}
}

// Connect associates the device with station. It fails with ErrLowBattery
// when the battery is at or below BatteryReserve and passes ErrCapacityExceeded
// through unchanged from the station. When the device was associated with a
// different station, that association is released only after the new
// admission succeeded.
func (d *Device) Connect(station *BaseStation) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connectLocked(station)
}

func (d *Device) connectLocked(station *BaseStation) error {
	if station == nil {
		return fmt.Errorf("%w: nil station", ErrInvalidStation)
	}
	if d.battery <= BatteryReserve {
		return fmt.Errorf("%w: device %s at %d", ErrLowBattery, d.id, d.battery)
	}
	if err := station.Admit(d.id); err != nil {
		return err
	}
	if d.stationID != "" && d.stationID != station.ID() {
		if prev, ok := d.lookup.Station(d.stationID); ok {
			prev.Evict(d.id)
		}
	}
	d.stationID = station.ID()
	return nil
}

// Disconnect releases the current association. It is a no-op for an
// unassociated device.
func (d *Device) Disconnect() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.disconnectLocked()
}

func (d *Device) disconnectLocked() error {
	if d.stationID == "" {
		return nil
	}
	id := d.stationID
	d.stationID = ""
	st, ok := d.lookup.Station(id)
	if !ok {
		return fmt.Errorf("%w: %q", ErrStationUnresolved, id)
	}
	st.Evict(d.id)
	return nil
}

// Move updates the device location and then re-evaluates its association
// against stations, in the given order. Moving always succeeds; the returned
// result describes any handover that followed.
func (d *Device) Move(to model.Location, stations []*BaseStation) HandoverResult {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.location = to
	return d.engine.evaluateLocked(d, stations)
}

// SendData drains the battery by the kind's cost and returns the activity
// record. There is no floor: the battery may go negative.
func (d *Device) SendData() model.ActivityRecord {
	d.mu.Lock()
	defer d.mu.Unlock()

	before := d.battery
	d.battery -= d.profile.Drain
	return model.ActivityRecord{
		DeviceID:      d.id,
		Kind:          d.kind,
		Activity:      d.profile.Activity,
		BatteryBefore: before,
		BatteryAfter:  d.battery,
	}
}
