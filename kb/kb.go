package kb

import (
	"errors"
	"fmt"
	"sync"

	"github.com/signalsfoundry/handover-simulator/core"
)

var (
	ErrStationExists   = errors.New("station already exists")
	ErrStationNotFound = errors.New("station not found")
	ErrDeviceExists    = errors.New("device already exists")
	ErrDeviceNotFound  = errors.New("device not found")
)

// EventType indicates what kind of change happened in the KB.
type EventType int

const (
	EventStationAdded EventType = iota
	EventDeviceAdded
)

func (t EventType) String() string {
	switch t {
	case EventStationAdded:
		return "station_added"
	case EventDeviceAdded:
		return "device_added"
	default:
		return "unknown"
	}
}

// Event is emitted to subscribers when something interesting happens.
type Event struct {
	Type      EventType
	StationID string
	DeviceID  string
}

// KnowledgeBase is an in-memory, thread-safe registry of base stations and
// devices. Both are kept in insertion order: stations in provisioning order,
// which is the candidate order handover evaluation relies on, and devices in
// registration order.
//
// The KB owns identity and ordering only. Association state lives in the
// stations and devices themselves.
type KnowledgeBase struct {
	mu sync.RWMutex

	stations     map[string]*core.BaseStation
	stationOrder []string
	devices      map[string]*core.Device
	deviceOrder  []string

	subs   map[int]func(Event)
	nextID int
}

// NewKnowledgeBase constructs an empty KB.
func NewKnowledgeBase() *KnowledgeBase {
	return &KnowledgeBase{
		stations: make(map[string]*core.BaseStation),
		devices:  make(map[string]*core.Device),
		subs:     make(map[int]func(Event)),
	}
}

// AddStation adds a provisioned station. It returns ErrStationExists if the
// ID is already taken.
func (kb *KnowledgeBase) AddStation(st *core.BaseStation) error {
	if st == nil {
		return fmt.Errorf("%w: nil station", core.ErrInvalidStation)
	}
	kb.mu.Lock()
	if _, exists := kb.stations[st.ID()]; exists {
		kb.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrStationExists, st.ID())
	}
	kb.stations[st.ID()] = st
	kb.stationOrder = append(kb.stationOrder, st.ID())
	subs := kb.subscribersLocked()
	kb.mu.Unlock()

	notify(subs, Event{Type: EventStationAdded, StationID: st.ID()})
	return nil
}

// AddDevice registers d. It returns ErrDeviceExists if the ID is already
// taken.
func (kb *KnowledgeBase) AddDevice(d *core.Device) error {
	if d == nil {
		return fmt.Errorf("%w: nil device", core.ErrInvalidDevice)
	}
	kb.mu.Lock()
	if _, exists := kb.devices[d.ID()]; exists {
		kb.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrDeviceExists, d.ID())
	}
	kb.devices[d.ID()] = d
	kb.deviceOrder = append(kb.deviceOrder, d.ID())
	subs := kb.subscribersLocked()
	kb.mu.Unlock()

	notify(subs, Event{Type: EventDeviceAdded, DeviceID: d.ID()})
	return nil
}

// HasDevice reports whether a device with id is registered.
func (kb *KnowledgeBase) HasDevice(id string) bool {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	_, ok := kb.devices[id]
	return ok
}

// Station implements core.StationLookup.
func (kb *KnowledgeBase) Station(id string) (*core.BaseStation, bool) {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	st, ok := kb.stations[id]
	return st, ok
}

// GetStation returns the station with the given ID or ErrStationNotFound.
func (kb *KnowledgeBase) GetStation(id string) (*core.BaseStation, error) {
	st, ok := kb.Station(id)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrStationNotFound, id)
	}
	return st, nil
}

// GetDevice returns the device with the given ID or ErrDeviceNotFound.
func (kb *KnowledgeBase) GetDevice(id string) (*core.Device, error) {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	d, ok := kb.devices[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrDeviceNotFound, id)
	}
	return d, nil
}

// FirstStation returns the earliest provisioned station.
func (kb *KnowledgeBase) FirstStation() (*core.BaseStation, bool) {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	if len(kb.stationOrder) == 0 {
		return nil, false
	}
	return kb.stations[kb.stationOrder[0]], true
}

// ListStations returns the stations in provisioning order.
func (kb *KnowledgeBase) ListStations() []*core.BaseStation {
	kb.mu.RLock()
	defer kb.mu.RUnlock()

	res := make([]*core.BaseStation, 0, len(kb.stationOrder))
	for _, id := range kb.stationOrder {
		res = append(res, kb.stations[id])
	}
	return res
}

// ListDevices returns the devices in registration order.
func (kb *KnowledgeBase) ListDevices() []*core.Device {
	kb.mu.RLock()
	defer kb.mu.RUnlock()

	res := make([]*core.Device, 0, len(kb.deviceOrder))
	for _, id := range kb.deviceOrder {
		res = append(res, kb.devices[id])
	}
	return res
}

// Counts returns the number of stations and devices.
func (kb *KnowledgeBase) Counts() (stations, devices int) {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	return len(kb.stations), len(kb.devices)
}

// Subscribe registers a callback for KB events. It returns an unsubscribe function.
func (kb *KnowledgeBase) Subscribe(fn func(Event)) (unsubscribe func()) {
	kb.mu.Lock()
	defer kb.mu.Unlock()
	id := kb.nextID
	kb.nextID++
	kb.subs[id] = fn

	return func() {
		kb.mu.Lock()
		defer kb.mu.Unlock()
		delete(kb.subs, id)
	}
}

func (kb *KnowledgeBase) subscribersLocked() []func(Event) {
	out := make([]func(Event), 0, len(kb.subs))
	for i := 0; i < kb.nextID; i++ {
		if fn, ok := kb.subs[i]; ok {
			out = append(out, fn)
		}
	}
	return out
}

// notify runs outside the lock so callbacks may read the KB.
func notify(subs []func(Event), ev Event) {
	for _, sub := range subs {
		sub(ev)
	}
}
