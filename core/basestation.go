package core

import (
	"fmt"
	"sort"
	"sync"

	"github.com/signalsfoundry/handover-simulator/model"
)

// BaseStation is a fixed cell with a bounded set of associated devices.
//
// All access goes through the methods below, which serialize on an internal
// mutex so the capacity check and the membership update are a single step
// and signal reads never observe a half-applied change.
type BaseStation struct {
	id       string
	location model.Location
	capacity int

	mu         sync.RWMutex
	associated map[string]struct{}
}

// NewBaseStation validates def and returns an empty station.
func NewBaseStation(def model.StationDefinition) (*BaseStation, error) {
	if def.ID == "" {
		return nil, fmt.Errorf("%w: empty station ID", ErrInvalidStation)
	}
	if def.Capacity <= 0 {
		return nil, fmt.Errorf("%w: station %q capacity must be positive, got %d", ErrInvalidStation, def.ID, def.Capacity)
	}
	return &BaseStation{
		id:         def.ID,
		location:   def.Location,
		capacity:   def.Capacity,
		associated: make(map[string]struct{}, def.Capacity),
	}, nil
}

func (bs *BaseStation) ID() string               { return bs.id }
func (bs *BaseStation) Location() model.Location { return bs.location }
func (bs *BaseStation) Capacity() int            { return bs.capacity }

// Definition returns the immutable provisioning parameters of the station.
func (bs *BaseStation) Definition() model.StationDefinition {
	return model.StationDefinition{ID: bs.id, Location: bs.location, Capacity: bs.capacity}
}

// Load returns the number of currently associated devices.
func (bs *BaseStation) Load() int {
	bs.mu.RLock()
	defer bs.mu.RUnlock()
	return len(bs.associated)
}

// Has reports whether deviceID is associated with this station.
func (bs *BaseStation) Has(deviceID string) bool {
	bs.mu.RLock()
	defer bs.mu.RUnlock()
	_, ok := bs.associated[deviceID]
	return ok
}

// AssociatedDevices returns a sorted snapshot of associated device IDs.
func (bs *BaseStation) AssociatedDevices() []string {
	bs.mu.RLock()
	defer bs.mu.RUnlock()
	out := make([]string, 0, len(bs.associated))
	for id := range bs.associated {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Admit associates deviceID with the station. It fails with
// ErrCapacityExceeded when the station is full. Admitting a device that is
// already associated is a no-op.
func (bs *BaseStation) Admit(deviceID string) error {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	if _, ok := bs.associated[deviceID]; ok {
		return nil
	}
	if len(bs.associated) >= bs.capacity {
		return fmt.Errorf("%w: %s at capacity %d", ErrCapacityExceeded, bs.id, bs.capacity)
	}
	bs.associated[deviceID] = struct{}{}
	return nil
}

// Evict removes deviceID from the station. It reports whether the device was
// associated; evicting an unknown device is not an error.
func (bs *BaseStation) Evict(deviceID string) bool {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	if _, ok := bs.associated[deviceID]; !ok {
		return false
	}
	delete(bs.associated, deviceID)
	return true
}

// SignalTo returns the station's effective signal toward loc under its
// current load.
func (bs *BaseStation) SignalTo(loc model.Location) float64 {
	bs.mu.RLock()
	load := len(bs.associated)
	bs.mu.RUnlock()
	return SignalStrength(bs.location, load, loc)
}
