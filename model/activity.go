package model

import (
	"fmt"
	"time"
)

// ActivityRecord is the human-readable outcome of a device sending data.
type ActivityRecord struct {
	DeviceID      string     `json:"device_id"`
	Kind          DeviceKind `json:"kind"`
	Activity      string     `json:"activity"`
	BatteryBefore int        `json:"battery_before"`
	BatteryAfter  int        `json:"battery_after"`
	// At is stamped by the network state using the simulation clock.
	At time.Time `json:"at,omitempty"`
}

// String renders the record as "{kind} {id}: {activity}".
func (r ActivityRecord) String() string {
	return fmt.Sprintf("%s %s: %s", r.Kind, r.DeviceID, r.Activity)
}
