package core

import "github.com/signalsfoundry/handover-simulator/model"

const (
	// MaxSignal is the strength reported by an idle station at zero distance.
	MaxSignal = 100.0
	// DistanceAttenuation is the signal lost per unit of distance.
	DistanceAttenuation = 2.0
	// LoadPenaltyPerDevice is the signal lost per associated device.
	LoadPenaltyPerDevice = 5
)

// SignalStrength returns the effective signal a station at stationLoc with
// load associated devices offers to a device at deviceLoc, in [0, MaxSignal].
//
// The expression is evaluated left to right in float64 so results are
// reproducible across implementations for the same inputs.
func SignalStrength(stationLoc model.Location, load int, deviceLoc model.Location) float64 {
	d := stationLoc.DistanceTo(deviceLoc)
	loadPenalty := float64(load * LoadPenaltyPerDevice)
	raw := MaxSignal - d*DistanceAttenuation - loadPenalty
	// NaN compares false, so a non-finite location also yields 0.
	if !(raw > 0) {
		return 0
	}
	return raw
}
