package core

import (
	"encoding/json"

	"github.com/signalsfoundry/handover-simulator/model"
)

// CandidateSignal is the signal one station offered during an evaluation.
type CandidateSignal struct {
	StationID string  `json:"station_id"`
	Signal    float64 `json:"signal"`
}

// HandoverResult describes a single handover evaluation.
type HandoverResult struct {
	DeviceID string         `json:"device_id"`
	Location model.Location `json:"location"`

	PreviousStationID string  `json:"previous_station_id,omitempty"`
	SelectedStationID string  `json:"selected_station_id,omitempty"`
	SelectedSignal    float64 `json:"selected_signal"`
	// StationID is the association the device holds after the evaluation.
	StationID  string            `json:"station_id,omitempty"`
	Candidates []CandidateSignal `json:"candidates"`

	// Attempted is set when the selected station differed from the previous
	// association and a disconnect/connect was performed.
	Attempted bool `json:"attempted"`
	Switched  bool `json:"switched"`
	// Err holds the connect failure of an attempted switch. The device is
	// left unassociated in that case.
	Err error `json:"-"`
}

// MarshalJSON adds Err as an "error" string.
func (r HandoverResult) MarshalJSON() ([]byte, error) {
	type plain HandoverResult
	out := struct {
		plain
		Error string `json:"error,omitempty"`
	}{plain: plain(r)}
	if r.Err != nil {
		out.Error = r.Err.Error()
	}
	return json.Marshal(out)
}

// HandoverEngine picks the strongest station for a device and re-associates
// it when that station is not the current one.
type HandoverEngine struct{}

// NewHandoverEngine returns the default engine.
func NewHandoverEngine() *HandoverEngine {
	return &HandoverEngine{}
}

// Select returns the station with the strictly greatest signal toward loc
// along with every candidate's signal. Ties keep the first station in the
// given order. best is nil when stations is empty.
func (e *HandoverEngine) Select(loc model.Location, stations []*BaseStation) (best *BaseStation, bestSignal float64, candidates []CandidateSignal) {
	bestSignal = -1
	candidates = make([]CandidateSignal, 0, len(stations))
	for _, st := range stations {
		if st == nil {
			continue
		}
		s := st.SignalTo(loc)
		candidates = append(candidates, CandidateSignal{StationID: st.ID(), Signal: s})
		if s > bestSignal {
			bestSignal = s
			best = st
		}
	}
	if best == nil {
		bestSignal = 0
	}
	return best, bestSignal, candidates
}

// Evaluate runs a handover decision for d against stations.
func (e *HandoverEngine) Evaluate(d *Device, stations []*BaseStation) HandoverResult {
	d.mu.Lock()
	defer d.mu.Unlock()
	return e.evaluateLocked(d, stations)
}

// evaluateLocked requires d.mu. A failed connect is not retried against the
// next-best candidate; the device stays unassociated.
func (e *HandoverEngine) evaluateLocked(d *Device, stations []*BaseStation) HandoverResult {
	res := HandoverResult{
		DeviceID:          d.id,
		Location:          d.location,
		PreviousStationID: d.stationID,
	}

	best, signal, candidates := e.Select(d.location, stations)
	res.Candidates = candidates
	if best == nil || best.ID() == d.stationID {
		if best != nil {
			res.SelectedStationID = best.ID()
			res.SelectedSignal = signal
		}
		res.StationID = d.stationID
		return res
	}

	res.SelectedStationID = best.ID()
	res.SelectedSignal = signal
	res.Attempted = true

	// An unresolvable previous station has already been cleared locally.
	_ = d.disconnectLocked()
	if err := d.connectLocked(best); err != nil {
		res.Err = err
		return res
	}
	res.Switched = true
	res.StationID = best.ID()
	return res
}
