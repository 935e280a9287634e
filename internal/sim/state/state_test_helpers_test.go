package state

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/signalsfoundry/handover-simulator/internal/events"
	"github.com/signalsfoundry/handover-simulator/internal/logging"
	"github.com/signalsfoundry/handover-simulator/kb"
	"github.com/signalsfoundry/handover-simulator/model"
	"github.com/signalsfoundry/handover-simulator/timectrl"
)

var testStart = time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)

// newTestState provisions BS1 (0,0) cap 3 and BS2 (80,80) cap 2 and records
// every event in the returned buffer.
func newTestState(t *testing.T, opts ...NetworkStateOption) (*NetworkState, *events.Buffer) {
	t.Helper()
	buf := events.NewBuffer(0)
	clock := timectrl.NewTimeController(testStart, time.Second, timectrl.Accelerated)
	base := []NetworkStateOption{WithClock(clock), WithEventSink(buf)}
	s := NewNetworkState(kb.NewKnowledgeBase(), logging.Noop(), append(base, opts...)...)
	if err := s.ProvisionStations(context.Background(), model.DefaultStations()); err != nil {
		t.Fatalf("ProvisionStations: %v", err)
	}
	return s, buf
}

func mustRegister(t *testing.T, s *NetworkState, id string, kind model.DeviceKind) {
	t.Helper()
	if _, err := s.RegisterDevice(context.Background(), id, kind); err != nil {
		t.Fatalf("RegisterDevice(%s): %v", id, err)
	}
}

func assertInvariants(t *testing.T, s *NetworkState) {
	t.Helper()
	if err := s.CheckInvariants(); err != nil {
		t.Fatalf("CheckInvariants: %v", err)
	}
}

func eventTypes(buf *events.Buffer) []events.Type {
	var out []events.Type
	for _, ev := range buf.Recent(0) {
		out = append(out, ev.Type)
	}
	return out
}

type countsRecord struct {
	stations, devices int
}

type stubRecorder struct {
	mu        sync.Mutex
	counts    []countsRecord
	outcomes  map[string]int
	rejects   map[string]int
	sends     map[string]int
	load      map[string]int
	batteries map[string]int
}

func newStubRecorder() *stubRecorder {
	return &stubRecorder{
		outcomes:  map[string]int{},
		rejects:   map[string]int{},
		sends:     map[string]int{},
		load:      map[string]int{},
		batteries: map[string]int{},
	}
}

func (r *stubRecorder) SetNetworkCounts(stations, devices int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts = append(r.counts, countsRecord{stations, devices})
}

func (r *stubRecorder) ObserveHandover(outcome string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes[outcome]++
}

func (r *stubRecorder) IncRejection(stationID, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rejects[stationID+"/"+reason]++
}

func (r *stubRecorder) IncDataSend(kind string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sends[kind]++
}

func (r *stubRecorder) SetStation(stationID string, load, _ int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.load[stationID] = load
}

func (r *stubRecorder) SetBattery(deviceID, _ string, level int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batteries[deviceID] = level
}

func (r *stubRecorder) lastCounts() countsRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.counts) == 0 {
		return countsRecord{}
	}
	return r.counts[len(r.counts)-1]
}
