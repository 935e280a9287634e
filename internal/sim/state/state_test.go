package state

import (
	"context"
	"errors"
	"math"
	"reflect"
	"testing"

	"github.com/signalsfoundry/handover-simulator/internal/events"
	"github.com/signalsfoundry/handover-simulator/internal/logging"
	"github.com/signalsfoundry/handover-simulator/internal/observability"
	"github.com/signalsfoundry/handover-simulator/kb"
	"github.com/signalsfoundry/handover-simulator/model"
)

func TestProvisionStationsKeepsOrder(t *testing.T) {
	s, buf := newTestState(t)

	stations := s.ListStations()
	if len(stations) != 2 || stations[0].ID != "BS1" || stations[1].ID != "BS2" {
		t.Fatalf("ListStations = %+v", stations)
	}
	if stations[1].Capacity != 2 || stations[1].Location != (model.Location{X: 80, Y: 80}) {
		t.Fatalf("BS2 = %+v", stations[1])
	}
	if got := eventTypes(buf); !reflect.DeepEqual(got, []events.Type{events.TypeStationProvisioned, events.TypeStationProvisioned}) {
		t.Fatalf("events = %v", got)
	}

	err := s.ProvisionStations(context.Background(), []model.StationDefinition{{ID: "BS1", Capacity: 1}})
	if !errors.Is(err, ErrStationExists) {
		t.Fatalf("duplicate provision error = %v, want ErrStationExists", err)
	}
	err = s.ProvisionStations(context.Background(), []model.StationDefinition{{ID: "BS3", Capacity: 0}})
	if !errors.Is(err, ErrInvalidStation) {
		t.Fatalf("zero capacity error = %v, want ErrInvalidStation", err)
	}
}

func TestRegisterDeviceConnectsToFirstStation(t *testing.T) {
	s, buf := newTestState(t)

	snap, err := s.RegisterDevice(context.Background(), "phone-1", model.KindSmartPhone)
	if err != nil {
		t.Fatalf("RegisterDevice: %v", err)
	}
	if snap.StationID != "BS1" || snap.Battery != 100 || snap.Location != (model.Location{X: 10, Y: 10}) {
		t.Fatalf("snapshot = %+v", snap)
	}
	bs1, _ := s.Station("BS1")
	if bs1.Load != 1 || bs1.Devices[0] != "phone-1" {
		t.Fatalf("BS1 = %+v", bs1)
	}

	recent := buf.Recent(2)
	if recent[0].Type != events.TypeDeviceRegistered || recent[1].Type != events.TypeDeviceConnected {
		t.Fatalf("events = %v", eventTypes(buf))
	}
	if !recent[1].At.Equal(testStart) || recent[1].StationID != "BS1" {
		t.Fatalf("connected event = %+v", recent[1])
	}
	want := 100 - math.Sqrt(200)*2 - 5
	if math.Abs(recent[1].Signal-want) > 1e-12 {
		t.Fatalf("connected signal = %v, want %v", recent[1].Signal, want)
	}
	assertInvariants(t, s)
}

func TestRegisterDeviceDuplicate(t *testing.T) {
	s, _ := newTestState(t)
	mustRegister(t, s, "d1", model.KindIoT)

	if _, err := s.RegisterDevice(context.Background(), "d1", model.KindDrone); !errors.Is(err, ErrDeviceExists) {
		t.Fatalf("duplicate RegisterDevice error = %v, want ErrDeviceExists", err)
	}
	d, err := s.Device("d1")
	if err != nil || d.Kind != model.KindIoT {
		t.Fatalf("Device(d1) = %+v, %v; want original IoT device", d, err)
	}
	bs1, _ := s.Station("BS1")
	if bs1.Load != 1 {
		t.Fatalf("BS1 load = %d, want 1", bs1.Load)
	}
}

func TestRegisterDeviceValidation(t *testing.T) {
	s, _ := newTestState(t)
	if _, err := s.RegisterDevice(context.Background(), "", model.KindIoT); !errors.Is(err, ErrInvalidDevice) {
		t.Fatalf("empty id error = %v, want ErrInvalidDevice", err)
	}
	if _, err := s.RegisterDevice(context.Background(), "x", model.KindUnknown); !errors.Is(err, ErrInvalidDevice) {
		t.Fatalf("unknown kind error = %v, want ErrInvalidDevice", err)
	}

	empty := NewNetworkState(kb.NewKnowledgeBase(), logging.Noop())
	if _, err := empty.RegisterDevice(context.Background(), "x", model.KindIoT); !errors.Is(err, ErrNoStations) {
		t.Fatalf("no stations error = %v, want ErrNoStations", err)
	}
}

func TestRegisterDeviceFailsWhenFirstStationFull(t *testing.T) {
	rec := newStubRecorder()
	s, buf := newTestState(t, WithHandoverMetrics(rec), WithMetricsRecorder(rec))
	for _, id := range []string{"a", "b", "c"} {
		mustRegister(t, s, id, model.KindIoT)
	}

	_, err := s.RegisterDevice(context.Background(), "d", model.KindIoT)
	if !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("RegisterDevice(d) error = %v, want ErrCapacityExceeded", err)
	}
	if _, err := s.Device("d"); !errors.Is(err, ErrDeviceNotFound) {
		t.Fatalf("Device(d) error = %v, want ErrDeviceNotFound", err)
	}
	if last := buf.Recent(1)[0]; last.Type != events.TypeConnectRejected || last.DeviceID != "d" {
		t.Fatalf("last event = %+v", last)
	}
	if rec.rejects["BS1/capacity"] != 1 {
		t.Fatalf("rejections = %v", rec.rejects)
	}
	if got := rec.lastCounts(); got != (countsRecord{stations: 2, devices: 3}) {
		t.Fatalf("counts = %+v", got)
	}

	if _, err := s.DisconnectDevice(context.Background(), "a"); err != nil {
		t.Fatalf("DisconnectDevice: %v", err)
	}
	mustRegister(t, s, "d", model.KindIoT)
	assertInvariants(t, s)
}

func TestConnectDevice(t *testing.T) {
	s, _ := newTestState(t)
	mustRegister(t, s, "d1", model.KindSmartPhone)

	snap, err := s.ConnectDevice(context.Background(), "d1", "BS2")
	if err != nil {
		t.Fatalf("ConnectDevice: %v", err)
	}
	if snap.StationID != "BS2" {
		t.Fatalf("StationID = %q, want BS2", snap.StationID)
	}
	bs1, _ := s.Station("BS1")
	bs2, _ := s.Station("BS2")
	if bs1.Load != 0 || bs2.Load != 1 {
		t.Fatalf("loads BS1=%d BS2=%d", bs1.Load, bs2.Load)
	}

	if _, err := s.ConnectDevice(context.Background(), "nope", "BS1"); !errors.Is(err, ErrDeviceNotFound) {
		t.Fatalf("unknown device error = %v", err)
	}
	if _, err := s.ConnectDevice(context.Background(), "d1", "BS9"); !errors.Is(err, ErrStationNotFound) {
		t.Fatalf("unknown station error = %v", err)
	}
	assertInvariants(t, s)
}

// A drained device cannot take a new association but keeps its current one.
func TestConnectDeviceLowBatteryKeepsAssociation(t *testing.T) {
	rec := newStubRecorder()
	s, _ := newTestState(t, WithHandoverMetrics(rec))
	mustRegister(t, s, "drone", model.KindDrone)
	for i := 0; i < 10; i++ {
		if _, err := s.SendData(context.Background(), "drone"); err != nil {
			t.Fatalf("SendData: %v", err)
		}
	}

	snap, err := s.ConnectDevice(context.Background(), "drone", "BS2")
	if !errors.Is(err, ErrLowBattery) {
		t.Fatalf("ConnectDevice error = %v, want ErrLowBattery", err)
	}
	if snap.StationID != "BS1" || snap.Battery != 0 {
		t.Fatalf("snapshot = %+v", snap)
	}
	if rec.rejects["BS2/low_battery"] != 1 {
		t.Fatalf("rejections = %v", rec.rejects)
	}
	assertInvariants(t, s)
}

func TestDisconnectDevice(t *testing.T) {
	s, buf := newTestState(t)
	mustRegister(t, s, "d1", model.KindIoT)

	snap, err := s.DisconnectDevice(context.Background(), "d1")
	if err != nil || snap.StationID != "" {
		t.Fatalf("DisconnectDevice = %+v, %v", snap, err)
	}
	last := buf.Recent(1)[0]
	if last.Type != events.TypeDeviceDisconnected || last.PreviousStationID != "BS1" {
		t.Fatalf("last event = %+v", last)
	}

	before := buf.Len()
	if _, err := s.DisconnectDevice(context.Background(), "d1"); err != nil {
		t.Fatalf("second DisconnectDevice: %v", err)
	}
	if buf.Len() != before {
		t.Fatalf("no-op disconnect should not emit events")
	}
	if _, err := s.DisconnectDevice(context.Background(), "nope"); !errors.Is(err, ErrDeviceNotFound) {
		t.Fatalf("unknown device error = %v", err)
	}
}

func TestSendDataAndSendAll(t *testing.T) {
	rec := newStubRecorder()
	s, buf := newTestState(t, WithHandoverMetrics(rec))
	mustRegister(t, s, "phone", model.KindSmartPhone)
	mustRegister(t, s, "sensor", model.KindIoT)
	mustRegister(t, s, "drone", model.KindDrone)

	one, err := s.SendData(context.Background(), "drone")
	if err != nil {
		t.Fatalf("SendData: %v", err)
	}
	if one.String() != "Drone drone: Video streaming" || one.BatteryAfter != 90 || !one.At.Equal(testStart) {
		t.Fatalf("record = %+v", one)
	}

	records := s.SendAll(context.Background())
	want := []string{
		"SmartPhone phone: Call/Data session",
		"IoTDevice sensor: Sensor update",
		"Drone drone: Video streaming",
	}
	if len(records) != len(want) {
		t.Fatalf("SendAll returned %d records", len(records))
	}
	for i, r := range records {
		if r.String() != want[i] {
			t.Fatalf("record[%d] = %q, want %q", i, r.String(), want[i])
		}
	}
	batteries := map[string]int{"phone": 95, "sensor": 99, "drone": 80}
	for id, b := range batteries {
		d, _ := s.Device(id)
		if d.Battery != b || rec.batteries[id] != b {
			t.Fatalf("%s battery = %d (metric %d), want %d", id, d.Battery, rec.batteries[id], b)
		}
	}
	if rec.sends["Drone"] != 2 || rec.sends["SmartPhone"] != 1 {
		t.Fatalf("sends = %v", rec.sends)
	}
	last := buf.Recent(1)[0]
	if last.Type != events.TypeDataSent || last.Detail != "Video streaming" || last.StationID != "BS1" {
		t.Fatalf("last event = %+v", last)
	}

	if _, err := s.SendData(context.Background(), "nope"); !errors.Is(err, ErrDeviceNotFound) {
		t.Fatalf("unknown device error = %v", err)
	}
}

func TestMoveDeviceHandsOver(t *testing.T) {
	rec := newStubRecorder()
	s, buf := newTestState(t, WithHandoverMetrics(rec))
	mustRegister(t, s, "phone", model.KindSmartPhone)

	res, err := s.MoveDevice(context.Background(), "phone", model.Location{X: 90, Y: 90})
	if err != nil {
		t.Fatalf("MoveDevice: %v", err)
	}
	if !res.Switched || res.StationID != "BS2" || res.PreviousStationID != "BS1" {
		t.Fatalf("result = %+v", res)
	}
	if rec.outcomes[observability.OutcomeSwitched] != 1 || rec.load["BS1"] != 0 || rec.load["BS2"] != 1 {
		t.Fatalf("metrics outcomes=%v load=%v", rec.outcomes, rec.load)
	}
	recent := buf.Recent(2)
	if recent[0].Type != events.TypeDeviceMoved || recent[1].Type != events.TypeHandover {
		t.Fatalf("events = %v", eventTypes(buf))
	}
	if recent[1].StationID != "BS2" || recent[1].PreviousStationID != "BS1" || recent[1].X != 90 {
		t.Fatalf("handover event = %+v", recent[1])
	}

	if _, err := s.MoveDevice(context.Background(), "nope", model.Location{}); !errors.Is(err, ErrDeviceNotFound) {
		t.Fatalf("unknown device error = %v", err)
	}
	assertInvariants(t, s)
}

func TestMoveDeviceStaysWithoutBetterStation(t *testing.T) {
	rec := newStubRecorder()
	s, buf := newTestState(t, WithHandoverMetrics(rec))
	mustRegister(t, s, "phone", model.KindSmartPhone)

	res, err := s.MoveDevice(context.Background(), "phone", model.Location{X: 20, Y: 20})
	if err != nil {
		t.Fatalf("MoveDevice: %v", err)
	}
	if res.Attempted || res.StationID != "BS1" {
		t.Fatalf("result = %+v", res)
	}
	if rec.outcomes[observability.OutcomeStayed] != 1 {
		t.Fatalf("outcomes = %v", rec.outcomes)
	}
	if last := buf.Recent(1)[0]; last.Type != events.TypeDeviceMoved {
		t.Fatalf("last event = %+v", last)
	}
}

// Moving every device next to BS2 fills it; the third device loses BS1 and
// is left without an association.
func TestMoveAllOverflowsSecondStation(t *testing.T) {
	rec := newStubRecorder()
	s, buf := newTestState(t, WithHandoverMetrics(rec))
	for _, id := range []string{"a", "b", "c"} {
		mustRegister(t, s, id, model.KindSmartPhone)
	}

	results := s.MoveAll(context.Background(), model.Location{X: 90, Y: 90})
	if len(results) != 3 {
		t.Fatalf("MoveAll returned %d results", len(results))
	}
	if !results[0].Switched || !results[1].Switched {
		t.Fatalf("first two should switch: %+v %+v", results[0], results[1])
	}
	if !results[2].Attempted || results[2].Switched || !errors.Is(results[2].Err, ErrCapacityExceeded) {
		t.Fatalf("third result = %+v", results[2])
	}

	bs1, _ := s.Station("BS1")
	bs2, _ := s.Station("BS2")
	if bs1.Load != 0 || !reflect.DeepEqual(bs2.Devices, []string{"a", "b"}) {
		t.Fatalf("BS1=%+v BS2=%+v", bs1, bs2)
	}
	c, _ := s.Device("c")
	if c.StationID != "" || c.Location != (model.Location{X: 90, Y: 90}) {
		t.Fatalf("device c = %+v", c)
	}
	if rec.outcomes[observability.OutcomeSwitched] != 2 || rec.outcomes[observability.OutcomeFailed] != 1 {
		t.Fatalf("outcomes = %v", rec.outcomes)
	}
	if rec.rejects["BS2/capacity"] != 1 {
		t.Fatalf("rejections = %v", rec.rejects)
	}
	if last := buf.Recent(1)[0]; last.Type != events.TypeHandoverFailed || last.DeviceID != "c" || last.StationID != "BS2" {
		t.Fatalf("last event = %+v", last)
	}
	assertInvariants(t, s)
}

func TestSnapshot(t *testing.T) {
	s, _ := newTestState(t)
	mustRegister(t, s, "b", model.KindIoT)
	mustRegister(t, s, "a", model.KindDrone)

	snap := s.Snapshot()
	if !snap.At.Equal(testStart) {
		t.Fatalf("At = %v", snap.At)
	}
	if len(snap.Devices) != 2 || snap.Devices[0].ID != "b" || snap.Devices[1].ID != "a" {
		t.Fatalf("devices not in registration order: %+v", snap.Devices)
	}
	if !reflect.DeepEqual(snap.Stations[0].Devices, []string{"a", "b"}) {
		t.Fatalf("BS1 devices = %v", snap.Stations[0].Devices)
	}
}

func TestCheckInvariantsDetectsViolations(t *testing.T) {
	s, _ := newTestState(t)
	mustRegister(t, s, "d1", model.KindIoT)

	bs2, _ := s.KB().Station("BS2")
	if err := bs2.Admit("ghost"); err != nil {
		t.Fatalf("Admit: %v", err)
	}
	err := s.CheckInvariants()
	if !errors.Is(err, ErrInvariantViolation) {
		t.Fatalf("CheckInvariants error = %v, want ErrInvariantViolation", err)
	}

	bs2.Evict("ghost")
	bs1, _ := s.KB().Station("BS1")
	bs1.Evict("d1")
	if err := s.CheckInvariants(); !errors.Is(err, ErrInvariantViolation) {
		t.Fatalf("CheckInvariants after evict = %v, want ErrInvariantViolation", err)
	}
}

func TestPublishFailureDoesNotFailOperation(t *testing.T) {
	failing := events.SinkFunc(func(context.Context, events.Event) error { return errors.New("redis down") })
	s := NewNetworkState(nil, logging.Noop(), WithEventSink(failing))
	if err := s.ProvisionStations(context.Background(), model.DefaultStations()); err != nil {
		t.Fatalf("ProvisionStations: %v", err)
	}
	if _, err := s.RegisterDevice(context.Background(), "d1", model.KindIoT); err != nil {
		t.Fatalf("RegisterDevice with failing sink: %v", err)
	}
}

func TestInitialLocationOption(t *testing.T) {
	s, _ := newTestState(t, WithInitialLocation(model.Location{X: 75, Y: 75}))
	snap, err := s.RegisterDevice(context.Background(), "d", model.KindIoT)
	if err != nil {
		t.Fatalf("RegisterDevice: %v", err)
	}
	// Registration always attaches to the first station regardless of signal.
	if snap.StationID != "BS1" || snap.Location != (model.Location{X: 75, Y: 75}) {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestViolations(t *testing.T) {
	if got := Violations(nil); len(got) != 0 {
		t.Fatalf("Violations(nil) = %v", got)
	}
	err := errors.Join(errors.New("a"), errors.Join(errors.New("b"), errors.New("c")))
	if got := Violations(err); !reflect.DeepEqual(got, []string{"a", "b", "c"}) {
		t.Fatalf("Violations = %v", got)
	}
}
