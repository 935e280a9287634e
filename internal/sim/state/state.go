// Package state coordinates the station/device registry, the handover
// engine, the simulation clock and the outbound event and metrics sinks.
package state

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/handover-simulator/core"
	"github.com/signalsfoundry/handover-simulator/internal/events"
	"github.com/signalsfoundry/handover-simulator/internal/logging"
	"github.com/signalsfoundry/handover-simulator/internal/observability"
	"github.com/signalsfoundry/handover-simulator/kb"
	"github.com/signalsfoundry/handover-simulator/model"
	"github.com/signalsfoundry/handover-simulator/timectrl"
)

// Re-export sentinel errors so callers can depend on state.* instead of
// kb.* and core.* directly.
var (
	ErrDeviceExists       = kb.ErrDeviceExists
	ErrDeviceNotFound     = kb.ErrDeviceNotFound
	ErrStationExists      = kb.ErrStationExists
	ErrStationNotFound    = kb.ErrStationNotFound
	ErrCapacityExceeded   = core.ErrCapacityExceeded
	ErrLowBattery         = core.ErrLowBattery
	ErrInvalidDevice      = core.ErrInvalidDevice
	ErrInvalidStation     = core.ErrInvalidStation
	ErrStationUnresolved  = core.ErrStationUnresolved
	ErrNoStations         = errors.New("no stations provisioned")
	ErrInvariantViolation = errors.New("network invariant violated")
)

// NetworkMetricsRecorder receives entity counts.
type NetworkMetricsRecorder interface {
	SetNetworkCounts(stations, devices int)
}

// HandoverMetricsRecorder receives association and activity measurements.
type HandoverMetricsRecorder interface {
	ObserveHandover(outcome string, d time.Duration)
	IncRejection(stationID, reason string)
	IncDataSend(kind string)
	SetStation(stationID string, load, capacity int)
	SetBattery(deviceID, kind string, level int)
}

// StationSnapshot is a point-in-time view of a base station.
type StationSnapshot struct {
	ID       string         `json:"id"`
	Location model.Location `json:"location"`
	Capacity int            `json:"capacity"`
	Load     int            `json:"load"`
	Devices  []string       `json:"devices"`
}

// NetworkSnapshot captures every station and device. Stations are in
// provisioning order and devices in registration order. The snapshot is
// assembled entity by entity, so under concurrent mutation it is not a single
// atomic cut.
type NetworkSnapshot struct {
	At       time.Time             `json:"at"`
	Stations []StationSnapshot     `json:"stations"`
	Devices  []core.DeviceSnapshot `json:"devices"`
}

// NetworkState is the entry point for every network mutation.
type NetworkState struct {
	// regMu serializes registration so duplicate detection, the initial
	// connect and insertion into the KB happen as one step.
	regMu sync.Mutex

	kb      *kb.KnowledgeBase
	engine  *core.HandoverEngine
	clock   timectrl.SimClock
	initial model.Location

	log      logging.Logger
	sink     events.Sink
	counts   NetworkMetricsRecorder
	handover HandoverMetricsRecorder
	tracer   trace.Tracer
}

// NetworkStateOption customises NetworkState construction.
type NetworkStateOption func(*NetworkState)

// WithClock sets the clock used to timestamp events and activity records.
func WithClock(c timectrl.SimClock) NetworkStateOption {
	return func(s *NetworkState) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithEventSink attaches the sink every event is published to.
func WithEventSink(sink events.Sink) NetworkStateOption {
	return func(s *NetworkState) { s.sink = sink }
}

// WithMetricsRecorder attaches an optional recorder for entity counts.
func WithMetricsRecorder(m NetworkMetricsRecorder) NetworkStateOption {
	return func(s *NetworkState) { s.counts = m }
}

// WithHandoverMetrics attaches an optional recorder for association metrics.
func WithHandoverMetrics(m HandoverMetricsRecorder) NetworkStateOption {
	return func(s *NetworkState) { s.handover = m }
}

// WithInitialLocation sets where registered devices appear.
func WithInitialLocation(loc model.Location) NetworkStateOption {
	return func(s *NetworkState) { s.initial = loc }
}

// WithHandoverEngine replaces the default engine.
func WithHandoverEngine(e *core.HandoverEngine) NetworkStateOption {
	return func(s *NetworkState) {
		if e != nil {
			s.engine = e
		}
	}
}

// WithTracer overrides the tracer used for handover spans.
func WithTracer(t trace.Tracer) NetworkStateOption {
	return func(s *NetworkState) {
		if t != nil {
			s.tracer = t
		}
	}
}

// NewNetworkState wraps store. A nil store gets a fresh knowledge base.
func NewNetworkState(store *kb.KnowledgeBase, log logging.Logger, opts ...NetworkStateOption) *NetworkState {
	if store == nil {
		store = kb.NewKnowledgeBase()
	}
	if log == nil {
		log = logging.Noop()
	}
	s := &NetworkState{
		kb:      store,
		engine:  core.NewHandoverEngine(),
		clock:   timectrl.WallClock{},
		initial: model.DefaultInitialLocation,
		log:     log,
		tracer:  observability.Tracer(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.updateCounts()
	return s
}

// KB exposes the underlying registry.
func (s *NetworkState) KB() *kb.KnowledgeBase { return s.kb }

// Clock returns the clock used for timestamps.
func (s *NetworkState) Clock() timectrl.SimClock { return s.clock }

// ProvisionStations creates the stations in the given order. Provisioning
// stops at the first invalid or duplicate definition; stations added before
// it remain.
func (s *NetworkState) ProvisionStations(ctx context.Context, defs []model.StationDefinition) error {
	for _, def := range defs {
		st, err := core.NewBaseStation(def)
		if err != nil {
			return err
		}
		if err := s.kb.AddStation(st); err != nil {
			return err
		}
		s.recordStation(st)

		ev := s.newEvent(events.TypeStationProvisioned)
		ev.StationID = st.ID()
		ev.X, ev.Y = def.Location.X, def.Location.Y
		ev.Detail = fmt.Sprintf("capacity %d", def.Capacity)
		s.publish(ctx, ev)

		s.log.Info(ctx, "station provisioned",
			logging.String("station_id", st.ID()),
			logging.Float("x", def.Location.X),
			logging.Float("y", def.Location.Y),
			logging.Int("capacity", def.Capacity),
		)
	}
	s.updateCounts()
	return nil
}

// RegisterDevice creates a device at the initial location and connects it to
// the first provisioned station. When that connect fails the device is not
// registered and the connect error is returned.
func (s *NetworkState) RegisterDevice(ctx context.Context, id string, kind model.DeviceKind) (core.DeviceSnapshot, error) {
	s.regMu.Lock()
	defer s.regMu.Unlock()

	if s.kb.HasDevice(id) {
		return core.DeviceSnapshot{}, fmt.Errorf("%w: %q", ErrDeviceExists, id)
	}
	first, ok := s.kb.FirstStation()
	if !ok {
		return core.DeviceSnapshot{}, ErrNoStations
	}
	d, err := core.NewDevice(id, kind, s.initial, s.kb, core.WithHandoverEngine(s.engine))
	if err != nil {
		return core.DeviceSnapshot{}, err
	}

	if err := d.Connect(first); err != nil {
		s.rejected(ctx, d, first.ID(), err)
		return core.DeviceSnapshot{}, err
	}
	if err := s.kb.AddDevice(d); err != nil {
		_ = d.Disconnect()
		s.recordStation(first)
		return core.DeviceSnapshot{}, err
	}

	snap := d.Snapshot()
	s.recordStation(first)
	s.recordBattery(snap)
	s.updateCounts()

	ev := s.deviceEvent(events.TypeDeviceRegistered, snap)
	s.publish(ctx, ev)
	ev = s.deviceEvent(events.TypeDeviceConnected, snap)
	ev.Signal = first.SignalTo(snap.Location)
	s.publish(ctx, ev)

	s.log.Info(ctx, "device registered",
		logging.String("device_id", id),
		logging.String("kind", kind.String()),
		logging.String("station_id", first.ID()),
	)
	return snap, nil
}

// ConnectDevice associates a registered device with a specific station.
func (s *NetworkState) ConnectDevice(ctx context.Context, deviceID, stationID string) (core.DeviceSnapshot, error) {
	d, err := s.kb.GetDevice(deviceID)
	if err != nil {
		return core.DeviceSnapshot{}, err
	}
	st, err := s.kb.GetStation(stationID)
	if err != nil {
		return core.DeviceSnapshot{}, err
	}
	prev, _ := d.StationID()

	if err := d.Connect(st); err != nil {
		s.rejected(ctx, d, stationID, err)
		return d.Snapshot(), err
	}

	snap := d.Snapshot()
	s.recordStation(st)
	if prev != "" && prev != stationID {
		if p, ok := s.kb.Station(prev); ok {
			s.recordStation(p)
		}
	}
	ev := s.deviceEvent(events.TypeDeviceConnected, snap)
	ev.PreviousStationID = prev
	ev.Signal = st.SignalTo(snap.Location)
	s.publish(ctx, ev)

	s.log.Info(ctx, "device connected",
		logging.String("device_id", deviceID),
		logging.String("station_id", stationID),
		logging.String("previous_station_id", prev),
	)
	return snap, nil
}

// DisconnectDevice releases a device's association. It is a no-op for an
// unassociated device.
func (s *NetworkState) DisconnectDevice(ctx context.Context, deviceID string) (core.DeviceSnapshot, error) {
	d, err := s.kb.GetDevice(deviceID)
	if err != nil {
		return core.DeviceSnapshot{}, err
	}
	prev, wasAssociated := d.StationID()
	err = d.Disconnect()
	snap := d.Snapshot()
	if !wasAssociated {
		return snap, nil
	}
	if st, ok := s.kb.Station(prev); ok {
		s.recordStation(st)
	}

	ev := s.deviceEvent(events.TypeDeviceDisconnected, snap)
	ev.PreviousStationID = prev
	if err != nil {
		ev.Detail = err.Error()
	}
	s.publish(ctx, ev)

	s.log.Info(ctx, "device disconnected",
		logging.String("device_id", deviceID),
		logging.String("station_id", prev),
	)
	return snap, err
}

// SendData makes one device send data and returns its activity record.
func (s *NetworkState) SendData(ctx context.Context, deviceID string) (model.ActivityRecord, error) {
	d, err := s.kb.GetDevice(deviceID)
	if err != nil {
		return model.ActivityRecord{}, err
	}
	return s.sendData(ctx, d), nil
}

// SendAll makes every device send data once, in registration order.
func (s *NetworkState) SendAll(ctx context.Context) []model.ActivityRecord {
	devices := s.kb.ListDevices()
	out := make([]model.ActivityRecord, 0, len(devices))
	for _, d := range devices {
		out = append(out, s.sendData(ctx, d))
	}
	return out
}

func (s *NetworkState) sendData(ctx context.Context, d *core.Device) model.ActivityRecord {
	rec := d.SendData()
	rec.At = s.clock.Now()

	if s.handover != nil {
		s.handover.IncDataSend(rec.Kind.String())
		s.handover.SetBattery(rec.DeviceID, rec.Kind.String(), rec.BatteryAfter)
	}
	ev := s.newEvent(events.TypeDataSent)
	ev.At = rec.At
	ev.DeviceID = rec.DeviceID
	ev.Kind = rec.Kind.String()
	ev.Battery = rec.BatteryAfter
	ev.StationID, _ = d.StationID()
	ev.Detail = rec.Activity
	s.publish(ctx, ev)

	s.log.Debug(ctx, rec.String(),
		logging.String("device_id", rec.DeviceID),
		logging.Int("battery", rec.BatteryAfter),
	)
	return rec
}

// MoveDevice moves a device and re-evaluates its association. The only error
// is an unknown device; handover failures are reported in the result.
func (s *NetworkState) MoveDevice(ctx context.Context, deviceID string, to model.Location) (core.HandoverResult, error) {
	d, err := s.kb.GetDevice(deviceID)
	if err != nil {
		return core.HandoverResult{}, err
	}
	return s.move(ctx, d, to), nil
}

// MoveAll moves every device to the same location, in registration order,
// running a handover evaluation for each.
func (s *NetworkState) MoveAll(ctx context.Context, to model.Location) []core.HandoverResult {
	devices := s.kb.ListDevices()
	out := make([]core.HandoverResult, 0, len(devices))
	for _, d := range devices {
		out = append(out, s.move(ctx, d, to))
	}
	return out
}

func (s *NetworkState) move(ctx context.Context, d *core.Device, to model.Location) core.HandoverResult {
	ctx, span := s.tracer.Start(ctx, "handover.evaluate", trace.WithAttributes(
		attribute.String("device.id", d.ID()),
		attribute.Float64("device.x", to.X),
		attribute.Float64("device.y", to.Y),
	))
	defer span.End()

	stations := s.kb.ListStations()
	start := time.Now()
	res := d.Move(to, stations)
	elapsed := time.Since(start)

	span.SetAttributes(
		attribute.String("handover.previous", res.PreviousStationID),
		attribute.String("handover.selected", res.SelectedStationID),
		attribute.Bool("handover.switched", res.Switched),
	)

	outcome := observability.OutcomeStayed
	switch {
	case res.Switched:
		outcome = observability.OutcomeSwitched
	case res.Attempted:
		outcome = observability.OutcomeFailed
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, "handover failed")
	}
	if s.handover != nil {
		s.handover.ObserveHandover(outcome, elapsed)
	}
	if res.Attempted {
		for _, st := range stations {
			if st.ID() == res.PreviousStationID || st.ID() == res.SelectedStationID {
				s.recordStation(st)
			}
		}
	}

	snap := d.Snapshot()
	moved := s.deviceEvent(events.TypeDeviceMoved, snap)
	moved.PreviousStationID = res.PreviousStationID
	s.publish(ctx, moved)

	switch outcome {
	case observability.OutcomeSwitched:
		ev := s.deviceEvent(events.TypeHandover, snap)
		ev.PreviousStationID = res.PreviousStationID
		ev.Signal = res.SelectedSignal
		s.publish(ctx, ev)
		s.log.Info(ctx, "handover",
			logging.String("device_id", res.DeviceID),
			logging.String("from", res.PreviousStationID),
			logging.String("to", res.StationID),
			logging.Float("signal", res.SelectedSignal),
		)
	case observability.OutcomeFailed:
		s.rejected(ctx, d, res.SelectedStationID, res.Err)
		ev := s.deviceEvent(events.TypeHandoverFailed, snap)
		ev.StationID = res.SelectedStationID
		ev.PreviousStationID = res.PreviousStationID
		ev.Signal = res.SelectedSignal
		ev.Detail = res.Err.Error()
		s.publish(ctx, ev)
		s.log.Warn(ctx, "handover failed; device left unassociated",
			logging.String("device_id", res.DeviceID),
			logging.String("from", res.PreviousStationID),
			logging.String("to", res.SelectedStationID),
			logging.Err(res.Err),
		)
	}
	return res
}

// Device returns a snapshot of one device.
func (s *NetworkState) Device(id string) (core.DeviceSnapshot, error) {
	d, err := s.kb.GetDevice(id)
	if err != nil {
		return core.DeviceSnapshot{}, err
	}
	return d.Snapshot(), nil
}

// Station returns a snapshot of one station.
func (s *NetworkState) Station(id string) (StationSnapshot, error) {
	st, err := s.kb.GetStation(id)
	if err != nil {
		return StationSnapshot{}, err
	}
	return stationSnapshot(st), nil
}

// ListStations returns station snapshots in provisioning order.
func (s *NetworkState) ListStations() []StationSnapshot {
	stations := s.kb.ListStations()
	out := make([]StationSnapshot, 0, len(stations))
	for _, st := range stations {
		out = append(out, stationSnapshot(st))
	}
	return out
}

// ListDevices returns device snapshots in registration order.
func (s *NetworkState) ListDevices() []core.DeviceSnapshot {
	devices := s.kb.ListDevices()
	out := make([]core.DeviceSnapshot, 0, len(devices))
	for _, d := range devices {
		out = append(out, d.Snapshot())
	}
	return out
}

// Snapshot returns every station and device stamped with the clock.
func (s *NetworkState) Snapshot() NetworkSnapshot {
	return NetworkSnapshot{
		At:       s.clock.Now(),
		Stations: s.ListStations(),
		Devices:  s.ListDevices(),
	}
}

// CheckInvariants verifies capacity bounds and that every association is
// recorded consistently on both the device and the station. It is meant for
// quiescent points; concurrent mutations can be observed half-applied.
func (s *NetworkState) CheckInvariants() error {
	var errs []error
	stations := s.kb.ListStations()
	devices := s.kb.ListDevices()

	holder := make(map[string]string, len(devices))
	for _, d := range devices {
		stID, ok := d.StationID()
		if !ok {
			continue
		}
		holder[d.ID()] = stID
		st, found := s.kb.Station(stID)
		if !found {
			errs = append(errs, fmt.Errorf("%w: device %s references unknown station %s", ErrInvariantViolation, d.ID(), stID))
			continue
		}
		if !st.Has(d.ID()) {
			errs = append(errs, fmt.Errorf("%w: device %s claims %s but the station does not list it", ErrInvariantViolation, d.ID(), stID))
		}
	}
	for _, st := range stations {
		members := st.AssociatedDevices()
		if len(members) > st.Capacity() {
			errs = append(errs, fmt.Errorf("%w: station %s load %d exceeds capacity %d", ErrInvariantViolation, st.ID(), len(members), st.Capacity()))
		}
		for _, id := range members {
			if holder[id] != st.ID() {
				errs = append(errs, fmt.Errorf("%w: station %s lists device %s which holds %q", ErrInvariantViolation, st.ID(), id, holder[id]))
			}
		}
	}
	return errors.Join(errs...)
}

// Violations flattens a CheckInvariants error into one message per
// violation.
func Violations(err error) []string {
	if err == nil {
		return []string{}
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		var out []string
		for _, e := range joined.Unwrap() {
			out = append(out, Violations(e)...)
		}
		return out
	}
	return []string{err.Error()}
}

func stationSnapshot(st *core.BaseStation) StationSnapshot {
	members := st.AssociatedDevices()
	return StationSnapshot{
		ID:       st.ID(),
		Location: st.Location(),
		Capacity: st.Capacity(),
		Load:     len(members),
		Devices:  members,
	}
}

func (s *NetworkState) rejected(ctx context.Context, d *core.Device, stationID string, err error) {
	reason := rejectionReason(err)
	if s.handover != nil {
		s.handover.IncRejection(stationID, reason)
	}
	snap := d.Snapshot()
	ev := s.deviceEvent(events.TypeConnectRejected, snap)
	ev.StationID = stationID
	ev.Detail = err.Error()
	s.publish(ctx, ev)

	s.log.Warn(ctx, "association rejected",
		logging.String("device_id", d.ID()),
		logging.String("station_id", stationID),
		logging.String("reason", reason),
		logging.Int("battery", snap.Battery),
	)
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, core.ErrCapacityExceeded):
		return "capacity"
	case errors.Is(err, core.ErrLowBattery):
		return "low_battery"
	default:
		return "other"
	}
}

func (s *NetworkState) newEvent(t events.Type) events.Event {
	return events.New(t, s.clock.Now())
}

func (s *NetworkState) deviceEvent(t events.Type, snap core.DeviceSnapshot) events.Event {
	ev := s.newEvent(t)
	ev.DeviceID = snap.ID
	ev.Kind = snap.Kind.String()
	ev.StationID = snap.StationID
	ev.Battery = snap.Battery
	ev.X, ev.Y = snap.Location.X, snap.Location.Y
	return ev
}

// publish is best effort: sink failures are logged and never fail the
// operation that produced the event.
func (s *NetworkState) publish(ctx context.Context, ev events.Event) {
	if s.sink == nil {
		return
	}
	if err := s.sink.Publish(ctx, ev); err != nil {
		s.log.Warn(ctx, "event publish failed",
			logging.String("event_id", ev.ID),
			logging.String("event_type", string(ev.Type)),
			logging.Err(err),
		)
	}
}

func (s *NetworkState) recordStation(st *core.BaseStation) {
	if s.handover != nil {
		s.handover.SetStation(st.ID(), st.Load(), st.Capacity())
	}
}

func (s *NetworkState) recordBattery(snap core.DeviceSnapshot) {
	if s.handover != nil {
		s.handover.SetBattery(snap.ID, snap.Kind.String(), snap.Battery)
	}
}

func (s *NetworkState) updateCounts() {
	if s.counts == nil {
		return
	}
	stations, devices := s.kb.Counts()
	s.counts.SetNetworkCounts(stations, devices)
}
