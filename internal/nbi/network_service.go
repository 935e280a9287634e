package nbi

import (
	"context"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/signalsfoundry/handover-simulator/internal/logging"
	"github.com/signalsfoundry/handover-simulator/internal/sim/state"
	"github.com/signalsfoundry/handover-simulator/model"
)

// NetworkService implements NetworkServiceServer backed by a NetworkState.
type NetworkService struct {
	state *state.NetworkState
	log   logging.Logger
}

var _ NetworkServiceServer = (*NetworkService)(nil)

// NewNetworkService constructs a NetworkService bound to st.
func NewNetworkService(st *state.NetworkState, log logging.Logger) *NetworkService {
	if log == nil {
		log = logging.Noop()
	}
	return &NetworkService{state: st, log: log}
}

// RegisterDevice expects {"device_id", "kind"}.
func (s *NetworkService) RegisterDevice(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	id, err := requiredString(req, "device_id")
	if err != nil {
		return nil, ToStatusError(err)
	}
	rawKind, err := requiredString(req, "kind")
	if err != nil {
		return nil, ToStatusError(err)
	}
	kind, err := model.ParseDeviceKind(rawKind)
	if err != nil {
		return nil, ToStatusError(err)
	}

	ctx, span := startDeviceSpan(ctx, "nbi.RegisterDevice", id, kind, "")
	defer span.End()

	snap, err := s.state.RegisterDevice(ctx, id, kind)
	if err != nil {
		span.RecordError(err)
		return nil, ToStatusError(err)
	}
	span.SetAttributes(attrStationID.String(snap.StationID))
	return respond(map[string]any{"device": snap})
}

// ConnectDevice expects {"device_id", "station_id"}.
func (s *NetworkService) ConnectDevice(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	id, err := requiredString(req, "device_id")
	if err != nil {
		return nil, ToStatusError(err)
	}
	stationID, err := requiredString(req, "station_id")
	if err != nil {
		return nil, ToStatusError(err)
	}

	ctx, span := startDeviceSpan(ctx, "nbi.ConnectDevice", id, model.KindUnknown, stationID)
	defer span.End()

	snap, err := s.state.ConnectDevice(ctx, id, stationID)
	if err != nil {
		span.RecordError(err)
		return nil, ToStatusError(err)
	}
	return respond(map[string]any{"device": snap})
}

// DisconnectDevice expects {"device_id"}.
func (s *NetworkService) DisconnectDevice(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	id, err := requiredString(req, "device_id")
	if err != nil {
		return nil, ToStatusError(err)
	}
	snap, err := s.state.DisconnectDevice(ctx, id)
	if err != nil {
		return nil, ToStatusError(err)
	}
	return respond(map[string]any{"device": snap})
}

// SendData expects {"device_id"} and returns the activity record plus its
// one-line summary.
func (s *NetworkService) SendData(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	id, err := requiredString(req, "device_id")
	if err != nil {
		return nil, ToStatusError(err)
	}
	rec, err := s.state.SendData(ctx, id)
	if err != nil {
		return nil, ToStatusError(err)
	}
	return respond(map[string]any{"record": rec, "summary": rec.String()})
}

func (s *NetworkService) SendAll(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	records := s.state.SendAll(ctx)
	summaries := make([]string, 0, len(records))
	for _, r := range records {
		summaries = append(summaries, r.String())
	}
	return respond(map[string]any{"records": records, "summaries": summaries})
}

// MoveDevice expects {"device_id", "x", "y"}. A failed handover is reported
// in the result, not as an RPC error.
func (s *NetworkService) MoveDevice(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	id, err := requiredString(req, "device_id")
	if err != nil {
		return nil, ToStatusError(err)
	}
	loc, err := location(req)
	if err != nil {
		return nil, ToStatusError(err)
	}
	ctx, span := startDeviceSpan(ctx, "nbi.MoveDevice", id, model.KindUnknown, "")
	defer span.End()

	res, err := s.state.MoveDevice(ctx, id, loc)
	if err != nil {
		span.RecordError(err)
		return nil, ToStatusError(err)
	}
	annotateHandover(span, res)
	return respond(map[string]any{"result": res})
}

// MoveAll expects {"x", "y"}.
func (s *NetworkService) MoveAll(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	loc, err := location(req)
	if err != nil {
		return nil, ToStatusError(err)
	}
	return respond(map[string]any{"results": s.state.MoveAll(ctx, loc)})
}

func (s *NetworkService) GetDevice(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	id, err := requiredString(req, "device_id")
	if err != nil {
		return nil, ToStatusError(err)
	}
	snap, err := s.state.Device(id)
	if err != nil {
		return nil, ToStatusError(err)
	}
	return respond(map[string]any{"device": snap})
}

func (s *NetworkService) ListStations(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	return respond(map[string]any{"stations": s.state.ListStations()})
}

func (s *NetworkService) ListDevices(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	return respond(map[string]any{"devices": s.state.ListDevices()})
}

func (s *NetworkService) GetSnapshot(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	return respond(s.state.Snapshot())
}

// CheckInvariants never fails the RPC on a violation; it reports
// {"ok": false, "violations": [...]}.
func (s *NetworkService) CheckInvariants(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	err := s.state.CheckInvariants()
	if err != nil {
		logging.LoggerFromContext(ctx, s.log).Error(ctx, "network invariants violated", logging.Err(err))
	}
	return respond(map[string]any{"ok": err == nil, "violations": state.Violations(err)})
}

func (s *NetworkService) ensureReady() error {
	if s == nil || s.state == nil {
		return status.Error(codes.FailedPrecondition, "network state is not configured")
	}
	return nil
}

func location(req *structpb.Struct) (model.Location, error) {
	x, err := requiredNumber(req, "x")
	if err != nil {
		return model.Location{}, err
	}
	y, err := requiredNumber(req, "y")
	if err != nil {
		return model.Location{}, err
	}
	return model.Location{X: x, Y: y}, nil
}

func respond(v any) (*structpb.Struct, error) {
	out, err := toStruct(v)
	if err != nil {
		return nil, status.Error(codes.Internal, fmt.Sprint(err))
	}
	return out, nil
}
