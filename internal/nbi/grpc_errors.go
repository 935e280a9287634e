package nbi

import (
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/signalsfoundry/handover-simulator/internal/sim/state"
	"github.com/signalsfoundry/handover-simulator/model"
)

// ErrInvalidRequest is returned when a request is missing a field or carries
// one of the wrong type.
var ErrInvalidRequest = errors.New("invalid request")

// ToStatusError maps network errors onto gRPC status codes.
func ToStatusError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	switch {
	case errors.Is(err, state.ErrDeviceNotFound),
		errors.Is(err, state.ErrStationNotFound):
		return status.Error(codes.NotFound, err.Error())

	case errors.Is(err, state.ErrDeviceExists),
		errors.Is(err, state.ErrStationExists):
		return status.Error(codes.AlreadyExists, err.Error())

	case errors.Is(err, state.ErrCapacityExceeded):
		return status.Error(codes.ResourceExhausted, err.Error())

	case errors.Is(err, state.ErrLowBattery),
		errors.Is(err, state.ErrNoStations),
		errors.Is(err, state.ErrStationUnresolved):
		return status.Error(codes.FailedPrecondition, err.Error())

	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, state.ErrInvalidDevice),
		errors.Is(err, state.ErrInvalidStation),
		errors.Is(err, model.ErrUnknownKind):
		return status.Error(codes.InvalidArgument, err.Error())

	default:
		return status.Error(codes.Internal, err.Error())
	}
}
