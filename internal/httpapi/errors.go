package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/signalsfoundry/handover-simulator/internal/sim/state"
	"github.com/signalsfoundry/handover-simulator/model"
)

var errBadRequest = errors.New("bad request")

// statusFor maps network errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, state.ErrDeviceNotFound),
		errors.Is(err, state.ErrStationNotFound):
		return http.StatusNotFound
	case errors.Is(err, state.ErrDeviceExists),
		errors.Is(err, state.ErrStationExists):
		return http.StatusConflict
	case errors.Is(err, state.ErrCapacityExceeded):
		return http.StatusServiceUnavailable
	case errors.Is(err, state.ErrLowBattery),
		errors.Is(err, state.ErrNoStations),
		errors.Is(err, state.ErrStationUnresolved):
		return http.StatusPreconditionFailed
	case errors.Is(err, errBadRequest),
		errors.Is(err, state.ErrInvalidDevice),
		errors.Is(err, state.ErrInvalidStation),
		errors.Is(err, model.ErrUnknownKind):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(c *gin.Context, err error) {
	c.AbortWithStatusJSON(statusFor(err), errorBody{Error: err.Error()})
}
