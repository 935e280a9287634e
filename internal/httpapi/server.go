// Package httpapi serves the network over a JSON REST surface for dashboards
// and the presentation layer.
package httpapi

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/signalsfoundry/handover-simulator/internal/events"
	"github.com/signalsfoundry/handover-simulator/internal/ledger"
	"github.com/signalsfoundry/handover-simulator/internal/logging"
	"github.com/signalsfoundry/handover-simulator/internal/observability"
	"github.com/signalsfoundry/handover-simulator/internal/sim/state"
	"github.com/signalsfoundry/handover-simulator/model"
)

// LedgerReader is the query side of the event ledger.
type LedgerReader interface {
	List(ctx context.Context, f ledger.Filter) ([]events.Event, error)
}

// Options wires optional collaborators into the router.
type Options struct {
	Log         logging.Logger
	Collector   *observability.APICollector
	Events      *events.Buffer
	Ledger      LedgerReader
	AllowOrigin string
}

type api struct {
	state  *state.NetworkState
	log    logging.Logger
	events *events.Buffer
	ledger LedgerReader
}

// NewRouter builds the gin engine for st.
func NewRouter(st *state.NetworkState, opts Options) *gin.Engine {
	if opts.Log == nil {
		opts.Log = logging.Noop()
	}
	if opts.AllowOrigin == "" {
		opts.AllowOrigin = "*"
	}
	a := &api{state: st, log: opts.Log, events: opts.Events, ledger: opts.Ledger}

	router := gin.New()
	router.Use(gin.Recovery(), corsMiddleware(opts.AllowOrigin), requestLogger(opts.Log))
	if opts.Collector != nil {
		router.Use(metricsMiddleware(opts.Collector))
		router.GET("/metrics", gin.WrapH(opts.Collector.Handler()))
	}
	router.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	v1 := router.Group("/v1")
	v1.GET("/stations", a.listStations)
	v1.GET("/stations/:id", a.getStation)
	v1.GET("/devices", a.listDevices)
	v1.POST("/devices", a.registerDevice)
	v1.GET("/devices/:id", a.getDevice)
	v1.POST("/devices/:id/connect", a.connectDevice)
	v1.POST("/devices/:id/disconnect", a.disconnectDevice)
	v1.POST("/devices/:id/send", a.sendData)
	v1.POST("/devices/:id/move", a.moveDevice)
	v1.POST("/network/send-all", a.sendAll)
	v1.POST("/network/move-all", a.moveAll)
	v1.GET("/network/snapshot", a.snapshot)
	v1.GET("/network/invariants", a.invariants)
	v1.GET("/events", a.recentEvents)
	v1.GET("/ledger", a.ledgerEvents)
	return router
}

type registerRequest struct {
	DeviceID string `json:"device_id"`
	Kind     string `json:"kind"`
}

type connectRequest struct {
	StationID string `json:"station_id"`
}

type moveRequest struct {
	X *float64 `json:"x"`
	Y *float64 `json:"y"`
}

func (r moveRequest) location() (model.Location, error) {
	if r.X == nil || r.Y == nil {
		return model.Location{}, fmt.Errorf("%w: x and y are required", errBadRequest)
	}
	for _, v := range []float64{*r.X, *r.Y} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return model.Location{}, fmt.Errorf("%w: x and y must be finite", errBadRequest)
		}
	}
	return model.Location{X: *r.X, Y: *r.Y}, nil
}

func bindJSON(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		writeError(c, fmt.Errorf("%w: %v", errBadRequest, err))
		return false
	}
	return true
}

func (a *api) registerDevice(c *gin.Context) {
	var req registerRequest
	if !bindJSON(c, &req) {
		return
	}
	if req.DeviceID == "" {
		writeError(c, fmt.Errorf("%w: device_id is required", errBadRequest))
		return
	}
	kind, err := model.ParseDeviceKind(req.Kind)
	if err != nil {
		writeError(c, err)
		return
	}
	snap, err := a.state.RegisterDevice(c.Request.Context(), req.DeviceID, kind)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, snap)
}

func (a *api) connectDevice(c *gin.Context) {
	var req connectRequest
	if !bindJSON(c, &req) {
		return
	}
	if req.StationID == "" {
		writeError(c, fmt.Errorf("%w: station_id is required", errBadRequest))
		return
	}
	snap, err := a.state.ConnectDevice(c.Request.Context(), c.Param("id"), req.StationID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (a *api) disconnectDevice(c *gin.Context) {
	snap, err := a.state.DisconnectDevice(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

type activityResponse struct {
	model.ActivityRecord
	Summary string `json:"summary"`
}

func (a *api) sendData(c *gin.Context) {
	rec, err := a.state.SendData(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, activityResponse{ActivityRecord: rec, Summary: rec.String()})
}

func (a *api) sendAll(c *gin.Context) {
	records := a.state.SendAll(c.Request.Context())
	out := make([]activityResponse, 0, len(records))
	for _, r := range records {
		out = append(out, activityResponse{ActivityRecord: r, Summary: r.String()})
	}
	c.JSON(http.StatusOK, gin.H{"records": out})
}

// moveDevice answers 200 even when the handover failed; the result carries
// the error.
func (a *api) moveDevice(c *gin.Context) {
	var req moveRequest
	if !bindJSON(c, &req) {
		return
	}
	loc, err := req.location()
	if err != nil {
		writeError(c, err)
		return
	}
	res, err := a.state.MoveDevice(c.Request.Context(), c.Param("id"), loc)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (a *api) moveAll(c *gin.Context) {
	var req moveRequest
	if !bindJSON(c, &req) {
		return
	}
	loc, err := req.location()
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": a.state.MoveAll(c.Request.Context(), loc)})
}

func (a *api) listStations(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"stations": a.state.ListStations()})
}

func (a *api) getStation(c *gin.Context) {
	st, err := a.state.Station(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (a *api) listDevices(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"devices": a.state.ListDevices()})
}

func (a *api) getDevice(c *gin.Context) {
	d, err := a.state.Device(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func (a *api) snapshot(c *gin.Context) {
	c.JSON(http.StatusOK, a.state.Snapshot())
}

func (a *api) invariants(c *gin.Context) {
	err := a.state.CheckInvariants()
	if err != nil {
		ctx := c.Request.Context()
		logging.LoggerFromContext(ctx, a.log).Error(ctx, "network invariants violated", logging.Err(err))
	}
	c.JSON(http.StatusOK, gin.H{"ok": err == nil, "violations": state.Violations(err)})
}

func (a *api) recentEvents(c *gin.Context) {
	limit, err := queryLimit(c)
	if err != nil {
		writeError(c, err)
		return
	}
	if a.events == nil {
		c.JSON(http.StatusOK, gin.H{"events": []events.Event{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": a.events.Recent(limit)})
}

func (a *api) ledgerEvents(c *gin.Context) {
	if a.ledger == nil {
		c.AbortWithStatusJSON(http.StatusNotImplemented, errorBody{Error: "event ledger is not configured"})
		return
	}
	limit, err := queryLimit(c)
	if err != nil {
		writeError(c, err)
		return
	}
	list, err := a.ledger.List(c.Request.Context(), ledger.Filter{
		DeviceID: c.Query("device_id"),
		Type:     events.Type(c.Query("type")),
		Limit:    limit,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": list})
}

func queryLimit(c *gin.Context) (int, error) {
	raw := c.Query("limit")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: limit must be a non-negative integer", errBadRequest)
	}
	return n, nil
}
