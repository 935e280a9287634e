package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/signalsfoundry/handover-simulator/internal/events"
	"github.com/signalsfoundry/handover-simulator/internal/ledger"
	"github.com/signalsfoundry/handover-simulator/internal/logging"
	"github.com/signalsfoundry/handover-simulator/internal/observability"
	"github.com/signalsfoundry/handover-simulator/internal/sim/state"
	"github.com/signalsfoundry/handover-simulator/model"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fixture struct {
	router    *gin.Engine
	state     *state.NetworkState
	buf       *events.Buffer
	collector *observability.APICollector
}

func newFixture(t *testing.T, ledgerReader LedgerReader) *fixture {
	t.Helper()
	buf := events.NewBuffer(0)
	st := state.NewNetworkState(nil, logging.Noop(), state.WithEventSink(buf))
	if err := st.ProvisionStations(context.Background(), model.DefaultStations()); err != nil {
		t.Fatalf("ProvisionStations: %v", err)
	}
	collector, err := observability.NewAPICollector(prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("NewAPICollector: %v", err)
	}
	router := NewRouter(st, Options{
		Log:         logging.Noop(),
		Collector:   collector,
		Events:      buf,
		Ledger:      ledgerReader,
		AllowOrigin: "http://localhost:3000",
	})
	return &fixture{router: router, state: st, buf: buf, collector: collector}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func wantStatus(t *testing.T, rec *httptest.ResponseRecorder, code int) {
	t.Helper()
	if rec.Code != code {
		t.Fatalf("status = %d, want %d (body %s)", rec.Code, code, rec.Body.String())
	}
}

func TestRegisterDeviceEndpoint(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/v1/devices", registerRequest{DeviceID: "p1", Kind: "SmartPhone"})
	wantStatus(t, rec, http.StatusCreated)
	body := decode(t, rec)
	if body["station_id"] != "BS1" || body["kind"] != "SmartPhone" {
		t.Fatalf("body = %v", body)
	}

	wantStatus(t, f.do(t, http.MethodPost, "/v1/devices", registerRequest{DeviceID: "p1", Kind: "IoT"}), http.StatusConflict)
	wantStatus(t, f.do(t, http.MethodPost, "/v1/devices", registerRequest{DeviceID: "p2", Kind: "Tank"}), http.StatusBadRequest)
	wantStatus(t, f.do(t, http.MethodPost, "/v1/devices", registerRequest{Kind: "IoT"}), http.StatusBadRequest)

	req := httptest.NewRequest(http.MethodPost, "/v1/devices", strings.NewReader("{not json"))
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	wantStatus(t, rr, http.StatusBadRequest)
}

func TestRegisterDeviceEndpointCapacity(t *testing.T) {
	f := newFixture(t, nil)
	for _, id := range []string{"a", "b", "c"} {
		wantStatus(t, f.do(t, http.MethodPost, "/v1/devices", registerRequest{DeviceID: id, Kind: "IoT"}), http.StatusCreated)
	}
	wantStatus(t, f.do(t, http.MethodPost, "/v1/devices", registerRequest{DeviceID: "d", Kind: "IoT"}), http.StatusServiceUnavailable)
	wantStatus(t, f.do(t, http.MethodGet, "/v1/devices/d", nil), http.StatusNotFound)
}

func TestConnectDisconnectSendEndpoints(t *testing.T) {
	f := newFixture(t, nil)
	wantStatus(t, f.do(t, http.MethodPost, "/v1/devices", registerRequest{DeviceID: "dr", Kind: "Drone"}), http.StatusCreated)

	rec := f.do(t, http.MethodPost, "/v1/devices/dr/connect", connectRequest{StationID: "BS2"})
	wantStatus(t, rec, http.StatusOK)
	if got := decode(t, rec)["station_id"]; got != "BS2" {
		t.Fatalf("station_id = %v", got)
	}
	wantStatus(t, f.do(t, http.MethodPost, "/v1/devices/dr/connect", connectRequest{StationID: "BS7"}), http.StatusNotFound)
	wantStatus(t, f.do(t, http.MethodPost, "/v1/devices/dr/connect", connectRequest{}), http.StatusBadRequest)

	rec = f.do(t, http.MethodPost, "/v1/devices/dr/send", nil)
	wantStatus(t, rec, http.StatusOK)
	body := decode(t, rec)
	if body["summary"] != "Drone dr: Video streaming" || body["battery_after"] != float64(90) {
		t.Fatalf("send body = %v", body)
	}
	for i := 0; i < 9; i++ {
		wantStatus(t, f.do(t, http.MethodPost, "/v1/devices/dr/send", nil), http.StatusOK)
	}

	wantStatus(t, f.do(t, http.MethodPost, "/v1/devices/dr/disconnect", nil), http.StatusOK)
	wantStatus(t, f.do(t, http.MethodPost, "/v1/devices/dr/connect", connectRequest{StationID: "BS1"}), http.StatusPreconditionFailed)
	wantStatus(t, f.do(t, http.MethodPost, "/v1/devices/nobody/disconnect", nil), http.StatusNotFound)
}

func TestMoveEndpoints(t *testing.T) {
	f := newFixture(t, nil)
	for _, id := range []string{"a", "b", "c"} {
		wantStatus(t, f.do(t, http.MethodPost, "/v1/devices", registerRequest{DeviceID: id, Kind: "SmartPhone"}), http.StatusCreated)
	}

	x, y := 90.0, 90.0
	rec := f.do(t, http.MethodPost, "/v1/devices/a/move", moveRequest{X: &x, Y: &y})
	wantStatus(t, rec, http.StatusOK)
	if body := decode(t, rec); body["switched"] != true || body["station_id"] != "BS2" {
		t.Fatalf("move body = %v", body)
	}
	wantStatus(t, f.do(t, http.MethodPost, "/v1/devices/a/move", map[string]any{"x": 1}), http.StatusBadRequest)

	rec = f.do(t, http.MethodPost, "/v1/network/move-all", moveRequest{X: &x, Y: &y})
	wantStatus(t, rec, http.StatusOK)
	results := decode(t, rec)["results"].([]any)
	if len(results) != 3 {
		t.Fatalf("results = %v", results)
	}
	// a stays on BS2, b fills it, c is dropped.
	if c := results[2].(map[string]any); c["attempted"] != true || c["switched"] != false || c["error"] == nil {
		t.Fatalf("c result = %v", c)
	}

	rec = f.do(t, http.MethodGet, "/v1/stations/BS2", nil)
	wantStatus(t, rec, http.StatusOK)
	if body := decode(t, rec); body["load"] != float64(2) {
		t.Fatalf("BS2 = %v", body)
	}

	rec = f.do(t, http.MethodGet, "/v1/network/invariants", nil)
	wantStatus(t, rec, http.StatusOK)
	if body := decode(t, rec); body["ok"] != true {
		t.Fatalf("invariants = %v", body)
	}
}

func TestMoveRejectsNonFiniteCoordinates(t *testing.T) {
	one := 1.0
	for _, bad := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		v := bad
		if _, err := (moveRequest{X: &v, Y: &one}).location(); !errors.Is(err, errBadRequest) {
			t.Fatalf("location(x=%v) error = %v, want errBadRequest", bad, err)
		}
		if _, err := (moveRequest{X: &one, Y: &v}).location(); !errors.Is(err, errBadRequest) {
			t.Fatalf("location(y=%v) error = %v, want errBadRequest", bad, err)
		}
	}

	f := newFixture(t, nil)
	wantStatus(t, f.do(t, http.MethodPost, "/v1/devices", registerRequest{DeviceID: "a", Kind: "SmartPhone"}), http.StatusCreated)
	wantStatus(t, f.do(t, http.MethodPost, "/v1/devices/a/move", json.RawMessage(`{"x":1e400,"y":1}`)), http.StatusBadRequest)

	rec := f.do(t, http.MethodGet, "/v1/network/snapshot", nil)
	wantStatus(t, rec, http.StatusOK)
	dev := decode(t, rec)["devices"].([]any)[0].(map[string]any)
	if loc := dev["location"].(map[string]any); loc["x"] != float64(10) || loc["y"] != float64(10) {
		t.Fatalf("location = %v, want unchanged (10,10)", loc)
	}
}

func TestSendAllAndListEndpoints(t *testing.T) {
	f := newFixture(t, nil)
	wantStatus(t, f.do(t, http.MethodPost, "/v1/devices", registerRequest{DeviceID: "s", Kind: "IoT"}), http.StatusCreated)
	wantStatus(t, f.do(t, http.MethodPost, "/v1/devices", registerRequest{DeviceID: "p", Kind: "phone"}), http.StatusCreated)

	rec := f.do(t, http.MethodPost, "/v1/network/send-all", nil)
	wantStatus(t, rec, http.StatusOK)
	records := decode(t, rec)["records"].([]any)
	if len(records) != 2 || records[0].(map[string]any)["summary"] != "IoTDevice s: Sensor update" {
		t.Fatalf("records = %v", records)
	}

	rec = f.do(t, http.MethodGet, "/v1/devices", nil)
	devices := decode(t, rec)["devices"].([]any)
	if len(devices) != 2 || devices[1].(map[string]any)["battery"] != float64(95) {
		t.Fatalf("devices = %v", devices)
	}

	rec = f.do(t, http.MethodGet, "/v1/stations", nil)
	stations := decode(t, rec)["stations"].([]any)
	if len(stations) != 2 || stations[0].(map[string]any)["load"] != float64(2) {
		t.Fatalf("stations = %v", stations)
	}

	rec = f.do(t, http.MethodGet, "/v1/network/snapshot", nil)
	wantStatus(t, rec, http.StatusOK)
	wantStatus(t, f.do(t, http.MethodGet, "/v1/stations/BS9", nil), http.StatusNotFound)
}

func TestEventsEndpoint(t *testing.T) {
	f := newFixture(t, nil)
	wantStatus(t, f.do(t, http.MethodPost, "/v1/devices", registerRequest{DeviceID: "s", Kind: "IoT"}), http.StatusCreated)

	rec := f.do(t, http.MethodGet, "/v1/events?limit=2", nil)
	wantStatus(t, rec, http.StatusOK)
	list := decode(t, rec)["events"].([]any)
	if len(list) != 2 {
		t.Fatalf("events = %v", list)
	}
	if list[0].(map[string]any)["type"] != string(events.TypeDeviceRegistered) ||
		list[1].(map[string]any)["type"] != string(events.TypeDeviceConnected) {
		t.Fatalf("events = %v", list)
	}
	wantStatus(t, f.do(t, http.MethodGet, "/v1/events?limit=-1", nil), http.StatusBadRequest)
	wantStatus(t, f.do(t, http.MethodGet, "/v1/ledger", nil), http.StatusNotImplemented)
}

type fakeLedger struct {
	got  ledger.Filter
	list []events.Event
	err  error
}

func (l *fakeLedger) List(_ context.Context, f ledger.Filter) ([]events.Event, error) {
	l.got = f
	return l.list, l.err
}

func TestLedgerEndpoint(t *testing.T) {
	fl := &fakeLedger{list: []events.Event{{ID: "e1", Type: events.TypeHandover, DeviceID: "a"}}}
	f := newFixture(t, fl)

	rec := f.do(t, http.MethodGet, "/v1/ledger?device_id=a&type=handover.switched&limit=5", nil)
	wantStatus(t, rec, http.StatusOK)
	if fl.got != (ledger.Filter{DeviceID: "a", Type: events.TypeHandover, Limit: 5}) {
		t.Fatalf("filter = %+v", fl.got)
	}
	if list := decode(t, rec)["events"].([]any); len(list) != 1 {
		t.Fatalf("events = %v", list)
	}

	fl.err = errors.New("db closed")
	wantStatus(t, f.do(t, http.MethodGet, "/v1/ledger", nil), http.StatusInternalServerError)
}

func TestMiddleware(t *testing.T) {
	f := newFixture(t, nil)

	req := httptest.NewRequest(http.MethodOptions, "/v1/devices", nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	wantStatus(t, rec, http.StatusNoContent)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Fatalf("allow origin = %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/stations", nil)
	req.Header.Set(requestIDHeader, "abc-123")
	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	if got := rec.Header().Get(requestIDHeader); got != "abc-123" {
		t.Fatalf("request id = %q, want abc-123", got)
	}
	rec = f.do(t, http.MethodGet, "/v1/stations", nil)
	if rec.Header().Get(requestIDHeader) == "" {
		t.Fatalf("missing generated request id")
	}

	if got := testutil.ToFloat64(f.collector.HTTPRequests.WithLabelValues("/v1/stations", http.MethodGet, "200")); got != 2 {
		t.Fatalf("http_requests_total = %v, want 2", got)
	}

	rec = f.do(t, http.MethodGet, "/metrics", nil)
	wantStatus(t, rec, http.StatusOK)
	if !strings.Contains(rec.Body.String(), "http_requests_total") {
		t.Fatalf("metrics output missing http_requests_total")
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, http.StatusOK},
		{state.ErrDeviceExists, http.StatusConflict},
		{state.ErrCapacityExceeded, http.StatusServiceUnavailable},
		{state.ErrLowBattery, http.StatusPreconditionFailed},
		{state.ErrNoStations, http.StatusPreconditionFailed},
		{state.ErrDeviceNotFound, http.StatusNotFound},
		{state.ErrStationNotFound, http.StatusNotFound},
		{model.ErrUnknownKind, http.StatusBadRequest},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range tests {
		if got := statusFor(tc.err); got != tc.want {
			t.Errorf("statusFor(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}
