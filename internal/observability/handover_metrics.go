package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Handover outcome labels.
const (
	OutcomeStayed   = "stayed"
	OutcomeSwitched = "switched"
	OutcomeFailed   = "failed"
)

// HandoverCollector exposes association and handover metrics.
type HandoverCollector struct {
	gatherer prometheus.Gatherer

	EvaluationDuration prometheus.Histogram
	Handovers          *prometheus.CounterVec
	ConnectRejections  *prometheus.CounterVec
	DataSends          *prometheus.CounterVec
	StationLoad        *prometheus.GaugeVec
	StationCapacity    *prometheus.GaugeVec
	DeviceBattery      *prometheus.GaugeVec
}

// NewHandoverCollector registers handover metrics against the provided registerer.
func NewHandoverCollector(reg prometheus.Registerer) (*HandoverCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	evalHistogram, err := register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "handover_evaluation_duration_seconds",
		Help:    "Duration of handover evaluations, including any re-association.",
		Buckets: []float64{0.00001, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
	}), "handover_evaluation_duration_seconds")
	if err != nil {
		return nil, err
	}
	handovers, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "handover_evaluations_total",
		Help: "Handover evaluations by outcome (stayed, switched, failed).",
	}, []string{"outcome"}), "handover_evaluations_total")
	if err != nil {
		return nil, err
	}
	rejections, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "association_rejections_total",
		Help: "Rejected associations by station and reason.",
	}, []string{"station", "reason"}), "association_rejections_total")
	if err != nil {
		return nil, err
	}
	sends, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "device_data_sends_total",
		Help: "Data sends by device kind.",
	}, []string{"kind"}), "device_data_sends_total")
	if err != nil {
		return nil, err
	}
	load, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "station_associated_devices",
		Help: "Devices currently associated with each base station.",
	}, []string{"station"}), "station_associated_devices")
	if err != nil {
		return nil, err
	}
	capacity, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "station_capacity",
		Help: "Configured capacity of each base station.",
	}, []string{"station"}), "station_capacity")
	if err != nil {
		return nil, err
	}
	battery, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "device_battery_level",
		Help: "Current battery level of each device. May be negative.",
	}, []string{"device", "kind"}), "device_battery_level")
	if err != nil {
		return nil, err
	}

	return &HandoverCollector{
		gatherer:           gathererFor(reg),
		EvaluationDuration: evalHistogram,
		Handovers:          handovers,
		ConnectRejections:  rejections,
		DataSends:          sends,
		StationLoad:        load,
		StationCapacity:    capacity,
		DeviceBattery:      battery,
	}, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *HandoverCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// ObserveHandover records one evaluation and its outcome.
func (c *HandoverCollector) ObserveHandover(outcome string, d time.Duration) {
	if c == nil {
		return
	}
	if c.EvaluationDuration != nil {
		c.EvaluationDuration.Observe(d.Seconds())
	}
	if c.Handovers != nil {
		c.Handovers.WithLabelValues(outcome).Inc()
	}
}

// IncRejection counts a refused association.
func (c *HandoverCollector) IncRejection(stationID, reason string) {
	if c == nil || c.ConnectRejections == nil {
		return
	}
	c.ConnectRejections.WithLabelValues(stationID, reason).Inc()
}

// IncDataSend counts a data send for the given kind.
func (c *HandoverCollector) IncDataSend(kind string) {
	if c == nil || c.DataSends == nil {
		return
	}
	c.DataSends.WithLabelValues(kind).Inc()
}

// SetStation updates the load and capacity gauges of one station.
func (c *HandoverCollector) SetStation(stationID string, load, capacity int) {
	if c == nil {
		return
	}
	if c.StationLoad != nil {
		c.StationLoad.WithLabelValues(stationID).Set(float64(load))
	}
	if c.StationCapacity != nil {
		c.StationCapacity.WithLabelValues(stationID).Set(float64(capacity))
	}
}

// SetBattery updates the battery gauge of one device.
func (c *HandoverCollector) SetBattery(deviceID, kind string, level int) {
	if c == nil || c.DeviceBattery == nil {
		return
	}
	c.DeviceBattery.WithLabelValues(deviceID, kind).Set(float64(level))
}
