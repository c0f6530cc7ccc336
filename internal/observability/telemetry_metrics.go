package observability

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// TelemetryCollector exposes metrics about controller statistics polling.
type TelemetryCollector struct {
	gatherer prometheus.Gatherer

	DatapathsDiscovered prometheus.Gauge
	DatapathFailures    *prometheus.CounterVec
	RequestDuration     *prometheus.HistogramVec
	DiscoveryFailures   prometheus.Counter
}

// NewTelemetryCollector registers telemetry metrics against the provided registerer.
func NewTelemetryCollector(reg prometheus.Registerer) (*TelemetryCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	discovered := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "telemetry_datapaths_discovered",
		Help: "Number of datapaths reported by the controller in the last discovery.",
	})
	discovered, err := registerGauge(reg, discovered, "telemetry_datapaths_discovered")
	if err != nil {
		return nil, err
	}

	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_datapath_failures_total",
		Help: "Per-datapath stats requests that failed after retries, labeled by kind (flow, port).",
	}, []string{"kind"})
	failures, err = registerCounterVec(reg, failures, "telemetry_datapath_failures_total")
	if err != nil {
		return nil, err
	}

	durations := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "telemetry_request_duration_seconds",
		Help:    "Latency of controller REST requests, labeled by endpoint kind.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"kind"})
	durations, err = registerHistogramVec(reg, durations, "telemetry_request_duration_seconds")
	if err != nil {
		return nil, err
	}

	discoveryFailures := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "telemetry_discovery_failures_total",
		Help: "Discovery requests that left the poll with nothing to fan out to.",
	})
	discoveryFailures, err = registerCounter(reg, discoveryFailures, "telemetry_discovery_failures_total")
	if err != nil {
		return nil, err
	}

	return &TelemetryCollector{
		gatherer:            gatherer,
		DatapathsDiscovered: discovered,
		DatapathFailures:    failures,
		RequestDuration:     durations,
		DiscoveryFailures:   discoveryFailures,
	}, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *TelemetryCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// SetDatapaths updates the discovered datapath gauge.
func (c *TelemetryCollector) SetDatapaths(n int) {
	if c == nil || c.DatapathsDiscovered == nil {
		return
	}
	c.DatapathsDiscovered.Set(float64(n))
}

// IncDatapathFailure counts a failed per-datapath request.
func (c *TelemetryCollector) IncDatapathFailure(kind string) {
	if c == nil || c.DatapathFailures == nil {
		return
	}
	c.DatapathFailures.WithLabelValues(kind).Inc()
}

// IncDiscoveryFailure counts a failed discovery.
func (c *TelemetryCollector) IncDiscoveryFailure() {
	if c == nil || c.DiscoveryFailures == nil {
		return
	}
	c.DiscoveryFailures.Inc()
}

// ObserveRequest records one controller request latency.
func (c *TelemetryCollector) ObserveRequest(kind string, d time.Duration) {
	if c == nil || c.RequestDuration == nil {
		return
	}
	c.RequestDuration.WithLabelValues(kind).Observe(d.Seconds())
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}
