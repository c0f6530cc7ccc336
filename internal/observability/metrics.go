package observability

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PipelineCollector bundles Prometheus metrics for the experiment pipeline
// stages and exposes them over HTTP.
type PipelineCollector struct {
	gatherer prometheus.Gatherer

	StageDurations  *prometheus.HistogramVec
	StageFailures   *prometheus.CounterVec
	RecordsWritten  *prometheus.CounterVec
	LastRunSuccess  prometheus.Gauge
	LastRunUnixTime prometheus.Gauge
}

// NewPipelineCollector registers pipeline metrics against the provided
// registerer, defaulting to the global Prometheus registry when nil.
func NewPipelineCollector(reg prometheus.Registerer) (*PipelineCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	durations := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "experiment_stage_duration_seconds",
		Help:    "Wall-clock duration of each pipeline stage.",
		Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 20, 30, 60, 120},
	}, []string{"stage"})
	durations, err := registerHistogramVec(reg, durations, "experiment_stage_duration_seconds")
	if err != nil {
		return nil, err
	}

	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "experiment_stage_failures_total",
		Help: "Number of pipeline stages that ended in an error, labeled by stage.",
	}, []string{"stage"})
	failures, err = registerCounterVec(reg, failures, "experiment_stage_failures_total")
	if err != nil {
		return nil, err
	}

	records := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "experiment_records_persisted_total",
		Help: "Number of record files written, labeled by record name.",
	}, []string{"record"})
	records, err = registerCounterVec(reg, records, "experiment_records_persisted_total")
	if err != nil {
		return nil, err
	}

	success, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "experiment_last_run_success",
		Help: "1 if the most recent run completed all stages, 0 otherwise.",
	}), "experiment_last_run_success")
	if err != nil {
		return nil, err
	}
	lastRun, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "experiment_last_run_timestamp_seconds",
		Help: "Unix time at which the most recent run finished.",
	}), "experiment_last_run_timestamp_seconds")
	if err != nil {
		return nil, err
	}

	return &PipelineCollector{
		gatherer:        gatherer,
		StageDurations:  durations,
		StageFailures:   failures,
		RecordsWritten:  records,
		LastRunSuccess:  success,
		LastRunUnixTime: lastRun,
	}, nil
}

// ObserveStage records the duration of a stage and counts it as failed when
// err is non-nil.
func (c *PipelineCollector) ObserveStage(stage string, d time.Duration, err error) {
	if c == nil {
		return
	}
	if c.StageDurations != nil {
		c.StageDurations.WithLabelValues(stage).Observe(d.Seconds())
	}
	if err != nil && c.StageFailures != nil {
		c.StageFailures.WithLabelValues(stage).Inc()
	}
}

// RecordPersisted counts a successfully written record file.
func (c *PipelineCollector) RecordPersisted(name string) {
	if c == nil || c.RecordsWritten == nil {
		return
	}
	c.RecordsWritten.WithLabelValues(name).Inc()
}

// RunFinished sets the last-run gauges.
func (c *PipelineCollector) RunFinished(at time.Time, ok bool) {
	if c == nil {
		return
	}
	if c.LastRunSuccess != nil {
		v := 0.0
		if ok {
			v = 1
		}
		c.LastRunSuccess.Set(v)
	}
	if c.LastRunUnixTime != nil {
		c.LastRunUnixTime.Set(float64(at.Unix()))
	}
}

// Handler exposes a ready-to-use /metrics handler.
func (c *PipelineCollector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}
