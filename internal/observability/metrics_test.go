package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
)

func TestObserveStageRecordsDurationAndFailure(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewPipelineCollector(reg)
	if err != nil {
		t.Fatalf("NewPipelineCollector: %v", err)
	}

	collector.ObserveStage("inventory", 20*time.Millisecond, nil)
	collector.ObserveStage("telemetry", time.Second, errors.New("controller down"))

	if got := testutil.ToFloat64(collector.StageFailures.WithLabelValues("telemetry")); got != 1 {
		t.Fatalf("experiment_stage_failures_total{telemetry} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(collector.StageFailures.WithLabelValues("inventory")); got != 0 {
		t.Fatalf("experiment_stage_failures_total{inventory} = %v, want 0", got)
	}
	if count := histogramSampleCount(t, reg, "experiment_stage_duration_seconds", map[string]string{
		"stage": "inventory",
	}); count != 1 {
		t.Fatalf("experiment_stage_duration_seconds sample_count = %d, want 1", count)
	}
}

func TestCollectorsShareRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewPipelineCollector(reg)
	if err != nil {
		t.Fatalf("NewPipelineCollector: %v", err)
	}
	second, err := NewPipelineCollector(reg)
	if err != nil {
		t.Fatalf("second NewPipelineCollector: %v", err)
	}
	if first.StageFailures != second.StageFailures {
		t.Fatalf("re-registration should reuse the existing collector")
	}
	if _, err := NewTelemetryCollector(reg); err != nil {
		t.Fatalf("NewTelemetryCollector on shared registry: %v", err)
	}
}

func TestTelemetryCollectorCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewTelemetryCollector(reg)
	if err != nil {
		t.Fatalf("NewTelemetryCollector: %v", err)
	}
	collector.SetDatapaths(3)
	collector.IncDatapathFailure("flow")
	collector.IncDatapathFailure("flow")
	collector.IncDiscoveryFailure()
	collector.ObserveRequest("port", 5*time.Millisecond)

	if got := testutil.ToFloat64(collector.DatapathsDiscovered); got != 3 {
		t.Fatalf("telemetry_datapaths_discovered = %v, want 3", got)
	}
	if got := testutil.ToFloat64(collector.DatapathFailures.WithLabelValues("flow")); got != 2 {
		t.Fatalf("telemetry_datapath_failures_total{flow} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(collector.DiscoveryFailures); got != 1 {
		t.Fatalf("telemetry_discovery_failures_total = %v, want 1", got)
	}
	if collector.Gatherer() != reg {
		t.Fatalf("Gatherer() should return the registry")
	}
}

func TestNilCollectorsAreSafe(t *testing.T) {
	var p *PipelineCollector
	p.ObserveStage("x", time.Second, errors.New("x"))
	p.RecordPersisted("x")
	p.RunFinished(time.Now(), true)

	var tc *TelemetryCollector
	tc.SetDatapaths(1)
	tc.IncDatapathFailure("port")
	tc.IncDiscoveryFailure()
	tc.ObserveRequest("flow", time.Second)
}

func TestMetricsHandlerExposesPipelineMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewPipelineCollector(reg)
	if err != nil {
		t.Fatalf("NewPipelineCollector: %v", err)
	}
	collector.ObserveStage("traffic", 12*time.Second, nil)
	collector.RecordPersisted("flow_stats_list.json")
	collector.RunFinished(time.Unix(1700000000, 0), true)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	collector.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("/metrics status = %d, want 200", rr.Code)
	}
	body := rr.Body.String()
	for _, metric := range []string{
		"experiment_stage_duration_seconds",
		"experiment_records_persisted_total",
		"experiment_last_run_success 1",
		"experiment_last_run_timestamp_seconds 1.7e+09",
	} {
		if !strings.Contains(body, metric) {
			t.Fatalf("expected %q in /metrics output:\n%s", metric, body)
		}
	}
}

func TestStartStageWithoutProvider(t *testing.T) {
	ctx, end := StartStage(context.Background(), "inventory")
	if ctx == nil {
		t.Fatalf("StartStage returned nil context")
	}
	end(errors.New("recorded"))
}

func histogramSampleCount(t *testing.T, gatherer prometheus.Gatherer, name string, labels map[string]string) uint64 {
	t.Helper()

	metrics, err := gatherer.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range metrics {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.Metric {
			if matchLabels(m.GetLabel(), labels) && m.GetHistogram() != nil {
				return m.GetHistogram().GetSampleCount()
			}
		}
	}
	return 0
}

func matchLabels(got []*dto.LabelPair, want map[string]string) bool {
	if len(got) < len(want) {
		return false
	}
	matched := 0
	for _, lp := range got {
		if val, ok := want[lp.GetName()]; ok && val == lp.GetValue() {
			matched++
		}
	}
	return matched == len(want)
}
