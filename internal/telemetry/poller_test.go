package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalsfoundry/sdn-experiment/internal/observability"
	"github.com/signalsfoundry/sdn-experiment/internal/ofctl"
	"github.com/signalsfoundry/sdn-experiment/internal/ofctl/ofctltest"
	"github.com/signalsfoundry/sdn-experiment/model"
)

func fastRetries(t *testing.T) {
	t.Helper()
	oldInitial, oldMax := retryInitialInterval, retryMaxInterval
	retryInitialInterval, retryMaxInterval = time.Millisecond, 5*time.Millisecond
	t.Cleanup(func() { retryInitialInterval, retryMaxInterval = oldInitial, oldMax })
}

func newPoller(t *testing.T, concurrency int) (*Poller, *observability.TelemetryCollector) {
	t.Helper()
	metrics, err := observability.NewTelemetryCollector(prometheus.NewRegistry())
	require.NoError(t, err)
	return &Poller{
		RequestTimeout: time.Second,
		Retries:        2,
		Concurrency:    concurrency,
		Metrics:        metrics,
	}, metrics
}

func TestPollOrdersRecordsByDatapath(t *testing.T) {
	for _, concurrency := range []int{1, 4} {
		fastRetries(t)
		ctrl := ofctltest.New("3", "1", "2")
		srv := ctrl.Serve(t)
		p, metrics := newPoller(t, concurrency)

		res, err := p.Poll(context.Background(), srv.URL)
		require.NoError(t, err)
		require.NoError(t, res.Warnings())

		assert.Equal(t, []model.DatapathID{"3", "1", "2"}, res.Datapaths)
		require.Len(t, res.Flows, 3)
		require.Len(t, res.Ports, 3)
		for i, id := range res.Datapaths {
			var flow, port map[string]json.RawMessage
			require.NoError(t, json.Unmarshal(res.Flows[i], &flow))
			require.NoError(t, json.Unmarshal(res.Ports[i], &port))
			assert.Contains(t, flow, string(id), "concurrency %d: flow[%d]", concurrency, i)
			assert.Contains(t, port, string(id), "concurrency %d: port[%d]", concurrency, i)
		}
		assert.Equal(t, 3.0, testutil.ToFloat64(metrics.DatapathsDiscovered))
	}
}

func TestPollIsolatesFailedDatapath(t *testing.T) {
	fastRetries(t)
	ctrl := ofctltest.New("1", "2", "3")
	ctrl.SetStatus("/stats/flow/2", http.StatusInternalServerError)
	srv := ctrl.Serve(t)
	p, metrics := newPoller(t, 1)

	res, err := p.Poll(context.Background(), srv.URL)
	require.NoError(t, err)

	require.Len(t, res.Flows, 3)
	assert.False(t, model.IsMarker(res.Flows[0]))
	assert.True(t, model.IsMarker(res.Flows[1]))
	assert.False(t, model.IsMarker(res.Flows[2]))
	for i := range res.Ports {
		assert.False(t, model.IsMarker(res.Ports[i]))
	}

	var marker struct {
		DPID  string `json:"dpid"`
		Error string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(res.Flows[1], &marker))
	assert.Equal(t, "2", marker.DPID)
	assert.Contains(t, marker.Error, "500")

	require.Error(t, res.Warnings())
	assert.Equal(t, 1, res.Failed())
	assert.Equal(t, 3, ctrl.Hits("/stats/flow/2"), "one try plus two retries")
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.DatapathFailures.WithLabelValues("flow")))
}

func TestPollDoesNotRetryClientErrors(t *testing.T) {
	fastRetries(t)
	ctrl := ofctltest.New("1")
	ctrl.SetStatus("/stats/port/1", http.StatusNotFound)
	srv := ctrl.Serve(t)
	p, _ := newPoller(t, 1)

	res, err := p.Poll(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.True(t, model.IsMarker(res.Ports[0]))
	assert.Equal(t, 1, ctrl.Hits("/stats/port/1"))
}

func TestPollDiscoveryFailure(t *testing.T) {
	fastRetries(t)
	ctrl := ofctltest.New("1")
	ctrl.SetStatus("/stats/switches", http.StatusServiceUnavailable)
	srv := ctrl.Serve(t)
	p, metrics := newPoller(t, 1)

	res, err := p.Poll(context.Background(), srv.URL)
	assert.Nil(t, res)
	var ue *UnavailableError
	require.True(t, errors.As(err, &ue), "got %v", err)
	assert.Equal(t, srv.URL, ue.URL)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.DiscoveryFailures))
	assert.Zero(t, ctrl.Hits("/stats/flow/1"))
}

func TestPollRejectsMalformedDatapathList(t *testing.T) {
	fastRetries(t)
	for _, ids := range [][]string{{"1", "null"}, {"-1"}, {"1.5"}} {
		ctrl := ofctltest.New(ids...)
		srv := ctrl.Serve(t)
		p, metrics := newPoller(t, 1)

		res, err := p.Poll(context.Background(), srv.URL)
		assert.Nil(t, res, "ids %v", ids)
		var ue *UnavailableError
		require.True(t, errors.As(err, &ue), "ids %v: got %v", ids, err)
		assert.ErrorIs(t, err, ofctl.ErrMalformed)
		assert.Equal(t, 1.0, testutil.ToFloat64(metrics.DiscoveryFailures))
		assert.Zero(t, ctrl.Hits("/stats/flow/"), "no fan-out for ids %v", ids)
		assert.Zero(t, ctrl.Hits("/stats/flow/1"), "no fan-out for ids %v", ids)
	}
}

func TestPollUnreachableController(t *testing.T) {
	fastRetries(t)
	p, _ := newPoller(t, 1)
	p.RequestTimeout = 200 * time.Millisecond

	_, err := p.Poll(context.Background(), "http://127.0.0.1:1")
	var ue *UnavailableError
	require.True(t, errors.As(err, &ue), "got %v", err)
}

func TestPollNoDatapaths(t *testing.T) {
	srv := ofctltest.New().Serve(t)
	p, _ := newPoller(t, 1)

	res, err := p.Poll(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Empty(t, res.Datapaths)
	assert.Empty(t, res.Flows)
	assert.Empty(t, res.Ports)
}

func TestPollRespectsConcurrencyLimit(t *testing.T) {
	var inflight, peak atomic.Int32
	ctrl := ofctltest.New("1", "2", "3", "4", "5", "6")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := inflight.Add(1)
		defer inflight.Add(-1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		ctrl.ServeHTTP(w, r)
	}))
	defer srv.Close()
	p, _ := newPoller(t, 2)

	res, err := p.Poll(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Len(t, res.Flows, 6)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestPollCancelled(t *testing.T) {
	srv := ofctltest.New("1").Serve(t)
	p, _ := newPoller(t, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Poll(ctx, srv.URL)
	assert.ErrorIs(t, err, context.Canceled)
}
