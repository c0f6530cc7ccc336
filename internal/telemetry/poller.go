// Package telemetry harvests per-datapath flow and port statistics from the
// controller's REST API.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/signalsfoundry/sdn-experiment/internal/config"
	"github.com/signalsfoundry/sdn-experiment/internal/logging"
	"github.com/signalsfoundry/sdn-experiment/internal/observability"
	"github.com/signalsfoundry/sdn-experiment/internal/ofctl"
	"github.com/signalsfoundry/sdn-experiment/model"
)

// UnavailableError means the datapath list itself could not be obtained, so
// no statistics exist for this run.
type UnavailableError struct {
	URL string
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("controller telemetry unavailable at %s: %v", e.URL, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// Result holds the statistics of one poll. Flows[i] and Ports[i] belong to
// Datapaths[i]; a datapath whose stats could not be fetched has a marker
// record in that position.
type Result struct {
	Datapaths []model.DatapathID
	Flows     []model.StatsRecord
	Ports     []model.StatsRecord

	warnings *multierror.Error
}

// Warnings aggregates the per-datapath failures, or nil.
func (r *Result) Warnings() error { return r.warnings.ErrorOrNil() }

// Failed counts the marker records in the result.
func (r *Result) Failed() int {
	if r.warnings == nil {
		return 0
	}
	return len(r.warnings.Errors)
}

var (
	retryInitialInterval = 200 * time.Millisecond
	retryMaxInterval     = 2 * time.Second
)

// Poller queries one controller.
type Poller struct {
	// RequestTimeout bounds each HTTP request.
	RequestTimeout time.Duration
	// Retries is the number of extra attempts per failed request.
	Retries int
	// Concurrency caps in-flight datapaths. Values below 1 mean 1.
	Concurrency int

	HTTPClient *http.Client
	Metrics    *observability.TelemetryCollector
	Log        logging.Logger
}

// NewPoller returns a poller configured from cfg.
func NewPoller(cfg config.TelemetryConfig, metrics *observability.TelemetryCollector, log logging.Logger) *Poller {
	return &Poller{
		RequestTimeout: cfg.RequestTimeout,
		Retries:        cfg.Retries,
		Concurrency:    cfg.Concurrency,
		Metrics:        metrics,
		Log:            log,
	}
}

// Poll discovers the datapaths and fetches flow and port statistics for
// each. Only a failed discovery (*UnavailableError) or cancellation of ctx
// fails the poll; per-datapath failures are in Result.Warnings.
func (p *Poller) Poll(ctx context.Context, baseURL string) (*Result, error) {
	log := p.Log
	if log == nil {
		log = logging.Noop()
	}
	opts := []ofctl.Option{ofctl.WithObserver(p.Metrics)}
	if p.HTTPClient != nil {
		opts = append(opts, ofctl.WithHTTPClient(p.HTTPClient))
	}
	client := ofctl.NewClient(baseURL, p.RequestTimeout, opts...)

	var ids []model.DatapathID
	err := p.retry(ctx, func() error {
		var err error
		ids, err = client.Switches(ctx)
		return err
	})
	if err != nil {
		p.Metrics.IncDiscoveryFailure()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &UnavailableError{URL: client.BaseURL(), Err: err}
	}
	p.Metrics.SetDatapaths(len(ids))
	log.Info(ctx, "datapaths discovered", logging.Int("count", len(ids)))

	res := &Result{
		Datapaths: ids,
		Flows:     make([]model.StatsRecord, len(ids)),
		Ports:     make([]model.StatsRecord, len(ids)),
	}

	var mu sync.Mutex
	fetch := func(kind string, id model.DatapathID, get func(context.Context, model.DatapathID) (model.StatsRecord, error)) model.StatsRecord {
		var rec model.StatsRecord
		err := p.retry(ctx, func() error {
			var err error
			rec, err = get(ctx, id)
			return err
		})
		if err == nil {
			return rec
		}
		p.Metrics.IncDatapathFailure(kind)
		log.Warn(ctx, "datapath stats unavailable",
			logging.String("kind", kind),
			logging.String("dpid", string(id)),
			logging.Err(err),
		)
		mu.Lock()
		res.warnings = multierror.Append(res.warnings, fmt.Errorf("%s stats for datapath %s: %w", kind, id, err))
		mu.Unlock()
		return model.MarkerRecord(id, err)
	}

	limit := p.Concurrency
	if limit < 1 {
		limit = 1
	}
	var g errgroup.Group
	g.SetLimit(limit)
	for i, id := range ids {
		g.Go(func() error {
			res.Flows[i] = fetch("flow", id, client.FlowStats)
			res.Ports[i] = fetch("port", id, client.PortStats)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	log.Info(ctx, "telemetry polled",
		logging.Int("datapaths", len(ids)),
		logging.Int("failed", res.Failed()),
	)
	return res, nil
}

// retry runs op with exponential backoff, at most p.Retries extra times.
// Client errors (4xx) are not retried.
func (p *Poller) retry(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = retryInitialInterval
	b.MaxInterval = retryMaxInterval
	retries := p.Retries
	if retries < 0 {
		retries = 0
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
	return backoff.Retry(func() error {
		err := op()
		var se *ofctl.StatusError
		if errors.As(err, &se) && se.Code >= 400 && se.Code < 500 {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
}
