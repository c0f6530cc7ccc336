// Package pipeline runs one experiment end to end: bring the environment up,
// record its inventory, drive traffic, harvest controller telemetry, persist
// each record, and tear down on every exit path.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/signalsfoundry/sdn-experiment/internal/config"
	"github.com/signalsfoundry/sdn-experiment/internal/emulator"
	"github.com/signalsfoundry/sdn-experiment/internal/environment"
	"github.com/signalsfoundry/sdn-experiment/internal/inventory"
	"github.com/signalsfoundry/sdn-experiment/internal/logging"
	"github.com/signalsfoundry/sdn-experiment/internal/observability"
	"github.com/signalsfoundry/sdn-experiment/internal/persist"
	"github.com/signalsfoundry/sdn-experiment/internal/telemetry"
	"github.com/signalsfoundry/sdn-experiment/internal/traffic"
	"github.com/signalsfoundry/sdn-experiment/model"
)

// Stage names, used for spans, metrics labels and StageError.
const (
	StageEnvironment      = "environment"
	StageInventory        = "inventory"
	StagePersistInventory = "persist_inventory"
	StageTraffic          = "traffic"
	StagePersistTraffic   = "persist_traffic"
	StageTelemetry        = "telemetry"
	StagePersistFlows     = "persist_flows"
	StagePersistPorts     = "persist_ports"
	StageTeardown         = "teardown"
)

// teardownTimeout bounds Stop when the run's context is already done.
var teardownTimeout = 60 * time.Second

// StageError wraps the failure of one stage.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string { return fmt.Sprintf("stage %s: %v", e.Stage, e.Err) }

func (e *StageError) Unwrap() error { return e.Err }

// Report summarises a run.
type Report struct {
	RunID    string
	Started  time.Time
	Finished time.Time
	// Records lists the paths written, in write order.
	Records        []string
	TrafficSkipped bool
	Datapaths      int
	// Warnings aggregates non-fatal telemetry failures.
	Warnings error
}

// Pipeline wires the components of one run. Traffic may be nil to skip the
// probes; an empty test log is persisted in that case.
type Pipeline struct {
	Manager   *environment.Manager
	Traffic   *traffic.Runner
	Endpoints traffic.Endpoints
	Poller    *telemetry.Poller
	Persister *persist.Persister
	Metrics   *observability.PipelineCollector
	Log       logging.Logger
}

// Deps are the collaborators New cannot derive from the config.
type Deps struct {
	Builder          emulator.Builder
	Metrics          *observability.PipelineCollector
	TelemetryMetrics *observability.TelemetryCollector
	Log              logging.Logger
}

// New assembles a pipeline from an experiment config.
func New(cfg config.Config, deps Deps) *Pipeline {
	log := deps.Log
	if log == nil {
		log = logging.Noop()
	}
	p := &Pipeline{
		Manager:   environment.New(cfg, deps.Builder, log),
		Endpoints: traffic.Endpoints{A: cfg.Traffic.Source, B: cfg.Traffic.Target},
		Poller:    telemetry.NewPoller(cfg.Telemetry, deps.TelemetryMetrics, log),
		Persister: persist.New(cfg.OutputDir),
		Metrics:   deps.Metrics,
		Log:       log,
	}
	if cfg.Traffic.Enabled {
		p.Traffic = traffic.NewRunner(cfg.Traffic, log)
	}
	return p
}

// Run executes one experiment. Every record is durable before the next
// stage starts. The environment is torn down on every path once started;
// a teardown failure fails an otherwise successful run.
func (p *Pipeline) Run(ctx context.Context) (report *Report, err error) {
	ctx, log := logging.WithRunLogger(ctx, p.Log)
	report = &Report{RunID: logging.RunIDFromContext(ctx), Started: time.Now()}
	defer func() {
		report.Finished = time.Now()
		p.Metrics.RunFinished(report.Finished, err == nil)
		if err != nil {
			log.Error(ctx, "experiment failed", logging.Err(err))
			return
		}
		log.Info(ctx, "experiment finished",
			logging.Int("records", len(report.Records)),
			logging.Duration("elapsed", report.Finished.Sub(report.Started)),
		)
	}()

	ctx, endRun := observability.StartStage(ctx, "run", attribute.String("experiment.run_id", report.RunID))
	defer func() { endRun(err) }()

	var env *environment.LiveEnvironment
	if err := p.stage(ctx, log, StageEnvironment, func(ctx context.Context) error {
		var err error
		env, err = p.Manager.Start(ctx)
		return err
	}); err != nil {
		return report, err
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
		defer cancel()
		stopErr := p.stage(tctx, log, StageTeardown, func(ctx context.Context) error {
			return p.Manager.Stop(ctx, env)
		})
		switch {
		case stopErr == nil:
		case err == nil:
			err = stopErr
		default:
			log.Warn(ctx, "teardown failed", logging.Err(stopErr))
		}
	}()

	var inv model.TopologyInventory
	_ = p.stage(ctx, log, StageInventory, func(ctx context.Context) error {
		inv = inventory.Collect(ctx, env, log)
		return nil
	})
	if err := p.persist(ctx, log, report, StagePersistInventory, persist.TopologyInventory, inv); err != nil {
		return report, err
	}

	testLog := model.TestLog{}
	if p.Traffic == nil {
		report.TrafficSkipped = true
		log.Info(ctx, "traffic probes skipped")
	} else if err := p.stage(ctx, log, StageTraffic, func(ctx context.Context) error {
		var err error
		testLog, err = p.Traffic.Run(ctx, env, p.Endpoints)
		return err
	}); err != nil {
		return report, err
	}
	if err := p.persist(ctx, log, report, StagePersistTraffic, persist.TrafficResults, testLog); err != nil {
		return report, err
	}

	var res *telemetry.Result
	if err := p.stage(ctx, log, StageTelemetry, func(ctx context.Context) error {
		var err error
		res, err = p.Poller.Poll(ctx, env.ControllerURL())
		return err
	}); err != nil {
		return report, err
	}
	report.Datapaths = len(res.Datapaths)
	report.Warnings = res.Warnings()
	if report.Warnings != nil {
		log.Warn(ctx, "telemetry incomplete",
			logging.Int("failed", res.Failed()),
			logging.Err(report.Warnings),
		)
	}

	if err := p.persist(ctx, log, report, StagePersistFlows, persist.FlowStats, res.Flows); err != nil {
		return report, err
	}
	if err := p.persist(ctx, log, report, StagePersistPorts, persist.PortStats, res.Ports); err != nil {
		return report, err
	}
	return report, nil
}

func (p *Pipeline) persist(ctx context.Context, log logging.Logger, report *Report, stage, name string, record any) error {
	return p.stage(ctx, log, stage, func(ctx context.Context) error {
		path, err := p.Persister.Persist(name, record)
		if err != nil {
			return err
		}
		p.Metrics.RecordPersisted(name)
		report.Records = append(report.Records, path)
		log.Info(ctx, "record persisted", logging.String("path", path))
		return nil
	})
}

// stage runs fn inside a span, feeds the stage metrics and wraps failures.
func (p *Pipeline) stage(ctx context.Context, log logging.Logger, name string, fn func(context.Context) error) error {
	ctx, end := observability.StartStage(ctx, name)
	start := time.Now()
	err := fn(ctx)
	elapsed := time.Since(start)
	p.Metrics.ObserveStage(name, elapsed, err)
	end(err)
	if err != nil {
		var se *StageError
		if errors.As(err, &se) {
			return err
		}
		return &StageError{Stage: name, Err: err}
	}
	log.Debug(ctx, "stage finished", logging.String("stage", name), logging.Duration("elapsed", elapsed))
	return nil
}
