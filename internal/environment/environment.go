// Package environment brings up and tears down the experiment environment:
// the controller process, the emulated network bound to it, and the host
// resources they hold.
package environment

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gofrs/flock"
	"github.com/hashicorp/go-multierror"

	"github.com/signalsfoundry/sdn-experiment/internal/config"
	"github.com/signalsfoundry/sdn-experiment/internal/controller"
	"github.com/signalsfoundry/sdn-experiment/internal/emulator"
	"github.com/signalsfoundry/sdn-experiment/internal/logging"
	"github.com/signalsfoundry/sdn-experiment/internal/ofctl"
	"github.com/signalsfoundry/sdn-experiment/model"
)

// ErrEnvironmentBusy is returned when another run holds the state directory.
var ErrEnvironmentBusy = errors.New("environment busy: another run holds the lock")

// Phase names the start step that failed.
type Phase string

const (
	PhaseLock       Phase = "lock"
	PhaseController Phase = "controller"
	PhaseNetwork    Phase = "network"
	PhaseDataplane  Phase = "dataplane"
)

// StartError reports a failed Start. Whatever was brought up before the
// failure has already been torn down.
type StartError struct {
	Phase Phase
	Err   error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("environment start failed in %s phase: %v", e.Phase, e.Err)
}

func (e *StartError) Unwrap() error { return e.Err }

// Controller is the SDN controller as seen by the manager.
type Controller interface {
	// Start returns once the controller's REST API answers.
	Start(ctx context.Context) error
	// Stop is safe to call more than once and without a prior Start.
	Stop(ctx context.Context) error
	APIURL() string
}

var (
	settleInitialInterval = 250 * time.Millisecond
	settleMaxInterval     = 2 * time.Second
	// teardownTimeout bounds cleanup after a failed Start, which may run
	// with an already cancelled context.
	teardownTimeout = 30 * time.Second
)

// lockFile is created in the state directory.
const lockFile = "run.lock"

// Options configure a Manager.
type Options struct {
	Topology       model.Topology
	Builder        emulator.Builder
	Controller     Controller
	ControllerInfo model.ControllerInfo
	// OpenFlowTarget is handed to the builder, e.g. "tcp:127.0.0.1:6653".
	OpenFlowTarget string
	StateDir       string
	SettleTimeout  time.Duration
	Log            logging.Logger
}

// Manager owns environment lifecycles. It holds no state between runs.
type Manager struct {
	opts Options
	log  logging.Logger
}

// NewManager returns a manager for opts.
func NewManager(opts Options) *Manager {
	log := opts.Log
	if log == nil {
		log = logging.Noop()
	}
	return &Manager{opts: opts, log: log}
}

// New builds a manager from an experiment config, supervising the
// controller described there.
func New(cfg config.Config, builder emulator.Builder, log logging.Logger) *Manager {
	logPath := cfg.Controller.LogFile
	if logPath != "" && !filepath.IsAbs(logPath) {
		logPath = filepath.Join(cfg.StateDir, logPath)
	}
	sup := &controller.Supervisor{
		Launcher: controller.Launcher{
			Command:       cfg.Controller.Command,
			APIURL:        cfg.Controller.RESTURL(),
			LogPath:       logPath,
			HealthTimeout: cfg.Controller.StartupTimeout,
			Log:           log,
		},
		External: cfg.Controller.External,
		Grace:    cfg.Controller.StopGrace,
	}
	return NewManager(Options{
		Topology:       cfg.Topology,
		Builder:        builder,
		Controller:     sup,
		ControllerInfo: model.ControllerInfo{Name: cfg.Controller.Name, IP: cfg.Controller.IP},
		OpenFlowTarget: cfg.Controller.OpenFlowTarget(),
		StateDir:       cfg.StateDir,
		SettleTimeout:  cfg.Network.SettleTimeout,
		Log:            log,
	})
}

// LiveEnvironment is a started environment. Components read from it; only
// the manager changes it.
type LiveEnvironment struct {
	network     emulator.Network
	ctrl        Controller
	controllers []model.ControllerInfo
	lock        *flock.Flock
	log         logging.Logger

	mu    sync.Mutex
	tasks []*emulator.Task

	stopOnce sync.Once
	stopErr  error
}

// Network returns the running emulated network.
func (e *LiveEnvironment) Network() emulator.Network { return e.network }

// ControllerURL returns the controller's REST base URL.
func (e *LiveEnvironment) ControllerURL() string { return e.ctrl.APIURL() }

// Controllers describes the controllers the network is bound to.
func (e *LiveEnvironment) Controllers() []model.ControllerInfo {
	return append([]model.ControllerInfo(nil), e.controllers...)
}

// Go registers a background task to be killed and reaped at Stop.
func (e *LiveEnvironment) Go(t *emulator.Task) {
	if t == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tasks = append(e.tasks, t)
}

// Start brings the environment up: run lock, controller, network, and a
// settled data plane. On failure everything acquired so far is released and
// a *StartError is returned.
func (m *Manager) Start(ctx context.Context) (*LiveEnvironment, error) {
	o := m.opts
	if err := os.MkdirAll(o.StateDir, 0o755); err != nil {
		return nil, &StartError{Phase: PhaseLock, Err: err}
	}
	lock := flock.New(filepath.Join(o.StateDir, lockFile))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, &StartError{Phase: PhaseLock, Err: err}
	}
	if !locked {
		return nil, &StartError{Phase: PhaseLock, Err: ErrEnvironmentBusy}
	}

	env := &LiveEnvironment{
		ctrl:        o.Controller,
		controllers: []model.ControllerInfo{o.ControllerInfo},
		lock:        lock,
		log:         m.log,
	}
	fail := func(phase Phase, err error) (*LiveEnvironment, error) {
		tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
		defer cancel()
		if stopErr := env.stop(tctx); stopErr != nil {
			m.log.Warn(ctx, "teardown after failed start", logging.Err(stopErr))
		}
		return nil, &StartError{Phase: phase, Err: err}
	}

	if err := o.Builder.Cleanup(ctx, o.Topology); err != nil {
		m.log.Warn(ctx, "stale resource sweep failed", logging.Err(err))
	}

	m.log.Info(ctx, "starting controller", logging.String("api", o.Controller.APIURL()))
	if err := o.Controller.Start(ctx); err != nil {
		return fail(PhaseController, err)
	}

	m.log.Info(ctx, "building network",
		logging.String("topology", o.Topology.Name),
		logging.Int("hosts", len(o.Topology.Hosts)),
		logging.Int("switches", len(o.Topology.Switches)),
	)
	network, err := o.Builder.Build(ctx, o.Topology, o.OpenFlowTarget)
	if err != nil {
		return fail(PhaseNetwork, err)
	}
	env.network = network

	if err := m.waitSettled(ctx, network); err != nil {
		return fail(PhaseDataplane, err)
	}
	m.log.Info(ctx, "environment ready")
	return env, nil
}

// Stop tears env down. It is idempotent; every step runs even if an earlier
// one fails and the failures are aggregated.
func (m *Manager) Stop(ctx context.Context, env *LiveEnvironment) error {
	if env == nil {
		return nil
	}
	return env.stop(ctx)
}

func (e *LiveEnvironment) stop(ctx context.Context) error {
	e.stopOnce.Do(func() {
		var result *multierror.Error

		e.mu.Lock()
		tasks := e.tasks
		e.tasks = nil
		e.mu.Unlock()
		for _, t := range tasks {
			if err := t.Kill(ctx); err != nil {
				result = multierror.Append(result, fmt.Errorf("reap %s: %w", t.Name, err))
				continue
			}
			e.log.Debug(ctx, "background task reaped", logging.String("task", t.Name), logging.Err(t.Err()))
		}
		if e.network != nil {
			if err := e.network.Stop(ctx); err != nil {
				result = multierror.Append(result, fmt.Errorf("stop network: %w", err))
			}
		}
		if e.ctrl != nil {
			if err := e.ctrl.Stop(ctx); err != nil {
				result = multierror.Append(result, fmt.Errorf("stop controller: %w", err))
			}
		}
		if e.lock != nil {
			if err := e.lock.Unlock(); err != nil {
				result = multierror.Append(result, fmt.Errorf("release run lock: %w", err))
			}
		}
		e.stopErr = result.ErrorOrNil()
		if e.stopErr == nil {
			e.log.Info(ctx, "environment stopped")
		}
	})
	return e.stopErr
}

// waitSettled polls the controller until every switch of the network is a
// connected datapath.
func (m *Manager) waitSettled(ctx context.Context, network emulator.Network) error {
	want := make(map[uint64]string)
	for _, sw := range network.Switches() {
		want[sw.DatapathID()] = sw.Name()
	}
	client := ofctl.NewClient(m.opts.Controller.APIURL(), 2*time.Second)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = settleInitialInterval
	b.MaxInterval = settleMaxInterval
	b.MaxElapsedTime = m.opts.SettleTimeout

	op := func() error {
		ids, err := client.Switches(ctx)
		if err != nil {
			return err
		}
		seen := make(map[uint64]bool, len(ids))
		for _, id := range ids {
			if n, ok := parseDatapathID(id); ok {
				seen[n] = true
			}
		}
		var missing []string
		for dpid, name := range want {
			if !seen[dpid] {
				missing = append(missing, name)
			}
		}
		if len(missing) > 0 {
			sort.Strings(missing)
			return fmt.Errorf("switches not connected: %s", strings.Join(missing, ", "))
		}
		return nil
	}
	notify := func(err error, next time.Duration) {
		m.log.Debug(ctx, "waiting for data plane", logging.Err(err), logging.Duration("retry_in", next))
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("data plane not settled after %s: %w", m.opts.SettleTimeout, err)
	}
	return nil
}

// parseDatapathID reads the decimal form the controller reports, falling
// back to hex for controllers that print padded datapath ids.
func parseDatapathID(id model.DatapathID) (uint64, bool) {
	s := string(id)
	if n, err := strconv.ParseUint(s, 10, 64); err == nil {
		return n, true
	}
	if n, err := strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 64); err == nil {
		return n, true
	}
	return 0, false
}
