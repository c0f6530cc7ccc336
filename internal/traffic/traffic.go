// Package traffic runs the connectivity and throughput probes between two
// emulated hosts and keeps their raw output.
package traffic

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/signalsfoundry/sdn-experiment/internal/config"
	"github.com/signalsfoundry/sdn-experiment/internal/emulator"
	"github.com/signalsfoundry/sdn-experiment/internal/logging"
	"github.com/signalsfoundry/sdn-experiment/model"
)

// ProbeInfraError reports a probe that could not be run at all. A probe
// that ran and failed is not an error; its output is the result.
type ProbeInfraError struct {
	Probe string
	Host  string
	Err   error
}

func (e *ProbeInfraError) Error() string {
	return fmt.Sprintf("%s probe on %s: %v", e.Probe, e.Host, e.Err)
}

func (e *ProbeInfraError) Unwrap() error { return e.Err }

// Environment is the part of a live environment the runner needs.
type Environment interface {
	Network() emulator.Network
	// Go hands a background task to the environment to be reaped at stop.
	Go(t *emulator.Task)
}

// Endpoints names the probe hosts. A runs the ping and the iperf server,
// B is pinged and runs the iperf client.
type Endpoints struct {
	A string
	B string
}

// Runner executes the probes sequentially.
type Runner struct {
	PingCount    int
	IperfSeconds int
	// Slack is added to each probe's nominal duration to form its timeout.
	Slack time.Duration

	log logging.Logger
}

// iperf clients started before the listener has bound see a refused
// connection; they are retried within these bounds.
var (
	connectRetries  uint64 = 3
	connectInterval        = 300 * time.Millisecond
)

// NewRunner returns a runner configured from cfg.
func NewRunner(cfg config.TrafficConfig, log logging.Logger) *Runner {
	if log == nil {
		log = logging.Noop()
	}
	return &Runner{
		PingCount:    cfg.PingCount,
		IperfSeconds: cfg.IperfSeconds,
		Slack:        cfg.ProbeSlack,
		log:          log,
	}
}

// Run pings B from A, then measures throughput from B to an iperf server on
// A. The iperf server is registered with env and outlives Run.
func (r *Runner) Run(ctx context.Context, env Environment, ep Endpoints) (model.TestLog, error) {
	var out model.TestLog
	if r.log == nil {
		r.log = logging.Noop()
	}

	network := env.Network()
	a, err := network.Host(ep.A)
	if err != nil {
		return out, &ProbeInfraError{Probe: "ping", Host: ep.A, Err: err}
	}
	b, err := network.Host(ep.B)
	if err != nil {
		return out, &ProbeInfraError{Probe: "ping", Host: ep.B, Err: err}
	}

	pingTimeout := time.Duration(r.PingCount)*time.Second + r.Slack
	out.PingOutput, err = r.probe(ctx, a, pingTimeout, "ping", "-c", strconv.Itoa(r.PingCount), b.IP())
	if err != nil {
		return out, &ProbeInfraError{Probe: "ping", Host: a.Name(), Err: err}
	}

	server, err := a.Start(ctx, "iperf", "-s")
	if err != nil {
		return out, &ProbeInfraError{Probe: "iperf", Host: a.Name(), Err: err}
	}
	env.Go(server)

	iperfTimeout := time.Duration(r.IperfSeconds)*time.Second + r.Slack
	client := []string{"iperf", "-c", a.IP(), "-t", strconv.Itoa(r.IperfSeconds)}
	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(connectInterval), connectRetries)
	err = backoff.Retry(func() error {
		text, err := r.probe(ctx, b, iperfTimeout, client...)
		if err != nil {
			return backoff.Permanent(err)
		}
		out.IperfOutput = text
		if listenerNotReady(text) {
			r.log.Debug(ctx, "iperf listener not ready", logging.String("host", a.Name()))
			return errListenerNotReady
		}
		return nil
	}, backoff.WithContext(policy, ctx))
	if err != nil && !errors.Is(err, errListenerNotReady) {
		return out, &ProbeInfraError{Probe: "iperf", Host: b.Name(), Err: err}
	}

	r.log.Info(ctx, "traffic probes finished",
		logging.String("a", a.Name()),
		logging.String("b", b.Name()),
		logging.Int("ping_bytes", len(out.PingOutput)),
		logging.Int("iperf_bytes", len(out.IperfOutput)),
	)
	return out, nil
}

var errListenerNotReady = errors.New("iperf listener not ready")

func listenerNotReady(output string) bool {
	return strings.Contains(output, "Connection refused")
}

// probe runs argv on h bounded by timeout. Exit status and output are data.
// Only a failure to run the command, or cancellation of the caller's ctx,
// is an error. A probe that hits its own timeout keeps whatever it printed
// plus a note.
func (r *Runner) probe(ctx context.Context, h emulator.Host, timeout time.Duration, argv ...string) (string, error) {
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	text, code, err := h.Run(pctx, argv...)
	elapsed := time.Since(start)

	switch {
	case err == nil:
	case ctx.Err() != nil:
		return text, ctx.Err()
	case errors.Is(err, context.DeadlineExceeded):
		text += fmt.Sprintf("\n[%s timed out after %s]\n", argv[0], timeout)
		r.log.Warn(ctx, "probe timed out",
			logging.String("probe", argv[0]),
			logging.String("host", h.Name()),
			logging.Duration("timeout", timeout),
		)
		return text, nil
	default:
		return text, err
	}

	if code != 0 {
		r.log.Warn(ctx, "probe exited non-zero",
			logging.String("probe", argv[0]),
			logging.String("host", h.Name()),
			logging.Int("exit_code", code),
		)
	}
	r.log.Debug(ctx, "probe finished",
		logging.String("probe", strings.Join(argv, " ")),
		logging.String("host", h.Name()),
		logging.Duration("elapsed", elapsed),
	)
	return text, nil
}
