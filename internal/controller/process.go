// Package controller supervises the SDN controller subprocess: launching it
// in its own process group, waiting for its REST API and stopping it.
package controller

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/signalsfoundry/sdn-experiment/internal/logging"
	"github.com/signalsfoundry/sdn-experiment/internal/ofctl"
)

var (
	// ErrNotReady is returned when the controller API does not answer within
	// the health timeout.
	ErrNotReady = errors.New("controller not ready")
	// ErrExited is returned when the controller process exits while it is
	// being waited on.
	ErrExited = errors.New("controller exited")
)

// Polling bounds for WaitReady.
var (
	pollInitialInterval = 200 * time.Millisecond
	pollMaxInterval     = 2 * time.Second
	// reapTimeout bounds the wait for the kernel to reap a SIGKILLed group.
	reapTimeout = 5 * time.Second
)

// Launcher starts controller processes.
type Launcher struct {
	// Command is the argv of the controller, e.g.
	// ryu-manager --verbose ryu.app.simple_switch_13 ryu.app.ofctl_rest.
	Command []string
	// APIURL is the base URL of the controller's REST API.
	APIURL string
	// LogPath receives the process' stdout and stderr (appended).
	LogPath string
	// HealthTimeout bounds WaitReady.
	HealthTimeout time.Duration

	Log logging.Logger
}

// Process is a running controller.
type Process struct {
	cmd     *exec.Cmd
	logFile *os.File
	client  *ofctl.Client
	timeout time.Duration
	log     logging.Logger

	done    chan struct{}
	waitErr error

	stopOnce sync.Once
	stopErr  error
}

// Launch starts the controller. The process gets its own process group so
// Stop can take down any children it forks.
func (l Launcher) Launch(ctx context.Context) (*Process, error) {
	if len(l.Command) == 0 {
		return nil, errors.New("controller: empty command")
	}
	log := l.Log
	if log == nil {
		log = logging.Noop()
	}

	var out *os.File
	if l.LogPath != "" {
		if err := os.MkdirAll(filepath.Dir(l.LogPath), 0o755); err != nil {
			return nil, fmt.Errorf("controller: log dir: %w", err)
		}
		f, err := os.OpenFile(l.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("controller: open log: %w", err)
		}
		out = f
	}

	cmd := exec.Command(l.Command[0], l.Command[1:]...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if out != nil {
		cmd.Stdout = out
		cmd.Stderr = out
	}
	if err := ctx.Err(); err != nil {
		closeQuietly(out)
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		closeQuietly(out)
		return nil, fmt.Errorf("controller: start %s: %w", l.Command[0], err)
	}

	p := &Process{
		cmd:     cmd,
		logFile: out,
		client:  ofctl.NewClient(l.APIURL, 2*time.Second),
		timeout: l.HealthTimeout,
		log:     log,
		done:    make(chan struct{}),
	}
	go func() {
		p.waitErr = cmd.Wait()
		close(p.done)
	}()
	log.Info(ctx, "controller started",
		logging.String("command", l.Command[0]),
		logging.Int("pid", cmd.Process.Pid),
		logging.String("log_path", l.LogPath),
	)
	return p, nil
}

// Pid returns the process id, which is also the process group id.
func (p *Process) Pid() int { return p.cmd.Process.Pid }

// Exited is closed once the process has exited.
func (p *Process) Exited() <-chan struct{} { return p.done }

// WaitReady blocks until the controller API answers, the process exits, or
// the health timeout expires.
func (p *Process) WaitReady(ctx context.Context) error {
	return WaitReady(ctx, p.client, p.timeout, p.done)
}

// Stop sends SIGTERM to the process group, waits up to grace, then sends
// SIGKILL. Only the first call has an effect.
func (p *Process) Stop(grace time.Duration) error {
	p.stopOnce.Do(func() {
		defer closeQuietly(p.logFile)
		select {
		case <-p.done:
			return
		default:
		}

		pgid := p.cmd.Process.Pid
		if err := signalGroup(pgid, syscall.SIGTERM); err != nil {
			p.stopErr = err
			return
		}
		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-p.done:
			p.log.Debug(context.Background(), "controller stopped", logging.Int("pid", pgid))
			return
		case <-timer.C:
		}

		p.log.Warn(context.Background(), "controller ignored SIGTERM, killing",
			logging.Int("pid", pgid),
			logging.Duration("grace", grace),
		)
		if err := signalGroup(pgid, syscall.SIGKILL); err != nil {
			p.stopErr = err
			return
		}
		select {
		case <-p.done:
		case <-time.After(reapTimeout):
			p.stopErr = fmt.Errorf("controller: pid %d not reaped after SIGKILL", pgid)
		}
	})
	return p.stopErr
}

func signalGroup(pgid int, sig syscall.Signal) error {
	if err := syscall.Kill(-pgid, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("controller: signal %v to group %d: %w", sig, pgid, err)
	}
	return nil
}

func closeQuietly(f *os.File) {
	if f != nil {
		_ = f.Close()
	}
}

// WaitReady polls GET /stats/switches with exponential backoff until it
// succeeds. exited may be nil for a controller this process does not own.
func WaitReady(ctx context.Context, client *ofctl.Client, timeout time.Duration, exited <-chan struct{}) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = pollInitialInterval
	b.MaxInterval = pollMaxInterval
	b.MaxElapsedTime = timeout

	attempts := 0
	op := func() error {
		attempts++
		if exited != nil {
			select {
			case <-exited:
				return backoff.Permanent(ErrExited)
			default:
			}
		}
		_, err := client.Switches(ctx)
		return err
	}

	err := backoff.Retry(op, backoff.WithContext(b, ctx))
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrExited) {
		return fmt.Errorf("%w: %w before answering on %s", ErrNotReady, ErrExited, client.BaseURL())
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return fmt.Errorf("%w: %s after %d attempts: %v", ErrNotReady, client.BaseURL(), attempts, err)
}
