package controller

import (
	"context"
	"errors"
	"time"

	"github.com/signalsfoundry/sdn-experiment/internal/logging"
	"github.com/signalsfoundry/sdn-experiment/internal/ofctl"
)

// Supervisor owns the controller for the lifetime of one environment.
// With External set it only waits for an already running controller and
// never signals it.
type Supervisor struct {
	Launcher Launcher
	External bool
	// Grace is how long Stop waits after SIGTERM.
	Grace time.Duration

	proc *Process
}

// Start launches the controller (unless external) and waits for its API.
func (s *Supervisor) Start(ctx context.Context) error {
	if s.External {
		log := s.Launcher.Log
		if log == nil {
			log = logging.Noop()
		}
		log.Info(ctx, "using external controller", logging.String("api", s.Launcher.APIURL))
		client := ofctl.NewClient(s.Launcher.APIURL, 2*time.Second)
		return WaitReady(ctx, client, s.Launcher.HealthTimeout, nil)
	}
	if s.proc != nil {
		select {
		case <-s.proc.Exited():
			s.proc = nil
		default:
			return errors.New("controller: already started")
		}
	}
	proc, err := s.Launcher.Launch(ctx)
	if err != nil {
		return err
	}
	s.proc = proc
	return proc.WaitReady(ctx)
}

// Stop terminates a controller started by this supervisor. Safe to call
// more than once and before Start. Once the process is reaped the
// supervisor can be started again.
func (s *Supervisor) Stop(context.Context) error {
	proc := s.proc
	if proc == nil {
		return nil
	}
	err := proc.Stop(s.Grace)
	select {
	case <-proc.Exited():
		s.proc = nil
	default:
	}
	return err
}

// APIURL returns the controller's REST base URL.
func (s *Supervisor) APIURL() string { return s.Launcher.APIURL }
