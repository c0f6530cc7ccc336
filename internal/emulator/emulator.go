// Package emulator defines the boundary between the experiment pipeline and
// the engine that realises a topology as a live virtual network.
package emulator

import (
	"context"
	"errors"
	"sync"

	"github.com/signalsfoundry/sdn-experiment/model"
)

var (
	// ErrUnknownHost is returned when a host name is not part of the network.
	ErrUnknownHost = errors.New("unknown host")
	// ErrStopped is returned by operations on a network that has been torn down.
	ErrStopped = errors.New("network stopped")
)

// Builder realises a topology and binds its switches to the controller at
// controllerTarget (e.g. "tcp:127.0.0.1:6653").
type Builder interface {
	Build(ctx context.Context, topo model.Topology, controllerTarget string) (Network, error)
	// Cleanup removes leftovers of a previous run that did not tear down.
	Cleanup(ctx context.Context, topo model.Topology) error
}

// Network is a running emulated network.
type Network interface {
	Hosts() []Host
	Switches() []Switch
	Links() []Link
	Host(name string) (Host, error)
	// Stop tears the network down. It is safe to call more than once.
	Stop(ctx context.Context) error
}

// Host is an emulated end host able to run commands in its network context.
type Host interface {
	Name() string
	IP() string
	MAC() string
	// Run executes a command to completion and returns its combined output.
	// A non-zero exit is reported through the exit code, not the error; the
	// error is reserved for failures to run the command at all.
	Run(ctx context.Context, argv ...string) (output string, exitCode int, err error)
	// Start launches a command in the background.
	Start(ctx context.Context, argv ...string) (*Task, error)
}

// Switch is an emulated OpenFlow switch.
type Switch interface {
	Name() string
	DatapathID() uint64
}

// Link joins two interfaces, identified as "<node>-eth<N>".
type Link struct {
	Src string
	Dst string
}

// Task is a handle on a background command. Kill is idempotent; Done is
// closed when the command has exited and been reaped.
type Task struct {
	Name string

	once sync.Once
	kill func() error
	done chan struct{}
	err  error
}

// NewTask wraps a started command. kill must terminate it; the caller closes
// over the wait and reports its result through Finish.
func NewTask(name string, kill func() error) *Task {
	return &Task{Name: name, kill: kill, done: make(chan struct{})}
}

// Finish marks the task as exited with err.
func (t *Task) Finish(err error) {
	t.err = err
	close(t.done)
}

// Done is closed once the task has exited.
func (t *Task) Done() <-chan struct{} { return t.done }

// Err returns the exit error once Done is closed.
func (t *Task) Err() error {
	<-t.done
	return t.err
}

// Kill terminates the task and waits for it to be reaped or ctx to expire.
func (t *Task) Kill(ctx context.Context) error {
	var killErr error
	t.once.Do(func() {
		select {
		case <-t.done:
			return
		default:
		}
		if t.kill != nil {
			killErr = t.kill()
		}
	})
	if killErr != nil {
		return killErr
	}
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
