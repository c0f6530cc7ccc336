// Package emulatortest provides an in-memory emulator for tests.
package emulatortest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/signalsfoundry/sdn-experiment/internal/emulator"
	"github.com/signalsfoundry/sdn-experiment/model"
)

// CommandFunc answers a command run on a fake host.
type CommandFunc func(host string, argv []string) (output string, exitCode int, err error)

// Builder builds Networks from a topology without touching the host.
type Builder struct {
	// Commands answers Host.Run; nil means every command succeeds silently.
	Commands CommandFunc
	// BuildErr, when set, is returned from Build.
	BuildErr error

	mu       sync.Mutex
	Built    []*Network
	Cleanups int
	Target   string
}

// Build implements emulator.Builder.
func (b *Builder) Build(_ context.Context, topo model.Topology, target string) (emulator.Network, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Target = target
	if b.BuildErr != nil {
		return nil, b.BuildErr
	}
	n := NewNetwork(topo, b.Commands)
	b.Built = append(b.Built, n)
	return n, nil
}

// Cleanup implements emulator.Builder.
func (b *Builder) Cleanup(context.Context, model.Topology) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Cleanups++
	return nil
}

// Network is a fake emulator.Network.
type Network struct {
	mu       sync.Mutex
	hosts    []*Host
	switches []emulator.Switch
	links    []emulator.Link
	stopped  bool
	Stops    int
}

// NewNetwork lays out hosts, switches and links with the same interface
// naming the real driver uses.
func NewNetwork(topo model.Topology, commands CommandFunc) *Network {
	n := &Network{}
	for _, h := range topo.Hosts {
		n.hosts = append(n.hosts, &Host{name: h.Name, ip: h.Address(), mac: h.MAC, commands: commands, network: n})
	}
	for _, s := range topo.Switches {
		dpid, _ := s.DatapathID()
		n.switches = append(n.switches, fakeSwitch{name: s.Name, dpid: dpid})
	}
	ports := map[string]int{}
	for _, sw := range topo.Switches {
		ports[sw.Name] = 1
	}
	next := func(node string) string {
		p := ports[node]
		ports[node] = p + 1
		return fmt.Sprintf("%s-eth%d", node, p)
	}
	for _, l := range topo.Links {
		n.links = append(n.links, emulator.Link{Src: next(l.A), Dst: next(l.B)})
	}
	return n
}

// AddLink appends a raw link, for exercising inconsistent inventories.
func (n *Network) AddLink(src, dst string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.links = append(n.links, emulator.Link{Src: src, Dst: dst})
}

func (n *Network) Hosts() []emulator.Host {
	out := make([]emulator.Host, 0, len(n.hosts))
	for _, h := range n.hosts {
		out = append(out, h)
	}
	return out
}

func (n *Network) Switches() []emulator.Switch { return append([]emulator.Switch(nil), n.switches...) }

func (n *Network) Links() []emulator.Link {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]emulator.Link(nil), n.links...)
}

func (n *Network) Host(name string) (emulator.Host, error) {
	for _, h := range n.hosts {
		if h.name == name {
			return h, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", emulator.ErrUnknownHost, name)
}

func (n *Network) Stop(context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Stops++
	n.stopped = true
	return nil
}

// Stopped reports whether Stop has been called.
func (n *Network) Stopped() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.stopped
}

// Host is a fake emulator.Host that records what it was asked to run.
type Host struct {
	name, ip, mac string
	commands      CommandFunc
	network       *Network

	mu      sync.Mutex
	History []string
	Tasks   []*emulator.Task
}

func (h *Host) Name() string { return h.name }
func (h *Host) IP() string   { return h.ip }
func (h *Host) MAC() string  { return h.mac }

func (h *Host) Run(_ context.Context, argv ...string) (string, int, error) {
	h.record(argv)
	if h.network.Stopped() {
		return "", -1, emulator.ErrStopped
	}
	if h.commands == nil {
		return "", 0, nil
	}
	return h.commands(h.name, argv)
}

// Start launches a background task that runs until killed.
func (h *Host) Start(_ context.Context, argv ...string) (*emulator.Task, error) {
	h.record(argv)
	if h.network.Stopped() {
		return nil, emulator.ErrStopped
	}
	var task *emulator.Task
	task = emulator.NewTask(h.name+": "+strings.Join(argv, " "), func() error {
		task.Finish(nil)
		return nil
	})
	h.mu.Lock()
	h.Tasks = append(h.Tasks, task)
	h.mu.Unlock()
	return task, nil
}

func (h *Host) record(argv []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.History = append(h.History, strings.Join(argv, " "))
}

type fakeSwitch struct {
	name string
	dpid uint64
}

func (s fakeSwitch) Name() string       { return s.name }
func (s fakeSwitch) DatapathID() uint64 { return s.dpid }
