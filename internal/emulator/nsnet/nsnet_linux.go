//go:build linux

package nsnet

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"syscall"

	"github.com/hashicorp/go-multierror"
	"github.com/signalsfoundry/sdn-experiment/internal/emulator"
	"github.com/signalsfoundry/sdn-experiment/internal/logging"
	"github.com/signalsfoundry/sdn-experiment/model"
	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"
)

const netnsDir = "/var/run/netns"

// Build creates namespaces, bridges and veth pairs for topo, then points
// every bridge at controllerTarget. A failed build is torn down before
// returning.
func (d *Driver) Build(ctx context.Context, topo model.Topology, controllerTarget string) (emulator.Network, error) {
	n := &network{driver: d, topo: topo, plan: plan(topo)}

	if err := n.build(ctx, controllerTarget); err != nil {
		if stopErr := n.Stop(context.WithoutCancel(ctx)); stopErr != nil {
			d.log.Warn(ctx, "teardown after failed build", logging.Err(stopErr))
		}
		return nil, err
	}
	return n, nil
}

// Cleanup removes bridges, veths and namespaces a previous run of topo may
// have left behind.
func (d *Driver) Cleanup(ctx context.Context, topo model.Topology) error {
	return d.teardown(ctx, topo, plan(topo))
}

func (n *network) build(ctx context.Context, target string) error {
	d := n.driver
	for _, s := range n.topo.Switches {
		dpid, err := s.DatapathID()
		if err != nil {
			return err
		}
		if err := d.ovs(ctx,
			"--may-exist", "add-br", s.Name,
			"--", "set", "bridge", s.Name,
			"protocols="+d.OpenFlow,
			"fail-mode=secure",
			fmt.Sprintf("other-config:datapath-id=%016x", dpid),
		); err != nil {
			return fmt.Errorf("create switch %s: %w", s.Name, err)
		}
		n.switches = append(n.switches, ovsSwitch{name: s.Name, dpid: dpid})
	}

	for _, h := range n.topo.Hosts {
		ns, err := createNamespace(namespaceName(h.Name))
		if err != nil {
			return fmt.Errorf("create host %s: %w", h.Name, err)
		}
		n.hosts = append(n.hosts, &nsHost{spec: h, ns: ns, network: n})
	}

	for _, lp := range n.plan {
		if err := n.wire(ctx, lp); err != nil {
			return fmt.Errorf("link %s-%s: %w", lp.A, lp.B, err)
		}
	}

	for _, s := range n.switches {
		if err := d.ovs(ctx, "set-controller", s.name, target); err != nil {
			return fmt.Errorf("bind %s to %s: %w", s.name, target, err)
		}
	}
	d.log.Info(ctx, "network built",
		logging.Int("hosts", len(n.hosts)),
		logging.Int("switches", len(n.switches)),
		logging.Int("links", len(n.plan)),
		logging.String("controller", target),
	)
	return nil
}

func (n *network) wire(ctx context.Context, lp linkPlan) error {
	veth := &netlink.Veth{LinkAttrs: netlink.LinkAttrs{Name: lp.IntfA}, PeerName: lp.IntfB}
	if err := netlink.LinkAdd(veth); err != nil {
		return fmt.Errorf("add veth %s/%s: %w", lp.IntfA, lp.IntfB, err)
	}
	for _, end := range []struct{ node, intf string }{{lp.A, lp.IntfA}, {lp.B, lp.IntfB}} {
		if host := n.hostByName(end.node); host != nil {
			if err := host.attach(end.intf); err != nil {
				return err
			}
			continue
		}
		if err := n.driver.ovs(ctx, "--may-exist", "add-port", end.node, end.intf); err != nil {
			return err
		}
		link, err := netlink.LinkByName(end.intf)
		if err != nil {
			return err
		}
		if err := netlink.LinkSetUp(link); err != nil {
			return fmt.Errorf("up %s: %w", end.intf, err)
		}
	}
	return nil
}

func (n *network) teardownOnce(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stopped {
		return nil
	}
	n.stopped = true

	var result *multierror.Error
	for _, h := range n.hosts {
		if err := h.killTasks(ctx); err != nil {
			result = multierror.Append(result, err)
		}
		h.ns.Close()
	}
	if err := n.driver.teardown(ctx, n.topo, n.plan); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// teardown is idempotent: every resource is looked up by name and missing
// ones are skipped.
func (d *Driver) teardown(ctx context.Context, topo model.Topology, links []linkPlan) error {
	var result *multierror.Error
	for _, s := range topo.Switches {
		if err := d.ovs(ctx, "--if-exists", "del-br", s.Name); err != nil {
			result = multierror.Append(result, err)
		}
	}
	for _, lp := range links {
		for _, intf := range []string{lp.IntfA, lp.IntfB} {
			link, err := netlink.LinkByName(intf)
			if err != nil {
				var nf netlink.LinkNotFoundError
				if !errors.As(err, &nf) {
					result = multierror.Append(result, fmt.Errorf("lookup %s: %w", intf, err))
				}
				continue
			}
			if err := netlink.LinkDel(link); err != nil {
				result = multierror.Append(result, fmt.Errorf("delete %s: %w", intf, err))
			}
		}
	}
	for _, h := range topo.Hosts {
		name := namespaceName(h.Name)
		if _, err := os.Stat(filepath.Join(netnsDir, name)); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := netns.DeleteNamed(name); err != nil {
			result = multierror.Append(result, fmt.Errorf("delete namespace %s: %w", name, err))
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		return err
	}
	d.log.Debug(ctx, "network resources released", logging.String("topology", topo.Name))
	return nil
}

// createNamespace makes a named namespace without leaving the calling
// goroutine's thread inside it.
func createNamespace(name string) (netns.NsHandle, error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	origin, err := netns.Get()
	if err != nil {
		return netns.None(), err
	}
	defer origin.Close()

	ns, err := netns.NewNamed(name)
	if err != nil {
		return netns.None(), err
	}
	if err := netns.Set(origin); err != nil {
		ns.Close()
		return netns.None(), fmt.Errorf("restore namespace: %w", err)
	}
	return ns, nil
}

type network struct {
	driver *Driver
	topo   model.Topology
	plan   []linkPlan

	hosts    []*nsHost
	switches []ovsSwitch

	mu      sync.Mutex
	stopped bool
}

func (n *network) Hosts() []emulator.Host {
	out := make([]emulator.Host, 0, len(n.hosts))
	for _, h := range n.hosts {
		out = append(out, h)
	}
	return out
}

func (n *network) Switches() []emulator.Switch {
	out := make([]emulator.Switch, 0, len(n.switches))
	for _, s := range n.switches {
		out = append(out, s)
	}
	return out
}

func (n *network) Links() []emulator.Link {
	out := make([]emulator.Link, 0, len(n.plan))
	for _, lp := range n.plan {
		out = append(out, emulator.Link{Src: lp.IntfA, Dst: lp.IntfB})
	}
	return out
}

func (n *network) Host(name string) (emulator.Host, error) {
	if h := n.hostByName(name); h != nil {
		return h, nil
	}
	return nil, fmt.Errorf("%w: %s", emulator.ErrUnknownHost, name)
}

func (n *network) hostByName(name string) *nsHost {
	for _, h := range n.hosts {
		if h.spec.Name == name {
			return h
		}
	}
	return nil
}

func (n *network) Stop(ctx context.Context) error { return n.teardownOnce(ctx) }

func (n *network) isStopped() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.stopped
}

type nsHost struct {
	spec    model.HostSpec
	ns      netns.NsHandle
	network *network

	mu    sync.Mutex
	ports int
	tasks []*emulator.Task
}

func (h *nsHost) Name() string { return h.spec.Name }
func (h *nsHost) IP() string   { return h.spec.Address() }
func (h *nsHost) MAC() string  { return h.spec.MAC }

// attach moves intf into the host namespace. The first interface carries the
// host's address and MAC.
func (h *nsHost) attach(intf string) error {
	link, err := netlink.LinkByName(intf)
	if err != nil {
		return err
	}
	if err := netlink.LinkSetNsFd(link, int(h.ns)); err != nil {
		return fmt.Errorf("move %s into %s: %w", intf, h.spec.Name, err)
	}

	handle, err := netlink.NewHandleAt(h.ns)
	if err != nil {
		return err
	}
	defer handle.Close()

	link, err = handle.LinkByName(intf)
	if err != nil {
		return err
	}

	h.mu.Lock()
	first := h.ports == 0
	h.ports++
	h.mu.Unlock()

	if first {
		if h.spec.MAC != "" {
			hw, err := net.ParseMAC(h.spec.MAC)
			if err != nil {
				return err
			}
			if err := handle.LinkSetHardwareAddr(link, hw); err != nil {
				return fmt.Errorf("set mac on %s: %w", intf, err)
			}
		}
		addr, err := netlink.ParseAddr(h.spec.IP)
		if err != nil {
			return err
		}
		if err := handle.AddrAdd(link, addr); err != nil {
			return fmt.Errorf("address %s on %s: %w", h.spec.IP, intf, err)
		}
		if lo, err := handle.LinkByName("lo"); err == nil {
			_ = handle.LinkSetUp(lo)
		}
	}
	if err := handle.LinkSetUp(link); err != nil {
		return fmt.Errorf("up %s: %w", intf, err)
	}
	return nil
}

func (h *nsHost) command(argv []string) *exec.Cmd {
	args := append([]string{"netns", "exec", namespaceName(h.spec.Name)}, argv...)
	cmd := exec.Command("ip", args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	return cmd
}

func (h *nsHost) Run(ctx context.Context, argv ...string) (string, int, error) {
	if h.network.isStopped() {
		return "", -1, emulator.ErrStopped
	}
	if len(argv) == 0 {
		return "", -1, errors.New("empty command")
	}
	out, err := runWithContext(ctx, h.command(argv))
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && ctx.Err() == nil {
			return string(out), exitErr.ExitCode(), nil
		}
		if ctx.Err() != nil {
			return string(out), -1, ctx.Err()
		}
		return string(out), -1, fmt.Errorf("run on %s: %w", h.spec.Name, err)
	}
	return string(out), 0, nil
}

// runWithContext mirrors exec.CommandContext for a pre-built command so the
// process group, not just the direct child, is killed on cancellation.
func runWithContext(ctx context.Context, cmd *exec.Cmd) ([]byte, error) {
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	select {
	case err := <-waitErr:
		return buf.Bytes(), err
	case <-ctx.Done():
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		err := <-waitErr
		return buf.Bytes(), err
	}
}

func (h *nsHost) Start(ctx context.Context, argv ...string) (*emulator.Task, error) {
	if h.network.isStopped() {
		return nil, emulator.ErrStopped
	}
	if len(argv) == 0 {
		return nil, errors.New("empty command")
	}
	cmd := h.command(argv)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start on %s: %w", h.spec.Name, err)
	}
	pgid := cmd.Process.Pid
	task := emulator.NewTask(h.spec.Name+" "+argv[0], func() error {
		err := syscall.Kill(-pgid, syscall.SIGKILL)
		if errors.Is(err, syscall.ESRCH) {
			return nil
		}
		return err
	})
	go func() { task.Finish(cmd.Wait()) }()

	h.mu.Lock()
	h.tasks = append(h.tasks, task)
	h.mu.Unlock()
	return task, nil
}

func (h *nsHost) killTasks(ctx context.Context) error {
	h.mu.Lock()
	tasks := append([]*emulator.Task(nil), h.tasks...)
	h.mu.Unlock()

	var result *multierror.Error
	for _, t := range tasks {
		if err := t.Kill(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("reap %s: %w", t.Name, err))
		}
	}
	return result.ErrorOrNil()
}
