// Package nsnet realises a topology on the local Linux host: one named
// network namespace per host, one Open vSwitch bridge per switch and one
// veth pair per link.
package nsnet

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/signalsfoundry/sdn-experiment/internal/emulator"
	"github.com/signalsfoundry/sdn-experiment/internal/logging"
	"github.com/signalsfoundry/sdn-experiment/model"
)

// NamespacePrefix is prepended to host names to form namespace names.
const NamespacePrefix = "sdnx-"

// Driver is an emulator.Builder backed by netns, netlink and ovs-vsctl.
type Driver struct {
	// OpenFlow is the protocol the bridges speak, e.g. "OpenFlow13".
	OpenFlow string

	log logging.Logger
	run commandRunner
}

var _ emulator.Builder = (*Driver)(nil)

type commandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

// New returns a driver that shells out to the system's ovs-vsctl.
func New(log logging.Logger, openFlow string) *Driver {
	if log == nil {
		log = logging.Noop()
	}
	if openFlow == "" {
		openFlow = "OpenFlow13"
	}
	return &Driver{OpenFlow: openFlow, log: log, run: execRunner}
}

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return out, nil
}

func (d *Driver) ovs(ctx context.Context, args ...string) error {
	_, err := d.run(ctx, "ovs-vsctl", append([]string{"--timeout=10"}, args...)...)
	return err
}

// linkPlan is one veth pair and the nodes owning each end.
type linkPlan struct {
	A, B         string // node names
	IntfA, IntfB string
}

// plan assigns interface names the way the inventory reports them: hosts
// number their ports from 0, switches from 1 (port 0 is the bridge's local
// port in OVS).
func plan(topo model.Topology) []linkPlan {
	next := make(map[string]int, len(topo.Hosts)+len(topo.Switches))
	for _, s := range topo.Switches {
		next[s.Name] = 1
	}
	alloc := func(node string) string {
		n := next[node]
		next[node] = n + 1
		return fmt.Sprintf("%s-eth%d", node, n)
	}
	out := make([]linkPlan, 0, len(topo.Links))
	for _, l := range topo.Links {
		out = append(out, linkPlan{A: l.A, B: l.B, IntfA: alloc(l.A), IntfB: alloc(l.B)})
	}
	return out
}

func namespaceName(host string) string { return NamespacePrefix + host }

type ovsSwitch struct {
	name string
	dpid uint64
}

func (s ovsSwitch) Name() string       { return s.name }
func (s ovsSwitch) DatapathID() uint64 { return s.dpid }
