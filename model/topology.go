package model

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// ErrInvalidTopology is returned (wrapped) by Topology.Validate.
var ErrInvalidTopology = errors.New("invalid topology")

// Topology is the static shape of the virtual network: nodes, addressing and
// links. It carries no behaviour beyond validation.
type Topology struct {
	Name     string       `json:"name" yaml:"name"`
	Hosts    []HostSpec   `json:"hosts" yaml:"hosts"`
	Switches []SwitchSpec `json:"switches" yaml:"switches"`
	Links    []LinkSpec   `json:"links" yaml:"links"`
}

// HostSpec declares an emulated end host. IP is in CIDR form.
type HostSpec struct {
	Name string `json:"name" yaml:"name"`
	IP   string `json:"ip" yaml:"ip"`
	MAC  string `json:"mac" yaml:"mac"`
}

// Address returns the host address without its prefix length.
func (h HostSpec) Address() string {
	if ip, _, err := net.ParseCIDR(h.IP); err == nil {
		return ip.String()
	}
	return h.IP
}

// SwitchSpec declares an OpenFlow switch.
type SwitchSpec struct {
	Name string `json:"name" yaml:"name"`
	// DPID is the datapath id in hex, with or without a 0x prefix, the way
	// ovs-vsctl takes it: "10" is sixteen, not ten. When empty the id is the
	// decimal trailing digits of the name (s1 -> 1).
	DPID string `json:"dpid,omitempty" yaml:"dpid,omitempty"`
}

// DatapathID returns the datapath id the switch is configured with.
func (s SwitchSpec) DatapathID() (uint64, error) {
	if s.DPID != "" {
		v, err := strconv.ParseUint(strings.TrimPrefix(s.DPID, "0x"), 16, 64)
		if err != nil {
			return 0, fmt.Errorf("switch %q: bad dpid %q: %w", s.Name, s.DPID, err)
		}
		return v, nil
	}
	digits := strings.TrimLeftFunc(s.Name, func(r rune) bool { return r < '0' || r > '9' })
	if digits == "" {
		return 0, fmt.Errorf("switch %q: no dpid and no numeric suffix", s.Name)
	}
	v, err := strconv.ParseUint(digits, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("switch %q: %w", s.Name, err)
	}
	return v, nil
}

// LinkSpec connects two nodes by name.
type LinkSpec struct {
	A string `json:"a" yaml:"a"`
	B string `json:"b" yaml:"b"`
}

// Host returns the host spec with the given name.
func (t Topology) Host(name string) (HostSpec, bool) {
	for _, h := range t.Hosts {
		if h.Name == name {
			return h, true
		}
	}
	return HostSpec{}, false
}

// Validate checks names are unique, addresses parse, and every link
// references declared nodes.
func (t Topology) Validate() error {
	if len(t.Hosts) == 0 && len(t.Switches) == 0 {
		return fmt.Errorf("%w: no nodes declared", ErrInvalidTopology)
	}

	seen := make(map[string]struct{}, len(t.Hosts)+len(t.Switches))
	dpids := make(map[uint64]string, len(t.Switches))
	for _, h := range t.Hosts {
		if err := checkName(h.Name, seen); err != nil {
			return err
		}
		if _, _, err := net.ParseCIDR(h.IP); err != nil {
			return fmt.Errorf("%w: host %q: ip %q must be CIDR", ErrInvalidTopology, h.Name, h.IP)
		}
		if h.MAC != "" {
			if _, err := net.ParseMAC(h.MAC); err != nil {
				return fmt.Errorf("%w: host %q: %v", ErrInvalidTopology, h.Name, err)
			}
		}
	}
	for _, s := range t.Switches {
		if err := checkName(s.Name, seen); err != nil {
			return err
		}
		dpid, err := s.DatapathID()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidTopology, err)
		}
		if other, dup := dpids[dpid]; dup {
			return fmt.Errorf("%w: switches %q and %q share dpid %d", ErrInvalidTopology, other, s.Name, dpid)
		}
		dpids[dpid] = s.Name
	}
	for i, l := range t.Links {
		if l.A == l.B {
			return fmt.Errorf("%w: link %d connects %q to itself", ErrInvalidTopology, i, l.A)
		}
		for _, end := range []string{l.A, l.B} {
			if _, ok := seen[end]; !ok {
				return fmt.Errorf("%w: link %d references unknown node %q", ErrInvalidTopology, i, end)
			}
		}
	}
	return nil
}

func checkName(name string, seen map[string]struct{}) error {
	if name == "" {
		return fmt.Errorf("%w: node with empty name", ErrInvalidTopology)
	}
	// Interface names are <node>-ethN and must fit IFNAMSIZ.
	if len(name) > 9 {
		return fmt.Errorf("%w: node name %q longer than 9 characters", ErrInvalidTopology, name)
	}
	if _, dup := seen[name]; dup {
		return fmt.Errorf("%w: duplicate node name %q", ErrInvalidTopology, name)
	}
	seen[name] = struct{}{}
	return nil
}

// DefaultTopology is the two-switch reference experiment: h1-s1-s2-h2.
func DefaultTopology() Topology {
	return Topology{
		Name: "two-switch",
		Hosts: []HostSpec{
			{Name: "h1", IP: "192.168.1.1/24", MAC: "00:00:00:00:11:11"},
			{Name: "h2", IP: "192.168.1.2/24", MAC: "00:00:00:00:11:12"},
		},
		Switches: []SwitchSpec{
			{Name: "s1"},
			{Name: "s2"},
		},
		Links: []LinkSpec{
			{A: "h1", B: "s1"},
			{A: "h2", B: "s2"},
			{A: "s1", B: "s2"},
		},
	}
}
