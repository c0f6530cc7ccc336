package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// TopologyInventory is the audit snapshot of a live environment.
type TopologyInventory struct {
	Hosts       []HostInfo       `json:"hosts"`
	Switches    []SwitchInfo     `json:"switches"`
	Controllers []ControllerInfo `json:"controllers"`
	Links       []LinkInfo       `json:"links"`
}

type HostInfo struct {
	Name string `json:"name"`
	IP   string `json:"ip"`
	MAC  string `json:"mac"`
}

type SwitchInfo struct {
	Name string `json:"name"`
}

type ControllerInfo struct {
	Name string `json:"name"`
	IP   string `json:"ip"`
}

// LinkInfo holds the two interface identifiers of a link, e.g. "h1-eth0".
type LinkInfo struct {
	Src string `json:"src"`
	Dst string `json:"dst"`
}

// InterfaceNode returns the node part of an interface identifier
// ("s1-eth2" -> "s1").
func InterfaceNode(intf string) string {
	if i := strings.LastIndex(intf, "-"); i > 0 {
		return intf[:i]
	}
	return intf
}

// Validate reports the first link endpoint that does not belong to a listed
// host or switch.
func (inv TopologyInventory) Validate() error {
	nodes := make(map[string]struct{}, len(inv.Hosts)+len(inv.Switches))
	for _, h := range inv.Hosts {
		nodes[h.Name] = struct{}{}
	}
	for _, s := range inv.Switches {
		nodes[s.Name] = struct{}{}
	}
	for _, l := range inv.Links {
		for _, intf := range []string{l.Src, l.Dst} {
			if _, ok := nodes[InterfaceNode(intf)]; !ok {
				return fmt.Errorf("link %s<->%s: interface %q belongs to no listed node", l.Src, l.Dst, intf)
			}
		}
	}
	return nil
}

// TestLog holds the raw text output of each traffic probe.
type TestLog struct {
	PingOutput  string `json:"ping_output"`
	IperfOutput string `json:"iperf_output"`
}

// DatapathID identifies a switch as reported by the controller. It is kept
// in the textual form the controller used so large ids survive untouched.
type DatapathID string

// UnmarshalJSON accepts a JSON number or string holding an unsigned decimal
// integer. null, negatives and fractions are rejected.
func (d *DatapathID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	var text string
	switch {
	case len(b) > 0 && b[0] == '"':
		if err := json.Unmarshal(b, &text); err != nil {
			return err
		}
	case bytes.Equal(b, []byte("null")):
		return errors.New("datapath id is null")
	default:
		var n json.Number
		dec := json.NewDecoder(bytes.NewReader(b))
		dec.UseNumber()
		if err := dec.Decode(&n); err != nil {
			return fmt.Errorf("datapath id %s: %w", b, err)
		}
		text = n.String()
	}
	if _, err := strconv.ParseUint(text, 10, 64); err != nil {
		return fmt.Errorf("datapath id %q is not an unsigned integer", text)
	}
	*d = DatapathID(text)
	return nil
}

// StatsRecord is a flow or port statistics payload for one datapath. Its
// shape belongs to the controller and is not interpreted here.
type StatsRecord = json.RawMessage

type statsMarker struct {
	DPID  DatapathID `json:"dpid"`
	Error string     `json:"error"`
}

// MarkerRecord returns the record stored in place of a datapath whose stats
// could not be fetched.
func MarkerRecord(dpid DatapathID, cause error) StatsRecord {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	b, err := json.Marshal(statsMarker{DPID: dpid, Error: msg})
	if err != nil {
		return StatsRecord(`{"error":"marker encoding failed"}`)
	}
	return b
}

// IsMarker reports whether rec is a failure marker produced by MarkerRecord.
func IsMarker(rec StatsRecord) bool {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(rec, &m); err != nil {
		return false
	}
	_, hasErr := m["error"]
	_, hasID := m["dpid"]
	return hasErr && hasID && len(m) == 2
}
