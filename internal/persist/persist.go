// Package persist writes experiment records as JSON files, atomically.
package persist

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Record file names.
const (
	TopologyInventory = "topology_inventory.json"
	TrafficResults    = "traffic_test_results.json"
	FlowStats         = "flow_stats_list.json"
	PortStats         = "port_stats_list.json"
)

// Error reports a record that could not be written. The destination keeps
// its previous content, if any.
type Error struct {
	Path string
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("persist %s: %s: %v", e.Path, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Persister writes records into Dir.
type Persister struct {
	Dir string
}

// New returns a persister for dir.
func New(dir string) *Persister { return &Persister{Dir: dir} }

// Persist encodes record as indented JSON and replaces Dir/name with it.
// The file is written under a temporary name that never ends in ".json",
// synced, renamed into place, and the directory is synced, so a reader sees
// either the old or the new record. The path written is returned.
func (p *Persister) Persist(name string, record any) (string, error) {
	dst := filepath.Join(p.Dir, name)
	if name == "" || strings.ContainsRune(name, os.PathSeparator) {
		return dst, &Error{Path: dst, Op: "validate name", Err: fmt.Errorf("invalid record name %q", name)}
	}

	data, err := json.MarshalIndent(record, "", "    ")
	if err != nil {
		return dst, &Error{Path: dst, Op: "encode", Err: err}
	}
	data = append(data, '\n')

	if err := os.MkdirAll(p.Dir, 0o755); err != nil {
		return dst, &Error{Path: dst, Op: "create dir", Err: err}
	}
	tmp, err := os.CreateTemp(p.Dir, "."+name+".tmp-*")
	if err != nil {
		return dst, &Error{Path: dst, Op: "create temp", Err: err}
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return dst, &Error{Path: dst, Op: "write", Err: err}
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return dst, &Error{Path: dst, Op: "sync", Err: err}
	}
	if err := tmp.Close(); err != nil {
		return dst, &Error{Path: dst, Op: "close", Err: err}
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return dst, &Error{Path: dst, Op: "chmod", Err: err}
	}
	if err := os.Rename(tmpName, dst); err != nil {
		return dst, &Error{Path: dst, Op: "rename", Err: err}
	}
	committed = true

	if err := syncDir(p.Dir); err != nil {
		return dst, &Error{Path: dst, Op: "sync dir", Err: err}
	}
	return dst, nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
