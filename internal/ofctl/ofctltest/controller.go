// Package ofctltest serves a fake ofctl_rest API for tests.
package ofctltest

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// Controller answers /stats/switches, /stats/flow/{id} and /stats/port/{id}.
// Unset Flows and Ports entries get a small generated payload.
type Controller struct {
	mu sync.Mutex

	// Datapaths are written verbatim into the switches list, so "1" is a
	// JSON number and `"1"` a string.
	Datapaths []string
	Flows     map[string]string
	Ports     map[string]string
	// Status forces a status code for a path, e.g. "/stats/flow/2": 500.
	Status map[string]int

	hits map[string]int
}

// New returns a controller reporting the given datapaths.
func New(datapaths ...string) *Controller {
	return &Controller{Datapaths: datapaths}
}

// Serve starts an httptest server closed at the end of the test.
func (c *Controller) Serve(tb testing.TB) *httptest.Server {
	tb.Helper()
	srv := httptest.NewServer(c)
	tb.Cleanup(srv.Close)
	return srv
}

// SetDatapaths replaces the reported datapath list.
func (c *Controller) SetDatapaths(ids ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Datapaths = ids
}

// SetStatus forces the status code of path.
func (c *Controller) SetStatus(path string, code int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Status == nil {
		c.Status = map[string]int{}
	}
	c.Status[path] = code
}

// Hits returns how many times path was requested.
func (c *Controller) Hits(path string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits[path]
}

func (c *Controller) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hits == nil {
		c.hits = map[string]int{}
	}
	c.hits[r.URL.Path]++

	if code, ok := c.Status[r.URL.Path]; ok {
		http.Error(w, http.StatusText(code), code)
		return
	}
	w.Header().Set("Content-Type", "application/json")

	switch {
	case r.URL.Path == "/stats/switches":
		fmt.Fprintf(w, "[%s]", strings.Join(c.Datapaths, ", "))
	case strings.HasPrefix(r.URL.Path, "/stats/flow/"):
		id := strings.TrimPrefix(r.URL.Path, "/stats/flow/")
		c.writeStats(w, c.Flows, id, `{"%s": [{"priority": 1, "table_id": 0, "packet_count": 4, "actions": ["OUTPUT:1"]}]}`)
	case strings.HasPrefix(r.URL.Path, "/stats/port/"):
		id := strings.TrimPrefix(r.URL.Path, "/stats/port/")
		c.writeStats(w, c.Ports, id, `{"%s": [{"port_no": 1, "rx_packets": 12, "tx_packets": 12}]}`)
	default:
		http.NotFound(w, r)
	}
}

func (c *Controller) writeStats(w http.ResponseWriter, fixed map[string]string, id, format string) {
	if body, ok := fixed[id]; ok {
		_, _ = w.Write([]byte(body))
		return
	}
	if !c.known(id) {
		http.Error(w, "unknown datapath", http.StatusNotFound)
		return
	}
	fmt.Fprintf(w, format, id)
}

func (c *Controller) known(id string) bool {
	for _, d := range c.Datapaths {
		if strings.Trim(d, `"`) == id {
			return true
		}
	}
	return false
}
