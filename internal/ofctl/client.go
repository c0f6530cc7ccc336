// Package ofctl is a client for the controller's ofctl_rest statistics API.
package ofctl

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/signalsfoundry/sdn-experiment/model"
)

// ErrMalformed is returned when a response body is not the JSON the endpoint
// promises.
var ErrMalformed = errors.New("malformed controller response")

// maxBody caps how much of a response is read. Flow tables of the size an
// experiment produces are far below this.
const maxBody = 64 << 20

// StatusError is returned for non-2xx responses.
type StatusError struct {
	URL  string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: status %d: %s", e.URL, e.Code, e.Body)
}

// RequestObserver receives the latency of each request, labeled by kind
// ("switches", "flow", "port").
type RequestObserver interface {
	ObserveRequest(kind string, d time.Duration)
}

// Client issues requests against one controller.
type Client struct {
	baseURL string
	http    *http.Client
	timeout time.Duration
	obs     RequestObserver
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.http = hc } }

// WithObserver attaches a latency observer.
func WithObserver(o RequestObserver) Option { return func(c *Client) { c.obs = o } }

// NewClient returns a client for the controller at baseURL
// (e.g. "http://127.0.0.1:8080"). Each request is bounded by timeout.
func NewClient(baseURL string, timeout time.Duration, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    http.DefaultClient,
		timeout: timeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the controller URL the client talks to.
func (c *Client) BaseURL() string { return c.baseURL }

// Switches lists the datapaths the controller currently knows, in the order
// it reports them.
func (c *Client) Switches(ctx context.Context) ([]model.DatapathID, error) {
	body, err := c.get(ctx, "switches", "/stats/switches")
	if err != nil {
		return nil, err
	}
	var ids []model.DatapathID
	if err := json.Unmarshal(body, &ids); err != nil {
		return nil, fmt.Errorf("%w: /stats/switches: %v", ErrMalformed, err)
	}
	return ids, nil
}

// FlowStats returns the flow table statistics of one datapath.
func (c *Client) FlowStats(ctx context.Context, dpid model.DatapathID) (model.StatsRecord, error) {
	return c.stats(ctx, "flow", dpid)
}

// PortStats returns the port counters of one datapath.
func (c *Client) PortStats(ctx context.Context, dpid model.DatapathID) (model.StatsRecord, error) {
	return c.stats(ctx, "port", dpid)
}

func (c *Client) stats(ctx context.Context, kind string, dpid model.DatapathID) (model.StatsRecord, error) {
	path := "/stats/" + kind + "/" + url.PathEscape(string(dpid))
	body, err := c.get(ctx, kind, path)
	if err != nil {
		return nil, err
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("%w: %s", ErrMalformed, path)
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, body); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, path, err)
	}
	return model.StatsRecord(compact.Bytes()), nil
}

func (c *Client) get(ctx context.Context, kind, path string) ([]byte, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	start := time.Now()
	defer func() {
		if c.obs != nil {
			c.obs.ObserveRequest(kind, time.Since(start))
		}
	}()

	target := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", target, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("GET %s: read body: %w", target, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet := strings.TrimSpace(string(body))
		if len(snippet) > 200 {
			snippet = snippet[:200]
		}
		return nil, &StatusError{URL: target, Code: resp.StatusCode, Body: snippet}
	}
	return body, nil
}
