// SPDX-License-Identifier: MIT

// Package stats implements the one-shot startup reconciliation that adopts
// already-live streams by fetching the upstream media server's client
// statistics document and seeding the stream registry with their current
// viewer counts.
package stats

import (
	"context"
	"encoding/xml"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/ondemandstream/streamd/internal/streamid"
)

// DefaultTimeout is the default HTTP request timeout for the stats fetch.
const DefaultTimeout = 5 * time.Second

// Registry is the subset of the stream registry the reconciler needs.
type Registry interface {
	Start(id string, k int, httpWait time.Duration)
}

// streamEntry is one <stream> element under <application><live>.
type streamEntry struct {
	Name       string   `xml:"name"`
	NClients   string   `xml:"nclients"`
	Publishing *struct{} `xml:"publishing"`
}

// liveSection is the <live> element of an <application>.
type liveSection struct {
	Stream []streamEntry `xml:"stream"`
}

// application is one <application> element under <server>.
//
// encoding/xml decodes a repeated element into a slice regardless of
// whether the document contains one occurrence or many, so the "single
// mapping vs. one-element sequence" normalization the upstream's own XML
// library requires callers to do by hand is unnecessary here.
type application struct {
	Name string      `xml:"name"`
	Live liveSection `xml:"live"`
}

type serverSection struct {
	Application []application `xml:"application"`
}

type statDocument struct {
	XMLName xml.Name      `xml:"rtmp"`
	Server  serverSection `xml:"server"`
}

// Reconciler fetches the upstream stats document once and seeds a Registry.
type Reconciler struct {
	httpClient *http.Client
	addr       string
	statURL    string
	app        string
	registry   Registry
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithHTTPClient overrides the default HTTP client (and its timeout).
func WithHTTPClient(c *http.Client) Option {
	return func(r *Reconciler) { r.httpClient = c }
}

// New creates a Reconciler that fetches "<addr><statURL>", reconciles the
// application named app, and seeds registry.
func New(addr, statURL, app string, registry Registry, opts ...Option) *Reconciler {
	r := &Reconciler{
		httpClient: &http.Client{Timeout: DefaultTimeout},
		addr:       addr,
		statURL:    statURL,
		app:        app,
		registry:   registry,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Reconcile fetches the document, navigates to the configured application,
// and starts every stream reporting a positive viewer count after
// subtracting the publisher itself.
//
// An I/O failure (request error, non-2xx response, malformed XML) is
// best-effort and is swallowed. A configuration error — the named
// application is simply absent from an otherwise well-formed document —
// is returned to the caller, since it means the daemon is pointed at the
// wrong upstream application.
func (r *Reconciler) Reconcile(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.addr+r.statURL, nil)
	if err != nil {
		return nil
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil
	}

	var doc statDocument
	if err := xml.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil
	}

	var target *application
	for i := range doc.Server.Application {
		if doc.Server.Application[i].Name == r.app {
			target = &doc.Server.Application[i]
			break
		}
	}
	if target == nil {
		return fmt.Errorf("stats: application %q not found in upstream statistics", r.app)
	}

	for _, se := range target.Live.Stream {
		n, err := strconv.Atoi(se.NClients)
		if err != nil {
			// A single stream entry with malformed nclients is upstream data
			// corruption, not the "wrong application configured" failure this
			// method raises to the caller; skip just this entry so the rest
			// of an otherwise well-formed document still gets adopted.
			continue
		}
		if se.Publishing != nil {
			n--
		}
		if n > 0 {
			r.registry.Start(streamid.Sanitize(se.Name), n, 0)
		}
	}

	return nil
}
