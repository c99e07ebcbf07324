// Package forward implements the shared forwarding engine: one reverse proxy
// and one upstream connection pool used by every inbound request.
package forward

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync"
	"time"

	"pb-edge-proxy/internal/config"
	"pb-edge-proxy/internal/metrics"
)

// Forwarder relays requests to a single upstream origin. It is created once
// at startup and is safe for concurrent use.
type Forwarder struct {
	target         *url.URL
	proxy          *httputil.ReverseProxy
	transport      http.RoundTripper
	requestTimeout time.Duration
	logger         *slog.Logger
	metrics        *metrics.Metrics
}

// New creates a Forwarder targeting cfg.Upstream.BaseURL over rt.
// The metrics parameter is optional; pass nil to disable error counting.
func New(cfg *config.Config, rt http.RoundTripper, logger *slog.Logger, m *metrics.Metrics) (*Forwarder, error) {
	target, err := cfg.UpstreamURL()
	if err != nil {
		return nil, fmt.Errorf("parse upstream base_url: %w", err)
	}

	f := &Forwarder{
		target:         target,
		transport:      rt,
		requestTimeout: cfg.Upstream.RequestTimeout(),
		logger:         logger.With("component", "forwarder"),
		metrics:        m,
	}

	f.proxy = &httputil.ReverseProxy{
		Rewrite:       f.rewrite,
		Transport:     rt,
		FlushInterval: -1, // flush every write so streamed responses are relayed as they arrive
		ErrorHandler:  f.handleError,
		ErrorLog:      slog.NewLogLogger(f.logger.Handler(), slog.LevelWarn),
	}

	return f, nil
}

// Forward relays r to the upstream and streams the response into w.
//
// On success the upstream status, headers and body have been written to w
// (or, for a protocol upgrade, the client connection has been handed off),
// and Forward returns nil. Interim 1xx responses are relayed ahead of the
// final status. Errors after an upgrade handoff are logged, not returned. On failure nothing has been written by Forward and
// a *ForwardError is returned; the caller owns the failure response.
func (f *Forwarder) Forward(w http.ResponseWriter, r *http.Request) error {
	inbound := r.Context()

	ctx := inbound
	if f.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.requestTimeout)
		defer cancel()
	}

	// The listener must be reachable from the request before the proxy sees
	// it: the transport may fail synchronously inside ServeHTTP.
	l := &failureListener{}
	ctx = context.WithValue(ctx, listenerKey{}, l)

	rw := &relayWriter{ResponseWriter: w}
	f.proxy.ServeHTTP(rw, r.WithContext(ctx))

	cause := l.result()
	if cause == nil {
		return nil
	}
	if rw.hijacked {
		// The connection belongs to the upgrade now; nothing can be written.
		f.logger.Debug("upgraded connection failed after handoff", "err", cause, "path", r.URL.Path)
		return nil
	}

	fe := &ForwardError{
		Kind:  classify(inbound, cause),
		Path:  r.URL.Path,
		Cause: cause,
	}
	if f.metrics != nil {
		f.metrics.ForwardErrors.WithLabelValues(string(fe.Kind)).Inc()
	}
	return fe
}

// Target returns the upstream base URL.
func (f *Forwarder) Target() *url.URL {
	u := *f.target
	return &u
}

// Close releases idle upstream connections.
func (f *Forwarder) Close() {
	if c, ok := f.transport.(interface{ CloseIdleConnections() }); ok {
		c.CloseIdleConnections()
	}
}

// rewrite points the outbound request at the upstream. The inbound path has
// already been rewritten by the caller and is appended to the upstream base
// path as-is; the query string is left untouched.
func (f *Forwarder) rewrite(pr *httputil.ProxyRequest) {
	out := pr.Out.URL
	out.Scheme = f.target.Scheme
	out.Host = f.target.Host
	out.Path = strings.TrimSuffix(f.target.Path, "/") + pr.In.URL.Path
	out.RawPath = ""
	if pr.In.URL.RawPath != "" {
		out.RawPath = strings.TrimSuffix(f.target.EscapedPath(), "/") + pr.In.URL.RawPath
	}
	pr.Out.Host = ""

	pr.SetXForwarded()
}

// handleError is shared by all requests. It only resolves the listener of
// the request that failed.
func (f *Forwarder) handleError(w http.ResponseWriter, r *http.Request, err error) {
	l, ok := r.Context().Value(listenerKey{}).(*failureListener)
	if !ok {
		// Only reachable if the proxy is invoked without Forward.
		f.logger.Error("forwarding error without listener", "err", err, "path", r.URL.Path)
		w.WriteHeader(http.StatusBadGateway)
		return
	}
	if !l.fire(err) {
		f.logger.Warn("dropping repeated forwarding error", "err", err, "path", r.URL.Path)
	}
}

type listenerKey struct{}

// failureListener records the first forwarding error of one request.
type failureListener struct {
	mu    sync.Mutex
	fired bool
	err   error
}

// fire records err unless an error was already recorded. It reports whether
// err was recorded.
func (l *failureListener) fire(err error) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fired {
		return false
	}
	l.fired = true
	l.err = err
	return true
}

func (l *failureListener) result() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}
