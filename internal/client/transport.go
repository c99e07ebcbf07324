// Package client provides the pooled upstream transport shared by every
// forwarded request.
package client

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"pb-edge-proxy/internal/config"
	"pb-edge-proxy/internal/metrics"
)

// Transport is an instrumented http.RoundTripper over a single connection pool.
// It is safe for concurrent use.
type Transport struct {
	base    *http.Transport
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewTransport creates a Transport with connection pooling and timeouts.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewTransport(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *Transport {
	base := &http.Transport{
		MaxIdleConns:          cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost:   cfg.Upstream.IdleConnections,
		IdleConnTimeout:       cfg.Upstream.IdleTimeout(),
		ResponseHeaderTimeout: cfg.Upstream.ResponseHeaderTimeout(),
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
		DialContext: (&net.Dialer{
			Timeout:   cfg.Upstream.DialTimeout(),
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	return &Transport{
		base:    base,
		logger:  logger.With("component", "upstream_transport"),
		metrics: m,
	}
}

// RoundTrip sends req upstream. The response body is returned unread;
// ownership passes to the caller.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	t.logger.Debug("upstream request",
		"method", req.Method,
		"path", req.URL.Path,
	)

	start := time.Now()
	resp, err := t.base.RoundTrip(req) //nolint:bodyclose // body ownership transfers to caller
	duration := time.Since(start).Seconds()

	method := metrics.NormalizeMethod(req.Method)

	if err != nil {
		if t.metrics != nil {
			t.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
		}
		return nil, fmt.Errorf("upstream request: %w", err)
	}

	if t.metrics != nil {
		status := strconv.Itoa(resp.StatusCode)
		t.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
		t.metrics.UpstreamResponses.WithLabelValues(method, status).Inc()
	}

	return resp, nil
}

// CloseIdleConnections closes pooled connections that are not in use.
func (t *Transport) CloseIdleConnections() {
	t.base.CloseIdleConnections()
}
