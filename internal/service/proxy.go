// Package service implements the edge proxy request pipeline: rewrite the
// inbound request for the upstream, then hand it to the forwarding engine.
package service

import (
	"log/slog"
	"net/http"
	"strings"

	"pb-edge-proxy/internal/config"
)

// Forwarder relays a prepared request upstream and streams the response
// into w. It returns a non-nil error only when nothing terminal was written.
type Forwarder interface {
	Forward(w http.ResponseWriter, r *http.Request) error
}

// ProxyService prepares inbound requests and forwards them upstream.
type ProxyService struct {
	forwarder   Forwarder
	mountPrefix string
	authHeader  string
	token       string
	logger      *slog.Logger
}

// NewProxyService creates a ProxyService.
func NewProxyService(fwd Forwarder, cfg *config.Config, logger *slog.Logger) *ProxyService {
	return &ProxyService{
		forwarder:   fwd,
		mountPrefix: cfg.Proxy.MountPrefix,
		authHeader:  cfg.Auth.Header,
		token:       cfg.Auth.Token,
		logger:      logger.With("component", "proxy_service"),
	}
}

// Forward rewrites r in place and forwards it. The request body is passed
// through untouched; it must not have been read by anything before this call.
func (s *ProxyService) Forward(w http.ResponseWriter, r *http.Request) error {
	s.prepare(r)

	s.logger.Debug("forwarding request",
		"method", r.Method,
		"path", r.URL.Path,
	)

	return s.forwarder.Forward(w, r)
}

// prepare strips the mount prefix and installs the upstream token.
func (s *ProxyService) prepare(r *http.Request) {
	r.URL.Path = RewritePath(r.URL.Path, s.mountPrefix)
	if r.URL.RawPath != "" {
		r.URL.RawPath = RewritePath(r.URL.RawPath, s.mountPrefix)
	}

	// Drop every client-supplied spelling of the header, not only the
	// canonical one, so the outbound value is always the configured token.
	for key := range r.Header {
		if strings.EqualFold(key, s.authHeader) {
			delete(r.Header, key)
		}
	}
	r.Header.Set(s.authHeader, s.token)
}

// RewritePath maps an inbound path onto the upstream path space. The prefix
// is removed when path equals it or continues with "/", then a single
// trailing slash is dropped:
//
//	/api/proxy/v1/users/    -> /v1/users
//	/api/proxy/             -> ""
//	/api/proxy/v1/users/abc -> /v1/users/abc
func RewritePath(path, prefix string) string {
	if path == prefix || strings.HasPrefix(path, prefix+"/") {
		path = path[len(prefix):]
	}
	return strings.TrimSuffix(path, "/")
}
