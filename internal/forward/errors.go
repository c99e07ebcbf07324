package forward

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind classifies a forwarding failure.
type Kind string

// Failure kinds, also used as the "kind" metric label.
const (
	KindUpstreamUnreachable Kind = "upstream_unreachable"
	KindUpstreamTimeout     Kind = "upstream_timeout"
	KindUpstreamProtocol    Kind = "upstream_protocol"
	KindClientDisconnected  Kind = "client_disconnected"
)

// Sentinel errors matched by errors.Is against a *ForwardError.
var (
	// ErrUpstreamUnreachable indicates the upstream connection could not be established.
	ErrUpstreamUnreachable = errors.New("upstream unreachable")

	// ErrUpstreamTimeout indicates the upstream did not answer in time.
	ErrUpstreamTimeout = errors.New("upstream timed out")

	// ErrUpstreamProtocol indicates a reset, malformed, or otherwise unusable upstream response.
	ErrUpstreamProtocol = errors.New("upstream protocol error")

	// ErrClientDisconnected indicates the inbound client went away before completion.
	ErrClientDisconnected = errors.New("client disconnected")
)

var sentinels = map[Kind]error{
	KindUpstreamUnreachable: ErrUpstreamUnreachable,
	KindUpstreamTimeout:     ErrUpstreamTimeout,
	KindUpstreamProtocol:    ErrUpstreamProtocol,
	KindClientDisconnected:  ErrClientDisconnected,
}

// ForwardError is returned by Forwarder.Forward when a request could not be
// relayed.
type ForwardError struct {
	Kind  Kind
	Path  string // outbound path after rewriting
	Cause error
}

// Error implements the error interface.
func (e *ForwardError) Error() string {
	return fmt.Sprintf("forward %s: %v: %v", e.Path, sentinels[e.Kind], e.Cause)
}

// Unwrap returns the underlying error.
func (e *ForwardError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is the sentinel for this error's kind.
func (e *ForwardError) Is(target error) bool {
	return target == sentinels[e.Kind]
}

// classify maps a reverse-proxy error to a Kind. inbound is the context of
// the client request before any forwarding deadline was applied.
func classify(inbound context.Context, err error) Kind {
	if errors.Is(inbound.Err(), context.Canceled) {
		return KindClientDisconnected
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return KindUpstreamUnreachable
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return KindUpstreamUnreachable
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindUpstreamTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindUpstreamTimeout
	}

	return KindUpstreamProtocol
}
