package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"pb-edge-proxy/internal/forward"
)

// statusClientClosedRequest is recorded (never sent) when the client went
// away before a response could be written.
const statusClientClosedRequest = 499

// Forwarder prepares and forwards one inbound request.
type Forwarder interface {
	Forward(w http.ResponseWriter, r *http.Request) error
}

// ProxyHandler relays requests under the mount prefix to the upstream API.
type ProxyHandler struct {
	service Forwarder
	logger  *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(svc Forwarder, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		logger:  logger.With("component", "proxy_handler"),
	}
}

// Handle forwards the request and resolves the response exactly once: either
// the upstream response was relayed, a JSON failure is written here, or the
// client is already gone and nothing is written.
//
// The request body is never bound or read on this route.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()
	path := req.URL.Path // before rewriting, for logs

	err := h.service.Forward(c.Response(), req)
	if err == nil {
		return nil
	}
	return h.mapError(c, path, err)
}

func (h *ProxyHandler) mapError(c echo.Context, path string, err error) error {
	if errors.Is(err, forward.ErrClientDisconnected) {
		h.logger.Debug("client disconnected before upstream completed", "path", path)
		if !c.Response().Committed {
			c.Response().Status = statusClientClosedRequest
		}
		return nil
	}

	h.logger.Error("proxy error",
		"err", err,
		"path", path,
		"request_id", c.Response().Header().Get(echo.HeaderXRequestID),
	)

	if c.Response().Committed {
		return nil
	}

	if errors.Is(err, forward.ErrUpstreamTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return c.JSON(http.StatusGatewayTimeout, map[string]string{
			"error": "upstream request timed out",
		})
	}

	if errors.Is(err, forward.ErrUpstreamUnreachable) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream host unreachable",
		})
	}

	return c.JSON(http.StatusBadGateway, map[string]string{
		"error": "upstream request failed",
	})
}
