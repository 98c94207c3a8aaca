package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"regexp"

	"github.com/labstack/echo/v4"

	"dynamic-proxy-go/internal/directive"
	"dynamic-proxy-go/internal/middleware"
	"dynamic-proxy-go/internal/model"
	"dynamic-proxy-go/internal/service"
	"dynamic-proxy-go/internal/target"
)

// urlQueryPattern matches the query part of URLs embedded in error messages.
var urlQueryPattern = regexp.MustCompile(`(https?://[^\s"?]+)\?[^\s"]*`)

// ProxyHandler forwards every non-operational request through the proxy service.
type ProxyHandler struct {
	service *service.ProxyService
	logger  *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(svc *service.ProxyService, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		logger:  logger.With("component", "proxy_handler"),
	}
}

// Handle proxies the request and writes the upstream response back, streamed
// or from the buffered body.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	pr := &model.ProxyRequest{
		Ctx:           req.Context(),
		Method:        req.Method,
		EscapedPath:   req.URL.EscapedPath(),
		RawQuery:      req.URL.RawQuery,
		Header:        req.Header,
		Body:          req.Body,
		ContentLength: req.ContentLength,
		Host:          req.Host,
		RemoteAddr:    req.RemoteAddr,
		TLS:           req.TLS != nil,
		RequestID:     c.Response().Header().Get(echo.HeaderXRequestID),
	}

	resp, err := h.service.Forward(pr)
	if err != nil {
		return h.mapError(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	c.Set(middleware.TargetKey, resp.Target.Host)

	// Upstream values replace defaults set by earlier middleware.
	out := c.Response().Header()
	for key, vals := range resp.Header {
		out[key] = vals
	}
	c.Response().WriteHeader(resp.StatusCode)

	if req.Method == http.MethodHead {
		return nil
	}

	// Once the status is sent a failed copy can only truncate the body, so
	// the error is logged rather than returned.
	if err := copyBody(c.Response(), resp.Body, !resp.Buffered); err != nil {
		h.logger.Error("streaming response body",
			"err", sanitizeError(err),
			"target", resp.Target.Host,
		)
	}

	return nil
}

// copyBody writes src to w, flushing after each chunk when flush is set so
// long-lived streams reach the client as they arrive.
func copyBody(w *echo.Response, src io.Reader, flush bool) error {
	if !flush {
		_, err := io.Copy(w, src)
		return err
	}
	buf := make([]byte, 32*1024)
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
			w.Flush()
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return rerr
		}
	}
}

func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	path := c.Request().URL.Path

	switch {
	case errors.Is(err, directive.ErrMalformed), errors.Is(err, target.ErrInvalidTarget):
		h.logger.Warn("rejected request", "err", err, "path", path)
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})

	case errors.Is(err, target.ErrTargetNotAllowed):
		h.logger.Warn("rejected request", "err", err, "path", path)
		return c.JSON(http.StatusForbidden, map[string]string{
			"error": err.Error(),
		})
	}

	h.logger.Error("proxy error",
		"err", sanitizeError(err),
		"path", path,
	)

	if errors.Is(err, service.ErrResponseTooLarge) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream response too large",
		})
	}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return c.JSON(http.StatusGatewayTimeout, map[string]string{
			"error": "upstream request timed out",
		})
	}

	if errors.Is(err, context.Canceled) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "client disconnected",
		})
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream host unreachable",
		})
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream connection failed",
		})
	}

	return c.JSON(http.StatusBadGateway, map[string]string{
		"error": "upstream request failed",
	})
}

// sanitizeError drops query strings from URLs in error messages; caller
// queries can carry credentials.
func sanitizeError(err error) string {
	return urlQueryPattern.ReplaceAllString(err.Error(), "${1}?[REDACTED]")
}
