// Package service implements the core proxy forwarding logic.
package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"dynamic-proxy-go/internal/client"
	"dynamic-proxy-go/internal/config"
	"dynamic-proxy-go/internal/cors"
	"dynamic-proxy-go/internal/directive"
	"dynamic-proxy-go/internal/metrics"
	"dynamic-proxy-go/internal/model"
	"dynamic-proxy-go/internal/rewrite"
	"dynamic-proxy-go/internal/target"
)

const defaultMaxBuffer = 32 << 20

// ProxyService runs each request through directive parsing, target
// resolution and rewriting, dispatches it, and post-processes the response.
// It keeps no per-request state and is safe for concurrent use.
type ProxyService struct {
	parser   *directive.Parser
	resolver *target.Resolver
	rewriter *rewrite.Rewriter
	client   *client.UpstreamClient
	metrics  *metrics.Metrics
	logger   *slog.Logger

	policy    cors.Policy
	buffered  bool
	maxBuffer int64
}

// NewProxyService creates a ProxyService. The metrics parameter is optional.
func NewProxyService(cfg *config.Config, c *client.UpstreamClient, m *metrics.Metrics, logger *slog.Logger) (*ProxyService, error) {
	opts := []target.Option{target.WithAllowedHosts(cfg.Target.AllowedHosts)}
	if cfg.Static() {
		u, err := url.Parse(cfg.Target.URL)
		if err != nil {
			return nil, fmt.Errorf("parse target url: %w", err)
		}
		opts = append(opts, target.WithStaticTarget(u))
	}
	resolver, err := target.NewResolver(cfg.Target.DefaultProtocol, opts...)
	if err != nil {
		return nil, err
	}

	parser := directive.NewParser(cfg.Proxy.ControlParam)

	s := &ProxyService{
		parser:   parser,
		resolver: resolver,
		rewriter: rewrite.NewRewriter(rewrite.Options{
			ControlParam:   parser.Param(),
			ForwardHeaders: cfg.Proxy.ForwardHeadersEnabled(),
			PreserveHost:   cfg.Proxy.PreserveHost,
		}),
		client:    c,
		metrics:   m,
		logger:    logger.With("component", "proxy_service"),
		buffered:  cfg.CORS.Enabled,
		maxBuffer: cfg.CORS.MaxBufferBytes,
	}
	if cfg.CORS.Enabled {
		s.policy = cors.Policy{
			AllowOrigin:  cfg.CORS.AllowOrigin,
			AllowMethods: cfg.CORS.AllowMethods,
			AllowHeaders: cfg.CORS.AllowHeaders,
		}
		if s.policy.Empty() {
			s.logger.Warn("cors enabled without allow values; responses are buffered with their CORS headers unchanged")
		}
	}
	return s, nil
}

// Static reports whether every request goes to the configured target URL.
func (s *ProxyService) Static() bool {
	return s.resolver.Static()
}

// Forward sends a ProxyRequest to its target and returns the response.
// The caller is responsible for closing the response body.
//
// Nothing is dispatched when the directives are malformed or the target is
// invalid or not allowed. In dynamic mode an OPTIONS request to a valid
// target is answered locally with an empty 200.
func (s *ProxyService) Forward(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	parsed, err := s.parser.Parse(pr.RawQuery)
	if err != nil {
		s.reject(metrics.ReasonMalformed)
		return nil, err
	}

	t, err := s.resolver.Resolve(pr.EscapedPath, parsed.Protocol)
	if err != nil {
		switch {
		case errors.Is(err, target.ErrTargetNotAllowed):
			s.reject(metrics.ReasonNotAllowed)
		default:
			s.reject(metrics.ReasonInvalidTarget)
		}
		return nil, err
	}

	if pr.Method == http.MethodOptions && !s.resolver.Static() {
		return s.preflight(t), nil
	}

	rr := s.rewriter.Rewrite(pr, parsed.Directives, t)
	if s.metrics != nil && len(parsed.Directives) > 0 {
		s.metrics.DirectivesApplied.Add(float64(len(parsed.Directives)))
	}

	s.logger.Debug("forwarding request",
		"method", pr.Method,
		"target", t.Origin(),
		"path", rr.Path,
		"directives", len(parsed.Directives),
	)

	ctx := pr.Ctx
	if ctx == nil {
		ctx = context.Background()
	}

	resp, err := s.client.Do(ctx, rr)
	if err != nil {
		return nil, fmt.Errorf("forward to upstream: %w", err)
	}
	resp.Target = t

	rewrite.RemoveHopByHop(resp.Header)

	if !s.buffered {
		return resp, nil
	}
	if err := s.buffer(resp, pr.Method); err != nil {
		return nil, err
	}
	return resp, nil
}

func (s *ProxyService) preflight(t model.Target) *model.ProxyResponse {
	if s.metrics != nil {
		s.metrics.PreflightTotal.Inc()
	}
	h := make(http.Header)
	if !s.policy.Empty() {
		s.policy.Apply(h)
	}
	h.Set("Content-Length", "0")
	return &model.ProxyResponse{
		StatusCode: http.StatusOK,
		Header:     h,
		Body:       http.NoBody,
		Buffered:   true,
		Target:     t,
	}
}

// buffer reads the whole upstream body, merges the CORS headers and
// recomputes Content-Length. The upstream body is always closed.
func (s *ProxyService) buffer(resp *model.ProxyResponse, method string) error {
	defer func() { _ = resp.Body.Close() }()

	limit := s.maxBuffer
	if limit <= 0 {
		limit = defaultMaxBuffer
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return fmt.Errorf("forward to upstream: read response body: %w", err)
	}
	if int64(len(body)) > limit {
		s.reject(metrics.ReasonTooLarge)
		return ErrResponseTooLarge
	}
	if s.metrics != nil {
		s.metrics.BufferedBytes.Observe(float64(len(body)))
	}

	if !s.policy.Empty() {
		s.policy.Apply(resp.Header)
	}

	// A HEAD response keeps the length of the entity it describes.
	if method != http.MethodHead && bodyAllowed(resp.StatusCode) {
		resp.Header.Set("Content-Length", strconv.Itoa(len(body)))
	}

	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.Buffered = true
	return nil
}

func bodyAllowed(status int) bool {
	switch {
	case status >= 100 && status < 200:
		return false
	case status == http.StatusNoContent, status == http.StatusNotModified:
		return false
	}
	return true
}

func (s *ProxyService) reject(reason string) {
	if s.metrics != nil {
		s.metrics.RejectedTotal.WithLabelValues(reason).Inc()
	}
}
