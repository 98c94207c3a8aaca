// Package client provides the HTTP client that dispatches rewritten requests
// to their targets.
package client

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/net/proxy"

	"dynamic-proxy-go/internal/config"
	"dynamic-proxy-go/internal/metrics"
	"dynamic-proxy-go/internal/model"
	"dynamic-proxy-go/internal/tracing"
)

// UpstreamClient sends rewritten requests to arbitrary targets. It never
// follows redirects and never decompresses bodies.
type UpstreamClient struct {
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
	tracer     *tracing.Tracer
}

// NewUpstreamClient creates an UpstreamClient with connection pooling and
// timeouts. metrics and tracer are optional; pass nil to disable them.
func NewUpstreamClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics, tr *tracing.Tracer) (*UpstreamClient, error) {
	transport, err := newTransport(&cfg.Upstream)
	if err != nil {
		return nil, err
	}

	return &UpstreamClient{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger:  logger.With("component", "upstream_client"),
		metrics: m,
		tracer:  tr,
	}, nil
}

func newTransport(cfg *config.UpstreamConfig) (*http.Transport, error) {
	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}

	tr := &http.Transport{
		MaxIdleConns:          cfg.IdleConnections,
		MaxIdleConnsPerHost:   cfg.IdleConnections,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		// Bodies and Content-Encoding pass through untouched.
		DisableCompression: true,
	}
	if cfg.InsecureSkipVerify {
		tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in for self-signed targets
	}

	if cfg.ProxyURL == "" {
		return tr, nil
	}

	u, err := url.Parse(cfg.ProxyURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream proxy_url: %w", err)
	}

	switch u.Scheme {
	case "http", "https":
		tr.Proxy = http.ProxyURL(u)
		return tr, nil

	case "socks5", "socks5h":
		var auth *proxy.Auth
		if u.User != nil {
			password, _ := u.User.Password()
			auth = &proxy.Auth{
				User:     u.User.Username(),
				Password: password,
			}
		}
		socksDialer, err := proxy.SOCKS5("tcp", u.Host, auth, dialer)
		if err != nil {
			return nil, fmt.Errorf("create socks5 dialer: %w", err)
		}
		tr.DialContext = dialContextFromDialer(socksDialer)
		tr.Proxy = nil
		return tr, nil

	default:
		return nil, fmt.Errorf("unsupported upstream proxy scheme %q", u.Scheme)
	}
}

func dialContextFromDialer(d proxy.Dialer) func(ctx context.Context, network, addr string) (net.Conn, error) {
	if ctxDialer, ok := d.(proxy.ContextDialer); ok {
		return ctxDialer.DialContext
	}
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := d.Dial(network, addr)
		if err != nil {
			return nil, err
		}
		select {
		case <-ctx.Done():
			_ = conn.Close()
			return nil, ctx.Err()
		default:
			return conn, nil
		}
	}
}

// Do sends rr and returns the upstream response with its body unread.
// The caller is responsible for closing the response body; the client span
// ends on that close. Cancelling ctx (for example when the inbound client
// disconnects) aborts the upstream call.
func (c *UpstreamClient) Do(ctx context.Context, rr *model.RewrittenRequest) (*model.ProxyResponse, error) {
	method := metrics.NormalizeMethod(rr.Method)

	var span trace.Span = noop.Span{}
	if c.tracer != nil {
		ctx, span = c.tracer.StartSpan(ctx, "upstream "+rr.Method,
			attribute.String("http.request.method", rr.Method),
			attribute.String("server.address", rr.Target.Host),
			attribute.String("url.scheme", rr.Target.Protocol),
		)
	}

	req, err := newRequest(ctx, rr)
	if err != nil {
		span.End()
		return nil, err
	}
	if c.tracer != nil {
		c.tracer.Inject(ctx, req.Header)
	}

	c.logger.Debug("upstream request",
		"method", rr.Method,
		"target", rr.Target.Host,
		"path", rr.Path,
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller via ProxyResponse
	duration := time.Since(start).Seconds()

	if c.metrics != nil {
		c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
	}

	if err != nil {
		if c.metrics != nil {
			c.metrics.UpstreamErrors.WithLabelValues(method).Inc()
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "upstream request failed")
		span.End()
		return nil, fmt.Errorf("upstream request: %w", err)
	}

	if c.metrics != nil {
		c.metrics.UpstreamResponses.WithLabelValues(method, strconv.Itoa(resp.StatusCode)).Inc()
	}
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))

	return &model.ProxyResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       tracing.EndOnClose(span, resp.Body),
	}, nil
}

func newRequest(ctx context.Context, rr *model.RewrittenRequest) (*http.Request, error) {
	// A zero length must stay explicit: any other non-nil body makes the
	// transport fall back to chunked encoding.
	body := rr.Body
	if body == nil || rr.ContentLength == 0 {
		body = http.NoBody
	}
	req, err := http.NewRequestWithContext(ctx, rr.Method, rr.URL(), body)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	if rr.ContentLength > 0 {
		req.ContentLength = rr.ContentLength
	}

	req.Header = rr.Header
	if req.Header == nil {
		req.Header = make(http.Header)
	}
	// An absent User-Agent stays absent instead of becoming Go's default.
	if _, ok := req.Header["User-Agent"]; !ok {
		req.Header.Set("User-Agent", "")
	}
	if rr.Host != "" {
		req.Host = rr.Host
	}
	return req, nil
}
