package handler

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"dynamic-proxy-go/internal/client"
	"dynamic-proxy-go/internal/config"
	"dynamic-proxy-go/internal/metrics"
	"dynamic-proxy-go/internal/service"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newUpstream starts a plain-HTTP server that the proxy reaches through
// upstream.proxy_url, whatever target host a request names.
func newUpstream(t *testing.T, h http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(proxyURL string) *config.Config {
	return &config.Config{
		Proxy:    config.ProxyConfig{Mode: config.ModeDynamic, ControlParam: "__request"},
		Target:   config.TargetConfig{DefaultProtocol: "http"},
		Upstream: config.UpstreamConfig{TimeoutSeconds: 10, IdleConnections: 10, ProxyURL: proxyURL},
		CORS:     config.CORSConfig{MaxBufferBytes: 1 << 20},
		Metrics:  config.MetricsConfig{Path: "/metrics"},
	}
}

func newTestProxyHandler(t *testing.T, cfg *config.Config, m *metrics.Metrics) *ProxyHandler {
	t.Helper()
	logger := discardLogger()
	c, err := client.NewUpstreamClient(cfg, logger, m, nil)
	require.NoError(t, err)
	svc, err := service.NewProxyService(cfg, c, m, logger)
	require.NoError(t, err)
	return NewProxyHandler(svc, logger)
}
