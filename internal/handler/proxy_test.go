package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dynamic-proxy-go/internal/directive"
	"dynamic-proxy-go/internal/middleware"
	"dynamic-proxy-go/internal/service"
	"dynamic-proxy-go/internal/target"
)

func errorBody(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body["error"]
}

func TestProxyHandler_Handle(t *testing.T) {
	var gotHost, gotPath, gotQuery, gotAuth, gotRequestID string
	upstream := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		gotHost = r.Host
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		gotAuth = r.Header.Get("Authorization")
		gotRequestID = r.Header.Get("X-Request-Id")
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Frame-Options", "SAMEORIGIN")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"result":"ok"}`))
	})

	h := newTestProxyHandler(t, testConfig(upstream.URL), nil)

	e := echo.New()
	e.Use(echomw.RequestIDWithConfig(echomw.RequestIDConfig{Generator: func() string { return "req-42" }}))
	e.Use(middleware.SecurityHeaders())
	e.Any("/*", h.Handle)

	req := httptest.NewRequest(http.MethodGet, "/example.com/foo?bar=1&__request[header][Authorization][0]=Bearer+x", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"result":"ok"}`, rec.Body.String())
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "SAMEORIGIN", rec.Header().Get("X-Frame-Options"), "upstream header replaces default")
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

	assert.Equal(t, "example.com", gotHost)
	assert.Equal(t, "/foo", gotPath)
	assert.Equal(t, "bar=1", gotQuery)
	assert.Equal(t, "Bearer x", gotAuth)
	assert.Equal(t, "req-42", gotRequestID)
}

func TestProxyHandler_Handle_POST(t *testing.T) {
	var gotBody, gotContentType string
	upstream := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		gotContentType = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusAccepted)
	})

	h := newTestProxyHandler(t, testConfig(upstream.URL), nil)

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api.example.com/v1/items", strings.NewReader(`{"name":"x"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	require.NoError(t, h.Handle(c))
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, `{"name":"x"}`, gotBody)
	assert.Equal(t, "application/json", gotContentType)
	assert.Equal(t, "api.example.com", c.Get(middleware.TargetKey))
}

func TestProxyHandler_Handle_EmptyPOSTThroughBodyLimit(t *testing.T) {
	var gotLength atomic.Int64
	var chunked atomic.Bool
	upstream := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		gotLength.Store(r.ContentLength)
		chunked.Store(len(r.TransferEncoding) > 0)
		w.WriteHeader(http.StatusCreated)
	})

	h := newTestProxyHandler(t, testConfig(upstream.URL), nil)

	e := echo.New()
	e.Use(echomw.BodyLimit("1M"))
	e.Any("/*", h.Handle)

	req := httptest.NewRequest(http.MethodPost, "/example.com/items", strings.NewReader(""))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Zero(t, gotLength.Load())
	assert.False(t, chunked.Load())
}

func TestProxyHandler_Handle_Rejections(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		target     string
		allowed    []string
		wantStatus int
		wantError  string
	}{
		{"invalid host", http.MethodGet, "/bad_host/x", nil, http.StatusBadRequest, `invalid target domain: "bad_host"`},
		{"options invalid host", http.MethodOptions, "/bad_host", nil, http.StatusBadRequest, `invalid target domain: "bad_host"`},
		{"malformed directive", http.MethodGet, "/example.com?__request[header][X]=v", nil, http.StatusBadRequest, "malformed request directive"},
		{"control characters in directive value", http.MethodGet, "/example.com/x?__request[header][X-A][0]=a%0d%0aEvil:+y", nil, http.StatusBadRequest, "invalid header value"},
		{"host not allowed", http.MethodGet, "/other.org/x", []string{"*.example.com"}, http.StatusForbidden, `target host not allowed: "other.org"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var hits atomic.Int32
			upstream := newUpstream(t, func(http.ResponseWriter, *http.Request) {
				hits.Add(1)
			})
			cfg := testConfig(upstream.URL)
			cfg.Target.AllowedHosts = tt.allowed
			h := newTestProxyHandler(t, cfg, nil)

			e := echo.New()
			req := httptest.NewRequest(tt.method, tt.target, http.NoBody)
			rec := httptest.NewRecorder()
			require.NoError(t, h.Handle(e.NewContext(req, rec)))

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Contains(t, errorBody(t, rec), tt.wantError)
			assert.Zero(t, hits.Load())
		})
	}
}

func TestProxyHandler_Handle_OptionsShortCircuit(t *testing.T) {
	var hits atomic.Int32
	upstream := newUpstream(t, func(http.ResponseWriter, *http.Request) {
		hits.Add(1)
	})
	h := newTestProxyHandler(t, testConfig(upstream.URL), nil)

	e := echo.New()
	req := httptest.NewRequest(http.MethodOptions, "/example.com/anything", http.NoBody)
	rec := httptest.NewRecorder()
	require.NoError(t, h.Handle(e.NewContext(req, rec)))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.String())
	assert.Zero(t, hits.Load())
}

func TestProxyHandler_Handle_BufferedCORS(t *testing.T) {
	upstream := newUpstream(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Access-Control-Allow-Methods", "GET")
		_, _ = w.Write([]byte("payload"))
	})
	cfg := testConfig(upstream.URL)
	cfg.CORS.Enabled = true
	cfg.CORS.AllowOrigin = "https://app.example"
	cfg.CORS.AllowMethods = "GET, PUT"
	h := newTestProxyHandler(t, cfg, nil)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/example.com", http.NoBody)
	rec := httptest.NewRecorder()
	require.NoError(t, h.Handle(e.NewContext(req, rec)))

	assert.Equal(t, "payload", rec.Body.String())
	assert.Equal(t, "https://app.example", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "GET, PUT", rec.Header().Get("Access-Control-Allow-Methods"))
	assert.Equal(t, "7", rec.Header().Get("Content-Length"))
}

func TestProxyHandler_Handle_CanceledContext(t *testing.T) {
	upstream := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})
	h := newTestProxyHandler(t, testConfig(upstream.URL), nil)

	e := echo.New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequestWithContext(ctx, http.MethodGet, "/example.com", http.NoBody)
	rec := httptest.NewRecorder()
	require.NoError(t, h.Handle(e.NewContext(req, rec)))

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "client disconnected", errorBody(t, rec))
}

func TestProxyHandler_Handle_UpstreamDown(t *testing.T) {
	upstream := httptest.NewServer(http.NotFoundHandler())
	proxyURL := upstream.URL
	upstream.Close()

	h := newTestProxyHandler(t, testConfig(proxyURL), nil)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/example.com", http.NoBody)
	rec := httptest.NewRecorder()
	require.NoError(t, h.Handle(e.NewContext(req, rec)))

	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestProxyHandler_mapError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantError  string
	}{
		{
			name:       "malformed",
			err:        &directive.MalformedError{Key: "__request", Reason: "expected a map, got a string"},
			wantStatus: http.StatusBadRequest,
			wantError:  "malformed request directive",
		},
		{
			name:       "invalid target",
			err:        &target.InvalidTargetError{Candidate: "x_y"},
			wantStatus: http.StatusBadRequest,
			wantError:  `invalid target domain: "x_y"`,
		},
		{
			name:       "not allowed",
			err:        &target.NotAllowedError{Host: "evil.example"},
			wantStatus: http.StatusForbidden,
			wantError:  "target host not allowed",
		},
		{
			name:       "too large",
			err:        service.ErrResponseTooLarge,
			wantStatus: http.StatusBadGateway,
			wantError:  "upstream response too large",
		},
		{
			name:       "deadline",
			err:        fmt.Errorf("forward to upstream: %w", context.DeadlineExceeded),
			wantStatus: http.StatusGatewayTimeout,
			wantError:  "upstream request timed out",
		},
		{
			name:       "client timeout",
			err:        fmt.Errorf("forward to upstream: %w", &url.Error{Op: "Get", URL: "http://example.com", Err: timeoutErr{}}),
			wantStatus: http.StatusGatewayTimeout,
			wantError:  "upstream request timed out",
		},
		{
			name:       "canceled",
			err:        fmt.Errorf("forward to upstream: %w", context.Canceled),
			wantStatus: http.StatusBadGateway,
			wantError:  "client disconnected",
		},
		{
			name:       "dns",
			err:        fmt.Errorf("forward to upstream: %w", &net.DNSError{Err: "no such host", Name: "nowhere.example"}),
			wantStatus: http.StatusBadGateway,
			wantError:  "upstream host unreachable",
		},
		{
			name:       "url error",
			err:        fmt.Errorf("forward to upstream: %w", &url.Error{Op: "Get", URL: "http://example.com", Err: errors.New("connection refused")}),
			wantStatus: http.StatusBadGateway,
			wantError:  "upstream connection failed",
		},
		{
			name:       "other",
			err:        errors.New("boom"),
			wantStatus: http.StatusBadGateway,
			wantError:  "upstream request failed",
		},
	}

	h := &ProxyHandler{logger: discardLogger()}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, "/example.com", http.NoBody)
			rec := httptest.NewRecorder()

			require.NoError(t, h.mapError(e.NewContext(req, rec), tt.err))
			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Contains(t, errorBody(t, rec), tt.wantError)
		})
	}
}

func TestSanitizeError(t *testing.T) {
	err := errors.New(`Get "https://example.com/foo?token=secret&x=1": dial tcp: connection refused`)
	got := sanitizeError(err)
	assert.NotContains(t, got, "secret")
	assert.Contains(t, got, "https://example.com/foo?[REDACTED]")
	assert.Contains(t, got, "connection refused")

	assert.Equal(t, "plain error", sanitizeError(errors.New("plain error")))
}
