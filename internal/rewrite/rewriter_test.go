package rewrite

import (
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dynamic-proxy-go/internal/model"
)

func dynamicTarget(host string) model.Target {
	return model.Target{Protocol: "https", Host: host, Segment: host}
}

func TestApplyDirectives_AppendNotReplace(t *testing.T) {
	h := http.Header{"X": {"foo"}}
	ApplyDirectives(h, model.Directives{{Name: "X", Values: []string{"bar=1"}}})
	assert.Equal(t, "foo; bar=1", h.Get("X"))
	assert.Len(t, h.Values("X"), 1)
}

func TestApplyDirectives(t *testing.T) {
	tests := []struct {
		name       string
		existing   http.Header
		directives model.Directives
		header     string
		want       string
	}{
		{
			name:       "set when absent",
			existing:   http.Header{},
			directives: model.Directives{{Name: "Authorization", Values: []string{"Bearer x"}}},
			header:     "Authorization",
			want:       "Bearer x",
		},
		{
			name:       "values joined with semicolon",
			existing:   http.Header{},
			directives: model.Directives{{Name: "Cookie", Values: []string{"a=1", "b=2"}}},
			header:     "Cookie",
			want:       "a=1; b=2",
		},
		{
			name:       "case-insensitive key lookup",
			existing:   http.Header{"Cookie": {"sid=9"}},
			directives: model.Directives{{Name: "cookie", Values: []string{"a=1"}}},
			header:     "Cookie",
			want:       "sid=9; a=1",
		},
		{
			name:       "multi-line existing joined first",
			existing:   http.Header{"Accept": {"text/html", "application/json"}},
			directives: model.Directives{{Name: "Accept", Values: []string{"q=1"}}},
			header:     "Accept",
			want:       "text/html, application/json; q=1",
		},
		{
			name:     "two directives for the same header both append",
			existing: http.Header{},
			directives: model.Directives{
				{Name: "x-a", Values: []string{"1"}},
				{Name: "X-A", Values: []string{"2"}},
			},
			header: "X-A",
			want:   "1; 2",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ApplyDirectives(tt.existing, tt.directives)
			assert.Equal(t, tt.want, tt.existing.Get(tt.header))
		})
	}
}

func TestSanitizeQuery(t *testing.T) {
	tests := []struct {
		name  string
		query string
		want  string
	}{
		{"mixed", "a=1&__request[header][X][0]=v&b=2", "a=1&b=2"},
		{"control first", "__request[protocol]=http&a=1", "a=1"},
		{"only control", "__request[header][X][0]=v&__request[protocol]=http", ""},
		{"encoded control key", "__request%5Bheader%5D%5BX%5D%5B0%5D=v&z=9", "z=9"},
		{"flat variant", "__request_x=1&keep=yes", "keep=yes"},
		{"encoding preserved", "q=a%20b+c&x=%2F", "q=a%20b+c&x=%2F"},
		{"empty pairs dropped", "a=1&&b=2&", "a=1&b=2"},
		{"empty", "", ""},
		{"similar name kept", "_request=1&request=2", "_request=1&request=2"},
		{"repeated keys kept in order", "b=2&a=1&b=3", "b=2&a=1&b=3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SanitizeQuery(tt.query, "__request"))
		})
	}
}

func TestStripTarget_RoundTrip(t *testing.T) {
	paths := []string{
		"/example.com",
		"/example.com/",
		"/example.com/foo",
		"/example.com/foo/example.com/bar",
		"/example.com/a%2Fb",
		"/a/a/a",
	}
	for _, p := range paths {
		seg := strings.SplitN(strings.TrimPrefix(p, "/"), "/", 2)[0]
		stripped := StripTarget(p, seg)
		assert.Equal(t, p, "/"+seg+stripped, "round trip of %q", p)
	}

	assert.Equal(t, "/foo/example.com/bar", StripTarget("/example.com/foo/example.com/bar", "example.com"))
	assert.Equal(t, "/other", StripTarget("/other", "example.com"))
}

func TestRemoveHopByHop(t *testing.T) {
	h := http.Header{
		"Connection":        {"keep-alive, X-Secret"},
		"X-Secret":          {"s"},
		"Keep-Alive":        {"timeout=5"},
		"Transfer-Encoding": {"chunked"},
		"Upgrade":           {"websocket"},
		"Te":                {"trailers"},
		"Accept":            {"*/*"},
	}
	RemoveHopByHop(h)
	assert.Equal(t, http.Header{"Accept": {"*/*"}}, h)
}

func TestRewrite_EndToEnd(t *testing.T) {
	rw := NewRewriter(Options{ControlParam: "__request", ForwardHeaders: true})
	pr := &model.ProxyRequest{
		Method:      http.MethodGet,
		EscapedPath: "/example.com/foo",
		RawQuery:    "bar=1&__request[header][Authorization][0]=Bearer+x",
		Header:      http.Header{"Accept": {"*/*"}, "Connection": {"close"}},
		Host:        "proxy.local:8000",
		RemoteAddr:  "10.0.0.5:51234",
		RequestID:   "req-1",
	}
	directives := model.Directives{{Name: "Authorization", Values: []string{"Bearer x"}}}

	out := rw.Rewrite(pr, directives, dynamicTarget("example.com"))

	assert.Equal(t, "https://example.com/foo?bar=1", out.URL())
	assert.Equal(t, http.MethodGet, out.Method)
	assert.Equal(t, "example.com", out.Host)
	assert.Equal(t, "Bearer x", out.Header.Get("Authorization"))
	assert.Equal(t, "*/*", out.Header.Get("Accept"))
	assert.Empty(t, out.Header.Get("Connection"))
	assert.Equal(t, "10.0.0.5", out.Header.Get("X-Forwarded-For"))
	assert.Equal(t, "http", out.Header.Get("X-Forwarded-Proto"))
	assert.Equal(t, "proxy.local:8000", out.Header.Get("X-Forwarded-Host"))
	assert.Equal(t, "8000", out.Header.Get("X-Forwarded-Port"))
	assert.Equal(t, "req-1", out.Header.Get("X-Request-Id"))

	// The inbound header map is not modified.
	assert.Equal(t, "close", pr.Header.Get("Connection"))
	assert.Empty(t, pr.Header.Get("Authorization"))
}

func TestRewrite_Paths(t *testing.T) {
	rw := NewRewriter(Options{ControlParam: "__request"})

	tests := []struct {
		name   string
		path   string
		target model.Target
		want   string
	}{
		{"root after host", "/example.com", dynamicTarget("example.com"), "/"},
		{"trailing slash", "/example.com/", dynamicTarget("example.com"), "/"},
		{"segment repeated later", "/example.com/x/example.com", dynamicTarget("example.com"), "/x/example.com"},
		{"escaped path kept", "/example.com/a%2Fb", dynamicTarget("example.com"), "/a%2Fb"},
		{"static base joined", "/v1/items", model.Target{Protocol: "http", Host: "b:8080", BasePath: "/api"}, "/api/v1/items"},
		{"static base trailing slash", "/v1", model.Target{Protocol: "http", Host: "b", BasePath: "/api/"}, "/api/v1"},
		{"static no base", "/v1", model.Target{Protocol: "http", Host: "b"}, "/v1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := rw.Rewrite(&model.ProxyRequest{EscapedPath: tt.path}, nil, tt.target)
			assert.Equal(t, tt.want, out.Path)
		})
	}
}

func TestRewrite_ForwardedForAppends(t *testing.T) {
	rw := NewRewriter(Options{ForwardHeaders: true})
	pr := &model.ProxyRequest{
		EscapedPath: "/example.com",
		Header:      http.Header{"X-Forwarded-For": {"1.1.1.1"}},
		RemoteAddr:  "2.2.2.2:1",
		TLS:         true,
		Host:        "proxy",
	}
	out := rw.Rewrite(pr, nil, dynamicTarget("example.com"))
	assert.Equal(t, "1.1.1.1, 2.2.2.2", out.Header.Get("X-Forwarded-For"))
	assert.Equal(t, "https", out.Header.Get("X-Forwarded-Proto"))
	assert.Empty(t, out.Header.Get("X-Forwarded-Port"))
}

func TestRewrite_NoForwardHeaders(t *testing.T) {
	rw := NewRewriter(Options{})
	out := rw.Rewrite(&model.ProxyRequest{EscapedPath: "/example.com", RemoteAddr: "2.2.2.2:1"}, nil, dynamicTarget("example.com"))
	assert.Empty(t, out.Header.Get("X-Forwarded-For"))
	assert.Empty(t, out.Header.Get("X-Forwarded-Proto"))
}

func TestRewrite_Host(t *testing.T) {
	pr := &model.ProxyRequest{EscapedPath: "/example.com", Host: "proxy.local"}

	out := NewRewriter(Options{}).Rewrite(pr, nil, dynamicTarget("example.com"))
	assert.Equal(t, "example.com", out.Host)

	out = NewRewriter(Options{PreserveHost: true}).Rewrite(pr, nil, dynamicTarget("example.com"))
	assert.Equal(t, "proxy.local", out.Host)

	out = NewRewriter(Options{}).Rewrite(pr, model.Directives{{Name: "host", Values: []string{"virtual.example"}}}, dynamicTarget("example.com"))
	require.Equal(t, "virtual.example", out.Host)
	assert.Empty(t, out.Header.Values("Host"))
}

func TestRewrite_RequestIDNotOverwritten(t *testing.T) {
	pr := &model.ProxyRequest{
		EscapedPath: "/example.com",
		Header:      http.Header{"X-Request-Id": {"from-client"}},
		RequestID:   "generated",
	}
	out := NewRewriter(Options{}).Rewrite(pr, nil, dynamicTarget("example.com"))
	assert.Equal(t, "from-client", out.Header.Get("X-Request-Id"))
}
