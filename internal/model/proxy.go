// Package model defines shared types for the proxy.
package model

import (
	"context"
	"io"
	"net/http"
)

// ProxyRequest represents a client request to be forwarded upstream.
type ProxyRequest struct {
	Ctx    context.Context
	Method string
	// EscapedPath is the inbound path in its original encoding.
	EscapedPath string
	RawQuery    string
	Header      http.Header
	Body        io.ReadCloser
	// ContentLength is the inbound body length, -1 when unknown.
	ContentLength int64

	Host       string // inbound Host header
	RemoteAddr string
	TLS        bool
	RequestID  string
}

// ProxyResponse represents the upstream response returned to the caller.
// Buffered is true when Body has been fully read into memory.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
	Buffered   bool

	// Target is the origin the request resolved to, set by the service.
	Target Target
}

// Directive is a single header injection instruction.
type Directive struct {
	Name   string
	Values []string
}

// Directives keeps header directives in the order their names first appeared.
type Directives []Directive

// Target is the upstream origin a request resolves to.
type Target struct {
	Protocol string
	Host     string
	// Segment is the raw leading path segment the host was taken from. It is
	// empty for a static target.
	Segment string
	// BasePath is the static target's path prefix; empty for dynamic targets.
	BasePath string
}

// Origin returns the scheme://host form of the target.
func (t Target) Origin() string {
	return t.Protocol + "://" + t.Host
}

// RewrittenRequest is the outbound form of a ProxyRequest.
type RewrittenRequest struct {
	Method string
	Target Target
	// Path is the escaped outbound path, always starting with '/'.
	Path     string
	RawQuery string
	Header   http.Header
	Host     string
	Body     io.ReadCloser
	// ContentLength is carried over from the inbound request.
	ContentLength int64
}

// URL returns the full outbound URL.
func (r *RewrittenRequest) URL() string {
	u := r.Target.Origin() + r.Path
	if r.RawQuery != "" {
		u += "?" + r.RawQuery
	}
	return u
}
