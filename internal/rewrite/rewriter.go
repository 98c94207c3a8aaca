// Package rewrite builds the outbound form of a proxied request.
package rewrite

import (
	"net"
	"net/http"
	"net/url"
	"strings"

	"dynamic-proxy-go/internal/model"
)

// Options controls the parts of rewriting that are configurable.
type Options struct {
	// ControlParam is the reserved query parameter prefix stripped from the query.
	ControlParam string
	// ForwardHeaders adds X-Forwarded-For/Proto/Host/Port.
	ForwardHeaders bool
	// PreserveHost keeps the inbound Host instead of the target host.
	PreserveHost bool
}

// Rewriter is a pure request transformer; it performs no I/O.
type Rewriter struct {
	opts Options
}

// NewRewriter creates a Rewriter.
func NewRewriter(opts Options) *Rewriter {
	return &Rewriter{opts: opts}
}

// Rewrite produces the outbound request for pr aimed at t, with the
// directives merged into its headers.
func (rw *Rewriter) Rewrite(pr *model.ProxyRequest, directives model.Directives, t model.Target) *model.RewrittenRequest {
	header := pr.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	RemoveHopByHop(header)

	if rw.opts.ForwardHeaders {
		addForwardHeaders(header, pr)
	}
	if pr.RequestID != "" && header.Get("X-Request-Id") == "" {
		header.Set("X-Request-Id", pr.RequestID)
	}

	ApplyDirectives(header, directives)

	host := t.Host
	if rw.opts.PreserveHost && pr.Host != "" {
		host = pr.Host
	}
	// The client ignores a Host entry in the header map, so a directive
	// naming Host becomes the request host.
	if v := header.Get("Host"); v != "" {
		host = v
		header.Del("Host")
	}

	return &model.RewrittenRequest{
		Method:   pr.Method,
		Target:   t,
		Path:     outboundPath(pr.EscapedPath, t),
		RawQuery: SanitizeQuery(pr.RawQuery, rw.opts.ControlParam),
		Header:   header,
		Host:     host,
		Body:     pr.Body,

		ContentLength: pr.ContentLength,
	}
}

// ApplyDirectives merges each directive into h. Values are joined with "; "
// and appended after any existing value; existing values are never dropped.
func ApplyDirectives(h http.Header, directives model.Directives) {
	for _, d := range directives {
		joined := strings.Join(d.Values, "; ")
		if existing := h.Values(d.Name); len(existing) > 0 {
			h.Set(d.Name, strings.Join(existing, ", ")+"; "+joined)
			continue
		}
		h.Set(d.Name, joined)
	}
}

// StripTarget removes the leading "/<segment>" from escapedPath by length.
func StripTarget(escapedPath, segment string) string {
	prefix := "/" + segment
	if segment == "" || !strings.HasPrefix(escapedPath, prefix) {
		return escapedPath
	}
	return escapedPath[len(prefix):]
}

// SanitizeQuery drops every pair whose decoded key starts with param. The
// remaining pairs keep their order and original encoding.
func SanitizeQuery(rawQuery, param string) string {
	if rawQuery == "" || param == "" {
		return rawQuery
	}
	kept := make([]string, 0, strings.Count(rawQuery, "&")+1)
	for pair := range strings.SplitSeq(rawQuery, "&") {
		if pair == "" {
			continue
		}
		rawKey, _, _ := strings.Cut(pair, "=")
		key, err := url.QueryUnescape(rawKey)
		if err != nil {
			key = rawKey
		}
		if strings.HasPrefix(key, param) {
			continue
		}
		kept = append(kept, pair)
	}
	return strings.Join(kept, "&")
}

func outboundPath(escapedPath string, t model.Target) string {
	if t.Segment == "" {
		return singleJoiningSlash(t.BasePath, escapedPath)
	}
	p := StripTarget(escapedPath, t.Segment)
	if p == "" {
		return "/"
	}
	return p
}

func singleJoiningSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	}
	return a + b
}

func addForwardHeaders(h http.Header, pr *model.ProxyRequest) {
	clientIP, _, err := net.SplitHostPort(pr.RemoteAddr)
	if err != nil {
		clientIP = pr.RemoteAddr
	}
	if clientIP != "" {
		if prior := h.Values("X-Forwarded-For"); len(prior) > 0 {
			h.Set("X-Forwarded-For", strings.Join(prior, ", ")+", "+clientIP)
		} else {
			h.Set("X-Forwarded-For", clientIP)
		}
	}

	proto := "http"
	if pr.TLS {
		proto = "https"
	}
	h.Set("X-Forwarded-Proto", proto)

	if pr.Host != "" {
		h.Set("X-Forwarded-Host", pr.Host)
		if _, port, err := net.SplitHostPort(pr.Host); err == nil {
			h.Set("X-Forwarded-Port", port)
		}
	}
}
