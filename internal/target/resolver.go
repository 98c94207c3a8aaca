// Package target resolves the upstream origin of a request.
package target

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"dynamic-proxy-go/internal/model"
)

// DefaultProtocol is used when neither the request nor the config names one.
const DefaultProtocol = "https"

// Sentinel errors wrapped by the typed resolution errors.
var (
	ErrInvalidTarget    = errors.New("invalid target domain")
	ErrTargetNotAllowed = errors.New("target host not allowed")
)

// hostPattern is a DNS hostname: dot-separated labels of letters, digits and
// inner hyphens. A TLD is not required.
var hostPattern = regexp.MustCompile(`^[A-Za-z0-9]([A-Za-z0-9-]*[A-Za-z0-9])?(\.[A-Za-z0-9]([A-Za-z0-9-]*[A-Za-z0-9])?)*$`)

// InvalidTargetError names a path segment that is not a valid host.
type InvalidTargetError struct {
	Candidate string
}

func (e *InvalidTargetError) Error() string {
	return fmt.Sprintf("%s: %q", ErrInvalidTarget, e.Candidate)
}

func (e *InvalidTargetError) Unwrap() error { return ErrInvalidTarget }

// NotAllowedError names a valid host that the allow-list rejects.
type NotAllowedError struct {
	Host string
}

func (e *NotAllowedError) Error() string {
	return fmt.Sprintf("%s: %q", ErrTargetNotAllowed, e.Host)
}

func (e *NotAllowedError) Unwrap() error { return ErrTargetNotAllowed }

// Resolver turns request paths into targets. It holds only immutable
// configuration and is safe for concurrent use.
type Resolver struct {
	defaultProtocol string
	allowed         []string
	static          *model.Target
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithAllowedHosts restricts dynamic targets to hosts matching one of the
// glob patterns. Matching is case-insensitive.
func WithAllowedHosts(patterns []string) Option {
	return func(r *Resolver) {
		for _, p := range patterns {
			if p = strings.TrimSpace(p); p != "" {
				r.allowed = append(r.allowed, strings.ToLower(p))
			}
		}
	}
}

// WithStaticTarget makes every request resolve to the given URL.
func WithStaticTarget(u *url.URL) Option {
	return func(r *Resolver) {
		r.static = &model.Target{
			Protocol: u.Scheme,
			Host:     u.Host,
			BasePath: u.EscapedPath(),
		}
	}
}

// NewResolver creates a Resolver. An empty defaultProtocol selects DefaultProtocol.
func NewResolver(defaultProtocol string, opts ...Option) (*Resolver, error) {
	if defaultProtocol == "" {
		defaultProtocol = DefaultProtocol
	}
	r := &Resolver{defaultProtocol: strings.ToLower(defaultProtocol)}
	for _, opt := range opts {
		opt(r)
	}
	for _, p := range r.allowed {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid allowed host pattern %q", p)
		}
	}
	return r, nil
}

// Static reports whether the resolver always returns a fixed target.
func (r *Resolver) Static() bool { return r.static != nil }

// Resolve derives the target from the first segment of escapedPath. The
// protocol override wins over the default protocol when non-empty. In static
// mode the path and override are ignored.
func (r *Resolver) Resolve(escapedPath, protocol string) (model.Target, error) {
	if r.static != nil {
		return *r.static, nil
	}

	segment := FirstSegment(escapedPath)
	if !ValidHost(segment) {
		return model.Target{}, &InvalidTargetError{Candidate: segment}
	}
	if !r.allowedHost(segment) {
		return model.Target{}, &NotAllowedError{Host: segment}
	}

	if protocol == "" {
		protocol = r.defaultProtocol
	}
	return model.Target{
		Protocol: protocol,
		Host:     segment,
		Segment:  segment,
	}, nil
}

func (r *Resolver) allowedHost(host string) bool {
	if len(r.allowed) == 0 {
		return true
	}
	host = strings.ToLower(host)
	for _, p := range r.allowed {
		if ok, _ := doublestar.Match(p, host); ok {
			return true
		}
	}
	return false
}

// FirstSegment returns the path segment between the leading slash and the next one.
func FirstSegment(path string) string {
	path = strings.TrimPrefix(path, "/")
	if i := strings.IndexByte(path, '/'); i >= 0 {
		return path[:i]
	}
	return path
}

// ValidHost reports whether s matches the hostname grammar.
func ValidHost(s string) bool {
	return hostPattern.MatchString(s)
}
