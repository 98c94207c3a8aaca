// Package cors merges configured CORS permission headers into proxied responses.
package cors

import (
	"net/http"
	"strings"
)

// Header names handled by Apply.
const (
	HeaderAllowOrigin  = "Access-Control-Allow-Origin"
	HeaderAllowMethods = "Access-Control-Allow-Methods"
	HeaderAllowHeaders = "Access-Control-Allow-Headers"
)

// Merge combines two comma-separated lists into one, keeping the first
// occurrence of every trimmed element. Elements of existing come first.
// Comparison is exact, so "GET" and "get" are distinct.
func Merge(existing, additional string) string {
	seen := make(map[string]struct{})
	var out []string
	for _, list := range []string{existing, additional} {
		for item := range strings.SplitSeq(list, ",") {
			item = strings.TrimSpace(item)
			if item == "" {
				continue
			}
			if _, ok := seen[item]; ok {
				continue
			}
			seen[item] = struct{}{}
			out = append(out, item)
		}
	}
	return strings.Join(out, ", ")
}

// Policy holds the configured CORS values. Empty fields leave the upstream
// header untouched.
type Policy struct {
	AllowOrigin  string
	AllowMethods string
	AllowHeaders string
}

// Empty reports whether no value is configured.
func (p Policy) Empty() bool {
	return p.AllowOrigin == "" && p.AllowMethods == "" && p.AllowHeaders == ""
}

// Apply overrides Access-Control-Allow-Origin and merges the methods and
// headers lists into h.
func (p Policy) Apply(h http.Header) {
	if p.AllowOrigin != "" {
		h.Set(HeaderAllowOrigin, p.AllowOrigin)
	}
	mergeInto(h, HeaderAllowMethods, p.AllowMethods)
	mergeInto(h, HeaderAllowHeaders, p.AllowHeaders)
}

func mergeInto(h http.Header, name, additional string) {
	if additional == "" {
		return
	}
	existing := strings.Join(h.Values(name), ",")
	h.Set(name, Merge(existing, additional))
}
