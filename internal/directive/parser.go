// Package directive parses per-request header directives out of the
// reserved control parameter of a query string.
//
// The control parameter uses the bracketed map encoding:
//
//	?__request[header][Authorization][0]=Bearer+x&__request[protocol]=http
package directive

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"

	"dynamic-proxy-go/internal/model"
)

// DefaultParam is the reserved query parameter name.
const DefaultParam = "__request"

// ErrMalformed is wrapped by every MalformedError.
var ErrMalformed = errors.New("malformed request directive")

// schemePattern is the RFC 3986 scheme grammar.
var schemePattern = regexp.MustCompile(`^[a-z][a-z0-9+.-]*$`)

// MalformedError reports a control parameter that is present but structurally wrong.
type MalformedError struct {
	Key    string
	Reason string
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("malformed request directive %q: %s", e.Key, e.Reason)
}

func (e *MalformedError) Unwrap() error { return ErrMalformed }

// Result holds the directives and the optional protocol override of one request.
type Result struct {
	Directives model.Directives
	Protocol   string // empty when no override was given
}

// Parser extracts directives from a raw query string.
type Parser struct {
	param string
}

// NewParser creates a Parser for the given control parameter name.
// An empty name selects DefaultParam.
func NewParser(param string) *Parser {
	if param == "" {
		param = DefaultParam
	}
	return &Parser{param: param}
}

// Param returns the control parameter name.
func (p *Parser) Param() string { return p.param }

// Parse reads the control parameter out of rawQuery. A query without the
// parameter yields an empty Result and no error.
func (p *Parser) Parse(rawQuery string) (Result, error) {
	var res Result
	var headers []*headerEntry
	byName := make(map[string]*headerEntry)
	seenProtocol := false

	for pair := range strings.SplitSeq(rawQuery, "&") {
		if pair == "" {
			continue
		}
		rawKey, rawValue, _ := strings.Cut(pair, "=")
		key, err := url.QueryUnescape(rawKey)
		if err != nil {
			key = rawKey
		}
		if !strings.HasPrefix(key, p.param) {
			continue
		}
		rest := key[len(p.param):]
		if rest == "" {
			return Result{}, &MalformedError{Key: key, Reason: "expected a map, got a string"}
		}
		if rest[0] != '[' {
			continue
		}
		segs, ok := splitBrackets(rest)
		if !ok {
			return Result{}, &MalformedError{Key: key, Reason: "unbalanced brackets"}
		}
		value, err := url.QueryUnescape(rawValue)
		if err != nil {
			return Result{}, &MalformedError{Key: key, Reason: "invalid value encoding"}
		}

		switch segs[0] {
		case "header":
			switch len(segs) {
			case 1:
				return Result{}, &MalformedError{Key: key, Reason: "header must be a map of header names"}
			case 2:
				return Result{}, &MalformedError{Key: key, Reason: "header values must be a map"}
			case 3:
			default:
				return Result{}, &MalformedError{Key: key, Reason: "header value must be a string"}
			}
			name := segs[1]
			if name == "" {
				return Result{}, &MalformedError{Key: key, Reason: "empty header name"}
			}
			if !httpguts.ValidHeaderFieldName(name) {
				return Result{}, &MalformedError{Key: key, Reason: "invalid header name"}
			}
			if !httpguts.ValidHeaderFieldValue(value) {
				return Result{}, &MalformedError{Key: key, Reason: "invalid header value"}
			}
			e, ok := byName[name]
			if !ok {
				e = &headerEntry{name: name, values: make(map[string][]string)}
				byName[name] = e
				headers = append(headers, e)
			}
			e.add(segs[2], value)

		case "protocol":
			if len(segs) != 1 {
				return Result{}, &MalformedError{Key: key, Reason: "protocol must be a string"}
			}
			if seenProtocol {
				return Result{}, &MalformedError{Key: key, Reason: "protocol given more than once"}
			}
			seenProtocol = true
			proto := strings.ToLower(value)
			if !schemePattern.MatchString(proto) {
				return Result{}, &MalformedError{Key: key, Reason: fmt.Sprintf("invalid protocol %q", value)}
			}
			res.Protocol = proto
		}
	}

	for _, e := range headers {
		res.Directives = append(res.Directives, e.directive())
	}
	return res, nil
}

// splitBrackets splits "[a][b][c]" into its segments.
func splitBrackets(s string) ([]string, bool) {
	var segs []string
	for s != "" {
		if s[0] != '[' {
			return nil, false
		}
		end := strings.IndexByte(s, ']')
		if end < 0 {
			return nil, false
		}
		seg := s[1:end]
		if strings.ContainsRune(seg, '[') {
			return nil, false
		}
		segs = append(segs, seg)
		s = s[end+1:]
	}
	return segs, len(segs) > 0
}

type headerEntry struct {
	name    string
	subkeys []string
	values  map[string][]string
}

func (e *headerEntry) add(subkey, value string) {
	if _, ok := e.values[subkey]; !ok {
		e.subkeys = append(e.subkeys, subkey)
	}
	e.values[subkey] = append(e.values[subkey], value)
}

// directive flattens the sub-map: array-index keys first in ascending order,
// then the remaining keys in the order they first appeared.
func (e *headerEntry) directive() model.Directive {
	keys := slices.Clone(e.subkeys)
	slices.SortStableFunc(keys, func(a, b string) int {
		ai, aok := arrayIndex(a)
		bi, bok := arrayIndex(b)
		switch {
		case aok && bok:
			switch {
			case ai < bi:
				return -1
			case ai > bi:
				return 1
			}
			return 0
		case aok:
			return -1
		case bok:
			return 1
		}
		return 0
	})

	d := model.Directive{Name: e.name}
	for _, k := range keys {
		d.Values = append(d.Values, e.values[k]...)
	}
	return d
}

// arrayIndex reports whether s is a canonical non-negative integer key.
func arrayIndex(s string) (uint64, bool) {
	if s == "" || (len(s) > 1 && s[0] == '0') {
		return 0, false
	}
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil || n == 1<<32-1 {
		return 0, false
	}
	return n, true
}
