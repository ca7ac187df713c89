// Package filter applies the header policy at the trust boundary. Each leg
// of the tunnel (client→upstream and upstream→client) gets its own filter
// built from configured pattern sets.
package filter

import (
	"strings"

	"cloak-proxy/internal/model"
)

// Direction identifies which trust boundary a filter guards.
type Direction int

const (
	// DirectionRequest filters the client→upstream leg before the
	// reconstructed request is sent to the real API.
	DirectionRequest Direction = iota

	// DirectionResponse filters the upstream→client leg before the reply
	// is sealed and leaves the proxy.
	DirectionResponse
)

func (d Direction) String() string {
	switch d {
	case DirectionRequest:
		return "request"
	case DirectionResponse:
		return "response"
	default:
		return "unknown"
	}
}

// Filter removes configured header names from a header map. Matching is
// case-insensitive. Precedence: exact deny > exact allow > prefix deny;
// headers matching no pattern pass through unchanged.
//
// Apply is a pure function: the same input always yields the same output
// and the input map is never mutated.
type Filter struct {
	direction    Direction
	allow        map[string]bool
	deny         map[string]bool
	denyPrefixes []string
}

// New builds a Filter from pattern lists. Names and prefixes are matched
// case-insensitively.
func New(direction Direction, allow, deny, denyPrefixes []string) *Filter {
	f := &Filter{
		direction:    direction,
		allow:        make(map[string]bool, len(allow)),
		deny:         make(map[string]bool, len(deny)),
		denyPrefixes: make([]string, 0, len(denyPrefixes)),
	}
	for _, name := range allow {
		f.allow[strings.ToLower(name)] = true
	}
	for _, name := range deny {
		f.deny[strings.ToLower(name)] = true
	}
	for _, prefix := range denyPrefixes {
		f.denyPrefixes = append(f.denyPrefixes, strings.ToLower(prefix))
	}
	return f
}

// Direction returns the leg this filter is configured for.
func (f *Filter) Direction() Direction {
	return f.direction
}

// Apply returns a filtered copy of headers.
func (f *Filter) Apply(headers model.Headers) model.Headers {
	out := make(model.Headers, len(headers))
	for key, value := range headers {
		name := strings.ToLower(key)
		if f.deny[name] {
			continue
		}
		if f.allow[name] {
			out.Set(key, value)
			continue
		}
		if f.matchesPrefix(name) {
			continue
		}
		out.Set(key, value)
	}
	return out
}

func (f *Filter) matchesPrefix(name string) bool {
	for _, prefix := range f.denyPrefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

// Set holds the two per-leg filters, built once at startup and shared
// read-only across connection workers.
type Set struct {
	Request  *Filter
	Response *Filter
}
