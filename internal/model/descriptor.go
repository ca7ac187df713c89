// Package model defines the descriptors exchanged through the tunnel.
package model

import (
	"fmt"
	"net/textproto"
	"net/url"
)

// Headers is a case-insensitive header map. Keys are stored in canonical
// MIME form, so "content-type" and "Content-Type" address the same entry
// and duplicate names are not representable.
type Headers map[string]string

// Set stores value under the canonical form of key.
func (h Headers) Set(key, value string) {
	h[textproto.CanonicalMIMEHeaderKey(key)] = value
}

// Get returns the value for key, matched case-insensitively.
// Missing keys return the empty string.
func (h Headers) Get(key string) string {
	return h[textproto.CanonicalMIMEHeaderKey(key)]
}

// Del removes key, matched case-insensitively.
func (h Headers) Del(key string) {
	delete(h, textproto.CanonicalMIMEHeaderKey(key))
}

// Clone returns an independent copy of h with canonicalized keys.
// Cloning a nil map returns an empty, usable map.
func (h Headers) Clone() Headers {
	out := make(Headers, len(h))
	for key, value := range h {
		out.Set(key, value)
	}
	return out
}

// Normalized returns h with every key in canonical form. Decoded wire data
// may carry keys in arbitrary case; descriptors are normalized right after
// decoding so the rest of the pipeline can rely on canonical keys.
func (h Headers) Normalized() Headers {
	return h.Clone()
}

// supportedMethods are the HTTP methods a request descriptor may carry.
var supportedMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true,
	"DELETE": true, "PATCH": true, "HEAD": true,
}

// RequestDescriptor is the decrypted form of a tunneled HTTP request.
// The URL is the full upstream URL and exists only inside the sealed
// payload; it must never appear on the wire or in logs.
type RequestDescriptor struct {
	Method  string  `cbor:"method"`
	URL     string  `cbor:"url"`
	Headers Headers `cbor:"headers,omitempty"`
	Body    []byte  `cbor:"body,omitempty"`
}

// Validate checks that the descriptor names a supported method and a
// complete absolute upstream URL.
func (d *RequestDescriptor) Validate() error {
	if !supportedMethods[d.Method] {
		return fmt.Errorf("unsupported method %q", d.Method)
	}
	u, err := url.Parse(d.URL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("url scheme must be http or https; got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("url is missing a host")
	}
	return nil
}

// ResponseDescriptor is the decrypted form of a tunneled HTTP response.
//
// ProxyError distinguishes proxy-level forwarding failures (upstream
// unreachable, DNS failure, timeout) from upstream application errors:
// an upstream 4xx/5xx arrives with ProxyError empty and the real status
// and body intact, while a forwarding failure sets ProxyError and carries
// no upstream data.
type ResponseDescriptor struct {
	StatusCode int     `cbor:"status_code"`
	Headers    Headers `cbor:"headers,omitempty"`
	Body       []byte  `cbor:"body,omitempty"`
	ProxyError string  `cbor:"proxy_error,omitempty"`
}

// IsProxyFault reports whether the response describes a proxy-level
// forwarding failure rather than an upstream response.
func (d *ResponseDescriptor) IsProxyFault() bool {
	return d.ProxyError != ""
}
