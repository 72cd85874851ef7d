// Package httputil builds the HTTP clients used for upstream APIs.
package httputil

import (
	"net/http"
	"time"
)

const DefaultTimeout = 15 * time.Second

// NewClient returns an HTTP client with the given timeout, or DefaultTimeout
// when zero, that sets headers on every request that does not already carry
// them.
func NewClient(timeout time.Duration, headers map[string]string) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	var rt http.RoundTripper = http.DefaultTransport
	if len(headers) > 0 {
		rt = &headerTransport{base: rt, headers: headers}
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: rt,
	}
}

type headerTransport struct {
	base    http.RoundTripper
	headers map[string]string
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	var clone *http.Request
	for k, v := range t.headers {
		if v == "" || req.Header.Get(k) != "" {
			continue
		}
		if clone == nil {
			// RoundTrippers must not modify the caller's request.
			clone = req.Clone(req.Context())
		}
		clone.Header.Set(k, v)
	}
	if clone == nil {
		clone = req
	}
	return t.base.RoundTrip(clone)
}
