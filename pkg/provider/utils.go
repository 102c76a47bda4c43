package provider

import (
	"net/http"
	"strings"
)

type boundHeadersTransport struct {
	base    http.RoundTripper
	headers map[string]string
}

func (t *boundHeadersTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// round trippers must not modify the caller's request
	req = req.Clone(req.Context())

	for k, v := range t.headers {
		req.Header.Set(k, v)
	}

	return t.base.RoundTrip(req)
}

// clientWithHeaders returns an http.Client which sets the given headers on
// each request sent to the server
func clientWithHeaders(headers map[string]string) *http.Client {
	return &http.Client{
		Transport: &boundHeadersTransport{
			headers: headers,
			base:    http.DefaultTransport,
		},
	}
}

// credential returns the part of the auth string after the given scheme
// prefix (e.g. "token:") and whether the prefix was present
func credential(auth string, scheme string) (string, bool) {
	prefix := scheme + ":"

	if !strings.HasPrefix(auth, prefix) {
		return "", false
	}

	return strings.TrimPrefix(auth, prefix), true
}
