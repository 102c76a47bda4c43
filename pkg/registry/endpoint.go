package registry

import (
	"fmt"
	"regexp"
	"strings"
)

var localhost = regexp.MustCompile(`(?i)^(127\.[\d.]+|\[?[0:]+1\]?|localhost)(:\d+)?$`)

// Endpoint contains the result of a parsed registry base url like the
// following:
// * localhost:5000
// * registry.example.org
// * https://example.org/mirror
//
// All API paths are resolved relative to the /v2/ root below the endpoint.
type Endpoint struct {
	Scheme string
	Host   string
	Prefix string
}

// String returns the normalized form of the endpoint (i.e. with a guaranteed
// scheme and without a trailing slash) - if the endpoint is empty, "<empty>"
// is returned
func (e Endpoint) String() string {
	if len(e.Host) == 0 {
		return "<empty>"
	}

	return fmt.Sprintf("%s://%s%s", e.Scheme, e.Host, e.Prefix)
}

// URL returns the address of the given path below the /v2/ root
func (e Endpoint) URL(path string) string {
	return fmt.Sprintf("%s/v2/%s", e, strings.TrimPrefix(path, "/"))
}

// ParseEndpoint parses the given base url and returns an error if it doesn't
// look correct. Without an explicit scheme https is used, unless the host
// points to a local address.
func ParseEndpoint(base string) (*Endpoint, error) {
	base = strings.Trim(base, " \n\t")

	if len(base) == 0 {
		return &Endpoint{}, fmt.Errorf("passed an empty registry url")
	}

	e := &Endpoint{}

	if strings.Contains(base, "://") {
		e.Scheme, base = bisect(base, "://")
		e.Scheme = strings.ToLower(e.Scheme)

		if e.Scheme != "http" && e.Scheme != "https" {
			return &Endpoint{}, fmt.Errorf("unsupported scheme %s", e.Scheme)
		}
	}

	// anything after the host is a path prefix (e.g. a reverse proxy mount)
	base = strings.TrimRight(base, "/")

	if strings.Contains(base, "/") {
		var prefix string
		e.Host, prefix = bisect(base, "/")
		e.Prefix = "/" + prefix
	} else {
		e.Host = base
	}

	// people tend to paste the api root
	e.Prefix = strings.TrimSuffix(e.Prefix, "/v2")

	if len(e.Host) == 0 {
		return &Endpoint{}, fmt.Errorf("could not find a host in %s", base)
	}

	if len(e.Scheme) == 0 {
		e.Scheme = "https"

		if localhost.MatchString(e.Host) {
			e.Scheme = "http"
		}
	}

	return e, nil
}
