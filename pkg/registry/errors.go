package registry

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/opencontainers/go-digest"
)

var (
	// ErrUnreachableRegistry is returned if the /v2/ ping fails
	ErrUnreachableRegistry = errors.New("registry unreachable")

	// ErrRepositoryNotFound is returned for repositories without tags or
	// repositories missing from the catalog
	ErrRepositoryNotFound = errors.New("repository not found")

	// ErrTagNotFound is returned if the registry answers 404 for a tag
	ErrTagNotFound = errors.New("tag not found")

	// ErrMalformedManifest is returned if a manifest lacks required keys
	ErrMalformedManifest = errors.New("malformed manifest")

	// ErrMalformedConfig is returned if an image config lacks required keys
	ErrMalformedConfig = errors.New("malformed config")

	// ErrMissingDigest is returned if a manifest response carries no
	// Docker-Content-Digest header
	ErrMissingDigest = errors.New("missing Docker-Content-Digest header")
)

// TransportError is a connection level failure (dns, tcp, tls, timeouts)
type TransportError struct {
	Method string
	Path   string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("error requesting %s %s: %v", e.Method, e.Path, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ErrorDescriptor is a single entry of the error body a registry returns
// alongside non-2xx responses
type ErrorDescriptor struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (d ErrorDescriptor) String() string {
	return fmt.Sprintf("%s: %s", d.Code, d.Message)
}

// HTTPError is returned for every response outside the 2xx range
type HTTPError struct {
	Method string
	Path   string
	Status int
	Errors []ErrorDescriptor
}

func (e *HTTPError) Error() string {
	msg := fmt.Sprintf("%s %s failed with %d %s", e.Method, e.Path, e.Status, http.StatusText(e.Status))

	if len(e.Errors) == 0 {
		return msg
	}

	details := make([]string, len(e.Errors))
	for i, d := range e.Errors {
		details[i] = d.String()
	}

	return fmt.Sprintf("%s (%s)", msg, strings.Join(details, ", "))
}

// IsNotFound returns true if the given error is an HTTPError with status 404
func IsNotFound(err error) bool {
	var herr *HTTPError
	return errors.As(err, &herr) && herr.Status == http.StatusNotFound
}

// DigestMismatchError is returned when a re-pushed manifest comes back with
// a different digest than the one it was fetched under. Layers may already
// have been deleted at this point, so this must never be mistaken for an
// ordinary lookup failure.
type DigestMismatchError struct {
	Repository string
	Tag        string
	Expected   digest.Digest
	Actual     digest.Digest
}

func (e *DigestMismatchError) Error() string {
	return fmt.Sprintf(
		"DIGEST MISMATCH restoring %s:%s: expected %s, registry returned %s (deleted layers may be unrecoverable)",
		e.Repository, e.Tag, e.Expected, e.Actual)
}

// RepositoryDeletionError names the tag at which a repository deletion
// stopped. Tags in Deleted were removed before the failure and stay removed.
type RepositoryDeletionError struct {
	Repository string
	Tag        string
	Deleted    []string
	Err        error
}

func (e *RepositoryDeletionError) Error() string {
	return fmt.Sprintf("error deleting %s:%s (%d tags deleted before): %v",
		e.Repository, e.Tag, len(e.Deleted), e.Err)
}

func (e *RepositoryDeletionError) Unwrap() error {
	return e.Err
}
