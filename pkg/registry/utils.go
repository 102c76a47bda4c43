package registry

import (
	"net/http"
	"regexp"
	"sort"
	"strings"

	"github.com/opencontainers/go-digest"
)

var nextlink = regexp.MustCompile(`<([^>]+)>\s*;\s*rel="?next"?`)

func bisect(text string, delimiter string) (string, string) {
	split := strings.SplitN(text, delimiter, 2)
	return split[0], split[1]
}

// nextPage returns the path of the next page announced through the Link
// header, relative to the /v2/ root - or an empty string on the last page
func nextPage(res *http.Response) string {
	match := nextlink.FindStringSubmatch(res.Header.Get("Link"))
	if match == nil {
		return ""
	}

	link := match[1]

	// the link may be absolute, we only care about what follows /v2/
	if i := strings.Index(link, "/v2/"); i >= 0 {
		return link[i+len("/v2/"):]
	}

	return strings.TrimPrefix(link, "/")
}

// digestSet is a set of content digests
type digestSet map[digest.Digest]struct{}

func (s digestSet) add(d ...digest.Digest) {
	for _, v := range d {
		s[v] = struct{}{}
	}
}

func (s digestSet) has(d digest.Digest) bool {
	_, ok := s[d]
	return ok
}

// sorted returns the members of the set in ascending order
func (s digestSet) sorted() []digest.Digest {
	out := make([]digest.Digest, 0, len(s))
	for d := range s {
		out = append(out, d)
	}

	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// bisectOptional splits at the first delimiter, returning the whole text and
// an empty string if the delimiter is missing
func bisectOptional(text string, delimiter string) (string, string) {
	if !strings.Contains(text, delimiter) {
		return text, ""
	}

	return bisect(text, delimiter)
}
