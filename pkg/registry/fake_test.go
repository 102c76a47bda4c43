package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/dankinder/httpmock"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/require"
)

// fakeRepo is the state of a single repository in the fake registry
type fakeRepo struct {
	tags      map[string]digest.Digest
	manifests map[digest.Digest][]byte
	blobs     map[digest.Digest][]byte
}

// fakeRegistry is a stateful httpmock.Handler speaking enough of the v2 API
// to run deletions against
type fakeRegistry struct {
	mu    sync.Mutex
	repos map[string]*fakeRepo
	calls []string

	// putDigest computes the digest returned for pushed manifests
	putDigest func(raw []byte) digest.Digest

	// fail returns a failure status for the matching "METHOD path" call
	fail map[string]int

	// pageSize splits catalog and tag lists into pages linked through the
	// Link header, zero returns everything at once
	pageSize int

	// forgetEmpty answers tag listings of repositories without tags with
	// NAME_UNKNOWN, like the s3 and inmemory storage drivers do
	forgetEmpty bool
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		repos:     make(map[string]*fakeRepo),
		putDigest: digest.FromBytes,
		fail:      make(map[string]int),
	}
}

func (f *fakeRegistry) repo(name string) *fakeRepo {
	if f.repos[name] == nil {
		f.repos[name] = &fakeRepo{
			tags:      make(map[string]digest.Digest),
			manifests: make(map[digest.Digest][]byte),
			blobs:     make(map[digest.Digest][]byte),
		}
	}

	return f.repos[name]
}

// push stores the manifest under the tag, along with its blobs
func (f *fakeRegistry) push(repository, tag string, raw []byte) digest.Digest {
	f.mu.Lock()
	defer f.mu.Unlock()

	r := f.repo(repository)
	d := digest.FromBytes(raw)
	r.manifests[d] = raw
	r.tags[tag] = d

	m := &Manifest{}
	if json.Unmarshal(raw, m) == nil {
		for _, l := range m.Layers {
			r.blobs[l.Digest] = []byte("layer")
		}
	}

	return d
}

// addBlob stores a blob (e.g. an image config) in the repository
func (f *fakeRegistry) addBlob(repository string, content []byte) digest.Digest {
	f.mu.Lock()
	defer f.mu.Unlock()

	d := digest.FromBytes(content)
	f.repo(repository).blobs[d] = content

	return d
}

func (f *fakeRegistry) tags(repository string) map[string]digest.Digest {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make(map[string]digest.Digest)
	for k, v := range f.repo(repository).tags {
		out[k] = v
	}

	return out
}

func (f *fakeRegistry) hasBlob(repository string, d digest.Digest) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	_, ok := f.repo(repository).blobs[d]
	return ok
}

// mutations returns the recorded PUT and DELETE calls in order
func (f *fakeRegistry) mutations() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := []string{}
	for _, c := range f.calls {
		if !strings.HasPrefix(c, "GET ") {
			out = append(out, c)
		}
	}

	return out
}

func jsonResponse(v interface{}) httpmock.Response {
	body, _ := json.Marshal(v)
	return httpmock.Response{
		Header: http.Header{"Content-Type": {"application/json"}},
		Body:   body,
	}
}

func notFound(code string) httpmock.Response {
	return httpmock.Response{
		Status: http.StatusNotFound,
		Body:   []byte(fmt.Sprintf(`{"errors":[{"code":%q,"message":"not found"}]}`, code)),
	}
}

// Handle implements httpmock.Handler
func (f *fakeRegistry) Handle(method, path string, body []byte) httpmock.Response {
	f.mu.Lock()
	defer f.mu.Unlock()

	path, rawQuery := bisectOptional(path, "?")
	query, _ := url.ParseQuery(rawQuery)

	call := fmt.Sprintf("%s %s", method, path)
	f.calls = append(f.calls, call)

	if status, ok := f.fail[call]; ok {
		return httpmock.Response{Status: status}
	}

	path = strings.TrimPrefix(path, "/v2/")

	switch {
	case path == "" || path == "/v2":
		return jsonResponse(map[string]string{})
	case path == "_catalog":
		names := []string{}
		for name := range f.repos {
			names = append(names, name)
		}
		names, next := f.page("/v2/_catalog", names, query)
		res := jsonResponse(map[string][]string{"repositories": names})
		if next != "" {
			res.Header.Set("Link", next)
		}
		return res
	case strings.HasSuffix(path, "/tags/list"):
		name := strings.TrimSuffix(path, "/tags/list")
		r, ok := f.repos[name]
		if !ok || (f.forgetEmpty && len(r.tags) == 0) {
			return notFound("NAME_UNKNOWN")
		}
		var tags []string
		for tag := range r.tags {
			tags = append(tags, tag)
		}
		tags, next := f.page("/v2/"+path, tags, query)
		res := jsonResponse(map[string]interface{}{"name": name, "tags": tags})
		if next != "" {
			res.Header.Set("Link", next)
		}
		return res
	case strings.Contains(path, "/manifests/"):
		i := strings.LastIndex(path, "/manifests/")
		return f.handleManifest(method, path[:i], path[i+len("/manifests/"):], body)
	case strings.Contains(path, "/blobs/"):
		i := strings.LastIndex(path, "/blobs/")
		return f.handleBlob(method, path[:i], digest.Digest(path[i+len("/blobs/"):]))
	}

	return notFound("UNSUPPORTED")
}

// page returns the sorted values following the "last" query parameter,
// limited to the page size, and the Link header pointing to the next page
func (f *fakeRegistry) page(path string, values []string, query url.Values) ([]string, string) {
	sort.Strings(values)

	if last := query.Get("last"); last != "" {
		values = values[sort.SearchStrings(values, last):]
		if len(values) > 0 && values[0] == last {
			values = values[1:]
		}
	}

	if f.pageSize == 0 || len(values) <= f.pageSize {
		return values, ""
	}

	values = values[:f.pageSize]
	next := fmt.Sprintf(`<%s?n=%d&last=%s>; rel="next"`,
		path, f.pageSize, url.QueryEscape(values[len(values)-1]))

	return values, next
}

func (f *fakeRegistry) handleManifest(method, name, ref string, body []byte) httpmock.Response {
	r := f.repo(name)

	switch method {
	case http.MethodGet:
		d, ok := r.tags[ref]
		if !ok {
			d = digest.Digest(ref)
		}
		raw, ok := r.manifests[d]
		if !ok {
			return notFound("MANIFEST_UNKNOWN")
		}
		return httpmock.Response{
			Header: http.Header{
				"Content-Type":          {ManifestMimeType},
				"Docker-Content-Digest": {d.String()},
			},
			Body: raw,
		}
	case http.MethodPut:
		d := f.putDigest(body)
		r.manifests[d] = body
		r.tags[ref] = d
		return httpmock.Response{
			Status: http.StatusCreated,
			Header: http.Header{"Docker-Content-Digest": {d.String()}},
		}
	case http.MethodDelete:
		d := digest.Digest(ref)
		if _, ok := r.manifests[d]; !ok {
			return notFound("MANIFEST_UNKNOWN")
		}
		delete(r.manifests, d)
		for tag, bound := range r.tags {
			if bound == d {
				delete(r.tags, tag)
			}
		}
		return httpmock.Response{Status: http.StatusAccepted}
	}

	return httpmock.Response{Status: http.StatusMethodNotAllowed}
}

func (f *fakeRegistry) handleBlob(method, name string, d digest.Digest) httpmock.Response {
	r := f.repo(name)

	blob, ok := r.blobs[d]
	if !ok {
		return notFound("BLOB_UNKNOWN")
	}

	switch method {
	case http.MethodGet:
		return httpmock.Response{Body: blob}
	case http.MethodDelete:
		delete(r.blobs, d)
		return httpmock.Response{Status: http.StatusAccepted}
	}

	return httpmock.Response{Status: http.StatusMethodNotAllowed}
}

// manifestJSON returns a schema 2 manifest with the given config and layers
func manifestJSON(config digest.Digest, layers ...digest.Digest) []byte {
	m := Manifest{
		SchemaVersion: 2,
		MediaType:     ManifestMimeType,
		Config: ocispec.Descriptor{
			MediaType: "application/vnd.docker.container.image.v1+json",
			Digest:    config,
			Size:      7023,
		},
		Layers: []ocispec.Descriptor{},
	}

	for i, l := range layers {
		m.Layers = append(m.Layers, ocispec.Descriptor{
			MediaType: "application/vnd.docker.image.rootfs.diff.tar.gzip",
			Digest:    l,
			Size:      int64(1000 * (i + 1)),
		})
	}

	raw, _ := json.MarshalIndent(m, "", "   ")
	return raw
}

func layer(name string) digest.Digest {
	return digest.FromString("layer " + name)
}

// openFake starts an httpmock server for the fake and opens a registry on it
func openFake(t *testing.T, f *fakeRegistry, journal Journal) *Registry {
	server := httpmock.NewServer(f)
	t.Cleanup(server.Close)

	reg, err := Open(context.Background(), Options{
		URL:     server.URL(),
		Logger:  log.New(io.Discard),
		Journal: journal,
	})
	require.NoError(t, err, "error opening fake registry")

	return reg
}

// memoryJournal records pending restores in memory
type memoryJournal struct {
	recorded []*PendingRestore
	resolved []*PendingRestore
}

func (j *memoryJournal) Record(p *PendingRestore) error {
	j.recorded = append(j.recorded, p)
	return nil
}

func (j *memoryJournal) Resolve(p *PendingRestore) error {
	j.resolved = append(j.resolved, p)
	return nil
}
