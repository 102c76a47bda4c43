package registry

import (
	"context"
	"fmt"
	"net/http"
	"sort"

	"github.com/charmbracelet/log"
	"github.com/opencontainers/go-digest"
)

// Repository binds the operations on a single repository of a registry
type Repository struct {
	Name    string
	api     *Client
	logger  *log.Logger
	journal Journal
}

type tagList struct {
	Name string   `json:"name"`
	Tags []string `json:"tags"`
}

func (r *Repository) String() string {
	return r.Name
}

// ListTags returns the sorted tag names of the repository. Repositories
// without tags yield an empty list.
func (r *Repository) ListTags(ctx context.Context) ([]string, error) {
	tags := []string{}
	path := fmt.Sprintf("%s/tags/list", r.Name)

	for path != "" {
		lst := &tagList{}

		res, err := r.api.getJSON(ctx, path, lst)
		if err != nil {
			return nil, fmt.Errorf("error listing tags of %s: %w", r, err)
		}

		// registries report "tags": null for emptied repositories
		tags = append(tags, lst.Tags...)
		path = nextPage(res)
	}

	sort.Strings(tags)
	return tags, nil
}

// ListTagsByDigest returns the sorted names of all tags currently bound to
// the given manifest digest. Every manifest is fetched, there's no shortcut.
func (r *Repository) ListTagsByDigest(ctx context.Context, d digest.Digest) ([]string, error) {
	tags, err := r.ListTags(ctx)
	if err != nil {
		return nil, err
	}

	matches := []string{}
	for _, tag := range tags {
		current, _, err := r.GetManifest(ctx, tag)
		if err != nil {
			return nil, err
		}

		if current == d {
			matches = append(matches, tag)
		}
	}

	return matches, nil
}

// GetManifest returns the digest and the raw bytes of the schema 2 manifest
// the tag points to
func (r *Repository) GetManifest(ctx context.Context, tag string) (digest.Digest, []byte, error) {
	path := fmt.Sprintf("%s/manifests/%s", r.Name, tag)

	res, err := r.api.Call(ctx, http.MethodGet, path, http.Header{
		"Accept": {ManifestMimeType},
	}, nil)

	if err != nil {
		if IsNotFound(err) {
			return "", nil, fmt.Errorf("%w: %s:%s: %w", ErrTagNotFound, r, tag, err)
		}

		return "", nil, fmt.Errorf("error requesting manifest %s:%s: %w", r, tag, err)
	}

	raw, err := read(res)
	if err != nil {
		return "", nil, err
	}

	d := digest.Digest(res.Header.Get("Docker-Content-Digest"))
	if len(d) == 0 {
		return "", nil, fmt.Errorf("%w: GET %s", ErrMissingDigest, path)
	}

	return d, raw, nil
}

// getParsedManifest fetches and parses the manifest of the tag
func (r *Repository) getParsedManifest(ctx context.Context, tag string) (*Manifest, error) {
	d, raw, err := r.GetManifest(ctx, tag)
	if err != nil {
		return nil, err
	}

	return ParseManifest(d, raw)
}

// ListLayerDigests returns the layer digests of the tag's manifest in
// manifest order, derived from a single fetch
func (r *Repository) ListLayerDigests(ctx context.Context, tag string) ([]digest.Digest, error) {
	m, err := r.getParsedManifest(ctx, tag)
	if err != nil {
		return nil, err
	}

	return m.LayerDigests(), nil
}

// ListOtherLayerDigests returns the union of the layer digests of every tag
// in the repository, except for the given one
func (r *Repository) ListOtherLayerDigests(ctx context.Context, except string) ([]digest.Digest, error) {
	used, err := r.otherLayerDigests(ctx, except)
	if err != nil {
		return nil, err
	}

	return used.sorted(), nil
}

func (r *Repository) otherLayerDigests(ctx context.Context, except string) (digestSet, error) {
	tags, err := r.ListTags(ctx)
	if err != nil {
		return nil, err
	}

	used := make(digestSet)
	for _, tag := range tags {
		if tag == except {
			continue
		}

		layers, err := r.ListLayerDigests(ctx, tag)
		if err != nil {
			return nil, err
		}

		used.add(layers...)
	}

	return used, nil
}

// PutManifest pushes the raw manifest under the given tag and returns the
// digest the registry computed for it
func (r *Repository) PutManifest(ctx context.Context, tag string, raw []byte) (digest.Digest, error) {
	path := fmt.Sprintf("%s/manifests/%s", r.Name, tag)

	res, err := r.api.Call(ctx, http.MethodPut, path, http.Header{
		"Content-Type": {ManifestMimeType},
	}, raw)

	if err != nil {
		return "", fmt.Errorf("error pushing manifest %s:%s: %w", r, tag, err)
	}

	res.Body.Close()

	d := digest.Digest(res.Header.Get("Docker-Content-Digest"))
	if len(d) == 0 {
		return "", fmt.Errorf("%w: PUT %s", ErrMissingDigest, path)
	}

	return d, nil
}

// DeleteManifest deletes the manifest with the given digest. This removes
// every tag bound to the digest, not just one of them.
func (r *Repository) DeleteManifest(ctx context.Context, d digest.Digest) error {
	res, err := r.api.Call(ctx, http.MethodDelete, fmt.Sprintf("%s/manifests/%s", r.Name, d), nil, nil)
	if err != nil {
		return fmt.Errorf("error deleting manifest %s@%s: %w", r, d, err)
	}

	res.Body.Close()
	r.logger.Info("deleted manifest", "repository", r.Name, "digest", d)

	return nil
}

// DeleteLayer deletes the layer blob with the given digest. Only ever call
// this for layers no remaining manifest of the repository refers to.
func (r *Repository) DeleteLayer(ctx context.Context, d digest.Digest) error {
	res, err := r.api.Call(ctx, http.MethodDelete, fmt.Sprintf("%s/blobs/%s", r.Name, d), nil, nil)
	if err != nil {
		return fmt.Errorf("error deleting layer %s@%s: %w", r, d, err)
	}

	res.Body.Close()
	r.logger.Info("deleted layer", "repository", r.Name, "digest", d)

	return nil
}

// getBlob downloads the blob with the given digest into memory
func (r *Repository) getBlob(ctx context.Context, d digest.Digest) ([]byte, error) {
	res, err := r.api.Call(ctx, http.MethodGet, fmt.Sprintf("%s/blobs/%s", r.Name, d), nil, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to download %s@%s: %w", r, d, err)
	}

	return read(res)
}

