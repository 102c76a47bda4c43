package registry

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

var (
	// ManifestMimeType is the mime type used to get and put manifests
	ManifestMimeType = "application/vnd.docker.distribution.manifest.v2+json"

	// createdLayout is the layout of the config's created timestamp, after
	// fractions and zone designators have been cut off
	createdLayout = "2006-01-02T15:04:05"
)

// Manifest represents a Docker Image Manifest
// * https://github.com/docker/distribution/blob/master/docs/spec/manifest-v2-2.md
// * application/vnd.docker.distribution.manifest.v2+json
type Manifest struct {
	Digest        digest.Digest        `json:"-"`
	Raw           []byte               `json:"-"`
	SchemaVersion int                  `json:"schemaVersion"`
	MediaType     string               `json:"mediaType"`
	Config        ocispec.Descriptor   `json:"config"`
	Layers        []ocispec.Descriptor `json:"layers"`
}

// ParseManifest parses the raw manifest fetched under the given digest
func ParseManifest(d digest.Digest, raw []byte) (*Manifest, error) {
	m := &Manifest{Digest: d, Raw: raw}

	if err := json.Unmarshal(raw, m); err != nil {
		return nil, fmt.Errorf("%w: error parsing %s: %v", ErrMalformedManifest, d, err)
	}

	// an empty list is fine, a missing one is not
	if m.Layers == nil {
		return nil, fmt.Errorf("%w: %s has no layers", ErrMalformedManifest, d)
	}

	for i, l := range m.Layers {
		if len(l.Digest) == 0 {
			return nil, fmt.Errorf("%w: layer %d of %s has no digest", ErrMalformedManifest, i, d)
		}

		if err := l.Digest.Validate(); err != nil {
			return nil, fmt.Errorf("%w: layer %d of %s: %v", ErrMalformedManifest, i, d, err)
		}
	}

	if len(m.Config.Digest) == 0 {
		return nil, fmt.Errorf("%w: %s has no config digest", ErrMalformedManifest, d)
	}

	if err := m.Config.Digest.Validate(); err != nil {
		return nil, fmt.Errorf("%w: config of %s: %v", ErrMalformedManifest, d, err)
	}

	return m, nil
}

// LayerDigests returns the layer digests in manifest order
func (m *Manifest) LayerDigests() []digest.Digest {
	digests := make([]digest.Digest, len(m.Layers))
	for i, l := range m.Layers {
		digests[i] = l.Digest
	}

	return digests
}

// CompressedSize returns the sum of all layer sizes
func (m *Manifest) CompressedSize() int64 {
	var size int64
	for _, l := range m.Layers {
		size += l.Size
	}

	return size
}

// ImageID returns the short image id, the first 12 hex characters of the
// config digest
func (m *Manifest) ImageID() string {
	id := m.Config.Digest.Encoded()
	if len(id) > 12 {
		return id[:12]
	}

	return id
}

// labels is the part of the image config holding the runtime labels
type labels struct {
	Labels map[string]string `json:"Labels"`
}

// ImageConfig represents the parts of the image config blob we read. The
// pointers distinguish missing keys from empty values.
type ImageConfig struct {
	OS              *string `json:"os"`
	Architecture    *string `json:"architecture"`
	DockerVersion   *string `json:"docker_version"`
	Created         *string `json:"created"`
	Author          string  `json:"author"`
	ContainerConfig *labels `json:"container_config"`
	Config          *labels `json:"config"`
}

// ParseImageConfig parses the config blob and verifies the required keys
func ParseImageConfig(d digest.Digest, raw []byte) (*ImageConfig, error) {
	c := &ImageConfig{}

	if err := json.Unmarshal(raw, c); err != nil {
		return nil, fmt.Errorf("%w: error parsing %s: %v", ErrMalformedConfig, d, err)
	}

	required := map[string]*string{
		"os":             c.OS,
		"architecture":   c.Architecture,
		"docker_version": c.DockerVersion,
		"created":        c.Created,
	}

	for _, key := range []string{"os", "architecture", "docker_version", "created"} {
		if required[key] == nil {
			return nil, fmt.Errorf("%w: %s lacks %s", ErrMalformedConfig, d, key)
		}
	}

	if _, err := c.CreatedTime(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedConfig, d, err)
	}

	return c, nil
}

// CreatedTime parses the created timestamp, ignoring sub-second fractions
// and the zone designator (the value is always treated as UTC)
func (c *ImageConfig) CreatedTime() (time.Time, error) {
	if c.Created == nil {
		return time.Time{}, fmt.Errorf("no created timestamp")
	}

	created, _ := bisectOptional(*c.Created, ".")
	if len(created) > len(createdLayout) {
		created = created[:len(createdLayout)]
	}

	t, err := time.Parse(createdLayout, created)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid created timestamp %q", *c.Created)
	}

	return t, nil
}

// RuntimeLabels returns the container labels, preferring container_config
// like the docker cli does and falling back to config
func (c *ImageConfig) RuntimeLabels() map[string]string {
	if c.ContainerConfig != nil && c.ContainerConfig.Labels != nil {
		return c.ContainerConfig.Labels
	}

	if c.Config != nil && c.Config.Labels != nil {
		return c.Config.Labels
	}

	return map[string]string{}
}
