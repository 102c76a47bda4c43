package registry

import (
	"context"
	"time"
)

// TagInfo aggregates the metadata of a tag from its manifest and its config
// blob
type TagInfo struct {
	Name           string
	Digest         string
	ImageID        string
	OS             string
	Architecture   string
	DockerVersion  string
	Author         string
	CompressedSize int64
	Created        time.Time
	Labels         map[string]string
}

// GetInfo fetches the manifest and the config blob of the tag and returns
// the combined metadata
func (r *Repository) GetInfo(ctx context.Context, tag string) (*TagInfo, error) {
	m, err := r.getParsedManifest(ctx, tag)
	if err != nil {
		return nil, err
	}

	raw, err := r.getBlob(ctx, m.Config.Digest)
	if err != nil {
		return nil, err
	}

	config, err := ParseImageConfig(m.Config.Digest, raw)
	if err != nil {
		return nil, err
	}

	// validated by ParseImageConfig
	created, _ := config.CreatedTime()

	return &TagInfo{
		Name:           tag,
		Digest:         m.Digest.String(),
		ImageID:        m.ImageID(),
		OS:             *config.OS,
		Architecture:   *config.Architecture,
		DockerVersion:  *config.DockerVersion,
		Author:         config.Author,
		CompressedSize: m.CompressedSize(),
		Created:        created,
		Labels:         config.RuntimeLabels(),
	}, nil
}
