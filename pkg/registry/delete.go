package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opencontainers/go-digest"
)

// PendingRestore describes the tags that lose their binding when a shared
// manifest is deleted and that have to be pushed again with the exact same
// bytes
type PendingRestore struct {
	Repository string
	Tag        string
	Digest     digest.Digest
	Manifest   []byte
	Tags       []string
	Created    time.Time
}

// Journal keeps pending restorations outside of the process. A record is
// written before a shared manifest is deleted and resolved once all of its
// tags point to the manifest again. A crash in between leaves the record
// behind for manual reconciliation.
type Journal interface {
	Record(p *PendingRestore) error
	Resolve(p *PendingRestore) error
}

// DeleteResult contains what DeleteTag changed on the registry
type DeleteResult struct {
	Tag           string
	Digest        digest.Digest
	DeletedLayers []digest.Digest
	RestoredTags  []string
}

// DeleteTag removes the tag from the repository without losing the other
// tags that point to the same manifest. The registry can only delete
// manifests by digest, which unbinds all those tags, so they are pushed
// again afterwards.
//
// If deleteLayers is true, the layers no other tag of this repository uses
// are deleted as well. Repositories sharing blobs with this one through
// registry side deduplication are not considered.
//
// All reads happen before the manifest is deleted. If the process dies
// after that, the tags in the pending restore are gone until restored (see
// Journal). Calling DeleteTag again is no remedy, the manifest can no
// longer be fetched.
//
// On error, the returned result describes the changes made before the
// failure (it is nil if nothing was changed).
func (r *Repository) DeleteTag(ctx context.Context, tag string, deleteLayers bool) (*DeleteResult, error) {

	// the read phase has to complete before anything is changed
	d, raw, err := r.GetManifest(ctx, tag)
	if err != nil {
		return nil, err
	}

	m, err := ParseManifest(d, raw)
	if err != nil {
		return nil, err
	}

	used, err := r.otherLayerDigests(ctx, tag)
	if err != nil {
		return nil, err
	}

	// layers that become unreferenced within this repository
	candidates := make(digestSet)
	for _, layer := range m.LayerDigests() {
		if !used.has(layer) {
			candidates.add(layer)
		}
	}

	bound, err := r.ListTagsByDigest(ctx, d)
	if err != nil {
		return nil, err
	}

	pending := &PendingRestore{
		Repository: r.Name,
		Tag:        tag,
		Digest:     d,
		Manifest:   raw,
		Tags:       without(bound, tag),
		Created:    time.Now().UTC(),
	}

	journaled := r.journal != nil && len(pending.Tags) > 0
	if journaled {
		if err := r.journal.Record(pending); err != nil {
			return nil, fmt.Errorf("error recording pending restore of %s@%s: %v", r, d, err)
		}
	}

	r.logger.Debug("deleting tag", "repository", r.Name, "tag", tag, "digest", d,
		"preserve", pending.Tags, "candidates", len(candidates))

	// the mutate phase starts here
	if err := r.DeleteManifest(ctx, d); err != nil {

		// the registry refused, the manifest is still there
		var herr *HTTPError
		if journaled && errors.As(err, &herr) {
			r.resolve(pending)
		}

		return nil, err
	}

	result := &DeleteResult{Tag: tag, Digest: d}

	// layers only go after the manifest that references them
	if deleteLayers {
		for _, layer := range candidates.sorted() {
			if err := r.DeleteLayer(ctx, layer); err != nil {
				return result, err
			}

			result.DeletedLayers = append(result.DeletedLayers, layer)
		}
	}

	restored, err := r.Restore(ctx, pending)
	result.RestoredTags = restored

	if err != nil {
		return result, err
	}

	if journaled {
		r.resolve(pending)
	}

	return result, nil
}

// Restore pushes the manifest of the pending restore under each of its
// tags, stopping at the first failure. A digest other than the original one
// aborts with a DigestMismatchError. The tags restored so far are returned.
func (r *Repository) Restore(ctx context.Context, p *PendingRestore) ([]string, error) {
	restored := []string{}

	for _, tag := range p.Tags {
		actual, err := r.PutManifest(ctx, tag, p.Manifest)
		if err != nil {
			return restored, err
		}

		if actual != p.Digest {
			err := &DigestMismatchError{
				Repository: r.Name,
				Tag:        tag,
				Expected:   p.Digest,
				Actual:     actual,
			}

			r.logger.Error("digest mismatch, aborting restore", "err", err)
			return restored, err
		}

		restored = append(restored, tag)
		r.logger.Info("restored tag", "repository", r.Name, "tag", tag, "digest", p.Digest)
	}

	return restored, nil
}

// resolve removes the pending restore from the journal. A failure is only
// logged: the registry is consistent at this point and the stale record is
// harmless to restore again.
func (r *Repository) resolve(p *PendingRestore) {
	if err := r.journal.Resolve(p); err != nil {
		r.logger.Warn("could not resolve pending restore", "repository", p.Repository,
			"digest", p.Digest, "err", err)
	}
}

func without(values []string, value string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v != value {
			out = append(out, v)
		}
	}

	return out
}
