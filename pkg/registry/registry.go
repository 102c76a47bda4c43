package registry

import (
	"context"
	"fmt"
	"sort"

	"github.com/charmbracelet/log"
	"github.com/opencontainers/go-digest"
)

// Registry provides the catalog wide operations of a registry. Repository
// handles created by it share its client.
type Registry struct {
	api     *Client
	logger  *log.Logger
	journal Journal
}

// ImageRef points to a tag in a repository
type ImageRef struct {
	Repository string
	Tag        string
}

func (i ImageRef) String() string {
	return fmt.Sprintf("%s:%s", i.Repository, i.Tag)
}

type catalog struct {
	Repositories []string `json:"repositories"`
}

// Open connects to the registry described by the options. The registry is
// pinged right away, so an unreachable registry fails here and not in the
// middle of an operation.
func Open(ctx context.Context, opts Options) (*Registry, error) {
	api, err := NewClient(ctx, opts)
	if err != nil {
		return nil, err
	}

	return &Registry{
		api:     api,
		logger:  opts.logger(),
		journal: opts.Journal,
	}, nil
}

// Endpoint returns the endpoint of the registry
func (r *Registry) Endpoint() Endpoint {
	return r.api.Endpoint()
}

// ListAllRepositoryNames returns the sorted names of all repositories in the
// catalog, including the ones without tags
func (r *Registry) ListAllRepositoryNames(ctx context.Context) ([]string, error) {
	names := []string{}
	path := "_catalog"

	for path != "" {
		c := &catalog{}

		res, err := r.api.getJSON(ctx, path, c)
		if err != nil {
			return nil, fmt.Errorf("error reading catalog: %w", err)
		}

		names = append(names, c.Repositories...)
		path = nextPage(res)
	}

	sort.Strings(names)
	return names, nil
}

// ListRepositoryNames returns the sorted names of the repositories with at
// least one tag. This costs one tag listing per repository.
func (r *Registry) ListRepositoryNames(ctx context.Context) ([]string, error) {
	all, err := r.ListAllRepositoryNames(ctx)
	if err != nil {
		return nil, err
	}

	names := []string{}
	for _, name := range all {
		tags, err := r.repository(name).ListTags(ctx)

		// some storage drivers forget repositories once their last tag is gone
		if IsNotFound(err) {
			r.logger.Debug("skipping unknown repository", "repository", name)
			continue
		}
		if err != nil {
			return nil, err
		}

		if len(tags) > 0 {
			names = append(names, name)
		}
	}

	return names, nil
}

// HasRepository returns true if the repository exists and has tags
func (r *Registry) HasRepository(ctx context.Context, name string) (bool, error) {
	names, err := r.ListRepositoryNames(ctx)
	if err != nil {
		return false, err
	}

	i := sort.SearchStrings(names, name)
	return i < len(names) && names[i] == name, nil
}

// Repository returns a handle for the repository with the given name, or
// ErrRepositoryNotFound if there's no such repository with tags
func (r *Registry) Repository(ctx context.Context, name string) (*Repository, error) {
	ok, err := r.HasRepository(ctx, name)
	if err != nil {
		return nil, err
	}

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRepositoryNotFound, name)
	}

	return r.repository(name), nil
}

func (r *Registry) repository(name string) *Repository {
	return &Repository{
		Name:    name,
		api:     r.api,
		logger:  r.logger,
		journal: r.journal,
	}
}

// FindImagesByDigest returns all tags in all repositories whose manifest
// has the given digest, ordered by repository and tag. The registry offers
// no index for this, so every manifest in the catalog is fetched.
func (r *Registry) FindImagesByDigest(ctx context.Context, d digest.Digest) ([]ImageRef, error) {
	names, err := r.ListAllRepositoryNames(ctx)
	if err != nil {
		return nil, err
	}

	refs := []ImageRef{}
	for _, name := range names {
		repo := r.repository(name)

		tags, err := repo.ListTags(ctx)
		if IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}

		for _, tag := range tags {
			current, _, err := repo.GetManifest(ctx, tag)
			if err != nil {
				return nil, err
			}

			if current == d {
				refs = append(refs, ImageRef{Repository: name, Tag: tag})
			}
		}
	}

	return refs, nil
}

// DeleteRepository deletes every tag of the repository using DeleteTag, in
// the order the tags were listed when the deletion started. The first
// failure stops the deletion and is returned as RepositoryDeletionError,
// tags deleted until then stay deleted.
func (r *Registry) DeleteRepository(ctx context.Context, name string, deleteLayers bool) error {
	repo, err := r.Repository(ctx, name)
	if err != nil {
		return err
	}

	tags, err := repo.ListTags(ctx)
	if err != nil {
		return err
	}

	deleted := []string{}
	for _, tag := range tags {
		if _, err := repo.DeleteTag(ctx, tag, deleteLayers); err != nil {
			return &RepositoryDeletionError{
				Repository: name,
				Tag:        tag,
				Deleted:    deleted,
				Err:        err,
			}
		}

		deleted = append(deleted, tag)
	}

	r.logger.Info("deleted repository", "repository", name, "tags", len(deleted))
	return nil
}

// RestorePending pushes the manifest of a pending restore under its tags
// again and resolves the record in the journal once all of them are back.
// The repository may have no tags left at this point.
func (r *Registry) RestorePending(ctx context.Context, p *PendingRestore) ([]string, error) {
	repo := r.repository(p.Repository)

	restored, err := repo.Restore(ctx, p)
	if err != nil {
		return restored, err
	}

	if r.journal != nil {
		if err := r.journal.Resolve(p); err != nil {
			return restored, fmt.Errorf("error resolving pending restore: %v", err)
		}
	}

	return restored, nil
}
