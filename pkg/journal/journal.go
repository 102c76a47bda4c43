// Package journal keeps the pending tag restorations of running deletions on
// disk, so the tags can be restored by hand if a deletion is interrupted
// after the shared manifest was deleted.
package journal

import (
	"crypto/md5"
	"encoding/base64"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/seantis/tagsweep/pkg/lock"
	"github.com/seantis/tagsweep/pkg/registry"
	"gopkg.in/yaml.v3"
)

// Journal stores one file per pending restore below Path/journal
type Journal struct {
	Path string
}

// entry is the on-disk form of a registry.PendingRestore. The manifest is
// base64 encoded, as it has to survive byte for byte.
type entry struct {
	Repository string    `yaml:"repository"`
	DeletedTag string    `yaml:"deleted_tag"`
	Digest     string    `yaml:"digest"`
	Tags       []string  `yaml:"restore_tags"`
	Manifest   string    `yaml:"manifest"`
	Created    time.Time `yaml:"created"`
}

// Open returns the journal in the given folder
func Open(folder string) (*Journal, error) {
	if err := os.MkdirAll(path.Join(folder, "journal"), 0755); err != nil {
		return nil, fmt.Errorf("could not create journal in %s: %v", folder, err)
	}

	return &Journal{Path: folder}, nil
}

// EntryPath returns the path of the file holding the given pending restore
func (j *Journal) EntryPath(p *registry.PendingRestore) string {
	key := fmt.Sprintf("%s@%s", p.Repository, p.Digest)
	return path.Join(j.Path, "journal", fmt.Sprintf("%x.yaml", md5.Sum([]byte(key))))
}

// Record writes the pending restore to disk, replacing an older record of
// the same manifest in the same repository
func (j *Journal) Record(p *registry.PendingRestore) error {
	defer j.lockJournal().MustUnlock()

	data, err := yaml.Marshal(&entry{
		Repository: p.Repository,
		DeletedTag: p.Tag,
		Digest:     p.Digest.String(),
		Tags:       p.Tags,
		Manifest:   base64.StdEncoding.EncodeToString(p.Manifest),
		Created:    p.Created,
	})

	if err != nil {
		return fmt.Errorf("error encoding pending restore: %v", err)
	}

	// write and rename, so a crash never leaves half a record behind
	file := j.EntryPath(p)
	temp := file + ".tmp"

	if err := os.WriteFile(temp, data, 0644); err != nil {
		return fmt.Errorf("error writing %s: %v", temp, err)
	}

	if err := os.Rename(temp, file); err != nil {
		return fmt.Errorf("error writing %s: %v", file, err)
	}

	return nil
}

// Resolve removes the pending restore from disk, it is no error if the
// record does not exist
func (j *Journal) Resolve(p *registry.PendingRestore) error {
	defer j.lockJournal().MustUnlock()

	file := j.EntryPath(p)
	if err := os.Remove(file); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("error removing %s: %v", file, err)
	}

	return nil
}

// Pending returns all recorded restores, oldest first
func (j *Journal) Pending() ([]*registry.PendingRestore, error) {
	defer j.lockJournal().MustUnlock()

	selector := fmt.Sprintf("%s/journal/*.yaml", j.Path)

	files, err := filepath.Glob(selector)
	if err != nil {
		return nil, fmt.Errorf("error reading %s: %v", selector, err)
	}

	pending := make([]*registry.PendingRestore, 0, len(files))

	for _, file := range files {
		p, err := readEntry(file)
		if err != nil {
			return nil, err
		}

		pending = append(pending, p)
	}

	sort.SliceStable(pending, func(a, b int) bool {
		return pending[a].Created.Before(pending[b].Created)
	})

	return pending, nil
}

func readEntry(file string) (*registry.PendingRestore, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("error reading %s: %v", file, err)
	}

	e := &entry{}
	if err := yaml.Unmarshal(data, e); err != nil {
		return nil, fmt.Errorf("error parsing %s: %v", file, err)
	}

	manifest, err := base64.StdEncoding.DecodeString(e.Manifest)
	if err != nil {
		return nil, fmt.Errorf("error decoding manifest in %s: %v", file, err)
	}

	// pushing a corrupted manifest would only end in a digest mismatch
	d := digest.Digest(e.Digest)
	if d.Validate() == nil && d.Algorithm().FromBytes(manifest) != d {
		return nil, fmt.Errorf("manifest in %s does not match %s", file, d)
	}

	return &registry.PendingRestore{
		Repository: e.Repository,
		Tag:        e.DeletedTag,
		Digest:     d,
		Manifest:   manifest,
		Tags:       e.Tags,
		Created:    e.Created,
	}, nil
}

func (j *Journal) lockJournal() *lock.InterProcessLock {
	l := &lock.InterProcessLock{Path: path.Join(j.Path, "journal", ".lock")}
	l.MustLock()

	return l
}
