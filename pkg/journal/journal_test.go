package journal

import (
	"os"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/seantis/tagsweep/pkg/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pendingRestore(repository string, manifest string, created time.Time) *registry.PendingRestore {
	return &registry.PendingRestore{
		Repository: repository,
		Tag:        "v1",
		Digest:     digest.FromString(manifest),
		Manifest:   []byte(manifest),
		Tags:       []string{"latest", "v2"},
		Created:    created,
	}
}

// TestRecordAndResolve tests the lifecycle of a pending restore
func TestRecordAndResolve(t *testing.T) {
	j, err := Open(t.TempDir())
	require.NoError(t, err)

	// a trailing newline and indentation must survive the round trip
	manifest := "{\n  \"schemaVersion\": 2,\n  \"layers\": []\n}\n"
	p := pendingRestore("group/app", manifest, time.Date(2019, 6, 1, 12, 0, 0, 0, time.UTC))

	require.NoError(t, j.Record(p))

	pending, err := j.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 1)

	got := pending[0]
	assert.Equal(t, p.Repository, got.Repository)
	assert.Equal(t, p.Tag, got.Tag)
	assert.Equal(t, p.Digest, got.Digest)
	assert.Equal(t, p.Tags, got.Tags)
	assert.True(t, p.Created.Equal(got.Created), "created changed on disk")
	assert.Equal(t, manifest, string(got.Manifest), "manifest bytes changed")

	require.NoError(t, j.Resolve(p))

	pending, err = j.Pending()
	require.NoError(t, err)
	assert.Empty(t, pending)

	// resolving twice is fine
	assert.NoError(t, j.Resolve(p))
}

// TestPendingOrder tests that records are returned oldest first
func TestPendingOrder(t *testing.T) {
	j, err := Open(t.TempDir())
	require.NoError(t, err)

	now := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := pendingRestore("b", `{"b":1}`, now)
	older := pendingRestore("a", `{"a":1}`, now.Add(-time.Hour))

	require.NoError(t, j.Record(newer))
	require.NoError(t, j.Record(older))

	pending, err := j.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 2)

	assert.Equal(t, "a", pending[0].Repository)
	assert.Equal(t, "b", pending[1].Repository)
}

// TestCorruptedRecord tests that a manifest not matching its digest is
// reported instead of handed out for restoring
func TestCorruptedRecord(t *testing.T) {
	j, err := Open(t.TempDir())
	require.NoError(t, err)

	p := pendingRestore("app", `{"schemaVersion":2}`, time.Now().UTC())
	p.Manifest = []byte(`{"schemaVersion":3}`)

	require.NoError(t, j.Record(p))

	_, err = j.Pending()
	assert.Error(t, err, "corrupted record was accepted")

	_, err = os.Stat(j.EntryPath(p))
	assert.NoError(t, err, "corrupted record should stay for inspection")
}
