package changecache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blurrycontour/zuul-gerrit-sub000/pkg/model"
)

func testCache(t *testing.T) *Cache {
	t.Helper()
	c, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestPutGet(t *testing.T) {
	c := testCache(t)

	change := &model.Change{Project: "org/p1", Number: "42", Patchset: "1", Branch: "master"}
	require.NoError(t, c.Put(change, 100))

	got, err := c.Get(change.CacheKey(), 50)
	require.NoError(t, err)
	assert.Equal(t, "org/p1", got.Project)

	// A higher min ltime invalidates the entry
	_, err = c.Get(change.CacheKey(), 200)
	assert.Error(t, err)

	_, err = c.Get("org/p1/999/1", 0)
	assert.Error(t, err)
}

func TestBranchLtimes(t *testing.T) {
	c := testCache(t)

	assert.Zero(t, c.BranchLtime("org/p1", "master"))
	require.NoError(t, c.SetBranchLtime("org/p1", "master", 123))
	assert.Equal(t, int64(123), c.BranchLtime("org/p1", "master"))
}

func TestPruneKeepsReferencedChanges(t *testing.T) {
	c := testCache(t)

	old := &model.Change{Project: "org/p1", Number: "1", Patchset: "1"}
	kept := &model.Change{Project: "org/p1", Number: "2", Patchset: "1"}
	require.NoError(t, c.Put(old, 1))
	require.NoError(t, c.Put(kept, 1))

	// Zero max age makes everything stale; only the referenced key stays
	n, err := c.Prune(-time.Second, func(key string) bool {
		return key == kept.CacheKey()
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	changes, err := c.List()
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, kept.CacheKey(), changes[0].CacheKey())
}
