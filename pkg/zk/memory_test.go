package zk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateGetSetDelete(t *testing.T) {
	c := NewMemoryClient()
	require.NoError(t, c.EnsurePath("/zuul/test"))

	_, err := c.Create("/zuul/test/a", []byte("one"), FlagPersistent)
	require.NoError(t, err)

	data, stat, err := c.Get("/zuul/test/a")
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), data)
	assert.Equal(t, int32(0), stat.Version)

	_, err = c.Set("/zuul/test/a", []byte("two"), stat.Version)
	require.NoError(t, err)

	// Stale version must fail atomically
	_, err = c.Set("/zuul/test/a", []byte("three"), stat.Version)
	assert.ErrorIs(t, err, ErrBadVersion)

	data, stat, err = c.Get("/zuul/test/a")
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), data)

	require.NoError(t, c.Delete("/zuul/test/a", stat.Version))
	_, _, err = c.Get("/zuul/test/a")
	assert.ErrorIs(t, err, ErrNoNode)
}

func TestSequenceNodes(t *testing.T) {
	c := NewMemoryClient()
	require.NoError(t, c.EnsurePath("/zuul/q"))

	first, err := c.Create("/zuul/q/ev-", nil, FlagSequence)
	require.NoError(t, err)
	second, err := c.Create("/zuul/q/ev-", nil, FlagSequence)
	require.NoError(t, err)

	assert.Equal(t, "/zuul/q/ev-0000000000", first)
	assert.Equal(t, "/zuul/q/ev-0000000001", second)

	children, err := c.Children("/zuul/q")
	require.NoError(t, err)
	assert.Equal(t, []string{"ev-0000000000", "ev-0000000001"}, children)
}

func TestEphemeralNodesVanishOnExpire(t *testing.T) {
	c := NewMemoryClient()
	require.NoError(t, c.EnsurePath("/zuul/components"))

	_, err := c.Create("/zuul/components/sched", []byte("{}"), FlagEphemeral)
	require.NoError(t, err)

	lost := c.ConnectionLostCh()
	c.ExpireSession()

	select {
	case <-lost:
	default:
		t.Fatal("connection lost channel not closed")
	}

	exists, _, err := c.Exists("/zuul/components/sched")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestLtimeIsMonotonic(t *testing.T) {
	c := NewMemoryClient()
	a, err := c.Ltime()
	require.NoError(t, err)
	b, err := c.Ltime()
	require.NoError(t, err)
	assert.Greater(t, b, a)
}

func TestWatchTree(t *testing.T) {
	c := NewMemoryClient()
	require.NoError(t, c.EnsurePath("/zuul/layout"))

	events, cancel := c.WatchTree("/zuul/layout")
	defer cancel()

	_, err := c.Create("/zuul/layout/t1", []byte("a"), FlagPersistent)
	require.NoError(t, err)
	_, err = c.Set("/zuul/layout/t1", []byte("b"), AnyVersion)
	require.NoError(t, err)
	require.NoError(t, c.Delete("/zuul/layout/t1", AnyVersion))

	want := []WatchEvent{
		{Type: NodeAdded, Path: "/zuul/layout/t1"},
		{Type: NodeUpdated, Path: "/zuul/layout/t1"},
		{Type: NodeRemoved, Path: "/zuul/layout/t1"},
	}
	for _, expected := range want {
		got := <-events
		assert.Equal(t, expected, got)
	}
}

func TestLockExcludes(t *testing.T) {
	c := NewMemoryClient()

	l1, err := AcquireLock(c, "/zuul/locks/p1", "host-a", false, 0)
	require.NoError(t, err)

	_, err = AcquireLock(c, "/zuul/locks/p1", "host-b", false, 0)
	assert.ErrorIs(t, err, ErrLockContended)

	require.NoError(t, l1.Release())
	// Release is idempotent
	require.NoError(t, l1.Release())

	l2, err := AcquireLock(c, "/zuul/locks/p1", "host-b", false, 0)
	require.NoError(t, err)
	require.NoError(t, l2.Release())
}

func TestLockContenders(t *testing.T) {
	c := NewMemoryClient()

	l1, err := AcquireLock(c, "/zuul/locks/tenant", "host-a", false, 0)
	require.NoError(t, err)
	defer l1.Release()

	// A blocked contender queues behind the holder
	done := make(chan struct{})
	go func() {
		defer close(done)
		l2, err := AcquireLock(c, "/zuul/locks/tenant", "RECONFIG", true, 0)
		if err == nil {
			l2.Release()
		}
	}()

	var ids []string
	require.Eventually(t, func() bool {
		var err error
		ids, err = LockContenders(c, "/zuul/locks/tenant")
		return err == nil && len(ids) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"host-a", "RECONFIG"}, ids)

	require.NoError(t, l1.Release())
	<-done
}

func TestShardedRoundTrip(t *testing.T) {
	c := NewMemoryClient()

	big := make([]byte, shardCap*2+100)
	for i := range big {
		big[i] = byte(i % 251)
	}

	require.NoError(t, WriteSharded(c, "/zuul/config/t/p/b/f", big))

	children, err := c.Children("/zuul/config/t/p/b/f")
	require.NoError(t, err)
	assert.Len(t, children, 3)

	got, err := ReadSharded(c, "/zuul/config/t/p/b/f")
	require.NoError(t, err)
	assert.Equal(t, big, got)

	// Rewrites replace prior shards
	require.NoError(t, WriteSharded(c, "/zuul/config/t/p/b/f", []byte("small")))
	got, err = ReadSharded(c, "/zuul/config/t/p/b/f")
	require.NoError(t, err)
	assert.Equal(t, []byte("small"), got)
}

func TestBlobStoreGC(t *testing.T) {
	c := NewMemoryClient()
	bs := NewBlobStore(c)

	oldKey, err := bs.Put([]byte("old blob"))
	require.NoError(t, err)

	cutoff, err := c.Ltime()
	require.NoError(t, err)

	newKey, err := bs.Put([]byte("new blob"))
	require.NoError(t, err)

	old, err := bs.GetKeysLastUsedBefore(cutoff)
	require.NoError(t, err)
	assert.Contains(t, old, oldKey)
	assert.NotContains(t, old, newKey)

	// Using a blob refreshes its last-used time
	cutoff2, err := c.Ltime()
	require.NoError(t, err)
	_, err = bs.Get(oldKey)
	require.NoError(t, err)

	old, err = bs.GetKeysLastUsedBefore(cutoff2)
	require.NoError(t, err)
	assert.NotContains(t, old, oldKey)

	require.NoError(t, bs.Delete(oldKey))
	_, err = bs.Get(oldKey)
	assert.Error(t, err)
}
