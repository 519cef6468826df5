package semaphore

import (
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blurrycontour/zuul-gerrit-sub000/pkg/model"
	"github.com/blurrycontour/zuul-gerrit-sub000/pkg/zk"
)

func testHandler(c zk.Client, max int) *Handler {
	return NewHandler(c, "acme", func(name string) (model.SemaphoreDef, bool) {
		return model.SemaphoreDef{Name: name, Max: max}, true
	})
}

func testItem() *model.QueueItem {
	return &model.QueueItem{UUID: uuid.NewString()}
}

func TestAcquireRelease(t *testing.T) {
	c := zk.NewMemoryClient()
	h := testHandler(c, 1)
	job := &model.FrozenJob{Name: "job1", Semaphores: []model.JobSemaphore{{Name: "sem1"}}}

	a, b := testItem(), testItem()

	ok, err := h.Acquire(a, job, false)
	require.NoError(t, err)
	assert.True(t, ok)

	// Acquire is idempotent for the same holder
	ok, err = h.Acquire(a, job, false)
	require.NoError(t, err)
	assert.True(t, ok)

	// A second item must wait
	ok, err = h.Acquire(b, job, false)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, h.Release(a, job))

	ok, err = h.Acquire(b, job, false)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestHolderCountNeverExceedsMax(t *testing.T) {
	c := zk.NewMemoryClient()
	h := testHandler(c, 2)
	job := &model.FrozenJob{Name: "job1", Semaphores: []model.JobSemaphore{{Name: "sem1"}}}

	var wg sync.WaitGroup
	acquired := make(chan *model.QueueItem, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			item := testItem()
			ok, err := h.Acquire(item, job, false)
			require.NoError(t, err)
			if ok {
				acquired <- item
			}
		}()
	}
	wg.Wait()
	close(acquired)

	holders, err := h.Holders("sem1")
	require.NoError(t, err)
	assert.LessOrEqual(t, len(holders), 2)
	assert.Len(t, acquired, len(holders))
}

func TestResourcesFirstDefersInRequestPhase(t *testing.T) {
	c := zk.NewMemoryClient()
	h := testHandler(c, 1)
	job := &model.FrozenJob{Name: "job1", Semaphores: []model.JobSemaphore{
		{Name: "sem1", ResourcesFirst: true},
	}}
	item := testItem()

	// Request phase: reported acquired, no holder recorded
	ok, err := h.Acquire(item, job, true)
	require.NoError(t, err)
	assert.True(t, ok)
	holders, err := h.Holders("sem1")
	require.NoError(t, err)
	assert.Empty(t, holders)

	// Launch phase actually takes it
	ok, err = h.Acquire(item, job, false)
	require.NoError(t, err)
	assert.True(t, ok)
	holders, err = h.Holders("sem1")
	require.NoError(t, err)
	assert.Len(t, holders, 1)
}

func TestPartialAcquisitionRollsBack(t *testing.T) {
	c := zk.NewMemoryClient()
	h := testHandler(c, 1)

	blocker := &model.FrozenJob{Name: "hog", Semaphores: []model.JobSemaphore{{Name: "sem2"}}}
	hogItem := testItem()
	ok, err := h.Acquire(hogItem, blocker, false)
	require.NoError(t, err)
	require.True(t, ok)

	// Needs sem1 and sem2; sem2 is full, so sem1 must be rolled back
	job := &model.FrozenJob{Name: "job1", Semaphores: []model.JobSemaphore{
		{Name: "sem1"}, {Name: "sem2"},
	}}
	ok, err = h.Acquire(testItem(), job, false)
	require.NoError(t, err)
	assert.False(t, ok)

	holders, err := h.Holders("sem1")
	require.NoError(t, err)
	assert.Empty(t, holders)
}

func TestCleanupLeaks(t *testing.T) {
	c := zk.NewMemoryClient()
	h := testHandler(c, 2)
	job := &model.FrozenJob{Name: "job1", Semaphores: []model.JobSemaphore{{Name: "sem1"}}}

	live, dead := testItem(), testItem()
	for _, item := range []*model.QueueItem{live, dead} {
		ok, err := h.Acquire(item, job, false)
		require.NoError(t, err)
		require.True(t, ok)
	}

	require.NoError(t, h.CleanupLeaks(func(itemUUID string) bool {
		return itemUUID == live.UUID
	}))

	holders, err := h.Holders("sem1")
	require.NoError(t, err)
	require.Len(t, holders, 1)
	assert.Contains(t, holders[0], live.UUID)
}
