package scheduler

import (
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/blurrycontour/zuul-gerrit-sub000/pkg/log"
	"github.com/blurrycontour/zuul-gerrit-sub000/pkg/metrics"
	"github.com/blurrycontour/zuul-gerrit-sub000/pkg/model"
	"github.com/blurrycontour/zuul-gerrit-sub000/pkg/registry"
	"github.com/blurrycontour/zuul-gerrit-sub000/pkg/semaphore"
	"github.com/blurrycontour/zuul-gerrit-sub000/pkg/zk"
)

// blobLtimePath records the logical time of the previous blob cleanup run.
// Blobs not touched since that run are collectable.
const blobLtimePath = zk.Root + "/cleanup/blob-ltime"

// Cleanup runs the periodic janitor jobs. Every job takes a store lock
// named after it, so across any number of schedulers each job runs in at
// most one place; a scheduler that loses the race just skips the round.
type Cleanup struct {
	s      *Scheduler
	logger zerolog.Logger

	SemaphoreInterval time.Duration
	BuildInterval     time.Duration
	MergeInterval     time.Duration
	CacheInterval     time.Duration
	GeneralInterval   time.Duration
	MinReadyInterval  time.Duration

	// Cached changes older than this are pruned unless still referenced
	CacheMaxAge time.Duration
}

// NewCleanup creates the janitor with its default cadence
func NewCleanup(s *Scheduler) *Cleanup {
	return &Cleanup{
		s:                 s,
		logger:            log.WithComponent("cleanup"),
		SemaphoreInterval: time.Hour,
		BuildInterval:     time.Minute,
		MergeInterval:     time.Minute,
		CacheInterval:     5 * time.Minute,
		GeneralInterval:   time.Hour,
		MinReadyInterval:  5 * time.Minute,
		CacheMaxAge:       7 * 24 * time.Hour,
	}
}

// Start launches one goroutine per job
func (c *Cleanup) Start(wg *sync.WaitGroup, stop <-chan struct{}) {
	jobs := []struct {
		name     string
		interval time.Duration
		run      func() error
	}{
		{"semaphore", c.SemaphoreInterval, c.RunSemaphoreCleanup},
		{"build-request", c.BuildInterval, c.RunBuildRequestCleanup},
		{"merge-request", c.MergeInterval, c.RunMergeRequestCleanup},
		{"connection-cache", c.CacheInterval, c.RunConnectionCacheCleanup},
		{"general", c.GeneralInterval, c.RunGeneralCleanup},
		{"min-ready", c.MinReadyInterval, c.RunMinReadyReconciliation},
	}
	for _, job := range jobs {
		wg.Add(1)
		go func(name string, interval time.Duration, run func() error) {
			defer wg.Done()
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-stop:
					return
				case <-ticker.C:
				}
				if err := c.withLock(name, run); err != nil {
					c.logger.Error().Err(err).Str("job", name).Msg("cleanup run failed")
				}
			}
		}(job.name, job.interval, job.run)
	}
}

// withLock runs a job under its store lock; a held lock means another
// scheduler is on it.
func (c *Cleanup) withLock(job string, run func() error) error {
	lock, err := zk.AcquireLock(c.s.client, zk.LockRoot+"/cleanup/"+job,
		c.s.hostname, false, 0)
	if err != nil {
		if errors.Is(err, zk.ErrLockContended) {
			return nil
		}
		return err
	}
	defer lock.Release()
	metrics.CleanupRunsTotal.WithLabelValues(job).Inc()
	return run()
}

// RunSemaphoreCleanup releases semaphore leases whose holding items no
// longer exist (a scheduler died between acquire and release).
func (c *Cleanup) RunSemaphoreCleanup() error {
	for _, tenantName := range c.s.tenantNames() {
		c.s.mu.Lock()
		tenant := c.s.tenants[tenantName]
		c.s.mu.Unlock()
		if tenant == nil || tenant.Layout == nil {
			continue
		}
		live, err := c.s.pipelineStore.LiveItemUUIDs(tenantName)
		if err != nil {
			return err
		}
		layout := tenant.Layout
		sems := semaphore.NewHandler(c.s.client, tenantName, func(name string) (model.SemaphoreDef, bool) {
			def, ok := layout.Semaphores[name]
			return def, ok
		})
		if err := sems.CleanupLeaks(func(itemUUID string) bool {
			return live[itemUUID]
		}); err != nil {
			return err
		}
	}
	return nil
}

// RunBuildRequestCleanup reaps build requests abandoned by dead executors
func (c *Cleanup) RunBuildRequestCleanup() error {
	return c.s.executor.CleanupLostRequests()
}

// RunMergeRequestCleanup reaps merge requests abandoned by dead mergers
func (c *Cleanup) RunMergeRequestCleanup() error {
	return c.s.merger.CleanupLostRequests()
}

// RunConnectionCacheCleanup prunes old changes from the local change cache,
// keeping anything a pipeline still references.
func (c *Cleanup) RunConnectionCacheCleanup() error {
	if c.s.cache == nil {
		return nil
	}
	referenced, err := c.s.pipelineStore.ReferencedChangeKeys()
	if err != nil {
		return err
	}
	pruned, err := c.s.cache.Prune(c.CacheMaxAge, func(key string) bool {
		return referenced[key]
	})
	if err != nil {
		return err
	}
	if pruned > 0 {
		c.logger.Info().Int("pruned", pruned).Msg("pruned change cache")
	}
	return nil
}

// RunGeneralCleanup collects unreferenced blobs and node requests that no
// buildset mentions anymore, and drops the merger's stale file cache.
func (c *Cleanup) RunGeneralCleanup() error {
	if err := c.cleanupBlobs(); err != nil {
		return err
	}
	if err := c.cleanupNodeRequests(); err != nil {
		return err
	}
	c.s.merger.FlushFileCache()
	return nil
}

// RunMinReadyReconciliation re-derives which launcher owns each label's
// warm node pool from the currently running launchers.
func (c *Cleanup) RunMinReadyReconciliation() error {
	if len(c.s.cfg.MinReady) == 0 {
		return nil
	}
	launchers, err := c.s.registry.RunningOfKind(registry.KindLauncher)
	if err != nil {
		return err
	}
	return c.s.nodepool.ReconcileMinReady(c.s.cfg.MinReady, launchers)
}

// cleanupBlobs deletes blobs not touched since the previous run. The first
// run only records the watermark.
func (c *Cleanup) cleanupBlobs() error {
	var previous int64
	data, _, err := c.s.client.Get(blobLtimePath)
	switch {
	case err == nil:
		previous, _ = strconv.ParseInt(string(data), 10, 64)
	case errors.Is(err, zk.ErrNoNode):
	default:
		return err
	}

	if previous > 0 {
		keys, err := c.s.blobs.GetKeysLastUsedBefore(previous)
		if err != nil {
			return err
		}
		for _, key := range keys {
			if err := c.s.blobs.Delete(key); err != nil {
				return err
			}
		}
		if len(keys) > 0 {
			c.logger.Info().Int("deleted", len(keys)).Msg("collected unused blobs")
		}
	}

	now, err := c.s.client.Ltime()
	if err != nil {
		return err
	}
	if err := c.s.client.EnsurePath(blobLtimePath); err != nil {
		return err
	}
	_, err = c.s.client.Set(blobLtimePath, []byte(strconv.FormatInt(now, 10)), zk.AnyVersion)
	return err
}

// cleanupNodeRequests deletes outstanding node requests no buildset
// references, which happens when a scheduler dies between submitting a
// request and persisting the buildset.
func (c *Cleanup) cleanupNodeRequests() error {
	outstanding, err := c.s.nodepool.OutstandingRequests()
	if err != nil {
		return err
	}
	if len(outstanding) == 0 {
		return nil
	}
	referenced, err := c.s.pipelineStore.ReferencedNodeRequests()
	if err != nil {
		return err
	}
	for uuid, path := range outstanding {
		if referenced[uuid] {
			continue
		}
		c.logger.Info().Str("request", uuid).Msg("deleting orphaned node request")
		if err := c.s.nodepool.DeleteRequestPath(path); err != nil {
			return err
		}
	}
	return nil
}
