package semaphore

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/blurrycontour/zuul-gerrit-sub000/pkg/log"
	"github.com/blurrycontour/zuul-gerrit-sub000/pkg/metrics"
	"github.com/blurrycontour/zuul-gerrit-sub000/pkg/model"
	"github.com/blurrycontour/zuul-gerrit-sub000/pkg/zk"
)

// Handler manages the counted semaphores of one tenant. Holder records are
// children of the semaphore node; the invariant |holders| <= max is
// maintained by a per-semaphore store lock around every read-modify-write.
type Handler struct {
	client zk.Client
	tenant string
	defs   func(name string) (model.SemaphoreDef, bool)
	logger zerolog.Logger
}

// NewHandler creates a semaphore handler. defs resolves semaphore
// definitions from the tenant's current layout.
func NewHandler(client zk.Client, tenant string, defs func(name string) (model.SemaphoreDef, bool)) *Handler {
	return &Handler{
		client: client,
		tenant: tenant,
		defs:   defs,
		logger: log.WithComponent("semaphore").With().Str("tenant", tenant).Logger(),
	}
}

func (h *Handler) semPath(name string) string {
	return fmt.Sprintf("%s/%s/%s", zk.SemaphoreRoot, h.tenant, name)
}

func (h *Handler) lockPath(name string) string {
	return fmt.Sprintf("%s/semaphores/%s/%s", zk.LockRoot, h.tenant, name)
}

// handle identifies one job of one item as a semaphore holder
func handle(itemUUID, jobName string) string {
	return itemUUID + "-" + jobName
}

// Acquire takes every semaphore the job declares. In the resource request
// phase, semaphores marked resources-first are deferred to the launch phase
// and report success without any side effect. Returns false when any
// semaphore is full; semaphores taken by this call are released again so a
// partial acquisition never lingers.
func (h *Handler) Acquire(item *model.QueueItem, job *model.FrozenJob, requestResourcesPhase bool) (bool, error) {
	sems := append([]model.JobSemaphore(nil), job.Semaphores...)
	sort.Slice(sems, func(i, j int) bool { return sems[i].Name < sems[j].Name })

	var taken []string
	for _, sem := range sems {
		if sem.ResourcesFirst && requestResourcesPhase {
			continue
		}
		ok, err := h.acquireOne(sem.Name, item.UUID, job.Name)
		if err != nil || !ok {
			for _, name := range taken {
				if relErr := h.releaseOne(name, item.UUID, job.Name); relErr != nil {
					h.logger.Warn().Err(relErr).Str("semaphore", name).
						Msg("failed to roll back semaphore acquisition")
				}
			}
			return false, err
		}
		taken = append(taken, sem.Name)
	}
	return true, nil
}

func (h *Handler) acquireOne(name, itemUUID, jobName string) (bool, error) {
	def, ok := h.defs(name)
	if !ok {
		// Undefined semaphores default to max 1
		def = model.SemaphoreDef{Name: name, Max: 1}
	}

	lock, err := zk.AcquireLock(h.client, h.lockPath(name), "semaphore", true, 10*time.Second)
	if err != nil {
		return false, fmt.Errorf("failed to lock semaphore %s: %w", name, err)
	}
	defer lock.Release()

	path := h.semPath(name)
	if err := h.client.EnsurePath(path); err != nil {
		return false, err
	}
	holders, err := h.client.Children(path)
	if err != nil {
		return false, err
	}
	me := handle(itemUUID, jobName)
	for _, holder := range holders {
		if holder == me {
			// Re-acquisition after a restart or retry
			return true, nil
		}
	}
	if len(holders) >= def.Max {
		return false, nil
	}
	if _, err := h.client.Create(path+"/"+me, nil, zk.FlagPersistent); err != nil {
		return false, err
	}
	metrics.SemaphoreHolders.WithLabelValues(h.tenant, name).Set(float64(len(holders) + 1))
	return true, nil
}

// Release gives back every semaphore the job holds
func (h *Handler) Release(item *model.QueueItem, job *model.FrozenJob) error {
	for _, sem := range job.Semaphores {
		if err := h.releaseOne(sem.Name, item.UUID, job.Name); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) releaseOne(name, itemUUID, jobName string) error {
	lock, err := zk.AcquireLock(h.client, h.lockPath(name), "semaphore", true, 10*time.Second)
	if err != nil {
		return fmt.Errorf("failed to lock semaphore %s: %w", name, err)
	}
	defer lock.Release()

	err = h.client.Delete(h.semPath(name)+"/"+handle(itemUUID, jobName), zk.AnyVersion)
	if err != nil && !errors.Is(err, zk.ErrNoNode) {
		return err
	}
	holders, err := h.client.Children(h.semPath(name))
	if err == nil {
		metrics.SemaphoreHolders.WithLabelValues(h.tenant, name).Set(float64(len(holders)))
	}
	return nil
}

// Holders returns the current holder handles of a semaphore
func (h *Handler) Holders(name string) ([]string, error) {
	holders, err := h.client.Children(h.semPath(name))
	if errors.Is(err, zk.ErrNoNode) {
		return nil, nil
	}
	return holders, err
}

// CleanupLeaks removes holder records whose item no longer exists in any
// pipeline. Runs periodically on one scheduler.
func (h *Handler) CleanupLeaks(isItemLive func(itemUUID string) bool) error {
	names, err := h.client.Children(fmt.Sprintf("%s/%s", zk.SemaphoreRoot, h.tenant))
	if err != nil {
		if errors.Is(err, zk.ErrNoNode) {
			return nil
		}
		return err
	}
	for _, name := range names {
		holders, err := h.Holders(name)
		if err != nil {
			return err
		}
		for _, holder := range holders {
			idx := strings.LastIndex(holder, "-")
			if idx < 0 {
				continue
			}
			itemUUID := holderItemUUID(holder)
			if isItemLive(itemUUID) {
				continue
			}
			h.logger.Warn().Str("semaphore", name).Str("holder", holder).
				Msg("releasing leaked semaphore holder")
			if err := h.client.Delete(h.semPath(name)+"/"+holder, zk.AnyVersion); err != nil &&
				!errors.Is(err, zk.ErrNoNode) {
				return err
			}
		}
	}
	return nil
}

// holderItemUUID extracts the item UUID from a holder handle. Item UUIDs
// are fixed-length, so the prefix is unambiguous even though job names may
// contain dashes.
func holderItemUUID(holder string) string {
	if len(holder) >= 36 {
		return holder[:36]
	}
	return holder
}
