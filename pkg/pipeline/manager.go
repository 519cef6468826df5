package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/blurrycontour/zuul-gerrit-sub000/pkg/executor"
	"github.com/blurrycontour/zuul-gerrit-sub000/pkg/log"
	"github.com/blurrycontour/zuul-gerrit-sub000/pkg/merger"
	"github.com/blurrycontour/zuul-gerrit-sub000/pkg/metrics"
	"github.com/blurrycontour/zuul-gerrit-sub000/pkg/model"
	"github.com/blurrycontour/zuul-gerrit-sub000/pkg/nodepool"
	"github.com/blurrycontour/zuul-gerrit-sub000/pkg/semaphore"
	"github.com/blurrycontour/zuul-gerrit-sub000/pkg/tracing"
	"github.com/blurrycontour/zuul-gerrit-sub000/pkg/zk"
)

// Default job attempts when the frozen job does not set one
const defaultAttempts = 3

// Default window parameters for windowed pipelines
const (
	defaultWindow      = 20
	defaultWindowFloor = 3
)

// Source answers questions about changes that only the code review system
// knows: dependency resolution and merge eligibility.
type Source interface {
	// GetChange resolves a change by its cache key
	GetChange(key string) (*model.Change, error)
	// IsMergeable reports whether the change could merge right now if its
	// jobs succeed (approvals present, not abandoned).
	IsMergeable(change *model.Change) bool
}

// Reporter delivers pipeline outcomes back to the code review system
type Reporter interface {
	Report(action model.ReporterAction, item *model.QueueItem) error
}

// Options wires a manager to its collaborators
type Options struct {
	Client     zk.Client
	Store      *Store
	Nodepool   *nodepool.Service
	Semaphores *semaphore.Handler
	Executor   *executor.Client
	Merger     *merger.Client
	Holds      *nodepool.HoldRequestStore
	Source     Source
	Reporter   Reporter
	Tenant     string
	Config     *model.PipelineConfig
	Layout     *model.Layout
}

// Manager drives one pipeline of one tenant. All methods that take a State
// must be called with the pipeline lock held; they mutate the state and
// persist what they change.
type Manager interface {
	Pipeline() string
	Kind() model.ManagerKind

	// EventMatches reports whether a trigger event belongs in this pipeline
	EventMatches(ev *model.TriggerEvent) bool

	// AddChange enqueues a change (and, depending on the manager kind, its
	// dependencies). Returns false when the change was not enqueued.
	AddChange(state *State, change *model.Change, eventID string) (bool, error)

	// RemoveChange force-dequeues a live item for the change, canceling
	// its jobs.
	RemoveChange(state *State, change *model.Change) error

	// PromoteChanges moves the named changes to the head of their queue
	PromoteChanges(state *State, changeKeys []string) error

	// Process runs one pass over every queue. Returns true when state
	// changed; the caller loops until a fixpoint.
	Process(state *State) (bool, error)

	// ReEnqueueOldQueues migrates items from queues replaced by a
	// reconfiguration into the current queue structure.
	ReEnqueueOldQueues(state *State) error

	OnBuildStarted(state *State, ev *model.BuildEvent) error
	OnBuildPaused(state *State, ev *model.BuildEvent) error
	OnBuildCompleted(state *State, ev *model.BuildEvent) error
	OnMergeCompleted(state *State, ev *model.MergeCompletedEvent) error
	OnNodesProvisioned(state *State, ev *model.NodesProvisionedEvent) error
}

// variant is the behavior that differs between the four manager kinds
type variant interface {
	Kind() model.ManagerKind

	// queueFor finds or creates the change queue a change belongs in
	queueFor(state *State, change *model.Change) (*model.ChangeQueue, error)

	// enqueuesDependencies reports whether needed changes are enqueued
	// ahead of the change, and whether those items are live.
	enqueuesDependencies() (ahead bool, live bool)

	// reparents reports whether the nearest-non-failing reparenting pass
	// runs over shared queues.
	reparents() bool

	// windowed reports whether the queue window resizes on outcomes
	windowed() bool

	// activeCount is how many items from the head of a queue may run jobs
	activeCount(queue *model.ChangeQueue) int

	// reportsAtHeadOnly reports whether completed items must wait for
	// everything ahead of them before reporting.
	reportsAtHeadOnly() bool

	// afterEnqueue runs variant-specific maintenance after an enqueue
	afterEnqueue(state *State, queue *model.ChangeQueue, item *model.QueueItem) error
}

// NewManager creates the manager for a pipeline config
func NewManager(opts Options) (Manager, error) {
	m := &manager{
		Options: opts,
		logger: log.WithComponent("pipeline").With().
			Str("tenant", opts.Tenant).Str("pipeline", opts.Config.Name).Logger(),
	}
	switch opts.Config.Manager {
	case model.ManagerDependent:
		m.variant = &dependentVariant{m: m}
	case model.ManagerIndependent:
		m.variant = &independentVariant{m: m}
	case model.ManagerSerial:
		m.variant = &serialVariant{m: m}
	case model.ManagerSupercedent:
		m.variant = &supercedentVariant{m: m}
	default:
		return nil, fmt.Errorf("unknown manager kind %q", opts.Config.Manager)
	}
	return m, nil
}

type manager struct {
	Options
	variant variant
	logger  zerolog.Logger
}

func (m *manager) Pipeline() string       { return m.Config.Name }
func (m *manager) Kind() model.ManagerKind { return m.variant.Kind() }

// EventMatches accepts events for projects the layout knows, passing any of
// the pipeline's trigger filters.
func (m *manager) EventMatches(ev *model.TriggerEvent) bool {
	if _, ok := m.Layout.Projects[ev.Project]; !ok {
		return false
	}
	for i := range m.Config.Triggers {
		if m.Config.Triggers[i].Matches(ev) {
			return true
		}
	}
	return false
}

// AddChange enqueues a change. Dependent managers refuse to enqueue a
// change whose unmerged dependencies cannot be enqueued ahead of it.
func (m *manager) AddChange(state *State, change *model.Change, eventID string) (bool, error) {
	visited := map[string]bool{}
	item, err := m.enqueueChange(state, change, eventID, true, visited)
	if err != nil || item == nil {
		return false, err
	}
	// Dependent pipelines also pull in changes known to depend on this one
	if ahead, live := m.variant.enqueuesDependencies(); ahead && live && m.Source != nil {
		for _, key := range change.NeededByChanges {
			if visited[key] {
				continue
			}
			dep, err := m.Source.GetChange(key)
			if err != nil || dep == nil || dep.IsMerged {
				continue
			}
			if _, err := m.enqueueChange(state, dep, eventID, true, visited); err != nil {
				return true, err
			}
		}
	}
	return true, nil
}

// enqueueChange recursively enqueues a change behind its dependencies.
// visited breaks dependency cycles.
func (m *manager) enqueueChange(state *State, change *model.Change, eventID string, live bool, visited map[string]bool) (*model.QueueItem, error) {
	key := change.CacheKey()
	if visited[key] {
		return nil, nil
	}
	visited[key] = true

	if existing := state.FindItem(key, true); existing != nil {
		return existing, nil
	}
	if live && m.Source != nil && change.IsReviewChange() && !m.Source.IsMergeable(change) {
		return nil, nil
	}

	depsAhead, depsLive := m.variant.enqueuesDependencies()
	if depsAhead && m.Source != nil {
		for _, depKey := range change.NeedsChanges {
			if visited[depKey] {
				continue
			}
			if state.FindItem(depKey, false) != nil {
				continue
			}
			dep, err := m.Source.GetChange(depKey)
			if err != nil {
				return nil, fmt.Errorf("failed to resolve dependency %s: %w", depKey, err)
			}
			if dep == nil || dep.IsMerged {
				continue
			}
			depItem, err := m.enqueueChange(state, dep, eventID, depsLive, visited)
			if err != nil {
				return nil, err
			}
			if depsLive && depItem == nil {
				// A required dependency cannot be enqueued; neither can we
				return nil, nil
			}
		}
	}

	queue, err := m.variant.queueFor(state, change)
	if err != nil {
		return nil, err
	}
	item, err := m.enqueueItem(state, queue, change, live, eventID)
	if err != nil {
		return nil, err
	}
	if err := m.variant.afterEnqueue(state, queue, item); err != nil {
		return item, err
	}
	return item, nil
}

// enqueueItem appends a new item at the tail of a queue and links it behind
// the current tail.
func (m *manager) enqueueItem(state *State, queue *model.ChangeQueue, change *model.Change, live bool, eventID string) (*model.QueueItem, error) {
	item := &model.QueueItem{
		UUID:        uuid.NewString(),
		Change:      change,
		Live:        live,
		EnqueueTime: time.Now(),
		QueueID:     queue.ID,
		EventID:     eventID,
	}
	if n := len(queue.Items); n > 0 {
		tailUUID := queue.Items[n-1]
		item.ItemAhead = tailUUID
		if tail := state.Items[tailUUID]; tail != nil {
			tail.ItemsBehind = append(tail.ItemsBehind, item.UUID)
			if err := m.Store.SaveItem(state, tail); err != nil {
				return nil, err
			}
		}
	}
	queue.Items = append(queue.Items, item.UUID)
	state.Items[item.UUID] = item

	if err := m.Store.SaveItem(state, item); err != nil {
		return nil, err
	}
	if err := m.Store.SaveQueue(state, queue); err != nil {
		return nil, err
	}
	metrics.ItemsEnqueued.WithLabelValues(m.Tenant, m.Config.Name).Inc()
	m.logger.Info().Str("change", change.CacheKey()).Str("event", eventID).
		Bool("live", live).Msg("enqueued change")
	return item, nil
}

// RemoveChange force-dequeues the live item for a change
func (m *manager) RemoveChange(state *State, change *model.Change) error {
	item := state.FindItem(change.CacheKey(), true)
	if item == nil {
		return nil
	}
	queue := state.Queues[item.QueueID]
	if queue == nil {
		return nil
	}
	if err := m.cancelJobs(state, item); err != nil {
		return err
	}
	return m.removeItem(state, queue, item)
}

// removeItem unlinks an item from its queue and linkage tree and deletes
// its stored subtree. Non-live items ahead that nothing depends on anymore
// are removed with it.
func (m *manager) removeItem(state *State, queue *model.ChangeQueue, item *model.QueueItem) error {
	// Reparent items behind onto our item ahead
	for _, behindUUID := range item.ItemsBehind {
		behind := state.Items[behindUUID]
		if behind == nil {
			continue
		}
		behind.ItemAhead = item.ItemAhead
		if err := m.Store.SaveItem(state, behind); err != nil {
			return err
		}
	}
	if ahead := state.Items[item.ItemAhead]; ahead != nil {
		ahead.ItemsBehind = lo.Filter(ahead.ItemsBehind, func(u string, _ int) bool {
			return u != item.UUID
		})
		ahead.ItemsBehind = append(ahead.ItemsBehind, item.ItemsBehind...)
		if err := m.Store.SaveItem(state, ahead); err != nil {
			return err
		}
	}

	queue.Items = lo.Filter(queue.Items, func(u string, _ int) bool { return u != item.UUID })
	delete(state.Items, item.UUID)
	if err := m.Store.DeleteItem(state, item.UUID); err != nil {
		return err
	}
	if err := m.Store.SaveQueue(state, queue); err != nil {
		return err
	}

	result := item.ReportedResult
	if result == "" {
		result = model.ResultDequeued
	}
	metrics.ItemsDequeued.WithLabelValues(m.Tenant, m.Config.Name, result).Inc()
	metrics.ItemResidenceTime.WithLabelValues(m.Tenant, m.Config.Name).
		Observe(time.Since(item.EnqueueTime).Seconds())
	if item.BuildSet != nil {
		tracing.EndSavedSpan(context.Background(), item.BuildSet.SpanContext, "BuildSetComplete")
	}
	m.logger.Info().Str("change", item.Change.CacheKey()).Msg("dequeued change")

	// A non-live dependency stays only as long as something is behind it
	if aheadItem := state.Items[item.ItemAhead]; aheadItem != nil &&
		!aheadItem.Live && len(aheadItem.ItemsBehind) == 0 {
		if aheadQueue := state.Queues[aheadItem.QueueID]; aheadQueue != nil {
			if err := m.removeItem(state, aheadQueue, aheadItem); err != nil {
				return err
			}
		}
	}
	return nil
}

// PromoteChanges reorders queues so the named changes sit at the head in
// the given order. Affected live items have their buildsets reset so their
// jobs rerun against the new order.
func (m *manager) PromoteChanges(state *State, changeKeys []string) error {
	for _, queueID := range state.QueueIDs {
		queue := state.Queues[queueID]
		if queue == nil {
			continue
		}
		var promoted, rest []string
		for _, key := range changeKeys {
			for _, itemUUID := range queue.Items {
				item := state.Items[itemUUID]
				if item != nil && item.Change.CacheKey() == key {
					promoted = append(promoted, itemUUID)
				}
			}
		}
		if len(promoted) == 0 {
			continue
		}
		for _, itemUUID := range queue.Items {
			if !lo.Contains(promoted, itemUUID) {
				rest = append(rest, itemUUID)
			}
		}
		queue.Items = append(promoted, rest...)
		for _, itemUUID := range queue.Items {
			item := state.Items[itemUUID]
			if item == nil || !item.Live {
				continue
			}
			if err := m.cancelJobs(state, item); err != nil {
				return err
			}
		}
		if err := m.Store.SaveQueue(state, queue); err != nil {
			return err
		}
	}
	return nil
}

// Process runs one pass over every queue of the pipeline
func (m *manager) Process(state *State) (bool, error) {
	changed := false
	for _, queueID := range append([]string(nil), state.QueueIDs...) {
		queue := state.Queues[queueID]
		if queue == nil {
			continue
		}
		if m.variant.reparents() {
			c, err := m.reparentQueue(state, queue)
			if err != nil {
				return changed, err
			}
			changed = changed || c
		}
		c, err := m.processQueue(state, queue)
		if err != nil {
			return changed, err
		}
		changed = changed || c

		if len(queue.Items) == 0 && queue.Dynamic {
			state.QueueIDs = lo.Filter(state.QueueIDs, func(id string, _ int) bool {
				return id != queue.ID
			})
			delete(state.Queues, queue.ID)
			if err := m.Store.DeleteQueue(state, queue.ID); err != nil {
				return changed, err
			}
			if err := m.Store.SaveState(state); err != nil {
				return changed, err
			}
			changed = true
			continue
		}
		metrics.PipelineWindow.WithLabelValues(m.Tenant, m.Config.Name, queue.Name).
			Set(float64(queue.Window))
	}
	metrics.PipelineCurrentItems.WithLabelValues(m.Tenant, m.Config.Name).
		Set(float64(len(state.Items)))
	return changed, nil
}

// reparentQueue walks the queue head to tail keeping every item behind the
// nearest non-failing item ahead of it. An item that moves loses its
// speculative state: its jobs are canceled and its buildset reset.
func (m *manager) reparentQueue(state *State, queue *model.ChangeQueue) (bool, error) {
	changed := false
	nnfi := ""
	for _, itemUUID := range queue.Items {
		item := state.Items[itemUUID]
		if item == nil {
			continue
		}
		target := nnfi
		// An item never moves ahead of a failing change it declares a
		// dependency on; it cannot merge without it either way.
		if dep := m.failingDependency(state, item); dep != nil && dep.QueueID == queue.ID {
			target = dep.UUID
		}
		if item.ItemAhead != target {
			if err := m.moveItem(state, item, target); err != nil {
				return changed, err
			}
			changed = true
		}
		if !m.isItemFailing(state, item) {
			nnfi = item.UUID
		}
	}
	return changed, nil
}

// isItemFailing reports whether an item cannot merge as things stand: its
// own jobs or merge failed, or a change it needs is held by a failing item
// in this pipeline.
func (m *manager) isItemFailing(state *State, item *model.QueueItem) bool {
	return m.itemFailing(state, item, map[string]bool{})
}

func (m *manager) itemFailing(state *State, item *model.QueueItem, visited map[string]bool) bool {
	if visited[item.UUID] {
		return false
	}
	visited[item.UUID] = true
	if item.DequeuedNeedingChange {
		return true
	}
	if item.BuildSet != nil && item.BuildSet.UnableToMerge {
		return true
	}
	if item.DidAnyJobFail() {
		return true
	}
	return m.failingDep(state, item, visited) != nil
}

// failingDependency returns the pipeline item holding a change this item
// needs that is itself failing, or nil.
func (m *manager) failingDependency(state *State, item *model.QueueItem) *model.QueueItem {
	return m.failingDep(state, item, map[string]bool{item.UUID: true})
}

func (m *manager) failingDep(state *State, item *model.QueueItem, visited map[string]bool) *model.QueueItem {
	if item.Change == nil {
		return nil
	}
	for _, depKey := range item.Change.NeedsChanges {
		dep := state.FindItem(depKey, false)
		if dep == nil || dep.UUID == item.UUID {
			continue
		}
		if m.itemFailing(state, dep, visited) {
			return dep
		}
	}
	return nil
}

// moveItem relinks an item behind a new item ahead and resets its
// speculative state.
func (m *manager) moveItem(state *State, item *model.QueueItem, newAhead string) error {
	m.logger.Info().Str("change", item.Change.CacheKey()).
		Str("behind", newAhead).Msg("reparenting item")
	if old := state.Items[item.ItemAhead]; old != nil {
		old.ItemsBehind = lo.Filter(old.ItemsBehind, func(u string, _ int) bool {
			return u != item.UUID
		})
		if err := m.Store.SaveItem(state, old); err != nil {
			return err
		}
	}
	item.ItemAhead = newAhead
	if ahead := state.Items[newAhead]; ahead != nil {
		ahead.ItemsBehind = append(ahead.ItemsBehind, item.UUID)
		if err := m.Store.SaveItem(state, ahead); err != nil {
			return err
		}
	}
	if err := m.cancelJobs(state, item); err != nil {
		return err
	}
	return m.Store.SaveItem(state, item)
}

// cancelJobs aborts everything in flight for an item and resets its
// buildset so the next pass starts fresh.
func (m *manager) cancelJobs(state *State, item *model.QueueItem) error {
	bs := item.BuildSet
	if bs == nil {
		return nil
	}
	for jobName, reqUUID := range bs.NodeRequests {
		req, err := m.Nodepool.Find(reqUUID)
		if err != nil {
			return err
		}
		if req != nil {
			if err := m.Nodepool.Cancel(req); err != nil {
				return err
			}
		}
		delete(bs.NodeRequests, jobName)
	}
	for jobName, build := range bs.Builds {
		if build.Result == "" {
			build.Canceled = true
			if err := m.Executor.Cancel("", build.UUID); err != nil {
				return err
			}
		}
		job := bs.Job(jobName)
		if job != nil {
			if err := m.Semaphores.Release(item, job); err != nil {
				return err
			}
		}
	}
	if bs.MergeRequestUUID != "" {
		if err := m.Merger.Remove(bs.MergeRequestUUID); err != nil {
			return err
		}
	}
	tracing.EndSavedSpan(context.Background(), bs.SpanContext, "BuildSetReset")
	if err := m.Store.DeleteBuildSet(state, item, bs.UUID); err != nil {
		return err
	}
	item.BuildSet = nil
	item.BuildSetUUID = ""
	return m.Store.SaveItem(state, item)
}

// cancelRunningBuilds aborts an item's in-flight work but keeps its
// buildset, unlike a reset: outstanding node requests are withdrawn and
// running builds canceled.
func (m *manager) cancelRunningBuilds(state *State, item *model.QueueItem) (bool, error) {
	bs := item.BuildSet
	if bs == nil {
		return false, nil
	}
	changed := false
	for jobName, reqUUID := range bs.NodeRequests {
		req, err := m.Nodepool.Find(reqUUID)
		if err != nil {
			return changed, err
		}
		if req != nil {
			if err := m.Nodepool.Cancel(req); err != nil {
				return changed, err
			}
		}
		delete(bs.NodeRequests, jobName)
		if job := bs.Job(jobName); job != nil {
			if err := m.Semaphores.Release(item, job); err != nil {
				return changed, err
			}
		}
		changed = true
	}
	for jobName, build := range bs.Builds {
		if build.Result != "" || build.Canceled {
			continue
		}
		build.Canceled = true
		if err := m.Executor.Cancel("", build.UUID); err != nil {
			return changed, err
		}
		if job := bs.Job(jobName); job != nil {
			if err := m.Semaphores.Release(item, job); err != nil {
				return changed, err
			}
		}
		changed = true
	}
	if changed {
		m.logger.Info().Str("change", item.Change.CacheKey()).
			Msg("canceled builds behind failing dependency")
		return true, m.Store.SaveItem(state, item)
	}
	return false, nil
}

// processQueue runs one pass over a queue's items
func (m *manager) processQueue(state *State, queue *model.ChangeQueue) (bool, error) {
	changed := false
	active := m.variant.activeCount(queue)
	index := 0
	for _, itemUUID := range append([]string(nil), queue.Items...) {
		item := state.Items[itemUUID]
		if item == nil {
			continue
		}
		c, err := m.processOneItem(state, queue, item, index < active)
		if err != nil {
			return changed, err
		}
		changed = changed || c
		if item.Live {
			index++
		}
	}
	return changed, nil
}

func (m *manager) processOneItem(state *State, queue *model.ChangeQueue, item *model.QueueItem, actionable bool) (bool, error) {
	// An item flagged as unable to proceed reports its dequeue exactly
	// once, then leaves the queue.
	if item.DequeuedNeedingChange {
		if !item.Reported {
			if err := m.report(model.ActionDequeue, item); err != nil {
				m.logger.Warn().Err(err).Str("change", item.Change.CacheKey()).
					Msg("dequeue report failed")
			}
			item.Reported = true
			item.ReportedResult = model.ResultDequeued
			if err := m.Store.SaveItem(state, item); err != nil {
				return false, err
			}
		}
		if err := m.cancelJobs(state, item); err != nil {
			return false, err
		}
		return true, m.removeItem(state, queue, item)
	}

	if !item.Live {
		if len(item.ItemsBehind) == 0 {
			return true, m.removeItem(state, queue, item)
		}
		return false, nil
	}

	// The change may have become unmergeable while queued (approval
	// revoked, abandoned, dependency updated)
	if m.Source != nil && item.Change.IsReviewChange() && !m.Source.IsMergeable(item.Change) {
		item.DequeuedNeedingChange = true
		return true, m.Store.SaveItem(state, item)
	}

	if depsAhead, _ := m.variant.enqueuesDependencies(); depsAhead {
		// A needed change that left the pipeline without merging can no
		// longer be satisfied here; the item follows it out.
		for _, depKey := range item.Change.NeedsChanges {
			if state.FindItem(depKey, false) != nil {
				continue
			}
			if m.Source != nil {
				if dep, err := m.Source.GetChange(depKey); err == nil && dep != nil && dep.IsMerged {
					continue
				}
			}
			item.DequeuedNeedingChange = true
			return true, m.Store.SaveItem(state, item)
		}
	}

	if !actionable {
		return false, nil
	}

	// An item gating behind a failing change it needs cannot merge as-is.
	// Its in-flight work stops, but its speculative state stays in place
	// until the dependency either recovers or leaves the queue.
	if dep := m.failingDependency(state, item); dep != nil {
		return m.cancelRunningBuilds(state, item)
	}

	changed := false
	if !item.ReportedStart {
		if err := m.report(model.ActionStart, item); err != nil {
			m.logger.Warn().Err(err).Str("change", item.Change.CacheKey()).
				Msg("start report failed")
		}
		item.ReportedStart = true
		if err := m.Store.SaveItem(state, item); err != nil {
			return changed, err
		}
		changed = true
	}

	c, err := m.prepareItem(state, queue, item)
	if err != nil {
		return changed, err
	}
	changed = changed || c

	return m.finishItem(state, queue, item, changed)
}

// finishItem reports and dequeues an item whose work is done
func (m *manager) finishItem(state *State, queue *model.ChangeQueue, item *model.QueueItem, changed bool) (bool, error) {
	bs := item.BuildSet
	if bs == nil || bs.MergeState != model.MergeComplete {
		return changed, nil
	}
	if !bs.UnableToMerge && item.Change.UpdatesConfig() && !bs.ConfigFilesReady {
		// Still waiting on the config files fetch
		return changed, nil
	}
	failing := bs.UnableToMerge || item.DidAnyJobFail()
	if !bs.UnableToMerge && !item.AreAllJobsComplete() {
		return changed, nil
	}
	if m.variant.reportsAtHeadOnly() && item.ItemAhead != "" {
		// Finished, but something ahead must report first
		return changed, nil
	}

	action := model.ActionSuccess
	result := model.ResultSuccess
	switch {
	case bs.UnableToMerge:
		action = model.ActionMergeFailure
		result = model.ResultMergeConflict
	case failing:
		action = model.ActionFailure
		result = model.ResultFailure
	case len(bs.JobGraph) == 0:
		action = model.ActionNoJobs
	}
	if !item.Reported {
		if err := m.report(action, item); err != nil {
			m.logger.Warn().Err(err).Str("change", item.Change.CacheKey()).
				Str("action", string(action)).Msg("report failed")
		}
		item.Reported = true
		item.ReportedResult = result
		if err := m.Store.SaveItem(state, item); err != nil {
			return changed, err
		}
	}
	if m.variant.windowed() && !m.Config.HasStaticWindow() {
		if failing {
			shrinkWindow(m.Config, queue)
		} else {
			growWindow(m.Config, queue)
		}
		if err := m.Store.SaveQueue(state, queue); err != nil {
			return changed, err
		}
	}
	if err := m.removeItem(state, queue, item); err != nil {
		return changed, err
	}
	return true, nil
}

func (m *manager) report(action model.ReporterAction, item *model.QueueItem) error {
	if m.Reporter == nil {
		return nil
	}
	return m.Reporter.Report(action, item)
}

// changesAhead collects the changes of the item's ahead chain plus its own,
// head first. This is the speculative series the merger applies in order.
func (m *manager) changesAhead(state *State, item *model.QueueItem) []*model.Change {
	var chain []*model.Change
	for cur := item; cur != nil; cur = state.Items[cur.ItemAhead] {
		chain = append([]*model.Change{cur.Change}, chain...)
		if cur.ItemAhead == "" {
			break
		}
	}
	return chain
}

// ReEnqueueOldQueues migrates live items out of queues a reconfiguration
// replaced. Current window sizes carry over to re-created queues of the
// same name unless the pipeline uses a static window.
func (m *manager) ReEnqueueOldQueues(state *State) error {
	if len(state.OldQueueIDs) == 0 {
		return nil
	}
	oldWindows := map[string]int{}
	var migrate []*model.QueueItem
	for _, queueID := range state.OldQueueIDs {
		queue := state.Queues[queueID]
		if queue == nil {
			continue
		}
		if queue.Name != "" {
			oldWindows[queue.Name] = queue.Window
		}
		for _, itemUUID := range queue.Items {
			if item := state.Items[itemUUID]; item != nil && item.Live {
				migrate = append(migrate, item)
			}
		}
	}

	// Tear the old structure down first so FindItem does not see stale
	// duplicates during re-enqueue.
	for _, queueID := range state.OldQueueIDs {
		queue := state.Queues[queueID]
		if queue == nil {
			continue
		}
		for _, itemUUID := range queue.Items {
			item := state.Items[itemUUID]
			if item == nil {
				continue
			}
			if err := m.cancelJobs(state, item); err != nil {
				return err
			}
			delete(state.Items, itemUUID)
			if err := m.Store.DeleteItem(state, itemUUID); err != nil {
				return err
			}
		}
		delete(state.Queues, queueID)
		if err := m.Store.DeleteQueue(state, queueID); err != nil {
			return err
		}
	}
	state.OldQueueIDs = nil
	if err := m.Store.SaveState(state); err != nil {
		return err
	}

	for _, old := range migrate {
		visited := map[string]bool{}
		item, err := m.enqueueChange(state, old.Change, old.EventID, true, visited)
		if err != nil {
			return err
		}
		if item == nil {
			m.logger.Warn().Str("change", old.Change.CacheKey()).
				Msg("change not re-enqueued after reconfiguration")
			continue
		}
		// Residence time survives the migration
		item.EnqueueTime = old.EnqueueTime
		if err := m.Store.SaveItem(state, item); err != nil {
			return err
		}
	}

	if !m.Config.HasStaticWindow() {
		for _, queueID := range state.QueueIDs {
			queue := state.Queues[queueID]
			if queue == nil {
				continue
			}
			if w, ok := oldWindows[queue.Name]; ok && m.variant.windowed() {
				queue.Window = w
				if err := m.Store.SaveQueue(state, queue); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// newWindowedQueue builds a shared queue with the pipeline's configured
// window parameters.
func (m *manager) newWindowedQueue(name string) *model.ChangeQueue {
	window := m.Config.WindowInitial
	if window == 0 {
		window = defaultWindow
	}
	floor := m.Config.WindowFloor
	if floor == 0 {
		floor = defaultWindowFloor
	}
	return &model.ChangeQueue{
		ID:          uuid.NewString(),
		Name:        name,
		Pipeline:    m.Config.Name,
		Window:      window,
		WindowFloor: floor,
	}
}

// addQueue registers and persists a new queue
func (m *manager) addQueue(state *State, queue *model.ChangeQueue) error {
	state.Queues[queue.ID] = queue
	state.QueueIDs = append(state.QueueIDs, queue.ID)
	if err := m.Store.SaveQueue(state, queue); err != nil {
		return err
	}
	return m.Store.SaveState(state)
}

// FindItem returns the item holding a change, or nil. With liveOnly unset,
// non-live placeholders count too.
func (s *State) FindItem(changeKey string, liveOnly bool) *model.QueueItem {
	for _, item := range s.Items {
		if item.Change != nil && item.Change.CacheKey() == changeKey {
			if !liveOnly || item.Live {
				return item
			}
		}
	}
	return nil
}

// ItemByBuildSet returns the item owning a buildset, or nil. Result events
// for reset buildsets find nothing and are discarded as stale.
func (s *State) ItemByBuildSet(buildsetUUID string) *model.QueueItem {
	for _, item := range s.Items {
		if item.BuildSet != nil && item.BuildSet.UUID == buildsetUUID {
			return item
		}
	}
	return nil
}

// buildParams is what the executor needs to run one build
type buildParams struct {
	Job    *model.FrozenJob `json:"job"`
	Change *model.Change    `json:"change"`
	Nodes  []*model.Node    `json:"nodes,omitempty"`
}

func marshalParams(job *model.FrozenJob, change *model.Change, nodes []*model.Node) ([]byte, error) {
	return json.Marshal(buildParams{Job: job, Change: change, Nodes: nodes})
}
