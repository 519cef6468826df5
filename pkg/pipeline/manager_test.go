package pipeline

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blurrycontour/zuul-gerrit-sub000/pkg/executor"
	"github.com/blurrycontour/zuul-gerrit-sub000/pkg/merger"
	"github.com/blurrycontour/zuul-gerrit-sub000/pkg/model"
	"github.com/blurrycontour/zuul-gerrit-sub000/pkg/nodepool"
	"github.com/blurrycontour/zuul-gerrit-sub000/pkg/semaphore"
	"github.com/blurrycontour/zuul-gerrit-sub000/pkg/zk"
)

type fakeSource struct {
	changes     map[string]*model.Change
	unmergeable map[string]bool
}

func (s *fakeSource) GetChange(key string) (*model.Change, error) {
	return s.changes[key], nil
}

func (s *fakeSource) IsMergeable(c *model.Change) bool {
	return !s.unmergeable[c.CacheKey()]
}

type recordingReporter struct {
	actions []string
}

func (r *recordingReporter) Report(action model.ReporterAction, item *model.QueueItem) error {
	r.actions = append(r.actions, string(action)+":"+item.Change.CacheKey())
	return nil
}

type harness struct {
	t        *testing.T
	client   zk.Client
	store    *Store
	np       *nodepool.Service
	mrg      *merger.Client
	source   *fakeSource
	reporter *recordingReporter
	mgr      Manager
	state    *State
}

func newHarness(t *testing.T, cfg *model.PipelineConfig, layout *model.Layout) *harness {
	t.Helper()
	client := zk.NewMemoryClient()
	store := NewStore(client)
	np := nodepool.NewService(client, "zuul-system")
	sems := semaphore.NewHandler(client, layout.Tenant, func(name string) (model.SemaphoreDef, bool) {
		def, ok := layout.Semaphores[name]
		return def, ok
	})
	source := &fakeSource{changes: map[string]*model.Change{}, unmergeable: map[string]bool{}}
	reporter := &recordingReporter{}
	mrg := merger.NewClient(client)
	mgr, err := NewManager(Options{
		Client:     client,
		Store:      store,
		Nodepool:   np,
		Semaphores: sems,
		Executor:   executor.NewClient(client),
		Merger:     mrg,
		Holds:      nodepool.NewHoldRequestStore(client),
		Source:     source,
		Reporter:   reporter,
		Tenant:     layout.Tenant,
		Config:     cfg,
		Layout:     layout,
	})
	require.NoError(t, err)
	state, err := store.Load(layout.Tenant, cfg.Name)
	require.NoError(t, err)
	return &harness{
		t: t, client: client, store: store, np: np,
		mrg: mrg, source: source, reporter: reporter,
		mgr: mgr, state: state,
	}
}

func gateLayout() *model.Layout {
	job := model.FrozenJob{Name: "test", Labels: []string{"small"}, Voting: true}
	return &model.Layout{
		UUID:   uuid.NewString(),
		Tenant: "acme",
		Pipelines: []model.PipelineConfig{},
		Projects: map[string]*model.ProjectConfig{
			"org/p1": {Name: "org/p1", QueueName: "main",
				Jobs: map[string][]model.FrozenJob{"gate": {job}}},
			"org/p2": {Name: "org/p2", QueueName: "main",
				Jobs: map[string][]model.FrozenJob{"gate": {job}}},
		},
		Semaphores: map[string]model.SemaphoreDef{},
	}
}

func gateConfig() *model.PipelineConfig {
	return &model.PipelineConfig{
		Name:    "gate",
		Manager: model.ManagerDependent,
		Triggers: []model.EventFilter{
			{EventTypes: []string{"comment-added"}},
		},
	}
}

func reviewChange(project, number string) *model.Change {
	return &model.Change{
		Project:  project,
		Branch:   "master",
		Number:   number,
		Patchset: "1",
	}
}

func (h *harness) enqueue(change *model.Change) {
	h.t.Helper()
	h.source.changes[change.CacheKey()] = change
	ok, err := h.mgr.AddChange(h.state, change, "ev-"+change.Number)
	require.NoError(h.t, err)
	require.True(h.t, ok)
}

// run processes until the pipeline reaches a fixpoint
func (h *harness) run() {
	h.t.Helper()
	for i := 0; i < 50; i++ {
		changed, err := h.mgr.Process(h.state)
		require.NoError(h.t, err)
		if !changed {
			return
		}
	}
	h.t.Fatal("pipeline never reached a fixpoint")
}

// completeMerges plays the merger: every outstanding request succeeds
func (h *harness) completeMerges() {
	h.t.Helper()
	reqs, err := h.mrg.All()
	require.NoError(h.t, err)
	for _, req := range reqs {
		err := h.mgr.OnMergeCompleted(h.state, &model.MergeCompletedEvent{
			RequestUUID:  req.UUID,
			BuildSetUUID: req.BuildSetUUID,
			Merged:       true,
			CommitID:     "c0ffee",
		})
		require.NoError(h.t, err)
	}
}

// fulfillNodeRequests plays the allocator: every outstanding request gets
// its nodes.
func (h *harness) fulfillNodeRequests() {
	h.t.Helper()
	for _, item := range h.state.Items {
		if item.BuildSet == nil {
			continue
		}
		for _, reqUUID := range item.BuildSet.NodeRequests {
			req, err := h.np.Find(reqUUID)
			require.NoError(h.t, err)
			if req == nil || req.State != model.RequestRequested {
				continue
			}
			var ids []string
			for _, label := range req.NodeTypes {
				id := uuid.NewString()[:8]
				node := &model.Node{ID: id, Label: label, State: model.NodeReady}
				_, err := zk.StoreJSON(h.client, zk.NodepoolRoot+"/nodes/"+id, node, zk.AnyVersion)
				require.NoError(h.t, err)
				ids = append(ids, id)
			}
			data, stat, err := h.client.Get(req.ID)
			require.NoError(h.t, err)
			stored := &model.NodeRequest{}
			require.NoError(h.t, json.Unmarshal(data, stored))
			stored.State = model.RequestFulfilled
			stored.Nodes = ids
			out, err := json.Marshal(stored)
			require.NoError(h.t, err)
			_, err = h.client.Set(req.ID, out, stat.Version)
			require.NoError(h.t, err)
		}
	}
}

// completeBuild finishes the running build of a job on a change
func (h *harness) completeBuild(changeKey, jobName, result string) {
	h.t.Helper()
	item := h.state.FindItem(changeKey, true)
	require.NotNil(h.t, item, "no live item for %s", changeKey)
	require.NotNil(h.t, item.BuildSet)
	build := item.BuildSet.Build(jobName)
	require.NotNil(h.t, build, "no build for %s on %s", jobName, changeKey)
	require.Empty(h.t, build.Result, "build already finished")
	err := h.mgr.OnBuildCompleted(h.state, &model.BuildEvent{
		BuildUUID:    build.UUID,
		BuildSetUUID: item.BuildSet.UUID,
		JobName:      jobName,
		Result:       result,
		EndTime:      time.Now().UnixNano(),
	})
	require.NoError(h.t, err)
}

// assertLinkage checks the ahead/behind references stay mutually consistent
func (h *harness) assertLinkage() {
	h.t.Helper()
	for _, item := range h.state.Items {
		if item.ItemAhead != "" {
			ahead := h.state.Items[item.ItemAhead]
			require.NotNil(h.t, ahead, "dangling item_ahead on %s", item.Change.CacheKey())
			require.Contains(h.t, ahead.ItemsBehind, item.UUID)
		}
		for _, behindUUID := range item.ItemsBehind {
			behind := h.state.Items[behindUUID]
			require.NotNil(h.t, behind, "dangling items_behind on %s", item.Change.CacheKey())
			require.Equal(h.t, item.UUID, behind.ItemAhead)
		}
	}
}

func TestDependentGateSuccess(t *testing.T) {
	h := newHarness(t, gateConfig(), gateLayout())

	change := reviewChange("org/p1", "1001")
	h.enqueue(change)
	h.run()

	// A merge request went out; no jobs yet
	item := h.state.FindItem(change.CacheKey(), true)
	require.NotNil(t, item)
	require.NotNil(t, item.BuildSet)
	assert.Equal(t, model.MergePending, item.BuildSet.MergeState)
	assert.Contains(t, h.reporter.actions, "start:"+change.CacheKey())

	h.completeMerges()
	h.run()
	require.NotEmpty(t, item.BuildSet.NodeRequests)

	h.fulfillNodeRequests()
	h.run()
	build := item.BuildSet.Build("test")
	require.NotNil(t, build)
	assert.Empty(t, build.Result, "build is running")
	assert.Len(t, build.Nodes, 1)
	assert.Equal(t, 1, item.BuildSet.Tries["test"])

	h.completeBuild(change.CacheKey(), "test", model.ResultSuccess)
	h.run()

	assert.Nil(t, h.state.FindItem(change.CacheKey(), true), "item dequeued")
	assert.Contains(t, h.reporter.actions, "success:"+change.CacheKey())
}

func TestDependentNearestNonFailingReparent(t *testing.T) {
	h := newHarness(t, gateConfig(), gateLayout())

	a := reviewChange("org/p1", "1")
	b := reviewChange("org/p1", "2")
	c := reviewChange("org/p2", "3")
	h.enqueue(a)
	h.enqueue(b)
	h.enqueue(c)
	h.run()
	h.completeMerges()
	h.run()
	h.fulfillNodeRequests()
	h.run()
	h.assertLinkage()

	itemA := h.state.FindItem(a.CacheKey(), true)
	itemB := h.state.FindItem(b.CacheKey(), true)
	itemC := h.state.FindItem(c.CacheKey(), true)
	require.Equal(t, itemA.UUID, itemB.ItemAhead)
	require.Equal(t, itemB.UUID, itemC.ItemAhead)
	firstBuildSetC := itemC.BuildSet.UUID

	// B fails; C must stop testing against it and restart behind A
	h.completeBuild(b.CacheKey(), "test", model.ResultFailure)
	h.run()
	h.assertLinkage()

	assert.Equal(t, itemA.UUID, itemC.ItemAhead, "C reparented behind nearest non-failing item")
	if itemC.BuildSet != nil {
		assert.NotEqual(t, firstBuildSetC, itemC.BuildSet.UUID, "C's speculative state was reset")
	}

	// B does not report while A is still ahead of it
	assert.NotContains(t, h.reporter.actions, "failure:"+b.CacheKey())

	h.completeMerges()
	h.run()
	h.fulfillNodeRequests()
	h.run()

	h.completeBuild(a.CacheKey(), "test", model.ResultSuccess)
	h.run()

	assert.Contains(t, h.reporter.actions, "success:"+a.CacheKey())
	assert.Contains(t, h.reporter.actions, "failure:"+b.CacheKey())
	assert.Nil(t, h.state.FindItem(b.CacheKey(), true))

	// C survives as the new head
	require.NotNil(t, h.state.FindItem(c.CacheKey(), true))
	assert.Equal(t, "", itemC.ItemAhead)
}

func TestWindowShrinksOnFailureAndGrowsOnSuccess(t *testing.T) {
	cfg := gateConfig()
	cfg.WindowInitial = 4
	cfg.WindowFloor = 2
	h := newHarness(t, cfg, gateLayout())

	a := reviewChange("org/p1", "1")
	h.enqueue(a)
	h.run()
	h.completeMerges()
	h.run()
	h.fulfillNodeRequests()
	h.run()

	queue := h.state.Queues[h.state.QueueIDs[0]]
	require.Equal(t, 4, queue.Window)

	h.completeBuild(a.CacheKey(), "test", model.ResultFailure)
	h.run()
	assert.Equal(t, 2, queue.Window, "exponential shrink respects the floor")
}

func TestWindowGrowsOnSuccess(t *testing.T) {
	cfg := gateConfig()
	cfg.WindowInitial = 3
	cfg.WindowIncreaseType = model.WindowLinear
	cfg.WindowIncreaseFactor = 1
	h := newHarness(t, cfg, gateLayout())

	a := reviewChange("org/p1", "1")
	h.enqueue(a)
	h.run()
	h.completeMerges()
	h.run()
	h.fulfillNodeRequests()
	h.run()
	h.completeBuild(a.CacheKey(), "test", model.ResultSuccess)
	h.run()

	queue := h.state.Queues[h.state.QueueIDs[0]]
	assert.Equal(t, 4, queue.Window)
}

func TestItemOutsideWindowRunsNoJobs(t *testing.T) {
	cfg := gateConfig()
	cfg.WindowInitial = 1
	cfg.WindowFloor = 1
	h := newHarness(t, cfg, gateLayout())

	a := reviewChange("org/p1", "1")
	b := reviewChange("org/p1", "2")
	h.enqueue(a)
	h.enqueue(b)
	h.run()
	h.completeMerges()
	h.run()

	itemB := h.state.FindItem(b.CacheKey(), true)
	assert.Nil(t, itemB.BuildSet, "item outside the window has no speculative state")
	assert.False(t, itemB.ReportedStart)
}

func TestUnmergeableChangeReportsDequeueOnce(t *testing.T) {
	h := newHarness(t, gateConfig(), gateLayout())

	change := reviewChange("org/p1", "7")
	h.enqueue(change)
	h.run()

	// Approval revoked while queued
	h.source.unmergeable[change.CacheKey()] = true
	h.run()

	assert.Nil(t, h.state.FindItem(change.CacheKey(), true))
	dequeues := 0
	for _, action := range h.reporter.actions {
		if action == "dequeue:"+change.CacheKey() {
			dequeues++
		}
	}
	assert.Equal(t, 1, dequeues, "dequeue reported exactly once")
}

func TestRetryAccountingExhaustsAttempts(t *testing.T) {
	layout := gateLayout()
	layout.Projects["org/p1"].Jobs["gate"] = []model.FrozenJob{
		{Name: "test", Labels: []string{"small"}, Voting: true, Attempts: 2},
	}
	h := newHarness(t, gateConfig(), layout)

	change := reviewChange("org/p1", "9")
	h.enqueue(change)
	h.run()
	h.completeMerges()
	h.run()
	h.fulfillNodeRequests()
	h.run()

	item := h.state.FindItem(change.CacheKey(), true)

	// First attempt aborts; retryable, under the limit
	h.completeBuild(change.CacheKey(), "test", model.ResultAborted)
	assert.Equal(t, model.ResultRetry, item.BuildSet.Build("test").Result)

	h.run()
	h.fulfillNodeRequests()
	h.run()
	assert.Equal(t, 2, item.BuildSet.Tries["test"], "a fresh build was launched")

	// Second attempt aborts too; the limit is reached
	h.completeBuild(change.CacheKey(), "test", model.ResultAborted)
	assert.Equal(t, model.ResultRetryLimit, item.BuildSet.Build("test").Result)

	h.run()
	assert.Contains(t, h.reporter.actions, "failure:"+change.CacheKey())
	assert.Nil(t, h.state.FindItem(change.CacheKey(), true))
}

func TestCanceledBuildStaysCanceled(t *testing.T) {
	h := newHarness(t, gateConfig(), gateLayout())

	change := reviewChange("org/p1", "11")
	h.enqueue(change)
	h.run()
	h.completeMerges()
	h.run()
	h.fulfillNodeRequests()
	h.run()

	item := h.state.FindItem(change.CacheKey(), true)
	build := item.BuildSet.Build("test")
	build.Canceled = true

	h.completeBuild(change.CacheKey(), "test", model.ResultSuccess)
	assert.Equal(t, model.ResultCanceled, build.Result)
}

func TestMergeConflictReportsMergeFailure(t *testing.T) {
	h := newHarness(t, gateConfig(), gateLayout())

	change := reviewChange("org/p1", "13")
	h.enqueue(change)
	h.run()

	item := h.state.FindItem(change.CacheKey(), true)
	reqs, err := h.mrg.All()
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	require.NoError(t, h.mgr.OnMergeCompleted(h.state, &model.MergeCompletedEvent{
		RequestUUID:  reqs[0].UUID,
		BuildSetUUID: item.BuildSet.UUID,
		Merged:       false,
	}))
	h.run()

	assert.Contains(t, h.reporter.actions, "merge-failure:"+change.CacheKey())
	assert.Nil(t, h.state.FindItem(change.CacheKey(), true))
}

func TestLostMergeRequestIsResubmitted(t *testing.T) {
	h := newHarness(t, gateConfig(), gateLayout())

	change := reviewChange("org/p1", "90")
	h.enqueue(change)
	h.run()

	item := h.state.FindItem(change.CacheKey(), true)
	require.NotNil(t, item)
	require.NotNil(t, item.BuildSet)
	firstReq := item.BuildSet.MergeRequestUUID
	require.NotEmpty(t, firstReq)

	// A merger picked the request up and died with it; the janitor reaps
	// the running record nobody holds.
	reqs, err := h.mrg.All()
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	reqs[0].State = merger.StateRunning
	data, err := json.Marshal(reqs[0])
	require.NoError(t, err)
	path := zk.MergeRequestRoot + "/" + reqs[0].UUID
	_, stat, err := h.client.Get(path)
	require.NoError(t, err)
	_, err = h.client.Set(path, data, stat.Version)
	require.NoError(t, err)
	require.NoError(t, h.mrg.CleanupLostRequests())
	reqs, err = h.mrg.All()
	require.NoError(t, err)
	require.Empty(t, reqs, "lost request reaped")

	// The next pass notices the missing record and files a fresh request
	h.run()
	require.Equal(t, model.MergePending, item.BuildSet.MergeState)
	require.NotEmpty(t, item.BuildSet.MergeRequestUUID)
	assert.NotEqual(t, firstReq, item.BuildSet.MergeRequestUUID)
	reqs, err = h.mrg.All()
	require.NoError(t, err)
	require.Len(t, reqs, 1)

	// The replacement completes normally
	h.completeMerges()
	h.run()
	assert.Equal(t, model.MergeComplete, item.BuildSet.MergeState)
	require.NotEmpty(t, item.BuildSet.NodeRequests)
}

func TestFailingDependencyHoldsDependentChange(t *testing.T) {
	h := newHarness(t, gateConfig(), gateLayout())

	a := reviewChange("org/p1", "1")
	b := reviewChange("org/p1", "2")
	c := reviewChange("org/p2", "3")
	c.NeedsChanges = []string{b.CacheKey()}
	h.enqueue(a)
	h.enqueue(b)
	h.enqueue(c)
	h.run()
	h.completeMerges()
	h.run()
	h.fulfillNodeRequests()
	h.run()
	h.assertLinkage()

	itemA := h.state.FindItem(a.CacheKey(), true)
	itemB := h.state.FindItem(b.CacheKey(), true)
	itemC := h.state.FindItem(c.CacheKey(), true)
	require.Equal(t, itemA.UUID, itemB.ItemAhead)
	require.Equal(t, itemB.UUID, itemC.ItemAhead)

	// B fails. C declared it needs B, so unlike an unrelated item it must
	// not restart behind A and gate without it.
	h.completeBuild(b.CacheKey(), "test", model.ResultFailure)
	h.run()
	h.assertLinkage()

	assert.Equal(t, itemB.UUID, itemC.ItemAhead, "C stays behind the change it needs")
	require.NotNil(t, itemC.BuildSet, "C keeps its buildset")
	buildC := itemC.BuildSet.Build("test")
	require.NotNil(t, buildC)
	assert.True(t, buildC.Canceled, "C's running build was canceled")

	// A merges, B reports its failure and leaves; C cannot merge without B
	// and follows with a dequeue instead of a success.
	h.completeBuild(a.CacheKey(), "test", model.ResultSuccess)
	h.run()

	assert.Contains(t, h.reporter.actions, "success:"+a.CacheKey())
	assert.Contains(t, h.reporter.actions, "failure:"+b.CacheKey())
	assert.Contains(t, h.reporter.actions, "dequeue:"+c.CacheKey())
	assert.NotContains(t, h.reporter.actions, "success:"+c.CacheKey())
	assert.Nil(t, h.state.FindItem(c.CacheKey(), true))
}

func TestConfigChangeFetchesFilesBeforeFreezingJobs(t *testing.T) {
	h := newHarness(t, gateConfig(), gateLayout())

	change := reviewChange("org/p1", "95")
	change.Files = []string{"zuul.yaml", "src/main.go"}
	h.enqueue(change)
	h.run()
	h.completeMerges()
	h.run()

	item := h.state.FindItem(change.CacheKey(), true)
	require.NotNil(t, item)
	require.NotNil(t, item.BuildSet)
	assert.Empty(t, item.BuildSet.JobGraph, "job graph waits for the config files")

	reqs, err := h.mrg.All()
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	assert.Equal(t, merger.JobFiles, reqs[0].JobType)

	require.NoError(t, h.mgr.OnMergeCompleted(h.state, &model.MergeCompletedEvent{
		RequestUUID:  reqs[0].UUID,
		BuildSetUUID: item.BuildSet.UUID,
		JobType:      merger.JobFiles,
		Merged:       true,
		ConfigFiles:  map[string]string{"zuul.yaml": "- pipeline: {}"},
		Ltime:        7,
	}))
	h.run()

	assert.True(t, item.BuildSet.ConfigFilesReady)
	assert.Equal(t, "- pipeline: {}", item.BuildSet.ConfigFiles["zuul.yaml"])
	require.NotEmpty(t, item.BuildSet.JobGraph, "job graph frozen once files arrived")

	// The fetch primed the shared file cache for the project branch
	files, ok := h.mrg.CachedFiles("org/p1", "master", 0)
	require.True(t, ok)
	assert.Equal(t, "- pipeline: {}", files["zuul.yaml"])
}

func TestIndependentDependenciesRideAlongNonLive(t *testing.T) {
	cfg := &model.PipelineConfig{
		Name:    "check",
		Manager: model.ManagerIndependent,
		Triggers: []model.EventFilter{
			{EventTypes: []string{"patchset-created"}},
		},
	}
	layout := gateLayout()
	layout.Projects["org/p1"].Jobs["check"] = layout.Projects["org/p1"].Jobs["gate"]
	h := newHarness(t, cfg, layout)

	dep := reviewChange("org/p1", "20")
	h.source.changes[dep.CacheKey()] = dep

	change := reviewChange("org/p1", "21")
	change.NeedsChanges = []string{dep.CacheKey()}
	h.enqueue(change)

	item := h.state.FindItem(change.CacheKey(), true)
	require.NotNil(t, item)
	depItem := h.state.Items[item.ItemAhead]
	require.NotNil(t, depItem, "dependency enqueued ahead")
	assert.False(t, depItem.Live)
	assert.Equal(t, item.QueueID, depItem.QueueID, "dependency shares the dynamic queue")
	h.assertLinkage()

	h.run()
	h.completeMerges()
	h.run()

	// Only the live item runs jobs; the non-live dependency provides merge
	// context only.
	assert.Nil(t, depItem.BuildSet)
	require.NotNil(t, item.BuildSet)

	h.fulfillNodeRequests()
	h.run()
	h.completeBuild(change.CacheKey(), "test", model.ResultSuccess)
	h.run()

	// Both the item and its orphaned dependency are gone, queue pruned
	assert.Empty(t, h.state.Items)
	assert.Empty(t, h.state.QueueIDs)
	assert.Contains(t, h.reporter.actions, "success:"+change.CacheKey())
}

func TestSemaphoreLimitsConcurrentBuilds(t *testing.T) {
	cfg := &model.PipelineConfig{
		Name:    "check",
		Manager: model.ManagerIndependent,
	}
	layout := gateLayout()
	layout.Semaphores["deploy-sem"] = model.SemaphoreDef{Name: "deploy-sem", Max: 1}
	deployJob := model.FrozenJob{
		Name: "deploy", Voting: true,
		Semaphores: []model.JobSemaphore{{Name: "deploy-sem"}},
	}
	layout.Projects["org/p1"].Jobs["check"] = []model.FrozenJob{deployJob}
	h := newHarness(t, cfg, layout)

	a := reviewChange("org/p1", "30")
	b := reviewChange("org/p1", "31")
	h.enqueue(a)
	h.enqueue(b)
	h.run()
	h.completeMerges()
	h.run()

	itemA := h.state.FindItem(a.CacheKey(), true)
	itemB := h.state.FindItem(b.CacheKey(), true)
	running := 0
	if itemA.BuildSet.Build("deploy") != nil {
		running++
	}
	if itemB.BuildSet.Build("deploy") != nil {
		running++
	}
	assert.Equal(t, 1, running, "semaphore admits one build at a time")

	first, second := itemA, itemB
	if itemA.BuildSet.Build("deploy") == nil {
		first, second = itemB, itemA
	}
	h.completeBuild(first.Change.CacheKey(), "deploy", model.ResultSuccess)
	h.run()

	require.NotNil(t, second.BuildSet.Build("deploy"), "released semaphore unblocks the next build")
}

func TestSupercedentPrunesIntermediateItems(t *testing.T) {
	cfg := &model.PipelineConfig{
		Name:    "deploy",
		Manager: model.ManagerSupercedent,
	}
	layout := gateLayout()
	layout.Projects["org/p1"].Jobs["deploy"] = []model.FrozenJob{
		{Name: "publish", Voting: true},
	}
	h := newHarness(t, cfg, layout)

	refUpdate := func(newrev string) *model.Change {
		return &model.Change{
			Project: "org/p1",
			Ref:     "refs/heads/master",
			Newrev:  newrev,
		}
	}

	r1 := refUpdate("aaa")
	h.enqueue(r1)
	h.run()
	h.completeMerges()
	h.run()

	r2 := refUpdate("bbb")
	r3 := refUpdate("ccc")
	h.enqueue(r2)
	h.enqueue(r3)

	require.Len(t, h.state.QueueIDs, 1)
	queue := h.state.Queues[h.state.QueueIDs[0]]
	require.Len(t, queue.Items, 2, "only the running head and the newest survive")
	assert.Nil(t, h.state.FindItem(r2.CacheKey(), true), "intermediate ref update superseded")
	h.assertLinkage()

	// No report for the superseded item
	for _, action := range h.reporter.actions {
		assert.NotContains(t, action, r2.CacheKey())
	}

	h.completeBuild(r1.CacheKey(), "publish", model.ResultSuccess)
	h.run()
	assert.Contains(t, h.reporter.actions, "success:"+r1.CacheKey())

	// The newest ref update takes over as head
	h.completeMerges()
	h.run()
	item3 := h.state.FindItem(r3.CacheKey(), true)
	require.NotNil(t, item3)
	assert.Equal(t, "", item3.ItemAhead)
}

func TestSerialRunsOneItemAtATime(t *testing.T) {
	cfg := &model.PipelineConfig{
		Name:    "release",
		Manager: model.ManagerSerial,
	}
	layout := gateLayout()
	layout.Projects["org/p1"].Jobs["release"] = []model.FrozenJob{
		{Name: "tag", Voting: true},
	}
	h := newHarness(t, cfg, layout)

	a := reviewChange("org/p1", "40")
	b := reviewChange("org/p1", "41")
	h.enqueue(a)
	h.enqueue(b)
	h.run()
	h.completeMerges()
	h.run()

	itemA := h.state.FindItem(a.CacheKey(), true)
	itemB := h.state.FindItem(b.CacheKey(), true)
	require.NotNil(t, itemA.BuildSet.Build("tag"))
	assert.Nil(t, itemB.BuildSet, "second item waits for the head")

	h.completeBuild(a.CacheKey(), "tag", model.ResultSuccess)
	h.run()
	h.completeMerges()
	h.run()

	assert.Nil(t, h.state.FindItem(a.CacheKey(), true))
	require.NotNil(t, itemB.BuildSet.Build("tag"), "next item starts after the head reports")
}

func TestReEnqueueAfterReconfiguration(t *testing.T) {
	cfg := gateConfig()
	h := newHarness(t, cfg, gateLayout())

	a := reviewChange("org/p1", "50")
	b := reviewChange("org/p2", "51")
	h.enqueue(a)
	h.enqueue(b)
	h.run()
	h.completeMerges()
	h.run()

	itemA := h.state.FindItem(a.CacheKey(), true)
	enqueueTimeA := itemA.EnqueueTime
	oldQueueID := h.state.QueueIDs[0]
	h.state.Queues[oldQueueID].Window = 7

	// A structural reconfiguration moves every queue aside
	h.state.OldQueueIDs = h.state.QueueIDs
	h.state.QueueIDs = nil
	require.NoError(t, h.store.SaveState(h.state))

	require.NoError(t, h.mgr.ReEnqueueOldQueues(h.state))
	h.assertLinkage()

	assert.Nil(t, h.state.Queues[oldQueueID], "old queue torn down")
	require.Len(t, h.state.QueueIDs, 1)
	newQueue := h.state.Queues[h.state.QueueIDs[0]]
	assert.NotEqual(t, oldQueueID, newQueue.ID)
	assert.Equal(t, 7, newQueue.Window, "window carries over to the re-created queue")

	newA := h.state.FindItem(a.CacheKey(), true)
	require.NotNil(t, newA)
	require.NotNil(t, h.state.FindItem(b.CacheKey(), true))
	assert.Equal(t, enqueueTimeA, newA.EnqueueTime, "residence time survives the migration")
	assert.Nil(t, newA.BuildSet, "speculative state restarts after re-enqueue")

	h.run()
	h.completeMerges()
	h.run()
	require.NotNil(t, newA.BuildSet)
}

func TestPromoteReordersQueue(t *testing.T) {
	h := newHarness(t, gateConfig(), gateLayout())

	a := reviewChange("org/p1", "60")
	b := reviewChange("org/p1", "61")
	c := reviewChange("org/p2", "62")
	h.enqueue(a)
	h.enqueue(b)
	h.enqueue(c)
	h.run()
	h.completeMerges()
	h.run()

	require.NoError(t, h.mgr.PromoteChanges(h.state, []string{c.CacheKey()}))
	queue := h.state.Queues[h.state.QueueIDs[0]]
	itemC := h.state.FindItem(c.CacheKey(), true)
	assert.Equal(t, itemC.UUID, queue.Items[0], "promoted change moves to the head")

	// The reparenting pass fixes the linkage for the new order
	h.run()
	h.assertLinkage()
	assert.Equal(t, "", itemC.ItemAhead)
}

func TestStatePersistenceRoundTrip(t *testing.T) {
	h := newHarness(t, gateConfig(), gateLayout())

	change := reviewChange("org/p1", "70")
	h.enqueue(change)
	h.run()
	h.completeMerges()
	h.run()
	h.fulfillNodeRequests()
	h.run()

	// A second scheduler loads the same pipeline from the store
	reloaded, err := h.store.Load("acme", "gate")
	require.NoError(t, err)

	require.Len(t, reloaded.Items, len(h.state.Items))
	orig := h.state.FindItem(change.CacheKey(), true)
	loaded := reloaded.FindItem(change.CacheKey(), true)
	require.NotNil(t, loaded)
	require.NotNil(t, loaded.BuildSet, "buildset re-materialized from its child node")
	assert.Equal(t, orig.BuildSet.UUID, loaded.BuildSet.UUID)
	origBuild := orig.BuildSet.Build("test")
	loadedBuild := loaded.BuildSet.Build("test")
	require.NotNil(t, loadedBuild, "builds re-materialized from their child nodes")
	assert.Equal(t, origBuild.UUID, loadedBuild.UUID)
	assert.Equal(t, orig.BuildSet.Tries, loaded.BuildSet.Tries)
}

func TestEventMatching(t *testing.T) {
	h := newHarness(t, gateConfig(), gateLayout())

	tests := []struct {
		name  string
		event *model.TriggerEvent
		want  bool
	}{
		{
			name: "matching type and known project",
			event: &model.TriggerEvent{
				Type: "comment-added", Project: "org/p1", Branch: "master",
			},
			want: true,
		},
		{
			name: "wrong event type",
			event: &model.TriggerEvent{
				Type: "patchset-created", Project: "org/p1",
			},
			want: false,
		},
		{
			name: "unknown project",
			event: &model.TriggerEvent{
				Type: "comment-added", Project: "org/unknown",
			},
			want: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, h.mgr.EventMatches(tt.event))
		})
	}
}

func TestDirtyFlag(t *testing.T) {
	client := zk.NewMemoryClient()
	store := NewStore(client)

	dirty, err := store.IsDirty("acme", "gate")
	require.NoError(t, err)
	assert.False(t, dirty)

	require.NoError(t, store.SetDirty("acme", "gate"))
	dirty, err = store.IsDirty("acme", "gate")
	require.NoError(t, err)
	assert.True(t, dirty)

	require.NoError(t, store.ClearDirty("acme", "gate"))
	require.NoError(t, store.ClearDirty("acme", "gate"), "clearing twice is fine")
	dirty, err = store.IsDirty("acme", "gate")
	require.NoError(t, err)
	assert.False(t, dirty)
}

func TestSummary(t *testing.T) {
	h := newHarness(t, gateConfig(), gateLayout())

	a := reviewChange("org/p1", "80")
	h.enqueue(a)
	h.run()
	require.NoError(t, h.store.SaveSummary(h.state))

	data, _, err := h.client.Get(fmt.Sprintf("%s/acme/gate/summary", zk.PipelineRoot))
	require.NoError(t, err)
	summary := &Summary{}
	require.NoError(t, json.Unmarshal(data, summary))
	require.Len(t, summary.Queues, 1)
	assert.Equal(t, "main", summary.Queues[0].Name)
	assert.Equal(t, []string{a.CacheKey()}, summary.Queues[0].Items)
}
