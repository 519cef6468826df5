package scheduler

import (
	"bufio"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blurrycontour/zuul-gerrit-sub000/pkg/config"
	"github.com/blurrycontour/zuul-gerrit-sub000/pkg/eventqueue"
	"github.com/blurrycontour/zuul-gerrit-sub000/pkg/model"
	"github.com/blurrycontour/zuul-gerrit-sub000/pkg/registry"
	"github.com/blurrycontour/zuul-gerrit-sub000/pkg/zk"
)

const testTenantConfig = `
tenants:
  - name: acme
    pipelines:
      - name: gate
        manager: dependent
        triggers:
          - event-types: [comment-added]
      - name: check
        manager: independent
        triggers:
          - event-types: [patchset-created]
    projects:
      - name: org/p1
        queue: main
        pipelines:
          gate: [unit]
          check: [unit]
    jobs:
      - name: unit
        labels: [small]
  - name: other
    pipelines:
      - name: deploy
        manager: supercedent
    projects: []
    jobs: []
`

type stubSource struct {
	changes map[string]*model.Change
}

func (s *stubSource) GetChange(key string) (*model.Change, error) {
	return s.changes[key], nil
}

func (s *stubSource) IsMergeable(*model.Change) bool { return true }

func writeTenantConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "main.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func newTestScheduler(t *testing.T, client zk.Client, configPath string) (*Scheduler, *stubSource) {
	t.Helper()
	source := &stubSource{changes: map[string]*model.Change{}}
	s, err := New(Options{
		Client: client,
		Config: &config.SchedulerConfig{
			TenantConfig:  configPath,
			StatsInterval: time.Second,
		},
		Source:   source,
		Hostname: "sched-" + uuid.NewString()[:8],
	})
	require.NoError(t, err)
	require.NoError(t, s.primeTenants())
	return s, source
}

func TestTriggerEventFlowsToPipeline(t *testing.T) {
	client := zk.NewMemoryClient()
	s, source := newTestScheduler(t, client, writeTenantConfig(t, testTenantConfig))

	change := &model.Change{Project: "org/p1", Branch: "master", Number: "1", Patchset: "1"}
	source.changes[change.CacheKey()] = change
	require.NoError(t, s.EnqueueTriggerEvent("acme", &model.TriggerEvent{
		EventID: "ev1",
		Type:    "comment-added",
		Project: "org/p1",
		Branch:  "master",
		Change:  change,
	}))
	s.RunOnce()

	state, err := s.pipelineStore.Load("acme", "gate")
	require.NoError(t, err)
	require.Len(t, state.Items, 1, "change lands in the matching pipeline")
	for _, item := range state.Items {
		assert.Equal(t, change.CacheKey(), item.Change.CacheKey())
		assert.True(t, item.Live)
	}

	// The non-matching pipeline stays empty and the tenant queue drains
	check, err := s.pipelineStore.Load("acme", "check")
	require.NoError(t, err)
	assert.Empty(t, check.Items)
	n, err := eventqueue.NewTenantTriggerQueue(client, "acme").Len()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSecondSchedulerAdoptsPublishedLayout(t *testing.T) {
	client := zk.NewMemoryClient()
	cfgPath := writeTenantConfig(t, testTenantConfig)
	s1, _ := newTestScheduler(t, client, cfgPath)
	s2, _ := newTestScheduler(t, client, cfgPath)

	s1.mu.Lock()
	first := s1.tenants["acme"].Layout.UUID
	s1.mu.Unlock()
	s2.mu.Lock()
	second := s2.tenants["acme"].Layout.UUID
	s2.mu.Unlock()
	assert.Equal(t, first, second, "second scheduler adopts instead of re-freezing")
}

func TestSmartReconfigureSkipsUnchangedTenants(t *testing.T) {
	client := zk.NewMemoryClient()
	cfgPath := writeTenantConfig(t, testTenantConfig)
	s, _ := newTestScheduler(t, client, cfgPath)

	before, err := s.layoutStore.Get("acme")
	require.NoError(t, err)
	otherBefore, err := s.layoutStore.Get("other")
	require.NoError(t, err)

	require.NoError(t, s.SmartReconfigure())
	after, err := s.layoutStore.Get("acme")
	require.NoError(t, err)
	assert.Equal(t, before.UUID, after.UUID, "unchanged tenant keeps its layout")

	// Change one tenant's config; only it is re-frozen
	changed := testTenantConfig + `
  - name: third
    pipelines:
      - name: post
        manager: independent
    projects: []
    jobs: []
`
	require.NoError(t, os.WriteFile(cfgPath, []byte(changed), 0o644))
	require.NoError(t, s.SmartReconfigure())

	after, err = s.layoutStore.Get("acme")
	require.NoError(t, err)
	assert.Equal(t, before.UUID, after.UUID)
	otherAfter, err := s.layoutStore.Get("other")
	require.NoError(t, err)
	assert.Equal(t, otherBefore.UUID, otherAfter.UUID)
	_, err = s.layoutStore.Get("third")
	assert.NoError(t, err, "new tenant is frozen")
}

func TestFullReconfigureRefreezesEverything(t *testing.T) {
	client := zk.NewMemoryClient()
	s, _ := newTestScheduler(t, client, writeTenantConfig(t, testTenantConfig))

	before, err := s.layoutStore.Get("acme")
	require.NoError(t, err)
	require.NoError(t, s.FullReconfigure(nil))
	after, err := s.layoutStore.Get("acme")
	require.NoError(t, err)
	assert.NotEqual(t, before.UUID, after.UUID)
}

func TestRemovedTenantIsCleanedUp(t *testing.T) {
	client := zk.NewMemoryClient()
	cfgPath := writeTenantConfig(t, testTenantConfig)
	s, _ := newTestScheduler(t, client, cfgPath)

	trimmed := `
tenants:
  - name: acme
    pipelines:
      - name: gate
        manager: dependent
        triggers:
          - event-types: [comment-added]
    projects:
      - name: org/p1
        pipelines:
          gate: [unit]
    jobs:
      - name: unit
        labels: [small]
`
	require.NoError(t, os.WriteFile(cfgPath, []byte(trimmed), 0o644))
	require.NoError(t, s.SmartReconfigure())

	_, err := s.layoutStore.Get("other")
	assert.ErrorIs(t, err, zk.ErrNoNode)
	assert.Nil(t, s.tenantManagers("other"))
}

func TestTenantReconfigurePreservesEnqueuedItems(t *testing.T) {
	client := zk.NewMemoryClient()
	s, source := newTestScheduler(t, client, writeTenantConfig(t, testTenantConfig))

	change := &model.Change{Project: "org/p1", Branch: "master", Number: "7", Patchset: "1"}
	source.changes[change.CacheKey()] = change
	require.NoError(t, s.EnqueueTriggerEvent("acme", &model.TriggerEvent{
		EventID: "ev7", Type: "comment-added", Project: "org/p1",
		Branch: "master", Change: change,
	}))
	s.RunOnce()

	require.NoError(t, s.TenantReconfigure("acme", &model.TenantReconfigureEvent{
		Tenant:          "acme",
		ProjectBranches: map[string][]string{"org/p1": {"master"}},
		TriggerLtime:    42,
	}))

	// The old queues were set aside under the locks
	state, err := s.pipelineStore.Load("acme", "gate")
	require.NoError(t, err)
	assert.Empty(t, state.QueueIDs)
	assert.NotEmpty(t, state.OldQueueIDs)

	// The next pass re-enqueues the surviving item into the new structure
	s.RunOnce()
	state, err = s.pipelineStore.Load("acme", "gate")
	require.NoError(t, err)
	assert.Empty(t, state.OldQueueIDs)
	require.Len(t, state.Items, 1)
	for _, item := range state.Items {
		assert.Equal(t, change.CacheKey(), item.Change.CacheKey())
	}

	minLtimes, err := s.layoutStore.GetMinLtimes("acme")
	require.NoError(t, err)
	assert.Equal(t, int64(42), minLtimes["org/p1"]["master"])
}

func TestEnqueueAndDequeueOperatorCommands(t *testing.T) {
	client := zk.NewMemoryClient()
	s, source := newTestScheduler(t, client, writeTenantConfig(t, testTenantConfig))

	change := &model.Change{Project: "org/p1", Branch: "master", Number: "3", Patchset: "1"}
	source.changes[change.CacheKey()] = change

	require.NoError(t, s.Enqueue("acme", "gate", change))
	s.RunOnce()
	state, err := s.pipelineStore.Load("acme", "gate")
	require.NoError(t, err)
	require.Len(t, state.Items, 1)

	require.NoError(t, s.Dequeue("acme", "gate", change))
	s.RunOnce()
	state, err = s.pipelineStore.Load("acme", "gate")
	require.NoError(t, err)
	assert.Empty(t, state.Items)
}

func TestAutoholdEventCreatesHoldRequest(t *testing.T) {
	client := zk.NewMemoryClient()
	s, _ := newTestScheduler(t, client, writeTenantConfig(t, testTenantConfig))

	ev, err := model.NewEvent(model.EventKindAutohold, &model.AutoholdEvent{
		Request: &model.HoldRequest{
			Tenant: "acme", Project: "org/p1", Job: "unit",
			Reason: "debugging flaky test", MaxCount: 1,
		},
	})
	require.NoError(t, err)
	require.NoError(t, eventqueue.NewTenantManagementQueue(client, "acme").Put(ev))
	s.RunOnce()

	requests, err := s.holds.List()
	require.NoError(t, err)
	require.Len(t, requests, 1)
	assert.Equal(t, "unit", requests[0].Job)
}

func TestCommandSocket(t *testing.T) {
	client := zk.NewMemoryClient()
	s, _ := newTestScheduler(t, client, writeTenantConfig(t, testTenantConfig))

	path := filepath.Join(t.TempDir(), "cmd.sock")
	cs := NewCommandSocket(path, s.handleCommand)
	require.NoError(t, cs.Start())
	defer cs.Close()

	send := func(line string) string {
		conn, err := net.Dial("unix", path)
		require.NoError(t, err)
		defer conn.Close()
		_, err = conn.Write([]byte(line + "\n"))
		require.NoError(t, err)
		resp, err := bufio.NewReader(conn).ReadString('\n')
		require.NoError(t, err)
		return resp[:len(resp)-1]
	}

	assert.Equal(t, "OK", send("tenant-reconfigure acme"))
	n, err := eventqueue.NewTenantManagementQueue(client, "acme").Len()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	before, err := s.layoutStore.Get("acme")
	require.NoError(t, err)
	s.RunOnce()
	after, err := s.layoutStore.Get("acme")
	require.NoError(t, err)
	assert.NotEqual(t, before.UUID, after.UUID, "queued reconfiguration ran")

	assert.Equal(t, "OK", send("smart-reconfigure"))
	assert.Contains(t, send("bogus"), "ERR")
	assert.Contains(t, send("tenant-reconfigure"), "usage")
}

func TestGeneralCleanupCollectsOrphanedNodeRequests(t *testing.T) {
	client := zk.NewMemoryClient()
	s, _ := newTestScheduler(t, client, writeTenantConfig(t, testTenantConfig))

	req := s.nodepool.NewRequest(
		&model.BuildSet{UUID: uuid.NewString()},
		&model.FrozenJob{Name: "unit", Labels: []string{"small"}},
		0, model.PrecedenceNormal, "acme", "gate", "ev1")
	require.NoError(t, s.nodepool.Submit(req))

	require.NoError(t, s.cleanup.RunGeneralCleanup())
	outstanding, err := s.nodepool.OutstandingRequests()
	require.NoError(t, err)
	assert.Empty(t, outstanding, "request no buildset references is deleted")
}

func TestGeneralCleanupCollectsUnusedBlobs(t *testing.T) {
	client := zk.NewMemoryClient()
	s, _ := newTestScheduler(t, client, writeTenantConfig(t, testTenantConfig))

	key, err := s.blobs.Put([]byte("frozen job parameters"))
	require.NoError(t, err)

	// Reading the blob would refresh its last-used time, so check raw
	// existence instead.
	blobExists := func() bool {
		exists, _, err := client.Exists(zk.BlobRoot + "/" + key)
		require.NoError(t, err)
		return exists
	}

	// First run only records the watermark; the second collects anything
	// untouched since.
	require.NoError(t, s.cleanup.RunGeneralCleanup())
	assert.True(t, blobExists(), "blob survives the watermark run")

	require.NoError(t, s.cleanup.RunGeneralCleanup())
	assert.False(t, blobExists(), "unused blob collected on the second run")
}

func TestMinReadyReconciliationAssignsLabels(t *testing.T) {
	client := zk.NewMemoryClient()
	s, _ := newTestScheduler(t, client, writeTenantConfig(t, testTenantConfig))
	s.cfg.MinReady = map[string]int{"small": 1}

	reg, err := registry.Register(client, model.ComponentInfo{
		Kind:     registry.KindLauncher,
		Hostname: "launcher-1",
		State:    model.ComponentRunning,
	})
	require.NoError(t, err)
	defer reg.Unregister()

	require.NoError(t, s.cleanup.RunMinReadyReconciliation())
	assignments, err := s.nodepool.MinReadyAssignments()
	require.NoError(t, err)
	require.Len(t, assignments, 1)
	assert.Equal(t, "launcher-1", assignments["small"].Launcher)
	assert.Equal(t, 1, assignments["small"].Count)
}

func TestBuildAndMergeCleanupRun(t *testing.T) {
	client := zk.NewMemoryClient()
	s, _ := newTestScheduler(t, client, writeTenantConfig(t, testTenantConfig))
	assert.NoError(t, s.cleanup.RunBuildRequestCleanup())
	assert.NoError(t, s.cleanup.RunMergeRequestCleanup())
	assert.NoError(t, s.cleanup.RunSemaphoreCleanup())
}

func TestEmitStats(t *testing.T) {
	client := zk.NewMemoryClient()
	s, _ := newTestScheduler(t, client, writeTenantConfig(t, testTenantConfig))

	reg, err := registry.Register(client, model.ComponentInfo{
		Hostname: "exec1", Kind: registry.KindExecutor, State: model.ComponentRunning,
	})
	require.NoError(t, err)
	defer reg.Unregister()

	assert.NoError(t, s.EmitStats())
}

func TestReconfigPendingYieldsToReconfiguration(t *testing.T) {
	client := zk.NewMemoryClient()
	s, _ := newTestScheduler(t, client, writeTenantConfig(t, testTenantConfig))

	assert.False(t, s.reconfigPending("acme"))
	lock, err := zk.AcquireLock(client, tenantLockPath("acme"), reconfigIdentifier, true, 0)
	require.NoError(t, err)
	assert.True(t, s.reconfigPending("acme"))
	require.NoError(t, lock.Release())
	assert.False(t, s.reconfigPending("acme"))
}
