package nodepool

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blurrycontour/zuul-gerrit-sub000/pkg/model"
	"github.com/blurrycontour/zuul-gerrit-sub000/pkg/zk"
)

// fakeAllocator fulfills or fails requests the way the external allocator
// would: it creates node records and rewrites the request state in place.
type fakeAllocator struct {
	t      *testing.T
	client zk.Client
}

func (f *fakeAllocator) fulfill(req *model.NodeRequest) []string {
	f.t.Helper()
	var ids []string
	for _, label := range req.NodeTypes {
		id := uuid.NewString()[:8]
		node := &model.Node{ID: id, Label: label, State: model.NodeReady}
		_, err := zk.StoreJSON(f.client, nodeRoot+"/"+id, node, zk.AnyVersion)
		require.NoError(f.t, err)
		ids = append(ids, id)
	}
	f.setState(req, model.RequestFulfilled, ids)
	return ids
}

func (f *fakeAllocator) fail(req *model.NodeRequest) {
	f.t.Helper()
	f.setState(req, model.RequestFailed, nil)
}

func (f *fakeAllocator) setState(req *model.NodeRequest, state string, nodes []string) {
	data, stat, err := f.client.Get(req.ID)
	require.NoError(f.t, err)
	stored := &model.NodeRequest{}
	require.NoError(f.t, json.Unmarshal(data, stored))
	stored.State = state
	stored.Nodes = nodes
	out, err := json.Marshal(stored)
	require.NoError(f.t, err)
	_, err = f.client.Set(req.ID, out, stat.Version)
	require.NoError(f.t, err)
}

func testRequest(s *Service) *model.NodeRequest {
	bs := &model.BuildSet{UUID: uuid.NewString()}
	job := &model.FrozenJob{Name: "job1", Labels: []string{"small", "large"}}
	return s.NewRequest(bs, job, 0, model.PrecedenceNormal, "acme", "gate", "ev1")
}

func TestSubmitAcceptUseReturn(t *testing.T) {
	c := zk.NewMemoryClient()
	s := NewService(c, "zuul-system")
	alloc := &fakeAllocator{t: t, client: c}

	req := testRequest(s)
	require.NoError(t, s.Submit(req))
	assert.NotEmpty(t, req.ID)

	alloc.fulfill(req)

	nodes, err := s.Accept(req)
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	assert.Empty(t, req.ID, "request node deleted on accept")

	require.NoError(t, s.Use(nodes))
	for _, n := range nodes {
		assert.Equal(t, model.NodeInUse, n.State)
	}

	require.NoError(t, s.Return(nodes))
	for _, n := range nodes {
		assert.Equal(t, model.NodeUsed, n.State)
	}

	// Locks were dropped; another requestor can lock the node now
	other := NewService(c, "other")
	_, err = other.lockNode(nodes[0].ID)
	require.NoError(t, err)
}

func TestAcceptFailedRequest(t *testing.T) {
	c := zk.NewMemoryClient()
	s := NewService(c, "zuul-system")
	alloc := &fakeAllocator{t: t, client: c}

	req := testRequest(s)
	require.NoError(t, s.Submit(req))
	alloc.fail(req)

	_, err := s.Accept(req)
	assert.Error(t, err)
	assert.Empty(t, req.ID)
}

func TestRevisePriorityNoopWhenLocked(t *testing.T) {
	c := zk.NewMemoryClient()
	s := NewService(c, "zuul-system")

	req := testRequest(s)
	require.NoError(t, s.Submit(req))

	// Allocator locks the request before fulfilling it
	require.NoError(t, c.EnsurePath(req.ID+"/lock"))

	require.NoError(t, s.RevisePriority(req, 5))

	data, _, err := c.Get(req.ID)
	require.NoError(t, err)
	stored := &model.NodeRequest{}
	require.NoError(t, json.Unmarshal(data, stored))
	assert.Zero(t, stored.RelativePriority, "priority unchanged while locked")
}

func TestRevisePriority(t *testing.T) {
	c := zk.NewMemoryClient()
	s := NewService(c, "zuul-system")

	req := testRequest(s)
	require.NoError(t, s.Submit(req))
	require.NoError(t, s.RevisePriority(req, 3))

	data, _, err := c.Get(req.ID)
	require.NoError(t, err)
	stored := &model.NodeRequest{}
	require.NoError(t, json.Unmarshal(data, stored))
	assert.Equal(t, 3, stored.RelativePriority)
}

func TestResubmitOnSessionLoss(t *testing.T) {
	c := zk.NewMemoryClient()
	s := NewService(c, "zuul-system")

	req := testRequest(s)
	require.NoError(t, s.Submit(req))
	firstID := req.ID

	// The request node is removed out from under us (session severed on
	// the creator side, cleanup swept it)
	require.NoError(t, c.Delete(firstID, zk.AnyVersion))

	lost, err := s.CheckLost(req)
	require.NoError(t, err)
	require.True(t, lost)
	assert.Empty(t, req.ID)
	assert.Equal(t, model.RequestRequested, req.State)

	require.NoError(t, s.Resubmit(req))
	assert.NotEmpty(t, req.ID)
	assert.NotEqual(t, firstID, req.ID)
}

func TestRequestPathsOrderByPrecedence(t *testing.T) {
	c := zk.NewMemoryClient()
	s := NewService(c, "zuul-system")

	high := testRequest(s)
	high.Precedence = model.PrecedenceHigh
	low := testRequest(s)
	low.Precedence = model.PrecedenceLow

	require.NoError(t, s.Submit(low))
	require.NoError(t, s.Submit(high))

	children, err := c.Children(requestRoot)
	require.NoError(t, err)
	require.Len(t, children, 2)
	// Sorted child names serve high precedence (smaller prefix) first
	assert.True(t, strings.HasPrefix(children[0], "000-"))
	assert.True(t, strings.HasPrefix(children[1], "200-"))
}

func TestHoldRequests(t *testing.T) {
	c := zk.NewMemoryClient()
	store := NewHoldRequestStore(c)

	hr := &model.HoldRequest{
		Tenant: "acme", Project: "org/p1", Job: "job1",
		Reason: "debug flaky test", MaxCount: 1,
	}
	require.NoError(t, store.Create(hr))
	require.NotEmpty(t, hr.ID)

	match, err := store.Matching("acme", "org/p1", "job1")
	require.NoError(t, err)
	require.NotNil(t, match)

	require.NoError(t, store.IncrementHolds(match))
	assert.Equal(t, 1, match.Current)

	// Exhausted requests no longer match
	match, err = store.Matching("acme", "org/p1", "job1")
	require.NoError(t, err)
	assert.Nil(t, match)

	list, err := store.List()
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.NoError(t, store.Delete(list[0]))
}

func TestAssignedLauncherIsStable(t *testing.T) {
	launchers := []model.ComponentInfo{
		{Hostname: "l1", State: model.ComponentRunning},
		{Hostname: "l2", State: model.ComponentRunning},
		{Hostname: "l3", State: model.ComponentPaused},
	}

	first := AssignedLauncher("ubuntu-jammy", launchers)
	require.NotEmpty(t, first)
	assert.NotEqual(t, "l3", first, "paused launchers are not eligible")
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, AssignedLauncher("ubuntu-jammy", launchers))
	}
}

func TestReconcileMinReadyPublishesAndWithdraws(t *testing.T) {
	client := zk.NewMemoryClient()
	svc := NewService(client, "zuul-system")
	launchers := []model.ComponentInfo{
		{Hostname: "l1", State: model.ComponentRunning},
		{Hostname: "l2", State: model.ComponentRunning},
	}

	targets := map[string]int{"small": 2, "large": 0}
	require.NoError(t, svc.ReconcileMinReady(targets, launchers))

	assignments, err := svc.MinReadyAssignments()
	require.NoError(t, err)
	require.Len(t, assignments, 1, "zero-target labels get no assignment")
	got := assignments["small"]
	assert.Equal(t, 2, got.Count)
	assert.Equal(t, AssignedLauncher("small", launchers), got.Launcher)

	// Re-running with the same inputs is a no-op upsert
	require.NoError(t, svc.ReconcileMinReady(targets, launchers))
	again, err := svc.MinReadyAssignments()
	require.NoError(t, err)
	assert.Equal(t, assignments, again)

	// Every launcher goes away; the assignment is withdrawn
	require.NoError(t, svc.ReconcileMinReady(targets, nil))
	assignments, err = svc.MinReadyAssignments()
	require.NoError(t, err)
	assert.Empty(t, assignments)
}
