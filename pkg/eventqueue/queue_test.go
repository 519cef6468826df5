package eventqueue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blurrycontour/zuul-gerrit-sub000/pkg/model"
	"github.com/blurrycontour/zuul-gerrit-sub000/pkg/zk"
)

func triggerEvent(t *testing.T, id string) *model.Event {
	t.Helper()
	ev, err := model.NewEvent(model.EventKindTrigger, &model.TriggerEvent{
		EventID: id,
		Type:    "patchset-created",
		Project: "org/project",
		Branch:  "master",
	})
	require.NoError(t, err)
	return ev
}

func TestFIFOOrderAndAck(t *testing.T) {
	c := zk.NewMemoryClient()
	q := NewTenantTriggerQueue(c, "acme")

	for _, id := range []string{"e1", "e2", "e3"} {
		require.NoError(t, q.Put(triggerEvent(t, id)))
	}

	events, err := q.Iter()
	require.NoError(t, err)
	require.Len(t, events, 3)

	var ids []string
	for _, ev := range events {
		te := &model.TriggerEvent{}
		require.NoError(t, ev.Decode(te))
		ids = append(ids, te.EventID)
	}
	assert.Equal(t, []string{"e1", "e2", "e3"}, ids)

	// Ack the first; the rest stay in order
	require.NoError(t, q.Ack(events[0], ""))
	events, err = q.Iter()
	require.NoError(t, err)
	require.Len(t, events, 2)
	te := &model.TriggerEvent{}
	require.NoError(t, events[0].Decode(te))
	assert.Equal(t, "e2", te.EventID)

	// Double ack is tolerated
	require.NoError(t, q.Ack(events[0], ""))
	require.NoError(t, q.Ack(events[0], ""))
}

func TestTenantReconfigureMerge(t *testing.T) {
	c := zk.NewMemoryClient()
	q := NewTenantManagementQueue(c, "acme")

	put := func(tenant, project string, branches []string) {
		ev, err := model.NewEvent(model.EventKindTenantReconfigure, &model.TenantReconfigureEvent{
			Tenant:          tenant,
			ProjectBranches: map[string][]string{project: branches},
		})
		require.NoError(t, err)
		require.NoError(t, q.Put(ev))
	}

	put("acme", "org/p1", []string{"master"})
	put("acme", "org/p2", []string{"stable", "master"})
	put("other", "org/p3", []string{"master"})

	events, err := q.Iter()
	require.NoError(t, err)
	// The two acme events collapse into one; the other tenant stays separate
	require.Len(t, events, 2)

	tre := &model.TenantReconfigureEvent{}
	require.NoError(t, events[0].Decode(tre))
	assert.Equal(t, "acme", tre.Tenant)
	assert.ElementsMatch(t, []string{"master"}, tre.ProjectBranches["org/p1"])
	assert.ElementsMatch(t, []string{"stable", "master"}, tre.ProjectBranches["org/p2"])
	require.Len(t, events[0].ExtraAcks, 1)

	// Acking the merged event clears both queue nodes
	require.NoError(t, q.Ack(events[0], ""))
	require.NoError(t, q.Ack(events[1], ""))
	n, err := q.Len()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestResultFuture(t *testing.T) {
	c := zk.NewMemoryClient()
	q := NewPipelineManagementQueue(c, "acme", "gate")

	ev, err := model.NewEvent(model.EventKindPromote, &model.PromoteEvent{
		Pipeline: "gate",
		Changes:  []string{"1,1"},
	})
	require.NoError(t, err)

	future, err := q.PutWait(ev)
	require.NoError(t, err)

	done := make(chan string, 1)
	go func() {
		result, err := future.Wait(5 * time.Second)
		if err != nil {
			done <- "error: " + err.Error()
			return
		}
		done <- result
	}()

	events, err := q.Iter()
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.NoError(t, q.Ack(events[0], ""))

	assert.Equal(t, "", <-done)
}

func TestResultFutureCarriesTraceback(t *testing.T) {
	c := zk.NewMemoryClient()
	q := NewPipelineManagementQueue(c, "acme", "gate")

	ev, err := model.NewEvent(model.EventKindDequeue, &model.DequeueEvent{Pipeline: "gate"})
	require.NoError(t, err)
	future, err := q.PutWait(ev)
	require.NoError(t, err)

	events, err := q.Iter()
	require.NoError(t, err)
	require.NoError(t, q.Ack(events[0], "no such change"))

	result, err := future.Wait(5 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "no such change", result)
}

func TestUndecodableEventIsDropped(t *testing.T) {
	c := zk.NewMemoryClient()
	q := NewTenantTriggerQueue(c, "acme")
	require.NoError(t, c.EnsurePath(q.Root()))
	_, err := c.Create(q.Root()+"/ev-", []byte("not json"), zk.FlagSequence)
	require.NoError(t, err)
	require.NoError(t, q.Put(triggerEvent(t, "good")))

	events, err := q.Iter()
	require.NoError(t, err)
	require.Len(t, events, 1)
}
