package layout

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blurrycontour/zuul-gerrit-sub000/pkg/model"
	"github.com/blurrycontour/zuul-gerrit-sub000/pkg/zk"
)

func TestSetGetState(t *testing.T) {
	c := zk.NewMemoryClient()
	s := NewStore(c)

	_, err := s.Get("acme")
	assert.ErrorIs(t, err, zk.ErrNoNode)

	state := &model.LayoutState{
		UUID:             uuid.NewString(),
		Hostname:         "sched1",
		LastReconfigured: 12345,
	}
	require.NoError(t, s.Set("acme", state))
	assert.NotZero(t, state.Ltime)

	got, err := s.Get("acme")
	require.NoError(t, err)
	assert.Equal(t, state.UUID, got.UUID)
	assert.Equal(t, state.Ltime, got.Ltime)

	// A newer write advances the ltime
	prev := state.Ltime
	require.NoError(t, s.Set("acme", state))
	assert.Greater(t, state.Ltime, prev)
}

func TestMinLtimesRoundTrip(t *testing.T) {
	c := zk.NewMemoryClient()
	s := NewStore(c)

	got, err := s.GetMinLtimes("acme")
	require.NoError(t, err)
	assert.Nil(t, got)

	want := map[string]map[string]int64{
		"org/p1": {"master": 100, "stable": 90},
		"org/p2": {"master": 80},
	}
	require.NoError(t, s.SetMinLtimes("acme", want))

	got, err = s.GetMinLtimes("acme")
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestLayoutRoundTrip(t *testing.T) {
	c := zk.NewMemoryClient()
	s := NewStore(c)

	layout := &model.Layout{
		UUID:   uuid.NewString(),
		Tenant: "acme",
		Pipelines: []model.PipelineConfig{{
			Name:                 "gate",
			Manager:              model.ManagerDependent,
			WindowInitial:        20,
			WindowFloor:          3,
			WindowIncreaseType:   model.WindowLinear,
			WindowIncreaseFactor: 1,
			WindowDecreaseType:   model.WindowExponential,
			WindowDecreaseFactor: 2,
		}},
		Projects: map[string]*model.ProjectConfig{
			"org/p1": {
				Name:      "org/p1",
				QueueName: "integrated",
				Jobs: map[string][]model.FrozenJob{
					"gate": {{Name: "job1", Voting: true, Attempts: 3, Labels: []string{"small"}}},
				},
			},
		},
		Semaphores: map[string]model.SemaphoreDef{"sem1": {Name: "sem1", Max: 2}},
	}
	require.NoError(t, s.SetLayout("acme", layout))

	got, err := s.GetLayout("acme")
	require.NoError(t, err)
	assert.Equal(t, layout, got)
}

func TestCleanupTenant(t *testing.T) {
	c := zk.NewMemoryClient()
	s := NewStore(c)

	require.NoError(t, s.Set("acme", &model.LayoutState{UUID: uuid.NewString()}))
	require.NoError(t, s.SetLayout("acme", &model.Layout{UUID: uuid.NewString(), Tenant: "acme"}))

	require.NoError(t, s.CleanupTenant("acme"))
	_, err := s.Get("acme")
	assert.ErrorIs(t, err, zk.ErrNoNode)
}
