package layout

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/blurrycontour/zuul-gerrit-sub000/pkg/model"
	"github.com/blurrycontour/zuul-gerrit-sub000/pkg/zk"
)

// layoutDataRoot holds the bulky per-tenant layout payloads; the small
// state node under zk.LayoutRoot is what watchers key on.
const layoutDataRoot = zk.Root + "/layout-data"

// Store persists the per-tenant layout state: which layout UUID a tenant is
// running, when it was reconfigured, and the sharded sidecars (frozen layout
// payload and branch-cache min-ltimes).
type Store struct {
	client zk.Client
}

// NewStore creates a layout store
func NewStore(client zk.Client) *Store {
	return &Store{client: client}
}

func statePath(tenant string) string {
	return fmt.Sprintf("%s/%s", zk.LayoutRoot, tenant)
}

// Get returns a tenant's layout state, or zk.ErrNoNode when the tenant has
// never been reconfigured. Ltime reflects the state node's last write.
func (s *Store) Get(tenant string) (*model.LayoutState, error) {
	state := &model.LayoutState{}
	stat, err := zk.LoadJSON(s.client, statePath(tenant), state)
	if err != nil {
		return nil, err
	}
	state.Ltime = stat.Ltime()
	return state, nil
}

// Set atomically replaces a tenant's layout state and fills in its Ltime
// from the transaction id of the write.
func (s *Store) Set(tenant string, state *model.LayoutState) error {
	stat, err := zk.StoreJSON(s.client, statePath(tenant), state, zk.AnyVersion)
	if err != nil {
		return err
	}
	state.Ltime = stat.Ltime()
	return nil
}

// SetMinLtimes stores the project->branch->ltime map used to validate
// cached configuration files on later reconfigurations. Sharded; it grows
// with the number of branches.
func (s *Store) SetMinLtimes(tenant string, minLtimes map[string]map[string]int64) error {
	data, err := json.Marshal(minLtimes)
	if err != nil {
		return err
	}
	return zk.WriteSharded(s.client, fmt.Sprintf("%s/%s/min-ltimes", layoutDataRoot, tenant), data)
}

// GetMinLtimes reads the min-ltimes sidecar; missing means no prior
// reconfiguration recorded one.
func (s *Store) GetMinLtimes(tenant string) (map[string]map[string]int64, error) {
	data, err := zk.ReadSharded(s.client, fmt.Sprintf("%s/%s/min-ltimes", layoutDataRoot, tenant))
	if err != nil {
		if errors.Is(err, zk.ErrNoNode) {
			return nil, nil
		}
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	out := map[string]map[string]int64{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SetLayout persists a frozen layout so other schedulers can adopt it
// without re-parsing configuration.
func (s *Store) SetLayout(tenant string, layout *model.Layout) error {
	data, err := json.Marshal(layout)
	if err != nil {
		return err
	}
	return zk.WriteSharded(s.client, fmt.Sprintf("%s/%s/layout", layoutDataRoot, tenant), data)
}

// GetLayout loads the persisted frozen layout for a tenant
func (s *Store) GetLayout(tenant string) (*model.Layout, error) {
	data, err := zk.ReadSharded(s.client, fmt.Sprintf("%s/%s/layout", layoutDataRoot, tenant))
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, zk.ErrNoNode
	}
	layout := &model.Layout{}
	if err := json.Unmarshal(data, layout); err != nil {
		return nil, err
	}
	return layout, nil
}

// CleanupTenant removes the layout records of a tenant deleted from the
// configuration.
func (s *Store) CleanupTenant(tenant string) error {
	if err := zk.DeleteRecursive(s.client, fmt.Sprintf("%s/%s", layoutDataRoot, tenant)); err != nil {
		return err
	}
	err := s.client.Delete(statePath(tenant), zk.AnyVersion)
	if errors.Is(err, zk.ErrNoNode) {
		return nil
	}
	return err
}

// Watch fires onChange whenever any tenant's layout state changes. The
// callback runs on the watch goroutine and must not block.
func (s *Store) Watch(onChange func()) func() {
	events, cancel := s.client.WatchTree(zk.LayoutRoot)
	go func() {
		for range events {
			onChange()
		}
	}()
	return cancel
}
