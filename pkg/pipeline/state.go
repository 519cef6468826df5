package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/blurrycontour/zuul-gerrit-sub000/pkg/model"
	"github.com/blurrycontour/zuul-gerrit-sub000/pkg/zk"
)

// State is the persisted form of one pipeline: its change queues, items,
// buildsets and builds, materialized from the store under the pipeline
// lock and written back as it changes. In-memory pointers are rebuilt from
// UUID references on load.
type State struct {
	Tenant   string   `json:"-"`
	Pipeline string   `json:"-"`
	QueueIDs []string `json:"queues"`

	// Queues replaced by a structural reconfiguration, awaiting
	// reenqueue on the next locked pass.
	OldQueueIDs []string `json:"old_queues,omitempty"`

	Queues map[string]*model.ChangeQueue `json:"-"`
	Items  map[string]*model.QueueItem   `json:"-"`

	version int32
}

// Summary is the condensed pipeline view written for web consumption
type Summary struct {
	Queues []QueueSummary `json:"queues"`
}

// QueueSummary summarizes one change queue
type QueueSummary struct {
	Name   string   `json:"name"`
	Window int      `json:"window"`
	Items  []string `json:"items"`
}

// Store reads and writes pipeline state trees:
//
//	/zuul/pipelines/<tenant>/<pipeline>/
//	   state
//	   dirty
//	   queues/<id>
//	   items/<uuid>
//	   items/<uuid>/buildset/<uuid>
//	   items/<uuid>/buildset/<uuid>/job/<name>
type Store struct {
	client zk.Client
}

// NewStore creates a pipeline state store
func NewStore(client zk.Client) *Store {
	return &Store{client: client}
}

func (s *Store) root(tenant, pipeline string) string {
	return fmt.Sprintf("%s/%s/%s", zk.PipelineRoot, tenant, pipeline)
}

// Load refreshes the full pipeline state from the store
func (s *Store) Load(tenant, pipeline string) (*State, error) {
	root := s.root(tenant, pipeline)
	state := &State{
		Tenant:   tenant,
		Pipeline: pipeline,
		Queues:   map[string]*model.ChangeQueue{},
		Items:    map[string]*model.QueueItem{},
	}
	stat, err := zk.LoadJSON(s.client, root+"/state", state)
	if err != nil {
		if errors.Is(err, zk.ErrNoNode) {
			// First use of this pipeline
			return state, nil
		}
		return nil, err
	}
	state.version = stat.Version

	for _, id := range append(append([]string(nil), state.QueueIDs...), state.OldQueueIDs...) {
		queue := &model.ChangeQueue{}
		if _, err := zk.LoadJSON(s.client, root+"/queues/"+id, queue); err != nil {
			if errors.Is(err, zk.ErrNoNode) {
				continue
			}
			return nil, err
		}
		state.Queues[id] = queue
		for _, itemUUID := range queue.Items {
			item, err := s.loadItem(root, itemUUID)
			if err != nil {
				if errors.Is(err, zk.ErrNoNode) {
					continue
				}
				return nil, err
			}
			state.Items[itemUUID] = item
		}
	}
	return state, nil
}

func (s *Store) loadItem(root, uuid string) (*model.QueueItem, error) {
	itemPath := root + "/items/" + uuid
	item := &model.QueueItem{}
	if _, err := zk.LoadJSON(s.client, itemPath, item); err != nil {
		return nil, err
	}
	if item.BuildSetUUID != "" {
		bsPath := itemPath + "/buildset/" + item.BuildSetUUID
		bs := &model.BuildSet{}
		if _, err := zk.LoadJSON(s.client, bsPath, bs); err == nil {
			bs.Builds = map[string]*model.Build{}
			jobs, err := s.client.Children(bsPath + "/job")
			if err == nil {
				for _, job := range jobs {
					build := &model.Build{}
					if _, err := zk.LoadJSON(s.client, bsPath+"/job/"+job, build); err == nil {
						bs.Builds[job] = build
					}
				}
			}
			item.BuildSet = bs
		}
	}
	return item, nil
}

// SaveState writes the top-level state node
func (s *Store) SaveState(state *State) error {
	root := s.root(state.Tenant, state.Pipeline)
	stat, err := zk.StoreJSON(s.client, root+"/state", state, zk.AnyVersion)
	if err != nil {
		return err
	}
	state.version = stat.Version
	return nil
}

// SaveQueue writes one change queue node
func (s *Store) SaveQueue(state *State, queue *model.ChangeQueue) error {
	root := s.root(state.Tenant, state.Pipeline)
	_, err := zk.StoreJSON(s.client, root+"/queues/"+queue.ID, queue, zk.AnyVersion)
	return err
}

// DeleteQueue removes an empty queue node
func (s *Store) DeleteQueue(state *State, queueID string) error {
	root := s.root(state.Tenant, state.Pipeline)
	err := s.client.Delete(root+"/queues/"+queueID, zk.AnyVersion)
	if errors.Is(err, zk.ErrNoNode) {
		return nil
	}
	return err
}

// SaveItem writes an item and, when present, its buildset and builds
func (s *Store) SaveItem(state *State, item *model.QueueItem) error {
	root := s.root(state.Tenant, state.Pipeline)
	itemPath := root + "/items/" + item.UUID
	if item.BuildSet != nil {
		item.BuildSetUUID = item.BuildSet.UUID
	}
	if _, err := zk.StoreJSON(s.client, itemPath, item, zk.AnyVersion); err != nil {
		return err
	}
	if item.BuildSet != nil {
		bsPath := itemPath + "/buildset/" + item.BuildSet.UUID
		if _, err := zk.StoreJSON(s.client, bsPath, item.BuildSet, zk.AnyVersion); err != nil {
			return err
		}
		for job, build := range item.BuildSet.Builds {
			if _, err := zk.StoreJSON(s.client, bsPath+"/job/"+job, build, zk.AnyVersion); err != nil {
				return err
			}
		}
	}
	return nil
}

// DeleteItem removes an item subtree
func (s *Store) DeleteItem(state *State, itemUUID string) error {
	root := s.root(state.Tenant, state.Pipeline)
	return zk.DeleteRecursive(s.client, root+"/items/"+itemUUID)
}

// DeleteBuildSet removes a reset buildset's subtree so a fresh one can be
// written.
func (s *Store) DeleteBuildSet(state *State, item *model.QueueItem, buildsetUUID string) error {
	root := s.root(state.Tenant, state.Pipeline)
	return zk.DeleteRecursive(s.client,
		fmt.Sprintf("%s/items/%s/buildset/%s", root, item.UUID, buildsetUUID))
}

// Dirty flag: presence of the dirty node means the pipeline has state
// changes that have not been fully processed and must be revisited even
// without new events.

func (s *Store) dirtyPath(tenant, pipeline string) string {
	return s.root(tenant, pipeline) + "/dirty"
}

// IsDirty reports the dirty flag
func (s *Store) IsDirty(tenant, pipeline string) (bool, error) {
	exists, _, err := s.client.Exists(s.dirtyPath(tenant, pipeline))
	return exists, err
}

// SetDirty raises the dirty flag
func (s *Store) SetDirty(tenant, pipeline string) error {
	err := s.client.EnsurePath(s.dirtyPath(tenant, pipeline))
	return err
}

// ClearDirty lowers the dirty flag
func (s *Store) ClearDirty(tenant, pipeline string) error {
	err := s.client.Delete(s.dirtyPath(tenant, pipeline), zk.AnyVersion)
	if errors.Is(err, zk.ErrNoNode) {
		return nil
	}
	return err
}

// SaveSummary writes the pipeline summary node
func (s *Store) SaveSummary(state *State) error {
	summary := Summary{}
	for _, id := range state.QueueIDs {
		queue, ok := state.Queues[id]
		if !ok {
			continue
		}
		qs := QueueSummary{Name: queue.Name, Window: queue.Window}
		for _, itemUUID := range queue.Items {
			if item, ok := state.Items[itemUUID]; ok && item.Change != nil {
				qs.Items = append(qs.Items, item.Change.CacheKey())
			}
		}
		summary.Queues = append(summary.Queues, qs)
	}
	data, err := json.Marshal(summary)
	if err != nil {
		return err
	}
	root := s.root(state.Tenant, state.Pipeline)
	if err := s.client.EnsurePath(root + "/summary"); err != nil {
		return err
	}
	_, err = s.client.Set(root+"/summary", data, zk.AnyVersion)
	return err
}

// LiveItemUUIDs returns the uuids of all items across all pipelines of a
// tenant; semaphore leak cleanup checks holders against it.
func (s *Store) LiveItemUUIDs(tenant string) (map[string]bool, error) {
	live := map[string]bool{}
	pipelines, err := s.client.Children(zk.PipelineRoot + "/" + tenant)
	if err != nil {
		if errors.Is(err, zk.ErrNoNode) {
			return live, nil
		}
		return nil, err
	}
	for _, pipeline := range pipelines {
		items, err := s.client.Children(s.root(tenant, pipeline) + "/items")
		if err != nil {
			if errors.Is(err, zk.ErrNoNode) {
				continue
			}
			return nil, err
		}
		for _, item := range items {
			live[item] = true
		}
	}
	return live, nil
}

// ReferencedChangeKeys returns the cache keys of all changes currently in
// any pipeline of any tenant; the connection cache cleanup keeps those.
func (s *Store) ReferencedChangeKeys() (map[string]bool, error) {
	keys := map[string]bool{}
	tenants, err := s.client.Children(zk.PipelineRoot)
	if err != nil {
		if errors.Is(err, zk.ErrNoNode) {
			return keys, nil
		}
		return nil, err
	}
	for _, tenant := range tenants {
		pipelines, err := s.client.Children(zk.PipelineRoot + "/" + tenant)
		if err != nil {
			continue
		}
		for _, pipeline := range pipelines {
			state, err := s.Load(tenant, pipeline)
			if err != nil {
				continue
			}
			for _, item := range state.Items {
				if item.Change != nil {
					keys[item.Change.CacheKey()] = true
				}
			}
		}
	}
	return keys, nil
}

// ReferencedNodeRequests returns the node request uuids referenced by any
// buildset of any pipeline.
func (s *Store) ReferencedNodeRequests() (map[string]bool, error) {
	refs := map[string]bool{}
	tenants, err := s.client.Children(zk.PipelineRoot)
	if err != nil {
		if errors.Is(err, zk.ErrNoNode) {
			return refs, nil
		}
		return nil, err
	}
	for _, tenant := range tenants {
		pipelines, err := s.client.Children(zk.PipelineRoot + "/" + tenant)
		if err != nil {
			continue
		}
		for _, pipeline := range pipelines {
			state, err := s.Load(tenant, pipeline)
			if err != nil {
				continue
			}
			for _, item := range state.Items {
				if item.BuildSet == nil {
					continue
				}
				for _, reqUUID := range item.BuildSet.NodeRequests {
					refs[reqUUID] = true
				}
			}
		}
	}
	return refs, nil
}
