package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/blurrycontour/zuul-gerrit-sub000/pkg/log"
	"github.com/blurrycontour/zuul-gerrit-sub000/pkg/model"
	"github.com/blurrycontour/zuul-gerrit-sub000/pkg/zk"
)

// Component kinds
const (
	KindScheduler = "scheduler"
	KindExecutor  = "executor"
	KindMerger    = "merger"
	KindLauncher  = "launcher"
	KindWeb       = "web"
)

// Registration is a live component's presence in the registry. The backing
// node is ephemeral sequential, so a crashed process disappears with its
// session.
type Registration struct {
	client zk.Client
	path   string
	mu     sync.Mutex
	info   model.ComponentInfo
}

// Register announces a component under /zuul/components/<kind>/ and returns
// a handle used to update its state.
func Register(client zk.Client, info model.ComponentInfo) (*Registration, error) {
	root := fmt.Sprintf("%s/%s", zk.ComponentRoot, info.Kind)
	if err := client.EnsurePath(root); err != nil {
		return nil, err
	}
	data, err := json.Marshal(info)
	if err != nil {
		return nil, err
	}
	path, err := client.Create(
		fmt.Sprintf("%s/%s-", root, info.Hostname), data,
		zk.FlagEphemeral|zk.FlagSequence)
	if err != nil {
		return nil, fmt.Errorf("failed to register component: %w", err)
	}
	return &Registration{client: client, path: path, info: info}, nil
}

// SetState updates the registered component's state
func (r *Registration) SetState(state string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.info.State = state
	data, err := json.Marshal(r.info)
	if err != nil {
		return err
	}
	_, err = r.client.Set(r.path, data, zk.AnyVersion)
	return err
}

// Unregister removes the component record
func (r *Registration) Unregister() error {
	err := r.client.Delete(r.path, zk.AnyVersion)
	if errors.Is(err, zk.ErrNoNode) {
		return nil
	}
	return err
}

// Registry is a read view over the live components of the cluster
type Registry struct {
	client zk.Client
	logger zerolog.Logger
}

// NewRegistry creates a registry view
func NewRegistry(client zk.Client) *Registry {
	return &Registry{client: client, logger: log.WithComponent("registry")}
}

// AllOfKind returns the live components of one kind, ordered by their
// registration sequence.
func (r *Registry) AllOfKind(kind string) ([]model.ComponentInfo, error) {
	root := fmt.Sprintf("%s/%s", zk.ComponentRoot, kind)
	children, err := r.client.Children(root)
	if err != nil {
		if errors.Is(err, zk.ErrNoNode) {
			return nil, nil
		}
		return nil, err
	}
	sort.Strings(children)
	var infos []model.ComponentInfo
	for _, child := range children {
		data, _, err := r.client.Get(root + "/" + child)
		if err != nil {
			if errors.Is(err, zk.ErrNoNode) {
				continue
			}
			return nil, err
		}
		var info model.ComponentInfo
		if err := json.Unmarshal(data, &info); err != nil {
			r.logger.Warn().Err(err).Str("path", root+"/"+child).
				Msg("skipping undecodable component record")
			continue
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// All returns every live component keyed by kind
func (r *Registry) All() (map[string][]model.ComponentInfo, error) {
	kinds, err := r.client.Children(zk.ComponentRoot)
	if err != nil {
		if errors.Is(err, zk.ErrNoNode) {
			return nil, nil
		}
		return nil, err
	}
	all := map[string][]model.ComponentInfo{}
	for _, kind := range kinds {
		infos, err := r.AllOfKind(kind)
		if err != nil {
			return nil, err
		}
		all[kind] = infos
	}
	return all, nil
}

// RunningOfKind filters AllOfKind down to components accepting work
func (r *Registry) RunningOfKind(kind string) ([]model.ComponentInfo, error) {
	infos, err := r.AllOfKind(kind)
	if err != nil {
		return nil, err
	}
	var running []model.ComponentInfo
	for _, info := range infos {
		if info.State == model.ComponentRunning {
			running = append(running, info)
		}
	}
	return running, nil
}

// Watch delivers a callback whenever the set of registered components
// changes. The callback runs on the watch goroutine and must not block.
func (r *Registry) Watch(onChange func()) func() {
	events, cancel := r.client.WatchTree(zk.ComponentRoot)
	go func() {
		for range events {
			onChange()
		}
	}()
	return cancel
}
