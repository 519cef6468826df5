package nodepool

import (
	"encoding/json"
	"errors"
	"sort"

	"github.com/blurrycontour/zuul-gerrit-sub000/pkg/model"
	"github.com/blurrycontour/zuul-gerrit-sub000/pkg/zk"
)

// HoldRequestStore keeps autohold directives: which failing jobs should
// have their nodes parked for debugging instead of returned.
type HoldRequestStore struct {
	client zk.Client
}

// NewHoldRequestStore creates the store
func NewHoldRequestStore(client zk.Client) *HoldRequestStore {
	return &HoldRequestStore{client: client}
}

// Create records a new hold request as a sequence node
func (h *HoldRequestStore) Create(hr *model.HoldRequest) error {
	data, err := json.Marshal(hr)
	if err != nil {
		return err
	}
	if err := h.client.EnsurePath(zk.HoldRequestRoot); err != nil {
		return err
	}
	path, err := h.client.Create(zk.HoldRequestRoot+"/hold-", data, zk.FlagSequence)
	if err != nil {
		return err
	}
	hr.ID = path
	return nil
}

// List returns all hold requests in creation order
func (h *HoldRequestStore) List() ([]*model.HoldRequest, error) {
	children, err := h.client.Children(zk.HoldRequestRoot)
	if err != nil {
		if errors.Is(err, zk.ErrNoNode) {
			return nil, nil
		}
		return nil, err
	}
	sort.Strings(children)
	var requests []*model.HoldRequest
	for _, child := range children {
		path := zk.HoldRequestRoot + "/" + child
		data, _, err := h.client.Get(path)
		if err != nil {
			if errors.Is(err, zk.ErrNoNode) {
				continue
			}
			return nil, err
		}
		hr := &model.HoldRequest{}
		if err := json.Unmarshal(data, hr); err != nil {
			continue
		}
		hr.ID = path
		requests = append(requests, hr)
	}
	return requests, nil
}

// Matching returns the first hold request matching a failed build, or nil
func (h *HoldRequestStore) Matching(tenant, project, job string) (*model.HoldRequest, error) {
	requests, err := h.List()
	if err != nil {
		return nil, err
	}
	for _, hr := range requests {
		if hr.Matches(tenant, project, job) {
			return hr, nil
		}
	}
	return nil, nil
}

// IncrementHolds bumps the hold counter with a version check so two
// schedulers cannot both consume the last slot.
func (h *HoldRequestStore) IncrementHolds(hr *model.HoldRequest) error {
	data, stat, err := h.client.Get(hr.ID)
	if err != nil {
		return err
	}
	stored := &model.HoldRequest{}
	if err := json.Unmarshal(data, stored); err != nil {
		return err
	}
	stored.Current++
	out, err := json.Marshal(stored)
	if err != nil {
		return err
	}
	if _, err := h.client.Set(hr.ID, out, stat.Version); err != nil {
		return err
	}
	hr.Current = stored.Current
	return nil
}

// Delete removes a hold request
func (h *HoldRequestStore) Delete(hr *model.HoldRequest) error {
	err := h.client.Delete(hr.ID, zk.AnyVersion)
	if errors.Is(err, zk.ErrNoNode) {
		return nil
	}
	return err
}
