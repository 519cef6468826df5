package nodepool

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mitchellh/hashstructure/v2"
	"github.com/rs/zerolog"

	"github.com/blurrycontour/zuul-gerrit-sub000/pkg/log"
	"github.com/blurrycontour/zuul-gerrit-sub000/pkg/metrics"
	"github.com/blurrycontour/zuul-gerrit-sub000/pkg/model"
	"github.com/blurrycontour/zuul-gerrit-sub000/pkg/zk"
)

const (
	requestRoot  = zk.NodepoolRoot + "/requests"
	nodeRoot     = zk.NodepoolRoot + "/nodes"
	minReadyRoot = zk.NodepoolRoot + "/min-ready"
)

// Service mediates between pipeline managers and the external node
// allocator. Requests are written to a priority-sorted path the allocator
// watches; fulfilled nodes are locked before use and returned when done.
type Service struct {
	client    zk.Client
	requestor string
	logger    zerolog.Logger

	// nodeLocks holds the locks of accepted nodes keyed by node id
	nodeLocks map[string]*zk.Lock
}

// NewService creates a node request service. requestor identifies this
// system in request records so cleanup can reconcile its own requests.
func NewService(client zk.Client, requestor string) *Service {
	return &Service{
		client:    client,
		requestor: requestor,
		logger:    log.WithComponent("nodepool"),
		nodeLocks: map[string]*zk.Lock{},
	}
}

// NewRequest builds a node request for a job of a buildset
func (s *Service) NewRequest(buildset *model.BuildSet, job *model.FrozenJob, relativePriority int, precedence model.Precedence, tenant, pipeline, eventID string) *model.NodeRequest {
	return &model.NodeRequest{
		UUID:             uuid.NewString(),
		NodeTypes:        append([]string(nil), job.Labels...),
		Requestor:        s.requestor,
		State:            model.RequestRequested,
		Precedence:       precedence,
		RelativePriority: relativePriority,
		BuildSetUUID:     buildset.UUID,
		JobName:          job.Name,
		TenantName:       tenant,
		PipelineName:     pipeline,
		EventID:          eventID,
	}
}

// Submit writes the request to the allocator's queue. The request node path
// is priority-prefixed so the allocator serves high precedence first.
func (s *Service) Submit(req *model.NodeRequest) error {
	req.State = model.RequestRequested
	req.StateTime = time.Now().UnixNano()
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	if err := s.client.EnsurePath(requestRoot); err != nil {
		return err
	}
	path, err := s.client.Create(
		fmt.Sprintf("%s/%d00-", requestRoot, int(req.Precedence)), data, zk.FlagSequence)
	if err != nil {
		return fmt.Errorf("failed to submit node request: %w", err)
	}
	req.ID = path
	metrics.NodeRequestsOutstanding.Inc()
	return nil
}

// Refresh re-reads the request from the store. A missing node with the
// session intact means the allocator (or cleanup) removed it.
func (s *Service) Refresh(req *model.NodeRequest) error {
	if req.ID == "" {
		return zk.ErrNoNode
	}
	data, _, err := s.client.Get(req.ID)
	if err != nil {
		return err
	}
	stored := &model.NodeRequest{}
	if err := json.Unmarshal(data, stored); err != nil {
		return err
	}
	req.State = stored.State
	req.Nodes = stored.Nodes
	req.StateTime = stored.StateTime
	return nil
}

// Cancel withdraws an unfulfilled request
func (s *Service) Cancel(req *model.NodeRequest) error {
	if req.ID == "" {
		return nil
	}
	err := s.client.Delete(req.ID, zk.AnyVersion)
	if err != nil && !errors.Is(err, zk.ErrNoNode) {
		return err
	}
	req.ID = ""
	metrics.NodeRequestsOutstanding.Dec()
	return nil
}

// RevisePriority updates the relative priority of a waiting request. If the
// allocator has already locked the request this is a no-op; it is about to
// be fulfilled anyway.
func (s *Service) RevisePriority(req *model.NodeRequest, relativePriority int) error {
	if req.ID == "" {
		return nil
	}
	locked, _, err := s.client.Exists(req.ID + "/lock")
	if err != nil {
		return err
	}
	if locked {
		return nil
	}
	data, stat, err := s.client.Get(req.ID)
	if err != nil {
		if errors.Is(err, zk.ErrNoNode) {
			return nil
		}
		return err
	}
	stored := &model.NodeRequest{}
	if err := json.Unmarshal(data, stored); err != nil {
		return err
	}
	stored.RelativePriority = relativePriority
	out, err := json.Marshal(stored)
	if err != nil {
		return err
	}
	_, err = s.client.Set(req.ID, out, stat.Version)
	if errors.Is(err, zk.ErrBadVersion) {
		// The allocator got there first; leave it be
		return nil
	}
	req.RelativePriority = relativePriority
	return err
}

// CheckLost reports whether a submitted request's node has vanished (the
// session that created it was severed). The caller resubmits the request
// as-is; its state reverts to requested.
func (s *Service) CheckLost(req *model.NodeRequest) (bool, error) {
	if req.ID == "" {
		return false, nil
	}
	exists, _, err := s.client.Exists(req.ID)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}
	req.ID = ""
	req.State = model.RequestRequested
	req.Nodes = nil
	return true, nil
}

// Resubmit re-queues a request whose node was lost
func (s *Service) Resubmit(req *model.NodeRequest) error {
	s.logger.Warn().Str("request", req.UUID).Msg("resubmitting lost node request")
	return s.Submit(req)
}

// Accept takes ownership of a fulfilled request: every allocated node is
// locked, then the request node is deleted. On a failed request the request
// node is deleted and an error returned.
func (s *Service) Accept(req *model.NodeRequest) ([]*model.Node, error) {
	if err := s.Refresh(req); err != nil {
		return nil, err
	}
	switch req.State {
	case model.RequestFailed:
		_ = s.Cancel(req)
		return nil, fmt.Errorf("node request %s failed", req.UUID)
	case model.RequestFulfilled:
	default:
		return nil, fmt.Errorf("node request %s not fulfilled (state %s)", req.UUID, req.State)
	}

	var nodes []*model.Node
	for _, id := range req.Nodes {
		node, err := s.lockNode(id)
		if err != nil {
			// Unwind; the request stays acceptable on retry
			for _, n := range nodes {
				s.unlockNode(n.ID)
			}
			return nil, err
		}
		nodes = append(nodes, node)
	}

	if err := s.client.Delete(req.ID, zk.AnyVersion); err != nil && !errors.Is(err, zk.ErrNoNode) {
		for _, n := range nodes {
			s.unlockNode(n.ID)
		}
		return nil, err
	}
	req.ID = ""
	metrics.NodeRequestsOutstanding.Dec()
	return nodes, nil
}

func (s *Service) lockNode(id string) (*model.Node, error) {
	lock, err := zk.AcquireLock(s.client, nodePath(id)+"/lock", s.requestor, false, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to lock node %s: %w", id, err)
	}
	node, err := s.getNode(id)
	if err != nil {
		_ = lock.Release()
		return nil, err
	}
	s.nodeLocks[id] = lock
	return node, nil
}

func (s *Service) unlockNode(id string) {
	if lock, ok := s.nodeLocks[id]; ok {
		_ = lock.Release()
		delete(s.nodeLocks, id)
	}
}

// Use marks accepted nodes in-use before handing them to the executor
func (s *Service) Use(nodes []*model.Node) error {
	for _, node := range nodes {
		node.State = model.NodeInUse
		if err := s.putNode(node); err != nil {
			return err
		}
	}
	return nil
}

// Return releases nodes after a build, marking them used and dropping the
// locks so the allocator can recycle them.
func (s *Service) Return(nodes []*model.Node) error {
	for _, node := range nodes {
		if node.State != model.NodeHold {
			node.State = model.NodeUsed
		}
		if err := s.putNode(node); err != nil {
			return err
		}
		s.unlockNode(node.ID)
	}
	return nil
}

// Hold parks a node for debugging instead of returning it, recording the
// hold request context on the node.
func (s *Service) Hold(node *model.Node, hr *model.HoldRequest) error {
	node.State = model.NodeHold
	node.Comment = hr.Reason
	node.HoldJob = fmt.Sprintf("%s %s %s", hr.Tenant, hr.Project, hr.Job)
	return s.putNode(node)
}

func nodePath(id string) string {
	return nodeRoot + "/" + id
}

func (s *Service) getNode(id string) (*model.Node, error) {
	node := &model.Node{}
	if _, err := zk.LoadJSON(s.client, nodePath(id), node); err != nil {
		return nil, err
	}
	return node, nil
}

func (s *Service) putNode(node *model.Node) error {
	_, err := zk.StoreJSON(s.client, nodePath(node.ID), node, zk.AnyVersion)
	return err
}

// Find locates a submitted request by uuid. The request node path changes
// on resubmission, so buildsets record only the uuid and re-resolve the
// path here. Returns nil when no record exists.
func (s *Service) Find(uuid string) (*model.NodeRequest, error) {
	children, err := s.client.Children(requestRoot)
	if err != nil {
		if errors.Is(err, zk.ErrNoNode) {
			return nil, nil
		}
		return nil, err
	}
	for _, child := range children {
		path := requestRoot + "/" + child
		data, _, err := s.client.Get(path)
		if err != nil {
			continue
		}
		req := &model.NodeRequest{}
		if err := json.Unmarshal(data, req); err != nil {
			continue
		}
		if req.UUID == uuid {
			req.ID = path
			return req, nil
		}
	}
	return nil, nil
}

// NodesByID loads node records by id, skipping ones that no longer exist
func (s *Service) NodesByID(ids []string) ([]*model.Node, error) {
	var nodes []*model.Node
	for _, id := range ids {
		node, err := s.getNode(id)
		if err != nil {
			if errors.Is(err, zk.ErrNoNode) {
				continue
			}
			return nil, err
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}

// CountNodesByState tallies node records by state for stats reporting
func (s *Service) CountNodesByState() (map[string]int, error) {
	children, err := s.client.Children(nodeRoot)
	if err != nil {
		if errors.Is(err, zk.ErrNoNode) {
			return nil, nil
		}
		return nil, err
	}
	counts := map[string]int{}
	for _, child := range children {
		node, err := s.getNode(child)
		if err != nil {
			continue
		}
		counts[node.State]++
	}
	return counts, nil
}

// OutstandingRequests lists this system's live request records; cleanup
// reconciles them against the buildsets that reference them.
func (s *Service) OutstandingRequests() (map[string]string, error) {
	children, err := s.client.Children(requestRoot)
	if err != nil {
		if errors.Is(err, zk.ErrNoNode) {
			return nil, nil
		}
		return nil, err
	}
	out := map[string]string{} // request uuid -> path
	for _, child := range children {
		path := requestRoot + "/" + child
		data, _, err := s.client.Get(path)
		if err != nil {
			continue
		}
		req := &model.NodeRequest{}
		if err := json.Unmarshal(data, req); err != nil {
			continue
		}
		if req.Requestor == s.requestor {
			out[req.UUID] = path
		}
	}
	return out, nil
}

// DeleteRequestPath removes a leaked request record by path
func (s *Service) DeleteRequestPath(path string) error {
	err := zk.DeleteRecursive(s.client, path)
	if errors.Is(err, zk.ErrNoNode) {
		return nil
	}
	return err
}

// MinReadyAssignment is the published ownership record for a label's warm
// node pool: which launcher keeps how many nodes ready.
type MinReadyAssignment struct {
	Label    string `json:"label"`
	Launcher string `json:"launcher"`
	Count    int    `json:"count"`
}

// ReconcileMinReady publishes, for every label with a warm-node target, the
// launcher assigned to it, and withdraws assignments for labels that were
// dropped from the config or lost their launcher. Launchers watch their own
// assignments and pre-provision accordingly.
func (s *Service) ReconcileMinReady(targets map[string]int, launchers []model.ComponentInfo) error {
	existing, err := s.client.Children(minReadyRoot)
	if err != nil && !errors.Is(err, zk.ErrNoNode) {
		return err
	}
	for _, label := range existing {
		if targets[label] > 0 && AssignedLauncher(label, launchers) != "" {
			continue
		}
		if err := s.client.Delete(minReadyRoot+"/"+label, zk.AnyVersion); err != nil &&
			!errors.Is(err, zk.ErrNoNode) {
			return err
		}
		s.logger.Info().Str("label", label).Msg("withdrew min-ready assignment")
	}
	for label, count := range targets {
		if count <= 0 {
			continue
		}
		owner := AssignedLauncher(label, launchers)
		if owner == "" {
			continue
		}
		assignment := MinReadyAssignment{Label: label, Launcher: owner, Count: count}
		if _, err := zk.StoreJSON(s.client, minReadyRoot+"/"+label, assignment, zk.AnyVersion); err != nil {
			return err
		}
	}
	return nil
}

// MinReadyAssignments reads the current label ownership records
func (s *Service) MinReadyAssignments() (map[string]MinReadyAssignment, error) {
	children, err := s.client.Children(minReadyRoot)
	if err != nil {
		if errors.Is(err, zk.ErrNoNode) {
			return nil, nil
		}
		return nil, err
	}
	out := map[string]MinReadyAssignment{}
	for _, label := range children {
		var a MinReadyAssignment
		if _, err := zk.LoadJSON(s.client, minReadyRoot+"/"+label, &a); err != nil {
			continue
		}
		out[label] = a
	}
	return out, nil
}

// AssignedLauncher picks the launcher responsible for keeping a label's
// min-ready nodes warm: the running launcher with the lowest score for the
// label, so exactly one launcher owns each label cluster-wide.
func AssignedLauncher(label string, launchers []model.ComponentInfo) string {
	best := ""
	var bestScore uint64
	for _, l := range launchers {
		if l.State != model.ComponentRunning {
			continue
		}
		score, err := hashstructure.Hash([]string{label, l.Hostname}, hashstructure.FormatV2, nil)
		if err != nil {
			continue
		}
		if best == "" || score < bestScore {
			best = l.Hostname
			bestScore = score
		}
	}
	return best
}
