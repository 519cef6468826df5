package model

import "time"

// MergeState tracks the repository merge state of a buildset
type MergeState string

const (
	MergePending  MergeState = "pending"
	MergeComplete MergeState = "complete"
)

// Build is one execution of one job. The empty Result means running.
type Build struct {
	UUID      string    `json:"uuid"`
	JobName   string    `json:"job_name"`
	StartTime time.Time `json:"start_time,omitempty"`
	EndTime   time.Time `json:"end_time,omitempty"`
	Result    string    `json:"result,omitempty"`
	URL       string    `json:"url,omitempty"`
	WorkerInfo string   `json:"worker_info,omitempty"`
	Paused    bool      `json:"paused,omitempty"`
	Held      bool      `json:"held,omitempty"`
	Retry     bool      `json:"retry,omitempty"`
	Canceled  bool      `json:"canceled,omitempty"`
	ResultData map[string]any `json:"result_data,omitempty"`
	Nodes     []string  `json:"nodes,omitempty"`

	// Serialized span context so the build's span can be ended from a
	// result event, possibly on a different scheduler.
	SpanContext map[string]string `json:"span_context,omitempty"`
}

// Complete reports whether the build reached a final state
func (b *Build) Complete() bool {
	return b.Result != "" && b.Result != ResultRetry
}

// BuildSet is one attempt at running all of an item's jobs against one
// speculative repository state.
type BuildSet struct {
	UUID          string     `json:"uuid"`
	ItemUUID      string     `json:"item_uuid"`
	JobGraph      []FrozenJob `json:"job_graph,omitempty"`
	MergeState    MergeState `json:"merge_state"`
	MergedCommit  string     `json:"merged_commit,omitempty"`
	Files         []string   `json:"files,omitempty"`
	NodeRequests  map[string]string `json:"node_requests,omitempty"` // job -> request uuid
	Tries         map[string]int    `json:"tries,omitempty"`         // job -> attempt count

	// UUID of the outstanding merge (or files) request, empty when none
	MergeRequestUUID string `json:"merge_request_uuid,omitempty"`

	// Speculative config files of a config-touching change, fetched by the
	// merger before the job graph freezes.
	ConfigFiles      map[string]string `json:"config_files,omitempty"`
	ConfigFilesReady bool              `json:"config_files_ready,omitempty"`

	// Builds are persisted as their own child nodes under the buildset
	Builds map[string]*Build `json:"-"` // job -> build
	UnableToMerge bool       `json:"unable_to_merge,omitempty"`
	Warnings      []string   `json:"warnings,omitempty"`

	// UUID of the dynamic layout in effect for this buildset, empty when
	// the tenant's static layout applies.
	LayoutUUID  string            `json:"layout_uuid,omitempty"`
	SpanContext map[string]string `json:"span_context,omitempty"`
}

// Job returns the frozen job by name, or nil
func (bs *BuildSet) Job(name string) *FrozenJob {
	for i := range bs.JobGraph {
		if bs.JobGraph[i].Name == name {
			return &bs.JobGraph[i]
		}
	}
	return nil
}

// Build returns the current build for a job, or nil
func (bs *BuildSet) Build(job string) *Build {
	if bs.Builds == nil {
		return nil
	}
	return bs.Builds[job]
}

// AddBuild records a build for its job and bumps the try counter
func (bs *BuildSet) AddBuild(b *Build) {
	if bs.Builds == nil {
		bs.Builds = map[string]*Build{}
	}
	if bs.Tries == nil {
		bs.Tries = map[string]int{}
	}
	bs.Builds[b.JobName] = b
	bs.Tries[b.JobName]++
}

// QueueItem is one change's position in a change queue. ItemAhead and
// ItemsBehind are UUID references resolved against the owning queue.
type QueueItem struct {
	UUID        string    `json:"uuid"`
	Change      *Change   `json:"change"`
	Live        bool      `json:"live"`
	EnqueueTime time.Time `json:"enqueue_time"`
	ItemAhead   string    `json:"item_ahead,omitempty"`
	ItemsBehind []string  `json:"items_behind,omitempty"`

	BuildSetUUID string `json:"buildset_uuid,omitempty"`

	// The buildset is persisted as its own child node under the item
	BuildSet *BuildSet `json:"-"`

	QueueID string `json:"queue_id"`

	// Reporting state
	ReportedStart  bool   `json:"reported_start,omitempty"`
	Reported       bool   `json:"reported,omitempty"`
	ReportedResult string `json:"reported_result,omitempty"`

	// Set when the item's dependencies no longer permit a merge; the item
	// stays in the queue until its dequeue report has fired once.
	DequeuedNeedingChange bool `json:"dequeued_needing_change,omitempty"`

	EventID string `json:"event_id,omitempty"`
}

// CurrentBuild returns the item's build for a job, or nil
func (i *QueueItem) CurrentBuild(job string) *Build {
	if i.BuildSet == nil {
		return nil
	}
	return i.BuildSet.Build(job)
}

// AreAllJobsComplete reports whether every job in the graph has a final
// build result (or was skipped).
func (i *QueueItem) AreAllJobsComplete() bool {
	if i.BuildSet == nil || len(i.BuildSet.JobGraph) == 0 {
		return true
	}
	for _, job := range i.BuildSet.JobGraph {
		b := i.BuildSet.Build(job.Name)
		if b == nil || !b.Complete() {
			return false
		}
	}
	return true
}

// DidAnyJobFail reports whether any voting job reached a final failure
func (i *QueueItem) DidAnyJobFail() bool {
	if i.BuildSet == nil {
		return false
	}
	if i.BuildSet.UnableToMerge {
		return true
	}
	for _, job := range i.BuildSet.JobGraph {
		if !job.Voting {
			continue
		}
		b := i.BuildSet.Build(job.Name)
		if b == nil || !b.Complete() {
			continue
		}
		if b.Result != ResultSuccess && b.Result != ResultSkipped {
			return true
		}
	}
	return false
}

// ChangeQueue is an ordered sequence of queue items. Items holds UUIDs in
// queue order, head first.
type ChangeQueue struct {
	ID       string   `json:"id"`
	Name     string   `json:"name,omitempty"`
	Pipeline string   `json:"pipeline"`
	Projects []string `json:"projects,omitempty"`
	Items    []string `json:"items"`
	Window   int      `json:"window"`
	WindowFloor int   `json:"window_floor,omitempty"`
	Dynamic  bool     `json:"dynamic,omitempty"`
}

// NodeState values for allocated nodes
const (
	NodeReady  = "ready"
	NodeInUse  = "in-use"
	NodeUsed   = "used"
	NodeHold   = "hold"
	NodeFailed = "failed"
)

// Node is an allocated build resource owned by the external allocator
type Node struct {
	ID         string `json:"id"`
	Label      string `json:"label"`
	State      string `json:"state"`
	LockHolder string `json:"lock_holder,omitempty"`
	ConnectionInfo map[string]string `json:"connection_info,omitempty"`
	Comment    string `json:"comment,omitempty"`
	HoldJob    string `json:"hold_job,omitempty"`
}

// NodeRequest states
const (
	RequestRequested = "requested"
	RequestPending   = "pending"
	RequestFulfilled = "fulfilled"
	RequestFailed    = "failed"
)

// NodeRequest asks the allocator for a set of labeled nodes
type NodeRequest struct {
	UUID             string   `json:"uuid"`
	NodeTypes        []string `json:"node_types"`
	Requestor        string   `json:"requestor"`
	State            string   `json:"state"`
	StateTime        int64    `json:"state_time,omitempty"`
	Nodes            []string `json:"nodes,omitempty"`
	Precedence       Precedence `json:"-"`
	RelativePriority int      `json:"relative_priority,omitempty"`

	BuildSetUUID string `json:"buildset_uuid,omitempty"`
	JobName      string `json:"job_name,omitempty"`
	TenantName   string `json:"tenant_name,omitempty"`
	PipelineName string `json:"pipeline_name,omitempty"`
	EventID      string `json:"event_id,omitempty"`

	// Path of the request node in the store; empty when unsubmitted or
	// after the request node vanished with the session.
	ID string `json:"-"`
}

// HoldRequest parks failing nodes of a job for debugging
type HoldRequest struct {
	ID        string `json:"id,omitempty"`
	Tenant    string `json:"tenant"`
	Project   string `json:"project"`
	Job       string `json:"job"`
	RefFilter string `json:"ref_filter,omitempty"`
	Reason    string `json:"reason,omitempty"`
	MaxCount  int    `json:"max_count"`
	Current   int    `json:"current"`
	NodeExpiration int64 `json:"node_expiration,omitempty"`
}

// Matches reports whether a failed build falls under this hold request
func (h *HoldRequest) Matches(tenant, project, job string) bool {
	return h.Tenant == tenant && h.Project == project && h.Job == job &&
		h.Current < h.MaxCount
}

// Component states for the registry
const (
	ComponentStopped      = "stopped"
	ComponentInitializing = "initializing"
	ComponentRunning      = "running"
	ComponentPaused       = "paused"
)

// ComponentInfo is the ephemeral registration record of a live process
type ComponentInfo struct {
	Hostname      string `json:"hostname"`
	Kind          string `json:"kind"`
	State         string `json:"state"`
	Version       string `json:"version"`
	Zone          string `json:"zone,omitempty"`
	AcceptingWork bool   `json:"accepting_work,omitempty"`
}
