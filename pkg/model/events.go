package model

import "encoding/json"

// Event kinds carried on the durable queues. The queue serializes an
// event_type tag next to the payload and decodes by switching on it.
const (
	EventKindTrigger          = "trigger"
	EventKindReconfigure      = "reconfigure"
	EventKindTenantReconfigure = "tenant-reconfigure"
	EventKindPromote          = "promote"
	EventKindEnqueue          = "enqueue"
	EventKindDequeue          = "dequeue"
	EventKindSupersede        = "supersede"
	EventKindAutohold         = "autohold"
	EventKindBuildStarted     = "build-started"
	EventKindBuildPaused      = "build-paused"
	EventKindBuildCompleted   = "build-completed"
	EventKindMergeCompleted   = "merge-completed"
	EventKindNodesProvisioned = "nodes-provisioned"
)

// AckRef locates the queue node an event was read from so processing can
// acknowledge it by deletion.
type AckRef struct {
	Path    string `json:"path"`
	Version int32  `json:"version"`
}

// TriggerEvent is an external source event routed into pipelines
type TriggerEvent struct {
	EventID  string  `json:"event_id"`
	Type     string  `json:"type"`
	Project  string  `json:"project"`
	Branch   string  `json:"branch,omitempty"`
	Change   *Change `json:"change,omitempty"`
	Driver   string  `json:"driver,omitempty"`

	// Logical time the event entered the system, from the store's
	// transaction counter.
	ZuulEventLtime int64 `json:"zuul_event_ltime,omitempty"`

	// Latest reconfigure ltime known when the event was forwarded to a
	// pipeline queue.
	MinReconfigureLtime int64 `json:"min_reconfigure_ltime,omitempty"`

	// Per-connection branch cache ltime recorded at forward time.
	BranchCacheLtime int64 `json:"branch_cache_ltime,omitempty"`
}

// ReconfigureEvent requests a full or smart reconfiguration
type ReconfigureEvent struct {
	Smart   bool     `json:"smart,omitempty"`
	Tenants []string `json:"tenants,omitempty"`
}

// TenantReconfigureEvent requests reconfiguration of one tenant. Consecutive
// events for the same tenant are merged on read by unioning their project
// branches.
type TenantReconfigureEvent struct {
	Tenant          string              `json:"tenant"`
	ProjectBranches map[string][]string `json:"project_branches,omitempty"`
	TriggerLtime    int64               `json:"trigger_ltime,omitempty"`
}

// Merge unions another event's project branches into this one
func (e *TenantReconfigureEvent) Merge(other *TenantReconfigureEvent) {
	if e.ProjectBranches == nil {
		e.ProjectBranches = map[string][]string{}
	}
	for project, branches := range other.ProjectBranches {
		have := map[string]bool{}
		for _, b := range e.ProjectBranches[project] {
			have[b] = true
		}
		for _, b := range branches {
			if !have[b] {
				e.ProjectBranches[project] = append(e.ProjectBranches[project], b)
			}
		}
	}
	if other.TriggerLtime > e.TriggerLtime {
		e.TriggerLtime = other.TriggerLtime
	}
}

// PromoteEvent moves change queues to the front of their pipeline
type PromoteEvent struct {
	Pipeline string   `json:"pipeline"`
	Changes  []string `json:"changes"`
}

// EnqueueEvent force-enqueues a change into a pipeline
type EnqueueEvent struct {
	Pipeline string  `json:"pipeline"`
	Change   *Change `json:"change"`
}

// DequeueEvent force-dequeues a change from a pipeline
type DequeueEvent struct {
	Pipeline string  `json:"pipeline"`
	Change   *Change `json:"change"`
}

// SupersedeEvent dequeues a change because it entered a superceding pipeline
type SupersedeEvent struct {
	Pipeline string  `json:"pipeline"`
	Change   *Change `json:"change"`
}

// AutoholdEvent records a new hold request
type AutoholdEvent struct {
	Request *HoldRequest `json:"request"`
}

// BuildEvent reports executor-side build progress
type BuildEvent struct {
	BuildUUID    string `json:"build_uuid"`
	BuildSetUUID string `json:"buildset_uuid"`
	JobName      string `json:"job_name"`

	// Completion fields
	Result      string         `json:"result,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
	SecretData  map[string]any `json:"secret_data,omitempty"`
	Warnings    []string       `json:"warnings,omitempty"`
	EndTime     int64          `json:"end_time,omitempty"`
	ErrorDetail string         `json:"error_detail,omitempty"`
	Held        bool           `json:"held,omitempty"`
	NodeLabels  []string       `json:"node_labels,omitempty"`
	NodeName    string         `json:"node_name,omitempty"`
	URL         string         `json:"url,omitempty"`
}

// MergeCompletedEvent reports a finished merger job. For a files job,
// Merged reports fetch success and ConfigFiles carries the file contents.
type MergeCompletedEvent struct {
	RequestUUID  string   `json:"request_uuid"`
	BuildSetUUID string   `json:"buildset_uuid"`
	JobType      string   `json:"job_type,omitempty"`
	Merged       bool     `json:"merged"`
	UpdatedRefs  []string `json:"updated_refs,omitempty"`
	CommitID     string   `json:"commit_id,omitempty"`
	Files        []string `json:"files,omitempty"`

	ConfigFiles map[string]string `json:"config_files,omitempty"`

	// Repo state ltime of the fetch, for file cache validation
	Ltime int64 `json:"ltime,omitempty"`
}

// NodesProvisionedEvent reports a fulfilled or failed node request
type NodesProvisionedEvent struct {
	RequestUUID  string `json:"request_uuid"`
	BuildSetUUID string `json:"buildset_uuid"`
	JobName      string `json:"job_name"`
}

// Event is the queue envelope: a kind tag, the payload, and the ack
// reference filled in by the queue on read.
type Event struct {
	Kind    string          `json:"event_type"`
	Payload json.RawMessage `json:"payload"`

	// ResultRef, when set, names the node the consumer writes the
	// processing result (traceback or empty) to; the producer watches it.
	ResultRef string `json:"result_ref,omitempty"`

	Ack AckRef `json:"-"`

	// ExtraAcks carries the ack refs of events merged into this one;
	// acking this event acks them with the same result.
	ExtraAcks []AckRef `json:"-"`
}

// NewEvent wraps a payload in an envelope
func NewEvent(kind string, payload any) (*Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Event{Kind: kind, Payload: data}, nil
}

// Decode unmarshals the payload into out
func (e *Event) Decode(out any) error {
	return json.Unmarshal(e.Payload, out)
}
