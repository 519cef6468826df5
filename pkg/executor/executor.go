package executor

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/blurrycontour/zuul-gerrit-sub000/pkg/eventqueue"
	"github.com/blurrycontour/zuul-gerrit-sub000/pkg/log"
	"github.com/blurrycontour/zuul-gerrit-sub000/pkg/metrics"
	"github.com/blurrycontour/zuul-gerrit-sub000/pkg/model"
	"github.com/blurrycontour/zuul-gerrit-sub000/pkg/zk"
)

// Build request states
const (
	StateRequested = "requested"
	StateHold      = "hold"
	StateRunning   = "running"
	StatePaused    = "paused"
	StateCompleted = "completed"
)

// BuildRequest is the record an executor picks up from the store. The
// potentially large job parameters travel in a sharded params sidecar, not
// in the request node itself.
type BuildRequest struct {
	UUID         string `json:"uuid"`
	State        string `json:"state"`
	Precedence   int    `json:"precedence"`
	Zone         string `json:"zone,omitempty"`
	TenantName   string `json:"tenant_name"`
	PipelineName string `json:"pipeline_name"`
	EventID      string `json:"event_id,omitempty"`
	JobName      string `json:"job_name"`
	BuildSetUUID string `json:"buildset_uuid"`
}

// Client submits builds to executors through the coordination store and
// manages their cancel/resume subcommands.
type Client struct {
	client zk.Client
	logger zerolog.Logger
}

// NewClient creates an executor client
func NewClient(client zk.Client) *Client {
	return &Client{client: client, logger: log.WithComponent("executor")}
}

func requestPath(zone, uuid string) string {
	if zone == "" {
		return zk.BuildRequestRoot + "/unzoned/" + uuid
	}
	return zk.BuildRequestRoot + "/zones/" + zone + "/" + uuid
}

// Submit writes a build request and its params sidecar. Executors watching
// the zone pick it up by locking /zuul/build-request-locks/<uuid>.
func (c *Client) Submit(req *BuildRequest, params []byte) error {
	req.State = StateRequested
	path := requestPath(req.Zone, req.UUID)
	if err := c.client.EnsurePath(parentOf(path)); err != nil {
		return err
	}
	if err := zk.WriteSharded(c.client, path+"/params", params); err != nil {
		return err
	}
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	if _, err := c.client.Set(path, data, zk.AnyVersion); err != nil {
		return fmt.Errorf("failed to submit build request: %w", err)
	}
	metrics.BuildsStarted.WithLabelValues(req.TenantName, req.PipelineName).Inc()
	return nil
}

// Get reads a build request
func (c *Client) Get(zone, uuid string) (*BuildRequest, error) {
	req := &BuildRequest{}
	if _, err := zk.LoadJSON(c.client, requestPath(zone, uuid), req); err != nil {
		return nil, err
	}
	return req, nil
}

// Cancel asks the executor to abort a build by writing the cancel
// subcommand next to the request. A request that no longer exists is
// already done.
func (c *Client) Cancel(zone, uuid string) error {
	path := requestPath(zone, uuid)
	exists, _, err := c.client.Exists(path)
	if err != nil || !exists {
		return err
	}
	_, err = c.client.Create(path+"/cancel", nil, zk.FlagPersistent)
	if errors.Is(err, zk.ErrNodeExists) {
		return nil
	}
	return err
}

// Resume asks the executor to continue a paused build
func (c *Client) Resume(zone, uuid string) error {
	path := requestPath(zone, uuid)
	exists, _, err := c.client.Exists(path)
	if err != nil || !exists {
		return err
	}
	_, err = c.client.Create(path+"/resume", nil, zk.FlagPersistent)
	if errors.Is(err, zk.ErrNodeExists) {
		return nil
	}
	return err
}

// Remove deletes a completed request and its sidecars
func (c *Client) Remove(zone, uuid string) error {
	return zk.DeleteRecursive(c.client, requestPath(zone, uuid))
}

// IsLocked reports whether a live executor holds the request's lock
func (c *Client) IsLocked(uuid string) (bool, error) {
	children, err := c.client.Children(zk.BuildLockRoot + "/" + uuid)
	if err != nil {
		if errors.Is(err, zk.ErrNoNode) {
			return false, nil
		}
		return false, err
	}
	return len(children) > 0, nil
}

// All lists every build request across zones
func (c *Client) All() ([]*BuildRequest, error) {
	var requests []*BuildRequest
	roots := []string{zk.BuildRequestRoot + "/unzoned"}
	zones, err := c.client.Children(zk.BuildRequestRoot + "/zones")
	if err == nil {
		for _, zone := range zones {
			roots = append(roots, zk.BuildRequestRoot+"/zones/"+zone)
		}
	}
	for _, root := range roots {
		children, err := c.client.Children(root)
		if err != nil {
			if errors.Is(err, zk.ErrNoNode) {
				continue
			}
			return nil, err
		}
		for _, child := range children {
			req := &BuildRequest{}
			if _, err := zk.LoadJSON(c.client, root+"/"+child, req); err != nil {
				continue
			}
			requests = append(requests, req)
		}
	}
	return requests, nil
}

// CleanupLostRequests finds requests in running or paused state that no
// executor holds a lock on (the executor died) and synthesizes an aborted
// completion so the pipeline can retry or report.
func (c *Client) CleanupLostRequests() error {
	requests, err := c.All()
	if err != nil {
		return err
	}
	for _, req := range requests {
		if req.State != StateRunning && req.State != StatePaused {
			continue
		}
		locked, err := c.IsLocked(req.UUID)
		if err != nil {
			return err
		}
		if locked {
			continue
		}
		c.logger.Warn().Str("build", req.UUID).Msg("synthesizing completion for lost build request")
		ev, err := model.NewEvent(model.EventKindBuildCompleted, &model.BuildEvent{
			BuildUUID:    req.UUID,
			BuildSetUUID: req.BuildSetUUID,
			JobName:      req.JobName,
			Result:       model.ResultAborted,
			ErrorDetail:  "lost build request",
			EndTime:      time.Now().UnixNano(),
		})
		if err != nil {
			return err
		}
		q := eventqueue.NewPipelineResultQueue(c.client, req.TenantName, req.PipelineName)
		if err := q.Put(ev); err != nil {
			return err
		}
		if err := c.Remove(req.Zone, req.UUID); err != nil {
			return err
		}
	}
	return nil
}

func parentOf(path string) string {
	for i := len(path) - 1; i > 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "/"
}
