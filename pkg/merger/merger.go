package merger

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"

	"github.com/blurrycontour/zuul-gerrit-sub000/pkg/log"
	"github.com/blurrycontour/zuul-gerrit-sub000/pkg/model"
	"github.com/blurrycontour/zuul-gerrit-sub000/pkg/zk"
)

// Merge job types
const (
	JobMerge = "merge"
	JobFiles = "files"
)

// Request is a merge job handed to the external merger fleet. Results come
// back as merge-completed events on the requesting pipeline's result queue.
type Request struct {
	UUID         string   `json:"uuid"`
	JobType      string   `json:"job_type"`
	State        string   `json:"state"`
	TenantName   string   `json:"tenant_name"`
	PipelineName string   `json:"pipeline_name"`
	BuildSetUUID string   `json:"buildset_uuid,omitempty"`
	Changes      []*model.Change `json:"changes,omitempty"`
	Files        []string `json:"files,omitempty"`
	EventID      string   `json:"event_id,omitempty"`
}

// Request states mirror the build request lifecycle
const (
	StateRequested = "requested"
	StateRunning   = "running"
	StateCompleted = "completed"
)

// Client submits merge jobs and caches fetched configuration files. The
// file cache is TTL-bound; entries for a branch are invalidated wholesale
// when its ltime advances past the cached value.
type Client struct {
	client    zk.Client
	logger    zerolog.Logger
	fileCache *gocache.Cache
}

// NewClient creates a merger client
func NewClient(client zk.Client) *Client {
	return &Client{
		client:    client,
		logger:    log.WithComponent("merger"),
		fileCache: gocache.New(30*time.Minute, 10*time.Minute),
	}
}

func requestPath(uuid string) string {
	return zk.MergeRequestRoot + "/" + uuid
}

// SubmitMerge requests a speculative merge of the given changes for a
// buildset.
func (c *Client) SubmitMerge(req *Request) error {
	req.JobType = JobMerge
	return c.submit(req)
}

// SubmitFilesFetch requests the configuration files of a change, for
// building dynamic layouts.
func (c *Client) SubmitFilesFetch(req *Request) error {
	req.JobType = JobFiles
	return c.submit(req)
}

func (c *Client) submit(req *Request) error {
	req.State = StateRequested
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	if err := c.client.EnsurePath(zk.MergeRequestRoot); err != nil {
		return err
	}
	if _, err := c.client.Create(requestPath(req.UUID), data, zk.FlagPersistent); err != nil &&
		!errors.Is(err, zk.ErrNodeExists) {
		return fmt.Errorf("failed to submit merge request: %w", err)
	}
	return nil
}

// Find returns an outstanding request by uuid, or nil when its record is
// gone.
func (c *Client) Find(uuid string) (*Request, error) {
	req := &Request{}
	if _, err := zk.LoadJSON(c.client, requestPath(uuid), req); err != nil {
		if errors.Is(err, zk.ErrNoNode) {
			return nil, nil
		}
		return nil, err
	}
	return req, nil
}

// Remove deletes a completed merge request
func (c *Client) Remove(uuid string) error {
	err := zk.DeleteRecursive(c.client, requestPath(uuid))
	if errors.Is(err, zk.ErrNoNode) {
		return nil
	}
	return err
}

// All lists outstanding merge requests
func (c *Client) All() ([]*Request, error) {
	children, err := c.client.Children(zk.MergeRequestRoot)
	if err != nil {
		if errors.Is(err, zk.ErrNoNode) {
			return nil, nil
		}
		return nil, err
	}
	var requests []*Request
	for _, child := range children {
		req := &Request{}
		if _, err := zk.LoadJSON(c.client, requestPath(child), req); err != nil {
			continue
		}
		requests = append(requests, req)
	}
	return requests, nil
}

// IsLocked reports whether a live merger holds the request
func (c *Client) IsLocked(uuid string) (bool, error) {
	children, err := c.client.Children(requestPath(uuid) + "/lock")
	if err != nil {
		if errors.Is(err, zk.ErrNoNode) {
			return false, nil
		}
		return false, err
	}
	return len(children) > 0, nil
}

// CleanupLostRequests removes running merge requests no merger holds. The
// pipeline notices the missing record on its next pass and files a fresh
// request for the buildset.
func (c *Client) CleanupLostRequests() error {
	requests, err := c.All()
	if err != nil {
		return err
	}
	for _, req := range requests {
		if req.State != StateRunning {
			continue
		}
		locked, err := c.IsLocked(req.UUID)
		if err != nil {
			return err
		}
		if locked {
			continue
		}
		c.logger.Warn().Str("merge", req.UUID).Msg("removing lost merge request")
		if err := c.Remove(req.UUID); err != nil {
			return err
		}
	}
	return nil
}

// CachedFiles returns previously fetched configuration files for a project
// branch if the cache entry is at least as new as minLtime.
func (c *Client) CachedFiles(project, branch string, minLtime int64) (map[string]string, bool) {
	key := project + "/" + branch
	val, ok := c.fileCache.Get(key)
	if !ok {
		return nil, false
	}
	entry := val.(filesEntry)
	if entry.ltime < minLtime {
		c.fileCache.Delete(key)
		return nil, false
	}
	return entry.files, true
}

// PutCachedFiles stores fetched files for a project branch at an ltime
func (c *Client) PutCachedFiles(project, branch string, ltime int64, files map[string]string) {
	c.fileCache.Set(project+"/"+branch, filesEntry{ltime: ltime, files: files}, gocache.DefaultExpiration)
}

// FlushFileCache drops every cached file entry; the general cleanup runs
// this when layouts are swept.
func (c *Client) FlushFileCache() {
	c.fileCache.Flush()
}

type filesEntry struct {
	ltime int64
	files map[string]string
}
