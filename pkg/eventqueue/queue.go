package eventqueue

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/blurrycontour/zuul-gerrit-sub000/pkg/log"
	"github.com/blurrycontour/zuul-gerrit-sub000/pkg/model"
	"github.com/blurrycontour/zuul-gerrit-sub000/pkg/zk"
)

const eventPrefix = "ev-"

// Queue is a durable ordered FIFO event queue over sequenced children of a
// root node. Producers append, the consumer iterates in sequence order and
// acks by deleting the event node. Delivery is at-least-once; consumers are
// expected to be idempotent.
type Queue struct {
	client zk.Client
	root   string
	logger zerolog.Logger
}

// NewTenantTriggerQueue returns the tenant-level trigger queue
func NewTenantTriggerQueue(client zk.Client, tenant string) *Queue {
	return newQueue(client, fmt.Sprintf("%s/tenant/%s/triggers", zk.EventRoot, tenant))
}

// NewTenantManagementQueue returns the tenant-level management queue
func NewTenantManagementQueue(client zk.Client, tenant string) *Queue {
	return newQueue(client, fmt.Sprintf("%s/tenant/%s/management", zk.EventRoot, tenant))
}

// NewGlobalManagementQueue returns the scheduler-global management queue
// carrying reconfigure events.
func NewGlobalManagementQueue(client zk.Client) *Queue {
	return newQueue(client, zk.EventRoot+"/management")
}

// NewPipelineTriggerQueue returns a pipeline's trigger queue
func NewPipelineTriggerQueue(client zk.Client, tenant, pipeline string) *Queue {
	return newQueue(client, fmt.Sprintf("%s/tenant/%s/pipeline/%s/triggers", zk.EventRoot, tenant, pipeline))
}

// NewPipelineManagementQueue returns a pipeline's management queue
func NewPipelineManagementQueue(client zk.Client, tenant, pipeline string) *Queue {
	return newQueue(client, fmt.Sprintf("%s/tenant/%s/pipeline/%s/management", zk.EventRoot, tenant, pipeline))
}

// NewPipelineResultQueue returns a pipeline's result queue. Result events
// are processed ahead of trigger events so finished builds release their
// resources before new ones are scheduled.
func NewPipelineResultQueue(client zk.Client, tenant, pipeline string) *Queue {
	return newQueue(client, fmt.Sprintf("%s/tenant/%s/pipeline/%s/results", zk.EventRoot, tenant, pipeline))
}

func newQueue(client zk.Client, root string) *Queue {
	return &Queue{
		client: client,
		root:   root,
		logger: log.WithComponent("eventqueue"),
	}
}

// Root returns the queue's root path
func (q *Queue) Root() string {
	return q.root
}

// Put appends an event to the queue
func (q *Queue) Put(ev *model.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	if err := q.client.EnsurePath(q.root); err != nil {
		return err
	}
	_, err = q.client.Create(q.root+"/"+eventPrefix, data, zk.FlagSequence)
	return err
}

// PutWait appends an event carrying a result reference and returns a future
// that resolves when the consumer has processed it.
func (q *Queue) PutWait(ev *model.Event) (*ResultFuture, error) {
	ev.ResultRef = fmt.Sprintf("%s/management/%s", zk.ResultRoot, uuid.NewString())
	if err := q.client.EnsurePath(parentPath(ev.ResultRef)); err != nil {
		return nil, err
	}
	if err := q.Put(ev); err != nil {
		return nil, err
	}
	return &ResultFuture{client: q.client, path: ev.ResultRef}, nil
}

// Iter returns the queue's events in sequence order with ack references
// attached. Consecutive tenant-reconfigure events for the same tenant are
// merged: the later event's project branches are unioned into the earlier
// and its ack ref is carried on the earlier event.
func (q *Queue) Iter() ([]*model.Event, error) {
	children, err := q.client.Children(q.root)
	if err != nil {
		if errors.Is(err, zk.ErrNoNode) {
			return nil, nil
		}
		return nil, err
	}
	sort.Strings(children)

	var events []*model.Event
	merged := map[string]*model.Event{} // tenant -> earlier reconfigure event
	reconfigures := map[string]*model.TenantReconfigureEvent{}
	for _, child := range children {
		path := q.root + "/" + child
		data, stat, err := q.client.Get(path)
		if err != nil {
			if errors.Is(err, zk.ErrNoNode) {
				// Acked by us in a previous pass; sequence order is
				// still preserved for the rest.
				continue
			}
			return nil, err
		}
		ev := &model.Event{}
		if err := json.Unmarshal(data, ev); err != nil {
			q.logger.Warn().Err(err).Str("path", path).Msg("discarding undecodable event")
			_ = q.client.Delete(path, zk.AnyVersion)
			continue
		}
		ev.Ack = model.AckRef{Path: path, Version: stat.Version}

		if ev.Kind == model.EventKindTenantReconfigure {
			tre := &model.TenantReconfigureEvent{}
			if err := ev.Decode(tre); err == nil {
				if earlier, ok := merged[tre.Tenant]; ok {
					reconfigures[tre.Tenant].Merge(tre)
					earlier.ExtraAcks = append(earlier.ExtraAcks, ev.Ack)
					repack, err := json.Marshal(reconfigures[tre.Tenant])
					if err == nil {
						earlier.Payload = repack
					}
					continue
				}
				merged[tre.Tenant] = ev
				reconfigures[tre.Tenant] = tre
			}
		}
		events = append(events, ev)
	}
	return events, nil
}

// Ack removes a processed event and resolves its result reference (and the
// references of any events merged into it) with the outcome: an empty
// string for success, a traceback otherwise. A missing event node means the
// event was already acked; that is logged and not fatal.
func (q *Queue) Ack(ev *model.Event, result string) error {
	refs := append([]model.AckRef{ev.Ack}, ev.ExtraAcks...)
	for _, ref := range refs {
		if err := q.client.Delete(ref.Path, zk.AnyVersion); err != nil {
			if errors.Is(err, zk.ErrNoNode) {
				q.logger.Warn().Str("path", ref.Path).Msg("event already acked")
				continue
			}
			return err
		}
	}
	if ev.ResultRef != "" {
		if _, err := q.client.Create(ev.ResultRef, []byte(result), zk.FlagEphemeral); err != nil &&
			!errors.Is(err, zk.ErrNodeExists) {
			return err
		}
	}
	return nil
}

// Len returns the number of unacked events
func (q *Queue) Len() (int, error) {
	children, err := q.client.Children(q.root)
	if err != nil {
		if errors.Is(err, zk.ErrNoNode) {
			return 0, nil
		}
		return 0, err
	}
	return len(children), nil
}

// HasEvents reports whether the queue is non-empty
func (q *Queue) HasEvents() (bool, error) {
	n, err := q.Len()
	return n > 0, err
}

// ResultFuture resolves when the consumer writes the event's result node
type ResultFuture struct {
	client zk.Client
	path   string
}

// Wait blocks until the result is written or the timeout elapses. It
// returns the consumer's traceback, empty on success.
func (f *ResultFuture) Wait(timeout time.Duration) (string, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		exists, _, watch, err := f.client.ExistsW(f.path)
		if err != nil {
			return "", err
		}
		if exists {
			data, _, err := f.client.Get(f.path)
			if err != nil {
				return "", err
			}
			return string(data), nil
		}
		select {
		case <-watch:
		case <-deadline.C:
			return "", fmt.Errorf("timed out waiting for result at %s", f.path)
		case <-f.client.ConnectionLostCh():
			return "", zk.ErrConnectionLost
		}
	}
}

func parentPath(path string) string {
	for i := len(path) - 1; i > 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "/"
}
