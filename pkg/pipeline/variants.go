package pipeline

import (
	"github.com/google/uuid"

	"github.com/blurrycontour/zuul-gerrit-sub000/pkg/model"
)

// dependentVariant gates changes together: projects sharing a queue test
// speculatively against each other, windows throttle concurrency, and the
// reparenting pass keeps items behind the nearest non-failing item.
type dependentVariant struct {
	m *manager
}

func (v *dependentVariant) Kind() model.ManagerKind { return model.ManagerDependent }

func (v *dependentVariant) queueFor(state *State, change *model.Change) (*model.ChangeQueue, error) {
	name := sharedQueueName(v.m.Layout, change.Project)
	for _, queueID := range state.QueueIDs {
		if q := state.Queues[queueID]; q != nil && q.Name == name && !q.Dynamic {
			return q, nil
		}
	}
	queue := v.m.newWindowedQueue(name)
	return queue, v.m.addQueue(state, queue)
}

func (v *dependentVariant) enqueuesDependencies() (bool, bool) { return true, true }
func (v *dependentVariant) reparents() bool                    { return true }
func (v *dependentVariant) windowed() bool                     { return true }
func (v *dependentVariant) reportsAtHeadOnly() bool            { return true }

func (v *dependentVariant) activeCount(queue *model.ChangeQueue) int {
	return queue.Window
}

func (v *dependentVariant) afterEnqueue(*State, *model.ChangeQueue, *model.QueueItem) error {
	return nil
}

// independentVariant tests every change on its own. Unmerged dependencies
// ride along as non-live items so the merger applies them, but they run no
// jobs and report nothing.
type independentVariant struct {
	m *manager
}

func (v *independentVariant) Kind() model.ManagerKind { return model.ManagerIndependent }

func (v *independentVariant) queueFor(state *State, change *model.Change) (*model.ChangeQueue, error) {
	// Join the dynamic queue a dependency already opened so the ahead
	// chain stays intact.
	for _, depKey := range change.NeedsChanges {
		if item := state.FindItem(depKey, false); item != nil {
			if q := state.Queues[item.QueueID]; q != nil && q.Dynamic {
				return q, nil
			}
		}
	}
	queue := &model.ChangeQueue{
		ID:       uuid.NewString(),
		Pipeline: v.m.Config.Name,
		Dynamic:  true,
	}
	return queue, v.m.addQueue(state, queue)
}

func (v *independentVariant) enqueuesDependencies() (bool, bool) { return true, false }
func (v *independentVariant) reparents() bool                    { return false }
func (v *independentVariant) windowed() bool                     { return false }
func (v *independentVariant) reportsAtHeadOnly() bool            { return false }

func (v *independentVariant) activeCount(queue *model.ChangeQueue) int {
	return len(queue.Items)
}

func (v *independentVariant) afterEnqueue(*State, *model.ChangeQueue, *model.QueueItem) error {
	return nil
}

// serialVariant runs shared queues strictly one item at a time with no
// speculation; the next item starts only after the head reports.
type serialVariant struct {
	m *manager
}

func (v *serialVariant) Kind() model.ManagerKind { return model.ManagerSerial }

func (v *serialVariant) queueFor(state *State, change *model.Change) (*model.ChangeQueue, error) {
	name := sharedQueueName(v.m.Layout, change.Project)
	for _, queueID := range state.QueueIDs {
		if q := state.Queues[queueID]; q != nil && q.Name == name && !q.Dynamic {
			return q, nil
		}
	}
	queue := &model.ChangeQueue{
		ID:          uuid.NewString(),
		Name:        name,
		Pipeline:    v.m.Config.Name,
		Window:      1,
		WindowFloor: 1,
	}
	return queue, v.m.addQueue(state, queue)
}

func (v *serialVariant) enqueuesDependencies() (bool, bool) { return false, false }
func (v *serialVariant) reparents() bool                    { return false }
func (v *serialVariant) windowed() bool                     { return false }
func (v *serialVariant) reportsAtHeadOnly() bool            { return true }

func (v *serialVariant) activeCount(*model.ChangeQueue) int { return 1 }

func (v *serialVariant) afterEnqueue(*State, *model.ChangeQueue, *model.QueueItem) error {
	return nil
}

// supercedentVariant keeps at most two items per project-ref queue: the one
// running and the newest one waiting. Anything between them is obsolete and
// dequeued without a report.
type supercedentVariant struct {
	m *manager
}

func (v *supercedentVariant) Kind() model.ManagerKind { return model.ManagerSupercedent }

func (v *supercedentVariant) queueFor(state *State, change *model.Change) (*model.ChangeQueue, error) {
	ref := change.Branch
	if ref == "" {
		ref = change.Ref
	}
	name := change.Project + "/" + ref
	for _, queueID := range state.QueueIDs {
		if q := state.Queues[queueID]; q != nil && q.Name == name {
			return q, nil
		}
	}
	queue := &model.ChangeQueue{
		ID:          uuid.NewString(),
		Name:        name,
		Pipeline:    v.m.Config.Name,
		Window:      1,
		WindowFloor: 1,
		Dynamic:     true,
	}
	return queue, v.m.addQueue(state, queue)
}

func (v *supercedentVariant) enqueuesDependencies() (bool, bool) { return false, false }
func (v *supercedentVariant) reparents() bool                    { return false }
func (v *supercedentVariant) windowed() bool                     { return false }
func (v *supercedentVariant) reportsAtHeadOnly() bool            { return true }

func (v *supercedentVariant) activeCount(*model.ChangeQueue) int { return 1 }

// afterEnqueue prunes superseded items: everything strictly between the
// head and the just-enqueued tail.
func (v *supercedentVariant) afterEnqueue(state *State, queue *model.ChangeQueue, item *model.QueueItem) error {
	for len(queue.Items) > 2 {
		midUUID := queue.Items[1]
		mid := state.Items[midUUID]
		if mid == nil {
			queue.Items = append(queue.Items[:1], queue.Items[2:]...)
			continue
		}
		v.m.logger.Info().Str("change", mid.Change.CacheKey()).
			Str("superseded_by", item.Change.CacheKey()).Msg("superseding queued item")
		if err := v.m.cancelJobs(state, mid); err != nil {
			return err
		}
		if err := v.m.removeItem(state, queue, mid); err != nil {
			return err
		}
	}
	return v.m.Store.SaveQueue(state, queue)
}

// sharedQueueName resolves the queue a project gates in: the configured
// queue name when set, otherwise the project stands alone.
func sharedQueueName(layout *model.Layout, project string) string {
	if pc, ok := layout.Projects[project]; ok && pc.QueueName != "" {
		return pc.QueueName
	}
	return project
}
