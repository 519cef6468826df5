package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/blurrycontour/zuul-gerrit-sub000/pkg/executor"
	"github.com/blurrycontour/zuul-gerrit-sub000/pkg/merger"
	"github.com/blurrycontour/zuul-gerrit-sub000/pkg/model"
	"github.com/blurrycontour/zuul-gerrit-sub000/pkg/tracing"
)

// prepareItem advances an actionable item's buildset: create it, get the
// speculative merge done, freeze the job graph, then request nodes and
// launch whatever is ready. Each call makes whatever progress it can and
// returns whether anything changed.
func (m *manager) prepareItem(state *State, queue *model.ChangeQueue, item *model.QueueItem) (bool, error) {
	changed := false
	bs := item.BuildSet
	if bs == nil {
		_, spanCtx := tracing.StartSavedSpan(context.Background(), "BuildSet",
			attribute.String("tenant", m.Tenant),
			attribute.String("pipeline", m.Config.Name),
			attribute.String("change", item.Change.CacheKey()))
		bs = &model.BuildSet{
			UUID:        uuid.NewString(),
			ItemUUID:    item.UUID,
			MergeState:  model.MergePending,
			LayoutUUID:  m.Layout.UUID,
			SpanContext: spanCtx,
		}
		item.BuildSet = bs
		if err := m.Store.SaveItem(state, item); err != nil {
			return changed, err
		}
		changed = true
	}

	if bs.MergeState == model.MergePending {
		if bs.MergeRequestUUID != "" {
			req, err := m.Merger.Find(bs.MergeRequestUUID)
			if err != nil {
				return changed, err
			}
			if req == nil {
				// The request record was lost (dead merger, cleanup); file a
				// fresh one.
				bs.MergeRequestUUID = ""
			}
		}
		if bs.MergeRequestUUID == "" {
			req := &merger.Request{
				UUID:         uuid.NewString(),
				TenantName:   m.Tenant,
				PipelineName: m.Config.Name,
				BuildSetUUID: bs.UUID,
				Changes:      m.changesAhead(state, item),
				EventID:      item.EventID,
			}
			if err := m.Merger.SubmitMerge(req); err != nil {
				return changed, err
			}
			bs.MergeRequestUUID = req.UUID
			if err := m.Store.SaveItem(state, item); err != nil {
				return changed, err
			}
			changed = true
		}
		return changed, nil
	}
	if bs.UnableToMerge {
		return changed, nil
	}

	// A change touching the pipeline config gets its config files fetched
	// before the job graph freezes, so a dynamic layout can be built from
	// the speculative state.
	if item.Change.UpdatesConfig() && !bs.ConfigFilesReady {
		c, err := m.prepareConfigFiles(state, item)
		return changed || c, err
	}

	if bs.JobGraph == nil {
		bs.JobGraph = append([]model.FrozenJob{},
			m.Layout.JobsFor(item.Change.Project, m.Config.Name)...)
		if err := m.Store.SaveItem(state, item); err != nil {
			return changed, err
		}
		changed = true
	}

	index := queuePosition(state, queue, item)
	for i := range bs.JobGraph {
		job := &bs.JobGraph[i]
		c, err := m.prepareJob(state, item, job, index)
		if err != nil {
			return changed, err
		}
		changed = changed || c
	}
	return changed, nil
}

// prepareConfigFiles gets a config-touching change's files onto the
// buildset: from the merger's file cache when a fresh entry exists,
// otherwise through a files request to the merger fleet.
func (m *manager) prepareConfigFiles(state *State, item *model.QueueItem) (bool, error) {
	bs := item.BuildSet
	if files, ok := m.Merger.CachedFiles(item.Change.Project, item.Change.Branch, 0); ok {
		bs.ConfigFiles = files
		bs.ConfigFilesReady = true
		return true, m.Store.SaveItem(state, item)
	}
	if bs.MergeRequestUUID != "" {
		req, err := m.Merger.Find(bs.MergeRequestUUID)
		if err != nil {
			return false, err
		}
		if req != nil {
			// Fetch still outstanding
			return false, nil
		}
		bs.MergeRequestUUID = ""
	}
	req := &merger.Request{
		UUID:         uuid.NewString(),
		TenantName:   m.Tenant,
		PipelineName: m.Config.Name,
		BuildSetUUID: bs.UUID,
		Changes:      []*model.Change{item.Change},
		Files:        append([]string(nil), item.Change.Files...),
		EventID:      item.EventID,
	}
	if err := m.Merger.SubmitFilesFetch(req); err != nil {
		return false, err
	}
	bs.MergeRequestUUID = req.UUID
	return true, m.Store.SaveItem(state, item)
}

// queuePosition is the item's rank among live items in its queue; node
// requests for items closer to the head get better relative priority.
func queuePosition(state *State, queue *model.ChangeQueue, item *model.QueueItem) int {
	pos := 0
	for _, itemUUID := range queue.Items {
		if itemUUID == item.UUID {
			return pos
		}
		if it := state.Items[itemUUID]; it != nil && it.Live {
			pos++
		}
	}
	return pos
}

// prepareJob moves one job of the graph toward running
func (m *manager) prepareJob(state *State, item *model.QueueItem, job *model.FrozenJob, priority int) (bool, error) {
	bs := item.BuildSet
	build := bs.Build(job.Name)
	if build != nil && build.Result != model.ResultRetry {
		// Running or finished
		return false, nil
	}

	// Dependencies gate launches; a failed or skipped parent skips the
	// whole subtree.
	ready := true
	for _, dep := range job.Dependencies {
		depBuild := bs.Build(dep)
		if depBuild == nil || !depBuild.Complete() {
			ready = false
			continue
		}
		if depBuild.Result != model.ResultSuccess {
			return true, m.skipJob(state, item, job)
		}
	}
	if !ready {
		return false, nil
	}

	reqUUID, outstanding := bs.NodeRequests[job.Name]
	if !outstanding {
		if len(job.Labels) == 0 {
			// Nodeless job: take the semaphores and go
			ok, err := m.Semaphores.Acquire(item, job, false)
			if err != nil || !ok {
				return false, err
			}
			return true, m.launchBuild(state, item, job, nil)
		}
		ok, err := m.Semaphores.Acquire(item, job, true)
		if err != nil || !ok {
			return false, err
		}
		req := m.Nodepool.NewRequest(bs, job, priority, m.Config.Precedence,
			m.Tenant, m.Config.Name, item.EventID)
		if err := m.Nodepool.Submit(req); err != nil {
			return false, err
		}
		if bs.NodeRequests == nil {
			bs.NodeRequests = map[string]string{}
		}
		bs.NodeRequests[job.Name] = req.UUID
		return true, m.Store.SaveItem(state, item)
	}

	req, err := m.Nodepool.Find(reqUUID)
	if err != nil {
		return false, err
	}
	if req == nil {
		// The request record was lost with its creator's session; file a
		// fresh one.
		req = m.Nodepool.NewRequest(bs, job, priority, m.Config.Precedence,
			m.Tenant, m.Config.Name, item.EventID)
		if err := m.Nodepool.Resubmit(req); err != nil {
			return false, err
		}
		bs.NodeRequests[job.Name] = req.UUID
		return true, m.Store.SaveItem(state, item)
	}

	switch req.State {
	case model.RequestFailed:
		if err := m.Nodepool.Cancel(req); err != nil {
			return false, err
		}
		delete(bs.NodeRequests, job.Name)
		if err := m.Semaphores.Release(item, job); err != nil {
			return false, err
		}
		bs.AddBuild(&model.Build{
			UUID:    uuid.NewString(),
			JobName: job.Name,
			Result:  model.ResultNodeFailure,
			EndTime: time.Now(),
		})
		return true, m.Store.SaveItem(state, item)
	case model.RequestFulfilled:
		// Resources-first semaphores are taken now, before the nodes are;
		// if one is full the request simply stays outstanding.
		ok, err := m.Semaphores.Acquire(item, job, false)
		if err != nil || !ok {
			return false, err
		}
		nodes, err := m.Nodepool.Accept(req)
		if err != nil {
			return false, err
		}
		if err := m.Nodepool.Use(nodes); err != nil {
			return false, err
		}
		delete(bs.NodeRequests, job.Name)
		return true, m.launchBuild(state, item, job, nodes)
	default:
		if req.RelativePriority != priority {
			if err := m.Nodepool.RevisePriority(req, priority); err != nil {
				return false, err
			}
		}
		return false, nil
	}
}

// skipJob records a skipped build for a job whose parent failed
func (m *manager) skipJob(state *State, item *model.QueueItem, job *model.FrozenJob) error {
	bs := item.BuildSet
	if bs.Builds == nil {
		bs.Builds = map[string]*model.Build{}
	}
	// Direct assignment: a skip is not an attempt
	bs.Builds[job.Name] = &model.Build{
		UUID:    uuid.NewString(),
		JobName: job.Name,
		Result:  model.ResultSkipped,
		EndTime: time.Now(),
	}
	return m.Store.SaveItem(state, item)
}

// launchBuild hands a ready job to the executor fleet
func (m *manager) launchBuild(state *State, item *model.QueueItem, job *model.FrozenJob, nodes []*model.Node) error {
	bs := item.BuildSet
	_, spanCtx := tracing.StartSavedSpan(context.Background(), "Build",
		attribute.String("tenant", m.Tenant),
		attribute.String("pipeline", m.Config.Name),
		attribute.String("job", job.Name))
	build := &model.Build{
		UUID:        uuid.NewString(),
		JobName:     job.Name,
		StartTime:   time.Now(),
		SpanContext: spanCtx,
	}
	for _, node := range nodes {
		build.Nodes = append(build.Nodes, node.ID)
	}
	bs.AddBuild(build)

	params, err := marshalParams(job, item.Change, nodes)
	if err != nil {
		return err
	}
	req := &executor.BuildRequest{
		UUID:         build.UUID,
		Precedence:   int(m.Config.Precedence),
		TenantName:   m.Tenant,
		PipelineName: m.Config.Name,
		EventID:      item.EventID,
		JobName:      job.Name,
		BuildSetUUID: bs.UUID,
	}
	if err := m.Executor.Submit(req, params); err != nil {
		return err
	}
	m.logger.Info().Str("change", item.Change.CacheKey()).Str("job", job.Name).
		Str("build", build.UUID).Int("try", bs.Tries[job.Name]).Msg("launched build")
	return m.Store.SaveItem(state, item)
}
