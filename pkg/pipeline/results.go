package pipeline

import (
	"context"
	"time"

	"github.com/blurrycontour/zuul-gerrit-sub000/pkg/merger"
	"github.com/blurrycontour/zuul-gerrit-sub000/pkg/metrics"
	"github.com/blurrycontour/zuul-gerrit-sub000/pkg/model"
	"github.com/blurrycontour/zuul-gerrit-sub000/pkg/tracing"
)

// Result event handlers. Events referencing buildsets or builds that no
// longer exist (reset by a reparent, dequeued) are stale and dropped.

// OnBuildStarted records the executor picking up a build
func (m *manager) OnBuildStarted(state *State, ev *model.BuildEvent) error {
	item := state.ItemByBuildSet(ev.BuildSetUUID)
	if item == nil {
		return nil
	}
	build := item.BuildSet.Build(ev.JobName)
	if build == nil || build.UUID != ev.BuildUUID {
		return nil
	}
	build.StartTime = time.Now()
	if ev.URL != "" {
		build.URL = ev.URL
	}
	return m.Store.SaveItem(state, item)
}

// OnBuildPaused marks a build paused; the pipeline may launch its
// dependents while it waits.
func (m *manager) OnBuildPaused(state *State, ev *model.BuildEvent) error {
	item := state.ItemByBuildSet(ev.BuildSetUUID)
	if item == nil {
		return nil
	}
	build := item.BuildSet.Build(ev.JobName)
	if build == nil || build.UUID != ev.BuildUUID {
		return nil
	}
	build.Paused = true
	return m.Store.SaveItem(state, item)
}

// OnBuildCompleted finalizes a build: result normalization, retry
// accounting, node return or hold, semaphore release.
func (m *manager) OnBuildCompleted(state *State, ev *model.BuildEvent) error {
	item := state.ItemByBuildSet(ev.BuildSetUUID)
	if item == nil {
		return nil
	}
	bs := item.BuildSet
	build := bs.Build(ev.JobName)
	if build == nil || build.UUID != ev.BuildUUID || build.Result != "" {
		return nil
	}
	job := bs.Job(ev.JobName)

	result := model.NormalizeResult(ev.Result)
	switch {
	case build.Canceled:
		// A canceled build stays canceled whatever the executor reports
		result = model.ResultCanceled
	case model.IsResultRetryable(result):
		attempts := defaultAttempts
		if job != nil && job.Attempts > 0 {
			attempts = job.Attempts
		}
		if bs.Tries[ev.JobName] < attempts {
			build.Retry = true
			result = model.ResultRetry
		} else {
			result = model.ResultRetryLimit
		}
	}
	build.Result = result
	build.EndTime = time.Now()
	build.ResultData = ev.Data
	if ev.URL != "" {
		build.URL = ev.URL
	}
	tracing.EndSavedSpan(context.Background(), build.SpanContext, "BuildComplete")

	if err := m.finishNodes(item, build, job, ev); err != nil {
		return err
	}
	if job != nil {
		if err := m.Semaphores.Release(item, job); err != nil {
			return err
		}
	}
	if err := m.Executor.Remove("", build.UUID); err != nil {
		return err
	}

	metrics.BuildsCompleted.WithLabelValues(m.Tenant, m.Config.Name, result).Inc()
	m.logger.Info().Str("change", item.Change.CacheKey()).Str("job", ev.JobName).
		Str("build", build.UUID).Str("result", result).Msg("build completed")
	return m.Store.SaveItem(state, item)
}

// finishNodes returns a build's nodes, parking them instead when a hold
// request matches the failed job.
func (m *manager) finishNodes(item *model.QueueItem, build *model.Build, job *model.FrozenJob, ev *model.BuildEvent) error {
	nodes, err := m.Nodepool.NodesByID(build.Nodes)
	if err != nil {
		return err
	}
	if len(nodes) == 0 {
		return nil
	}
	failed := build.Result != model.ResultSuccess && build.Result != model.ResultSkipped &&
		build.Result != model.ResultRetry
	if (failed || ev.Held) && m.Holds != nil && job != nil {
		hr, err := m.Holds.Matching(m.Tenant, item.Change.Project, job.Name)
		if err != nil {
			return err
		}
		if hr != nil {
			for _, node := range nodes {
				if err := m.Nodepool.Hold(node, hr); err != nil {
					return err
				}
			}
			if err := m.Holds.IncrementHolds(hr); err != nil {
				return err
			}
			build.Held = true
		}
	}
	return m.Nodepool.Return(nodes)
}

// OnMergeCompleted records the outcome of the speculative merge
func (m *manager) OnMergeCompleted(state *State, ev *model.MergeCompletedEvent) error {
	item := state.ItemByBuildSet(ev.BuildSetUUID)
	if item == nil {
		return nil
	}
	bs := item.BuildSet
	if bs.MergeRequestUUID != "" && bs.MergeRequestUUID != ev.RequestUUID {
		return nil
	}
	bs.MergeRequestUUID = ""
	if ev.JobType == merger.JobFiles {
		if ev.Merged {
			bs.ConfigFiles = ev.ConfigFiles
			bs.ConfigFilesReady = true
			m.Merger.PutCachedFiles(item.Change.Project, item.Change.Branch,
				ev.Ltime, ev.ConfigFiles)
		} else {
			bs.UnableToMerge = true
		}
	} else {
		bs.MergeState = model.MergeComplete
		if ev.Merged {
			bs.MergedCommit = ev.CommitID
			bs.Files = ev.Files
		} else {
			bs.UnableToMerge = true
		}
	}
	if err := m.Merger.Remove(ev.RequestUUID); err != nil {
		return err
	}
	return m.Store.SaveItem(state, item)
}

// OnNodesProvisioned validates the notification against the buildset; the
// actual acceptance happens in the next processing pass.
func (m *manager) OnNodesProvisioned(state *State, ev *model.NodesProvisionedEvent) error {
	item := state.ItemByBuildSet(ev.BuildSetUUID)
	if item == nil || item.BuildSet.NodeRequests[ev.JobName] != ev.RequestUUID {
		return nil
	}
	m.logger.Debug().Str("change", item.Change.CacheKey()).Str("job", ev.JobName).
		Msg("nodes provisioned")
	return nil
}
