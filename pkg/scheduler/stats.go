package scheduler

import (
	"errors"
	"time"

	"github.com/blurrycontour/zuul-gerrit-sub000/pkg/eventqueue"
	"github.com/blurrycontour/zuul-gerrit-sub000/pkg/metrics"
	"github.com/blurrycontour/zuul-gerrit-sub000/pkg/zk"
)

const statsElectionPath = zk.ElectionRoot + "/stats"

// statsLoop elects one scheduler to emit the cluster-wide gauges. The
// election is a blocking lock; losing the session drops leadership and the
// loop re-enters the election.
func (s *Scheduler) statsLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}
		lock, err := zk.AcquireLock(s.client, statsElectionPath, s.hostname, true, time.Minute)
		if err != nil {
			if errors.Is(err, zk.ErrLockContended) {
				continue
			}
			select {
			case <-s.stopCh:
				return
			case <-time.After(5 * time.Second):
			}
			continue
		}
		s.logger.Debug().Msg("elected stats reporter")
		s.emitStatsUntilStopped()
		lock.Release()
	}
}

func (s *Scheduler) emitStatsUntilStopped() {
	ticker := time.NewTicker(s.cfg.StatsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-s.client.ConnectionLostCh():
			return
		case <-ticker.C:
		}
		if err := s.EmitStats(); err != nil {
			s.logger.Error().Err(err).Msg("stats emission failed")
		}
	}
}

// EmitStats publishes the cluster-wide gauges: component counts, event
// queue depths, and node counts by state.
func (s *Scheduler) EmitStats() error {
	all, err := s.registry.All()
	if err != nil {
		return err
	}
	for kind, infos := range all {
		byState := map[string]int{}
		for _, info := range infos {
			byState[info.State]++
		}
		for state, n := range byState {
			metrics.ComponentsTotal.WithLabelValues(kind, state).Set(float64(n))
		}
	}

	for _, tenant := range s.tenantNames() {
		triggers, err := eventqueue.NewTenantTriggerQueue(s.client, tenant).Len()
		if err != nil {
			return err
		}
		metrics.EventQueueDepth.WithLabelValues(tenant, "triggers").Set(float64(triggers))
		management, err := eventqueue.NewTenantManagementQueue(s.client, tenant).Len()
		if err != nil {
			return err
		}
		metrics.EventQueueDepth.WithLabelValues(tenant, "management").Set(float64(management))
	}

	nodes, err := s.nodepool.CountNodesByState()
	if err != nil {
		return err
	}
	for state, n := range nodes {
		metrics.NodesTotal.WithLabelValues(state).Set(float64(n))
	}
	return nil
}
