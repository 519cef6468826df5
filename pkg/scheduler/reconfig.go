package scheduler

import (
	"errors"
	"fmt"
	"time"

	"github.com/blurrycontour/zuul-gerrit-sub000/pkg/config"
	"github.com/blurrycontour/zuul-gerrit-sub000/pkg/metrics"
	"github.com/blurrycontour/zuul-gerrit-sub000/pkg/model"
	"github.com/blurrycontour/zuul-gerrit-sub000/pkg/pipeline"
	"github.com/blurrycontour/zuul-gerrit-sub000/pkg/semaphore"
	"github.com/blurrycontour/zuul-gerrit-sub000/pkg/zk"
)

// primeTenants loads the tenant configuration at startup and brings every
// tenant to a usable layout: tenants another scheduler already reconfigured
// are adopted from the store, the rest get an initial reconfiguration.
func (s *Scheduler) primeTenants() error {
	abide, err := s.loader.Load()
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.abide = abide
	s.mu.Unlock()

	for _, tc := range abide.Tenants {
		remote, err := s.layoutStore.Get(tc.Name)
		if errors.Is(err, zk.ErrNoNode) {
			if err := s.reconfigureTenant(tc, nil); err != nil {
				return fmt.Errorf("initial reconfiguration of tenant %q failed: %w", tc.Name, err)
			}
			continue
		}
		if err != nil {
			return err
		}
		if err := s.adoptRemoteLayout(tc, remote); err != nil {
			return err
		}
	}
	return nil
}

// updateTenantLayout checks whether another scheduler has published a newer
// layout for the tenant and adopts it if so. Called at the top of every
// processing pass; the common case is a cheap UUID comparison.
func (s *Scheduler) updateTenantLayout(tenantName string) error {
	s.mu.Lock()
	tc := s.abide.Tenant(tenantName)
	local := s.tenants[tenantName]
	s.mu.Unlock()
	if tc == nil {
		return nil
	}

	remote, err := s.layoutStore.Get(tenantName)
	if errors.Is(err, zk.ErrNoNode) {
		// Nobody has reconfigured this tenant yet
		return s.reconfigureTenant(tc, nil)
	}
	if err != nil {
		return err
	}
	if local != nil && local.Layout != nil && local.Layout.UUID == remote.UUID {
		s.mu.Lock()
		s.layoutLtimes[tenantName] = remote.Ltime
		s.mu.Unlock()
		return nil
	}
	return s.adoptRemoteLayout(tc, remote)
}

// adoptRemoteLayout takes over a layout another scheduler froze and
// published, without re-parsing configuration.
func (s *Scheduler) adoptRemoteLayout(tc *config.TenantConfig, state *model.LayoutState) error {
	layout, err := s.layoutStore.GetLayout(tc.Name)
	if err != nil {
		return fmt.Errorf("failed to load layout for tenant %q: %w", tc.Name, err)
	}
	tenant := &model.Tenant{
		Name:           tc.Name,
		MaxNodesPerJob: tc.MaxNodesPerJob,
		MaxJobTimeout:  tc.MaxJobTimeout,
		AllowedLabels:  tc.AllowedLabels,
		Layout:         layout,
	}
	if err := s.installTenant(tenant, state.Ltime); err != nil {
		return err
	}
	s.logger.Info().Str("tenant", tc.Name).Str("layout", layout.UUID).
		Str("from", state.Hostname).Msg("adopted layout")
	return nil
}

// FullReconfigure re-reads the tenant configuration file and reconfigures
// every tenant, or only the named ones when tenants is non-empty.
func (s *Scheduler) FullReconfigure(tenants []string) error {
	metrics.ReconfigurationsTotal.WithLabelValues("full").Inc()
	abide, err := s.loader.Load()
	if err != nil {
		return err
	}
	only := map[string]bool{}
	for _, name := range tenants {
		only[name] = true
	}

	s.mu.Lock()
	old := s.abide
	s.abide = abide
	s.mu.Unlock()

	for _, tc := range abide.Tenants {
		if len(only) > 0 && !only[tc.Name] {
			continue
		}
		if err := s.reconfigureTenant(tc, nil); err != nil {
			return err
		}
	}
	return s.cleanupRemovedTenants(old, abide)
}

// SmartReconfigure re-reads the tenant configuration file but only
// reconfigures tenants whose configuration actually changed, by comparing
// per-tenant fingerprints.
func (s *Scheduler) SmartReconfigure() error {
	metrics.ReconfigurationsTotal.WithLabelValues("smart").Inc()
	abide, err := s.loader.Load()
	if err != nil {
		return err
	}

	s.mu.Lock()
	old := s.abide
	hashes := make(map[string]uint64, len(s.tenantHashes))
	for name, h := range s.tenantHashes {
		hashes[name] = h
	}
	s.abide = abide
	s.mu.Unlock()

	for _, tc := range abide.Tenants {
		hash, err := tc.Hash()
		if err != nil {
			return err
		}
		if prev, ok := hashes[tc.Name]; ok && prev == hash {
			s.logger.Debug().Str("tenant", tc.Name).Msg("tenant unchanged, skipping")
			continue
		}
		if err := s.reconfigureTenant(tc, nil); err != nil {
			return err
		}
	}
	return s.cleanupRemovedTenants(old, abide)
}

// TenantReconfigure reconfigures one tenant in response to a configuration
// change event from its projects.
func (s *Scheduler) TenantReconfigure(tenantName string, ev *model.TenantReconfigureEvent) error {
	metrics.ReconfigurationsTotal.WithLabelValues("tenant").Inc()
	s.mu.Lock()
	tc := s.abide.Tenant(tenantName)
	s.mu.Unlock()
	if tc == nil {
		return fmt.Errorf("unknown tenant %q", tenantName)
	}
	return s.reconfigureTenant(tc, ev)
}

// reconfigureTenant freezes a new layout for a tenant and publishes it.
// It runs under the tenant write lock (with the distinguished identifier
// processing passes yield to) plus every pipeline lock, so no pipeline pass
// observes a half-switched layout. Existing queues are set aside for
// re-enqueueing on the next pass of each pipeline.
func (s *Scheduler) reconfigureTenant(tc *config.TenantConfig, ev *model.TenantReconfigureEvent) error {
	start := time.Now()
	lock, err := zk.AcquireLock(s.client, tenantLockPath(tc.Name), reconfigIdentifier, true, 0)
	if err != nil {
		return err
	}
	defer lock.Release()

	tenant, err := s.loader.BuildLayout(tc)
	if err != nil {
		return err
	}

	var pipelineLocks []*zk.Lock
	defer func() {
		for _, pl := range pipelineLocks {
			pl.Release()
		}
	}()
	for i := range tenant.Layout.Pipelines {
		pl, err := zk.AcquireLock(s.client,
			pipelineLockPath(tc.Name, tenant.Layout.Pipelines[i].Name),
			s.hostname, true, 0)
		if err != nil {
			return err
		}
		pipelineLocks = append(pipelineLocks, pl)
	}

	if err := s.layoutStore.SetLayout(tc.Name, tenant.Layout); err != nil {
		return err
	}
	state := &model.LayoutState{
		UUID:             tenant.Layout.UUID,
		Hostname:         s.hostname,
		LastReconfigured: time.Now().UnixNano(),
	}
	if err := s.layoutStore.Set(tc.Name, state); err != nil {
		return err
	}
	if ev != nil && len(ev.ProjectBranches) > 0 {
		if err := s.recordMinLtimes(tc.Name, ev); err != nil {
			return err
		}
	}

	// Move live queues aside; each pipeline re-enqueues them into the new
	// structure on its next locked pass.
	for i := range tenant.Layout.Pipelines {
		name := tenant.Layout.Pipelines[i].Name
		ps, err := s.pipelineStore.Load(tc.Name, name)
		if err != nil {
			return err
		}
		if len(ps.QueueIDs) > 0 {
			ps.OldQueueIDs = append(ps.OldQueueIDs, ps.QueueIDs...)
			ps.QueueIDs = nil
			if err := s.pipelineStore.SaveState(ps); err != nil {
				return err
			}
		}
		if err := s.pipelineStore.SetDirty(tc.Name, name); err != nil {
			return err
		}
	}

	if err := s.installTenant(tenant, state.Ltime); err != nil {
		return err
	}
	s.logger.Info().Str("tenant", tc.Name).Str("layout", tenant.Layout.UUID).
		Dur("took", time.Since(start)).Int("errors", len(tenant.Layout.LoadingErrors)).
		Msg("tenant reconfigured")
	return nil
}

// recordMinLtimes merges the event's project branches into the tenant's
// stored min-ltimes so stale cached configuration is refetched.
func (s *Scheduler) recordMinLtimes(tenant string, ev *model.TenantReconfigureEvent) error {
	minLtimes, err := s.layoutStore.GetMinLtimes(tenant)
	if err != nil {
		return err
	}
	if minLtimes == nil {
		minLtimes = map[string]map[string]int64{}
	}
	for project, branches := range ev.ProjectBranches {
		if minLtimes[project] == nil {
			minLtimes[project] = map[string]int64{}
		}
		for _, branch := range branches {
			if ev.TriggerLtime > minLtimes[project][branch] {
				minLtimes[project][branch] = ev.TriggerLtime
			}
		}
	}
	return s.layoutStore.SetMinLtimes(tenant, minLtimes)
}

// installTenant swaps in a tenant's layout locally: one manager per
// pipeline, sharing a semaphore handler bound to the layout's definitions.
func (s *Scheduler) installTenant(tenant *model.Tenant, layoutLtime int64) error {
	layout := tenant.Layout
	sems := semaphore.NewHandler(s.client, tenant.Name, func(name string) (model.SemaphoreDef, bool) {
		def, ok := layout.Semaphores[name]
		return def, ok
	})

	managers := map[string]pipeline.Manager{}
	for i := range layout.Pipelines {
		cfg := &layout.Pipelines[i]
		mgr, err := pipeline.NewManager(pipeline.Options{
			Client:     s.client,
			Store:      s.pipelineStore,
			Nodepool:   s.nodepool,
			Semaphores: sems,
			Executor:   s.executor,
			Merger:     s.merger,
			Holds:      s.holds,
			Source:     s.source,
			Reporter:   s.reporter,
			Tenant:     tenant.Name,
			Config:     cfg,
			Layout:     layout,
		})
		if err != nil {
			return err
		}
		managers[cfg.Name] = mgr
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.tenants[tenant.Name] = tenant
	s.managers[tenant.Name] = managers
	s.layoutLtimes[tenant.Name] = layoutLtime
	if tc := s.abide.Tenant(tenant.Name); tc != nil {
		if hash, err := tc.Hash(); err == nil {
			s.tenantHashes[tenant.Name] = hash
		}
	}
	return nil
}

// cleanupRemovedTenants drops tenants that disappeared from the
// configuration, removing their layout records and local managers. Their
// pipeline state is left for the general cleanup to collect.
func (s *Scheduler) cleanupRemovedTenants(old, current *config.Abide) error {
	if old == nil {
		return nil
	}
	for _, tc := range old.Tenants {
		if current.Tenant(tc.Name) != nil {
			continue
		}
		s.logger.Info().Str("tenant", tc.Name).Msg("removing deleted tenant")
		if err := s.layoutStore.CleanupTenant(tc.Name); err != nil {
			return err
		}
		s.mu.Lock()
		delete(s.tenants, tc.Name)
		delete(s.managers, tc.Name)
		delete(s.tenantHashes, tc.Name)
		delete(s.layoutLtimes, tc.Name)
		s.mu.Unlock()
	}
	return nil
}
