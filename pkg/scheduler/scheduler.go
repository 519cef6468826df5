package scheduler

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/blurrycontour/zuul-gerrit-sub000/pkg/changecache"
	"github.com/blurrycontour/zuul-gerrit-sub000/pkg/config"
	"github.com/blurrycontour/zuul-gerrit-sub000/pkg/eventqueue"
	"github.com/blurrycontour/zuul-gerrit-sub000/pkg/executor"
	"github.com/blurrycontour/zuul-gerrit-sub000/pkg/layout"
	"github.com/blurrycontour/zuul-gerrit-sub000/pkg/log"
	"github.com/blurrycontour/zuul-gerrit-sub000/pkg/merger"
	"github.com/blurrycontour/zuul-gerrit-sub000/pkg/metrics"
	"github.com/blurrycontour/zuul-gerrit-sub000/pkg/model"
	"github.com/blurrycontour/zuul-gerrit-sub000/pkg/nodepool"
	"github.com/blurrycontour/zuul-gerrit-sub000/pkg/pipeline"
	"github.com/blurrycontour/zuul-gerrit-sub000/pkg/registry"
	"github.com/blurrycontour/zuul-gerrit-sub000/pkg/zk"
)

// reconfigIdentifier is the lock identifier reconfiguration acquires the
// tenant lock with. Pipeline processing yields to a waiting contender
// carrying it so reconfiguration is never starved.
const reconfigIdentifier = "RECONFIG"

// Options wires a scheduler to its environment. Source and Reporter are
// the code review connection layer; when nil the scheduler treats every
// change as mergeable and logs reports instead of delivering them.
type Options struct {
	Client   zk.Client
	Config   *config.SchedulerConfig
	Source   pipeline.Source
	Reporter pipeline.Reporter
	Hostname string
}

// Scheduler drives pipelines for every tenant it can get locks for. Any
// number of schedulers may run against the same coordination store; all
// shared state lives there and every mutation happens under a store lock.
type Scheduler struct {
	cfg      *config.SchedulerConfig
	client   zk.Client
	hostname string
	loader   *config.Loader
	source   pipeline.Source
	reporter pipeline.Reporter

	layoutStore   *layout.Store
	pipelineStore *pipeline.Store
	nodepool      *nodepool.Service
	executor      *executor.Client
	merger        *merger.Client
	holds         *nodepool.HoldRequestStore
	registry      *registry.Registry
	blobs         *zk.BlobStore
	cache         *changecache.Cache

	registration *registry.Registration
	socket       *CommandSocket
	cleanup      *Cleanup

	mu           sync.Mutex
	abide        *config.Abide
	tenants      map[string]*model.Tenant
	managers     map[string]map[string]pipeline.Manager
	tenantHashes map[string]uint64
	layoutLtimes map[string]int64

	wake   chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup
	logger zerolog.Logger

	cancelWatches []func()
}

// New creates a scheduler. The change cache is opened under the configured
// data dir when one is set.
func New(opts Options) (*Scheduler, error) {
	hostname := opts.Hostname
	if hostname == "" {
		hostname, _ = os.Hostname()
	}
	s := &Scheduler{
		cfg:           opts.Config,
		client:        opts.Client,
		hostname:      hostname,
		loader:        config.NewLoader(opts.Config.TenantConfig),
		source:        opts.Source,
		reporter:      opts.Reporter,
		layoutStore:   layout.NewStore(opts.Client),
		pipelineStore: pipeline.NewStore(opts.Client),
		nodepool:      nodepool.NewService(opts.Client, "zuul-scheduler"),
		executor:      executor.NewClient(opts.Client),
		merger:        merger.NewClient(opts.Client),
		holds:         nodepool.NewHoldRequestStore(opts.Client),
		registry:      registry.NewRegistry(opts.Client),
		blobs:         zk.NewBlobStore(opts.Client),
		tenants:       map[string]*model.Tenant{},
		managers:      map[string]map[string]pipeline.Manager{},
		tenantHashes:  map[string]uint64{},
		layoutLtimes:  map[string]int64{},
		wake:          make(chan struct{}, 1),
		stopCh:        make(chan struct{}),
		logger:        log.WithComponent("scheduler"),
	}
	if s.source == nil {
		s.source = permissiveSource{}
	}
	if s.reporter == nil {
		s.reporter = logReporter{logger: s.logger}
	}
	if opts.Config.DataDir != "" {
		cache, err := changecache.Open(opts.Config.DataDir)
		if err != nil {
			return nil, err
		}
		s.cache = cache
	}
	s.cleanup = NewCleanup(s)
	return s, nil
}

// Start registers the component, primes tenant layouts, and launches the
// processing loop and background services.
func (s *Scheduler) Start() error {
	reg, err := registry.Register(s.client, model.ComponentInfo{
		Hostname: s.hostname,
		Kind:     registry.KindScheduler,
		State:    model.ComponentInitializing,
	})
	if err != nil {
		return fmt.Errorf("failed to register scheduler: %w", err)
	}
	s.registration = reg

	if err := s.primeTenants(); err != nil {
		return err
	}

	s.cancelWatches = append(s.cancelWatches, s.watchTree(zk.EventRoot))
	s.cancelWatches = append(s.cancelWatches, s.layoutStore.Watch(s.notify))

	if s.cfg.CommandSocket != "" {
		s.socket = NewCommandSocket(s.cfg.CommandSocket, s.handleCommand)
		if err := s.socket.Start(); err != nil {
			return err
		}
	}

	s.wg.Add(1)
	go s.loop()
	s.cleanup.Start(&s.wg, s.stopCh)
	s.wg.Add(1)
	go s.statsLoop()

	if err := reg.SetState(model.ComponentRunning); err != nil {
		return err
	}
	s.logger.Info().Str("hostname", s.hostname).Msg("scheduler started")
	return nil
}

// Stop shuts the scheduler down and waits for the loops to drain
func (s *Scheduler) Stop() {
	select {
	case <-s.stopCh:
		return
	default:
	}
	close(s.stopCh)
	for _, cancel := range s.cancelWatches {
		cancel()
	}
	if s.socket != nil {
		_ = s.socket.Close()
	}
	s.wg.Wait()
	if s.registration != nil {
		_ = s.registration.SetState(model.ComponentStopped)
		_ = s.registration.Unregister()
	}
	if s.cache != nil {
		_ = s.cache.Close()
	}
	s.logger.Info().Msg("scheduler stopped")
}

// Done reports whether the scheduler has been stopped
func (s *Scheduler) Done() <-chan struct{} {
	return s.stopCh
}

func (s *Scheduler) watchTree(root string) func() {
	events, cancel := s.client.WatchTree(root)
	go func() {
		for range events {
			s.notify()
		}
	}()
	return cancel
}

// notify wakes the processing loop; coalesced
func (s *Scheduler) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop() {
	defer s.wg.Done()
	// The ticker backstops missed watches; at-least-once queues make the
	// extra passes harmless.
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-s.wake:
		case <-ticker.C:
		}
		s.RunOnce()
	}
}

// RunOnce performs one full processing pass: global management events,
// then per tenant the layout check, management events, trigger forwarding
// and pipeline processing.
func (s *Scheduler) RunOnce() {
	if err := s.processGlobalManagement(); err != nil {
		s.logger.Error().Err(err).Msg("global management pass failed")
	}
	for _, tenantName := range s.tenantNames() {
		if err := s.updateTenantLayout(tenantName); err != nil {
			s.logger.Error().Err(err).Str("tenant", tenantName).
				Msg("layout update failed")
			continue
		}
		if err := s.processTenantManagement(tenantName); err != nil {
			s.logger.Error().Err(err).Str("tenant", tenantName).
				Msg("tenant management pass failed")
		}
		if s.reconfigPending(tenantName) {
			// A reconfiguration holds or wants the tenant; let it run
			continue
		}
		if err := s.forwardTenantTriggers(tenantName); err != nil {
			s.logger.Error().Err(err).Str("tenant", tenantName).
				Msg("trigger forwarding failed")
		}
		s.processPipelines(tenantName)
	}
}

func (s *Scheduler) tenantNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.abide == nil {
		return nil
	}
	return s.abide.TenantNames()
}

func (s *Scheduler) tenantManagers(tenant string) map[string]pipeline.Manager {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.managers[tenant]
}

func tenantLockPath(tenant string) string {
	return zk.LockRoot + "/tenants/" + tenant
}

func pipelineLockPath(tenant, name string) string {
	return fmt.Sprintf("%s/pipelines/%s/%s", zk.LockRoot, tenant, name)
}

// reconfigPending reports whether a reconfiguration holds or awaits the
// tenant lock.
func (s *Scheduler) reconfigPending(tenant string) bool {
	contenders, err := zk.LockContenders(s.client, tenantLockPath(tenant))
	if err != nil {
		return false
	}
	for _, id := range contenders {
		if id == reconfigIdentifier {
			return true
		}
	}
	return false
}

// processGlobalManagement drains the scheduler-wide management queue
// (full and smart reconfigurations).
func (s *Scheduler) processGlobalManagement() error {
	q := eventqueue.NewGlobalManagementQueue(s.client)
	events, err := q.Iter()
	if err != nil {
		return err
	}
	for _, ev := range events {
		var handleErr error
		switch ev.Kind {
		case model.EventKindReconfigure:
			re := &model.ReconfigureEvent{}
			if handleErr = ev.Decode(re); handleErr == nil {
				if re.Smart {
					handleErr = s.SmartReconfigure()
				} else {
					handleErr = s.FullReconfigure(re.Tenants)
				}
			}
		default:
			s.logger.Warn().Str("kind", ev.Kind).Msg("unexpected global management event")
		}
		s.ackEvent(q, ev, "management", handleErr)
	}
	return nil
}

// processTenantManagement handles tenant-scoped management events:
// tenant reconfigurations (merged on read) and autohold requests.
func (s *Scheduler) processTenantManagement(tenant string) error {
	q := eventqueue.NewTenantManagementQueue(s.client, tenant)
	events, err := q.Iter()
	if err != nil {
		return err
	}
	for _, ev := range events {
		var handleErr error
		switch ev.Kind {
		case model.EventKindTenantReconfigure:
			tre := &model.TenantReconfigureEvent{}
			if handleErr = ev.Decode(tre); handleErr == nil {
				handleErr = s.TenantReconfigure(tenant, tre)
			}
		case model.EventKindAutohold:
			ae := &model.AutoholdEvent{}
			if handleErr = ev.Decode(ae); handleErr == nil && ae.Request != nil {
				handleErr = s.holds.Create(ae.Request)
			}
		default:
			s.logger.Warn().Str("kind", ev.Kind).Str("tenant", tenant).
				Msg("unexpected tenant management event")
		}
		s.ackEvent(q, ev, "tenant-management", handleErr)
	}
	return nil
}

// forwardTenantTriggers routes tenant trigger events into the trigger
// queues of every pipeline whose filters match, stamping the logical times
// consumers use for staleness checks.
func (s *Scheduler) forwardTenantTriggers(tenant string) error {
	managers := s.tenantManagers(tenant)
	if managers == nil {
		return nil
	}
	q := eventqueue.NewTenantTriggerQueue(s.client, tenant)
	events, err := q.Iter()
	if err != nil {
		return err
	}
	s.mu.Lock()
	layoutLtime := s.layoutLtimes[tenant]
	s.mu.Unlock()

	for _, ev := range events {
		te := &model.TriggerEvent{}
		if err := ev.Decode(te); err != nil {
			s.ackEvent(q, ev, "trigger", err)
			continue
		}
		te.MinReconfigureLtime = layoutLtime
		if s.cache != nil {
			if te.Change != nil {
				_ = s.cache.Put(te.Change, te.ZuulEventLtime)
			}
			te.BranchCacheLtime = s.cache.BranchLtime(te.Project, te.Branch)
		}
		var fwdErr error
		for name, mgr := range managers {
			if !mgr.EventMatches(te) {
				continue
			}
			out, err := model.NewEvent(model.EventKindTrigger, te)
			if err != nil {
				fwdErr = err
				break
			}
			if err := eventqueue.NewPipelineTriggerQueue(s.client, tenant, name).Put(out); err != nil {
				fwdErr = err
				break
			}
		}
		s.ackEvent(q, ev, "trigger", fwdErr)
	}
	return nil
}

// processPipelines runs one locked pass over every pipeline of a tenant
// that has pending events or a dirty flag.
func (s *Scheduler) processPipelines(tenant string) {
	managers := s.tenantManagers(tenant)
	for name, mgr := range managers {
		if err := s.processPipeline(tenant, name, mgr); err != nil {
			if errors.Is(err, zk.ErrLockContended) {
				// Another scheduler has it; fine
				continue
			}
			s.logger.Error().Err(err).Str("tenant", tenant).Str("pipeline", name).
				Msg("pipeline pass failed")
		}
	}
}

func (s *Scheduler) processPipeline(tenant, name string, mgr pipeline.Manager) error {
	mgmtQ := eventqueue.NewPipelineManagementQueue(s.client, tenant, name)
	resultQ := eventqueue.NewPipelineResultQueue(s.client, tenant, name)
	triggerQ := eventqueue.NewPipelineTriggerQueue(s.client, tenant, name)

	hasWork, err := s.pipelineHasWork(tenant, name, mgmtQ, resultQ, triggerQ)
	if err != nil || !hasWork {
		return err
	}

	lock, err := zk.AcquireLock(s.client, pipelineLockPath(tenant, name), s.hostname, false, 0)
	if err != nil {
		return err
	}
	defer lock.Release()
	start := time.Now()

	state, err := s.pipelineStore.Load(tenant, name)
	if err != nil {
		return err
	}
	if err := mgr.ReEnqueueOldQueues(state); err != nil {
		return err
	}

	// Management first so operator actions are not queued behind event
	// floods, then results so finished builds free their resources before
	// new work is admitted, then triggers.
	if err := s.drainQueue(mgmtQ, "pipeline-management", func(ev *model.Event) error {
		return s.handleManagementEvent(mgr, state, ev)
	}); err != nil {
		return err
	}
	if err := s.drainQueue(resultQ, "result", func(ev *model.Event) error {
		return s.handleResultEvent(mgr, state, ev)
	}); err != nil {
		return err
	}
	if err := s.drainQueue(triggerQ, "pipeline-trigger", func(ev *model.Event) error {
		return s.handleTriggerEvent(mgr, state, ev)
	}); err != nil {
		return err
	}

	// Process to a fixpoint; Process bounds itself, but guard against a
	// pathological flip-flop anyway.
	for i := 0; i < 100; i++ {
		changed, err := mgr.Process(state)
		if err != nil {
			return err
		}
		if !changed {
			break
		}
	}

	if err := s.pipelineStore.SaveState(state); err != nil {
		return err
	}
	if err := s.pipelineStore.SaveSummary(state); err != nil {
		return err
	}
	if err := s.pipelineStore.ClearDirty(tenant, name); err != nil {
		return err
	}
	metrics.PipelinePassDuration.WithLabelValues(tenant, name).
		Observe(time.Since(start).Seconds())
	return nil
}

func (s *Scheduler) pipelineHasWork(tenant, name string, queues ...*eventqueue.Queue) (bool, error) {
	for _, q := range queues {
		has, err := q.HasEvents()
		if err != nil {
			return false, err
		}
		if has {
			return true, nil
		}
	}
	return s.pipelineStore.IsDirty(tenant, name)
}

func (s *Scheduler) drainQueue(q *eventqueue.Queue, kind string, handle func(*model.Event) error) error {
	events, err := q.Iter()
	if err != nil {
		return err
	}
	for _, ev := range events {
		s.ackEvent(q, ev, kind, handle(ev))
	}
	return nil
}

func (s *Scheduler) handleManagementEvent(mgr pipeline.Manager, state *pipeline.State, ev *model.Event) error {
	switch ev.Kind {
	case model.EventKindPromote:
		pe := &model.PromoteEvent{}
		if err := ev.Decode(pe); err != nil {
			return err
		}
		return mgr.PromoteChanges(state, pe.Changes)
	case model.EventKindEnqueue:
		ee := &model.EnqueueEvent{}
		if err := ev.Decode(ee); err != nil {
			return err
		}
		_, err := mgr.AddChange(state, ee.Change, "manual-enqueue")
		return err
	case model.EventKindDequeue:
		de := &model.DequeueEvent{}
		if err := ev.Decode(de); err != nil {
			return err
		}
		return mgr.RemoveChange(state, de.Change)
	case model.EventKindSupersede:
		se := &model.SupersedeEvent{}
		if err := ev.Decode(se); err != nil {
			return err
		}
		return mgr.RemoveChange(state, se.Change)
	default:
		s.logger.Warn().Str("kind", ev.Kind).Msg("unexpected pipeline management event")
		return nil
	}
}

func (s *Scheduler) handleResultEvent(mgr pipeline.Manager, state *pipeline.State, ev *model.Event) error {
	switch ev.Kind {
	case model.EventKindBuildStarted:
		be := &model.BuildEvent{}
		if err := ev.Decode(be); err != nil {
			return err
		}
		return mgr.OnBuildStarted(state, be)
	case model.EventKindBuildPaused:
		be := &model.BuildEvent{}
		if err := ev.Decode(be); err != nil {
			return err
		}
		return mgr.OnBuildPaused(state, be)
	case model.EventKindBuildCompleted:
		be := &model.BuildEvent{}
		if err := ev.Decode(be); err != nil {
			return err
		}
		return mgr.OnBuildCompleted(state, be)
	case model.EventKindMergeCompleted:
		me := &model.MergeCompletedEvent{}
		if err := ev.Decode(me); err != nil {
			return err
		}
		return mgr.OnMergeCompleted(state, me)
	case model.EventKindNodesProvisioned:
		ne := &model.NodesProvisionedEvent{}
		if err := ev.Decode(ne); err != nil {
			return err
		}
		return mgr.OnNodesProvisioned(state, ne)
	default:
		s.logger.Warn().Str("kind", ev.Kind).Msg("unexpected pipeline result event")
		return nil
	}
}

func (s *Scheduler) handleTriggerEvent(mgr pipeline.Manager, state *pipeline.State, ev *model.Event) error {
	te := &model.TriggerEvent{}
	if err := ev.Decode(te); err != nil {
		return err
	}
	if te.Change == nil {
		return nil
	}
	_, err := mgr.AddChange(state, te.Change, te.EventID)
	return err
}

// ackEvent acknowledges an event, recording the handler error (if any) as
// the result for waiting producers.
func (s *Scheduler) ackEvent(q *eventqueue.Queue, ev *model.Event, kind string, handleErr error) {
	result := ""
	if handleErr != nil {
		result = handleErr.Error()
		s.logger.Error().Err(handleErr).Str("kind", ev.Kind).Msg("event handling failed")
	}
	if err := q.Ack(ev, result); err != nil {
		s.logger.Error().Err(err).Str("path", ev.Ack.Path).Msg("event ack failed")
		return
	}
	metrics.EventsProcessed.WithLabelValues(kind).Inc()
}

// permissiveSource stands in when no code review connection is wired: no
// dependencies, everything mergeable.
type permissiveSource struct{}

func (permissiveSource) GetChange(string) (*model.Change, error) { return nil, nil }
func (permissiveSource) IsMergeable(*model.Change) bool          { return true }

// logReporter logs reports instead of delivering them
type logReporter struct {
	logger zerolog.Logger
}

func (r logReporter) Report(action model.ReporterAction, item *model.QueueItem) error {
	r.logger.Info().Str("action", string(action)).
		Str("change", item.Change.CacheKey()).Msg("report")
	return nil
}

// EnqueueTriggerEvent places an external trigger event on a tenant's
// trigger queue, stamping its logical time from the store.
func (s *Scheduler) EnqueueTriggerEvent(tenant string, te *model.TriggerEvent) error {
	ltime, err := s.client.Ltime()
	if err != nil {
		return err
	}
	te.ZuulEventLtime = ltime
	ev, err := model.NewEvent(model.EventKindTrigger, te)
	if err != nil {
		return err
	}
	if err := eventqueue.NewTenantTriggerQueue(s.client, tenant).Put(ev); err != nil {
		return err
	}
	s.notify()
	return nil
}

// Promote moves the named changes to the head of their pipeline queue on
// the next pass.
func (s *Scheduler) Promote(tenant, pipelineName string, changeKeys []string) error {
	return s.putPipelineManagement(tenant, pipelineName, model.EventKindPromote,
		&model.PromoteEvent{Pipeline: pipelineName, Changes: changeKeys})
}

// Enqueue force-enqueues a change into a pipeline, bypassing triggers
func (s *Scheduler) Enqueue(tenant, pipelineName string, change *model.Change) error {
	return s.putPipelineManagement(tenant, pipelineName, model.EventKindEnqueue,
		&model.EnqueueEvent{Pipeline: pipelineName, Change: change})
}

// Dequeue force-dequeues a change from a pipeline, canceling its jobs
func (s *Scheduler) Dequeue(tenant, pipelineName string, change *model.Change) error {
	return s.putPipelineManagement(tenant, pipelineName, model.EventKindDequeue,
		&model.DequeueEvent{Pipeline: pipelineName, Change: change})
}

// Autohold registers a hold request: nodes of matching failed builds are
// parked for debugging instead of returned.
func (s *Scheduler) Autohold(tenant string, hr *model.HoldRequest) error {
	ev, err := model.NewEvent(model.EventKindAutohold, &model.AutoholdEvent{Request: hr})
	if err != nil {
		return err
	}
	if err := eventqueue.NewTenantManagementQueue(s.client, tenant).Put(ev); err != nil {
		return err
	}
	s.notify()
	return nil
}

func (s *Scheduler) putPipelineManagement(tenant, pipelineName, kind string, payload any) error {
	ev, err := model.NewEvent(kind, payload)
	if err != nil {
		return err
	}
	if err := eventqueue.NewPipelineManagementQueue(s.client, tenant, pipelineName).Put(ev); err != nil {
		return err
	}
	s.notify()
	return nil
}
