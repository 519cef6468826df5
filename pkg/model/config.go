package model

import "time"

// ManagerKind selects the pipeline manager implementation
type ManagerKind string

const (
	ManagerDependent   ManagerKind = "dependent"
	ManagerIndependent ManagerKind = "independent"
	ManagerSerial      ManagerKind = "serial"
	ManagerSupercedent ManagerKind = "supercedent"
)

// Precedence orders node and merge requests between pipelines
type Precedence int

const (
	PrecedenceHigh   Precedence = 0
	PrecedenceNormal Precedence = 1
	PrecedenceLow    Precedence = 2
)

// WindowType defines how a change queue window grows or shrinks
type WindowType string

const (
	WindowLinear      WindowType = "linear"
	WindowExponential WindowType = "exponential"
)

// ReporterAction names the outcome a reporter set fires on
type ReporterAction string

const (
	ActionStart        ReporterAction = "start"
	ActionSuccess      ReporterAction = "success"
	ActionFailure      ReporterAction = "failure"
	ActionMergeFailure ReporterAction = "merge-failure"
	ActionNoJobs       ReporterAction = "no-jobs"
	ActionDisabled     ReporterAction = "disabled"
	ActionDequeue      ReporterAction = "dequeue"
	ActionEnqueue      ReporterAction = "enqueue"
)

// PipelineConfig is the frozen configuration of one pipeline within a Layout
type PipelineConfig struct {
	Name        string      `json:"name"`
	Manager     ManagerKind `json:"manager"`
	Precedence  Precedence  `json:"precedence"`
	Triggers    []EventFilter `json:"triggers,omitempty"`
	Reporters   map[ReporterAction][]string `json:"reporters,omitempty"`

	// Window parameters (dependent and serial managers)
	WindowInitial        int        `json:"window,omitempty"`
	WindowFloor          int        `json:"window_floor,omitempty"`
	WindowIncreaseType   WindowType `json:"window_increase_type,omitempty"`
	WindowIncreaseFactor float64    `json:"window_increase_factor,omitempty"`
	WindowDecreaseType   WindowType `json:"window_decrease_type,omitempty"`
	WindowDecreaseFactor float64    `json:"window_decrease_factor,omitempty"`

	// Queue names shared between projects (dependent manager)
	Queues []string `json:"queues,omitempty"`
}

// HasStaticWindow reports whether the pipeline's window never changes and
// should therefore be preserved across reconfigurations.
func (p *PipelineConfig) HasStaticWindow() bool {
	return p.WindowIncreaseFactor == 1 && p.WindowDecreaseFactor == 1 &&
		p.WindowIncreaseType == WindowExponential && p.WindowDecreaseType == WindowExponential
}

// EventFilter matches trigger events to a pipeline
type EventFilter struct {
	EventTypes []string `json:"event_types,omitempty"`
	Branches   []string `json:"branches,omitempty"`
	Refs       []string `json:"refs,omitempty"`
}

// Matches reports whether the filter accepts the event
func (f *EventFilter) Matches(ev *TriggerEvent) bool {
	if len(f.EventTypes) > 0 {
		ok := false
		for _, t := range f.EventTypes {
			if t == ev.Type {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if len(f.Branches) > 0 {
		ok := false
		for _, b := range f.Branches {
			if b == ev.Branch {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// JobSemaphore names a semaphore a job must hold while running
type JobSemaphore struct {
	Name           string `json:"name"`
	ResourcesFirst bool   `json:"resources_first,omitempty"`
}

// FrozenJob is one job of a frozen job graph. Variants have already been
// flattened by specificity when the graph is frozen.
type FrozenJob struct {
	Name         string         `json:"name"`
	Labels       []string       `json:"labels,omitempty"`
	Dependencies []string       `json:"dependencies,omitempty"`
	Semaphores   []JobSemaphore `json:"semaphores,omitempty"`
	Attempts     int            `json:"attempts,omitempty"`
	Voting       bool           `json:"voting"`
	Timeout      time.Duration  `json:"timeout,omitempty"`
}

// SemaphoreDef defines a named counted semaphore within a tenant
type SemaphoreDef struct {
	Name string `json:"name"`
	Max  int    `json:"max"`
}

// ProjectConfig maps a project to the jobs it runs per pipeline
type ProjectConfig struct {
	Name      string                 `json:"name"`
	Trusted   bool                   `json:"trusted,omitempty"`
	QueueName string                 `json:"queue,omitempty"`
	Jobs      map[string][]FrozenJob `json:"jobs,omitempty"` // pipeline -> jobs
}

// Layout is an immutable configuration snapshot for one tenant. Once
// published its contents never change; reconfiguration replaces it.
type Layout struct {
	UUID      string                    `json:"uuid"`
	Tenant    string                    `json:"tenant"`
	Pipelines []PipelineConfig          `json:"pipelines"`
	Projects  map[string]*ProjectConfig `json:"projects,omitempty"`
	Semaphores map[string]SemaphoreDef  `json:"semaphores,omitempty"`

	// Configuration errors accumulated while loading; the tenant keeps
	// running on this layout regardless.
	LoadingErrors []string `json:"loading_errors,omitempty"`
}

// Pipeline returns the named pipeline config, or nil
func (l *Layout) Pipeline(name string) *PipelineConfig {
	for i := range l.Pipelines {
		if l.Pipelines[i].Name == name {
			return &l.Pipelines[i]
		}
	}
	return nil
}

// JobsFor returns the frozen jobs a project runs in a pipeline
func (l *Layout) JobsFor(project, pipeline string) []FrozenJob {
	pc, ok := l.Projects[project]
	if !ok {
		return nil
	}
	return pc.Jobs[pipeline]
}

// Tenant is a configuration scope. Replaced wholesale on reconfiguration,
// never mutated in place.
type Tenant struct {
	Name            string   `json:"name"`
	MaxNodesPerJob  int      `json:"max_nodes_per_job,omitempty"`
	MaxJobTimeout   int      `json:"max_job_timeout,omitempty"`
	AllowedLabels   []string `json:"allowed_labels,omitempty"`
	TrustedProjects []string `json:"trusted_projects,omitempty"`
	UntrustedProjects []string `json:"untrusted_projects,omitempty"`

	Layout *Layout `json:"-"`
}

// LayoutState records which layout a tenant is currently running
type LayoutState struct {
	UUID             string `json:"uuid"`
	Ltime            int64  `json:"ltime"`
	Hostname         string `json:"hostname"`
	LastReconfigured int64  `json:"last_reconfigured"`

	// Per-project, per-branch minimum ltimes used to validate cached
	// configuration files on later reconfigurations. Stored sharded.
	BranchCacheMinLtimes map[string]map[string]int64 `json:"-"`
}

// Age is a convenience for logging
func (s *LayoutState) Age(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, s.LastReconfigured))
}
