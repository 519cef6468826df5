package config

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/mitchellh/hashstructure/v2"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/blurrycontour/zuul-gerrit-sub000/pkg/log"
	"github.com/blurrycontour/zuul-gerrit-sub000/pkg/model"
)

// Abide is the parsed tenant configuration file: every tenant the system
// runs, with the raw per-tenant sections kept for change detection.
type Abide struct {
	Tenants []*TenantConfig `yaml:"tenants"`
}

// TenantConfig is one tenant's section of the configuration file
type TenantConfig struct {
	Name           string            `yaml:"name"`
	MaxNodesPerJob int               `yaml:"max-nodes-per-job"`
	MaxJobTimeout  int               `yaml:"max-job-timeout"`
	AllowedLabels  []string          `yaml:"allowed-labels"`
	Pipelines      []PipelineYAML    `yaml:"pipelines"`
	Projects       []ProjectYAML     `yaml:"projects"`
	Jobs           []JobYAML         `yaml:"jobs"`
	Semaphores     []SemaphoreYAML   `yaml:"semaphores"`
}

// PipelineYAML is the unfrozen pipeline definition
type PipelineYAML struct {
	Name       string              `yaml:"name"`
	Manager    string              `yaml:"manager"`
	Precedence string              `yaml:"precedence"`
	Triggers   []TriggerYAML       `yaml:"triggers"`
	Reporters  map[string][]string `yaml:"reporters"`

	Window               int     `yaml:"window"`
	WindowFloor          int     `yaml:"window-floor"`
	WindowIncreaseType   string  `yaml:"window-increase-type"`
	WindowIncreaseFactor float64 `yaml:"window-increase-factor"`
	WindowDecreaseType   string  `yaml:"window-decrease-type"`
	WindowDecreaseFactor float64 `yaml:"window-decrease-factor"`
}

// TriggerYAML is one event filter of a pipeline
type TriggerYAML struct {
	EventTypes []string `yaml:"event-types"`
	Branches   []string `yaml:"branches"`
	Refs       []string `yaml:"refs"`
}

// ProjectYAML maps a project to jobs per pipeline
type ProjectYAML struct {
	Name      string              `yaml:"name"`
	Trusted   bool                `yaml:"trusted"`
	Queue     string              `yaml:"queue"`
	Pipelines map[string][]string `yaml:"pipelines"` // pipeline -> job names
}

// JobYAML is the unfrozen job definition
type JobYAML struct {
	Name         string   `yaml:"name"`
	Labels       []string `yaml:"labels"`
	Dependencies []string `yaml:"dependencies"`
	Semaphores   []struct {
		Name           string `yaml:"name"`
		ResourcesFirst bool   `yaml:"resources-first"`
	} `yaml:"semaphores"`
	Attempts int           `yaml:"attempts"`
	Voting   *bool         `yaml:"voting"`
	Timeout  time.Duration `yaml:"timeout"`
}

// SemaphoreYAML defines a counted semaphore
type SemaphoreYAML struct {
	Name string `yaml:"name"`
	Max  int    `yaml:"max"`
}

// Loader reads the tenant configuration file and freezes layouts from it
type Loader struct {
	path   string
	logger zerolog.Logger
}

// NewLoader creates a tenant configuration loader
func NewLoader(path string) *Loader {
	return &Loader{path: path, logger: log.WithComponent("config")}
}

// Load parses the tenant configuration file
func (l *Loader) Load() (*Abide, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read tenant config %s: %w", l.path, err)
	}
	return Parse(data)
}

// Parse parses tenant configuration bytes
func Parse(data []byte) (*Abide, error) {
	abide := &Abide{}
	if err := yaml.Unmarshal(data, abide); err != nil {
		return nil, fmt.Errorf("failed to parse tenant config: %w", err)
	}
	seen := map[string]bool{}
	for _, tc := range abide.Tenants {
		if tc.Name == "" {
			return nil, fmt.Errorf("tenant with empty name")
		}
		if seen[tc.Name] {
			return nil, fmt.Errorf("duplicate tenant %q", tc.Name)
		}
		seen[tc.Name] = true
	}
	return abide, nil
}

// Tenant returns a tenant's config section, or nil
func (a *Abide) Tenant(name string) *TenantConfig {
	for _, tc := range a.Tenants {
		if tc.Name == name {
			return tc
		}
	}
	return nil
}

// TenantNames lists configured tenants in file order
func (a *Abide) TenantNames() []string {
	names := make([]string, 0, len(a.Tenants))
	for _, tc := range a.Tenants {
		names = append(names, tc.Name)
	}
	return names
}

// Hash fingerprints a tenant's unparsed configuration. Smart
// reconfiguration compares hashes to skip tenants whose config is
// unchanged.
func (tc *TenantConfig) Hash() (uint64, error) {
	// Hash through a method-less alias: TenantConfig's own Hash method
	// satisfies hashstructure's Hashable interface, and hashing tc
	// directly would recurse into this method forever.
	type tenantConfigPlain TenantConfig
	return hashstructure.Hash((*tenantConfigPlain)(tc), hashstructure.FormatV2, nil)
}

// BuildLayout freezes a tenant's configuration into an immutable layout.
// Configuration errors do not abort the build; they are recorded on the
// layout and the tenant keeps running.
func (l *Loader) BuildLayout(tc *TenantConfig) (*model.Tenant, error) {
	layout := &model.Layout{
		UUID:       uuid.NewString(),
		Tenant:     tc.Name,
		Projects:   map[string]*model.ProjectConfig{},
		Semaphores: map[string]model.SemaphoreDef{},
	}

	jobs := map[string]*JobYAML{}
	for i := range tc.Jobs {
		job := &tc.Jobs[i]
		if _, ok := jobs[job.Name]; ok {
			layout.LoadingErrors = append(layout.LoadingErrors,
				fmt.Sprintf("duplicate job %q", job.Name))
			continue
		}
		jobs[job.Name] = job
	}

	for _, sem := range tc.Semaphores {
		max := sem.Max
		if max < 1 {
			max = 1
		}
		layout.Semaphores[sem.Name] = model.SemaphoreDef{Name: sem.Name, Max: max}
	}

	for _, p := range tc.Pipelines {
		cfg, err := l.buildPipeline(&p)
		if err != nil {
			layout.LoadingErrors = append(layout.LoadingErrors, err.Error())
			continue
		}
		layout.Pipelines = append(layout.Pipelines, *cfg)
	}

	for _, proj := range tc.Projects {
		pc := &model.ProjectConfig{
			Name:      proj.Name,
			Trusted:   proj.Trusted,
			QueueName: proj.Queue,
			Jobs:      map[string][]model.FrozenJob{},
		}
		for pipelineName, jobNames := range proj.Pipelines {
			if layout.Pipeline(pipelineName) == nil {
				layout.LoadingErrors = append(layout.LoadingErrors,
					fmt.Sprintf("project %q references unknown pipeline %q", proj.Name, pipelineName))
				continue
			}
			for _, jobName := range jobNames {
				job, ok := jobs[jobName]
				if !ok {
					layout.LoadingErrors = append(layout.LoadingErrors,
						fmt.Sprintf("project %q references unknown job %q", proj.Name, jobName))
					continue
				}
				pc.Jobs[pipelineName] = append(pc.Jobs[pipelineName], freezeJob(job))
			}
		}
		layout.Projects[proj.Name] = pc
	}

	for _, errMsg := range layout.LoadingErrors {
		l.logger.Warn().Str("tenant", tc.Name).Str("error", errMsg).
			Msg("tenant configuration error")
	}

	return &model.Tenant{
		Name:           tc.Name,
		MaxNodesPerJob: tc.MaxNodesPerJob,
		MaxJobTimeout:  tc.MaxJobTimeout,
		AllowedLabels:  tc.AllowedLabels,
		Layout:         layout,
	}, nil
}

func (l *Loader) buildPipeline(p *PipelineYAML) (*model.PipelineConfig, error) {
	kind := model.ManagerKind(p.Manager)
	switch kind {
	case model.ManagerDependent, model.ManagerIndependent,
		model.ManagerSerial, model.ManagerSupercedent:
	default:
		return nil, fmt.Errorf("pipeline %q has unknown manager %q", p.Name, p.Manager)
	}

	precedence := model.PrecedenceNormal
	switch p.Precedence {
	case "high":
		precedence = model.PrecedenceHigh
	case "low":
		precedence = model.PrecedenceLow
	case "", "normal":
	default:
		return nil, fmt.Errorf("pipeline %q has unknown precedence %q", p.Name, p.Precedence)
	}

	cfg := &model.PipelineConfig{
		Name:                 p.Name,
		Manager:              kind,
		Precedence:           precedence,
		WindowInitial:        p.Window,
		WindowFloor:          p.WindowFloor,
		WindowIncreaseType:   model.WindowType(p.WindowIncreaseType),
		WindowIncreaseFactor: p.WindowIncreaseFactor,
		WindowDecreaseType:   model.WindowType(p.WindowDecreaseType),
		WindowDecreaseFactor: p.WindowDecreaseFactor,
	}
	for _, trig := range p.Triggers {
		cfg.Triggers = append(cfg.Triggers, model.EventFilter{
			EventTypes: trig.EventTypes,
			Branches:   trig.Branches,
			Refs:       trig.Refs,
		})
	}
	if len(p.Reporters) > 0 {
		cfg.Reporters = map[model.ReporterAction][]string{}
		for action, targets := range p.Reporters {
			cfg.Reporters[model.ReporterAction(action)] = targets
		}
	}
	return cfg, nil
}

// freezeJob flattens a job definition into its frozen form. Jobs vote
// unless the config says otherwise.
func freezeJob(job *JobYAML) model.FrozenJob {
	frozen := model.FrozenJob{
		Name:         job.Name,
		Labels:       append([]string(nil), job.Labels...),
		Dependencies: append([]string(nil), job.Dependencies...),
		Attempts:     job.Attempts,
		Voting:       true,
		Timeout:      job.Timeout,
	}
	if job.Voting != nil {
		frozen.Voting = *job.Voting
	}
	for _, sem := range job.Semaphores {
		frozen.Semaphores = append(frozen.Semaphores, model.JobSemaphore{
			Name:           sem.Name,
			ResourcesFirst: sem.ResourcesFirst,
		})
	}
	return frozen
}
