package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/blurrycontour/zuul-gerrit-sub000/pkg/zk"
)

// SchedulerConfig is the daemon configuration loaded at startup
type SchedulerConfig struct {
	ZooKeeper     zk.Config     `yaml:"zookeeper"`
	TenantConfig  string        `yaml:"tenant_config"`
	DataDir       string        `yaml:"data_dir"`
	CommandSocket string        `yaml:"command_socket"`
	MetricsAddr   string        `yaml:"metrics_addr"`
	StatsInterval time.Duration `yaml:"stats_interval"`

	// MinReady is the number of warm nodes to keep per label; each label
	// is assigned to exactly one running launcher.
	MinReady map[string]int `yaml:"min_ready"`
	LogLevel      string        `yaml:"log_level"`
	LogJSON       bool          `yaml:"log_json"`
}

// LoadSchedulerConfig reads the daemon configuration file and applies
// defaults.
func LoadSchedulerConfig(path string) (*SchedulerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	cfg := &SchedulerConfig{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "/var/lib/zuul"
	}
	if cfg.CommandSocket == "" {
		cfg.CommandSocket = cfg.DataDir + "/scheduler.socket"
	}
	if cfg.MetricsAddr == "" {
		cfg.MetricsAddr = ":9091"
	}
	if cfg.StatsInterval == 0 {
		cfg.StatsInterval = 30 * time.Second
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	return cfg, nil
}
