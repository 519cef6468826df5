package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/blurrycontour/zuul-gerrit-sub000/pkg/config"
	"github.com/blurrycontour/zuul-gerrit-sub000/pkg/log"
	"github.com/blurrycontour/zuul-gerrit-sub000/pkg/metrics"
	"github.com/blurrycontour/zuul-gerrit-sub000/pkg/scheduler"
	"github.com/blurrycontour/zuul-gerrit-sub000/pkg/zk"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "zuul-scheduler",
	Short: "Project gating scheduler",
	Long: `The scheduler drives tenant pipelines: it routes trigger events,
manages speculative change queues, requests nodes and merges, launches
builds, and reports results. Any number of schedulers may run against
the same ZooKeeper cluster; they coordinate through locks.`,
	Version: Version,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run()
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"zuul-scheduler version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))
	rootCmd.Flags().StringVarP(&configPath, "config", "c",
		"/etc/zuul/scheduler.yaml", "Path to the scheduler configuration file")
}

func run() error {
	cfg, err := config.LoadSchedulerConfig(configPath)
	if err != nil {
		return err
	}

	log.Init(log.Config{
		Level:      log.Level(cfg.LogLevel),
		JSONOutput: cfg.LogJSON,
	})

	client, err := zk.Connect(cfg.ZooKeeper)
	if err != nil {
		return fmt.Errorf("failed to connect to ZooKeeper: %w", err)
	}
	defer client.Close()

	sched, err := scheduler.New(scheduler.Options{
		Client: client,
		Config: cfg,
	})
	if err != nil {
		return err
	}
	if err := sched.Start(); err != nil {
		return err
	}

	go func() {
		http.Handle("/metrics", metrics.Handler())
		if err := http.ListenAndServe(cfg.MetricsAddr, nil); err != nil {
			log.Errorf("metrics server stopped", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.Info(fmt.Sprintf("Received signal %v, shutting down...", sig))
		sched.Stop()
	case <-sched.Done():
	}
	return nil
}
