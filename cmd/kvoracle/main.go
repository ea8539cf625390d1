// Package main implements kvoracle, a driver that builds one oracle store per
// simulated node, hammers each with a concurrent workload, and then mirrors a
// node failover by merging one oracle into another.
//
// Usage:
//
//	kvoracle --config kvoracle.yaml
//	kvoracle --partitions 64 --workers 16 --operations 100000 --metrics
//
// Flags override the matching config file fields. Without --config the
// built-in defaults are used.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/dreamware/kvoracle/internal/config"
	"github.com/dreamware/kvoracle/internal/coordinator"
	"github.com/dreamware/kvoracle/internal/storage"
	"github.com/dreamware/kvoracle/internal/workload"
)

// options holds the command-line flags
type options struct {
	configPath string
	partitions int
	workers    int
	operations int
	metrics    bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:          "kvoracle",
		Short:        "Drive sharded key/value oracles through a concurrent workload and a failover",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg, opts.metrics, cmd.OutOrStdout())
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "path to the YAML config file")
	flags.IntVar(&opts.partitions, "partitions", config.DefaultPartitions, "partitions per oracle store")
	flags.IntVar(&opts.workers, "workers", config.DefaultWorkers, "concurrent workers per node")
	flags.IntVar(&opts.operations, "operations", config.DefaultOperations, "operations per node")
	flags.BoolVar(&opts.metrics, "metrics", false, "print store metrics after the run")
	return cmd
}

// loadConfig reads the config file and applies explicitly set flags on top
func loadConfig(cmd *cobra.Command, opts options) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("partitions") {
		cfg.Store.Partitions = opts.partitions
	}
	if flags.Changed("workers") {
		cfg.Workload.Workers = opts.workers
	}
	if flags.Changed("operations") {
		cfg.Workload.Operations = opts.operations
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newLogger builds a zap logger from the log section of the config
func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}

	zcfg := zap.NewProductionConfig()
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}

// run executes the workload on every node, fails the first node over onto
// the second and writes a summary to out
func run(ctx context.Context, cfg *config.Config, dumpMetrics bool, out io.Writer) error {
	logger, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	reg := prometheus.NewRegistry()
	cluster := coordinator.NewCluster(cfg.Store.Partitions, logger,
		coordinator.WithStoreOptions(func(nodeID string) []storage.Option {
			return []storage.Option{storage.WithMetrics(reg, nodeID)}
		}))

	for _, nodeID := range cfg.Cluster.Nodes {
		if _, err := cluster.AddNode(nodeID); err != nil {
			return err
		}
	}
	if len(cfg.Cluster.Nodes) > 0 {
		if err := cluster.Rebalance(); err != nil {
			return err
		}
	}

	scope := storage.Scope{Bucket: cfg.Store.Bucket, Collection: cfg.Store.Collection}
	for _, nodeID := range cluster.Nodes() {
		store, _ := cluster.Node(nodeID)
		report, err := workload.Run(ctx, store, cfg.Workload, scope, logger.With(zap.String("node", nodeID)))
		if err != nil {
			return fmt.Errorf("node %s: %w", nodeID, err)
		}
		fmt.Fprintf(out, "%s: sets=%d deletes=%d random_deletes=%d gets=%d batches=%d valid=%d deleted=%d\n",
			nodeID, report.Sets, report.Deletes, report.RandomDeletes, report.Gets, report.Batches,
			report.Valid, report.Deleted)
	}

	if nodes := cluster.Nodes(); len(nodes) >= 2 {
		failed, survivor := nodes[0], nodes[1]
		if err := cluster.Failover(failed, survivor); err != nil {
			return err
		}
		store, _ := cluster.Node(survivor)
		fmt.Fprintf(out, "failover %s -> %s: survivor holds %d live keys, owns %d shards\n",
			failed, survivor, store.Len(), len(cluster.Registry().GetNodeShards(survivor)))
	}

	if dumpMetrics {
		return writeMetrics(reg, out)
	}
	return nil
}

func writeMetrics(g prometheus.Gatherer, out io.Writer) error {
	families, err := g.Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(out, mf); err != nil {
			return fmt.Errorf("write metrics: %w", err)
		}
	}
	return nil
}
