package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/spf13/cobra"

	"github.com/rowjay/s3-cross-region-compressor/internal/agent"
	"github.com/rowjay/s3-cross-region-compressor/internal/archive"
	"github.com/rowjay/s3-cross-region-compressor/internal/compression"
	"github.com/rowjay/s3-cross-region-compressor/internal/config"
	"github.com/rowjay/s3-cross-region-compressor/internal/lock"
	"github.com/rowjay/s3-cross-region-compressor/internal/logging"
	"github.com/rowjay/s3-cross-region-compressor/internal/metrics"
	"github.com/rowjay/s3-cross-region-compressor/internal/params"
	"github.com/rowjay/s3-cross-region-compressor/internal/queue"
	"github.com/rowjay/s3-cross-region-compressor/internal/settings"
	"github.com/rowjay/s3-cross-region-compressor/internal/storage"
)

// Set via -ldflags at build time.
var (
	version = "dev"
	commit  = "none"
)

type rootFlags struct {
	ConfigPath string
	LogLevel   string
	LogFormat  string
}

func main() {
	root := &rootFlags{}

	rootCmd := &cobra.Command{
		Use:   "s3crc",
		Short: "Cross-region object replication with adaptive compression",
	}

	rootCmd.PersistentFlags().StringVar(&root.ConfigPath, "config", "", "Path to config file (yaml/toml/json)")
	rootCmd.PersistentFlags().StringVar(&root.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&root.LogFormat, "log-format", "", "Log format (json, console)")

	rootCmd.AddCommand(newSourceCmd(root))
	rootCmd.AddCommand(newTargetCmd(root))
	rootCmd.AddCommand(newVersionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newSourceCmd(root *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "source",
		Short: "Run the source-region agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSource(root)
		},
	}
}

func newTargetCmd(root *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "target",
		Short: "Run the target-region agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTarget(root)
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("s3crc %s (%s)\n", version, commit)
		},
	}
}

func runSource(root *rootFlags) error {
	cfg, err := loadConfig(root)
	if err != nil {
		return err
	}
	if err := cfg.ValidateSource(); err != nil {
		return err
	}
	logger := logging.ForAgent(logging.Configure(cfg.Global.LogLevel, cfg.Global.LogFormat), "source", cfg.Global.Region)

	lk, err := lock.AcquireForQueue(cfg.Global.LockFile, cfg.Queue.URL)
	if err != nil {
		return err
	}
	defer lk.Release()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Global.Region))
	if err != nil {
		return fmt.Errorf("load aws config: %w", err)
	}

	factor := compression.RunCPUBenchmark(cfg.Compression.BenchmarkBudget, logger)

	store := storage.NewS3(awsCfg)
	q := queue.NewSQS(awsCfg, cfg.Queue.URL, cfg.Queue.WaitTime)
	engine := archive.NewEngine(cfg.Compression.BufferMemoryShare, logger)
	reporter := metrics.NewCloudWatch(cloudwatch.NewFromConfig(awsCfg), logger)

	ddb := dynamodb.NewFromConfig(awsCfg)
	resolver := params.NewRepository(ddb, cfg.Replication.ParametersTable, logger)
	settingsRepo := settings.NewRepository(ddb, cfg.Settings.Table)

	optimizer := compression.NewOptimizer(compression.OptimizerConfig{
		DefaultLevel:     cfg.Compression.DefaultLevel,
		MinTrials:        cfg.Compression.MinTrials,
		BaseExploreRate:  cfg.Compression.BaseExploreRate,
		DecayPerThousand: cfg.Compression.DecayPerThousand,
		MaxDecay:         cfg.Compression.MaxDecay,
	})
	calculator := compression.Calculator{
		TransferRatePerGB:    cfg.Cost.TransferRatePerGB,
		ComputeRatePerMinute: cfg.Cost.ComputeRatePerMinute,
	}
	manager := compression.NewManager(settingsRepo, optimizer, calculator, compression.ManagerConfig{
		RetryAttempts: cfg.Settings.RetryAttempts,
		RetryBackoff:  cfg.Settings.RetryBackoff,
	}, factor, logger)

	src := agent.NewSource(agent.SourceConfig{
		StackName:       cfg.Replication.StackName,
		StagingBucket:   cfg.Storage.StagingBucket,
		MonitoredPrefix: cfg.Replication.MonitoredPrefix,
		MaxMessages:     cfg.Queue.MaxMessages,
		IdleSleep:       cfg.Queue.IdleSleep,
		ErrorSleep:      cfg.Queue.ErrorSleep,
		RecalcInterval:  cfg.Compression.RecalcInterval,
	}, q, store, resolver, manager, engine, reporter, logger)

	return src.Run(ctx)
}

func runTarget(root *rootFlags) error {
	cfg, err := loadConfig(root)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger := logging.ForAgent(logging.Configure(cfg.Global.LogLevel, cfg.Global.LogFormat), "target", cfg.Global.Region)

	lk, err := lock.AcquireForQueue(cfg.Global.LockFile, cfg.Queue.URL)
	if err != nil {
		return err
	}
	defer lk.Release()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Global.Region))
	if err != nil {
		return fmt.Errorf("load aws config: %w", err)
	}

	store := storage.NewS3(awsCfg)
	q := queue.NewSQS(awsCfg, cfg.Queue.URL, cfg.Queue.WaitTime)
	engine := archive.NewEngine(cfg.Compression.BufferMemoryShare, logger)
	reporter := metrics.NewCloudWatch(cloudwatch.NewFromConfig(awsCfg), logger)
	catalog := agent.NewCatalog(store, cfg.Storage.CatalogBucket, logger)

	tgt := agent.NewTarget(agent.TargetConfig{
		Region:      cfg.Global.Region,
		MaxMessages: cfg.Queue.MaxMessages,
		IdleSleep:   cfg.Queue.IdleSleep,
		ErrorSleep:  cfg.Queue.ErrorSleep,
		BackupLevel: cfg.Compression.BackupArchiveLevel,
	}, q, store, engine, reporter, catalog, logger)

	return tgt.Run(ctx)
}

func loadConfig(root *rootFlags) (*config.Config, error) {
	cfg, err := config.Load(root.ConfigPath)
	if err != nil {
		return nil, err
	}
	if root.LogLevel != "" {
		cfg.Global.LogLevel = root.LogLevel
	}
	if root.LogFormat != "" {
		cfg.Global.LogFormat = root.LogFormat
	}
	return cfg, nil
}
