package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/good-yellow-bee/threatwatch/internal/api"
	"github.com/good-yellow-bee/threatwatch/internal/api/health"
	"github.com/good-yellow-bee/threatwatch/internal/features"
	"github.com/good-yellow-bee/threatwatch/internal/metrics"
	"github.com/good-yellow-bee/threatwatch/internal/notifier"
	"github.com/good-yellow-bee/threatwatch/internal/pipeline"
	"github.com/good-yellow-bee/threatwatch/internal/scoring"
	"github.com/good-yellow-bee/threatwatch/internal/source"
	"github.com/good-yellow-bee/threatwatch/internal/storage"
	"github.com/good-yellow-bee/threatwatch/pkg/config"
)

var (
	configFile string
	httpAddr   string
	verbose    bool
)

// notifyDrainTimeout bounds how long shutdown waits for pending deliveries.
const notifyDrainTimeout = 10 * time.Second

var rootCmd = &cobra.Command{
	Use:   "threatwatch-server",
	Short: "ThreatWatch Server - security telemetry ingestion and threat detection",
	Long: `ThreatWatch Server ingests network flow records and log lines, scores
them for anomalies, and records threats and alerts for triage.`,
	SilenceUsage: true,
	RunE:         runServer,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), config.GetBuildInfo())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path (optional)")
	rootCmd.PersistentFlags().StringVarP(&httpAddr, "address", "a", "", "HTTP listen address (overrides server.http_address)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log every request and enable debug logging")

	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	var cfg *Config
	if configFile != "" {
		var err error
		cfg, err = LoadConfig(configFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
	} else {
		cfg = DefaultConfig()
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("validate default config: %w", err)
		}
	}

	// CLI flags win over the file.
	if httpAddr != "" {
		cfg.Server.HTTPAddress = httpAddr
	}
	cfg.Verbose = verbose
	if verbose {
		cfg.Logging.Level = "debug"
	}

	logger := newLogger(cfg.Logging, os.Stderr)
	slog.SetDefault(logger)

	build := config.GetBuildInfo()
	metrics.SetBuildInfo(build.Version, build.Commit, build.BuildTime)
	logger.Info("starting threatwatch-server", "build", build)

	rawStore, err := openRawStore(cfg.RawStore, logger)
	if err != nil {
		return err
	}
	defer rawStore.Close()

	threatStore, err := openThreatStore(cfg.ThreatStore)
	if err != nil {
		return err
	}
	defer threatStore.Close()

	scorer, classifier, analyzer, err := buildAdapters(cfg.Scoring)
	if err != nil {
		return err
	}

	notify, pingers, err := buildNotifier(cfg.Notifications, logger)
	if err != nil {
		return err
	}
	defer notify.Close()

	policy := cfg.Pipeline.Policy
	pipelineCfg := pipeline.Config{
		Scorer:           scorer,
		Classifier:       classifier,
		Analyzer:         analyzer,
		RawStore:         rawStore,
		ThreatStore:      threatStore,
		Extractor:        features.NewExtractor(features.NewTextVectorizer(cfg.Pipeline.EmbeddingWidth)),
		Policy:           &policy,
		BatchConcurrency: cfg.Pipeline.BatchConcurrency,
		Logger:           logger.With("component", "pipeline"),
	}
	if cfg.Pipeline.ScoringConcurrency > 0 {
		pipelineCfg.Dispatcher = scoring.NewDispatcher(cfg.Pipeline.ScoringConcurrency)
	}
	if notify.Len() > 0 {
		pipelineCfg.Notifier = notify
	}
	orch, err := pipeline.New(pipelineCfg)
	if err != nil {
		return fmt.Errorf("create pipeline: %w", err)
	}

	apiServer, err := api.New(&api.Config{
		Address:            cfg.Server.HTTPAddress,
		RateLimitPerSecond: cfg.Server.RateLimit.PerSecond,
		RateLimitBurst:     cfg.Server.RateLimit.Burst,
		MaxBodyBytes:       cfg.Server.MaxBodyBytes,
		RequestTimeout:     mustDuration(cfg.Server.RequestTimeout),
		Verbose:            cfg.Verbose,
	}, api.Deps{
		Pipeline:  orch,
		Threats:   threatStore,
		RawEvents: rawStore,
		Models: []scoring.ModelInfo{
			scoring.Describe(scoring.CapabilityAnomaly, scorer),
			scoring.Describe(scoring.CapabilityClassifier, classifier),
			scoring.Describe(scoring.CapabilityLogs, analyzer),
		},
	}, logger.With("component", "api"))
	if err != nil {
		return fmt.Errorf("create api server: %w", err)
	}
	apiServer.RegisterHealthChecker(health.NewStoreChecker("raw_store", rawStore))
	apiServer.RegisterHealthChecker(health.NewStoreChecker("threat_store", threatStore))
	for _, p := range pingers {
		apiServer.RegisterHealthChecker(health.NewStoreChecker(p.Name(), p))
	}

	sources, err := buildSources(cfg.Sources, orch, logger)
	if err != nil {
		return err
	}
	if len(sources) > 0 {
		paths := make([]string, 0, len(sources))
		for _, f := range cfg.Sources.Files {
			paths = append(paths, f.Path)
		}
		apiServer.RegisterHealthChecker(health.NewFuncChecker("log_sources", func(ctx context.Context) error {
			for _, p := range paths {
				if _, err := os.Stat(p); err != nil {
					return err
				}
			}
			return nil
		}))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return apiServer.Run(gctx)
	})

	if cfg.Server.MetricsAddress != "" {
		metricsServer := metrics.NewServer(cfg.Server.MetricsAddress, build.String(), logger.With("component", "metrics"))
		g.Go(func() error {
			return metricsServer.Start()
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return metricsServer.Shutdown(shutdownCtx)
		})
	}

	if configFile != "" {
		watcher := newConfigWatcher(configFile, orch, logger.With("component", "config"))
		g.Go(func() error {
			return watcher.Run(gctx)
		})
	}

	for _, src := range sources {
		g.Go(func() error {
			return src.Run(gctx)
		})
	}

	logger.Info("server started",
		"http", cfg.Server.HTTPAddress,
		"metrics", cfg.Server.MetricsAddress,
		"raw_store", cfg.RawStore.Backend,
		"threat_store", cfg.ThreatStore.Backend,
		"sources", len(sources),
	)

	runErr := g.Wait()

	// Deliver notifications for threats already committed before the
	// notifiers are closed.
	drainCtx, cancel := context.WithTimeout(context.Background(), notifyDrainTimeout)
	defer cancel()
	if err := orch.Wait(drainCtx); err != nil {
		logger.Warn("pending notifications abandoned at shutdown", "error", err)
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return fmt.Errorf("run server: %w", runErr)
	}
	logger.Info("server stopped")
	return nil
}

func newLogger(cfg LoggingConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
	}
	return slog.New(tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: time.Kitchen,
	}))
}

func openRawStore(cfg RawStoreConfig, logger *slog.Logger) (storage.RawEventStore, error) {
	var store storage.RawEventStore
	switch cfg.Backend {
	case "clickhouse":
		ch := cfg.ClickHouse
		store = storage.NewClickHouseRawEventStore(&storage.ClickHouseConfig{
			Addresses:     ch.Addresses,
			Database:      ch.Database,
			Username:      ch.Username,
			Password:      ch.Password,
			MaxOpenConns:  ch.MaxOpenConns,
			DialTimeout:   mustDuration(ch.DialTimeout),
			Compression:   ch.Compression,
			RetentionDays: ch.RetentionDays,
		}, logger.With("component", "clickhouse"))
	default:
		store = storage.NewMemoryRawEventStore()
	}

	if err := store.Open(); err != nil {
		return nil, fmt.Errorf("open raw store: %w", err)
	}
	if err := store.Migrate(); err != nil {
		store.Close()
		return nil, fmt.Errorf("migrate raw store: %w", err)
	}
	logger.Info("raw event store ready", "backend", cfg.Backend)
	return store, nil
}

func openThreatStore(cfg ThreatStoreConfig) (storage.ThreatRecordStore, error) {
	var store storage.ThreatRecordStore
	switch cfg.Backend {
	case "postgres":
		pg := &storage.PostgresConfig{
			DSN:      cfg.Postgres.DSN,
			MaxConns: cfg.Postgres.MaxConns,
		}
		if cfg.Postgres.MaxConnLifetime != "" {
			pg.MaxConnLifetime = mustDuration(cfg.Postgres.MaxConnLifetime)
		}
		store = storage.NewPostgresStorage(pg)
	default:
		if err := os.MkdirAll(filepath.Dir(cfg.SQLite.Path), 0o750); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
		store = storage.NewSQLiteStorage(cfg.SQLite.Path)
	}

	if err := store.Open(); err != nil {
		return nil, fmt.Errorf("open threat store: %w", err)
	}
	if err := store.Migrate(); err != nil {
		store.Close()
		return nil, fmt.Errorf("migrate threat store: %w", err)
	}
	slog.Info("threat record store ready", "backend", cfg.Backend)
	return store, nil
}

func buildAdapters(cfg ScoringConfig) (scoring.AnomalyScorer, scoring.TrafficClassifier, scoring.LogSeverityAnalyzer, error) {
	scorer, err := scoring.NewZScoreScorer(cfg.Anomaly.Means, cfg.Anomaly.Stddevs, cfg.Anomaly.Sensitivity)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("build anomaly scorer: %w", err)
	}

	centroids := make([]scoring.Centroid, 0, len(cfg.Classifier.Centroids))
	for _, c := range cfg.Classifier.Centroids {
		centroids = append(centroids, scoring.Centroid{Label: c.Label, Center: c.Center})
	}
	classifier, err := scoring.NewCentroidClassifier(centroids, cfg.Classifier.Scale)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("build traffic classifier: %w", err)
	}

	var analyzer scoring.LogSeverityAnalyzer = scoring.NewLevelAnalyzer()
	if cfg.Logs.Analyzer == "rules" {
		rules := make([]scoring.Rule, 0, len(cfg.Logs.Rules))
		for _, r := range cfg.Logs.Rules {
			rules = append(rules, scoring.Rule{Label: r.Label, Expression: r.Expression, Confidence: r.Confidence})
		}
		ra, err := scoring.NewRuleAnalyzer(rules)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("build log analyzer: %w", err)
		}
		analyzer = ra
	}
	return scorer, classifier, analyzer, nil
}

// pinger is a notifier the readiness check can ping.
type pinger interface {
	Name() string
	Ping(ctx context.Context) error
}

func buildNotifier(cfg NotificationConfig, logger *slog.Logger) (*notifier.Dispatcher, []pinger, error) {
	var d *notifier.Dispatcher
	if cfg.RateLimit.Enabled {
		d = notifier.NewDispatcherWithRateLimit(notifier.RateLimitConfig{
			PerSecond: cfg.RateLimit.PerSecond,
			Burst:     cfg.RateLimit.Burst,
			Enabled:   true,
		})
	} else {
		d = notifier.NewDispatcher()
	}
	var pingers []pinger

	if cfg.NATS.Enabled {
		nc, err := notifier.NewNATSNotifier(notifier.NATSConfig{
			URL:     cfg.NATS.URL,
			Subject: cfg.NATS.Subject,
			Timeout: mustDuration(cfg.NATS.Timeout),
		})
		if err != nil {
			return nil, nil, fmt.Errorf("create nats notifier: %w", err)
		}
		d.Register(nc)
		pingers = append(pingers, nc)
		logger.Info("nats notifications enabled", "subject", cfg.NATS.Subject)
	}

	if cfg.Slack.Enabled {
		sc, err := notifier.NewSlackNotifier(notifier.SlackConfig{WebhookURL: cfg.Slack.WebhookURL})
		if err != nil {
			d.Close()
			return nil, nil, fmt.Errorf("create slack notifier: %w", err)
		}
		d.Register(sc)
		logger.Info("slack notifications enabled")
	}
	return d, pingers, nil
}

func buildSources(cfg SourcesConfig, proc source.LogProcessor, logger *slog.Logger) ([]*source.FileSource, error) {
	sources := make([]*source.FileSource, 0, len(cfg.Files))
	for _, f := range cfg.Files {
		src, err := source.NewFileSource(source.FileConfig{
			Path:          f.Path,
			FollowRotate:  f.FollowRotate,
			BatchSize:     f.BatchSize,
			FlushInterval: mustDuration(f.FlushInterval),
		}, proc, logger.With("component", "source"))
		if err != nil {
			return nil, fmt.Errorf("create source %s: %w", f.Path, err)
		}
		sources = append(sources, src)
	}
	return sources, nil
}
