package source

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/good-yellow-bee/threatwatch/internal/metrics"
	"github.com/good-yellow-bee/threatwatch/internal/pipeline"
)

// Batch defaults.
const (
	DefaultBatchSize     = 100
	DefaultFlushInterval = 5 * time.Second
	finalFlushTimeout    = 10 * time.Second
)

// LogProcessor runs a batch of log lines through the pipeline.
type LogProcessor interface {
	ProcessLogs(ctx context.Context, lines []string) (*pipeline.Result, error)
}

// FileConfig configures a FileSource.
type FileConfig struct {
	Path          string
	FromStart     bool
	FollowRotate  bool
	BatchSize     int
	FlushInterval time.Duration
	PollInterval  time.Duration
}

// FileSource tails one log file and submits its lines as log batches.
// A batch is submitted when it reaches BatchSize lines or when
// FlushInterval passes with lines pending.
type FileSource struct {
	cfg       FileConfig
	processor LogProcessor
	logger    *slog.Logger
}

// NewFileSource creates a file source.
func NewFileSource(cfg FileConfig, processor LogProcessor, logger *slog.Logger) (*FileSource, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("path is required")
	}
	if processor == nil {
		return nil, fmt.Errorf("processor is required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FileSource{
		cfg:       cfg,
		processor: processor,
		logger:    logger.With("source", cfg.Path),
	}, nil
}

// Run tails the file until ctx is cancelled. Pending lines are submitted
// before Run returns.
func (s *FileSource) Run(ctx context.Context) error {
	follower, err := NewFollower(s.cfg.Path, FollowerOptions{
		FromStart:    s.cfg.FromStart,
		Reopen:       s.cfg.FollowRotate,
		PollInterval: s.cfg.PollInterval,
		Logger:       s.logger,
	})
	if err != nil {
		return err
	}

	lines := make(chan string, s.cfg.BatchSize)
	g, gctx := errgroup.WithContext(ctx)

	// The batcher reads until lines is closed, so sends never block forever.
	g.Go(func() error {
		defer close(lines)
		return follower.Run(gctx, func(line string) {
			if strings.TrimSpace(line) != "" {
				lines <- line
			}
		})
	})

	g.Go(func() error {
		s.batch(ctx, lines)
		return nil
	})

	s.logger.Info("file source started", "batch_size", s.cfg.BatchSize, "flush_interval", s.cfg.FlushInterval)
	err = g.Wait()
	s.logger.Info("file source stopped")
	return err
}

func (s *FileSource) batch(ctx context.Context, lines <-chan string) {
	pending := make([]string, 0, s.cfg.BatchSize)
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	flush := func(ctx context.Context) {
		if len(pending) == 0 {
			return
		}
		s.submit(ctx, pending)
		pending = make([]string, 0, s.cfg.BatchSize)
	}

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				final, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalFlushTimeout)
				flush(final)
				cancel()
				return
			}
			metrics.SourceLinesTotal.WithLabelValues(s.cfg.Path).Inc()
			pending = append(pending, line)
			if len(pending) >= s.cfg.BatchSize {
				flush(ctx)
			}
		case <-ticker.C:
			flush(ctx)
		}
	}
}

func (s *FileSource) submit(ctx context.Context, lines []string) {
	result, err := s.processor.ProcessLogs(ctx, lines)
	if err != nil {
		metrics.SourceBatchesTotal.WithLabelValues(s.cfg.Path, "failure").Inc()
		s.logger.Error("process log batch failed", "lines", len(lines), "error", err)
		return
	}
	metrics.SourceBatchesTotal.WithLabelValues(s.cfg.Path, "success").Inc()

	attrs := []any{"lines", len(lines), "outcome", result.Outcome}
	if result.Threat != nil {
		attrs = append(attrs, "threat_id", result.Threat.ID)
	}
	s.logger.Debug("log batch processed", attrs...)
}
