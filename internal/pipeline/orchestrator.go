// Package pipeline drives each submitted event from raw payload to a
// persisted Threat/Alert pair or a rejection.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/good-yellow-bee/threatwatch/internal/features"
	"github.com/good-yellow-bee/threatwatch/internal/metrics"
	"github.com/good-yellow-bee/threatwatch/internal/models"
	"github.com/good-yellow-bee/threatwatch/internal/scoring"
)

// Failure stages, used as metric labels.
const (
	stageValidation = "validation"
	stageScoring    = "scoring"
	stageTimeout    = "timeout"
)

// RawEventWriter stores raw events and returns a reference.
type RawEventWriter interface {
	Store(ctx context.Context, event *models.RawEvent) (string, error)
}

// ThreatWriter atomically inserts a Threat and its Alert.
type ThreatWriter interface {
	CreateThreatWithAlert(ctx context.Context, threat *models.Threat, alert *models.Alert) error
}

// Notifier is told about every committed Threat/Alert pair.
type Notifier interface {
	NotifyThreat(ctx context.Context, threat *models.Threat, alert *models.Alert) error
}

// Config holds the orchestrator's collaborators.
type Config struct {
	Scorer     scoring.AnomalyScorer
	Classifier scoring.TrafficClassifier
	Analyzer   scoring.LogSeverityAnalyzer

	RawStore    RawEventWriter
	ThreatStore ThreatWriter

	// Optional
	Extractor        *features.Extractor
	Dispatcher       *scoring.Dispatcher
	Notifier         Notifier
	Policy           *Policy
	BatchConcurrency int
	Logger           *slog.Logger
	Clock            func() time.Time
}

// Orchestrator runs the ingestion state machine. It is safe for
// concurrent use; the policy is the only mutable state.
type Orchestrator struct {
	preprocessor *features.Preprocessor
	extractor    *features.Extractor
	scorer       scoring.AnomalyScorer
	classifier   scoring.TrafficClassifier
	analyzer     scoring.LogSeverityAnalyzer
	dispatcher   *scoring.Dispatcher

	rawStore    RawEventWriter
	threatStore ThreatWriter
	notifier    Notifier

	notifications sync.WaitGroup

	policy           atomic.Pointer[Policy]
	batchConcurrency int
	logger           *slog.Logger
	now              func() time.Time
}

// New creates an Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	switch {
	case cfg.Scorer == nil:
		return nil, errors.New("pipeline: anomaly scorer is required")
	case cfg.Classifier == nil:
		return nil, errors.New("pipeline: traffic classifier is required")
	case cfg.Analyzer == nil:
		return nil, errors.New("pipeline: log severity analyzer is required")
	case cfg.RawStore == nil:
		return nil, errors.New("pipeline: raw event store is required")
	case cfg.ThreatStore == nil:
		return nil, errors.New("pipeline: threat store is required")
	}

	o := &Orchestrator{
		preprocessor:     features.NewPreprocessor(),
		extractor:        cfg.Extractor,
		scorer:           cfg.Scorer,
		classifier:       cfg.Classifier,
		analyzer:         cfg.Analyzer,
		dispatcher:       cfg.Dispatcher,
		rawStore:         cfg.RawStore,
		threatStore:      cfg.ThreatStore,
		notifier:         cfg.Notifier,
		batchConcurrency: cfg.BatchConcurrency,
		logger:           cfg.Logger,
		now:              cfg.Clock,
	}
	if o.extractor == nil {
		o.extractor = features.NewExtractor(nil)
	}
	if o.dispatcher == nil {
		o.dispatcher = scoring.NewDispatcher(0)
	}
	if o.batchConcurrency <= 0 {
		o.batchConcurrency = runtime.NumCPU()
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.now == nil {
		o.now = time.Now
	}

	policy := DefaultPolicy()
	if cfg.Policy != nil {
		policy = *cfg.Policy
	}
	if err := o.SetPolicy(policy); err != nil {
		return nil, err
	}
	return o, nil
}

// Policy returns the current decision policy.
func (o *Orchestrator) Policy() Policy {
	return *o.policy.Load()
}

// SetPolicy atomically replaces the decision policy. Events already past
// the decision step are unaffected.
func (o *Orchestrator) SetPolicy(p Policy) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("pipeline: invalid policy: %w", err)
	}
	o.policy.Store(&p)
	return nil
}

// ProcessNetwork scores one network-flow record and persists a threat when
// the anomaly score exceeds the threshold. A non-nil error always comes
// with a failed Result.
func (o *Orchestrator) ProcessNetwork(ctx context.Context, fields models.Fields) (*Result, error) {
	res := o.newResult(models.EventKindNetwork)

	fixed, err := o.preprocessor.Preprocess(fields)
	if err != nil {
		return o.fail(res, stageValidation, err)
	}
	vec, err := o.extractor.ExtractNetworkFeatures(fields)
	if err != nil {
		return o.fail(res, stageValidation, err)
	}
	res.State = StatePreprocessed

	var (
		score float64
		class scoring.Classification
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		score, err = o.score(gctx, vec)
		return err
	})
	g.Go(func() (err error) {
		class, err = o.classify(gctx, vec)
		return err
	})
	if err := g.Wait(); err != nil {
		return o.fail(res, stageScoring, err)
	}
	res.Network = &NetworkScores{
		AnomalyScore: score,
		TrafficType:  class.Label,
		Confidence:   class.Confidence,
	}
	res.State = StateScored

	decision := o.Policy().DecideNetwork(score, class)
	res.Decision = &decision
	res.State = StateDecided
	if !decision.CreateThreat {
		return o.reject(res), nil
	}

	decisionContext := map[string]any{
		"timestamp":     res.Timestamp,
		"anomaly_score": score,
		"traffic_type":  class.Label,
		"confidence":    class.Confidence,
		"features":      fixed.Map(),
	}
	raw := &models.RawEvent{
		Kind:       models.EventKindNetwork,
		IngestedAt: res.Timestamp,
		Payload:    map[string]any(fields),
		Context:    decisionContext,
	}

	threat := o.newThreat(decision)
	threat.SourceIP = fields.String("source_ip")
	threat.DestinationIP = fields.String("destination_ip")

	metadata := maps.Clone(decisionContext)
	metadata["raw_data"] = map[string]any(fields)
	alert := models.NewThreatAlert(decision.ThreatType, metadata)
	alert.Timestamp = threat.Timestamp

	return o.persist(ctx, res, raw, threat, alert)
}

// ProcessLogs analyzes a batch of log lines and persists one threat when
// any line is critical.
func (o *Orchestrator) ProcessLogs(ctx context.Context, lines []string) (*Result, error) {
	res := o.newResult(models.EventKindLogs)

	parsed := o.extractor.ExtractLogLines(lines)
	res.State = StatePreprocessed

	analysis, err := o.analyze(ctx, parsed)
	if err != nil {
		return o.fail(res, stageScoring, err)
	}
	res.Analysis = analysis
	res.State = StateScored

	decision := o.Policy().DecideLogs(analysis)
	res.Decision = &decision
	res.State = StateDecided
	if !decision.CreateThreat {
		return o.reject(res), nil
	}

	decisionContext := map[string]any{
		"timestamp":         res.Timestamp,
		"severity_analysis": analysis,
	}
	raw := &models.RawEvent{
		Kind:       models.EventKindLogs,
		IngestedAt: res.Timestamp,
		Payload:    map[string]any{"logs": lines},
		Context:    decisionContext,
	}

	threat := o.newThreat(decision)
	metadata := maps.Clone(decisionContext)
	metadata["raw_logs"] = lines
	alert := models.NewThreatAlert(decision.ThreatType, metadata)
	alert.Timestamp = threat.Timestamp

	return o.persist(ctx, res, raw, threat, alert)
}

// ProcessBatch processes every network record and the log batch
// independently and concurrently. Results keep submission order; the
// returned error joins the errors of the failed items.
func (o *Orchestrator) ProcessBatch(ctx context.Context, batch Batch) (*BatchResult, error) {
	out := &BatchResult{Network: make([]*Result, len(batch.Network))}
	errs := make([]error, len(batch.Network)+1)

	var g errgroup.Group
	g.SetLimit(o.batchConcurrency)
	for i, fields := range batch.Network {
		g.Go(func() error {
			out.Network[i], errs[i] = o.ProcessNetwork(ctx, fields)
			return nil
		})
	}
	if len(batch.Logs) > 0 {
		g.Go(func() error {
			out.Logs, errs[len(batch.Network)] = o.ProcessLogs(ctx, batch.Logs)
			return nil
		})
	}
	g.Wait()

	return out, errors.Join(errs...)
}

func (o *Orchestrator) score(ctx context.Context, vec []float64) (float64, error) {
	start := time.Now()
	defer observeScoring(scoring.CapabilityAnomaly, start)

	return scoring.Run(ctx, o.dispatcher, scoring.CapabilityAnomaly, func(ctx context.Context) (float64, error) {
		s, err := o.scorer.Score(ctx, vec)
		if err != nil {
			return 0, err
		}
		return s, scoring.CheckScore(s)
	})
}

func (o *Orchestrator) classify(ctx context.Context, vec []float64) (scoring.Classification, error) {
	start := time.Now()
	defer observeScoring(scoring.CapabilityClassifier, start)

	return scoring.Run(ctx, o.dispatcher, scoring.CapabilityClassifier, func(ctx context.Context) (scoring.Classification, error) {
		c, err := o.classifier.Classify(ctx, vec)
		if err != nil {
			return scoring.Classification{}, err
		}
		return c, scoring.CheckConfidence(c.Confidence)
	})
}

func (o *Orchestrator) analyze(ctx context.Context, lines []models.LogLine) (*scoring.LogAnalysis, error) {
	start := time.Now()
	defer observeScoring(scoring.CapabilityLogs, start)

	return scoring.Run(ctx, o.dispatcher, scoring.CapabilityLogs, func(ctx context.Context) (*scoring.LogAnalysis, error) {
		a, err := o.analyzer.Analyze(ctx, lines)
		if err != nil {
			return nil, err
		}
		if a == nil {
			return nil, fmt.Errorf("%w: nil analysis", scoring.ErrUnusable)
		}
		if a.CriticalCount < 0 || a.WarningCount < 0 || a.NormalCount < 0 {
			return nil, fmt.Errorf("%w: negative severity count", scoring.ErrUnusable)
		}
		if a.Confidence == nil {
			return a, nil
		}
		return a, scoring.CheckConfidence(*a.Confidence)
	})
}

func observeScoring(capability string, start time.Time) {
	metrics.ScoringDuration.WithLabelValues(capability).Observe(time.Since(start).Seconds())
}

func (o *Orchestrator) newResult(kind models.EventKind) *Result {
	return &Result{
		Kind:      kind,
		State:     StateIngested,
		Timestamp: o.now().UTC(),
	}
}

func (o *Orchestrator) newThreat(d Decision) *models.Threat {
	threat := models.NewThreat(d.ThreatType, d.Severity, d.Confidence)
	threat.Timestamp = o.now().UTC()
	return threat
}

func (o *Orchestrator) reject(res *Result) *Result {
	res.Outcome = OutcomeRejected
	res.State = StateRejected
	metrics.PipelineEventsTotal.WithLabelValues(string(res.Kind), string(OutcomeRejected)).Inc()
	o.logger.Debug("event rejected", "kind", res.Kind)
	return res
}

// fail records a failed event. A deadline or cancellation during scoring
// is counted under the timeout stage and logged as a warning, since the
// adapter itself did not fail.
func (o *Orchestrator) fail(res *Result, stage string, err error) (*Result, error) {
	if stage == stageScoring && isContextError(err) {
		stage = stageTimeout
	}
	res.Outcome = OutcomeFailed
	res.Error = err.Error()
	metrics.PipelineEventsTotal.WithLabelValues(string(res.Kind), string(OutcomeFailed)).Inc()
	metrics.PipelineStageFailures.WithLabelValues(string(res.Kind), stage).Inc()

	level := slog.LevelError
	if stage == stageValidation || stage == stageTimeout {
		level = slog.LevelWarn
	}
	o.logger.Log(context.Background(), level, "event processing failed",
		"kind", res.Kind, "stage", stage, "state", res.State, "error", err)
	return res, err
}

func isContextError(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}
