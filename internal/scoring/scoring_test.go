package scoring

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/good-yellow-bee/threatwatch/internal/models"
)

func TestZScoreScorer_Score(t *testing.T) {
	s, err := NewZScoreScorer([]float64{0, 0}, []float64{1, 1}, 0)
	if err != nil {
		t.Fatalf("NewZScoreScorer() error = %v", err)
	}

	atMean, err := s.Score(context.Background(), []float64{0, 0})
	if err != nil {
		t.Fatalf("Score() error = %v", err)
	}
	if atMean != 0 {
		t.Errorf("Score(mean) = %v, want 0", atMean)
	}

	near, _ := s.Score(context.Background(), []float64{1, 1})
	far, _ := s.Score(context.Background(), []float64{30, 40})
	if !(near > 0 && near < far && far < 1) {
		t.Errorf("scores not monotonic in (0,1): near=%v far=%v", near, far)
	}

	// Prefix vectors score on the dimensions they carry.
	prefix, err := s.Score(context.Background(), []float64{1})
	if err != nil {
		t.Fatalf("Score(prefix) error = %v", err)
	}
	if math.Abs(prefix-near) > 1e-12 {
		t.Errorf("Score(prefix) = %v, want %v", prefix, near)
	}
}

func TestZScoreScorer_Errors(t *testing.T) {
	if _, err := NewZScoreScorer([]float64{0}, []float64{1, 1}, 0); err == nil {
		t.Error("expected error for mismatched baseline lengths")
	}
	if _, err := NewZScoreScorer([]float64{0}, []float64{0}, 0); err == nil {
		t.Error("expected error for zero stddev")
	}

	empty, err := NewZScoreScorer(nil, nil, 0)
	if err != nil {
		t.Fatalf("NewZScoreScorer(empty) error = %v", err)
	}
	if _, err := empty.Score(context.Background(), []float64{1}); !errors.Is(err, ErrNotFitted) {
		t.Errorf("Score() error = %v, want ErrNotFitted", err)
	}

	s, _ := NewZScoreScorer([]float64{0}, []float64{1}, 0)
	if _, err := s.Score(context.Background(), []float64{1, 2}); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("Score(long) error = %v, want ErrShapeMismatch", err)
	}
	if _, err := s.Score(context.Background(), nil); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("Score(nil) error = %v, want ErrShapeMismatch", err)
	}
}

func TestCentroidClassifier_Classify(t *testing.T) {
	c, err := NewCentroidClassifier([]Centroid{
		{Label: "benign", Center: []float64{0, 0}},
		{Label: "attack", Center: []float64{10, 10}},
	}, nil)
	if err != nil {
		t.Fatalf("NewCentroidClassifier() error = %v", err)
	}

	tests := []struct {
		name     string
		features []float64
		want     string
	}{
		{"near benign", []float64{1, 0}, "benign"},
		{"near attack", []float64{9, 9}, "attack"},
		{"prefix", []float64{8}, "attack"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := c.Classify(context.Background(), tt.features)
			if err != nil {
				t.Fatalf("Classify() error = %v", err)
			}
			if got.Label != tt.want {
				t.Errorf("Label = %q, want %q", got.Label, tt.want)
			}
			if got.Confidence <= 0.5 || got.Confidence > 1 {
				t.Errorf("Confidence = %v, want in (0.5,1]", got.Confidence)
			}
		})
	}
}

func TestCentroidClassifier_Errors(t *testing.T) {
	if _, err := NewCentroidClassifier([]Centroid{{Label: "", Center: []float64{0}}}, nil); err == nil {
		t.Error("expected error for empty label")
	}
	if _, err := NewCentroidClassifier([]Centroid{
		{Label: "a", Center: []float64{0}},
		{Label: "b", Center: []float64{0, 1}},
	}, nil); err == nil {
		t.Error("expected error for ragged centroids")
	}
	if _, err := NewCentroidClassifier([]Centroid{{Label: "a", Center: []float64{0}}}, []float64{-1}); err == nil {
		t.Error("expected error for negative scale")
	}

	empty, _ := NewCentroidClassifier(nil, nil)
	if _, err := empty.Classify(context.Background(), []float64{1}); !errors.Is(err, ErrNotFitted) {
		t.Errorf("Classify() error = %v, want ErrNotFitted", err)
	}
}

func TestLevelAnalyzer_Analyze(t *testing.T) {
	lines := []models.LogLine{
		{Features: []float64{3}},
		{Features: []float64{2}},
		{Features: []float64{1}},
		{Features: []float64{0}},
		{Features: []float64{0, 0.5}},
	}

	got, err := NewLevelAnalyzer().Analyze(context.Background(), lines)
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}
	if got.CriticalCount != 1 || got.WarningCount != 2 || got.NormalCount != 2 {
		t.Errorf("counts = %d/%d/%d, want 1/2/2", got.CriticalCount, got.WarningCount, got.NormalCount)
	}

	if _, err := NewLevelAnalyzer().Analyze(context.Background(), []models.LogLine{{}}); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("Analyze(no features) error = %v, want ErrShapeMismatch", err)
	}
}

func TestNewLogAnalysis_SeedsLabels(t *testing.T) {
	a := NewLogAnalysis(nil)
	for _, label := range []string{models.SeverityNormal, models.SeverityWarning, models.SeverityCritical} {
		if n, ok := a.Distribution[label]; !ok || n != 0 {
			t.Errorf("Distribution[%s] = %d, %v; want 0, true", label, n, ok)
		}
	}
}

func TestRuleAnalyzer_Compile(t *testing.T) {
	tests := []struct {
		name    string
		rule    Rule
		wantErr bool
	}{
		{"contains", Rule{Label: "CRITICAL", Expression: `message contains "breach"`}, false},
		{"lowercase label", Rule{Label: "warning", Expression: `ordinal >= 1`}, false},
		{"unknown label", Rule{Label: "SEVERE", Expression: `ordinal >= 1`}, true},
		{"bad confidence", Rule{Label: "CRITICAL", Expression: `ordinal >= 3`, Confidence: 1.5}, true},
		{"invalid syntax", Rule{Label: "CRITICAL", Expression: `level == `}, true},
		{"undefined variable", Rule{Label: "CRITICAL", Expression: `host == "x"`}, true},
		{"not bool", Rule{Label: "CRITICAL", Expression: `ordinal`}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRuleAnalyzer([]Rule{tt.rule})
			if (err != nil) != tt.wantErr {
				t.Errorf("NewRuleAnalyzer() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRuleAnalyzer_Analyze(t *testing.T) {
	a, err := NewRuleAnalyzer([]Rule{
		{Label: "CRITICAL", Expression: `message contains "breach" || level == "critical"`, Confidence: 0.9},
		{Label: "WARNING", Expression: `ordinal >= 1`},
	})
	if err != nil {
		t.Fatalf("NewRuleAnalyzer() error = %v", err)
	}

	lines := []models.LogLine{
		models.ParseLogLine("ERROR: Security breach detected"),
		models.ParseLogLine("WARNING: Disk usage high"),
		models.ParseLogLine("INFO: User logged in"),
		models.ParseLogLine("CRITICAL: kernel panic"),
	}

	got, err := a.Analyze(context.Background(), lines)
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}
	if got.CriticalCount != 2 {
		t.Errorf("CriticalCount = %d, want 2", got.CriticalCount)
	}
	if got.WarningCount != 1 {
		t.Errorf("WarningCount = %d, want 1", got.WarningCount)
	}
	if got.NormalCount != 1 {
		t.Errorf("NormalCount = %d, want 1", got.NormalCount)
	}
	if got.Confidence == nil || math.Abs(*got.Confidence-0.9) > 1e-9 {
		t.Errorf("Confidence = %v, want 0.9", got.Confidence)
	}
}

func TestRuleAnalyzer_Cancelled(t *testing.T) {
	a, _ := NewRuleAnalyzer(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := a.Analyze(ctx, []models.LogLine{models.ParseLogLine("INFO: x")})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Analyze() error = %v, want context.Canceled", err)
	}
}

func TestCheckScore(t *testing.T) {
	for _, v := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		if err := CheckScore(v); !errors.Is(err, ErrUnusable) {
			t.Errorf("CheckScore(%v) = %v, want ErrUnusable", v, err)
		}
	}
	if err := CheckScore(-4.2); err != nil {
		t.Errorf("CheckScore(-4.2) = %v, want nil", err)
	}
}

func TestCheckConfidence(t *testing.T) {
	for _, v := range []float64{-0.1, 1.01, math.NaN()} {
		if err := CheckConfidence(v); err == nil {
			t.Errorf("CheckConfidence(%v) = nil, want error", v)
		}
	}
	for _, v := range []float64{0, 0.5, 1} {
		if err := CheckConfidence(v); err != nil {
			t.Errorf("CheckConfidence(%v) = %v", v, err)
		}
	}
}

func TestDispatcher_DefaultLimit(t *testing.T) {
	if got := NewDispatcher(0).Limit(); got != runtime.NumCPU() {
		t.Errorf("Limit() = %d, want %d", got, runtime.NumCPU())
	}
}

func TestRun_Success(t *testing.T) {
	d := NewDispatcher(1)
	got, err := Run(context.Background(), d, CapabilityAnomaly, func(ctx context.Context) (float64, error) {
		return 0.42, nil
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got != 0.42 {
		t.Errorf("Run() = %v, want 0.42", got)
	}
}

func TestRun_WrapsError(t *testing.T) {
	d := NewDispatcher(1)
	_, err := Run(context.Background(), d, CapabilityClassifier, func(ctx context.Context) (Classification, error) {
		return Classification{}, ErrNotFitted
	})

	var se *ScoringError
	if !errors.As(err, &se) {
		t.Fatalf("Run() error = %v, want *ScoringError", err)
	}
	if se.Capability != CapabilityClassifier {
		t.Errorf("Capability = %q, want %q", se.Capability, CapabilityClassifier)
	}
	if !errors.Is(err, ErrNotFitted) {
		t.Errorf("Run() error does not wrap ErrNotFitted: %v", err)
	}
}

func TestRun_RecoversPanic(t *testing.T) {
	d := NewDispatcher(1)
	_, err := Run(context.Background(), d, CapabilityLogs, func(ctx context.Context) (*LogAnalysis, error) {
		panic("model exploded")
	})

	var se *ScoringError
	if !errors.As(err, &se) {
		t.Fatalf("Run() error = %v, want *ScoringError", err)
	}

	// The slot is released after a panic.
	if _, err := Run(context.Background(), d, CapabilityLogs, func(ctx context.Context) (int, error) {
		return 1, nil
	}); err != nil {
		t.Errorf("Run() after panic error = %v", err)
	}
}

func TestRun_ReturnsOnCancel(t *testing.T) {
	d := NewDispatcher(1)
	release := make(chan struct{})
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := Run(ctx, d, CapabilityAnomaly, func(context.Context) (float64, error) {
			<-release
			return 1, nil
		})
		errCh <- err
	}()

	cancel()
	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run() error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after cancellation")
	}
}

func TestRun_ContextErrorsAreNotScoringErrors(t *testing.T) {
	tests := []struct {
		name string
		fn   func(context.Context) (float64, error)
		want error
	}{
		{
			name: "adapter outlives deadline",
			fn: func(context.Context) (float64, error) {
				time.Sleep(200 * time.Millisecond)
				return 1, nil
			},
			want: context.DeadlineExceeded,
		},
		{
			name: "adapter returns ctx error",
			fn: func(ctx context.Context) (float64, error) {
				<-ctx.Done()
				return 0, fmt.Errorf("model call: %w", ctx.Err())
			},
			want: context.DeadlineExceeded,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
			defer cancel()

			_, err := Run(ctx, NewDispatcher(1), CapabilityAnomaly, tt.fn)
			if !errors.Is(err, tt.want) {
				t.Fatalf("Run() error = %v, want %v", err, tt.want)
			}
			var se *ScoringError
			if errors.As(err, &se) {
				t.Errorf("Run() error = %v is a *ScoringError", err)
			}
		})
	}
}

func TestRun_SlotWaitHonoursDeadline(t *testing.T) {
	d := NewDispatcher(1)
	release := make(chan struct{})
	defer close(release)
	go func() {
		_, _ = Run(context.Background(), d, CapabilityLogs, func(context.Context) (int, error) {
			<-release
			return 0, nil
		})
	}()
	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := Run(ctx, d, CapabilityLogs, func(context.Context) (int, error) { return 0, nil })
	var se *ScoringError
	if !errors.Is(err, context.DeadlineExceeded) || errors.As(err, &se) {
		t.Errorf("Run() error = %v, want bare deadline", err)
	}
}

func TestRun_BoundsConcurrency(t *testing.T) {
	const limit = 2
	d := NewDispatcher(limit)

	var current, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = Run(context.Background(), d, CapabilityAnomaly, func(context.Context) (float64, error) {
				n := current.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				current.Add(-1)
				return 0, nil
			})
		}()
	}
	wg.Wait()

	if got := peak.Load(); got > limit {
		t.Errorf("peak concurrency = %d, want <= %d", got, limit)
	}
}

func TestDescribe(t *testing.T) {
	zscore, err := NewZScoreScorer([]float64{1, 2, 3}, []float64{1, 1, 1}, 0)
	if err != nil {
		t.Fatal(err)
	}
	centroid, err := NewCentroidClassifier([]Centroid{
		{Label: "normal", Center: []float64{0, 0}},
		{Label: "ddos", Center: []float64{9, 9}},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	rules, err := NewRuleAnalyzer([]Rule{
		{Label: "CRITICAL", Expression: `message contains "breach"`},
		{Label: "critical", Expression: `level == "critical"`},
	})
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name       string
		capability string
		adapter    any
		wantType   string
		wantDims   int
		wantLabels []string
	}{
		{"zscore", CapabilityAnomaly, zscore, "zscore", 3, nil},
		{"centroid", CapabilityClassifier, centroid, "nearest_centroid", 2, []string{"normal", "ddos"}},
		{"level", CapabilityLogs, NewLevelAnalyzer(), "severity_level", 0, []string{"NORMAL", "WARNING", "CRITICAL"}},
		{"rules", CapabilityLogs, rules, "expr_rules", 0, []string{"NORMAL", "CRITICAL"}},
		{"func adapter", CapabilityAnomaly, ScorerFunc(nil), "scoring.ScorerFunc", 0, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := Describe(tt.capability, tt.adapter)
			if info.Name != tt.capability {
				t.Errorf("Name = %q, want %q", info.Name, tt.capability)
			}
			if info.ModelType != tt.wantType || info.Features != tt.wantDims {
				t.Errorf("info = %+v, want type %q dims %d", info, tt.wantType, tt.wantDims)
			}
			if !slices.Equal(info.Labels, tt.wantLabels) {
				t.Errorf("Labels = %v, want %v", info.Labels, tt.wantLabels)
			}
		})
	}
}
