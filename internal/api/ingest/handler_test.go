package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/good-yellow-bee/threatwatch/internal/features"
	"github.com/good-yellow-bee/threatwatch/internal/models"
	"github.com/good-yellow-bee/threatwatch/internal/pipeline"
	"github.com/good-yellow-bee/threatwatch/internal/scoring"
	"github.com/good-yellow-bee/threatwatch/internal/storage"
)

type fakeProcessor struct {
	result *pipeline.Result
	batch  *pipeline.BatchResult
	err    error

	gotFields models.Fields
	gotLines  []string
	gotBatch  pipeline.Batch
}

func (p *fakeProcessor) ProcessNetwork(ctx context.Context, fields models.Fields) (*pipeline.Result, error) {
	p.gotFields = fields
	return p.result, p.err
}

func (p *fakeProcessor) ProcessLogs(ctx context.Context, lines []string) (*pipeline.Result, error) {
	p.gotLines = lines
	return p.result, p.err
}

func (p *fakeProcessor) ProcessBatch(ctx context.Context, batch pipeline.Batch) (*pipeline.BatchResult, error) {
	p.gotBatch = batch
	return p.batch, p.err
}

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error *errorBody      `json:"error"`
}

func post(t *testing.T, fn http.HandlerFunc, body string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	fn(rec, req)

	var env envelope
	if err := json.NewDecoder(rec.Body).Decode(&env); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return rec, env
}

func persistedResult(kind models.EventKind) *pipeline.Result {
	return &pipeline.Result{
		Kind:    kind,
		Outcome: pipeline.OutcomePersisted,
		State:   pipeline.StatePersisted,
		Threat:  &models.Threat{ID: "t-1", ThreatType: models.ThreatTypeNetwork},
	}
}

func TestNetwork_Success(t *testing.T) {
	p := &fakeProcessor{result: persistedResult(models.EventKindNetwork)}
	h := NewHandler(p, Options{})

	rec, env := post(t, h.Network, `{"bytes_sent": 12345678901234, "source_ip": "10.0.0.1", "packet_count": null}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body error = %+v", rec.Code, env.Error)
	}

	var resp IngestResponse
	if err := json.Unmarshal(env.Data, &resp); err != nil {
		t.Fatalf("unmarshal data: %v", err)
	}
	if resp.Status != "success" || resp.Outcome != pipeline.OutcomePersisted || !resp.ThreatCreated {
		t.Errorf("response = %+v", resp)
	}

	if n, ok := p.gotFields["bytes_sent"].(json.Number); !ok || n.String() != "12345678901234" {
		t.Errorf("bytes_sent = %#v, want exact json.Number", p.gotFields["bytes_sent"])
	}
	if p.gotFields.Has("packet_count") {
		t.Error("null field should count as absent")
	}
}

func TestNetwork_BadBodies(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"empty", ""},
		{"array", `[1,2,3]`},
		{"null", `null`},
		{"malformed", `{"bytes_sent":`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &fakeProcessor{result: persistedResult(models.EventKindNetwork)}
			h := NewHandler(p, Options{})

			rec, env := post(t, h.Network, tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
			if env.Error == nil || env.Error.Code != errCodeBadRequest {
				t.Errorf("error = %+v", env.Error)
			}
			if p.gotFields != nil {
				t.Error("processor should not be called")
			}
		})
	}
}

func TestNetwork_BodyTooLarge(t *testing.T) {
	h := NewHandler(&fakeProcessor{}, Options{MaxBodyBytes: 16})

	rec, _ := post(t, h.Network, `{"source_ip": "`+strings.Repeat("1", 64)+`"}`)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", rec.Code)
	}
}

func TestNetwork_ErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{
			name:       "validation",
			err:        &features.ValidationError{Field: "bytes_sent", Value: "abc", Reason: "not a number"},
			wantStatus: http.StatusBadRequest,
			wantCode:   errCodeValidationFailed,
		},
		{
			name:       "scoring",
			err:        &scoring.ScoringError{Capability: scoring.CapabilityAnomaly, Err: scoring.ErrNotFitted},
			wantStatus: http.StatusUnprocessableEntity,
			wantCode:   errCodeScoringFailed,
		},
		{
			name:       "persistence",
			err:        &pipeline.PersistenceError{Stage: pipeline.StageRelational, RawEventRef: "r1", Err: errors.New("locked")},
			wantStatus: http.StatusInternalServerError,
			wantCode:   errCodePersistFailed,
		},
		{
			name:       "deadline inside scoring error",
			err:        &scoring.ScoringError{Capability: scoring.CapabilityAnomaly, Err: context.DeadlineExceeded},
			wantStatus: http.StatusServiceUnavailable,
			wantCode:   errCodeTimeout,
		},
		{
			name:       "deadline while scoring",
			err:        fmt.Errorf("%s: %w", scoring.CapabilityAnomaly, context.DeadlineExceeded),
			wantStatus: http.StatusServiceUnavailable,
			wantCode:   errCodeTimeout,
		},
		{
			name:       "cancelled",
			err:        context.Canceled,
			wantStatus: http.StatusServiceUnavailable,
			wantCode:   errCodeTimeout,
		},
		{
			name:       "timeout before scoring",
			err:        context.DeadlineExceeded,
			wantStatus: http.StatusServiceUnavailable,
			wantCode:   errCodeTimeout,
		},
		{
			name:       "unknown",
			err:        errors.New("boom"),
			wantStatus: http.StatusInternalServerError,
			wantCode:   errCodeInternalError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &fakeProcessor{result: &pipeline.Result{Outcome: pipeline.OutcomeFailed}, err: tt.err}
			h := NewHandler(p, Options{})

			rec, env := post(t, h.Network, `{"bytes_sent": 1}`)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if env.Error == nil || env.Error.Code != tt.wantCode {
				t.Errorf("error = %+v, want code %s", env.Error, tt.wantCode)
			}
		})
	}
}

type unusedThreatWriter struct{}

func (unusedThreatWriter) CreateThreatWithAlert(ctx context.Context, threat *models.Threat, alert *models.Alert) error {
	return errors.New("unexpected commit")
}

func TestNetwork_SlowScorerTimesOut(t *testing.T) {
	orch, err := pipeline.New(pipeline.Config{
		Scorer: scoring.ScorerFunc(func(ctx context.Context, features []float64) (float64, error) {
			time.Sleep(300 * time.Millisecond)
			return 0.99, nil
		}),
		Classifier: scoring.ClassifierFunc(func(ctx context.Context, features []float64) (scoring.Classification, error) {
			return scoring.Classification{Label: "ddos", Confidence: 0.9}, nil
		}),
		Analyzer:    scoring.NewLevelAnalyzer(),
		RawStore:    storage.NewMemoryRawEventStore(),
		ThreatStore: unusedThreatWriter{},
	})
	if err != nil {
		t.Fatalf("pipeline.New() error = %v", err)
	}
	h := NewHandler(orch, Options{Timeout: 20 * time.Millisecond})

	body := `{"bytes_sent": 5000, "bytes_received": 200, "duration": 1.2, "protocol_type": 6}`
	rec, env := post(t, h.Network, body)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
	if env.Error == nil || env.Error.Code != errCodeTimeout {
		t.Errorf("error = %+v, want code %s", env.Error, errCodeTimeout)
	}
}

func TestNetwork_PersistenceErrorHidesDetails(t *testing.T) {
	p := &fakeProcessor{err: &pipeline.PersistenceError{Stage: pipeline.StageRelational, Err: errors.New("password=secret")}}
	h := NewHandler(p, Options{})

	_, env := post(t, h.Network, `{}`)
	if env.Error == nil || strings.Contains(env.Error.Message, "secret") {
		t.Errorf("error message leaks cause: %+v", env.Error)
	}
}

func TestLogs(t *testing.T) {
	p := &fakeProcessor{result: &pipeline.Result{Kind: models.EventKindLogs, Outcome: pipeline.OutcomeRejected}}
	h := NewHandler(p, Options{})

	rec, env := post(t, h.Logs, `["INFO: ok", "WARNING: slow"]`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp IngestResponse
	json.Unmarshal(env.Data, &resp)
	if resp.ThreatCreated || resp.Outcome != pipeline.OutcomeRejected {
		t.Errorf("response = %+v", resp)
	}
	if len(p.gotLines) != 2 {
		t.Errorf("lines = %v", p.gotLines)
	}
}

func TestLogs_RejectsEmptyAndNonStrings(t *testing.T) {
	tests := []struct {
		body     string
		wantCode string
	}{
		{`[]`, errCodeValidationFailed},
		{`[1, 2]`, errCodeBadRequest},
		{`{"logs": ["x"]}`, errCodeBadRequest},
	}

	for _, tt := range tests {
		h := NewHandler(&fakeProcessor{}, Options{})
		rec, env := post(t, h.Logs, tt.body)
		if rec.Code != http.StatusBadRequest || env.Error == nil || env.Error.Code != tt.wantCode {
			t.Errorf("%s: status = %d, error = %+v", tt.body, rec.Code, env.Error)
		}
	}
}

func TestBatch_PartialFailure(t *testing.T) {
	p := &fakeProcessor{
		batch: &pipeline.BatchResult{
			Network: []*pipeline.Result{
				persistedResult(models.EventKindNetwork),
				{Kind: models.EventKindNetwork, Outcome: pipeline.OutcomeFailed, Error: "invalid field"},
			},
			Logs: persistedResult(models.EventKindLogs),
		},
		err: &features.ValidationError{Field: "duration"},
	}
	h := NewHandler(p, Options{})

	rec, env := post(t, h.Batch, `{"network_data": [{"bytes_sent": 1}, {"duration": "x"}], "logs": ["CRITICAL: y"]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, error = %+v", rec.Code, env.Error)
	}

	var resp BatchResponse
	if err := json.Unmarshal(env.Data, &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Status != "partial" || resp.Failed != 1 || resp.ThreatsCreated != 2 {
		t.Errorf("response = %+v", resp)
	}
	if len(p.gotBatch.Network) != 2 || len(p.gotBatch.Logs) != 1 {
		t.Errorf("batch = %+v", p.gotBatch)
	}
}

func TestBatch_NullItem(t *testing.T) {
	p := &fakeProcessor{batch: &pipeline.BatchResult{}}
	h := NewHandler(p, Options{})

	rec, _ := post(t, h.Batch, `{"network_data": [null]}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}
