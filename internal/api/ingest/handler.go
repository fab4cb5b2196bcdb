// Package ingest serves the event ingestion endpoints.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/good-yellow-bee/threatwatch/internal/models"
	"github.com/good-yellow-bee/threatwatch/internal/pipeline"
)

// Processor runs submitted events through the detection pipeline.
type Processor interface {
	ProcessNetwork(ctx context.Context, fields models.Fields) (*pipeline.Result, error)
	ProcessLogs(ctx context.Context, lines []string) (*pipeline.Result, error)
	ProcessBatch(ctx context.Context, batch pipeline.Batch) (*pipeline.BatchResult, error)
}

// Options tune request handling.
type Options struct {
	MaxBodyBytes int64
	Timeout      time.Duration
	Logger       *slog.Logger
}

// Handler handles ingestion endpoints.
type Handler struct {
	pipeline Processor
	opts     Options
	logger   *slog.Logger
}

// NewHandler creates an ingestion handler.
func NewHandler(p Processor, opts Options) *Handler {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 10 << 20
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{pipeline: p, opts: opts, logger: logger}
}

// IngestResponse is returned for a single network event or log batch.
type IngestResponse struct {
	Status        string           `json:"status"`
	Message       string           `json:"message"`
	Outcome       pipeline.Outcome `json:"outcome"`
	ThreatCreated bool             `json:"threat_created"`
	Result        *pipeline.Result `json:"result"`
}

// BatchResponse is returned for a mixed batch.
type BatchResponse struct {
	Status         string                `json:"status"`
	Message        string                `json:"message"`
	ThreatsCreated int                   `json:"threats_created"`
	Failed         int                   `json:"failed"`
	Results        *pipeline.BatchResult `json:"results"`
}

// Network handles POST /ingest/network. The body is one JSON object of
// network-flow fields.
func (h *Handler) Network(w http.ResponseWriter, r *http.Request) {
	var fields models.Fields
	if !h.decode(w, r, &fields) {
		return
	}
	if fields == nil {
		jsonError(w, http.StatusBadRequest, errCodeBadRequest, "request body must be a JSON object")
		return
	}

	ctx, cancel := h.context(r)
	defer cancel()

	res, err := h.pipeline.ProcessNetwork(ctx, fields)
	if err != nil {
		h.writeProcessError(w, err)
		return
	}
	jsonOK(w, singleResponse("Network data processed successfully", res))
}

// Logs handles POST /ingest/logs. The body is a JSON array of log lines,
// processed as one batch.
func (h *Handler) Logs(w http.ResponseWriter, r *http.Request) {
	var lines []string
	if !h.decode(w, r, &lines) {
		return
	}
	if len(lines) == 0 {
		jsonError(w, http.StatusBadRequest, errCodeValidationFailed, "at least one log line is required")
		return
	}

	ctx, cancel := h.context(r)
	defer cancel()

	res, err := h.pipeline.ProcessLogs(ctx, lines)
	if err != nil {
		h.writeProcessError(w, err)
		return
	}
	jsonOK(w, singleResponse("Log data processed successfully", res))
}

// Batch handles POST /ingest/batch. Items are processed independently;
// failed items are reported in their result and do not fail the request.
func (h *Handler) Batch(w http.ResponseWriter, r *http.Request) {
	var batch pipeline.Batch
	if !h.decode(w, r, &batch) {
		return
	}
	for i, fields := range batch.Network {
		if fields == nil {
			jsonError(w, http.StatusBadRequest, errCodeBadRequest,
				fmt.Sprintf("network_data[%d] must be a JSON object", i))
			return
		}
	}

	ctx, cancel := h.context(r)
	defer cancel()

	out, err := h.pipeline.ProcessBatch(ctx, batch)
	if out == nil {
		h.writeProcessError(w, err)
		return
	}

	resp := BatchResponse{
		Status:         "success",
		Message:        "Batch data processed successfully",
		ThreatsCreated: out.ThreatsCreated(),
		Results:        out,
	}
	for _, res := range out.Network {
		if res != nil && res.Outcome == pipeline.OutcomeFailed {
			resp.Failed++
		}
	}
	if out.Logs != nil && out.Logs.Outcome == pipeline.OutcomeFailed {
		resp.Failed++
	}
	if resp.Failed > 0 {
		resp.Status = "partial"
		resp.Message = fmt.Sprintf("Batch processed with %d failed item(s)", resp.Failed)
		h.logger.Warn("batch items failed", "failed", resp.Failed, "error", err)
	}
	jsonOK(w, resp)
}

func singleResponse(message string, res *pipeline.Result) IngestResponse {
	return IngestResponse{
		Status:        "success",
		Message:       message,
		Outcome:       res.Outcome,
		ThreatCreated: res.ThreatCreated(),
		Result:        res,
	}
}

func (h *Handler) context(r *http.Request) (context.Context, context.CancelFunc) {
	if h.opts.Timeout > 0 {
		return context.WithTimeout(r.Context(), h.opts.Timeout)
	}
	return context.WithCancel(r.Context())
}

// decode reads a JSON body into v. Numbers are kept as json.Number so
// large counters survive unchanged into the raw store.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	body := http.MaxBytesReader(w, r.Body, h.opts.MaxBodyBytes)
	dec := json.NewDecoder(body)
	dec.UseNumber()

	if err := dec.Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxErr):
			jsonError(w, http.StatusRequestEntityTooLarge, errCodeBadRequest, "request body too large")
		case errors.Is(err, io.EOF):
			jsonError(w, http.StatusBadRequest, errCodeBadRequest, "request body is empty")
		default:
			jsonError(w, http.StatusBadRequest, errCodeBadRequest, "invalid request body: "+err.Error())
		}
		return false
	}
	return true
}

// writeProcessError maps pipeline errors onto HTTP responses. A deadline
// or cancellation is a timeout even when a scoring call was in flight.
func (h *Handler) writeProcessError(w http.ResponseWriter, err error) {
	var (
		ve *pipeline.ValidationError
		se *pipeline.ScoringError
		pe *pipeline.PersistenceError
	)
	switch {
	case errors.As(err, &ve):
		jsonError(w, http.StatusBadRequest, errCodeValidationFailed, ve.Error())
	case errors.As(err, &pe):
		h.logger.Error("persistence failed", "stage", pe.Stage, "raw_event_ref", pe.RawEventRef, "error", pe.Err)
		jsonError(w, http.StatusInternalServerError, errCodePersistFailed, "failed to persist threat")
	case errors.Is(err, context.DeadlineExceeded):
		jsonError(w, http.StatusServiceUnavailable, errCodeTimeout, "processing timed out")
	case errors.Is(err, context.Canceled):
		jsonError(w, http.StatusServiceUnavailable, errCodeTimeout, "request cancelled")
	case errors.As(err, &se):
		jsonError(w, http.StatusUnprocessableEntity, errCodeScoringFailed, se.Error())
	default:
		h.logger.Error("ingest failed", "error", err)
		jsonError(w, http.StatusInternalServerError, errCodeInternalError, "internal server error")
	}
}
