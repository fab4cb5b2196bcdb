// Package records serves read and triage endpoints for threats, alerts
// and raw events.
package records

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/good-yellow-bee/threatwatch/internal/models"
	"github.com/good-yellow-bee/threatwatch/internal/storage"
)

// MaxListLimit caps the page size of list endpoints.
const MaxListLimit = 1000

// ThreatSource exposes the threat and alert repositories.
type ThreatSource interface {
	Threats() storage.ThreatRepository
	Alerts() storage.AlertRepository
	Statistics(ctx context.Context) (*storage.Statistics, error)
}

// RawEventSource fetches raw events by reference.
type RawEventSource interface {
	Get(ctx context.Context, ref string) (*models.RawEvent, error)
}

// Handler handles threat, alert and raw event endpoints.
type Handler struct {
	threats   ThreatSource
	rawEvents RawEventSource
	logger    *slog.Logger
}

// NewHandler creates a records handler.
func NewHandler(threats ThreatSource, rawEvents RawEventSource, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{threats: threats, rawEvents: rawEvents, logger: logger}
}

// ListResponse is a page of records.
type ListResponse struct {
	Items  any   `json:"items"`
	Total  int64 `json:"total"`
	Limit  int   `json:"limit"`
	Offset int   `json:"offset"`
}

// StatusRequest is the body of a status update.
type StatusRequest struct {
	Status string `json:"status"`
}

// ThreatDetail is a threat with its alerts.
type ThreatDetail struct {
	*models.Threat
	Alerts []*models.Alert `json:"alerts"`
}

// ListThreats handles GET /threats.
func (h *Handler) ListThreats(w http.ResponseWriter, r *http.Request) {
	limit, offset, ok := pagination(w, r)
	if !ok {
		return
	}

	filter := &storage.ThreatFilter{Limit: limit, Offset: offset}
	q := r.URL.Query()
	if s := q.Get("status"); s != "" {
		status, valid := models.ParseThreatStatus(s)
		if !valid {
			jsonError(w, http.StatusBadRequest, errCodeValidationFailed, fmt.Sprintf("unknown threat status %q", s))
			return
		}
		filter.Status = status
	}
	if t := q.Get("type"); t != "" {
		tt := models.ThreatType(t)
		if tt != models.ThreatTypeNetwork && tt != models.ThreatTypeLog {
			jsonError(w, http.StatusBadRequest, errCodeValidationFailed, fmt.Sprintf("unknown threat type %q", t))
			return
		}
		filter.Type = tt
	}

	threats, total, err := h.threats.Threats().List(r.Context(), filter)
	if err != nil {
		h.internalError(w, "list threats", err)
		return
	}
	if threats == nil {
		threats = []*models.Threat{}
	}
	jsonOK(w, ListResponse{Items: threats, Total: total, Limit: limit, Offset: offset})
}

// GetThreat handles GET /threats/{id}.
func (h *Handler) GetThreat(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx := r.Context()

	threat, err := h.threats.Threats().GetByID(ctx, id)
	if err != nil {
		h.internalError(w, "get threat", err)
		return
	}
	if threat == nil {
		jsonError(w, http.StatusNotFound, errCodeNotFound, "threat not found")
		return
	}

	alerts, err := h.threats.Alerts().ListByThreat(ctx, id)
	if err != nil {
		h.internalError(w, "list threat alerts", err)
		return
	}
	if alerts == nil {
		alerts = []*models.Alert{}
	}
	jsonOK(w, ThreatDetail{Threat: threat, Alerts: alerts})
}

// ListThreatAlerts handles GET /threats/{id}/alerts.
func (h *Handler) ListThreatAlerts(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx := r.Context()

	threat, err := h.threats.Threats().GetByID(ctx, id)
	if err != nil {
		h.internalError(w, "get threat", err)
		return
	}
	if threat == nil {
		jsonError(w, http.StatusNotFound, errCodeNotFound, "threat not found")
		return
	}

	alerts, err := h.threats.Alerts().ListByThreat(ctx, id)
	if err != nil {
		h.internalError(w, "list threat alerts", err)
		return
	}
	if alerts == nil {
		alerts = []*models.Alert{}
	}
	jsonOK(w, alerts)
}

// UpdateThreatStatus handles PUT /threats/{id}/status.
func (h *Handler) UpdateThreatStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	raw, ok := statusParam(w, r)
	if !ok {
		return
	}
	status, valid := models.ParseThreatStatus(raw)
	if !valid {
		jsonError(w, http.StatusBadRequest, errCodeValidationFailed, fmt.Sprintf("unknown threat status %q", raw))
		return
	}

	ctx := r.Context()
	if err := h.threats.Threats().UpdateStatus(ctx, id, status); err != nil {
		h.statusError(w, "threat", err)
		return
	}

	threat, err := h.threats.Threats().GetByID(ctx, id)
	if err != nil || threat == nil {
		h.internalError(w, "reload threat", err)
		return
	}
	h.logger.Info("threat status updated", "threat_id", id, "status", status)
	jsonOK(w, threat)
}

// ListAlerts handles GET /alerts.
func (h *Handler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	limit, offset, ok := pagination(w, r)
	if !ok {
		return
	}

	filter := &storage.AlertFilter{Limit: limit, Offset: offset}
	q := r.URL.Query()
	if s := q.Get("status"); s != "" {
		status, valid := models.ParseAlertStatus(s)
		if !valid {
			jsonError(w, http.StatusBadRequest, errCodeValidationFailed, fmt.Sprintf("unknown alert status %q", s))
			return
		}
		filter.Status = status
	}
	filter.ThreatID = q.Get("threat_id")

	alerts, total, err := h.threats.Alerts().List(r.Context(), filter)
	if err != nil {
		h.internalError(w, "list alerts", err)
		return
	}
	if alerts == nil {
		alerts = []*models.Alert{}
	}
	jsonOK(w, ListResponse{Items: alerts, Total: total, Limit: limit, Offset: offset})
}

// GetAlert handles GET /alerts/{id}.
func (h *Handler) GetAlert(w http.ResponseWriter, r *http.Request) {
	alert, err := h.threats.Alerts().GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.internalError(w, "get alert", err)
		return
	}
	if alert == nil {
		jsonError(w, http.StatusNotFound, errCodeNotFound, "alert not found")
		return
	}
	jsonOK(w, alert)
}

// UpdateAlertStatus handles PUT /alerts/{id}/status.
func (h *Handler) UpdateAlertStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	raw, ok := statusParam(w, r)
	if !ok {
		return
	}
	status, valid := models.ParseAlertStatus(raw)
	if !valid {
		jsonError(w, http.StatusBadRequest, errCodeValidationFailed, fmt.Sprintf("unknown alert status %q", raw))
		return
	}

	ctx := r.Context()
	if err := h.threats.Alerts().UpdateStatus(ctx, id, status); err != nil {
		h.statusError(w, "alert", err)
		return
	}

	alert, err := h.threats.Alerts().GetByID(ctx, id)
	if err != nil || alert == nil {
		h.internalError(w, "reload alert", err)
		return
	}
	h.logger.Info("alert status updated", "alert_id", id, "status", status)
	jsonOK(w, alert)
}

// GetRawEvent handles GET /raw-events/{ref}.
func (h *Handler) GetRawEvent(w http.ResponseWriter, r *http.Request) {
	event, err := h.rawEvents.Get(r.Context(), chi.URLParam(r, "ref"))
	if err != nil {
		h.internalError(w, "get raw event", err)
		return
	}
	if event == nil {
		jsonError(w, http.StatusNotFound, errCodeNotFound, "raw event not found")
		return
	}
	jsonOK(w, event)
}

// Statistics handles GET /statistics.
func (h *Handler) Statistics(w http.ResponseWriter, r *http.Request) {
	st, err := h.threats.Statistics(r.Context())
	if err != nil {
		h.internalError(w, "statistics", err)
		return
	}
	jsonOK(w, st)
}

// pagination parses limit and offset query parameters.
func pagination(w http.ResponseWriter, r *http.Request) (limit, offset int, ok bool) {
	q := r.URL.Query()
	limit = storage.DefaultListLimit
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > MaxListLimit {
			jsonError(w, http.StatusBadRequest, errCodeBadRequest,
				fmt.Sprintf("limit must be between 1 and %d", MaxListLimit))
			return 0, 0, false
		}
		limit = n
	}
	// skip is accepted as an alias.
	s := q.Get("offset")
	if s == "" {
		s = q.Get("skip")
	}
	if s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			jsonError(w, http.StatusBadRequest, errCodeBadRequest, "offset must be a non-negative integer")
			return 0, 0, false
		}
		offset = n
	}
	return limit, offset, true
}

// statusParam reads the target status from the query string or a JSON body.
func statusParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	if s := r.URL.Query().Get("status"); s != "" {
		return s, true
	}
	var req StatusRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil || req.Status == "" {
		jsonError(w, http.StatusBadRequest, errCodeBadRequest, "status is required")
		return "", false
	}
	return req.Status, true
}

func (h *Handler) statusError(w http.ResponseWriter, kind string, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		jsonError(w, http.StatusNotFound, errCodeNotFound, kind+" not found")
	case errors.Is(err, storage.ErrInvalidTransition):
		jsonError(w, http.StatusConflict, errCodeConflict, err.Error())
	default:
		h.internalError(w, "update "+kind+" status", err)
	}
}

func (h *Handler) internalError(w http.ResponseWriter, op string, err error) {
	h.logger.Error(op+" failed", "error", err)
	jsonError(w, http.StatusInternalServerError, errCodeInternalError, "internal server error")
}
