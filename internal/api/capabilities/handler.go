// Package capabilities serves descriptions of the configured scoring
// adapters.
package capabilities

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/good-yellow-bee/threatwatch/internal/scoring"
)

// Handler serves the model listing. The set is fixed at startup.
type Handler struct {
	models []scoring.ModelInfo
}

// NewHandler creates a handler for models.
func NewHandler(models []scoring.ModelInfo) *Handler {
	return &Handler{models: models}
}

// List handles GET /models.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	models := h.models
	if models == nil {
		models = []scoring.ModelInfo{}
	}
	writeJSON(w, http.StatusOK, dataResponse{Data: models})
}

// Get handles GET /models/{name}.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	for _, m := range h.models {
		if m.Name == name {
			writeJSON(w, http.StatusOK, dataResponse{Data: m})
			return
		}
	}
	writeJSON(w, http.StatusNotFound, errorResponse{Error: errorBody{
		Code:    "NOT_FOUND",
		Message: "model not found",
	}})
}

type dataResponse struct {
	Data any `json:"data"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Warn("json encode error", "error", err)
	}
}
