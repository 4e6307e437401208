package handler

import (
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/p2pescrow/internal/domain"
)

// DisputeHandler serves dispute endpoints from the read model.
type DisputeHandler struct {
	reader Reader
	logger *slog.Logger
}

// NewDisputeHandler creates a DisputeHandler.
func NewDisputeHandler(reader Reader, logger *slog.Logger) *DisputeHandler {
	return &DisputeHandler{reader: reader, logger: logger}
}

// ListDisputes returns every dispute, or those of one order.
// GET /api/disputes?order=0x...
func (h *DisputeHandler) ListDisputes(w http.ResponseWriter, r *http.Request) {
	var disputes []domain.Dispute
	if order := r.URL.Query().Get("order"); order != "" {
		disputes = h.reader.GetDisputesByOrder(r.Context(), order)
	} else {
		disputes = h.reader.GetAllDisputes(r.Context())
	}
	if disputes == nil {
		disputes = []domain.Dispute{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"disputes": page(disputes, parseListOpts(r))})
}

// GetDispute returns one dispute.
// GET /api/disputes/{id}
func (h *DisputeHandler) GetDispute(w http.ResponseWriter, r *http.Request) {
	d := h.reader.GetDisputeByID(r.Context(), pathParam(r, "id"))
	if d == nil {
		writeError(w, http.StatusNotFound, "dispute not found")
		return
	}
	writeJSON(w, http.StatusOK, d)
}
