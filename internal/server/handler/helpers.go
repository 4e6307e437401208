package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/alanyoungcy/p2pescrow/internal/domain"
)

// Reader is the read model the handlers serve from.
type Reader interface {
	GetAllListings(ctx context.Context) []domain.Listing
	GetListingsBySeller(ctx context.Context, seller string) []domain.Listing
	GetListingByID(ctx context.Context, id string) *domain.Listing
	GetAllOrders(ctx context.Context) []domain.Order
	GetOrdersByBuyer(ctx context.Context, buyer string) []domain.Order
	GetOrdersBySeller(ctx context.Context, seller string) []domain.Order
	GetOrdersByListing(ctx context.Context, listingID string) []domain.Order
	GetOrderByOrderID(ctx context.Context, id string) *domain.Order
	GetAllDisputes(ctx context.Context) []domain.Dispute
	GetDisputesByOrder(ctx context.Context, orderID string) []domain.Dispute
	GetDisputeByID(ctx context.Context, id string) *domain.Dispute
}

// writeJSON marshals v as JSON and writes it to the response with the given
// HTTP status code. If marshaling fails, it falls back to a plain-text 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

// writeError sends a JSON-formatted error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusOf maps a client error to the HTTP status reported for it.
func statusOf(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidArgument), errors.Is(err, domain.ErrOwnership):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrIllegalAction), errors.Is(err, domain.ErrDuplicateSubmission),
		errors.Is(err, domain.ErrLockHeld):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInsufficientFee):
		return http.StatusPaymentRequired
	case errors.Is(err, domain.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, domain.ErrSubmission), errors.Is(err, domain.ErrFinality):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// parseListOpts extracts standard pagination parameters from the query string.
// Defaults: limit=50 (max 500), offset=0.
func parseListOpts(r *http.Request) domain.ListOpts {
	q := r.URL.Query()

	limit := 50
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	limit = min(limit, 500)

	offset := 0
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	opts := domain.ListOpts{Limit: limit, Offset: offset}
	if v := q.Get("since"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			opts.Since = &t
		}
	}
	return opts
}

// page applies opts to an in-memory result.
func page[T any](items []T, opts domain.ListOpts) []T {
	if opts.Offset >= len(items) {
		return []T{}
	}
	items = items[opts.Offset:]
	if opts.Limit > 0 && len(items) > opts.Limit {
		items = items[:opts.Limit]
	}
	return items
}

// pathParam extracts a named chi route parameter.
func pathParam(r *http.Request, name string) string {
	return chi.URLParam(r, name)
}
