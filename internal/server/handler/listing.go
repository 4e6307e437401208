package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/p2pescrow/internal/domain"
	"github.com/alanyoungcy/p2pescrow/internal/marketplace"
)

// ListingHandler serves listing endpoints from the read model.
type ListingHandler struct {
	reader Reader
	now    func() time.Time
	logger *slog.Logger
}

// NewListingHandler creates a ListingHandler.
func NewListingHandler(reader Reader, now func() time.Time, logger *slog.Logger) *ListingHandler {
	if now == nil {
		now = time.Now
	}
	return &ListingHandler{reader: reader, now: now, logger: logger}
}

type listListingsResponse struct {
	Listings []marketplace.ListingView `json:"listings"`
}

// ListListings returns listings as seen by caller, optionally restricted to
// one seller or to those still accepting orders.
// GET /api/listings?seller=0x...&open=true&caller=0x...&limit=50&offset=0
func (h *ListingHandler) ListListings(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ctx := r.Context()

	var listings []domain.Listing
	if seller := q.Get("seller"); seller != "" {
		listings = h.reader.GetListingsBySeller(ctx, seller)
	} else {
		listings = h.reader.GetAllListings(ctx)
	}
	openOnly := q.Get("open") == "true"

	now := h.now()
	caller := q.Get("caller")
	views := make([]marketplace.ListingView, 0, len(listings))
	for _, l := range listings {
		v := marketplace.NewListingView(l, caller, now)
		if openOnly && !v.AcceptsOrders {
			continue
		}
		views = append(views, v)
	}

	writeJSON(w, http.StatusOK, listListingsResponse{Listings: page(views, parseListOpts(r))})
}

// GetListing returns one listing as seen by caller.
// GET /api/listings/{id}?caller=0x...
func (h *ListingHandler) GetListing(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	l := h.reader.GetListingByID(r.Context(), id)
	if l == nil {
		writeError(w, http.StatusNotFound, "listing not found")
		return
	}
	writeJSON(w, http.StatusOK, marketplace.NewListingView(*l, r.URL.Query().Get("caller"), h.now()))
}
