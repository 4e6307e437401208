package handler

import (
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/alanyoungcy/p2pescrow/internal/domain"
	"github.com/alanyoungcy/p2pescrow/internal/marketplace"
)

// OrderHandler serves order endpoints from the read model.
type OrderHandler struct {
	reader Reader
	now    func() time.Time
	logger *slog.Logger
}

// NewOrderHandler creates an OrderHandler.
func NewOrderHandler(reader Reader, now func() time.Time, logger *slog.Logger) *OrderHandler {
	if now == nil {
		now = time.Now
	}
	return &OrderHandler{reader: reader, now: now, logger: logger}
}

type listOrdersResponse struct {
	Orders []marketplace.OrderView `json:"orders"`
}

// ListOrders returns orders filtered by buyer, seller or listing, newest
// first. Without a filter every order is returned.
// GET /api/orders?buyer=0x...&seller=0x...&listing=0x...&caller=0x...
func (h *OrderHandler) ListOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ctx := r.Context()

	var orders []domain.Order
	switch {
	case q.Get("buyer") != "":
		orders = h.reader.GetOrdersByBuyer(ctx, q.Get("buyer"))
	case q.Get("seller") != "":
		orders = h.reader.GetOrdersBySeller(ctx, q.Get("seller"))
	case q.Get("listing") != "":
		orders = h.reader.GetOrdersByListing(ctx, q.Get("listing"))
	default:
		orders = h.reader.GetAllOrders(ctx)
	}
	sort.SliceStable(orders, func(i, j int) bool { return orders[i].CreatedAt.After(orders[j].CreatedAt) })

	now := h.now()
	caller := q.Get("caller")
	views := make([]marketplace.OrderView, 0, len(orders))
	for _, o := range orders {
		views = append(views, marketplace.NewOrderView(o, caller, now))
	}

	writeJSON(w, http.StatusOK, listOrdersResponse{Orders: page(views, parseListOpts(r))})
}

// GetOrder returns one order with the stage, role and actions of caller.
// GET /api/orders/{id}?caller=0x...
func (h *OrderHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	o := h.reader.GetOrderByOrderID(r.Context(), id)
	if o == nil {
		writeError(w, http.StatusNotFound, "order not found")
		return
	}
	writeJSON(w, http.StatusOK, marketplace.NewOrderView(*o, r.URL.Query().Get("caller"), h.now()))
}
