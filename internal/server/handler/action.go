package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/alanyoungcy/p2pescrow/internal/domain"
	"github.com/alanyoungcy/p2pescrow/internal/market"
	"github.com/alanyoungcy/p2pescrow/internal/marketplace"
)

// Market is the signing client behind the write endpoints.
type Market interface {
	Address() string
	CreateListing(ctx context.Context, tokenObject string, amount, price uint64, expiresIn time.Duration, md domain.Metadata, cb marketplace.Callbacks) (string, error)
	CreateOrderFromListing(ctx context.Context, listingID string, amount uint64, md domain.Metadata, cb marketplace.Callbacks) (string, error)
	MarkPaymentMade(ctx context.Context, orderID string, cb marketplace.Callbacks) (string, error)
	MarkPaymentReceived(ctx context.Context, orderID string, cb marketplace.Callbacks) (string, error)
	ReleaseOrder(ctx context.Context, orderID string, cb marketplace.Callbacks) (string, error)
	CancelOrder(ctx context.Context, orderID string, cb marketplace.Callbacks) (string, error)
	ProcessExpiredOrder(ctx context.Context, orderID string, cb marketplace.Callbacks) (string, error)
	CancelListing(ctx context.Context, listingID string, cb marketplace.Callbacks) (string, error)
	ReclaimExpiredListing(ctx context.Context, listingID string, cb marketplace.Callbacks) (string, error)
	CreateDispute(ctx context.Context, orderID, reason string, cb marketplace.Callbacks) (string, error)
	RespondToDispute(ctx context.Context, disputeID, response string, cb marketplace.Callbacks) (string, error)
}

// ActionHandler runs mutating operations as the configured wallet. Every
// request blocks until the transaction is final or has failed.
type ActionHandler struct {
	market Market
	logger *slog.Logger
}

// NewActionHandler creates an ActionHandler.
func NewActionHandler(m Market, logger *slog.Logger) *ActionHandler {
	return &ActionHandler{market: m, logger: logger}
}

type actionResponse struct {
	Operation market.Action `json:"operation"`
	Digest    string        `json:"digest"`
	Sender    string        `json:"sender"`
}

type createListingRequest struct {
	TokenObject string            `json:"token_object"`
	Amount      uint64            `json:"amount"`
	Price       uint64            `json:"price"`
	ExpiresIn   string            `json:"expires_in"`
	Metadata    map[string]string `json:"metadata"`
}

type createOrderRequest struct {
	ListingID string            `json:"listing_id"`
	Amount    uint64            `json:"amount"`
	Metadata  map[string]string `json:"metadata"`
}

type createDisputeRequest struct {
	OrderID string `json:"order_id"`
	Reason  string `json:"reason"`
}

type respondRequest struct {
	Response string `json:"response"`
}

// outcome captures the error reported through the submission callbacks.
type outcome struct {
	mu  sync.Mutex
	err error
}

func (o *outcome) callbacks() marketplace.Callbacks {
	return marketplace.Callbacks{OnError: func(err error) {
		o.mu.Lock()
		o.err = err
		o.mu.Unlock()
	}}
}

func (o *outcome) failure() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err == nil {
		return fmt.Errorf("operation did not take effect: %w", domain.ErrSubmission)
	}
	return o.err
}

type call func(ctx context.Context, cb marketplace.Callbacks) (string, error)

func (h *ActionHandler) run(w http.ResponseWriter, r *http.Request, op market.Action, fn call) {
	var out outcome
	digest, err := fn(r.Context(), out.callbacks())
	if err == nil && digest == "" {
		err = out.failure()
	}
	if err != nil {
		status := statusOf(err)
		if status >= http.StatusInternalServerError {
			h.logger.ErrorContext(r.Context(), "handler: operation failed",
				slog.String("operation", string(op)),
				slog.String("error", err.Error()),
			)
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, actionResponse{Operation: op, Digest: digest, Sender: h.market.Address()})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// CreateListing escrows a token object as a new listing.
// POST /api/listings
func (h *ActionHandler) CreateListing(w http.ResponseWriter, r *http.Request) {
	var req createListingRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.TokenObject == "" || req.Amount == 0 {
		writeError(w, http.StatusBadRequest, "token_object and amount are required")
		return
	}
	expiresIn, err := time.ParseDuration(req.ExpiresIn)
	if err != nil || expiresIn <= 0 {
		writeError(w, http.StatusBadRequest, "expires_in must be a positive duration")
		return
	}
	h.run(w, r, market.ActionCreateListing, func(ctx context.Context, cb marketplace.Callbacks) (string, error) {
		return h.market.CreateListing(ctx, req.TokenObject, req.Amount, req.Price, expiresIn, domain.NewMetadata(req.Metadata), cb)
	})
}

// CreateOrder buys part of a listing.
// POST /api/orders
func (h *ActionHandler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ListingID == "" || req.Amount == 0 {
		writeError(w, http.StatusBadRequest, "listing_id and amount are required")
		return
	}
	h.run(w, r, market.ActionCreateOrder, func(ctx context.Context, cb marketplace.Callbacks) (string, error) {
		return h.market.CreateOrderFromListing(ctx, req.ListingID, req.Amount, domain.NewMetadata(req.Metadata), cb)
	})
}

// OrderAction runs a single-argument order operation.
// POST /api/orders/{id}/{action}
func (h *ActionHandler) OrderAction(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	ops := map[market.Action]func(context.Context, string, marketplace.Callbacks) (string, error){
		market.ActionMarkPaymentMade:     h.market.MarkPaymentMade,
		market.ActionMarkPaymentReceived: h.market.MarkPaymentReceived,
		market.ActionReleaseOrder:        h.market.ReleaseOrder,
		market.ActionCancelOrder:         h.market.CancelOrder,
		market.ActionProcessExpired:      h.market.ProcessExpiredOrder,
	}
	op := market.Action(pathParam(r, "action"))
	fn, ok := ops[op]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown order action")
		return
	}
	h.run(w, r, op, func(ctx context.Context, cb marketplace.Callbacks) (string, error) {
		return fn(ctx, id, cb)
	})
}

// ListingAction runs a single-argument listing operation.
// POST /api/listings/{id}/{action}
func (h *ActionHandler) ListingAction(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	var fn func(context.Context, string, marketplace.Callbacks) (string, error)
	op := market.Action(pathParam(r, "action"))
	switch op {
	case market.ActionCancelListing:
		fn = h.market.CancelListing
	case market.ActionReclaimListing:
		fn = h.market.ReclaimExpiredListing
	default:
		writeError(w, http.StatusNotFound, "unknown listing action")
		return
	}
	h.run(w, r, op, func(ctx context.Context, cb marketplace.Callbacks) (string, error) {
		return fn(ctx, id, cb)
	})
}

// CreateDispute escalates an order.
// POST /api/disputes
func (h *ActionHandler) CreateDispute(w http.ResponseWriter, r *http.Request) {
	var req createDisputeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.OrderID == "" {
		writeError(w, http.StatusBadRequest, "order_id is required")
		return
	}
	h.run(w, r, market.ActionCreateDispute, func(ctx context.Context, cb marketplace.Callbacks) (string, error) {
		return h.market.CreateDispute(ctx, req.OrderID, req.Reason, cb)
	})
}

// RespondToDispute records the seller's response.
// POST /api/disputes/{id}/respond
func (h *ActionHandler) RespondToDispute(w http.ResponseWriter, r *http.Request) {
	var req respondRequest
	if !decodeBody(w, r, &req) {
		return
	}
	id := pathParam(r, "id")
	h.run(w, r, market.ActionRespondToDispute, func(ctx context.Context, cb marketplace.Callbacks) (string, error) {
		return h.market.RespondToDispute(ctx, id, req.Response, cb)
	})
}
