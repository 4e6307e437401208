package marketplace

import (
	"context"
	"sort"
	"time"

	"github.com/alanyoungcy/p2pescrow/internal/codec"
	"github.com/alanyoungcy/p2pescrow/internal/domain"
	"github.com/alanyoungcy/p2pescrow/internal/market"
)

// OrderView is an order as presented to one caller.
type OrderView struct {
	Order         domain.Order    `json:"order"`
	Stage         string          `json:"stage"`
	Role          market.Role     `json:"role,omitempty"`
	DisplayStatus string          `json:"display_status"`
	Actions       []market.Action `json:"actions"`
}

// ListingView is a listing as presented to one caller.
type ListingView struct {
	Listing       domain.Listing  `json:"listing"`
	Stage         string          `json:"stage"`
	IsSeller      bool            `json:"is_seller"`
	AcceptsOrders bool            `json:"accepts_orders"`
	DisplayStatus string          `json:"display_status"`
	Actions       []market.Action `json:"actions"`
}

// NewOrderView derives the presentation of o for caller at the client's
// current time.
func (c *Client) NewOrderView(o domain.Order, caller string) OrderView {
	return NewOrderView(o, caller, c.now())
}

// NewListingView derives the presentation of l for caller at the client's
// current time.
func (c *Client) NewListingView(l domain.Listing, caller string) ListingView {
	return NewListingView(l, caller, c.now())
}

// NewOrderView derives the presentation of o for caller at now. An empty
// caller gets no role and no actions.
func NewOrderView(o domain.Order, caller string, now time.Time) OrderView {
	v := OrderView{
		Order:         o,
		DisplayStatus: market.OrderDisplayStatus(o, now),
	}
	if stage, err := market.OrderStageOf(o.StatusCode); err == nil {
		v.Stage = stage.String()
	}
	if caller != "" && market.IsParty(caller, o) {
		v.Role = market.RoleOf(caller, o)
		v.Actions = market.OrderActions(o, caller, now)
	}
	return v
}

// NewListingView derives the presentation of l for caller at now.
func NewListingView(l domain.Listing, caller string, now time.Time) ListingView {
	v := ListingView{
		Listing:       l,
		IsSeller:      caller != "" && codec.SameAddress(caller, l.Seller),
		AcceptsOrders: market.AcceptsOrders(l, now),
		DisplayStatus: market.ListingDisplayStatus(l, now),
	}
	if stage, err := market.ListingStageOf(l.StatusCode); err == nil {
		v.Stage = stage.String()
	}
	if caller != "" {
		v.Actions = market.ListingActions(l, caller, now)
	}
	return v
}

// OrderView returns the view of orderID for the client's own address, or
// nil when the order is unknown.
func (c *Client) OrderView(ctx context.Context, orderID string) *OrderView {
	o := c.reader.GetOrderByOrderID(ctx, orderID)
	if o == nil {
		return nil
	}
	v := c.NewOrderView(*o, c.Address())
	return &v
}

// MyOrders returns the orders where the client is buyer or seller, newest
// first.
func (c *Client) MyOrders(ctx context.Context) []OrderView {
	me := c.Address()
	seen := make(map[string]bool)
	var out []OrderView
	for _, set := range [][]domain.Order{c.reader.GetOrdersByBuyer(ctx, me), c.reader.GetOrdersBySeller(ctx, me)} {
		for _, o := range set {
			if seen[o.ID] {
				continue
			}
			seen[o.ID] = true
			out = append(out, c.NewOrderView(o, me))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order.CreatedAt.After(out[j].Order.CreatedAt) })
	return out
}

// OpenListings returns the listings that still accept orders, for the
// client's own address.
func (c *Client) OpenListings(ctx context.Context) []ListingView {
	me := c.Address()
	var out []ListingView
	for _, l := range c.reader.GetAllListings(ctx) {
		if v := c.NewListingView(l, me); v.AcceptsOrders {
			out = append(out, v)
		}
	}
	return out
}
