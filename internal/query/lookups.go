package query

import (
	"context"
	"strings"

	"github.com/alanyoungcy/p2pescrow/internal/codec"
	"github.com/alanyoungcy/p2pescrow/internal/domain"
)

// GetAllListings returns every listing the indexer knows.
func (s *Store) GetAllListings(ctx context.Context) []domain.Listing {
	return all(ctx, s, s.listings)
}

// GetAllOrders returns every order the indexer knows.
func (s *Store) GetAllOrders(ctx context.Context) []domain.Order {
	return all(ctx, s, s.orders)
}

// GetAllDisputes returns every dispute the indexer knows.
func (s *Store) GetAllDisputes(ctx context.Context) []domain.Dispute {
	return all(ctx, s, s.disputes)
}

// The indexer cannot filter on struct fields, so the derived lookups below
// scan the full collection.

// GetListingsBySeller returns the listings created by seller.
func (s *Store) GetListingsBySeller(ctx context.Context, seller string) []domain.Listing {
	return filter(s.GetAllListings(ctx), func(l domain.Listing) bool { return codec.SameAddress(l.Seller, seller) })
}

// GetOrdersByBuyer returns the orders placed by buyer.
func (s *Store) GetOrdersByBuyer(ctx context.Context, buyer string) []domain.Order {
	return filter(s.GetAllOrders(ctx), func(o domain.Order) bool { return codec.SameAddress(o.Buyer, buyer) })
}

// GetOrdersBySeller returns the orders against seller's listings.
func (s *Store) GetOrdersBySeller(ctx context.Context, seller string) []domain.Order {
	return filter(s.GetAllOrders(ctx), func(o domain.Order) bool { return codec.SameAddress(o.Seller, seller) })
}

// GetOrdersByListing returns the orders created against listingID.
func (s *Store) GetOrdersByListing(ctx context.Context, listingID string) []domain.Order {
	return filter(s.GetAllOrders(ctx), func(o domain.Order) bool { return codec.SameAddress(o.ListingID, listingID) })
}

// GetDisputesByOrder returns the disputes raised on orderID.
func (s *Store) GetDisputesByOrder(ctx context.Context, orderID string) []domain.Dispute {
	return filter(s.GetAllDisputes(ctx), func(d domain.Dispute) bool { return codec.SameAddress(d.OrderID, orderID) })
}

// GetOrderByOrderID returns the order with id, or nil when there is none.
func (s *Store) GetOrderByOrderID(ctx context.Context, id string) *domain.Order {
	return one(ctx, s, s.orders, id)
}

// GetListingByID returns the listing with id, or nil when there is none.
func (s *Store) GetListingByID(ctx context.Context, id string) *domain.Listing {
	return one(ctx, s, s.listings, id)
}

// GetDisputeByID returns the dispute with id, or nil when there is none.
func (s *Store) GetDisputeByID(ctx context.Context, id string) *domain.Dispute {
	return one(ctx, s, s.disputes, id)
}

func filter[T any](items []T, keep func(T) bool) []T {
	var out []T
	for _, it := range items {
		if keep(it) {
			out = append(out, it)
		}
	}
	return out
}

// sameType reports whether objectType is an instance of the struct named by
// structType, ignoring type parameters and address formatting.
func sameType(objectType, structType string) bool {
	base, _, _ := strings.Cut(objectType, "<")
	addr, rest, ok := strings.Cut(base, "::")
	if !ok {
		return false
	}
	wantAddr, wantRest, _ := strings.Cut(structType, "::")
	return rest == wantRest && codec.SameAddress(addr, wantAddr)
}
