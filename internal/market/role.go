package market

import (
	"github.com/alanyoungcy/p2pescrow/internal/codec"
	"github.com/alanyoungcy/p2pescrow/internal/domain"
)

// Role is the caller's side of an order.
type Role string

const (
	RoleBuyer  Role = "buyer"
	RoleSeller Role = "seller"
)

// Normalize returns the canonical key of an address: prefix stripped,
// lowercased and left-padded, so differently written forms compare equal.
func Normalize(addr string) string {
	return codec.NormalizeAddress(addr)
}

// RoleOf derives the caller's role: seller iff the caller is the order's
// seller, buyer otherwise.
func RoleOf(caller string, o domain.Order) Role {
	if codec.SameAddress(caller, o.Seller) {
		return RoleSeller
	}
	return RoleBuyer
}

// IsParty reports whether caller is the buyer or the seller of o.
func IsParty(caller string, o domain.Order) bool {
	return codec.SameAddress(caller, o.Buyer) || codec.SameAddress(caller, o.Seller)
}
