package codec

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/alanyoungcy/p2pescrow/internal/domain"
)

// AddressLength is the byte width of account and object addresses.
const AddressLength = 32

// Address is a raw 32-byte ledger address.
type Address [AddressLength]byte

// String renders the address as 0x-prefixed lowercase hex.
func (a Address) String() string {
	return "0x" + hex.EncodeToString(a[:])
}

// ParseAddress accepts hex with or without a 0x prefix and left-pads short
// forms such as "0x6" to the full width.
func ParseAddress(s string) (Address, error) {
	var a Address
	h := strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(s), "0x"), "0X")
	if h == "" || len(h) > 2*AddressLength {
		return a, fmt.Errorf("codec: address %q: %w", s, domain.ErrInvalidArgument)
	}
	if len(h) < 2*AddressLength {
		h = strings.Repeat("0", 2*AddressLength-len(h)) + h
	}
	if _, err := hex.Decode(a[:], []byte(h)); err != nil {
		return a, fmt.Errorf("codec: address %q: %w", s, domain.ErrInvalidArgument)
	}
	return a, nil
}

// NormalizeAddress returns the canonical form of s, or s lowercased when it
// is not a valid address.
func NormalizeAddress(s string) string {
	a, err := ParseAddress(s)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(s))
	}
	return a.String()
}

// SameAddress compares two addresses by canonical form.
func SameAddress(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	return NormalizeAddress(a) == NormalizeAddress(b)
}
