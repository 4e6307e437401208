package codec

import (
	"fmt"
	"math"
	"time"

	"github.com/alanyoungcy/p2pescrow/internal/domain"
)

// Field order below mirrors the on-ledger struct definitions and must not
// change independently of the contract.

// EncodeListing serializes a listing record.
func EncodeListing(l domain.Listing) ([]byte, error) {
	e := NewEncoder()
	e.Address(l.ID)
	e.Address(l.Seller)
	e.U64(l.TokenAmount)
	e.U64(l.RemainingAmount)
	e.U64(l.Price)
	e.U64(toMillis(l.Expiry))
	e.U64(toMillis(l.CreatedAt))
	e.U8(l.StatusCode)
	keys, values := l.Metadata.Arrays()
	e.MetadataArrays(keys, values)
	b, err := e.Bytes()
	if err != nil {
		return nil, fmt.Errorf("codec: encode listing: %w", err)
	}
	return b, nil
}

// DecodeListing parses a listing record. All input must be consumed.
func DecodeListing(b []byte) (domain.Listing, error) {
	d := NewDecoder(b)
	var l domain.Listing
	l.ID = d.Address()
	l.Seller = d.Address()
	l.TokenAmount = d.U64()
	l.RemainingAmount = d.U64()
	l.Price = d.U64()
	l.Expiry = d.millis()
	l.CreatedAt = d.millis()
	l.StatusCode = d.U8()
	l.Metadata = d.MetadataArrays()
	if err := d.Finish(); err != nil {
		return domain.Listing{}, fmt.Errorf("codec: decode listing: %w", err)
	}
	return l, nil
}

// EncodeOrder serializes an order record.
func EncodeOrder(o domain.Order) ([]byte, error) {
	e := NewEncoder()
	e.Address(o.ID)
	e.Address(o.ListingID)
	e.Address(o.Buyer)
	e.Address(o.Seller)
	e.U64(o.TokenAmount)
	e.U64(o.Price)
	e.U64(o.FeeAmount)
	e.U64(toMillis(o.Expiry))
	e.U64(toMillis(o.CreatedAt))
	e.U8(o.StatusCode)
	e.Bool(o.PaymentMade)
	e.Bool(o.PaymentReceived)
	e.OptionTag(o.DisputeID != "")
	if o.DisputeID != "" {
		e.Address(o.DisputeID)
	}
	keys, values := o.Metadata.Arrays()
	e.MetadataArrays(keys, values)
	b, err := e.Bytes()
	if err != nil {
		return nil, fmt.Errorf("codec: encode order: %w", err)
	}
	return b, nil
}

// DecodeOrder parses an order record. All input must be consumed.
func DecodeOrder(b []byte) (domain.Order, error) {
	d := NewDecoder(b)
	var o domain.Order
	o.ID = d.Address()
	o.ListingID = d.Address()
	o.Buyer = d.Address()
	o.Seller = d.Address()
	o.TokenAmount = d.U64()
	o.Price = d.U64()
	o.FeeAmount = d.U64()
	o.Expiry = d.millis()
	o.CreatedAt = d.millis()
	o.StatusCode = d.U8()
	o.PaymentMade = d.Bool()
	o.PaymentReceived = d.Bool()
	if d.OptionTag() {
		o.DisputeID = d.Address()
	}
	o.Metadata = d.MetadataArrays()
	if err := d.Finish(); err != nil {
		return domain.Order{}, fmt.Errorf("codec: decode order: %w", err)
	}
	return o, nil
}

// EncodeDispute serializes a dispute record.
func EncodeDispute(x domain.Dispute) ([]byte, error) {
	e := NewEncoder()
	e.Address(x.ID)
	e.Address(x.OrderID)
	e.Address(x.Buyer)
	e.Address(x.Seller)
	e.U64(x.TokenAmount)
	e.U64(x.Price)
	e.String(x.BuyerReason)
	e.OptionTag(x.HasResponse)
	if x.HasResponse {
		e.String(x.SellerResponse)
	}
	e.U8(x.StatusCode)
	e.U64(toMillis(x.CreatedAt))
	b, err := e.Bytes()
	if err != nil {
		return nil, fmt.Errorf("codec: encode dispute: %w", err)
	}
	return b, nil
}

// DecodeDispute parses a dispute record. All input must be consumed.
func DecodeDispute(b []byte) (domain.Dispute, error) {
	d := NewDecoder(b)
	var x domain.Dispute
	x.ID = d.Address()
	x.OrderID = d.Address()
	x.Buyer = d.Address()
	x.Seller = d.Address()
	x.TokenAmount = d.U64()
	x.Price = d.U64()
	x.BuyerReason = d.String()
	if d.OptionTag() {
		x.HasResponse = true
		x.SellerResponse = d.String()
	}
	x.StatusCode = d.U8()
	x.CreatedAt = d.millis()
	if err := d.Finish(); err != nil {
		return domain.Dispute{}, fmt.Errorf("codec: decode dispute: %w", err)
	}
	return x, nil
}

// DecodeListingData normalizes an indexer payload and decodes it.
func DecodeListingData(data ByteData) (domain.Listing, error) {
	b, err := data.Bytes()
	if err != nil {
		return domain.Listing{}, err
	}
	return DecodeListing(b)
}

// DecodeOrderData normalizes an indexer payload and decodes it.
func DecodeOrderData(data ByteData) (domain.Order, error) {
	b, err := data.Bytes()
	if err != nil {
		return domain.Order{}, err
	}
	return DecodeOrder(b)
}

// DecodeDisputeData normalizes an indexer payload and decodes it.
func DecodeDisputeData(data ByteData) (domain.Dispute, error) {
	b, err := data.Bytes()
	if err != nil {
		return domain.Dispute{}, err
	}
	return DecodeDispute(b)
}

// toMillis converts a timestamp to epoch milliseconds. The zero time
// encodes as 0.
func toMillis(t time.Time) uint64 {
	if t.IsZero() || t.UnixMilli() < 0 {
		return 0
	}
	return uint64(t.UnixMilli())
}

// FromMillis is the inverse of the on-ledger timestamp encoding.
func FromMillis(ms uint64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(int64(ms)).UTC()
}

func (d *Decoder) millis() time.Time {
	start := d.pos
	ms := d.U64()
	if d.err != nil {
		return time.Time{}
	}
	if ms > math.MaxInt64 {
		d.err = decodeErr(start, "timestamp %d out of range", ms)
		return time.Time{}
	}
	return FromMillis(ms)
}

// ToMillis exposes the timestamp encoding for callers building arguments.
func ToMillis(t time.Time) uint64 { return toMillis(t) }
