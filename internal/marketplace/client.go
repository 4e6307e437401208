// Package marketplace is the ledger client used by applications. Each
// mutating call runs the same pipeline: gate check against the read model,
// build, submit, then invalidate the read model once the write is final.
package marketplace

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/p2pescrow/internal/codec"
	"github.com/alanyoungcy/p2pescrow/internal/domain"
	"github.com/alanyoungcy/p2pescrow/internal/market"
	"github.com/alanyoungcy/p2pescrow/internal/submit"
	"github.com/alanyoungcy/p2pescrow/internal/txbuilder"
)

// Reader is the read model the client gates against.
type Reader interface {
	GetAllListings(ctx context.Context) []domain.Listing
	GetAllOrders(ctx context.Context) []domain.Order
	GetListingByID(ctx context.Context, id string) *domain.Listing
	GetOrderByOrderID(ctx context.Context, id string) *domain.Order
	GetDisputeByID(ctx context.Context, id string) *domain.Dispute
	GetOrdersByBuyer(ctx context.Context, buyer string) []domain.Order
	GetOrdersBySeller(ctx context.Context, seller string) []domain.Order
	Invalidate(kind domain.EntityKind)
	InvalidateObject(id string)
}

// Submitter signs and submits built transactions.
type Submitter interface {
	Sender() string
	Submit(ctx context.Context, tx *txbuilder.Transaction, cb submit.Callbacks) string
}

// Callbacks re-exports the submission hooks for callers of this package.
type Callbacks = submit.Callbacks

// Option configures a Client.
type Option func(*Client)

// WithClock sets the clock used for expiry gating and display.
func WithClock(now func() time.Time) Option { return func(c *Client) { c.now = now } }

// WithEntityCache invalidates a shared cache after confirmed writes.
func WithEntityCache(cache domain.EntityCache) Option { return func(c *Client) { c.cache = cache } }

// WithBus publishes a ChangeEvent after confirmed writes.
func WithBus(bus domain.EventBus) Option { return func(c *Client) { c.bus = bus } }

// Client is the marketplace ledger client for one signer.
type Client struct {
	reader  Reader
	builder *txbuilder.Builder
	engine  Submitter
	cache   domain.EntityCache
	bus     domain.EventBus
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a Client.
func New(reader Reader, builder *txbuilder.Builder, engine Submitter, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		reader:  reader,
		builder: builder,
		engine:  engine,
		logger:  logger.With(slog.String("component", "marketplace")),
		now:     time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Address is the caller address of every operation.
func (c *Client) Address() string { return c.engine.Sender() }

// Each operation below returns a non-nil error only for pre-flight failures
// (gating, validation, ownership), before anything is sent. Once submission
// starts the outcome is reported through cb and the digest alone: "" means
// the operation did not take effect.

// CreateListing escrows amount units of tokenObject at price per unit.
func (c *Client) CreateListing(ctx context.Context, tokenObject string, amount, price uint64, expiresIn time.Duration, md domain.Metadata, cb Callbacks) (string, error) {
	tx, err := c.builder.CreateListing(ctx, c.Address(), tokenObject, amount, price, expiresIn, md)
	if err != nil {
		return "", err
	}
	return c.submit(ctx, tx, cb, domain.KindListing), nil
}

// CreateOrderFromListing opens an order for amount units of listingID.
func (c *Client) CreateOrderFromListing(ctx context.Context, listingID string, amount uint64, md domain.Metadata, cb Callbacks) (string, error) {
	l := c.reader.GetListingByID(ctx, listingID)
	if l == nil {
		return "", fmt.Errorf("marketplace: listing %s: %w", listingID, domain.ErrNotFound)
	}
	if err := market.CheckListingAction(*l, c.Address(), market.ActionCreateOrder, amount, c.now()); err != nil {
		return "", err
	}
	tx, err := c.builder.CreateOrder(ctx, c.Address(), listingID, amount, md)
	if err != nil {
		return "", err
	}
	return c.submit(ctx, tx, cb, domain.KindListing, domain.KindOrder), nil
}

// MarkPaymentMade is offered to the buyer of a PendingPayment order.
func (c *Client) MarkPaymentMade(ctx context.Context, orderID string, cb Callbacks) (string, error) {
	return c.orderCall(ctx, orderID, market.ActionMarkPaymentMade, c.builder.MarkPaymentMade, cb)
}

// MarkPaymentReceived is offered to the seller of a PaymentSent order.
func (c *Client) MarkPaymentReceived(ctx context.Context, orderID string, cb Callbacks) (string, error) {
	return c.orderCall(ctx, orderID, market.ActionMarkPaymentReceived, c.builder.MarkPaymentReceived, cb)
}

// ReleaseOrder is offered to the seller of a PaymentConfirmed order.
func (c *Client) ReleaseOrder(ctx context.Context, orderID string, cb Callbacks) (string, error) {
	return c.orderCall(ctx, orderID, market.ActionReleaseOrder, c.builder.ReleaseOrder, cb)
}

// CancelOrder is offered to the buyer before payment is confirmed.
func (c *Client) CancelOrder(ctx context.Context, orderID string, cb Callbacks) (string, error) {
	return c.orderCall(ctx, orderID, market.ActionCancelOrder, c.builder.CancelOrder, cb)
}

// ProcessExpiredOrder cancels a PendingPayment order past its expiry.
func (c *Client) ProcessExpiredOrder(ctx context.Context, orderID string, cb Callbacks) (string, error) {
	return c.orderCall(ctx, orderID, market.ActionProcessExpired, c.builder.ProcessExpiredOrder, cb)
}

// CancelListing withdraws an open listing.
func (c *Client) CancelListing(ctx context.Context, listingID string, cb Callbacks) (string, error) {
	return c.listingCall(ctx, listingID, market.ActionCancelListing, c.builder.CancelListing, cb)
}

// ReclaimExpiredListing returns the unsold tokens of an expired listing.
func (c *Client) ReclaimExpiredListing(ctx context.Context, listingID string, cb Callbacks) (string, error) {
	return c.listingCall(ctx, listingID, market.ActionReclaimListing, c.builder.ReclaimExpiredListing, cb)
}

// CreateDispute escalates a non-terminal order.
func (c *Client) CreateDispute(ctx context.Context, orderID, reason string, cb Callbacks) (string, error) {
	o := c.reader.GetOrderByOrderID(ctx, orderID)
	if o == nil {
		return "", fmt.Errorf("marketplace: order %s: %w", orderID, domain.ErrNotFound)
	}
	if err := market.CheckOrderAction(*o, c.Address(), market.ActionCreateDispute, c.now()); err != nil {
		return "", err
	}
	tx, err := c.builder.CreateDispute(ctx, c.Address(), orderID, reason)
	if err != nil {
		return "", err
	}
	return c.submit(ctx, tx, cb, domain.KindOrder, domain.KindDispute), nil
}

// RespondToDispute records the seller's response to an open dispute.
func (c *Client) RespondToDispute(ctx context.Context, disputeID, response string, cb Callbacks) (string, error) {
	d := c.reader.GetDisputeByID(ctx, disputeID)
	if d == nil {
		return "", fmt.Errorf("marketplace: dispute %s: %w", disputeID, domain.ErrNotFound)
	}
	if err := market.CheckDisputeAction(*d, c.Address(), market.ActionRespondToDispute); err != nil {
		return "", err
	}
	tx, err := c.builder.RespondToDispute(ctx, c.Address(), disputeID, response)
	if err != nil {
		return "", err
	}
	return c.submit(ctx, tx, cb, domain.KindDispute), nil
}

type buildFunc func(ctx context.Context, sender, id string) (*txbuilder.Transaction, error)

func (c *Client) orderCall(ctx context.Context, orderID string, action market.Action, build buildFunc, cb Callbacks) (string, error) {
	o := c.reader.GetOrderByOrderID(ctx, orderID)
	if o == nil {
		return "", fmt.Errorf("marketplace: order %s: %w", orderID, domain.ErrNotFound)
	}
	if err := market.CheckOrderAction(*o, c.Address(), action, c.now()); err != nil {
		return "", err
	}
	tx, err := build(ctx, c.Address(), orderID)
	if err != nil {
		return "", err
	}
	return c.submit(ctx, tx, cb, domain.KindOrder), nil
}

func (c *Client) listingCall(ctx context.Context, listingID string, action market.Action, build buildFunc, cb Callbacks) (string, error) {
	l := c.reader.GetListingByID(ctx, listingID)
	if l == nil {
		return "", fmt.Errorf("marketplace: listing %s: %w", listingID, domain.ErrNotFound)
	}
	if err := market.CheckListingAction(*l, c.Address(), action, 0, c.now()); err != nil {
		return "", err
	}
	tx, err := build(ctx, c.Address(), listingID)
	if err != nil {
		return "", err
	}
	return c.submit(ctx, tx, cb, domain.KindListing), nil
}

// submit hands tx to the engine. The read model is invalidated before the
// caller's success hook runs so a re-query sees the new state once indexed.
func (c *Client) submit(ctx context.Context, tx *txbuilder.Transaction, cb Callbacks, kinds ...domain.EntityKind) string {
	onSuccess := cb.OnSuccess
	cb.OnSuccess = func(digest string) {
		c.afterWrite(ctx, tx, digest, kinds)
		if onSuccess != nil {
			onSuccess(digest)
		}
	}
	return c.engine.Submit(ctx, tx, cb)
}

func (c *Client) afterWrite(ctx context.Context, tx *txbuilder.Transaction, digest string, kinds []domain.EntityKind) {
	for _, k := range kinds {
		c.reader.Invalidate(k)
	}
	target := codec.NormalizeAddress(tx.Target)
	c.reader.InvalidateObject(target)

	// kinds[0] is the kind of tx.Target.
	primary := kinds[0]
	if tx.Operation == market.ActionCreateListing {
		target = ""
	}
	if c.cache != nil && target != "" {
		if err := c.cache.Invalidate(ctx, primary, target); err != nil {
			c.logger.WarnContext(ctx, "entity cache invalidate failed", slog.String("id", target), slog.String("error", err.Error()))
		}
	}
	if c.bus != nil {
		ev := domain.ChangeEvent{
			Kind:      primary,
			ID:        target,
			Source:    "submission",
			TxDigest:  digest,
			Operation: string(tx.Operation),
			At:        c.now().UTC(),
		}
		payload, err := json.Marshal(ev)
		if err == nil {
			err = c.bus.Publish(ctx, domain.ChannelChanges, payload)
		}
		if err != nil {
			c.logger.WarnContext(ctx, "change event publish failed", slog.String("error", err.Error()))
		}
	}
}
