package marketplace

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/alanyoungcy/p2pescrow/internal/crypto"
	"github.com/alanyoungcy/p2pescrow/internal/domain"
	"github.com/alanyoungcy/p2pescrow/internal/ledgertest"
	"github.com/alanyoungcy/p2pescrow/internal/market"
	"github.com/alanyoungcy/p2pescrow/internal/query"
	"github.com/alanyoungcy/p2pescrow/internal/submit"
	"github.com/alanyoungcy/p2pescrow/internal/txbuilder"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type party struct {
	signer *crypto.Signer
	engine *submit.Engine
	store  *query.Store
	client *Client
}

type world struct {
	ledger  *ledgertest.Ledger
	builder *txbuilder.Builder
	seller  party
	buyer   party
	bus     *memBus
}

func newWorld(t *testing.T) *world {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	l := ledgertest.New(ledgertest.Options{})
	b, err := txbuilder.New(txbuilder.Config{
		PackageID:     ledgertest.PackageID,
		MarketplaceID: ledgertest.MarketplaceID,
		CoinType:      ledgertest.TokenType,
	}, l)
	require.NoError(t, err)

	w := &world{ledger: l, builder: b, bus: &memBus{}}
	mk := func(seed byte) party {
		s, err := crypto.NewSigner(crypto.SchemeEd25519, bytes.Repeat([]byte{seed}, 32))
		require.NoError(t, err)
		l.Mint(s.Address(), txbuilder.GasCoinType, 1_000_000_000)
		eng := submit.New(l, s, submit.Config{PollInterval: time.Millisecond}, logger)
		store := query.NewStore(l, query.Config{PackageID: ledgertest.PackageID}, logger)
		return party{
			signer: s,
			engine: eng,
			store:  store,
			client: New(store, b, eng, logger, WithClock(l.Now), WithBus(w.bus)),
		}
	}
	w.seller = mk(1)
	w.buyer = mk(2)
	return w
}

func (w *world) list(t *testing.T, amount uint64) string {
	t.Helper()
	coin := w.ledger.Mint(w.seller.signer.Address(), ledgertest.TokenType, amount)
	digest, err := w.seller.client.CreateListing(context.Background(), coin, amount, 5, 24*time.Hour, nil, Callbacks{})
	require.NoError(t, err)
	require.NotEmpty(t, digest)
	ids := w.ledger.Created(digest, domain.KindListing)
	require.Len(t, ids, 1)
	return ids[0]
}

func (w *world) orderFrom(t *testing.T, listingID string, amount uint64) string {
	t.Helper()
	digest, err := w.buyer.client.CreateOrderFromListing(context.Background(), listingID, amount, nil, Callbacks{})
	require.NoError(t, err)
	require.NotEmpty(t, digest)
	ids := w.ledger.Created(digest, domain.KindOrder)
	require.Len(t, ids, 1)
	return ids[0]
}

func (w *world) orderStage(t *testing.T, id string) market.OrderStage {
	t.Helper()
	o, ok := w.ledger.Order(id)
	require.True(t, ok)
	stage, err := market.OrderStageOf(o.StatusCode)
	require.NoError(t, err)
	return stage
}

type recorder struct {
	mu     sync.Mutex
	events []string
	err    error
}

func (r *recorder) callbacks() Callbacks {
	add := func(e string) {
		r.mu.Lock()
		r.events = append(r.events, e)
		r.mu.Unlock()
	}
	return Callbacks{
		OnLoading: func(loading bool) {
			if loading {
				add("loading")
			} else {
				add("done")
			}
		},
		OnSuccess: func(string) { add("success") },
		OnError: func(err error) {
			r.mu.Lock()
			r.err = err
			r.mu.Unlock()
			add("error")
		},
	}
}

type memBus struct {
	mu       sync.Mutex
	messages [][]byte
}

func (b *memBus) Publish(_ context.Context, _ string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages = append(b.messages, payload)
	return nil
}

func (b *memBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return nil, nil
}

func TestScenarioFullOrderLifecycle(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)

	listingID := w.list(t, 100)
	mine := w.seller.store.GetListingsBySeller(ctx, w.seller.signer.Address())
	require.Len(t, mine, 1)
	assert.Equal(t, uint64(100), mine[0].TokenAmount)
	assert.Equal(t, uint64(100), mine[0].RemainingAmount)

	orderID := w.orderFrom(t, listingID, 40)
	l := w.buyer.store.GetListingByID(ctx, listingID)
	require.NotNil(t, l)
	assert.Equal(t, uint64(60), l.RemainingAmount)
	assert.Equal(t, uint8(market.ListingPartiallySold), l.StatusCode)
	o := w.buyer.store.GetOrderByOrderID(ctx, orderID)
	require.NotNil(t, o)
	assert.Equal(t, uint8(market.PendingPayment), o.StatusCode)
	assert.Equal(t, uint64(40), o.TokenAmount)

	var rec recorder
	digest, err := w.buyer.client.MarkPaymentMade(ctx, orderID, rec.callbacks())
	require.NoError(t, err)
	require.NotEmpty(t, digest)
	assert.Equal(t, []string{"loading", "success", "done"}, rec.events)
	assert.Equal(t, market.PaymentSent, w.orderStage(t, orderID))

	_, err = w.seller.client.MarkPaymentReceived(ctx, orderID, Callbacks{})
	require.NoError(t, err)
	assert.Equal(t, market.PaymentConfirmed, w.orderStage(t, orderID))

	_, err = w.seller.client.ReleaseOrder(ctx, orderID, Callbacks{})
	require.NoError(t, err)
	assert.Equal(t, market.Completed, w.orderStage(t, orderID))

	got, ok := w.ledger.Listing(listingID)
	require.True(t, ok)
	assert.Equal(t, uint8(market.ListingPartiallySold), got.StatusCode)
	assert.Equal(t, uint64(60), got.RemainingAmount)

	bal, err := w.ledger.GetBalance(ctx, w.buyer.signer.Address(), ledgertest.TokenType)
	require.NoError(t, err)
	assert.Equal(t, uint64(40), bal)

	// A second order drains the listing.
	w.orderFrom(t, listingID, 60)
	got, _ = w.ledger.Listing(listingID)
	assert.Equal(t, uint8(market.ListingSold), got.StatusCode)
	assert.Zero(t, got.RemainingAmount)
}

func TestScenarioExpiryIsDisplayOnly(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)
	orderID := w.orderFrom(t, w.list(t, 100), 40)

	o, _ := w.ledger.Order(orderID)
	assert.True(t, o.Expiry.Equal(w.ledger.Now().Add(1800*time.Second)))

	w.ledger.Advance(1801 * time.Second)
	v := w.buyer.client.OrderView(ctx, orderID)
	require.NotNil(t, v)
	assert.Equal(t, market.StatusExpired, v.DisplayStatus)
	assert.Equal(t, "pending_payment", v.Stage)
	assert.Contains(t, v.Actions, market.ActionProcessExpired)
	assert.Equal(t, market.PendingPayment, w.orderStage(t, orderID), "display inference does not mutate")

	digest, err := w.buyer.client.ProcessExpiredOrder(ctx, orderID, Callbacks{})
	require.NoError(t, err)
	require.NotEmpty(t, digest)
	assert.Equal(t, market.Cancelled, w.orderStage(t, orderID))

	refund, err := w.ledger.GetBalance(ctx, w.seller.signer.Address(), ledgertest.TokenType)
	require.NoError(t, err)
	assert.Equal(t, uint64(40), refund)
}

func TestRepeatedReleaseNeverTakesEffectTwice(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)
	orderID := w.orderFrom(t, w.list(t, 100), 40)
	for _, step := range []func() (string, error){
		func() (string, error) { return w.buyer.client.MarkPaymentMade(ctx, orderID, Callbacks{}) },
		func() (string, error) { return w.seller.client.MarkPaymentReceived(ctx, orderID, Callbacks{}) },
		func() (string, error) { return w.seller.client.ReleaseOrder(ctx, orderID, Callbacks{}) },
	} {
		digest, err := step()
		require.NoError(t, err)
		require.NotEmpty(t, digest)
	}
	executed := w.ledger.Executions()

	// Through the client the gate refuses before anything is sent.
	for range 2 {
		var rec recorder
		digest, err := w.seller.client.ReleaseOrder(ctx, orderID, rec.callbacks())
		assert.Empty(t, digest)
		assert.ErrorIs(t, err, domain.ErrIllegalAction)
		assert.Empty(t, rec.events)
	}
	assert.Equal(t, executed, w.ledger.Executions())

	// Bypassing the gate, the ledger rejects the out-of-state call each time.
	for range 2 {
		tx, err := w.builder.ReleaseOrder(ctx, w.seller.signer.Address(), orderID)
		require.NoError(t, err)
		var rec recorder
		assert.Empty(t, w.seller.engine.Submit(ctx, tx, rec.callbacks()))
		assert.ErrorIs(t, rec.err, domain.ErrFinality)
		assert.Equal(t, []string{"loading", "error", "done"}, rec.events)
	}
	assert.Equal(t, market.Completed, w.orderStage(t, orderID))
	bal, err := w.ledger.GetBalance(ctx, w.buyer.signer.Address(), ledgertest.TokenType)
	require.NoError(t, err)
	assert.Equal(t, uint64(40), bal)
}

func TestGatingRejectsBeforeSubmission(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)
	listingID := w.list(t, 100)
	orderID := w.orderFrom(t, listingID, 10)
	executed := w.ledger.Executions()

	_, err := w.buyer.client.MarkPaymentReceived(ctx, orderID, Callbacks{})
	assert.ErrorIs(t, err, domain.ErrIllegalAction)
	_, err = w.seller.client.MarkPaymentMade(ctx, orderID, Callbacks{})
	assert.ErrorIs(t, err, domain.ErrIllegalAction)
	_, err = w.seller.client.CancelOrder(ctx, orderID, Callbacks{})
	assert.ErrorIs(t, err, domain.ErrIllegalAction)
	_, err = w.seller.client.CreateOrderFromListing(ctx, listingID, 5, nil, Callbacks{})
	assert.ErrorIs(t, err, domain.ErrIllegalAction)
	_, err = w.buyer.client.CancelListing(ctx, listingID, Callbacks{})
	assert.ErrorIs(t, err, domain.ErrIllegalAction)
	_, err = w.seller.client.ReclaimExpiredListing(ctx, listingID, Callbacks{})
	assert.ErrorIs(t, err, domain.ErrIllegalAction)

	_, err = w.buyer.client.MarkPaymentMade(ctx, "0x1234", Callbacks{})
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = w.buyer.client.CreateOrderFromListing(ctx, "0x1234", 5, nil, Callbacks{})
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = w.seller.client.RespondToDispute(ctx, "0x1234", "x", Callbacks{})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	coin := w.ledger.Mint(w.buyer.signer.Address(), ledgertest.TokenType, 5)
	_, err = w.seller.client.CreateListing(ctx, coin, 5, 1, time.Hour, nil, Callbacks{})
	assert.ErrorIs(t, err, domain.ErrOwnership)

	assert.Equal(t, executed, w.ledger.Executions())
}

func TestOverfillIsRejected(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)
	listingID := w.list(t, 100)

	var rec recorder
	digest, err := w.buyer.client.CreateOrderFromListing(ctx, listingID, 150, nil, rec.callbacks())
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
	assert.Empty(t, digest)
	assert.Empty(t, rec.events)

	// A stale read model lets the request through; the ledger still refuses.
	tx, err := w.builder.CreateOrder(ctx, w.buyer.signer.Address(), listingID, 150, nil)
	require.NoError(t, err)
	assert.Empty(t, w.buyer.engine.Submit(ctx, tx, rec.callbacks()))
	assert.ErrorIs(t, rec.err, domain.ErrFinality)

	l, _ := w.ledger.Listing(listingID)
	assert.Equal(t, uint64(100), l.RemainingAmount)
}

func TestDisputeFlow(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)
	orderID := w.orderFrom(t, w.list(t, 100), 40)
	_, err := w.buyer.client.MarkPaymentMade(ctx, orderID, Callbacks{})
	require.NoError(t, err)

	digest, err := w.buyer.client.CreateDispute(ctx, orderID, "paid, no confirmation", Callbacks{})
	require.NoError(t, err)
	require.NotEmpty(t, digest)
	ids := w.ledger.Created(digest, domain.KindDispute)
	require.Len(t, ids, 1)
	assert.Equal(t, market.Disputed, w.orderStage(t, orderID))

	_, err = w.buyer.client.RespondToDispute(ctx, ids[0], "not mine to answer", Callbacks{})
	assert.ErrorIs(t, err, domain.ErrIllegalAction)

	_, err = w.seller.client.RespondToDispute(ctx, ids[0], "not received", Callbacks{})
	require.NoError(t, err)
	d, ok := w.ledger.Dispute(ids[0])
	require.True(t, ok)
	assert.Equal(t, "paid, no confirmation", d.BuyerReason)
	assert.Equal(t, "not received", d.SellerResponse)
	assert.Equal(t, uint8(market.DisputeResponded), d.StatusCode)

	_, err = w.buyer.client.CreateDispute(ctx, orderID, "again", Callbacks{})
	assert.ErrorIs(t, err, domain.ErrIllegalAction)
}

func TestCancelListingAndViews(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)
	listingID := w.list(t, 100)

	open := w.buyer.client.OpenListings(ctx)
	require.Len(t, open, 1)
	assert.False(t, open[0].IsSeller)
	assert.Equal(t, []market.Action{market.ActionCreateOrder}, open[0].Actions)

	sellerView := w.seller.client.NewListingView(open[0].Listing, w.seller.signer.Address())
	assert.True(t, sellerView.IsSeller)
	assert.Equal(t, []market.Action{market.ActionCancelListing}, sellerView.Actions)

	orderID := w.orderFrom(t, listingID, 10)
	mine := w.buyer.client.MyOrders(ctx)
	require.Len(t, mine, 1)
	assert.Equal(t, orderID, mine[0].Order.ID)
	assert.Equal(t, market.RoleBuyer, mine[0].Role)

	stranger := w.buyer.client.NewOrderView(mine[0].Order, "0x99")
	assert.Empty(t, stranger.Role)
	assert.Empty(t, stranger.Actions)

	_, err := w.seller.client.CancelListing(ctx, listingID, Callbacks{})
	require.NoError(t, err)
	l, _ := w.ledger.Listing(listingID)
	assert.Equal(t, uint8(market.ListingCanceled), l.StatusCode)
	assert.Empty(t, w.seller.client.OpenListings(ctx))

	refund, err := w.ledger.GetBalance(ctx, w.seller.signer.Address(), ledgertest.TokenType)
	require.NoError(t, err)
	assert.Equal(t, uint64(90), refund)
}

func TestReclaimExpiredListing(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)
	listingID := w.list(t, 100)

	w.ledger.Advance(25 * time.Hour)
	_, err := w.buyer.client.CreateOrderFromListing(ctx, listingID, 5, nil, Callbacks{})
	assert.ErrorIs(t, err, domain.ErrIllegalAction)

	digest, err := w.seller.client.ReclaimExpiredListing(ctx, listingID, Callbacks{})
	require.NoError(t, err)
	require.NotEmpty(t, digest)
	l, _ := w.ledger.Listing(listingID)
	assert.Equal(t, uint8(market.ListingExpired), l.StatusCode)
}

func TestChangeEventsPublished(t *testing.T) {
	w := newWorld(t)
	listingID := w.list(t, 100)
	w.orderFrom(t, listingID, 10)

	w.bus.mu.Lock()
	defer w.bus.mu.Unlock()
	require.Len(t, w.bus.messages, 2)
	var ev domain.ChangeEvent
	require.NoError(t, json.Unmarshal(w.bus.messages[1], &ev))
	assert.Equal(t, domain.KindListing, ev.Kind)
	assert.Equal(t, listingID, ev.ID)
	assert.Equal(t, "create_order", ev.Operation)
	assert.Equal(t, "submission", ev.Source)
	assert.NotEmpty(t, ev.TxDigest)
}
