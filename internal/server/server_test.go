package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/p2pescrow/internal/crypto"
	"github.com/alanyoungcy/p2pescrow/internal/domain"
	"github.com/alanyoungcy/p2pescrow/internal/ledgertest"
	"github.com/alanyoungcy/p2pescrow/internal/market"
	"github.com/alanyoungcy/p2pescrow/internal/marketplace"
	"github.com/alanyoungcy/p2pescrow/internal/query"
	"github.com/alanyoungcy/p2pescrow/internal/server/handler"
	"github.com/alanyoungcy/p2pescrow/internal/server/middleware"
	"github.com/alanyoungcy/p2pescrow/internal/server/ws"
	"github.com/alanyoungcy/p2pescrow/internal/submit"
	"github.com/alanyoungcy/p2pescrow/internal/txbuilder"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type fixture struct {
	ledger *ledgertest.Ledger
	store  *query.Store
	seller *marketplace.Client
	buyer  *marketplace.Client
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	l := ledgertest.New(ledgertest.Options{})
	b, err := txbuilder.New(txbuilder.Config{
		PackageID:     ledgertest.PackageID,
		MarketplaceID: ledgertest.MarketplaceID,
		CoinType:      ledgertest.TokenType,
	}, l)
	require.NoError(t, err)

	store := query.NewStore(l, query.Config{PackageID: ledgertest.PackageID}, discard)
	client := func(seed byte) *marketplace.Client {
		s, err := crypto.NewSigner(crypto.SchemeEd25519, bytes.Repeat([]byte{seed}, 32))
		require.NoError(t, err)
		l.Mint(s.Address(), txbuilder.GasCoinType, 1_000_000_000)
		eng := submit.New(l, s, submit.Config{PollInterval: time.Millisecond}, discard)
		return marketplace.New(store, b, eng, discard, marketplace.WithClock(l.Now))
	}
	return &fixture{ledger: l, store: store, seller: client(1), buyer: client(2)}
}

func (f *fixture) list(t *testing.T, amount uint64) string {
	t.Helper()
	coin := f.ledger.Mint(f.seller.Address(), ledgertest.TokenType, amount)
	digest, err := f.seller.CreateListing(context.Background(), coin, amount, 5, 24*time.Hour, nil, marketplace.Callbacks{})
	require.NoError(t, err)
	ids := f.ledger.Created(digest, domain.KindListing)
	require.Len(t, ids, 1)
	return ids[0]
}

func (f *fixture) handlers(actor *marketplace.Client) Handlers {
	h := Handlers{
		Health:   handler.NewHealthHandler(nil, discard),
		Listings: handler.NewListingHandler(f.store, f.ledger.Now, discard),
		Orders:   handler.NewOrderHandler(f.store, f.ledger.Now, discard),
		Disputes: handler.NewDisputeHandler(f.store, discard),
	}
	if actor != nil {
		h.Actions = handler.NewActionHandler(actor, discard)
	}
	return h
}

func do(t *testing.T, h http.Handler, method, target string, body any, header ...string) (int, map[string]any) {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, target, rdr)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var out map[string]any
	if rec.Body.Len() > 0 && strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec.Code, out
}

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

func TestHealthReportsDependencies(t *testing.T) {
	f := newFixture(t)
	h := f.handlers(nil)
	h.Health = handler.NewHealthHandler(map[string]handler.Pinger{
		"postgres": pinger{},
		"redis":    pinger{err: errors.New("connection refused")},
	}, discard)
	srv := NewServer(Config{}, h, nil, nil, discard)

	code, body := do(t, srv.Handler(), http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, map[string]any{"postgres": "ok", "redis": "unreachable"}, body["dependencies"])
}

func TestListingsEndpoints(t *testing.T) {
	f := newFixture(t)
	id := f.list(t, 100)
	srv := NewServer(Config{}, f.handlers(nil), nil, nil, discard)

	code, body := do(t, srv.Handler(), http.MethodGet, "/api/listings?open=true&caller="+f.buyer.Address(), nil)
	require.Equal(t, http.StatusOK, code)
	listings := body["listings"].([]any)
	require.Len(t, listings, 1)
	v := listings[0].(map[string]any)
	assert.Equal(t, true, v["accepts_orders"])
	assert.Equal(t, false, v["is_seller"])
	assert.Equal(t, "active", v["stage"])
	assert.Equal(t, []any{string(market.ActionCreateOrder)}, v["actions"])

	code, body = do(t, srv.Handler(), http.MethodGet, "/api/listings?seller="+f.buyer.Address(), nil)
	require.Equal(t, http.StatusOK, code)
	assert.Empty(t, body["listings"])

	code, body = do(t, srv.Handler(), http.MethodGet, "/api/listings/"+id+"?caller="+f.seller.Address(), nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["is_seller"])

	code, _ = do(t, srv.Handler(), http.MethodGet, "/api/listings/0x1234", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestOrderFlowThroughActions(t *testing.T) {
	f := newFixture(t)
	listingID := f.list(t, 100)
	buyerAPI := NewServer(Config{}, f.handlers(f.buyer), nil, nil, discard).Handler()
	sellerAPI := NewServer(Config{}, f.handlers(f.seller), nil, nil, discard).Handler()

	code, body := do(t, buyerAPI, http.MethodPost, "/api/orders", map[string]any{"listing_id": listingID, "amount": 40})
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, string(market.ActionCreateOrder), body["operation"])
	ids := f.ledger.Created(body["digest"].(string), domain.KindOrder)
	require.Len(t, ids, 1)
	orderID := ids[0]

	code, body = do(t, buyerAPI, http.MethodGet, "/api/orders/"+orderID+"?caller="+f.buyer.Address(), nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "pending_payment", body["stage"])
	assert.Equal(t, string(market.RoleBuyer), body["role"])
	assert.Contains(t, body["actions"], string(market.ActionMarkPaymentMade))

	code, _ = do(t, buyerAPI, http.MethodPost, "/api/orders/"+orderID+"/release_order", nil)
	assert.Equal(t, http.StatusConflict, code, "buyer may not release")

	code, _ = do(t, buyerAPI, http.MethodPost, "/api/orders/"+orderID+"/mark_payment_made", nil)
	require.Equal(t, http.StatusOK, code)
	code, _ = do(t, sellerAPI, http.MethodPost, "/api/orders/"+orderID+"/mark_payment_received", nil)
	require.Equal(t, http.StatusOK, code)
	code, _ = do(t, sellerAPI, http.MethodPost, "/api/orders/"+orderID+"/release_order", nil)
	require.Equal(t, http.StatusOK, code)

	code, body = do(t, sellerAPI, http.MethodGet, "/api/orders?buyer="+f.buyer.Address(), nil)
	require.Equal(t, http.StatusOK, code)
	orders := body["orders"].([]any)
	require.Len(t, orders, 1)
	assert.Equal(t, "completed", orders[0].(map[string]any)["stage"])

	code, _ = do(t, sellerAPI, http.MethodPost, "/api/orders/"+orderID+"/explode", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestCreateOrderValidation(t *testing.T) {
	f := newFixture(t)
	listingID := f.list(t, 100)
	api := NewServer(Config{}, f.handlers(f.buyer), nil, nil, discard).Handler()

	code, _ := do(t, api, http.MethodPost, "/api/orders", map[string]any{"listing_id": listingID})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = do(t, api, http.MethodPost, "/api/orders", map[string]any{"listing_id": listingID, "amount": 101})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = do(t, api, http.MethodPost, "/api/orders", map[string]any{"listing_id": "0x99", "amount": 1})
	assert.Equal(t, http.StatusNotFound, code)
}

func TestWriteEndpointsRequireKey(t *testing.T) {
	f := newFixture(t)
	listingID := f.list(t, 100)
	api := NewServer(Config{APIKey: "s3cret"}, f.handlers(f.buyer), nil, nil, discard).Handler()

	code, _ := do(t, api, http.MethodPost, "/api/orders", map[string]any{"listing_id": listingID, "amount": 1})
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = do(t, api, http.MethodPost, "/api/orders", map[string]any{"listing_id": listingID, "amount": 1}, "X-API-Key", "wrong")
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = do(t, api, http.MethodPost, "/api/orders", map[string]any{"listing_id": listingID, "amount": 1}, "Authorization", "Bearer s3cret")
	assert.Equal(t, http.StatusOK, code)

	code, _ = do(t, api, http.MethodGet, "/api/listings", nil)
	assert.Equal(t, http.StatusOK, code, "reads stay public")
}

func TestReadOnlyServerHasNoWriteRoutes(t *testing.T) {
	f := newFixture(t)
	api := NewServer(Config{}, f.handlers(nil), nil, nil, discard).Handler()
	code, _ := do(t, api, http.MethodPost, "/api/orders", map[string]any{"listing_id": "0x1", "amount": 1})
	assert.Equal(t, http.StatusMethodNotAllowed, code)
}

func TestRateLimit(t *testing.T) {
	f := newFixture(t)
	api := NewServer(Config{RateLimit: 2}, f.handlers(nil), nil, middleware.NewLocalLimiter(16), discard).Handler()

	for range 2 {
		code, _ := do(t, api, http.MethodGet, "/api/listings", nil)
		require.Equal(t, http.StatusOK, code)
	}
	code, _ := do(t, api, http.MethodGet, "/api/listings", nil)
	assert.Equal(t, http.StatusTooManyRequests, code)

	code, _ = do(t, api, http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusOK, code, "health is not limited")
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	api := NewServer(Config{}, f.handlers(nil), nil, nil, discard).Handler()
	do(t, api, http.MethodGet, "/api/listings", nil)

	rec := httptest.NewRecorder()
	api.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `marketplace_http_requests_total{code="200",route="/api/listings"}`)
}

type chanBus struct {
	chans map[string]chan []byte
}

func (b *chanBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.chans[channel] <- payload
	return nil
}

func (b *chanBus) Subscribe(_ context.Context, channel string) (<-chan []byte, error) {
	return b.chans[channel], nil
}

type fixedHistory [][]byte

func (h fixedHistory) Recent(context.Context, string, int) ([][]byte, error) { return h, nil }

func TestWebsocketRelaysEvents(t *testing.T) {
	f := newFixture(t)
	bus := &chanBus{chans: map[string]chan []byte{
		domain.ChannelChanges:     make(chan []byte, 4),
		domain.ChannelSubmissions: make(chan []byte, 4),
	}}
	hub := ws.NewHub(bus, fixedHistory{[]byte(`{"id":"0xold"}`)}, ws.Config{Mode: "serve", Replay: 5}, discard)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = hub.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	ts := httptest.NewServer(NewServer(Config{}, f.handlers(nil), hub, nil, discard).Handler())
	t.Cleanup(ts.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	read := func() ws.Envelope {
		var env ws.Envelope
		require.NoError(t, conn.ReadJSON(&env))
		return env
	}

	assert.Equal(t, "status", read().Type)
	replay := read()
	assert.Equal(t, "replay", replay.Type)
	assert.JSONEq(t, `{"id":"0xold"}`, string(replay.Data))
	assert.Equal(t, "replay", read().Type, "one replayed event per channel")

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, bus.Publish(ctx, domain.ChannelChanges, []byte(`{"kind":"order","id":"0xabc"}`)))
	ev := read()
	assert.Equal(t, "event", ev.Type)
	assert.Equal(t, domain.ChannelChanges, ev.Channel)
	assert.JSONEq(t, `{"kind":"order","id":"0xabc"}`, string(ev.Data))
}
