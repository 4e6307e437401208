package sui

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
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
	"go.uber.org/goleak"

	"github.com/alanyoungcy/p2pescrow/internal/codec"
	"github.com/alanyoungcy/p2pescrow/internal/domain"
)

const (
	listingID = "0x1111111111111111111111111111111111111111111111111111111111111111"
	seller    = "0xaaaa000000000000000000000000000000000000000000000000000000000001"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func encodedListing(t *testing.T) []byte {
	t.Helper()
	b, err := codec.EncodeListing(domain.Listing{
		ID:              listingID,
		Seller:          seller,
		TokenAmount:     100,
		RemainingAmount: 100,
		Price:           5,
		Expiry:          time.UnixMilli(1_800_000_000_000).UTC(),
		CreatedAt:       time.UnixMilli(1_700_000_000_000).UTC(),
	})
	require.NoError(t, err)
	return b
}

func TestDocumentsValidate(t *testing.T) {
	require.NoError(t, validateDocuments(objectsByTypeQuery, objectByIDQuery))

	err := validateDocuments(`query { objects { nodes { nonexistent } } }`)
	assert.Error(t, err)
}

func TestObjectsByTypePaginates(t *testing.T) {
	payload := encodedListing(t)
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		var req graphqlRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "ObjectsByType", req.OperationName)
		assert.Equal(t, "0xpkg::marketplace::Listing", req.Variables["type"])

		bcs := `"` + base64.StdEncoding.EncodeToString(payload) + `"`
		page := `{"hasNextPage":true,"endCursor":"c1"}`
		if req.Variables["after"] == "c1" {
			bcs = `"0x` + hex.EncodeToString(payload) + `"`
			page = `{"hasNextPage":false,"endCursor":null}`
		}
		io.WriteString(w, `{"data":{"objects":{"pageInfo":`+page+`,"nodes":[{
			"address":"`+listingID+`","version":"7","digest":"dg",
			"owner":{"__typename":"Shared","initialSharedVersion":3},
			"previousTransactionBlock":{"digest":"ptx"},
			"asMoveObject":{"contents":{"type":{"repr":"0xpkg::marketplace::Listing"},"bcs":`+bcs+`}}}]}}}`)
	}))
	defer srv.Close()

	c, err := NewGraphQLClient(srv.URL, "", time.Second)
	require.NoError(t, err)

	first, err := c.ObjectsByType(context.Background(), "0xpkg::marketplace::Listing", "", 50)
	require.NoError(t, err)
	require.Len(t, first.Nodes, 1)
	assert.True(t, first.HasNextPage)
	assert.Equal(t, "c1", first.EndCursor)
	assert.Equal(t, codec.KindRawBytes, first.Nodes[0].Data.Kind())
	assert.Equal(t, uint64(7), first.Nodes[0].Meta.Version)
	assert.Equal(t, domain.OwnerShared, first.Nodes[0].Meta.Owner.Kind)
	assert.Equal(t, uint64(3), first.Nodes[0].Meta.Owner.InitialSharedVersion)
	assert.Equal(t, "ptx", first.Nodes[0].Meta.PreviousTx)

	second, err := c.ObjectsByType(context.Background(), "0xpkg::marketplace::Listing", first.EndCursor, 50)
	require.NoError(t, err)
	assert.False(t, second.HasNextPage)
	assert.Equal(t, codec.KindHexString, second.Nodes[0].Data.Kind())

	a, err := codec.DecodeListingData(first.Nodes[0].Data)
	require.NoError(t, err)
	b, err := codec.DecodeListingData(second.Nodes[0].Data)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Equal(t, 2, calls)
}

func TestObjectNotFoundAndErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req graphqlRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Variables["id"] == listingID {
			io.WriteString(w, `{"data":{"object":null}}`)
			return
		}
		io.WriteString(w, `{"errors":[{"message":"boom"}]}`)
	}))
	defer srv.Close()

	c, err := NewGraphQLClient(srv.URL, "", time.Second)
	require.NoError(t, err)

	node, err := c.Object(context.Background(), listingID)
	require.NoError(t, err)
	assert.Nil(t, node)

	_, err = c.Object(context.Background(), "0x2")
	assert.ErrorContains(t, err, "boom")

	_, err = c.Object(context.Background(), "not-an-address")
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestPayloadFromJSON(t *testing.T) {
	d, err := payloadFromJSON(json.RawMessage(`[1,2]`))
	require.NoError(t, err)
	assert.Equal(t, codec.KindRawBytes, d.Kind())

	_, err = payloadFromJSON(json.RawMessage(`null`))
	assert.ErrorIs(t, err, domain.ErrDecode)
	_, err = payloadFromJSON(json.RawMessage(`"%%%"`))
	assert.ErrorIs(t, err, domain.ErrDecode)

	for _, in := range []string{`"deadbeef0102"`, `"0xdeadbeef0102"`, `"DEADBEEF0102"`, `[222,173,190,239,1,2]`} {
		d, err := payloadFromJSON(json.RawMessage(in))
		require.NoError(t, err, in)
		b, err := d.Bytes()
		require.NoError(t, err, in)
		assert.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef, 0x01, 0x02}, b, in)
	}

	// Anything with non-hex characters stays base64.
	d, err = payloadFromJSON(json.RawMessage(`"AQID"`))
	require.NoError(t, err)
	assert.Equal(t, codec.KindRawBytes, d.Kind())
	b, err := d.Bytes()
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, b)
}

func TestObjectsByTypeDropsMalformedVersion(t *testing.T) {
	payload := encodedListing(t)
	bcs := `"` + base64.StdEncoding.EncodeToString(payload) + `"`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"data":{"objects":{"pageInfo":{"hasNextPage":false,"endCursor":null},"nodes":[
			{"address":"0x1","version":"4","digest":"a","asMoveObject":{"contents":{"type":{"repr":"t"},"bcs":`+bcs+`}}},
			{"address":"0x2","version":null,"digest":"b","asMoveObject":{"contents":{"type":{"repr":"t"},"bcs":`+bcs+`}}}
		]}}}`)
	}))
	defer srv.Close()

	c, err := NewGraphQLClient(srv.URL, "", time.Second)
	require.NoError(t, err)

	page, err := c.ObjectsByType(context.Background(), "t", "", 50)
	require.NoError(t, err)
	require.Len(t, page.Nodes, 1)
	assert.Equal(t, uint64(4), page.Nodes[0].Meta.Version)
	assert.Equal(t, []string{codec.NormalizeAddress("0x2")}, page.Malformed)
}

// rpcServer answers JSON-RPC calls from a method → result/error table.
func rpcServer(t *testing.T, handlers map[string]func(params []json.RawMessage) (any, *RPCError)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     uint64            `json:"id"`
			Method string            `json:"method"`
			Params []json.RawMessage `json:"params"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		h, ok := handlers[req.Method]
		if !ok {
			t.Errorf("unexpected method %s", req.Method)
			return
		}
		result, rpcErr := h(req.Params)
		resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
		if rpcErr != nil {
			resp["error"] = rpcErr
		} else {
			resp["result"] = result
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

func TestRPCGetObject(t *testing.T) {
	srv := rpcServer(t, map[string]func([]json.RawMessage) (any, *RPCError){
		"sui_getObject": func(params []json.RawMessage) (any, *RPCError) {
			var id string
			_ = json.Unmarshal(params[0], &id)
			switch id {
			case codec.NormalizeAddress("0xc0"):
				return json.RawMessage(`{"data":{"objectId":"0xc0","version":"12","digest":"D1",
					"type":"0x2::coin::Coin<0xabc::token::TOKEN>",
					"owner":{"AddressOwner":"` + seller + `"},
					"content":{"dataType":"moveObject","fields":{"balance":"500","id":{"id":"0xc0"}}}}}`), nil
			case codec.NormalizeAddress("0x6"):
				return json.RawMessage(`{"data":{"objectId":"0x6","version":"1","digest":"D2","type":"0x2::clock::Clock",
					"owner":{"Shared":{"initial_shared_version":1}}}}`), nil
			default:
				return json.RawMessage(`{"error":{"code":"notExists"}}`), nil
			}
		},
	})
	defer srv.Close()
	c := NewRPCClient(srv.URL, time.Second)

	coin, err := c.GetObject(context.Background(), "0xc0")
	require.NoError(t, err)
	assert.Equal(t, domain.OwnerAddress, coin.Owner.Kind)
	assert.Equal(t, seller, coin.Owner.Address)
	require.NotNil(t, coin.CoinBalance)
	assert.Equal(t, uint64(500), *coin.CoinBalance)
	assert.Equal(t, uint64(12), coin.Ref.Version)

	clock, err := c.GetObject(context.Background(), "0x6")
	require.NoError(t, err)
	assert.Equal(t, domain.OwnerShared, clock.Owner.Kind)
	assert.Equal(t, uint64(1), clock.Owner.InitialSharedVersion)
	assert.Nil(t, clock.CoinBalance)

	_, err = c.GetObject(context.Background(), "0x99")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRPCBalancesAndCoins(t *testing.T) {
	srv := rpcServer(t, map[string]func([]json.RawMessage) (any, *RPCError){
		"suix_getBalance": func([]json.RawMessage) (any, *RPCError) {
			return map[string]any{"coinType": SuiCoinType, "totalBalance": "1500"}, nil
		},
		"suix_getReferenceGasPrice": func([]json.RawMessage) (any, *RPCError) {
			return "750", nil
		},
		"suix_getCoins": func(params []json.RawMessage) (any, *RPCError) {
			if string(params[2]) == "null" {
				return map[string]any{
					"data":        []map[string]any{{"coinType": SuiCoinType, "coinObjectId": "0xa1", "version": "3", "digest": "d1", "balance": "1000"}},
					"nextCursor":  "next",
					"hasNextPage": true,
				}, nil
			}
			return map[string]any{
				"data":        []map[string]any{{"coinType": SuiCoinType, "coinObjectId": "0xa2", "version": "4", "digest": "d2", "balance": "500"}},
				"nextCursor":  nil,
				"hasNextPage": false,
			}, nil
		},
	})
	defer srv.Close()
	c := NewRPCClient(srv.URL, time.Second)
	ctx := context.Background()

	bal, err := c.GetBalance(ctx, seller, SuiCoinType)
	require.NoError(t, err)
	assert.Equal(t, uint64(1500), bal)

	price, err := c.GetReferenceGasPrice(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(750), price)

	coins, err := c.GetCoins(ctx, seller, SuiCoinType)
	require.NoError(t, err)
	require.Len(t, coins, 2)
	assert.Equal(t, codec.NormalizeAddress("0xa2"), coins[1].Ref.ObjectID)
	assert.Equal(t, uint64(500), coins[1].Balance)
}

func TestRPCExecuteAndStatus(t *testing.T) {
	srv := rpcServer(t, map[string]func([]json.RawMessage) (any, *RPCError){
		"sui_executeTransactionBlock": func(params []json.RawMessage) (any, *RPCError) {
			var tx string
			_ = json.Unmarshal(params[0], &tx)
			if tx == base64.StdEncoding.EncodeToString([]byte("bad")) {
				return nil, &RPCError{Code: -32002, Message: "Transaction validator signing failed"}
			}
			return map[string]any{"digest": "DIGEST1"}, nil
		},
		"sui_getTransactionBlock": func(params []json.RawMessage) (any, *RPCError) {
			var digest string
			_ = json.Unmarshal(params[0], &digest)
			switch digest {
			case "DIGEST1":
				return json.RawMessage(`{"digest":"DIGEST1","checkpoint":"42","effects":{
					"status":{"status":"success"},
					"created":[{"reference":{"objectId":"0x5"}}],
					"mutated":[{"reference":{"objectId":"0x6"}}]}}`), nil
			case "FAILED":
				return json.RawMessage(`{"digest":"FAILED","effects":{"status":{"status":"failure","error":"MoveAbort(3)"}}}`), nil
			default:
				return nil, &RPCError{Code: -32602, Message: "Could not find the referenced transaction"}
			}
		},
	})
	defer srv.Close()
	c := NewRPCClient(srv.URL, time.Second)
	ctx := context.Background()

	digest, err := c.ExecuteTransaction(ctx, []byte("tx"), []string{"sig"})
	require.NoError(t, err)
	assert.Equal(t, "DIGEST1", digest)

	_, err = c.ExecuteTransaction(ctx, []byte("bad"), []string{"sig"})
	assert.ErrorIs(t, err, domain.ErrSubmission)

	st, err := c.GetTransactionStatus(ctx, "DIGEST1")
	require.NoError(t, err)
	assert.Equal(t, domain.TxSuccess, st.State)
	assert.Equal(t, uint64(42), st.Checkpoint)
	assert.Len(t, st.ChangedObjects, 2)

	st, err = c.GetTransactionStatus(ctx, "FAILED")
	require.NoError(t, err)
	assert.Equal(t, domain.TxFailure, st.State)
	assert.Equal(t, "MoveAbort(3)", st.Error)

	st, err = c.GetTransactionStatus(ctx, "UNKNOWN")
	require.NoError(t, err)
	assert.Equal(t, domain.TxPending, st.State)
}

func TestFaucet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req faucetRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req.FixedAmountRequest.Recipient == seller {
			io.WriteString(w, `{"transferredGasObjects":[{"amount":1000,"id":"0x1","transferTxDigest":"FUND1"}],"error":null}`)
			return
		}
		io.WriteString(w, `{"transferredGasObjects":[],"error":"rate limited"}`)
	}))
	defer srv.Close()
	f := NewFaucetClient(srv.URL, time.Second)

	digest, err := f.RequestGas(context.Background(), seller)
	require.NoError(t, err)
	assert.Equal(t, "FUND1", digest)

	_, err = f.RequestGas(context.Background(), "0x2")
	assert.ErrorContains(t, err, "rate limited")
}

func TestEventStream(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var sub subscribeRequest
		if err := conn.ReadJSON(&sub); err != nil {
			return
		}
		assert.Equal(t, "suix_subscribeEvent", sub.Method)
		_ = conn.WriteJSON(map[string]any{"jsonrpc": "2.0", "id": 1, "result": 99})
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"jsonrpc":"2.0","method":"suix_subscribeEvent","params":{"subscription":99,"result":{
			"id":{"txDigest":"TX1","eventSeq":"0"},"sender":"`+seller+`",
			"type":"0xpkg::marketplace::OrderCreated",
			"parsedJson":{"order_id":"0x22","listing_id":"0x11"},
			"timestampMs":"1700000000000"}}}`))
		// hold the connection until the client goes away
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	got := make(chan domain.LedgerEvent, 1)
	done := make(chan error, 1)
	stream := NewEventStream("ws"+strings.TrimPrefix(srv.URL, "http"), "0xpkg", "marketplace", quietLogger())
	go func() {
		done <- stream.Run(ctx, func(_ context.Context, ev domain.LedgerEvent) { got <- ev })
	}()

	select {
	case ev := <-got:
		assert.Equal(t, "TX1", ev.TxDigest)
		assert.Equal(t, "OrderCreated", EventName(ev.EventType))
		assert.Equal(t, codec.NormalizeAddress("0x22"), ev.ObjectID)
		assert.Equal(t, time.UnixMilli(1_700_000_000_000).UTC(), ev.Timestamp)
	case <-time.After(5 * time.Second):
		t.Fatal("no event received")
	}
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
