package sui

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/p2pescrow/internal/codec"
	"github.com/alanyoungcy/p2pescrow/internal/domain"
)

// SuiCoinType is the native gas coin type.
const SuiCoinType = "0x2::sui::SUI"

// RPCClient is a JSON-RPC client for the fullnode write and object APIs.
type RPCClient struct {
	rpcURL     string
	httpClient *http.Client
	nextID     atomic.Uint64
}

// NewRPCClient creates a fullnode JSON-RPC client.
func NewRPCClient(rpcURL string, timeout time.Duration) *RPCClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &RPCClient{
		rpcURL:     rpcURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// RPCError is an error object returned by the fullnode.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// call performs one JSON-RPC request and decodes the result into out.
func (c *RPCClient) call(ctx context.Context, method string, params []any, out any) error {
	if params == nil {
		params = []any{}
	}
	jsonBody, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(jsonBody))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(rpcResp.Result, out); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}

// --------------------------------------------------------------------------
// Object resolution
// --------------------------------------------------------------------------

type objectResponse struct {
	Data *struct {
		ObjectID string          `json:"objectId"`
		Version  string          `json:"version"`
		Digest   string          `json:"digest"`
		Type     string          `json:"type"`
		Owner    json.RawMessage `json:"owner"`
		Content  *struct {
			Fields map[string]json.RawMessage `json:"fields"`
		} `json:"content"`
	} `json:"data"`
	Error *struct {
		Code string `json:"code"`
	} `json:"error"`
}

// GetObject resolves the current reference, owner and type of an object.
// A missing or deleted object yields domain.ErrNotFound.
func (c *RPCClient) GetObject(ctx context.Context, id string) (domain.ObjectInfo, error) {
	opts := map[string]bool{"showOwner": true, "showType": true, "showContent": true}
	var resp objectResponse
	if err := c.call(ctx, "sui_getObject", []any{codec.NormalizeAddress(id), opts}, &resp); err != nil {
		return domain.ObjectInfo{}, fmt.Errorf("sui/rpc: get object %s: %w", id, err)
	}
	if resp.Data == nil {
		code := "unknown"
		if resp.Error != nil {
			code = resp.Error.Code
		}
		return domain.ObjectInfo{}, fmt.Errorf("sui/rpc: get object %s (%s): %w", id, code, domain.ErrNotFound)
	}

	version, err := strconv.ParseUint(resp.Data.Version, 10, 64)
	if err != nil {
		return domain.ObjectInfo{}, fmt.Errorf("sui/rpc: object %s version %q: %w", id, resp.Data.Version, domain.ErrDecode)
	}
	owner, err := parseOwner(resp.Data.Owner)
	if err != nil {
		return domain.ObjectInfo{}, fmt.Errorf("sui/rpc: object %s: %w", id, err)
	}
	info := domain.ObjectInfo{
		Ref: domain.ObjectRef{
			ObjectID: codec.NormalizeAddress(resp.Data.ObjectID),
			Version:  version,
			Digest:   resp.Data.Digest,
		},
		Owner: owner,
		Type:  resp.Data.Type,
	}
	if strings.HasPrefix(resp.Data.Type, "0x2::coin::Coin<") && resp.Data.Content != nil {
		if raw, ok := resp.Data.Content.Fields["balance"]; ok {
			var s string
			if err := json.Unmarshal(raw, &s); err == nil {
				if bal, err := strconv.ParseUint(s, 10, 64); err == nil {
					info.CoinBalance = &bal
				}
			}
		}
	}
	return info, nil
}

// parseOwner decodes the fullnode owner encoding, which is either the
// string "Immutable" or a single-key object.
func parseOwner(raw json.RawMessage) (domain.Owner, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "Immutable" {
			return domain.Owner{Kind: domain.OwnerImmutable}, nil
		}
		return domain.Owner{}, fmt.Errorf("owner %q: %w", s, domain.ErrDecode)
	}
	var o struct {
		AddressOwner *string `json:"AddressOwner"`
		ObjectOwner  *string `json:"ObjectOwner"`
		Shared       *struct {
			InitialSharedVersion json.Number `json:"initial_shared_version"`
		} `json:"Shared"`
	}
	if err := json.Unmarshal(raw, &o); err != nil {
		return domain.Owner{}, fmt.Errorf("owner: %v: %w", err, domain.ErrDecode)
	}
	switch {
	case o.AddressOwner != nil:
		return domain.Owner{Kind: domain.OwnerAddress, Address: codec.NormalizeAddress(*o.AddressOwner)}, nil
	case o.ObjectOwner != nil:
		return domain.Owner{Kind: domain.OwnerObject, Address: codec.NormalizeAddress(*o.ObjectOwner)}, nil
	case o.Shared != nil:
		v, err := strconv.ParseUint(o.Shared.InitialSharedVersion.String(), 10, 64)
		if err != nil {
			return domain.Owner{}, fmt.Errorf("shared owner version: %w", domain.ErrDecode)
		}
		return domain.Owner{Kind: domain.OwnerShared, InitialSharedVersion: v}, nil
	default:
		return domain.Owner{}, fmt.Errorf("owner %s: %w", string(raw), domain.ErrDecode)
	}
}

// --------------------------------------------------------------------------
// Balances and coins
// --------------------------------------------------------------------------

// GetBalance returns the total balance of coinType held by owner.
func (c *RPCClient) GetBalance(ctx context.Context, owner, coinType string) (uint64, error) {
	var resp struct {
		TotalBalance string `json:"totalBalance"`
	}
	if err := c.call(ctx, "suix_getBalance", []any{codec.NormalizeAddress(owner), coinType}, &resp); err != nil {
		return 0, fmt.Errorf("sui/rpc: get balance: %w", err)
	}
	bal, err := strconv.ParseUint(resp.TotalBalance, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("sui/rpc: balance %q: %w", resp.TotalBalance, domain.ErrDecode)
	}
	return bal, nil
}

// GetCoins lists every coin object of coinType owned by owner.
func (c *RPCClient) GetCoins(ctx context.Context, owner, coinType string) ([]domain.Coin, error) {
	var coins []domain.Coin
	var cursor any
	for {
		var resp struct {
			Data []struct {
				CoinType     string `json:"coinType"`
				CoinObjectID string `json:"coinObjectId"`
				Version      string `json:"version"`
				Digest       string `json:"digest"`
				Balance      string `json:"balance"`
			} `json:"data"`
			NextCursor  *string `json:"nextCursor"`
			HasNextPage bool    `json:"hasNextPage"`
		}
		params := []any{codec.NormalizeAddress(owner), coinType, cursor, 50}
		if err := c.call(ctx, "suix_getCoins", params, &resp); err != nil {
			return nil, fmt.Errorf("sui/rpc: get coins: %w", err)
		}
		for _, d := range resp.Data {
			version, err := strconv.ParseUint(d.Version, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("sui/rpc: coin %s version: %w", d.CoinObjectID, domain.ErrDecode)
			}
			bal, err := strconv.ParseUint(d.Balance, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("sui/rpc: coin %s balance: %w", d.CoinObjectID, domain.ErrDecode)
			}
			coins = append(coins, domain.Coin{
				Ref: domain.ObjectRef{
					ObjectID: codec.NormalizeAddress(d.CoinObjectID),
					Version:  version,
					Digest:   d.Digest,
				},
				CoinType: d.CoinType,
				Balance:  bal,
			})
		}
		if !resp.HasNextPage || resp.NextCursor == nil {
			return coins, nil
		}
		cursor = *resp.NextCursor
	}
}

// GetReferenceGasPrice returns the current epoch's reference gas price.
func (c *RPCClient) GetReferenceGasPrice(ctx context.Context) (uint64, error) {
	var raw json.Number
	if err := c.call(ctx, "suix_getReferenceGasPrice", nil, &raw); err != nil {
		return 0, fmt.Errorf("sui/rpc: reference gas price: %w", err)
	}
	price, err := strconv.ParseUint(raw.String(), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("sui/rpc: reference gas price %q: %w", raw, domain.ErrDecode)
	}
	return price, nil
}

// --------------------------------------------------------------------------
// Execution and finality
// --------------------------------------------------------------------------

// ExecuteTransaction broadcasts signed transaction bytes and returns the
// digest once the fullnode accepts them. Rejection wraps
// domain.ErrSubmission.
func (c *RPCClient) ExecuteTransaction(ctx context.Context, txBytes []byte, signatures []string) (string, error) {
	var resp struct {
		Digest string `json:"digest"`
	}
	params := []any{
		base64.StdEncoding.EncodeToString(txBytes),
		signatures,
		map[string]bool{"showEffects": false},
		"WaitForEffectsCert",
	}
	if err := c.call(ctx, "sui_executeTransactionBlock", params, &resp); err != nil {
		return "", fmt.Errorf("sui/rpc: execute: %v: %w", err, domain.ErrSubmission)
	}
	if resp.Digest == "" {
		return "", fmt.Errorf("sui/rpc: execute: empty digest: %w", domain.ErrSubmission)
	}
	return resp.Digest, nil
}

type effectsJSON struct {
	Status struct {
		Status string `json:"status"`
		Error  string `json:"error"`
	} `json:"status"`
	Created []struct {
		Reference struct {
			ObjectID string `json:"objectId"`
		} `json:"reference"`
	} `json:"created"`
	Mutated []struct {
		Reference struct {
			ObjectID string `json:"objectId"`
		} `json:"reference"`
	} `json:"mutated"`
}

// GetTransactionStatus looks up the effects of a transaction. A digest the
// fullnode does not know yet is reported as domain.TxPending.
func (c *RPCClient) GetTransactionStatus(ctx context.Context, digest string) (domain.TxStatus, error) {
	var resp struct {
		Digest     string       `json:"digest"`
		Checkpoint string       `json:"checkpoint"`
		Effects    *effectsJSON `json:"effects"`
	}
	err := c.call(ctx, "sui_getTransactionBlock", []any{digest, map[string]bool{"showEffects": true}}, &resp)
	if err != nil {
		if isNotFound(err) {
			return domain.TxStatus{Digest: digest, State: domain.TxPending}, nil
		}
		return domain.TxStatus{}, fmt.Errorf("sui/rpc: transaction %s: %w", digest, err)
	}
	if resp.Effects == nil {
		return domain.TxStatus{Digest: digest, State: domain.TxPending}, nil
	}

	status := domain.TxStatus{Digest: digest, Error: resp.Effects.Status.Error}
	status.Checkpoint, _ = strconv.ParseUint(resp.Checkpoint, 10, 64)
	switch resp.Effects.Status.Status {
	case "success":
		status.State = domain.TxSuccess
	case "failure":
		status.State = domain.TxFailure
	default:
		status.State = domain.TxPending
	}
	for _, o := range resp.Effects.Created {
		status.ChangedObjects = append(status.ChangedObjects, codec.NormalizeAddress(o.Reference.ObjectID))
	}
	for _, o := range resp.Effects.Mutated {
		status.ChangedObjects = append(status.ChangedObjects, codec.NormalizeAddress(o.Reference.ObjectID))
	}
	return status, nil
}

func isNotFound(err error) bool {
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		return false
	}
	msg := strings.ToLower(rpcErr.Message)
	return strings.Contains(msg, "could not find") || strings.Contains(msg, "not found")
}
