package sui

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/alanyoungcy/p2pescrow/internal/codec"
)

// FaucetClient requests gas top-ups for an address.
type FaucetClient struct {
	faucetURL  string
	httpClient *http.Client
}

// NewFaucetClient creates a faucet client for the given endpoint, e.g.
// "https://faucet.testnet.sui.io/v2/gas".
func NewFaucetClient(faucetURL string, timeout time.Duration) *FaucetClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &FaucetClient{
		faucetURL:  faucetURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type faucetRequest struct {
	FixedAmountRequest struct {
		Recipient string `json:"recipient"`
	} `json:"FixedAmountRequest"`
}

type faucetCoin struct {
	Amount           uint64 `json:"amount"`
	ID               string `json:"id"`
	TransferTxDigest string `json:"transferTxDigest"`
}

// faucetResponse covers both the legacy and the current response bodies.
type faucetResponse struct {
	TransferredGasObjects []faucetCoin `json:"transferredGasObjects"`
	CoinsSent             []faucetCoin `json:"coins_sent"`
	Error                 *string      `json:"error"`
}

// RequestGas asks the faucet to fund recipient and returns the digest of the
// funding transfer.
func (f *FaucetClient) RequestGas(ctx context.Context, recipient string) (string, error) {
	var body faucetRequest
	body.FixedAmountRequest.Recipient = codec.NormalizeAddress(recipient)
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("sui/faucet: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.faucetURL, bytes.NewReader(jsonBody))
	if err != nil {
		return "", fmt.Errorf("sui/faucet: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("sui/faucet: http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("sui/faucet: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("sui/faucet: HTTP %d: %s", resp.StatusCode, string(respBody))
	}

	var out faucetResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", fmt.Errorf("sui/faucet: decode response: %w", err)
	}
	if out.Error != nil && *out.Error != "" {
		return "", fmt.Errorf("sui/faucet: %s", *out.Error)
	}
	coins := out.TransferredGasObjects
	if len(coins) == 0 {
		coins = out.CoinsSent
	}
	if len(coins) == 0 || coins[0].TransferTxDigest == "" {
		return "", fmt.Errorf("sui/faucet: no transfer in response: %s", string(respBody))
	}
	return coins[0].TransferTxDigest, nil
}
