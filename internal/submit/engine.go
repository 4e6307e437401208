// Package submit signs, broadcasts and confirms built transactions. Every
// submission resolves to either a digest or an error; nothing is retried.
package submit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/p2pescrow/internal/codec"
	"github.com/alanyoungcy/p2pescrow/internal/domain"
	"github.com/alanyoungcy/p2pescrow/internal/metrics"
	"github.com/alanyoungcy/p2pescrow/internal/txbuilder"
)

// Ledger is the write side of the ledger RPC.
type Ledger interface {
	GetBalance(ctx context.Context, owner, coinType string) (uint64, error)
	GetCoins(ctx context.Context, owner, coinType string) ([]domain.Coin, error)
	GetReferenceGasPrice(ctx context.Context) (uint64, error)
	ExecuteTransaction(ctx context.Context, txBytes []byte, signatures []string) (string, error)
	GetTransactionStatus(ctx context.Context, digest string) (domain.TxStatus, error)
}

// Faucet tops up a fee balance.
type Faucet interface {
	RequestGas(ctx context.Context, recipient string) (string, error)
}

// Signer provides the sending address and signs transaction bytes.
type Signer interface {
	Address() string
	SignTransaction(txBytes []byte) (string, error)
}

// Config tunes the engine.
type Config struct {
	MinBalance      uint64        // fee balance below which the faucet is asked
	PollInterval    time.Duration // finality poll period
	FinalityTimeout time.Duration // bound on the finality wait
	FaucetTimeout   time.Duration // bound on waiting for a top-up to land
	LockTTL         time.Duration // distributed signer lock lifetime
	MaxGasCoins     int           // payment objects attached per transaction
}

func (c *Config) setDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.FinalityTimeout <= 0 {
		c.FinalityTimeout = 60 * time.Second
	}
	if c.FaucetTimeout <= 0 {
		c.FaucetTimeout = 30 * time.Second
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 2 * time.Minute
	}
	if c.MaxGasCoins <= 0 {
		c.MaxGasCoins = 255
	}
}

// Callbacks are the presentation hooks of a submission. Any may be nil.
type Callbacks struct {
	OnLoading func(loading bool)
	OnSuccess func(digest string)
	OnError   func(err error)
}

// Option configures optional collaborators.
type Option func(*Engine)

// WithFaucet enables fee top-ups.
func WithFaucet(f Faucet) Option { return func(e *Engine) { e.faucet = f } }

// WithLocker serializes writes per signer across processes.
func WithLocker(l domain.LockManager) Option { return func(e *Engine) { e.locks = l } }

// WithAudit records every outcome.
func WithAudit(a domain.AuditStore) Option { return func(e *Engine) { e.audit = a } }

// WithBus publishes every outcome on domain.ChannelSubmissions.
func WithBus(b domain.EventBus) Option { return func(e *Engine) { e.bus = b } }

// Engine is the submission and confirmation engine.
type Engine struct {
	ledger Ledger
	signer Signer
	faucet Faucet
	locks  domain.LockManager
	audit  domain.AuditStore
	bus    domain.EventBus
	cfg    Config
	logger *slog.Logger

	queue    *signerQueue
	inflight *inflight
}

// New creates an Engine submitting as signer.
func New(ledger Ledger, signer Signer, cfg Config, logger *slog.Logger, opts ...Option) *Engine {
	cfg.setDefaults()
	e := &Engine{
		ledger:   ledger,
		signer:   signer,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "submit")),
		queue:    newSignerQueue(),
		inflight: newInflight(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Sender returns the address transactions are sent from.
func (e *Engine) Sender() string { return e.signer.Address() }

// Submit runs Execute and reports the outcome through cb. It returns the
// digest on success and "" when the operation did not take effect.
func (e *Engine) Submit(ctx context.Context, tx *txbuilder.Transaction, cb Callbacks) string {
	if cb.OnLoading != nil {
		cb.OnLoading(true)
		defer cb.OnLoading(false)
	}
	digest, err := e.Execute(ctx, tx)
	if err != nil {
		if cb.OnError != nil {
			cb.OnError(err)
		}
		return ""
	}
	if cb.OnSuccess != nil {
		cb.OnSuccess(digest)
	}
	return digest
}

// Execute tops up fees if needed, signs, broadcasts and waits for finality.
func (e *Engine) Execute(ctx context.Context, tx *txbuilder.Transaction) (digest string, err error) {
	if tx == nil {
		return "", fmt.Errorf("submit: nil transaction: %w", domain.ErrInvalidArgument)
	}
	sender := e.signer.Address()
	if tx.Sender != "" && !codec.SameAddress(tx.Sender, sender) {
		return "", fmt.Errorf("submit: transaction built for %s, signer is %s: %w", tx.Sender, sender, domain.ErrInvalidArgument)
	}
	tx.Sender = sender

	key := fmt.Sprintf("%s|%s|%s", sender, tx.Operation, tx.Target)
	if !e.inflight.Begin(key) {
		return "", fmt.Errorf("submit: %s on %s already in flight: %w", tx.Operation, tx.Target, domain.ErrDuplicateSubmission)
	}
	defer e.inflight.End(key)

	opID := uuid.NewString()
	start := time.Now()
	defer func() { e.record(ctx, opID, tx, digest, err, time.Since(start)) }()

	release, qerr := e.queue.Lock(ctx, sender)
	if qerr != nil {
		return "", fmt.Errorf("submit: waiting for signer queue: %w", qerr)
	}
	defer release()
	if e.locks != nil {
		unlock, lerr := e.locks.Acquire(ctx, "submit:"+sender, e.cfg.LockTTL)
		if lerr != nil {
			return "", fmt.Errorf("submit: signer lock: %w", lerr)
		}
		defer unlock()
	}

	e.ensureFee(ctx, sender)

	gas, err := e.selectGas(ctx, tx)
	if err != nil {
		return "", err
	}
	raw, err := tx.Data(gas).Marshal()
	if err != nil {
		return "", fmt.Errorf("submit: %w", err)
	}
	sig, err := e.signer.SignTransaction(raw)
	if err != nil {
		return "", fmt.Errorf("submit: sign: %w", err)
	}

	digest, err = e.ledger.ExecuteTransaction(ctx, raw, []string{sig})
	if err != nil {
		if !errors.Is(err, domain.ErrSubmission) {
			err = fmt.Errorf("%w: %w", domain.ErrSubmission, err)
		}
		return "", fmt.Errorf("submit: broadcast %s: %w", tx.Operation, err)
	}
	if want := txbuilder.Digest(raw); digest != want {
		e.logger.WarnContext(ctx, "ledger reported unexpected digest",
			slog.String("digest", digest), slog.String("expected", want))
	}
	e.logger.InfoContext(ctx, "transaction accepted",
		slog.String("op_id", opID),
		slog.String("operation", string(tx.Operation)),
		slog.String("digest", digest),
	)

	if _, err := e.awaitFinality(ctx, digest, e.cfg.FinalityTimeout); err != nil {
		if errors.Is(err, domain.ErrTimeout) {
			e.logger.WarnContext(ctx, "finality wait abandoned; ledger may still execute",
				slog.String("digest", digest))
		}
		return "", err
	}
	return digest, nil
}

// ensureFee asks the faucet for gas when the fee balance is below the
// threshold. Failures are logged and the submission goes ahead.
func (e *Engine) ensureFee(ctx context.Context, sender string) {
	if e.faucet == nil || e.cfg.MinBalance == 0 {
		return
	}
	balance, err := e.ledger.GetBalance(ctx, sender, txbuilder.GasCoinType)
	if err != nil {
		e.logger.WarnContext(ctx, "fee balance lookup failed", slog.String("error", err.Error()))
		return
	}
	if balance >= e.cfg.MinBalance {
		return
	}
	e.logger.InfoContext(ctx, "fee balance below threshold, requesting top-up",
		slog.Uint64("balance", balance), slog.Uint64("threshold", e.cfg.MinBalance))
	digest, err := e.faucet.RequestGas(ctx, sender)
	if err != nil {
		e.logger.WarnContext(ctx, "fee top-up failed", slog.String("error", err.Error()))
		return
	}
	if digest == "" {
		return
	}
	if _, err := e.awaitFinality(ctx, digest, e.cfg.FaucetTimeout); err != nil {
		e.logger.WarnContext(ctx, "fee top-up not confirmed",
			slog.String("digest", digest), slog.String("error", err.Error()))
	}
}

// selectGas picks the largest fee coins not already used as inputs until
// they cover the budget.
func (e *Engine) selectGas(ctx context.Context, tx *txbuilder.Transaction) (txbuilder.GasData, error) {
	coins, err := e.ledger.GetCoins(ctx, tx.Sender, txbuilder.GasCoinType)
	if err != nil {
		return txbuilder.GasData{}, fmt.Errorf("submit: list gas coins: %w", err)
	}
	used := make(map[string]bool, len(tx.InputCoins))
	for _, id := range tx.InputCoins {
		used[id] = true
	}
	var candidates []domain.Coin
	for _, c := range coins {
		if !used[c.Ref.ObjectID] && c.Balance > 0 {
			candidates = append(candidates, c)
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Balance > candidates[j].Balance })

	var (
		payment []domain.ObjectRef
		total   uint64
	)
	for _, c := range candidates {
		if total >= tx.GasBudget || len(payment) == e.cfg.MaxGasCoins {
			break
		}
		payment = append(payment, c.Ref)
		total += c.Balance
	}
	if len(payment) == 0 || total < tx.GasBudget {
		return txbuilder.GasData{}, fmt.Errorf("submit: gas coins hold %d, budget %d: %w",
			total, tx.GasBudget, domain.ErrInsufficientFee)
	}

	price, err := e.ledger.GetReferenceGasPrice(ctx)
	if err != nil {
		return txbuilder.GasData{}, fmt.Errorf("submit: gas price: %w", err)
	}
	return txbuilder.GasData{Payment: payment, Owner: tx.Sender, Price: price, Budget: tx.GasBudget}, nil
}

// awaitFinality polls the effects of digest until they are final or the
// bound expires. Lookup errors are treated as not yet indexed.
func (e *Engine) awaitFinality(ctx context.Context, digest string, bound time.Duration) (domain.TxStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, bound)
	defer cancel()

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()
	for {
		st, err := e.ledger.GetTransactionStatus(ctx, digest)
		switch {
		case err != nil:
			e.logger.DebugContext(ctx, "effects lookup failed", slog.String("digest", digest), slog.String("error", err.Error()))
		case st.State == domain.TxSuccess:
			return st, nil
		case st.State == domain.TxFailure:
			return st, fmt.Errorf("submit: transaction %s failed: %s: %w", digest, st.Error, domain.ErrFinality)
		}

		select {
		case <-ctx.Done():
			return domain.TxStatus{}, fmt.Errorf("submit: finality of %s: %w: %w", digest, domain.ErrTimeout, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (e *Engine) record(ctx context.Context, opID string, tx *txbuilder.Transaction, digest string, err error, took time.Duration) {
	status := "success"
	detail := map[string]any{
		"op_id":       opID,
		"operation":   string(tx.Operation),
		"target":      tx.Target,
		"sender":      tx.Sender,
		"digest":      digest,
		"duration_ms": took.Milliseconds(),
	}
	if err != nil {
		status = "failure"
		detail["error"] = err.Error()
		e.logger.WarnContext(ctx, "submission failed",
			slog.String("op_id", opID),
			slog.String("operation", string(tx.Operation)),
			slog.String("target", tx.Target),
			slog.String("error", err.Error()),
		)
	}
	detail["status"] = status
	metrics.ObserveSubmission(string(tx.Operation), status, took)

	ctx = context.WithoutCancel(ctx)
	if e.audit != nil {
		if aerr := e.audit.Log(ctx, "submission", detail); aerr != nil {
			e.logger.WarnContext(ctx, "audit log failed", slog.String("error", aerr.Error()))
		}
	}
	if e.bus != nil {
		payload, _ := json.Marshal(detail)
		if berr := e.bus.Publish(ctx, domain.ChannelSubmissions, payload); berr != nil {
			e.logger.WarnContext(ctx, "publish submission outcome failed", slog.String("error", berr.Error()))
		}
	}
}
