// Package txbuilder constructs unsigned programmable transactions for the
// marketplace contract. It never signs or submits.
package txbuilder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alanyoungcy/p2pescrow/internal/codec"
	"github.com/alanyoungcy/p2pescrow/internal/domain"
	"github.com/alanyoungcy/p2pescrow/internal/market"
)

const (
	// GasCoinType is the coin type that pays for execution.
	GasCoinType = "0x2::sui::SUI"

	// ClockObjectID is the shared system clock.
	ClockObjectID = "0x6"

	// DefaultGasBudget is the fixed budget attached to every call.
	DefaultGasBudget uint64 = 100_000_000

	// DefaultMaxMetadataBytes bounds encoded metadata and free text so a
	// call stays within the fixed budget.
	DefaultMaxMetadataBytes = 4096

	defaultModule = "marketplace"
)

// ObjectResolver answers the pre-flight lookups the builder performs.
type ObjectResolver interface {
	GetObject(ctx context.Context, id string) (domain.ObjectInfo, error)
	GetCoins(ctx context.Context, owner, coinType string) ([]domain.Coin, error)
}

// Config identifies the deployed contract and the builder limits.
type Config struct {
	PackageID        string
	MarketplaceID    string
	Module           string
	CoinType         string // token escrowed by listings
	GasBudget        uint64
	MaxMetadataBytes int
}

// Transaction is an unsigned programmable transaction plus what the
// submission engine needs to finish it.
type Transaction struct {
	Operation market.Action
	Target    string // object acted on; the token coin for create_listing
	Sender    string
	Kind      Programmable
	GasBudget uint64
	// InputCoins are owned coins spent as inputs; they cannot also pay gas.
	InputCoins []string
}

// Data completes the transaction with gas selection.
func (t *Transaction) Data(gas GasData) TransactionData {
	if gas.Owner == "" {
		gas.Owner = t.Sender
	}
	if gas.Budget == 0 {
		gas.Budget = t.GasBudget
	}
	return TransactionData{Kind: t.Kind, Sender: t.Sender, Gas: gas}
}

// Builder builds one transaction per marketplace operation.
type Builder struct {
	cfg      Config
	resolver ObjectResolver
	coinTag  TypeTag
	coinObj  string // expected type of the listed coin object

	mu     sync.Mutex
	shared map[string]uint64 // initial shared versions never change
}

// New validates cfg and returns a Builder.
func New(cfg Config, resolver ObjectResolver) (*Builder, error) {
	if cfg.Module == "" {
		cfg.Module = defaultModule
	}
	if cfg.GasBudget == 0 {
		cfg.GasBudget = DefaultGasBudget
	}
	if cfg.MaxMetadataBytes <= 0 {
		cfg.MaxMetadataBytes = DefaultMaxMetadataBytes
	}
	if _, err := codec.ParseAddress(cfg.PackageID); err != nil {
		return nil, fmt.Errorf("txbuilder: package id: %w", err)
	}
	if _, err := codec.ParseAddress(cfg.MarketplaceID); err != nil {
		return nil, fmt.Errorf("txbuilder: marketplace id: %w", err)
	}
	coinTag, err := ParseTypeTag(cfg.CoinType)
	if err != nil {
		return nil, err
	}
	coinObj, err := ParseTypeTag("0x2::coin::Coin<" + cfg.CoinType + ">")
	if err != nil {
		return nil, err
	}
	return &Builder{
		cfg:      cfg,
		resolver: resolver,
		coinTag:  coinTag,
		coinObj:  coinObj.String(),
		shared:   map[string]uint64{codec.NormalizeAddress(ClockObjectID): 1},
	}, nil
}

// GasBudget returns the fixed budget attached to every transaction.
func (b *Builder) GasBudget() uint64 { return b.cfg.GasBudget }

// CreateListing escrows amount units of tokenObject in a new listing. The
// sender must own tokenObject; a coin holding more than amount is split.
func (b *Builder) CreateListing(ctx context.Context, sender, tokenObject string, amount, price uint64, expiresIn time.Duration, md domain.Metadata) (*Transaction, error) {
	if amount == 0 || price == 0 {
		return nil, fmt.Errorf("txbuilder: create listing: amount and price must be positive: %w", domain.ErrInvalidArgument)
	}
	secs := uint64(expiresIn / time.Second)
	if secs == 0 {
		return nil, fmt.Errorf("txbuilder: create listing: expiry must be at least one second: %w", domain.ErrInvalidArgument)
	}
	keys, values, err := b.metadataArgs(md)
	if err != nil {
		return nil, fmt.Errorf("txbuilder: create listing: %w", err)
	}

	info, err := b.resolver.GetObject(ctx, tokenObject)
	if err != nil {
		return nil, fmt.Errorf("txbuilder: create listing: resolve token: %w", err)
	}
	if info.Owner.Kind != domain.OwnerAddress || !codec.SameAddress(info.Owner.Address, sender) {
		return nil, fmt.Errorf("txbuilder: create listing: token %s owned by %s: %w",
			tokenObject, info.Owner.Address, domain.ErrOwnership)
	}
	if t, err := ParseTypeTag(info.Type); err != nil || t.String() != b.coinObj || info.CoinBalance == nil {
		return nil, fmt.Errorf("txbuilder: create listing: object %s is %q, want %s: %w",
			tokenObject, info.Type, b.coinObj, domain.ErrInvalidArgument)
	}
	if *info.CoinBalance < amount {
		return nil, fmt.Errorf("txbuilder: create listing: coin holds %d, need %d: %w",
			*info.CoinBalance, amount, domain.ErrInvalidArgument)
	}

	p := &ptb{}
	mkt, err := b.sharedArg(ctx, p, b.cfg.MarketplaceID, true)
	if err != nil {
		return nil, err
	}
	coin := p.object(ObjectArg{Kind: ObjImmOrOwned, Ref: info.Ref})
	if *info.CoinBalance > amount {
		split := p.command(Command{
			Kind:    CmdSplitCoins,
			Target:  coin,
			Sources: []Argument{p.pure(codec.EncodeU64(amount))},
		})
		coin = NestedResult(split, 0)
	}
	priceArg := p.pure(codec.EncodeU64(price))
	expiryArg := p.pure(codec.EncodeU64(secs))
	keysArg, valuesArg := p.pure(keys), p.pure(values)
	clock, err := b.sharedArg(ctx, p, ClockObjectID, false)
	if err != nil {
		return nil, err
	}
	p.moveCall(b, "create_listing", mkt, coin, priceArg, expiryArg, keysArg, valuesArg, clock)

	tx := b.finish(p, market.ActionCreateListing, tokenObject, sender)
	tx.InputCoins = []string{info.Ref.ObjectID}
	return tx, nil
}

// CreateOrder opens an order for amount units against listingID. Supply is
// checked by the contract; the client only requires that the sender holds
// a coin that can pay fees.
func (b *Builder) CreateOrder(ctx context.Context, sender, listingID string, amount uint64, md domain.Metadata) (*Transaction, error) {
	if amount == 0 {
		return nil, fmt.Errorf("txbuilder: create order: amount must be positive: %w", domain.ErrInvalidArgument)
	}
	keys, values, err := b.metadataArgs(md)
	if err != nil {
		return nil, fmt.Errorf("txbuilder: create order: %w", err)
	}
	coins, err := b.resolver.GetCoins(ctx, sender, GasCoinType)
	if err != nil {
		return nil, fmt.Errorf("txbuilder: create order: list fee coins: %w", err)
	}
	if len(coins) == 0 {
		return nil, fmt.Errorf("txbuilder: create order: sender holds no %s: %w", GasCoinType, domain.ErrInsufficientFee)
	}

	p := &ptb{}
	args, err := b.entityArgs(ctx, p, listingID)
	if err != nil {
		return nil, fmt.Errorf("txbuilder: create order: %w", err)
	}
	amountArg := p.pure(codec.EncodeU64(amount))
	keysArg, valuesArg := p.pure(keys), p.pure(values)
	clock, err := b.sharedArg(ctx, p, ClockObjectID, false)
	if err != nil {
		return nil, err
	}
	p.moveCall(b, "create_order", args[0], args[1], amountArg, keysArg, valuesArg, clock)
	return b.finish(p, market.ActionCreateOrder, listingID, sender), nil
}

// MarkPaymentMade records that the buyer sent the off-ledger payment.
func (b *Builder) MarkPaymentMade(ctx context.Context, sender, orderID string) (*Transaction, error) {
	return b.simpleCall(ctx, market.ActionMarkPaymentMade, "mark_payment_made", sender, orderID)
}

// MarkPaymentReceived records the seller's confirmation of payment.
func (b *Builder) MarkPaymentReceived(ctx context.Context, sender, orderID string) (*Transaction, error) {
	return b.simpleCall(ctx, market.ActionMarkPaymentReceived, "mark_payment_received", sender, orderID)
}

// ReleaseOrder releases the escrowed tokens to the buyer.
func (b *Builder) ReleaseOrder(ctx context.Context, sender, orderID string) (*Transaction, error) {
	return b.simpleCall(ctx, market.ActionReleaseOrder, "release_order", sender, orderID)
}

// CancelOrder cancels an order before payment is confirmed.
func (b *Builder) CancelOrder(ctx context.Context, sender, orderID string) (*Transaction, error) {
	return b.simpleCall(ctx, market.ActionCancelOrder, "cancel_order", sender, orderID)
}

// ProcessExpiredOrder cancels an order whose payment window has passed.
func (b *Builder) ProcessExpiredOrder(ctx context.Context, sender, orderID string) (*Transaction, error) {
	return b.simpleCall(ctx, market.ActionProcessExpired, "process_expired_order", sender, orderID)
}

// CancelListing withdraws a listing and its unsold tokens.
func (b *Builder) CancelListing(ctx context.Context, sender, listingID string) (*Transaction, error) {
	return b.simpleCall(ctx, market.ActionCancelListing, "cancel_listing", sender, listingID)
}

// ReclaimExpiredListing returns the unsold tokens of an expired listing.
func (b *Builder) ReclaimExpiredListing(ctx context.Context, sender, listingID string) (*Transaction, error) {
	return b.simpleCall(ctx, market.ActionReclaimListing, "reclaim_expired_listing", sender, listingID)
}

// CreateDispute escalates an order with the buyer's or seller's reason.
func (b *Builder) CreateDispute(ctx context.Context, sender, orderID, reason string) (*Transaction, error) {
	return b.textCall(ctx, market.ActionCreateDispute, "create_dispute", sender, orderID, reason)
}

// RespondToDispute attaches the seller's response to a dispute.
func (b *Builder) RespondToDispute(ctx context.Context, sender, disputeID, response string) (*Transaction, error) {
	return b.textCall(ctx, market.ActionRespondToDispute, "respond_to_dispute", sender, disputeID, response)
}

func (b *Builder) simpleCall(ctx context.Context, action market.Action, fn, sender, target string) (*Transaction, error) {
	p := &ptb{}
	args, err := b.entityArgs(ctx, p, target)
	if err != nil {
		return nil, fmt.Errorf("txbuilder: %s: %w", action, err)
	}
	clock, err := b.sharedArg(ctx, p, ClockObjectID, false)
	if err != nil {
		return nil, err
	}
	p.moveCall(b, fn, args[0], args[1], clock)
	return b.finish(p, action, target, sender), nil
}

func (b *Builder) textCall(ctx context.Context, action market.Action, fn, sender, target, text string) (*Transaction, error) {
	if text == "" {
		return nil, fmt.Errorf("txbuilder: %s: text must not be empty: %w", action, domain.ErrInvalidArgument)
	}
	encoded, err := codec.EncodeByteVector([]byte(text))
	if err != nil {
		return nil, fmt.Errorf("txbuilder: %s: %w", action, err)
	}
	if len(encoded) > b.cfg.MaxMetadataBytes {
		return nil, fmt.Errorf("txbuilder: %s: text is %d bytes, limit %d: %w",
			action, len(encoded), b.cfg.MaxMetadataBytes, domain.ErrInvalidArgument)
	}
	p := &ptb{}
	args, err := b.entityArgs(ctx, p, target)
	if err != nil {
		return nil, fmt.Errorf("txbuilder: %s: %w", action, err)
	}
	textArg := p.pure(encoded)
	clock, err := b.sharedArg(ctx, p, ClockObjectID, false)
	if err != nil {
		return nil, err
	}
	p.moveCall(b, fn, args[0], args[1], textArg, clock)
	return b.finish(p, action, target, sender), nil
}

// entityArgs adds the marketplace and the target entity as mutable shared
// inputs.
func (b *Builder) entityArgs(ctx context.Context, p *ptb, id string) ([2]Argument, error) {
	if _, err := codec.ParseAddress(id); err != nil {
		return [2]Argument{}, err
	}
	mkt, err := b.sharedArg(ctx, p, b.cfg.MarketplaceID, true)
	if err != nil {
		return [2]Argument{}, err
	}
	entity, err := b.sharedArg(ctx, p, id, true)
	if err != nil {
		return [2]Argument{}, err
	}
	return [2]Argument{mkt, entity}, nil
}

// sharedArg adds a shared object input, resolving its initial shared version
// once per object.
func (b *Builder) sharedArg(ctx context.Context, p *ptb, id string, mutable bool) (Argument, error) {
	key := codec.NormalizeAddress(id)
	b.mu.Lock()
	version, ok := b.shared[key]
	b.mu.Unlock()
	if !ok {
		info, err := b.resolver.GetObject(ctx, key)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return Argument{}, fmt.Errorf("txbuilder: object %s: %w", id, err)
			}
			return Argument{}, fmt.Errorf("txbuilder: resolve %s: %w", id, err)
		}
		if info.Owner.Kind != domain.OwnerShared {
			return Argument{}, fmt.Errorf("txbuilder: object %s is %s, not shared: %w", id, info.Owner.Kind, domain.ErrInvalidArgument)
		}
		version = info.Owner.InitialSharedVersion
		b.mu.Lock()
		b.shared[key] = version
		b.mu.Unlock()
	}
	return p.object(ObjectArg{
		Kind:                 ObjShared,
		Ref:                  domain.ObjectRef{ObjectID: key},
		InitialSharedVersion: version,
		Mutable:              mutable,
	}), nil
}

// metadataArgs encodes metadata as two pure vector<vector<u8>> inputs and
// enforces the size limit.
func (b *Builder) metadataArgs(md domain.Metadata) (keys, values []byte, err error) {
	k, v := md.Arrays()
	if keys, err = codec.EncodeByteVectors(k); err != nil {
		return nil, nil, err
	}
	if values, err = codec.EncodeByteVectors(v); err != nil {
		return nil, nil, err
	}
	if size := len(keys) + len(values); size > b.cfg.MaxMetadataBytes {
		return nil, nil, fmt.Errorf("metadata is %d bytes, limit %d: %w", size, b.cfg.MaxMetadataBytes, domain.ErrInvalidArgument)
	}
	return keys, values, nil
}

func (b *Builder) finish(p *ptb, action market.Action, target, sender string) *Transaction {
	return &Transaction{
		Operation: action,
		Target:    codec.NormalizeAddress(target),
		Sender:    codec.NormalizeAddress(sender),
		Kind:      Programmable{Inputs: p.inputs, Commands: p.commands},
		GasBudget: b.cfg.GasBudget,
	}
}

// ptb accumulates inputs and commands.
type ptb struct {
	inputs   []CallArg
	commands []Command
}

func (p *ptb) pure(b []byte) Argument {
	p.inputs = append(p.inputs, CallArg{Pure: b})
	return Input(uint16(len(p.inputs) - 1))
}

func (p *ptb) object(o ObjectArg) Argument {
	p.inputs = append(p.inputs, CallArg{Object: &o})
	return Input(uint16(len(p.inputs) - 1))
}

func (p *ptb) command(c Command) uint16 {
	p.commands = append(p.commands, c)
	return uint16(len(p.commands) - 1)
}

func (p *ptb) moveCall(b *Builder, fn string, args ...Argument) {
	p.command(Command{
		Kind: CmdMoveCall,
		MoveCall: &MoveCall{
			Package:  codec.NormalizeAddress(b.cfg.PackageID),
			Module:   b.cfg.Module,
			Function: fn,
			TypeArgs: []TypeTag{b.coinTag},
			Args:     args,
		},
	})
}
