// Package ledgertest provides an in-memory ledger for tests. It executes
// signed marketplace transactions with the contract's rules, charges gas,
// versions objects and serves both the RPC and the indexer read API.
package ledgertest

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil/base58"
	"golang.org/x/crypto/blake2b"

	"github.com/alanyoungcy/p2pescrow/internal/codec"
	"github.com/alanyoungcy/p2pescrow/internal/domain"
	"github.com/alanyoungcy/p2pescrow/internal/platform/sui"
	"github.com/alanyoungcy/p2pescrow/internal/txbuilder"
)

// Well-known object IDs.
const (
	PackageID     = "0x00000000000000000000000000000000000000000000000000000000000000aa"
	MarketplaceID = "0x00000000000000000000000000000000000000000000000000000000000000bb"
	TokenType     = "0x00000000000000000000000000000000000000000000000000000000000000cc::token::TOKEN"
	Module        = "marketplace"
)

type objectKind int

const (
	kindCoin objectKind = iota
	kindMarketplace
	kindClock
	kindListing
	kindOrder
	kindDispute
)

type object struct {
	kind    objectKind
	id      string
	version uint64
	digest  string
	owner   domain.Owner
	typ     string
	prevTx  string

	coinType string
	balance  uint64
	listing  domain.Listing
	order    domain.Order
	dispute  domain.Dispute
}

func (o *object) ref() domain.ObjectRef {
	return domain.ObjectRef{ObjectID: o.id, Version: o.version, Digest: o.digest}
}

// Options tune the ledger's contract parameters.
type Options struct {
	GasPrice      uint64
	GasCharge     uint64        // gas units charged per execution
	FeeBps        uint64        // order fee in basis points of the token amount
	PaymentWindow time.Duration // order expiry after creation
	FaucetAmount  uint64
}

// Ledger is an in-memory marketplace ledger. It is safe for concurrent use.
type Ledger struct {
	mu         sync.Mutex
	opts       Options
	now        func() time.Time
	objects    map[string]*object
	txs        map[string]domain.TxStatus
	hidden     map[string]int // digest -> remaining status lookups reporting pending
	nextID     uint64
	checkpoint uint64

	faucetErr  error
	executeErr error
	executions int
	faucetHits int
}

// New creates a ledger holding the marketplace and clock objects.
func New(opts Options) *Ledger {
	if opts.GasPrice == 0 {
		opts.GasPrice = 1000
	}
	if opts.GasCharge == 0 {
		opts.GasCharge = 2_000
	}
	if opts.FeeBps == 0 {
		opts.FeeBps = 100
	}
	if opts.PaymentWindow == 0 {
		opts.PaymentWindow = 30 * time.Minute
	}
	if opts.FaucetAmount == 0 {
		opts.FaucetAmount = 1_000_000_000
	}
	l := &Ledger{
		opts:    opts,
		now:     func() time.Time { return time.UnixMilli(1_700_000_000_000).UTC() },
		objects: make(map[string]*object),
		txs:     make(map[string]domain.TxStatus),
		hidden:  make(map[string]int),
		nextID:  0x1000,
	}
	l.put(&object{kind: kindMarketplace, id: codec.NormalizeAddress(MarketplaceID),
		owner: domain.Owner{Kind: domain.OwnerShared, InitialSharedVersion: 1}, version: 1,
		typ: PackageID + "::" + Module + "::Marketplace"})
	l.put(&object{kind: kindClock, id: codec.NormalizeAddress(txbuilder.ClockObjectID),
		owner: domain.Owner{Kind: domain.OwnerShared, InitialSharedVersion: 1}, version: 1,
		typ: "0x2::clock::Clock"})
	return l
}

// Now returns the ledger clock.
func (l *Ledger) Now() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.now()
}

// Advance moves the ledger clock forward.
func (l *Ledger) Advance(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	at := l.now().Add(d)
	l.now = func() time.Time { return at }
}

// Mint creates a coin object of coinType owned by owner and returns its ID.
func (l *Ledger) Mint(owner, coinType string, amount uint64) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.mintLocked(owner, coinType, amount, "")
}

func (l *Ledger) mintLocked(owner, coinType string, amount uint64, tx string) string {
	o := &object{
		kind:     kindCoin,
		id:       l.newID(),
		owner:    domain.Owner{Kind: domain.OwnerAddress, Address: codec.NormalizeAddress(owner)},
		typ:      "0x2::coin::Coin<" + coinType + ">",
		coinType: coinType,
		balance:  amount,
		version:  1,
		prevTx:   tx,
	}
	l.put(o)
	return o.id
}

// FailFaucet makes subsequent faucet requests fail with err; nil restores it.
func (l *Ledger) FailFaucet(err error) {
	l.mu.Lock()
	l.faucetErr = err
	l.mu.Unlock()
}

// FailExecute makes subsequent broadcasts fail with err; nil restores it.
func (l *Ledger) FailExecute(err error) {
	l.mu.Lock()
	l.executeErr = err
	l.mu.Unlock()
}

// DelayFinality makes the next n status lookups of every new transaction
// report pending. A negative n keeps them pending forever.
func (l *Ledger) DelayFinality(n int) {
	l.mu.Lock()
	l.hidden[""] = n
	l.mu.Unlock()
}

// Executions counts accepted broadcasts.
func (l *Ledger) Executions() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.executions
}

// FaucetRequests counts faucet calls.
func (l *Ledger) FaucetRequests() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.faucetHits
}

// Listing returns the current listing record.
func (l *Ledger) Listing(id string) (domain.Listing, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	o, ok := l.objects[codec.NormalizeAddress(id)]
	if !ok || o.kind != kindListing {
		return domain.Listing{}, false
	}
	return o.listing, true
}

// Order returns the current order record.
func (l *Ledger) Order(id string) (domain.Order, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	o, ok := l.objects[codec.NormalizeAddress(id)]
	if !ok || o.kind != kindOrder {
		return domain.Order{}, false
	}
	return o.order, true
}

// Dispute returns the current dispute record.
func (l *Ledger) Dispute(id string) (domain.Dispute, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	o, ok := l.objects[codec.NormalizeAddress(id)]
	if !ok || o.kind != kindDispute {
		return domain.Dispute{}, false
	}
	return o.dispute, true
}

// Created returns the IDs of entities of kind created by a transaction.
func (l *Ledger) Created(digest string, kind domain.EntityKind) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for _, id := range l.txs[digest].ChangedObjects {
		o, ok := l.objects[id]
		if !ok || o.prevTx != digest {
			continue
		}
		if entityKindOf(o.kind) == kind && o.version == 1 {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func entityKindOf(k objectKind) domain.EntityKind {
	switch k {
	case kindListing:
		return domain.KindListing
	case kindOrder:
		return domain.KindOrder
	case kindDispute:
		return domain.KindDispute
	}
	return ""
}

func (l *Ledger) newID() string {
	l.nextID++
	var a codec.Address
	for i, v := 0, l.nextID; i < 8; i, v = i+1, v>>8 {
		a[len(a)-1-i] = byte(v)
	}
	return a.String()
}

func (l *Ledger) put(o *object) {
	o.digest = objectDigest(o.id, o.version)
	l.objects[o.id] = o
}

func objectDigest(id string, version uint64) string {
	sum := blake2b.Sum256([]byte(id + "/" + strconv.FormatUint(version, 10)))
	return base58.Encode(sum[:])
}

// GetObject implements the object resolver.
func (l *Ledger) GetObject(_ context.Context, id string) (domain.ObjectInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	o, ok := l.objects[codec.NormalizeAddress(id)]
	if !ok {
		return domain.ObjectInfo{}, fmt.Errorf("ledgertest: object %s: %w", id, domain.ErrNotFound)
	}
	info := domain.ObjectInfo{Ref: o.ref(), Owner: o.owner, Type: o.typ}
	if o.kind == kindCoin {
		b := o.balance
		info.CoinBalance = &b
	}
	return info, nil
}

// GetCoins lists coins of coinType owned by owner, ordered by ID.
func (l *Ledger) GetCoins(_ context.Context, owner, coinType string) ([]domain.Coin, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.coinsLocked(owner, coinType), nil
}

func (l *Ledger) coinsLocked(owner, coinType string) []domain.Coin {
	want := normalizeType(coinType)
	var out []domain.Coin
	for _, o := range l.objects {
		if o.kind != kindCoin || o.owner.Kind != domain.OwnerAddress || !codec.SameAddress(o.owner.Address, owner) {
			continue
		}
		if normalizeType(o.coinType) != want {
			continue
		}
		out = append(out, domain.Coin{Ref: o.ref(), CoinType: o.coinType, Balance: o.balance})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ref.ObjectID < out[j].Ref.ObjectID })
	return out
}

// GetBalance sums the coins of coinType owned by owner.
func (l *Ledger) GetBalance(_ context.Context, owner, coinType string) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var total uint64
	for _, c := range l.coinsLocked(owner, coinType) {
		total += c.Balance
	}
	return total, nil
}

// GetReferenceGasPrice returns the configured gas price.
func (l *Ledger) GetReferenceGasPrice(context.Context) (uint64, error) {
	return l.opts.GasPrice, nil
}

// GetTransactionStatus reports the effects of an executed transaction.
// Unknown digests are pending.
func (l *Ledger) GetTransactionStatus(_ context.Context, digest string) (domain.TxStatus, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.txs[digest]
	if !ok {
		return domain.TxStatus{Digest: digest, State: domain.TxPending}, nil
	}
	if n, ok := l.hidden[digest]; ok && n != 0 {
		if n > 0 {
			l.hidden[digest] = n - 1
		}
		return domain.TxStatus{Digest: digest, State: domain.TxPending}, nil
	}
	return st, nil
}

// RequestGas implements the faucet.
func (l *Ledger) RequestGas(_ context.Context, recipient string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.faucetHits++
	if l.faucetErr != nil {
		return "", l.faucetErr
	}
	l.checkpoint++
	sum := blake2b.Sum256([]byte("faucet/" + recipient + "/" + strconv.FormatUint(l.checkpoint, 10)))
	digest := base58.Encode(sum[:])
	id := l.mintLocked(recipient, txbuilder.GasCoinType, l.opts.FaucetAmount, digest)
	l.txs[digest] = domain.TxStatus{Digest: digest, State: domain.TxSuccess, ChangedObjects: []string{id}, Checkpoint: l.checkpoint}
	return digest, nil
}

// ObjectsByType implements the indexer query. Cursors are decimal offsets.
func (l *Ledger) ObjectsByType(_ context.Context, structType, after string, first int) (sui.ObjectPage, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	want := normalizeType(structType)
	var matches []*object
	for _, o := range l.objects {
		t := normalizeType(o.typ)
		if t == want || strings.HasPrefix(t, want+"<") {
			matches = append(matches, o)
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].id < matches[j].id })

	start := 0
	if after != "" {
		n, err := strconv.Atoi(after)
		if err != nil || n < 0 {
			return sui.ObjectPage{}, fmt.Errorf("ledgertest: bad cursor %q", after)
		}
		start = n
	}
	if first <= 0 {
		first = 50
	}
	end := min(start+first, len(matches))
	var page sui.ObjectPage
	for i := start; i < end; i++ {
		node, err := l.node(matches[i])
		if err != nil {
			return sui.ObjectPage{}, err
		}
		page.Nodes = append(page.Nodes, node)
	}
	page.HasNextPage = end < len(matches)
	if end > start {
		page.EndCursor = strconv.Itoa(end)
	}
	return page, nil
}

// Object implements the indexer point lookup.
func (l *Ledger) Object(_ context.Context, id string) (*sui.ObjectNode, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	o, ok := l.objects[codec.NormalizeAddress(id)]
	if !ok {
		return nil, nil
	}
	node, err := l.node(o)
	if err != nil {
		return nil, err
	}
	return &node, nil
}

func (l *Ledger) node(o *object) (sui.ObjectNode, error) {
	var (
		raw []byte
		err error
	)
	switch o.kind {
	case kindListing:
		raw, err = codec.EncodeListing(o.listing)
	case kindOrder:
		raw, err = codec.EncodeOrder(o.order)
	case kindDispute:
		raw, err = codec.EncodeDispute(o.dispute)
	}
	if err != nil {
		return sui.ObjectNode{}, err
	}
	node := sui.ObjectNode{
		ID:   o.id,
		Type: o.typ,
		Meta: domain.ObjectMeta{Version: o.version, Digest: o.digest, Owner: o.owner, PreviousTx: o.prevTx},
	}
	if raw != nil {
		node.Data = codec.RawBytes(raw)
	}
	return node, nil
}

// normalizeType canonicalizes addresses inside a Move type string.
func normalizeType(s string) string {
	t, err := txbuilder.ParseTypeTag(s)
	if err != nil {
		return s
	}
	return t.String()
}
