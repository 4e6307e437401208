package ledgertest

import (
	"context"
	"errors"
	"fmt"

	"github.com/alanyoungcy/p2pescrow/internal/codec"
	"github.com/alanyoungcy/p2pescrow/internal/crypto"
	"github.com/alanyoungcy/p2pescrow/internal/domain"
	"github.com/alanyoungcy/p2pescrow/internal/txbuilder"
)

// errAbort is a Move abort: the transaction executes, charges gas and
// reports failure.
var errAbort = errors.New("move abort")

func abortf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{errAbort}, args...)...)
}

// value is a runtime argument.
type value struct {
	pure []byte
	obj  *object
	coin *object // split result, not yet stored
}

// execution stages writes so an abort leaves state untouched.
type execution struct {
	l       *Ledger
	sender  string
	digest  string
	inputs  []value
	results [][]value
	writes  map[string]*object
	deleted map[string]bool
	created []*object
}

// ExecuteTransaction verifies, executes and records a signed transaction.
// Malformed or unauthorized transactions are rejected without a digest;
// contract aborts are recorded as failed transactions.
func (l *Ledger) ExecuteTransaction(_ context.Context, txBytes []byte, signatures []string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.executeErr != nil {
		return "", fmt.Errorf("ledgertest: %w: %w", domain.ErrSubmission, l.executeErr)
	}
	td, err := txbuilder.Unmarshal(txBytes)
	if err != nil {
		return "", fmt.Errorf("ledgertest: %w: %w", domain.ErrSubmission, err)
	}
	if len(signatures) != 1 {
		return "", fmt.Errorf("ledgertest: want one signature, got %d: %w", len(signatures), domain.ErrSubmission)
	}
	signer, err := crypto.VerifyTransaction(txBytes, signatures[0])
	if err != nil {
		return "", fmt.Errorf("ledgertest: %w: %w", domain.ErrSubmission, err)
	}
	if !codec.SameAddress(signer, td.Sender) {
		return "", fmt.Errorf("ledgertest: signed by %s, sender %s: %w", signer, td.Sender, domain.ErrSubmission)
	}
	digest := txbuilder.Digest(txBytes)
	if _, done := l.txs[digest]; done {
		return "", fmt.Errorf("ledgertest: transaction %s already executed: %w", digest, domain.ErrSubmission)
	}

	gas, err := l.checkGas(td)
	if err != nil {
		return "", err
	}
	x := &execution{
		l:       l,
		sender:  codec.NormalizeAddress(td.Sender),
		digest:  digest,
		writes:  make(map[string]*object),
		deleted: make(map[string]bool),
	}
	if err := x.loadInputs(td.Kind.Inputs); err != nil {
		return "", err
	}

	l.executions++
	l.checkpoint++
	status := domain.TxStatus{Digest: digest, State: domain.TxSuccess, Checkpoint: l.checkpoint}

	runErr := x.run(td.Kind.Commands)
	if runErr != nil {
		status.State = domain.TxFailure
		status.Error = runErr.Error()
		x.writes = make(map[string]*object)
		x.deleted = make(map[string]bool)
		x.created = nil
	}

	// Gas coins are merged into the first and charged whether or not the
	// commands succeeded.
	g := x.load(gas[0].id)
	for _, o := range gas[1:] {
		g.balance += o.balance
		x.deleted[o.id] = true
	}
	cost := min(l.opts.GasCharge*td.Gas.Price, td.Gas.Budget, g.balance)
	g.balance -= cost

	status.ChangedObjects = x.commit()
	l.txs[digest] = status
	if n, ok := l.hidden[""]; ok && n != 0 {
		l.hidden[digest] = n
	}
	return digest, nil
}

// checkGas validates the payment objects without touching state.
func (l *Ledger) checkGas(td txbuilder.TransactionData) ([]*object, error) {
	if len(td.Gas.Payment) == 0 {
		return nil, fmt.Errorf("ledgertest: no gas payment: %w", domain.ErrSubmission)
	}
	var (
		coins []*object
		total uint64
	)
	for _, ref := range td.Gas.Payment {
		o, err := l.ownedRef(ref, td.Sender)
		if err != nil {
			return nil, err
		}
		if o.kind != kindCoin || normalizeType(o.coinType) != normalizeType(txbuilder.GasCoinType) {
			return nil, fmt.Errorf("ledgertest: gas object %s is not a gas coin: %w", ref.ObjectID, domain.ErrSubmission)
		}
		coins = append(coins, o)
		total += o.balance
	}
	if total < td.Gas.Budget {
		return nil, fmt.Errorf("ledgertest: gas balance %d below budget %d: %w", total, td.Gas.Budget, domain.ErrSubmission)
	}
	if td.Gas.Price < l.opts.GasPrice {
		return nil, fmt.Errorf("ledgertest: gas price %d below reference %d: %w", td.Gas.Price, l.opts.GasPrice, domain.ErrSubmission)
	}
	return coins, nil
}

func (l *Ledger) ownedRef(ref domain.ObjectRef, sender string) (*object, error) {
	o, ok := l.objects[codec.NormalizeAddress(ref.ObjectID)]
	if !ok {
		return nil, fmt.Errorf("ledgertest: object %s deleted or unknown: %w", ref.ObjectID, domain.ErrSubmission)
	}
	if o.owner.Kind != domain.OwnerAddress || !codec.SameAddress(o.owner.Address, sender) {
		return nil, fmt.Errorf("ledgertest: object %s not owned by %s: %w", ref.ObjectID, sender, domain.ErrSubmission)
	}
	if o.version != ref.Version || o.digest != ref.Digest {
		return nil, fmt.Errorf("ledgertest: object %s version %d is stale, current %d: %w",
			ref.ObjectID, ref.Version, o.version, domain.ErrSubmission)
	}
	return o, nil
}

func (x *execution) loadInputs(inputs []txbuilder.CallArg) error {
	for _, in := range inputs {
		if in.Object == nil {
			x.inputs = append(x.inputs, value{pure: in.Pure})
			continue
		}
		switch in.Object.Kind {
		case txbuilder.ObjImmOrOwned:
			o, err := x.l.ownedRef(in.Object.Ref, x.sender)
			if err != nil {
				return err
			}
			x.inputs = append(x.inputs, value{obj: o})
		case txbuilder.ObjShared:
			o, ok := x.l.objects[codec.NormalizeAddress(in.Object.Ref.ObjectID)]
			if !ok {
				return fmt.Errorf("ledgertest: shared object %s unknown: %w", in.Object.Ref.ObjectID, domain.ErrSubmission)
			}
			if o.owner.Kind != domain.OwnerShared || o.owner.InitialSharedVersion != in.Object.InitialSharedVersion {
				return fmt.Errorf("ledgertest: object %s is not shared at version %d: %w",
					o.id, in.Object.InitialSharedVersion, domain.ErrSubmission)
			}
			x.inputs = append(x.inputs, value{obj: o})
		}
	}
	return nil
}

// load returns the staged copy of a stored object.
func (x *execution) load(id string) *object {
	if o, ok := x.writes[id]; ok {
		return o
	}
	cp := *x.l.objects[id]
	x.writes[id] = &cp
	return &cp
}

func (x *execution) commit() []string {
	var changed []string
	for id, o := range x.writes {
		if x.deleted[id] || o.kind == kindClock {
			continue
		}
		o.version++
		o.prevTx = x.digest
		x.l.put(o)
		changed = append(changed, id)
	}
	for id := range x.deleted {
		delete(x.l.objects, id)
		changed = append(changed, id)
	}
	for _, o := range x.created {
		o.version = 1
		o.prevTx = x.digest
		x.l.put(o)
		changed = append(changed, o.id)
	}
	return changed
}

func (x *execution) arg(a txbuilder.Argument) (value, error) {
	switch a.Kind {
	case txbuilder.ArgInput:
		if int(a.Index) >= len(x.inputs) {
			return value{}, abortf("input %d out of range", a.Index)
		}
		v := x.inputs[a.Index]
		if v.obj != nil {
			v.obj = x.load(v.obj.id)
		}
		return v, nil
	case txbuilder.ArgNestedResult:
		if int(a.Index) >= len(x.results) || int(a.Nested) >= len(x.results[a.Index]) {
			return value{}, abortf("result %d.%d out of range", a.Index, a.Nested)
		}
		return x.results[a.Index][a.Nested], nil
	case txbuilder.ArgResult:
		if int(a.Index) >= len(x.results) || len(x.results[a.Index]) != 1 {
			return value{}, abortf("result %d is not a single value", a.Index)
		}
		return x.results[a.Index][0], nil
	}
	return value{}, abortf("gas coin arguments unsupported")
}

func (x *execution) run(cmds []txbuilder.Command) error {
	for _, c := range cmds {
		var (
			out []value
			err error
		)
		switch c.Kind {
		case txbuilder.CmdSplitCoins:
			out, err = x.split(c)
		case txbuilder.CmdMoveCall:
			err = x.call(c.MoveCall)
		default:
			err = abortf("command %d unsupported", c.Kind)
		}
		if err != nil {
			return err
		}
		x.results = append(x.results, out)
	}
	return nil
}

func (x *execution) split(c txbuilder.Command) ([]value, error) {
	src, err := x.arg(c.Target)
	if err != nil {
		return nil, err
	}
	if src.obj == nil || src.obj.kind != kindCoin {
		return nil, abortf("split source is not a coin")
	}
	var out []value
	for _, s := range c.Sources {
		amt, err := x.arg(s)
		if err != nil {
			return nil, err
		}
		n, err := pureU64(amt)
		if err != nil {
			return nil, err
		}
		if src.obj.balance < n {
			return nil, abortf("split %d from coin holding %d", n, src.obj.balance)
		}
		src.obj.balance -= n
		out = append(out, value{coin: &object{kind: kindCoin, coinType: src.obj.coinType, typ: src.obj.typ, balance: n}})
	}
	return out, nil
}

func pureU64(v value) (uint64, error) {
	if v.pure == nil {
		return 0, abortf("expected pure u64")
	}
	d := codec.NewDecoder(v.pure)
	n := d.U64()
	if err := d.Finish(); err != nil {
		return 0, abortf("bad u64: %v", err)
	}
	return n, nil
}

func pureBytes(v value) ([]byte, error) {
	if v.pure == nil {
		return nil, abortf("expected pure vector<u8>")
	}
	d := codec.NewDecoder(v.pure)
	b := d.ByteVector()
	if err := d.Finish(); err != nil {
		return nil, abortf("bad vector<u8>: %v", err)
	}
	return b, nil
}

func pureMetadata(keys, values value) (domain.Metadata, error) {
	if keys.pure == nil || values.pure == nil {
		return nil, abortf("expected metadata vectors")
	}
	kd, vd := codec.NewDecoder(keys.pure), codec.NewDecoder(values.pure)
	k, v := kd.ByteVectors(), vd.ByteVectors()
	if err := errors.Join(kd.Finish(), vd.Finish()); err != nil {
		return nil, abortf("bad metadata: %v", err)
	}
	if len(k) != len(v) {
		return nil, abortf("metadata has %d keys and %d values", len(k), len(v))
	}
	var md domain.Metadata
	for i := range k {
		md = append(md, domain.MetadataEntry{Key: string(k[i]), Value: string(v[i])})
	}
	return md, nil
}
