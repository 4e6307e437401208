package txbuilder

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil/base58"
	"golang.org/x/crypto/blake2b"

	"github.com/alanyoungcy/p2pescrow/internal/codec"
	"github.com/alanyoungcy/p2pescrow/internal/domain"
)

// digestLength is the byte width of object and transaction digests.
const digestLength = 32

// ArgumentKind is the BCS variant index of a command argument.
type ArgumentKind uint8

const (
	ArgGasCoin ArgumentKind = iota
	ArgInput
	ArgResult
	ArgNestedResult
)

// Argument refers to a value available to a command: the gas coin, an
// input, or the result of an earlier command.
type Argument struct {
	Kind   ArgumentKind
	Index  uint16
	Nested uint16 // result index within command Index, for ArgNestedResult
}

func GasCoin() Argument                   { return Argument{Kind: ArgGasCoin} }
func Input(i uint16) Argument             { return Argument{Kind: ArgInput, Index: i} }
func Result(i uint16) Argument            { return Argument{Kind: ArgResult, Index: i} }
func NestedResult(cmd, i uint16) Argument { return Argument{Kind: ArgNestedResult, Index: cmd, Nested: i} }

// ObjectArgKind is the BCS variant index of an object input.
type ObjectArgKind uint8

const (
	ObjImmOrOwned ObjectArgKind = iota
	ObjShared
)

// ObjectArg is an object transaction input.
type ObjectArg struct {
	Kind                 ObjectArgKind
	Ref                  domain.ObjectRef // full ref for owned objects, ObjectID only for shared
	InitialSharedVersion uint64
	Mutable              bool
}

// CallArg is a transaction input: pure BCS bytes or an object.
type CallArg struct {
	Pure   []byte
	Object *ObjectArg
}

// CommandKind is the BCS variant index of a command.
type CommandKind uint8

const (
	CmdMoveCall CommandKind = iota
	CmdTransferObjects
	CmdSplitCoins
	CmdMergeCoins
)

// MoveCall invokes a Move entry or public function.
type MoveCall struct {
	Package  string
	Module   string
	Function string
	TypeArgs []TypeTag
	Args     []Argument
}

// Command is one step of a programmable transaction. Which fields are used
// depends on Kind: MoveCall for CmdMoveCall, Target plus Sources for the
// others (TransferObjects: objects → address; SplitCoins: coin → amounts;
// MergeCoins: destination ← sources).
type Command struct {
	Kind     CommandKind
	MoveCall *MoveCall
	Target   Argument
	Sources  []Argument
}

// Programmable is a programmable transaction block.
type Programmable struct {
	Inputs   []CallArg
	Commands []Command
}

// GasData selects the coins and price paying for execution.
type GasData struct {
	Payment []domain.ObjectRef
	Owner   string
	Price   uint64
	Budget  uint64
}

// TransactionData is the unsigned, fully specified transaction.
type TransactionData struct {
	Kind       Programmable
	Sender     string
	Gas        GasData
	Expiration *uint64 // epoch, nil for none
}

// Marshal serializes transaction data to BCS.
func (td TransactionData) Marshal() ([]byte, error) {
	e := codec.NewEncoder()
	e.ULEB128(0) // TransactionData::V1
	e.ULEB128(0) // TransactionKind::ProgrammableTransaction
	encodeProgrammable(e, td.Kind)
	e.Address(td.Sender)
	e.ULEB128(uint64(len(td.Gas.Payment)))
	for _, ref := range td.Gas.Payment {
		encodeObjectRef(e, ref)
	}
	e.Address(td.Gas.Owner)
	e.U64(td.Gas.Price)
	e.U64(td.Gas.Budget)
	if td.Expiration == nil {
		e.ULEB128(0)
	} else {
		e.ULEB128(1)
		e.U64(*td.Expiration)
	}
	b, err := e.Bytes()
	if err != nil {
		return nil, fmt.Errorf("txbuilder: marshal: %w", err)
	}
	return b, nil
}

func encodeProgrammable(e *codec.Encoder, p Programmable) {
	e.ULEB128(uint64(len(p.Inputs)))
	for _, in := range p.Inputs {
		if in.Object == nil {
			e.ULEB128(0)
			e.ByteVector(in.Pure)
			continue
		}
		e.ULEB128(1)
		switch in.Object.Kind {
		case ObjImmOrOwned:
			e.ULEB128(0)
			encodeObjectRef(e, in.Object.Ref)
		case ObjShared:
			e.ULEB128(1)
			e.Address(in.Object.Ref.ObjectID)
			e.U64(in.Object.InitialSharedVersion)
			e.Bool(in.Object.Mutable)
		}
	}
	e.ULEB128(uint64(len(p.Commands)))
	for _, c := range p.Commands {
		e.ULEB128(uint64(c.Kind))
		switch c.Kind {
		case CmdMoveCall:
			mc := c.MoveCall
			e.Address(mc.Package)
			e.String(mc.Module)
			e.String(mc.Function)
			e.ULEB128(uint64(len(mc.TypeArgs)))
			for _, t := range mc.TypeArgs {
				encodeTypeTag(e, t)
			}
			encodeArguments(e, mc.Args)
		case CmdTransferObjects:
			encodeArguments(e, c.Sources)
			encodeArgument(e, c.Target)
		case CmdSplitCoins, CmdMergeCoins:
			encodeArgument(e, c.Target)
			encodeArguments(e, c.Sources)
		}
	}
}

func encodeObjectRef(e *codec.Encoder, ref domain.ObjectRef) {
	e.Address(ref.ObjectID)
	e.U64(ref.Version)
	digest := base58.Decode(ref.Digest)
	if len(digest) != digestLength {
		e.Fail(fmt.Errorf("txbuilder: object %s digest %q: %w", ref.ObjectID, ref.Digest, domain.ErrInvalidArgument))
		return
	}
	e.ByteVector(digest)
}

func encodeArguments(e *codec.Encoder, args []Argument) {
	e.ULEB128(uint64(len(args)))
	for _, a := range args {
		encodeArgument(e, a)
	}
}

func encodeArgument(e *codec.Encoder, a Argument) {
	e.ULEB128(uint64(a.Kind))
	switch a.Kind {
	case ArgInput, ArgResult:
		e.U16(a.Index)
	case ArgNestedResult:
		e.U16(a.Index)
		e.U16(a.Nested)
	}
}

func encodeTypeTag(e *codec.Encoder, t TypeTag) {
	e.ULEB128(uint64(t.Kind))
	switch t.Kind {
	case TagVector:
		encodeTypeTag(e, *t.Vector)
	case TagStruct:
		e.Address(t.Struct.Address)
		e.String(t.Struct.Module)
		e.String(t.Struct.Name)
		e.ULEB128(uint64(len(t.Struct.TypeParams)))
		for _, p := range t.Struct.TypeParams {
			encodeTypeTag(e, p)
		}
	}
}

// Unmarshal parses BCS transaction data produced by Marshal.
func Unmarshal(b []byte) (TransactionData, error) {
	d := codec.NewDecoder(b)
	var td TransactionData
	if v := d.ULEB128(); d.Err() == nil && v != 0 {
		return td, fmt.Errorf("txbuilder: unsupported transaction data version %d: %w", v, domain.ErrDecode)
	}
	if k := d.ULEB128(); d.Err() == nil && k != 0 {
		return td, fmt.Errorf("txbuilder: unsupported transaction kind %d: %w", k, domain.ErrDecode)
	}
	td.Kind = decodeProgrammable(d)
	td.Sender = d.Address()
	n := d.ULEB128()
	for i := uint64(0); i < n && d.Err() == nil; i++ {
		td.Gas.Payment = append(td.Gas.Payment, decodeObjectRef(d))
	}
	td.Gas.Owner = d.Address()
	td.Gas.Price = d.U64()
	td.Gas.Budget = d.U64()
	switch d.ULEB128() {
	case 0:
	case 1:
		epoch := d.U64()
		td.Expiration = &epoch
	default:
		d.Failf("unknown expiration variant")
	}
	if err := d.Finish(); err != nil {
		return TransactionData{}, fmt.Errorf("txbuilder: unmarshal: %w", err)
	}
	return td, nil
}

func decodeProgrammable(d *codec.Decoder) Programmable {
	var p Programmable
	n := d.ULEB128()
	for i := uint64(0); i < n && d.Err() == nil; i++ {
		switch d.ULEB128() {
		case 0:
			p.Inputs = append(p.Inputs, CallArg{Pure: d.ByteVector()})
		case 1:
			obj := &ObjectArg{}
			switch d.ULEB128() {
			case 0:
				obj.Kind = ObjImmOrOwned
				obj.Ref = decodeObjectRef(d)
			case 1:
				obj.Kind = ObjShared
				obj.Ref.ObjectID = d.Address()
				obj.InitialSharedVersion = d.U64()
				obj.Mutable = d.Bool()
			default:
				d.Failf("unsupported object argument variant")
			}
			p.Inputs = append(p.Inputs, CallArg{Object: obj})
		default:
			d.Failf("unknown call argument variant")
		}
	}
	n = d.ULEB128()
	for i := uint64(0); i < n && d.Err() == nil; i++ {
		c := Command{Kind: CommandKind(d.ULEB128())}
		switch c.Kind {
		case CmdMoveCall:
			mc := &MoveCall{
				Package:  d.Address(),
				Module:   d.String(),
				Function: d.String(),
			}
			tn := d.ULEB128()
			for j := uint64(0); j < tn && d.Err() == nil; j++ {
				mc.TypeArgs = append(mc.TypeArgs, decodeTypeTag(d))
			}
			mc.Args = decodeArguments(d)
			c.MoveCall = mc
		case CmdTransferObjects:
			c.Sources = decodeArguments(d)
			c.Target = decodeArgument(d)
		case CmdSplitCoins, CmdMergeCoins:
			c.Target = decodeArgument(d)
			c.Sources = decodeArguments(d)
		default:
			d.Failf("unsupported command variant %d", c.Kind)
		}
		p.Commands = append(p.Commands, c)
	}
	return p
}

func decodeObjectRef(d *codec.Decoder) domain.ObjectRef {
	return domain.ObjectRef{
		ObjectID: d.Address(),
		Version:  d.U64(),
		Digest:   base58.Encode(d.ByteVector()),
	}
}

func decodeArguments(d *codec.Decoder) []Argument {
	n := d.ULEB128()
	var out []Argument
	for i := uint64(0); i < n && d.Err() == nil; i++ {
		out = append(out, decodeArgument(d))
	}
	return out
}

func decodeArgument(d *codec.Decoder) Argument {
	a := Argument{Kind: ArgumentKind(d.ULEB128())}
	switch a.Kind {
	case ArgInput, ArgResult:
		a.Index = d.U16()
	case ArgNestedResult:
		a.Index = d.U16()
		a.Nested = d.U16()
	case ArgGasCoin:
	default:
		d.Failf("unknown argument variant %d", a.Kind)
	}
	return a
}

func decodeTypeTag(d *codec.Decoder) TypeTag {
	t := TypeTag{Kind: TypeTagKind(d.ULEB128())}
	switch t.Kind {
	case TagVector:
		inner := decodeTypeTag(d)
		t.Vector = &inner
	case TagStruct:
		st := &StructTag{
			Address: d.Address(),
			Module:  d.String(),
			Name:    d.String(),
		}
		n := d.ULEB128()
		for i := uint64(0); i < n && d.Err() == nil; i++ {
			st.TypeParams = append(st.TypeParams, decodeTypeTag(d))
		}
		t.Struct = st
	default:
		if t.Kind > TagU256 {
			d.Failf("unknown type tag variant %d", t.Kind)
		}
	}
	return t
}

// transactionDigestPrefix is the BCS type name salt of transaction digests.
const transactionDigestPrefix = "TransactionData::"

// Digest computes the base58 transaction digest of BCS transaction data.
// It is known before submission and matches the digest the fullnode
// reports.
func Digest(txBytes []byte) string {
	buf := make([]byte, 0, len(transactionDigestPrefix)+len(txBytes))
	buf = append(buf, transactionDigestPrefix...)
	buf = append(buf, txBytes...)
	sum := blake2b.Sum256(buf)
	return base58.Encode(sum[:])
}
