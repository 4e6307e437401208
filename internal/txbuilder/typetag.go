package txbuilder

import (
	"fmt"
	"strings"

	"github.com/alanyoungcy/p2pescrow/internal/codec"
	"github.com/alanyoungcy/p2pescrow/internal/domain"
)

// TypeTagKind is the BCS variant index of a Move type tag.
type TypeTagKind uint8

const (
	TagBool TypeTagKind = iota
	TagU8
	TagU64
	TagU128
	TagAddress
	TagSigner
	TagVector
	TagStruct
	TagU16
	TagU32
	TagU256
)

var primitiveTags = map[string]TypeTagKind{
	"bool":    TagBool,
	"u8":      TagU8,
	"u16":     TagU16,
	"u32":     TagU32,
	"u64":     TagU64,
	"u128":    TagU128,
	"u256":    TagU256,
	"address": TagAddress,
	"signer":  TagSigner,
}

// TypeTag is a Move type argument.
type TypeTag struct {
	Kind   TypeTagKind
	Vector *TypeTag   // set for TagVector
	Struct *StructTag // set for TagStruct
}

// StructTag names a Move struct type.
type StructTag struct {
	Address    string
	Module     string
	Name       string
	TypeParams []TypeTag
}

func (t TypeTag) String() string {
	switch t.Kind {
	case TagVector:
		return "vector<" + t.Vector.String() + ">"
	case TagStruct:
		return t.Struct.String()
	}
	for name, k := range primitiveTags {
		if k == t.Kind {
			return name
		}
	}
	return fmt.Sprintf("typetag(%d)", t.Kind)
}

func (s StructTag) String() string {
	var b strings.Builder
	b.WriteString(codec.NormalizeAddress(s.Address))
	b.WriteString("::")
	b.WriteString(s.Module)
	b.WriteString("::")
	b.WriteString(s.Name)
	if len(s.TypeParams) > 0 {
		b.WriteByte('<')
		for i, p := range s.TypeParams {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(p.String())
		}
		b.WriteByte('>')
	}
	return b.String()
}

// ParseTypeTag parses a Move type such as "u64", "vector<u8>" or
// "0x2::coin::Coin<0x2::sui::SUI>".
func ParseTypeTag(s string) (TypeTag, error) {
	p := &typeParser{src: s}
	t, err := p.parse()
	if err != nil {
		return TypeTag{}, fmt.Errorf("txbuilder: type %q: %v: %w", s, err, domain.ErrInvalidArgument)
	}
	p.skipSpace()
	if p.pos != len(p.src) {
		return TypeTag{}, fmt.Errorf("txbuilder: type %q: trailing input: %w", s, domain.ErrInvalidArgument)
	}
	return t, nil
}

type typeParser struct {
	src string
	pos int
}

func (p *typeParser) skipSpace() {
	for p.pos < len(p.src) && p.src[p.pos] == ' ' {
		p.pos++
	}
}

// ident reads up to the next delimiter.
func (p *typeParser) ident() string {
	p.skipSpace()
	start := p.pos
	for p.pos < len(p.src) {
		c := p.src[p.pos]
		if c == '<' || c == '>' || c == ',' || c == ' ' || c == ':' {
			break
		}
		p.pos++
	}
	return p.src[start:p.pos]
}

func (p *typeParser) expect(tok string) error {
	p.skipSpace()
	if !strings.HasPrefix(p.src[p.pos:], tok) {
		return fmt.Errorf("expected %q at offset %d", tok, p.pos)
	}
	p.pos += len(tok)
	return nil
}

func (p *typeParser) peek(tok string) bool {
	p.skipSpace()
	return strings.HasPrefix(p.src[p.pos:], tok)
}

func (p *typeParser) parse() (TypeTag, error) {
	word := p.ident()
	if word == "" {
		return TypeTag{}, fmt.Errorf("empty type at offset %d", p.pos)
	}
	if word == "vector" {
		if err := p.expect("<"); err != nil {
			return TypeTag{}, err
		}
		inner, err := p.parse()
		if err != nil {
			return TypeTag{}, err
		}
		if err := p.expect(">"); err != nil {
			return TypeTag{}, err
		}
		return TypeTag{Kind: TagVector, Vector: &inner}, nil
	}
	if k, ok := primitiveTags[word]; ok && !p.peek("::") {
		return TypeTag{Kind: k}, nil
	}

	addr, err := codec.ParseAddress(word)
	if err != nil {
		return TypeTag{}, fmt.Errorf("bad address %q", word)
	}
	st := StructTag{Address: addr.String()}
	if err := p.expect("::"); err != nil {
		return TypeTag{}, err
	}
	if st.Module = p.ident(); st.Module == "" {
		return TypeTag{}, fmt.Errorf("missing module name")
	}
	if err := p.expect("::"); err != nil {
		return TypeTag{}, err
	}
	if st.Name = p.ident(); st.Name == "" {
		return TypeTag{}, fmt.Errorf("missing struct name")
	}
	if p.peek("<") {
		p.pos++
		for {
			param, err := p.parse()
			if err != nil {
				return TypeTag{}, err
			}
			st.TypeParams = append(st.TypeParams, param)
			if p.peek(",") {
				p.pos++
				continue
			}
			if err := p.expect(">"); err != nil {
				return TypeTag{}, err
			}
			break
		}
	}
	return TypeTag{Kind: TagStruct, Struct: &st}, nil
}
