package codec

import (
	"encoding/binary"
	"fmt"

	"github.com/alanyoungcy/p2pescrow/internal/domain"
)

// Encoder appends BCS values to an internal buffer. The first error is
// sticky: subsequent writes are ignored and Bytes reports it.
type Encoder struct {
	buf []byte
	err error
}

// NewEncoder returns an empty Encoder.
func NewEncoder() *Encoder {
	return &Encoder{buf: make([]byte, 0, 256)}
}

// Bytes returns the encoded buffer or the first error encountered.
func (e *Encoder) Bytes() ([]byte, error) {
	if e.err != nil {
		return nil, e.err
	}
	return e.buf, nil
}

// Len reports the number of bytes written so far.
func (e *Encoder) Len() int { return len(e.buf) }

func (e *Encoder) fail(err error) {
	if e.err == nil {
		e.err = err
	}
}

// Fail records err as the encoder's error unless one is already set.
func (e *Encoder) Fail(err error) { e.fail(err) }

func (e *Encoder) U8(v uint8) {
	if e.err != nil {
		return
	}
	e.buf = append(e.buf, v)
}

func (e *Encoder) U16(v uint16) {
	if e.err != nil {
		return
	}
	e.buf = binary.LittleEndian.AppendUint16(e.buf, v)
}

func (e *Encoder) U32(v uint32) {
	if e.err != nil {
		return
	}
	e.buf = binary.LittleEndian.AppendUint32(e.buf, v)
}

func (e *Encoder) U64(v uint64) {
	if e.err != nil {
		return
	}
	e.buf = binary.LittleEndian.AppendUint64(e.buf, v)
}

func (e *Encoder) Bool(v bool) {
	if v {
		e.U8(1)
		return
	}
	e.U8(0)
}

// ULEB128 writes an unsigned LEB128 length or enum tag.
func (e *Encoder) ULEB128(v uint64) {
	if e.err != nil {
		return
	}
	if v > MaxSequenceLength {
		e.fail(fmt.Errorf("codec: length %d exceeds %d: %w", v, MaxSequenceLength, domain.ErrInvalidArgument))
		return
	}
	for v >= 0x80 {
		e.buf = append(e.buf, byte(v)|0x80)
		v >>= 7
	}
	e.buf = append(e.buf, byte(v))
}

// FixedBytes writes b without a length prefix.
func (e *Encoder) FixedBytes(b []byte) {
	if e.err != nil {
		return
	}
	e.buf = append(e.buf, b...)
}

// ByteVector writes a vector<u8>.
func (e *Encoder) ByteVector(b []byte) {
	e.ULEB128(uint64(len(b)))
	e.FixedBytes(b)
}

// String writes a UTF-8 string as vector<u8>.
func (e *Encoder) String(s string) {
	e.ByteVector([]byte(s))
}

// ByteVectors writes a vector<vector<u8>>.
func (e *Encoder) ByteVectors(vs [][]byte) {
	e.ULEB128(uint64(len(vs)))
	for _, v := range vs {
		e.ByteVector(v)
	}
}

// Address writes a 32-byte account or object address given in hex.
func (e *Encoder) Address(s string) {
	if e.err != nil {
		return
	}
	addr, err := ParseAddress(s)
	if err != nil {
		e.fail(err)
		return
	}
	e.buf = append(e.buf, addr[:]...)
}

// OptionTag writes the Option discriminant; the caller writes the value
// when present is true.
func (e *Encoder) OptionTag(present bool) {
	if present {
		e.ULEB128(1)
		return
	}
	e.ULEB128(0)
}

// MetadataArrays writes the parallel key/value arrays of entity metadata.
// Key and value counts must match.
func (e *Encoder) MetadataArrays(keys, values [][]byte) {
	if e.err != nil {
		return
	}
	if len(keys) != len(values) {
		e.fail(fmt.Errorf("codec: metadata has %d keys and %d values: %w", len(keys), len(values), domain.ErrInvalidArgument))
		return
	}
	e.ByteVectors(keys)
	e.ByteVectors(values)
}

// EncodeU64 returns the BCS bytes of a u64 pure argument.
func EncodeU64(v uint64) []byte {
	e := NewEncoder()
	e.U64(v)
	b, _ := e.Bytes()
	return b
}

// EncodeByteVector returns the BCS bytes of a vector<u8> pure argument.
func EncodeByteVector(b []byte) ([]byte, error) {
	e := NewEncoder()
	e.ByteVector(b)
	return e.Bytes()
}

// EncodeByteVectors returns the BCS bytes of a vector<vector<u8>> pure
// argument.
func EncodeByteVectors(vs [][]byte) ([]byte, error) {
	e := NewEncoder()
	e.ByteVectors(vs)
	return e.Bytes()
}
