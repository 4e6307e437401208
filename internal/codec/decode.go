package codec

import (
	"encoding/binary"
	"fmt"

	"github.com/alanyoungcy/p2pescrow/internal/domain"
)

// MaxSequenceLength is the largest vector length BCS permits.
const MaxSequenceLength = 1<<31 - 1

// Decoder reads BCS values from a byte slice. The first error is sticky and
// every later read returns a zero value.
type Decoder struct {
	data []byte
	pos  int
	err  error
}

// NewDecoder returns a Decoder over data.
func NewDecoder(data []byte) *Decoder {
	return &Decoder{data: data}
}

// Err returns the first decode error.
func (d *Decoder) Err() error { return d.err }

// Offset is the number of bytes consumed.
func (d *Decoder) Offset() int { return d.pos }

// Remaining is the number of unread bytes.
func (d *Decoder) Remaining() int { return len(d.data) - d.pos }

// Finish reports an error if any read failed or input is left over.
func (d *Decoder) Finish() error {
	if d.err != nil {
		return d.err
	}
	if d.pos != len(d.data) {
		return decodeErr(d.pos, "%d trailing bytes", len(d.data)-d.pos)
	}
	return nil
}

func decodeErr(offset int, format string, args ...any) error {
	return fmt.Errorf("codec: offset %d: %s: %w", offset, fmt.Sprintf(format, args...), domain.ErrDecode)
}

func (d *Decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || d.Remaining() < n {
		d.err = decodeErr(d.pos, "truncated input: need %d bytes, have %d", n, d.Remaining())
		return nil
	}
	b := d.data[d.pos : d.pos+n]
	d.pos += n
	return b
}

func (d *Decoder) U8() uint8 {
	b := d.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (d *Decoder) U16() uint16 {
	b := d.take(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (d *Decoder) U32() uint32 {
	b := d.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (d *Decoder) U64() uint64 {
	b := d.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (d *Decoder) Bool() bool {
	start := d.pos
	v := d.U8()
	if d.err != nil {
		return false
	}
	switch v {
	case 0:
		return false
	case 1:
		return true
	default:
		d.err = decodeErr(start, "invalid bool byte 0x%02x", v)
		return false
	}
}

// ULEB128 reads an unsigned LEB128 value bounded by MaxSequenceLength.
func (d *Decoder) ULEB128() uint64 {
	if d.err != nil {
		return 0
	}
	start := d.pos
	var v uint64
	for shift := uint(0); shift < 35; shift += 7 {
		b := d.take(1)
		if b == nil {
			return 0
		}
		v |= uint64(b[0]&0x7f) << shift
		if b[0]&0x80 == 0 {
			if v > MaxSequenceLength {
				d.err = decodeErr(start, "length %d exceeds maximum", v)
				return 0
			}
			if shift > 0 && b[0] == 0 {
				d.err = decodeErr(start, "non-canonical ULEB128")
				return 0
			}
			return v
		}
	}
	d.err = decodeErr(start, "ULEB128 overflow")
	return 0
}

// length reads a vector length and checks it against the remaining input
// before anything is allocated.
func (d *Decoder) length(minElemSize int) int {
	start := d.pos
	n := d.ULEB128()
	if d.err != nil {
		return 0
	}
	if minElemSize > 0 && n > uint64(d.Remaining()/minElemSize) {
		d.err = decodeErr(start, "vector length %d exceeds remaining input", n)
		return 0
	}
	return int(n)
}

// FixedBytes reads n bytes without a length prefix. The result is a copy.
func (d *Decoder) FixedBytes(n int) []byte {
	b := d.take(n)
	if b == nil {
		return nil
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}

// ByteVector reads a vector<u8>.
func (d *Decoder) ByteVector() []byte {
	n := d.length(1)
	if d.err != nil {
		return nil
	}
	return d.FixedBytes(n)
}

// String reads a vector<u8> as a string.
func (d *Decoder) String() string {
	return string(d.ByteVector())
}

// ByteVectors reads a vector<vector<u8>>.
func (d *Decoder) ByteVectors() [][]byte {
	n := d.length(1)
	if d.err != nil {
		return nil
	}
	out := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		v := d.ByteVector()
		if d.err != nil {
			return nil
		}
		out = append(out, v)
	}
	return out
}

// Address reads a 32-byte address and returns it in canonical hex.
func (d *Decoder) Address() string {
	b := d.take(AddressLength)
	if b == nil {
		return ""
	}
	var a Address
	copy(a[:], b)
	return a.String()
}

// OptionTag reads an Option discriminant.
func (d *Decoder) OptionTag() bool {
	start := d.pos
	n := d.ULEB128()
	if d.err != nil {
		return false
	}
	switch n {
	case 0:
		return false
	case 1:
		return true
	default:
		d.err = decodeErr(start, "invalid option tag %d", n)
		return false
	}
}

// MetadataArrays reads parallel key/value arrays and checks their counts.
func (d *Decoder) MetadataArrays() domain.Metadata {
	start := d.pos
	keys := d.ByteVectors()
	values := d.ByteVectors()
	if d.err != nil {
		return nil
	}
	if len(keys) != len(values) {
		d.err = decodeErr(start, "metadata has %d keys and %d values", len(keys), len(values))
		return nil
	}
	if len(keys) == 0 {
		return nil
	}
	md := make(domain.Metadata, len(keys))
	for i := range keys {
		md[i] = domain.MetadataEntry{Key: string(keys[i]), Value: string(values[i])}
	}
	return md
}

// Failf records a decode error at the current offset unless one is already
// set. Callers parsing enums use it for unknown variants.
func (d *Decoder) Failf(format string, args ...any) {
	if d.err == nil {
		d.err = decodeErr(d.pos, format, args...)
	}
}
