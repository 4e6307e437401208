package codec

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/alanyoungcy/p2pescrow/internal/domain"
)

// ByteKind tags the shape a ByteData payload arrived in.
type ByteKind uint8

const (
	KindRawBytes ByteKind = iota + 1
	KindHexString
)

func (k ByteKind) String() string {
	switch k {
	case KindRawBytes:
		return "raw"
	case KindHexString:
		return "hex"
	default:
		return "unknown"
	}
}

// ByteData is the payload of an entity record as handed over by the
// indexer: either raw bytes or a hex string. Bytes normalizes both.
type ByteData struct {
	kind ByteKind
	raw  []byte
	hex  string
}

// RawBytes wraps an already-decoded byte payload.
func RawBytes(b []byte) ByteData {
	return ByteData{kind: KindRawBytes, raw: b}
}

// HexString wraps a hex payload, with or without a 0x prefix.
func HexString(s string) ByteData {
	return ByteData{kind: KindHexString, hex: s}
}

// Kind reports which shape the payload has.
func (d ByteData) Kind() ByteKind { return d.kind }

// Bytes normalizes the payload to raw bytes.
func (d ByteData) Bytes() ([]byte, error) {
	switch d.kind {
	case KindRawBytes:
		return d.raw, nil
	case KindHexString:
		h := strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(d.hex), "0x"), "0X")
		b, err := hex.DecodeString(h)
		if err != nil {
			return nil, fmt.Errorf("codec: hex payload: %v: %w", err, domain.ErrDecode)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("codec: empty payload: %w", domain.ErrDecode)
	}
}

// UnmarshalJSON accepts either a JSON array of byte values or a hex string.
func (d *ByteData) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return fmt.Errorf("codec: empty payload: %w", domain.ErrDecode)
	}
	switch trimmed[0] {
	case '[':
		var ints []int
		if err := json.Unmarshal(trimmed, &ints); err != nil {
			return fmt.Errorf("codec: byte array: %v: %w", err, domain.ErrDecode)
		}
		raw := make([]byte, len(ints))
		for i, v := range ints {
			if v < 0 || v > 255 {
				return fmt.Errorf("codec: byte array element %d out of range: %w", i, domain.ErrDecode)
			}
			raw[i] = byte(v)
		}
		*d = RawBytes(raw)
		return nil
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return fmt.Errorf("codec: hex payload: %v: %w", err, domain.ErrDecode)
		}
		*d = HexString(s)
		return nil
	default:
		return fmt.Errorf("codec: payload must be a byte array or hex string: %w", domain.ErrDecode)
	}
}

// MarshalJSON writes raw payloads as arrays and hex payloads as strings.
func (d ByteData) MarshalJSON() ([]byte, error) {
	switch d.kind {
	case KindHexString:
		return json.Marshal(d.hex)
	case KindRawBytes:
		ints := make([]int, len(d.raw))
		for i, b := range d.raw {
			ints[i] = int(b)
		}
		return json.Marshal(ints)
	default:
		return []byte("null"), nil
	}
}

// ParseByteData decodes a JSON payload into ByteData.
func ParseByteData(raw json.RawMessage) (ByteData, error) {
	var d ByteData
	if err := d.UnmarshalJSON(raw); err != nil {
		return ByteData{}, err
	}
	return d, nil
}
