package domain

import (
	"sort"
	"time"
)

// MetadataEntry is one key/value pair of entity metadata.
type MetadataEntry struct {
	Key   string
	Value string
}

// Metadata keeps the wire order of the parallel key/value arrays so that
// re-encoding a decoded record reproduces the original bytes.
type Metadata []MetadataEntry

// NewMetadata builds Metadata from a map with keys in sorted order.
func NewMetadata(m map[string]string) Metadata {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	md := make(Metadata, 0, len(keys))
	for _, k := range keys {
		md = append(md, MetadataEntry{Key: k, Value: m[k]})
	}
	return md
}

// Map returns the metadata as a string-keyed map. Later duplicates win.
func (m Metadata) Map() map[string]string {
	out := make(map[string]string, len(m))
	for _, e := range m {
		out[e.Key] = e.Value
	}
	return out
}

// Get returns the value of the last entry with the given key.
func (m Metadata) Get(key string) (string, bool) {
	for i := len(m) - 1; i >= 0; i-- {
		if m[i].Key == key {
			return m[i].Value, true
		}
	}
	return "", false
}

// Arrays splits the metadata into the parallel byte-vector arrays used on
// the wire.
func (m Metadata) Arrays() (keys, values [][]byte) {
	keys = make([][]byte, len(m))
	values = make([][]byte, len(m))
	for i, e := range m {
		keys[i] = []byte(e.Key)
		values[i] = []byte(e.Value)
	}
	return keys, values
}

// Well-known metadata keys.
const (
	MetaPaymentMethods = "payment_methods"
	MetaDescription    = "description"
	MetaMinAmount      = "min_amount"
	MetaMaxAmount      = "max_amount"
)

// Listing is a standing, partially fillable offer to sell TokenAmount units
// at Price. StatusCode is the raw ledger code; use the market package to
// interpret it.
type Listing struct {
	ID              string
	Seller          string
	TokenAmount     uint64
	RemainingAmount uint64
	Price           uint64
	Expiry          time.Time
	CreatedAt       time.Time
	StatusCode      uint8
	Metadata        Metadata

	Meta ObjectMeta
}
