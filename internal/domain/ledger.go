package domain

import "time"

// ObjectRef identifies one version of an owned ledger object.
type ObjectRef struct {
	ObjectID string
	Version  uint64
	Digest   string // base58 object digest
}

// OwnerKind is the ownership class of a ledger object.
type OwnerKind string

const (
	OwnerAddress   OwnerKind = "address"
	OwnerObject    OwnerKind = "object"
	OwnerShared    OwnerKind = "shared"
	OwnerImmutable OwnerKind = "immutable"
)

// Owner describes who may use an object as a transaction input.
type Owner struct {
	Kind                 OwnerKind
	Address              string // set for OwnerAddress and OwnerObject
	InitialSharedVersion uint64 // set for OwnerShared
}

// ObjectInfo is the resolver's view of a single object.
type ObjectInfo struct {
	Ref         ObjectRef
	Owner       Owner
	Type        string
	CoinBalance *uint64 // non-nil when Type is a 0x2::coin::Coin
}

// ObjectMeta carries indexer metadata that is not part of the struct payload.
type ObjectMeta struct {
	Version    uint64
	Digest     string
	Owner      Owner
	PreviousTx string
}

// Coin is a spendable coin object of a given coin type.
type Coin struct {
	Ref      ObjectRef
	CoinType string
	Balance  uint64
}

// TxState is the finality classification of a submitted transaction.
type TxState string

const (
	TxPending TxState = "pending" // not yet known to the fullnode
	TxSuccess TxState = "success"
	TxFailure TxState = "failure"
)

// TxStatus is the result of a finality lookup by digest.
type TxStatus struct {
	Digest string
	State  TxState
	Error  string
	// ChangedObjects lists IDs of objects created or mutated by the transaction.
	ChangedObjects []string
	Checkpoint     uint64
}

// LedgerEvent is a contract event observed on the ledger event stream.
type LedgerEvent struct {
	TxDigest  string
	EventType string
	Sender    string
	ObjectID  string
	Timestamp time.Time
}
