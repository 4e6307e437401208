package domain

import (
	"context"
	"time"
)

// EntityCache is a shared, expiring projection of decoded entities.
type EntityCache interface {
	ReadModelSink
	Invalidate(ctx context.Context, kind EntityKind, id string) error
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// EventBus provides pub/sub of change notifications.
type EventBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}

// Bus channel names.
const (
	ChannelChanges     = "marketplace:changes"
	ChannelSubmissions = "marketplace:submissions"
)

// ChangeEvent is published whenever the client observes that an entity
// changed on the ledger.
type ChangeEvent struct {
	Kind      EntityKind `json:"kind"`
	ID        string     `json:"id"`
	Source    string     `json:"source"` // "submission", "ledger_event", "refresh"
	TxDigest  string     `json:"tx_digest,omitempty"`
	Operation string     `json:"operation,omitempty"`
	At        time.Time  `json:"at"`
}

// RateLimiter admits at most limit requests per key within window.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}
