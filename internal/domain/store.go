package domain

import (
	"context"
	"time"
)

// EntityKind names one of the marketplace object types.
type EntityKind string

const (
	KindListing EntityKind = "listing"
	KindOrder   EntityKind = "order"
	KindDispute EntityKind = "dispute"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// ReadModelSink receives one-way pushes of decoded entities for display.
// A sink is never read back as a source of truth.
type ReadModelSink interface {
	UpsertListings(ctx context.Context, listings []Listing) error
	UpsertOrders(ctx context.Context, orders []Order) error
	UpsertDisputes(ctx context.Context, disputes []Dispute) error
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
