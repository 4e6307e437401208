package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/p2pescrow/internal/domain"
)

// DefaultEntityTTL bounds how long a pushed entity stays visible without a
// fresh push.
const DefaultEntityTTL = 5 * time.Minute

// EntityCache implements domain.EntityCache. It is a display projection for
// other processes; the ledger stays the source of truth.
//
// Key schema:
//
//	market:{kind}:{id}          - JSON of the decoded entity
//	market:{kind}:party:{addr}  - set of entity ids involving addr
type EntityCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewEntityCache creates an EntityCache. A non-positive ttl uses
// DefaultEntityTTL.
func NewEntityCache(c *Client, ttl time.Duration) *EntityCache {
	if ttl <= 0 {
		ttl = DefaultEntityTTL
	}
	return &EntityCache{rdb: c.Underlying(), ttl: ttl}
}

func entityKey(kind domain.EntityKind, id string) string {
	return keyPrefix + string(kind) + ":" + id
}

func partyKey(kind domain.EntityKind, addr string) string {
	return keyPrefix + string(kind) + ":party:" + addr
}

type cacheEntry struct {
	id      string
	parties []string
	value   any
}

// UpsertListings implements domain.ReadModelSink.
func (ec *EntityCache) UpsertListings(ctx context.Context, listings []domain.Listing) error {
	entries := make([]cacheEntry, len(listings))
	for i, l := range listings {
		entries[i] = cacheEntry{id: l.ID, parties: []string{l.Seller}, value: l}
	}
	return ec.put(ctx, domain.KindListing, entries)
}

// UpsertOrders implements domain.ReadModelSink.
func (ec *EntityCache) UpsertOrders(ctx context.Context, orders []domain.Order) error {
	entries := make([]cacheEntry, len(orders))
	for i, o := range orders {
		entries[i] = cacheEntry{id: o.ID, parties: []string{o.Buyer, o.Seller}, value: o}
	}
	return ec.put(ctx, domain.KindOrder, entries)
}

// UpsertDisputes implements domain.ReadModelSink.
func (ec *EntityCache) UpsertDisputes(ctx context.Context, disputes []domain.Dispute) error {
	entries := make([]cacheEntry, len(disputes))
	for i, d := range disputes {
		entries[i] = cacheEntry{id: d.ID, parties: []string{d.Buyer, d.Seller}, value: d}
	}
	return ec.put(ctx, domain.KindDispute, entries)
}

func (ec *EntityCache) put(ctx context.Context, kind domain.EntityKind, entries []cacheEntry) error {
	if len(entries) == 0 {
		return nil
	}
	pipe := ec.rdb.Pipeline()
	for _, e := range entries {
		data, err := json.Marshal(e.value)
		if err != nil {
			return fmt.Errorf("redis: marshal %s %s: %w", kind, e.id, err)
		}
		pipe.Set(ctx, entityKey(kind, e.id), data, ec.ttl)
		for _, p := range e.parties {
			if p == "" {
				continue
			}
			pk := partyKey(kind, p)
			pipe.SAdd(ctx, pk, e.id)
			pipe.Expire(ctx, pk, ec.ttl)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: upsert %d %s entries: %w", len(entries), kind, err)
	}
	return nil
}

// Invalidate drops one cached entity.
func (ec *EntityCache) Invalidate(ctx context.Context, kind domain.EntityKind, id string) error {
	if err := ec.rdb.Del(ctx, entityKey(kind, id)).Err(); err != nil {
		return fmt.Errorf("redis: invalidate %s %s: %w", kind, id, err)
	}
	return nil
}

// GetOrder returns a cached order or domain.ErrNotFound.
func (ec *EntityCache) GetOrder(ctx context.Context, id string) (domain.Order, error) {
	return get[domain.Order](ctx, ec.rdb, domain.KindOrder, id)
}

// GetListing returns a cached listing or domain.ErrNotFound.
func (ec *EntityCache) GetListing(ctx context.Context, id string) (domain.Listing, error) {
	return get[domain.Listing](ctx, ec.rdb, domain.KindListing, id)
}

// OrderIDsByParty lists cached order ids where addr is buyer or seller.
func (ec *EntityCache) OrderIDsByParty(ctx context.Context, addr string) ([]string, error) {
	ids, err := ec.rdb.SMembers(ctx, partyKey(domain.KindOrder, addr)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: orders of %s: %w", addr, err)
	}
	return ids, nil
}

func get[T any](ctx context.Context, rdb *redis.Client, kind domain.EntityKind, id string) (T, error) {
	var v T
	data, err := rdb.Get(ctx, entityKey(kind, id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return v, fmt.Errorf("redis: %s %s: %w", kind, id, domain.ErrNotFound)
		}
		return v, fmt.Errorf("redis: get %s %s: %w", kind, id, err)
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("redis: unmarshal %s %s: %w", kind, id, err)
	}
	return v, nil
}

var _ domain.EntityCache = (*EntityCache)(nil)
