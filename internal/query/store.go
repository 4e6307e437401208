// Package query is the read side of the marketplace client. It pages
// through the indexer, decodes entities and keeps them in an expiring read
// model that writers invalidate after confirmed transactions.
//
// Read failures never cross this package: they are logged and the caller
// gets the last good snapshot, an empty result or nil.
package query

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/jinzhu/copier"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/alanyoungcy/p2pescrow/internal/codec"
	"github.com/alanyoungcy/p2pescrow/internal/domain"
	"github.com/alanyoungcy/p2pescrow/internal/market"
	"github.com/alanyoungcy/p2pescrow/internal/metrics"
	"github.com/alanyoungcy/p2pescrow/internal/platform/sui"
)

// Indexer is the paginated read API.
type Indexer interface {
	ObjectsByType(ctx context.Context, structType, after string, first int) (sui.ObjectPage, error)
	Object(ctx context.Context, id string) (*sui.ObjectNode, error)
}

// Config controls paging and freshness.
type Config struct {
	PackageID string
	Module    string
	PageSize  int
	MaxPages  int
	TTL       time.Duration // collection snapshot lifetime
	LookupTTL time.Duration // point lookup cache lifetime
}

func (c *Config) setDefaults() {
	if c.Module == "" {
		c.Module = "marketplace"
	}
	if c.PageSize <= 0 {
		c.PageSize = 50
	}
	if c.MaxPages <= 0 {
		c.MaxPages = 20
	}
	if c.TTL <= 0 {
		c.TTL = 15 * time.Second
	}
	if c.LookupTTL <= 0 {
		c.LookupTTL = 2 * time.Second
	}
}

// collection is the snapshot of one entity type.
type collection[T any] struct {
	kind   domain.EntityKind
	typ    string
	decode func(sui.ObjectNode) (T, error)
	id     func(T) string
	push   func(context.Context, domain.ReadModelSink, []T) error

	mu      sync.RWMutex
	items   []T
	fetched time.Time
	valid   bool
	// gen moves on every invalidation. A fetch that started under an older
	// generation must not mark the snapshot valid.
	gen uint64
}

type lookup struct {
	node *sui.ObjectNode
	at   time.Time
}

// Store is the read model. It is safe for concurrent use.
type Store struct {
	idx    Indexer
	cfg    Config
	logger *slog.Logger
	sinks  []domain.ReadModelSink
	now    func() time.Time

	group singleflight.Group

	listings *collection[domain.Listing]
	orders   *collection[domain.Order]
	disputes *collection[domain.Dispute]

	lookupMu  sync.Mutex
	lookups   map[string]lookup
	lookupGen uint64
}

// NewStore creates a read model over idx. Sinks receive every freshly
// fetched collection.
func NewStore(idx Indexer, cfg Config, logger *slog.Logger, sinks ...domain.ReadModelSink) *Store {
	cfg.setDefaults()
	prefix := codec.NormalizeAddress(cfg.PackageID) + "::" + cfg.Module + "::"
	return &Store{
		idx:     idx,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "query")),
		sinks:   sinks,
		now:     time.Now,
		lookups: make(map[string]lookup),
		listings: &collection[domain.Listing]{
			kind: domain.KindListing,
			typ:  prefix + "Listing",
			decode: func(n sui.ObjectNode) (domain.Listing, error) {
				l, err := codec.DecodeListingData(n.Data)
				if err != nil {
					return l, err
				}
				l.Meta = n.Meta
				return l, market.CheckListing(l)
			},
			id: func(l domain.Listing) string { return l.ID },
			push: func(ctx context.Context, s domain.ReadModelSink, ls []domain.Listing) error {
				return s.UpsertListings(ctx, ls)
			},
		},
		orders: &collection[domain.Order]{
			kind: domain.KindOrder,
			typ:  prefix + "Order",
			decode: func(n sui.ObjectNode) (domain.Order, error) {
				o, err := codec.DecodeOrderData(n.Data)
				if err != nil {
					return o, err
				}
				o.Meta = n.Meta
				return o, market.CheckOrder(o)
			},
			id: func(o domain.Order) string { return o.ID },
			push: func(ctx context.Context, s domain.ReadModelSink, os []domain.Order) error {
				return s.UpsertOrders(ctx, os)
			},
		},
		disputes: &collection[domain.Dispute]{
			kind: domain.KindDispute,
			typ:  prefix + "Dispute",
			decode: func(n sui.ObjectNode) (domain.Dispute, error) {
				d, err := codec.DecodeDisputeData(n.Data)
				d.Meta = n.Meta
				return d, err
			},
			id: func(d domain.Dispute) string { return d.ID },
			push: func(ctx context.Context, s domain.ReadModelSink, ds []domain.Dispute) error {
				return s.UpsertDisputes(ctx, ds)
			},
		},
	}
}

// SetClock replaces the clock used for snapshot freshness.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

// Invalidate marks the snapshot of kind stale. The next read refetches.
func (s *Store) Invalidate(kind domain.EntityKind) {
	switch kind {
	case domain.KindListing:
		invalidate(s.listings)
	case domain.KindOrder:
		invalidate(s.orders)
	case domain.KindDispute:
		invalidate(s.disputes)
	}
}

// InvalidateObject drops the cached point lookup of id and the snapshot of
// whichever kind holds it.
func (s *Store) InvalidateObject(id string) {
	id = codec.NormalizeAddress(id)
	s.lookupMu.Lock()
	delete(s.lookups, id)
	s.lookupGen++
	s.lookupMu.Unlock()
	invalidateHolding(s.listings, id)
	invalidateHolding(s.orders, id)
	invalidateHolding(s.disputes, id)
}

// Refresh refetches every collection concurrently and pushes the results to
// the sinks. Unlike the getters it reports fetch failures.
func (s *Store) Refresh(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { _, err := refresh(ctx, s, s.listings); return err })
	g.Go(func() error { _, err := refresh(ctx, s, s.orders); return err })
	g.Go(func() error { _, err := refresh(ctx, s, s.disputes); return err })
	if err := g.Wait(); err != nil {
		return fmt.Errorf("query: refresh: %w", err)
	}
	s.lookupMu.Lock()
	clear(s.lookups)
	s.lookupGen++
	s.lookupMu.Unlock()
	return nil
}

func invalidate[T any](c *collection[T]) {
	c.mu.Lock()
	c.valid = false
	c.gen++
	c.mu.Unlock()
}

func invalidateHolding[T any](c *collection[T], id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, it := range c.items {
		if c.id(it) == id {
			c.valid = false
			c.gen++
			return
		}
	}
}

// all returns a copy of the collection, refetching when stale. On failure
// the last snapshot is served.
func all[T any](ctx context.Context, s *Store, c *collection[T]) []T {
	c.mu.RLock()
	fresh := c.valid && s.now().Sub(c.fetched) < s.cfg.TTL
	items := c.items
	gen := c.gen
	c.mu.RUnlock()
	if fresh {
		return clone(items)
	}

	// Reads after an invalidation must not join a flight started before it.
	key := fmt.Sprintf("all:%s:%d", c.kind, gen)
	v, err, _ := s.group.Do(key, func() (any, error) {
		return refresh(ctx, s, c)
	})
	if err != nil {
		s.logger.WarnContext(ctx, "collection fetch failed",
			slog.String("kind", string(c.kind)),
			slog.Int("stale_items", len(items)),
			slog.String("error", err.Error()),
		)
		return clone(items)
	}
	return clone(v.([]T))
}

// refresh fetches every page of c and replaces the snapshot.
func refresh[T any](ctx context.Context, s *Store, c *collection[T]) ([]T, error) {
	c.mu.RLock()
	gen := c.gen
	c.mu.RUnlock()

	var (
		out   []T
		after string
	)
	for page := 0; ; page++ {
		if page == s.cfg.MaxPages {
			s.logger.WarnContext(ctx, "page limit reached, result truncated",
				slog.String("kind", string(c.kind)), slog.Int("max_pages", s.cfg.MaxPages))
			break
		}
		p, err := s.idx.ObjectsByType(ctx, c.typ, after, s.cfg.PageSize)
		if err != nil {
			metrics.ObserveRefresh(string(c.kind), 0, err)
			return nil, fmt.Errorf("query: %s page %d: %w", c.kind, page, err)
		}
		for _, id := range p.Malformed {
			metrics.ObserveDecodeFailure(string(c.kind))
			s.logger.WarnContext(ctx, "skipping node with malformed metadata",
				slog.String("kind", string(c.kind)), slog.String("id", id))
		}
		for _, n := range p.Nodes {
			if v, ok := decodeNode(ctx, s, c, n); ok {
				out = append(out, v)
			}
		}
		if !p.HasNextPage || p.EndCursor == "" {
			break
		}
		after = p.EndCursor
	}

	c.mu.Lock()
	superseded := c.gen != gen
	if !superseded {
		c.items = out
		c.fetched = s.now()
		c.valid = true
	}
	c.mu.Unlock()
	metrics.ObserveRefresh(string(c.kind), len(out), nil)
	if superseded {
		s.logger.DebugContext(ctx, "snapshot invalidated during fetch, not stored",
			slog.String("kind", string(c.kind)))
		return out, nil
	}

	for _, sink := range s.sinks {
		if err := c.push(ctx, sink, clone(out)); err != nil {
			s.logger.WarnContext(ctx, "read model push failed",
				slog.String("kind", string(c.kind)), slog.String("error", err.Error()))
		}
	}
	return out, nil
}

func decodeNode[T any](ctx context.Context, s *Store, c *collection[T], n sui.ObjectNode) (T, bool) {
	var zero T
	if n.Data.Kind() == 0 {
		s.logger.WarnContext(ctx, "skipping node without contents",
			slog.String("kind", string(c.kind)), slog.String("id", n.ID))
		return zero, false
	}
	v, err := c.decode(n)
	if err != nil {
		metrics.ObserveDecodeFailure(string(c.kind))
		s.logger.WarnContext(ctx, "skipping undecodable node",
			slog.String("kind", string(c.kind)), slog.String("id", n.ID), slog.String("error", err.Error()))
		return zero, false
	}
	return v, true
}

// one looks up a single object, sharing concurrent lookups of the same id
// and caching the answer briefly.
func one[T any](ctx context.Context, s *Store, c *collection[T], id string) *T {
	if _, err := codec.ParseAddress(id); err != nil {
		s.logger.DebugContext(ctx, "invalid object id", slog.String("id", id))
		return nil
	}
	id = codec.NormalizeAddress(id)

	s.lookupMu.Lock()
	hit, ok := s.lookups[id]
	gen := s.lookupGen
	s.lookupMu.Unlock()

	node := hit.node
	if !ok || s.now().Sub(hit.at) >= s.cfg.LookupTTL {
		key := fmt.Sprintf("object:%s:%d", id, gen)
		v, err, _ := s.group.Do(key, func() (any, error) {
			n, err := s.idx.Object(ctx, id)
			if err != nil {
				return nil, err
			}
			s.lookupMu.Lock()
			if s.lookupGen == gen {
				s.lookups[id] = lookup{node: n, at: s.now()}
			}
			s.lookupMu.Unlock()
			return n, nil
		})
		if err != nil {
			s.logger.WarnContext(ctx, "object lookup failed", slog.String("id", id), slog.String("error", err.Error()))
			return nil
		}
		node = v.(*sui.ObjectNode)
	}
	if node == nil {
		return nil
	}
	if !sameType(node.Type, c.typ) {
		s.logger.DebugContext(ctx, "object has a different type",
			slog.String("id", id), slog.String("type", node.Type), slog.String("want", c.typ))
		return nil
	}
	v, ok := decodeNode(ctx, s, c, *node)
	if !ok {
		return nil
	}
	out := clone([]T{v})
	return &out[0]
}

// clone deep-copies entities so callers cannot alias the snapshot. Nil
// slice fields stay nil in the copy.
func clone[T any](items []T) []T {
	if len(items) == 0 {
		return nil
	}
	var out []T
	if err := copier.CopyWithOption(&out, &items, copier.Option{DeepCopy: true}); err != nil {
		out = make([]T, len(items))
		copy(out, items)
		return out
	}
	for i := range out {
		keepNilSlices(reflect.ValueOf(&out[i]).Elem(), reflect.ValueOf(items[i]))
	}
	return out
}

// keepNilSlices resets the top-level slice fields of dst that are nil in src.
func keepNilSlices(dst, src reflect.Value) {
	if dst.Kind() != reflect.Struct {
		return
	}
	for i := range dst.NumField() {
		f := dst.Field(i)
		if f.Kind() == reflect.Slice && src.Field(i).IsNil() && f.CanSet() {
			f.SetZero()
		}
	}
}
