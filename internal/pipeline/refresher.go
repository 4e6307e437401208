// Package pipeline keeps the read model and its downstream projections in
// step with the ledger: periodic and event-driven refreshes, change
// notifications, and scheduled snapshots.
package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/alanyoungcy/p2pescrow/internal/domain"
)

// ReadModel is the store being kept fresh. Refresh also pushes every
// fetched collection to the store's sinks.
type ReadModel interface {
	Refresh(ctx context.Context) error
	GetAllListings(ctx context.Context) []domain.Listing
	GetAllOrders(ctx context.Context) []domain.Order
	GetAllDisputes(ctx context.Context) []domain.Dispute
	Invalidate(kind domain.EntityKind)
	InvalidateObject(id string)
}

type entityKey struct {
	kind domain.EntityKind
	id   string
}

// Refresher refetches the read model on a ticker or on demand and publishes
// a ChangeEvent for every entity whose object version moved.
type Refresher struct {
	model    ReadModel
	bus      domain.EventBus
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time

	trigger  chan struct{}
	versions map[entityKey]uint64
	seeded   bool
}

// NewRefresher creates a Refresher. bus may be nil.
func NewRefresher(model ReadModel, bus domain.EventBus, interval time.Duration, logger *slog.Logger) *Refresher {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Refresher{
		model:    model,
		bus:      bus,
		interval: interval,
		logger:   logger.With(slog.String("component", "refresher")),
		now:      time.Now,
		trigger:  make(chan struct{}, 1),
		versions: make(map[entityKey]uint64),
	}
}

// Trigger requests a refresh as soon as possible. Requests made while one
// is pending are merged.
func (r *Refresher) Trigger() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

// Run refreshes immediately and then on every tick or trigger until ctx is
// cancelled. Failed refreshes are logged and retried on the next tick.
func (r *Refresher) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "refresher started", slog.Duration("interval", r.interval))
	r.runLogged(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-r.trigger:
		}
		r.runLogged(ctx)
	}
}

func (r *Refresher) runLogged(ctx context.Context) {
	start := time.Now()
	changed, err := r.RunOnce(ctx)
	if err != nil {
		if ctx.Err() == nil {
			r.logger.WarnContext(ctx, "refresh failed", slog.String("error", err.Error()))
		}
		return
	}
	r.logger.DebugContext(ctx, "refresh complete",
		slog.Int("changed", changed),
		slog.Duration("took", time.Since(start)),
	)
}

// RunOnce refreshes the read model and publishes changes. The first
// successful run only records versions.
func (r *Refresher) RunOnce(ctx context.Context) (int, error) {
	if err := r.model.Refresh(ctx); err != nil {
		return 0, err
	}

	current := make(map[entityKey]uint64)
	for _, l := range r.model.GetAllListings(ctx) {
		current[entityKey{domain.KindListing, l.ID}] = l.Meta.Version
	}
	for _, o := range r.model.GetAllOrders(ctx) {
		current[entityKey{domain.KindOrder, o.ID}] = o.Meta.Version
	}
	for _, d := range r.model.GetAllDisputes(ctx) {
		current[entityKey{domain.KindDispute, d.ID}] = d.Meta.Version
	}

	var changed []entityKey
	for k, v := range current {
		if prev, ok := r.versions[k]; !ok || prev != v {
			changed = append(changed, k)
		}
	}
	r.versions = current
	if !r.seeded {
		r.seeded = true
		return 0, nil
	}

	at := r.now().UTC()
	for _, k := range changed {
		publishChange(ctx, r.bus, r.logger, domain.ChangeEvent{
			Kind:   k.kind,
			ID:     k.id,
			Source: "refresh",
			At:     at,
		})
	}
	return len(changed), nil
}

func publishChange(ctx context.Context, bus domain.EventBus, logger *slog.Logger, ev domain.ChangeEvent) {
	if bus == nil {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := bus.Publish(ctx, domain.ChannelChanges, payload); err != nil {
		logger.WarnContext(ctx, "publish change failed",
			slog.String("kind", string(ev.Kind)),
			slog.String("id", ev.ID),
			slog.String("error", err.Error()),
		)
	}
}
