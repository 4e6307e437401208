package pipeline

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/alanyoungcy/p2pescrow/internal/domain"
	"github.com/alanyoungcy/p2pescrow/internal/platform/sui"
)

// EventSource streams contract events until ctx is cancelled.
type EventSource interface {
	Run(ctx context.Context, handle sui.EventHandler) error
}

// Listener turns contract events into read-model invalidations, an early
// refresh and a ChangeEvent per affected object.
type Listener struct {
	source    EventSource
	model     ReadModel
	refresher *Refresher
	bus       domain.EventBus
	logger    *slog.Logger
	now       func() time.Time
}

// NewListener creates a Listener. refresher and bus may be nil.
func NewListener(source EventSource, model ReadModel, refresher *Refresher, bus domain.EventBus, logger *slog.Logger) *Listener {
	return &Listener{
		source:    source,
		model:     model,
		refresher: refresher,
		bus:       bus,
		logger:    logger.With(slog.String("component", "event_listener")),
		now:       time.Now,
	}
}

// Run consumes events until ctx is cancelled.
func (l *Listener) Run(ctx context.Context) error {
	return l.source.Run(ctx, l.Handle)
}

// Handle processes one contract event.
func (l *Listener) Handle(ctx context.Context, ev domain.LedgerEvent) {
	name := sui.EventName(ev.EventType)
	kind, ok := kindOfEvent(name)
	l.logger.DebugContext(ctx, "ledger event",
		slog.String("event", name),
		slog.String("object", ev.ObjectID),
		slog.String("tx", ev.TxDigest),
	)
	if !ok {
		return
	}

	// Order events also move the parent listing; dispute events the order.
	l.model.Invalidate(kind)
	switch kind {
	case domain.KindOrder:
		l.model.Invalidate(domain.KindListing)
	case domain.KindDispute:
		l.model.Invalidate(domain.KindOrder)
	}
	if ev.ObjectID != "" {
		l.model.InvalidateObject(ev.ObjectID)
	}
	if l.refresher != nil {
		l.refresher.Trigger()
	}

	if ev.ObjectID == "" {
		return
	}
	at := ev.Timestamp
	if at.IsZero() {
		at = l.now()
	}
	publishChange(ctx, l.bus, l.logger, domain.ChangeEvent{
		Kind:      kind,
		ID:        ev.ObjectID,
		Source:    "ledger_event",
		TxDigest:  ev.TxDigest,
		Operation: name,
		At:        at,
	})
}

// kindOfEvent maps an event struct name such as "OrderCreated" or
// "DisputeResponded" to the entity kind it concerns.
func kindOfEvent(name string) (domain.EntityKind, bool) {
	switch {
	case strings.HasPrefix(name, "Dispute"):
		return domain.KindDispute, true
	case strings.HasPrefix(name, "Order"), strings.HasPrefix(name, "Payment"):
		return domain.KindOrder, true
	case strings.HasPrefix(name, "Listing"):
		return domain.KindListing, true
	default:
		return "", false
	}
}
