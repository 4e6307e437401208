package pipeline

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	s3blob "github.com/alanyoungcy/p2pescrow/internal/blob/s3"
	"github.com/alanyoungcy/p2pescrow/internal/domain"
	"github.com/alanyoungcy/p2pescrow/internal/platform/sui"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeModel struct {
	mu          sync.Mutex
	listings    []domain.Listing
	orders      []domain.Order
	disputes    []domain.Dispute
	refreshes   int
	refreshErr  error
	invalidated []domain.EntityKind
	objects     []string
}

func (m *fakeModel) Refresh(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refreshes++
	return m.refreshErr
}

func (m *fakeModel) GetAllListings(context.Context) []domain.Listing {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.Listing(nil), m.listings...)
}

func (m *fakeModel) GetAllOrders(context.Context) []domain.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.Order(nil), m.orders...)
}

func (m *fakeModel) GetAllDisputes(context.Context) []domain.Dispute {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.Dispute(nil), m.disputes...)
}

func (m *fakeModel) Invalidate(kind domain.EntityKind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invalidated = append(m.invalidated, kind)
}

func (m *fakeModel) InvalidateObject(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects = append(m.objects, id)
}

func (m *fakeModel) refreshCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refreshes
}

type memBus struct {
	mu     sync.Mutex
	events []domain.ChangeEvent
}

func (b *memBus) Publish(_ context.Context, channel string, payload []byte) error {
	if channel != domain.ChannelChanges {
		return nil
	}
	var ev domain.ChangeEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
	return nil
}

func (b *memBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return make(chan []byte), nil
}

func (b *memBus) published() []domain.ChangeEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]domain.ChangeEvent(nil), b.events...)
}

func listing(id string, version uint64) domain.Listing {
	return domain.Listing{ID: id, Meta: domain.ObjectMeta{Version: version}}
}

func TestRefresherSeedsThenPublishesChanges(t *testing.T) {
	model := &fakeModel{
		listings: []domain.Listing{listing("0xa", 1), listing("0xb", 1)},
		orders:   []domain.Order{{ID: "0xo", Meta: domain.ObjectMeta{Version: 3}}},
	}
	bus := &memBus{}
	r := NewRefresher(model, bus, time.Minute, discard)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return at }

	n, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, bus.published(), "first run only seeds versions")

	n, err = r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	model.mu.Lock()
	model.listings[1] = listing("0xb", 2)
	model.disputes = []domain.Dispute{{ID: "0xd", Meta: domain.ObjectMeta{Version: 1}}}
	model.mu.Unlock()

	n, err = r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got := map[string]domain.ChangeEvent{}
	for _, ev := range bus.published() {
		got[ev.ID] = ev
	}
	require.Len(t, got, 2)
	assert.Equal(t, domain.KindListing, got["0xb"].Kind)
	assert.Equal(t, domain.KindDispute, got["0xd"].Kind)
	assert.Equal(t, "refresh", got["0xd"].Source)
	assert.True(t, got["0xd"].At.Equal(at))
}

func TestRefresherRefreshError(t *testing.T) {
	model := &fakeModel{refreshErr: assert.AnError}
	r := NewRefresher(model, nil, 0, discard)
	assert.Equal(t, 30*time.Second, r.interval)

	_, err := r.RunOnce(context.Background())
	assert.ErrorIs(t, err, assert.AnError)
}

func TestRefresherTriggerRefreshesEarly(t *testing.T) {
	model := &fakeModel{}
	r := NewRefresher(model, nil, time.Hour, discard)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool { return model.refreshCount() == 1 }, time.Second, time.Millisecond)
	r.Trigger()
	require.Eventually(t, func() bool { return model.refreshCount() == 2 }, time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestKindOfEvent(t *testing.T) {
	cases := map[string]domain.EntityKind{
		"ListingCreated":   domain.KindListing,
		"ListingCancelled": domain.KindListing,
		"OrderCreated":     domain.KindOrder,
		"PaymentMade":      domain.KindOrder,
		"DisputeCreated":   domain.KindDispute,
	}
	for name, want := range cases {
		got, ok := kindOfEvent(name)
		assert.True(t, ok, name)
		assert.Equal(t, want, got, name)
	}
	_, ok := kindOfEvent("FeeCollected")
	assert.False(t, ok)
}

func TestListenerHandle(t *testing.T) {
	model := &fakeModel{}
	bus := &memBus{}
	r := NewRefresher(model, nil, time.Hour, discard)
	l := NewListener(nil, model, r, bus, discard)
	now := time.Date(2026, 5, 2, 8, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	l.Handle(context.Background(), domain.LedgerEvent{
		TxDigest:  "Dig1",
		EventType: "0x2a::marketplace::DisputeCreated",
		ObjectID:  "0xd1",
	})

	assert.Equal(t, []domain.EntityKind{domain.KindDispute, domain.KindOrder}, model.invalidated)
	assert.Equal(t, []string{"0xd1"}, model.objects)
	assert.Len(t, r.trigger, 1, "refresh requested")

	events := bus.published()
	require.Len(t, events, 1)
	assert.Equal(t, domain.ChangeEvent{
		Kind:      domain.KindDispute,
		ID:        "0xd1",
		Source:    "ledger_event",
		TxDigest:  "Dig1",
		Operation: "DisputeCreated",
		At:        now,
	}, events[0])
}

func TestListenerIgnoresUnknownEvents(t *testing.T) {
	model := &fakeModel{}
	bus := &memBus{}
	l := NewListener(nil, model, nil, bus, discard)
	l.Handle(context.Background(), domain.LedgerEvent{EventType: "0x2a::marketplace::FeeCollected", ObjectID: "0x1"})

	assert.Empty(t, model.invalidated)
	assert.Empty(t, bus.published())
}

type scriptedSource struct {
	events []domain.LedgerEvent
}

func (s scriptedSource) Run(ctx context.Context, handle sui.EventHandler) error {
	for _, ev := range s.events {
		handle(ctx, ev)
	}
	<-ctx.Done()
	return ctx.Err()
}

func TestParseCron(t *testing.T) {
	c, err := parseCron("*/15 2-4 * * 1,5")
	require.NoError(t, err)
	assert.Equal(t, []int{0, 15, 30, 45}, c.minute.values)
	assert.Equal(t, []int{2, 3, 4}, c.hour.values)
	assert.True(t, c.dayOfMonth.wildcard)
	assert.Equal(t, []int{1, 5}, c.dayOfWeek.values)

	for _, bad := range []string{"* * * *", "61 * * * *", "*/0 * * * *", "5-2 * * * *", "x * * * *"} {
		_, err := parseCron(bad)
		assert.Error(t, err, bad)
	}
}

func TestNextCronTime(t *testing.T) {
	after := time.Date(2026, 1, 1, 10, 7, 30, 0, time.UTC)

	next, err := nextCronTime("*/15 * * * *", after)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 1, 1, 10, 15, 0, 0, time.UTC), next)

	next, err = nextCronTime("0 3 * * *", after)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC), next)

	_, err = nextCronTime("0 0 31 2 *", after)
	assert.Error(t, err, "february 31st never matches")
}

type fakeSnapshotter struct {
	mu    sync.Mutex
	calls []time.Time
	err   error
}

func (f *fakeSnapshotter) Snapshot(_ context.Context, at time.Time) (s3blob.Manifest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, at)
	if f.err != nil {
		return s3blob.Manifest{}, f.err
	}
	return s3blob.Manifest{TakenAt: at, Prefix: "snapshots/x", Counts: map[string]int{"listing": 2}}, nil
}

func TestSnapshotScheduler(t *testing.T) {
	_, err := NewSnapshotScheduler(&fakeSnapshotter{}, "every hour", discard)
	require.Error(t, err)

	snap := &fakeSnapshotter{}
	s, err := NewSnapshotScheduler(snap, "0 * * * *", discard)
	require.NoError(t, err)
	at := time.Date(2026, 4, 4, 4, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return at }

	m, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, m.Counts["listing"])
	assert.Equal(t, []time.Time{at}, snap.calls)

	snap.err = assert.AnError
	_, err = s.RunOnce(context.Background())
	assert.ErrorIs(t, err, assert.AnError)
}

func TestOrchestratorRunsUntilCancelled(t *testing.T) {
	model := &fakeModel{}
	bus := &memBus{}
	r := NewRefresher(model, bus, time.Hour, discard)
	l := NewListener(scriptedSource{events: []domain.LedgerEvent{
		{EventType: "0x2a::marketplace::OrderCreated", ObjectID: "0xo1", TxDigest: "D"},
	}}, model, r, bus, discard)
	s, err := NewSnapshotScheduler(&fakeSnapshotter{}, "0 0 1 1 *", discard)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewOrchestrator(r, l, s, discard).Run(ctx) }()

	require.Eventually(t, func() bool { return len(bus.published()) == 1 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return model.refreshCount() >= 1 }, time.Second, time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}
