package notify

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/alanyoungcy/p2pescrow/internal/domain"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type recorder struct {
	mu     sync.Mutex
	titles []string
	err    error
}

func (r *recorder) Send(_ context.Context, title, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.titles = append(r.titles, title)
	return r.err
}

func (r *recorder) Name() string { return "recorder" }

func (r *recorder) sent() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.titles...)
}

func TestNotifyFiltersEvents(t *testing.T) {
	rec := &recorder{}
	n := NewNotifier([]Sender{rec}, []string{EventSubmissionFailed, " "}, discard)

	require.NoError(t, n.Notify(context.Background(), EventOrderChanged, "ignored", ""))
	require.NoError(t, n.Notify(context.Background(), EventSubmissionFailed, "kept", ""))
	assert.Equal(t, []string{"kept"}, rec.sent())

	all := NewNotifier([]Sender{rec}, nil, discard)
	require.NoError(t, all.Notify(context.Background(), EventOrderChanged, "any", ""))
	assert.Len(t, rec.sent(), 2)
}

func TestDispatchContinuesAfterFailure(t *testing.T) {
	bad := &recorder{err: assert.AnError}
	good := &recorder{}
	n := NewNotifier([]Sender{bad, good}, nil, discard)

	err := n.Notify(context.Background(), EventDisputeChanged, "t", "m")
	assert.ErrorContains(t, err, "1 sender(s) failed")
	assert.Equal(t, []string{"t"}, good.sent())
}

func TestDescribe(t *testing.T) {
	event, title, msg, ok := describeSubmission([]byte(`{"operation":"release_order","target":"0x7","status":"failure","error":"boom"}`))
	require.True(t, ok)
	assert.Equal(t, EventSubmissionFailed, event)
	assert.Equal(t, "Submission failed: release_order", title)
	assert.Contains(t, msg, "boom")

	event, _, msg, ok = describeSubmission([]byte(`{"operation":"create_listing","status":"success","digest":"D1"}`))
	require.True(t, ok)
	assert.Equal(t, EventSubmissionConfirmed, event)
	assert.Contains(t, msg, "target -")

	_, _, _, ok = describeSubmission([]byte(`not json`))
	assert.False(t, ok)

	event, title, msg, ok = describeChange([]byte(`{"kind":"dispute","id":"0xd","source":"ledger_event","operation":"DisputeCreated"}`))
	require.True(t, ok)
	assert.Equal(t, EventDisputeChanged, event)
	assert.Equal(t, "dispute 0xd updated", title)
	assert.Contains(t, msg, "DisputeCreated")

	_, _, _, ok = describeChange([]byte(`{"kind":"coin","id":"0x1"}`))
	assert.False(t, ok)
}

type chanBus struct {
	chans map[string]chan []byte
}

func (b *chanBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.chans[channel] <- payload
	return nil
}

func (b *chanBus) Subscribe(_ context.Context, channel string) (<-chan []byte, error) {
	return b.chans[channel], nil
}

func TestRunRelaysBusMessages(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	bus := &chanBus{chans: map[string]chan []byte{
		domain.ChannelSubmissions: make(chan []byte, 2),
		domain.ChannelChanges:     make(chan []byte, 2),
	}}
	rec := &recorder{}
	n := NewNotifier([]Sender{rec}, []string{EventSubmissionFailed, EventOrderChanged}, discard)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx, bus) }()

	require.NoError(t, bus.Publish(ctx, domain.ChannelSubmissions, []byte(`{"operation":"cancel_order","status":"failure"}`)))
	require.NoError(t, bus.Publish(ctx, domain.ChannelChanges, []byte(`{"kind":"listing","id":"0x1","source":"refresh"}`)))
	require.NoError(t, bus.Publish(ctx, domain.ChannelChanges, []byte(`{"kind":"order","id":"0x2","source":"refresh"}`)))

	require.Eventually(t, func() bool { return len(rec.sent()) == 2 }, time.Second, time.Millisecond)
	assert.ElementsMatch(t, []string{"Submission failed: cancel_order", "order 0x2 updated"}, rec.sent())

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestTelegramSender(t *testing.T) {
	var got map[string]string
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&got)
	}))
	defer srv.Close()

	s := NewTelegramSender("tok", "42")
	s.apiBase = srv.URL
	require.NoError(t, s.Send(context.Background(), "Title", "body"))
	assert.Equal(t, "/bottok/sendMessage", path)
	assert.Equal(t, "42", got["chat_id"])
	assert.Equal(t, "*Title*\nbody", got["text"])
}

func TestDiscordSenderStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	err := NewDiscordSender(srv.URL).Send(context.Background(), "t", "m")
	assert.ErrorContains(t, err, "discord: unexpected status 429")
}
