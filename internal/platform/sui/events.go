package sui

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/p2pescrow/internal/codec"
	"github.com/alanyoungcy/p2pescrow/internal/domain"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// reconnectDelay is the base delay before attempting to reconnect.
	reconnectDelay = 2 * time.Second

	// maxReconnectDelay caps the exponential backoff for reconnection.
	maxReconnectDelay = 60 * time.Second

	// stableConnection is how long a connection must last to reset backoff.
	stableConnection = time.Minute
)

// EventHandler receives each contract event in arrival order.
type EventHandler func(ctx context.Context, ev domain.LedgerEvent)

// EventStream subscribes to contract events of one Move module over the
// fullnode WebSocket and reconnects with backoff on disconnect.
type EventStream struct {
	wsURL     string
	packageID string
	module    string
	logger    *slog.Logger
	baseDelay time.Duration
}

// NewEventStream creates a subscriber for events emitted by module in
// packageID.
func NewEventStream(wsURL, packageID, module string, logger *slog.Logger) *EventStream {
	return &EventStream{
		wsURL:     wsURL,
		packageID: packageID,
		module:    module,
		logger:    logger.With(slog.String("component", "sui_event_stream")),
		baseDelay: reconnectDelay,
	}
}

// Run streams events to handle until ctx is cancelled.
func (s *EventStream) Run(ctx context.Context, handle EventHandler) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.baseDelay
	bo.MaxInterval = maxReconnectDelay
	bo.MaxElapsedTime = 0

	for {
		started := time.Now()
		err := s.runConnection(ctx, handle)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Since(started) >= stableConnection {
			bo.Reset()
		}
		delay := bo.NextBackOff()
		s.logger.WarnContext(ctx, "event stream disconnected, reconnecting",
			slog.String("error", fmt.Sprint(err)),
			slog.Duration("delay", delay),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

type subscribeRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type eventMessage struct {
	ID     *int            `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
	Method string          `json:"method"`
	Params *struct {
		Subscription json.Number `json:"subscription"`
		Result       eventJSON   `json:"result"`
	} `json:"params"`
}

type eventJSON struct {
	ID struct {
		TxDigest string `json:"txDigest"`
	} `json:"id"`
	Sender      string                     `json:"sender"`
	Type        string                     `json:"type"`
	ParsedJSON  map[string]json.RawMessage `json:"parsedJson"`
	TimestampMs string                     `json:"timestampMs"`
}

func (s *EventStream) runConnection(ctx context.Context, handle EventHandler) error {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.wsURL, nil)
	if err != nil {
		return fmt.Errorf("sui/events: connect: %w", err)
	}
	defer conn.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			conn.Close()
		case <-stop:
		}
	}()

	sub := subscribeRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "suix_subscribeEvent",
		Params: []any{map[string]any{
			"MoveModule": map[string]string{"package": s.packageID, "module": s.module},
		}},
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("sui/events: subscribe: %w", err)
	}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("sui/events: read: %w", err)
		}
		var msg eventMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.logger.DebugContext(ctx, "dropping unparseable message", slog.String("error", err.Error()))
			continue
		}
		if msg.Error != nil {
			return fmt.Errorf("sui/events: subscription rejected: %w", msg.Error)
		}
		if msg.ID != nil {
			s.logger.InfoContext(ctx, "event subscription active",
				slog.String("package", s.packageID),
				slog.String("module", s.module),
			)
			continue
		}
		if msg.Params == nil {
			continue
		}
		handle(ctx, msg.Params.Result.toDomain())
	}
}

// objectKeys are the event fields that name the affected object, most
// specific first.
var objectKeys = []string{"dispute_id", "order_id", "listing_id", "id"}

func (e eventJSON) toDomain() domain.LedgerEvent {
	ev := domain.LedgerEvent{
		TxDigest:  e.ID.TxDigest,
		EventType: e.Type,
		Sender:    codec.NormalizeAddress(e.Sender),
	}
	if ms, err := strconv.ParseUint(e.TimestampMs, 10, 64); err == nil {
		ev.Timestamp = codec.FromMillis(ms)
	}
	for _, k := range objectKeys {
		raw, ok := e.ParsedJSON[k]
		if !ok {
			continue
		}
		var id string
		if err := json.Unmarshal(raw, &id); err == nil && id != "" {
			ev.ObjectID = codec.NormalizeAddress(id)
			break
		}
	}
	return ev
}

// EventName returns the unqualified event struct name, e.g. "OrderCreated"
// for "0x..::marketplace::OrderCreated".
func EventName(eventType string) string {
	if i := strings.LastIndex(eventType, "::"); i >= 0 {
		return eventType[i+2:]
	}
	return eventType
}
