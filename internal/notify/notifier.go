// Package notify forwards marketplace activity to operator chat channels.
// Alerts are dispatched to every registered sender (Telegram, Discord) and
// filtered by event type so operators receive only what they asked for.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/p2pescrow/internal/domain"
)

// Event types produced from bus messages.
const (
	EventSubmissionFailed    = "submission_failed"
	EventSubmissionConfirmed = "submission_confirmed"
	EventListingChanged      = "listing_changed"
	EventOrderChanged        = "order_changed"
	EventDisputeChanged      = "dispute_changed"
)

// Sender is one notification channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Notifier dispatches alerts to its senders. Notify forwards only event
// types in the allowed set; an empty set allows everything.
type Notifier struct {
	senders []Sender
	events  map[string]bool
	logger  *slog.Logger
}

// NewNotifier creates a Notifier delivering to senders.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Enabled reports whether any sender is registered.
func (n *Notifier) Enabled() bool { return len(n.senders) > 0 }

// Notify sends an alert when event passes the filter.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if len(n.events) > 0 && !n.events[event] {
		n.logger.DebugContext(ctx, "event filtered out", slog.String("event", event))
		return nil
	}
	return n.dispatch(ctx, title, message)
}

// Run relays submission outcomes and change events from bus until ctx is
// cancelled. Sender failures are logged and do not stop the relay.
func (n *Notifier) Run(ctx context.Context, bus domain.EventBus) error {
	submissions, err := bus.Subscribe(ctx, domain.ChannelSubmissions)
	if err != nil {
		return fmt.Errorf("notify: subscribe %s: %w", domain.ChannelSubmissions, err)
	}
	changes, err := bus.Subscribe(ctx, domain.ChannelChanges)
	if err != nil {
		return fmt.Errorf("notify: subscribe %s: %w", domain.ChannelChanges, err)
	}

	for {
		var (
			event, title, msg string
			ok                bool
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case payload, open := <-submissions:
			if !open {
				submissions = nil
				continue
			}
			event, title, msg, ok = describeSubmission(payload)
		case payload, open := <-changes:
			if !open {
				changes = nil
				continue
			}
			event, title, msg, ok = describeChange(payload)
		}
		if !ok {
			continue
		}
		_ = n.Notify(ctx, event, title, msg)
	}
}

type submissionOutcome struct {
	Operation string `json:"operation"`
	Target    string `json:"target"`
	Sender    string `json:"sender"`
	Digest    string `json:"digest"`
	Status    string `json:"status"`
	Error     string `json:"error"`
}

func describeSubmission(payload []byte) (event, title, msg string, ok bool) {
	var s submissionOutcome
	if err := json.Unmarshal(payload, &s); err != nil || s.Operation == "" {
		return "", "", "", false
	}
	if s.Status == "failure" {
		return EventSubmissionFailed,
			"Submission failed: " + s.Operation,
			fmt.Sprintf("target %s\nsender %s\n%s", orNone(s.Target), s.Sender, s.Error),
			true
	}
	return EventSubmissionConfirmed,
		"Submission confirmed: " + s.Operation,
		fmt.Sprintf("target %s\ndigest %s", orNone(s.Target), s.Digest),
		true
}

func describeChange(payload []byte) (event, title, msg string, ok bool) {
	var ev domain.ChangeEvent
	if err := json.Unmarshal(payload, &ev); err != nil || ev.ID == "" {
		return "", "", "", false
	}
	switch ev.Kind {
	case domain.KindListing:
		event = EventListingChanged
	case domain.KindOrder:
		event = EventOrderChanged
	case domain.KindDispute:
		event = EventDisputeChanged
	default:
		return "", "", "", false
	}
	title = fmt.Sprintf("%s %s updated", ev.Kind, ev.ID)
	msg = "source " + ev.Source
	if ev.Operation != "" {
		msg += "\noperation " + ev.Operation
	}
	if ev.TxDigest != "" {
		msg += "\ndigest " + ev.TxDigest
	}
	return event, title, msg, true
}

func orNone(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// dispatch sends to every sender; one failing sender does not stop the rest.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	if len(n.senders) == 0 {
		return nil
	}

	var errs []string
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Sprintf("%s: %v", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("title", title),
		)
	}

	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %s", len(errs), strings.Join(errs, "; "))
	}
	return nil
}
