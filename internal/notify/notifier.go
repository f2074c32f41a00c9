// Package notify forwards selected ledger events to operator channels
// (Telegram, Discord). Only configured event names are sent.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/alphamarket/internal/domain"
)

// Sender is one notification channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Notifier dispatches notifications to every Sender. Events whose name is
// not in the allowed set are dropped; Alert bypasses the filter.
type Notifier struct {
	senders []Sender
	events  map[domain.EventName]bool
	logger  *slog.Logger
}

// NewNotifier creates a Notifier. An empty events list allows every event.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[domain.EventName]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[domain.EventName(e)] = true
		}
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Enabled reports whether any sender is configured.
func (n *Notifier) Enabled() bool {
	return n != nil && len(n.senders) > 0
}

// NotifyEvents sends one notification per allowed event.
func (n *Notifier) NotifyEvents(ctx context.Context, events []domain.Event) error {
	if !n.Enabled() {
		return nil
	}
	var errs []string
	for _, e := range events {
		if len(n.events) > 0 && !n.events[e.Name()] {
			continue
		}
		title, message := Render(e)
		if err := n.dispatch(ctx, title, message); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Alert sends an operator message regardless of the event filter.
func (n *Notifier) Alert(ctx context.Context, title, message string) error {
	if !n.Enabled() {
		return nil
	}
	return n.dispatch(ctx, title, message)
}

// dispatch tries every sender; one failing sender does not stop the rest.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
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
		return fmt.Errorf("%d sender(s) failed: %s", len(errs), strings.Join(errs, "; "))
	}
	return nil
}

// Render formats an event for humans.
func Render(e domain.Event) (title, message string) {
	slot := func(modelID string, at int64) string { return fmt.Sprintf("%s @ %d", modelID, at) }

	switch a := e.Args.(type) {
	case domain.TournamentCreated:
		return "Tournament created", fmt.Sprintf("%s executes daily at +%ds", a.TournamentID, a.ExecutionStartAt)
	case domain.ModelCreated:
		return "Model created", fmt.Sprintf("%s in %s by %s", a.ModelID, a.TournamentID, a.Owner.Hex())
	case domain.PredictionCreated:
		return "Prediction created", fmt.Sprintf("%s priced %s", slot(a.ModelID, a.ExecutionStartAt), a.Price.Dec())
	case domain.PredictionPublished:
		return "Prediction published", fmt.Sprintf("%s key %s", slot(a.ModelID, a.ExecutionStartAt), a.ContentKey.Hex())
	case domain.PurchaseCreated:
		return "Purchase created", fmt.Sprintf("%s bought by %s", slot(a.ModelID, a.ExecutionStartAt), a.Purchaser.Hex())
	case domain.PurchaseShipped:
		return "Purchase shipped", fmt.Sprintf("%s shipped to %s", slot(a.ModelID, a.ExecutionStartAt), a.Purchaser.Hex())
	case domain.PurchaseRefunded:
		return "Purchase refunded", fmt.Sprintf("%s refunded to %s", slot(a.ModelID, a.ExecutionStartAt), a.Purchaser.Hex())
	case domain.PredictionKeyPublished:
		return "Prediction key published", fmt.Sprintf("%s %s @ %d", a.Owner.Hex(), a.TournamentID, a.ExecutionStartAt)
	case domain.PredictionKeySent:
		return "Prediction key sent", fmt.Sprintf("%s -> %s for %s @ %d", a.Owner.Hex(), a.Receiver.Hex(), a.TournamentID, a.ExecutionStartAt)
	case domain.PublicKeyChanged:
		return "Public key changed", a.Owner.Hex()
	default:
		return string(e.Name()), fmt.Sprintf("seq %d", e.Seq)
	}
}
