// Package notification provides alert delivery to external channels
// (Telegram, webhooks) for mission events.
package notification

import (
	"context"
	"errors"
	"log"

	"moonlander/internal/alerts"
)

// Notifier is the interface for all notification backends.
type Notifier interface {
	// Send delivers an alert. Returns error if delivery fails.
	Send(ctx context.Context, alert alerts.Alert) error
}

// LogNotifier is a simple notifier that logs alerts (useful for development).
type LogNotifier struct{}

// NewLogNotifier creates a log-based notifier.
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{}
}

func (n *LogNotifier) Send(ctx context.Context, alert alerts.Alert) error {
	log.Printf("[notify] [%s] %s: %s", alert.Level, alert.Rule, alert.Message)
	return nil
}

// Multi fans an alert out to several backends. Every backend is tried;
// failures are joined into a single error.
type Multi struct {
	notifiers []Notifier
}

// NewMulti creates a fan-out notifier.
func NewMulti(notifiers ...Notifier) *Multi {
	return &Multi{notifiers: notifiers}
}

func (m *Multi) Send(ctx context.Context, alert alerts.Alert) error {
	var errs []error
	for _, n := range m.notifiers {
		if err := n.Send(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Run drains the alert channel into the notifier until ctx is cancelled
// or the channel closes. Delivery failures are logged, never fatal.
func Run(ctx context.Context, ch <-chan alerts.Alert, n Notifier) {
	for {
		select {
		case <-ctx.Done():
			return
		case a, ok := <-ch:
			if !ok {
				return
			}
			if err := n.Send(ctx, a); err != nil {
				log.Printf("[notify] delivery failed: %v", err)
			}
		}
	}
}
