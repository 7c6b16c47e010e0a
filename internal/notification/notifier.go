// Package notification composes and delivers alert notifications to
// external channels (Telegram, webhooks). Rows are journaled by the
// store before delivery; the transports here only move bytes and
// report the outcome.
package notification

import (
	"context"
	"fmt"
	"log"

	"github.com/obscurainvera/onchain-sub000/internal/model"
)

// Notifier is one delivery channel.
type Notifier interface {
	Name() string
	Send(ctx context.Context, n *model.Notification) error
}

// LogNotifier writes notifications to the process log. Useful in
// development and as the channel of last resort when none is
// configured.
type LogNotifier struct{}

// NewLogNotifier creates a log-based notifier.
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{}
}

func (l *LogNotifier) Name() string { return "log" }

func (l *LogNotifier) Send(_ context.Context, n *model.Notification) error {
	log.Printf("[notify] [%s] %s %s: %s", n.StrategyType, n.TokenAddress, n.Timeframe, n.Content)
	return nil
}

// Multi fans one notification out to every configured channel. Every
// channel is attempted; the first failure is what gets reported.
type Multi struct {
	channels []Notifier
}

// NewMulti creates a fan-out notifier over the given channels.
func NewMulti(channels ...Notifier) *Multi {
	return &Multi{channels: channels}
}

func (m *Multi) Name() string { return "multi" }

func (m *Multi) Send(ctx context.Context, n *model.Notification) error {
	var firstErr error
	for _, ch := range m.channels {
		if err := ch.Send(ctx, n); err != nil {
			log.Printf("[notify] %s delivery failed: %v", ch.Name(), err)
			if firstErr == nil {
				firstErr = fmt.Errorf("%s: %w", ch.Name(), err)
			}
		}
	}
	return firstErr
}
