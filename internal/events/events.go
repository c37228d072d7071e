// Package events publishes settled trades to Kafka
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
	"github.com/xtrntr/energymarket/internal/models"
)

// TradeEvent is the message value written for every trade
type TradeEvent struct {
	Type       string       `json:"type"`
	Trade      models.Trade `json:"trade"`
	TotalCost  string       `json:"total_cost"`
	OccurredAt time.Time    `json:"occurred_at"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Notifier is a settlement.Settler that publishes the trade as an event
type Notifier struct {
	writer messageWriter
	now    func() time.Time
}

// NewNotifier writes synchronously to topic, waiting for all replicas
func NewNotifier(brokers []string, topic string) *Notifier {
	return newNotifier(&kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		RequiredAcks: kafka.RequireAll,
		Async:        false,
		BatchTimeout: 10 * time.Millisecond,
		Balancer:     &kafka.Hash{},
	})
}

func newNotifier(w messageWriter) *Notifier {
	return &Notifier{writer: w, now: func() time.Time { return time.Now().UTC() }}
}

// Settle publishes the trade keyed by trade id, so retries land on one partition
func (n *Notifier) Settle(ctx context.Context, trade models.Trade) error {
	value, err := json.Marshal(TradeEvent{
		Type:       "trade.executed",
		Trade:      trade,
		TotalCost:  trade.Cost().String(),
		OccurredAt: n.now(),
	})
	if err != nil {
		return errors.Wrap(err, "failed to encode trade event")
	}
	if err := n.writer.WriteMessages(ctx, kafka.Message{Key: []byte(trade.ID), Value: value}); err != nil {
		return errors.Wrapf(err, "failed to publish trade %s", trade.ID)
	}
	return nil
}

func (n *Notifier) Close() error {
	return n.writer.Close()
}
