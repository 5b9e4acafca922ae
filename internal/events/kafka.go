package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/segmentio/kafka-go"

	"github.com/mohitshaileshshukla/Trading-WebDev/internal/model"
)

// EventTradeExecuted is the type header on published trade messages.
const EventTradeExecuted = "trade_executed"

// messageWriter is the subset of *kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes trade events to a topic keyed by owner, so one
// owner's trades land on one partition.
type KafkaPublisher struct {
	w messageWriter
}

// NewKafkaPublisher creates an asynchronous, batching writer for topic.
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        true,
		Completion: func(msgs []kafka.Message, err error) {
			if err != nil {
				slog.Error("kafka write failed", "topic", topic, "messages", len(msgs), "err", err)
			}
		},
	}
	return &KafkaPublisher{w: w}
}

func (p *KafkaPublisher) Name() string { return "kafka" }

func (p *KafkaPublisher) Publish(ctx context.Context, ev model.TradeEvent) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode trade event %s: %w", ev.Transaction.ID, err)
	}

	return p.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.Transaction.OwnerID),
		Value: value,
		Time:  ev.Transaction.Timestamp,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(EventTradeExecuted)},
			{Key: "symbol", Value: []byte(ev.Transaction.Symbol)},
		},
	})
}

// Close flushes buffered messages.
func (p *KafkaPublisher) Close() error {
	return p.w.Close()
}
