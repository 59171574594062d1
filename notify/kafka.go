package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// MessageWriter is satisfied by *kafka.Writer.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaPublisher struct {
	writer MessageWriter
}

var _ Publisher = (*KafkaPublisher)(nil)

// NewKafkaWriter builds the writer used for domain events. Messages are keyed
// by entity id so events of one listing or case stay ordered in a partition.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           10 * time.Millisecond,
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
}

func NewKafkaPublisher(w MessageWriter) *KafkaPublisher {
	return &KafkaPublisher{writer: w}
}

func (p *KafkaPublisher) Publish(ctx context.Context, e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("notify: encode %s: %w", e.Type, err)
	}
	msg := kafka.Message{
		Key:   []byte(e.EntityID),
		Value: body,
		Time:  e.Timestamp,
		Headers: []kafka.Header{
			{Key: "event-id", Value: []byte(e.ID)},
			{Key: "event-type", Value: []byte(e.Type)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("notify: kafka write %s: %w", e.Type, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// MessageReader is satisfied by *kafka.Reader.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

func NewKafkaReader(brokers []string, topic, groupID string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
}

// Consume feeds every message from r to h and commits it once h succeeds.
// Undecodable messages are logged and committed so they cannot wedge the
// partition. Consume returns when ctx ends or the reader is closed.
func Consume(ctx context.Context, r MessageReader, h Handler, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	for {
		msg, err := r.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) || strings.Contains(err.Error(), "closed") {
				return nil
			}
			return fmt.Errorf("notify: fetch: %w", err)
		}

		e, err := Decode(msg.Value)
		if err != nil {
			logger.Warn("skipping undecodable event",
				zap.Int("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
				zap.Error(err),
			)
		} else if err := h(ctx, e); err != nil {
			return fmt.Errorf("notify: handle %s %s: %w", e.Type, e.ID, err)
		}

		if err := r.CommitMessages(ctx, msg); err != nil {
			return fmt.Errorf("notify: commit offset: %w", err)
		}
	}
}
