// internal/queue/kafka.go
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

// ErrClosed reports that the event stream ended without the consumer's
// context being cancelled, e.g. on a broker failure.
var ErrClosed = errors.New("event stream closed")

// SourceKind identifies which stream an inbound event came from.
type SourceKind string

const (
	SourceComment SourceKind = "comment"
	SourceThread  SourceKind = "thread"
	SourcePM      SourceKind = "pm"
)

// InboundEvent is one unit of user-authored text delivered from the queue.
// Delivery is at-least-once and may be out of order across events; the
// ledger's dedup marker keyed by EventID is what keeps redelivery safe.
type InboundEvent struct {
	EventID        string     `json:"origin_event_id"`
	Source         SourceKind `json:"source_kind"`
	RawText        string     `json:"raw_text"`
	Issuer         string     `json:"issuer_id"`
	ThreadAuthor   string     `json:"thread_author_id"`
	Subreddit      string     `json:"subreddit_id"`
	ModerationFlag bool       `json:"moderation_flag"`

	msg kafka.Message
}

// Reply is the outbound response correlated to an inbound event.
type Reply struct {
	EventID string `json:"origin_event_id"`
	Text    string `json:"reply_text"`
}

// Consumer delivers inbound events and acknowledges them after processing.
type Consumer interface {
	Subscribe(ctx context.Context) (<-chan *InboundEvent, error)
	Commit(ctx context.Context, ev *InboundEvent) error
	Close() error
}

// Publisher emits correlated replies.
type Publisher interface {
	Publish(ctx context.Context, reply Reply) error
	Close() error
}

// Config holds the broker connection settings for one event source.
type Config struct {
	Brokers       []string
	Topic         string
	ReplyTopic    string
	ConsumerGroup string
}

// KafkaConsumer reads inbound events with explicit commits, so an event that
// dies mid-processing is redelivered rather than lost.
type KafkaConsumer struct {
	reader *kafka.Reader
	logger *slog.Logger
}

func NewKafkaConsumer(cfg Config, logger *slog.Logger) *KafkaConsumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.ConsumerGroup,
		MinBytes:       10e3,
		MaxBytes:       10e6,
		CommitInterval: 0, // explicit commits only
		StartOffset:    kafka.FirstOffset,
	})
	return &KafkaConsumer{reader: reader, logger: logger}
}

var _ Consumer = (*KafkaConsumer)(nil)

func (c *KafkaConsumer) Subscribe(ctx context.Context) (<-chan *InboundEvent, error) {
	events := make(chan *InboundEvent, 64)

	go func() {
		defer close(events)
		for {
			msg, err := c.reader.FetchMessage(ctx)
			if err != nil {
				if ctx.Err() == nil {
					c.logger.Error("fetch message failed", slog.Any("error", err))
				}
				return
			}

			var ev InboundEvent
			if err := json.Unmarshal(msg.Value, &ev); err != nil {
				c.logger.Warn("dropping undecodable event", slog.Any("error", err))
				// Commit bad messages so the partition does not stall.
				_ = c.reader.CommitMessages(ctx, msg)
				continue
			}
			if ev.EventID == "" {
				ev.EventID = fmt.Sprintf("%s-%d-%d", msg.Topic, msg.Partition, msg.Offset)
			}
			ev.msg = msg

			select {
			case <-ctx.Done():
				return
			case events <- &ev:
			}
		}
	}()

	return events, nil
}

func (c *KafkaConsumer) Commit(ctx context.Context, ev *InboundEvent) error {
	if err := c.reader.CommitMessages(ctx, ev.msg); err != nil {
		return fmt.Errorf("commit event %s: %w", ev.EventID, err)
	}
	return nil
}

func (c *KafkaConsumer) Close() error { return c.reader.Close() }

// KafkaPublisher writes replies keyed by origin event id so responses for
// one event land on one partition.
type KafkaPublisher struct {
	writer *kafka.Writer
}

func NewKafkaPublisher(cfg Config) *KafkaPublisher {
	return &KafkaPublisher{writer: &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.ReplyTopic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}}
}

var _ Publisher = (*KafkaPublisher)(nil)

func (p *KafkaPublisher) Publish(ctx context.Context, reply Reply) error {
	data, err := json.Marshal(reply)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(reply.EventID),
		Value: data,
		Time:  time.Now(),
	})
}

func (p *KafkaPublisher) Close() error { return p.writer.Close() }
