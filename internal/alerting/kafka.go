package alerting

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/jidegrand/travelcart/internal/storage"
)

// MessageWriter is the subset of *kafka.Writer the notifier needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NotificationEvent is the JSON payload published per notification.
type NotificationEvent struct {
	ID        int64     `json:"id"`
	WatchID   string    `json:"watch_id"`
	Type      string    `json:"type"`
	Urgency   string    `json:"urgency"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// KafkaNotifier publishes notifications to a topic keyed by watch id.
type KafkaNotifier struct {
	writer  MessageWriter
	timeout time.Duration
	logger  zerolog.Logger
}

// NewKafkaWriter builds a synchronous kafka writer for topic.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Async:        false,
	}
}

// NewKafkaNotifier wraps writer. A zero timeout disables the per-write deadline.
func NewKafkaNotifier(writer MessageWriter, timeout time.Duration, logger zerolog.Logger) *KafkaNotifier {
	return &KafkaNotifier{
		writer:  writer,
		timeout: timeout,
		logger:  logger.With().Str("component", "alert_kafka").Logger(),
	}
}

// Notify publishes the notification as a NotificationEvent.
func (k *KafkaNotifier) Notify(ctx context.Context, note storage.Notification) error {
	event := NotificationEvent{
		ID:        note.ID,
		WatchID:   note.WatchID,
		Type:      string(note.Type),
		Urgency:   string(note.Urgency),
		Title:     note.Title,
		Body:      note.Body,
		CreatedAt: note.CreatedAt.UTC(),
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal notification event: %w", err)
	}

	if k.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, k.timeout)
		defer cancel()
	}

	msg := kafka.Message{
		Key:   []byte(note.WatchID),
		Value: data,
		Time:  time.Now(),
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(note.Type)},
		},
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write notification to kafka: %w", err)
	}

	k.logger.Debug().Str("watch_id", note.WatchID).Str("type", string(note.Type)).Msg("notification published (kafka)")
	return nil
}

// Close flushes and closes the writer.
func (k *KafkaNotifier) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

var _ Notifier = (*KafkaNotifier)(nil)
