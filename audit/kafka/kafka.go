// Package kafka publishes inferbill audit events to a Kafka topic.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/ineyio/inferbill"
)

// Writer is the subset of *kafkago.Writer used by Sink.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Sink appends audit events to a topic, keyed by correlation id so events of
// one request stay ordered within a partition.
type Sink struct {
	w Writer
}

var _ inferbill.Sink = (*Sink)(nil)

// New creates a Sink over w.
func New(w Writer) *Sink {
	return &Sink{w: w}
}

// NewWriter builds a synchronous writer for brokers and topic.
func NewWriter(brokers []string, topic string, log *zap.Logger) *kafkago.Writer {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("kafka")
	return &kafkago.Writer{
		Addr:         kafkago.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireOne,
		MaxAttempts:  3,
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		Compression:  kafkago.Snappy,
		Logger: kafkago.LoggerFunc(func(msg string, args ...interface{}) {
			log.Debug(fmt.Sprintf(msg, args...))
		}),
		ErrorLogger: kafkago.LoggerFunc(func(msg string, args ...interface{}) {
			log.Warn(fmt.Sprintf(msg, args...))
		}),
	}
}

// Write implements inferbill.Sink.
func (s *Sink) Write(ctx context.Context, e inferbill.Event) error {
	value, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("inferbill/kafka: encode event: %w", err)
	}
	err = s.w.WriteMessages(ctx, kafkago.Message{
		Key:   []byte(e.CorrelationID),
		Value: value,
		Time:  e.At,
		Headers: []kafkago.Header{
			{Key: "code", Value: []byte(e.Code)},
			{Key: "level", Value: []byte(e.Level)},
		},
	})
	if err != nil {
		return fmt.Errorf("inferbill/kafka: write: %w", err)
	}
	return nil
}

// Close flushes and closes the underlying writer.
func (s *Sink) Close() error {
	return s.w.Close()
}
