// Package kafka публикует журнал решений в топик для внешних потребителей (аналитика, SIEM).
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/xela07ax/agentbank-core/internal/audit"
)

type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Config struct {
	Brokers      []string
	Topic        string
	BatchSize    int
	BatchTimeout time.Duration
}

// NewWriter создает синхронный writer, потому что журнал уже пишет пачками из своего воркера,
// поэтому ошибка доставки возвращается в WriteBatch и попадает в лог.
func NewWriter(cfg Config, logger *zap.Logger) *kafka.Writer {
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 100
	}
	timeout := cfg.BatchTimeout
	if timeout <= 0 {
		timeout = 10 * time.Millisecond
	}
	return &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		MaxAttempts:  3,
		BatchSize:    batch,
		BatchTimeout: timeout,
		WriteTimeout: 10 * time.Second,
		Compression:  kafka.Snappy,
		Logger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Debug(fmt.Sprintf(msg, args...))
		}),
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Warn(fmt.Sprintf(msg, args...))
		}),
	}
}

// JournalSink реализует audit.StorageInterface. Ключ сообщения: субъект решения,
// поэтому события одного эскроу или намерения попадают в одну партицию по порядку.
type JournalSink struct {
	writer MessageWriter
}

func NewJournalSink(w MessageWriter) *JournalSink {
	return &JournalSink{writer: w}
}

func (s *JournalSink) WriteBatch(ctx context.Context, events []audit.AuditEvent) error {
	if len(events) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(events))
	for _, e := range events {
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("kafka: failed to marshal event %s: %w", e.ID, err)
		}
		key := e.Subject
		if key == "" {
			key = e.ID
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(key),
			Value: data,
			Time:  e.Timestamp,
			Headers: []kafka.Header{
				{Key: "category", Value: []byte(e.Category)},
				{Key: "status", Value: []byte(e.Status)},
			},
		})
	}
	if err := s.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("kafka: failed to publish %d events: %w", len(msgs), err)
	}
	return nil
}

func (s *JournalSink) Close() error {
	return s.writer.Close()
}
