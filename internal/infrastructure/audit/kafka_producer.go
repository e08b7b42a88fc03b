// Package audit publishes key lifecycle events to an audit trail.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/qutemail/qkms/internal/config"
	"github.com/qutemail/qkms/internal/domain/models"
	"github.com/qutemail/qkms/pkg/logger"
)

// Service publishes audit events. Publishing is best-effort: a broker outage
// must never fail the key operation being audited.
type Service interface {
	LogEvent(ctx context.Context, event models.AuditEvent) error
	Close() error
}

// KafkaProducer is a Kafka-backed implementation of the audit Service.
type KafkaProducer struct {
	writer *kafka.Writer
	logger logger.Logger
}

// NewKafkaProducer creates a new KafkaProducer from audit configuration.
func NewKafkaProducer(cfg config.AuditConfig, log logger.Logger) (Service, error) {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.LeastBytes{},
		WriteTimeout: 5 * time.Second,
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 100 * time.Millisecond,
	}
	return &KafkaProducer{
		writer: writer,
		logger: log.WithFields(logger.Fields{"component": "audit_producer"}),
	}, nil
}

// LogEvent sends an audit event to the Kafka topic.
func (p *KafkaProducer) LogEvent(ctx context.Context, event models.AuditEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	bytes, err := json.Marshal(event)
	if err != nil {
		p.logger.Error(ctx, "failed to marshal audit event", err)
		return err
	}

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.KeyID),
		Value: bytes,
	})
	if err != nil {
		p.logger.Error(ctx, "failed to write audit event to kafka", err,
			logger.Fields{"event_type": event.EventType})
	}
	return err
}

// Close closes the underlying Kafka writer.
func (p *KafkaProducer) Close() error {
	return p.writer.Close()
}
