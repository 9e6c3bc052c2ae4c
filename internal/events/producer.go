package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"modelsentry/internal/config"
)

// EventType represents different types of events that can be produced
type EventType string

const (
	// Threat lifecycle events
	ThreatDetectedEvent     EventType = "threat_detected"
	ThreatStatusChangeEvent EventType = "threat_status_changed"
	AlertFlushedEvent       EventType = "alert_flushed"

	// Scan lifecycle events
	ScanQueuedEvent    EventType = "scan_queued"
	ScanStartedEvent   EventType = "scan_started"
	ScanCompletedEvent EventType = "scan_completed"
	ScanFailedEvent    EventType = "scan_failed"

	// Account surface events
	UploadReceivedEvent EventType = "upload_received"
	APIKeyCreatedEvent  EventType = "api_key_created"
	APIKeyRevokedEvent  EventType = "api_key_revoked"
)

// Event is a generic domain event published to Kafka.
type Event struct {
	Type           EventType              `json:"type"`
	Timestamp      time.Time              `json:"timestamp"`
	Source         string                 `json:"source"`
	OrganizationID string                 `json:"organization_id,omitempty"`
	UserID         string                 `json:"user_id,omitempty"`
	Data           map[string]interface{} `json:"data"`
}

// Producer publishes domain events. A nil *Producer is valid and drops all
// events, so callers never need to branch on whether Kafka is enabled.
type Producer struct {
	writer *kafka.Writer
	log    *logrus.Entry
}

// NewProducer creates a Kafka producer, or nil when the pipeline is disabled.
func NewProducer(cfg config.KafkaConfig, log *logrus.Entry) *Producer {
	if !cfg.Enable {
		return nil
	}

	brokers := cfg.Brokers
	if len(brokers) == 0 {
		brokers = []string{"localhost:9092"}
	}
	topic := cfg.Topic
	if topic == "" {
		topic = "modelsentry-events"
	}

	return &Producer{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.LeastBytes{},
			BatchSize:    100,
			BatchTimeout: time.Second,
			Async:        true,
			RequiredAcks: kafka.RequireOne,
		},
		log: log,
	}
}

// Publish sends an event. Failures are logged, never propagated: the event
// pipeline degrades to log-only.
func (p *Producer) Publish(ctx context.Context, event Event) {
	if p == nil || p.writer == nil {
		return
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	value, err := json.Marshal(event)
	if err != nil {
		p.log.WithError(err).Warn("failed to marshal event")
		return
	}

	message := kafka.Message{
		Key:   []byte(string(event.Type)),
		Value: value,
		Time:  event.Timestamp,
		Headers: []kafka.Header{
			{Key: "source", Value: []byte(event.Source)},
			{Key: "type", Value: []byte(event.Type)},
		},
	}

	if err := p.writer.WriteMessages(ctx, message); err != nil {
		p.log.WithError(err).WithField("event_type", event.Type).Warn("failed to write event to kafka")
	}
}

// PublishSystem publishes an event originating from a background service.
func (p *Producer) PublishSystem(ctx context.Context, eventType EventType, orgID string, data map[string]interface{}) {
	p.Publish(ctx, Event{
		Type:           eventType,
		Source:         "system",
		OrganizationID: orgID,
		Data:           data,
	})
}

// PublishUser publishes an event triggered by a user action.
func (p *Producer) PublishUser(ctx context.Context, eventType EventType, orgID, userID string, data map[string]interface{}) {
	p.Publish(ctx, Event{
		Type:           eventType,
		Source:         "user",
		OrganizationID: orgID,
		UserID:         userID,
		Data:           data,
	})
}

// Close flushes and closes the writer.
func (p *Producer) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("close kafka writer: %w", err)
	}
	return nil
}
