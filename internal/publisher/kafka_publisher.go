package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/upb/tenant-isolation/models"
	"go.uber.org/zap"
)

// HandlerName is the emitter handler name the publisher registers under
const HandlerName = "kafka-forwarder"

const (
	defaultDeliveryTimeout = 10 * time.Second
	flushTimeoutMs         = 15 * 1000
)

// Producer is the subset of *kafka.Producer the publisher needs
type Producer interface {
	Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error
	Flush(timeoutMs int) int
	Close()
}

// KafkaEventPublisher forwards processed tenant events to a Kafka topic.
// Messages are keyed by organization id so one tenant's events stay ordered
// within a partition.
type KafkaEventPublisher struct {
	producer        Producer
	topic           string
	deliveryTimeout time.Duration
	logger          *zap.Logger
}

// NewKafkaEventPublisher connects a producer to bootstrapServers
func NewKafkaEventPublisher(bootstrapServers, topic string, logger *zap.Logger) (*KafkaEventPublisher, error) {
	p, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers": bootstrapServers,
		"acks":              "all",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	logger.Info("kafka event producer created",
		zap.String("bootstrap_servers", bootstrapServers),
		zap.String("topic", topic))

	return NewWithProducer(p, topic, logger), nil
}

// NewWithProducer wraps an existing producer
func NewWithProducer(producer Producer, topic string, logger *zap.Logger) *KafkaEventPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KafkaEventPublisher{
		producer:        producer,
		topic:           topic,
		deliveryTimeout: defaultDeliveryTimeout,
		logger:          logger,
	}
}

// message is the wire form of a forwarded event
type message struct {
	ID             string                 `json:"id"`
	EventType      string                 `json:"event_type"`
	OrganizationID string                 `json:"organization_id"`
	UserID         string                 `json:"user_id"`
	RequestID      string                 `json:"request_id,omitempty"`
	ResourceType   string                 `json:"resource_type,omitempty"`
	ResourceID     string                 `json:"resource_id,omitempty"`
	Payload        map[string]interface{} `json:"payload,omitempty"`
	Source         models.EventSource     `json:"source"`
	Priority       models.EventPriority   `json:"priority"`
	OccurredAt     time.Time              `json:"occurred_at"`
}

// Handle publishes event and waits for the delivery report. Its signature
// matches the emitter handler type.
func (p *KafkaEventPublisher) Handle(ctx context.Context, event *models.TenantEvent) error {
	payload, err := json.Marshal(message{
		ID:             event.ID.String(),
		EventType:      event.EventType,
		OrganizationID: event.OrgID.String(),
		UserID:         event.UserID.String(),
		RequestID:      event.RequestID,
		ResourceType:   event.ResourceType,
		ResourceID:     event.ResourceID,
		Payload:        event.Payload,
		Source:         event.Source,
		Priority:       event.Priority,
		OccurredAt:     event.Timestamp.UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal tenant event: %w", err)
	}

	deliveryChan := make(chan kafka.Event, 1)
	if err := p.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &p.topic, Partition: kafka.PartitionAny},
		Key:            []byte(event.OrgID.String()),
		Value:          payload,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.EventType)},
			{Key: "organization_id", Value: []byte(event.OrgID.String())},
		},
	}, deliveryChan); err != nil {
		return fmt.Errorf("failed to produce message: %w", err)
	}

	select {
	case e := <-deliveryChan:
		msg, ok := e.(*kafka.Message)
		if !ok {
			return fmt.Errorf("unexpected event type: %T", e)
		}
		if msg.TopicPartition.Error != nil {
			return fmt.Errorf("delivery failed: %w", msg.TopicPartition.Error)
		}
		p.logger.Debug("tenant event forwarded",
			zap.String("event_id", event.ID.String()),
			zap.String("org_id", event.OrgID.String()),
			zap.Int32("partition", msg.TopicPartition.Partition))
		return nil
	case <-time.After(p.deliveryTimeout):
		return fmt.Errorf("delivery timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close flushes outstanding messages and closes the producer
func (p *KafkaEventPublisher) Close() {
	p.logger.Info("closing kafka event producer")
	if remaining := p.producer.Flush(flushTimeoutMs); remaining > 0 {
		p.logger.Warn("kafka messages not delivered before close", zap.Int("remaining", remaining))
	}
	p.producer.Close()
}
