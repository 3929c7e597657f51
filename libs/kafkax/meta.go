package kafkax

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/md-rashed-zaman/msgcore/libs/events"
)

const (
	HeaderEventID      = "event_id"
	HeaderEventType    = "event_type"
	HeaderOccurredAt   = "occurred_at"
	HeaderSourceModule = "source_module"
	HeaderError        = "error"
	HeaderConsumer     = "consumer"
)

// EventMeta is the canonical metadata carried on Kafka messages across services.
type EventMeta struct {
	EventID   string
	EventType string
}

func ExtractEventMeta(msg kafka.Message) EventMeta {
	eventID := HeaderValue(msg.Headers, HeaderEventID)
	eventType := HeaderValue(msg.Headers, HeaderEventType)
	if eventID == "" {
		eventID = string(msg.Key)
	}
	if eventType == "" {
		eventType = msg.Topic
	}
	return EventMeta{EventID: eventID, EventType: eventType}
}

// EnvelopeMessage renders an envelope as a Kafka message for topic.
// The partition key keeps one aggregate's events on one partition.
func EnvelopeMessage(topic string, env events.Envelope) kafka.Message {
	key := env.PartitionKey
	if key == "" {
		key = env.ID.String()
	}
	return kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: env.Payload,
		Time:  env.OccurredAt,
		Headers: []kafka.Header{
			{Key: HeaderEventID, Value: []byte(env.ID.String())},
			{Key: HeaderEventType, Value: []byte(env.Type)},
			{Key: HeaderOccurredAt, Value: []byte(env.OccurredAt.UTC().Format(time.RFC3339Nano))},
			{Key: HeaderSourceModule, Value: []byte(env.Module)},
		},
	}
}

// EnvelopeFromMessage is the inverse of EnvelopeMessage. Messages without a
// parseable event id are rejected: the inbox keys on it.
func EnvelopeFromMessage(msg kafka.Message) (events.Envelope, error) {
	meta := ExtractEventMeta(msg)
	id, err := uuid.Parse(meta.EventID)
	if err != nil {
		return events.Envelope{}, fmt.Errorf("%w: event_id %q", events.ErrInvalidEnvelope, meta.EventID)
	}
	occurredAt := msg.Time
	if v := HeaderValue(msg.Headers, HeaderOccurredAt); v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			occurredAt = t
		}
	}
	env := events.Envelope{
		ID:           id,
		Type:         meta.EventType,
		Payload:      msg.Value,
		OccurredAt:   occurredAt,
		Module:       HeaderValue(msg.Headers, HeaderSourceModule),
		PartitionKey: string(msg.Key),
	}
	return env, env.Validate()
}

func HeaderValue(headers []kafka.Header, key string) string {
	for _, h := range headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func SplitBrokers(raw string) []string {
	var brokers []string
	for _, b := range strings.Split(raw, ",") {
		b = strings.TrimSpace(b)
		if b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}
