package messaging

import (
	"context"
	"encoding/json"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/bardlex/stratumtest/internal/telemetry"
	"github.com/bardlex/stratumtest/pkg/errors"
)

// Event encodings
const (
	EncodingJSON  = "json"
	EncodingProto = "proto"
)

// EventPublisher is a telemetry sink that writes every event to Kafka,
// keyed by run id so that one run stays on one partition.
type EventPublisher struct {
	client   *KafkaClient
	prefix   string
	encoding string
}

var _ telemetry.Sink = (*EventPublisher)(nil)

// NewEventPublisher creates a sink publishing to "<prefix>.<suffix>" topics
// in the given encoding ("json" or "proto")
func NewEventPublisher(client *KafkaClient, prefix, encoding string) *EventPublisher {
	if encoding != EncodingProto {
		encoding = EncodingJSON
	}
	return &EventPublisher{client: client, prefix: prefix, encoding: encoding}
}

// Name implements telemetry.Sink
func (p *EventPublisher) Name() string {
	return "kafka"
}

// Handle implements telemetry.Sink
func (p *EventPublisher) Handle(ctx context.Context, ev telemetry.Event) error {
	topic := Topic(p.prefix, TopicFor(ev.Type))
	msg := MessageFor(ev)

	if p.encoding == EncodingProto {
		st, err := ToStruct(msg)
		if err != nil {
			return err
		}
		return p.client.PublishProto(ctx, topic, ev.RunID, st)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "json_marshal",
			"failed to marshal event").
			WithContext("event", string(ev.Type))
	}
	return p.client.PublishJSON(ctx, topic, ev.RunID, data)
}

// Close implements telemetry.Sink
func (p *EventPublisher) Close() error {
	return p.client.Close()
}

// ToStruct converts a message into a protobuf Struct with the same field
// names as its JSON encoding
func ToStruct(msg any) (*structpb.Struct, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "struct_encode",
			"failed to marshal message")
	}

	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "struct_encode",
			"message is not a JSON object")
	}

	st, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "struct_encode",
			"failed to build protobuf struct")
	}
	return st, nil
}
