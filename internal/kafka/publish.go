package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jmehdipour/outboxflow/internal/model"
	"github.com/jmehdipour/outboxflow/internal/workflow"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// PublishStepName is the custom step name specs use to publish to Kafka.
const PublishStepName = "kafka.publish"

// Published is the message value written by the publish step.
type Published struct {
	Spec    string         `json:"spec"`
	Event   model.Event    `json:"event"`
	Payload map[string]any `json:"payload,omitempty"`
}

// NewPublishStep publishes the triggering event. Args: topic (defaults to
// defaultTopic), key (defaults to model:rowId or the event id) and payload.
// Broker errors and an open breaker are left unclassified so the runner retries.
func NewPublishStep(w MessageWriter, defaultTopic string, br *MicroBreaker, log *zap.Logger) workflow.CustomFunc {
	if log == nil {
		log = zap.NewNop()
	}
	return func(ctx context.Context, call workflow.CustomCall) error {
		topic := defaultTopic
		if v, ok := call.Args["topic"]; ok {
			s, ok := v.(string)
			if !ok || s == "" {
				return fmt.Errorf("%w: kafka.publish topic must be a non-empty string", model.ErrValidation)
			}
			topic = s
		}
		if topic == "" {
			return fmt.Errorf("%w: kafka.publish has no topic", model.ErrValidation)
		}

		var payload map[string]any
		if v, ok := call.Args["payload"]; ok && v != nil {
			p, ok := v.(map[string]any)
			if !ok {
				return fmt.Errorf("%w: kafka.publish payload must be a map", model.ErrValidation)
			}
			payload = p
		}

		value, err := json.Marshal(Published{Spec: call.Spec, Event: call.Event, Payload: payload})
		if err != nil {
			return fmt.Errorf("%w: encode: %v", model.ErrValidation, err)
		}

		msg := kafka.Message{
			Topic: topic,
			Key:   []byte(messageKey(call)),
			Value: value,
			Headers: []kafka.Header{
				{Key: "spec", Value: []byte(call.Spec)},
				{Key: "event-id", Value: []byte(call.Event.ID)},
				{Key: "action", Value: []byte(call.Event.Action)},
			},
		}

		err = br.Do(func() error { return w.WriteMessages(ctx, msg) })
		if err != nil {
			log.Warn("kafka publish failed",
				zap.String("spec", call.Spec), zap.String("event", call.Event.ID),
				zap.String("topic", topic), zap.String("breaker", br.State()), zap.Error(err))
			return fmt.Errorf("kafka publish %s: %w", topic, err)
		}
		return nil
	}
}

func messageKey(call workflow.CustomCall) string {
	if v, ok := call.Args["key"]; ok && v != nil {
		return fmt.Sprint(v)
	}
	if id, ok := call.Event.After["id"]; ok && id != nil {
		return fmt.Sprintf("%s:%v", call.Event.Model, id)
	}
	return call.Event.ID
}
