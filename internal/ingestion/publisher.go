package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"PerpVault/internal/event"
	"PerpVault/internal/observability"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// OutboundSubjectPrefix is the subject root of published vault events:
// perp.vault.events.{event_type}
const OutboundSubjectPrefix = "perp.vault.events"

// Publisher is the part of jetstream.JetStream the event publisher uses.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// EventPublisher publishes committed vault events to NATS for downstream
// consumers. Publishing is best effort; the event log is authoritative.
type EventPublisher struct {
	js        Publisher
	inputChan <-chan *event.Envelope
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewEventPublisher(js Publisher, inputChan <-chan *event.Envelope, metrics *observability.Metrics, logger zerolog.Logger) *EventPublisher {
	return &EventPublisher{
		js:        js,
		inputChan: inputChan,
		metrics:   metrics,
		logger:    logger,
	}
}

// Run publishes envelopes until the input closes or ctx is cancelled.
func (ep *EventPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil

		case env, ok := <-ep.inputChan:
			if !ok {
				return nil
			}
			if err := ep.publish(ctx, env); err != nil {
				ep.logger.Warn().Err(err).Int64("sequence", env.Sequence).Int("index", env.Index).Msg("outbound publish failed")
				if ep.metrics != nil {
					ep.metrics.PublishErrors.Inc()
				}
				continue
			}
			if ep.metrics != nil {
				ep.metrics.EventsPublished.WithLabelValues(env.TypeName()).Inc()
			}
		}
	}
}

func (ep *EventPublisher) publish(ctx context.Context, env *event.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	// Msg ID lets JetStream drop duplicates within its window
	_, err = ep.js.Publish(ctx, Subject(env), data, jetstream.WithMsgID(env.EventID.String()))
	return err
}

// Subject is the NATS subject an envelope is published on.
func Subject(env *event.Envelope) string {
	return fmt.Sprintf("%s.%s", OutboundSubjectPrefix, env.TypeName())
}

// EnsureOutboundStream creates the outbound events stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream, name string) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       name,
		Subjects:   []string{OutboundSubjectPrefix + ".>"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     72 * time.Hour,
		Duplicates: 2 * time.Minute,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	return nil
}
