package ingestion

import (
	"context"
	"fmt"
	"time"

	"PerpVault/internal/oracle"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// RawEvent is an undecoded message from NATS with its ack handles.
type RawEvent struct {
	Subject   string
	Data      []byte
	Timestamp time.Time
	AckFunc   func()
	NakFunc   func()
}

// PriceSink applies a price band to the feed the vault reads.
type PriceSink func(ctx context.Context, u *PriceUpdate) error

// StaticSink writes updates into an in-memory feed.
func StaticSink(feed *oracle.StaticFeed) PriceSink {
	return func(_ context.Context, u *PriceUpdate) error {
		return feed.SetSpread(u.Token, u.MinPrice, u.MaxPrice)
	}
}

// RedisSink publishes updates to Redis, where every RedisFeed reader sees them.
func RedisSink(feed *oracle.RedisFeed) PriceSink {
	return func(ctx context.Context, u *PriceUpdate) error {
		return feed.Publish(ctx, u.Token, u.MinPrice, u.MaxPrice)
	}
}

// Tee applies an update to every sink, stopping at the first error.
func Tee(sinks ...PriceSink) PriceSink {
	return func(ctx context.Context, u *PriceUpdate) error {
		for _, s := range sinks {
			if err := s(ctx, u); err != nil {
				return err
			}
		}
		return nil
	}
}

// PriceSubscriber consumes oracle price messages from JetStream and
// applies them to a PriceSink. Prices never pass through the sequencer;
// each vault action memoises whatever the feed holds when it starts.
type PriceSubscriber struct {
	js       jetstream.JetStream
	stream   string
	subject  string
	consumer string
	sink     PriceSink
	logger   zerolog.Logger

	cc jetstream.ConsumeContext
}

func NewPriceSubscriber(js jetstream.JetStream, stream, subject string, sink PriceSink, logger zerolog.Logger) *PriceSubscriber {
	return &PriceSubscriber{
		js:       js,
		stream:   stream,
		subject:  subject,
		consumer: "vault-prices",
		sink:     sink,
		logger:   logger,
	}
}

// Subscribe creates the durable consumer and starts consuming. Only the
// latest price per subject matters, so delivery starts at the last
// message per subject.
func (ps *PriceSubscriber) Subscribe(ctx context.Context) error {
	consumer, err := ps.js.CreateOrUpdateConsumer(ctx, ps.stream, jetstream.ConsumerConfig{
		Durable:       ps.consumer,
		FilterSubject: ps.subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		DeliverPolicy: jetstream.DeliverLastPerSubjectPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", ps.consumer, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		ps.Handle(ctx, RawEvent{
			Subject:   msg.Subject(),
			Data:      msg.Data(),
			Timestamp: time.Now(),
			AckFunc:   func() { msg.Ack() },
			NakFunc:   func() { msg.Nak() },
		})
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", ps.consumer, err)
	}
	ps.cc = cc
	ps.logger.Info().Str("subject", ps.subject).Str("consumer", ps.consumer).Msg("subscribed to prices")
	return nil
}

// Handle parses and applies one message. Malformed messages are acked so
// they are not redelivered; sink failures are nakked for retry.
func (ps *PriceSubscriber) Handle(ctx context.Context, raw RawEvent) {
	u, err := ParsePriceUpdate(raw)
	if err != nil {
		ps.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("invalid price update")
		raw.AckFunc()
		return
	}
	if err := ps.sink(ctx, u); err != nil {
		ps.logger.Warn().Err(err).Str("token", u.Token.String()).Msg("apply price failed")
		raw.NakFunc()
		return
	}
	ps.logger.Debug().
		Str("token", u.Token.String()).
		Str("min", u.MinPrice.Dec()).
		Str("max", u.MaxPrice.Dec()).
		Msg("price applied")
	raw.AckFunc()
}

// Stop stops the consumer.
func (ps *PriceSubscriber) Stop() {
	if ps.cc != nil {
		ps.cc.Stop()
	}
	ps.logger.Info().Msg("price subscriber stopped")
}

// EnsurePriceStream creates the inbound price stream. Old prices are
// useless, so it keeps one message per subject.
func EnsurePriceStream(ctx context.Context, js jetstream.JetStream, name, subject string) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:              name,
		Subjects:          []string{subject},
		Storage:           jetstream.FileStorage,
		Retention:         jetstream.LimitsPolicy,
		MaxMsgsPerSubject: 1,
		MaxAge:            time.Hour,
		Replicas:          1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", name, err)
	}
	return nil
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("perp-vault"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
