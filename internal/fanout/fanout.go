// Package fanout distributes committed vault outputs to their consumers.
package fanout

import (
	"context"

	"PerpVault/internal/event"
	"PerpVault/internal/observability"
	"PerpVault/internal/vault"

	"github.com/rs/zerolog"
)

// Broadcaster accepts an event without blocking and reports whether it
// was queued. *stream.Hub implements it.
type Broadcaster interface {
	Broadcast(env *event.Envelope) bool
}

// Fanout drains the vault output channel. Persistence gets every output
// and applies backpressure; the NATS publisher and live subscribers are
// best effort and lose events when full.
type Fanout struct {
	in      <-chan *vault.Output
	persist chan<- *vault.Output
	publish chan<- *event.Envelope
	hub     Broadcaster
	metrics *observability.Metrics
	logger  zerolog.Logger
}

// New wires the fan-out. publish and hub may be nil.
func New(
	in <-chan *vault.Output,
	persist chan<- *vault.Output,
	publish chan<- *event.Envelope,
	hub Broadcaster,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *Fanout {
	return &Fanout{
		in:      in,
		persist: persist,
		publish: publish,
		hub:     hub,
		metrics: metrics,
		logger:  logger,
	}
}

// Run forwards outputs until the input channel closes, then closes the
// persist and publish channels so their workers can flush and exit.
// Cancelling ctx abandons outputs still blocked on persistence.
func (f *Fanout) Run(ctx context.Context) error {
	defer func() {
		close(f.persist)
		if f.publish != nil {
			close(f.publish)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case out, ok := <-f.in:
			if !ok {
				return nil
			}
			select {
			case f.persist <- out:
			case <-ctx.Done():
				f.logger.Error().Int64("sequence", out.Sequence).Msg("output abandoned before persistence")
				return ctx.Err()
			}
			for _, env := range out.Events {
				f.forward(env)
			}
		}
	}
}

func (f *Fanout) forward(env *event.Envelope) {
	if f.publish != nil {
		select {
		case f.publish <- env:
		default:
			f.drop("nats", env)
		}
	}
	if f.hub != nil && !f.hub.Broadcast(env) {
		f.drop("ws", env)
	}
}

func (f *Fanout) drop(sink string, env *event.Envelope) {
	if f.metrics != nil {
		f.metrics.FanoutDrops.WithLabelValues(sink).Inc()
	}
	f.logger.Debug().Str("sink", sink).Int64("sequence", env.Sequence).Int("index", env.Index).Msg("event dropped")
}
