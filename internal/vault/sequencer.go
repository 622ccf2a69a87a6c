package vault

import (
	"context"
	"errors"

	"PerpVault/internal/observability"
)

var ErrSequencerStopped = errors.New("sequencer stopped")

type request struct {
	fn   func(v *Vault) error
	done chan error
}

// Sequencer owns a Vault and runs every read and write against it on a
// single goroutine, in submission order.
type Sequencer struct {
	vault   *Vault
	reqs    chan request
	stopped chan struct{}
	metrics *observability.Metrics
}

func NewSequencer(v *Vault, backlog int, metrics *observability.Metrics) *Sequencer {
	return &Sequencer{
		vault:   v,
		reqs:    make(chan request, backlog),
		stopped: make(chan struct{}),
		metrics: metrics,
	}
}

// Run processes requests until ctx is cancelled.
func (s *Sequencer) Run(ctx context.Context) error {
	defer close(s.stopped)
	for {
		select {
		case <-ctx.Done():
			return nil
		case req := <-s.reqs:
			if s.metrics != nil {
				s.metrics.SequencerBacklog.Set(float64(len(s.reqs)))
			}
			req.done <- req.fn(s.vault)
		}
	}
}

// Do runs fn on the sequencer goroutine and waits for its result. If ctx
// ends after submission, fn still runs but its result is discarded.
func (s *Sequencer) Do(ctx context.Context, fn func(v *Vault) error) error {
	req := request{fn: fn, done: make(chan error, 1)}
	select {
	case s.reqs <- req:
	case <-s.stopped:
		return ErrSequencerStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.done:
		return err
	case <-s.stopped:
		// Run may have finished fn just before stopping
		select {
		case err := <-req.done:
			return err
		default:
			return ErrSequencerStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}
