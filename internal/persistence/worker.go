package persistence

import (
	"context"
	"time"

	"PerpVault/internal/observability"
	"PerpVault/internal/vault"

	"github.com/rs/zerolog"
)

// BatchWriter persists batches atomically. *EventLogWriter implements it.
type BatchWriter interface {
	WriteBatches(ctx context.Context, batches []Batch) error
}

// PersistenceWorker drains committed outputs and batch-writes them.
// It runs independently of the sequencer; the fan-out in front of it
// blocks when it falls behind, so no committed output is skipped.
type PersistenceWorker struct {
	writer       BatchWriter
	inputChan    <-chan *vault.Output
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
	logger       zerolog.Logger

	maxBackoff time.Duration
}

func NewPersistenceWorker(
	writer BatchWriter,
	inputChan <-chan *vault.Output,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *PersistenceWorker {
	return &PersistenceWorker{
		writer:       writer,
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
		logger:       logger,
		maxBackoff:   30 * time.Second,
	}
}

// Run batches incoming outputs and flushes either when the batch is full
// or the flush timeout expires. It returns when the input channel closes,
// after a final flush, or when ctx is cancelled.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	batch := make([]Batch, 0, pw.batchSize)

	timer := time.NewTimer(pw.flushTimeout)
	defer timer.Stop()

	flush := func(ctx context.Context, reason string) {
		if len(batch) == 0 {
			return
		}
		if err := pw.flushWithRetry(ctx, batch); err != nil {
			pw.logger.Error().Err(err).Str("reason", reason).Int("actions", len(batch)).Msg("batch flush failed")
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush(context.Background(), "shutdown")
			return ctx.Err()

		case out, ok := <-pw.inputChan:
			if !ok {
				flush(context.Background(), "closed")
				return nil
			}
			batch = append(batch, BatchFromOutput(out))
			if len(batch) >= pw.batchSize {
				flush(ctx, "full")
				timer.Reset(pw.flushTimeout)
			}

		case <-timer.C:
			flush(ctx, "timeout")
			timer.Reset(pw.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff until the write succeeds.
// Once ctx is cancelled it makes one last attempt and gives up.
func (pw *PersistenceWorker) flushWithRetry(ctx context.Context, batches []Batch) error {
	backoff := 100 * time.Millisecond

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			pw.logger.Warn().Int("attempt", attempt).Dur("backoff", backoff).Int("actions", len(batches)).Msg("persistence retry")
			if pw.metrics != nil {
				pw.metrics.PersistRetry.Inc()
			}
			select {
			case <-ctx.Done():
				return pw.flush(context.Background(), batches)
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > pw.maxBackoff {
				backoff = pw.maxBackoff
			}
		}

		err := pw.flush(ctx, batches)
		if err == nil {
			if attempt > 0 {
				pw.logger.Info().Int("retries", attempt).Msg("persistence flush succeeded")
			}
			return nil
		}
		pw.logger.Warn().Err(err).Msg("persistence flush failed")
	}
}

func (pw *PersistenceWorker) flush(ctx context.Context, batches []Batch) error {
	start := time.Now()

	if err := pw.writer.WriteBatches(ctx, batches); err != nil {
		if pw.metrics != nil {
			pw.metrics.PersistErrors.WithLabelValues("write").Inc()
		}
		return err
	}

	if pw.metrics != nil {
		var events, journals int
		for _, b := range batches {
			events += len(b.Events)
			journals += len(b.Journals)
		}
		pw.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		pw.metrics.PersistEventsWritten.Add(float64(events))
		pw.metrics.PersistJournalsWritten.Add(float64(journals))
		pw.metrics.PersistLastSequence.Set(float64(batches[len(batches)-1].Action.Sequence))
	}
	return nil
}
