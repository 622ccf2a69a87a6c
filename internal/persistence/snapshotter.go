package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"PerpVault/internal/ledger"
	"PerpVault/internal/observability"
	"PerpVault/internal/vault"

	"github.com/rs/zerolog"
)

// ErrLogAhead means the event log holds actions the latest snapshot does
// not cover. Outputs cannot be re-executed, so the vault refuses to start
// rather than reuse those sequence numbers.
var ErrLogAhead = errors.New("event log ahead of latest snapshot")

// SnapshotStore is the subset of *SnapshotManager the snapshotter needs.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, snap *SnapshotData) (int, error)
	LoadLatestSnapshot(ctx context.Context) (*SnapshotData, error)
	MarkVerified(ctx context.Context, sequence int64) error
	GetLatestSequence(ctx context.Context) (int64, error)
}

// Capture copies vault and token state. It must run on the goroutine that
// owns both, normally inside Sequencer.Do.
func Capture(v *vault.Vault, book *ledger.Book, now time.Time) *SnapshotData {
	return &SnapshotData{
		Sequence:  v.Sequence(),
		ChainTip:  v.ChainTip(),
		Vault:     v.Snapshot(),
		Book:      book.Snapshot(),
		CreatedAt: now,
	}
}

// Snapshotter takes a snapshot whenever interval actions have committed
// since the last one, checking every check period.
type Snapshotter struct {
	store    SnapshotStore
	seq      *vault.Sequencer
	book     *ledger.Book
	interval int64
	check    time.Duration
	metrics  *observability.Metrics
	logger   zerolog.Logger

	last int64
}

func NewSnapshotter(
	store SnapshotStore,
	seq *vault.Sequencer,
	book *ledger.Book,
	interval int64,
	check time.Duration,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *Snapshotter {
	if interval <= 0 {
		interval = 10_000
	}
	if check <= 0 {
		check = 10 * time.Second
	}
	return &Snapshotter{
		store:    store,
		seq:      seq,
		book:     book,
		interval: interval,
		check:    check,
		metrics:  metrics,
		logger:   logger,
	}
}

// SetLast records the sequence of a snapshot restored at startup.
func (s *Snapshotter) SetLast(sequence int64) {
	s.last = sequence
}

// Run checks for due snapshots until ctx is cancelled.
func (s *Snapshotter) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.check)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			taken, err := s.TakeIfDue(ctx)
			if err != nil {
				if errors.Is(err, vault.ErrSequencerStopped) || ctx.Err() != nil {
					return nil
				}
				s.logger.Warn().Err(err).Msg("periodic snapshot failed")
				continue
			}
			if taken != nil {
				s.logger.Info().Int64("sequence", taken.Sequence).Msg("periodic snapshot")
			}
		}
	}
}

// TakeIfDue captures and saves a snapshot when enough actions have
// committed. It returns the snapshot taken, or nil.
func (s *Snapshotter) TakeIfDue(ctx context.Context) (*SnapshotData, error) {
	var snap *SnapshotData
	err := s.seq.Do(ctx, func(v *vault.Vault) error {
		if v.Sequence()-s.last < s.interval {
			return nil
		}
		snap = Capture(v, s.book, time.Now().UTC())
		return nil
	})
	if err != nil || snap == nil {
		return nil, err
	}
	if err := s.Save(ctx, snap); err != nil {
		return nil, err
	}
	return snap, nil
}

// Save stores snap, marks it verified and records it as the latest.
func (s *Snapshotter) Save(ctx context.Context, snap *SnapshotData) error {
	size, err := s.store.SaveSnapshot(ctx, snap)
	if err != nil {
		return err
	}
	// Captured from live state, nothing further to check
	if err := s.store.MarkVerified(ctx, snap.Sequence); err != nil {
		return fmt.Errorf("mark snapshot %d verified: %w", snap.Sequence, err)
	}
	s.last = snap.Sequence

	if s.metrics != nil {
		s.metrics.SnapshotTaken.Inc()
		s.metrics.SnapshotSizeBytes.Set(float64(size))
		s.metrics.SnapshotLastSeq.Set(float64(snap.Sequence))
	}
	return nil
}

// Recover restores v and book from the latest verified snapshot. It returns
// nil on a cold start. The vault and book must not be in use yet.
func Recover(ctx context.Context, store SnapshotStore, v *vault.Vault, book *ledger.Book, logger zerolog.Logger) (*SnapshotData, error) {
	snap, err := store.LoadLatestSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	head, err := store.GetLatestSequence(ctx)
	if err != nil {
		return nil, fmt.Errorf("event log head: %w", err)
	}

	if snap == nil {
		if head > 0 {
			return nil, fmt.Errorf("no snapshot, log at %d: %w", head, ErrLogAhead)
		}
		logger.Info().Msg("no snapshot found, cold start")
		return nil, nil
	}
	if snap.Vault == nil || snap.Book == nil {
		return nil, fmt.Errorf("snapshot %d is incomplete", snap.Sequence)
	}
	if head > snap.Sequence {
		return nil, fmt.Errorf("snapshot %d, log at %d: %w", snap.Sequence, head, ErrLogAhead)
	}
	if head < snap.Sequence {
		logger.Warn().Int64("snapshot", snap.Sequence).Int64("log_head", head).
			Msg("event log behind snapshot, missing outputs were not persisted")
	}

	if err := v.Restore(snap.Vault); err != nil {
		return nil, err
	}
	book.Restore(snap.Book)
	if err := book.ValidateSupply(); err != nil {
		return nil, fmt.Errorf("restored book: %w", err)
	}

	logger.Info().Int64("sequence", snap.Sequence).Str("chain_tip", snap.ChainTip).Msg("restored from snapshot")
	return snap, nil
}
