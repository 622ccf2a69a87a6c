package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"PerpVault/internal/ledger"
	"PerpVault/internal/vault"

	"github.com/google/uuid"
)

const snapshotFormatVersion = 1 // JSON-encoded SnapshotData

// SnapshotData is the full vault and token state at one sequence.
type SnapshotData struct {
	Sequence  int64             `json:"sequence"`
	ChainTip  string            `json:"chain_tip"`
	Vault     *vault.State      `json:"vault"`
	Book      *ledger.BookState `json:"book"`
	CreatedAt time.Time         `json:"created_at"`
}

// SnapshotManager stores snapshots and reads the event log back.
type SnapshotManager struct {
	db *sql.DB
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// SaveSnapshot persists a snapshot and returns its encoded size.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *SnapshotData) (int, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return 0, fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO event_log.snapshots
			(snapshot_id, sequence, chain_tip, data, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $4, chain_tip = $3, size_bytes = $6
	`, uuid.New(), snap.Sequence, snap.ChainTip, data, snapshotFormatVersion, len(data), snap.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("save snapshot %d: %w", snap.Sequence, err)
	}
	return len(data), nil
}

// LoadLatestSnapshot loads the most recent verified snapshot, or nil on a
// cold start.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*SnapshotData, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data FROM event_log.snapshots
		WHERE verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// MarkVerified marks a snapshot as safe to restore from.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence int64) error {
	_, err := sm.db.ExecContext(ctx, `
		UPDATE event_log.snapshots SET verified = TRUE WHERE sequence = $1
	`, sequence)
	return err
}

// GetLatestSequence returns the highest sequence in the event log.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := sm.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM event_log.actions
	`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}

// LoadBatchesFrom loads up to limit logged actions from fromSequence on,
// with their events and journals, in sequence order.
func (sm *SnapshotManager) LoadBatchesFrom(ctx context.Context, fromSequence int64, limit int) ([]Batch, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, action, caller, block_time, state_hash, prev_hash
		FROM event_log.actions
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, fmt.Errorf("load actions: %w", err)
	}
	defer rows.Close()

	var batches []Batch
	index := make(map[int64]int)
	for rows.Next() {
		var a ActionRow
		if err := rows.Scan(&a.Sequence, &a.Action, &a.Caller, &a.BlockTime, &a.StateHash, &a.PrevHash); err != nil {
			return nil, err
		}
		index[a.Sequence] = len(batches)
		batches = append(batches, Batch{Action: a})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(batches) == 0 {
		return nil, nil
	}
	from, to := batches[0].Action.Sequence, batches[len(batches)-1].Action.Sequence

	evRows, err := sm.db.QueryContext(ctx, `
		SELECT event_id, sequence, idx, action, event_type, event_code, payload, block_time
		FROM event_log.vault_events
		WHERE sequence BETWEEN $1 AND $2
		ORDER BY sequence ASC, idx ASC
	`, from, to)
	if err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}
	defer evRows.Close()
	for evRows.Next() {
		var e EventRow
		if err := evRows.Scan(&e.EventID, &e.Sequence, &e.Index, &e.Action, &e.EventType, &e.EventCode, &e.Payload, &e.BlockTime); err != nil {
			return nil, err
		}
		if i, ok := index[e.Sequence]; ok {
			batches[i].Events = append(batches[i].Events, e)
		}
	}
	if err := evRows.Err(); err != nil {
		return nil, err
	}

	jRows, err := sm.db.QueryContext(ctx, `
		SELECT journal_id, sequence, idx, token, from_holder, to_holder, amount::TEXT, journal_type
		FROM event_log.journals
		WHERE sequence BETWEEN $1 AND $2
		ORDER BY sequence ASC, idx ASC
	`, from, to)
	if err != nil {
		return nil, fmt.Errorf("load journals: %w", err)
	}
	defer jRows.Close()
	for jRows.Next() {
		var j JournalRow
		if err := jRows.Scan(&j.JournalID, &j.Sequence, &j.Index, &j.Token, &j.From, &j.To, &j.Amount, &j.JournalType); err != nil {
			return nil, err
		}
		if i, ok := index[j.Sequence]; ok {
			batches[i].Journals = append(batches[i].Journals, j)
		}
	}
	return batches, jRows.Err()
}

// VerifyLog walks the logged hash chain from fromSequence, starting at
// prevHash, and returns the last sequence and tip it verified.
func (sm *SnapshotManager) VerifyLog(ctx context.Context, fromSequence int64, prevHash string) (int64, string, error) {
	const pageSize = 1000
	last := fromSequence - 1
	for {
		batches, err := sm.LoadBatchesFrom(ctx, last+1, pageSize)
		if err != nil {
			return last, prevHash, err
		}
		if len(batches) == 0 {
			return last, prevHash, nil
		}
		for _, b := range batches {
			if b.Action.Sequence != last+1 {
				return last, prevHash, fmt.Errorf("gap after sequence %d: %w", last, ErrChainBroken)
			}
			out, err := OutputFromBatch(b)
			if err != nil {
				return last, prevHash, err
			}
			if !vault.VerifyChain(prevHash, []*vault.Output{out}) {
				return last, prevHash, fmt.Errorf("sequence %d: %w", b.Action.Sequence, ErrChainBroken)
			}
			last, prevHash = out.Sequence, out.StateHash
		}
	}
}

var ErrChainBroken = errors.New("event log hash chain broken")
