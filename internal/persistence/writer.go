package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"PerpVault/internal/event"
	"PerpVault/internal/ledger"
	"PerpVault/internal/vault"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// EventLogWriter writes committed actions, their events and their journals
// to Postgres using multi-row inserts. Writes are idempotent.
type EventLogWriter struct {
	db *sql.DB
}

// ActionRow represents a row in event_log.actions
type ActionRow struct {
	Sequence  int64
	Action    string
	Caller    string
	BlockTime int64
	StateHash string
	PrevHash  string
}

// EventRow represents a row in event_log.vault_events
type EventRow struct {
	EventID   uuid.UUID
	Sequence  int64
	Index     int
	Action    string
	EventType string
	EventCode int32
	Payload   []byte // JSON as hashed, stored byte-for-byte
	BlockTime int64
}

// JournalRow represents a row in event_log.journals
type JournalRow struct {
	JournalID   uuid.UUID
	Sequence    int64
	Index       int
	Token       string
	From        string
	To          string
	Amount      string // decimal
	JournalType int16
}

// Batch is the rows of one committed action.
type Batch struct {
	Action   ActionRow
	Events   []EventRow
	Journals []JournalRow
}

// BatchFromOutput converts a committed vault output into rows.
func BatchFromOutput(out *vault.Output) Batch {
	b := Batch{
		Action: ActionRow{
			Sequence:  out.Sequence,
			Action:    out.Action,
			Caller:    out.Call.Caller.String(),
			BlockTime: out.Call.Timestamp,
			StateHash: out.StateHash,
			PrevHash:  out.PrevHash,
		},
		Events:   make([]EventRow, 0, len(out.Events)),
		Journals: make([]JournalRow, 0, len(out.Journals)),
	}
	for _, e := range out.Events {
		b.Events = append(b.Events, EventRow{
			EventID:   e.EventID,
			Sequence:  e.Sequence,
			Index:     e.Index,
			Action:    e.Action,
			EventType: e.TypeName(),
			EventCode: int32(e.EventType),
			Payload:   e.Payload,
			BlockTime: e.Timestamp,
		})
	}
	for i := range out.Journals {
		j := &out.Journals[i]
		b.Journals = append(b.Journals, JournalRow{
			JournalID:   j.JournalID,
			Sequence:    out.Sequence,
			Index:       i,
			Token:       j.Token.String(),
			From:        j.From.String(),
			To:          j.To.String(),
			Amount:      j.Amount.Dec(),
			JournalType: int16(j.JournalType),
		})
	}
	return b
}

// OutputFromBatch rebuilds the output a batch was written from, as far as
// the hash chain needs it.
func OutputFromBatch(b Batch) (*vault.Output, error) {
	out := &vault.Output{
		Sequence:  b.Action.Sequence,
		Action:    b.Action.Action,
		Call:      vault.Call{Caller: ledger.Address(b.Action.Caller), Timestamp: b.Action.BlockTime},
		StateHash: b.Action.StateHash,
		PrevHash:  b.Action.PrevHash,
	}
	for _, e := range b.Events {
		out.Events = append(out.Events, &event.Envelope{
			EventID:   e.EventID,
			Sequence:  e.Sequence,
			Index:     e.Index,
			Action:    e.Action,
			EventType: event.EventType(e.EventCode),
			Timestamp: e.BlockTime,
			Payload:   e.Payload,
		})
	}
	for _, j := range b.Journals {
		amount, err := uint256.FromDecimal(j.Amount)
		if err != nil {
			return nil, fmt.Errorf("journal %s amount %q: %w", j.JournalID, j.Amount, err)
		}
		out.Journals = append(out.Journals, ledger.Journal{
			JournalID:   j.JournalID,
			Token:       ledger.Address(j.Token),
			From:        ledger.Address(j.From),
			To:          ledger.Address(j.To),
			Amount:      *amount,
			JournalType: ledger.JournalType(j.JournalType),
		})
	}
	return out, nil
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// WriteBatches writes every row of batches in one transaction.
func (w *EventLogWriter) WriteBatches(ctx context.Context, batches []Batch) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var (
		actions  = make([]ActionRow, 0, len(batches))
		events   []EventRow
		journals []JournalRow
	)
	for _, b := range batches {
		actions = append(actions, b.Action)
		events = append(events, b.Events...)
		journals = append(journals, b.Journals...)
	}

	if err := WriteActionBatch(ctx, tx, actions); err != nil {
		return fmt.Errorf("write actions: %w", err)
	}
	if err := WriteEventBatch(ctx, tx, events); err != nil {
		return fmt.Errorf("write events: %w", err)
	}
	if err := WriteJournalBatch(ctx, tx, journals); err != nil {
		return fmt.Errorf("write journals: %w", err)
	}
	return tx.Commit()
}

// WriteActionBatch writes a batch of actions to event_log.actions.
func WriteActionBatch(ctx context.Context, db execer, actions []ActionRow) error {
	if len(actions) == 0 {
		return nil
	}
	args := make([]interface{}, 0, len(actions)*6)
	for _, a := range actions {
		args = append(args, a.Sequence, a.Action, a.Caller, a.BlockTime, a.StateHash, a.PrevHash)
	}
	query := `INSERT INTO event_log.actions
		(sequence, action, caller, block_time, state_hash, prev_hash)
		VALUES ` + placeholders(len(actions), 6) + ` ON CONFLICT (sequence) DO NOTHING`
	_, err := db.ExecContext(ctx, query, args...)
	return err
}

// WriteEventBatch writes a batch of events to event_log.vault_events.
func WriteEventBatch(ctx context.Context, db execer, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}
	args := make([]interface{}, 0, len(events)*8)
	for _, e := range events {
		args = append(args, e.EventID, e.Sequence, e.Index, e.Action, e.EventType, e.EventCode, e.Payload, e.BlockTime)
	}
	query := `INSERT INTO event_log.vault_events
		(event_id, sequence, idx, action, event_type, event_code, payload, block_time)
		VALUES ` + placeholders(len(events), 8) + ` ON CONFLICT (sequence, idx) DO NOTHING`
	_, err := db.ExecContext(ctx, query, args...)
	return err
}

// WriteJournalBatch writes a batch of journal entries to event_log.journals.
func WriteJournalBatch(ctx context.Context, db execer, journals []JournalRow) error {
	if len(journals) == 0 {
		return nil
	}
	args := make([]interface{}, 0, len(journals)*8)
	for _, j := range journals {
		args = append(args, j.JournalID, j.Sequence, j.Index, j.Token, j.From, j.To, j.Amount, j.JournalType)
	}
	query := `INSERT INTO event_log.journals
		(journal_id, sequence, idx, token, from_holder, to_holder, amount, journal_type)
		VALUES ` + placeholders(len(journals), 8) + ` ON CONFLICT (sequence, idx) DO NOTHING`
	_, err := db.ExecContext(ctx, query, args...)
	return err
}

// placeholders renders rows groups of cols numbered parameters:
// ($1, $2), ($3, $4), ...
func placeholders(rows, cols int) string {
	var sb strings.Builder
	n := 1
	for r := 0; r < rows; r++ {
		if r > 0 {
			sb.WriteString(", ")
		}
		sb.WriteByte('(')
		for c := 0; c < cols; c++ {
			if c > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", n)
			n++
		}
		sb.WriteByte(')')
	}
	return sb.String()
}
