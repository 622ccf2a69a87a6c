package ledger

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeTransfer JournalType = iota
	JournalTypeMint
	JournalTypeBurn
)

func (t JournalType) String() string {
	switch t {
	case JournalTypeTransfer:
		return "transfer"
	case JournalTypeMint:
		return "mint"
	case JournalTypeBurn:
		return "burn"
	default:
		return "unknown"
	}
}

// Journal is a single balanced movement of one token between two holders.
// Mints credit ZeroAddress, burns debit it.
type Journal struct {
	JournalID   uuid.UUID   `json:"journal_id"`
	Token       Address     `json:"token"`
	From        Address     `json:"from"`
	To          Address     `json:"to"`
	Amount      uint256.Int `json:"amount"`
	JournalType JournalType `json:"journal_type"`
}

// Validate ensures the journal is well-formed. Each journal moves a single
// positive amount from one holder to another, so it is balanced by construction.
func (j *Journal) Validate() error {
	if j.Amount.IsZero() {
		return fmt.Errorf("journal %s has zero amount", j.JournalID)
	}
	if j.From == j.To {
		return fmt.Errorf("journal %s has same from and to holder", j.JournalID)
	}
	if j.Token.IsZero() {
		return fmt.Errorf("journal %s has no token", j.JournalID)
	}
	return nil
}
