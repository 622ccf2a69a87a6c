package ledger

import (
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

var (
	ErrInsufficientBalance = errors.New("ledger: transfer amount exceeds balance")
	ErrSupplyOverflow      = errors.New("ledger: total supply overflow")
	ErrInvalidCheckpoint   = errors.New("ledger: invalid checkpoint")
)

// TransferHook is invoked after a transfer of a hooked token has been applied.
// It models tokens that call back into the receiver.
type TransferHook func(j Journal)

type balanceKey struct {
	Token  Address
	Holder Address
}

// Book is an in-memory token balance book. Every balance change is recorded
// as a Journal so that any suffix of changes can be reverted.
// Not thread-safe: owned by the vault sequencer.
type Book struct {
	balances map[balanceKey]*uint256.Int
	supply   map[Address]*uint256.Int
	journals []Journal
	open     int
	hooks    map[Address]TransferHook
}

func NewBook() *Book {
	return &Book{
		balances: make(map[balanceKey]*uint256.Int),
		supply:   make(map[Address]*uint256.Int),
		hooks:    make(map[Address]TransferHook),
	}
}

// BalanceOf returns a copy of holder's balance of token.
func (b *Book) BalanceOf(token, holder Address) *uint256.Int {
	if v, ok := b.balances[balanceKey{token, holder}]; ok {
		return v.Clone()
	}
	return new(uint256.Int)
}

// TotalSupply returns a copy of the total supply of token.
func (b *Book) TotalSupply(token Address) *uint256.Int {
	if v, ok := b.supply[token]; ok {
		return v.Clone()
	}
	return new(uint256.Int)
}

// SetTransferHook registers a callback for transfers of token. A nil hook removes it.
func (b *Book) SetTransferHook(token Address, hook TransferHook) {
	if hook == nil {
		delete(b.hooks, token)
		return
	}
	b.hooks[token] = hook
}

// Transfer moves amount of token from one holder to another.
func (b *Book) Transfer(token, from, to Address, amount *uint256.Int) error {
	if amount.IsZero() || from == to {
		return nil
	}
	return b.record(Journal{
		JournalID:   uuid.New(),
		Token:       token,
		From:        from,
		To:          to,
		Amount:      *amount,
		JournalType: JournalTypeTransfer,
	})
}

// Mint creates amount of token for holder.
func (b *Book) Mint(token, to Address, amount *uint256.Int) error {
	if amount.IsZero() {
		return nil
	}
	return b.record(Journal{
		JournalID:   uuid.New(),
		Token:       token,
		From:        ZeroAddress,
		To:          to,
		Amount:      *amount,
		JournalType: JournalTypeMint,
	})
}

// Burn destroys amount of token held by holder.
func (b *Book) Burn(token, from Address, amount *uint256.Int) error {
	if amount.IsZero() {
		return nil
	}
	return b.record(Journal{
		JournalID:   uuid.New(),
		Token:       token,
		From:        from,
		To:          ZeroAddress,
		Amount:      *amount,
		JournalType: JournalTypeBurn,
	})
}

func (b *Book) record(j Journal) error {
	if err := j.Validate(); err != nil {
		return fmt.Errorf("invalid journal: %w", err)
	}
	if err := b.apply(&j, false); err != nil {
		return err
	}
	if b.open > 0 {
		b.journals = append(b.journals, j)
	}
	if hook, ok := b.hooks[j.Token]; ok {
		hook(j)
	}
	return nil
}

// apply moves the journal amount, or its inverse when reverse is set.
func (b *Book) apply(j *Journal, reverse bool) error {
	from, to := j.From, j.To
	if reverse {
		from, to = to, from
	}
	amount := &j.Amount

	if from == ZeroAddress {
		s := b.supplyOf(j.Token)
		if _, overflow := s.AddOverflow(s, amount); overflow {
			s.Sub(s, amount)
			return fmt.Errorf("mint %s %s: %w", amount.Dec(), j.Token, ErrSupplyOverflow)
		}
	} else {
		bal := b.balanceOf(j.Token, from)
		if bal.Lt(amount) {
			return fmt.Errorf("%s sends %s %s, holds %s: %w",
				from, amount.Dec(), j.Token, bal.Dec(), ErrInsufficientBalance)
		}
		bal.Sub(bal, amount)
	}

	if to == ZeroAddress {
		s := b.supplyOf(j.Token)
		s.Sub(s, amount)
	} else {
		bal := b.balanceOf(j.Token, to)
		bal.Add(bal, amount)
	}
	return nil
}

func (b *Book) balanceOf(token, holder Address) *uint256.Int {
	k := balanceKey{token, holder}
	v, ok := b.balances[k]
	if !ok {
		v = new(uint256.Int)
		b.balances[k] = v
	}
	return v
}

func (b *Book) supplyOf(token Address) *uint256.Int {
	v, ok := b.supply[token]
	if !ok {
		v = new(uint256.Int)
		b.supply[token] = v
	}
	return v
}

// Checkpoint opens a revert point. Journals are retained only while at
// least one checkpoint is open.
func (b *Book) Checkpoint() int {
	b.open++
	return len(b.journals)
}

// RevertTo undoes every journal recorded after checkpoint cp and closes it.
func (b *Book) RevertTo(cp int) error {
	if cp < 0 || cp > len(b.journals) || b.open == 0 {
		return ErrInvalidCheckpoint
	}
	for i := len(b.journals) - 1; i >= cp; i-- {
		if err := b.apply(&b.journals[i], true); err != nil {
			return fmt.Errorf("revert journal %s: %w", b.journals[i].JournalID, err)
		}
	}
	b.journals = b.journals[:cp]
	b.close()
	return nil
}

// Commit closes checkpoint cp and returns the journals recorded since it.
func (b *Book) Commit(cp int) ([]Journal, error) {
	if cp < 0 || cp > len(b.journals) || b.open == 0 {
		return nil, ErrInvalidCheckpoint
	}
	out := make([]Journal, len(b.journals)-cp)
	copy(out, b.journals[cp:])
	b.close()
	return out, nil
}

func (b *Book) close() {
	b.open--
	if b.open == 0 {
		b.journals = b.journals[:0]
	}
}

// ValidateSupply checks that holder balances sum to total supply for every token.
func (b *Book) ValidateSupply() error {
	sums := make(map[Address]*uint256.Int)
	for k, v := range b.balances {
		s, ok := sums[k.Token]
		if !ok {
			s = new(uint256.Int)
			sums[k.Token] = s
		}
		s.Add(s, v)
	}
	for token, supply := range b.supply {
		s, ok := sums[token]
		if !ok {
			s = new(uint256.Int)
		}
		if !s.Eq(supply) {
			return fmt.Errorf("token %s: balances sum to %s, supply is %s", token, s.Dec(), supply.Dec())
		}
	}
	return nil
}

// BookState is the serialisable form of a Book.
type BookState struct {
	Balances []HolderBalance `json:"balances"`
	Supply   []TokenSupply   `json:"supply"`
}

type HolderBalance struct {
	Token   Address     `json:"token"`
	Holder  Address     `json:"holder"`
	Balance uint256.Int `json:"balance"`
}

type TokenSupply struct {
	Token  Address     `json:"token"`
	Supply uint256.Int `json:"supply"`
}

// Snapshot returns the book's balances in deterministic order.
func (b *Book) Snapshot() *BookState {
	st := &BookState{
		Balances: make([]HolderBalance, 0, len(b.balances)),
		Supply:   make([]TokenSupply, 0, len(b.supply)),
	}
	for k, v := range b.balances {
		if v.IsZero() {
			continue
		}
		st.Balances = append(st.Balances, HolderBalance{Token: k.Token, Holder: k.Holder, Balance: *v})
	}
	for t, v := range b.supply {
		st.Supply = append(st.Supply, TokenSupply{Token: t, Supply: *v})
	}
	sort.Slice(st.Balances, func(i, j int) bool {
		if st.Balances[i].Token != st.Balances[j].Token {
			return st.Balances[i].Token < st.Balances[j].Token
		}
		return st.Balances[i].Holder < st.Balances[j].Holder
	})
	sort.Slice(st.Supply, func(i, j int) bool { return st.Supply[i].Token < st.Supply[j].Token })
	return st
}

// Restore replaces all balances with the snapshot's.
func (b *Book) Restore(st *BookState) {
	b.balances = make(map[balanceKey]*uint256.Int, len(st.Balances))
	b.supply = make(map[Address]*uint256.Int, len(st.Supply))
	for i := range st.Balances {
		hb := &st.Balances[i]
		b.balances[balanceKey{hb.Token, hb.Holder}] = hb.Balance.Clone()
	}
	for i := range st.Supply {
		ts := &st.Supply[i]
		b.supply[ts.Token] = ts.Supply.Clone()
	}
	b.journals = b.journals[:0]
	b.open = 0
}
