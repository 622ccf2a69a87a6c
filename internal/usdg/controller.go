// Package usdg gates minting and burning of the USD-pegged debt token.
// Only addresses holding the vault capability may change supply.
package usdg

import (
	"errors"
	"fmt"
	"sort"

	"PerpVault/internal/ledger"

	"github.com/holiman/uint256"
)

var (
	ErrForbidden = errors.New("usdg: forbidden")
	ErrNotVault  = errors.New("usdg: caller is not a vault")
)

// Supply is the balance book the controller mints into and burns from.
type Supply interface {
	Mint(token, to ledger.Address, amount *uint256.Int) error
	Burn(token, from ledger.Address, amount *uint256.Int) error
	TotalSupply(token ledger.Address) *uint256.Int
	BalanceOf(token, holder ledger.Address) *uint256.Int
}

// Controller owns the vault capability list for one debt token.
// Not thread-safe: owned by the vault sequencer.
type Controller struct {
	token  ledger.Address
	gov    ledger.Address
	book   Supply
	vaults map[ledger.Address]bool
}

func NewController(token, gov ledger.Address, book Supply) *Controller {
	return &Controller{
		token:  token,
		gov:    gov,
		book:   book,
		vaults: make(map[ledger.Address]bool),
	}
}

// Address returns the debt token's address.
func (c *Controller) Address() ledger.Address {
	return c.token
}

func (c *Controller) Gov() ledger.Address {
	return c.gov
}

func (c *Controller) SetGov(caller, gov ledger.Address) error {
	if caller != c.gov {
		return ErrForbidden
	}
	c.gov = gov
	return nil
}

// AddVault grants the vault capability.
func (c *Controller) AddVault(caller, vault ledger.Address) error {
	if caller != c.gov {
		return ErrForbidden
	}
	c.vaults[vault] = true
	return nil
}

// RemoveVault revokes the vault capability.
func (c *Controller) RemoveVault(caller, vault ledger.Address) error {
	if caller != c.gov {
		return ErrForbidden
	}
	delete(c.vaults, vault)
	return nil
}

func (c *Controller) IsVault(addr ledger.Address) bool {
	return c.vaults[addr]
}

// Vaults lists capability holders in sorted order.
func (c *Controller) Vaults() []ledger.Address {
	out := make([]ledger.Address, 0, len(c.vaults))
	for v := range c.vaults {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Mint creates amount of debt token for receiver.
func (c *Controller) Mint(caller, receiver ledger.Address, amount *uint256.Int) error {
	if !c.vaults[caller] {
		return fmt.Errorf("mint by %s: %w", caller, ErrNotVault)
	}
	if err := c.book.Mint(c.token, receiver, amount); err != nil {
		return fmt.Errorf("mint usdg: %w", err)
	}
	return nil
}

// Burn destroys amount of debt token held by holder.
func (c *Controller) Burn(caller, holder ledger.Address, amount *uint256.Int) error {
	if !c.vaults[caller] {
		return fmt.Errorf("burn by %s: %w", caller, ErrNotVault)
	}
	if err := c.book.Burn(c.token, holder, amount); err != nil {
		return fmt.Errorf("burn usdg: %w", err)
	}
	return nil
}

func (c *Controller) TotalSupply() *uint256.Int {
	return c.book.TotalSupply(c.token)
}

func (c *Controller) BalanceOf(holder ledger.Address) *uint256.Int {
	return c.book.BalanceOf(c.token, holder)
}
