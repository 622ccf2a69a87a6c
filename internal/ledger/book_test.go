package ledger_test

import (
	"testing"

	"PerpVault/internal/ledger"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	tokenA ledger.Address = "0xaaaa"
	alice  ledger.Address = "0xa11ce"
	bob    ledger.Address = "0xb0b"
)

func u(v uint64) *uint256.Int { return uint256.NewInt(v) }

// ============================================================================
// Test: Address
// ============================================================================

func TestParseAddress_Normalises(t *testing.T) {
	assert.Equal(t, ledger.Address("0xabcdef"), ledger.ParseAddress("  0xABCdef "))
	assert.True(t, ledger.Address("").IsZero())
	assert.True(t, ledger.ZeroAddress.IsZero())
	assert.False(t, alice.IsZero())
}

// ============================================================================
// Test: Book
// ============================================================================

func TestBook_MintTransferBurn(t *testing.T) {
	b := ledger.NewBook()
	require.NoError(t, b.Mint(tokenA, alice, u(100)))
	require.NoError(t, b.Transfer(tokenA, alice, bob, u(40)))
	require.NoError(t, b.Burn(tokenA, bob, u(10)))

	assert.Equal(t, uint64(60), b.BalanceOf(tokenA, alice).Uint64())
	assert.Equal(t, uint64(30), b.BalanceOf(tokenA, bob).Uint64())
	assert.Equal(t, uint64(90), b.TotalSupply(tokenA).Uint64())
	require.NoError(t, b.ValidateSupply())
}

func TestBook_TransferInsufficientBalance(t *testing.T) {
	b := ledger.NewBook()
	require.NoError(t, b.Mint(tokenA, alice, u(5)))
	err := b.Transfer(tokenA, alice, bob, u(6))
	require.ErrorIs(t, err, ledger.ErrInsufficientBalance)
	assert.Equal(t, uint64(5), b.BalanceOf(tokenA, alice).Uint64())
}

func TestBook_BalanceOfReturnsCopy(t *testing.T) {
	b := ledger.NewBook()
	require.NoError(t, b.Mint(tokenA, alice, u(5)))
	bal := b.BalanceOf(tokenA, alice)
	bal.SetUint64(1000)
	assert.Equal(t, uint64(5), b.BalanceOf(tokenA, alice).Uint64())
}

func TestBook_RevertTo(t *testing.T) {
	b := ledger.NewBook()
	require.NoError(t, b.Mint(tokenA, alice, u(100)))

	cp := b.Checkpoint()
	require.NoError(t, b.Transfer(tokenA, alice, bob, u(70)))
	require.NoError(t, b.Burn(tokenA, bob, u(20)))
	require.NoError(t, b.Mint(tokenA, bob, u(5)))
	require.NoError(t, b.RevertTo(cp))

	assert.Equal(t, uint64(100), b.BalanceOf(tokenA, alice).Uint64())
	assert.True(t, b.BalanceOf(tokenA, bob).IsZero())
	assert.Equal(t, uint64(100), b.TotalSupply(tokenA).Uint64())
	require.NoError(t, b.ValidateSupply())
}

func TestBook_CommitReturnsJournals(t *testing.T) {
	b := ledger.NewBook()
	require.NoError(t, b.Mint(tokenA, alice, u(100)))

	cp := b.Checkpoint()
	require.NoError(t, b.Transfer(tokenA, alice, bob, u(1)))
	require.NoError(t, b.Burn(tokenA, alice, u(2)))
	journals, err := b.Commit(cp)
	require.NoError(t, err)
	require.Len(t, journals, 2)
	assert.Equal(t, ledger.JournalTypeTransfer, journals[0].JournalType)
	assert.Equal(t, ledger.JournalTypeBurn, journals[1].JournalType)
	assert.Equal(t, ledger.ZeroAddress, journals[1].To)

	_, err = b.Commit(cp)
	assert.ErrorIs(t, err, ledger.ErrInvalidCheckpoint)
}

func TestBook_TransferHook(t *testing.T) {
	b := ledger.NewBook()
	require.NoError(t, b.Mint(tokenA, alice, u(10)))

	var seen []ledger.Journal
	b.SetTransferHook(tokenA, func(j ledger.Journal) { seen = append(seen, j) })
	require.NoError(t, b.Transfer(tokenA, alice, bob, u(3)))
	b.SetTransferHook(tokenA, nil)
	require.NoError(t, b.Transfer(tokenA, alice, bob, u(3)))

	require.Len(t, seen, 1)
	assert.Equal(t, bob, seen[0].To)
}

func TestBook_SnapshotRestore(t *testing.T) {
	b := ledger.NewBook()
	require.NoError(t, b.Mint(tokenA, alice, u(10)))
	require.NoError(t, b.Transfer(tokenA, alice, bob, u(4)))
	st := b.Snapshot()

	restored := ledger.NewBook()
	restored.Restore(st)
	assert.Equal(t, uint64(6), restored.BalanceOf(tokenA, alice).Uint64())
	assert.Equal(t, uint64(4), restored.BalanceOf(tokenA, bob).Uint64())
	assert.Equal(t, uint64(10), restored.TotalSupply(tokenA).Uint64())
}

// ============================================================================
// Test: Journal
// ============================================================================

func TestJournal_Validate(t *testing.T) {
	j := ledger.Journal{Token: tokenA, From: alice, To: alice, Amount: *u(1)}
	assert.Error(t, j.Validate())

	j = ledger.Journal{Token: tokenA, From: alice, To: bob}
	assert.Error(t, j.Validate())

	j = ledger.Journal{Token: tokenA, From: alice, To: bob, Amount: *u(1)}
	assert.NoError(t, j.Validate())
}
