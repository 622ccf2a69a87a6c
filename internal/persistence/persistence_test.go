package persistence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"PerpVault/internal/ledger"
	fpmath "PerpVault/internal/math"
	"PerpVault/internal/observability"
	"PerpVault/internal/oracle"
	"PerpVault/internal/usdg"
	"PerpVault/internal/vault"

	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

const (
	gov       ledger.Address = "0x90v"
	vaultAddr ledger.Address = "0xva017"
	usdgToken ledger.Address = "0xusdg"
	router    ledger.Address = "0xr0u7e"
	eth       ledger.Address = "0xe7h"
	alice     ledger.Address = "0xa11ce"
)

func amount(s string, decimals uint8) *uint256.Int {
	v, err := fpmath.FromDecimalString(s, decimals)
	if err != nil {
		panic(err)
	}
	return v
}

// newVault builds a vault with eth listed and one USDG purchase, returning
// the committed outputs.
func newVault(t *testing.T) (*vault.Vault, *ledger.Book, []*vault.Output) {
	t.Helper()
	book := ledger.NewBook()
	ctl := usdg.NewController(usdgToken, gov, book)
	require.NoError(t, ctl.AddVault(gov, vaultAddr))
	feed := oracle.NewStaticFeed()
	require.NoError(t, feed.SetPriceString(eth, "2000"))

	outputs := make(chan *vault.Output, 16)
	v := vault.New(vault.Deps{
		Address: vaultAddr,
		Gov:     gov,
		Tokens:  book,
		USDG:    ctl,
		Feed:    feed,
		Logger:  zerolog.Nop(),
		Output:  outputs,
		Clock:   func() time.Time { return time.Unix(1_700_000_000, 0) },
	})
	call := func(c ledger.Address) vault.Call { return vault.Call{Caller: c, Timestamp: 1_700_000_000} }
	require.NoError(t, v.Initialize(call(gov), router, ctl, feed, amount("5", fpmath.PriceDecimals), 600, 600))
	require.NoError(t, v.SetTokenConfig(call(gov), eth, vault.TokenConfig{Decimals: 18, Weight: 10_000, IsShortable: true}))
	require.NoError(t, book.Mint(eth, vaultAddr, amount("10", 18)))
	_, err := v.BuyUSDG(call(alice), eth, alice)
	require.NoError(t, err)

	close(outputs)
	var outs []*vault.Output
	for o := range outputs {
		outs = append(outs, o)
	}
	require.Len(t, outs, 3)
	return v, book, outs
}

func TestPlaceholders(t *testing.T) {
	assert.Equal(t, "($1, $2)", placeholders(1, 2))
	assert.Equal(t, "($1, $2, $3), ($4, $5, $6)", placeholders(2, 3))
	assert.Equal(t, "", placeholders(0, 4))
}

func TestBatch_RoundTripKeepsChain(t *testing.T) {
	_, _, outs := newVault(t)

	rebuilt := make([]*vault.Output, 0, len(outs))
	for _, o := range outs {
		b := BatchFromOutput(o)
		assert.Equal(t, o.Sequence, b.Action.Sequence)
		assert.Len(t, b.Events, len(o.Events))
		assert.Len(t, b.Journals, len(o.Journals))

		back, err := OutputFromBatch(b)
		require.NoError(t, err)
		rebuilt = append(rebuilt, back)
	}
	assert.True(t, vault.VerifyChain("", rebuilt))

	buy := BatchFromOutput(outs[2])
	require.NotEmpty(t, buy.Journals)
	assert.Equal(t, "BuyUSDG", buy.Action.Action)
	assert.Equal(t, alice.String(), buy.Action.Caller)
	assert.Equal(t, usdgToken.String(), buy.Journals[0].Token)

	buy.Journals[0].Amount = "1"
	tampered, err := OutputFromBatch(buy)
	require.NoError(t, err)
	assert.False(t, vault.VerifyChain(rebuilt[1].StateHash, []*vault.Output{tampered}))
}

func TestOutputFromBatch_RejectsBadAmount(t *testing.T) {
	_, _, outs := newVault(t)
	b := BatchFromOutput(outs[2])
	b.Journals[0].Amount = "12ab"
	_, err := OutputFromBatch(b)
	assert.Error(t, err)
}

type fakeWriter struct {
	mu      sync.Mutex
	fails   int
	batches [][]Batch
}

func (f *fakeWriter) WriteBatches(_ context.Context, batches []Batch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails > 0 {
		f.fails--
		return errors.New("connection reset")
	}
	cp := append([]Batch(nil), batches...)
	f.batches = append(f.batches, cp)
	return nil
}

func (f *fakeWriter) sequences() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	var seqs []int64
	for _, bs := range f.batches {
		for _, b := range bs {
			seqs = append(seqs, b.Action.Sequence)
		}
	}
	return seqs
}

func TestPersistenceWorker_FlushesOnSizeAndClose(t *testing.T) {
	defer goleak.VerifyNone(t)
	_, _, outs := newVault(t)

	w := &fakeWriter{}
	m := observability.NewMetrics(prometheus.NewRegistry())
	in := make(chan *vault.Output, len(outs))
	pw := NewPersistenceWorker(w, in, 2, time.Hour, m, zerolog.Nop())

	done := make(chan error, 1)
	go func() { done <- pw.Run(context.Background()) }()

	for _, o := range outs {
		in <- o
	}
	close(in)
	require.NoError(t, <-done)

	assert.Equal(t, []int64{1, 2, 3}, w.sequences())
	assert.Len(t, w.batches, 2)
	assert.Equal(t, float64(3), promtest.ToFloat64(m.PersistLastSequence))
	assert.Equal(t, float64(len(outs[2].Journals)), promtest.ToFloat64(m.PersistJournalsWritten))
}

func TestPersistenceWorker_RetriesFailedFlush(t *testing.T) {
	defer goleak.VerifyNone(t)
	_, _, outs := newVault(t)

	w := &fakeWriter{fails: 2}
	m := observability.NewMetrics(prometheus.NewRegistry())
	in := make(chan *vault.Output, 1)
	pw := NewPersistenceWorker(w, in, 1, time.Hour, m, zerolog.Nop())
	pw.maxBackoff = 200 * time.Millisecond

	done := make(chan error, 1)
	go func() { done <- pw.Run(context.Background()) }()

	in <- outs[0]
	close(in)
	require.NoError(t, <-done)

	assert.Equal(t, []int64{1}, w.sequences())
	assert.Equal(t, float64(2), promtest.ToFloat64(m.PersistRetry))
	assert.Equal(t, float64(2), promtest.ToFloat64(m.PersistErrors.WithLabelValues("write")))
}

func TestPersistenceWorker_FlushesOnTimeout(t *testing.T) {
	defer goleak.VerifyNone(t)
	_, _, outs := newVault(t)

	w := &fakeWriter{}
	in := make(chan *vault.Output, 1)
	pw := NewPersistenceWorker(w, in, 100, 5*time.Millisecond, nil, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pw.Run(ctx) }()

	in <- outs[0]
	assert.Eventually(t, func() bool { return len(w.sequences()) == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

type memStore struct {
	saved    []*SnapshotData
	verified map[int64]bool
	head     int64
}

func (s *memStore) SaveSnapshot(_ context.Context, snap *SnapshotData) (int, error) {
	s.saved = append(s.saved, snap)
	return 128, nil
}

func (s *memStore) LoadLatestSnapshot(context.Context) (*SnapshotData, error) {
	for i := len(s.saved) - 1; i >= 0; i-- {
		if s.verified[s.saved[i].Sequence] {
			return s.saved[i], nil
		}
	}
	return nil, nil
}

func (s *memStore) MarkVerified(_ context.Context, seq int64) error {
	if s.verified == nil {
		s.verified = make(map[int64]bool)
	}
	s.verified[seq] = true
	return nil
}

func (s *memStore) GetLatestSequence(context.Context) (int64, error) {
	return s.head, nil
}

func TestSnapshotter_TakesWhenDue(t *testing.T) {
	defer goleak.VerifyNone(t)
	v, book, _ := newVault(t)

	seq := vault.NewSequencer(v, 4, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- seq.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	store := &memStore{}
	m := observability.NewMetrics(prometheus.NewRegistry())
	s := NewSnapshotter(store, seq, book, 2, time.Hour, m, zerolog.Nop())

	snap, err := s.TakeIfDue(ctx)
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, int64(3), snap.Sequence)
	assert.Equal(t, v.ChainTip(), snap.ChainTip)
	assert.True(t, store.verified[3])
	assert.Equal(t, float64(3), promtest.ToFloat64(m.SnapshotLastSeq))
	assert.Equal(t, float64(128), promtest.ToFloat64(m.SnapshotSizeBytes))

	snap, err = s.TakeIfDue(ctx)
	require.NoError(t, err)
	assert.Nil(t, snap)
	assert.Len(t, store.saved, 1)
}

func TestRecover_RestoresVaultAndBook(t *testing.T) {
	v, book, _ := newVault(t)
	store := &memStore{head: 3}
	_, err := store.SaveSnapshot(context.Background(), Capture(v, book, time.Unix(0, 0)))
	require.NoError(t, err)
	require.NoError(t, store.MarkVerified(context.Background(), 3))

	freshBook := ledger.NewBook()
	ctl := usdg.NewController(usdgToken, gov, freshBook)
	fresh := vault.New(vault.Deps{Address: vaultAddr, Gov: gov, Tokens: freshBook, USDG: ctl, Logger: zerolog.Nop()})

	snap, err := Recover(context.Background(), store, fresh, freshBook, zerolog.Nop())
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, v.Sequence(), fresh.Sequence())
	assert.Equal(t, v.ChainTip(), fresh.ChainTip())
	assert.Equal(t, book.BalanceOf(usdgToken, alice).Dec(), freshBook.BalanceOf(usdgToken, alice).Dec())
	want, got := v.Asset(eth), fresh.Asset(eth)
	assert.Equal(t, want.PoolAmount.Dec(), got.PoolAmount.Dec())
}

func TestRecover_ColdStartAndLogAhead(t *testing.T) {
	v := vault.New(vault.Deps{Address: vaultAddr, Gov: gov, Tokens: ledger.NewBook(), Logger: zerolog.Nop()})

	snap, err := Recover(context.Background(), &memStore{}, v, ledger.NewBook(), zerolog.Nop())
	require.NoError(t, err)
	assert.Nil(t, snap)

	_, err = Recover(context.Background(), &memStore{head: 7}, v, ledger.NewBook(), zerolog.Nop())
	assert.ErrorIs(t, err, ErrLogAhead)
}
