package server_test

import (
	"context"
	"testing"
	"time"

	"PerpVault/internal/ledger"
	fpmath "PerpVault/internal/math"
	"PerpVault/internal/observability"
	"PerpVault/internal/oracle"
	"PerpVault/internal/server"
	"PerpVault/internal/usdg"
	"PerpVault/internal/vault"

	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	gov       ledger.Address = "0x90v"
	vaultAddr ledger.Address = "0xva017"
	usdgToken ledger.Address = "0xusdg"
	router    ledger.Address = "0xr0u7e"
	eth       ledger.Address = "0xe7h"
	dai       ledger.Address = "0xda1"
	alice     ledger.Address = "0xa11ce"
	bob       ledger.Address = "0xb0b"
)

const ts0 int64 = 1_700_000_000

func dec(s string, decimals uint8) *uint256.Int {
	v, err := fpmath.FromDecimalString(s, decimals)
	if err != nil {
		panic(err)
	}
	return v
}

func usd(s string) *uint256.Int { return dec(s, fpmath.PriceDecimals) }
func tok(s string) *uint256.Int { return dec(s, 18) }

type fixture struct {
	svc     *server.VaultService
	book    *ledger.Book
	feed    *oracle.StaticFeed
	metrics *observability.Metrics
}

// newFixture starts a sequenced vault with eth and dai listed at 2000 and
// 1 USD and returns the service in front of it.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := func() time.Time { return time.Unix(ts0, 0) }
	f := &fixture{
		book:    ledger.NewBook(),
		feed:    oracle.NewStaticFeed(),
		metrics: observability.NewMetrics(prometheus.NewRegistry()),
	}
	ctl := usdg.NewController(usdgToken, gov, f.book)
	require.NoError(t, ctl.AddVault(gov, vaultAddr))
	require.NoError(t, f.feed.SetPriceString(eth, "2000"))
	require.NoError(t, f.feed.SetPriceString(dai, "1"))

	v := vault.New(vault.Deps{
		Address: vaultAddr,
		Gov:     gov,
		Tokens:  f.book,
		Logger:  zerolog.Nop(),
		Metrics: f.metrics,
		Clock:   clock,
	})
	call := vault.Call{Caller: gov, Timestamp: ts0}
	require.NoError(t, v.Initialize(call, router, ctl, f.feed, usd("5"), 600, 600))
	require.NoError(t, v.SetTokenConfig(call, eth, vault.TokenConfig{Decimals: 18, Weight: 10_000, IsShortable: true}))
	require.NoError(t, v.SetTokenConfig(call, dai, vault.TokenConfig{Decimals: 18, Weight: 10_000, IsStable: true}))

	seq := vault.NewSequencer(v, 16, f.metrics)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- seq.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})

	f.svc = server.NewVaultService(seq, f.book, vaultAddr, usdgToken, f.metrics, zerolog.Nop(), clock)
	return f
}

func (f *fixture) mint(t *testing.T, token, to ledger.Address, amount *uint256.Int) {
	t.Helper()
	_, err := f.svc.MintTokens(as(gov), &server.MintRequest{
		Token:  token,
		To:     to,
		Amount: amount,
	})
	require.NoError(t, err)
}

func (f *fixture) balance(t *testing.T, token, holder ledger.Address) string {
	t.Helper()
	resp, err := f.svc.GetBalance(context.Background(), &server.BalanceRequest{Token: token, Holder: holder})
	require.NoError(t, err)
	return resp.Balance.Dec()
}

func (f *fixture) buy(t *testing.T, caller, token ledger.Address, amount *uint256.Int) *server.ActionResponse {
	t.Helper()
	f.mint(t, token, caller, amount)
	resp, err := f.svc.BuyUSDG(as(caller), &server.BuyUSDGRequest{
		Token:  token,
		Amount: amount,
	})
	require.NoError(t, err)
	return resp
}

func as(caller ledger.Address) context.Context {
	return server.WithCaller(context.Background(), caller)
}

func assertCode(t *testing.T, want codes.Code, err error) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, want, status.Code(err), "error: %v", err)
}

func TestService_BuyUSDGTakesCallerFunds(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })
	f := newFixture(t)

	resp := f.buy(t, alice, eth, tok("1"))

	assert.Equal(t, tok("1994").Dec(), resp.Amount.Dec())
	assert.Equal(t, int64(4), resp.Sequence)
	assert.NotEmpty(t, resp.ChainTip)
	assert.Equal(t, "0", f.balance(t, eth, alice))
	assert.Equal(t, tok("1").Dec(), f.balance(t, eth, vaultAddr))
	assert.Equal(t, tok("1994").Dec(), f.balance(t, usdgToken, alice))
}

func TestService_SellUSDGReturnsToken(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })
	f := newFixture(t)
	f.buy(t, alice, dai, tok("1000"))

	resp, err := f.svc.SellUSDG(as(alice), &server.SellUSDGRequest{
		Token:      dai,
		UsdgAmount: tok("997"),
		Receiver:   bob,
	})
	require.NoError(t, err)

	// 30 bps on both legs
	assert.Equal(t, dec("994.009", 18).Dec(), resp.Amount.Dec())
	assert.Equal(t, "0", f.balance(t, usdgToken, alice))
	assert.Equal(t, dec("994.009", 18).Dec(), f.balance(t, dai, bob))
}

func TestService_RejectedActionRefundsDeposit(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })
	f := newFixture(t)
	const bad ledger.Address = "0xbad"
	f.mint(t, bad, alice, tok("1"))

	_, err := f.svc.BuyUSDG(as(alice), &server.BuyUSDGRequest{
		Token:  bad,
		Amount: tok("1"),
	})

	assertCode(t, codes.FailedPrecondition, err)
	assert.Equal(t, tok("1").Dec(), f.balance(t, bad, alice))
	assert.Equal(t, "0", f.balance(t, bad, vaultAddr))
}

func TestService_InsufficientBalance(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })
	f := newFixture(t)

	_, err := f.svc.Swap(as(alice), &server.SwapRequest{
		TokenIn:  eth,
		TokenOut: dai,
		AmountIn: tok("1"),
	})
	assertCode(t, codes.FailedPrecondition, err)
}

func TestService_SwapRespectsMode(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })
	f := newFixture(t)
	f.buy(t, bob, dai, tok("10000"))
	f.mint(t, eth, alice, tok("1"))

	_, err := f.svc.SetMode(as(gov), &server.SetModeRequest{Mode: "swap"})
	require.NoError(t, err)
	swap := &server.SwapRequest{
		TokenIn:  eth,
		TokenOut: dai,
		AmountIn: tok("1"),
	}
	_, err = f.svc.Swap(as(alice), swap)
	assertCode(t, codes.FailedPrecondition, err)
	assert.Equal(t, tok("1").Dec(), f.balance(t, eth, alice))

	_, err = f.svc.SetMode(as(gov), &server.SetModeRequest{Mode: "swap", Enabled: true})
	require.NoError(t, err)
	resp, err := f.svc.Swap(as(alice), swap)
	require.NoError(t, err)
	assert.Equal(t, resp.Amount.Dec(), f.balance(t, dai, alice))
	assert.True(t, resp.Amount.Gt(tok("1990")))
}

func TestService_PositionLifecycle(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })
	f := newFixture(t)
	ctx := context.Background()
	f.buy(t, bob, eth, tok("10"))
	f.mint(t, eth, alice, tok("1"))

	_, err := f.svc.IncreasePosition(as(alice), &server.IncreasePositionRequest{
		Account:          alice,
		CollateralToken:  eth,
		IndexToken:       eth,
		CollateralAmount: tok("1"),
		SizeDelta:        usd("10000"),
		IsLong:           true,
	})
	require.NoError(t, err)

	pos, err := f.svc.GetPosition(ctx, &server.PositionRequest{Account: alice, CollateralToken: eth, IndexToken: eth, IsLong: true})
	require.NoError(t, err)
	assert.Equal(t, usd("10000").Dec(), pos.Size.Dec())
	assert.Equal(t, usd("2000").Dec(), pos.AveragePrice.Dec())

	list, err := f.svc.ListPositions(ctx, &server.AccountRequest{Account: alice})
	require.NoError(t, err)
	assert.Len(t, list.Items, 1)

	_, err = f.svc.GetPosition(ctx, &server.PositionRequest{Account: alice, CollateralToken: eth, IndexToken: eth})
	assertCode(t, codes.NotFound, err)

	resp, err := f.svc.DecreasePosition(as(alice), &server.DecreasePositionRequest{
		Account:         alice,
		CollateralToken: eth,
		IndexToken:      eth,
		SizeDelta:       usd("10000"),
		IsLong:          true,
	})
	require.NoError(t, err)
	assert.Equal(t, resp.Amount.Dec(), f.balance(t, eth, alice))

	list, err = f.svc.ListPositions(ctx, &server.AccountRequest{Account: alice})
	require.NoError(t, err)
	assert.Empty(t, list.Items)
}

func TestService_IncreaseNeedsApprovedRouter(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })
	f := newFixture(t)
	f.buy(t, bob, eth, tok("10"))
	f.mint(t, eth, alice, tok("1"))

	req := &server.IncreasePositionRequest{
		Account:          alice,
		CollateralToken:  eth,
		IndexToken:       eth,
		CollateralAmount: tok("1"),
		SizeDelta:        usd("5000"),
		IsLong:           true,
	}
	_, err := f.svc.IncreasePosition(as(bob), req)
	assertCode(t, codes.PermissionDenied, err)
	assert.Equal(t, tok("1").Dec(), f.balance(t, eth, alice))

	_, err = f.svc.AddRouter(as(alice), &server.RouterRequest{Router: bob})
	require.NoError(t, err)
	_, err = f.svc.IncreasePosition(as(bob), req)
	require.NoError(t, err)
	assert.Equal(t, "0", f.balance(t, eth, alice))
}

func TestService_Queries(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })
	f := newFixture(t)
	ctx := context.Background()
	f.buy(t, alice, dai, tok("1000"))

	aum, err := f.svc.GetAums(ctx, &server.Empty{})
	require.NoError(t, err)
	// 3 dai went to the fee reserve
	assert.Equal(t, usd("997").Dec(), aum.Max.Dec())

	info, err := f.svc.GetTokenInfo(ctx, &server.TokenRequest{Token: dai})
	require.NoError(t, err)
	assert.Equal(t, tok("997").Dec(), info.PoolAmount.Dec())
	assert.Equal(t, tok("3").Dec(), info.FeeReserve.Dec())

	infos, err := f.svc.ListTokenInfos(ctx, &server.Empty{})
	require.NoError(t, err)
	assert.Len(t, infos.Items, 2)

	rates, err := f.svc.GetFundingRates(ctx, &server.FundingRatesRequest{})
	require.NoError(t, err)
	assert.Len(t, rates.Items, 2)

	params, err := f.svc.GetParams(ctx, &server.Empty{})
	require.NoError(t, err)
	assert.Equal(t, gov, params.Gov)
	assert.True(t, params.Initialized)
	assert.Equal(t, uint64(30), params.MintBurnFeeBasisPoints)
}

func TestService_Governance(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.SetLimit(as(gov), &server.SetLimitRequest{Limit: "max_leverage", Value: 20 * 10_000})
	require.NoError(t, err)
	params, err := f.svc.GetParams(ctx, &server.Empty{})
	require.NoError(t, err)
	assert.Equal(t, uint64(200_000), params.MaxLeverage)

	_, err = f.svc.SetLimit(as(alice), &server.SetLimitRequest{Limit: "max_leverage", Value: 20 * 10_000})
	assertCode(t, codes.PermissionDenied, err)

	_, err = f.svc.SetMode(as(gov), &server.SetModeRequest{Mode: "turbo"})
	assertCode(t, codes.InvalidArgument, err)

	_, err = f.svc.SetRole(as(gov), &server.SetRoleRequest{Role: "liquidator", Account: bob, Active: true})
	require.NoError(t, err)

	_, err = f.svc.SetTokenConfig(as(gov), &server.SetTokenConfigRequest{Token: "0xw", Decimals: 31})
	assertCode(t, codes.FailedPrecondition, err)
}

func TestService_MintTokens(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.MintTokens(as(alice), &server.MintRequest{Token: eth, To: alice, Amount: tok("1")})
	assertCode(t, codes.PermissionDenied, err)

	_, err = f.svc.MintTokens(as(gov), &server.MintRequest{Token: usdgToken, To: alice, Amount: tok("1")})
	assertCode(t, codes.PermissionDenied, err)

	// actions without credentials are refused before reaching the vault
	_, err = f.svc.BuyUSDG(ctx, &server.BuyUSDGRequest{Token: eth, Amount: tok("1")})
	assertCode(t, codes.Unauthenticated, err)
}
