package vault

import (
	"fmt"
	"math/big"
	"time"

	"PerpVault/internal/errcode"
	"PerpVault/internal/event"
	"PerpVault/internal/ledger"
	fpmath "PerpVault/internal/math"
	"PerpVault/internal/observability"
	"PerpVault/internal/oracle"

	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

// TokenLedger is the balance book the vault holds its assets in.
type TokenLedger interface {
	BalanceOf(token, holder ledger.Address) *uint256.Int
	Transfer(token, from, to ledger.Address, amount *uint256.Int) error
}

// Checkpointer is implemented by token ledgers that can undo the transfers
// of a failed action. ledger.Book implements it.
type Checkpointer interface {
	Checkpoint() int
	RevertTo(cp int) error
	Commit(cp int) ([]ledger.Journal, error)
}

// DebtToken is the capability the vault uses to mint and burn USDG.
type DebtToken interface {
	Address() ledger.Address
	Mint(caller, receiver ledger.Address, amount *uint256.Int) error
	Burn(caller, holder ledger.Address, amount *uint256.Int) error
	TotalSupply() *uint256.Int
}

// Output is everything one committed action produced.
type Output struct {
	Sequence  int64
	Action    string
	Call      Call
	Events    []*event.Envelope
	Journals  []ledger.Journal
	StateHash string
	PrevHash  string
}

// Deps are the collaborators of a Vault. Tokens is required.
type Deps struct {
	Address ledger.Address
	Gov     ledger.Address
	Tokens  TokenLedger

	// Optional until Initialize supplies them
	USDG DebtToken
	Feed oracle.PriceFeed

	Errors  *errcode.Registry
	Logger  zerolog.Logger
	Metrics *observability.Metrics

	// Committed outputs are sent here, blocking until the consumer takes
	// them; nil disables output. Closing OutputDone releases a blocked
	// send and abandons that output.
	Output     chan<- *Output
	OutputDone <-chan struct{}

	// Clock for views outside an action. Defaults to time.Now.
	Clock func() time.Time
}

// Vault is the pooled-liquidity ledger and position engine.
// Not thread-safe: drive it from a single goroutine (see Sequencer).
type Vault struct {
	address ledger.Address
	st      *State

	tokens  TokenLedger
	usdg    DebtToken
	prices  *oracle.Session
	errs    *errcode.Registry
	logger  zerolog.Logger
	metrics *observability.Metrics
	output  chan<- *Output
	outDone <-chan struct{}
	clock   func() time.Time

	// Per-action scratch, valid while entered
	entered         bool
	call            *Call
	pending         []event.Event
	undo            map[string]*Position
	includeAMMPrice bool
	useSwapPricing  bool
}

func New(deps Deps) *Vault {
	errs := deps.Errors
	if errs == nil {
		errs = errcode.NewRegistry(deps.Gov)
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Vault{
		address:         deps.Address,
		st:              newState(deps.Gov),
		tokens:          deps.Tokens,
		usdg:            deps.USDG,
		prices:          oracle.NewSession(deps.Feed),
		errs:            errs,
		logger:          deps.Logger,
		metrics:         deps.Metrics,
		output:          deps.Output,
		outDone:         deps.OutputDone,
		clock:           clock,
		includeAMMPrice: true,
	}
}

// Address is the vault's own holder address in the token ledger.
func (v *Vault) Address() ledger.Address {
	return v.address
}

// Errors exposes the message registry.
func (v *Vault) Errors() *errcode.Registry {
	return v.errs
}

// execute runs fn as one atomic action. Any error rolls back the vault
// state, positions and token ledger; events are only published on success.
func (v *Vault) execute(call Call, action string, fn func() error) error {
	if v.entered {
		return v.fail(errcode.Reentrant)
	}
	v.entered = true
	defer func() {
		v.entered = false
		v.call = nil
		v.undo = nil
		v.pending = nil
	}()

	start := time.Now()
	saved := v.st.cloneForAction()
	v.call = &call
	v.undo = make(map[string]*Position)
	v.pending = nil
	v.includeAMMPrice = true
	v.useSwapPricing = false
	v.prices.Reset()

	ck, hasCheckpoint := v.tokens.(Checkpointer)
	cp := 0
	if hasCheckpoint {
		cp = ck.Checkpoint()
	}

	if err := fn(); err != nil {
		v.rollback(saved)
		if hasCheckpoint {
			if rerr := ck.RevertTo(cp); rerr != nil {
				panic(fmt.Sprintf("FATAL: token ledger revert failed after %s: %v", action, rerr))
			}
		}
		v.recordRejection(action, err, start)
		return fmt.Errorf("%s: %w", action, err)
	}

	var journals []ledger.Journal
	if hasCheckpoint {
		var err error
		journals, err = ck.Commit(cp)
		if err != nil {
			panic(fmt.Sprintf("FATAL: token ledger commit failed after %s: %v", action, err))
		}
	}
	v.commit(action, call, journals, start)
	return nil
}

func (v *Vault) rollback(saved *State) {
	for key, prev := range v.undo {
		if prev == nil {
			delete(v.st.Positions, key)
		} else {
			v.st.Positions[key] = prev
		}
	}
	v.st = saved
}

func (v *Vault) commit(action string, call Call, journals []ledger.Journal, start time.Time) {
	v.st.Sequence++
	seq := v.st.Sequence

	envs := make([]*event.Envelope, 0, len(v.pending))
	for i, e := range v.pending {
		env, err := event.NewEnvelope(seq, i, action, call.Timestamp, e)
		if err != nil {
			v.logger.Error().Err(err).Str("action", action).Msg("event dropped")
			continue
		}
		envs = append(envs, env)
	}

	out := &Output{
		Sequence: seq,
		Action:   action,
		Call:     call,
		Events:   envs,
		Journals: journals,
		PrevHash: v.st.ChainTip,
	}
	out.StateHash = chainHash(out.PrevHash, seq, envs, journals)
	v.st.ChainTip = out.StateHash

	v.logger.Debug().
		Str("action", action).
		Int64("sequence", seq).
		Str("caller", call.Caller.String()).
		Int("events", len(envs)).
		Msg("action committed")

	if v.metrics != nil {
		v.metrics.ActionsTotal.WithLabelValues(action, "ok").Inc()
		v.metrics.ActionDuration.WithLabelValues(action).Observe(time.Since(start).Seconds())
		v.metrics.VaultSequence.Set(float64(seq))
		v.metrics.OpenPositions.Set(float64(len(v.st.Positions)))
		for _, token := range v.st.AllWhitelistedTokens {
			cfg := v.st.Tokens[token]
			a := v.st.Assets[token]
			if cfg == nil || a == nil {
				continue
			}
			v.metrics.PoolAmount.WithLabelValues(token.String()).Set(fpmath.ToDecimal(&a.PoolAmount, cfg.Decimals).InexactFloat64())
			v.metrics.FeeReserve.WithLabelValues(token.String()).Set(fpmath.ToDecimal(&a.FeeReserve, cfg.Decimals).InexactFloat64())
		}
	}

	if v.output == nil {
		return
	}
	select {
	case v.output <- out:
	case <-v.outDone:
		if v.metrics != nil {
			v.metrics.OutputDrops.Inc()
		}
		v.logger.Error().Int64("sequence", seq).Str("action", action).Msg("output consumer gone, output abandoned")
	}
}

func (v *Vault) recordRejection(action string, err error, start time.Time) {
	code, coded := errcode.CodeOf(err)
	ev := v.logger.Warn().Err(err).Str("action", action)
	if coded {
		ev = ev.Uint16("code", uint16(code))
	}
	ev.Msg("action rejected")

	if v.metrics == nil {
		return
	}
	v.metrics.ActionsTotal.WithLabelValues(action, "rejected").Inc()
	v.metrics.ActionDuration.WithLabelValues(action).Observe(time.Since(start).Seconds())
	if coded {
		v.metrics.Rejections.WithLabelValues(fmt.Sprint(uint16(code)), string(errcode.CategoryOf(code))).Inc()
	} else {
		v.metrics.Rejections.WithLabelValues("none", string(errcode.CategoryUnknown)).Inc()
	}
}

func (v *Vault) emit(e event.Event) {
	v.pending = append(v.pending, e)
}

// fail builds the registry error for code.
func (v *Vault) fail(code errcode.Code) error {
	return v.errs.New(code)
}

// now is the action's block time, or the clock for views.
func (v *Vault) now() int64 {
	if v.call != nil {
		return v.call.Timestamp
	}
	return v.clock().Unix()
}

// position returns the stored position for key, or nil.
func (v *Vault) position(key PositionKey) *Position {
	return v.st.Positions[key.String()]
}

// mutablePosition records key in the undo log and returns the position,
// creating an empty one if absent. Every in-action mutation goes through here.
func (v *Vault) mutablePosition(key PositionKey) *Position {
	k := key.String()
	p, ok := v.st.Positions[k]
	if _, logged := v.undo[k]; !logged {
		if ok {
			v.undo[k] = p.clone()
		} else {
			v.undo[k] = nil
		}
	}
	if !ok {
		p = &Position{
			Account:         key.Account,
			CollateralToken: key.CollateralToken,
			IndexToken:      key.IndexToken,
			IsLong:          key.IsLong,
			RealisedPnl:     new(big.Int),
		}
		v.st.Positions[k] = p
	}
	return p
}

func (v *Vault) deletePosition(key PositionKey) {
	v.mutablePosition(key)
	delete(v.st.Positions, key.String())
}

// asset returns the ledger for token, creating it on first write.
func (v *Vault) asset(token ledger.Address) *AssetState {
	a, ok := v.st.Assets[token]
	if !ok {
		a = &AssetState{}
		v.st.Assets[token] = a
	}
	return a
}

// assetView returns the ledger for token without creating it.
func (v *Vault) assetView(token ledger.Address) *AssetState {
	if a, ok := v.st.Assets[token]; ok {
		return a
	}
	return &AssetState{}
}

func (v *Vault) usdgAddress() ledger.Address {
	if v.usdg != nil {
		return v.usdg.Address()
	}
	return v.st.USDG
}
