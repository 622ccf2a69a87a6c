// Package oracle is the price gateway consumed by the vault. Prices are
// 30-decimal USD values; every token has a max and a min price.
package oracle

import (
	"errors"
	"fmt"
	"sync"

	"PerpVault/internal/ledger"
	fpmath "PerpVault/internal/math"

	"github.com/holiman/uint256"
)

var (
	ErrNoPrice      = errors.New("oracle: no price for token")
	ErrInvalidPrice = errors.New("oracle: invalid price")
)

// PriceFeed returns the max or min price of token. includeAMM and
// useSwapPricing are passed through for feeds that blend secondary
// sources; the bundled feeds ignore them.
type PriceFeed interface {
	GetPrice(token ledger.Address, maximise, includeAMM, useSwapPricing bool) (*uint256.Int, error)
}

// Quote is a token's current price band.
type Quote struct {
	Min uint256.Int `json:"min"`
	Max uint256.Int `json:"max"`
}

// StaticFeed is an in-memory feed set by an operator or a test.
// Safe for concurrent use.
type StaticFeed struct {
	mu     sync.RWMutex
	quotes map[ledger.Address]*Quote
}

func NewStaticFeed() *StaticFeed {
	return &StaticFeed{quotes: make(map[ledger.Address]*Quote)}
}

// SetPrice sets both max and min price of token.
func (f *StaticFeed) SetPrice(token ledger.Address, price *uint256.Int) error {
	return f.SetSpread(token, price, price)
}

// SetSpread sets a price band for token.
func (f *StaticFeed) SetSpread(token ledger.Address, minPrice, maxPrice *uint256.Int) error {
	if minPrice.IsZero() || minPrice.Gt(maxPrice) {
		return fmt.Errorf("set %s min=%s max=%s: %w", token, minPrice.Dec(), maxPrice.Dec(), ErrInvalidPrice)
	}
	f.mu.Lock()
	f.quotes[token] = &Quote{Min: *minPrice, Max: *maxPrice}
	f.mu.Unlock()
	return nil
}

// SetPriceString sets a price from a human-readable USD value such as "1850.25".
func (f *StaticFeed) SetPriceString(token ledger.Address, usd string) error {
	p, err := fpmath.FromDecimalString(usd, fpmath.PriceDecimals)
	if err != nil {
		return fmt.Errorf("set %s: %w", token, err)
	}
	return f.SetPrice(token, p)
}

func (f *StaticFeed) GetPrice(token ledger.Address, maximise, _, _ bool) (*uint256.Int, error) {
	f.mu.RLock()
	q, ok := f.quotes[token]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%s: %w", token, ErrNoPrice)
	}
	if maximise {
		return q.Max.Clone(), nil
	}
	return q.Min.Clone(), nil
}

type sessionKey struct {
	token          ledger.Address
	maximise       bool
	includeAMM     bool
	useSwapPricing bool
}

// Session memoises prices for the lifetime of one vault action so that
// repeated queries observe the same value. Not thread-safe.
type Session struct {
	feed  PriceFeed
	cache map[sessionKey]*uint256.Int
}

func NewSession(feed PriceFeed) *Session {
	return &Session{feed: feed, cache: make(map[sessionKey]*uint256.Int)}
}

// Reset forgets every memoised price. Called at the start of each action.
func (s *Session) Reset() {
	clear(s.cache)
}

// SetFeed swaps the underlying feed and resets the cache.
func (s *Session) SetFeed(feed PriceFeed) {
	s.feed = feed
	s.Reset()
}

func (s *Session) Feed() PriceFeed {
	return s.feed
}

func (s *Session) GetPrice(token ledger.Address, maximise, includeAMM, useSwapPricing bool) (*uint256.Int, error) {
	k := sessionKey{token, maximise, includeAMM, useSwapPricing}
	if p, ok := s.cache[k]; ok {
		return p.Clone(), nil
	}
	if s.feed == nil {
		return nil, fmt.Errorf("%s: %w", token, ErrNoPrice)
	}
	p, err := s.feed.GetPrice(token, maximise, includeAMM, useSwapPricing)
	if err != nil {
		return nil, err
	}
	if p.IsZero() {
		return nil, fmt.Errorf("%s: zero price: %w", token, ErrInvalidPrice)
	}
	s.cache[k] = p.Clone()
	return p, nil
}
