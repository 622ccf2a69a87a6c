package oracle

import (
	"context"
	"fmt"
	"time"

	"PerpVault/internal/ledger"

	"github.com/holiman/uint256"
	"github.com/redis/go-redis/v9"
)

// RedisFeed reads prices published by an external aggregator from Redis.
// Both sides of the band are read together; if either is missing or the
// pair is inverted it falls back to the primary feed, if any, and caches
// the primary's band for ttl.
type RedisFeed struct {
	primary PriceFeed
	rdb     *redis.Client
	ttl     time.Duration
	timeout time.Duration
}

// NewRedisFeed wraps primary (which may be nil) with a Redis read-through cache.
func NewRedisFeed(primary PriceFeed, rdb *redis.Client, ttl time.Duration) *RedisFeed {
	return &RedisFeed{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
		timeout: 250 * time.Millisecond,
	}
}

func (f *RedisFeed) GetPrice(token ledger.Address, maximise, includeAMM, useSwapPricing bool) (*uint256.Int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
	defer cancel()

	vals, err := f.rdb.MGet(ctx, PriceKey(token, false), PriceKey(token, true)).Result()
	if err == nil && len(vals) == 2 {
		if minPrice, maxPrice, ok := ParseBand(vals[0], vals[1]); ok {
			return pick(minPrice, maxPrice, maximise), nil
		}
	} else if err != nil && f.primary == nil {
		return nil, fmt.Errorf("read %s: %w", token, err)
	}

	if f.primary == nil {
		return nil, fmt.Errorf("%s: %w", token, ErrNoPrice)
	}
	minPrice, err := f.primary.GetPrice(token, false, includeAMM, useSwapPricing)
	if err != nil {
		return nil, err
	}
	maxPrice, err := f.primary.GetPrice(token, true, includeAMM, useSwapPricing)
	if err != nil {
		return nil, err
	}
	if minPrice.Gt(maxPrice) {
		return nil, fmt.Errorf("%s: %w", token, ErrInvalidPrice)
	}
	// best effort; a failed write only costs the next read a fallback
	_ = f.Publish(ctx, token, minPrice, maxPrice)
	return pick(minPrice, maxPrice, maximise), nil
}

func pick(minPrice, maxPrice *uint256.Int, maximise bool) *uint256.Int {
	if maximise {
		return maxPrice
	}
	return minPrice
}

// ParseBand decodes the MGET result for a token's min and max keys. It
// reports false unless both are present, valid and ordered.
func ParseBand(minRaw, maxRaw any) (*uint256.Int, *uint256.Int, bool) {
	minStr, ok1 := minRaw.(string)
	maxStr, ok2 := maxRaw.(string)
	if !ok1 || !ok2 {
		return nil, nil, false
	}
	minPrice, err := ParsePrice(minStr)
	if err != nil {
		return nil, nil, false
	}
	maxPrice, err := ParsePrice(maxStr)
	if err != nil || minPrice.Gt(maxPrice) {
		return nil, nil, false
	}
	return minPrice, maxPrice, true
}

// Publish stores a price band for token. Used by aggregators and operators.
func (f *RedisFeed) Publish(ctx context.Context, token ledger.Address, minPrice, maxPrice *uint256.Int) error {
	if minPrice.IsZero() || minPrice.Gt(maxPrice) {
		return fmt.Errorf("publish %s: %w", token, ErrInvalidPrice)
	}
	pipe := f.rdb.TxPipeline()
	pipe.Set(ctx, PriceKey(token, false), minPrice.Dec(), f.ttl)
	pipe.Set(ctx, PriceKey(token, true), maxPrice.Dec(), f.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish %s: %w", token, err)
	}
	return nil
}

// PriceKey is the Redis key holding token's max or min price.
func PriceKey(token ledger.Address, maximise bool) string {
	side := "min"
	if maximise {
		side = "max"
	}
	return fmt.Sprintf("vault:price:%s:%s", token, side)
}

// ParsePrice decodes a stored decimal price.
func ParsePrice(raw string) (*uint256.Int, error) {
	p, err := uint256.FromDecimal(raw)
	if err != nil {
		return nil, fmt.Errorf("parse price %q: %w", raw, err)
	}
	if p.IsZero() {
		return nil, fmt.Errorf("parse price %q: %w", raw, ErrInvalidPrice)
	}
	return p, nil
}
