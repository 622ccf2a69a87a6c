package ingestion

import (
	"encoding/json"
	"fmt"
	"strings"

	"PerpVault/internal/ledger"
	fpmath "PerpVault/internal/math"
	"PerpVault/internal/oracle"

	"github.com/holiman/uint256"
)

// PriceUpdate is a validated price band for one token.
type PriceUpdate struct {
	Token    ledger.Address
	MinPrice *uint256.Int
	MaxPrice *uint256.Int

	// Source timestamp in microseconds, zero when absent
	TimestampUs int64
}

// --- JSON wire format ---
// Prices are human-readable USD decimals ("1850.25"). A single "price"
// sets both sides of the band.

type priceUpdateJSON struct {
	Token       string `json:"token"`
	Price       string `json:"price"`
	MinPrice    string `json:"min_price"`
	MaxPrice    string `json:"max_price"`
	TimestampUs int64  `json:"timestamp_us"`
}

// ParsePriceUpdate decodes a price message. The token falls back to the
// last subject token, so "perp.prices.0xe7h" needs no token field.
func ParsePriceUpdate(raw RawEvent) (*PriceUpdate, error) {
	var j priceUpdateJSON
	if err := json.Unmarshal(raw.Data, &j); err != nil {
		return nil, fmt.Errorf("parse price update: %w", err)
	}

	token := j.Token
	if token == "" {
		token = tokenFromSubject(raw.Subject)
	}
	if token == "" {
		return nil, fmt.Errorf("parse price update: missing token")
	}

	minStr, maxStr := j.MinPrice, j.MaxPrice
	if j.Price != "" {
		if minStr == "" {
			minStr = j.Price
		}
		if maxStr == "" {
			maxStr = j.Price
		}
	}
	if minStr == "" || maxStr == "" {
		return nil, fmt.Errorf("parse price update %s: missing price", token)
	}

	minPrice, err := fpmath.FromDecimalString(minStr, fpmath.PriceDecimals)
	if err != nil {
		return nil, fmt.Errorf("parse min_price: %w", err)
	}
	maxPrice, err := fpmath.FromDecimalString(maxStr, fpmath.PriceDecimals)
	if err != nil {
		return nil, fmt.Errorf("parse max_price: %w", err)
	}
	if minPrice.IsZero() || minPrice.Gt(maxPrice) {
		return nil, fmt.Errorf("price update %s min=%s max=%s: %w", token, minStr, maxStr, oracle.ErrInvalidPrice)
	}

	return &PriceUpdate{
		Token:       ledger.ParseAddress(token),
		MinPrice:    minPrice,
		MaxPrice:    maxPrice,
		TimestampUs: j.TimestampUs,
	}, nil
}

func tokenFromSubject(subject string) string {
	i := strings.LastIndexByte(subject, '.')
	if i < 0 || i == len(subject)-1 {
		return ""
	}
	last := subject[i+1:]
	if last == ">" || last == "*" || last == "prices" {
		return ""
	}
	return last
}
