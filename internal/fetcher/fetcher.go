package fetcher

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrSourceUnavailable covers transport failures, timeouts and 5xx responses.
	ErrSourceUnavailable = errors.New("price source unavailable")
	// ErrRateLimited is returned when the feed answers HTTP 429.
	ErrRateLimited = errors.New("price source rate limited")
	// ErrMalformedResponse is returned for protocol errors: unexpected status,
	// missing token key, missing or non-numeric fields.
	ErrMalformedResponse = errors.New("malformed price response")
)

// PriceSample is one observation of the tracked token.
type PriceSample struct {
	Price      decimal.Decimal
	Change24h  decimal.Decimal
	ObservedAt time.Time
}

// PriceFetcher retrieves the current price and 24h change of the tracked token.
// Implementations never retry; the caller owns the retry policy.
type PriceFetcher interface {
	Fetch(ctx context.Context) (PriceSample, error)
}

// SymbolFetcher resolves the token's ticker symbol.
type SymbolFetcher interface {
	FetchSymbol(ctx context.Context) (string, error)
}
