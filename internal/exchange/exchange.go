// Package exchange defines the upstream market-data interfaces used by the
// ingestion engine and the Coinbase Exchange implementation of them.
//
// The interfaces are small and focused so that the engine can be driven by a
// test fake or by a different provider without change.
package exchange

import (
	"context"
	"time"

	"github.com/johnayoung/go-ohlcv-ingest/internal/models"
)

// CandleFetcher retrieves one chunk of OHLCV candles from the upstream API.
type CandleFetcher interface {
	// FetchChunk retrieves the candles of series inside chunk.
	//
	// Candles are returned in ascending timestamp order with prices in
	// canonical OHLCV order. An empty slice without error means the provider
	// has no data for the window.
	//
	// Errors are classified:
	// - TransientUpstreamError once retries are exhausted; the chunk can be skipped
	// - UpstreamRequestError for any other non-success response; the series must stop
	// - a canceled error when ctx ends while waiting or retrying
	FetchChunk(ctx context.Context, series models.SeriesID, chunk models.Chunk) ([]models.Candle, error)
}

// ProductChecker verifies that a product exists upstream before ingesting it.
type ProductChecker interface {
	// CheckProduct fetches the product description for symbol. It returns an
	// UpstreamRequestError when the product is unknown.
	CheckProduct(ctx context.Context, symbol string) (*Product, error)
}

// RateLimitInfo exposes the pacing applied between upstream requests.
type RateLimitInfo interface {
	// GetLimits returns the configured pacing.
	GetLimits() RateLimit

	// WaitForLimit blocks until the next request may be sent or ctx ends.
	WaitForLimit(ctx context.Context) error
}

// Exchange combines every upstream capability the command line uses.
type Exchange interface {
	CandleFetcher
	ProductChecker
	RateLimitInfo
}

// RequestObserver receives one call per HTTP round trip, including retries.
// status is 0 when no response was received.
type RequestObserver interface {
	ObserveRequest(status int, latency time.Duration, err error)
}

// Product describes an upstream trading product.
type Product struct {
	ID              string `json:"id"`
	BaseCurrency    string `json:"base_currency"`
	QuoteCurrency   string `json:"quote_currency"`
	Status          string `json:"status"`
	TradingDisabled bool   `json:"trading_disabled"`
}

// Active reports whether the product is online and tradable.
func (p *Product) Active() bool {
	return p.Status == "online" && !p.TradingDisabled
}

// RateLimit describes the client side pacing.
type RateLimit struct {
	// Interval is the minimum time between two chunk requests
	Interval time.Duration `json:"interval"`

	// BurstSize is the number of requests that may be sent back to back
	BurstSize int `json:"burst_size"`
}

// IsValid reports whether the pacing is usable.
func (rl *RateLimit) IsValid() bool {
	return rl.Interval >= 0 && rl.BurstSize > 0
}
