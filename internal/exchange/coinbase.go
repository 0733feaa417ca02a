package exchange

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	ierrors "github.com/johnayoung/go-ohlcv-ingest/internal/errors"
	"github.com/johnayoung/go-ohlcv-ingest/internal/models"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"
)

const (
	// Coinbase Exchange public API base URL
	DefaultBaseURL = "https://api.exchange.coinbase.com"

	// API endpoints
	productEndpoint = "/products/%s"
	candlesEndpoint = "/products/%s/candles"

	// Request configuration
	DefaultRequestInterval = 500 * time.Millisecond
	DefaultRequestTimeout  = 30 * time.Second
	rateLimitBurst         = 1

	// Upstream error bodies are truncated to this many bytes in error messages
	maxErrorBodyLength = 512

	userAgent = "go-ohlcv-ingest/1.0"
)

// DefaultRetryableStatuses are the HTTP statuses treated as transient.
var DefaultRetryableStatuses = []int{
	http.StatusInternalServerError,
	http.StatusBadGateway,
	http.StatusServiceUnavailable,
	http.StatusGatewayTimeout,
}

// ClientConfig configures a CoinbaseClient. Zero values fall back to defaults.
type ClientConfig struct {
	BaseURL           string
	RequestInterval   time.Duration
	RequestTimeout    time.Duration
	Retry             ierrors.RetryPolicy
	RetryableStatuses []int
	Credentials       CredentialProvider
	Observer          RequestObserver
	HTTPClient        *http.Client
}

// CoinbaseClient implements Exchange against the Coinbase Exchange REST API.
type CoinbaseClient struct {
	httpClient        *http.Client
	rateLimiter       *rate.Limiter
	baseURL           string
	interval          time.Duration
	retry             ierrors.RetryPolicy
	retryableStatuses []int
	credentials       CredentialProvider
	observer          RequestObserver
	logger            *slog.Logger
}

// NewCoinbaseClient creates a client with pacing, retries and credentials
// taken from cfg.
func NewCoinbaseClient(cfg ClientConfig, logger *slog.Logger) *CoinbaseClient {
	if logger == nil {
		logger = slog.Default()
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	interval := cfg.RequestInterval
	if interval < 0 {
		interval = DefaultRequestInterval
	}

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}

	retry := cfg.Retry
	if retry.MaxAttempts == 0 {
		retry = ierrors.DefaultRetryPolicy()
	}

	statuses := cfg.RetryableStatuses
	if len(statuses) == 0 {
		statuses = DefaultRetryableStatuses
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}

	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}

	return &CoinbaseClient{
		httpClient:        httpClient,
		rateLimiter:       rate.NewLimiter(limit, rateLimitBurst),
		baseURL:           baseURL,
		interval:          interval,
		retry:             retry,
		retryableStatuses: slices.Clone(statuses),
		credentials:       cfg.Credentials,
		observer:          cfg.Observer,
		logger:            logger,
	}
}

// FetchChunk implements CandleFetcher. It waits for the pacing limiter once,
// then requests the chunk under the retry policy.
func (c *CoinbaseClient) FetchChunk(ctx context.Context, series models.SeriesID, chunk models.Chunk) ([]models.Candle, error) {
	if err := c.WaitForLimit(ctx); err != nil {
		return nil, ierrors.New(ierrors.ErrorTypeCanceled, "exchange", "fetch_chunk",
			fmt.Errorf("rate limit wait failed: %w", err))
	}

	c.logger.Debug("fetching candles from Coinbase",
		"symbol", series.Symbol,
		"granularity", series.Granularity.Seconds(),
		"start", chunk.Start,
		"end", chunk.End)

	candles, attempts, err := ierrors.Retry(ctx, c.retry,
		func(ctx context.Context) ([]models.Candle, error) {
			return c.fetchCandleChunk(ctx, series, chunk)
		},
		func(err error, attempt int, wait time.Duration) {
			c.logger.Warn("transient upstream error, retrying",
				"symbol", series.Symbol,
				"chunk", chunk.Index,
				"status", ierrors.StatusCode(err),
				"attempt", attempt,
				"max_attempts", c.retry.MaxAttempts,
				"wait", wait,
				"error", err)
		})
	if err != nil {
		return nil, err
	}

	c.logger.Debug("successfully fetched candles",
		"symbol", series.Symbol,
		"chunk", chunk.Index,
		"count", len(candles),
		"attempts", attempts)

	return candles, nil
}

// CheckProduct implements ProductChecker.
func (c *CoinbaseClient) CheckProduct(ctx context.Context, symbol string) (*Product, error) {
	if err := c.WaitForLimit(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait failed: %w", err)
	}

	requestURL := c.baseURL + fmt.Sprintf(productEndpoint, url.PathEscape(symbol))
	status, body, err := c.do(ctx, requestURL)
	if err != nil {
		return nil, ierrors.NewTransientUpstreamError(symbol, 0, err)
	}
	if status != http.StatusOK {
		return nil, c.statusError(symbol, status, body)
	}

	doc := gjson.ParseBytes(body)
	if !doc.IsObject() {
		return nil, ierrors.NewTransientUpstreamError(symbol, status, errors.New("malformed product response"))
	}

	return &Product{
		ID:              doc.Get("id").String(),
		BaseCurrency:    doc.Get("base_currency").String(),
		QuoteCurrency:   doc.Get("quote_currency").String(),
		Status:          doc.Get("status").String(),
		TradingDisabled: doc.Get("trading_disabled").Bool(),
	}, nil
}

// GetLimits implements RateLimitInfo.
func (c *CoinbaseClient) GetLimits() RateLimit {
	return RateLimit{
		Interval:  c.interval,
		BurstSize: rateLimitBurst,
	}
}

// WaitForLimit implements RateLimitInfo.
func (c *CoinbaseClient) WaitForLimit(ctx context.Context) error {
	return c.rateLimiter.Wait(ctx)
}

// Private helper methods

func (c *CoinbaseClient) fetchCandleChunk(ctx context.Context, series models.SeriesID, chunk models.Chunk) ([]models.Candle, error) {
	params := url.Values{}
	params.Add("start", chunk.Start.UTC().Format(time.RFC3339))
	params.Add("end", chunk.End.UTC().Format(time.RFC3339))
	params.Add("granularity", strconv.FormatInt(series.Granularity.Seconds(), 10))

	requestURL := c.baseURL + fmt.Sprintf(candlesEndpoint, url.PathEscape(series.Symbol)) + "?" + params.Encode()

	status, body, err := c.do(ctx, requestURL)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ierrors.New(ierrors.ErrorTypeCanceled, "exchange", "fetch_chunk", ctx.Err())
		}
		// Connectivity problems are transient like a 5xx
		return nil, ierrors.NewTransientUpstreamError(series.Symbol, 0, fmt.Errorf("request failed: %w", err))
	}

	if status != http.StatusOK {
		return nil, c.statusError(series.Symbol, status, body)
	}

	candles, err := parseCandles(body)
	if err != nil {
		// A truncated or garbled success body is treated like a failed attempt
		return nil, ierrors.NewTransientUpstreamError(series.Symbol, status, err)
	}

	return candles, nil
}

func (c *CoinbaseClient) do(ctx context.Context, requestURL string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	if c.credentials != nil {
		if err := c.credentials.Apply(req); err != nil {
			return 0, nil, fmt.Errorf("failed to apply credentials: %w", err)
		}
	}

	started := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.observe(0, started, err)
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	c.observe(resp.StatusCode, started, err)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read response body: %w", err)
	}

	return resp.StatusCode, body, nil
}

func (c *CoinbaseClient) observe(status int, started time.Time, err error) {
	if c.observer != nil {
		c.observer.ObserveRequest(status, time.Since(started), err)
	}
}

func (c *CoinbaseClient) statusError(symbol string, status int, body []byte) error {
	message := upstreamMessage(body)
	if slices.Contains(c.retryableStatuses, status) {
		return ierrors.NewTransientUpstreamError(symbol, status, errors.New(message))
	}
	return ierrors.NewUpstreamRequestError(symbol, status, message)
}

// upstreamMessage extracts the "message" field of an error body, falling back
// to the truncated raw body.
func upstreamMessage(body []byte) string {
	if msg := gjson.GetBytes(body, "message"); msg.Exists() && msg.String() != "" {
		return msg.String()
	}
	text := strings.TrimSpace(string(body))
	if len(text) > maxErrorBodyLength {
		text = text[:maxErrorBodyLength] + "..."
	}
	return text
}

// parseCandles decodes the [[time, low, high, open, close, volume], ...]
// response into canonical candles sorted by timestamp. Numeric literals are
// read verbatim so no precision is lost to float conversion.
func parseCandles(body []byte) ([]models.Candle, error) {
	if !gjson.ValidBytes(body) {
		return nil, errors.New("malformed candles response: invalid JSON")
	}

	doc := gjson.ParseBytes(body)
	if !doc.IsArray() {
		return nil, fmt.Errorf("malformed candles response: expected array, got %s", doc.Type)
	}

	rows := doc.Array()
	candles := make([]models.Candle, 0, len(rows))

	for i, row := range rows {
		fields := row.Array()
		if !row.IsArray() || len(fields) < 6 {
			return nil, fmt.Errorf("malformed candle at index %d: expected 6 fields", i)
		}

		values := make([]decimal.Decimal, 5)
		for j := 1; j <= 5; j++ {
			d, err := decimalFromResult(fields[j])
			if err != nil {
				return nil, fmt.Errorf("malformed candle at index %d field %d: %w", i, j, err)
			}
			values[j-1] = d
		}

		// wire order is time, low, high, open, close, volume
		candles = append(candles, models.Candle{
			Timestamp: time.Unix(fields[0].Int(), 0).UTC(),
			Low:       values[0],
			High:      values[1],
			Open:      values[2],
			Close:     values[3],
			Volume:    values[4],
		})
	}

	models.SortCandles(candles)
	return candles, nil
}

func decimalFromResult(r gjson.Result) (decimal.Decimal, error) {
	switch r.Type {
	case gjson.Number:
		return decimal.NewFromString(r.Raw)
	case gjson.String:
		return decimal.NewFromString(r.String())
	default:
		return decimal.Zero, fmt.Errorf("unexpected %s value", r.Type)
	}
}

var _ Exchange = (*CoinbaseClient)(nil)
