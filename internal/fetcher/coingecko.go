package fetcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	defaultCoinGeckoURL = "https://api.coingecko.com/api/v3"
	defaultUserAgent    = "pricebot/1.0"
	demoAPIKeyHeader    = "x-cg-demo-api-key"
	maxErrorBody        = 512
)

// CoinGeckoOptions parameterise the CoinGecko fetcher.
type CoinGeckoOptions struct {
	BaseURL         string
	Platform        string
	ContractAddress string
	VsCurrency      string
	APIKey          string
	Timeout         time.Duration
	UserAgent       string
}

// CoinGecko fetches token prices from the simple/token_price endpoint.
type CoinGecko struct {
	opts    CoinGeckoOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
	now     func() time.Time
}

// NewCoinGecko constructs a CoinGecko fetcher.
func NewCoinGecko(opts CoinGeckoOptions, logger zerolog.Logger) *CoinGecko {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Platform == "" {
		opts.Platform = "base"
	}
	if opts.VsCurrency == "" {
		opts.VsCurrency = "usd"
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultCoinGeckoURL
	}

	return &CoinGecko{
		opts:    opts,
		logger:  logger.With().Str("component", "coingecko").Logger(),
		client:  &http.Client{Timeout: opts.Timeout},
		baseURL: baseURL,
		now:     time.Now,
	}
}

// Fetch retrieves the current price and 24h change.
func (g *CoinGecko) Fetch(ctx context.Context) (PriceSample, error) {
	if g.opts.ContractAddress == "" {
		return PriceSample{}, errors.New("contract address not configured")
	}

	ctx, cancel := context.WithTimeout(ctx, g.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.endpoint(), nil)
	if err != nil {
		return PriceSample{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(g.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", defaultUserAgent)
	}
	if g.opts.APIKey != "" {
		req.Header.Set(demoAPIKeyHeader, g.opts.APIKey)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return PriceSample{}, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return PriceSample{}, fmt.Errorf("%w: read body: %v", ErrSourceUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		g.logger.Warn().Str("retry_after", resp.Header.Get("Retry-After")).Msg("price feed throttled")
		return PriceSample{}, fmt.Errorf("%w: %s", ErrRateLimited, describeHTTPError(resp.StatusCode, payload))
	case resp.StatusCode >= http.StatusInternalServerError:
		return PriceSample{}, fmt.Errorf("%w: %s", ErrSourceUnavailable, describeHTTPError(resp.StatusCode, payload))
	case resp.StatusCode != http.StatusOK:
		return PriceSample{}, fmt.Errorf("%w: %s", ErrMalformedResponse, describeHTTPError(resp.StatusCode, payload))
	}

	sample, err := g.parse(payload)
	if err != nil {
		return PriceSample{}, err
	}

	g.logger.Debug().
		Str("price", sample.Price.String()).
		Str("change_24h", sample.Change24h.String()).
		Msg("price fetched")
	return sample, nil
}

func (g *CoinGecko) endpoint() string {
	params := url.Values{}
	params.Set("contract_addresses", g.opts.ContractAddress)
	params.Set("vs_currencies", g.opts.VsCurrency)
	params.Set("include_24hr_change", "true")
	return fmt.Sprintf("%s/simple/token_price/%s?%s", g.baseURL, url.PathEscape(g.opts.Platform), params.Encode())
}

// parse expects {"<lower-cased contract>": {"usd": <number>, "usd_24h_change": <number>}}.
func (g *CoinGecko) parse(payload []byte) (PriceSample, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()

	var body map[string]map[string]any
	if err := dec.Decode(&body); err != nil {
		return PriceSample{}, fmt.Errorf("%w: decode body: %v", ErrMalformedResponse, err)
	}

	key := strings.ToLower(g.opts.ContractAddress)
	fields, ok := body[key]
	if !ok || fields == nil {
		return PriceSample{}, fmt.Errorf("%w: token %s missing from response", ErrMalformedResponse, key)
	}

	price, err := numericField(fields, g.opts.VsCurrency)
	if err != nil {
		return PriceSample{}, err
	}
	change, err := numericField(fields, g.opts.VsCurrency+"_24h_change")
	if err != nil {
		return PriceSample{}, err
	}

	return PriceSample{Price: price, Change24h: change, ObservedAt: g.now().UTC()}, nil
}

func numericField(fields map[string]any, name string) (decimal.Decimal, error) {
	raw, ok := fields[name]
	if !ok {
		return decimal.Decimal{}, fmt.Errorf("%w: field %q missing", ErrMalformedResponse, name)
	}
	num, ok := raw.(json.Number)
	if !ok {
		return decimal.Decimal{}, fmt.Errorf("%w: field %q is not numeric", ErrMalformedResponse, name)
	}
	value, err := decimal.NewFromString(num.String())
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: field %q: %v", ErrMalformedResponse, name, err)
	}
	return value, nil
}

type errorResponse struct {
	Error  string `json:"error"`
	Status struct {
		ErrorCode    int    `json:"error_code"`
		ErrorMessage string `json:"error_message"`
	} `json:"status"`
}

func describeHTTPError(status int, payload []byte) string {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Status.ErrorMessage != "" {
			return fmt.Sprintf("coingecko error (%d): %s", status, apiErr.Status.ErrorMessage)
		}
		if apiErr.Error != "" {
			return fmt.Sprintf("coingecko error (%d): %s", status, apiErr.Error)
		}
	}
	body := strings.TrimSpace(string(payload))
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody]
	}
	if body != "" {
		return fmt.Sprintf("coingecko error (%d): %s", status, body)
	}
	return fmt.Sprintf("coingecko error (%d)", status)
}

var _ PriceFetcher = (*CoinGecko)(nil)
