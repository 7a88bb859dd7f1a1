package pricing

import (
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

// Source retrieves the current USD spot price for the native currency.
type Source interface {
	FetchSpot(ctx context.Context) (decimal.Decimal, error)
}

// CoinGeckoOptions parameterise the spot price fetcher.
type CoinGeckoOptions struct {
	QuoteURL string
	AssetID  string
	Timeout  time.Duration
}

// CoinGecko fetches simple-price quotes from the CoinGecko API.
type CoinGecko struct {
	opts   CoinGeckoOptions
	logger zerolog.Logger
	client *http.Client
}

// NewCoinGecko constructs a spot price fetcher.
func NewCoinGecko(opts CoinGeckoOptions, logger zerolog.Logger) *CoinGecko {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if opts.QuoteURL == "" {
		opts.QuoteURL = "https://api.coingecko.com/api/v3/simple/price"
	}
	if opts.AssetID == "" {
		opts.AssetID = "solana"
	}

	return &CoinGecko{
		opts:   opts,
		logger: logger.With().Str("component", "spot_fetcher").Logger(),
		client: &http.Client{Timeout: timeout},
	}
}

// FetchSpot retrieves the USD price for the configured asset. A zero quote
// is rejected: zero is not a valid market price.
func (c *CoinGecko) FetchSpot(ctx context.Context) (decimal.Decimal, error) {
	endpoint := fmt.Sprintf("%s?ids=%s&vs_currencies=usd",
		strings.TrimRight(c.opts.QuoteURL, "?"), url.QueryEscape(c.opts.AssetID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return decimal.Decimal{}, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return decimal.Decimal{}, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return decimal.Decimal{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return decimal.Decimal{}, fmt.Errorf("spot quote error (%d): %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	var body map[string]struct {
		USD decimal.Decimal `json:"usd"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return decimal.Decimal{}, fmt.Errorf("decode spot quote: %w", err)
	}

	quote, ok := body[c.opts.AssetID]
	if !ok {
		return decimal.Decimal{}, fmt.Errorf("spot quote missing asset %q", c.opts.AssetID)
	}
	if !quote.USD.IsPositive() {
		return decimal.Decimal{}, errors.New("spot quote returned non-positive price")
	}

	return quote.USD, nil
}

var _ Source = (*CoinGecko)(nil)
