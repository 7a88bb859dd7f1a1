package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"card-deal-alerts/internal/listing"
)

// ListingFetcher retrieves the current marketplace listing snapshot.
type ListingFetcher interface {
	Listings(ctx context.Context) ([]listing.Listing, error)
}

// Options parameterise the marketplace API client.
type Options struct {
	BaseURL   string
	APIKey    string
	Timeout   time.Duration
	UserAgent string
}

// Client talks to the marketplace backend REST API.
type Client struct {
	opts    Options
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewClient constructs a marketplace API client.
func NewClient(opts Options, logger zerolog.Logger) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	return &Client{
		opts:    opts,
		logger:  logger.With().Str("component", "upstream_client").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
	}
}

// Listings fetches the full current listing snapshot.
func (c *Client) Listings(ctx context.Context) ([]listing.Listing, error) {
	var listings []listing.Listing
	if err := c.getJSON(ctx, "/listings", nil, &listings); err != nil {
		return nil, fmt.Errorf("fetch listings: %w", err)
	}
	return listings, nil
}

// AdminQuery carries the paginated admin listing parameters.
type AdminQuery struct {
	Page           int
	Limit          int
	SortBy         string
	Order          string
	Search         string
	Category       string
	GradingCompany string
	IsListed       *bool
}

// Pagination is the envelope metadata of the paginated admin variant.
type Pagination struct {
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	Total      int `json:"total"`
	TotalPages int `json:"total_pages"`
}

// AdminListingPage is the paginated admin listing response.
type AdminListingPage struct {
	Data       []listing.Listing `json:"data"`
	Pagination Pagination        `json:"pagination"`
}

// AdminListings fetches one page of the admin listing view.
func (c *Client) AdminListings(ctx context.Context, q AdminQuery) (AdminListingPage, error) {
	params := url.Values{}
	if q.Page > 0 {
		params.Set("page", strconv.Itoa(q.Page))
	}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.SortBy != "" {
		params.Set("sort_by", q.SortBy)
	}
	if q.Order != "" {
		params.Set("order", q.Order)
	}
	if q.Search != "" {
		params.Set("search", q.Search)
	}
	if q.Category != "" {
		params.Set("category", q.Category)
	}
	if q.GradingCompany != "" {
		params.Set("grading_company", q.GradingCompany)
	}
	if q.IsListed != nil {
		params.Set("is_listed", strconv.FormatBool(*q.IsListed))
	}

	var page AdminListingPage
	if err := c.getJSON(ctx, "/admin/listings", params, &page); err != nil {
		return AdminListingPage{}, fmt.Errorf("fetch admin listings: %w", err)
	}
	return page, nil
}

// HoldingToken is one wallet-owned token as returned by the holdings API.
// Image fields vary across payload variants, hence the fallbacks.
type HoldingToken struct {
	TokenMint      string             `json:"token_mint"`
	Mint           string             `json:"mint"`
	Name           string             `json:"name"`
	Img            string             `json:"img"`
	ImgURL         string             `json:"img_url"`
	Image          string             `json:"image"`
	Grade          string             `json:"grade"`
	GradingCompany string             `json:"grading_company"`
	GradingID      listing.FlexString `json:"grading_id"`
	Supply         *int64             `json:"supply"`
	Attributes     []TokenAttribute   `json:"attributes"`
}

// TokenAttribute is one metadata trait on a holding.
type TokenAttribute struct {
	TraitType string `json:"trait_type"`
	Value     string `json:"value"`
}

// ImageURL resolves the first populated image field variant.
func (t HoldingToken) ImageURL() string {
	for _, candidate := range []string{t.Img, t.ImgURL, t.Image} {
		if candidate != "" {
			return candidate
		}
	}
	return ""
}

// MintAddress resolves the token mint across payload variants.
func (t HoldingToken) MintAddress() string {
	if t.TokenMint != "" {
		return t.TokenMint
	}
	return t.Mint
}

// HasTrait reports whether the token carries the given trait value.
func (t HoldingToken) HasTrait(traitType, value string) bool {
	for _, attr := range t.Attributes {
		if attr.TraitType == traitType && attr.Value == value {
			return true
		}
	}
	return false
}

// WalletTokens fetches the holdings of one wallet.
func (c *Client) WalletTokens(ctx context.Context, wallet string, offset, limit int) ([]HoldingToken, error) {
	if wallet == "" {
		return nil, errors.New("wallet address required")
	}

	params := url.Values{}
	if offset > 0 {
		params.Set("offset", strconv.Itoa(offset))
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}

	// The holdings API answers either a bare array or a {tokens: []} wrapper.
	var raw json.RawMessage
	path := "/wallets/" + url.PathEscape(wallet) + "/tokens"
	if err := c.getJSON(ctx, path, params, &raw); err != nil {
		return nil, fmt.Errorf("fetch wallet tokens: %w", err)
	}

	var tokens []HoldingToken
	if err := json.Unmarshal(raw, &tokens); err == nil {
		return tokens, nil
	}

	var wrapped struct {
		Tokens []HoldingToken `json:"tokens"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return nil, fmt.Errorf("decode wallet tokens: %w", err)
	}
	return wrapped.Tokens, nil
}

// BuyRequest identifies the listing to purchase.
type BuyRequest struct {
	Buyer       string
	TokenMint   string
	Price       decimal.Decimal
	PriorityFee *decimal.Decimal
}

// BuyInstruction fetches a signable buy transaction for the listing. The
// returned Tx is base64; signing and submission belong to the wallet.
func (c *Client) BuyInstruction(ctx context.Context, req BuyRequest) (string, error) {
	if req.Buyer == "" || req.TokenMint == "" || !req.Price.IsPositive() {
		return "", errors.New("buyer, tokenMint and a positive price are required")
	}

	params := url.Values{}
	params.Set("buyer", req.Buyer)
	params.Set("tokenMint", req.TokenMint)
	params.Set("price", req.Price.String())
	if req.PriorityFee != nil {
		params.Set("priorityFee", req.PriorityFee.String())
	}

	var body struct {
		Tx string `json:"tx"`
	}
	if err := c.getJSON(ctx, "/instructions/buy", params, &body); err != nil {
		return "", fmt.Errorf("fetch buy instruction: %w", err)
	}
	if body.Tx == "" {
		return "", errors.New("buy instruction response missing tx")
	}
	return body.Tx, nil
}

// TriggerRecheck asks the backend to re-evaluate previously skipped listings.
func (c *Client) TriggerRecheck(ctx context.Context) error {
	return c.postJSON(ctx, "/admin/trigger-recheck", nil, nil)
}

// TriggerSync asks the backend for a full marketplace re-sync.
func (c *Client) TriggerSync(ctx context.Context) error {
	return c.postJSON(ctx, "/admin/trigger-sync", nil, nil)
}

func (c *Client) getJSON(ctx context.Context, path string, params url.Values, out interface{}) error {
	if c.baseURL == "" {
		return errors.New("upstream base url not configured")
	}

	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	c.setHeaders(req)

	return c.do(req, out)
}

func (c *Client) postJSON(ctx context.Context, path string, payload interface{}, out interface{}) error {
	if c.baseURL == "" {
		return errors.New("upstream base url not configured")
	}

	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return err
	}
	c.setHeaders(req)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.do(req, out)
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Accept", "application/json")
	if c.opts.APIKey != "" {
		req.Header.Set("X-API-Key", c.opts.APIKey)
	}
	if ua := strings.TrimSpace(c.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	}
}

func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return parseHTTPError(resp.StatusCode, payload)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

type errorResponse struct {
	Error   string `json:"error"`
	Detail  string `json:"detail"`
	Message string `json:"message"`
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		for _, msg := range []string{apiErr.Detail, apiErr.Error, apiErr.Message} {
			if msg != "" {
				return fmt.Errorf("upstream api error (%d): %s", status, msg)
			}
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("upstream api error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("upstream api error (%d)", status)
}

var _ ListingFetcher = (*Client)(nil)
