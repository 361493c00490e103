package ebay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/alanyoungcy/booklots/internal/domain"
)

// maxBrowseLimit is the largest page the Browse search endpoint accepts.
const maxBrowseLimit = 200

// BrowseConfig configures a BrowseClient.
type BrowseConfig struct {
	// BaseURL is the Browse API root, e.g.
	// "https://api.ebay.com/buy/browse/v1".
	BaseURL           string
	MarketplaceID     string
	RequestsPerSecond float64
	Timeout           time.Duration
}

// BrowseClient searches active listings through the Browse API. It
// implements domain.ListingSearcher.
type BrowseClient struct {
	baseURL       string
	marketplaceID string
	tokens        *TokenSource
	limiter       *rate.Limiter
	httpClient    *http.Client
}

// NewBrowseClient creates a BrowseClient that authenticates with tokens.
func NewBrowseClient(cfg BrowseConfig, tokens *TokenSource) *BrowseClient {
	if cfg.MarketplaceID == "" {
		cfg.MarketplaceID = "EBAY_US"
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 2
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &BrowseClient{
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		marketplaceID: cfg.MarketplaceID,
		tokens:        tokens,
		limiter:       rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
		httpClient:    &http.Client{Timeout: cfg.Timeout},
	}
}

type browseSearchResponse struct {
	Total         int           `json:"total"`
	ItemSummaries []itemSummary `json:"itemSummaries"`
}

type itemSummary struct {
	ItemID string `json:"itemId"`
	Title  string `json:"title"`
	Price  *struct {
		Value    string `json:"value"`
		Currency string `json:"currency"`
	} `json:"price"`
}

// SearchListings returns up to limit active listings matching query.
// Summaries without a parseable price are skipped.
func (c *BrowseClient) SearchListings(ctx context.Context, query string, limit int) ([]domain.Listing, error) {
	if limit <= 0 || limit > maxBrowseLimit {
		limit = maxBrowseLimit
	}

	params := url.Values{}
	params.Set("q", query)
	params.Set("limit", strconv.Itoa(limit))
	path := "/item_summary/search?" + params.Encode()

	body, err := c.doGet(ctx, path)
	if errors.Is(err, domain.ErrUnauthorized) {
		// The cached token may have been revoked early; retry once with a
		// fresh one.
		c.tokens.Invalidate()
		body, err = c.doGet(ctx, path)
	}
	if err != nil {
		return nil, fmt.Errorf("ebay/browse: search %q: %w", query, err)
	}

	var resp browseSearchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("ebay/browse: decode search: %w", err)
	}

	listings := make([]domain.Listing, 0, len(resp.ItemSummaries))
	for _, item := range resp.ItemSummaries {
		if item.Title == "" || item.Price == nil {
			continue
		}
		price, err := decimal.NewFromString(item.Price.Value)
		if err != nil || !price.IsPositive() {
			continue
		}
		listings = append(listings, domain.Listing{Title: item.Title, Price: price})
	}
	return listings, nil
}

func (c *BrowseClient) doGet(ctx context.Context, path string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-EBAY-C-MARKETPLACE-ID", c.marketplaceID)

	return do(ctx, c.httpClient, req)
}

var _ domain.ListingSearcher = (*BrowseClient)(nil)
