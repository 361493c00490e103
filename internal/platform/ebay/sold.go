package ebay

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/alanyoungcy/booklots/internal/domain"
)

// SoldConfig configures a SoldScraper.
type SoldConfig struct {
	// SearchURL is the public search page, e.g. "https://www.ebay.com/sch/i.html".
	SearchURL         string
	UserAgent         string
	RequestsPerSecond float64
	Timeout           time.Duration
}

// SoldScraper reads completed sold listings from the public search results
// page. It implements domain.ListingSearcher.
type SoldScraper struct {
	searchURL  string
	userAgent  string
	limiter    *rate.Limiter
	httpClient *http.Client
}

// NewSoldScraper creates a SoldScraper.
func NewSoldScraper(cfg SoldConfig) *SoldScraper {
	if cfg.UserAgent == "" {
		cfg.UserAgent = "Mozilla/5.0 (compatible; booklots/1.0)"
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 0.5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &SoldScraper{
		searchURL:  cfg.SearchURL,
		userAgent:  cfg.UserAgent,
		limiter:    rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// SearchListings returns up to limit sold listings matching query.
func (s *SoldScraper) SearchListings(ctx context.Context, query string, limit int) ([]domain.Listing, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("ebay/sold: wait: %w", err)
	}

	params := url.Values{}
	params.Set("_nkw", query)
	params.Set("LH_Sold", "1")
	params.Set("LH_Complete", "1")
	if limit > 0 {
		params.Set("_ipg", strconv.Itoa(pageSize(limit)))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.searchURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("ebay/sold: create request: %w", err)
	}
	req.Header.Set("User-Agent", s.userAgent)
	req.Header.Set("Accept", "text/html")

	body, err := do(ctx, s.httpClient, req)
	if err != nil {
		return nil, fmt.Errorf("ebay/sold: search %q: %w", query, err)
	}

	listings, err := ParseSoldResults(body)
	if err != nil {
		return nil, fmt.Errorf("ebay/sold: parse %q: %w", query, err)
	}
	if limit > 0 && len(listings) > limit {
		listings = listings[:limit]
	}
	return listings, nil
}

// pageSize rounds limit up to a page size the search page honours.
func pageSize(limit int) int {
	for _, n := range []int{60, 120, 240} {
		if limit <= n {
			return n
		}
	}
	return 240
}

var priceRe = regexp.MustCompile(`\d[\d,]*(?:\.\d+)?`)

// ParseSoldResults extracts title and sold price from a search results page.
// Items without a price are skipped; a price range keeps its lower bound.
func ParseSoldResults(page []byte) ([]domain.Listing, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page))
	if err != nil {
		return nil, err
	}

	var listings []domain.Listing
	doc.Find("li.s-item").Each(func(_ int, item *goquery.Selection) {
		title := strings.TrimSpace(item.Find(".s-item__title").First().Text())
		title = strings.TrimPrefix(title, "New Listing")
		title = strings.TrimSpace(title)
		if title == "" || strings.EqualFold(title, "Shop on eBay") {
			return
		}

		price, ok := parsePrice(item.Find(".s-item__price").First().Text())
		if !ok {
			return
		}
		listings = append(listings, domain.Listing{Title: title, Price: price})
	})
	return listings, nil
}

func parsePrice(text string) (decimal.Decimal, bool) {
	m := priceRe.FindString(text)
	if m == "" {
		return decimal.Decimal{}, false
	}
	d, err := decimal.NewFromString(strings.ReplaceAll(m, ",", ""))
	if err != nil || !d.IsPositive() {
		return decimal.Decimal{}, false
	}
	return d, true
}

var _ domain.ListingSearcher = (*SoldScraper)(nil)
