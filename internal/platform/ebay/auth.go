package ebay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// DefaultScope is the public-data scope granted to application tokens.
const DefaultScope = "https://api.ebay.com/oauth/api_scope"

// tokenRefreshMargin is subtracted from the advertised lifetime so a token is
// never presented in its final minute.
const tokenRefreshMargin = 60 * time.Second

// TokenSource obtains and caches an OAuth application token using the
// client-credentials grant.
type TokenSource struct {
	tokenURL     string
	clientID     string
	clientSecret string
	scope        string
	httpClient   *http.Client
	now          func() time.Time

	mu      sync.Mutex
	token   string
	expires time.Time
}

// NewTokenSource creates a TokenSource. An empty scope uses DefaultScope.
func NewTokenSource(tokenURL, clientID, clientSecret, scope string) *TokenSource {
	if scope == "" {
		scope = DefaultScope
	}
	return &TokenSource{
		tokenURL:     tokenURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		scope:        scope,
		httpClient:   &http.Client{Timeout: 15 * time.Second},
		now:          time.Now,
	}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

// Token returns a cached token, fetching a new one when none is held or the
// held one is about to expire.
func (ts *TokenSource) Token(ctx context.Context) (string, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.token != "" && ts.now().Before(ts.expires) {
		return ts.token, nil
	}
	if ts.clientID == "" || ts.clientSecret == "" {
		return "", errors.New("ebay/auth: client id and secret are required")
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("scope", ts.scope)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ts.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("ebay/auth: create request: %w", err)
	}
	req.SetBasicAuth(ts.clientID, ts.clientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	body, err := do(ctx, ts.httpClient, req)
	if err != nil {
		return "", fmt.Errorf("ebay/auth: fetch token: %w", err)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", fmt.Errorf("ebay/auth: decode token: %w", err)
	}
	if tr.AccessToken == "" {
		return "", errors.New("ebay/auth: response carried no access token")
	}

	lifetime := time.Duration(tr.ExpiresIn)*time.Second - tokenRefreshMargin
	if lifetime < 0 {
		lifetime = 0
	}
	ts.token = tr.AccessToken
	ts.expires = ts.now().Add(lifetime)
	return ts.token, nil
}

// Invalidate drops the cached token so the next call fetches a fresh one.
func (ts *TokenSource) Invalidate() {
	ts.mu.Lock()
	ts.token = ""
	ts.expires = time.Time{}
	ts.mu.Unlock()
}
