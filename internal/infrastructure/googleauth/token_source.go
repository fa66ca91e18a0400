package googleauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	jwtBearerGrant  = "urn:ietf:params:oauth:grant-type:jwt-bearer"
	defaultLifetime = time.Hour
	// refreshWindow is how long before expiry a cached token is discarded,
	// so a token never goes stale mid-call.
	refreshWindow = 60 * time.Second
)

// ExchangeError is a non-2xx response from the token endpoint.
type ExchangeError struct {
	StatusCode int
	Body       string
}

func (e *ExchangeError) Error() string {
	return fmt.Sprintf("token exchange failed with status %d: %s", e.StatusCode, e.Body)
}

// TokenSource produces short-lived bearer tokens for a service account and
// caches them per process until near expiry. It performs no retries; a
// failed exchange is the caller's problem.
type TokenSource struct {
	creds    *Credentials
	scope    string
	lifetime time.Duration
	client   *http.Client

	mu     sync.Mutex
	token  string
	expiry time.Time
}

func NewTokenSource(creds *Credentials, scope string) *TokenSource {
	return &TokenSource{
		creds:    creds,
		scope:    scope,
		lifetime: defaultLifetime,
		client:   &http.Client{Timeout: 15 * time.Second},
	}
}

// Token returns a bearer token valid for at least refreshWindow from now,
// exchanging a fresh assertion when the cached one is missing or near expiry.
func (ts *TokenSource) Token(ctx context.Context) (string, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.token != "" && time.Now().Before(ts.expiry.Add(-refreshWindow)) {
		return ts.token, nil
	}

	token, expiry, err := ts.exchange(ctx)
	if err != nil {
		return "", err
	}

	ts.token = token
	ts.expiry = expiry
	return token, nil
}

func (ts *TokenSource) exchange(ctx context.Context) (string, time.Time, error) {
	now := time.Now()

	claims := jwt.MapClaims{
		"iss":   ts.creds.ClientEmail,
		"scope": ts.scope,
		"aud":   ts.creds.TokenURI,
		"iat":   now.Unix(),
		"exp":   now.Add(ts.lifetime).Unix(),
	}

	assertion, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(ts.creds.key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign assertion: %w", err)
	}

	form := url.Values{
		"grant_type": {jwtBearerGrant},
		"assertion":  {assertion},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ts.creds.TokenURI, strings.NewReader(form.Encode()))
	if err != nil {
		return "", time.Time{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := ts.client.Do(req)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("token endpoint unreachable: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to read token response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", time.Time{}, &ExchangeError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var payload struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", time.Time{}, fmt.Errorf("failed to decode token response: %w", err)
	}

	if payload.AccessToken == "" {
		return "", time.Time{}, fmt.Errorf("token endpoint returned no access_token")
	}

	return payload.AccessToken, now.Add(time.Duration(payload.ExpiresIn) * time.Second), nil
}
