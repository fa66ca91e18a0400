package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/sunfac/flavr-sub002/internal/domain/models"
	"github.com/sunfac/flavr-sub002/internal/infrastructure/googleauth"
)

// AndroidPublisherScope is the OAuth scope for Play subscription lookups.
const AndroidPublisherScope = "https://www.googleapis.com/auth/androidpublisher"

const defaultAndroidPublisherURL = "https://androidpublisher.googleapis.com"

// GoogleVerifier checks a Play Billing subscription purchase, obtaining a
// bearer token through the service-account exchange first.
type GoogleVerifier struct {
	tokens      *googleauth.TokenSource
	packageName string
	baseURL     string
	client      *http.Client
}

func NewGoogleVerifier(tokens *googleauth.TokenSource, packageName string) *GoogleVerifier {
	return &GoogleVerifier{
		tokens:      tokens,
		packageName: packageName,
		baseURL:     defaultAndroidPublisherURL,
		client:      &http.Client{Timeout: 15 * time.Second},
	}
}

type googlePurchaseResponse struct {
	ExpiryTimeMillis string `json:"expiryTimeMillis"`
	PaymentState     *int   `json:"paymentState"`
	AutoRenewing     bool   `json:"autoRenewing"`
	OrderID          string `json:"orderId"`
}

func (v *GoogleVerifier) Verify(ctx context.Context, rec *models.EntitlementRecord) (*VerificationResult, error) {
	if rec.GooglePurchaseToken == nil || *rec.GooglePurchaseToken == "" {
		return nil, fmt.Errorf("%w: record has no google purchase token", ErrVerificationUnknown)
	}
	if rec.GoogleProductID == nil || *rec.GoogleProductID == "" {
		return nil, fmt.Errorf("%w: record has no google product id", ErrVerificationUnknown)
	}

	token, err := v.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: google token exchange: %v", ErrVerificationUnknown, err)
	}

	url := fmt.Sprintf("%s/androidpublisher/v3/applications/%s/purchases/subscriptions/%s/tokens/%s",
		v.baseURL, v.packageName, *rec.GoogleProductID, *rec.GooglePurchaseToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrVerificationUnknown, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	httpResp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: google purchase lookup: %v", ErrVerificationUnknown, err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrVerificationUnknown, err)
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: google purchase lookup returned HTTP %d: %s", ErrVerificationUnknown, httpResp.StatusCode, body)
	}

	var purchase googlePurchaseResponse
	if err := json.Unmarshal(body, &purchase); err != nil {
		return nil, fmt.Errorf("%w: failed to decode google response: %v", ErrVerificationUnknown, err)
	}

	expiryMs, err := strconv.ParseInt(purchase.ExpiryTimeMillis, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: bad expiryTimeMillis %q", ErrVerificationUnknown, purchase.ExpiryTimeMillis)
	}

	expiresAt := time.UnixMilli(expiryMs)

	rawStatus := "expired"
	if purchase.PaymentState != nil {
		rawStatus = "paymentState=" + strconv.Itoa(*purchase.PaymentState)
	}

	return &VerificationResult{
		Active:    time.Now().Before(expiresAt),
		ExpiresAt: expiresAt,
		RawStatus: rawStatus,
	}, nil
}
