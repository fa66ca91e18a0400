package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/sunfac/flavr-sub002/internal/domain/models"
)

// appleStatusSandboxReceipt means a sandbox receipt was sent to the
// production endpoint; Apple's documented handling is to retry the call
// against the sandbox endpoint once.
const appleStatusSandboxReceipt = 21007

// AppleVerifier validates an App Store receipt against Apple's receipt
// verification service and reads the latest transaction's expiry.
type AppleVerifier struct {
	sharedSecret string
	prodURL      string
	sandboxURL   string
	client       *http.Client
}

func NewAppleVerifier(sharedSecret, prodURL, sandboxURL string) *AppleVerifier {
	return &AppleVerifier{
		sharedSecret: sharedSecret,
		prodURL:      prodURL,
		sandboxURL:   sandboxURL,
		client:       &http.Client{Timeout: 15 * time.Second},
	}
}

type appleVerifyResponse struct {
	Status            int                `json:"status"`
	LatestReceiptInfo []appleTransaction `json:"latest_receipt_info"`
}

// AppleReceiptInfo is a verified receipt's summary: the verification result
// plus the identifiers needed to link the receipt to a user.
type AppleReceiptInfo struct {
	Result                VerificationResult
	OriginalTransactionID string
	ProductID             string
}

func (v *AppleVerifier) Verify(ctx context.Context, rec *models.EntitlementRecord) (*VerificationResult, error) {
	if rec.AppleReceiptBlob == nil || *rec.AppleReceiptBlob == "" {
		return nil, fmt.Errorf("%w: record has no apple receipt", ErrVerificationUnknown)
	}

	info, err := v.VerifyReceipt(ctx, *rec.AppleReceiptBlob)
	if err != nil {
		return nil, err
	}
	return &info.Result, nil
}

func (v *AppleVerifier) VerifyReceipt(ctx context.Context, receipt string) (*AppleReceiptInfo, error) {
	resp, err := v.verifyAgainst(ctx, v.prodURL, receipt)
	if err != nil {
		return nil, err
	}

	if resp.Status == appleStatusSandboxReceipt {
		resp, err = v.verifyAgainst(ctx, v.sandboxURL, receipt)
		if err != nil {
			return nil, err
		}
	}

	// Any remaining non-zero status is Apple rejecting the call, not a
	// statement that the subscription lapsed.
	if resp.Status != 0 {
		return nil, fmt.Errorf("%w: apple verification status %d", ErrVerificationUnknown, resp.Status)
	}

	latest, expiresAt, err := latestAppleTransaction(resp)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrVerificationUnknown, err)
	}

	return &AppleReceiptInfo{
		Result: VerificationResult{
			Active:    time.Now().Before(expiresAt),
			ExpiresAt: expiresAt,
			RawStatus: strconv.Itoa(resp.Status),
		},
		OriginalTransactionID: latest.OriginalTransactionID,
		ProductID:             latest.ProductID,
	}, nil
}

func (v *AppleVerifier) verifyAgainst(ctx context.Context, endpoint, receipt string) (*appleVerifyResponse, error) {
	payload := map[string]any{
		"receipt-data":             receipt,
		"password":                 v.sharedSecret,
		"exclude-old-transactions": true,
	}

	jsonBody, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrVerificationUnknown, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrVerificationUnknown, err)
	}
	req.Header.Set("Content-Type", "application/json")

	httpResp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: apple verification request: %v", ErrVerificationUnknown, err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrVerificationUnknown, err)
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: apple verification returned HTTP %d", ErrVerificationUnknown, httpResp.StatusCode)
	}

	var resp appleVerifyResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: failed to decode apple response: %v", ErrVerificationUnknown, err)
	}

	return &resp, nil
}

type appleTransaction struct {
	ExpiresDateMS         string `json:"expires_date_ms"`
	OriginalTransactionID string `json:"original_transaction_id"`
	ProductID             string `json:"product_id"`
}

func latestAppleTransaction(resp *appleVerifyResponse) (*appleTransaction, time.Time, error) {
	if len(resp.LatestReceiptInfo) == 0 {
		return nil, time.Time{}, fmt.Errorf("apple response has no latest_receipt_info")
	}

	var (
		latest   *appleTransaction
		latestMS int64
	)
	for i := range resp.LatestReceiptInfo {
		tx := &resp.LatestReceiptInfo[i]
		ms, err := strconv.ParseInt(tx.ExpiresDateMS, 10, 64)
		if err != nil {
			return nil, time.Time{}, fmt.Errorf("bad expires_date_ms %q", tx.ExpiresDateMS)
		}
		if latest == nil || ms > latestMS {
			latest = tx
			latestMS = ms
		}
	}

	return latest, time.UnixMilli(latestMS), nil
}
