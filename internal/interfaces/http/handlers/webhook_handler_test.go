package handlers

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stripe/stripe-go/v79"

	"github.com/sunfac/flavr-sub002/internal/domain/models"
	"github.com/sunfac/flavr-sub002/internal/domain/repositories"
	"github.com/sunfac/flavr-sub002/internal/domain/services"
)

const (
	testStripeSecret = "whsec_test_secret"
	testAppleSecret  = "apple_shared_secret"
	testGoogleSecret = "google_rtdn_secret"
)

// memEntitlementRepo is an in-memory EntitlementRepository for handler tests.
type memEntitlementRepo struct {
	mu         sync.Mutex
	records    map[int64]*models.EntitlementRecord
	applyCalls int
}

func newMemRepo() *memEntitlementRepo {
	return &memEntitlementRepo{records: make(map[int64]*models.EntitlementRecord)}
}

func (m *memEntitlementRepo) put(rec *models.EntitlementRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	m.records[rec.UserID] = &cp
}

func (m *memEntitlementRepo) GetByUserID(_ context.Context, userID int64) (*models.EntitlementRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[userID]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *memEntitlementRepo) GetByProviderRef(_ context.Context, provider models.Provider, ref string) (*models.EntitlementRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.records {
		var linked *string
		switch provider {
		case models.ProviderStripe:
			linked = rec.StripeSubscriptionID
		case models.ProviderApple:
			linked = rec.AppleOriginalTransactionID
		case models.ProviderGoogle:
			linked = rec.GooglePurchaseToken
		}
		if linked != nil && *linked == ref {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, repositories.ErrNotFound
}

func (m *memEntitlementRepo) Create(_ context.Context, rec *models.EntitlementRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[rec.UserID]; !ok {
		cp := *rec
		m.records[rec.UserID] = &cp
	}
	return nil
}

func (m *memEntitlementRepo) ApplyProviderState(_ context.Context, userID int64, state models.ProviderState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applyCalls++
	rec, ok := m.records[userID]
	if !ok {
		return repositories.ErrNotFound
	}
	rec.Status = state.Status
	rec.Provider = state.Provider
	if state.Tier != "" {
		rec.Tier = state.Tier
	}
	rec.StripeCustomerID = state.StripeCustomerID
	rec.StripeSubscriptionID = state.StripeSubscriptionID
	rec.AppleOriginalTransactionID = state.AppleOriginalTransactionID
	rec.AppleReceiptBlob = state.AppleReceiptBlob
	rec.GooglePurchaseToken = state.GooglePurchaseToken
	rec.GoogleOrderID = state.GoogleOrderID
	rec.GoogleProductID = state.GoogleProductID
	rec.PeriodStart = state.PeriodStart
	rec.PeriodEnd = state.PeriodEnd
	rec.RenewAt = state.RenewAt
	rec.HasEntitlement = rec.Status.Entitles() || rec.OperatorOverride
	return nil
}

func (m *memEntitlementRepo) SetOperatorOverride(_ context.Context, userID int64, override bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[userID]
	if !ok {
		return repositories.ErrNotFound
	}
	rec.OperatorOverride = override
	rec.HasEntitlement = rec.Status.Entitles() || override
	return nil
}

func (m *memEntitlementRepo) ListActiveUserIDs(context.Context) ([]int64, error) { return nil, nil }

func (m *memEntitlementRepo) IncrementUsage(_ context.Context, userID int64, kind models.UnitKind) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[userID]
	if !ok {
		return repositories.ErrNotFound
	}
	if kind == models.UnitImage {
		rec.ImagesUsed++
	} else {
		rec.RecipesUsed++
	}
	return nil
}

func (m *memEntitlementRepo) ResetUsageForNewMonth(context.Context, int64, time.Time) error {
	return nil
}

var _ repositories.EntitlementRepository = (*memEntitlementRepo)(nil)

func newWebhookFixture(t *testing.T) (*WebhookHandler, *memEntitlementRepo, *gin.Engine) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	repo := newMemRepo()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reconciler := services.NewReconciler(repo, nil, logger)
	billing := services.NewBillingService(repo, reconciler, map[models.Tier]string{
		models.TierMonthly: "price_monthly",
		models.TierAnnual:  "price_annual",
	}, logger)

	h, err := NewWebhookHandler(reconciler, repo, billing, testStripeSecret, testAppleSecret, testGoogleSecret, logger)
	if err != nil {
		t.Fatalf("NewWebhookHandler: %v", err)
	}

	r := gin.New()
	r.POST("/webhooks/stripe", h.HandleStripe)
	r.POST("/webhooks/apple", h.HandleApple)
	r.POST("/webhooks/google", h.HandleGoogle)
	return h, repo, r
}

func stripeSignature(payload []byte, secret string) string {
	ts := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", ts, payload)
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func stripeSubscriptionPayload(t *testing.T, eventType, subStatus string, userID int64) []byte {
	t.Helper()
	periodEnd := time.Now().Add(30 * 24 * time.Hour).Unix()
	event := map[string]any{
		"id":          "evt_test_1",
		"api_version": stripe.APIVersion,
		"type":        eventType,
		"data": map[string]any{
			"object": map[string]any{
				"id":                   "sub_test_1",
				"status":               subStatus,
				"customer":             "cus_test_1",
				"metadata":             map[string]string{"user_id": fmt.Sprintf("%d", userID)},
				"current_period_start": time.Now().Unix(),
				"current_period_end":   periodEnd,
				"cancel_at_period_end": false,
				"items": map[string]any{
					"data": []map[string]any{
						{"price": map[string]any{"id": "price_monthly"}},
					},
				},
			},
		},
	}
	payload, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return payload
}

func TestHandleStripe_SubscriptionUpdatedActivatesUser(t *testing.T) {
	_, repo, r := newWebhookFixture(t)

	payload := stripeSubscriptionPayload(t, "customer.subscription.updated", "active", 42)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", stripeSignature(payload, testStripeSecret))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	rec, err := repo.GetByUserID(context.Background(), 42)
	if err != nil {
		t.Fatalf("record not created: %v", err)
	}
	if rec.Status != models.StatusActive {
		t.Errorf("status = %s, want active", rec.Status)
	}
	if rec.Provider != models.ProviderStripe {
		t.Errorf("provider = %s, want stripe", rec.Provider)
	}
	if !rec.HasEntitlement {
		t.Error("has_entitlement = false")
	}
	if rec.Tier != models.TierMonthly {
		t.Errorf("tier = %s, want monthly (resolved from price id)", rec.Tier)
	}
	if rec.StripeSubscriptionID == nil || *rec.StripeSubscriptionID != "sub_test_1" {
		t.Error("subscription linkage not stored")
	}
}

func TestHandleStripe_DeletedCancels(t *testing.T) {
	_, repo, r := newWebhookFixture(t)

	payload := stripeSubscriptionPayload(t, "customer.subscription.deleted", "canceled", 42)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", stripeSignature(payload, testStripeSecret))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	rec, err := repo.GetByUserID(context.Background(), 42)
	if err != nil {
		t.Fatalf("record not created: %v", err)
	}
	if rec.Status != models.StatusCanceled || rec.HasEntitlement {
		t.Errorf("state = %s/%v, want canceled/false", rec.Status, rec.HasEntitlement)
	}
}

func TestHandleStripe_BadSignatureRejected(t *testing.T) {
	_, repo, r := newWebhookFixture(t)

	payload := stripeSubscriptionPayload(t, "customer.subscription.updated", "active", 42)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", stripeSignature(payload, "whsec_wrong_secret"))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if repo.applyCalls != 0 {
		t.Error("an unsigned event reached the state store")
	}
}

func TestHandleStripe_UnassociatedEventAcknowledged(t *testing.T) {
	_, repo, r := newWebhookFixture(t)

	payload := stripeSubscriptionPayload(t, "customer.subscription.updated", "active", 0)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", stripeSignature(payload, testStripeSecret))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	// Acknowledged so the provider stops retrying; nothing written.
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if repo.applyCalls != 0 {
		t.Error("unassociated event wrote state")
	}
}

func appleNotificationPayload(t *testing.T, notificationType, password, otxID, expiresMS string) []byte {
	t.Helper()
	payload, err := json.Marshal(map[string]any{
		"notification_type": notificationType,
		"password":          password,
		"unified_receipt": map[string]any{
			"latest_receipt": "updated-receipt-blob",
			"latest_receipt_info": []map[string]string{
				{
					"original_transaction_id": otxID,
					"expires_date_ms":         expiresMS,
					"product_id":              "com.flavr.monthly",
				},
			},
		},
	})
	if err != nil {
		t.Fatalf("marshal notification: %v", err)
	}
	return payload
}

func TestHandleApple_RenewalExtendsPeriod(t *testing.T) {
	_, repo, r := newWebhookFixture(t)

	otx := "1000000555"
	repo.put(&models.EntitlementRecord{
		UserID:                     7,
		Status:                     models.StatusActive,
		Tier:                       models.TierMonthly,
		Provider:                   models.ProviderApple,
		AppleOriginalTransactionID: &otx,
		HasEntitlement:             true,
	})

	newExpiry := time.Now().Add(30 * 24 * time.Hour)
	payload := appleNotificationPayload(t, "DID_RENEW", testAppleSecret, otx,
		fmt.Sprintf("%d", newExpiry.UnixMilli()))
	req := httptest.NewRequest(http.MethodPost, "/webhooks/apple", bytes.NewReader(payload))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	rec, _ := repo.GetByUserID(context.Background(), 7)
	if rec.Status != models.StatusActive || !rec.HasEntitlement {
		t.Errorf("state = %s/%v", rec.Status, rec.HasEntitlement)
	}
	if rec.PeriodEnd == nil || rec.PeriodEnd.UnixMilli() != newExpiry.UnixMilli() {
		t.Error("period end not extended by renewal")
	}
	if rec.AppleReceiptBlob == nil || *rec.AppleReceiptBlob != "updated-receipt-blob" {
		t.Error("refreshed receipt not stored")
	}
}

func TestHandleApple_CancelDeactivates(t *testing.T) {
	_, repo, r := newWebhookFixture(t)

	otx := "1000000556"
	repo.put(&models.EntitlementRecord{
		UserID:                     8,
		Status:                     models.StatusActive,
		Provider:                   models.ProviderApple,
		AppleOriginalTransactionID: &otx,
		HasEntitlement:             true,
	})

	payload := appleNotificationPayload(t, "CANCEL", testAppleSecret, otx, "0")
	req := httptest.NewRequest(http.MethodPost, "/webhooks/apple", bytes.NewReader(payload))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	rec, _ := repo.GetByUserID(context.Background(), 8)
	if rec.Status != models.StatusCanceled || rec.HasEntitlement {
		t.Errorf("state = %s/%v, want canceled/false", rec.Status, rec.HasEntitlement)
	}
}

func TestHandleApple_WrongSharedSecretRejected(t *testing.T) {
	_, repo, r := newWebhookFixture(t)

	payload := appleNotificationPayload(t, "DID_RENEW", "wrong-secret", "1000000557", "0")
	req := httptest.NewRequest(http.MethodPost, "/webhooks/apple", bytes.NewReader(payload))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
	if repo.applyCalls != 0 {
		t.Error("unauthenticated notification wrote state")
	}
}

func googleNotificationPayload(t *testing.T, notificationType int, purchaseToken string) []byte {
	t.Helper()
	note, err := json.Marshal(map[string]any{
		"packageName": "com.flavr.app",
		"subscriptionNotification": map[string]any{
			"notificationType": notificationType,
			"purchaseToken":    purchaseToken,
			"subscriptionId":   "flavr_monthly",
		},
	})
	if err != nil {
		t.Fatalf("marshal notification: %v", err)
	}
	payload, err := json.Marshal(map[string]any{
		"message": map[string]string{
			"data": base64.StdEncoding.EncodeToString(note),
		},
	})
	if err != nil {
		t.Fatalf("marshal push envelope: %v", err)
	}
	return payload
}

func googleSignature(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestHandleGoogle_CanceledNotification(t *testing.T) {
	_, repo, r := newWebhookFixture(t)

	token := "gpa-token-1"
	repo.put(&models.EntitlementRecord{
		UserID:              9,
		Status:              models.StatusActive,
		Provider:            models.ProviderGoogle,
		GooglePurchaseToken: &token,
		HasEntitlement:      true,
	})

	payload := googleNotificationPayload(t, 3, token)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/google", bytes.NewReader(payload))
	req.Header.Set("X-Notification-Signature", googleSignature(payload, testGoogleSecret))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	rec, _ := repo.GetByUserID(context.Background(), 9)
	if rec.Status != models.StatusCanceled || rec.HasEntitlement {
		t.Errorf("state = %s/%v, want canceled/false", rec.Status, rec.HasEntitlement)
	}
}

func TestHandleGoogle_BadSignatureRejected(t *testing.T) {
	_, repo, r := newWebhookFixture(t)

	payload := googleNotificationPayload(t, 3, "gpa-token-2")
	req := httptest.NewRequest(http.MethodPost, "/webhooks/google", bytes.NewReader(payload))
	req.Header.Set("X-Notification-Signature", "deadbeef")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
	if repo.applyCalls != 0 {
		t.Error("unsigned notification wrote state")
	}
}

func TestHandleGoogle_UnknownTokenAcknowledged(t *testing.T) {
	_, repo, r := newWebhookFixture(t)

	payload := googleNotificationPayload(t, 4, "gpa-token-unknown")
	req := httptest.NewRequest(http.MethodPost, "/webhooks/google", bytes.NewReader(payload))
	req.Header.Set("X-Notification-Signature", googleSignature(payload, testGoogleSecret))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if repo.applyCalls != 0 {
		t.Error("unlinked purchase token wrote state")
	}
}
