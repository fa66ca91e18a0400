package handlers

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"

	"github.com/sunfac/flavr-sub002/internal/domain/models"
	"github.com/sunfac/flavr-sub002/internal/domain/repositories"
	"github.com/sunfac/flavr-sub002/internal/domain/services"
)

const maxWebhookBody = 1 << 16

// WebhookHandler turns provider-pushed events into absolute provider-state
// writes. Providers redeliver events at least once and out of order, so
// every path through here must be safe to run twice; that property comes
// from the reconciler's SET semantics, not from deduplicating event ids.
type WebhookHandler struct {
	reconciler   *services.Reconciler
	repo         repositories.EntitlementRepository
	billing      *services.BillingService
	stripeSecret string
	appleSecret  string
	googleSecret string
	logger       *slog.Logger
}

// NewWebhookHandler refuses to construct without every provider secret;
// processing an unsigned webhook is never acceptable.
func NewWebhookHandler(
	reconciler *services.Reconciler,
	repo repositories.EntitlementRepository,
	billing *services.BillingService,
	stripeSecret, appleSecret, googleSecret string,
	logger *slog.Logger,
) (*WebhookHandler, error) {
	if stripeSecret == "" {
		return nil, fmt.Errorf("stripe webhook secret is not configured")
	}
	if appleSecret == "" {
		return nil, fmt.Errorf("apple shared secret is not configured")
	}
	if googleSecret == "" {
		return nil, fmt.Errorf("google notification secret is not configured")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookHandler{
		reconciler:   reconciler,
		repo:         repo,
		billing:      billing,
		stripeSecret: stripeSecret,
		appleSecret:  appleSecret,
		googleSecret: googleSecret,
		logger:       logger,
	}, nil
}

func (h *WebhookHandler) HandleStripe(c *gin.Context) {
	payload, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return
	}

	event, err := webhook.ConstructEvent(payload, c.GetHeader("Stripe-Signature"), h.stripeSecret)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid signature"})
		return
	}

	switch event.Type {
	case "customer.subscription.created", "customer.subscription.updated", "customer.subscription.deleted":
		err = h.handleStripeSubscription(c, &event)
	case "invoice.payment_succeeded", "invoice.payment_failed":
		err = h.handleStripeInvoice(c, &event)
	default:
		h.logger.Info("ignoring stripe event", "event_id", event.ID, "type", event.Type)
		c.JSON(http.StatusOK, gin.H{"received": true})
		return
	}

	if err != nil {
		h.logger.Error("stripe webhook processing failed", "event_id", event.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "processing failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"received": true})
}

func (h *WebhookHandler) handleStripeSubscription(c *gin.Context, event *stripe.Event) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return fmt.Errorf("failed to decode subscription payload: %w", err)
	}

	userID, err := h.stripeUserID(c, sub.Metadata, sub.ID)
	if err != nil {
		// An event we cannot associate is acknowledged, not retried forever.
		h.logger.Warn("stripe event has no user association",
			"event_id", event.ID, "subscription_id", sub.ID)
		return nil
	}

	status := services.StatusFromStripe(sub.Status)
	kind := models.EventSubscriptionUpdated
	switch event.Type {
	case "customer.subscription.created":
		kind = models.EventSubscriptionCreated
	case "customer.subscription.deleted":
		kind = models.EventSubscriptionCanceled
		status = models.StatusCanceled
	}

	state := models.ProviderState{
		Provider: models.ProviderStripe,
		Status:   status,
		Tier:     h.stripeTier(&sub),
	}
	if sub.Customer != nil {
		state.StripeCustomerID = &sub.Customer.ID
	}
	subID := sub.ID
	state.StripeSubscriptionID = &subID
	if sub.CurrentPeriodStart > 0 {
		start := time.Unix(sub.CurrentPeriodStart, 0)
		state.PeriodStart = &start
	}
	if sub.CurrentPeriodEnd > 0 {
		end := time.Unix(sub.CurrentPeriodEnd, 0)
		state.PeriodEnd = &end
		if !sub.CancelAtPeriodEnd && status.Entitles() {
			state.RenewAt = &end
		}
	}

	return h.reconciler.ApplyProviderEvent(c.Request.Context(), &models.ProviderEvent{
		ID:     event.ID,
		Kind:   kind,
		UserID: userID,
		State:  state,
	})
}

func (h *WebhookHandler) handleStripeInvoice(c *gin.Context, event *stripe.Event) error {
	var inv stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
		return fmt.Errorf("failed to decode invoice payload: %w", err)
	}

	if inv.Subscription == nil || inv.Subscription.ID == "" {
		h.logger.Info("ignoring invoice without subscription", "event_id", event.ID)
		return nil
	}

	rec, err := h.repo.GetByProviderRef(c.Request.Context(), models.ProviderStripe, inv.Subscription.ID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			h.logger.Warn("invoice for unknown subscription",
				"event_id", event.ID, "subscription_id", inv.Subscription.ID)
			return nil
		}
		return err
	}

	kind := models.EventInvoicePaid
	status := models.StatusActive
	if event.Type == "invoice.payment_failed" {
		kind = models.EventInvoiceFailed
		status = models.StatusPastDue
	}

	state := models.ProviderState{
		Provider:             models.ProviderStripe,
		Status:               status,
		StripeCustomerID:     rec.StripeCustomerID,
		StripeSubscriptionID: rec.StripeSubscriptionID,
		PeriodStart:          rec.PeriodStart,
		PeriodEnd:            rec.PeriodEnd,
		RenewAt:              rec.RenewAt,
	}
	if len(inv.Lines.Data) > 0 && inv.Lines.Data[0].Period != nil {
		period := inv.Lines.Data[0].Period
		if period.Start > 0 {
			start := time.Unix(period.Start, 0)
			state.PeriodStart = &start
		}
		if period.End > 0 {
			end := time.Unix(period.End, 0)
			state.PeriodEnd = &end
		}
	}

	return h.reconciler.ApplyProviderEvent(c.Request.Context(), &models.ProviderEvent{
		ID:     event.ID,
		Kind:   kind,
		UserID: rec.UserID,
		State:  state,
	})
}

type appleNotification struct {
	NotificationType string `json:"notification_type"`
	Password         string `json:"password"`
	UnifiedReceipt   struct {
		LatestReceipt     string `json:"latest_receipt"`
		LatestReceiptInfo []struct {
			OriginalTransactionID string `json:"original_transaction_id"`
			ExpiresDateMS         string `json:"expires_date_ms"`
			ProductID             string `json:"product_id"`
		} `json:"latest_receipt_info"`
	} `json:"unified_receipt"`
}

func (h *WebhookHandler) HandleApple(c *gin.Context) {
	payload, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return
	}

	var note appleNotification
	if err := json.Unmarshal(payload, &note); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	if subtle.ConstantTimeCompare([]byte(note.Password), []byte(h.appleSecret)) != 1 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid shared secret"})
		return
	}

	if len(note.UnifiedReceipt.LatestReceiptInfo) == 0 {
		h.logger.Warn("apple notification without transactions", "type", note.NotificationType)
		c.JSON(http.StatusOK, gin.H{"received": true})
		return
	}
	latest := note.UnifiedReceipt.LatestReceiptInfo[0]

	rec, err := h.repo.GetByProviderRef(c.Request.Context(), models.ProviderApple, latest.OriginalTransactionID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			h.logger.Warn("apple notification for unknown transaction",
				"type", note.NotificationType, "original_transaction_id", latest.OriginalTransactionID)
			c.JSON(http.StatusOK, gin.H{"received": true})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}

	status, kind := appleNotificationToLocal(note.NotificationType)

	state := models.ProviderState{
		Provider:                   models.ProviderApple,
		Status:                     status,
		AppleOriginalTransactionID: &latest.OriginalTransactionID,
		PeriodStart:                rec.PeriodStart,
		PeriodEnd:                  rec.PeriodEnd,
	}
	if note.UnifiedReceipt.LatestReceipt != "" {
		receipt := note.UnifiedReceipt.LatestReceipt
		state.AppleReceiptBlob = &receipt
	} else {
		state.AppleReceiptBlob = rec.AppleReceiptBlob
	}
	if ms, err := strconv.ParseInt(latest.ExpiresDateMS, 10, 64); err == nil && ms > 0 {
		end := time.UnixMilli(ms)
		state.PeriodEnd = &end
		if status.Entitles() {
			state.RenewAt = &end
		}
	}

	event := &models.ProviderEvent{
		ID:     fmt.Sprintf("apple:%s:%s", note.NotificationType, latest.OriginalTransactionID),
		Kind:   kind,
		UserID: rec.UserID,
		State:  state,
	}

	if err := h.reconciler.ApplyProviderEvent(c.Request.Context(), event); err != nil {
		h.logger.Error("apple notification processing failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "processing failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"received": true})
}

type googleDeveloperNotification struct {
	PackageName              string `json:"packageName"`
	SubscriptionNotification struct {
		NotificationType int    `json:"notificationType"`
		PurchaseToken    string `json:"purchaseToken"`
		SubscriptionID   string `json:"subscriptionId"`
	} `json:"subscriptionNotification"`
}

func (h *WebhookHandler) HandleGoogle(c *gin.Context) {
	payload, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return
	}

	if !h.validGoogleSignature(payload, c.GetHeader("X-Notification-Signature")) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
		return
	}

	var push struct {
		Message struct {
			Data string `json:"data"`
		} `json:"message"`
	}
	if err := json.Unmarshal(payload, &push); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	decoded, err := base64.StdEncoding.DecodeString(push.Message.Data)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid message data"})
		return
	}

	var note googleDeveloperNotification
	if err := json.Unmarshal(decoded, &note); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid notification"})
		return
	}

	sn := note.SubscriptionNotification
	if sn.PurchaseToken == "" {
		h.logger.Info("ignoring google notification without purchase token")
		c.JSON(http.StatusOK, gin.H{"received": true})
		return
	}

	rec, err := h.repo.GetByProviderRef(c.Request.Context(), models.ProviderGoogle, sn.PurchaseToken)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			h.logger.Warn("google notification for unknown purchase token",
				"notification_type", sn.NotificationType)
			c.JSON(http.StatusOK, gin.H{"received": true})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}

	status, kind := googleNotificationToLocal(sn.NotificationType)

	token := sn.PurchaseToken
	state := models.ProviderState{
		Provider:            models.ProviderGoogle,
		Status:              status,
		GooglePurchaseToken: &token,
		GoogleOrderID:       rec.GoogleOrderID,
		PeriodStart:         rec.PeriodStart,
		PeriodEnd:           rec.PeriodEnd,
		RenewAt:             rec.RenewAt,
	}
	if sn.SubscriptionID != "" {
		productID := sn.SubscriptionID
		state.GoogleProductID = &productID
	} else {
		state.GoogleProductID = rec.GoogleProductID
	}

	event := &models.ProviderEvent{
		ID:     fmt.Sprintf("google:%d:%s", sn.NotificationType, sn.PurchaseToken),
		Kind:   kind,
		UserID: rec.UserID,
		State:  state,
	}

	if err := h.reconciler.ApplyProviderEvent(c.Request.Context(), event); err != nil {
		h.logger.Error("google notification processing failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "processing failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"received": true})
}

func (h *WebhookHandler) validGoogleSignature(payload []byte, signature string) bool {
	if signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(h.googleSecret))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// stripeUserID resolves the user for a subscription event: metadata first,
// then the locally stored linkage.
func (h *WebhookHandler) stripeUserID(c *gin.Context, metadata map[string]string, subscriptionID string) (int64, error) {
	if raw, ok := metadata["user_id"]; ok {
		if userID, err := strconv.ParseInt(raw, 10, 64); err == nil && userID > 0 {
			return userID, nil
		}
	}

	rec, err := h.repo.GetByProviderRef(c.Request.Context(), models.ProviderStripe, subscriptionID)
	if err != nil {
		return 0, err
	}
	return rec.UserID, nil
}

func (h *WebhookHandler) stripeTier(sub *stripe.Subscription) models.Tier {
	if sub.Items == nil || len(sub.Items.Data) == 0 || sub.Items.Data[0].Price == nil {
		return ""
	}
	if tier, ok := h.billing.TierForPriceID(sub.Items.Data[0].Price.ID); ok {
		return tier
	}
	return ""
}

func appleNotificationToLocal(notificationType string) (models.EntitlementStatus, models.EventKind) {
	switch notificationType {
	case "INITIAL_BUY":
		return models.StatusActive, models.EventSubscriptionCreated
	case "DID_RENEW", "DID_RECOVER", "INTERACTIVE_RENEWAL":
		return models.StatusActive, models.EventSubscriptionUpdated
	case "DID_FAIL_TO_RENEW":
		return models.StatusPastDue, models.EventInvoiceFailed
	case "CANCEL", "REFUND":
		return models.StatusCanceled, models.EventSubscriptionCanceled
	default:
		return models.StatusInactive, models.EventSubscriptionUpdated
	}
}

func googleNotificationToLocal(notificationType int) (models.EntitlementStatus, models.EventKind) {
	switch notificationType {
	case 4: // SUBSCRIPTION_PURCHASED
		return models.StatusActive, models.EventSubscriptionCreated
	case 1, 2, 7: // RECOVERED, RENEWED, RESTARTED
		return models.StatusActive, models.EventSubscriptionUpdated
	case 6: // IN_GRACE_PERIOD
		return models.StatusPastDue, models.EventInvoiceFailed
	case 3, 12: // CANCELED, REVOKED
		return models.StatusCanceled, models.EventSubscriptionCanceled
	default: // ON_HOLD, EXPIRED, and anything new
		return models.StatusInactive, models.EventSubscriptionUpdated
	}
}
