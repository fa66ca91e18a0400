package handlers

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/sunfac/flavr-sub002/internal/domain/models"
	"github.com/sunfac/flavr-sub002/internal/domain/repositories"
	"github.com/sunfac/flavr-sub002/internal/domain/services"
)

type EntitlementHandler struct {
	reconciler *services.Reconciler
	quota      *services.QuotaService
	billing    *services.BillingService
	repo       repositories.EntitlementRepository
	apple      *services.AppleVerifier
	google     *services.GoogleVerifier
	logger     *slog.Logger
}

func NewEntitlementHandler(
	reconciler *services.Reconciler,
	quota *services.QuotaService,
	billing *services.BillingService,
	repo repositories.EntitlementRepository,
	apple *services.AppleVerifier,
	google *services.GoogleVerifier,
	logger *slog.Logger,
) *EntitlementHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &EntitlementHandler{
		reconciler: reconciler,
		quota:      quota,
		billing:    billing,
		repo:       repo,
		apple:      apple,
		google:     google,
		logger:     logger,
	}
}

func (h *EntitlementHandler) GetEntitlement(c *gin.Context) {
	userID := c.GetInt64("user_id")

	rec, err := h.repo.GetByUserID(c.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			rec = models.NewEntitlementRecord(userID)
			if err := h.repo.Create(c.Request.Context(), rec); err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create entitlement record"})
				return
			}
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load entitlement"})
			return
		}
	}

	c.JSON(http.StatusOK, rec)
}

func (h *EntitlementHandler) SyncEntitlement(c *gin.Context) {
	userID := c.GetInt64("user_id")

	outcome, err := h.reconciler.ReconcileOne(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("on-demand reconciliation failed", "user_id", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "reconciliation failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"outcome": outcome})
}

type quotaRequest struct {
	Kind models.UnitKind `json:"kind"`
}

func (h *EntitlementHandler) CheckQuota(c *gin.Context) {
	var req quotaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	if req.Kind == "" {
		req.Kind = models.UnitRecipe
	}

	identity, err := h.identityFrom(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	decision, err := h.quota.CanGenerate(c.Request.Context(), identity, req.Kind)
	if err != nil {
		h.logger.Error("quota check failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "quota check failed"})
		return
	}

	c.JSON(http.StatusOK, decision)
}

func (h *EntitlementHandler) ConsumeQuota(c *gin.Context) {
	var req quotaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	if req.Kind == "" {
		req.Kind = models.UnitRecipe
	}

	identity, err := h.identityFrom(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.quota.RecordConsumption(c.Request.Context(), identity, req.Kind); err != nil {
		h.logger.Error("failed to record consumption", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to record consumption"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"recorded": true})
}

type checkoutRequest struct {
	Tier       models.Tier `json:"tier"`
	SuccessURL string      `json:"success_url"`
	CancelURL  string      `json:"cancel_url"`
}

func (h *EntitlementHandler) CreateCheckout(c *gin.Context) {
	var req checkoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	if !req.Tier.Paid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "tier must be monthly or annual"})
		return
	}

	userID := c.GetInt64("user_id")
	email := c.GetString("user_email")

	url, sessionID, err := h.billing.CreateCheckoutSession(c.Request.Context(), userID, email, req.Tier, req.SuccessURL, req.CancelURL)
	if err != nil {
		h.logger.Error("failed to create checkout session", "user_id", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create checkout session"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"checkout_url": url,
		"session_id":   sessionID,
	})
}

type cancelRequest struct {
	CancelAtPeriodEnd bool `json:"cancel_at_period_end"`
}

func (h *EntitlementHandler) CancelSubscription(c *gin.Context) {
	var req cancelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	userID := c.GetInt64("user_id")
	if err := h.billing.CancelSubscription(c.Request.Context(), userID, req.CancelAtPeriodEnd); err != nil {
		h.logger.Error("failed to cancel subscription", "user_id", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to cancel subscription"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"canceled": true})
}

type appleLinkRequest struct {
	ReceiptData string `json:"receipt_data"`
}

// LinkAppleReceipt registers an App Store purchase against the caller's
// account: verify the receipt first, then write the resulting state through
// the same absolute-SET path webhooks use.
func (h *EntitlementHandler) LinkAppleReceipt(c *gin.Context) {
	var req appleLinkRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.ReceiptData == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "receipt_data is required"})
		return
	}

	userID := c.GetInt64("user_id")

	info, err := h.apple.VerifyReceipt(c.Request.Context(), req.ReceiptData)
	if err != nil {
		h.logger.Warn("apple receipt verification failed", "user_id", userID, "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "receipt could not be verified"})
		return
	}

	status := models.StatusInactive
	if info.Result.Active {
		status = models.StatusActive
	}

	receipt := req.ReceiptData
	end := info.Result.ExpiresAt
	state := models.ProviderState{
		Provider:                   models.ProviderApple,
		Status:                     status,
		Tier:                       tierForProductID(info.ProductID),
		AppleOriginalTransactionID: &info.OriginalTransactionID,
		AppleReceiptBlob:           &receipt,
		PeriodEnd:                  &end,
	}
	if status.Entitles() {
		state.RenewAt = &end
	}

	event := &models.ProviderEvent{
		ID:     "apple:link:" + uuid.NewString(),
		Kind:   models.EventSubscriptionCreated,
		UserID: userID,
		State:  state,
	}

	if err := h.reconciler.ApplyProviderEvent(c.Request.Context(), event); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to link purchase"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": status, "expires_at": info.Result.ExpiresAt})
}

type googleLinkRequest struct {
	PurchaseToken string `json:"purchase_token"`
	ProductID     string `json:"product_id"`
	OrderID       string `json:"order_id"`
}

// LinkGooglePurchase registers a Play Billing purchase the same way. The
// verifier is nil in deployments without a service-account credential.
func (h *EntitlementHandler) LinkGooglePurchase(c *gin.Context) {
	if h.google == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "play purchases are not enabled"})
		return
	}

	var req googleLinkRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.PurchaseToken == "" || req.ProductID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "purchase_token and product_id are required"})
		return
	}

	userID := c.GetInt64("user_id")

	probe := &models.EntitlementRecord{
		UserID:              userID,
		GooglePurchaseToken: &req.PurchaseToken,
		GoogleProductID:     &req.ProductID,
	}
	result, err := h.google.Verify(c.Request.Context(), probe)
	if err != nil {
		h.logger.Warn("google purchase verification failed", "user_id", userID, "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "purchase could not be verified"})
		return
	}

	status := models.StatusInactive
	if result.Active {
		status = models.StatusActive
	}

	end := result.ExpiresAt
	state := models.ProviderState{
		Provider:            models.ProviderGoogle,
		Status:              status,
		Tier:                tierForProductID(req.ProductID),
		GooglePurchaseToken: &req.PurchaseToken,
		GoogleProductID:     &req.ProductID,
		PeriodEnd:           &end,
	}
	if req.OrderID != "" {
		state.GoogleOrderID = &req.OrderID
	}
	if status.Entitles() {
		state.RenewAt = &end
	}

	event := &models.ProviderEvent{
		ID:     "google:link:" + uuid.NewString(),
		Kind:   models.EventSubscriptionCreated,
		UserID: userID,
		State:  state,
	}

	if err := h.reconciler.ApplyProviderEvent(c.Request.Context(), event); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to link purchase"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": status, "expires_at": result.ExpiresAt})
}

func (h *EntitlementHandler) identityFrom(c *gin.Context) (services.Identity, error) {
	if userID := c.GetInt64("user_id"); userID > 0 {
		return services.Identity{UserID: userID}, nil
	}

	pseudoID := c.GetHeader("X-Pseudo-Id")
	if pseudoID == "" {
		return services.Identity{}, fmt.Errorf("authentication or X-Pseudo-Id header required")
	}

	return services.Identity{
		PseudoID:    pseudoID,
		Fingerprint: c.GetHeader("X-Client-Fingerprint"),
	}, nil
}

// tierForProductID maps a store product id onto a tier by naming
// convention; store SKUs embed the billing cycle.
func tierForProductID(productID string) models.Tier {
	switch {
	case strings.Contains(productID, "annual"), strings.Contains(productID, "yearly"):
		return models.TierAnnual
	case strings.Contains(productID, "monthly"):
		return models.TierMonthly
	default:
		return ""
	}
}

// Health is the liveness endpoint.
func Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": "entitlement-service",
		"time":    time.Now(),
	})
}
