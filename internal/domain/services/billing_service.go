package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/checkout/session"
	"github.com/stripe/stripe-go/v79/customer"
	"github.com/stripe/stripe-go/v79/subscription"

	"github.com/sunfac/flavr-sub002/internal/domain/models"
	"github.com/sunfac/flavr-sub002/internal/domain/repositories"
)

// BillingService starts and ends Stripe subscriptions. Local state changes
// still go through absolute provider-state writes, the same path webhooks
// use, so a checkout and its webhook landing in either order converge.
type BillingService struct {
	repo       repositories.EntitlementRepository
	reconciler *Reconciler
	prices     map[models.Tier]string
	logger     *slog.Logger
}

func NewBillingService(repo repositories.EntitlementRepository, reconciler *Reconciler, prices map[models.Tier]string, logger *slog.Logger) *BillingService {
	if logger == nil {
		logger = slog.Default()
	}
	return &BillingService{
		repo:       repo,
		reconciler: reconciler,
		prices:     prices,
		logger:     logger,
	}
}

// TierForPriceID resolves a Stripe price id back to a tier; webhook
// classification uses it to derive the tier a subscription grants.
func (s *BillingService) TierForPriceID(priceID string) (models.Tier, bool) {
	for tier, id := range s.prices {
		if id == priceID {
			return tier, true
		}
	}
	return "", false
}

func (s *BillingService) CreateCheckoutSession(ctx context.Context, userID int64, email string, tier models.Tier, successURL, cancelURL string) (string, string, error) {
	priceID, ok := s.prices[tier]
	if !ok || priceID == "" {
		return "", "", fmt.Errorf("no price configured for tier %s", tier)
	}

	customerID, err := s.getOrCreateCustomer(ctx, userID, email)
	if err != nil {
		return "", "", fmt.Errorf("failed to get customer: %w", err)
	}

	params := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		Customer:   stripe.String(customerID),
		SuccessURL: stripe.String(successURL + "?session_id={CHECKOUT_SESSION_ID}"),
		CancelURL:  stripe.String(cancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(priceID),
				Quantity: stripe.Int64(1),
			},
		},
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: map[string]string{
				"user_id": strconv.FormatInt(userID, 10),
			},
		},
		Metadata: map[string]string{
			"user_id": strconv.FormatInt(userID, 10),
			"tier":    string(tier),
		},
	}
	params.Context = ctx

	sess, err := session.New(params)
	if err != nil {
		return "", "", fmt.Errorf("failed to create checkout session: %w", err)
	}

	return sess.URL, sess.ID, nil
}

func (s *BillingService) CancelSubscription(ctx context.Context, userID int64, cancelAtPeriodEnd bool) error {
	rec, err := s.repo.GetByUserID(ctx, userID)
	if err != nil {
		return fmt.Errorf("entitlement record not found: %w", err)
	}

	if rec.Provider != models.ProviderStripe || rec.StripeSubscriptionID == nil {
		return fmt.Errorf("no stripe subscription on record for user %d", userID)
	}

	var stripeSub *stripe.Subscription
	if cancelAtPeriodEnd {
		params := &stripe.SubscriptionParams{CancelAtPeriodEnd: stripe.Bool(true)}
		params.Context = ctx
		stripeSub, err = subscription.Update(*rec.StripeSubscriptionID, params)
	} else {
		params := &stripe.SubscriptionCancelParams{}
		params.Context = ctx
		stripeSub, err = subscription.Cancel(*rec.StripeSubscriptionID, params)
	}
	if err != nil {
		return fmt.Errorf("failed to cancel subscription in stripe: %w", err)
	}

	state := providerStateFromRecord(rec)
	state.Status = StatusFromStripe(stripeSub.Status)
	if stripeSub.CurrentPeriodEnd > 0 {
		end := time.Unix(stripeSub.CurrentPeriodEnd, 0)
		state.PeriodEnd = &end
	}
	if cancelAtPeriodEnd {
		state.RenewAt = nil
	}

	if err := s.repo.ApplyProviderState(ctx, userID, state); err != nil {
		return fmt.Errorf("failed to record cancellation: %w", err)
	}

	s.logger.Info("subscription canceled",
		"user_id", userID,
		"at_period_end", cancelAtPeriodEnd,
		"stripe_status", stripeSub.Status,
	)
	return nil
}

func (s *BillingService) getOrCreateCustomer(ctx context.Context, userID int64, email string) (string, error) {
	rec, err := s.repo.GetByUserID(ctx, userID)
	if err == nil && rec.StripeCustomerID != nil && *rec.StripeCustomerID != "" {
		return *rec.StripeCustomerID, nil
	}
	if err != nil && !errors.Is(err, repositories.ErrNotFound) {
		return "", err
	}

	params := &stripe.CustomerParams{
		Email: stripe.String(email),
		Metadata: map[string]string{
			"user_id": strconv.FormatInt(userID, 10),
		},
	}
	params.Context = ctx

	cust, err := customer.New(params)
	if err != nil {
		return "", fmt.Errorf("failed to create stripe customer: %w", err)
	}

	return cust.ID, nil
}
