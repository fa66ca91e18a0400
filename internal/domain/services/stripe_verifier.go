package services

import (
	"context"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/subscription"

	"github.com/sunfac/flavr-sub002/internal/domain/models"
)

// StatusFromStripe maps a Stripe subscription status onto the local enum.
// Statuses outside the local vocabulary (unpaid, paused, incomplete_expired)
// all mean "not entitled" and collapse to inactive.
func StatusFromStripe(status stripe.SubscriptionStatus) models.EntitlementStatus {
	switch status {
	case stripe.SubscriptionStatusActive:
		return models.StatusActive
	case stripe.SubscriptionStatusTrialing:
		return models.StatusTrialing
	case stripe.SubscriptionStatusPastDue:
		return models.StatusPastDue
	case stripe.SubscriptionStatusCanceled:
		return models.StatusCanceled
	case stripe.SubscriptionStatusIncomplete:
		return models.StatusIncomplete
	default:
		return models.StatusInactive
	}
}

// StripeVerifier checks a subscription by id through the Stripe API. The
// package-global stripe.Key is set at startup.
type StripeVerifier struct{}

func NewStripeVerifier() *StripeVerifier {
	return &StripeVerifier{}
}

func (v *StripeVerifier) Verify(ctx context.Context, rec *models.EntitlementRecord) (*VerificationResult, error) {
	if rec.StripeSubscriptionID == nil || *rec.StripeSubscriptionID == "" {
		return nil, fmt.Errorf("%w: record has no stripe subscription id", ErrVerificationUnknown)
	}

	params := &stripe.SubscriptionParams{}
	params.Context = ctx

	sub, err := subscription.Get(*rec.StripeSubscriptionID, params)
	if err != nil {
		return nil, fmt.Errorf("%w: stripe subscription lookup: %v", ErrVerificationUnknown, err)
	}

	var expiresAt time.Time
	if sub.CurrentPeriodEnd > 0 {
		expiresAt = time.Unix(sub.CurrentPeriodEnd, 0)
	}

	active := sub.Status == stripe.SubscriptionStatusActive || sub.Status == stripe.SubscriptionStatusTrialing

	return &VerificationResult{
		Active:    active,
		ExpiresAt: expiresAt,
		RawStatus: string(sub.Status),
	}, nil
}
