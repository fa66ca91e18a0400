package services

import (
	"testing"

	"github.com/stripe/stripe-go/v79"

	"github.com/sunfac/flavr-sub002/internal/domain/models"
)

func TestStatusFromStripe(t *testing.T) {
	cases := []struct {
		in   stripe.SubscriptionStatus
		want models.EntitlementStatus
	}{
		{stripe.SubscriptionStatusActive, models.StatusActive},
		{stripe.SubscriptionStatusTrialing, models.StatusTrialing},
		{stripe.SubscriptionStatusPastDue, models.StatusPastDue},
		{stripe.SubscriptionStatusCanceled, models.StatusCanceled},
		{stripe.SubscriptionStatusIncomplete, models.StatusIncomplete},
		// Statuses with no local counterpart must never be written verbatim.
		{stripe.SubscriptionStatusUnpaid, models.StatusInactive},
		{stripe.SubscriptionStatusPaused, models.StatusInactive},
		{stripe.SubscriptionStatusIncompleteExpired, models.StatusInactive},
		{stripe.SubscriptionStatus("something_new"), models.StatusInactive},
	}
	for _, tc := range cases {
		if got := StatusFromStripe(tc.in); got != tc.want {
			t.Errorf("StatusFromStripe(%s) = %s, want %s", tc.in, got, tc.want)
		}
	}
}
