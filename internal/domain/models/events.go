package models

import "time"

type EventKind string

const (
	EventSubscriptionCreated  EventKind = "subscription_created"
	EventSubscriptionUpdated  EventKind = "subscription_updated"
	EventSubscriptionCanceled EventKind = "subscription_canceled"
	EventInvoicePaid          EventKind = "invoice_paid"
	EventInvoiceFailed        EventKind = "invoice_failed"
)

// ProviderState is the absolute subscription state written for a user.
// Every field is a terminal value, never a delta, so replaying the same
// write is a no-op. Linkage fields are only set for the state's Provider.
type ProviderState struct {
	Provider Provider
	Status   EntitlementStatus
	Tier     Tier

	PeriodStart *time.Time
	PeriodEnd   *time.Time
	RenewAt     *time.Time

	StripeCustomerID     *string
	StripeSubscriptionID *string

	AppleOriginalTransactionID *string
	AppleReceiptBlob           *string

	GooglePurchaseToken *string
	GoogleOrderID       *string
	GoogleProductID     *string
}

// ProviderEvent is a provider webhook parsed into a strict internal shape.
// Raw provider JSON never travels past the ingestion handlers.
type ProviderEvent struct {
	ID     string
	Kind   EventKind
	UserID int64
	State  ProviderState
}
