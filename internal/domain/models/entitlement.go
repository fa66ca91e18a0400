package models

import (
	"time"
)

type EntitlementStatus string

const (
	StatusNone       EntitlementStatus = "none"
	StatusIncomplete EntitlementStatus = "incomplete"
	StatusActive     EntitlementStatus = "active"
	StatusTrialing   EntitlementStatus = "trialing"
	StatusPastDue    EntitlementStatus = "past_due"
	StatusCanceled   EntitlementStatus = "canceled"
	StatusInactive   EntitlementStatus = "inactive"
)

// Entitles reports whether the status alone grants paid access.
func (s EntitlementStatus) Entitles() bool {
	return s == StatusActive || s == StatusTrialing
}

type Tier string

const (
	TierFree    Tier = "free"
	TierMonthly Tier = "monthly"
	TierAnnual  Tier = "annual"
)

func (t Tier) Paid() bool {
	return t == TierMonthly || t == TierAnnual
}

type Provider string

const (
	ProviderNone   Provider = "none"
	ProviderStripe Provider = "stripe"
	ProviderApple  Provider = "apple"
	ProviderGoogle Provider = "google"
)

// Unlimited marks a counter that is never exhausted.
const Unlimited int64 = -1

type UnitLimits struct {
	Recipes int64 `json:"recipes"`
	Images  int64 `json:"images"`
}

var tierLimits = map[Tier]UnitLimits{
	TierFree:    {Recipes: 3, Images: 3},
	TierMonthly: {Recipes: 60, Images: 30},
	TierAnnual:  {Recipes: 60, Images: 30},
}

func LimitsForTier(t Tier) UnitLimits {
	if l, ok := tierLimits[t]; ok {
		return l
	}
	return tierLimits[TierFree]
}

func OverrideLimits() UnitLimits {
	return UnitLimits{Recipes: Unlimited, Images: Unlimited}
}

type UnitKind string

const (
	UnitRecipe UnitKind = "recipe"
	UnitImage  UnitKind = "image"
)

type EntitlementRecord struct {
	UserID         int64             `json:"user_id" db:"user_id"`
	HasEntitlement bool              `json:"has_entitlement" db:"has_entitlement"`
	Status         EntitlementStatus `json:"status" db:"status"`
	Tier           Tier              `json:"tier" db:"tier"`
	Provider       Provider          `json:"provider" db:"provider"`

	StripeCustomerID     *string `json:"stripe_customer_id,omitempty" db:"stripe_customer_id"`
	StripeSubscriptionID *string `json:"stripe_subscription_id,omitempty" db:"stripe_subscription_id"`

	AppleOriginalTransactionID *string `json:"apple_original_transaction_id,omitempty" db:"apple_original_transaction_id"`
	AppleReceiptBlob           *string `json:"-" db:"apple_receipt_blob"`

	GooglePurchaseToken *string `json:"google_purchase_token,omitempty" db:"google_purchase_token"`
	GoogleOrderID       *string `json:"google_order_id,omitempty" db:"google_order_id"`
	GoogleProductID     *string `json:"google_product_id,omitempty" db:"google_product_id"`

	PeriodStart *time.Time `json:"period_start,omitempty" db:"period_start"`
	PeriodEnd   *time.Time `json:"period_end,omitempty" db:"period_end"`
	RenewAt     *time.Time `json:"renew_at,omitempty" db:"renew_at"`

	RecipeLimit  int64     `json:"recipe_limit" db:"recipe_limit"`
	ImageLimit   int64     `json:"image_limit" db:"image_limit"`
	RecipesUsed  int64     `json:"recipes_used" db:"recipes_used"`
	ImagesUsed   int64     `json:"images_used" db:"images_used"`
	UsageResetAt time.Time `json:"usage_reset_at" db:"usage_reset_at"`

	OperatorOverride bool `json:"operator_override" db:"operator_override"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// DeriveHasEntitlement is the only valid derivation of the cached flag.
func (r *EntitlementRecord) DeriveHasEntitlement() bool {
	return r.Status.Entitles() || r.OperatorOverride
}

// PeriodCurrent reports whether the locally stored period has not lapsed.
// A missing period end is treated as current; expiry is the provider's call.
func (r *EntitlementRecord) PeriodCurrent(now time.Time) bool {
	return r.PeriodEnd == nil || now.Before(*r.PeriodEnd)
}

func (r *EntitlementRecord) Limits() UnitLimits {
	if r.OperatorOverride {
		return OverrideLimits()
	}
	if r.HasEntitlement {
		return UnitLimits{Recipes: r.RecipeLimit, Images: r.ImageLimit}
	}
	return LimitsForTier(TierFree)
}

func NewEntitlementRecord(userID int64) *EntitlementRecord {
	free := LimitsForTier(TierFree)
	return &EntitlementRecord{
		UserID:       userID,
		Status:       StatusNone,
		Tier:         TierFree,
		Provider:     ProviderNone,
		RecipeLimit:  free.Recipes,
		ImageLimit:   free.Images,
		UsageResetAt: time.Now().UTC(),
	}
}
