package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sunfac/flavr-sub002/internal/domain/models"
	"github.com/sunfac/flavr-sub002/internal/domain/repositories"
)

type entitlementRepository struct {
	db *PostgresDB
}

func NewEntitlementRepository(db *PostgresDB) repositories.EntitlementRepository {
	return &entitlementRepository{db: db}
}

const entitlementColumns = `user_id, has_entitlement, status, tier, provider,
       stripe_customer_id, stripe_subscription_id,
       apple_original_transaction_id, apple_receipt_blob,
       google_purchase_token, google_order_id, google_product_id,
       period_start, period_end, renew_at,
       recipe_limit, image_limit, recipes_used, images_used, usage_reset_at,
       operator_override, created_at, updated_at`

func (r *entitlementRepository) GetByUserID(ctx context.Context, userID int64) (*models.EntitlementRecord, error) {
	var rec models.EntitlementRecord
	query := `SELECT ` + entitlementColumns + ` FROM entitlements WHERE user_id = $1`

	err := r.db.GetContext(ctx, &rec, query, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("entitlement for user %d: %w", userID, repositories.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get entitlement record: %w", err)
	}

	return &rec, nil
}

func (r *entitlementRepository) GetByProviderRef(ctx context.Context, provider models.Provider, ref string) (*models.EntitlementRecord, error) {
	var column string
	switch provider {
	case models.ProviderStripe:
		column = "stripe_subscription_id"
	case models.ProviderApple:
		column = "apple_original_transaction_id"
	case models.ProviderGoogle:
		column = "google_purchase_token"
	default:
		return nil, fmt.Errorf("provider %s has no reference column", provider)
	}

	var rec models.EntitlementRecord
	query := `SELECT ` + entitlementColumns + ` FROM entitlements WHERE ` + column + ` = $1`

	err := r.db.GetContext(ctx, &rec, query, ref)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("entitlement for %s ref %s: %w", provider, ref, repositories.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get entitlement record by provider ref: %w", err)
	}

	return &rec, nil
}

func (r *entitlementRepository) Create(ctx context.Context, rec *models.EntitlementRecord) error {
	query := `
		INSERT INTO entitlements (user_id, has_entitlement, status, tier, provider,
		                          recipe_limit, image_limit, usage_reset_at, operator_override)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (user_id) DO NOTHING`

	_, err := r.db.ExecContext(ctx, query,
		rec.UserID, rec.DeriveHasEntitlement(), rec.Status, rec.Tier, rec.Provider,
		rec.RecipeLimit, rec.ImageLimit, rec.UsageResetAt, rec.OperatorOverride)
	if err != nil {
		return fmt.Errorf("failed to create entitlement record: %w", err)
	}

	return nil
}

// ApplyProviderState is one UPDATE carrying only terminal values. Linkage
// columns for providers other than state.Provider are cleared in the same
// statement; switching providers is an overwrite, never a merge. The
// has_entitlement flag is recomputed inside the statement so no caller can
// desynchronize it, and a replay of the same state is a no-op.
func (r *entitlementRepository) ApplyProviderState(ctx context.Context, userID int64, state models.ProviderState) error {
	var (
		stripeCustomerID, stripeSubscriptionID *string
		appleOriginalTxID, appleReceiptBlob    *string
		googleToken, googleOrderID, googleProd *string
	)
	switch state.Provider {
	case models.ProviderStripe:
		stripeCustomerID = state.StripeCustomerID
		stripeSubscriptionID = state.StripeSubscriptionID
	case models.ProviderApple:
		appleOriginalTxID = state.AppleOriginalTransactionID
		appleReceiptBlob = state.AppleReceiptBlob
	case models.ProviderGoogle:
		googleToken = state.GooglePurchaseToken
		googleOrderID = state.GoogleOrderID
		googleProd = state.GoogleProductID
	}

	limits := models.LimitsForTier(state.Tier)

	query := `
		UPDATE entitlements SET
		    status = $2,
		    tier = CASE WHEN $3 = '' THEN tier ELSE $3 END,
		    provider = $4,
		    stripe_customer_id = $5,
		    stripe_subscription_id = $6,
		    apple_original_transaction_id = $7,
		    apple_receipt_blob = $8,
		    google_purchase_token = $9,
		    google_order_id = $10,
		    google_product_id = $11,
		    period_start = $12,
		    period_end = $13,
		    renew_at = $14,
		    recipe_limit = CASE WHEN $3 = '' THEN recipe_limit ELSE $15 END,
		    image_limit = CASE WHEN $3 = '' THEN image_limit ELSE $16 END,
		    has_entitlement = ($2 IN ('active', 'trialing')) OR operator_override,
		    updated_at = CURRENT_TIMESTAMP
		WHERE user_id = $1`

	result, err := r.db.ExecContext(ctx, query,
		userID, string(state.Status), string(state.Tier), string(state.Provider),
		stripeCustomerID, stripeSubscriptionID,
		appleOriginalTxID, appleReceiptBlob,
		googleToken, googleOrderID, googleProd,
		state.PeriodStart, state.PeriodEnd, state.RenewAt,
		limits.Recipes, limits.Images)
	if err != nil {
		return fmt.Errorf("failed to apply provider state: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("entitlement for user %d: %w", userID, repositories.ErrNotFound)
	}

	return nil
}

func (r *entitlementRepository) SetOperatorOverride(ctx context.Context, userID int64, override bool) error {
	query := `
		UPDATE entitlements SET
		    operator_override = $2,
		    has_entitlement = (status IN ('active', 'trialing')) OR $2,
		    updated_at = CURRENT_TIMESTAMP
		WHERE user_id = $1`

	result, err := r.db.ExecContext(ctx, query, userID, override)
	if err != nil {
		return fmt.Errorf("failed to set operator override: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("entitlement for user %d: %w", userID, repositories.ErrNotFound)
	}

	return nil
}

func (r *entitlementRepository) ListActiveUserIDs(ctx context.Context) ([]int64, error) {
	var userIDs []int64
	query := `
		SELECT user_id FROM entitlements
		WHERE status IN ('active', 'trialing') AND provider <> 'none'
		ORDER BY user_id`

	if err := r.db.SelectContext(ctx, &userIDs, query); err != nil {
		return nil, fmt.Errorf("failed to list active subscriptions: %w", err)
	}

	return userIDs, nil
}

func (r *entitlementRepository) IncrementUsage(ctx context.Context, userID int64, kind models.UnitKind) error {
	column := "recipes_used"
	if kind == models.UnitImage {
		column = "images_used"
	}

	// Atomic add in the statement itself; two concurrent consumers both
	// land their increment.
	query := `UPDATE entitlements SET ` + column + ` = ` + column + ` + 1, updated_at = CURRENT_TIMESTAMP WHERE user_id = $1`

	result, err := r.db.ExecContext(ctx, query, userID)
	if err != nil {
		return fmt.Errorf("failed to increment %s usage: %w", kind, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("entitlement for user %d: %w", userID, repositories.ErrNotFound)
	}

	return nil
}

func (r *entitlementRepository) ResetUsageForNewMonth(ctx context.Context, userID int64, now time.Time) error {
	// The month gate lives in the WHERE clause so concurrent checks reset
	// the counters at most once.
	query := `
		UPDATE entitlements SET
		    recipes_used = 0,
		    images_used = 0,
		    usage_reset_at = $2,
		    updated_at = CURRENT_TIMESTAMP
		WHERE user_id = $1
		  AND date_trunc('month', usage_reset_at) < date_trunc('month', $2::timestamptz)`

	if _, err := r.db.ExecContext(ctx, query, userID, now); err != nil {
		return fmt.Errorf("failed to reset usage counters: %w", err)
	}

	return nil
}
