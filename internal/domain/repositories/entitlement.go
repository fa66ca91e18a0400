package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/sunfac/flavr-sub002/internal/domain/models"
)

var ErrNotFound = errors.New("record not found")

type EntitlementRepository interface {
	GetByUserID(ctx context.Context, userID int64) (*models.EntitlementRecord, error)

	// GetByProviderRef resolves a record from a provider-side identifier:
	// the Stripe subscription id, the Apple original transaction id, or the
	// Google purchase token, depending on provider.
	GetByProviderRef(ctx context.Context, provider models.Provider, ref string) (*models.EntitlementRecord, error)

	Create(ctx context.Context, rec *models.EntitlementRecord) error

	// ApplyProviderState writes the absolute provider state for a user in a
	// single statement, recomputing has_entitlement from status and the
	// operator override flag. Replaying the same state is a no-op.
	ApplyProviderState(ctx context.Context, userID int64, state models.ProviderState) error

	SetOperatorOverride(ctx context.Context, userID int64, override bool) error

	// ListActiveUserIDs returns users whose local status still entitles them
	// and who are linked to a provider; the sync job reconciles these.
	ListActiveUserIDs(ctx context.Context) ([]int64, error)

	// IncrementUsage adds one to the counter for kind with an atomic add.
	IncrementUsage(ctx context.Context, userID int64, kind models.UnitKind) error

	// ResetUsageForNewMonth zeroes the counters iff usage_reset_at falls in
	// an earlier calendar month than now. The month gate lives in the
	// statement itself so the reset happens exactly once under concurrency.
	ResetUsageForNewMonth(ctx context.Context, userID int64, now time.Time) error
}
