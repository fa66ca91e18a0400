package repositories

import (
	"context"
	"time"

	"github.com/sunfac/flavr-sub002/internal/domain/models"
)

type PseudoIdentityRepository interface {
	// GetOrCreate returns the identity for a client-supplied token, creating
	// it with the fixed anonymous allowance on first sight.
	GetOrCreate(ctx context.Context, pseudoID, fingerprint string) (*models.PseudoIdentity, error)

	// IncrementRecipes adds one to the recipe counter atomically.
	IncrementRecipes(ctx context.Context, pseudoID string) error

	// ResetForNewMonth zeroes the counter iff usage_reset_at falls in an
	// earlier calendar month than now.
	ResetForNewMonth(ctx context.Context, pseudoID string, now time.Time) error
}
