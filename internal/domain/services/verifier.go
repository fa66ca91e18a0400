package services

import (
	"context"
	"errors"
	"time"

	"github.com/sunfac/flavr-sub002/internal/domain/models"
)

// ErrVerificationUnknown marks a verification attempt that neither confirmed
// active nor inactive status. Callers must treat it as "no information" and
// leave local state alone; it is never grounds for revoking access.
var ErrVerificationUnknown = errors.New("verification result unknown")

// VerificationResult is a definitive answer from a provider: whether the
// subscription is active and until when, plus the provider's own status
// string for logging.
type VerificationResult struct {
	Active    bool
	ExpiresAt time.Time
	RawStatus string
}

// Verifier answers whether one provider-side subscription is still active.
// Verifiers are pure reads; all state writes belong to the reconciler.
type Verifier interface {
	Verify(ctx context.Context, rec *models.EntitlementRecord) (*VerificationResult, error)
}
