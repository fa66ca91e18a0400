package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sunfac/flavr-sub002/internal/domain/models"
	"github.com/sunfac/flavr-sub002/internal/domain/repositories"
)

const verifyTimeout = 20 * time.Second

type ReconcileOutcome string

const (
	OutcomeReconciled ReconcileOutcome = "reconciled"
	OutcomeUnchanged  ReconcileOutcome = "unchanged"
	OutcomeUnknown    ReconcileOutcome = "unknown"
	OutcomeNoProvider ReconcileOutcome = "no_provider"
)

// Reconciler is the single authority over entitlement state transitions.
// Webhook ingestion and the sync job both funnel through it; nothing else
// writes status, tier, period, or provider linkage.
type Reconciler struct {
	repo      repositories.EntitlementRepository
	verifiers map[models.Provider]Verifier
	logger    *slog.Logger
}

func NewReconciler(repo repositories.EntitlementRepository, verifiers map[models.Provider]Verifier, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		repo:      repo,
		verifiers: verifiers,
		logger:    logger,
	}
}

// ApplyProviderEvent writes a webhook event's terminal values. Every field
// is an absolute SET, so redelivered events land on the same final state.
func (o *Reconciler) ApplyProviderEvent(ctx context.Context, event *models.ProviderEvent) error {
	if event.UserID == 0 {
		return fmt.Errorf("provider event %s has no user association", event.ID)
	}

	if _, err := o.repo.GetByUserID(ctx, event.UserID); err != nil {
		if !errors.Is(err, repositories.ErrNotFound) {
			return fmt.Errorf("failed to load entitlement record: %w", err)
		}
		if err := o.repo.Create(ctx, models.NewEntitlementRecord(event.UserID)); err != nil {
			return fmt.Errorf("failed to create entitlement record: %w", err)
		}
	}

	if err := o.repo.ApplyProviderState(ctx, event.UserID, event.State); err != nil {
		return fmt.Errorf("failed to apply provider state: %w", err)
	}

	o.logger.Info("applied provider event",
		"event_id", event.ID,
		"kind", event.Kind,
		"user_id", event.UserID,
		"provider", event.State.Provider,
		"status", event.State.Status,
	)
	return nil
}

// ReconcileOne pulls the authoritative provider's current answer for one
// user and writes it locally if it differs. An unknown verification leaves
// the record untouched; a paying user is never deactivated on a guess.
func (o *Reconciler) ReconcileOne(ctx context.Context, userID int64) (ReconcileOutcome, error) {
	rec, err := o.repo.GetByUserID(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("failed to load entitlement record: %w", err)
	}

	if rec.Provider == models.ProviderNone {
		return OutcomeNoProvider, nil
	}

	verifier, ok := o.verifiers[rec.Provider]
	if !ok {
		// A deployment without this provider's credentials cannot verify,
		// which is no information; another instance or a later deploy will.
		o.logger.Warn("no verifier registered, keeping local state",
			"user_id", userID,
			"provider", rec.Provider,
		)
		return OutcomeUnknown, nil
	}

	vctx, cancel := context.WithTimeout(ctx, verifyTimeout)
	defer cancel()

	result, err := verifier.Verify(vctx, rec)
	if err != nil {
		o.logger.Warn("verification inconclusive, keeping local state",
			"user_id", userID,
			"provider", rec.Provider,
			"error", err,
		)
		return OutcomeUnknown, nil
	}

	newStatus := statusFromVerification(rec.Status, result)
	if newStatus == rec.Status && samePeriodEnd(rec.PeriodEnd, result.ExpiresAt) {
		return OutcomeUnchanged, nil
	}

	state := providerStateFromRecord(rec)
	state.Status = newStatus
	if !result.ExpiresAt.IsZero() {
		end := result.ExpiresAt
		state.PeriodEnd = &end
	}

	if err := o.repo.ApplyProviderState(ctx, userID, state); err != nil {
		return "", fmt.Errorf("failed to apply reconciled state: %w", err)
	}

	o.logger.Info("reconciled entitlement",
		"user_id", userID,
		"provider", rec.Provider,
		"from", rec.Status,
		"to", newStatus,
		"raw_status", result.RawStatus,
	)
	return OutcomeReconciled, nil
}

// HasActiveEntitlement answers the entitlement question for one user. The
// common case reads only local state and makes zero network calls; a
// provider round trip happens only on local expiry or ambiguity.
func (o *Reconciler) HasActiveEntitlement(ctx context.Context, userID int64) (bool, error) {
	rec, err := o.repo.GetByUserID(ctx, userID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return false, nil
		}
		return false, err
	}

	if rec.OperatorOverride {
		return true, nil
	}

	now := time.Now()
	if rec.Status.Entitles() && rec.PeriodCurrent(now) {
		return true, nil
	}

	if rec.Provider == models.ProviderNone {
		return false, nil
	}

	outcome, err := o.ReconcileOne(ctx, userID)
	if err != nil {
		return false, err
	}
	if outcome == OutcomeUnknown {
		// No information; keep honoring the last known status rather than
		// locking a paying user out over a provider outage.
		return rec.Status.Entitles(), nil
	}

	fresh, err := o.repo.GetByUserID(ctx, userID)
	if err != nil {
		return false, err
	}
	return fresh.DeriveHasEntitlement(), nil
}

// statusFromVerification maps a definitive provider answer onto the local
// status enum, preserving the trialing/canceled distinction where the
// provider reports it.
func statusFromVerification(current models.EntitlementStatus, result *VerificationResult) models.EntitlementStatus {
	if result.Active {
		if result.RawStatus == string(models.StatusTrialing) {
			return models.StatusTrialing
		}
		return models.StatusActive
	}
	if result.RawStatus == string(models.StatusCanceled) || current == models.StatusCanceled {
		return models.StatusCanceled
	}
	return models.StatusInactive
}

func samePeriodEnd(current *time.Time, verified time.Time) bool {
	if verified.IsZero() {
		return true
	}
	return current != nil && current.Equal(verified)
}

// providerStateFromRecord copies the record's current provider linkage into
// a write, so a reconciliation only moves status and period fields.
func providerStateFromRecord(rec *models.EntitlementRecord) models.ProviderState {
	return models.ProviderState{
		Provider:                   rec.Provider,
		Tier:                       rec.Tier,
		PeriodStart:                rec.PeriodStart,
		PeriodEnd:                  rec.PeriodEnd,
		RenewAt:                    rec.RenewAt,
		StripeCustomerID:           rec.StripeCustomerID,
		StripeSubscriptionID:       rec.StripeSubscriptionID,
		AppleOriginalTransactionID: rec.AppleOriginalTransactionID,
		AppleReceiptBlob:           rec.AppleReceiptBlob,
		GooglePurchaseToken:        rec.GooglePurchaseToken,
		GoogleOrderID:              rec.GoogleOrderID,
		GoogleProductID:            rec.GoogleProductID,
	}
}
