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

// Identity is who is asking to generate: an authenticated user (UserID set)
// or an anonymous client carrying a pseudo token.
type Identity struct {
	UserID      int64
	PseudoID    string
	Fingerprint string
}

func (i Identity) Anonymous() bool {
	return i.UserID == 0
}

// QuotaDecision is the answer to "can this identity generate one more". A
// denied decision is a normal outcome, not an error. Limit is -1 for
// unlimited.
type QuotaDecision struct {
	Allowed bool        `json:"allowed"`
	Used    int64       `json:"used"`
	Limit   int64       `json:"limit"`
	Tier    models.Tier `json:"tier"`
}

// EntitlementChecker is the reconciler surface the quota engine needs.
type EntitlementChecker interface {
	HasActiveEntitlement(ctx context.Context, userID int64) (bool, error)
}

// QuotaService enforces monthly generation limits. Requests served from
// cache must never reach it: a cache hit incurs no generation cost, so it
// is neither counted nor blocked. Callers invoke CanGenerate before a real
// generation and RecordConsumption only after it succeeds.
type QuotaService struct {
	entitlements repositories.EntitlementRepository
	pseudo       repositories.PseudoIdentityRepository
	checker      EntitlementChecker
	logger       *slog.Logger
}

func NewQuotaService(
	entitlements repositories.EntitlementRepository,
	pseudo repositories.PseudoIdentityRepository,
	checker EntitlementChecker,
	logger *slog.Logger,
) *QuotaService {
	if logger == nil {
		logger = slog.Default()
	}
	return &QuotaService{
		entitlements: entitlements,
		pseudo:       pseudo,
		checker:      checker,
		logger:       logger,
	}
}

func (s *QuotaService) CanGenerate(ctx context.Context, identity Identity, kind models.UnitKind) (*QuotaDecision, error) {
	if identity.Anonymous() {
		return s.canGenerateAnonymous(ctx, identity, kind)
	}
	return s.canGenerateUser(ctx, identity.UserID, kind)
}

// RecordConsumption charges one unit. It must run only after the generation
// actually succeeded, and before success is reported to the caller; the
// increment itself is atomic at the storage layer.
func (s *QuotaService) RecordConsumption(ctx context.Context, identity Identity, kind models.UnitKind) error {
	if identity.Anonymous() {
		if identity.PseudoID == "" {
			return fmt.Errorf("anonymous consumption without a pseudo token")
		}
		return s.pseudo.IncrementRecipes(ctx, identity.PseudoID)
	}
	return s.entitlements.IncrementUsage(ctx, identity.UserID, kind)
}

func (s *QuotaService) canGenerateUser(ctx context.Context, userID int64, kind models.UnitKind) (*QuotaDecision, error) {
	now := time.Now()

	if err := s.entitlements.ResetUsageForNewMonth(ctx, userID, now); err != nil {
		return nil, fmt.Errorf("failed to reset usage counters: %w", err)
	}

	rec, err := s.entitlements.GetByUserID(ctx, userID)
	if err != nil {
		if !errors.Is(err, repositories.ErrNotFound) {
			return nil, fmt.Errorf("failed to load entitlement record: %w", err)
		}
		// First quota check can arrive before any entitlement read; a user
		// without a record is a free-tier identity with zero usage.
		rec = models.NewEntitlementRecord(userID)
		if err := s.entitlements.Create(ctx, rec); err != nil {
			return nil, fmt.Errorf("failed to create entitlement record: %w", err)
		}
	}

	if rec.OperatorOverride {
		return &QuotaDecision{
			Allowed: true,
			Used:    usedFor(rec, kind),
			Limit:   models.Unlimited,
			Tier:    rec.Tier,
		}, nil
	}

	entitled, err := s.checker.HasActiveEntitlement(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve entitlement: %w", err)
	}

	tier := rec.Tier
	limits := models.UnitLimits{Recipes: rec.RecipeLimit, Images: rec.ImageLimit}
	if !entitled {
		tier = models.TierFree
		limits = models.LimitsForTier(models.TierFree)
	}

	used := usedFor(rec, kind)
	limit := limitFor(limits, kind)

	return &QuotaDecision{
		Allowed: limit == models.Unlimited || used < limit,
		Used:    used,
		Limit:   limit,
		Tier:    tier,
	}, nil
}

func (s *QuotaService) canGenerateAnonymous(ctx context.Context, identity Identity, kind models.UnitKind) (*QuotaDecision, error) {
	if identity.PseudoID == "" {
		return nil, fmt.Errorf("anonymous quota check without a pseudo token")
	}

	// Image generation is a signed-in feature; anonymous clients only get
	// the small recipe allowance.
	if kind != models.UnitRecipe {
		return &QuotaDecision{Allowed: false, Used: 0, Limit: 0, Tier: models.TierFree}, nil
	}

	now := time.Now()
	if err := s.pseudo.ResetForNewMonth(ctx, identity.PseudoID, now); err != nil {
		return nil, fmt.Errorf("failed to reset pseudo counters: %w", err)
	}

	ident, err := s.pseudo.GetOrCreate(ctx, identity.PseudoID, identity.Fingerprint)
	if err != nil {
		return nil, fmt.Errorf("failed to load pseudo identity: %w", err)
	}

	return &QuotaDecision{
		Allowed: ident.RecipesUsed < ident.RecipeLimit,
		Used:    ident.RecipesUsed,
		Limit:   ident.RecipeLimit,
		Tier:    models.TierFree,
	}, nil
}

func usedFor(rec *models.EntitlementRecord, kind models.UnitKind) int64 {
	if kind == models.UnitImage {
		return rec.ImagesUsed
	}
	return rec.RecipesUsed
}

func limitFor(limits models.UnitLimits, kind models.UnitKind) int64 {
	if kind == models.UnitImage {
		return limits.Images
	}
	return limits.Recipes
}
