package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sunfac/flavr-sub002/internal/domain/models"
	"github.com/sunfac/flavr-sub002/internal/domain/repositories"
)

// fakeEntitlementRepo mirrors the SQL implementation's semantics in memory:
// absolute-SET provider writes, linkage cleared on provider switch,
// has_entitlement recomputed inside the write, month-gated resets.
type fakeEntitlementRepo struct {
	mu         sync.Mutex
	records    map[int64]*models.EntitlementRecord
	applyCalls int
}

func newFakeEntitlementRepo() *fakeEntitlementRepo {
	return &fakeEntitlementRepo{records: make(map[int64]*models.EntitlementRecord)}
}

func (f *fakeEntitlementRepo) put(rec *models.EntitlementRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *rec
	f.records[rec.UserID] = &cp
}

func (f *fakeEntitlementRepo) GetByUserID(_ context.Context, userID int64) (*models.EntitlementRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[userID]
	if !ok {
		return nil, fmt.Errorf("entitlement for user %d: %w", userID, repositories.ErrNotFound)
	}
	cp := *rec
	return &cp, nil
}

func (f *fakeEntitlementRepo) GetByProviderRef(_ context.Context, provider models.Provider, ref string) (*models.EntitlementRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, rec := range f.records {
		var linked *string
		switch provider {
		case models.ProviderStripe:
			linked = rec.StripeSubscriptionID
		case models.ProviderApple:
			linked = rec.AppleOriginalTransactionID
		case models.ProviderGoogle:
			linked = rec.GooglePurchaseToken
		}
		if linked != nil && *linked == ref {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("entitlement for %s ref %s: %w", provider, ref, repositories.ErrNotFound)
}

func (f *fakeEntitlementRepo) Create(_ context.Context, rec *models.EntitlementRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.records[rec.UserID]; ok {
		return nil
	}
	cp := *rec
	cp.HasEntitlement = cp.DeriveHasEntitlement()
	f.records[rec.UserID] = &cp
	return nil
}

func (f *fakeEntitlementRepo) ApplyProviderState(_ context.Context, userID int64, state models.ProviderState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applyCalls++

	rec, ok := f.records[userID]
	if !ok {
		return fmt.Errorf("entitlement for user %d: %w", userID, repositories.ErrNotFound)
	}

	rec.Status = state.Status
	rec.Provider = state.Provider
	if state.Tier != "" {
		rec.Tier = state.Tier
		limits := models.LimitsForTier(state.Tier)
		rec.RecipeLimit = limits.Recipes
		rec.ImageLimit = limits.Images
	}

	rec.StripeCustomerID, rec.StripeSubscriptionID = nil, nil
	rec.AppleOriginalTransactionID, rec.AppleReceiptBlob = nil, nil
	rec.GooglePurchaseToken, rec.GoogleOrderID, rec.GoogleProductID = nil, nil, nil
	switch state.Provider {
	case models.ProviderStripe:
		rec.StripeCustomerID = state.StripeCustomerID
		rec.StripeSubscriptionID = state.StripeSubscriptionID
	case models.ProviderApple:
		rec.AppleOriginalTransactionID = state.AppleOriginalTransactionID
		rec.AppleReceiptBlob = state.AppleReceiptBlob
	case models.ProviderGoogle:
		rec.GooglePurchaseToken = state.GooglePurchaseToken
		rec.GoogleOrderID = state.GoogleOrderID
		rec.GoogleProductID = state.GoogleProductID
	}

	rec.PeriodStart = state.PeriodStart
	rec.PeriodEnd = state.PeriodEnd
	rec.RenewAt = state.RenewAt
	rec.HasEntitlement = rec.Status.Entitles() || rec.OperatorOverride
	return nil
}

func (f *fakeEntitlementRepo) SetOperatorOverride(_ context.Context, userID int64, override bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[userID]
	if !ok {
		return repositories.ErrNotFound
	}
	rec.OperatorOverride = override
	rec.HasEntitlement = rec.Status.Entitles() || override
	return nil
}

func (f *fakeEntitlementRepo) ListActiveUserIDs(_ context.Context) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []int64
	for id, rec := range f.records {
		if rec.Status.Entitles() && rec.Provider != models.ProviderNone {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (f *fakeEntitlementRepo) IncrementUsage(_ context.Context, userID int64, kind models.UnitKind) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[userID]
	if !ok {
		return repositories.ErrNotFound
	}
	if kind == models.UnitImage {
		rec.ImagesUsed++
	} else {
		rec.RecipesUsed++
	}
	return nil
}

func (f *fakeEntitlementRepo) ResetUsageForNewMonth(_ context.Context, userID int64, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[userID]
	if !ok {
		return nil
	}
	stale := rec.UsageResetAt.Year() < now.Year() ||
		(rec.UsageResetAt.Year() == now.Year() && rec.UsageResetAt.Month() < now.Month())
	if stale {
		rec.RecipesUsed = 0
		rec.ImagesUsed = 0
		rec.UsageResetAt = now
	}
	return nil
}

// stubVerifier returns a fixed answer and counts calls.
type stubVerifier struct {
	result *VerificationResult
	err    error

	mu    sync.Mutex
	calls int
}

func (s *stubVerifier) Verify(context.Context, *models.EntitlementRecord) (*VerificationResult, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return s.result, nil
}

// fakePseudoRepo mirrors the redis store in memory.
type fakePseudoRepo struct {
	mu     sync.Mutex
	idents map[string]*models.PseudoIdentity
}

func newFakePseudoRepo() *fakePseudoRepo {
	return &fakePseudoRepo{idents: make(map[string]*models.PseudoIdentity)}
}

func (f *fakePseudoRepo) GetOrCreate(_ context.Context, pseudoID, fingerprint string) (*models.PseudoIdentity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ident, ok := f.idents[pseudoID]; ok {
		cp := *ident
		return &cp, nil
	}
	ident := models.NewPseudoIdentity(pseudoID, fingerprint)
	f.idents[pseudoID] = ident
	cp := *ident
	return &cp, nil
}

func (f *fakePseudoRepo) IncrementRecipes(_ context.Context, pseudoID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ident, ok := f.idents[pseudoID]
	if !ok {
		return fmt.Errorf("pseudo identity %s not found", pseudoID)
	}
	ident.RecipesUsed++
	return nil
}

func (f *fakePseudoRepo) ResetForNewMonth(_ context.Context, pseudoID string, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ident, ok := f.idents[pseudoID]
	if !ok {
		return nil
	}
	stale := ident.UsageResetAt.Year() < now.Year() ||
		(ident.UsageResetAt.Year() == now.Year() && ident.UsageResetAt.Month() < now.Month())
	if stale {
		ident.RecipesUsed = 0
		ident.UsageResetAt = now
	}
	return nil
}

var (
	_ repositories.EntitlementRepository    = (*fakeEntitlementRepo)(nil)
	_ repositories.PseudoIdentityRepository = (*fakePseudoRepo)(nil)
	_ Verifier                              = (*stubVerifier)(nil)
)
