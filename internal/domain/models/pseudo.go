package models

import "time"

// PseudoRecipeLimit is the fixed monthly allowance for anonymous clients.
const PseudoRecipeLimit int64 = 3

// PseudoIdentity tracks usage for an unauthenticated client, keyed by a
// client-supplied token. Anonymous users cannot hold a paid entitlement.
type PseudoIdentity struct {
	PseudoID     string    `json:"pseudo_id"`
	Fingerprint  string    `json:"fingerprint"`
	RecipesUsed  int64     `json:"recipes_used"`
	RecipeLimit  int64     `json:"recipe_limit"`
	UsageResetAt time.Time `json:"usage_reset_at"`
}

func NewPseudoIdentity(pseudoID, fingerprint string) *PseudoIdentity {
	return &PseudoIdentity{
		PseudoID:     pseudoID,
		Fingerprint:  fingerprint,
		RecipeLimit:  PseudoRecipeLimit,
		UsageResetAt: time.Now().UTC(),
	}
}
