package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sunfac/flavr-sub002/internal/domain/models"
	"github.com/sunfac/flavr-sub002/internal/domain/repositories"
)

// pseudoTTL keeps an anonymous identity alive well past a monthly cycle;
// the rolling expiry is refreshed on every read so dormant tokens age out
// instead of accumulating forever.
const pseudoTTL = 60 * 24 * time.Hour

// resetScript zeroes the counter iff the stored month sorts before the
// current one, so concurrent checks reset at most once.
var resetScript = redis.NewScript(`
local m = redis.call('HGET', KEYS[1], 'usage_reset_month')
if m and m < ARGV[1] then
  redis.call('HSET', KEYS[1], 'recipes_used', 0, 'usage_reset_month', ARGV[1], 'usage_reset_at', ARGV[2])
  return 1
end
return 0
`)

type pseudoIdentityStore struct {
	client *RedisClient
}

func NewPseudoIdentityStore(client *RedisClient) repositories.PseudoIdentityRepository {
	return &pseudoIdentityStore{client: client}
}

func pseudoKey(pseudoID string) string {
	return "quota:pseudo:" + pseudoID
}

func (s *pseudoIdentityStore) GetOrCreate(ctx context.Context, pseudoID, fingerprint string) (*models.PseudoIdentity, error) {
	key := pseudoKey(pseudoID)

	fields, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read pseudo identity: %w", err)
	}

	if len(fields) == 0 {
		ident := models.NewPseudoIdentity(pseudoID, fingerprint)
		_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key,
				"fingerprint", ident.Fingerprint,
				"recipes_used", ident.RecipesUsed,
				"recipe_limit", ident.RecipeLimit,
				"usage_reset_at", ident.UsageResetAt.Unix(),
				"usage_reset_month", ident.UsageResetAt.Format("2006-01"),
			)
			pipe.Expire(ctx, key, pseudoTTL)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create pseudo identity: %w", err)
		}
		return ident, nil
	}

	// Rolling TTL: an identity in use never expires mid-month.
	s.client.Expire(ctx, key, pseudoTTL)

	return parsePseudoFields(pseudoID, fields)
}

func (s *pseudoIdentityStore) IncrementRecipes(ctx context.Context, pseudoID string) error {
	if err := s.client.HIncrBy(ctx, pseudoKey(pseudoID), "recipes_used", 1).Err(); err != nil {
		return fmt.Errorf("failed to increment pseudo usage: %w", err)
	}
	return nil
}

func (s *pseudoIdentityStore) ResetForNewMonth(ctx context.Context, pseudoID string, now time.Time) error {
	err := resetScript.Run(ctx, s.client,
		[]string{pseudoKey(pseudoID)},
		now.UTC().Format("2006-01"),
		now.UTC().Unix(),
	).Err()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("failed to reset pseudo counters: %w", err)
	}
	return nil
}

func parsePseudoFields(pseudoID string, fields map[string]string) (*models.PseudoIdentity, error) {
	used, err := strconv.ParseInt(fields["recipes_used"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("corrupt pseudo identity %s: recipes_used=%q", pseudoID, fields["recipes_used"])
	}

	limit, err := strconv.ParseInt(fields["recipe_limit"], 10, 64)
	if err != nil {
		limit = models.PseudoRecipeLimit
	}

	resetUnix, _ := strconv.ParseInt(fields["usage_reset_at"], 10, 64)

	return &models.PseudoIdentity{
		PseudoID:     pseudoID,
		Fingerprint:  fields["fingerprint"],
		RecipesUsed:  used,
		RecipeLimit:  limit,
		UsageResetAt: time.Unix(resetUnix, 0).UTC(),
	}, nil
}
