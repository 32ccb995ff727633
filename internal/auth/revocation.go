package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const revokedKeyPrefix = "inkpost-revoked||"

// Revoker keeps logged out token ids in redis until the token would have
// expired anyway.
type Revoker struct {
	redisClient *redis.Client
	now         func() time.Time
}

func NewRevoker(redisClient *redis.Client) *Revoker {
	return &Revoker{
		redisClient: redisClient,
		now:         time.Now,
	}
}

func (r *Revoker) Revoke(ctx context.Context, claims *Claims) error {
	if claims == nil || claims.ID == "" {
		return ErrInvalidToken
	}

	var ttl time.Duration
	if claims.ExpiresAt != nil {
		ttl = claims.ExpiresAt.Time.Sub(r.now())
	}
	if ttl <= 0 {
		// already expired, nothing to remember
		return nil
	}

	if err := r.redisClient.Set(ctx, revokedKeyPrefix+claims.ID, claims.Subject, ttl).Err(); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	return nil
}

func (r *Revoker) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	count, err := r.redisClient.Exists(ctx, revokedKeyPrefix+tokenID).Result()
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return count > 0, nil
}
