package refresh

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisRepository is a shared Repository backed by Redis key expiry,
// adapted from the gateway's SetexCtx/GetCtx revocation pattern: each
// revoked nonce or family id becomes a key with a TTL equal to the
// token's remaining lifetime, so entries self-expire with no explicit
// cleanup pass needed.
type RedisRepository struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisRepository wraps client. keyPrefix namespaces keys (e.g.
// "meshcore:refresh:") so the revocation list does not collide with other
// uses of the same Redis instance.
func NewRedisRepository(client *redis.Client, keyPrefix string) *RedisRepository {
	return &RedisRepository{client: client, keyPrefix: keyPrefix}
}

func (r *RedisRepository) nonceKey(nonce string) string {
	return r.keyPrefix + "nonce:" + nonce
}

func (r *RedisRepository) familyKey(familyID string) string {
	return r.keyPrefix + "family:" + familyID
}

func (r *RedisRepository) IsRevoked(ctx context.Context, nonce string) (bool, error) {
	n, err := r.client.Exists(ctx, r.nonceKey(nonce)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *RedisRepository) Revoke(ctx context.Context, nonce string, ttl time.Duration) error {
	return r.client.SetEx(ctx, r.nonceKey(nonce), "1", ttl).Err()
}

func (r *RedisRepository) RevokeFamily(ctx context.Context, familyID string, ttl time.Duration) error {
	return r.client.SetEx(ctx, r.familyKey(familyID), "1", ttl).Err()
}

func (r *RedisRepository) IsFamilyRevoked(ctx context.Context, familyID string) (bool, error) {
	n, err := r.client.Exists(ctx, r.familyKey(familyID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
