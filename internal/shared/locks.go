package shared

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockHeld indicates another worker owns the lock.
var ErrLockHeld = errors.New("lock held by another owner")

// ColaRecomputeLockKey builds redis keys guarding COLA recomputation for one period.
func ColaRecomputeLockKey(beneficiaryID int64, p Period) string {
	return fmt.Sprintf("cola:beneficiary:%d:period:%s:lock", beneficiaryID, p)
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// RedisLocker hands out short-lived exclusive locks.
type RedisLocker struct {
	client redis.UniversalClient
}

// NewRedisLocker constructs RedisLocker.
func NewRedisLocker(client redis.UniversalClient) *RedisLocker {
	return &RedisLocker{client: client}
}

// Acquire takes key for ttl. The returned release func only deletes the key while it
// still holds this owner's token.
func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error) {
	if l == nil || l.client == nil {
		return nil, errors.New("locker not initialised")
	}
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire %s: %w", key, err)
	}
	if !ok {
		return nil, ErrLockHeld
	}
	return func(ctx context.Context) error {
		return releaseScript.Run(ctx, l.client, []string{key}, token).Err()
	}, nil
}
