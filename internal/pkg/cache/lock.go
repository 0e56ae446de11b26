package cache

import (
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Lua compare-and-delete so only the lock holder can release.
var unlockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// AcquireLock takes a best-effort distributed lock for the given key. It
// returns a release token when the lock was taken, or "" when another
// holder has it. Sweeps use this to keep overlapping runs from acting on
// the same records at once; the sweeps themselves stay idempotent either
// way.
func AcquireLock(key string, ttl time.Duration) (string, error) {
	token := uuid.NewString()
	ok, err := GetClient().SetNX(ctx, "lock:"+key, token, ttl).Result()
	if err != nil {
		return "", err
	}
	if !ok {
		return "", nil
	}
	return token, nil
}

// ReleaseLock releases a lock previously acquired with AcquireLock. A stale
// token (lock expired and re-acquired elsewhere) releases nothing.
func ReleaseLock(key, token string) error {
	return unlockScript.Run(ctx, GetClient(), []string{"lock:" + key}, token).Err()
}
