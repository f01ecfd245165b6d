package utils

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

type memEntry struct {
	count     int
	expiresAt time.Time
}

// in-memory fallback when Redis is not configured or unreachable
var (
	memThrottle   = map[string]memEntry{}
	memThrottleMu sync.Mutex
)

// TryCooldown sets key for ttl and reports whether it was free. A false result means the
// caller is still cooling down.
func TryCooldown(key string, ttl time.Duration) bool {
	if rc := GetRedis(); rc != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
		defer cancel()
		ok, err := rc.SetNX(ctx, key, "1", ttl).Result()
		if err == nil {
			return ok
		}
		Sugar.Warnf("redis cooldown failed key=%s err=%v", key, err)
	}
	memThrottleMu.Lock()
	defer memThrottleMu.Unlock()
	now := time.Now()
	sweepExpiredLocked(now)
	if e, ok := memThrottle[key]; ok && now.Before(e.expiresAt) {
		return false
	}
	memThrottle[key] = memEntry{count: 1, expiresAt: now.Add(ttl)}
	return true
}

// CounterGet returns the current value of a windowed counter.
func CounterGet(key string) int {
	if rc := GetRedis(); rc != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
		defer cancel()
		n, err := rc.Get(ctx, key).Int()
		if err == nil {
			return n
		}
		if err == redis.Nil {
			return 0
		}
		Sugar.Warnf("redis counter get failed key=%s err=%v", key, err)
	}
	memThrottleMu.Lock()
	defer memThrottleMu.Unlock()
	e, ok := memThrottle[key]
	if !ok || time.Now().After(e.expiresAt) {
		return 0
	}
	return e.count
}

// CounterIncr increments a counter that expires ttl after its first increment.
func CounterIncr(key string, ttl time.Duration) int {
	if rc := GetRedis(); rc != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
		defer cancel()
		n, err := rc.Incr(ctx, key).Result()
		if err == nil {
			if n == 1 {
				_ = rc.Expire(ctx, key, ttl).Err()
			}
			return int(n)
		}
		Sugar.Warnf("redis counter incr failed key=%s err=%v", key, err)
	}
	memThrottleMu.Lock()
	defer memThrottleMu.Unlock()
	now := time.Now()
	sweepExpiredLocked(now)
	e, ok := memThrottle[key]
	if !ok || now.After(e.expiresAt) {
		e = memEntry{expiresAt: now.Add(ttl)}
	}
	e.count++
	memThrottle[key] = e
	return e.count
}

// sweepExpiredLocked drops expired fallback entries. memThrottleMu must be held.
func sweepExpiredLocked(now time.Time) {
	for k, e := range memThrottle {
		if !now.Before(e.expiresAt) {
			delete(memThrottle, k)
		}
	}
}

// ResetThrottles clears the in-memory fallback state.
func ResetThrottles() {
	memThrottleMu.Lock()
	memThrottle = map[string]memEntry{}
	memThrottleMu.Unlock()
}
