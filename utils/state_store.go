package utils

import (
	"context"
	"time"
)

const (
	oauthStatePrefix  = "oauth:state:"
	defaultOAuthState = 10 * time.Minute
)

// SaveState remembers an OAuth state value for ttl.
func SaveState(state string, ttl time.Duration) {
	if ttl <= 0 {
		ttl = defaultOAuthState
	}
	TryCooldown(oauthStatePrefix+state, ttl)
}

// ConsumeState reports whether state was saved and is unexpired, and forgets it. Each state
// is accepted once.
func ConsumeState(state string) bool {
	if state == "" {
		return false
	}
	key := oauthStatePrefix + state
	if rc := GetRedis(); rc != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		n, err := rc.Del(ctx, key).Result()
		if err == nil {
			return n == 1
		}
		Sugar.Warnf("redis state consume failed err=%v", err)
	}
	memThrottleMu.Lock()
	defer memThrottleMu.Unlock()
	e, ok := memThrottle[key]
	delete(memThrottle, key)
	return ok && time.Now().Before(e.expiresAt)
}
