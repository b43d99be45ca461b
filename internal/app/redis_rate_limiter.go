package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultLimiterPrefix = "settlement:rate_limit"
	minLimiterWindow     = time.Second
)

// KEYS[1] counter, ARGV[1] window in ms. Returns {hits, ms until reset}. A counter found
// without expiry gets one, so a lost PEXPIRE cannot pin a subject forever.
var windowCounterScript = redis.NewScript(`
local hits = redis.call("INCR", KEYS[1])
local remaining = redis.call("PTTL", KEYS[1])
if remaining < 0 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
  remaining = tonumber(ARGV[1])
end
return {hits, remaining}
`)

// RedisRateLimiter counts attempts per subject in fixed windows shared by every
// instance of the service.
type RedisRateLimiter struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisRateLimiter(client redis.UniversalClient, prefix string) *RedisRateLimiter {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = defaultLimiterPrefix
	}
	return &RedisRateLimiter{client: client, prefix: prefix}
}

func (r *RedisRateLimiter) key(scope, subject string) string {
	return r.prefix + ":" + scope + ":" + subject
}

// ConsumeRateLimit records one attempt and reports the attempts seen in the current
// window and the whole seconds until it resets. Blank scopes or subjects, a missing
// client and non-positive limits all disable limiting.
func (r *RedisRateLimiter) ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (int, int, error) {
	if r == nil || r.client == nil || limit <= 0 || window <= 0 {
		return 0, 0, nil
	}
	scope, subject = strings.TrimSpace(scope), strings.TrimSpace(subject)
	if scope == "" || subject == "" {
		return 0, 0, nil
	}
	if window < minLimiterWindow {
		window = minLimiterWindow
	}

	reply, err := windowCounterScript.Run(ctx, r.client, []string{r.key(scope, subject)}, window.Milliseconds()).Int64Slice()
	if err != nil {
		return 0, 0, fmt.Errorf("rate limit %s: %w", scope, err)
	}
	return windowState(reply, window)
}

// windowState turns the script reply into (hits, retry-after seconds).
func windowState(reply []int64, window time.Duration) (int, int, error) {
	if len(reply) != 2 {
		return 0, 0, fmt.Errorf("rate limit reply has %d values, want 2", len(reply))
	}
	remaining := time.Duration(reply[1]) * time.Millisecond
	if remaining < 0 {
		remaining = window
	}
	seconds := int((remaining + time.Second - 1) / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	return int(reply[0]), seconds, nil
}
