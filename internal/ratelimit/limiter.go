package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/cortexhub/cortex/internal/metrics"
)

// Policy is a token-bucket shape. RPS is the steady refill rate, Burst
// the bucket capacity, and Window the rolling span over which admitted
// requests are counted for reporting. A zero value means "use the
// limiter defaults".
type Policy struct {
	RPS    float64
	Burst  int
	Window time.Duration
}

// Decision is the outcome of an admission check. WindowCount is the
// number of requests admitted for the subject in the current window,
// including this one.
type Decision struct {
	Allowed     bool
	RetryAfter  time.Duration
	WindowCount int64
}

// bucketScript implements a token bucket atomically, plus a rolling
// admitted-request counter per reporting window. The current time is
// passed in from the caller rather than read inside the script so that
// decisions stay deterministic under test.
//
// KEYS[1] bucket key
// ARGV[1] refill rate (tokens/sec), ARGV[2] capacity, ARGV[3] now (ms),
// ARGV[4] cost, ARGV[5] window (ms)
// Returns {allowed, retry_after_ms, window_count}.
var bucketScript = redis.NewScript(`
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local now_ms = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])
local window_ms = tonumber(ARGV[5])

local state = redis.call('HMGET', KEYS[1], 'tokens', 'ts', 'win_start', 'win_count')
local tokens = tonumber(state[1])
local ts = tonumber(state[2])
local win_start = tonumber(state[3])
local win_count = tonumber(state[4])
if tokens == nil or ts == nil then
  tokens = burst
  ts = now_ms
end
if win_start == nil or win_count == nil or now_ms - win_start >= window_ms then
  win_start = now_ms
  win_count = 0
end

local elapsed = now_ms - ts
if elapsed < 0 then elapsed = 0 end
tokens = tokens + elapsed * rate / 1000.0
if tokens > burst then tokens = burst end

local allowed = 0
local retry_ms = 0
if tokens >= cost then
  tokens = tokens - cost
  allowed = 1
  win_count = win_count + cost
else
  retry_ms = math.ceil((cost - tokens) * 1000.0 / rate)
end

redis.call('HSET', KEYS[1], 'tokens', tokens, 'ts', now_ms, 'win_start', win_start, 'win_count', win_count)
local ttl = math.max(math.ceil(burst * 2000.0 / rate), window_ms)
redis.call('PEXPIRE', KEYS[1], ttl)
return {allowed, retry_ms, win_count}
`)

// Limiter admits requests against per-subject token buckets held in a
// shared Redis-compatible store. Subjects are API key ids for
// authenticated traffic and client IPs otherwise.
type Limiter struct {
	rdb      redis.UniversalClient
	defaults Policy
	failOpen bool
	met      *metrics.Metrics
	nowFn    func() time.Time
}

func NewLimiter(rdb redis.UniversalClient, defaults Policy, failOpen bool, met *metrics.Metrics) *Limiter {
	return &Limiter{
		rdb:      rdb,
		defaults: defaults,
		failOpen: failOpen,
		met:      met,
		nowFn:    time.Now,
	}
}

// Admit charges one token from the subject's bucket under the default policy.
func (l *Limiter) Admit(ctx context.Context, subject string) Decision {
	return l.AdmitWith(ctx, subject, l.defaults, 1)
}

// AdmitWith charges weight tokens under an explicit policy. Zero policy
// fields fall back to the limiter defaults. When the counter store is
// unreachable the limiter fails open or closed per configuration.
func (l *Limiter) AdmitWith(ctx context.Context, subject string, pol Policy, weight int) Decision {
	if pol.RPS <= 0 {
		pol.RPS = l.defaults.RPS
	}
	if pol.Burst <= 0 {
		pol.Burst = l.defaults.Burst
	}
	if pol.Window <= 0 {
		pol.Window = l.defaults.Window
	}
	if pol.Window <= 0 {
		pol.Window = time.Minute
	}
	if weight <= 0 {
		weight = 1
	}

	nowMs := l.nowFn().UnixMilli()
	res, err := bucketScript.Run(ctx, l.rdb, []string{"rl:" + subject},
		pol.RPS, pol.Burst, nowMs, weight, pol.Window.Milliseconds()).Int64Slice()
	if err != nil || len(res) != 3 {
		l.met.LimiterStoreErrs.Inc()
		log.Warn().Err(err).Str("subject", subject).Bool("fail_open", l.failOpen).
			Msg("limiter store unavailable")
		if l.failOpen {
			l.met.RateLimitAdmitted.Inc()
			return Decision{Allowed: true}
		}
		l.met.RateLimitBlocked.Inc()
		return Decision{Allowed: false, RetryAfter: time.Second}
	}

	if res[0] == 1 {
		l.met.RateLimitAdmitted.Inc()
		return Decision{Allowed: true, WindowCount: res[2]}
	}
	l.met.RateLimitBlocked.Inc()
	return Decision{
		Allowed:     false,
		RetryAfter:  time.Duration(res[1]) * time.Millisecond,
		WindowCount: res[2],
	}
}
