package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/cortexhub/cortex/internal/metrics"
)

func testLimiter(t *testing.T, defaults Policy, failOpen bool) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	l := NewLimiter(rdb, defaults, failOpen, metrics.New(prometheus.NewRegistry()))
	return l, mr
}

func TestBurstThenRefill(t *testing.T) {
	l, _ := testLimiter(t, Policy{RPS: 10, Burst: 20}, true)

	now := time.Unix(1000, 0)
	l.nowFn = func() time.Time { return now }

	ctx := context.Background()
	for i := 0; i < 20; i++ {
		if d := l.Admit(ctx, "k1"); !d.Allowed {
			t.Fatalf("request %d of burst denied", i+1)
		}
	}
	if d := l.Admit(ctx, "k1"); d.Allowed {
		t.Fatal("21st request in the same tick admitted")
	}

	// One second later the bucket has refilled rps tokens.
	now = now.Add(time.Second)
	for i := 0; i < 10; i++ {
		if d := l.Admit(ctx, "k1"); !d.Allowed {
			t.Fatalf("refilled request %d denied", i+1)
		}
	}
	if d := l.Admit(ctx, "k1"); d.Allowed {
		t.Fatal("11th request after refill admitted")
	}
}

func TestRetryAfterHint(t *testing.T) {
	l, _ := testLimiter(t, Policy{RPS: 1, Burst: 1}, true)

	now := time.Unix(2000, 0)
	l.nowFn = func() time.Time { return now }

	ctx := context.Background()
	if d := l.Admit(ctx, "k2"); !d.Allowed {
		t.Fatal("first request denied")
	}
	d := l.Admit(ctx, "k2")
	if d.Allowed {
		t.Fatal("second back-to-back request admitted")
	}
	if d.RetryAfter < 900*time.Millisecond || d.RetryAfter > 1100*time.Millisecond {
		t.Fatalf("retry_after = %v, want ~1s", d.RetryAfter)
	}
}

func TestWindowCountRollsOver(t *testing.T) {
	l, _ := testLimiter(t, Policy{RPS: 100, Burst: 100, Window: 10 * time.Second}, true)

	now := time.Unix(3000, 0)
	l.nowFn = func() time.Time { return now }

	ctx := context.Background()
	for i := int64(1); i <= 3; i++ {
		d := l.Admit(ctx, "k3")
		if !d.Allowed || d.WindowCount != i {
			t.Fatalf("request %d: allowed=%v window_count=%d", i, d.Allowed, d.WindowCount)
		}
	}

	// A new window starts the count over.
	now = now.Add(11 * time.Second)
	if d := l.Admit(ctx, "k3"); d.WindowCount != 1 {
		t.Fatalf("window_count after rollover = %d, want 1", d.WindowCount)
	}
}

func TestSubjectsAreIndependent(t *testing.T) {
	l, _ := testLimiter(t, Policy{RPS: 1, Burst: 1}, true)
	ctx := context.Background()

	if d := l.Admit(ctx, "a"); !d.Allowed {
		t.Fatal("a denied")
	}
	if d := l.Admit(ctx, "b"); !d.Allowed {
		t.Fatal("b denied after a consumed its bucket")
	}
}

func TestPerSubjectPolicyOverride(t *testing.T) {
	l, _ := testLimiter(t, Policy{RPS: 1, Burst: 1}, true)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if d := l.AdmitWith(ctx, "vip", Policy{RPS: 100, Burst: 5}, 1); !d.Allowed {
			t.Fatalf("override request %d denied", i+1)
		}
	}
	if d := l.AdmitWith(ctx, "vip", Policy{RPS: 100, Burst: 5}, 1); d.Allowed {
		t.Fatal("6th request over the override burst admitted")
	}
}

func TestStoreOutageFailOpenAndClosed(t *testing.T) {
	lOpen, mrOpen := testLimiter(t, Policy{RPS: 10, Burst: 10}, true)
	mrOpen.Close()
	if d := lOpen.Admit(context.Background(), "k"); !d.Allowed {
		t.Fatal("fail-open limiter denied during outage")
	}

	lClosed, mrClosed := testLimiter(t, Policy{RPS: 10, Burst: 10}, false)
	mrClosed.Close()
	d := lClosed.Admit(context.Background(), "k")
	if d.Allowed {
		t.Fatal("fail-closed limiter admitted during outage")
	}
	if d.RetryAfter <= 0 {
		t.Fatal("fail-closed decision missing retry hint")
	}
}

func TestStreamGate(t *testing.T) {
	g := NewStreamGate(2, metrics.New(prometheus.NewRegistry()))

	rel1, _, ok := g.Acquire("k")
	if !ok {
		t.Fatal("first acquire denied")
	}
	rel2, _, ok := g.Acquire("k")
	if !ok {
		t.Fatal("second acquire denied")
	}
	if _, retry, ok := g.Acquire("k"); ok {
		t.Fatal("third acquire admitted over the cap")
	} else if retry <= 0 {
		t.Fatal("denied acquire missing retry hint")
	}

	// Other subjects are unaffected.
	relOther, _, ok := g.Acquire("other")
	if !ok {
		t.Fatal("other subject denied")
	}
	relOther()

	rel1()
	rel1() // double release is a no-op
	if g.Open("k") != 1 {
		t.Fatalf("open = %d, want 1", g.Open("k"))
	}
	if _, _, ok := g.Acquire("k"); !ok {
		t.Fatal("acquire denied after release freed a slot")
	}
	rel2()
}
