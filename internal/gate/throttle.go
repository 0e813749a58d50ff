package gate

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Quota is a token bucket size and refill rate.
type Quota struct {
	RPS   float64
	Burst int
}

// visitor tracks a rate limiter per throttle key.
type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// throttle keeps one limiter per key and evicts idle ones.
type throttle struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	ttl      time.Duration
	nowFunc  func() time.Time
	stop     chan struct{}
	once     sync.Once
}

func newThrottle(ttl time.Duration) *throttle {
	return &throttle{
		visitors: make(map[string]*visitor),
		ttl:      ttl,
		nowFunc:  time.Now,
		stop:     make(chan struct{}),
	}
}

// take consumes one token from key's bucket. When the bucket is empty it
// returns false and how long until a token is available.
func (t *throttle) take(key string, q Quota) (bool, time.Duration) {
	t.mu.Lock()
	now := t.nowFunc()
	v, ok := t.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rate.Limit(q.RPS), q.Burst)}
		t.visitors[key] = v
	}
	v.lastSeen = now
	t.mu.Unlock()

	res := v.limiter.ReserveN(now, 1)
	if !res.OK() {
		return false, time.Second
	}
	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		return false, delay
	}
	return true, 0
}

func (t *throttle) cleanupLoop() {
	ticker := time.NewTicker(t.ttl)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.cleanup()
		case <-t.stop:
			return
		}
	}
}

// cleanup evicts visitors idle for longer than the TTL.
func (t *throttle) cleanup() {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.nowFunc()
	for key, v := range t.visitors {
		if now.Sub(v.lastSeen) > t.ttl {
			delete(t.visitors, key)
		}
	}
}

func (t *throttle) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.visitors)
}

func (t *throttle) close() {
	t.once.Do(func() { close(t.stop) })
}
