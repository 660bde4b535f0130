package obslog

import (
	"crypto/md5"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

// CaptureRateLimiter limits how often the same message is reported to
// Sentry by errreport, so a flapping worker or a monitor stuck in a tight
// failure loop cannot flood it with one repeated error. Log output is not
// rate limited.
//
// A nil *CaptureRateLimiter lets everything through.
type CaptureRateLimiter struct {
	cache       *lru.Cache
	minDuration time.Duration
}

// NewCaptureRateLimiter returns a rate limiter backed by an LRU cache of
// the given size, allowing each distinct message through at most once per
// minDuration.
func NewCaptureRateLimiter(size int, minDuration time.Duration) (*CaptureRateLimiter, error) {
	cache, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &CaptureRateLimiter{cache: cache, minDuration: minDuration}, nil
}

// Allow reports whether msg should be captured now, and if so records the
// current time as its last capture time.
func (rl *CaptureRateLimiter) Allow(msg string) bool {
	if rl == nil {
		return true
	}

	sum := md5.Sum([]byte(msg))
	key := string(sum[:])

	now := time.Now()
	if last, ok := rl.cache.Get(key); ok {
		if now.Sub(last.(time.Time)) < rl.minDuration {
			return false
		}
	}

	rl.cache.Add(key, now)
	return true
}
