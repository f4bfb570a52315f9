package router

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// RateLimit caps inbound frames per session. The zero value disables it.
type RateLimit struct {
	Frames int
	Window time.Duration
}

func (r RateLimit) Enabled() bool {
	return r.Frames > 0 && r.Window > 0
}

// ParseRateLimit reads limits written as "<count>/<unit>" with unit s, m or
// h, for example "20/s". An empty string disables limiting.
func ParseRateLimit(s string) (RateLimit, error) {
	if s == "" {
		return RateLimit{}, nil
	}
	count, unit, ok := strings.Cut(s, "/")
	if !ok {
		return RateLimit{}, fmt.Errorf("invalid rate limit format: %s", s)
	}
	limit, err := strconv.Atoi(count)
	if err != nil || limit <= 0 {
		return RateLimit{}, fmt.Errorf("invalid rate limit count: %s", count)
	}

	var window time.Duration
	switch strings.ToLower(unit) {
	case "s":
		window = time.Second
	case "m":
		window = time.Minute
	case "h":
		window = time.Hour
	default:
		return RateLimit{}, fmt.Errorf("invalid rate limit duration unit: %s", unit)
	}
	return RateLimit{Frames: limit, Window: window}, nil
}

// frameLimiter allows bursts of up to Frames and refills at Frames per
// Window. A nil limiter allows everything.
type frameLimiter struct {
	limiter *rate.Limiter
}

func newFrameLimiter(r RateLimit) *frameLimiter {
	if !r.Enabled() {
		return nil
	}
	every := rate.Every(r.Window / time.Duration(r.Frames))
	return &frameLimiter{limiter: rate.NewLimiter(every, r.Frames)}
}

func (l *frameLimiter) allow(now time.Time) bool {
	if l == nil {
		return true
	}
	return l.limiter.AllowN(now, 1)
}
