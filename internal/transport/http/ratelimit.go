package http

import "time"

// rateLimiter counts inbound messages per fixed window. It belongs to a single
// read loop and is not safe for concurrent use.
type rateLimiter struct {
	limit  int
	window time.Duration
	now    func() time.Time
	start  time.Time
	count  int
}

func newRateLimiter(limit int) *rateLimiter {
	return &rateLimiter{
		limit:  limit,
		window: time.Minute,
		now:    time.Now,
	}
}

func (r *rateLimiter) allow() bool {
	if r == nil || r.limit <= 0 {
		return true
	}
	t := r.now()
	if t.Sub(r.start) >= r.window {
		r.start = t
		r.count = 0
	}
	r.count++
	return r.count <= r.limit
}
