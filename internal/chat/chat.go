// Package chat relays lobby and in-game chat with per-client flood control.
package chat

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultRate is the sustained number of lines a client may send per
	// second.
	DefaultRate = 2
	// DefaultBurst is the number of lines a client may send back to back.
	DefaultBurst = 5
	// MaxLength bounds the length of a relayed line in bytes.
	MaxLength = 1024
)

// Limiter throttles chat lines per sender key.
type Limiter struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters map[string]*rate.Limiter
}

// NewLimiter returns a limiter allowing perSecond lines with the given burst.
// Non-positive values fall back to the defaults.
func NewLimiter(perSecond float64, burst int) *Limiter {
	if perSecond <= 0 {
		perSecond = DefaultRate
	}
	if burst <= 0 {
		burst = DefaultBurst
	}
	return &Limiter{
		limit:    rate.Limit(perSecond),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Allow reports whether key may send a line at now.
func (l *Limiter) Allow(key string, now time.Time) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	limiter, ok := l.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(l.limit, l.burst)
		l.limiters[key] = limiter
	}
	l.mu.Unlock()
	return limiter.AllowN(now, 1)
}

// Forget drops the state kept for key.
func (l *Limiter) Forget(key string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	delete(l.limiters, key)
	l.mu.Unlock()
}

// ParseRecipient splits a "@name text" line into a private recipient and the
// message. Lines without a leading @ are public.
func ParseRecipient(line string) (recipient, text string) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "@") {
		return "", line
	}
	name, rest, found := strings.Cut(line[1:], " ")
	if !found || name == "" {
		return "", line
	}
	return name, strings.TrimSpace(rest)
}

// Sanitize trims a line and cuts it to MaxLength bytes on a rune boundary.
func Sanitize(line string) string {
	line = strings.TrimSpace(line)
	if len(line) <= MaxLength {
		return line
	}
	cut := MaxLength
	for cut > 0 && !utf8RuneStart(line[cut]) {
		cut--
	}
	return line[:cut]
}

func utf8RuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
