package auth

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

type lockoutTier struct {
	Threshold int
	Duration  time.Duration
}

// evaluateWindowThrottle blocks when at least max failures fall inside the
// window ending at now. retry is when the oldest of them leaves the window.
func evaluateWindowThrottle(now time.Time, failures []time.Time, max int, window time.Duration) (bool, time.Duration) {
	if max <= 0 || window <= 0 {
		return false, 0
	}
	cut := now.Add(-window)
	count := 0
	var oldest time.Time
	for _, f := range failures {
		if !f.After(cut) {
			continue
		}
		count++
		if oldest.IsZero() || f.Before(oldest) {
			oldest = f
		}
	}
	if count < max {
		return false, 0
	}
	return true, oldest.Add(window).Sub(now)
}

// evaluateProgressiveLockout checks tiers in order, strictest first. A tier
// locks for Duration after the latest failure once Threshold failures fall
// inside its Duration.
func evaluateProgressiveLockout(now time.Time, failures []time.Time, tiers []lockoutTier) (bool, time.Duration) {
	for _, tier := range tiers {
		cut := now.Add(-tier.Duration)
		count := 0
		var latest time.Time
		for _, f := range failures {
			if !f.After(cut) {
				continue
			}
			count++
			if f.After(latest) {
				latest = f
			}
		}
		if count >= tier.Threshold {
			if retry := latest.Add(tier.Duration).Sub(now); retry > 0 {
				return true, retry
			}
		}
	}
	return false, 0
}

// loginThrottle keeps recent login failures in memory, per client IP and
// per username.
type loginThrottle struct {
	ipMax    int
	ipWindow time.Duration
	tiers    []lockoutTier
	maxAge   time.Duration

	mu       sync.Mutex
	failures map[string][]time.Time
}

func newLoginThrottle(cfg Config) *loginThrottle {
	t := &loginThrottle{
		ipMax:    cfg.LoginIPMax,
		ipWindow: cfg.LoginIPWindow,
		tiers:    cfg.lockoutTiers(),
		maxAge:   cfg.LoginIPWindow,
		failures: make(map[string][]time.Time),
	}
	for _, tier := range t.tiers {
		if tier.Duration > t.maxAge {
			t.maxAge = tier.Duration
		}
	}
	return t
}

func ipKey(ip net.IP) string {
	if ip == nil {
		return ""
	}
	return "ip:" + ip.String()
}

func userKey(username string) string {
	if username == "" {
		return ""
	}
	return "user:" + username
}

func (t *loginThrottle) check(ip net.IP, username string, now time.Time) (bool, time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if k := ipKey(ip); k != "" {
		if blocked, retry := evaluateWindowThrottle(now, t.failures[k], t.ipMax, t.ipWindow); blocked {
			return true, retry
		}
	}
	if k := userKey(username); k != "" {
		if blocked, retry := evaluateProgressiveLockout(now, t.failures[k], t.tiers); blocked {
			return true, retry
		}
	}
	return false, 0
}

func (t *loginThrottle) fail(ip net.IP, username string, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, k := range []string{ipKey(ip), userKey(username)} {
		if k == "" {
			continue
		}
		t.failures[k] = append(t.prune(t.failures[k], now), now)
	}
}

func (t *loginThrottle) succeed(username string) {
	t.mu.Lock()
	delete(t.failures, userKey(username))
	t.mu.Unlock()
}

func (t *loginThrottle) prune(in []time.Time, now time.Time) []time.Time {
	cut := now.Add(-t.maxAge)
	out := in[:0]
	for _, f := range in {
		if f.After(cut) {
			out = append(out, f)
		}
	}
	return out
}

func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	if retryAfter > 0 {
		secs := int64(retryAfter / time.Second)
		if retryAfter%time.Second != 0 {
			secs++
		}
		w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	}
	writeError(w, http.StatusTooManyRequests, "rate_limited", "too many attempts")
}

func clientIP(r *http.Request, trustProxy bool) net.IP {
	if trustProxy {
		if ip := parseForwardedIP(r.Header.Get("X-Forwarded-For")); ip != nil {
			return ip
		}
		if ip := net.ParseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); ip != nil {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil {
		if ip := net.ParseIP(host); ip != nil {
			return ip
		}
	}
	return nil
}

func parseForwardedIP(raw string) net.IP {
	for _, p := range strings.Split(raw, ",") {
		if ip := net.ParseIP(strings.TrimSpace(p)); ip != nil {
			return ip
		}
	}
	return nil
}
