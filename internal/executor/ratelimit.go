package executor

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// RateLimit holds what a 429 response told us about the caller's limits.
type RateLimit struct {
	RetryAfter time.Duration
	Hourly     int
	Minute     int
	Burst      int
	Cooldown   time.Duration
	// Tier is the server's reputation tier for the agent (new, normal, trusted, throttled...).
	Tier string
}

// ParseRateLimit reads a 429 body and the Retry-After header. The body's
// retryAfter wins over the header when both are present.
func ParseRateLimit(data map[string]interface{}, header http.Header, now time.Time) *RateLimit {
	rl := &RateLimit{}

	rl.RetryAfter = seconds(firstOf(data, "retryAfter", "retry_after", "retryAfterSeconds"))
	if rl.RetryAfter == 0 && header != nil {
		rl.RetryAfter = parseRetryAfterHeader(header.Get("Retry-After"), now)
	}

	limits, _ := firstOf(data, "rateLimit", "rate_limit", "limits").(map[string]interface{})
	if limits == nil {
		limits = data
	}
	rl.Hourly = integer(firstOf(limits, "hourly", "perHour", "per_hour", "hour"))
	rl.Minute = integer(firstOf(limits, "minute", "perMinute", "per_minute"))
	rl.Burst = integer(firstOf(limits, "burst", "burstLimit"))
	rl.Cooldown = seconds(firstOf(limits, "cooldown", "cooldownSeconds"))
	if rl.Cooldown == 0 {
		rl.Cooldown = seconds(firstOf(data, "cooldown", "cooldownSeconds"))
	}

	switch rep := firstOf(data, "reputation", "tier").(type) {
	case map[string]interface{}:
		if s, ok := rep["tier"].(string); ok {
			rl.Tier = s
		} else if s, ok := rep["level"].(string); ok {
			rl.Tier = s
		}
	case string:
		rl.Tier = rep
	}
	if rl.Tier == "" {
		if s, ok := limits["tier"].(string); ok {
			rl.Tier = s
		}
	}
	return rl
}

func firstOf(m map[string]interface{}, keys ...string) interface{} {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

func number(v interface{}) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int:
		return float64(t)
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(t), "s")), 64)
		if err == nil {
			return f
		}
	}
	return 0
}

func integer(v interface{}) int {
	n := number(v)
	if n <= 0 || math.IsNaN(n) || math.IsInf(n, 0) {
		return 0
	}
	return int(n)
}

func seconds(v interface{}) time.Duration {
	n := number(v)
	if n <= 0 || math.IsNaN(n) || math.IsInf(n, 0) || n > 1e9 {
		return 0
	}
	return time.Duration(n * float64(time.Second))
}

// parseRetryAfterHeader accepts delta-seconds or an HTTP date.
func parseRetryAfterHeader(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if n, err := strconv.Atoi(v); err == nil {
		if n <= 0 {
			return 0
		}
		return time.Duration(n) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
