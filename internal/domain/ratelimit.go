package domain

import (
	"strconv"
	"time"
)

// RateLimitResult is the outcome of a single rate-limit check. It is derived, never stored.
type RateLimitResult struct {
	Allowed   bool
	Limit     int
	Remaining int
	// ResetSeconds is the number of seconds until the window frees capacity.
	ResetSeconds int
	// RetryAfter is set only on denial.
	RetryAfter *int
}

// Header names emitted for every rate-limited response.
const (
	HeaderRateLimitLimit     = "X-RateLimit-Limit"
	HeaderRateLimitRemaining = "X-RateLimit-Remaining"
	HeaderRateLimitReset     = "X-RateLimit-Reset"
	HeaderRetryAfter         = "Retry-After"
)

// Headers renders the result as HTTP response headers. Remaining is never negative.
func (r RateLimitResult) Headers() map[string]string {
	h := map[string]string{
		HeaderRateLimitLimit:     strconv.Itoa(r.Limit),
		HeaderRateLimitRemaining: strconv.Itoa(max(0, r.Remaining)),
		HeaderRateLimitReset:     strconv.Itoa(r.ResetSeconds),
	}
	if r.RetryAfter != nil {
		h[HeaderRetryAfter] = strconv.Itoa(*r.RetryAfter)
	}
	return h
}

// RetryAfterSeconds returns the retry hint or 0 when the request was allowed.
func (r RateLimitResult) RetryAfterSeconds() int {
	if r.RetryAfter == nil {
		return 0
	}
	return *r.RetryAfter
}

// Allow builds an allowing result.
func Allow(limit, remaining int, reset time.Duration) RateLimitResult {
	return RateLimitResult{
		Allowed:      true,
		Limit:        limit,
		Remaining:    max(0, remaining),
		ResetSeconds: ceilSeconds(reset),
	}
}

// Deny builds a denying result whose Retry-After equals the reset horizon (at least one second).
func Deny(limit int, reset time.Duration) RateLimitResult {
	secs := max(1, ceilSeconds(reset))
	return RateLimitResult{
		Allowed:      false,
		Limit:        limit,
		Remaining:    0,
		ResetSeconds: secs,
		RetryAfter:   &secs,
	}
}

func ceilSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Second - 1) / time.Second)
}
