// Package retry implements the HTTP 429 retry policy shared by the source and
// target clients. Only rate-limit responses are retried; every other status
// is handed back to the caller on the first attempt.
package retry

import (
	"context"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/steveyegge/trackbridge/internal/types"
)

// Defaults used when a Policy field is zero.
const (
	DefaultMaxAttempts = 5
	DefaultBaseDelay   = 2 * time.Second
)

// Policy bounds how often and how long a rate-limited call is retried.
type Policy struct {
	// MaxAttempts is the total number of calls, including the first.
	MaxAttempts int
	BaseDelay   time.Duration
	Logger      *slog.Logger

	// Jitter returns a value in [0, n). Tests replace it for determinism.
	Jitter func(n time.Duration) time.Duration
	now    func() time.Time
}

func (p Policy) maxAttempts() int {
	if p.MaxAttempts <= 0 {
		return DefaultMaxAttempts
	}
	return p.MaxAttempts
}

func (p Policy) baseDelay() time.Duration {
	if p.BaseDelay <= 0 {
		return DefaultBaseDelay
	}
	return p.BaseDelay
}

func (p Policy) clock() time.Time {
	if p.now != nil {
		return p.now()
	}
	return time.Now()
}

// Delay returns the computed wait after the given failed attempt (1-based):
// base * 2^(attempt-1) plus jitter in [0, base/2).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := p.baseDelay()
	d := base * time.Duration(1<<(attempt-1))
	half := base / 2
	if half > 0 {
		if p.Jitter != nil {
			d += p.Jitter(half)
		} else {
			d += time.Duration(rand.Int64N(int64(half)))
		}
	}
	return d
}

// ParseRetryAfter decodes a Retry-After header, either delta-seconds or an
// HTTP-date. Negative or past values become zero.
func ParseRetryAfter(v string, now time.Time) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			secs = 0
		}
		return time.Duration(secs) * time.Second, true
	}
	if t, err := http.ParseTime(v); err == nil {
		d := t.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}

// rateLimitBackOff is a backoff.BackOff that prefers the server's
// Retry-After and otherwise falls back to the policy's exponential delay.
type rateLimitBackOff struct {
	policy     Policy
	attempt    int
	retryAfter time.Duration
	hinted     bool
}

func (b *rateLimitBackOff) NextBackOff() time.Duration {
	b.attempt++
	if b.attempt >= b.policy.maxAttempts() {
		return backoff.Stop
	}
	if b.hinted {
		b.hinted = false
		return b.retryAfter
	}
	return b.policy.Delay(b.attempt)
}

func (b *rateLimitBackOff) Reset() {
	b.attempt = 0
	b.hinted = false
}

// Do calls op until it returns a response that is not HTTP 429 or the
// attempt budget is spent. op must build a fresh request on every call.
// A transport error from op stops immediately. When the budget is
// exhausted the returned error is a transient *types.Error.
func (p Policy) Do(ctx context.Context, op func() (*http.Response, error)) (*http.Response, error) {
	bo := &rateLimitBackOff{policy: p}
	var resp *http.Response

	operation := func() error {
		r, err := op()
		if err != nil {
			return backoff.Permanent(err)
		}
		if r.StatusCode != http.StatusTooManyRequests {
			resp = r
			return nil
		}
		bo.retryAfter, bo.hinted = ParseRetryAfter(r.Header.Get("Retry-After"), p.clock())
		_, _ = io.Copy(io.Discard, io.LimitReader(r.Body, 64*1024))
		_ = r.Body.Close()
		return types.HTTPError(http.StatusTooManyRequests, "rate limited")
	}

	notify := func(err error, wait time.Duration) {
		if p.Logger != nil {
			p.Logger.Warn("rate limited, backing off",
				"attempt", bo.attempt, "max_attempts", p.maxAttempts(), "wait", wait)
		}
	}

	if err := backoff.RetryNotify(operation, backoff.WithContext(bo, ctx), notify); err != nil {
		return nil, err
	}
	return resp, nil
}
