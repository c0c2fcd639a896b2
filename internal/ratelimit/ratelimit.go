// Package ratelimit implements per-key token buckets over minute, hour and
// day windows. Bucket state lives in a Store; the arithmetic is shared.
package ratelimit

import (
	"context"
	"math"
	"math/bits"
	"time"

	"github.com/google/uuid"

	"imghost/internal/model"
)

// milli is the fixed-point scale of stored token counts.
const milli = 1000

// Rule is one bucket: Capacity tokens, refilled at RefillRate tokens per window.
type Rule struct {
	Type       model.RuleType
	Capacity   int64
	RefillRate int64
}

// RulesFromModel converts stored rules, skipping rules that are not positive.
func RulesFromModel(rows []model.RateLimitRule) []Rule {
	rules := make([]Rule, 0, len(rows))
	for _, r := range rows {
		if r.Capacity <= 0 || r.RefillRate <= 0 || r.RuleType.Window() == 0 {
			continue
		}
		rules = append(rules, Rule{Type: r.RuleType, Capacity: r.Capacity, RefillRate: r.RefillRate})
	}
	return rules
}

// Decision is the outcome of a check. RetryAfter is set only on denial.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// BucketState is the persisted state of one bucket. Tokens is in milli-tokens.
type BucketState struct {
	Tokens     int64
	LastRefill time.Time
}

// Store holds bucket state and applies a check atomically across all rules of a key.
type Store interface {
	Take(ctx context.Context, key string, rules []Rule, cost int64, now time.Time) (Decision, error)
	// Reset refills every bucket of key.
	Reset(ctx context.Context, key string) error
}

// Limiter is the entry point used by admission.
type Limiter struct {
	store Store
	now   func() time.Time
}

func NewLimiter(store Store) *Limiter {
	return &Limiter{store: store, now: time.Now}
}

// WithClock replaces the time source. Tests use it to pin the clock.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// CheckAndConsume takes cost tokens from every bucket of the key, or from none.
// A key with no positive rules is always allowed.
func (l *Limiter) CheckAndConsume(ctx context.Context, keyID uuid.UUID, rules []model.RateLimitRule, cost int64) (Decision, error) {
	if cost <= 0 {
		cost = 1
	}
	rs := RulesFromModel(rules)
	if len(rs) == 0 {
		return Decision{Allowed: true}, nil
	}
	return l.store.Take(ctx, keyID.String(), rs, cost, l.now().UTC())
}

// Reset refills the buckets of a key, as after an administrative quota reset.
func (l *Limiter) Reset(ctx context.Context, keyID uuid.UUID) error {
	return l.store.Reset(ctx, keyID.String())
}

// refill advances a bucket to now. A zero state starts full.
func refill(state BucketState, r Rule, now time.Time) BucketState {
	capMilli := mulSat(r.Capacity, milli)
	if state.LastRefill.IsZero() {
		return BucketState{Tokens: capMilli, LastRefill: now}
	}
	window := r.Type.Window()
	elapsed := now.Sub(state.LastRefill)
	if elapsed <= 0 {
		return state
	}
	if elapsed > window {
		elapsed = window
	}
	added := mulDiv(uint64(elapsed), uint64(mulSat(r.RefillRate, milli)), uint64(window))
	tokens := state.Tokens
	if added >= uint64(capMilli) || tokens > capMilli-int64(added) {
		tokens = capMilli
	} else {
		tokens += int64(added)
	}
	return BucketState{Tokens: tokens, LastRefill: now}
}

// waitFor returns the time until the bucket holds need milli-tokens.
func waitFor(state BucketState, r Rule, need int64) time.Duration {
	deficit := need - state.Tokens
	if deficit <= 0 {
		return 0
	}
	window := r.Type.Window()
	rate := uint64(mulSat(r.RefillRate, milli))
	hi, lo := bits.Mul64(uint64(deficit), uint64(window))
	if hi >= rate {
		return time.Duration(math.MaxInt64)
	}
	q, rem := bits.Div64(hi, lo, rate)
	if rem > 0 {
		q++
	}
	if q > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(q)
}

// take applies one check to already-loaded states and returns the new states.
func take(states []BucketState, rules []Rule, cost int64, now time.Time) ([]BucketState, Decision) {
	need := mulSat(cost, milli)
	next := make([]BucketState, len(rules))
	dec := Decision{Allowed: true}
	for i, r := range rules {
		next[i] = refill(states[i], r, now)
		if next[i].Tokens < need {
			dec.Allowed = false
			if wait := waitFor(next[i], r, need); wait > dec.RetryAfter {
				dec.RetryAfter = wait
			}
		}
	}
	if dec.Allowed {
		for i := range next {
			next[i].Tokens -= need
		}
	}
	return next, dec
}

// mulDiv returns a*b/c using a 128-bit intermediate, saturating on overflow.
func mulDiv(a, b, c uint64) uint64 {
	hi, lo := bits.Mul64(a, b)
	if hi >= c {
		return math.MaxUint64
	}
	q, _ := bits.Div64(hi, lo, c)
	return q
}

func mulSat(a, b int64) int64 {
	if a <= 0 || b <= 0 {
		return 0
	}
	if a > math.MaxInt64/b {
		return math.MaxInt64
	}
	return a * b
}
