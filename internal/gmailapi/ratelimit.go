package gmail

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Operation tags one Gmail API call with its quota-unit cost, so the
// limiter paces the account's shared unit budget rather than a flat
// requests-per-second figure. messages.import/insert cost far more of that
// budget than a label lookup does.
type Operation int

const (
	OpProfile Operation = iota
	OpLabelsList
	OpLabelsCreate
	OpMessagesImport
	OpMessagesInsert
)

// Cost reports the quota units Gmail's API charges per call, per its
// published per-method usage table.
func (o Operation) Cost() int {
	switch o {
	case OpMessagesImport, OpMessagesInsert:
		return 25
	case OpLabelsCreate:
		return 5
	default:
		return 1 // OpLabelsList, OpProfile
	}
}

const (
	// quotaUnitBudget is the per-user quota budget this client paces itself
	// against; Gmail's default project quota is 250 units/second.
	quotaUnitBudget = 250.0

	// minQPS floors a misconfigured or zero qps so the limiter never wedges
	// every call waiting on a zero rate.
	minQPS = 0.1

	// throttleRecoveryFraction is what's left of the normal rate after a
	// 429/403 Throttle call. The reduced rate outlasts the backoff window
	// and stays in effect until RecoverRate is called.
	throttleRecoveryFraction = 0.5
)

// RateLimiter paces Gmail API calls against the account's shared quota-unit
// budget. It is a thin wrapper around golang.org/x/time/rate.Limiter:
// refill accounting is delegated to rate.Limiter's WaitN, and this type's
// own job is translating an Operation into its unit cost and adding the
// throttle/recover behavior a 429/403 response calls for, which
// rate.Limiter itself has no notion of.
type RateLimiter struct {
	mu             sync.Mutex
	limiter        *rate.Limiter
	normalRate     rate.Limit
	throttledUntil time.Time
}

// NewRateLimiter builds a limiter whose steady-state throughput is qps
// import-sized calls per second, scaled into Gmail's quota-unit budget and
// capped at it. A qps of 5 is the conservative default for the Gmail API.
func NewRateLimiter(qps float64) *RateLimiter {
	if qps < minQPS {
		qps = minQPS
	}
	units := qps * float64(OpMessagesImport.Cost())
	if units > quotaUnitBudget {
		units = quotaUnitBudget
	}
	lim := rate.Limit(units)
	return &RateLimiter{
		limiter:    rate.NewLimiter(lim, int(quotaUnitBudget)),
		normalRate: lim,
	}
}

// Acquire blocks until op's quota-unit cost is available, honoring any
// active throttle window first. Returns an error if ctx is cancelled while
// waiting on either the throttle or the underlying limiter.
func (r *RateLimiter) Acquire(ctx context.Context, op Operation) error {
	r.mu.Lock()
	wait := time.Until(r.throttledUntil)
	r.mu.Unlock()

	if wait > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}

	return r.limiter.WaitN(ctx, op.Cost())
}

// Throttle cuts the limiter to throttleRecoveryFraction of its normal rate
// and holds every call back for at least duration, so a caller that just
// saw a 429/403 backs off on every subsequent call rather than only the one
// that failed. A later, shorter Throttle call never shortens an
// already-longer backoff window in effect (e.g. a 429 shouldn't shorten a
// 403's backoff).
func (r *RateLimiter) Throttle(duration time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	newUntil := time.Now().Add(duration)
	if newUntil.After(r.throttledUntil) {
		r.throttledUntil = newUntil
	}
	r.limiter.SetLimit(r.normalRate * throttleRecoveryFraction)
}

// RecoverRate restores the limiter to its normal rate and clears any
// pending throttle window.
func (r *RateLimiter) RecoverRate() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.throttledUntil = time.Time{}
	r.limiter.SetLimit(r.normalRate)
}

// Available reports the limiter's current token count as returned by
// rate.Limiter's own Tokens(), which may be fractional; mainly useful for
// tests and diagnostics rather than call-site decisions.
func (r *RateLimiter) Available() float64 {
	return r.limiter.Tokens()
}
