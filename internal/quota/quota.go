// Package quota compares ledger aggregates with a key's daily and monthly limits.
package quota

import (
	"context"

	"imghost/internal/apperr"
	"imghost/internal/model"
	"imghost/internal/usage"
)

// Decision is the outcome of a quota check. LimitType is daily, monthly or
// invalid_key when Allowed is false.
type Decision struct {
	Allowed   bool
	LimitType string
	Current   int64
	Limit     int64
}

// Err converts a denial into the matching apperr. It returns nil when allowed.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	if d.LimitType == apperr.ReasonInvalidKey {
		return apperr.Authentication(apperr.ReasonInvalidKey)
	}
	return apperr.QuotaExceeded(d.LimitType, d.Current, d.Limit)
}

type Enforcer struct {
	ledger *usage.Ledger
}

func NewEnforcer(ledger *usage.Ledger) *Enforcer {
	return &Enforcer{ledger: ledger}
}

// CheckQuota reports whether the key may make another request. Daily is
// checked before monthly so the shorter period is reported first.
func (e *Enforcer) CheckQuota(ctx context.Context, key *model.APIKey) (Decision, error) {
	return check(ctx, e.ledger, key, 0)
}

// CheckQuotaWith checks against a ledger that already holds pending requests
// for this call, typically a transaction-bound ledger right after the increment.
// The pending amount is excluded from the comparison and from Current.
func (e *Enforcer) CheckQuotaWith(ctx context.Context, ledger *usage.Ledger, key *model.APIKey, pending int64) (Decision, error) {
	return check(ctx, ledger, key, pending)
}

func check(ctx context.Context, ledger *usage.Ledger, key *model.APIKey, pending int64) (Decision, error) {
	if key == nil || key.Revoked() {
		return Decision{LimitType: apperr.ReasonInvalidKey}, nil
	}
	limits := key.Limits.Data()

	if limits.DailyLimit > 0 {
		daily, err := ledger.DailyRequests(ctx, key.ID)
		if err != nil {
			return Decision{}, err
		}
		daily -= pending
		if daily >= limits.DailyLimit {
			return Decision{LimitType: apperr.ReasonDaily, Current: daily, Limit: limits.DailyLimit}, nil
		}
	}

	if limits.MonthlyLimit > 0 {
		monthly, err := ledger.MonthlyRequests(ctx, key.ID)
		if err != nil {
			return Decision{}, err
		}
		monthly -= pending
		if monthly >= limits.MonthlyLimit {
			return Decision{LimitType: apperr.ReasonMonthly, Current: monthly, Limit: limits.MonthlyLimit}, nil
		}
	}
	return Decision{Allowed: true}, nil
}
