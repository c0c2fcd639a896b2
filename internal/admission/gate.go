// Package admission decides whether a request may proceed: API key, origin,
// rate limit, then quota, with the usage increment committed only on success.
package admission

import (
	"context"
	"log/slog"

	"gorm.io/gorm"

	"imghost/internal/apperr"
	"imghost/internal/keys"
	"imghost/internal/model"
	"imghost/internal/quota"
	"imghost/internal/ratelimit"
	"imghost/internal/usage"
)

// KeyResolver finds the key for a raw API key. It returns nil for unknown keys.
type KeyResolver interface {
	Lookup(ctx context.Context, raw string) (*model.APIKey, error)
}

// Request is one incoming call. Cost is the number of tokens it takes from
// each bucket; zero means one.
type Request struct {
	RawKey string
	Origin string
	Cost   int64
}

// Admission is returned for an admitted request.
type Admission struct {
	Key *model.APIKey
}

type Gate struct {
	db       *gorm.DB
	keys     KeyResolver
	limiter  *ratelimit.Limiter
	ledger   *usage.Ledger
	enforcer *quota.Enforcer
	logger   *slog.Logger
}

func NewGate(db *gorm.DB, resolver KeyResolver, limiter *ratelimit.Limiter, ledger *usage.Ledger, logger *slog.Logger) *Gate {
	return &Gate{
		db:       db,
		keys:     resolver,
		limiter:  limiter,
		ledger:   ledger,
		enforcer: quota.NewEnforcer(ledger),
		logger:   logger.With("component", "admission"),
	}
}

// Admit runs the rate limiter first and the quota check second, stopping at
// the first rejection. The request counter is incremented in the same
// transaction as the quota read and rolled back when the quota denies.
func (g *Gate) Admit(ctx context.Context, req Request) (*Admission, error) {
	if err := keys.ValidateFormat(req.RawKey); err != nil {
		return nil, err
	}
	key, err := g.keys.Lookup(ctx, req.RawKey)
	if err != nil {
		return nil, apperr.Internal("look up api key", err)
	}
	if key == nil || key.Revoked() {
		return nil, apperr.Authentication(apperr.ReasonInvalidKey)
	}
	if !originAllowed(key.Limits.Data().AllowedOrigins, req.Origin) {
		return nil, apperr.Authentication(apperr.ReasonOriginNotAllowed)
	}

	dec, err := g.limiter.CheckAndConsume(ctx, key.ID, key.Rules, req.Cost)
	if err != nil {
		return nil, apperr.Internal("check rate limit", err)
	}
	if !dec.Allowed {
		g.logger.Debug("rate limited", "api_key_id", key.ID, "retry_after", dec.RetryAfter)
		return nil, apperr.RateLimited(dec.RetryAfter)
	}

	err = g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ledger := g.ledger.Tx(tx)
		if err := ledger.Increment(ctx, key.ID, usage.Delta{Requests: 1}); err != nil {
			return apperr.Internal("record usage", err)
		}
		qd, err := g.enforcer.CheckQuotaWith(ctx, ledger, key, 1)
		if err != nil {
			return apperr.Internal("check quota", err)
		}
		return qd.Err()
	})
	if err != nil {
		if apperr.Is(err, apperr.KindQuotaExceeded) {
			g.logger.Debug("quota exceeded", "api_key_id", key.ID, "error", err)
		}
		return nil, err
	}
	return &Admission{Key: key}, nil
}

// originAllowed accepts any origin when the list is empty, and requests that
// carry no Origin header.
func originAllowed(allowed []string, origin string) bool {
	if len(allowed) == 0 || origin == "" {
		return true
	}
	for _, o := range allowed {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}
