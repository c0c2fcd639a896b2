package admission

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"imghost/internal/apperr"
	"imghost/internal/config"
	"imghost/internal/db"
	"imghost/internal/keys"
	"imghost/internal/logger"
	"imghost/internal/model"
	"imghost/internal/ratelimit"
	"imghost/internal/usage"
)

var testNow = time.Date(2026, 2, 10, 15, 0, 0, 0, time.UTC)

type fixture struct {
	gate   *Gate
	keys   *keys.Service
	ledger *usage.Ledger
	db     *gorm.DB
}

func setup(t *testing.T) *fixture {
	gormDB, err := db.Init(config.DatabaseConfig{Type: "sqlite", DSN: "file::memory:"})
	require.NoError(t, err)
	clock := func() time.Time { return testNow }
	ledger := usage.NewLedger(gormDB).WithClock(clock)
	limiter := ratelimit.NewLimiter(ratelimit.NewMemoryStore()).WithClock(clock)
	keySvc := keys.NewService(gormDB, ledger, limiter, model.Limits{
		DailyLimit:        1000,
		MonthlyLimit:      30000,
		MaxImages:         100,
		MaxImageSizeBytes: 1 << 20,
		RateLimits:        model.RateLimits{RequestsPerMinute: 60, RequestsPerHour: 1000, RequestsPerDay: 1000},
	}, logger.Discard())
	return &fixture{
		gate:   NewGate(gormDB, keySvc, limiter, ledger, logger.Discard()),
		keys:   keySvc,
		ledger: ledger,
		db:     gormDB,
	}
}

func TestAdmit_Authentication(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	t.Run("malformed key", func(t *testing.T) {
		_, err := f.gate.Admit(ctx, Request{RawKey: "not-a-key"})
		e, ok := apperr.As(err)
		require.True(t, ok)
		assert.Equal(t, apperr.KindAuthentication, e.Kind)
		assert.Equal(t, apperr.ReasonInvalidKey, e.Reason)
	})

	t.Run("unknown key", func(t *testing.T) {
		_, err := f.gate.Admit(ctx, Request{RawKey: "ik_abcdefghijklmnopqrstuvwxyz012345"})
		assert.Equal(t, apperr.KindAuthentication, apperr.KindOf(err))
	})

	t.Run("revoked key", func(t *testing.T) {
		created, err := f.keys.Create(ctx, keys.CreateRequest{Name: "old"})
		require.NoError(t, err)
		require.NoError(t, f.keys.Revoke(ctx, created.Key.ID))

		_, err = f.gate.Admit(ctx, Request{RawKey: created.RawKey})
		assert.Equal(t, apperr.KindAuthentication, apperr.KindOf(err))
	})

	t.Run("origin", func(t *testing.T) {
		created, err := f.keys.Create(ctx, keys.CreateRequest{Name: "site", AllowedOrigins: []string{"https://good.example"}})
		require.NoError(t, err)

		_, err = f.gate.Admit(ctx, Request{RawKey: created.RawKey, Origin: "https://evil.example"})
		e, ok := apperr.As(err)
		require.True(t, ok)
		assert.Equal(t, apperr.ReasonOriginNotAllowed, e.Reason)

		adm, err := f.gate.Admit(ctx, Request{RawKey: created.RawKey, Origin: "https://good.example"})
		require.NoError(t, err)
		assert.Equal(t, created.Key.ID, adm.Key.ID)
	})
}

func TestAdmit_DailyQuotaAndReset(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	created, err := f.keys.Create(ctx, keys.CreateRequest{
		Name:       "busy",
		DailyLimit: 1000,
		RateLimits: model.RateLimits{RequestsPerMinute: 5000, RequestsPerHour: 5000, RequestsPerDay: 5000},
	})
	require.NoError(t, err)
	req := Request{RawKey: created.RawKey}

	for i := 0; i < 1000; i++ {
		_, err := f.gate.Admit(ctx, req)
		require.NoError(t, err, "request %d", i+1)
	}

	_, err = f.gate.Admit(ctx, req)
	e, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.KindQuotaExceeded, e.Kind)
	assert.Equal(t, "daily", e.Reason)
	assert.Equal(t, int64(1000), e.Current)
	assert.Equal(t, int64(1000), e.Limit)

	// The denied request did not count.
	daily, err := f.ledger.DailyRequests(ctx, created.Key.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), daily)

	require.NoError(t, f.keys.ResetQuota(ctx, created.Key.ID, usage.PeriodDaily))
	_, err = f.gate.Admit(ctx, req)
	assert.NoError(t, err)
}

func TestAdmit_RateLimited(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	created, err := f.keys.Create(ctx, keys.CreateRequest{
		Name:       "burst",
		RateLimits: model.RateLimits{RequestsPerMinute: 2, RequestsPerHour: 100, RequestsPerDay: 100},
	})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := f.gate.Admit(ctx, Request{RawKey: created.RawKey})
		require.NoError(t, err)
	}
	_, err = f.gate.Admit(ctx, Request{RawKey: created.RawKey})
	e, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.KindRateLimited, e.Kind)
	assert.Equal(t, 30*time.Second, e.RetryAfter)

	// Rate-limited requests never reach the ledger.
	daily, err := f.ledger.DailyRequests(ctx, created.Key.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), daily)
}

func TestAdmit_Concurrent(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	created, err := f.keys.Create(ctx, keys.CreateRequest{
		Name:       "parallel",
		RateLimits: model.RateLimits{RequestsPerMinute: 60, RequestsPerHour: 1000, RequestsPerDay: 1000},
	})
	require.NoError(t, err)

	var admitted int64
	var wg sync.WaitGroup
	for i := 0; i < 150; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.gate.Admit(ctx, Request{RawKey: created.RawKey}); err == nil {
				atomic.AddInt64(&admitted, 1)
			} else {
				assert.Equal(t, apperr.KindRateLimited, apperr.KindOf(err))
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(60), admitted)
	daily, err := f.ledger.DailyRequests(ctx, created.Key.ID)
	require.NoError(t, err)
	assert.Equal(t, admitted, daily)
}

func TestOriginAllowed(t *testing.T) {
	assert.True(t, originAllowed(nil, "https://a"))
	assert.True(t, originAllowed([]string{"https://a"}, ""))
	assert.True(t, originAllowed([]string{"*"}, "https://b"))
	assert.False(t, originAllowed([]string{"https://a"}, "https://b"))
}

func TestAdmit_UnknownKeyUsesNoLedger(t *testing.T) {
	f := setup(t)
	_, err := f.gate.Admit(context.Background(), Request{RawKey: "ik_abcdefghijklmnopqrstuvwxyz012345"})
	require.Error(t, err)

	var count int64
	f.db.Model(&model.UsageCounter{}).Where("api_key_id <> ?", uuid.Nil).Count(&count)
	assert.Equal(t, int64(0), count)
}
