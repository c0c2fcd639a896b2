package quota

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"imghost/internal/apperr"
	"imghost/internal/config"
	"imghost/internal/db"
	"imghost/internal/model"
	"imghost/internal/usage"
)

var now = time.Date(2026, 7, 10, 12, 0, 0, 0, time.UTC)

func setup(t *testing.T) (*Enforcer, *gorm.DB) {
	gormDB, err := db.Init(config.DatabaseConfig{Type: "sqlite", DSN: "file::memory:"})
	require.NoError(t, err)
	ledger := usage.NewLedger(gormDB).WithClock(func() time.Time { return now })
	return NewEnforcer(ledger), gormDB
}

func newKey(daily, monthly int64) *model.APIKey {
	return &model.APIKey{
		ID:     uuid.New(),
		Limits: datatypes.NewJSONType(model.Limits{DailyLimit: daily, MonthlyLimit: monthly}),
	}
}

func TestCheckQuota(t *testing.T) {
	enforcer, gormDB := setup(t)
	ctx := context.Background()

	t.Run("under limits", func(t *testing.T) {
		key := newKey(10, 100)
		gormDB.Create(&model.UsageCounter{Date: "2026-07-10", APIKeyID: key.ID, Requests: 9})
		dec, err := enforcer.CheckQuota(ctx, key)
		require.NoError(t, err)
		assert.True(t, dec.Allowed)
		assert.NoError(t, dec.Err())
	})

	t.Run("daily exhausted", func(t *testing.T) {
		key := newKey(10, 100)
		gormDB.Create(&model.UsageCounter{Date: "2026-07-10", APIKeyID: key.ID, Requests: 10})
		dec, err := enforcer.CheckQuota(ctx, key)
		require.NoError(t, err)
		assert.False(t, dec.Allowed)
		assert.Equal(t, "daily", dec.LimitType)
		assert.Equal(t, int64(10), dec.Current)
		assert.Equal(t, int64(10), dec.Limit)
		assert.Equal(t, apperr.KindQuotaExceeded, apperr.KindOf(dec.Err()))
	})

	t.Run("daily reported before monthly", func(t *testing.T) {
		key := newKey(5, 5)
		gormDB.Create(&model.UsageCounter{Date: "2026-07-10", APIKeyID: key.ID, Requests: 5})
		dec, err := enforcer.CheckQuota(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, "daily", dec.LimitType)
	})

	t.Run("monthly exhausted", func(t *testing.T) {
		key := newKey(10, 20)
		gormDB.Create(&model.UsageCounter{Date: "2026-07-01", APIKeyID: key.ID, Requests: 15})
		gormDB.Create(&model.UsageCounter{Date: "2026-07-10", APIKeyID: key.ID, Requests: 5})
		dec, err := enforcer.CheckQuota(ctx, key)
		require.NoError(t, err)
		assert.False(t, dec.Allowed)
		assert.Equal(t, "monthly", dec.LimitType)
		assert.Equal(t, int64(20), dec.Current)
	})

	t.Run("previous month ignored", func(t *testing.T) {
		key := newKey(10, 20)
		gormDB.Create(&model.UsageCounter{Date: "2026-06-30", APIKeyID: key.ID, Requests: 500})
		dec, err := enforcer.CheckQuota(ctx, key)
		require.NoError(t, err)
		assert.True(t, dec.Allowed)
	})

	t.Run("revoked key", func(t *testing.T) {
		key := newKey(10, 20)
		revoked := now
		key.RevokedAt = &revoked
		dec, err := enforcer.CheckQuota(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, "invalid_key", dec.LimitType)
		assert.Equal(t, apperr.KindAuthentication, apperr.KindOf(dec.Err()))
	})

	t.Run("unknown key", func(t *testing.T) {
		dec, err := enforcer.CheckQuota(ctx, nil)
		require.NoError(t, err)
		assert.Equal(t, "invalid_key", dec.LimitType)
	})
}

func TestCheckQuotaWith_Pending(t *testing.T) {
	enforcer, gormDB := setup(t)
	ctx := context.Background()
	key := newKey(3, 100)
	gormDB.Create(&model.UsageCounter{Date: "2026-07-10", APIKeyID: key.ID, Requests: 3})

	ledger := usage.NewLedger(gormDB).WithClock(func() time.Time { return now })
	dec, err := enforcer.CheckQuotaWith(ctx, ledger, key, 1)
	require.NoError(t, err)
	assert.True(t, dec.Allowed, "the third request itself is within the limit")

	gormDB.Model(&model.UsageCounter{}).Where("api_key_id = ?", key.ID).Update("requests", 4)
	dec, err = enforcer.CheckQuotaWith(ctx, ledger, key, 1)
	require.NoError(t, err)
	assert.False(t, dec.Allowed)
	assert.Equal(t, int64(3), dec.Current)
}
