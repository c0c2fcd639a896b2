package images

import (
	"context"
	"fmt"
	"sync"
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
	"imghost/internal/events"
	"imghost/internal/logger"
	"imghost/internal/model"
	"imghost/internal/storage"
	"imghost/internal/usage"
)

var testNow = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	svc    *Service
	db     *gorm.DB
	store  *storage.LocalStore
	ledger *usage.Ledger
	log    *events.Log
	owner  *model.APIKey
	other  *model.APIKey
}

func setup(t *testing.T) *fixture {
	gormDB, err := db.Init(config.DatabaseConfig{Type: "sqlite", DSN: "file::memory:"})
	require.NoError(t, err)
	store, err := storage.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	ledger := usage.NewLedger(gormDB).WithClock(func() time.Time { return testNow })
	log := events.NewLog(gormDB)
	svc := NewService(gormDB, store, ledger, log, logger.Discard())
	svc.now = func() time.Time { return testNow }
	return &fixture{
		svc:    svc,
		db:     gormDB,
		store:  store,
		ledger: ledger,
		log:    log,
		owner:  &model.APIKey{ID: uuid.New(), OwnerID: uuid.New()},
		other:  &model.APIKey{ID: uuid.New(), OwnerID: uuid.New()},
	}
}

func (f *fixture) image(t *testing.T, public bool) *model.Image {
	t.Helper()
	sha := uuid.NewString()
	img := &model.Image{
		OwnerID:       f.owner.OwnerID,
		APIKeyID:      f.owner.ID,
		SHA256:        sha,
		Mime:          "image/png",
		OrigSizeBytes: 5,
		Width:         1,
		Height:        1,
		StoragePath:   storage.OriginalPath(sha, "png"),
		IsPublic:      public,
		Variants: datatypes.NewJSONType(model.Variants{
			"thumbnail": {Path: storage.VariantPath(sha, "thumbnail", "jpg"), Mime: "image/jpeg", SizeBytes: 3},
		}),
	}
	require.NoError(t, f.db.Create(img).Error)
	require.NoError(t, f.store.Put(context.Background(), img.StoragePath, []byte("orig!"), img.Mime))
	require.NoError(t, f.store.Put(context.Background(), img.Variants.Data()["thumbnail"].Path, []byte("tmb"), "image/jpeg"))
	return img
}

func TestGet_Visibility(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	private := f.image(t, false)
	public := f.image(t, true)

	got, err := f.svc.Get(ctx, f.owner, private.ID)
	require.NoError(t, err)
	assert.Equal(t, private.ID, got.ID)

	_, err = f.svc.Get(ctx, f.other, private.ID)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

	_, err = f.svc.Get(ctx, f.other, public.ID)
	assert.NoError(t, err)

	_, err = f.svc.Get(ctx, f.owner, uuid.New())
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestFetch_RecordsBytesServed(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	img := f.image(t, true)

	blob, err := f.svc.Fetch(ctx, f.other, img.ID, "")
	require.NoError(t, err)
	assert.Equal(t, []byte("orig!"), blob.Data)
	assert.Equal(t, "image/png", blob.Mime)

	blob, err = f.svc.Fetch(ctx, f.other, img.ID, "thumbnail")
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", blob.Mime)

	_, err = f.svc.Fetch(ctx, f.other, img.ID, "w640")
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

	rows, err := f.ledger.Range(ctx, f.other.ID, testNow, testNow)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(8), rows[0].BytesServed)
	assert.Equal(t, int64(0), rows[0].Requests)
}

func TestDelete(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	img := f.image(t, true)

	err := f.svc.Delete(ctx, f.other, img.ID)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err), "public images are not deletable by others")

	require.NoError(t, f.svc.Delete(ctx, f.owner, img.ID))
	_, err = f.svc.Get(ctx, f.owner, img.ID)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

	var stored model.Image
	require.NoError(t, f.db.Unscoped().First(&stored, "id = ?", img.ID).Error)
	assert.True(t, stored.DeletedAt.Valid)

	evs, err := f.log.List(ctx, events.Filter{Type: model.EventImageDeleted})
	require.NoError(t, err)
	assert.Len(t, evs, 1)

	err = f.svc.Delete(ctx, f.owner, img.ID)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestMergeVariant_Concurrent(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	img := f.image(t, false)

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := fmt.Sprintf("w%d", 100*(i+1))
			assert.NoError(t, f.svc.MergeVariant(ctx, img.ID, name, model.Variant{Path: name, Mime: "image/png", Width: 100 * (i + 1)}))
		}(i)
	}
	wg.Wait()

	var stored model.Image
	require.NoError(t, f.db.First(&stored, "id = ?", img.ID).Error)
	variants := stored.Variants.Data()
	assert.Len(t, variants, 7)
	assert.Contains(t, variants, "thumbnail")
	assert.Equal(t, 300, variants["w300"].Width)
	assert.Equal(t, int64(6), stored.VariantsVersion)
}

func TestMergeVariant_DeletedImage(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	img := f.image(t, false)
	require.NoError(t, f.svc.Delete(ctx, f.owner, img.ID))

	require.NoError(t, f.svc.MergeVariant(ctx, img.ID, "optimized", model.Variant{Path: "p", Mime: "image/png"}))

	err := f.svc.MergeVariant(ctx, uuid.New(), "optimized", model.Variant{})
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestSelectVariant(t *testing.T) {
	img := &model.Image{
		Mime:   "image/png",
		Width:  1200,
		Height: 800,
		Variants: datatypes.NewJSONType(model.Variants{
			"thumbnail": {Mime: "image/jpeg", Width: 256, Height: 171},
			"w320":      {Mime: "image/png", Width: 320, Height: 213},
			"w640":      {Mime: "image/png", Width: 640, Height: 427},
			"optimized": {Mime: "image/png", Width: 1200, Height: 800},
			"webp":      {Mime: "image/webp", Width: 1200, Height: 800},
		}),
	}

	tests := []struct {
		name   string
		width  int
		format string
		want   string
	}{
		{"nothing requested", 0, "", OriginalVariant},
		{"closest below", 300, "", "w320"},
		{"closest above", 600, "", "w640"},
		{"tiny request", 10, "", "thumbnail"},
		{"original is closest", 1100, "", OriginalVariant},
		{"tie goes to larger", 288, "", "w320"},
		{"width wins over format", 640, "webp", "w640"},
		{"webp copy", 0, "webp", "webp"},
		{"jpeg copy", 0, "jpg", "thumbnail"},
		{"original format", 0, "png", OriginalVariant},
		{"no avif copy", 0, "avif", OriginalVariant},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SelectVariant(img, tt.width, tt.format))
		})
	}

	bare := &model.Image{Mime: "image/jpeg", Width: 100}
	assert.Equal(t, OriginalVariant, SelectVariant(bare, 40, ""))
	assert.Equal(t, OriginalVariant, SelectVariant(bare, 0, "webp"))
}

func TestIsResized(t *testing.T) {
	assert.True(t, isResized("thumbnail"))
	assert.True(t, isResized("w640"))
	assert.False(t, isResized("webp"))
	assert.False(t, isResized("w0"))
	assert.False(t, isResized("optimized"))
}
