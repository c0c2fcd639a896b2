package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imghost/internal/admission"
	"imghost/internal/config"
	"imghost/internal/db"
	"imghost/internal/events"
	"imghost/internal/images"
	"imghost/internal/ingest"
	"imghost/internal/keys"
	"imghost/internal/logger"
	"imghost/internal/metrics"
	"imghost/internal/model"
	"imghost/internal/queue"
	"imghost/internal/ratelimit"
	"imghost/internal/storage"
	"imghost/internal/usage"
)

type fixture struct {
	router  *gin.Engine
	keys    *keys.Service
	imgs    *images.Service
	blobs   *storage.LocalStore
	metrics *metrics.Metrics
	alice   string
	bob     string
}

func setup(t *testing.T) *fixture {
	gin.SetMode(gin.TestMode)
	gormDB, err := db.Init(config.DatabaseConfig{Type: "sqlite", DSN: "file::memory:"})
	require.NoError(t, err)
	blobs, err := storage.NewLocalStore(t.TempDir())
	require.NoError(t, err)

	ledger := usage.NewLedger(gormDB)
	limiter := ratelimit.NewLimiter(ratelimit.NewMemoryStore())
	log := events.NewLog(gormDB)
	q := queue.New(gormDB, log, queue.Config{}, logger.Discard())
	keySvc := keys.NewService(gormDB, ledger, limiter, model.Limits{
		DailyLimit:        1000,
		MonthlyLimit:      30000,
		MaxImages:         100,
		MaxImageSizeBytes: 1 << 20,
		RateLimits:        model.RateLimits{RequestsPerMinute: 100, RequestsPerHour: 1000, RequestsPerDay: 1000},
	}, logger.Discard())
	gate := admission.NewGate(gormDB, keySvc, limiter, ledger, logger.Discard())
	ing := ingest.NewStore(gormDB, blobs, q, log, ledger, ingest.Config{
		AllowedMimeTypes: []string{"image/jpeg", "image/png", "image/gif", "image/webp"},
	}, logger.Discard())
	imgs := images.NewService(gormDB, blobs, ledger, log, logger.Discard())

	m := metrics.New()

	router := gin.New()
	router.Use(CORS(nil))
	SetupRoutes(router, NewHandler(ing, imgs, q, m, 2<<20), gate)

	ctx := context.Background()
	alice, err := keySvc.Create(ctx, keys.CreateRequest{OwnerID: uuid.New(), Name: "alice"})
	require.NoError(t, err)
	bob, err := keySvc.Create(ctx, keys.CreateRequest{OwnerID: uuid.New(), Name: "bob"})
	require.NoError(t, err)
	return &fixture{router: router, keys: keySvc, imgs: imgs, blobs: blobs, metrics: m, alice: alice.RawKey, bob: bob.RawKey}
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 30, 20))
	for x := 0; x < 30; x++ {
		img.Set(x, x%20, color.RGBA{G: 255, A: 255})
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func uploadRequest(t *testing.T, key string, data []byte, mime string, fields map[string]string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	h := textproto.MIMEHeader{}
	h.Set("Content-Disposition", `form-data; name="file"; filename="pic"`)
	h.Set("Content-Type", mime)
	part, err := w.CreatePart(h)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	require.NoError(t, w.Close())

	req, _ := http.NewRequest(http.MethodPost, "/v1/uploads", &body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("x-api-key", key)
	return req
}

func (f *fixture) do(req *http.Request) *httptest.ResponseRecorder {
	resp := httptest.NewRecorder()
	f.router.ServeHTTP(resp, req)
	return resp
}

func (f *fixture) get(key, path string) *httptest.ResponseRecorder {
	req, _ := http.NewRequest(http.MethodGet, path, nil)
	req.Header.Set("Authorization", "Bearer "+key)
	return f.do(req)
}

type uploadResponse struct {
	Image          model.Image           `json:"image"`
	URLs           map[string]string     `json:"urls"`
	AlreadyExisted bool                  `json:"already_existed"`
	Jobs           []model.ProcessingJob `json:"jobs"`
}

func TestUploadAndServe(t *testing.T) {
	f := setup(t)
	data := pngBytes(t)

	resp := f.do(uploadRequest(t, f.alice, data, "image/png", map[string]string{"resize": "10,20"}))
	require.Equal(t, http.StatusCreated, resp.Code, resp.Body.String())
	var first uploadResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &first))
	assert.False(t, first.AlreadyExisted)
	assert.Len(t, first.Jobs, 4)
	assert.Equal(t, 30, first.Image.Width)
	assert.False(t, first.Image.IsPublic)
	assert.Len(t, first.URLs, 5)
	assert.Equal(t, "/v1/images/"+first.Image.ID.String()+"/raw?variant=w10", first.URLs["w10"])

	resp = f.do(uploadRequest(t, f.alice, data, "image/png", nil))
	require.Equal(t, http.StatusOK, resp.Code)
	var second uploadResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &second))
	assert.True(t, second.AlreadyExisted)
	assert.Equal(t, first.Image.ID, second.Image.ID)

	path := "/v1/images/" + first.Image.ID.String()

	resp = f.get(f.alice, path)
	assert.Equal(t, http.StatusOK, resp.Code)

	resp = f.get(f.alice, path+"/raw")
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "image/png", resp.Header().Get("Content-Type"))
	assert.Equal(t, data, resp.Body.Bytes())

	resp = f.get(f.alice, path+"/raw?variant=thumbnail")
	assert.Equal(t, http.StatusNotFound, resp.Code)

	resp = f.get(f.alice, path+"/jobs")
	assert.Equal(t, http.StatusOK, resp.Code)
	var jobs []model.ProcessingJob
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &jobs))
	assert.Len(t, jobs, 4)

	// Private images are invisible to other owners.
	resp = f.get(f.bob, path)
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestPublicImageVisibleToOthers(t *testing.T) {
	f := setup(t)
	resp := f.do(uploadRequest(t, f.alice, pngBytes(t), "image/png", map[string]string{"visibility": "public"}))
	require.Equal(t, http.StatusCreated, resp.Code)
	var up uploadResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &up))

	resp = f.get(f.bob, "/v1/images/"+up.Image.ID.String()+"/raw")
	assert.Equal(t, http.StatusOK, resp.Code)
}

func TestDeleteImage(t *testing.T) {
	f := setup(t)
	resp := f.do(uploadRequest(t, f.alice, pngBytes(t), "image/png", map[string]string{"visibility": "public"}))
	require.Equal(t, http.StatusCreated, resp.Code)
	var up uploadResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &up))
	path := "/v1/images/" + up.Image.ID.String()

	req, _ := http.NewRequest(http.MethodDelete, path, nil)
	req.Header.Set("x-api-key", f.bob)
	assert.Equal(t, http.StatusNotFound, f.do(req).Code)

	req, _ = http.NewRequest(http.MethodDelete, path, nil)
	req.Header.Set("x-api-key", f.alice)
	assert.Equal(t, http.StatusNoContent, f.do(req).Code)

	assert.Equal(t, http.StatusNotFound, f.get(f.alice, path).Code)
}

func TestUploadValidation(t *testing.T) {
	f := setup(t)

	resp := f.do(uploadRequest(t, f.alice, []byte("hello"), "text/plain", nil))
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	resp = f.do(uploadRequest(t, f.alice, pngBytes(t), "image/png", map[string]string{"resize": "wide"}))
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	resp = f.do(uploadRequest(t, f.alice, pngBytes(t), "image/png", map[string]string{"visibility": "friends"}))
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	resp = f.do(uploadRequest(t, f.alice, pngBytes(t), "image/png", map[string]string{"expires_in": "-5"}))
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	resp = f.do(uploadRequest(t, f.alice, append(pngBytes(t), make([]byte, 1<<20)...), "image/png", nil))
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.Code)

	req, _ := http.NewRequest(http.MethodPost, "/v1/uploads", bytes.NewReader(nil))
	req.Header.Set("x-api-key", f.alice)
	assert.Equal(t, http.StatusBadRequest, f.do(req).Code)
}

func TestUploadExpiry(t *testing.T) {
	f := setup(t)
	resp := f.do(uploadRequest(t, f.alice, pngBytes(t), "image/png", map[string]string{"expires_in": "3600"}))
	require.Equal(t, http.StatusCreated, resp.Code)
	var up uploadResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &up))
	require.NotNil(t, up.Image.ExpiresAt)
	assert.WithinDuration(t, time.Now().Add(time.Hour), *up.Image.ExpiresAt, time.Minute)
}

func TestAuthRequired(t *testing.T) {
	f := setup(t)
	req, _ := http.NewRequest(http.MethodGet, "/v1/images/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusUnauthorized, f.do(req).Code)

	assert.Equal(t, http.StatusUnauthorized, f.get("ik_00000000000000000000000000000000", "/v1/images/"+uuid.NewString()).Code)
	assert.Equal(t, http.StatusNotFound, f.get(f.alice, "/v1/images/not-a-uuid").Code)
}

func TestCORSPreflight(t *testing.T) {
	f := setup(t)
	req, _ := http.NewRequest(http.MethodOptions, "/v1/uploads", nil)
	req.Header.Set("Origin", "https://gallery.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	resp := f.do(req)
	assert.Equal(t, http.StatusNoContent, resp.Code)
	assert.Equal(t, "*", resp.Header().Get("Access-Control-Allow-Origin"))
}

func TestUploadDedupAcrossOwners(t *testing.T) {
	f := setup(t)
	data := pngBytes(t)

	resp := f.do(uploadRequest(t, f.alice, data, "image/png", nil))
	require.Equal(t, http.StatusCreated, resp.Code)
	var own map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &own))
	var ownImage map[string]interface{}
	require.NoError(t, json.Unmarshal(own["image"], &ownImage))
	assert.Contains(t, ownImage, "owner_id")
	assert.Contains(t, ownImage, "api_key_id")
	assert.Contains(t, own, "urls")

	resp = f.do(uploadRequest(t, f.bob, data, "image/png", nil))
	require.Equal(t, http.StatusOK, resp.Code)
	var other map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &other))
	var otherImage map[string]interface{}
	require.NoError(t, json.Unmarshal(other["image"], &otherImage))
	assert.Equal(t, ownImage["id"], otherImage["id"])
	assert.NotContains(t, otherImage, "owner_id")
	assert.NotContains(t, otherImage, "api_key_id")
	assert.NotContains(t, other, "urls")
	assert.Equal(t, "true", string(other["already_existed"]))
}

func TestPublicImageHidesOwner(t *testing.T) {
	f := setup(t)
	resp := f.do(uploadRequest(t, f.alice, pngBytes(t), "image/png", map[string]string{"visibility": "public"}))
	require.Equal(t, http.StatusCreated, resp.Code)
	var up uploadResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &up))

	resp = f.get(f.bob, "/v1/images/"+up.Image.ID.String())
	require.Equal(t, http.StatusOK, resp.Code)
	var body struct {
		Image map[string]interface{} `json:"image"`
		URLs  map[string]string      `json:"urls"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	assert.NotContains(t, body.Image, "owner_id")
	assert.NotEmpty(t, body.URLs)
}

func TestRawVariantSelection(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	resp := f.do(uploadRequest(t, f.alice, pngBytes(t), "image/png", nil))
	require.Equal(t, http.StatusCreated, resp.Code)
	var up uploadResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &up))

	for name, v := range map[string]model.Variant{
		"thumbnail": {Mime: "image/jpeg", Width: 12, Height: 8},
		"w20":       {Mime: "image/png", Width: 20, Height: 13},
		"webp":      {Mime: "image/webp", Width: 30, Height: 20},
	} {
		v.Path = storage.VariantPath(up.Image.SHA256, name, storage.Ext(v.Mime))
		require.NoError(t, f.blobs.Put(ctx, v.Path, []byte(name), v.Mime))
		require.NoError(t, f.imgs.MergeVariant(ctx, up.Image.ID, name, v))
	}
	raw := "/v1/images/" + up.Image.ID.String() + "/raw"

	tests := []struct {
		query   string
		variant string
		mime    string
	}{
		{"", "original", "image/png"},
		{"?w=10", "thumbnail", "image/jpeg"},
		{"?w=19", "w20", "image/png"},
		{"?w=29", "original", "image/png"},
		{"?format=webp", "webp", "image/webp"},
		{"?format=avif", "original", "image/png"},
		{"?variant=w20&w=10", "w20", "image/png"},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			resp := f.get(f.alice, raw+tt.query)
			require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
			assert.Equal(t, tt.variant, resp.Header().Get("X-Image-Variant"))
			assert.Equal(t, tt.mime, resp.Header().Get("Content-Type"))
		})
	}

	assert.Equal(t, http.StatusBadRequest, f.get(f.alice, raw+"?w=abc").Code)
	assert.Equal(t, http.StatusNotFound, f.get(f.bob, raw+"?w=10").Code)
}

func TestMetricsCounted(t *testing.T) {
	f := setup(t)
	data := pngBytes(t)
	resp := f.do(uploadRequest(t, f.alice, data, "image/png", nil))
	require.Equal(t, http.StatusCreated, resp.Code)
	var up uploadResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &up))
	require.Equal(t, http.StatusOK, f.get(f.alice, "/v1/images/"+up.Image.ID.String()+"/raw").Code)
	require.Equal(t, http.StatusNotFound, f.get(f.alice, "/v1/images/"+uuid.NewString()).Code)

	w := httptest.NewRecorder()
	f.metrics.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := w.Body.String()
	assert.Contains(t, body, "imghost_uploads_total 1")
	assert.Contains(t, body, "imghost_downloads_total 1")
	assert.Contains(t, body, fmt.Sprintf(`imghost_bytes_processed_total{operation="download"} %d`, len(data)))
	assert.Contains(t, body, `imghost_errors_total{type="not_found"} 1`)
}

func TestParseWidths(t *testing.T) {
	widths, err := parseWidths([]string{"320, 640", "", "1024"})
	require.NoError(t, err)
	assert.Equal(t, []int{320, 640, 1024}, widths)

	_, err = parseWidths([]string{"0"})
	assert.Error(t, err)
}
