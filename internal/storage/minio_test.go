package storage

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imghost/internal/config"
)

// fakeS3 serves the path-style subset of the S3 API that MinioStore uses.
type fakeS3 struct {
	mu      sync.Mutex
	buckets map[string]bool
	objects map[string][]byte
	types   map[string]string
}

func newFakeS3() *fakeS3 {
	return &fakeS3{
		buckets: make(map[string]bool),
		objects: make(map[string][]byte),
		types:   make(map[string]string),
	}
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	bucket, key, _ := strings.Cut(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if key == "" {
		f.serveBucket(w, r, bucket)
		return
	}
	if !f.buckets[bucket] {
		writeS3Error(w, http.StatusNotFound, "NoSuchBucket", r.Method)
		return
	}
	id := bucket + "/" + key

	switch r.Method {
	case http.MethodPut:
		data, err := io.ReadAll(r.Body)
		if err != nil {
			writeS3Error(w, http.StatusBadRequest, "IncompleteBody", r.Method)
			return
		}
		f.objects[id] = data
		f.types[id] = r.Header.Get("Content-Type")
		w.Header().Set("ETag", etag(data))
		w.WriteHeader(http.StatusOK)
	case http.MethodGet, http.MethodHead:
		data, ok := f.objects[id]
		if !ok {
			writeS3Error(w, http.StatusNotFound, "NoSuchKey", r.Method)
			return
		}
		w.Header().Set("ETag", etag(data))
		w.Header().Set("Last-Modified", time.Now().UTC().Format(http.TimeFormat))
		w.Header().Set("Content-Type", f.types[id])
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodGet {
			_, _ = w.Write(data)
		}
	case http.MethodDelete:
		delete(f.objects, id)
		w.WriteHeader(http.StatusNoContent)
	default:
		writeS3Error(w, http.StatusMethodNotAllowed, "MethodNotAllowed", r.Method)
	}
}

func (f *fakeS3) serveBucket(w http.ResponseWriter, r *http.Request, bucket string) {
	switch r.Method {
	case http.MethodHead:
		if !f.buckets[bucket] {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	case http.MethodPut:
		f.buckets[bucket] = true
		w.WriteHeader(http.StatusOK)
	default:
		writeS3Error(w, http.StatusMethodNotAllowed, "MethodNotAllowed", r.Method)
	}
}

func (f *fakeS3) hasBucket(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.buckets[name]
}

func (f *fakeS3) object(id string) ([]byte, string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[id]
	return data, f.types[id], ok
}

func writeS3Error(w http.ResponseWriter, status int, code, method string) {
	if method == http.MethodHead {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	fmt.Fprintf(w, "<?xml version=\"1.0\" encoding=\"UTF-8\"?>\n<Error><Code>%s</Code><Message>%s</Message></Error>", code, code)
}

func etag(data []byte) string {
	sum := md5.Sum(data)
	return `"` + hex.EncodeToString(sum[:]) + `"`
}

func newTestMinioStore(t *testing.T) (*MinioStore, *fakeS3) {
	t.Helper()
	fake := newFakeS3()
	srv := httptest.NewTLSServer(fake)
	t.Cleanup(srv.Close)

	store, err := newMinioStore(context.Background(), config.MinioConfig{
		Endpoint:  srv.Listener.Addr().String(),
		AccessKey: "access",
		SecretKey: "secret",
		Bucket:    "images",
		Region:    "us-east-1",
		UseSSL:    true,
	}, srv.Client().Transport)
	require.NoError(t, err)
	return store, fake
}

// testStoreContract checks the behavior every Store implementation shares.
func testStoreContract(t *testing.T, store Store) {
	ctx := context.Background()
	p := OriginalPath("ee11", "png")

	ok, err := store.Exists(ctx, p)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = store.Get(ctx, p)
	assert.ErrorIs(t, err, ErrNotExist)

	require.NoError(t, store.Put(ctx, p, []byte("pixels"), "image/png"))
	require.NoError(t, store.Put(ctx, p, []byte("pixels"), "image/png"))

	ok, err = store.Exists(ctx, p)
	require.NoError(t, err)
	assert.True(t, ok)

	data, err := store.Get(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, []byte("pixels"), data)

	require.NoError(t, store.Delete(ctx, p))
	require.NoError(t, store.Delete(ctx, p))
	ok, err = store.Exists(ctx, p)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Error(t, store.Put(ctx, "", []byte("x"), "image/png"))
	_, err = store.Get(ctx, "/")
	assert.Error(t, err)
}

func TestStoreContract(t *testing.T) {
	t.Run("local", func(t *testing.T) {
		store, err := NewLocalStore(t.TempDir())
		require.NoError(t, err)
		testStoreContract(t, store)
	})
	t.Run("minio", func(t *testing.T) {
		store, _ := newTestMinioStore(t)
		testStoreContract(t, store)
	})
}

func TestMinioStore_CreatesBucket(t *testing.T) {
	_, fake := newTestMinioStore(t)
	assert.True(t, fake.hasBucket("images"))
}

func TestMinioStore_ObjectLayout(t *testing.T) {
	store, fake := newTestMinioStore(t)
	ctx := context.Background()
	p := VariantPath("ab12cd", "thumbnail", "jpg")

	require.NoError(t, store.Put(ctx, "/"+p, []byte("thumb"), "image/jpeg"))

	data, contentType, ok := fake.object("images/" + p)
	require.True(t, ok, "key is stored without a leading slash")
	assert.Equal(t, []byte("thumb"), data)
	assert.Equal(t, "image/jpeg", contentType)
}

// A real server is used when IMGHOST_TEST_MINIO_ENDPOINT is set, e.g. a local
// minio container started with default credentials.
func TestMinioStore_Server(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping minio server test in short mode")
	}
	endpoint := os.Getenv("IMGHOST_TEST_MINIO_ENDPOINT")
	if endpoint == "" {
		t.Skip("IMGHOST_TEST_MINIO_ENDPOINT not set")
	}
	cfg := config.MinioConfig{
		Endpoint:  endpoint,
		AccessKey: envOr("IMGHOST_TEST_MINIO_ACCESS_KEY", "minioadmin"),
		SecretKey: envOr("IMGHOST_TEST_MINIO_SECRET_KEY", "minioadmin"),
		Bucket:    "imghost-test",
	}
	store, err := NewMinioStore(context.Background(), cfg)
	require.NoError(t, err)
	testStoreContract(t, store)
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}
