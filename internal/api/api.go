// Package api exposes uploads and image delivery over HTTP.
package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"imghost/internal/apperr"
	"imghost/internal/auth"
	"imghost/internal/images"
	"imghost/internal/ingest"
	"imghost/internal/metrics"
	"imghost/internal/model"
)

// Ingester stores uploads.
type Ingester interface {
	Ingest(ctx context.Context, req ingest.Request) (*ingest.Result, error)
}

// JobLister reports the processing jobs of an image.
type JobLister interface {
	ForImage(ctx context.Context, imageID uuid.UUID) ([]model.ProcessingJob, error)
}

type Handler struct {
	ingest       Ingester
	images       *images.Service
	jobs         JobLister
	metrics      *metrics.Metrics
	maxBodyBytes int64
	now          func() time.Time
}

// NewHandler builds the client API. m may be nil.
func NewHandler(ing Ingester, imgs *images.Service, jobs JobLister, m *metrics.Metrics, maxBodyBytes int64) *Handler {
	if maxBodyBytes <= 0 {
		maxBodyBytes = 32 << 20
	}
	return &Handler{ingest: ing, images: imgs, jobs: jobs, metrics: m, maxBodyBytes: maxBodyBytes, now: time.Now}
}

// imageView hides ownership from callers that do not own the image.
type imageView struct {
	*model.Image
	OwnerID  *uuid.UUID `json:"owner_id,omitempty"`
	APIKeyID *uuid.UUID `json:"api_key_id,omitempty"`
}

func viewOf(caller *model.APIKey, img *model.Image) imageView {
	v := imageView{Image: img}
	if owns(caller, img) {
		v.OwnerID = &img.OwnerID
		v.APIKeyID = &img.APIKeyID
	}
	return v
}

func owns(caller *model.APIKey, img *model.Image) bool {
	return caller != nil && caller.OwnerID == img.OwnerID
}

func (h *Handler) abort(c *gin.Context, err error) {
	h.metrics.RecordError(string(apperr.KindOf(err)))
	auth.AbortWithError(c, err)
}

// CORS builds the cross-origin middleware. No origins allows any origin;
// per-key origin lists are enforced at admission.
func CORS(origins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization", "X-API-Key"},
		ExposeHeaders: []string{"Retry-After"},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 0 {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
	}
	return cors.New(cfg)
}

func SetupRoutes(router *gin.Engine, h *Handler, gate auth.Admitter) {
	v1 := router.Group("/v1")
	v1.Use(auth.APIKeyMiddleware(gate))
	{
		v1.POST("/uploads", h.UploadHandler)

		imagesGroup := v1.Group("/images")
		{
			imagesGroup.GET("/:id", h.GetImageHandler)
			imagesGroup.GET("/:id/raw", h.RawImageHandler)
			imagesGroup.GET("/:id/jobs", h.ImageJobsHandler)
			imagesGroup.DELETE("/:id", h.DeleteImageHandler)
		}
	}
}

// UploadHandler accepts a multipart "file" with optional "visibility"
// (public|private), repeated or comma separated "resize" widths and
// "expires_in" seconds. New images answer 201, deduplicated ones 200.
func (h *Handler) UploadHandler(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBodyBytes)

	fh, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.abort(c, apperr.Validation(apperr.ReasonFileTooLarge, "request body too large"))
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required", "type": string(apperr.KindValidation)})
		return
	}
	f, err := fh.Open()
	if err != nil {
		h.abort(c, apperr.Internal("open upload", err))
		return
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		h.abort(c, apperr.Internal("read upload", err))
		return
	}

	caller := auth.Key(c)
	req := ingest.Request{
		Key:      caller,
		Data:     data,
		Mime:     fh.Header.Get("Content-Type"),
		Filename: fh.Filename,
	}
	switch v := c.PostForm("visibility"); v {
	case "", "private":
	case "public":
		req.Public = true
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "visibility must be public or private", "type": string(apperr.KindValidation)})
		return
	}
	if req.ResizeWidths, err = parseWidths(c.PostFormArray("resize")); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "type": string(apperr.KindValidation)})
		return
	}
	if raw := c.PostForm("expires_in"); raw != "" {
		secs, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || secs <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "expires_in must be a positive number of seconds", "type": string(apperr.KindValidation)})
			return
		}
		at := h.now().UTC().Add(time.Duration(secs) * time.Second)
		req.ExpiresAt = &at
	}

	res, err := h.ingest.Ingest(c.Request.Context(), req)
	if err != nil {
		h.abort(c, err)
		return
	}
	h.metrics.RecordUpload(len(data))
	status := http.StatusCreated
	if res.AlreadyExisted {
		status = http.StatusOK
	}
	body := gin.H{
		"image":           viewOf(caller, res.Image),
		"already_existed": res.AlreadyExisted,
		"jobs":            res.Jobs,
	}
	// A deduplicated private image of another owner is not readable by the caller.
	if res.Image.IsPublic || owns(caller, res.Image) {
		body["urls"] = imageURLs(res.Image, res.Jobs)
	}
	c.JSON(status, body)
}

func (h *Handler) GetImageHandler(c *gin.Context) {
	id, ok := h.imageID(c)
	if !ok {
		return
	}
	img, err := h.images.Get(c.Request.Context(), auth.Key(c), id)
	if err != nil {
		h.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"image": viewOf(auth.Key(c), img), "urls": imageURLs(img, nil)})
}

// RawImageHandler serves the original or a variant. ?variant= names one
// directly; otherwise ?w= picks the closest resized copy and ?format= a copy
// in that encoding, falling back to the original.
func (h *Handler) RawImageHandler(c *gin.Context) {
	id, ok := h.imageID(c)
	if !ok {
		return
	}
	caller := auth.Key(c)
	variant := c.Query("variant")
	if variant == "" {
		width := 0
		if raw := c.Query("w"); raw != "" {
			w, err := strconv.Atoi(raw)
			if err != nil || w <= 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "w must be a positive integer", "type": string(apperr.KindValidation)})
				return
			}
			width = w
		}
		format := c.Query("format")
		if width > 0 || format != "" {
			img, err := h.images.Get(c.Request.Context(), caller, id)
			if err != nil {
				h.abort(c, err)
				return
			}
			variant = images.SelectVariant(img, width, format)
		}
	}
	if variant == "" {
		variant = images.OriginalVariant
	}

	blob, err := h.images.Fetch(c.Request.Context(), caller, id, variant)
	if err != nil {
		h.abort(c, err)
		return
	}
	h.metrics.RecordDownload(len(blob.Data))
	c.Header("Cache-Control", "private, max-age=86400")
	c.Header("X-Image-Variant", variant)
	c.Data(http.StatusOK, blob.Mime, blob.Data)
}

func (h *Handler) ImageJobsHandler(c *gin.Context) {
	id, ok := h.imageID(c)
	if !ok {
		return
	}
	if _, err := h.images.Get(c.Request.Context(), auth.Key(c), id); err != nil {
		h.abort(c, err)
		return
	}
	jobs, err := h.jobs.ForImage(c.Request.Context(), id)
	if err != nil {
		h.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, jobs)
}

func (h *Handler) DeleteImageHandler(c *gin.Context) {
	id, ok := h.imageID(c)
	if !ok {
		return
	}
	if err := h.images.Delete(c.Request.Context(), auth.Key(c), id); err != nil {
		h.abort(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// imageURLs maps the original and every generated or pending variant to its
// raw URL.
func imageURLs(img *model.Image, pending []model.ProcessingJob) map[string]string {
	base := "/v1/images/" + img.ID.String() + "/raw"
	urls := map[string]string{images.OriginalVariant: base}
	for name := range img.Variants.Data() {
		urls[name] = base + "?variant=" + url.QueryEscape(name)
	}
	for _, j := range pending {
		urls[j.VariantName] = base + "?variant=" + url.QueryEscape(j.VariantName)
	}
	return urls
}

func (h *Handler) imageID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		// Malformed ids cannot name an image.
		h.abort(c, apperr.NotFound("image"))
		return uuid.Nil, false
	}
	return id, true
}

func parseWidths(values []string) ([]int, error) {
	var widths []int
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			w, err := strconv.Atoi(part)
			if err != nil || w <= 0 {
				return nil, errors.New("resize widths must be positive integers")
			}
			widths = append(widths, w)
		}
	}
	return widths, nil
}
