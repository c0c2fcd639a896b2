package admin

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"imghost/internal/auth"
	"imghost/internal/events"
	"imghost/internal/keys"
	"imghost/internal/model"
	"imghost/internal/usage"
)

const (
	defaultEventLimit = 100
	maxEventLimit     = 1000
	defaultUsageDays  = 30
)

// EventLister reads the event log.
type EventLister interface {
	List(ctx context.Context, f events.Filter) ([]model.Event, error)
}

type ResetQuotaRequest struct {
	QuotaType usage.Period `json:"quota_type"`
}

type Handler struct {
	keys   keys.Manager
	events EventLister
	now    func() time.Time
}

func NewHandler(manager keys.Manager, log EventLister) *Handler {
	return &Handler{keys: manager, events: log, now: time.Now}
}

func (h *Handler) CreateKeyHandler(c *gin.Context) {
	var req keys.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	if req.OwnerID == uuid.Nil {
		req.OwnerID = uuid.New()
	}
	created, err := h.keys.Create(c.Request.Context(), req)
	if err != nil {
		auth.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (h *Handler) ListKeysHandler(c *gin.Context) {
	var owner uuid.UUID
	if raw := c.Query("owner_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid owner_id"})
			return
		}
		owner = id
	}
	list, err := h.keys.List(c.Request.Context(), owner)
	if err != nil {
		auth.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func (h *Handler) GetKeyHandler(c *gin.Context) {
	id, ok := keyID(c)
	if !ok {
		return
	}
	key, err := h.keys.Get(c.Request.Context(), id)
	if err != nil {
		auth.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, key)
}

func (h *Handler) RevokeKeyHandler(c *gin.Context) {
	id, ok := keyID(c)
	if !ok {
		return
	}
	if err := h.keys.Revoke(c.Request.Context(), id); err != nil {
		auth.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "API key revoked"})
}

func (h *Handler) ResetQuotaHandler(c *gin.Context) {
	id, ok := keyID(c)
	if !ok {
		return
	}
	req := ResetQuotaRequest{QuotaType: usage.PeriodAll}
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}
	}
	if err := h.keys.ResetQuota(c.Request.Context(), id, req.QuotaType); err != nil {
		auth.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Quota reset", "quota_type": req.QuotaType})
}

func (h *Handler) QuotaStatusHandler(c *gin.Context) {
	id, ok := keyID(c)
	if !ok {
		return
	}
	status, err := h.keys.QuotaStatus(c.Request.Context(), id)
	if err != nil {
		auth.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// UsageHandler reports usage between ?from and ?to (YYYY-MM-DD, inclusive).
// Without a range it covers the last 30 days.
func (h *Handler) UsageHandler(c *gin.Context) {
	id, ok := keyID(c)
	if !ok {
		return
	}
	to := h.now().UTC()
	from := to.AddDate(0, 0, -(defaultUsageDays - 1))
	var err error
	if raw := c.Query("from"); raw != "" {
		if from, err = time.Parse(model.DayFormat, raw); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid from date"})
			return
		}
	}
	if raw := c.Query("to"); raw != "" {
		if to, err = time.Parse(model.DayFormat, raw); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid to date"})
			return
		}
	}
	report, err := h.keys.Usage(c.Request.Context(), id, from, to)
	if err != nil {
		auth.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *Handler) ListEventsHandler(c *gin.Context) {
	f := events.Filter{
		Type:        model.EventType(c.Query("type")),
		Unprocessed: c.Query("unprocessed") == "true",
		Limit:       defaultEventLimit,
	}
	if raw := c.Query("after_id"); raw != "" {
		after, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid after_id"})
			return
		}
		f.AfterID = uint(after)
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid limit"})
			return
		}
		if limit > maxEventLimit {
			limit = maxEventLimit
		}
		f.Limit = limit
	}
	evs, err := h.events.List(c.Request.Context(), f)
	if err != nil {
		auth.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, evs)
}

func keyID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid ID format"})
		return uuid.Nil, false
	}
	return id, true
}
