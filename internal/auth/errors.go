package auth

import (
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"imghost/internal/apperr"
)

// AbortWithError renders err as the JSON error envelope and aborts the chain.
// Internal details are never exposed.
func AbortWithError(c *gin.Context, err error) {
	e, ok := apperr.As(err)
	if !ok {
		e = apperr.Internal("internal error", err)
	}
	status := apperr.HTTPStatus(e.Kind)
	if e.Reason == apperr.ReasonFileTooLarge {
		status = http.StatusRequestEntityTooLarge
	}

	body := gin.H{"error": e.Message, "type": string(e.Kind)}
	if e.Kind == apperr.KindInternal {
		body["error"] = "internal error"
		_ = c.Error(err)
	}
	if e.Reason != "" {
		body["reason"] = e.Reason
	}
	if e.Kind == apperr.KindRateLimited {
		secs := int64(math.Ceil(e.RetryAfter.Seconds()))
		if secs < 1 {
			secs = 1
		}
		c.Header("Retry-After", strconv.FormatInt(secs, 10))
		body["retry_after"] = secs
	}
	if e.Kind == apperr.KindQuotaExceeded {
		body["current"] = e.Current
		body["limit"] = e.Limit
	}
	c.AbortWithStatusJSON(status, body)
}
