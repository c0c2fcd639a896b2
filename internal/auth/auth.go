package auth

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"imghost/internal/admission"
	"imghost/internal/keys"
	"imghost/internal/model"
)

// ContextKey is where APIKeyMiddleware stores the admitted *model.APIKey.
const ContextKey = "api_key"

// Admitter decides whether a request may proceed.
type Admitter interface {
	Admit(ctx context.Context, req admission.Request) (*admission.Admission, error)
}

// APIKeyMiddleware admits requests carrying an API key in x-api-key or an
// Authorization Bearer header. Rejections render the error envelope.
func APIKeyMiddleware(gate Admitter) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.GetHeader("x-api-key")
		if raw == "" {
			raw = keys.FromHeader(c.GetHeader("Authorization"))
		}
		if raw == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "API key is required", "type": "authentication"})
			return
		}

		adm, err := gate.Admit(c.Request.Context(), admission.Request{
			RawKey: raw,
			Origin: c.GetHeader("Origin"),
			Cost:   1,
		})
		if err != nil {
			AbortWithError(c, err)
			return
		}
		c.Set(ContextKey, adm.Key)
		c.Next()
	}
}

// Key returns the key admitted for this request.
func Key(c *gin.Context) *model.APIKey {
	v, ok := c.Get(ContextKey)
	if !ok {
		return nil
	}
	key, _ := v.(*model.APIKey)
	return key
}

func AdminAuthMiddleware(adminPassword string) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, password, hasAuth := c.Request.BasicAuth()
		if !hasAuth || user != "admin" || password != adminPassword {
			c.Header("WWW-Authenticate", `Basic realm="Restricted"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			return
		}
		c.Next()
	}
}
