package logging

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type ctxKeyRequestID struct{}

// ginKeyRequestID is the key request IDs are stored under in a gin context.
const ginKeyRequestID = "request-id"

// GenerateRequestID returns a short identifier that correlates every log
// line produced while serving one request.
func GenerateRequestID() string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return id[:8]
}

// WithRequestID attaches a request ID to the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ctxKeyRequestID{}, requestID)
}

// GetRequestID returns the request ID carried by the context, or empty.
func GetRequestID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(ctxKeyRequestID{}).(string)
	return id
}

// SetGinRequestID stores the request ID on the gin context.
func SetGinRequestID(c *gin.Context, requestID string) {
	if c != nil {
		c.Set(ginKeyRequestID, requestID)
	}
}

// GetGinRequestID returns the request ID stored on the gin context, or empty.
func GetGinRequestID(c *gin.Context) string {
	if c == nil {
		return ""
	}
	if v, ok := c.Get(ginKeyRequestID); ok {
		if id, okStr := v.(string); okStr {
			return id
		}
	}
	return ""
}
