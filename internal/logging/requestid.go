package logging

import (
	"context"

	"github.com/gin-gonic/gin"
)

// correlationIDKey is the context key for storing/retrieving correlation IDs.
type correlationIDKey struct{}

// ginCorrelationIDKey is the Gin context key for correlation IDs.
const ginCorrelationIDKey = "__correlation_id__"

// WithCorrelationID returns a new context with the correlation ID attached.
func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, correlationIDKey{}, correlationID)
}

// GetCorrelationID retrieves the correlation ID from the context.
// Returns empty string if not found.
func GetCorrelationID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(correlationIDKey{}).(string); ok {
		return id
	}
	return ""
}

// SetGinCorrelationID stores the correlation ID in the Gin context.
func SetGinCorrelationID(c *gin.Context, correlationID string) {
	if c != nil {
		c.Set(ginCorrelationIDKey, correlationID)
	}
}

// GetGinCorrelationID retrieves the correlation ID from the Gin context.
func GetGinCorrelationID(c *gin.Context) string {
	if c == nil {
		return ""
	}
	if id, exists := c.Get(ginCorrelationIDKey); exists {
		if s, ok := id.(string); ok {
			return s
		}
	}
	return ""
}
