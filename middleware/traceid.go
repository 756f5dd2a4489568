package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const TraceIDKey = "trace_id"
const TraceIDHeader = "X-Trace-ID"

// TraceID tags every request with a trace id, echoed in the response header.
// A caller-supplied id is kept only if it is a UUID, since it ends up in guild
// audit rows and websocket logs.
func TraceID() gin.HandlerFunc {
	return func(c *gin.Context) {
		traceID := uuid.NewString()
		if id, err := uuid.Parse(c.GetHeader(TraceIDHeader)); err == nil {
			traceID = id.String()
		}
		c.Set(TraceIDKey, traceID)
		c.Header(TraceIDHeader, traceID)
		c.Next()
	}
}

// GetTraceID returns the request's trace id, or "" outside TraceID.
func GetTraceID(c *gin.Context) string {
	return c.GetString(TraceIDKey)
}
