package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ineyio/inferbill"
)

// Correlation accepts or mints the request correlation id, stores it on the
// request context and echoes it in the response header.
func Correlation() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := inferbill.AcceptCorrelationID(c.GetHeader(inferbill.HeaderCorrelationID))
		ctx := inferbill.WithCorrelationID(c.Request.Context(), id)
		c.Request = c.Request.WithContext(ctx)
		c.Header(inferbill.HeaderCorrelationID, id)
		c.Next()
	}
}

// AccessLog logs each request once it completes.
func AccessLog(base *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		status := c.Writer.Status()
		route := c.FullPath()
		if strings.TrimSpace(route) == "" {
			route = "unknown"
		}
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.String("route", route),
			zap.Int("status", status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			zap.Int("bytes_out", normalizeSize(c.Writer.Size())),
		}
		if id := Identity(c); id != "" {
			fields = append(fields, zap.String("identity", id))
		}
		if kind := c.GetString(ctxErrorKind); kind != "" {
			fields = append(fields,
				zap.String("error_kind", kind),
				zap.Bool("retryable", inferbill.Kind(kind).Retryable()),
			)
		}

		log := inferbill.LoggerFromContext(c.Request.Context(), base)
		switch {
		case route == "/metrics" || route == "/healthz":
			log.Debug("http_request", fields...)
		case status >= http.StatusInternalServerError:
			log.Error("http_request", fields...)
		default:
			log.Info("http_request", fields...)
		}
	}
}

// Recovery turns a handler panic into an INTERNAL response.
func Recovery(base *zap.Logger) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		inferbill.LoggerFromContext(c.Request.Context(), base).Error("panic recovered",
			zap.Any("panic", recovered),
			zap.String("path", c.Request.URL.Path),
		)
		abort(c, inferbill.NewError(inferbill.KindInternal, "internal error", nil))
	})
}

func normalizeSize(value int) int {
	if value < 0 {
		return 0
	}
	return value
}
