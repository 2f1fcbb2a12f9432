package httpserver

import (
	"io"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	logx "scbldr/pkg/logx"
)

const requestIDKey = "request_id"

// requestIDMaxLen bounds an externally supplied X-Request-ID so a hostile
// header cannot flood the logs.
const requestIDMaxLen = 64

func (s *Service) router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.SetHTMLTemplate(pageTmpl)
	r.Use(requestID(), requestLogger(s.log), recovery(s.log))

	r.GET("/", s.handleIndex)
	r.POST("/", s.rateLimit(), s.handleForm)
	r.POST("/api/solve", s.rateLimit(), s.handleAPISolve)
	r.GET("/api/courses", s.handleCourses)
	r.GET("/healthz", s.handleHealthz)
	return r
}

// requestID takes the caller's X-Request-ID when sane, otherwise mints a
// v4 UUID. Either way the ID is echoed back and lands in the audit log.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader("X-Request-ID")
		if rid == "" || len(rid) > requestIDMaxLen {
			rid = uuid.New().String()
		}
		c.Set(requestIDKey, rid)
		c.Header("X-Request-ID", rid)
		c.Next()
	}
}

func requestLogger(log logx.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		c.Next()

		status := c.Writer.Status()
		fields := []logx.Field{
			logx.Int("status", status),
			logx.String("method", c.Request.Method),
			logx.String("path", path),
			logx.String("ip", c.ClientIP()),
			logx.Duration("latency", time.Since(start)),
			logx.String("request_id", c.GetString(requestIDKey)),
		}
		switch {
		case status >= http.StatusInternalServerError:
			log.Error("request failed", fields...)
		case status >= http.StatusBadRequest:
			log.Warn("request rejected", fields...)
		default:
			log.Info("request served", fields...)
		}
	}
}

func recovery(log logx.Logger) gin.HandlerFunc {
	return gin.CustomRecoveryWithWriter(io.Discard, func(c *gin.Context, rec any) {
		log.Error("panic in handler",
			logx.Any("panic", rec),
			logx.String("path", c.Request.URL.Path),
			logx.Stack(string(debug.Stack())),
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal"})
	})
}

// rateLimit guards the enumeration endpoints with one shared token
// bucket. Allow, not Wait: a saturated bucket rejects rather than queueing
// solves behind each other.
func (s *Service) rateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if lim := s.limiter(); lim != nil && !lim.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate-limited"})
			return
		}
		c.Next()
	}
}
