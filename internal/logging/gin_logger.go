package logging

import (
	"fmt"
	"net/url"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// sensitiveQueryParams lists query parameters whose values are masked in
// access logs. OAuth callbacks carry authorization codes and state tokens.
var sensitiveQueryParams = map[string]bool{
	"code":  true,
	"state": true,
	"token": true,
}

// MaskSensitiveQuery replaces the values of sensitive query parameters with a
// fixed placeholder, keeping the rest of the query string intact.
func MaskSensitiveQuery(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		return rawQuery
	}
	masked := false
	for key := range values {
		if sensitiveQueryParams[key] {
			values.Set(key, "***")
			masked = true
		}
	}
	if !masked {
		return rawQuery
	}
	return values.Encode()
}

// GinLogrusLogger returns a Gin middleware handler that logs HTTP requests
// using logrus. It captures method, path, status code, latency, and client IP,
// tagging every request with a short request ID.
func GinLogrusLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := MaskSensitiveQuery(c.Request.URL.RawQuery)

		requestID := GenerateRequestID()
		ctx := WithRequestID(c.Request.Context(), requestID)
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		if raw != "" {
			path = path + "?" + raw
		}

		latency := time.Since(start).Truncate(time.Millisecond)
		statusCode := c.Writer.Status()
		clientIP := c.ClientIP()
		method := c.Request.Method

		logLine := fmt.Sprintf("%3d | %13v | %15s | %-7s %q", statusCode, latency, clientIP, method, path)
		entry := log.WithField("request_id", requestID)
		if statusCode >= 500 {
			entry.Error(logLine)
		} else if statusCode >= 400 {
			entry.Warn(logLine)
		} else {
			entry.Info(logLine)
		}
	}
}

// GinRecovery returns a Gin middleware that recovers from panics and logs the
// failure instead of crashing the listener.
func GinRecovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Errorf("panic recovered while handling %s %s: %v", c.Request.Method, c.Request.URL.Path, r)
				c.AbortWithStatus(500)
			}
		}()
		c.Next()
	}
}
