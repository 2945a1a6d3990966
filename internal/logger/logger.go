package logger

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/gin-gonic/gin"
)

const redactedValue = "[REDACTED]"

// Fields represents structured log fields
type Fields map[string]interface{}

// sensitiveKeys are never written to a sink in clear text
var sensitiveKeys = map[string]bool{
	"key":           true,
	"api_key":       true,
	"apikey":        true,
	"authorization": true,
	"secret":        true,
	"password":      true,
	"token":         true,
	"x-api-key":     true,
}

// WithContext extracts request context for logging
func WithContext(c *gin.Context) Fields {
	fields := Fields{
		"request_id": c.GetString("request_id"),
		"method":     c.Request.Method,
		"path":       c.Request.URL.Path,
	}

	if userID, exists := c.Get("user_id"); exists {
		fields["user_id"] = userID
	}

	return fields
}

// Info logs an informational message with structured fields
func Info(msg string, fields Fields) {
	fields = Redact(fields)
	log.Printf("[INFO] %s %v", msg, formatFields(fields))

	if hub := sentry.CurrentHub(); hub.Client() != nil {
		sentry.AddBreadcrumb(&sentry.Breadcrumb{
			Type:     "info",
			Category: "log",
			Message:  msg,
			Data:     fields,
			Level:    sentry.LevelInfo,
		})
	}
}

// Error logs an error message with structured fields and sends to Sentry
func Error(msg string, err error, fields Fields) {
	fields = Redact(fields)
	log.Printf("[ERROR] %s: %v %v", msg, err, formatFields(fields))

	if err == nil {
		return
	}

	if hub := sentry.CurrentHub(); hub.Client() != nil {
		hub.WithScope(func(scope *sentry.Scope) {
			for key, value := range fields {
				scope.SetContext(key, map[string]interface{}{
					"value": value,
				})
			}

			// Tags for filtering in Sentry
			for _, tag := range []string{"request_id", "model", "scene_id", "task_id"} {
				if value, ok := fields[tag].(string); ok && value != "" {
					scope.SetTag(tag, value)
				}
			}

			hub.CaptureException(err)
		})
	}
}

// Warn logs a warning message with structured fields
func Warn(msg string, fields Fields) {
	fields = Redact(fields)
	log.Printf("[WARN] %s %v", msg, formatFields(fields))

	if hub := sentry.CurrentHub(); hub.Client() != nil {
		sentry.AddBreadcrumb(&sentry.Breadcrumb{
			Type:     "warning",
			Category: "log",
			Message:  msg,
			Data:     fields,
			Level:    sentry.LevelWarning,
		})
	}
}

// Debug logs a debug message with structured fields
func Debug(msg string, fields Fields) {
	fields = Redact(fields)
	log.Printf("[DEBUG] %s %v", msg, formatFields(fields))

	if hub := sentry.CurrentHub(); hub.Client() != nil {
		sentry.AddBreadcrumb(&sentry.Breadcrumb{
			Type:     "debug",
			Category: "log",
			Message:  msg,
			Data:     fields,
			Level:    sentry.LevelDebug,
		})
	}
}

// LogGenerationJob logs the outcome of one upstream generation job
func LogGenerationJob(ctx context.Context, model string, duration time.Duration, fields Fields) {
	if fields == nil {
		fields = Fields{}
	}

	fields["model"] = model
	fields["duration_ms"] = duration.Milliseconds()

	Info("Generation job resolved", fields)

	if hub := sentry.GetHubFromContext(ctx); hub != nil {
		span := sentry.StartSpan(ctx, "stablediffusion.job")
		span.Description = model
		span.SetData("attempts", fields["attempts"])
		span.SetData("polls", fields["polls"])
		span.Finish()
	}
}

// Redact returns a copy of fields with secret values masked, recursing into nested maps
func Redact(fields Fields) Fields {
	if fields == nil {
		return Fields{}
	}
	out := make(Fields, len(fields))
	for k, v := range fields {
		out[k] = redactValue(k, v)
	}
	return out
}

func redactValue(key string, value interface{}) interface{} {
	if sensitiveKeys[strings.ToLower(key)] {
		return redactedValue
	}
	switch nested := value.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(nested))
		for k, v := range nested {
			out[k] = redactValue(k, v)
		}
		return out
	case Fields:
		return Redact(nested)
	}
	return value
}

// formatFields converts Fields to a readable string with stable key order
func formatFields(fields Fields) string {
	if len(fields) == 0 {
		return ""
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("{")
	for i, k := range keys {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(formatValue(fields[k]))
	}
	b.WriteString("}")
	return b.String()
}

// LogToSentry sends a log message directly to Sentry as an event
func LogToSentry(level sentry.Level, msg string, fields Fields) {
	fields = Redact(fields)
	if hub := sentry.CurrentHub(); hub.Client() != nil {
		hub.WithScope(func(scope *sentry.Scope) {
			scope.SetLevel(level)

			for key, value := range fields {
				scope.SetContext(key, map[string]interface{}{
					"value": value,
				})
			}

			if requestID, ok := fields["request_id"].(string); ok {
				scope.SetTag("request_id", requestID)
			}

			hub.CaptureMessage(msg)
		})
	}
}

func formatValue(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case int:
		return fmt.Sprintf("%d", val)
	case int64:
		return fmt.Sprintf("%d", val)
	case float64:
		return fmt.Sprintf("%.2f", val)
	default:
		return fmt.Sprintf("%v", val)
	}
}
