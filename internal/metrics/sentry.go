package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/getsentry/sentry-go"
)

const (
	// HTTP status code threshold for considering a request successful
	successStatusCodeThreshold = http.StatusBadRequest
)

// SentryMetrics handles custom metrics for Sentry
type SentryMetrics struct {
	enabled bool
}

// NewSentryMetrics creates a new Sentry metrics client
func NewSentryMetrics() *SentryMetrics {
	return &SentryMetrics{
		enabled: true, // Always enabled if Sentry is configured
	}
}

// RecordAPIRequest records API request metrics
func (m *SentryMetrics) RecordAPIRequest(ctx context.Context, endpoint string, statusCode int, duration time.Duration) {
	if !m.enabled {
		return
	}

	span := sentry.StartSpan(ctx, "api.request")
	defer span.Finish()

	span.SetTag("endpoint", endpoint)
	span.SetTag("status_code", fmt.Sprintf("%d", statusCode))
	span.SetTag("success", fmt.Sprintf("%t", statusCode < successStatusCodeThreshold))

	span.SetData("duration_ms", duration.Milliseconds())
	span.SetData("endpoint", endpoint)
	span.SetData("status_code", statusCode)

	if statusCode < successStatusCodeThreshold {
		span.Status = sentry.SpanStatusOK
	} else {
		span.Status = sentry.SpanStatusInternalError
	}

	span.Description = fmt.Sprintf("API Request: %s", endpoint)
}

// RecordGenerationJob attaches job outcome data to the active transaction
func (m *SentryMetrics) RecordGenerationJob(ctx context.Context, model, status string, attempts, polls int, duration time.Duration) {
	if !m.enabled {
		return
	}

	if transaction := sentry.TransactionFromContext(ctx); transaction != nil {
		transaction.SetTag("generation.model", model)
		transaction.SetTag("generation.status", status)
		transaction.SetData("generation.attempts", attempts)
		transaction.SetData("generation.polls", polls)
	}

	span := sentry.StartSpan(ctx, "generation.job")
	defer span.Finish()

	span.SetTag("model", model)
	span.SetTag("status", status)
	span.SetData("attempts", attempts)
	span.SetData("polls", polls)
	span.SetData("duration_ms", duration.Milliseconds())

	if status == "succeeded" {
		span.Status = sentry.SpanStatusOK
	} else {
		span.Status = sentry.SpanStatusInternalError
	}
	span.Description = fmt.Sprintf("Generation Job: %s", model)
}

// RecordVariations records the outcome of one variation request
func (m *SentryMetrics) RecordVariations(ctx context.Context, kind string, created int, duration time.Duration, success bool) {
	if !m.enabled {
		return
	}

	span := sentry.StartSpan(ctx, "variation.request")
	defer span.Finish()

	span.SetTag("relationship_kind", kind)
	span.SetTag("success", fmt.Sprintf("%t", success))
	span.SetData("created", created)
	span.SetData("duration_ms", duration.Milliseconds())

	if success {
		span.Status = sentry.SpanStatusOK
	} else {
		span.Status = sentry.SpanStatusInternalError
	}

	span.Description = fmt.Sprintf("Variation Request: %s", kind)
}
