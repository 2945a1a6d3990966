package metrics

import (
	"context"
	"time"
)

// Recorder fans observations out to CloudWatch and Sentry.
// A nil CloudWatch client or nil Sentry metrics is skipped.
type Recorder struct {
	cloudwatch *Client
	sentry     *SentryMetrics
}

// NewRecorder combines the two sinks
func NewRecorder(cw *Client, sm *SentryMetrics) *Recorder {
	return &Recorder{cloudwatch: cw, sentry: sm}
}

// RecordGenerationJob records one upstream job
func (r *Recorder) RecordGenerationJob(ctx context.Context, model, status string, attempts, polls int, duration time.Duration) {
	if r == nil {
		return
	}
	if r.cloudwatch != nil {
		r.cloudwatch.RecordGenerationJob(model, status, attempts, polls, duration)
	}
	if r.sentry != nil {
		r.sentry.RecordGenerationJob(ctx, model, status, attempts, polls, duration)
	}
}

// RecordVariations records one orchestrated variation request
func (r *Recorder) RecordVariations(ctx context.Context, kind string, created int, duration time.Duration, success bool) {
	if r == nil {
		return
	}
	if r.cloudwatch != nil {
		r.cloudwatch.RecordVariations(kind, created, success)
	}
	if r.sentry != nil {
		r.sentry.RecordVariations(ctx, kind, created, duration, success)
	}
}

// RecordAPIRequest records one HTTP request
func (r *Recorder) RecordAPIRequest(ctx context.Context, endpoint string, statusCode int, duration time.Duration) {
	if r == nil {
		return
	}
	if r.cloudwatch != nil {
		r.cloudwatch.RecordAPIRequest(endpoint, statusCode, duration)
	}
	if r.sentry != nil {
		r.sentry.RecordAPIRequest(ctx, endpoint, statusCode, duration)
	}
}
