package stablediffusion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/Conceptual-Machines/nectar-api/internal/apperror"
	"github.com/Conceptual-Machines/nectar-api/internal/logger"
	"github.com/getsentry/sentry-go"
)

const (
	opSubmit = "stablediffusion.Submit"
	opPoll   = "stablediffusion.Poll"

	statusSuccess    = "success"
	statusProcessing = "processing"
	statusError      = "error"
	statusFailed     = "failed"

	maxResponseBytes = 4 << 20
)

// JobRecorder receives one observation per resolved job
type JobRecorder interface {
	RecordGenerationJob(ctx context.Context, model, status string, attempts, polls int, duration time.Duration)
}

// Client talks to the hosted Stable Diffusion API
type Client struct {
	cfg        Config
	httpClient *http.Client
	sleep      func(ctx context.Context, d time.Duration) error
	jitter     func(limit time.Duration) time.Duration
	now        func() time.Time
	recorder   JobRecorder
}

// Option customises a Client
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithSleep replaces the context-aware sleep used for backoff and polling
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) { c.sleep = sleep }
}

// WithJitter replaces the uniform backoff jitter source
func WithJitter(jitter func(limit time.Duration) time.Duration) Option {
	return func(c *Client) { c.jitter = jitter }
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// WithRecorder reports job outcomes to a metrics sink
func WithRecorder(r JobRecorder) Option {
	return func(c *Client) { c.recorder = r }
}

// NewClient creates a client. The config is copied and never mutated.
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, apperror.New(apperror.KindValidation, "stablediffusion.NewClient", "API key is required")
	}

	c := &Client{
		cfg:        cfg.withDefaults(),
		httpClient: &http.Client{},
		sleep:      sleepContext,
		jitter:     uniformJitter,
		now:        time.Now,
	}
	c.cfg.BaseURL = strings.TrimRight(c.cfg.BaseURL, "/")

	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// ModelID returns the default model identifier sent upstream
func (c *Client) ModelID() string {
	return c.cfg.ModelID
}

// Submit sends req and resolves it to an ordered, non-empty list of artifact
// references. Rate-limited and timed-out submissions are retried with backoff;
// deferred jobs are polled at a flat interval.
func (c *Client) Submit(ctx context.Context, req *Request) ([]string, error) {
	if req == nil {
		return nil, apperror.New(apperror.KindValidation, opSubmit, "request is required")
	}
	if err := req.validate(opSubmit); err != nil {
		return nil, err
	}

	if c.cfg.JobBudget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.JobBudget)
		defer cancel()
	}

	span := sentry.StartSpan(ctx, "stablediffusion.submit")
	span.Description = req.endpoint()
	defer span.Finish()
	ctx = span.Context()

	job := newJob(req.endpoint(), c.buildPayload(req), c.now())

	artifacts, err := c.run(ctx, job)
	c.finish(ctx, job, err)
	if err != nil {
		span.Status = sentry.SpanStatusInternalError
		return nil, err
	}
	span.Status = sentry.SpanStatusOK
	return artifacts, nil
}

func (c *Client) run(ctx context.Context, job *GenerationJob) ([]string, error) {
	resp, err := c.submitWithRetry(ctx, job)
	if err != nil {
		return nil, err
	}

	if resp.Status == statusSuccess {
		artifacts, err := extractArtifacts(opSubmit, resp)
		if err != nil {
			return nil, err
		}
		job.Output = artifacts
		job.advance(StatusSucceeded)
		return artifacts, nil
	}

	job.TaskID = string(resp.ID)
	job.advance(StatusProcessing)
	logger.Info("Generation job deferred", logger.Fields{
		"task_id": job.TaskID,
	})
	return c.poll(ctx, job)
}

func (c *Client) submitWithRetry(ctx context.Context, job *GenerationJob) (*Response, error) {
	body, err := json.Marshal(job.Payload)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindInternal, opSubmit, err)
	}
	url := c.cfg.BaseURL + job.Endpoint

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxRetries; attempt++ {
		job.Attempt = attempt

		if attempt > 1 {
			delay := Backoff(attempt, c.cfg.BaseDelay, c.cfg.MaxDelay) + c.jitter(c.cfg.MaxJitter)
			logger.Warn("Retrying generation submission", logger.Fields{
				"attempt":  attempt,
				"delay_ms": delay.Milliseconds(),
				"cause":    errorMessage(lastErr),
			})
			if err := c.sleep(ctx, delay); err != nil {
				return nil, cancelled(ctx, opSubmit, job)
			}
			job.advance(StatusSubmitted)
		}

		logger.Debug("Submitting generation request", logger.Fields{
			"endpoint": job.Endpoint,
			"attempt":  attempt,
			"payload":  job.Payload,
		})

		resp, err := c.submitOnce(ctx, url, body)
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, cancelled(ctx, opSubmit, job)
		}
		if !isTransient(err) {
			return nil, withAttempts(err, attempt)
		}
		if apperror.Is(err, apperror.KindRateLimited) {
			job.advance(StatusRateLimited)
		}
		lastErr = err
	}

	exhausted := &apperror.Error{
		Kind:     apperror.KindOf(lastErr),
		Op:       opSubmit,
		Message:  "retries exhausted",
		Attempts: c.cfg.MaxRetries,
		Err:      lastErr,
	}
	var inner *apperror.Error
	if errors.As(lastErr, &inner) {
		exhausted.StatusCode = inner.StatusCode
	}
	return nil, exhausted
}

// submitOnce sends one submission and returns a success or processing response
func (c *Client) submitOnce(ctx context.Context, url string, body []byte) (*Response, error) {
	resp, err := c.post(ctx, opSubmit, url, body, c.cfg.SubmitTimeout)
	if err != nil {
		return nil, err
	}

	switch resp.Status {
	case statusSuccess:
		return resp, nil
	case statusProcessing:
		if resp.ID == "" {
			return nil, apperror.New(apperror.KindProtocol, opSubmit, "processing response without a task id")
		}
		return resp, nil
	case statusError, statusFailed:
		msg := resp.MessageText()
		if isRateLimitMessage(msg) {
			return nil, apperror.New(apperror.KindRateLimited, opSubmit, msg)
		}
		return nil, apperror.New(apperror.KindUpstream, opSubmit, msg)
	default:
		return nil, apperror.New(apperror.KindProtocol, opSubmit, fmt.Sprintf("unrecognised status %q", resp.Status))
	}
}

// poll fetches a deferred job until it resolves or MaxPollingAttempts is used up.
// A transient poll failure consumes an attempt. No sleep follows the last poll.
func (c *Client) poll(ctx context.Context, job *GenerationJob) ([]string, error) {
	span := sentry.StartSpan(ctx, "stablediffusion.poll")
	span.SetData("task_id", job.TaskID)
	defer span.Finish()

	body, err := json.Marshal(map[string]string{"key": c.cfg.APIKey})
	if err != nil {
		return nil, apperror.Wrap(apperror.KindInternal, opPoll, err)
	}
	url := c.cfg.BaseURL + endpointFetch + job.TaskID

	for attempt := 1; attempt <= c.cfg.MaxPollingAttempts; attempt++ {
		job.Polls = attempt

		resp, err := c.post(ctx, opPoll, url, body, c.cfg.PollTimeout)
		switch {
		case err != nil && ctx.Err() != nil:
			return nil, cancelled(ctx, opPoll, job)
		case err != nil && !isTransient(err):
			return nil, withTask(err, job.TaskID, attempt)
		case err != nil:
			logger.Warn("Transient poll failure", logger.Fields{
				"task_id": job.TaskID,
				"poll":    attempt,
				"cause":   err.Error(),
			})
		case resp.Status == statusSuccess:
			artifacts, err := extractArtifacts(opPoll, resp)
			if err != nil {
				return nil, withTask(err, job.TaskID, attempt)
			}
			job.Output = artifacts
			job.advance(StatusSucceeded)
			return artifacts, nil
		case resp.Status == statusProcessing:
			logger.Debug("Generation job still processing", logger.Fields{
				"task_id": job.TaskID,
				"poll":    attempt,
			})
		default:
			msg := resp.MessageText()
			if msg == "" {
				msg = fmt.Sprintf("job reported status %q", resp.Status)
			}
			return nil, withTask(apperror.New(apperror.KindUpstream, opPoll, msg), job.TaskID, attempt)
		}

		if attempt < c.cfg.MaxPollingAttempts {
			if err := c.sleep(ctx, c.cfg.PollInterval); err != nil {
				return nil, cancelled(ctx, opPoll, job)
			}
		}
	}

	return nil, &apperror.Error{
		Kind:     apperror.KindTimeout,
		Op:       opPoll,
		Message:  fmt.Sprintf("job still processing after %d polls", c.cfg.MaxPollingAttempts),
		Attempts: c.cfg.MaxPollingAttempts,
		TaskID:   job.TaskID,
	}
}

// post performs one bounded HTTP call and classifies the transport and status layer
func (c *Client) post(ctx context.Context, op, url string, body []byte, timeout time.Duration) (*Response, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, apperror.Wrap(apperror.KindInternal, op, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	res, err := c.httpClient.Do(httpReq)
	if err != nil {
		e := apperror.Wrap(apperror.KindTimeout, op, err)
		e.Message = "request failed"
		return nil, e
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBytes))
	if err != nil {
		e := apperror.Wrap(apperror.KindTimeout, op, err)
		e.Message = "reading response failed"
		return nil, e
	}

	return classifyResponse(op, res.StatusCode, raw)
}

func classifyResponse(op string, status int, raw []byte) (*Response, error) {
	var resp Response
	decodeErr := json.Unmarshal(raw, &resp)

	if status == http.StatusTooManyRequests {
		return nil, &apperror.Error{Kind: apperror.KindRateLimited, Op: op, Message: "upstream returned 429", StatusCode: status}
	}

	if status < 200 || status >= 300 {
		msg := strings.TrimSpace(string(raw))
		if decodeErr == nil && resp.MessageText() != "" {
			msg = resp.MessageText()
		}
		kind := apperror.KindUpstream
		switch {
		case isRateLimitMessage(msg):
			kind = apperror.KindRateLimited
		case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
			kind = apperror.KindValidation
		}
		return nil, &apperror.Error{Kind: kind, Op: op, Message: truncate(msg, 512), StatusCode: status}
	}

	if decodeErr != nil {
		e := apperror.Wrap(apperror.KindProtocol, op, decodeErr)
		e.Message = "malformed response body"
		e.StatusCode = status
		return nil, e
	}
	return &resp, nil
}

func (c *Client) finish(ctx context.Context, job *GenerationJob, err error) {
	status := string(StatusSucceeded)
	if err != nil {
		job.advance(StatusFailed)
		status = string(apperror.KindOf(err))
	}
	duration := c.now().Sub(job.StartedAt)

	fields := logger.Fields{
		"endpoint": job.Endpoint,
		"status":   status,
		"attempts": job.Attempt,
		"polls":    job.Polls,
		"outputs":  len(job.Output),
	}
	if job.TaskID != "" {
		fields["task_id"] = job.TaskID
	}
	if err != nil {
		logger.Error("Generation job failed", err, fields)
	}
	model := firstNonEmpty(stringValue(job.Payload["model_id"]), c.cfg.ModelID)
	logger.LogGenerationJob(ctx, model, duration, fields)

	if c.recorder != nil {
		c.recorder.RecordGenerationJob(ctx, model, status, job.Attempt, job.Polls, duration)
	}
}

func isTransient(err error) bool {
	kind := apperror.KindOf(err)
	return kind == apperror.KindRateLimited || kind == apperror.KindTimeout
}

func cancelled(ctx context.Context, op string, job *GenerationJob) error {
	cause := ctx.Err()
	if cause == nil {
		cause = context.Canceled
	}
	return &apperror.Error{
		Kind:     apperror.KindTimeout,
		Op:       op,
		Message:  "generation job cancelled",
		Attempts: job.Attempt,
		TaskID:   job.TaskID,
		Err:      cause,
	}
}

func withAttempts(err error, attempts int) error {
	var appErr *apperror.Error
	if errors.As(err, &appErr) && appErr.Attempts == 0 {
		appErr.Attempts = attempts
	}
	return err
}

func withTask(err error, taskID string, polls int) error {
	var appErr *apperror.Error
	if errors.As(err, &appErr) {
		appErr.TaskID = taskID
		if appErr.Attempts == 0 {
			appErr.Attempts = polls
		}
	}
	return err
}

func errorMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func stringValue(v interface{}) string {
	s, _ := v.(string)
	return s
}

// truncate cuts s to at most n bytes without splitting a rune
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
