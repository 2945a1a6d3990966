package stablediffusion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/Conceptual-Machines/nectar-api/internal/apperror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAPIKey = "sk-test-secret-key"

type fakeUpstream struct {
	mu       sync.Mutex
	submits  int
	polls    int
	payloads []map[string]interface{}
	paths    []string
	submit   func(n int) (int, string)
	poll     func(n int) (int, string)
}

func (f *fakeUpstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var payload map[string]interface{}
	_ = json.NewDecoder(r.Body).Decode(&payload)
	f.payloads = append(f.payloads, payload)
	f.paths = append(f.paths, r.URL.Path)

	var status int
	var body string
	if strings.HasPrefix(r.URL.Path, endpointFetch) {
		f.polls++
		status, body = f.poll(f.polls)
	} else {
		f.submits++
		status, body = f.submit(f.submits)
	}
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func newTestClient(t *testing.T, upstream *fakeUpstream, sleeps *sleepRecorder) *Client {
	t.Helper()
	server := httptest.NewServer(upstream)
	t.Cleanup(server.Close)

	cfg := DefaultConfig(testAPIKey)
	cfg.BaseURL = server.URL

	client, err := NewClient(cfg,
		WithSleep(sleeps.sleep),
		WithJitter(func(time.Duration) time.Duration { return 0 }),
	)
	require.NoError(t, err)
	return client
}

func ok(body string) func(int) (int, string) {
	return func(int) (int, string) { return http.StatusOK, body }
}

func TestSubmitImmediateSuccess(t *testing.T) {
	upstream := &fakeUpstream{submit: ok(`{"status":"success","output":["https://cdn/a.png","https://cdn/b.png"]}`)}
	sleeps := &sleepRecorder{}
	client := newTestClient(t, upstream, sleeps)

	artifacts, err := client.Submit(context.Background(), &Request{Prompt: "a kitchen"})

	require.NoError(t, err)
	assert.Equal(t, []string{"https://cdn/a.png", "https://cdn/b.png"}, artifacts)
	assert.Equal(t, 1, upstream.submits)
	assert.Empty(t, sleeps.delays)
	assert.Equal(t, []string{endpointTxt2Img}, upstream.paths)
}

func TestSubmitPayload(t *testing.T) {
	upstream := &fakeUpstream{submit: ok(`{"status":"success","output":["u"]}`)}
	client := newTestClient(t, upstream, &sleepRecorder{})

	_, err := client.Submit(context.Background(), &Request{
		Prompt:         "p",
		NegativePrompt: "n",
		InitImage:      "https://img/parent.png",
		Samples:        4,
	})
	require.NoError(t, err)

	require.Len(t, upstream.payloads, 1)
	payload := upstream.payloads[0]
	assert.Equal(t, endpointImg2Img, upstream.paths[0])
	assert.Equal(t, testAPIKey, payload["key"])
	assert.Equal(t, DefaultModelID, payload["model_id"])
	assert.Equal(t, "4", payload["samples"])
	assert.Equal(t, "31", payload["num_inference_steps"])
	assert.Equal(t, "https://img/parent.png", payload["init_image"])
	assert.Equal(t, 0.7, payload["strength"])
	assert.Equal(t, 7.5, payload["guidance_scale"])
	assert.Equal(t, DefaultScheduler, payload["scheduler"])
	assert.Equal(t, "512", payload["width"])
}

func TestSubmitPollsDeferredJob(t *testing.T) {
	tests := []struct {
		name     string
		response string
		want     []string
	}{
		{"output", `{"status":"success","output":["o1"]}`, []string{"o1"}},
		{"future links", `{"status":"success","future_links":["f1","f2"]}`, []string{"f1", "f2"}},
		{"meta output", `{"status":"success","meta":{"output":["m1"]}}`, []string{"m1"}},
		{"output wins over future links", `{"status":"success","output":["o1"],"future_links":["f1"]}`, []string{"o1"}},
		{"empty output falls through", `{"status":"success","output":[],"future_links":["f1"]}`, []string{"f1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			upstream := &fakeUpstream{
				submit: ok(`{"status":"processing","id":12345,"eta":30}`),
				poll: func(n int) (int, string) {
					if n < 3 {
						return http.StatusOK, `{"status":"processing","id":12345}`
					}
					return http.StatusOK, tt.response
				},
			}
			sleeps := &sleepRecorder{}
			client := newTestClient(t, upstream, sleeps)

			artifacts, err := client.Submit(context.Background(), &Request{Prompt: "p"})

			require.NoError(t, err)
			assert.Equal(t, tt.want, artifacts)
			assert.Equal(t, 3, upstream.polls)
			assert.Equal(t, []time.Duration{DefaultPollInterval, DefaultPollInterval}, sleeps.delays)
			assert.Equal(t, endpointFetch+"12345", upstream.paths[1])
			assert.Equal(t, testAPIKey, upstream.payloads[1]["key"])
		})
	}
}

func TestSubmitAlwaysRateLimited(t *testing.T) {
	tests := []struct {
		name   string
		submit func(int) (int, string)
	}{
		{"http 429", func(int) (int, string) { return http.StatusTooManyRequests, `{}` }},
		{"rate message in body", ok(`{"status":"error","message":"Rate limit exceeded, please slow down"}`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			upstream := &fakeUpstream{submit: tt.submit}
			sleeps := &sleepRecorder{}
			client := newTestClient(t, upstream, sleeps)

			_, err := client.Submit(context.Background(), &Request{Prompt: "p"})

			require.Error(t, err)
			assert.Equal(t, apperror.KindRateLimited, apperror.KindOf(err))
			assert.Equal(t, DefaultMaxRetries, upstream.submits)
			assert.Len(t, sleeps.delays, DefaultMaxRetries-1)

			var appErr *apperror.Error
			require.True(t, errors.As(err, &appErr))
			assert.Equal(t, DefaultMaxRetries, appErr.Attempts)
		})
	}
}

func TestSubmitRecoversAfterRateLimit(t *testing.T) {
	upstream := &fakeUpstream{submit: func(n int) (int, string) {
		if n <= 2 {
			return http.StatusTooManyRequests, `{"message":"too many requests"}`
		}
		return http.StatusOK, `{"status":"success","output":["u"]}`
	}}
	sleeps := &sleepRecorder{}
	client := newTestClient(t, upstream, sleeps)

	artifacts, err := client.Submit(context.Background(), &Request{Prompt: "p"})

	require.NoError(t, err)
	assert.Equal(t, []string{"u"}, artifacts)
	assert.Equal(t, 3, upstream.submits)
	assert.Equal(t, []time.Duration{30 * time.Second, 45 * time.Second}, sleeps.delays)
}

func TestSubmitAlwaysProcessing(t *testing.T) {
	upstream := &fakeUpstream{
		submit: ok(`{"status":"processing","id":"task-1"}`),
		poll:   ok(`{"status":"processing","id":"task-1"}`),
	}
	sleeps := &sleepRecorder{}
	client := newTestClient(t, upstream, sleeps)

	_, err := client.Submit(context.Background(), &Request{Prompt: "p"})

	require.Error(t, err)
	assert.Equal(t, apperror.KindTimeout, apperror.KindOf(err))
	assert.Equal(t, DefaultMaxPollingAttempts, upstream.polls)
	assert.Len(t, sleeps.delays, DefaultMaxPollingAttempts-1)

	var appErr *apperror.Error
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, "task-1", appErr.TaskID)
}

func TestSubmitTransientPollFailureConsumesAttempt(t *testing.T) {
	upstream := &fakeUpstream{
		submit: ok(`{"status":"processing","id":"t"}`),
		poll: func(n int) (int, string) {
			if n == 1 {
				return http.StatusTooManyRequests, ``
			}
			return http.StatusOK, `{"status":"success","output":["u"]}`
		},
	}
	client := newTestClient(t, upstream, &sleepRecorder{})

	artifacts, err := client.Submit(context.Background(), &Request{Prompt: "p"})

	require.NoError(t, err)
	assert.Equal(t, []string{"u"}, artifacts)
	assert.Equal(t, 2, upstream.polls)
}

func TestSubmitTerminalFailures(t *testing.T) {
	tests := []struct {
		name   string
		submit func(int) (int, string)
		poll   func(int) (int, string)
		want   apperror.Kind
	}{
		{
			name:   "empty output",
			submit: ok(`{"status":"success","output":[]}`),
			want:   apperror.KindEmptyResult,
		},
		{
			name:   "success without output field",
			submit: ok(`{"status":"success"}`),
			want:   apperror.KindProtocol,
		},
		{
			name:   "upstream error",
			submit: ok(`{"status":"error","message":"Invalid model id"}`),
			want:   apperror.KindUpstream,
		},
		{
			name:   "malformed body",
			submit: ok(`<html>bad gateway</html>`),
			want:   apperror.KindProtocol,
		},
		{
			name:   "unknown status",
			submit: ok(`{"status":"queued"}`),
			want:   apperror.KindProtocol,
		},
		{
			name:   "processing without id",
			submit: ok(`{"status":"processing"}`),
			want:   apperror.KindProtocol,
		},
		{
			name:   "upstream validation",
			submit: func(int) (int, string) { return http.StatusUnprocessableEntity, `{"message":"prompt too long"}` },
			want:   apperror.KindValidation,
		},
		{
			name:   "server error",
			submit: func(int) (int, string) { return http.StatusInternalServerError, `oops` },
			want:   apperror.KindUpstream,
		},
		{
			name:   "poll error",
			submit: ok(`{"status":"processing","id":"t"}`),
			poll:   ok(`{"status":"error","message":"NSFW content detected"}`),
			want:   apperror.KindUpstream,
		},
		{
			name:   "poll empty result",
			submit: ok(`{"status":"processing","id":"t"}`),
			poll:   ok(`{"status":"success","output":[],"future_links":[]}`),
			want:   apperror.KindEmptyResult,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			upstream := &fakeUpstream{submit: tt.submit, poll: tt.poll}
			client := newTestClient(t, upstream, &sleepRecorder{})

			artifacts, err := client.Submit(context.Background(), &Request{Prompt: "p"})

			require.Error(t, err)
			assert.Nil(t, artifacts)
			assert.Equal(t, tt.want, apperror.KindOf(err))
			assert.Equal(t, 1, upstream.submits, "terminal failures are never retried")
		})
	}
}

func TestSubmitValidatesRequest(t *testing.T) {
	upstream := &fakeUpstream{submit: ok(`{}`)}
	client := newTestClient(t, upstream, &sleepRecorder{})

	for _, req := range []*Request{nil, {Prompt: "  "}, {Prompt: "p", Samples: 9}, {Prompt: "p", Strength: 1.5}} {
		_, err := client.Submit(context.Background(), req)
		assert.Equal(t, apperror.KindValidation, apperror.KindOf(err))
	}
	assert.Zero(t, upstream.submits)
}

func TestSubmitAcceptsDefaultSamples(t *testing.T) {
	upstream := &fakeUpstream{submit: ok(`{"status":"success","output":["https://cdn.example.com/a.png"]}`)}
	client := newTestClient(t, upstream, &sleepRecorder{})

	_, err := client.Submit(context.Background(), &Request{Prompt: "p", Samples: 0})
	require.NoError(t, err)

	_, err = client.Submit(context.Background(), &Request{Prompt: "p", Samples: MaxSamples + 1})
	assert.Contains(t, err.Error(), "or 0 for the default")
}

func TestSubmitCancellation(t *testing.T) {
	upstream := &fakeUpstream{
		submit: ok(`{"status":"processing","id":"t"}`),
		poll:   ok(`{"status":"processing","id":"t"}`),
	}
	server := httptest.NewServer(upstream)
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cfg := DefaultConfig(testAPIKey)
	cfg.BaseURL = server.URL
	client, err := NewClient(cfg, WithSleep(func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}))
	require.NoError(t, err)

	_, err = client.Submit(ctx, &Request{Prompt: "p"})

	require.Error(t, err)
	assert.Equal(t, apperror.KindTimeout, apperror.KindOf(err))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, upstream.polls)
}

func TestSubmitNeverLogsKey(t *testing.T) {
	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(os.Stderr)

	upstream := &fakeUpstream{submit: func(n int) (int, string) {
		if n == 1 {
			return http.StatusTooManyRequests, ``
		}
		return http.StatusOK, `{"status":"success","output":["u"]}`
	}}
	client := newTestClient(t, upstream, &sleepRecorder{})

	_, err := client.Submit(context.Background(), &Request{Prompt: "p"})
	require.NoError(t, err)

	assert.Contains(t, buf.String(), "Submitting generation request")
	assert.NotContains(t, buf.String(), testAPIKey)
}

func TestNewClientRequiresKey(t *testing.T) {
	_, err := NewClient(Config{})
	assert.Equal(t, apperror.KindValidation, apperror.KindOf(err))
}

func TestBackoffMonotonicAndCapped(t *testing.T) {
	assert.Zero(t, Backoff(1, DefaultBaseDelay, DefaultMaxDelay))

	prev := time.Duration(0)
	for attempt := 2; attempt <= 20; attempt++ {
		delay := Backoff(attempt, DefaultBaseDelay, DefaultMaxDelay)
		assert.GreaterOrEqual(t, delay, prev, "attempt %d", attempt)
		assert.LessOrEqual(t, delay, DefaultMaxDelay, "attempt %d", attempt)
		prev = delay
	}
	assert.Equal(t, 30*time.Second, Backoff(2, DefaultBaseDelay, DefaultMaxDelay))
	assert.Equal(t, DefaultMaxDelay, Backoff(20, DefaultBaseDelay, DefaultMaxDelay))
}

func TestResultStrategyOrder(t *testing.T) {
	names := make([]string, 0, len(ResultStrategies))
	for _, s := range ResultStrategies {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{"output", "future_links", "meta.output"}, names)
}

func TestTruncateKeepsRuneBoundary(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abc...", truncate("abcdef", 3))

	// "é" is two bytes; cutting at 2 would split it
	got := truncate("aé tail", 2)
	assert.Equal(t, "a...", got)
	assert.True(t, utf8.ValidString(got))

	long := strings.Repeat("日本", 300)
	got = truncate(long, 512)
	assert.True(t, utf8.ValidString(got))
	assert.LessOrEqual(t, len(got), 512+len("..."))
}

func TestTaskIDUnmarshal(t *testing.T) {
	var resp Response
	require.NoError(t, json.Unmarshal([]byte(`{"id":98765}`), &resp))
	assert.Equal(t, TaskID("98765"), resp.ID)

	require.NoError(t, json.Unmarshal([]byte(`{"id":"abc"}`), &resp))
	assert.Equal(t, TaskID("abc"), resp.ID)
}

func TestJobTransitions(t *testing.T) {
	job := newJob(endpointTxt2Img, nil, time.Now())
	assert.True(t, job.advance(StatusRateLimited))
	assert.False(t, job.advance(StatusSucceeded))
	assert.True(t, job.advance(StatusSubmitted))
	assert.True(t, job.advance(StatusProcessing))
	assert.False(t, job.advance(StatusRateLimited))
	assert.True(t, job.advance(StatusSucceeded))
	assert.True(t, job.Resolved())
}
