package stablediffusion

import "time"

const (
	DefaultBaseURL = "https://modelslab.com/api/v6"
	DefaultModelID = "realistic-vision-51"

	DefaultMaxRetries         = 5
	DefaultBaseDelay          = 20 * time.Second
	DefaultMaxDelay           = 180 * time.Second
	DefaultMaxJitter          = 3 * time.Second
	DefaultPollInterval       = 15 * time.Second
	DefaultMaxPollingAttempts = 20
	DefaultSubmitTimeout      = 120 * time.Second
	DefaultPollTimeout        = 30 * time.Second

	// DefaultJobBudget bounds one Submit call end to end (retries, backoff and polling)
	DefaultJobBudget = 40 * time.Minute
)

// Config is passed to NewClient and is read-only afterwards
type Config struct {
	APIKey  string
	BaseURL string
	ModelID string

	// NegativePrompt is used when a request does not carry its own
	NegativePrompt string

	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	MaxJitter  time.Duration

	PollInterval       time.Duration
	MaxPollingAttempts int

	SubmitTimeout time.Duration
	PollTimeout   time.Duration
	JobBudget     time.Duration
}

// DefaultConfig returns the production defaults with the given key
func DefaultConfig(apiKey string) Config {
	return Config{
		APIKey:             apiKey,
		BaseURL:            DefaultBaseURL,
		ModelID:            DefaultModelID,
		MaxRetries:         DefaultMaxRetries,
		BaseDelay:          DefaultBaseDelay,
		MaxDelay:           DefaultMaxDelay,
		MaxJitter:          DefaultMaxJitter,
		PollInterval:       DefaultPollInterval,
		MaxPollingAttempts: DefaultMaxPollingAttempts,
		SubmitTimeout:      DefaultSubmitTimeout,
		PollTimeout:        DefaultPollTimeout,
		JobBudget:          DefaultJobBudget,
	}
}

// withDefaults fills zero values. MaxJitter and JobBudget keep an explicit zero.
func (c Config) withDefaults() Config {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	if c.ModelID == "" {
		c.ModelID = DefaultModelID
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	if c.MaxJitter < 0 {
		c.MaxJitter = 0
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.MaxPollingAttempts <= 0 {
		c.MaxPollingAttempts = DefaultMaxPollingAttempts
	}
	if c.SubmitTimeout <= 0 {
		c.SubmitTimeout = DefaultSubmitTimeout
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = DefaultPollTimeout
	}
	if c.JobBudget < 0 {
		c.JobBudget = 0
	}
	return c
}
