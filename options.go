package edge

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Default timing and identification values (spec §6/§7).
const (
	DefaultConnectTimeout  = 5 * time.Second
	DefaultRequestTimeout  = 5 * time.Second
	DefaultUploadTimeout   = 3 * time.Second
	DefaultPollTick        = 5 * time.Second
	DefaultBackoffInterval = 15 * time.Second
	specVersion            = "1"
)

// Config holds the assembled settings for a Client, built up by ClientOption
// functions passed to New. Mirrors the teacher's Options/functional-option
// split: a plain settings struct plus a chain of small mutator functions.
type Config struct {
	HTTPClient *http.Client
	Logger     *slog.Logger

	ConnectTimeout  time.Duration
	RequestTimeout  time.Duration
	UploadTimeout   time.Duration
	PollTick        time.Duration
	BackoffInterval time.Duration

	AppName      string
	InstanceID   string
	ConnectionID string
	SpecVersion  string
	Headers      map[string]string

	RingCapacity int
}

func defaultConfig() *Config {
	return &Config{
		HTTPClient:      http.DefaultClient,
		Logger:          slog.Default(),
		ConnectTimeout:  DefaultConnectTimeout,
		RequestTimeout:  DefaultRequestTimeout,
		UploadTimeout:   DefaultUploadTimeout,
		PollTick:        DefaultPollTick,
		BackoffInterval: DefaultBackoffInterval,
		InstanceID:      uuid.NewString(),
		ConnectionID:    uuid.NewString(),
		SpecVersion:     specVersion,
		Headers:         map[string]string{},
		RingCapacity:    64,
	}
}

// ClientOption configures a Config. Errors are reserved for options that
// validate their input, matching the teacher's ClientOption shape even
// though most of these options cannot themselves fail.
type ClientOption func(*Config) error

// WithHTTPClient overrides the HTTP client used for upstream requests.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Config) error {
		c.HTTPClient = hc
		return nil
	}
}

// WithLogger overrides the structured logger used throughout the core.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Config) error {
		c.Logger = logger
		return nil
	}
}

// WithConnectTimeout overrides the upstream connect timeout (default 5s).
func WithConnectTimeout(d time.Duration) ClientOption {
	return func(c *Config) error {
		c.ConnectTimeout = d
		return nil
	}
}

// WithUploadTimeout overrides the instance-data upload timeout (default 3s).
func WithUploadTimeout(d time.Duration) ClientOption {
	return func(c *Config) error {
		c.UploadTimeout = d
		return nil
	}
}

// WithPollTick overrides the Polling Refresher's background tick period
// (default 5s), independent of any individual token's refresh interval.
func WithPollTick(d time.Duration) ClientOption {
	return func(c *Config) error {
		c.PollTick = d
		return nil
	}
}

// WithBackoffInterval overrides the base interval used by the per-token
// backoff formula (default 15s).
func WithBackoffInterval(d time.Duration) ClientOption {
	return func(c *Config) error {
		c.BackoffInterval = d
		return nil
	}
}

// WithAppName sets the identifying app name sent on every upstream request.
func WithAppName(name string) ClientOption {
	return func(c *Config) error {
		c.AppName = name
		return nil
	}
}

// WithInstanceID overrides the generated instance id sent on every upstream
// request. Most callers should leave this to its generated default.
func WithInstanceID(id string) ClientOption {
	return func(c *Config) error {
		c.InstanceID = id
		return nil
	}
}

// WithHeader attaches a custom header sent on every upstream request.
func WithHeader(key, value string) ClientOption {
	return func(c *Config) error {
		c.Headers[key] = value
		return nil
	}
}

// WithDeltaRingCapacity overrides the per-environment DeltaCache ring size.
func WithDeltaRingCapacity(n int) ClientOption {
	return func(c *Config) error {
		c.RingCapacity = n
		return nil
	}
}

func buildConfig(opts ...ClientOption) (*Config, error) {
	c := defaultConfig()
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// BuildConfig assembles a Config from a chain of ClientOption values, for
// callers wiring a Client outside this package (e.g. cmd/flagedge-demo).
func BuildConfig(opts ...ClientOption) (*Config, error) {
	return buildConfig(opts...)
}
