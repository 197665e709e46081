// Package cloudrun implements backend.Adapter on the Cloud Run Admin API v2.
package cloudrun

import (
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/danpasecinic/execflow/internal/backend"
)

// DefaultEndpoint is the public Cloud Run Admin API endpoint.
const DefaultEndpoint = "https://run.googleapis.com"

// Defaults applied by Config.withDefaults.
const (
	DefaultSubmitAttempts = 5
	DefaultRetryInterval  = time.Second
	DefaultReadyTimeout   = 2 * time.Minute
)

// Config configures an Adapter.
type Config struct {
	Project  string
	Location string

	// Endpoint overrides DefaultEndpoint (tests, regional endpoints).
	Endpoint string

	// Token is sent as a bearer token when set.
	Token string

	HTTPClient *http.Client
	Logger     *zap.Logger

	// Sleeper and SettleDelay pace deletes of child executions.
	Sleeper     backend.Sleeper
	SettleDelay time.Duration

	// SubmitAttempts bounds retries of transient failures inside Submit.
	SubmitAttempts int
	RetryInterval  time.Duration

	// ReadyTimeout bounds the wait for a created job to become ready.
	ReadyTimeout time.Duration
}

// Validate checks the required fields.
func (c Config) Validate() error {
	if c.Project == "" {
		return errors.New("cloudrun: project is required")
	}
	if c.Location == "" {
		return errors.New("cloudrun: location is required")
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.Endpoint == "" {
		c.Endpoint = DefaultEndpoint
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Sleeper == nil {
		c.Sleeper = backend.ContextSleeper{}
	}
	if c.SettleDelay < 0 {
		c.SettleDelay = 0
	}
	if c.SubmitAttempts <= 0 {
		c.SubmitAttempts = DefaultSubmitAttempts
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = DefaultRetryInterval
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = DefaultReadyTimeout
	}
	return c
}

func (c Config) parent() string {
	return "projects/" + c.Project + "/locations/" + c.Location
}

func (c Config) jobName(jobID string) string {
	return c.parent() + "/jobs/" + jobID
}
