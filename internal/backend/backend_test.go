package backend

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danpasecinic/execflow/internal/types"
)

var dnsLabel = regexp.MustCompile(`^[a-z]([-a-z0-9]*[a-z0-9])?$`)

func TestDerivedName(t *testing.T) {
	tests := []struct {
		name string
		base string
		key  string
	}{
		{"simple", "etl", "run-1"},
		{"uppercase and spaces", "Nightly ETL Job", "run-1"},
		{"leading digit", "2024-report", "k"},
		{"only symbols", "***", "k"},
		{"very long", strings.Repeat("abcdefghij", 12), "k"},
	}

	for _, tt := range tests {
		t.Run(
			tt.name, func(t *testing.T) {
				got := DerivedName(tt.base, tt.key)
				assert.LessOrEqual(t, len(got), MaxNameLength)
				assert.Regexp(t, dnsLabel, got)
				assert.Equal(t, got, DerivedName(tt.base, tt.key), "must be deterministic")
			},
		)
	}

	assert.NotEqual(t, DerivedName("etl", "a"), DerivedName("etl", "b"))
	assert.True(t, strings.HasPrefix(DerivedName("etl", "a"), "etl-"))
}

func TestShortName(t *testing.T) {
	assert.Equal(t, "job-1", ShortName("projects/p/locations/l/jobs/job-1"))
	assert.Equal(t, "plain", ShortName("plain"))
}

func TestErrorHelpers(t *testing.T) {
	wrapped := &Error{Op: "jobs.get", Backend: "cloudrun", Resource: "projects/p/locations/l/jobs/j", Err: ErrNotFound}

	assert.True(t, IsNotFound(wrapped))
	assert.False(t, IsTransient(wrapped))
	assert.Equal(t, "cloudrun jobs.get projects/p/locations/l/jobs/j: resource not found", wrapped.Error())

	transient := Transient(errors.New("connection reset"))
	assert.True(t, IsTransient(transient))
	assert.Same(t, transient, Transient(transient))
	assert.Nil(t, Transient(nil))

	cfg := fmt.Errorf("submit: %w", &types.ConfigurationError{Reason: types.ReasonContainerMissing, Message: "no image"})
	assert.True(t, IsConfiguration(cfg))
	assert.False(t, IsUnsupported(cfg))
}

func TestCheckExecution(t *testing.T) {
	valid := &types.Execution{Name: "e-1", CreateTime: time.Now(), TaskCount: 1, RunningCount: 1}
	got, err := CheckExecution("fake", "Poll", valid)
	require.NoError(t, err)
	assert.Same(t, valid, got)

	_, err = CheckExecution("fake", "Poll", &types.Execution{Name: "e-2"})
	require.Error(t, err)
	assert.True(t, IsInvalidRecord(err))
	assert.False(t, IsTransient(err))

	var bErr *Error
	require.ErrorAs(t, err, &bErr)
	assert.Equal(t, "Poll", bErr.Op)
	assert.Equal(t, "e-2", bErr.Resource)

	_, err = CheckExecution("fake", "Submit", nil)
	assert.True(t, IsInvalidRecord(err))
}

func TestSleepers(t *testing.T) {
	ctx := context.Background()

	rec := &RecordingSleeper{}
	require.NoError(t, rec.Sleep(ctx, time.Second))
	require.NoError(t, rec.Sleep(ctx, 2*time.Second))
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, rec.Delays())

	require.NoError(t, NoSleep{}.Sleep(ctx, time.Hour))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.ErrorIs(t, ContextSleeper{}.Sleep(cancelled, time.Hour), context.Canceled)

	start := time.Now()
	require.NoError(t, ContextSleeper{}.Sleep(ctx, 10*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
}
