// Package backend defines the contract every execution backend implements.
//
// Adapters are stateless translators between a JobDefinition and a provider's
// job/execution resources. They own no bookkeeping: the coordinator decides
// what to submit and the reconciler decides when to poll.
package backend

import (
	"context"

	"github.com/danpasecinic/execflow/internal/types"
)

// Adapter submits, observes and removes work on one execution backend.
//
// Implementations must be safe for concurrent use.
type Adapter interface {
	// Name identifies the backend in logs and persisted task runs.
	Name() string

	// Capabilities reports optional operations the backend supports.
	Capabilities() Capabilities

	// Submit creates the remote job for def (or reuses the one already created
	// for idempotencyKey) and triggers an execution. Retrying Submit with the
	// same key never creates a second job.
	Submit(ctx context.Context, def types.JobDefinition, idempotencyKey string) (*types.Execution, error)

	// Poll fetches the current state of an execution.
	// Returns ErrNotFound if the execution no longer exists.
	Poll(ctx context.Context, ref ExecutionRef) (*types.Execution, error)

	// Cancel asks the backend to stop a running execution. Best effort.
	// Returns ErrUnsupported if the backend cannot cancel mid-flight.
	Cancel(ctx context.Context, ref ExecutionRef) error

	// Delete removes every child execution of the job, waiting the configured
	// settle delay after each, and then the job itself.
	Delete(ctx context.Context, ref JobRef) error
}

// Capabilities lists optional behaviour of an Adapter.
type Capabilities struct {
	Cancel bool
}

// ExecutionRef addresses one execution by its fully-qualified name.
type ExecutionRef struct {
	Name string
}

// JobRef addresses a job by its fully-qualified name.
type JobRef struct {
	Name string
}

// Type identifies a backend implementation in configuration.
type Type string

const (
	TypeCloudRun   Type = "cloudrun"
	TypeDocker     Type = "docker"
	TypeKubernetes Type = "kubernetes"
	TypeFake       Type = "fake"
)

// String returns the string representation of the backend type.
func (t Type) String() string {
	return string(t)
}
