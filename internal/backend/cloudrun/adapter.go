package cloudrun

import (
	"context"
	"errors"
	"fmt"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/danpasecinic/execflow/internal/backend"
	"github.com/danpasecinic/execflow/internal/types"
)

var errNotReady = errors.New("job not ready")

// Adapter runs job definitions as Cloud Run jobs.
type Adapter struct {
	cfg    Config
	client *Client
	logger *zap.Logger
}

var _ backend.Adapter = (*Adapter)(nil)

// New creates an adapter from cfg.
func New(cfg Config) (*Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	return &Adapter{
		cfg:    cfg,
		client: NewClient(cfg.Endpoint, cfg.Token, cfg.HTTPClient),
		logger: cfg.Logger.With(zap.String("backend", backend.TypeCloudRun.String())),
	}, nil
}

// Name implements backend.Adapter.
func (a *Adapter) Name() string { return backend.TypeCloudRun.String() }

// Capabilities implements backend.Adapter.
func (a *Adapter) Capabilities() backend.Capabilities {
	return backend.Capabilities{Cancel: true}
}

// Client exposes the underlying REST client.
func (a *Adapter) Client() *Client { return a.client }

// Submit implements backend.Adapter. The job ID is derived from the
// definition name and idempotencyKey so a repeated Submit finds the job (and
// its execution) created by an earlier call.
func (a *Adapter) Submit(ctx context.Context, def types.JobDefinition, idempotencyKey string) (*types.Execution, error) {
	if err := def.Validate(); err != nil {
		return nil, a.err("Submit", "", fmt.Errorf("%w: %w", backend.ErrConfiguration, err))
	}
	def = def.WithDefaults()

	jobID := backend.DerivedName(def.Name, idempotencyKey)
	name := a.cfg.jobName(jobID)
	log := a.logger.With(zap.String("job", name))

	if err := a.ensureJob(ctx, def, jobID, idempotencyKey); err != nil {
		return nil, err
	}

	job, err := a.waitReady(ctx, name)
	if err != nil {
		return nil, err
	}

	var exec *types.Execution
	err = retry.Do(ctx, a.backoff(), func(ctx context.Context) error {
		if job.LatestCreatedExecution != nil {
			exec, err = a.client.GetExecution(ctx, job.LatestCreatedExecution.Name)
			return retryable(err)
		}
		exec, err = a.client.RunJob(ctx, name)
		if err == nil {
			return nil
		}
		// The run may have been accepted before the failure: refresh the
		// job so the next attempt picks up its execution instead of running
		// it twice.
		if refreshed, getErr := a.client.GetJob(ctx, name); getErr == nil {
			job = refreshed
		}
		return retryable(err)
	})
	if err != nil {
		return nil, err
	}

	if _, err := backend.CheckExecution(a.Name(), "Submit", exec); err != nil {
		return nil, err
	}
	log.Info("execution submitted", zap.String("execution", exec.Name))
	return exec, nil
}

func (a *Adapter) ensureJob(ctx context.Context, def types.JobDefinition, jobID, idempotencyKey string) error {
	name := a.cfg.jobName(jobID)
	body := newJobRequest(def, idempotencyKey)

	return retry.Do(ctx, a.backoff(), func(ctx context.Context) error {
		_, err := a.client.GetJob(ctx, name)
		if err == nil {
			return nil
		}
		if !backend.IsNotFound(err) {
			return retryable(err)
		}

		err = a.client.CreateJob(ctx, a.cfg.parent(), jobID, body)
		switch {
		case err == nil:
			a.logger.Info("job created", zap.String("job", name))
			return nil
		case backend.IsAlreadyExists(err):
			return nil
		default:
			return retryable(err)
		}
	})
}

func (a *Adapter) waitReady(ctx context.Context, name string) (*types.Job, error) {
	var job *types.Job
	b := retry.WithMaxDuration(a.cfg.ReadyTimeout,
		retry.WithCappedDuration(10*a.cfg.RetryInterval, retry.NewExponential(a.cfg.RetryInterval)))

	err := retry.Do(ctx, b, func(ctx context.Context) error {
		j, err := a.client.GetJob(ctx, name)
		if err != nil {
			return retryable(err)
		}
		ready, err := j.IsReady()
		if err != nil {
			return a.err("Submit", name, err)
		}
		if !ready {
			return retry.RetryableError(errNotReady)
		}
		job = j
		return nil
	})
	if errors.Is(err, errNotReady) {
		return nil, a.err("Submit", name, fmt.Errorf("%w: waiting for job readiness", backend.ErrTimedOut))
	}
	return job, err
}

// Poll implements backend.Adapter.
func (a *Adapter) Poll(ctx context.Context, ref backend.ExecutionRef) (*types.Execution, error) {
	exec, err := a.client.GetExecution(ctx, ref.Name)
	if err != nil {
		return nil, err
	}
	return backend.CheckExecution(a.Name(), "Poll", exec)
}

// Cancel implements backend.Adapter.
func (a *Adapter) Cancel(ctx context.Context, ref backend.ExecutionRef) error {
	return a.client.CancelExecution(ctx, ref.Name)
}

// Delete implements backend.Adapter.
func (a *Adapter) Delete(ctx context.Context, ref backend.JobRef) error {
	executions, err := a.client.ListExecutions(ctx, ref.Name)
	if err != nil {
		return err
	}

	for _, exec := range executions {
		if err := a.client.DeleteExecution(ctx, exec.Name); err != nil && !backend.IsNotFound(err) {
			return err
		}
		a.logger.Debug("execution deleted", zap.String("execution", exec.Name))
		if err := a.cfg.Sleeper.Sleep(ctx, a.cfg.SettleDelay); err != nil {
			return err
		}
	}

	if err := a.client.DeleteJob(ctx, ref.Name); err != nil {
		return err
	}
	a.logger.Info("job deleted", zap.String("job", ref.Name), zap.Int("executions", len(executions)))
	return nil
}

func (a *Adapter) backoff() retry.Backoff {
	return retry.WithMaxRetries(uint64(a.cfg.SubmitAttempts-1),
		retry.WithCappedDuration(10*a.cfg.RetryInterval, retry.NewExponential(a.cfg.RetryInterval)))
}

func (a *Adapter) err(op, resource string, err error) error {
	return &backend.Error{Op: op, Backend: a.Name(), Resource: resource, Err: err}
}

// retryable marks transient errors for retry.Do and passes others through.
func retryable(err error) error {
	if err != nil && backend.IsTransient(err) {
		return retry.RetryableError(err)
	}
	return err
}
