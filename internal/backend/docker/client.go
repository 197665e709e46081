package docker

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"

	"github.com/danpasecinic/execflow/internal/backend"
)

// ContainerSpec describes a container to create.
type ContainerSpec struct {
	Name       string
	Image      string
	Entrypoint []string
	Cmd        []string
	Env        []string
	Labels     map[string]string
	NanoCPUs   int64
	Memory     int64
	// MaxRetries restarts the container on a non-zero exit up to this many
	// times. Zero disables restarts.
	MaxRetries int
}

// ContainerState is the subset of an inspected container the adapter needs.
type ContainerState struct {
	ID           string
	Name         string
	Labels       map[string]string
	Status       string
	ExitCode     int
	RestartCount int
	Error        string
	OOMKilled    bool
	Created      time.Time
	StartedAt    time.Time
	FinishedAt   time.Time
}

// Engine is the container runtime the adapter drives. *Client implements it
// against a Docker daemon.
type Engine interface {
	PullImage(ctx context.Context, ref string) error
	CreateContainer(ctx context.Context, spec ContainerSpec) (string, error)
	StartContainer(ctx context.Context, id string) error
	InspectContainer(ctx context.Context, idOrName string) (*ContainerState, error)
	ListContainers(ctx context.Context, labels map[string]string) ([]ContainerState, error)
	StopContainer(ctx context.Context, id string) error
	RemoveContainer(ctx context.Context, id string) error
}

// Client wraps Docker SDK functionality for container management.
type Client struct {
	cli *client.Client
}

var _ Engine = (*Client)(nil)

// NewClient creates a Docker client from the environment (DOCKER_HOST etc.).
func NewClient() (*Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &Client{cli: cli}, nil
}

// Ping checks that the daemon is reachable.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.cli.Ping(ctx); err != nil {
		return mapError("ping", "", err)
	}
	return nil
}

// Close closes the Docker client connection.
func (c *Client) Close() error {
	if c.cli != nil {
		return c.cli.Close()
	}
	return nil
}

// PullImage pulls an image from a registry.
func (c *Client) PullImage(ctx context.Context, ref string) error {
	reader, err := c.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return mapError("image.pull", ref, err)
	}
	defer func() { _ = reader.Close() }()

	// The pull only completes once the progress stream is drained.
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return mapError("image.pull", ref, err)
	}
	return nil
}

// CreateContainer creates a named container.
func (c *Client) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	cfg := &container.Config{
		Image:      spec.Image,
		Entrypoint: spec.Entrypoint,
		Cmd:        spec.Cmd,
		Env:        spec.Env,
		Labels:     spec.Labels,
	}
	hostCfg := &container.HostConfig{
		Resources: container.Resources{
			NanoCPUs: spec.NanoCPUs,
			Memory:   spec.Memory,
		},
	}
	if spec.MaxRetries > 0 {
		hostCfg.RestartPolicy = container.RestartPolicy{
			Name:              container.RestartPolicyOnFailure,
			MaximumRetryCount: spec.MaxRetries,
		}
	}

	resp, err := c.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return "", mapError("container.create", spec.Name, err)
	}
	return resp.ID, nil
}

// StartContainer starts a container by ID.
func (c *Client) StartContainer(ctx context.Context, id string) error {
	if err := c.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return mapError("container.start", id, err)
	}
	return nil
}

// InspectContainer returns the state of a container.
func (c *Client) InspectContainer(ctx context.Context, idOrName string) (*ContainerState, error) {
	inspect, err := c.cli.ContainerInspect(ctx, idOrName)
	if err != nil {
		return nil, mapError("container.inspect", idOrName, err)
	}

	st := &ContainerState{
		ID:   inspect.ID,
		Name: strings.TrimPrefix(inspect.Name, "/"),
	}
	if inspect.Config != nil {
		st.Labels = inspect.Config.Labels
	}
	st.Created = parseTime(inspect.Created)
	st.RestartCount = inspect.RestartCount
	if s := inspect.State; s != nil {
		st.Status = string(s.Status)
		st.ExitCode = s.ExitCode
		st.Error = s.Error
		st.OOMKilled = s.OOMKilled
		st.StartedAt = parseTime(s.StartedAt)
		st.FinishedAt = parseTime(s.FinishedAt)
	}
	return st, nil
}

// ListContainers lists containers, running or not, carrying every label.
func (c *Client) ListContainers(ctx context.Context, labels map[string]string) ([]ContainerState, error) {
	args := filters.NewArgs()
	for k, v := range labels {
		args.Add("label", k+"="+v)
	}

	list, err := c.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, mapError("container.list", "", err)
	}

	out := make([]ContainerState, 0, len(list))
	for _, s := range list {
		st := ContainerState{
			ID:      s.ID,
			Labels:  s.Labels,
			Status:  string(s.State),
			Created: time.Unix(s.Created, 0).UTC(),
		}
		if len(s.Names) > 0 {
			st.Name = strings.TrimPrefix(s.Names[0], "/")
		}
		out = append(out, st)
	}
	return out, nil
}

// StopContainer stops a running container.
func (c *Client) StopContainer(ctx context.Context, id string) error {
	timeout := 10 // seconds
	if err := c.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout}); err != nil {
		return mapError("container.stop", id, err)
	}
	return nil
}

// RemoveContainer force-removes a container by ID.
func (c *Client) RemoveContainer(ctx context.Context, id string) error {
	if err := c.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		return mapError("container.remove", id, err)
	}
	return nil
}

// mapError translates daemon errors onto the backend sentinels.
func mapError(op, resource string, err error) error {
	switch {
	case cerrdefs.IsNotFound(err):
		err = fmt.Errorf("%w: %w", backend.ErrNotFound, err)
	case cerrdefs.IsConflict(err), cerrdefs.IsAlreadyExists(err):
		err = fmt.Errorf("%w: %w", backend.ErrAlreadyExists, err)
	case cerrdefs.IsUnavailable(err), cerrdefs.IsInternal(err), client.IsErrConnectionFailed(err):
		err = backend.Transient(err)
	}
	return &backend.Error{Op: op, Backend: backend.TypeDocker.String(), Resource: resource, Err: err}
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil || t.Year() <= 1 {
		return time.Time{}
	}
	return t
}
