package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/rs/zerolog/log"
)

// DefaultImage is the interpreter image provisioned when config does not
// override it.
const DefaultImage = "python:3.11-slim"

const envPidsLimit = 128

// dockerAPI is the slice of the Docker Engine client the backend needs.
// Consuming the client through this interface keeps the backend testable
// without a daemon.
type dockerAPI interface {
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig,
		networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerExecCreate(ctx context.Context, containerID string, options container.ExecOptions) (container.ExecCreateResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, options container.ExecStartOptions) (types.HijackedResponse, error)
	ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error)
	ContainerUpdate(ctx context.Context, containerID string, updateConfig container.UpdateConfig) (container.UpdateResponse, error)
	ContainerStatsOneShot(ctx context.Context, containerID string) (container.StatsResponseReader, error)
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	Ping(ctx context.Context) (types.Ping, error)
	Close() error
}

// DockerFactory provisions environments as long-lived containers on a Docker
// daemon. The container idles on `sleep infinity`; each execution is an exec
// session inside it.
type DockerFactory struct {
	api   dockerAPI
	image string

	pullMu sync.Mutex
	pulled bool
}

// NewDockerFactory connects to the daemon from the environment (DOCKER_HOST
// et al) and verifies it answers.
func NewDockerFactory(ctx context.Context, img string) (*DockerFactory, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if _, err := cli.Ping(ctx); err != nil {
		cli.Close()
		return nil, fmt.Errorf("docker daemon unreachable: %w", err)
	}
	return newDockerFactory(cli, img), nil
}

func newDockerFactory(api dockerAPI, img string) *DockerFactory {
	if img == "" {
		img = DefaultImage
	}
	return &DockerFactory{api: api, image: img}
}

func (f *DockerFactory) Provision(ctx context.Context, limits Limits) (Environment, error) {
	if err := f.ensureImage(ctx); err != nil {
		return nil, err
	}

	pids := int64(envPidsLimit)
	hostConfig := &container.HostConfig{
		NetworkMode:    "none",
		ReadonlyRootfs: true,
		Tmpfs:          map[string]string{"/tmp": "rw,noexec,nosuid,size=64m"},
		Resources: container.Resources{
			Memory:    limits.MemoryMB << 20,
			CPUQuota:  int64(limits.CPUFraction * cpuPeriodMicros),
			CPUPeriod: cpuPeriodMicros,
			PidsLimit: &pids,
		},
	}
	cfg := &container.Config{
		Image: f.image,
		Cmd:   []string{"sleep", "infinity"},
		User:  "nobody",
	}

	name := "codexec-" + uuid.NewString()[:8]
	created, err := f.api.ContainerCreate(ctx, cfg, hostConfig, nil, nil, name)
	if err != nil {
		return nil, fmt.Errorf("container create: %w", err)
	}
	if err := f.api.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		_ = f.api.ContainerRemove(context.Background(), created.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("container start: %w", err)
	}

	log.Debug().Str("container_id", created.ID).Str("image", f.image).Msg("docker environment provisioned")
	return &dockerEnv{api: f.api, id: created.ID}, nil
}

// ensureImage pulls the interpreter image once per factory lifetime.
func (f *DockerFactory) ensureImage(ctx context.Context) error {
	f.pullMu.Lock()
	defer f.pullMu.Unlock()
	if f.pulled {
		return nil
	}
	rc, err := f.api.ImagePull(ctx, f.image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("image pull %s: %w", f.image, err)
	}
	defer rc.Close()
	// The pull completes only when the progress stream is drained.
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("image pull %s: %w", f.image, err)
	}
	f.pulled = true
	return nil
}

func (f *DockerFactory) Close() error {
	return f.api.Close()
}

type dockerEnv struct {
	api dockerAPI
	id  string
}

func (e *dockerEnv) ID() string { return e.id }

func (e *dockerEnv) Exec(ctx context.Context, source string, stdout, stderr io.Writer) (int, error) {
	created, err := e.api.ContainerExecCreate(ctx, e.id, container.ExecOptions{
		Cmd:          []string{"python3", "-u", "-c", source},
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return -1, fmt.Errorf("exec create: %w", err)
	}

	attach, err := e.api.ContainerExecAttach(ctx, created.ID, container.ExecStartOptions{})
	if err != nil {
		return -1, fmt.Errorf("exec attach: %w", err)
	}
	defer attach.Close()

	done := make(chan error, 1)
	go func() {
		_, copyErr := stdcopy.StdCopy(stdout, stderr, attach.Reader)
		done <- copyErr
	}()

	select {
	case <-ctx.Done():
		// Closing the hijacked connection abandons the exec session; the
		// cgroup quotas keep a runaway process contained until teardown.
		return -1, ctx.Err()
	case copyErr := <-done:
		if copyErr != nil && !errors.Is(copyErr, io.EOF) {
			return -1, fmt.Errorf("exec stream: %w", copyErr)
		}
	}

	inspect, err := e.api.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return -1, fmt.Errorf("exec inspect: %w", err)
	}
	return inspect.ExitCode, nil
}

func (e *dockerEnv) ApplyLimits(ctx context.Context, l Limits) error {
	var upd container.UpdateConfig
	if l.MemoryMB > 0 {
		upd.Memory = l.MemoryMB << 20
		// The daemon rejects a memory update below the current swap cap.
		upd.MemorySwap = l.MemoryMB << 20
	}
	if l.CPUFraction > 0 {
		upd.CPUQuota = int64(l.CPUFraction * cpuPeriodMicros)
		upd.CPUPeriod = cpuPeriodMicros
	}
	resp, err := e.api.ContainerUpdate(ctx, e.id, upd)
	if err != nil {
		return fmt.Errorf("container update: %w", err)
	}
	for _, w := range resp.Warnings {
		log.Warn().Str("container_id", e.id).Str("warning", w).Msg("container update warning")
	}
	return nil
}

func (e *dockerEnv) Usage(ctx context.Context) (UsageReading, error) {
	sr, err := e.api.ContainerStatsOneShot(ctx, e.id)
	if err != nil {
		return UsageReading{}, fmt.Errorf("container stats: %w", err)
	}
	defer sr.Body.Close()

	var stats container.StatsResponse
	if err := json.NewDecoder(sr.Body).Decode(&stats); err != nil {
		return UsageReading{}, fmt.Errorf("decode stats: %w", err)
	}
	return UsageReading{
		CPUTotal:         stats.CPUStats.CPUUsage.TotalUsage,
		SystemTotal:      stats.CPUStats.SystemUsage,
		MemoryBytes:      stats.MemoryStats.Usage,
		MemoryLimitBytes: stats.MemoryStats.Limit,
		At:               time.Now(),
	}, nil
}

func (e *dockerEnv) Teardown(ctx context.Context) error {
	stopTimeout := 1
	// Best effort stop; force removal below covers a container that will
	// not stop in time.
	_ = e.api.ContainerStop(ctx, e.id, container.StopOptions{Timeout: &stopTimeout})
	if err := e.api.ContainerRemove(ctx, e.id, container.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("container remove: %w", err)
	}
	return nil
}
