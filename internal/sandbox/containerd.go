package sandbox

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/containers"
	"github.com/containerd/containerd/errdefs"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	v1 "github.com/containerd/cgroups/v3/cgroup1/stats"
	v2 "github.com/containerd/cgroups/v3/cgroup2/stats"
	"github.com/containerd/typeurl/v2"
	"github.com/google/uuid"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog/log"
)

// DefaultContainerdSocket is where containerd listens on most distros.
const DefaultContainerdSocket = "/run/containerd/containerd.sock"

// ContainerdClient wraps the containerd client with connection management
// and health checking.
type ContainerdClient struct {
	inner     *containerd.Client
	socket    string
	namespace string

	mu     sync.RWMutex
	closed bool
}

// NewContainerdClient connects to containerd and verifies the connection.
func NewContainerdClient(ctx context.Context, socket, namespace string) (*ContainerdClient, error) {
	inner, err := containerd.New(socket,
		containerd.WithDefaultNamespace(namespace),
		containerd.WithTimeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to containerd at %s: %w", socket, err)
	}

	if _, err := inner.Version(ctx); err != nil {
		_ = inner.Close()
		return nil, fmt.Errorf("containerd health check failed: %w", err)
	}

	log.Info().
		Str("socket", socket).
		Str("namespace", namespace).
		Msg("connected to containerd")

	return &ContainerdClient{
		inner:     inner,
		socket:    socket,
		namespace: namespace,
	}, nil
}

// WithNamespace returns a context carrying the configured namespace.
func (c *ContainerdClient) WithNamespace(ctx context.Context) context.Context {
	return namespaces.WithNamespace(ctx, c.namespace)
}

// Healthy checks if the containerd connection is alive.
func (c *ContainerdClient) Healthy(ctx context.Context) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return false
	}

	_, err := c.inner.Version(ctx)
	return err == nil
}

// Close shuts down the containerd client.
func (c *ContainerdClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	if c.inner != nil {
		return c.inner.Close()
	}
	return nil
}

// PullImage pulls an image unless it is already available.
func (c *ContainerdClient) PullImage(ctx context.Context, ref string) (containerd.Image, error) {
	ctx = c.WithNamespace(ctx)

	image, err := c.inner.GetImage(ctx, ref)
	if err == nil {
		return image, nil
	}

	log.Info().Str("ref", ref).Msg("pulling image")

	image, err = c.inner.Pull(ctx, ref,
		containerd.WithPullUnpack,
	)
	if err != nil {
		return nil, fmt.Errorf("pulling image %s: %w", ref, err)
	}

	log.Info().Str("ref", ref).Msg("image pulled successfully")
	return image, nil
}

// ContainerdFactory provisions environments as containerd containers whose
// task idles on `sleep infinity`; executions run as exec processes inside
// the task.
type ContainerdFactory struct {
	client *ContainerdClient
	image  string
}

func NewContainerdFactory(ctx context.Context, socket, namespace, img string) (*ContainerdFactory, error) {
	if socket == "" {
		socket = DefaultContainerdSocket
	}
	if namespace == "" {
		namespace = "codexec"
	}
	client, err := NewContainerdClient(ctx, socket, namespace)
	if err != nil {
		return nil, err
	}
	if img == "" {
		img = DefaultImage
	}
	return &ContainerdFactory{client: client, image: img}, nil
}

func (f *ContainerdFactory) Provision(ctx context.Context, limits Limits) (Environment, error) {
	nsCtx := f.client.WithNamespace(ctx)

	image, err := f.client.PullImage(ctx, f.image)
	if err != nil {
		return nil, err
	}

	id := "codexec-" + uuid.NewString()[:8]
	container, err := f.client.inner.NewContainer(nsCtx, id,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(id+"-snapshot", image),
		containerd.WithNewSpec(
			oci.WithImageConfig(image),
			oci.WithProcessArgs("sleep", "infinity"),
			oci.WithHostname("codexec"),
			oci.WithRootFSReadonly(),
			oci.WithNoNewPrivileges,
			hardenSpec(limits),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("creating container: %w", err)
	}

	task, err := container.NewTask(nsCtx, cio.NullIO)
	if err != nil {
		_ = container.Delete(nsCtx, containerd.WithSnapshotCleanup)
		return nil, fmt.Errorf("creating task: %w", err)
	}
	if err := task.Start(nsCtx); err != nil {
		_, _ = task.Delete(nsCtx, containerd.WithProcessKill)
		_ = container.Delete(nsCtx, containerd.WithSnapshotCleanup)
		return nil, fmt.Errorf("starting task: %w", err)
	}

	log.Debug().Str("container_id", id).Str("image", f.image).Msg("containerd environment provisioned")
	return &containerdEnv{client: f.client, container: container, task: task, id: id}, nil
}

func (f *ContainerdFactory) Close() error {
	return f.client.Close()
}

// hardenSpec confines the container: CFS quota, memory cap, pids limit,
// private namespaces (network included, so the environment has no network),
// nobody user and a small writable /tmp.
func hardenSpec(limits Limits) oci.SpecOpts {
	return func(_ context.Context, _ oci.Client, _ *containers.Container, s *specs.Spec) error {
		if s.Linux == nil {
			s.Linux = &specs.Linux{}
		}
		if s.Linux.Resources == nil {
			s.Linux.Resources = &specs.LinuxResources{}
		}

		period := uint64(cpuPeriodMicros)
		quota := int64(limits.CPUFraction * cpuPeriodMicros)
		if quota < 1000 {
			quota = 1000 // minimum 1ms
		}
		s.Linux.Resources.CPU = &specs.LinuxCPU{
			Period: &period,
			Quota:  &quota,
		}

		memoryBytes := limits.MemoryMB * 1024 * 1024
		s.Linux.Resources.Memory = &specs.LinuxMemory{
			Limit: &memoryBytes,
			Swap:  &memoryBytes,
		}

		s.Linux.Resources.Pids = &specs.LinuxPids{
			Limit: envPidsLimit,
		}

		s.Linux.Namespaces = []specs.LinuxNamespace{
			{Type: specs.PIDNamespace},
			{Type: specs.NetworkNamespace},
			{Type: specs.MountNamespace},
			{Type: specs.UTSNamespace},
			{Type: specs.IPCNamespace},
		}

		if s.Process == nil {
			s.Process = &specs.Process{}
		}
		s.Process.User = specs.User{UID: 65534, GID: 65534}
		s.Process.Env = []string{
			"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
			"HOME=/tmp",
			"LANG=C.UTF-8",
		}

		s.Mounts = append(s.Mounts, specs.Mount{
			Destination: "/tmp",
			Type:        "tmpfs",
			Source:      "tmpfs",
			Options:     []string{"nosuid", "noexec", "nodev", "size=67108864"},
		})

		return nil
	}
}

type containerdEnv struct {
	client    *ContainerdClient
	container containerd.Container
	task      containerd.Task
	id        string
}

func (e *containerdEnv) ID() string { return e.id }

func (e *containerdEnv) Exec(ctx context.Context, source string, stdout, stderr io.Writer) (int, error) {
	nsCtx := e.client.WithNamespace(ctx)

	spec, err := e.container.Spec(nsCtx)
	if err != nil {
		return -1, fmt.Errorf("loading container spec: %w", err)
	}
	pspec := spec.Process
	pspec.Args = []string{"python3", "-u", "-c", source}

	execID := "exec-" + uuid.NewString()[:8]
	process, err := e.task.Exec(nsCtx, execID, pspec,
		cio.NewCreator(cio.WithStreams(nil, stdout, stderr)),
	)
	if err != nil {
		return -1, fmt.Errorf("creating exec process: %w", err)
	}
	defer func() {
		if _, derr := process.Delete(e.client.WithNamespace(context.Background()), containerd.WithProcessKill); derr != nil {
			if !errdefs.IsNotFound(derr) {
				log.Warn().Err(derr).Str("exec_id", execID).Msg("exec process delete failed")
			}
		}
	}()

	exitCh, err := process.Wait(nsCtx)
	if err != nil {
		return -1, fmt.Errorf("waiting on exec process: %w", err)
	}
	if err := process.Start(nsCtx); err != nil {
		return -1, fmt.Errorf("starting exec process: %w", err)
	}

	select {
	case status := <-exitCh:
		if status.Error() != nil {
			return -1, fmt.Errorf("exec process: %w", status.Error())
		}
		return int(status.ExitCode()), nil
	case <-ctx.Done():
		killCtx := e.client.WithNamespace(context.Background())
		if kerr := process.Kill(killCtx, 9); kerr != nil && !errdefs.IsNotFound(kerr) {
			log.Error().Err(kerr).Str("exec_id", execID).Msg("failed to kill timed out exec process")
		}
		<-exitCh
		return -1, ctx.Err()
	}
}

func (e *containerdEnv) ApplyLimits(ctx context.Context, l Limits) error {
	nsCtx := e.client.WithNamespace(ctx)

	resources := &specs.LinuxResources{}
	if l.CPUFraction > 0 {
		period := uint64(cpuPeriodMicros)
		quota := int64(l.CPUFraction * cpuPeriodMicros)
		resources.CPU = &specs.LinuxCPU{Period: &period, Quota: &quota}
	}
	if l.MemoryMB > 0 {
		memoryBytes := l.MemoryMB * 1024 * 1024
		resources.Memory = &specs.LinuxMemory{Limit: &memoryBytes}
	}

	if err := e.task.Update(nsCtx, containerd.WithResources(resources)); err != nil {
		return fmt.Errorf("updating task resources: %w", err)
	}
	return nil
}

func (e *containerdEnv) Usage(ctx context.Context) (UsageReading, error) {
	nsCtx := e.client.WithNamespace(ctx)

	metric, err := e.task.Metrics(nsCtx)
	if err != nil {
		return UsageReading{}, fmt.Errorf("task metrics: %w", err)
	}
	data, err := typeurl.UnmarshalAny(metric.Data)
	if err != nil {
		return UsageReading{}, fmt.Errorf("decoding metrics: %w", err)
	}

	reading := UsageReading{At: time.Now()}
	switch m := data.(type) {
	case *v1.Metrics:
		if m.CPU != nil && m.CPU.Usage != nil {
			reading.CPUTotal = m.CPU.Usage.Total
		}
		if m.Memory != nil && m.Memory.Usage != nil {
			reading.MemoryBytes = m.Memory.Usage.Usage
			reading.MemoryLimitBytes = m.Memory.Usage.Limit
		}
	case *v2.Metrics:
		if m.CPU != nil {
			reading.CPUTotal = m.CPU.UsageUsec * 1000
		}
		if m.Memory != nil {
			reading.MemoryBytes = m.Memory.Usage
			reading.MemoryLimitBytes = m.Memory.UsageLimit
		}
	default:
		return UsageReading{}, fmt.Errorf("unexpected metrics type %T", data)
	}
	return reading, nil
}

func (e *containerdEnv) Teardown(ctx context.Context) error {
	cleanupCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	nsCtx := e.client.WithNamespace(cleanupCtx)

	if status, err := e.task.Status(nsCtx); err == nil && status.Status != containerd.Stopped {
		_ = e.task.Kill(nsCtx, 9)

		waitCtx, waitCancel := context.WithTimeout(nsCtx, 5*time.Second)
		defer waitCancel()
		if exitCh, err := e.task.Wait(waitCtx); err == nil {
			select {
			case <-exitCh:
			case <-waitCtx.Done():
				log.Warn().Str("container_id", e.id).Msg("timed out waiting for task to stop")
			}
		}
	}

	if _, err := e.task.Delete(nsCtx, containerd.WithProcessKill); err != nil {
		if !errdefs.IsNotFound(err) {
			log.Warn().Err(err).Str("container_id", e.id).Msg("failed to delete task")
		}
	}

	if err := e.container.Delete(nsCtx, containerd.WithSnapshotCleanup); err != nil {
		if !errdefs.IsNotFound(err) {
			return fmt.Errorf("deleting container %s: %w", e.id, err)
		}
	}

	log.Debug().Str("container_id", e.id).Msg("containerd environment destroyed")
	return nil
}
