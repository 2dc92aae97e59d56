package sandbox

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// fakeDocker records calls and plays back scripted responses for the slice
// of the Engine API the backend uses.
type fakeDocker struct {
	pulls       int
	createCfg   *container.Config
	createHost  *container.HostConfig
	started     []string
	execCmd     []string
	execOutput  []byte // stdcopy-framed stream handed to attach
	execExit    int
	updates     []container.UpdateConfig
	statsJSON   string
	stopped     []string
	removed     []string
	removeErr   error
	attachConns []net.Conn
}

func (f *fakeDocker) ImagePull(ctx context.Context, ref string, opts image.PullOptions) (io.ReadCloser, error) {
	f.pulls++
	return io.NopCloser(strings.NewReader("{}")), nil
}

func (f *fakeDocker) ContainerCreate(ctx context.Context, cfg *container.Config, host *container.HostConfig,
	netCfg *network.NetworkingConfig, platform *ocispec.Platform, name string) (container.CreateResponse, error) {
	f.createCfg = cfg
	f.createHost = host
	return container.CreateResponse{ID: "ctr-1"}, nil
}

func (f *fakeDocker) ContainerStart(ctx context.Context, id string, opts container.StartOptions) error {
	f.started = append(f.started, id)
	return nil
}

func (f *fakeDocker) ContainerExecCreate(ctx context.Context, id string, opts container.ExecOptions) (container.ExecCreateResponse, error) {
	f.execCmd = opts.Cmd
	return container.ExecCreateResponse{ID: "exec-1"}, nil
}

func (f *fakeDocker) ContainerExecAttach(ctx context.Context, execID string, opts container.ExecStartOptions) (types.HijackedResponse, error) {
	server, client := net.Pipe()
	f.attachConns = append(f.attachConns, server)
	go func() {
		if len(f.execOutput) > 0 {
			server.Write(f.execOutput)
		}
		server.Close()
	}()
	return types.HijackedResponse{Conn: client, Reader: bufio.NewReader(client)}, nil
}

func (f *fakeDocker) ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error) {
	return container.ExecInspect{ExecID: execID, ExitCode: f.execExit}, nil
}

func (f *fakeDocker) ContainerUpdate(ctx context.Context, id string, cfg container.UpdateConfig) (container.UpdateResponse, error) {
	f.updates = append(f.updates, cfg)
	return container.UpdateResponse{}, nil
}

func (f *fakeDocker) ContainerStatsOneShot(ctx context.Context, id string) (container.StatsResponseReader, error) {
	return container.StatsResponseReader{
		Body:   io.NopCloser(strings.NewReader(f.statsJSON)),
		OSType: "linux",
	}, nil
}

func (f *fakeDocker) ContainerStop(ctx context.Context, id string, opts container.StopOptions) error {
	f.stopped = append(f.stopped, id)
	return nil
}

func (f *fakeDocker) ContainerRemove(ctx context.Context, id string, opts container.RemoveOptions) error {
	f.removed = append(f.removed, id)
	return f.removeErr
}

func (f *fakeDocker) Ping(ctx context.Context) (types.Ping, error) { return types.Ping{}, nil }

func (f *fakeDocker) Close() error { return nil }

// framed builds a stdcopy-multiplexed stream the way the daemon would.
func framed(t *testing.T, stdout, stderr string) []byte {
	t.Helper()
	var buf bytes.Buffer
	if stdout != "" {
		if _, err := stdcopy.NewStdWriter(&buf, stdcopy.Stdout).Write([]byte(stdout)); err != nil {
			t.Fatal(err)
		}
	}
	if stderr != "" {
		if _, err := stdcopy.NewStdWriter(&buf, stdcopy.Stderr).Write([]byte(stderr)); err != nil {
			t.Fatal(err)
		}
	}
	return buf.Bytes()
}

func TestDockerFactoryProvision(t *testing.T) {
	api := &fakeDocker{}
	factory := newDockerFactory(api, "")
	ctx := context.Background()

	env, err := factory.Provision(ctx, Limits{MemoryMB: 128, CPUFraction: 0.5})
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	if env.ID() != "ctr-1" {
		t.Errorf("env id = %q", env.ID())
	}

	if api.createCfg.Image != DefaultImage {
		t.Errorf("image = %q, want %q", api.createCfg.Image, DefaultImage)
	}
	if got := strings.Join(api.createCfg.Cmd, " "); got != "sleep infinity" {
		t.Errorf("cmd = %q", got)
	}
	if api.createCfg.User != "nobody" {
		t.Errorf("user = %q, want nobody", api.createCfg.User)
	}

	host := api.createHost
	if host.NetworkMode != "none" {
		t.Errorf("network mode = %q, want none", host.NetworkMode)
	}
	if !host.ReadonlyRootfs {
		t.Error("rootfs not read-only")
	}
	if host.Resources.Memory != 128<<20 {
		t.Errorf("memory = %d, want %d", host.Resources.Memory, int64(128<<20))
	}
	if host.Resources.CPUQuota != 50000 || host.Resources.CPUPeriod != 100000 {
		t.Errorf("cpu quota/period = %d/%d, want 50000/100000",
			host.Resources.CPUQuota, host.Resources.CPUPeriod)
	}
	if len(api.started) != 1 {
		t.Errorf("container started %d times", len(api.started))
	}
}

func TestDockerFactoryPullsImageOnce(t *testing.T) {
	api := &fakeDocker{}
	factory := newDockerFactory(api, "python:3.11-slim")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := factory.Provision(ctx, DefaultLimits()); err != nil {
			t.Fatal(err)
		}
	}
	if api.pulls != 1 {
		t.Errorf("image pulled %d times, want 1", api.pulls)
	}
}

func TestDockerEnvExec(t *testing.T) {
	api := &fakeDocker{execExit: 0}
	api.execOutput = framed(t, "hello\n", "")
	env := &dockerEnv{api: api, id: "ctr-1"}

	var stdout, stderr bytes.Buffer
	code, err := env.Exec(context.Background(), "print('hello')", &stdout, &stderr)
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if code != 0 {
		t.Errorf("exit code = %d", code)
	}
	if stdout.String() != "hello\n" {
		t.Errorf("stdout = %q", stdout.String())
	}
	if got := strings.Join(api.execCmd, " "); got != "python3 -u -c print('hello')" {
		t.Errorf("exec cmd = %q", got)
	}
}

func TestDockerEnvExecDemuxesStderr(t *testing.T) {
	api := &fakeDocker{execExit: 1}
	api.execOutput = framed(t, "partial", "Traceback: boom")
	env := &dockerEnv{api: api, id: "ctr-1"}

	var stdout, stderr bytes.Buffer
	code, err := env.Exec(context.Background(), "boom()", &stdout, &stderr)
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if code != 1 {
		t.Errorf("exit code = %d, want 1", code)
	}
	if stdout.String() != "partial" {
		t.Errorf("stdout = %q", stdout.String())
	}
	if !strings.Contains(stderr.String(), "Traceback") {
		t.Errorf("stderr = %q", stderr.String())
	}
}

func TestDockerEnvExecHonorsDeadline(t *testing.T) {
	// The attach stream stays open with no data; only the deadline can end
	// the call.
	server, client := net.Pipe()
	defer server.Close()

	hold := &fakeDockerHoldingAttach{fakeDocker: &fakeDocker{}, conn: client}
	env := &dockerEnv{api: hold, id: "ctr-1"}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	var stdout, stderr bytes.Buffer
	_, err := env.Exec(ctx, "while True: pass", &stdout, &stderr)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("error = %v, want deadline exceeded", err)
	}
}

// fakeDockerHoldingAttach overrides attach with a stream that never yields
// data and never closes.
type fakeDockerHoldingAttach struct {
	*fakeDocker
	conn net.Conn
}

func (f *fakeDockerHoldingAttach) ContainerExecAttach(ctx context.Context, execID string, opts container.ExecStartOptions) (types.HijackedResponse, error) {
	return types.HijackedResponse{Conn: f.conn, Reader: bufio.NewReader(f.conn)}, nil
}

func TestDockerEnvApplyLimits(t *testing.T) {
	api := &fakeDocker{}
	env := &dockerEnv{api: api, id: "ctr-1"}
	ctx := context.Background()

	if err := env.ApplyLimits(ctx, Limits{MemoryMB: 256}); err != nil {
		t.Fatal(err)
	}
	if err := env.ApplyLimits(ctx, Limits{CPUFraction: 2}); err != nil {
		t.Fatal(err)
	}

	if len(api.updates) != 2 {
		t.Fatalf("updates = %d, want 2", len(api.updates))
	}
	if api.updates[0].Memory != 256<<20 {
		t.Errorf("memory update = %d", api.updates[0].Memory)
	}
	if api.updates[0].CPUQuota != 0 {
		t.Errorf("memory-only update touched cpu quota: %d", api.updates[0].CPUQuota)
	}
	if api.updates[1].CPUQuota != 200000 || api.updates[1].CPUPeriod != 100000 {
		t.Errorf("cpu update = %d/%d", api.updates[1].CPUQuota, api.updates[1].CPUPeriod)
	}
	if api.updates[1].Memory != 0 {
		t.Errorf("cpu-only update touched memory: %d", api.updates[1].Memory)
	}
}

func TestDockerEnvUsage(t *testing.T) {
	api := &fakeDocker{statsJSON: `{
		"cpu_stats": {"cpu_usage": {"total_usage": 1500000000}, "system_cpu_usage": 90000000000},
		"memory_stats": {"usage": 67108864, "limit": 134217728}
	}`}
	env := &dockerEnv{api: api, id: "ctr-1"}

	reading, err := env.Usage(context.Background())
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if reading.CPUTotal != 1500000000 {
		t.Errorf("cpu total = %d", reading.CPUTotal)
	}
	if reading.SystemTotal != 90000000000 {
		t.Errorf("system total = %d", reading.SystemTotal)
	}
	if reading.MemoryBytes != 64<<20 {
		t.Errorf("memory = %d", reading.MemoryBytes)
	}
	if reading.MemoryLimitBytes != 128<<20 {
		t.Errorf("memory limit = %d", reading.MemoryLimitBytes)
	}
	if reading.At.IsZero() {
		t.Error("sample time not set")
	}
}

func TestDockerEnvTeardown(t *testing.T) {
	api := &fakeDocker{}
	env := &dockerEnv{api: api, id: "ctr-1"}

	if err := env.Teardown(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(api.stopped) != 1 || len(api.removed) != 1 {
		t.Errorf("stop/remove calls = %d/%d, want 1/1", len(api.stopped), len(api.removed))
	}
}

func TestDockerEnvTeardownSurfacesRemoveFailure(t *testing.T) {
	api := &fakeDocker{removeErr: errors.New("in use")}
	env := &dockerEnv{api: api, id: "ctr-1"}

	if err := env.Teardown(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}
