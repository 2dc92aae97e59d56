package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"codexec/internal/monitor"
)

// fakeEnv is a scriptable Environment for state-machine tests.
type fakeEnv struct {
	id          string
	execFn      func(ctx context.Context, source string, stdout, stderr io.Writer) (int, error)
	applied     []Limits
	applyErr    error
	readings    []UsageReading
	readErr     error
	teardownErr error
	tornDown    int
}

func (f *fakeEnv) ID() string { return f.id }

func (f *fakeEnv) Exec(ctx context.Context, source string, stdout, stderr io.Writer) (int, error) {
	if f.execFn != nil {
		return f.execFn(ctx, source, stdout, stderr)
	}
	fmt.Fprint(stdout, "ok")
	return 0, nil
}

func (f *fakeEnv) ApplyLimits(ctx context.Context, l Limits) error {
	if f.applyErr != nil {
		return f.applyErr
	}
	f.applied = append(f.applied, l)
	return nil
}

func (f *fakeEnv) Usage(ctx context.Context) (UsageReading, error) {
	if f.readErr != nil {
		return UsageReading{}, f.readErr
	}
	if len(f.readings) == 0 {
		return UsageReading{At: time.Now()}, nil
	}
	r := f.readings[0]
	if len(f.readings) > 1 {
		f.readings = f.readings[1:]
	}
	return r, nil
}

func (f *fakeEnv) Teardown(ctx context.Context) error {
	f.tornDown++
	return f.teardownErr
}

// fakeFactory hands out a fixed environment or fails provisioning.
type fakeFactory struct {
	env          *fakeEnv
	provisionErr error
	provisions   int
}

func (f *fakeFactory) Provision(ctx context.Context, limits Limits) (Environment, error) {
	f.provisions++
	if f.provisionErr != nil {
		return nil, f.provisionErr
	}
	return f.env, nil
}

func (f *fakeFactory) Close() error { return nil }

func newTestSandbox(env *fakeEnv) (*Sandbox, *fakeFactory) {
	factory := &fakeFactory{env: env}
	return NewSandbox(factory, DefaultLimits(), nil), factory
}

func TestSandboxLifecycle(t *testing.T) {
	env := &fakeEnv{id: "env-1"}
	sb, _ := newTestSandbox(env)
	ctx := context.Background()

	if got := sb.State(); got != StateUninitialized {
		t.Fatalf("initial state = %s", got)
	}
	if err := sb.Provision(ctx); err != nil {
		t.Fatalf("provision: %v", err)
	}
	if got := sb.State(); got != StateReady {
		t.Fatalf("state after provision = %s", got)
	}

	res := sb.Execute(ctx, "print('hi')", time.Second)
	if !res.Success {
		t.Fatalf("execute failed: %q (%s)", res.Error, res.Kind)
	}
	if !res.Isolated {
		t.Error("result not marked isolated")
	}
	if got := sb.State(); got != StateReady {
		t.Fatalf("state after execute = %s, want ready", got)
	}

	if err := sb.Teardown(ctx); err != nil {
		t.Fatalf("teardown: %v", err)
	}
	if got := sb.State(); got != StateDestroyed {
		t.Fatalf("state after teardown = %s", got)
	}
	if env.tornDown != 1 {
		t.Errorf("environment torn down %d times, want 1", env.tornDown)
	}
}

func TestSandboxProvisionFailureIsTerminal(t *testing.T) {
	factory := &fakeFactory{provisionErr: errors.New("no daemon")}
	sb := NewSandbox(factory, DefaultLimits(), nil)
	ctx := context.Background()

	err := sb.Provision(ctx)
	if !errors.Is(err, ErrProvision) {
		t.Fatalf("error = %v, want ErrProvision", err)
	}
	if got := sb.State(); got != StateProvisionFailed {
		t.Fatalf("state = %s, want provision_failed", got)
	}

	// No automatic retry: a second provision attempt is rejected.
	if err := sb.Provision(ctx); err == nil {
		t.Fatal("expected second provision to be rejected")
	}
	if factory.provisions != 1 {
		t.Errorf("factory called %d times, want 1", factory.provisions)
	}
}

func TestSandboxExecuteRequiresReady(t *testing.T) {
	env := &fakeEnv{id: "env-1"}
	sb, _ := newTestSandbox(env)

	res := sb.Execute(context.Background(), "print(1)", time.Second)
	if res.Success {
		t.Fatal("expected failure before provisioning")
	}
	if res.Kind != KindInternal {
		t.Errorf("kind = %q, want %q", res.Kind, KindInternal)
	}
}

func TestSandboxExecuteRuntimeFailure(t *testing.T) {
	env := &fakeEnv{
		id: "env-1",
		execFn: func(ctx context.Context, source string, stdout, stderr io.Writer) (int, error) {
			fmt.Fprint(stdout, "partial")
			fmt.Fprint(stderr, "NameError: name 'x' is not defined")
			return 1, nil
		},
	}
	sb, _ := newTestSandbox(env)
	ctx := context.Background()
	if err := sb.Provision(ctx); err != nil {
		t.Fatal(err)
	}

	res := sb.Execute(ctx, "x", time.Second)
	if res.Success {
		t.Fatal("expected failure")
	}
	if res.Kind != KindRuntime {
		t.Errorf("kind = %q, want %q", res.Kind, KindRuntime)
	}
	if res.ExitCode != 1 {
		t.Errorf("exit code = %d, want 1", res.ExitCode)
	}
	if res.Output != "partial" {
		t.Errorf("partial output lost: %q", res.Output)
	}
	if got := sb.State(); got != StateReady {
		t.Errorf("state = %s, want ready for reuse", got)
	}
}

func TestSandboxExecuteTimeout(t *testing.T) {
	env := &fakeEnv{
		id: "env-1",
		execFn: func(ctx context.Context, source string, stdout, stderr io.Writer) (int, error) {
			fmt.Fprint(stdout, "before")
			<-ctx.Done()
			return -1, ctx.Err()
		},
	}
	sb, _ := newTestSandbox(env)
	ctx := context.Background()
	if err := sb.Provision(ctx); err != nil {
		t.Fatal(err)
	}

	res := sb.Execute(ctx, "while True: pass", 50*time.Millisecond)
	if res.Success {
		t.Fatal("expected timeout failure")
	}
	if res.Kind != KindTimeout {
		t.Errorf("kind = %q, want %q", res.Kind, KindTimeout)
	}
	if res.Output != "before" {
		t.Errorf("partial output lost: %q", res.Output)
	}
	// A timed-out execution does not destroy the environment.
	if got := sb.State(); got != StateReady {
		t.Errorf("state = %s, want ready", got)
	}
}

func TestSandboxExecuteTransportFailureTearsDown(t *testing.T) {
	env := &fakeEnv{
		id: "env-1",
		execFn: func(ctx context.Context, source string, stdout, stderr io.Writer) (int, error) {
			return -1, errors.New("hijacked connection dropped")
		},
	}
	sb, _ := newTestSandbox(env)
	ctx := context.Background()
	if err := sb.Provision(ctx); err != nil {
		t.Fatal(err)
	}

	res := sb.Execute(ctx, "print(1)", time.Second)
	if res.Kind != KindInternal {
		t.Fatalf("kind = %q, want %q", res.Kind, KindInternal)
	}
	if got := sb.State(); got != StateDestroyed {
		t.Errorf("state = %s, want destroyed after transport failure", got)
	}
	if env.tornDown != 1 {
		t.Errorf("environment torn down %d times, want 1", env.tornDown)
	}
}

func TestSandboxUpdateLimits(t *testing.T) {
	env := &fakeEnv{id: "env-1"}
	sb, _ := newTestSandbox(env)
	ctx := context.Background()
	if err := sb.Provision(ctx); err != nil {
		t.Fatal(err)
	}

	mem := int64(256)
	if err := sb.UpdateLimits(ctx, LimitsPatch{MemoryMB: &mem}); err != nil {
		t.Fatalf("update: %v", err)
	}

	// Only the patched field reaches the backend.
	if len(env.applied) != 1 {
		t.Fatalf("applied %d updates, want 1", len(env.applied))
	}
	if env.applied[0].MemoryMB != 256 || env.applied[0].CPUFraction != 0 {
		t.Errorf("applied = %+v, want memory only", env.applied[0])
	}

	// The merged limits stick; the untouched field survives.
	if got := sb.Limits(); got.MemoryMB != 256 || got.CPUFraction != 0.5 {
		t.Errorf("limits = %+v", got)
	}

	cpu := 1.5
	if err := sb.UpdateLimits(ctx, LimitsPatch{CPUFraction: &cpu}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if got := sb.Limits(); got.MemoryMB != 256 || got.CPUFraction != 1.5 {
		t.Errorf("limits = %+v", got)
	}
}

func TestSandboxUpdateLimitsRejectsInvalid(t *testing.T) {
	env := &fakeEnv{id: "env-1"}
	sb, _ := newTestSandbox(env)
	ctx := context.Background()
	if err := sb.Provision(ctx); err != nil {
		t.Fatal(err)
	}

	mem := int64(4)
	err := sb.UpdateLimits(ctx, LimitsPatch{MemoryMB: &mem})
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("error = %v, want ErrInvalidRequest", err)
	}
	if len(env.applied) != 0 {
		t.Errorf("invalid limits reached the backend: %+v", env.applied)
	}
	if got := sb.Limits(); got != DefaultLimits() {
		t.Errorf("limits changed to %+v", got)
	}
}

func TestSandboxTeardownIdempotent(t *testing.T) {
	env := &fakeEnv{id: "env-1"}
	sb, _ := newTestSandbox(env)
	ctx := context.Background()
	if err := sb.Provision(ctx); err != nil {
		t.Fatal(err)
	}

	if err := sb.Teardown(ctx); err != nil {
		t.Fatalf("first teardown: %v", err)
	}
	if err := sb.Teardown(ctx); err != nil {
		t.Fatalf("second teardown: %v", err)
	}
	if env.tornDown != 1 {
		t.Errorf("backend teardown called %d times, want 1", env.tornDown)
	}
}

func TestSandboxTeardownFailureMarksLeak(t *testing.T) {
	env := &fakeEnv{id: "env-1", teardownErr: errors.New("daemon gone")}
	sb, _ := newTestSandbox(env)
	m := monitor.NewMetrics()
	sb.metrics = m
	ctx := context.Background()
	if err := sb.Provision(ctx); err != nil {
		t.Fatal(err)
	}

	err := sb.Teardown(ctx)
	if !errors.Is(err, ErrTeardown) {
		t.Fatalf("error = %v, want ErrTeardown", err)
	}
	if got := sb.State(); got != StateTeardownFailed {
		t.Errorf("state = %s, want teardown_failed", got)
	}
	if got := testutil.ToFloat64(m.TeardownFailures); got != 1 {
		t.Errorf("teardown failures = %g, want 1", got)
	}
}

func TestSandboxTeardownBeforeProvision(t *testing.T) {
	env := &fakeEnv{id: "env-1"}
	sb, _ := newTestSandbox(env)

	if err := sb.Teardown(context.Background()); err != nil {
		t.Fatalf("teardown of unprovisioned sandbox: %v", err)
	}
	if env.tornDown != 0 {
		t.Errorf("backend teardown called with nothing provisioned")
	}
	if got := sb.State(); got != StateDestroyed {
		t.Errorf("state = %s, want destroyed", got)
	}
}
