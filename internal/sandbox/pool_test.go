package sandbox

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"codexec/internal/monitor"
)

// countingFactory mints a fresh fakeEnv per provision.
type countingFactory struct {
	mu         sync.Mutex
	provisions int
	envs       []*fakeEnv
}

func (f *countingFactory) Provision(ctx context.Context, limits Limits) (Environment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.provisions++
	env := &fakeEnv{id: "env-" + string(rune('a'+f.provisions))}
	f.envs = append(f.envs, env)
	return env, nil
}

func (f *countingFactory) Close() error { return nil }

func TestEnvPoolRefillsAndDrains(t *testing.T) {
	factory := &countingFactory{}
	pool := NewEnvPool(factory, DefaultLimits(), PoolConfig{MinIdle: 2, RefillDelay: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)

	deadline := time.After(2 * time.Second)
	for pool.Size() < 2 {
		select {
		case <-deadline:
			t.Fatalf("pool never refilled, size %d", pool.Size())
		case <-time.After(10 * time.Millisecond):
		}
	}

	pool.Stop(context.Background())

	factory.mu.Lock()
	defer factory.mu.Unlock()
	var tornDown int
	for _, env := range factory.envs {
		tornDown += env.tornDown
	}
	if tornDown != factory.provisions {
		t.Errorf("provisioned %d but tore down %d on drain", factory.provisions, tornDown)
	}
}

func TestEnvPoolAcquireMissReturnsNil(t *testing.T) {
	pool := NewEnvPool(&countingFactory{}, DefaultLimits(), PoolConfig{MinIdle: 1})
	if env := pool.Acquire(); env != nil {
		t.Errorf("empty pool handed out %v", env)
	}
}

func TestEnvPoolAcquireAfterStopReturnsNil(t *testing.T) {
	pool := NewEnvPool(&countingFactory{}, DefaultLimits(), PoolConfig{MinIdle: 1})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)
	pool.Stop(context.Background())

	// The idle channel is closed now; Acquire must not hand out the zero
	// value or panic.
	if env := pool.Acquire(); env != nil {
		t.Errorf("stopped pool handed out %v", env)
	}
}

func TestEnvPoolPublishesIdleGauge(t *testing.T) {
	factory := &countingFactory{}
	m := monitor.NewMetrics()
	pool := NewEnvPool(factory, DefaultLimits(), PoolConfig{
		MinIdle:     2,
		RefillDelay: 10 * time.Millisecond,
		Metrics:     m,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)

	deadline := time.After(2 * time.Second)
	for testutil.ToFloat64(m.PoolIdle) < 2 {
		select {
		case <-deadline:
			t.Fatalf("idle gauge never reached 2, size %d", pool.Size())
		case <-time.After(10 * time.Millisecond):
		}
	}

	pool.Stop(context.Background())
	if got := testutil.ToFloat64(m.PoolIdle); got != 0 {
		t.Errorf("idle gauge after drain = %g, want 0", got)
	}
}

func TestPooledFactoryPrefersWarmEnvironment(t *testing.T) {
	warm := &fakeEnv{id: "warm-1"}
	inner := &countingFactory{}
	pool := NewEnvPool(inner, DefaultLimits(), PoolConfig{MinIdle: 1})
	pool.idle <- warm

	factory := NewPooledFactory(pool, inner)

	env, err := factory.Provision(context.Background(), DefaultLimits())
	if err != nil {
		t.Fatal(err)
	}
	if env.ID() != "warm-1" {
		t.Errorf("got %q, want the pooled environment", env.ID())
	}
	if inner.provisions != 0 {
		t.Errorf("inner factory called %d times", inner.provisions)
	}

	// Pool exhausted: the next provision falls through.
	env, err = factory.Provision(context.Background(), DefaultLimits())
	if err != nil {
		t.Fatal(err)
	}
	if env.ID() == "warm-1" {
		t.Error("stale environment handed out twice")
	}
	if inner.provisions != 1 {
		t.Errorf("inner factory called %d times, want 1", inner.provisions)
	}
}

func TestPooledFactorySkipsPoolOnQuotaMismatch(t *testing.T) {
	warm := &fakeEnv{id: "warm-1"}
	inner := &countingFactory{}
	pool := NewEnvPool(inner, DefaultLimits(), PoolConfig{MinIdle: 1})
	pool.idle <- warm

	factory := NewPooledFactory(pool, inner)

	// Non-default quotas cannot be served by a warm environment built with
	// the defaults.
	env, err := factory.Provision(context.Background(), Limits{MemoryMB: 512, CPUFraction: 2})
	if err != nil {
		t.Fatal(err)
	}
	if env.ID() == "warm-1" {
		t.Error("pooled environment handed out for mismatched quotas")
	}
	if pool.Size() != 1 {
		t.Errorf("pool size = %d, want the warm environment kept", pool.Size())
	}
}

var _ Environment = (*fakeEnv)(nil)
