package sandbox

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"codexec/internal/monitor"
)

// EnvPool keeps a small stock of pre-provisioned environments so isolated
// executions skip container startup latency. Acquire never blocks: a miss
// just provisions on demand through the regular path. Environments handed
// out by the pool are owned by the caller and torn down after use like any
// other.
type EnvPool struct {
	factory EnvironmentFactory
	limits  Limits

	idle        chan Environment
	minIdle     int
	refillDelay time.Duration
	metrics     *monitor.Metrics // optional

	done chan struct{}
	wg   sync.WaitGroup
}

type PoolConfig struct {
	MinIdle     int              // warm environments to keep on hand
	RefillDelay time.Duration    // how often to top up
	Metrics     *monitor.Metrics // optional, publishes the idle gauge
}

func NewEnvPool(factory EnvironmentFactory, limits Limits, cfg PoolConfig) *EnvPool {
	if cfg.MinIdle < 1 {
		cfg.MinIdle = 2
	}
	if cfg.RefillDelay == 0 {
		cfg.RefillDelay = 500 * time.Millisecond
	}
	return &EnvPool{
		factory:     factory,
		limits:      limits,
		idle:        make(chan Environment, cfg.MinIdle),
		minIdle:     cfg.MinIdle,
		refillDelay: cfg.RefillDelay,
		metrics:     cfg.Metrics,
		done:        make(chan struct{}),
	}
}

func (p *EnvPool) Start(ctx context.Context) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.refillLoop(ctx)
	}()

	log.Info().Int("min_idle", p.minIdle).Msg("environment pool started")
}

// Acquire hands out a warm environment, or nil when the pool is empty or
// already stopped.
func (p *EnvPool) Acquire() Environment {
	select {
	case env, ok := <-p.idle:
		if !ok || env == nil {
			// Stop closed the channel underneath us.
			return nil
		}
		p.publishIdle()
		log.Debug().Str("env_id", env.ID()).Msg("acquired warm environment from pool")
		return env
	default:
		return nil
	}
}

func (p *EnvPool) publishIdle() {
	if p.metrics != nil {
		p.metrics.PoolIdle.Set(float64(len(p.idle)))
	}
}

// Size reports how many warm environments are idle.
func (p *EnvPool) Size() int {
	return len(p.idle)
}

// Stop halts refilling and tears down every idle environment.
func (p *EnvPool) Stop(ctx context.Context) {
	close(p.done)
	p.wg.Wait()

	close(p.idle)
	var count int
	for env := range p.idle {
		if err := env.Teardown(ctx); err != nil {
			log.Warn().Err(err).Str("env_id", env.ID()).Msg("failed to tear down pooled environment")
		}
		count++
	}
	p.publishIdle()
	if count > 0 {
		log.Info().Int("count", count).Msg("drained pooled environments")
	}
}

// PooledFactory satisfies EnvironmentFactory by drawing from the pool first
// and falling back to direct provisioning on a miss or a quota mismatch.
type PooledFactory struct {
	pool  *EnvPool
	inner EnvironmentFactory
}

func NewPooledFactory(pool *EnvPool, inner EnvironmentFactory) *PooledFactory {
	return &PooledFactory{pool: pool, inner: inner}
}

func (f *PooledFactory) Provision(ctx context.Context, limits Limits) (Environment, error) {
	if limits == f.pool.limits {
		if env := f.pool.Acquire(); env != nil {
			return env, nil
		}
	}
	return f.inner.Provision(ctx, limits)
}

func (f *PooledFactory) Close() error {
	return f.inner.Close()
}

func (p *EnvPool) refillLoop(ctx context.Context) {
	ticker := time.NewTicker(p.refillDelay)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.refill(ctx)
		}
	}
}

func (p *EnvPool) refill(ctx context.Context) {
	for len(p.idle) < p.minIdle {
		select {
		case <-p.done:
			return
		default:
		}

		provisionCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		env, err := p.factory.Provision(provisionCtx, p.limits)
		cancel()
		if err != nil {
			log.Warn().Err(err).Msg("pool refill provision failed")
			return // back off until the next tick
		}

		select {
		case p.idle <- env:
			p.publishIdle()
		default:
			// Filled up between the length check and here.
			teardownCtx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
			if terr := env.Teardown(teardownCtx); terr != nil {
				log.Warn().Err(terr).Str("env_id", env.ID()).Msg("failed to tear down surplus environment")
			}
			cancel()
			return
		}
	}
}
