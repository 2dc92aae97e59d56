package sandbox

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// ResourceGovernor turns raw backend counters into usage percentages and
// pushes quota changes onto live environments. CPU usage is a rate, so the
// governor keeps the previous reading per environment; the first sample for
// an environment has no baseline and reports 0%.
//
// Every method returns failure as a value. A governor error never aborts an
// execution in progress.
type ResourceGovernor struct {
	mu        sync.Mutex
	baselines map[string]UsageReading
}

func NewResourceGovernor() *ResourceGovernor {
	return &ResourceGovernor{baselines: make(map[string]UsageReading)}
}

// SetCPULimit applies a new CPU share (fraction of one core) to the
// environment, leaving the memory quota untouched.
func (g *ResourceGovernor) SetCPULimit(ctx context.Context, env Environment, fraction float64) error {
	if fraction <= 0 {
		return fmt.Errorf("%w: cpu fraction must be positive, got %g", ErrInvalidRequest, fraction)
	}
	if err := env.ApplyLimits(ctx, Limits{CPUFraction: fraction}); err != nil {
		return &EnvError{EnvID: env.ID(), Op: "set_cpu_limit", Err: err}
	}
	return nil
}

// SetMemoryLimit applies a new memory ceiling in MB, leaving the CPU quota
// untouched.
func (g *ResourceGovernor) SetMemoryLimit(ctx context.Context, env Environment, memoryMB int64) error {
	if memoryMB <= 0 {
		return fmt.Errorf("%w: memory must be positive, got %d", ErrInvalidRequest, memoryMB)
	}
	if err := env.ApplyLimits(ctx, Limits{MemoryMB: memoryMB}); err != nil {
		return &EnvError{EnvID: env.ID(), Op: "set_memory_limit", Err: err}
	}
	return nil
}

// Sample takes a fresh reading and derives a snapshot against the previous
// one. Memory percentage is computed against the limit the backend reports,
// falling back to the configured quota, so a limit change is reflected in
// the very next sample.
func (g *ResourceGovernor) Sample(ctx context.Context, env Environment, limits Limits) (ResourceSnapshot, error) {
	reading, err := env.Usage(ctx)
	if err != nil {
		log.Debug().Err(err).Str("env_id", env.ID()).Msg("resource sample failed")
		return ResourceSnapshot{}, &EnvError{EnvID: env.ID(), Op: "sample", Err: fmt.Errorf("%w: %w", ErrSampleUnavailable, err)}
	}

	g.mu.Lock()
	prev, hasPrev := g.baselines[env.ID()]
	g.baselines[env.ID()] = reading
	g.mu.Unlock()

	var cpuPct float64
	if hasPrev && reading.CPUTotal >= prev.CPUTotal {
		deltaCPU := float64(reading.CPUTotal - prev.CPUTotal)
		var deltaSys float64
		if reading.SystemTotal > 0 && prev.SystemTotal > 0 && reading.SystemTotal > prev.SystemTotal {
			deltaSys = float64(reading.SystemTotal - prev.SystemTotal)
		} else {
			deltaSys = float64(reading.At.Sub(prev.At).Nanoseconds())
		}
		if deltaSys > 0 {
			cpuPct = deltaCPU / deltaSys * 100
		}
	}

	limitBytes := reading.MemoryLimitBytes
	if limitBytes == 0 {
		limitBytes = uint64(limits.MemoryMB) << 20
	}
	var memPct float64
	if limitBytes > 0 {
		memPct = float64(reading.MemoryBytes) / float64(limitBytes) * 100
	}

	return ResourceSnapshot{
		CPUPercent:    round2(cpuPct),
		MemoryMB:      round2(float64(reading.MemoryBytes) / (1 << 20)),
		MemoryPercent: round2(memPct),
	}, nil
}

// Forget drops the baseline for a destroyed environment.
func (g *ResourceGovernor) Forget(envID string) {
	g.mu.Lock()
	delete(g.baselines, envID)
	g.mu.Unlock()
}
