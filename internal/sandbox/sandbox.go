package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"codexec/internal/monitor"
)

const teardownTimeout = 10 * time.Second

// Sandbox owns exactly one isolated environment and is the sole authority
// over its lifecycle state. Executions mutate nothing outside the
// environment; the environment persists across executions until Teardown.
//
// State transitions:
//
//	Uninitialized -> Provisioning -> Ready <-> Executing
//	Ready|Executing -> Terminating -> Destroyed
//	Provisioning -> ProvisionFailed   (terminal)
//	Terminating  -> TeardownFailed    (terminal, environment leaked)
type Sandbox struct {
	factory  EnvironmentFactory
	governor *ResourceGovernor
	logger   zerolog.Logger
	metrics  *monitor.Metrics // optional

	mu     sync.Mutex
	state  EnvState
	env    Environment
	limits Limits
}

// NewSandbox builds an unprovisioned sandbox. The first Provision call
// creates the backing environment with the given quotas.
func NewSandbox(factory EnvironmentFactory, limits Limits, governor *ResourceGovernor) *Sandbox {
	if governor == nil {
		governor = NewResourceGovernor()
	}
	return &Sandbox{
		factory:  factory,
		governor: governor,
		limits:   limits,
		state:    StateUninitialized,
		logger:   log.With().Str("component", "sandbox").Logger(),
	}
}

// State reports the current lifecycle state.
func (s *Sandbox) State() EnvState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Limits reports the quotas currently applied to the environment.
func (s *Sandbox) Limits() Limits {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.limits
}

// Provision creates the backing environment. Valid only from Uninitialized;
// a provisioning failure is terminal for this sandbox.
func (s *Sandbox) Provision(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateUninitialized {
		state := s.state
		s.mu.Unlock()
		return &EnvError{Op: "provision", Err: fmt.Errorf("%w: state %s", ErrNotReady, state)}
	}
	s.state = StateProvisioning
	s.mu.Unlock()

	env, err := s.factory.Provision(ctx, s.limits)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.state = StateProvisionFailed
		s.logger.Error().Err(err).Msg("environment provisioning failed")
		return &EnvError{Op: "provision", Err: fmt.Errorf("%w: %w", ErrProvision, err)}
	}
	s.env = env
	s.state = StateReady
	s.logger.Info().Str("env_id", env.ID()).
		Int64("memory_mb", s.limits.MemoryMB).
		Float64("cpu", s.limits.CPUFraction).
		Msg("environment ready")
	return nil
}

// Execute runs source inside the environment. Valid only from Ready; the
// sandbox returns to Ready afterwards except when the transport itself
// failed, in which case the environment is suspect and gets torn down.
func (s *Sandbox) Execute(ctx context.Context, source string, timeout time.Duration) ExecutionResult {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	s.mu.Lock()
	if s.state != StateReady {
		state := s.state
		s.mu.Unlock()
		return ExecutionResult{
			Isolated: true,
			Kind:     KindInternal,
			ExitCode: -1,
			Error:    fmt.Sprintf("environment is not ready (state %s)", state),
			Duration: 0,
		}
	}
	s.state = StateExecuting
	env := s.env
	s.mu.Unlock()

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	start := time.Now()
	exitCode, err := env.Exec(execCtx, source, &stdout, &stderr)
	elapsed := time.Since(start)

	result := ExecutionResult{
		Isolated: true,
		Output:   truncate(stdout.String(), maxStdoutBytes),
		ExitCode: exitCode,
		Duration: elapsed,
	}

	switch {
	case err == nil && exitCode == 0:
		result.Success = true
	case err == nil:
		result.Kind = KindRuntime
		result.Error = truncate(stderr.String(), maxStderrBytes)
		if result.Error == "" {
			result.Error = fmt.Sprintf("process exited with code %d", exitCode)
		}
	case errors.Is(err, context.DeadlineExceeded) || IsTimeout(err):
		result.Kind = KindTimeout
		result.ExitCode = -1
		result.Error = "execution timed out after " + timeout.String()
		s.logger.Warn().Str("env_id", env.ID()).Dur("timeout", timeout).
			Msg("isolated execution timed out")
	default:
		result.Kind = KindInternal
		result.ExitCode = -1
		result.Error = "execution transport failed: " + err.Error()
		s.logger.Error().Err(err).Str("env_id", env.ID()).
			Msg("execution transport failed, tearing environment down")
	}

	s.mu.Lock()
	s.state = StateReady
	s.mu.Unlock()

	if result.Kind == KindInternal {
		// The exec channel broke mid-flight; nothing downstream can trust
		// this environment anymore.
		cleanup, cancelCleanup := context.WithTimeout(context.Background(), teardownTimeout)
		defer cancelCleanup()
		if terr := s.Teardown(cleanup); terr != nil {
			s.logger.Error().Err(terr).Str("env_id", env.ID()).
				Msg("teardown after transport failure also failed")
		}
	}

	return result
}

// Usage samples the environment's resource consumption. Valid while Ready
// or Executing; the sample is computed fresh on every call.
func (s *Sandbox) Usage(ctx context.Context) (ResourceSnapshot, error) {
	s.mu.Lock()
	if s.state != StateReady && s.state != StateExecuting {
		state := s.state
		s.mu.Unlock()
		return ResourceSnapshot{}, &EnvError{Op: "usage", Err: fmt.Errorf("%w: state %s", ErrNotReady, state)}
	}
	env := s.env
	limits := s.limits
	s.mu.Unlock()

	return s.governor.Sample(ctx, env, limits)
}

// UpdateLimits applies a partial quota change to the live environment,
// effective immediately for the current and subsequent executions. Valid
// while Ready or Executing.
func (s *Sandbox) UpdateLimits(ctx context.Context, patch LimitsPatch) error {
	if patch.Empty() {
		return nil
	}

	s.mu.Lock()
	if s.state != StateReady && s.state != StateExecuting {
		state := s.state
		s.mu.Unlock()
		return &EnvError{Op: "update_limits", Err: fmt.Errorf("%w: state %s", ErrNotReady, state)}
	}
	env := s.env
	merged := patch.ApplyTo(s.limits)
	s.mu.Unlock()

	if err := merged.Validate(); err != nil {
		return err
	}

	// Only the patched fields travel to the backend; zero values mean
	// "leave unchanged" at the environment boundary.
	var delta Limits
	if patch.MemoryMB != nil {
		delta.MemoryMB = *patch.MemoryMB
	}
	if patch.CPUFraction != nil {
		delta.CPUFraction = *patch.CPUFraction
	}
	if err := env.ApplyLimits(ctx, delta); err != nil {
		return &EnvError{EnvID: env.ID(), Op: "update_limits", Err: err}
	}

	s.mu.Lock()
	s.limits = merged
	s.mu.Unlock()

	s.logger.Info().Str("env_id", env.ID()).
		Int64("memory_mb", merged.MemoryMB).
		Float64("cpu", merged.CPUFraction).
		Msg("limits updated")
	return nil
}

// Teardown destroys the environment. Safe to call from any state and
// idempotent once destroyed; a backend failure leaves the sandbox in
// TeardownFailed with the environment leaked, and never rewrites the
// outcome of executions that already completed.
func (s *Sandbox) Teardown(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateDestroyed:
		s.mu.Unlock()
		return nil
	case StateTeardownFailed:
		s.mu.Unlock()
		return &EnvError{Op: "teardown", Err: ErrTeardown}
	case StateUninitialized, StateProvisionFailed:
		s.state = StateDestroyed
		s.mu.Unlock()
		return nil
	}
	env := s.env
	s.state = StateTerminating
	s.mu.Unlock()

	err := env.Teardown(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.state = StateTeardownFailed
		if s.metrics != nil {
			s.metrics.TeardownFailures.Inc()
		}
		s.logger.Error().Err(err).Str("env_id", env.ID()).
			Msg("environment teardown failed, container may be leaked")
		return &EnvError{EnvID: env.ID(), Op: "teardown", Err: fmt.Errorf("%w: %w", ErrTeardown, err)}
	}
	s.state = StateDestroyed
	s.governor.Forget(env.ID())
	s.logger.Info().Str("env_id", env.ID()).Msg("environment destroyed")
	return nil
}
