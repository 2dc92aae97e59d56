package sandbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"codexec/internal/monitor"
)

const maxSourceBytes = 1 << 20

// OrchestratorConfig wires the execution pipeline together.
type OrchestratorConfig struct {
	// Isolate picks the default execution mode; a request can override it.
	Isolate bool
	// DefaultTimeout applies when a request carries none; MaxTimeout caps
	// what a request may ask for.
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
	// Limits are the quotas isolated environments start with.
	Limits Limits
	// Direct replaces the default python3 host-process executor; leave nil
	// to keep the default.
	Direct *DirectExecutor
	// DisableDirect turns the host-process path off entirely. Requests that
	// resolve to direct execution then fail with an Internal kind.
	DisableDirect bool
	// Metrics is optional; when set the orchestrator publishes provision
	// and teardown failures.
	Metrics *monitor.Metrics
}

// Orchestrator is the single entry point for running caller-supplied source:
// syntax gate first, then the direct or isolated path, with every failure
// normalized into an error kind on the result. It owns at most one sandbox
// at a time, provisioned lazily on the first isolated execution.
type Orchestrator struct {
	cfg      OrchestratorConfig
	gate     SyntaxGate
	direct   *DirectExecutor
	factory  EnvironmentFactory
	governor *ResourceGovernor
	logger   zerolog.Logger

	mu sync.Mutex
	sb *Sandbox
}

// NewOrchestrator builds an orchestrator. factory may be nil when isolation
// is disabled; requesting an isolated execution then fails with an Internal
// kind.
func NewOrchestrator(cfg OrchestratorConfig, factory EnvironmentFactory) *Orchestrator {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultTimeout
	}
	if cfg.Limits == (Limits{}) {
		cfg.Limits = DefaultLimits()
	}
	var direct *DirectExecutor
	if !cfg.DisableDirect {
		direct = cfg.Direct
		if direct == nil {
			direct = NewDirectExecutor()
		}
	}
	return &Orchestrator{
		cfg:      cfg,
		gate:     NewSyntaxGate(),
		direct:   direct,
		factory:  factory,
		governor: NewResourceGovernor(),
		logger:   log.With().Str("component", "orchestrator").Logger(),
	}
}

// Execute validates and runs one request. The returned error is non-nil only
// for malformed requests (oversized source, timeout above the cap); every
// execution failure travels inside the result as an error kind.
func (o *Orchestrator) Execute(ctx context.Context, req ExecutionRequest) (ExecutionResult, error) {
	if err := o.validate(req); err != nil {
		return ExecutionResult{}, err
	}

	isolate := o.cfg.Isolate
	if req.Isolate != nil {
		isolate = *req.Isolate
	}

	if out := o.gate.Validate(req.Source); !out.Valid {
		o.logger.Debug().Int("line", out.Line).Str("reason", out.Message).Msg("source rejected by syntax gate")
		// Rejected before anything ran, so no environment was involved
		// regardless of the requested mode.
		return ExecutionResult{
			Success:  false,
			Kind:     KindSyntax,
			Isolated: false,
			ExitCode: -1,
			Error:    fmt.Sprintf("Syntax error at line %d: %s", out.Line, out.Message),
		}, nil
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = o.cfg.DefaultTimeout
	}

	if !isolate {
		if o.direct == nil {
			return ExecutionResult{
				Kind:     KindInternal,
				ExitCode: -1,
				Error:    "direct execution is disabled",
			}, nil
		}
		return o.direct.Run(ctx, req.Source, timeout), nil
	}
	return o.executeIsolated(ctx, req.Source, timeout), nil
}

// ExecuteWithMonitoring runs an isolated execution and attaches a resource
// snapshot taken right after it finishes. It fails outright when the request
// resolves to the direct path, which has nothing to sample.
func (o *Orchestrator) ExecuteWithMonitoring(ctx context.Context, req ExecutionRequest) (ExecutionResult, error) {
	if req.Isolate != nil && !*req.Isolate {
		return ExecutionResult{}, ErrNoIsolation
	}
	if req.Isolate == nil && !o.cfg.Isolate {
		return ExecutionResult{}, ErrNoIsolation
	}

	result, err := o.Execute(ctx, req)
	if err != nil {
		return result, err
	}
	if result.Kind == KindSyntax {
		return result, nil
	}

	o.mu.Lock()
	sb := o.sb
	o.mu.Unlock()
	if sb == nil {
		return result, nil
	}

	snap, serr := sb.Usage(ctx)
	if serr != nil {
		// A failed sample never degrades the execution outcome.
		o.logger.Debug().Err(serr).Msg("post-execution sample failed")
		return result, nil
	}
	result.Usage = &snap
	return result, nil
}

func (o *Orchestrator) executeIsolated(ctx context.Context, source string, timeout time.Duration) ExecutionResult {
	if o.factory == nil {
		return ExecutionResult{
			Isolated: true,
			Kind:     KindInternal,
			ExitCode: -1,
			Error:    ErrNoBackend.Error(),
		}
	}

	sb, err := o.ensureSandbox(ctx)
	if err != nil {
		return ExecutionResult{
			Isolated: true,
			Kind:     KindInternal,
			ExitCode: -1,
			Error:    "environment provisioning failed: " + err.Error(),
		}
	}

	return sb.Execute(ctx, source, timeout)
}

// ensureSandbox returns the live sandbox, provisioning a fresh one when none
// is usable. A failed provision leaves no sandbox behind, so the next call
// starts over; retrying stays a caller decision.
func (o *Orchestrator) ensureSandbox(ctx context.Context) (*Sandbox, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.sb != nil && o.sb.State() == StateReady {
		return o.sb, nil
	}
	o.sb = nil

	sb := NewSandbox(o.factory, o.cfg.Limits, o.governor)
	sb.metrics = o.cfg.Metrics
	if err := sb.Provision(ctx); err != nil {
		if o.cfg.Metrics != nil {
			o.cfg.Metrics.ProvisionFailures.Inc()
		}
		return nil, err
	}
	o.sb = sb
	return sb, nil
}

// UpdateLimits applies a partial quota change to the live environment.
func (o *Orchestrator) UpdateLimits(ctx context.Context, patch LimitsPatch) error {
	o.mu.Lock()
	sb := o.sb
	o.mu.Unlock()

	if sb == nil {
		return &EnvError{Op: "update_limits", Err: fmt.Errorf("%w: no environment provisioned", ErrNotReady)}
	}
	return sb.UpdateLimits(ctx, patch)
}

// Usage samples the live environment.
func (o *Orchestrator) Usage(ctx context.Context) (ResourceSnapshot, error) {
	o.mu.Lock()
	sb := o.sb
	o.mu.Unlock()

	if sb == nil {
		return ResourceSnapshot{}, &EnvError{Op: "usage", Err: fmt.Errorf("%w: no environment provisioned", ErrNotReady)}
	}
	return sb.Usage(ctx)
}

// Limits reports the quotas of the live environment, or the configured
// defaults when none is provisioned.
func (o *Orchestrator) Limits() Limits {
	o.mu.Lock()
	sb := o.sb
	o.mu.Unlock()

	if sb == nil {
		return o.cfg.Limits
	}
	return sb.Limits()
}

func (o *Orchestrator) validate(req ExecutionRequest) error {
	if len(req.Source) > maxSourceBytes {
		return fmt.Errorf("%w: source exceeds 1MB limit", ErrInvalidRequest)
	}
	if o.cfg.MaxTimeout > 0 && req.Timeout > o.cfg.MaxTimeout {
		return fmt.Errorf("%w: timeout exceeds %s maximum", ErrInvalidRequest, o.cfg.MaxTimeout)
	}
	return nil
}

// Close tears down the sandbox and releases the backend. Teardown failures
// surface but never resurrect: Close leaves the orchestrator unusable for
// isolated work either way.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.mu.Lock()
	sb := o.sb
	o.sb = nil
	o.mu.Unlock()

	var teardownErr error
	if sb != nil {
		teardownErr = sb.Teardown(ctx)
	}
	if o.factory != nil {
		if cerr := o.factory.Close(); cerr != nil && teardownErr == nil {
			teardownErr = cerr
		}
	}
	return teardownErr
}
