package sandbox

import (
	"fmt"
	"math"
	"time"
)

// ErrorKind classifies a failed execution. Kinds cross the public boundary
// as data; the orchestrator never lets an error escape as a panic or a raw
// wrapped error.
type ErrorKind string

const (
	KindNone     ErrorKind = ""
	KindSyntax   ErrorKind = "Syntax"
	KindRuntime  ErrorKind = "Runtime"
	KindTimeout  ErrorKind = "Timeout"
	KindInternal ErrorKind = "Internal"
	KindTeardown ErrorKind = "TeardownFailed"
)

// ExecutionRequest is a single submission of Python source. Immutable once
// handed to the orchestrator.
type ExecutionRequest struct {
	Source  string
	Timeout time.Duration // 0 means the configured default
	Isolate *bool         // nil defers to the orchestrator's mode
}

// ValidationOutcome is the result of the syntax gate. Line is 1-based and
// only meaningful when Valid is false.
type ValidationOutcome struct {
	Valid   bool
	Line    int
	Message string
}

// ExecutionResult is the normalized outcome of one execution. A result with
// Success=false always carries a non-empty Error and a defined Kind; a
// successful result never carries a Kind. Partial output captured before a
// failure is preserved, not discarded.
type ExecutionResult struct {
	Success  bool
	Output   string
	Error    string
	Kind     ErrorKind
	Isolated bool
	ExitCode int
	Duration time.Duration
	Usage    *ResourceSnapshot
}

// ResourceSnapshot is a point-in-time sample of an isolated environment,
// rounded to two decimals. It is derived on every call and never cached.
type ResourceSnapshot struct {
	CPUPercent    float64
	MemoryMB      float64
	MemoryPercent float64
}

// Limits are the quotas applied to an isolated environment. CPUFraction is
// a share of one core (0.5 = half a core), translated to a CFS quota over a
// 100ms period by the backends.
type Limits struct {
	MemoryMB    int64
	CPUFraction float64
}

// DefaultLimits mirrors the historical sandbox defaults: 128MB and half a
// CPU core.
func DefaultLimits() Limits {
	return Limits{MemoryMB: 128, CPUFraction: 0.5}
}

func (l Limits) Validate() error {
	if l.MemoryMB < 16 || l.MemoryMB > 16384 {
		return fmt.Errorf("%w: memory_mb must be 16-16384, got %d", ErrInvalidRequest, l.MemoryMB)
	}
	if l.CPUFraction < 0.05 || l.CPUFraction > 8 {
		return fmt.Errorf("%w: cpu must be 0.05-8 cores, got %g", ErrInvalidRequest, l.CPUFraction)
	}
	return nil
}

// LimitsPatch is a partial limits update. Nil fields leave the live quota
// unchanged.
type LimitsPatch struct {
	MemoryMB    *int64
	CPUFraction *float64
}

func (p LimitsPatch) Empty() bool {
	return p.MemoryMB == nil && p.CPUFraction == nil
}

// ApplyTo returns limits with the patched fields replaced.
func (p LimitsPatch) ApplyTo(l Limits) Limits {
	if p.MemoryMB != nil {
		l.MemoryMB = *p.MemoryMB
	}
	if p.CPUFraction != nil {
		l.CPUFraction = *p.CPUFraction
	}
	return l
}

// UsageReading is a raw cumulative sample from an environment backend.
// SystemTotal is the host's cumulative CPU time over the same window when
// the backend reports one (Docker does); zero means unavailable, in which
// case the governor falls back to wall-clock elapsed time.
type UsageReading struct {
	CPUTotal         uint64 // cumulative environment CPU time, nanoseconds
	SystemTotal      uint64 // cumulative host CPU time, nanoseconds; 0 if n/a
	MemoryBytes      uint64
	MemoryLimitBytes uint64
	At               time.Time
}

// cpuPeriodMicros is the CFS scheduling period quotas are expressed
// against, matching the 100ms period the Docker and runc defaults use.
const cpuPeriodMicros = 100000

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
