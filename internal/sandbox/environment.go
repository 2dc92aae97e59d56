package sandbox

import (
	"context"
	"io"
)

// Environment is the capability an isolation backend hands to the sandbox:
// a single provisioned container that can run source, report resource usage,
// accept live limit changes and be torn down. Implementations do not track
// lifecycle state; that is the sandbox's job.
type Environment interface {
	// ID is the backend's identifier for the container, used in logs and
	// error context.
	ID() string

	// Exec runs source inside the environment, streaming output to the
	// given writers, and returns the process exit code. A ctx deadline
	// must terminate the process; Exec returns ctx.Err() wrapped in that
	// case. The environment survives Exec and stays usable afterwards.
	Exec(ctx context.Context, source string, stdout, stderr io.Writer) (int, error)

	// ApplyLimits pushes new quotas onto the live container. Zero-valued
	// fields are left unchanged.
	ApplyLimits(ctx context.Context, l Limits) error

	// Usage takes one raw cumulative resource sample.
	Usage(ctx context.Context) (UsageReading, error)

	// Teardown stops and removes the container. Idempotent.
	Teardown(ctx context.Context) error
}

// EnvironmentFactory provisions environments for one backend. Close releases
// the backend connection, not any environments it produced.
type EnvironmentFactory interface {
	Provision(ctx context.Context, limits Limits) (Environment, error)
	Close() error
}
