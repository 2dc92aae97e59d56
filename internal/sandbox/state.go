package sandbox

// EnvState tracks an isolated environment through its lifecycle. Transitions
// are owned exclusively by Sandbox; the two failure states are terminal and
// never retried automatically.
type EnvState int

const (
	StateUninitialized EnvState = iota
	StateProvisioning
	StateReady
	StateExecuting
	StateTerminating
	StateDestroyed
	StateProvisionFailed
	StateTeardownFailed
)

func (s EnvState) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateProvisioning:
		return "provisioning"
	case StateReady:
		return "ready"
	case StateExecuting:
		return "executing"
	case StateTerminating:
		return "terminating"
	case StateDestroyed:
		return "destroyed"
	case StateProvisionFailed:
		return "provision_failed"
	case StateTeardownFailed:
		return "teardown_failed"
	default:
		return "unknown"
	}
}

// terminal reports whether no further transitions are possible.
func (s EnvState) terminal() bool {
	return s == StateDestroyed || s == StateProvisionFailed || s == StateTeardownFailed
}
