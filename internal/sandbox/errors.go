package sandbox

import (
	"errors"
	"fmt"
)

// Sentinel errors for typed error checking.
var (
	ErrTimeout           = errors.New("execution timed out")
	ErrProvision         = errors.New("environment provisioning failed")
	ErrTeardown          = errors.New("environment teardown failed")
	ErrNotReady          = errors.New("environment is not ready")
	ErrDestroyed         = errors.New("environment has been destroyed")
	ErrNoIsolation       = errors.New("monitoring requires an isolated environment")
	ErrInvalidRequest    = errors.New("invalid execution request")
	ErrNoBackend         = errors.New("no isolation backend available")
	ErrSampleUnavailable = errors.New("resource sample unavailable")
)

// EnvError wraps a backend failure with the environment it belongs to and
// the operation that failed.
type EnvError struct {
	EnvID string
	Op    string
	Err   error
}

func (e *EnvError) Error() string {
	if e.EnvID != "" {
		return fmt.Sprintf("environment %s: %s: %s", e.EnvID, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *EnvError) Unwrap() error {
	return e.Err
}

// IsTimeout reports whether err is a deadline expiry.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}
