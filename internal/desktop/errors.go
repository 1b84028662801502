package desktop

import "fmt"

// FailureKind classifies lifecycle failures for callers deciding between
// retry, recreate, and abort.
type FailureKind string

const (
	// FailureUnknown is an uncategorized lifecycle failure.
	FailureUnknown FailureKind = "unknown"
	// FailureEngine indicates the container engine was unreachable.
	FailureEngine FailureKind = "engine"
	// FailureCreate indicates the container could not be created.
	FailureCreate FailureKind = "create"
	// FailureStart indicates a stopped container could not be started.
	FailureStart FailureKind = "start"
	// FailureConfigure indicates display/auth configuration could not be applied.
	FailureConfigure FailureKind = "configure"
	// FailureVerify indicates resolution verification failed even after the
	// recreation budget was spent.
	FailureVerify FailureKind = "verify"
	// FailureReady indicates the process manager never reported readiness.
	FailureReady FailureKind = "ready"
	// FailurePort indicates the published port never answered.
	FailurePort FailureKind = "port"
)

// LifecycleError wraps desktop lifecycle failures with a stable classification.
type LifecycleError struct {
	Kind FailureKind
	Op   string
	Err  error
}

// NewLifecycleError constructs a classified lifecycle error.
func NewLifecycleError(kind FailureKind, op string, err error) *LifecycleError {
	return &LifecycleError{Kind: kind, Op: op, Err: err}
}

func (e *LifecycleError) Error() string {
	if e == nil {
		return "desktop lifecycle error"
	}
	switch {
	case e.Err != nil && e.Op != "":
		return fmt.Sprintf("desktop %s: %v", e.Op, e.Err)
	case e.Err != nil:
		return e.Err.Error()
	case e.Op != "":
		return fmt.Sprintf("desktop %s failed", e.Op)
	}
	return "desktop lifecycle error"
}

func (e *LifecycleError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}
