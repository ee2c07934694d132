package domain

import "errors"

// Domain errors represent business-level failure kinds that can occur in
// the system. Callers classify with errors.Is and wrap with fmt.Errorf so
// the kind survives through layers.
var (
	// ErrLookup covers images, builds or composes that the external
	// services do not know about.
	ErrLookup = errors.New("lookup failed")

	// ErrConfiguration means a rebuild needs an external repository or
	// source that is not configured.
	ErrConfiguration = errors.New("not configured")

	// ErrPolicyRejected means an allow/deny rule blocks the rebuild.
	ErrPolicyRejected = errors.New("rejected by policy")

	// ErrTransient marks retryable network or service faults. Only this
	// kind is retried by the collaborator-call retry wrapper.
	ErrTransient = errors.New("transient fault")
)
