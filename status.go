package upnp

// Status is the outcome of a reconciliation or update call.
type Status int

const (
	// StatusSuccess means at least one mapping was added and all rules are now verified.
	StatusSuccess Status = iota

	// StatusAlreadyMapped means every rule was already present on the gateway.
	StatusAlreadyMapped

	// StatusEmptyConfig means no rules are registered.
	StatusEmptyConfig

	// StatusNetworkError means the host is not connected or the internet is unreachable.
	StatusNetworkError

	// StatusTimeout means the time budget ran out, or the supervisor escalated
	// after too many consecutive failures.
	StatusTimeout

	// StatusVerificationFailed means the gateway acknowledged a mapping that
	// never showed up when it was verified again.
	StatusVerificationFailed

	// StatusNoOp means the update interval has not elapsed yet.
	StatusNoOp
)

// String returns a human-readable representation of the status.
func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusAlreadyMapped:
		return "already_mapped"
	case StatusEmptyConfig:
		return "empty_config"
	case StatusNetworkError:
		return "network_error"
	case StatusTimeout:
		return "timeout"
	case StatusVerificationFailed:
		return "verification_failed"
	case StatusNoOp:
		return "noop"
	default:
		return "unknown"
	}
}

// OK reports whether every rule is in place.
func (s Status) OK() bool {
	return s == StatusSuccess || s == StatusAlreadyMapped
}
