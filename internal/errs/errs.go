package errs

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across the engine. Callers use errors.Is to
// decide between permanent and retryable handling.
var (
	// ErrTenantNotFound means the tenant has no database or settings row.
	// Permanent: callers surface it as a 404-equivalent, never retry.
	ErrTenantNotFound = errors.New("tenant not found")

	// ErrRecipientNotFound means the recipient row no longer exists in the
	// tenant database. Permanent for any item pointing at it.
	ErrRecipientNotFound = errors.New("recipient not found")

	// ErrInfraUnavailable means a downstream dependency (database, broker)
	// could not be reached. Transient: callers may retry.
	ErrInfraUnavailable = errors.New("infrastructure unavailable")

	// ErrAlreadyRunning means a job with the same name is still executing.
	// Not a failure: the trigger is logged and skipped.
	ErrAlreadyRunning = errors.New("job already running")
)

// InvalidAddressError marks a recipient address that failed normalization.
// Items hitting this go straight to failed, no retry.
type InvalidAddressError struct {
	Address string
}

func (e *InvalidAddressError) Error() string {
	return fmt.Sprintf("invalid recipient address %q", e.Address)
}

// NoChannelError means no delivery channel is configured for the tenant
// or recipient. Permanent for the item.
type NoChannelError struct {
	TenantID string
}

func (e *NoChannelError) Error() string {
	return fmt.Sprintf("no channel configured for tenant %s", e.TenantID)
}

// IsPermanent reports whether the error should mark an item failed
// without consuming retry budget.
func IsPermanent(err error) bool {
	var ia *InvalidAddressError
	var nc *NoChannelError
	return errors.Is(err, ErrTenantNotFound) ||
		errors.Is(err, ErrRecipientNotFound) ||
		errors.As(err, &ia) || errors.As(err, &nc)
}
