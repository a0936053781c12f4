package types

import (
	"errors"
	"fmt"
)

// UseRemoteCode is the internal routing signal telling the front-end to
// forward a request to the upstream node. It is never sent over the wire.
const UseRemoteCode = 32552225

var (
	// ErrInvalidArgument covers malformed addresses, a call without `to`,
	// and bad block tags. Maps to -32602 at the JSON-RPC surface.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrPrecondition is returned when a synthetic key is requested for a
	// public key that was never registered.
	ErrPrecondition = errors.New("precondition failed")

	// ErrUpstream wraps remote RPC failures that cannot be recovered during
	// preparation or execution.
	ErrUpstream = errors.New("upstream failure")

	// ErrInternal marks invariant breaches (inconsistent impersonation maps,
	// EVM contract violations).
	ErrInternal = errors.New("internal error")

	// ErrUseRemote signals that the queried block predates the fork and the
	// request must be served by the remote node.
	ErrUseRemote = errors.New("fall back to remote node")
)

// InvalidArgumentf wraps ErrInvalidArgument with a formatted message.
func InvalidArgumentf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrInvalidArgument}, args...)...)
}

// Upstreamf wraps ErrUpstream with a formatted message.
func Upstreamf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrUpstream}, args...)...)
}
