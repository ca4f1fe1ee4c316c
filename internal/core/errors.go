package core

import "errors"

var (
	// ErrGatewayUnavailable is returned by any gateway-touching operation
	// while no control connection is established. Callers surface it to the
	// user instead of queueing the request.
	ErrGatewayUnavailable = errors.New("gateway unavailable")

	// ErrGatewayTimeout marks a gateway call that exceeded its bound.
	ErrGatewayTimeout = errors.New("gateway call timed out")

	// ErrHandleNotFound marks an operation on a (user, group) key that has
	// no attached session handle.
	ErrHandleNotFound = errors.New("no session handle for key")

	// ErrUnknownRequest marks a relayed message with an unrecognized request kind.
	ErrUnknownRequest = errors.New("unknown request type")

	ErrBackpressure = errors.New("backpressure")
)
