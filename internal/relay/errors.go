package relay

import "errors"

// Failure taxonomy for forwarded requests. The gateway maps these to HTTP
// statuses; the registry uses them to unblock pending waiters when a
// session ends.
var (
	ErrClientDisconnected = errors.New("client disconnected")
	ErrClientReplaced     = errors.New("client session replaced by a new registration")
	ErrDispatchQueueFull  = errors.New("client outbound queue is full")
	ErrResponseTimeout    = errors.New("timed out waiting for client response")
	ErrLocalBridge        = errors.New("client could not reach its local service")
)
