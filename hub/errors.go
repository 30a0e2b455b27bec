package hub

import "errors"

// Routing errors (spec §7): reported to the caller via a normal RESPONSE
// with error metadata; they never close a session.
var (
	ErrServiceUnavailable = errors.New("hub: service unavailable")
	ErrMethodNotFound     = errors.New("hub: method not found")
	ErrSuperseded         = errors.New("hub: session superseded by a newer registration")
	ErrOrphanResponse     = errors.New("hub: response has no matching route")
)

// Transport/timeout errors (spec §7).
var (
	ErrUnavailable   = errors.New("hub: session unavailable")
	ErrTimeout       = errors.New("hub: request timed out")
	ErrHeartbeatLost = errors.New("hub: heartbeat lost")
)
