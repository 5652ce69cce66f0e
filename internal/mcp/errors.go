package mcp

import "errors"

// Error categories shared by every routing component. Concrete errors wrap one
// of these so callers can classify failures with [errors.Is].
var (
	// ErrConfiguration marks invalid constructor options. Never retried.
	ErrConfiguration = errors.New("invalid configuration")

	// ErrNotFound marks an unknown server id or a tool no server provides.
	ErrNotFound = errors.New("not found")

	// ErrValidation marks a malformed request rejected before any work.
	ErrValidation = errors.New("validation failed")

	// ErrTimeout marks a routing decision that exceeded its deadline.
	ErrTimeout = errors.New("timed out")

	// ErrCircuitOpen marks a call rejected by a circuit breaker without
	// executing the wrapped operation.
	ErrCircuitOpen = errors.New("circuit open")
)

// categorized is an error with a verbatim message and a category sentinel.
type categorized struct {
	msg      string
	category error
}

func (e *categorized) Error() string { return e.msg }

func (e *categorized) Is(target error) bool { return target == e.category }

// NewError returns an error whose message is exactly msg and which matches
// category under [errors.Is].
func NewError(category error, msg string) error {
	return &categorized{msg: msg, category: category}
}
