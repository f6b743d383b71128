package provider

import "errors"

var (
	// ErrNotRunning is returned when a call targets a provider whose
	// child process is not in the running state.
	ErrNotRunning = errors.New("provider is not running")

	// ErrProviderDied fails every pending call when the child exits.
	ErrProviderDied = errors.New("provider process died")

	// ErrCallTimeout is returned when no response arrives before the
	// call deadline.
	ErrCallTimeout = errors.New("call timed out")

	// ErrDuplicateID rejects a request whose id collides with a live
	// pending entry.
	ErrDuplicateID = errors.New("request id already pending")
)
