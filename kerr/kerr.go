// Package kerr defines the sentinel error kinds surfaced by synccore's
// synchronization and scheduling primitives. No package in this module
// uses panics or exceptions for expected failure modes; every failable
// operation returns one of these sentinels as is, so callers can compare
// with errors.Is.
package kerr

import "errors"

var (
	// PermissionDenied is returned when a lockref operation is refused,
	// e.g. incrementing a dead or zero/negative-count reference.
	PermissionDenied = errors.New("kerr: permission denied")

	// Interrupted is returned when a wait is aborted because a signal
	// became pending on the waiting task.
	Interrupted = errors.New("kerr: interrupted")

	// TimedOut is returned when a wait is aborted because its deadline
	// elapsed before the condition became true.
	TimedOut = errors.New("kerr: timed out")

	// WouldBlock is returned by try-variants that would otherwise need
	// to block.
	WouldBlock = errors.New("kerr: would block")

	// InvalidArgument is returned for out-of-range priorities or
	// invalid scheduling policy tags.
	InvalidArgument = errors.New("kerr: invalid argument")
)
