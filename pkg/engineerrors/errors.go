// Package engineerrors centralizes the sentinel errors the scan engine
// returns across package boundaries, so callers can use errors.Is instead
// of string matching.
package engineerrors

import "errors"

var (
	// ErrInvalidCausality is returned when an Event's SourceEventID
	// does not name an event already stored for the same scan.
	ErrInvalidCausality = errors.New("invalid event causality")

	// ErrScanTerminated is returned when an operation is attempted
	// against a scan that has already reached a terminal state
	// (FINISHED, ABORTED, FAILED).
	ErrScanTerminated = errors.New("scan already terminated")

	// ErrIllegalScanTransition is returned when a requested scan state
	// transition is not reachable from the scan's current state.
	ErrIllegalScanTransition = errors.New("illegal scan state transition")

	// ErrBackpressureTimeout is returned by the Event Bus's Publish when
	// a scan partition's buffer stays full past the bus's backpressure
	// deadline.
	ErrBackpressureTimeout = errors.New("backpressure wait timed out")

	// ErrEnqueueTimeout is returned when enqueuing a work item exceeds
	// its deadline under a BLOCK backpressure policy.
	ErrEnqueueTimeout = errors.New("enqueue timed out")

	// ErrQueueFull is returned by a REJECT backpressure policy when the
	// queue has no capacity for a new work item.
	ErrQueueFull = errors.New("queue is full")

	// ErrDeliveryDepthExceeded is returned when an event's causal chain
	// exceeds the configured maximum delivery depth, guarding against
	// runaway module fan-out.
	ErrDeliveryDepthExceeded = errors.New("event delivery depth exceeded")

	// ErrUnsatisfiedOutput is wrapped into a resolver Plan warning when
	// no registered module produces a requested output type; Resolve
	// records it as a warning and does not return it.
	ErrUnsatisfiedOutput = errors.New("no module path satisfies requested output")

	// ErrCycleDetected is returned by the resolver's topological sort
	// when the module dependency graph contains a cycle; Resolve then
	// breaks the cycle and does not return it.
	ErrCycleDetected = errors.New("module dependency cycle detected")

	// ErrUnknownNode is returned when an operation references a
	// ScannerNode the coordinator has no record of.
	ErrUnknownNode = errors.New("unknown scanner node")

	// ErrNoEligibleNode is returned by a placement strategy when no
	// registered node can accept a scan assignment.
	ErrNoEligibleNode = errors.New("no eligible node for placement")

	// ErrNotLeader is returned when a coordinator write is attempted
	// against a non-leader replica.
	ErrNotLeader = errors.New("not the raft leader")
)
