package patchbay

import "errors"

// Graph-edit validation errors, surfaced synchronously to the caller
// (GUI or layout load - both go through the same GraphStore API).
var (
	// ErrInvalidReference is returned when a connection endpoint references
	// a node id that doesn't exist in the graph
	ErrInvalidReference = errors.New("no such node")

	// ErrKindMismatch is returned when both connection endpoints play the
	// same role (source to source, or sink to sink)
	ErrKindMismatch = errors.New("connection endpoints must be a source and a sink")

	// ErrCapacityExceeded is returned when an input device node would get a
	// second outgoing connection (the listen mechanism supports one target)
	ErrCapacityExceeded = errors.New("input device already has a listen target")

	// ErrLayoutCorrupt is reported (once) when the persisted layout can't be
	// parsed. The engine recovers with an empty graph
	ErrLayoutCorrupt = errors.New("layout file is corrupt")

	// ErrNoSuchDevice is returned by capability implementations when the
	// referenced endpoint is gone
	ErrNoSuchDevice = errors.New("no such device")
)
