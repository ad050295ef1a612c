package ir

import "errors"

// Structural contract errors. These indicate a bug in a rewrite or in the
// caller, never a recoverable condition; a pass observing one must abort the
// whole build.
var (
	ErrNameCollision     = errors.New("generated name already exists in graph")
	ErrDuplicateProducer = errors.New("value already has a producer")
	ErrNodeHasEdges      = errors.New("node still has live edges")
	ErrNodeNotFound      = errors.New("node index is not live")
	ErrGraphCycle        = errors.New("graph contains a cycle")
)
