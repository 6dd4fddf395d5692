package models

import "errors"

var (
	// ErrSystemNotFirst reports a system message at index > 0.
	ErrSystemNotFirst = errors.New("system message must be first")

	// ErrOrphanToolMessage reports a tool message with no matching
	// assistant tool call.
	ErrOrphanToolMessage = errors.New("tool message does not reference a prior tool call")
)
