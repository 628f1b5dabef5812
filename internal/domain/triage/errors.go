package triage

import "errors"

// Callers match these with errors.Is; every returned error wraps one of them
// when the failure is a domain failure rather than an infrastructure one.
var (
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrInvalidArgument = errors.New("invalid argument")
)
