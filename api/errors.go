package api

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds. Callers match with errors.Is; pipeline orchestration is
// expected to catch ErrMissingData to implement skip/default logic for
// optional inputs, and abort on everything else.
var (
	// ErrUsage marks invalid caller-supplied arguments.
	ErrUsage = errors.New("invalid usage")
	// ErrNotFound marks a failed name or coordinate lookup.
	ErrNotFound = errors.New("not found")
	// ErrTree marks a structural invariant violation during tree construction.
	ErrTree = errors.New("tree construction")
	// ErrMissingData marks data expected in the backing store but absent at
	// read time. Distinguishable from ErrStore so optional inputs can be
	// skipped.
	ErrMissingData = errors.New("missing data")
	// ErrStore marks a generic backend failure.
	ErrStore = errors.New("store failure")
	// ErrInternal marks a violated invariant the implementation itself
	// should have guaranteed. Treat as a defect, not a recoverable state.
	ErrInternal = errors.New("internal consistency")
)

// NameError is a name-resolution failure that carries the set of valid
// alternatives to aid debugging.
type NameError struct {
	Kind      string // what was looked up: "frequency", "file-group", ...
	Name      string
	Available []string
}

func (e *NameError) Error() string {
	if len(e.Available) == 0 {
		return fmt.Sprintf("no %s named %q (none available)", e.Kind, e.Name)
	}
	return fmt.Sprintf("no %s named %q (available: '%s')",
		e.Kind, e.Name, strings.Join(e.Available, "', '"))
}

func (e *NameError) Is(target error) bool { return target == ErrNotFound }
