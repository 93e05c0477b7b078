package runner

import (
	"errors"
	"fmt"
)

var (
	// ErrAutoRelayUnsupported is returned for server mode with relay "auto".
	ErrAutoRelayUnsupported = errors.New("automatic relay selection is not supported")
	// ErrNoActiveRelay means relay discovery returned nothing.
	ErrNoActiveRelay = errors.New("no active relay available")
)

// PreconditionError aborts a run before any chunk starts because too few
// accounts are available.
type PreconditionError struct {
	Stage string
	Have  int
	Need  int
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("not enough %s accounts available, got %d/%d", e.Stage, e.Have, e.Need)
}

// ResolutionError aborts a run whose target or relay could not be resolved.
type ResolutionError struct {
	What string
	Err  error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolve %s: %v", e.What, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// IsAbort reports whether err is one of the clean, pre-chunk aborts.
func IsAbort(err error) bool {
	var pre *PreconditionError
	var res *ResolutionError
	return errors.As(err, &pre) || errors.As(err, &res)
}
