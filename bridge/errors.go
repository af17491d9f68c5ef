package bridge

import (
	"errors"
	"fmt"
)

// ErrPrecondition matches every *PreconditionError.
var ErrPrecondition = errors.New("device identity not resolved")

// PreconditionError reports an operation that needs the device identity
// being invoked before the handshake completed.
type PreconditionError struct {
	Op string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, ErrPrecondition)
}

// Is makes errors.Is(err, ErrPrecondition) hold.
func (e *PreconditionError) Is(target error) bool {
	return target == ErrPrecondition
}

// ParseError reports a malformed identity response.
type ParseError struct {
	Topic string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("malformed identity response on %s: %v", e.Topic, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// TransportError reports a failed publish, subscribe or send. Target is the
// topic or the twin property concerned.
type TransportError struct {
	Op     string
	Target string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Target, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
