package smtp

import (
	"errors"
	"fmt"
)

// Protocol errors are fatal to the connection that produced them. No reply is
// written for them; the connection is simply closed.
var (
	// ErrEmptyCommand is returned for blank or whitespace-only input.
	ErrEmptyCommand = errors.New("smtp: empty command")

	// ErrInvalidEncoding is returned when a chunk is not valid UTF-8.
	ErrInvalidEncoding = errors.New("smtp: invalid text encoding")
)

// MalformedError reports a recognised command with missing or broken
// arguments, e.g. MAIL without the FROM: prefix.
type MalformedError struct {
	Reason string
}

func (e *MalformedError) Error() string {
	return "smtp: malformed command: " + e.Reason
}

// UnexpectedCommandError reports input that no transition accepts in the
// current state.
type UnexpectedCommandError struct {
	State string
	Line  string
}

func (e *UnexpectedCommandError) Error() string {
	return fmt.Sprintf("smtp: unexpected message received in state %s: %q", e.State, e.Line)
}

// errorKind classifies a protocol error for logging and metrics.
func errorKind(err error) string {
	var malformed *MalformedError
	var unexpected *UnexpectedCommandError
	switch {
	case errors.Is(err, ErrEmptyCommand):
		return "empty_command"
	case errors.Is(err, ErrInvalidEncoding):
		return "encoding"
	case errors.As(err, &malformed):
		return "malformed"
	case errors.As(err, &unexpected):
		return "unexpected_command"
	default:
		return "other"
	}
}
