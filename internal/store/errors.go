package store

import (
	"errors"
	"fmt"
)

// Kind classifies a store failure.
type Kind int

const (
	// ConnectionFailure means the storage engine could not be reached or opened.
	ConnectionFailure Kind = iota
	// QueryFailure means a statement was rejected or failed to execute.
	QueryFailure
	// SchemaInitFailure means the mail table or its indexes could not be created.
	SchemaInitFailure
)

func (k Kind) String() string {
	switch k {
	case ConnectionFailure:
		return "connection failure"
	case QueryFailure:
		return "query failure"
	case SchemaInitFailure:
		return "schema init failure"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Sentinels matched by errors.Is against an *Error of the same kind.
var (
	ErrConnection = errors.New("store: connection failure")
	ErrQuery      = errors.New("store: query failure")
	ErrSchemaInit = errors.New("store: schema init failure")
)

// Error is returned by every store operation that fails.
type Error struct {
	Op   string
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("store %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match the sentinel for e's kind.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrConnection:
		return e.Kind == ConnectionFailure
	case ErrQuery:
		return e.Kind == QueryFailure
	case ErrSchemaInit:
		return e.Kind == SchemaInitFailure
	}
	return false
}

func newError(op string, kind Kind, err error) error {
	return &Error{Op: op, Kind: kind, Err: err}
}
