// Package fault defines the error kinds shared by every BLite surface.
// Domain packages return *fault.Error values; the transports translate a
// Kind into a gRPC status code or an HTTP problem document.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a failure for transport mapping.
type Kind int

const (
	// Internal is any failure without a more specific classification.
	Internal Kind = iota
	// MissingKey means no credential accompanied the request.
	MissingKey
	// InactiveUser means the credential resolved to a revoked user.
	InactiveUser
	// PermissionDenied means the user lacks the operation on the collection,
	// or is restricted to a different database.
	PermissionDenied
	// NotFound means a database, collection, document, user, or transaction
	// does not exist.
	NotFound
	// Conflict means the entity being created already exists.
	Conflict
	// InvalidInput means the request was malformed.
	InvalidInput
	// SemanticFailure means the request was well-formed but cannot be
	// satisfied (no vector index, failed query validation, busy database).
	SemanticFailure
)

func (k Kind) String() string {
	switch k {
	case MissingKey:
		return "missing key"
	case InactiveUser:
		return "inactive user"
	case PermissionDenied:
		return "permission denied"
	case NotFound:
		return "not found"
	case Conflict:
		return "conflict"
	case InvalidInput:
		return "invalid input"
	case SemanticFailure:
		return "semantic failure"
	default:
		return "internal"
	}
}

// Error is a classified failure. Msg is safe to return to clients.
type Error struct {
	Kind Kind
	Msg  string
}

func (e *Error) Error() string { return e.Msg }

// Errorf builds an *Error of the given kind.
func Errorf(kind Kind, format string, args ...interface{}) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// KindOf extracts the Kind of |err|, or Internal if it carries none.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Internal
}

// Is reports whether |err| carries the given Kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
