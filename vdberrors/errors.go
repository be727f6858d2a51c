// Package vdberrors defines the error taxonomy shared by every engine
// subsystem (registry, storage, index, quantization, payload, WAL).
package vdberrors

import (
	"errors"
	"fmt"
)

// Kind is a closed enum of the failure modes callers need to branch on.
type Kind int

const (
	// KindUnknown is never produced directly; it only shows up if an *Error
	// is constructed without a Kind, which is itself a bug.
	KindUnknown Kind = iota
	KindCollectionAlreadyExists
	KindCollectionNotFound
	KindInvalidName
	KindDimensionMismatch
	KindInvalidMetric
	KindVectorNotFound
	KindCodecNotTrained
	KindWalCorrupted
	KindSnapshotCorrupted
	KindSchemaVersionMismatch
	KindIoError
	KindOverloaded
	KindCancelled
	KindInternalCorruption
)

func (k Kind) String() string {
	switch k {
	case KindCollectionAlreadyExists:
		return "CollectionAlreadyExists"
	case KindCollectionNotFound:
		return "CollectionNotFound"
	case KindInvalidName:
		return "InvalidName"
	case KindDimensionMismatch:
		return "DimensionMismatch"
	case KindInvalidMetric:
		return "InvalidMetric"
	case KindVectorNotFound:
		return "VectorNotFound"
	case KindCodecNotTrained:
		return "CodecNotTrained"
	case KindWalCorrupted:
		return "WalCorrupted"
	case KindSnapshotCorrupted:
		return "SnapshotCorrupted"
	case KindSchemaVersionMismatch:
		return "SchemaVersionMismatch"
	case KindIoError:
		return "IoError"
	case KindOverloaded:
		return "Overloaded"
	case KindCancelled:
		return "Cancelled"
	case KindInternalCorruption:
		return "InternalCorruption"
	default:
		return "Unknown"
	}
}

// Error wraps an underlying cause with a Kind and the operation that failed.
type Error struct {
	Op   string
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("vdb: %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("vdb: %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports equality on Kind so errors.Is(err, &Error{Kind: KindVectorNotFound}) works.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return errors.Is(e.Err, target)
}

// New constructs an *Error with no wrapped cause.
func New(op string, kind Kind, msg string) error {
	var err error
	if msg != "" {
		err = errors.New(msg)
	}
	return &Error{Op: op, Kind: kind, Err: err}
}

// Wrap attaches an operation and kind to an existing error. Returns nil if err is nil.
func Wrap(op string, kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Kind: kind, Err: err}
}

// OfKind reports whether err (or anything it wraps) carries the given Kind.
func OfKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind from err, or KindUnknown if err isn't a *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Sentinel causes used as the wrapped Err when no richer detail exists.
var (
	ErrEmptyName      = errors.New("collection name must not be empty")
	ErrNameNotASCII   = errors.New("collection name must be ASCII-printable")
	ErrClosed         = errors.New("collection is closed")
	ErrEmptyQuery     = errors.New("query vector must not be empty")
	ErrIndexNotReady  = errors.New("index has no entry point yet")
	ErrAlreadyRunning = errors.New("rebuild already in progress")
)
