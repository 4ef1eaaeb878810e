package reactive

import (
	"context"
	"errors"
	"fmt"
)

// Row is one raw result row keyed by output column name.
type Row map[string]any

// Executor runs a definition against the data store.
type Executor interface {
	Execute(ctx context.Context, def Definition) ([]Row, error)
}

// Mapper converts a raw row into the caller's result type.
type Mapper[T any] func(Row) (T, error)

// Snapshot is one emitted result set. Seq increases strictly per query.
type Snapshot[T any] struct {
	Seq  uint64
	Rows []T
}

// Observer receives snapshots and execution failures of a query.
type Observer[T any] interface {
	OnNext(Snapshot[T])
	OnError(error)
}

// ObserverFuncs adapts plain functions to Observer. Either may be nil.
type ObserverFuncs[T any] struct {
	Next  func(Snapshot[T])
	Error func(error)
}

func (o ObserverFuncs[T]) OnNext(s Snapshot[T]) {
	if o.Next != nil {
		o.Next(s)
	}
}

func (o ObserverFuncs[T]) OnError(err error) {
	if o.Error != nil {
		o.Error(err)
	}
}

type State int

const (
	StateCreated State = iota
	StateActive
	StateInactive
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateActive:
		return "active"
	case StateInactive:
		return "inactive"
	case StateDisposed:
		return "disposed"
	default:
		return "unknown"
	}
}

// Op is the kind of write that produced a change.
type Op string

const (
	OpInsert   Op = "insert"
	OpUpdate   Op = "update"
	OpDelete   Op = "delete"
	OpTruncate Op = "truncate"
)

// Change is a committed write to table (and column, when known). Changes are
// never persisted.
type Change struct {
	Table  string
	Column string
	Op     Op
}

// Notifier is the call-in side of the manager used by write paths.
type Notifier interface {
	NotifyChanges(changes []Change)
}

var (
	// ErrDisposed is returned by operations on a disposed query.
	ErrDisposed = errors.New("reactive: query disposed")
	// ErrRegistration marks manager index misuse. It only ever appears as a
	// panic value; it signals a bug in the caller.
	ErrRegistration = errors.New("reactive: registration invariant violated")
	// ErrClosed is returned once the manager has been closed.
	ErrClosed = errors.New("reactive: manager closed")
)

// ExecutionError is delivered to observers when a refresh fails.
type ExecutionError struct {
	QueryID string
	Err     error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("query %s: refresh failed: %v", e.QueryID, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }
