package storage

import (
	"errors"
	"fmt"
	"iter"
)

var (
	// ErrStorage matches every *Error.
	ErrStorage = errors.New("storage error")

	// ErrBlobNotFound is wrapped by *Error when a handle does not exist.
	ErrBlobNotFound = errors.New("blob not found")

	// ErrInvalidRange is wrapped by *Error for a read outside [0, size).
	ErrInvalidRange = errors.New("invalid blob range")

	// ErrOverlap is wrapped by *Error when a store cannot honour a write
	// that partially overlaps existing data.
	ErrOverlap = errors.New("overlapping write")
)

// Error describes a failed blob operation.
type Error struct {
	Backend Kind
	Handle  string
	Op      string
	Err     error
}

func (e *Error) Error() string {
	if e.Handle == "" {
		return fmt.Sprintf("%s %s: %v", e.Backend, e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s %s: %v", e.Backend, e.Op, e.Handle, e.Err)
}

// Unwrap exposes both ErrStorage and the underlying cause.
func (e *Error) Unwrap() []error {
	return []error{ErrStorage, e.Err}
}

// Wrap returns nil for a nil err, the err itself when it is already an
// *Error, and a new *Error otherwise.
func Wrap(kind Kind, op, handle string, err error) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return err
	}
	return &Error{Backend: kind, Handle: handle, Op: op, Err: err}
}

// FailedRead returns a sequence yielding err once. Stores use it for
// argument errors detected before any I/O.
func FailedRead(err error) iter.Seq2[Chunk, error] {
	return func(yield func(Chunk, error) bool) {
		yield(Chunk{}, err)
	}
}

// CheckRange validates an inclusive read window.
func CheckRange(kind Kind, handle string, start, end int64) error {
	if start < 0 || end < start {
		return &Error{Backend: kind, Handle: handle, Op: "read",
			Err: fmt.Errorf("%w: [%d, %d]", ErrInvalidRange, start, end)}
	}
	return nil
}
