package upload

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrValidation covers bad input: missing fields, bad sizes, bad chunks.
	ErrValidation = errors.New("validation failed")

	// ErrTooLarge is a validation error for files above the size ceiling.
	ErrTooLarge = fmt.Errorf("%w: file too large", ErrValidation)

	// ErrNotFound is returned for unknown or foreign folders, files and sessions.
	ErrNotFound = errors.New("not found")

	// ErrSessionNotFound is returned for unknown sessions and sessions owned
	// by someone else.
	ErrSessionNotFound = fmt.Errorf("upload session %w", ErrNotFound)

	// ErrInvalidState is returned when an operation does not fit the
	// session's lifecycle state.
	ErrInvalidState = errors.New("invalid session state")

	// ErrConflict is returned for a re-submitted chunk whose length differs
	// from the accepted one.
	ErrConflict = errors.New("conflict")

	// ErrOutOfOrderChunk is a retryable conflict from append-only backends.
	ErrOutOfOrderChunk = fmt.Errorf("%w: chunk out of order", ErrConflict)

	// ErrSizeMismatch matches *SizeMismatchError.
	ErrSizeMismatch = errors.New("size mismatch")

	// ErrExpired marks sessions failed by the idle reaper.
	ErrExpired = errors.New("upload session expired")
)

// SizeMismatchError is returned by Complete when the bytes received do not
// add up to the declared size. Missing lists chunk numbers never received.
// The session is failed.
type SizeMismatchError struct {
	Expected int64
	Actual   int64
	Missing  []int
}

func (e *SizeMismatchError) Error() string {
	msg := fmt.Sprintf("size mismatch: expected %d bytes, got %d", e.Expected, e.Actual)
	if len(e.Missing) == 0 {
		return msg
	}
	parts := make([]string, 0, len(e.Missing))
	for _, m := range e.Missing {
		parts = append(parts, strconv.Itoa(m))
	}
	return msg + " (missing chunks " + strings.Join(parts, ", ") + ")"
}

func (e *SizeMismatchError) Is(target error) bool { return target == ErrSizeMismatch }

func validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
