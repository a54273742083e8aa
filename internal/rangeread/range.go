// Package rangeread parses HTTP byte ranges and streams the selected
// window out of a blob store.
package rangeread

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrMalformedRange means the header is not a single bytes range.
	ErrMalformedRange = errors.New("malformed range")

	// ErrRangeNotSatisfiable means the range lies outside the content.
	ErrRangeNotSatisfiable = errors.New("range not satisfiable")
)

// Spec is a syntactically valid range before it is checked against a
// length. Suffix ranges set Suffix and leave Start/End at -1; open ranges
// ("bytes=10-") leave End at -1.
type Spec struct {
	Start  int64
	End    int64
	Suffix int64
}

// Range is an inclusive byte window validated against a total length.
type Range struct {
	Start int64
	End   int64
}

// Full returns the range covering all of total bytes.
func Full(total int64) Range {
	return Range{Start: 0, End: total - 1}
}

// Length returns the number of bytes in the window.
func (r Range) Length() int64 { return r.End - r.Start + 1 }

// ContentRange formats the Content-Range header value.
func (r Range) ContentRange(total int64) string {
	return fmt.Sprintf("bytes %d-%d/%d", r.Start, r.End, total)
}

// UnsatisfiedContentRange formats the Content-Range header sent with 416.
func UnsatisfiedContentRange(total int64) string {
	return fmt.Sprintf("bytes */%d", total)
}

// ParseSpec parses a Range header of the forms bytes=S-E, bytes=S- and
// bytes=-N. Multiple ranges are rejected.
func ParseSpec(header string) (Spec, error) {
	unit, set, ok := strings.Cut(strings.TrimSpace(header), "=")
	if !ok || !strings.EqualFold(strings.TrimSpace(unit), "bytes") {
		return Spec{}, fmt.Errorf("%w: %q", ErrMalformedRange, header)
	}
	set = strings.TrimSpace(set)
	if set == "" || strings.Contains(set, ",") {
		return Spec{}, fmt.Errorf("%w: %q", ErrMalformedRange, header)
	}
	first, last, ok := strings.Cut(set, "-")
	if !ok {
		return Spec{}, fmt.Errorf("%w: %q", ErrMalformedRange, header)
	}
	first, last = strings.TrimSpace(first), strings.TrimSpace(last)

	if first == "" {
		n, err := parseOffset(last)
		if err != nil {
			return Spec{}, fmt.Errorf("%w: %q", ErrMalformedRange, header)
		}
		return Spec{Start: -1, End: -1, Suffix: n}, nil
	}

	start, err := parseOffset(first)
	if err != nil {
		return Spec{}, fmt.Errorf("%w: %q", ErrMalformedRange, header)
	}
	if last == "" {
		return Spec{Start: start, End: -1}, nil
	}
	end, err := parseOffset(last)
	if err != nil || start > end {
		return Spec{}, fmt.Errorf("%w: %q", ErrMalformedRange, header)
	}
	return Spec{Start: start, End: end}, nil
}

// parseOffset accepts only plain decimal digits.
func parseOffset(s string) (int64, error) {
	if s == "" || strings.TrimLeft(s, "0123456789") != "" {
		return 0, strconv.ErrSyntax
	}
	return strconv.ParseInt(s, 10, 64)
}

// Resolve checks the spec against total bytes. A start past the last byte
// is unsatisfiable; an end past it is clamped. A suffix longer than the
// content selects all of it.
func (s Spec) Resolve(total int64) (Range, error) {
	if total <= 0 {
		return Range{}, fmt.Errorf("%w: empty content", ErrRangeNotSatisfiable)
	}
	last := total - 1
	if s.Start < 0 {
		if s.Suffix == 0 {
			return Range{}, fmt.Errorf("%w: zero-length suffix", ErrRangeNotSatisfiable)
		}
		return Range{Start: max(total-s.Suffix, 0), End: last}, nil
	}
	if s.Start > last {
		return Range{}, fmt.Errorf("%w: start %d beyond %d bytes", ErrRangeNotSatisfiable, s.Start, total)
	}
	end := s.End
	if end < 0 || end > last {
		end = last
	}
	return Range{Start: s.Start, End: end}, nil
}

// Parse parses header and resolves it against total.
func Parse(header string, total int64) (Range, error) {
	spec, err := ParseSpec(header)
	if err != nil {
		return Range{}, err
	}
	return spec.Resolve(total)
}
