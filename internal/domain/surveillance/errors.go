package surveillance

import (
	"errors"
	"fmt"
)

// ErrNoData is wrapped by FormatError when a payload carries no records.
var ErrNoData = errors.New("no data available")

// FormatError reports a payload that is not a recognized shape or is empty.
type FormatError struct {
	Reason string
	Err    error
}

func (e *FormatError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("unrecognized payload: %s: %v", e.Reason, e.Err)
	}
	return "unrecognized payload: " + e.Reason
}

func (e *FormatError) Unwrap() error { return e.Err }

// ParseError reports a field that failed to coerce to its expected type.
// Index is the position of the offending element, or -1 when the payload
// as a whole could not be parsed.
type ParseError struct {
	Index int
	Field string
	Value string
	Err   error
}

func (e *ParseError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("parse payload: %v", e.Err)
	}
	return fmt.Sprintf("parse record %d: field %s (%q): %v", e.Index, e.Field, e.Value, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Location returns a FHIRPath-like pointer to the offending field.
func (e *ParseError) Location() string {
	if e.Index < 0 {
		return ""
	}
	return fmt.Sprintf("[%d].%s", e.Index, e.Field)
}

// NotFoundError reports a selection with no matching records. It is never
// fatal; callers render an empty chart.
type NotFoundError struct {
	Entity string
	Month  MonthFilter
}

func (e *NotFoundError) Error() string {
	if e.Month == MonthNone {
		return fmt.Sprintf("no records for %s", DisplayName(e.Entity))
	}
	return fmt.Sprintf("no records for %s in %s", DisplayName(e.Entity), e.Month)
}

// IsFormat reports whether err is or wraps a FormatError.
func IsFormat(err error) bool {
	var fe *FormatError
	return errors.As(err, &fe)
}

// IsParse reports whether err is or wraps a ParseError.
func IsParse(err error) bool {
	var pe *ParseError
	return errors.As(err, &pe)
}

// IsNotFound reports whether err is or wraps a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}
