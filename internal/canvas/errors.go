package canvas

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidCoordinate = errors.New("invalid coordinate")
	ErrAlreadyOwned      = errors.New("already owned")
	ErrRequestTooLarge   = errors.New("request too large")
	ErrTransientFetch    = errors.New("transient fetch failure")
	ErrInvalidRequest    = errors.New("invalid request")
)

// CellFailure explains why one cell of a mutation was not applied.
type CellFailure struct {
	Coord  Coord  `json:"coord"`
	Reason string `json:"reason"`
	// Owner is the current holder when Reason is a conflict.
	Owner string `json:"owner,omitempty"`

	err error
}

const (
	ReasonAlreadyOwned      = "already_owned"
	ReasonInvalidCoordinate = "invalid_coordinate"
	ReasonDuplicate         = "duplicate"
	ReasonInvalidColor      = "invalid_color"
)

func ConflictFailure(c Coord, owner string) CellFailure {
	return CellFailure{Coord: c, Reason: ReasonAlreadyOwned, Owner: owner, err: ErrAlreadyOwned}
}

func CoordFailure(c Coord, reason string) CellFailure {
	return CellFailure{Coord: c, Reason: reason, err: ErrInvalidCoordinate}
}

func (f CellFailure) Unwrap() error {
	if f.err != nil {
		return f.err
	}
	switch f.Reason {
	case ReasonAlreadyOwned:
		return ErrAlreadyOwned
	case ReasonInvalidColor:
		return ErrInvalidRequest
	default:
		return ErrInvalidCoordinate
	}
}

func (f CellFailure) Error() string {
	return fmt.Sprintf("cell (%d,%d): %s", f.Coord.X, f.Coord.Y, f.Reason)
}

// BatchError reports every failed cell of a rejected batch.
type BatchError struct {
	Failures []CellFailure
}

func (e *BatchError) Error() string {
	if len(e.Failures) == 0 {
		return "batch rejected"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "batch rejected: %d cell(s) failed", len(e.Failures))
	n := len(e.Failures)
	if n > 3 {
		n = 3
	}
	for i := 0; i < n; i++ {
		b.WriteString("; ")
		b.WriteString(e.Failures[i].Error())
	}
	return b.String()
}

// Is matches any sentinel carried by one of the failures.
func (e *BatchError) Is(target error) bool {
	for _, f := range e.Failures {
		if errors.Is(f.Unwrap(), target) {
			return true
		}
	}
	return false
}
