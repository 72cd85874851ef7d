// Package apperr classifies pipeline failures so callers can tell missing
// data apart from degenerate computations and upstream outages.
package apperr

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindUnknown Kind = iota
	// KindNoData means a source query returned zero rows.
	KindNoData
	// KindUpstream means the weather API or the database failed.
	KindUpstream
	// KindDegenerate means there were too few points, or a constant series.
	KindDegenerate
	// KindUnavailable means an optional capability is missing and a fallback applies.
	KindUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindNoData:
		return "no_data"
	case KindUpstream:
		return "upstream_failure"
	case KindDegenerate:
		return "degenerate"
	case KindUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

var (
	ErrNoData      = errors.New("no data available")
	ErrUpstream    = errors.New("upstream failure")
	ErrDegenerate  = errors.New("computation degenerate")
	ErrUnavailable = errors.New("capability unavailable")
)

// Error carries a Kind alongside the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrNoData) match any Error of the same kind.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrNoData:
		return e.Kind == KindNoData
	case ErrUpstream:
		return e.Kind == KindUpstream
	case ErrDegenerate:
		return e.Kind == KindDegenerate
	case ErrUnavailable:
		return e.Kind == KindUnavailable
	}
	return false
}

func New(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func NoData(op, what string) error {
	return &Error{Kind: KindNoData, Op: op, Err: fmt.Errorf("no %s data available", what)}
}

func Upstream(op string, err error) error {
	return &Error{Kind: KindUpstream, Op: op, Err: err}
}

func Degenerate(op string, err error) error {
	return &Error{Kind: KindDegenerate, Op: op, Err: err}
}

func Unavailable(op string, err error) error {
	return &Error{Kind: KindUnavailable, Op: op, Err: err}
}

// KindOf returns the Kind of the first Error in err's chain.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
