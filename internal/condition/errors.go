package condition

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownPredicate indicates a leaf predicate the evaluator does not know.
	ErrUnknownPredicate = errors.New("unknown predicate")
	// ErrInvalidCondition indicates a known predicate with malformed operands.
	ErrInvalidCondition = errors.New("invalid condition")
)

// UnknownPredicateError reports a predicate that is neither a known leaf
// nor a combinator. Unknown predicates never evaluate to true.
type UnknownPredicateError struct {
	Predicate string
	Path      string // location inside the when table, e.g. "any_of[1]"
}

// Error returns a description including the location when known.
func (e *UnknownPredicateError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("unknown predicate %q at %s", e.Predicate, e.Path)
	}
	return fmt.Sprintf("unknown predicate %q", e.Predicate)
}

// Unwrap returns ErrUnknownPredicate for use with errors.Is.
func (e *UnknownPredicateError) Unwrap() error {
	return ErrUnknownPredicate
}
