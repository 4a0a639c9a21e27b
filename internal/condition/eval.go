package condition

import (
	"fmt"

	"github.com/bmatcuk/doublestar/v4"
)

// Evaluate reports whether c holds in ctx. Combinators short-circuit left
// to right. An unknown leaf predicate, or an expression leaf without a
// function, fails with *UnknownPredicateError.
func Evaluate(c Condition, ctx Context) (bool, error) {
	switch c.Kind {
	case KindAnyOf:
		for _, child := range c.Children {
			ok, err := Evaluate(child, ctx)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil

	case KindAllOf:
		for _, child := range c.Children {
			ok, err := Evaluate(child, ctx)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil

	case KindNot:
		if len(c.Children) != 1 {
			return false, fmt.Errorf("%w: not takes exactly one condition, got %d", ErrInvalidCondition, len(c.Children))
		}
		ok, err := Evaluate(c.Children[0], ctx)
		if err != nil {
			return false, err
		}
		return !ok, nil

	case KindLeaf:
		return evaluateLeaf(c.Leaf, ctx)
	}
	return false, &UnknownPredicateError{Predicate: fmt.Sprintf("kind(%d)", c.Kind)}
}

func evaluateLeaf(l Leaf, ctx Context) (bool, error) {
	switch l.Predicate {
	case PredicateBranchEquals:
		return ctx.Branch() == l.Value, nil

	case PredicateBranchMatches:
		ok, err := doublestar.Match(l.Value, ctx.Branch())
		if err != nil {
			return false, fmt.Errorf("%w: branch glob %q: %v", ErrInvalidCondition, l.Value, err)
		}
		return ok, nil

	case PredicateChangeset:
		for _, file := range ctx.ChangedFiles() {
			ok, err := doublestar.Match(l.Value, file)
			if err != nil {
				return false, fmt.Errorf("%w: changeset glob %q: %v", ErrInvalidCondition, l.Value, err)
			}
			if ok {
				return true, nil
			}
		}
		return false, nil

	case PredicateParamEquals:
		v, ok := ctx.Param(l.Name)
		return ok && v == l.Value, nil

	case PredicateEnvEquals:
		v, ok := ctx.Getenv(l.Name)
		return ok && v == l.Value, nil

	case PredicateExpression:
		if l.Fn == nil {
			return false, &UnknownPredicateError{Predicate: string(PredicateExpression) + " " + l.Name}
		}
		return l.Fn(ctx), nil
	}
	return false, &UnknownPredicateError{Predicate: string(l.Predicate)}
}
