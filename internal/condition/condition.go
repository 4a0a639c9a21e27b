// Package condition implements the `when` predicates that decide whether a
// stage runs. A Condition is a tagged variant (leaf, any-of, all-of, not)
// evaluated by a small recursive interpreter.
package condition

import (
	"strings"
)

// Kind tags the variant held by a Condition.
type Kind int

const (
	KindLeaf Kind = iota
	KindAnyOf
	KindAllOf
	KindNot
)

// Predicate names a leaf test.
type Predicate string

const (
	PredicateBranchEquals  Predicate = "branch"
	PredicateBranchMatches Predicate = "branch_glob"
	PredicateChangeset     Predicate = "changeset"
	PredicateParamEquals   Predicate = "param"
	PredicateEnvEquals     Predicate = "environment"
	PredicateExpression    Predicate = "expression"
)

// Context is the read-only view a condition is evaluated against.
type Context interface {
	Branch() string
	ChangedFiles() []string
	Param(name string) (string, bool)
	Getenv(name string) (string, bool)
}

// ExprFunc is a user-supplied boolean test.
type ExprFunc func(Context) bool

// Leaf is a single predicate with its operands. Name is used by param,
// environment and expression leaves; Value holds the branch, glob or
// expected value.
type Leaf struct {
	Predicate Predicate
	Name      string
	Value     string
	Fn        ExprFunc
}

// Condition is a predicate tree. The zero value is an empty AnyOf-less
// leaf and is not meaningful; build conditions with the constructors below.
type Condition struct {
	Kind     Kind
	Leaf     Leaf
	Children []Condition
}

// BranchEquals is true when the current branch is exactly branch.
func BranchEquals(branch string) Condition {
	return Condition{Kind: KindLeaf, Leaf: Leaf{Predicate: PredicateBranchEquals, Value: branch}}
}

// BranchMatches is true when the current branch matches a glob.
func BranchMatches(glob string) Condition {
	return Condition{Kind: KindLeaf, Leaf: Leaf{Predicate: PredicateBranchMatches, Value: glob}}
}

// ChangesetMatches is true when any changed file matches glob. `**` spans
// directories.
func ChangesetMatches(glob string) Condition {
	return Condition{Kind: KindLeaf, Leaf: Leaf{Predicate: PredicateChangeset, Value: glob}}
}

// ParamEquals is true when parameter name is set to value.
func ParamEquals(name, value string) Condition {
	return Condition{Kind: KindLeaf, Leaf: Leaf{Predicate: PredicateParamEquals, Name: name, Value: value}}
}

// EnvEquals is true when environment variable name is set to value.
func EnvEquals(name, value string) Condition {
	return Condition{Kind: KindLeaf, Leaf: Leaf{Predicate: PredicateEnvEquals, Name: name, Value: value}}
}

// Expression wraps a named boolean function.
func Expression(name string, fn ExprFunc) Condition {
	return Condition{Kind: KindLeaf, Leaf: Leaf{Predicate: PredicateExpression, Name: name, Fn: fn}}
}

// AnyOf is true when at least one child is true. AnyOf() is false.
func AnyOf(children ...Condition) Condition {
	return Condition{Kind: KindAnyOf, Children: children}
}

// AllOf is true when every child is true. AllOf() is true.
func AllOf(children ...Condition) Condition {
	return Condition{Kind: KindAllOf, Children: children}
}

// Not negates c.
func Not(c Condition) Condition {
	return Condition{Kind: KindNot, Children: []Condition{c}}
}

// String renders the condition for plans and logs.
func (c Condition) String() string {
	switch c.Kind {
	case KindAnyOf:
		return "anyOf(" + joinChildren(c.Children) + ")"
	case KindAllOf:
		return "allOf(" + joinChildren(c.Children) + ")"
	case KindNot:
		return "not(" + joinChildren(c.Children) + ")"
	}
	l := c.Leaf
	switch l.Predicate {
	case PredicateBranchEquals:
		return "branch == " + l.Value
	case PredicateBranchMatches:
		return "branch ~ " + l.Value
	case PredicateChangeset:
		return "changeset ~ " + l.Value
	case PredicateParamEquals:
		return "param " + l.Name + " == " + l.Value
	case PredicateEnvEquals:
		return "env " + l.Name + " == " + l.Value
	case PredicateExpression:
		return "expression " + l.Name
	}
	return string(l.Predicate) + "?"
}

func joinChildren(cs []Condition) string {
	parts := make([]string, len(cs))
	for i, c := range cs {
		parts[i] = c.String()
	}
	return strings.Join(parts, ", ")
}
