package condition

import (
	"fmt"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
)

// Registry maps expression names to their functions.
type Registry map[string]ExprFunc

// Decode builds a Condition from a decoded `when` table. A table with
// several keys is an implicit AllOf over its keys in sorted order.
// Unknown keys fail with *UnknownPredicateError, as do expression names
// missing from reg.
//
//	[stages.when]
//	any_of = [{ branch = "main" }, { changeset = "src/**" }]
//	not = { param = { name = "SKIP", value = "true" } }
func Decode(table map[string]any, reg Registry) (Condition, error) {
	return decodeTable(table, reg, "")
}

func decodeTable(table map[string]any, reg Registry, path string) (Condition, error) {
	if len(table) == 0 {
		return Condition{}, fmt.Errorf("%w: empty condition at %s", ErrInvalidCondition, displayPath(path))
	}

	keys := make([]string, 0, len(table))
	for k := range table {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	conds := make([]Condition, 0, len(keys))
	for _, k := range keys {
		c, err := decodeEntry(k, table[k], reg, joinPath(path, k))
		if err != nil {
			return Condition{}, err
		}
		conds = append(conds, c)
	}
	if len(conds) == 1 {
		return conds[0], nil
	}
	return AllOf(conds...), nil
}

func decodeEntry(key string, value any, reg Registry, path string) (Condition, error) {
	switch Predicate(key) {
	case PredicateBranchEquals:
		s, err := asString(value, path)
		if err != nil {
			return Condition{}, err
		}
		return BranchEquals(s), nil

	case PredicateBranchMatches:
		s, err := asGlob(value, path)
		if err != nil {
			return Condition{}, err
		}
		return BranchMatches(s), nil

	case PredicateChangeset:
		// A list of globs matches when any of them does.
		if list, ok := value.([]any); ok {
			children := make([]Condition, 0, len(list))
			for i, v := range list {
				s, err := asGlob(v, fmt.Sprintf("%s[%d]", path, i))
				if err != nil {
					return Condition{}, err
				}
				children = append(children, ChangesetMatches(s))
			}
			return AnyOf(children...), nil
		}
		s, err := asGlob(value, path)
		if err != nil {
			return Condition{}, err
		}
		return ChangesetMatches(s), nil

	case PredicateParamEquals:
		name, val, err := asNameValue(value, path)
		if err != nil {
			return Condition{}, err
		}
		return ParamEquals(name, val), nil

	case PredicateEnvEquals:
		name, val, err := asNameValue(value, path)
		if err != nil {
			return Condition{}, err
		}
		return EnvEquals(name, val), nil

	case PredicateExpression:
		name, err := asString(value, path)
		if err != nil {
			return Condition{}, err
		}
		fn, ok := reg[name]
		if !ok {
			return Condition{}, &UnknownPredicateError{Predicate: "expression " + name, Path: path}
		}
		return Expression(name, fn), nil
	}

	switch key {
	case "any_of", "all_of":
		list, ok := value.([]any)
		if !ok {
			return Condition{}, fmt.Errorf("%w: %s must be a list of conditions", ErrInvalidCondition, path)
		}
		children := make([]Condition, 0, len(list))
		for i, v := range list {
			table, ok := v.(map[string]any)
			if !ok {
				return Condition{}, fmt.Errorf("%w: %s[%d] must be a table", ErrInvalidCondition, path, i)
			}
			c, err := decodeTable(table, reg, fmt.Sprintf("%s[%d]", path, i))
			if err != nil {
				return Condition{}, err
			}
			children = append(children, c)
		}
		if key == "any_of" {
			return AnyOf(children...), nil
		}
		return AllOf(children...), nil

	case "not":
		table, ok := value.(map[string]any)
		if !ok {
			return Condition{}, fmt.Errorf("%w: %s must be a table", ErrInvalidCondition, path)
		}
		c, err := decodeTable(table, reg, path)
		if err != nil {
			return Condition{}, err
		}
		return Not(c), nil
	}

	return Condition{}, &UnknownPredicateError{Predicate: key, Path: path}
}

func asString(v any, path string) (string, error) {
	s, ok := v.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("%w: %s must be a non-empty string", ErrInvalidCondition, path)
	}
	return s, nil
}

func asGlob(v any, path string) (string, error) {
	s, err := asString(v, path)
	if err != nil {
		return "", err
	}
	if !doublestar.ValidatePattern(s) {
		return "", fmt.Errorf("%w: %s: bad glob %q", ErrInvalidCondition, path, s)
	}
	return s, nil
}

func asNameValue(v any, path string) (string, string, error) {
	table, ok := v.(map[string]any)
	if !ok {
		return "", "", fmt.Errorf("%w: %s must be a table with name and value", ErrInvalidCondition, path)
	}
	name, err := asString(table["name"], path+".name")
	if err != nil {
		return "", "", err
	}
	// An empty value is legal: it matches a parameter explicitly set to "".
	value, ok := table["value"].(string)
	if !ok {
		return "", "", fmt.Errorf("%w: %s.value must be a string", ErrInvalidCondition, path)
	}
	return name, value, nil
}

func joinPath(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

func displayPath(path string) string {
	if path == "" {
		return "when"
	}
	return path
}
