package pipeline

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"sort"
	"strings"
)

// ErrMissingParameter indicates a required parameter has no value.
var ErrMissingParameter = errors.New("required parameter not set")

// ErrInvalidChoice indicates a parameter value outside its declared choices.
var ErrInvalidChoice = errors.New("parameter value not among choices")

// ErrUnresolvedVariable indicates an expression references a name that has
// no value.
var ErrUnresolvedVariable = errors.New("unresolved variable")

// variablePattern matches ${NAME} references. Only the braced form is
// recognized; bare $NAME is left for the shell.
var variablePattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Expand replaces ${NAME} references in input with values from vars.
// Every reference without a value is reported in the returned error.
func Expand(input string, vars map[string]string) (string, error) {
	var unresolved []string
	result := variablePattern.ReplaceAllStringFunc(input, func(match string) string {
		name := match[2 : len(match)-1]
		if value, ok := vars[name]; ok {
			return value
		}
		unresolved = append(unresolved, name)
		return match
	})
	if len(unresolved) > 0 {
		return "", fmt.Errorf("%w: %s", ErrUnresolvedVariable, strings.Join(unresolved, ", "))
	}
	return result, nil
}

// References returns the distinct names referenced by ${NAME} in input.
func References(input string) []string {
	var names []string
	for _, m := range variablePattern.FindAllStringSubmatch(input, -1) {
		if !slices.Contains(names, m[1]) {
			names = append(names, m[1])
		}
	}
	return names
}

// ResolveParameters merges supplied values over declared defaults.
// Supplied names that were never declared are passed through unchanged.
func ResolveParameters(decls map[string]Parameter, supplied map[string]string) (map[string]string, error) {
	resolved := make(map[string]string, len(decls)+len(supplied))
	for name, p := range decls {
		if p.Default != "" {
			resolved[name] = p.Default
		}
	}
	for name, value := range supplied {
		resolved[name] = value
	}

	var missing []string
	for name, p := range decls {
		value, ok := resolved[name]
		if !ok {
			if p.Required {
				missing = append(missing, name)
			}
			continue
		}
		if len(p.Choices) > 0 && !slices.Contains(p.Choices, value) {
			return nil, fmt.Errorf("%w: %s=%q (choices: %s)", ErrInvalidChoice, name, value, strings.Join(p.Choices, ", "))
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("%w: %s", ErrMissingParameter, strings.Join(missing, ", "))
	}
	return resolved, nil
}

// ResolveEnvironment evaluates an environment block against base. Entries
// may reference base names and each other in any order; an entry is
// resolved once everything it references is known. Entries that can never
// resolve (missing names or reference cycles) are reported together.
func ResolveEnvironment(env map[string]string, base map[string]string) (map[string]string, error) {
	known := make(map[string]string, len(base)+len(env))
	for k, v := range base {
		known[k] = v
	}

	pending := make([]string, 0, len(env))
	for name := range env {
		pending = append(pending, name)
	}
	sort.Strings(pending)

	resolved := make(map[string]string, len(env))
	for len(pending) > 0 {
		var next []string
		for _, name := range pending {
			if !referencesKnown(name, env[name], known, env, resolved) {
				next = append(next, name)
				continue
			}
			value, err := Expand(env[name], known)
			if err != nil {
				return nil, fmt.Errorf("environment %s: %w", name, err)
			}
			known[name] = value
			resolved[name] = value
		}
		if len(next) == len(pending) {
			return nil, fmt.Errorf("%w in environment: %s", ErrUnresolvedVariable, strings.Join(next, ", "))
		}
		pending = next
	}
	return resolved, nil
}

// referencesKnown reports whether every reference in expr can be expanded
// now. A name declared in env but not yet resolved shadows any base value,
// except in its own entry where it refers to the base (PATH = "${PATH}:/x").
func referencesKnown(name, expr string, known, env, resolved map[string]string) bool {
	for _, ref := range References(expr) {
		if _, declared := env[ref]; declared && ref != name {
			if _, done := resolved[ref]; !done {
				return false
			}
			continue
		}
		if _, ok := known[ref]; !ok {
			return false
		}
	}
	return true
}
