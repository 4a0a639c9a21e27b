package graph

import (
	"fmt"
	"slices"
	"strings"

	"github.com/papapumpkin/pulsar/internal/pipeline"
)

// Cell is one axis assignment of a matrix, in axis declaration order.
type Cell []AxisValue

// AxisValue binds one axis to one of its values.
type AxisValue struct {
	Axis  string
	Value string
}

// Name renders the cell for humans, e.g. "OS=linux, RUNTIME=v18".
func (c Cell) Name() string { return c.join(", ") }

// Key renders the cell as a path segment, e.g. "OS=linux,RUNTIME=v18".
func (c Cell) Key() string { return c.join(",") }

func (c Cell) join(sep string) string {
	parts := make([]string, len(c))
	for i, av := range c {
		parts[i] = av.Axis + "=" + av.Value
	}
	return strings.Join(parts, sep)
}

// Map returns the cell as axis -> value.
func (c Cell) Map() map[string]string {
	m := make(map[string]string, len(c))
	for _, av := range c {
		m[av.Axis] = av.Value
	}
	return m
}

// matches reports whether every entry of ex agrees with the cell.
func (c Cell) matches(ex map[string]string) bool {
	m := c.Map()
	for k, v := range ex {
		if m[k] != v {
			return false
		}
	}
	return true
}

// Cells returns the Cartesian product of axes with the first axis
// outermost, minus any cell matching an exclude entry.
func Cells(axes []pipeline.Axis, exclude []map[string]string) []Cell {
	if len(axes) == 0 {
		return nil
	}
	cells := []Cell{{}}
	for _, axis := range axes {
		next := make([]Cell, 0, len(cells)*len(axis.Values))
		for _, c := range cells {
			for _, v := range axis.Values {
				cell := append(slices.Clone(c), AxisValue{Axis: axis.Name, Value: v})
				next = append(next, cell)
			}
		}
		cells = next
	}

	out := cells[:0]
	for _, c := range cells {
		excluded := false
		for _, ex := range exclude {
			if len(ex) > 0 && c.matches(ex) {
				excluded = true
				break
			}
		}
		if !excluded {
			out = append(out, c)
		}
	}
	return out
}

// expandMatrix validates m and adds one cell node per combination under
// id. Problems inside the cell stages are only reported for the first
// cell since every cell repeats them.
func (b *builder) expandMatrix(m *pipeline.Matrix, id string) []string {
	if !b.validateAxes(m, id) {
		return nil
	}
	if len(m.Stages) == 0 {
		b.problem(id, fmt.Errorf("%w: matrix has no stages", ErrNoWork))
		return nil
	}
	cells := Cells(m.Axes, m.Exclude)
	if len(cells) == 0 {
		b.problem(id, ErrEmptyMatrix)
		return nil
	}

	ids := make([]string, 0, len(cells))
	for i, c := range cells {
		cellID := joinID(id, c.Key())
		n := &Node{
			ID:     cellID,
			Name:   c.Name(),
			Kind:   KindCell,
			Parent: id,
			Axes:   c.Map(),
			Retry:  RetryPolicy{MaxAttempts: 1},
		}
		b.addNode(n)
		if i > 0 {
			b.mute++
		}
		n.Children = b.addScope(m.Stages, cellID, true)
		if i > 0 {
			b.mute--
		}
		ids = append(ids, cellID)
	}
	return ids
}

// cellSeparators may not appear in axis names or values; cell IDs are
// built from them.
const cellSeparators = "/,="

func (b *builder) validateAxes(m *pipeline.Matrix, id string) bool {
	if len(m.Axes) == 0 {
		b.problem(id, ErrNoAxes)
		return false
	}
	ok := true
	values := make(map[string][]string, len(m.Axes))
	for i, axis := range m.Axes {
		switch {
		case axis.Name == "":
			b.problem(id, fmt.Errorf("%w: axis #%d has no name", ErrEmptyAxis, i+1))
			ok = false
			continue
		case values[axis.Name] != nil:
			b.problem(id, fmt.Errorf("%w: %q", ErrDuplicateAxis, axis.Name))
			ok = false
			continue
		case len(axis.Values) == 0:
			b.problem(id, fmt.Errorf("%w: %q", ErrEmptyAxis, axis.Name))
			ok = false
			continue
		case strings.ContainsAny(axis.Name, cellSeparators):
			b.problem(id, fmt.Errorf("%w: axis %q contains one of %q", ErrInvalidName, axis.Name, cellSeparators))
			ok = false
			continue
		}
		seen := make(map[string]bool, len(axis.Values))
		for _, v := range axis.Values {
			if strings.ContainsAny(v, cellSeparators) {
				b.problem(id, fmt.Errorf("%w: value %q of axis %q contains one of %q", ErrInvalidName, v, axis.Name, cellSeparators))
				ok = false
			}
			if seen[v] {
				b.problem(id, fmt.Errorf("%w: value %q repeated in axis %q", ErrDuplicateAxis, v, axis.Name))
				ok = false
			}
			seen[v] = true
		}
		values[axis.Name] = axis.Values
	}
	for _, ex := range m.Exclude {
		for k, v := range ex {
			vals, known := values[k]
			if !known || !slices.Contains(vals, v) {
				b.problem(id, fmt.Errorf("%w: %s=%s", ErrUnknownAxis, k, v))
				ok = false
			}
		}
	}
	return ok
}
