package constraint

import (
	"fmt"
	"strings"
)

// #region types

// Number is the set of value types a limiter chain can operate on.
type Number interface {
	~int | ~int64 | ~float64
}

// Bound says which side of the value a limiter is allowed to move.
type Bound int

const (
	Upper Bound = iota // may only lower the value
	Lower              // may only raise the value
)

// Outcome records what a limiter did to the value it received.
type Outcome string

const (
	OutcomeChanged   Outcome = "changed"
	OutcomeUnchanged Outcome = "unchanged"
	OutcomeAbstained Outcome = "abstained"
)

// Limiter is one named safety step. Fn receives the output of the previous
// limiter and returns the new value, or ok=false when it cannot evaluate.
type Limiter[T Number] struct {
	Name  string
	Bound Bound
	Fn    func(v T) (out T, ok bool)
}

// Entry is a single provenance record in a constraint trail.
type Entry[T Number] struct {
	Limiter  string
	Original T
	Applied  T
	Outcome  Outcome
}

// Constraint is a value together with the ordered trail of limiters that
// produced it. The zero value holds 0 with an empty trail.
type Constraint[T Number] struct {
	value T
	trail []Entry[T]
}

// #endregion types

// #region apply

// Apply folds the limiters over initial in order and returns the result.
// Upper limiters can only lower the value, lower limiters can only raise it,
// and a lower limiter never lifts the value above a cap that an earlier upper
// limiter actually applied.
func Apply[T Number](initial T, limiters ...Limiter[T]) Constraint[T] {
	c := Constraint[T]{value: initial, trail: make([]Entry[T], 0, len(limiters))}

	var ceiling T
	capped := false

	for _, l := range limiters {
		cur := c.value
		entry := Entry[T]{Limiter: l.Name, Original: cur, Applied: cur, Outcome: OutcomeUnchanged}

		if l.Fn == nil {
			entry.Outcome = OutcomeAbstained
			c.trail = append(c.trail, entry)
			continue
		}

		out, ok := l.Fn(cur)
		if !ok {
			entry.Outcome = OutcomeAbstained
			c.trail = append(c.trail, entry)
			continue
		}

		switch l.Bound {
		case Upper:
			if out > cur {
				out = cur
			}
			if out < cur && (!capped || out < ceiling) {
				ceiling = out
				capped = true
			}
		case Lower:
			if out < cur {
				out = cur
			}
			if capped && out > ceiling {
				out = ceiling
			}
		}

		if out != cur {
			entry.Applied = out
			entry.Outcome = OutcomeChanged
			c.value = out
		}
		c.trail = append(c.trail, entry)
	}
	return c
}

// Fixed returns a constraint holding v with no trail.
func Fixed[T Number](v T) Constraint[T] {
	return Constraint[T]{value: v}
}

// #endregion apply

// #region accessors

// Value returns the final constrained value.
func (c Constraint[T]) Value() T {
	return c.value
}

// Entries returns a copy of the provenance trail.
func (c Constraint[T]) Entries() []Entry[T] {
	if len(c.trail) == 0 {
		return nil
	}
	out := make([]Entry[T], len(c.trail))
	copy(out, c.trail)
	return out
}

// Changed returns only the entries that modified the value.
func (c Constraint[T]) Changed() []Entry[T] {
	var out []Entry[T]
	for _, e := range c.trail {
		if e.Outcome == OutcomeChanged {
			out = append(out, e)
		}
	}
	return out
}

// MostLimiting returns the name of the last limiter that changed the value.
func (c Constraint[T]) MostLimiting() string {
	for i := len(c.trail) - 1; i >= 0; i-- {
		if c.trail[i].Outcome == OutcomeChanged {
			return c.trail[i].Limiter
		}
	}
	return ""
}

// Reasons renders the changed entries as "name: from -> to" joined by "; ".
func (c Constraint[T]) Reasons() string {
	parts := make([]string, 0, len(c.trail))
	for _, e := range c.Changed() {
		parts = append(parts, fmt.Sprintf("%s: %v -> %v", e.Limiter, e.Original, e.Applied))
	}
	return strings.Join(parts, "; ")
}

// #endregion accessors

// Clone returns a copy that shares no backing array with c.
func (c Constraint[T]) Clone() Constraint[T] {
	return Constraint[T]{value: c.value, trail: c.Entries()}
}
