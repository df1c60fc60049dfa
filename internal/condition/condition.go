// Package condition evaluates trigger and additional conditions: typed value
// resolution, comparators, and AND/OR aggregation.
package condition

import (
	"context"
	"errors"
	"strings"
)

// Logic combines the results of a condition list
type Logic string

const (
	And Logic = "AND"
	Or  Logic = "OR"
)

// ParseLogic accepts "AND" in any case; everything else is OR
func ParseLogic(s string) Logic {
	if strings.EqualFold(strings.TrimSpace(s), string(And)) {
		return And
	}
	return Or
}

// Condition is one comparator test. Trigger conditions compare the watched
// item's state against Value; additional conditions compare Variable
// against Value.
type Condition struct {
	Comparator   Comparator `mapstructure:"comparator" json:"comparator"`
	Type         ValueType  `mapstructure:"type" json:"type"`
	Value        string     `mapstructure:"value" json:"value"`
	VariableType ValueType  `mapstructure:"variable_type" json:"variable_type,omitempty"`
	Variable     string     `mapstructure:"variable" json:"variable,omitempty"`
}

// Set is a list of conditions and the logic joining them
type Set struct {
	Logic      Logic       `mapstructure:"logic" json:"logic"`
	Conditions []Condition `mapstructure:"conditions" json:"conditions"`
}

// Combine joins n results. AND needs all, OR needs one; an empty list passes
// under either logic. Evaluation stops as soon as the outcome is known.
func Combine(logic Logic, n int, pass func(i int) bool) bool {
	if n == 0 {
		return true
	}
	if logic == And {
		for i := 0; i < n; i++ {
			if !pass(i) {
				return false
			}
		}
		return true
	}
	for i := 0; i < n; i++ {
		if pass(i) {
			return true
		}
	}
	return false
}

// MatchState evaluates a trigger condition set against an item state. A
// condition whose operand cannot be resolved fails; the errors are joined
// and returned next to the result.
func (r *Resolver) MatchState(ctx context.Context, set Set, state any) (bool, error) {
	var errs []error
	ok := Combine(set.Logic, len(set.Conditions), func(i int) bool {
		c := set.Conditions[i]
		want, err := r.Resolve(ctx, c.Type, c.Value)
		if err != nil {
			errs = append(errs, err)
			return false
		}
		return Compare(c.Comparator, state, want)
	})
	return ok, errors.Join(errs...)
}

// MatchVariables evaluates an additional condition set, comparing each
// condition's variable with its value.
func (r *Resolver) MatchVariables(ctx context.Context, set Set) (bool, error) {
	var errs []error
	ok := Combine(set.Logic, len(set.Conditions), func(i int) bool {
		c := set.Conditions[i]
		have, err := r.Resolve(ctx, c.VariableType, c.Variable)
		if err != nil {
			errs = append(errs, err)
			return false
		}
		want, err := r.Resolve(ctx, c.Type, c.Value)
		if err != nil {
			errs = append(errs, err)
			return false
		}
		return Compare(c.Comparator, have, want)
	})
	return ok, errors.Join(errs...)
}
