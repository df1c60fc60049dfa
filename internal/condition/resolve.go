package condition

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"ohbridge/internal/clock"
	"ohbridge/internal/vars"
)

// ValueType tells the resolver how to interpret a raw configured value
type ValueType string

const (
	TypeString ValueType = "str"
	TypeNumber ValueType = "num"
	TypeBool   ValueType = "bool"
	TypeJSON   ValueType = "json"
	TypeDate   ValueType = "date" // Current time, epoch milliseconds
	TypeFlow   ValueType = "flow"
	TypeGlobal ValueType = "global"
	TypeEnv    ValueType = "env"
	TypeNone   ValueType = "none" // No value
)

// ErrUnknownType is returned for a value type the resolver does not know
var ErrUnknownType = errors.New("unknown value type")

// Resolver turns (type, raw) pairs into typed values
type Resolver struct {
	Vars  vars.Scopes
	Clock clock.Clock
	Env   func(string) string
}

// NewResolver returns a resolver reading variables from scopes
func NewResolver(scopes vars.Scopes, clk clock.Clock) *Resolver {
	return &Resolver{Vars: scopes, Clock: clk, Env: os.Getenv}
}

// Resolve interprets raw according to t. Numbers that do not parse resolve
// to NaN; a missing variable resolves to nil.
func (r *Resolver) Resolve(ctx context.Context, t ValueType, raw string) (any, error) {
	switch t {
	case TypeString, "":
		return raw, nil
	case TypeNumber:
		return parseNumber(raw), nil
	case TypeBool:
		b, err := strconv.ParseBool(strings.TrimSpace(raw))
		if err != nil {
			return false, nil
		}
		return b, nil
	case TypeJSON:
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return nil, fmt.Errorf("resolve json value: %w", err)
		}
		return v, nil
	case TypeDate:
		return float64(r.now().UnixMilli()), nil
	case TypeFlow, TypeGlobal:
		store := r.Vars.Of(vars.Scope(t))
		if store == nil {
			return nil, nil
		}
		v, ok, err := store.Get(ctx, raw)
		if err != nil {
			return nil, fmt.Errorf("resolve %s variable %q: %w", t, raw, err)
		}
		if !ok {
			return nil, nil
		}
		return v, nil
	case TypeEnv:
		if r.Env == nil {
			return os.Getenv(raw), nil
		}
		return r.Env(raw), nil
	case TypeNone, "undefined":
		return nil, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownType, t)
}

// KnownType reports whether t can be resolved
func KnownType(t ValueType) bool {
	switch t {
	case TypeString, "", TypeNumber, TypeBool, TypeJSON, TypeDate, TypeFlow, TypeGlobal, TypeEnv, TypeNone, "undefined":
		return true
	}
	return false
}

func (r *Resolver) now() time.Time {
	if r.Clock == nil {
		return time.Now()
	}
	return r.Clock.Now()
}
