package cond

import (
	"fmt"
	"strconv"
	"strings"
)

// Getter resolves a context key to a value. Missing keys report ok=false.
type Getter interface {
	Get(key string) (any, bool)
}

// MapGetter adapts a plain map to Getter.
type MapGetter map[string]any

func (m MapGetter) Get(key string) (any, bool) {
	v, ok := m[key]
	return v, ok
}

// Evaluate evaluates the AND-only condition language used by catalog
// invariants and program gates.
//
// Grammar:
//
//	ConditionExpr ::= Clause ( '&&' Clause )*
//	Clause        ::= Key Operator Literal | Key | '!' Key
//	Operator      ::= '=' | '!=' | '<' | '<=' | '>' | '>='
//
// Missing keys resolve to empty string. '=' and '!=' compare strings; the
// ordering operators compare numerically and are false when either side is
// not a number.
func Evaluate(condition string, ctx Getter) (bool, error) {
	condition = strings.TrimSpace(condition)
	if condition == "" {
		return true, nil
	}
	for _, clause := range strings.Split(condition, "&&") {
		clause = strings.TrimSpace(clause)
		if clause == "" {
			continue
		}
		ok, err := evalClause(clause, ctx)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// Check reports a syntax error without evaluating.
func Check(condition string) error {
	_, err := Evaluate(condition, MapGetter{})
	return err
}

var operators = []string{"!=", "<=", ">=", "=", "<", ">"}

func evalClause(clause string, ctx Getter) (bool, error) {
	for _, op := range operators {
		idx := strings.Index(clause, op)
		if idx < 0 {
			continue
		}
		k := strings.TrimSpace(clause[:idx])
		want := strings.TrimSpace(clause[idx+len(op):])
		if k == "" {
			return false, fmt.Errorf("invalid clause: %q", clause)
		}
		got := resolveKey(k, ctx)
		switch op {
		case "=":
			return got == want, nil
		case "!=":
			return got != want, nil
		default:
			return compareNumeric(got, want, op), nil
		}
	}
	if strings.HasPrefix(clause, "!") {
		k := strings.TrimSpace(strings.TrimPrefix(clause, "!"))
		if k == "" {
			return false, fmt.Errorf("invalid clause: %q", clause)
		}
		return !truthy(resolveKey(k, ctx)), nil
	}
	return truthy(resolveKey(clause, ctx)), nil
}

func truthy(v string) bool {
	if v == "" {
		return false
	}
	switch strings.ToLower(v) {
	case "false", "0", "no", "none", "<nil>":
		return false
	default:
		return true
	}
}

func compareNumeric(got, want, op string) bool {
	a, err := strconv.ParseFloat(got, 64)
	if err != nil {
		return false
	}
	b, err := strconv.ParseFloat(want, 64)
	if err != nil {
		return false
	}
	switch op {
	case "<":
		return a < b
	case "<=":
		return a <= b
	case ">":
		return a > b
	case ">=":
		return a >= b
	}
	return false
}

func resolveKey(key string, ctx Getter) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Get(key); ok && v != nil {
		return fmt.Sprint(v)
	}
	if short := strings.TrimPrefix(key, "context."); short != key {
		if v, ok := ctx.Get(short); ok && v != nil {
			return fmt.Sprint(v)
		}
	}
	return ""
}
