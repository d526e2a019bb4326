package rule

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Document is anything a predicate can be evaluated against.
type Document interface {
	Lookup(path string) (any, bool)
}

// Predicate is a compiled, side-effect-free test over a Document.
// Unresolvable paths never error, they simply do not match.
type Predicate interface {
	Eval(doc Document) bool
}

// All is a conjunction. An empty All matches everything.
type All []Predicate

// Eval implements Predicate.
func (a All) Eval(doc Document) bool {
	for _, p := range a {
		if !p.Eval(doc) {
			return false
		}
	}
	return true
}

// Equals matches when the value at Path equals Value. Array values match when
// any element is equal.
type Equals struct {
	Path  string
	Value any
}

// Eval implements Predicate.
func (e Equals) Eval(doc Document) bool {
	v, ok := doc.Lookup(e.Path)
	if !ok {
		return false
	}
	return valueEquals(v, e.Value)
}

// NotEquals matches when the path resolves to a value different from Value.
type NotEquals struct {
	Path  string
	Value any
}

// Eval implements Predicate.
func (n NotEquals) Eval(doc Document) bool {
	v, ok := doc.Lookup(n.Path)
	if !ok {
		return false
	}
	return !valueEquals(v, n.Value)
}

// In matches when the value at Path equals any of Values.
type In struct {
	Path   string
	Values []any
}

// Eval implements Predicate.
func (in In) Eval(doc Document) bool {
	v, ok := doc.Lookup(in.Path)
	if !ok {
		return false
	}
	for _, want := range in.Values {
		if valueEquals(v, want) {
			return true
		}
	}
	return false
}

// Regex matches string values against a compiled pattern.
type Regex struct {
	Path string
	Re   *regexp.Regexp
}

// Eval implements Predicate.
func (r Regex) Eval(doc Document) bool {
	v, ok := doc.Lookup(r.Path)
	if !ok {
		return false
	}
	s, ok := v.(string)
	return ok && r.Re.MatchString(s)
}

// Contains is a substring test on string values.
type Contains struct {
	Path   string
	Substr string
}

// Eval implements Predicate.
func (c Contains) Eval(doc Document) bool {
	v, ok := doc.Lookup(c.Path)
	if !ok {
		return false
	}
	s, ok := v.(string)
	return ok && strings.Contains(s, c.Substr)
}

// Exists tests presence (or absence when Want is false) of a path.
type Exists struct {
	Path string
	Want bool
}

// Eval implements Predicate.
func (e Exists) Eval(doc Document) bool {
	_, ok := doc.Lookup(e.Path)
	return ok == e.Want
}

// CompilePredicate builds a predicate tree from a declarative match map:
//
//	attrs.source: 10.0.0.1            equality
//	attrs.message: {$regex: "fail.*"} regex
//	attrs.user: {$exists: true}       presence
//	severity: {$in: [high, critical]} membership
//
// Operators are $eq, $ne, $in, $regex, $contains and $exists. Unknown
// operators, non-scalar operands and bad patterns are rejected.
func CompilePredicate(match map[string]any) (Predicate, error) {
	paths := make([]string, 0, len(match))
	for p := range match {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	out := make(All, 0, len(paths))
	for _, path := range paths {
		if strings.TrimSpace(path) == "" {
			return nil, fmt.Errorf("empty field path")
		}
		preds, err := compileField(path, match[path])
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", path, err)
		}
		out = append(out, preds...)
	}
	return out, nil
}

func compileField(path string, v any) ([]Predicate, error) {
	ops, ok := asOperatorMap(v)
	if !ok {
		if !isScalar(v) {
			return nil, fmt.Errorf("expected scalar or operator map, got %T", v)
		}
		return []Predicate{Equals{Path: path, Value: v}}, nil
	}

	names := make([]string, 0, len(ops))
	for k := range ops {
		names = append(names, k)
	}
	sort.Strings(names)

	preds := make([]Predicate, 0, len(ops))
	for _, op := range names {
		arg := ops[op]
		switch op {
		case "$eq":
			if !isScalar(arg) {
				return nil, fmt.Errorf("$eq expects a scalar, got %T", arg)
			}
			preds = append(preds, Equals{Path: path, Value: arg})
		case "$ne":
			if !isScalar(arg) {
				return nil, fmt.Errorf("$ne expects a scalar, got %T", arg)
			}
			preds = append(preds, NotEquals{Path: path, Value: arg})
		case "$in":
			list, ok := arg.([]any)
			if !ok || len(list) == 0 {
				return nil, fmt.Errorf("$in expects a non-empty list")
			}
			for _, item := range list {
				if !isScalar(item) {
					return nil, fmt.Errorf("$in element %v is not a scalar", item)
				}
			}
			preds = append(preds, In{Path: path, Values: list})
		case "$regex":
			pattern, ok := arg.(string)
			if !ok {
				return nil, fmt.Errorf("$regex expects a string, got %T", arg)
			}
			re, err := regexp.Compile(pattern)
			if err != nil {
				return nil, fmt.Errorf("$regex: %w", err)
			}
			preds = append(preds, Regex{Path: path, Re: re})
		case "$contains":
			s, ok := arg.(string)
			if !ok {
				return nil, fmt.Errorf("$contains expects a string, got %T", arg)
			}
			preds = append(preds, Contains{Path: path, Substr: s})
		case "$exists":
			b, ok := arg.(bool)
			if !ok {
				return nil, fmt.Errorf("$exists expects a bool, got %T", arg)
			}
			preds = append(preds, Exists{Path: path, Want: b})
		default:
			return nil, fmt.Errorf("unknown operator %q", op)
		}
	}
	return preds, nil
}

func asOperatorMap(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	if !ok || len(m) == 0 {
		return nil, false
	}
	for k := range m {
		if !strings.HasPrefix(k, "$") {
			return nil, false
		}
	}
	return m, true
}

func isScalar(v any) bool {
	switch v.(type) {
	case nil, string, bool, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return true
	}
	return false
}

func valueEquals(got, want any) bool {
	if arr, ok := got.([]any); ok {
		for _, el := range arr {
			if scalarEquals(el, want) {
				return true
			}
		}
		return false
	}
	return scalarEquals(got, want)
}

func scalarEquals(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		return ok && fa == fb
	}
	return a == b
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
