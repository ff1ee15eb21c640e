package repository

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// matches evaluates a normalized filter against a document.
func matches(doc Doc, filter map[string]any) (bool, error) {
	for key, want := range filter {
		if key == "$or" {
			branches, ok := asSlice(want)
			if !ok {
				return false, fmt.Errorf("$or expects an array")
			}
			hit := false
			for _, b := range branches {
				sub, ok := asMap(b)
				if !ok {
					return false, fmt.Errorf("$or branch must be a document")
				}
				ok, err := matches(doc, sub)
				if err != nil {
					return false, err
				}
				if ok {
					hit = true
					break
				}
			}
			if !hit {
				return false, nil
			}
			continue
		}
		if strings.HasPrefix(key, "$") {
			return false, fmt.Errorf("unsupported operator %s", key)
		}
		got := doc[key]
		if ops, ok := asMap(want); ok && hasOperator(ops) {
			for op, arg := range ops {
				switch op {
				case "$in":
					values, ok := asSlice(arg)
					if !ok {
						return false, fmt.Errorf("$in expects an array")
					}
					hit := false
					for _, v := range values {
						if fieldEquals(got, v) {
							hit = true
							break
						}
					}
					if !hit {
						return false, nil
					}
				case "$ne":
					if fieldEquals(got, arg) {
						return false, nil
					}
				default:
					return false, fmt.Errorf("unsupported operator %s", op)
				}
			}
			continue
		}
		if !fieldEquals(got, want) {
			return false, nil
		}
	}
	return true, nil
}

func hasOperator(m map[string]any) bool {
	for k := range m {
		if strings.HasPrefix(k, "$") {
			return true
		}
	}
	return false
}

// fieldEquals follows Mongo's rule that an array field matches a scalar
// when one of its elements does.
func fieldEquals(got, want any) bool {
	if valueEquals(got, want) {
		return true
	}
	if items, ok := asSlice(got); ok {
		if _, wantArray := asSlice(want); !wantArray {
			for _, item := range items {
				if valueEquals(item, want) {
					return true
				}
			}
		}
	}
	return false
}

func valueEquals(a, b any) bool {
	if af, ok := number(a); ok {
		bf, ok := number(b)
		return ok && af == bf
	}
	return reflect.DeepEqual(a, b)
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case int:
		return float64(n), true
	}
	return 0, false
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case bson.M:
		return m, true
	case map[string]any:
		return m, true
	case Filter:
		return m, true
	case Doc:
		return m, true
	case bson.D:
		out := make(map[string]any, len(m))
		for _, e := range m {
			out[e.Key] = e.Value
		}
		return out, true
	}
	return nil, false
}

func asSlice(v any) ([]any, bool) {
	switch s := v.(type) {
	case bson.A:
		return s, true
	case []any:
		return s, true
	}
	return nil, false
}

// compareValues orders two field values; mixed or unknown types compare equal.
func compareValues(a, b any) int {
	if af, ok := number(a); ok {
		if bf, ok := number(b); ok {
			return cmpFloat(af, bf)
		}
	}
	switch av := a.(type) {
	case primitive.DateTime:
		if bv, ok := b.(primitive.DateTime); ok {
			return cmpFloat(float64(av), float64(bv))
		}
	case time.Time:
		if bv, ok := b.(time.Time); ok {
			return av.Compare(bv)
		}
	case string:
		if bv, ok := b.(string); ok {
			return strings.Compare(av, bv)
		}
	case bool:
		if bv, ok := b.(bool); ok && av != bv {
			if av {
				return 1
			}
			return -1
		}
	}
	if a == nil && b != nil {
		return -1
	}
	if a != nil && b == nil {
		return 1
	}
	return 0
}

func cmpFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// applyPatch mutates doc in place.
func applyPatch(doc Doc, patch map[string]any) error {
	if !hasOperator(patch) {
		patch = map[string]any{"$set": patch}
	}
	for op, arg := range patch {
		fields, ok := asMap(arg)
		if !ok {
			return fmt.Errorf("%s expects a document", op)
		}
		switch op {
		case "$set":
			for k, v := range fields {
				if k == "_id" {
					continue
				}
				doc[k] = v
			}
		case "$addToSet":
			for k, v := range fields {
				items, _ := asSlice(doc[k])
				present := false
				for _, item := range items {
					if valueEquals(item, v) {
						present = true
						break
					}
				}
				if !present {
					items = append(append(bson.A{}, items...), v)
				}
				doc[k] = bson.A(items)
			}
		case "$pull":
			for k, v := range fields {
				items, _ := asSlice(doc[k])
				kept := bson.A{}
				for _, item := range items {
					if !valueEquals(item, v) {
						kept = append(kept, item)
					}
				}
				doc[k] = kept
			}
		default:
			return fmt.Errorf("unsupported update operator %s", op)
		}
	}
	return nil
}
