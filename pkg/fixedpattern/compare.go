package fixedpattern

import "encoding/json"

// Equal reports exact equality, the rule for fixed[x] constraints.
// Objects must have identical key sets, arrays identical length and order.
// Numbers compare by decimal value, so 1.0 equals 1.00.
func Equal(actual, expected Value) bool {
	if actual.kind != expected.kind {
		return false
	}
	switch expected.kind {
	case KindNull:
		return true
	case KindBool:
		return actual.b == expected.b
	case KindNumber:
		return actual.num.Equal(expected.num)
	case KindString:
		return actual.str == expected.str
	case KindArray:
		if len(actual.arr) != len(expected.arr) {
			return false
		}
		for i := range expected.arr {
			if !Equal(actual.arr[i], expected.arr[i]) {
				return false
			}
		}
		return true
	case KindObject:
		if len(actual.obj) != len(expected.obj) {
			return false
		}
		for k, ev := range expected.obj {
			av, ok := actual.obj[k]
			if !ok || !Equal(av, ev) {
				return false
			}
		}
		return true
	}
	return false
}

// Matches reports whether actual conforms to pattern, the rule for pattern[x]:
//   - object: every pattern key is present in actual and matches recursively
//   - array: every pattern item matches at least one actual item
//   - primitive: equality
func Matches(actual, pattern Value) bool {
	switch pattern.kind {
	case KindObject:
		if actual.kind != KindObject {
			return false
		}
		for k, pv := range pattern.obj {
			av, ok := actual.obj[k]
			if !ok || !Matches(av, pv) {
				return false
			}
		}
		return true
	case KindArray:
		if actual.kind != KindArray {
			return false
		}
		for _, pitem := range pattern.arr {
			found := false
			for _, aitem := range actual.arr {
				if Matches(aitem, pitem) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
		return true
	default:
		return Equal(actual, pattern)
	}
}

// EqualJSON compares a decoded value against a raw fixed[x] constraint.
// Undecodable input never matches.
func EqualJSON(actual any, expected json.RawMessage) bool {
	a, e, ok := decodePair(actual, expected)
	return ok && Equal(a, e)
}

// MatchesJSON compares a decoded value against a raw pattern[x] constraint.
func MatchesJSON(actual any, pattern json.RawMessage) bool {
	if len(pattern) == 0 {
		return true
	}
	a, p, ok := decodePair(actual, pattern)
	return ok && Matches(a, p)
}

func decodePair(actual any, constraint json.RawMessage) (Value, Value, bool) {
	a, err := FromAny(actual)
	if err != nil {
		return Null, Null, false
	}
	c, err := Parse(constraint)
	if err != nil {
		return Null, Null, false
	}
	return a, c, true
}
