package types

import (
	"fmt"
	"strings"
)

// FilterOp selects the predicate a Filter applies to one attribute.
type FilterOp uint8

const (
	OpEqual FilterOp = iota + 1
	OpRange
	OpOneOf
	OpPrefix
)

// RangeBound is one end of a range predicate.
type RangeBound struct {
	Value     Value
	Inclusive bool
}

// Filter is a single predicate over one named attribute. Use the
// constructors below; a zero Filter is invalid.
type Filter struct {
	Op     FilterOp
	Value  Value        // OpEqual
	Values []Value      // OpOneOf
	Prefix string       // OpPrefix
	Lower  *RangeBound  // OpRange, nil for unbounded
	Upper  *RangeBound  // OpRange, nil for unbounded
}

func EqualTo(v Value) Filter { return Filter{Op: OpEqual, Value: v} }

func OneOf(vs ...Value) Filter { return Filter{Op: OpOneOf, Values: vs} }

func HasPrefix(p string) Filter { return Filter{Op: OpPrefix, Prefix: p} }

func GreaterThan(v Value) Filter {
	return Filter{Op: OpRange, Lower: &RangeBound{Value: v}}
}

func GreaterOrEqual(v Value) Filter {
	return Filter{Op: OpRange, Lower: &RangeBound{Value: v, Inclusive: true}}
}

func LessThan(v Value) Filter {
	return Filter{Op: OpRange, Upper: &RangeBound{Value: v}}
}

func LessOrEqual(v Value) Filter {
	return Filter{Op: OpRange, Upper: &RangeBound{Value: v, Inclusive: true}}
}

// InRange combines two bounds. Either may be nil.
func InRange(lower, upper *RangeBound) Filter {
	return Filter{Op: OpRange, Lower: lower, Upper: upper}
}

func orderable(k ValueKind) bool {
	return k == KindNumber || k == KindString || k == KindDate
}

// Validate rejects predicates the store cannot translate: empty sets,
// prefix matches on non-strings and range bounds of mismatched or
// unorderable kinds.
func (f Filter) Validate() error {
	switch f.Op {
	case OpEqual:
		if f.Value.Kind() == KindInvalid {
			return fmt.Errorf("equality against an invalid value: %w", ErrInvalidFilter)
		}
	case OpOneOf:
		if len(f.Values) == 0 {
			return fmt.Errorf("oneOf with no values: %w", ErrInvalidFilter)
		}
		for _, v := range f.Values {
			if v.Kind() == KindInvalid {
				return fmt.Errorf("oneOf against an invalid value: %w", ErrInvalidFilter)
			}
		}
	case OpPrefix:
		// prefix matching is defined over strings only
	case OpRange:
		if f.Lower == nil && f.Upper == nil {
			return fmt.Errorf("range with no bounds: %w", ErrInvalidFilter)
		}
		for _, b := range []*RangeBound{f.Lower, f.Upper} {
			if b != nil && !orderable(b.Value.Kind()) {
				return fmt.Errorf("range over unorderable kind %d: %w", b.Value.Kind(), ErrInvalidFilter)
			}
		}
		if f.Lower != nil && f.Upper != nil && f.Lower.Value.Kind() != f.Upper.Value.Kind() {
			return fmt.Errorf("range bounds of mismatched kinds: %w", ErrInvalidFilter)
		}
	default:
		return fmt.Errorf("unknown filter op %d: %w", f.Op, ErrInvalidFilter)
	}
	return nil
}

// Matches evaluates the predicate against an attribute value. A record
// missing the attribute never matches.
func (f Filter) Matches(v Value, present bool) bool {
	if !present {
		return false
	}
	switch f.Op {
	case OpEqual:
		return f.Value.Equal(v)
	case OpOneOf:
		for _, c := range f.Values {
			if c.Equal(v) {
				return true
			}
		}
		return false
	case OpPrefix:
		s, ok := v.AsString()
		return ok && strings.HasPrefix(s, f.Prefix)
	case OpRange:
		if f.Lower != nil {
			c, err := v.Compare(f.Lower.Value)
			if err != nil || c < 0 || (c == 0 && !f.Lower.Inclusive) {
				return false
			}
		}
		if f.Upper != nil {
			c, err := v.Compare(f.Upper.Value)
			if err != nil || c > 0 || (c == 0 && !f.Upper.Inclusive) {
				return false
			}
		}
		return true
	}
	return false
}

// Filters is a disjunction of conjunction sets: a record matches when every
// predicate in at least one set matches. An empty Filters matches all
// records in the namespace.
type Filters struct {
	Sets []map[string]Filter
}

func NewFilters(sets ...map[string]Filter) Filters {
	return Filters{Sets: sets}
}

// Where is shorthand for a single conjunction set.
func Where(set map[string]Filter) Filters {
	return Filters{Sets: []map[string]Filter{set}}
}

func (f Filters) IsEmpty() bool {
	for _, set := range f.Sets {
		if len(set) > 0 {
			return false
		}
	}
	return true
}

func (f Filters) Validate() error {
	for _, set := range f.Sets {
		for name, flt := range set {
			if err := flt.Validate(); err != nil {
				return fmt.Errorf("attribute %q: %w", name, err)
			}
		}
	}
	return nil
}

// Match evaluates the filter against a record's index map.
func (f Filters) Match(idx IndexMap) bool {
	if f.IsEmpty() {
		return true
	}
	for _, set := range f.Sets {
		if len(set) == 0 {
			continue
		}
		all := true
		for name, flt := range set {
			v, ok := idx[name]
			if !flt.Matches(v, ok) {
				all = false
				break
			}
		}
		if all {
			return true
		}
	}
	return false
}

// SortDirection follows the wire convention of the protocol engine:
// 1 ascending, -1 descending.
type SortDirection int8

const (
	Ascending  SortDirection = 1
	Descending SortDirection = -1
)

// Sort orders query results by one indexed attribute. The record CID is
// always the tie-break, so pagination is stable under equal sort values.
// A nil *Sort orders by CID alone.
type Sort struct {
	Field     string
	Direction SortDirection
}

// Cursor is an opaque resumption token. Callers must not interpret it; a
// cursor is only valid against the filter and sort it was issued for.
type Cursor string

// Pagination bounds one query page.
type Pagination struct {
	Limit  int
	Cursor Cursor
}
