package types

import (
	"fmt"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// ValueKind enumerates the attribute value types an index entry may carry.
type ValueKind uint8

const (
	KindInvalid ValueKind = iota
	KindBool
	KindNumber
	KindString
	KindDate
)

// dateFormat is fixed-width so that encoded dates sort chronologically.
const dateFormat = "2006-01-02T15:04:05.000000000Z"

// Value is one typed index attribute value. Values of the same kind are
// totally ordered; values of different kinds never compare.
type Value struct {
	kind ValueKind
	b    bool
	n    float64
	s    string
	t    time.Time
}

func Bool(b bool) Value      { return Value{kind: KindBool, b: b} }
func Number(n float64) Value { return Value{kind: KindNumber, n: n} }
func String(s string) Value  { return Value{kind: KindString, s: s} }

// Date truncates to UTC nanoseconds so encoding round-trips exactly.
func Date(t time.Time) Value { return Value{kind: KindDate, t: t.UTC()} }

// DateFromString parses the fixed-width form produced by Value.String for
// dates.
func DateFromString(s string) (Value, error) {
	t, err := time.Parse(dateFormat, s)
	if err != nil {
		return Value{}, fmt.Errorf("parsing date value %q: %w", s, err)
	}
	return Date(t), nil
}

func (v Value) Kind() ValueKind { return v.kind }

func (v Value) AsBool() (bool, bool)      { return v.b, v.kind == KindBool }
func (v Value) AsNumber() (float64, bool) { return v.n, v.kind == KindNumber }
func (v Value) AsString() (string, bool)  { return v.s, v.kind == KindString }
func (v Value) AsDate() (time.Time, bool) { return v.t, v.kind == KindDate }

func (v Value) String() string {
	switch v.kind {
	case KindBool:
		return fmt.Sprintf("%t", v.b)
	case KindNumber:
		return fmt.Sprintf("%g", v.n)
	case KindString:
		return v.s
	case KindDate:
		return v.t.Format(dateFormat)
	}
	return "<invalid>"
}

// Compare orders v against o. It returns an error when the kinds differ or
// the kind carries no ordering the store can index.
func (v Value) Compare(o Value) (int, error) {
	if v.kind != o.kind {
		return 0, fmt.Errorf("cannot compare %v against %v: %w", v.kind, o.kind, ErrInvalidFilter)
	}
	switch v.kind {
	case KindBool:
		if v.b == o.b {
			return 0, nil
		}
		if !v.b {
			return -1, nil
		}
		return 1, nil
	case KindNumber:
		switch {
		case v.n < o.n:
			return -1, nil
		case v.n > o.n:
			return 1, nil
		}
		return 0, nil
	case KindString:
		return strings.Compare(v.s, o.s), nil
	case KindDate:
		switch {
		case v.t.Before(o.t):
			return -1, nil
		case v.t.After(o.t):
			return 1, nil
		}
		return 0, nil
	}
	return 0, fmt.Errorf("value kind %d is not orderable: %w", v.kind, ErrInvalidFilter)
}

func (v Value) Equal(o Value) bool {
	c, err := v.Compare(o)
	return err == nil && c == 0
}

// IndexMap is the flat attribute name to value mapping a caller declares
// for a record at write time. The store never infers attributes.
type IndexMap map[string]Value

// wire form of a Value: a (kind, payload) pair. The payload for dates is
// the fixed-width UTC string so decoding is unambiguous.
type valueWire struct {
	_    struct{} `cbor:",toarray"`
	Kind ValueKind
	Raw  cbor.RawMessage
}

var (
	valueEnc cbor.EncMode
	valueDec cbor.DecMode
)

func init() {
	var err error
	if valueEnc, err = cbor.CoreDetEncOptions().EncMode(); err != nil {
		panic(err)
	}
	if valueDec, err = (cbor.DecOptions{}).DecMode(); err != nil {
		panic(err)
	}
}

func (v Value) MarshalCBOR() ([]byte, error) {
	var payload interface{}
	switch v.kind {
	case KindBool:
		payload = v.b
	case KindNumber:
		payload = v.n
	case KindString:
		payload = v.s
	case KindDate:
		payload = v.t.Format(dateFormat)
	default:
		return nil, fmt.Errorf("cannot encode value of kind %d", v.kind)
	}
	raw, err := valueEnc.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return valueEnc.Marshal(valueWire{Kind: v.kind, Raw: raw})
}

func (v *Value) UnmarshalCBOR(data []byte) error {
	var w valueWire
	if err := valueDec.Unmarshal(data, &w); err != nil {
		return err
	}
	switch w.Kind {
	case KindBool:
		var b bool
		if err := valueDec.Unmarshal(w.Raw, &b); err != nil {
			return err
		}
		*v = Bool(b)
	case KindNumber:
		var n float64
		if err := valueDec.Unmarshal(w.Raw, &n); err != nil {
			return err
		}
		*v = Number(n)
	case KindString:
		var s string
		if err := valueDec.Unmarshal(w.Raw, &s); err != nil {
			return err
		}
		*v = String(s)
	case KindDate:
		var s string
		if err := valueDec.Unmarshal(w.Raw, &s); err != nil {
			return err
		}
		t, err := time.Parse(dateFormat, s)
		if err != nil {
			return fmt.Errorf("decoding date value: %w", err)
		}
		*v = Date(t)
	default:
		return fmt.Errorf("cannot decode value of kind %d", w.Kind)
	}
	return nil
}
