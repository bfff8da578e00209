package records

import (
	"fmt"

	"github.com/jgraettinger/cockroach-encoding/encoding"

	"github.com/dwn-go/store/pkg/types"
)

// Key spaces under one table tag. Every component is run through the
// cockroach order-preserving encoding, so composite keys are
// self-terminating and sort bytewise in logical order.
//
//	<table> 'r' <tenant> <cid>                 record bytes
//	<table> 'm' <tenant> <cid>                 index map (CBOR)
//	<table> 'i' <tenant> <attr> <value> <cid>  index entry, empty value
const (
	spaceRecord byte = 'r'
	spaceMeta   byte = 'm'
	spaceIndex  byte = 'i'
)

// value kind tags prefixing the encoded payload. Distinct tags keep values
// of different kinds from interleaving in one attribute's range.
const (
	tagBool   byte = 0x01
	tagNumber byte = 0x02
	tagString byte = 0x03
	tagDate   byte = 0x04
)

func (e *Engine) space(space byte, tenant string) []byte {
	k := append([]byte{}, e.table...)
	k = append(k, space)
	return encoding.EncodeStringAscending(k, tenant)
}

func (e *Engine) recordKey(tenant, cid string) []byte {
	return encoding.EncodeStringAscending(e.space(spaceRecord, tenant), cid)
}

func (e *Engine) metaKey(tenant, cid string) []byte {
	return encoding.EncodeStringAscending(e.space(spaceMeta, tenant), cid)
}

func (e *Engine) attrPrefix(tenant, attr string) []byte {
	return encoding.EncodeStringAscending(e.space(spaceIndex, tenant), attr)
}

func (e *Engine) indexKey(tenant, attr string, v types.Value, cid string) ([]byte, error) {
	k, err := appendValue(e.attrPrefix(tenant, attr), v)
	if err != nil {
		return nil, err
	}
	return encoding.EncodeStringAscending(k, cid), nil
}

// appendValue appends the order-preserving encoding of v.
func appendValue(k []byte, v types.Value) ([]byte, error) {
	switch v.Kind() {
	case types.KindBool:
		b, _ := v.AsBool()
		k = append(k, tagBool)
		if b {
			return encoding.EncodeVarintAscending(k, 1), nil
		}
		return encoding.EncodeVarintAscending(k, 0), nil
	case types.KindNumber:
		n, _ := v.AsNumber()
		return encoding.EncodeFloatAscending(append(k, tagNumber), n), nil
	case types.KindString:
		s, _ := v.AsString()
		return encoding.EncodeStringAscending(append(k, tagString), s), nil
	case types.KindDate:
		// the fixed-width date string sorts chronologically
		return encoding.EncodeStringAscending(append(k, tagDate), v.String()), nil
	}
	return nil, fmt.Errorf("cannot index value of kind %d: %w", v.Kind(), types.ErrInvalidFilter)
}

// parseIndexKey decodes (value, cid) from an index entry key, after the
// attribute prefix has been stripped.
func parseIndexKey(rest []byte) (types.Value, string, error) {
	if len(rest) == 0 {
		return types.Value{}, "", fmt.Errorf("truncated index key")
	}
	tag, rest := rest[0], rest[1:]
	var (
		v   types.Value
		err error
	)
	switch tag {
	case tagBool:
		var n int64
		if rest, n, err = encoding.DecodeVarintAscending(rest); err != nil {
			return types.Value{}, "", err
		}
		v = types.Bool(n != 0)
	case tagNumber:
		var f float64
		if rest, f, err = encoding.DecodeFloatAscending(rest); err != nil {
			return types.Value{}, "", err
		}
		v = types.Number(f)
	case tagString:
		var s string
		if rest, s, err = encoding.DecodeUnsafeStringAscending(rest, nil); err != nil {
			return types.Value{}, "", err
		}
		v = types.String(s)
	case tagDate:
		var s string
		if rest, s, err = encoding.DecodeUnsafeStringAscending(rest, nil); err != nil {
			return types.Value{}, "", err
		}
		if v, err = types.DateFromString(s); err != nil {
			return types.Value{}, "", err
		}
	default:
		return types.Value{}, "", fmt.Errorf("unknown value tag 0x%02x", tag)
	}
	_, cid, err := encoding.DecodeUnsafeStringAscending(rest, nil)
	if err != nil {
		return types.Value{}, "", err
	}
	return v, cid, nil
}

// cidFromMetaKey decodes the CID component of a meta key, after the
// tenant prefix has been stripped.
func cidFromMetaKey(rest []byte) (string, error) {
	_, cid, err := encoding.DecodeUnsafeStringAscending(rest, nil)
	if err != nil {
		return "", fmt.Errorf("corrupt meta key: %w", err)
	}
	return cid, nil
}
