package records

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/dwn-go/store/internal/backend"
	"github.com/dwn-go/store/pkg/types"
)

// cursorWire is the decoded form of an opaque cursor: the sort value and
// CID of the last record a previous page returned. Value is nil for
// CID-ordered queries.
type cursorWire struct {
	_     struct{} `cbor:",toarray"`
	Value *types.Value
	Cid   string
}

func encodeCursor(v *types.Value, cid string) (types.Cursor, error) {
	raw, err := cbor.Marshal(cursorWire{Value: v, Cid: cid})
	if err != nil {
		return "", fmt.Errorf("encoding cursor: %w", err)
	}
	return types.Cursor(base64.RawURLEncoding.EncodeToString(raw)), nil
}

func decodeCursor(c types.Cursor, sorted bool) (*types.Value, string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(string(c))
	if err != nil {
		return nil, "", fmt.Errorf("undecodable cursor: %w", types.ErrInvalidFilter)
	}
	var w cursorWire
	if err := cbor.Unmarshal(raw, &w); err != nil {
		return nil, "", fmt.Errorf("undecodable cursor: %w", types.ErrInvalidFilter)
	}
	// a cursor is only valid against the sort it was issued for
	if sorted != (w.Value != nil) {
		return nil, "", fmt.Errorf("cursor does not match query sort: %w", types.ErrInvalidFilter)
	}
	return w.Value, w.Cid, nil
}

type emitFunc func(v *types.Value, cid string, indexes types.IndexMap) (bool, error)

// Query resolves a declarative filter against the tenant's records. With a
// sort, the engine walks that attribute's index range in order, tie-broken
// by record CID, so successive pages never duplicate or skip a record.
// Without a sort, records come back in CID order. Records missing the sort
// attribute are not reachable through that sort.
func (e *Engine) Query(ctx context.Context, tenant string, filters types.Filters, sort *types.Sort, page types.Pagination) ([]types.Record, types.Cursor, error) {
	if err := filters.Validate(); err != nil {
		return nil, "", err
	}
	if sort != nil && sort.Field == "" {
		return nil, "", fmt.Errorf("sort without a field: %w", types.ErrInvalidFilter)
	}
	db, err := e.mgr.DB(ctx)
	if err != nil {
		return nil, "", err
	}

	var (
		out        []types.Record
		nextCursor types.Cursor
		limit      = page.Limit
	)
	emit := func(v *types.Value, cid string, indexes types.IndexMap) (bool, error) {
		if !filters.Match(indexes) {
			return true, nil
		}
		data, err := db.Get(ctx, e.recordKey(tenant, cid))
		if errors.Is(err, types.ErrNotFound) {
			return true, nil // deleted mid-scan
		}
		if err != nil {
			return false, err
		}
		out = append(out, types.Record{Cid: cid, Bytes: data, Indexes: indexes})
		if limit > 0 && len(out) == limit {
			if nextCursor, err = encodeCursor(v, cid); err != nil {
				return false, err
			}
			return false, nil
		}
		return true, nil
	}

	if sort == nil {
		err = e.scanByCid(ctx, db, tenant, page.Cursor, emit)
	} else {
		err = e.scanBySort(ctx, db, tenant, *sort, page.Cursor, emit)
	}
	if err != nil {
		return nil, "", err
	}
	return out, nextCursor, nil
}

// scanBySort walks one attribute's index range. Index keys already sort by
// (encoded value, cid), so resumption is a plain seek past the cursor key.
func (e *Engine) scanBySort(ctx context.Context, db backend.Backend, tenant string, sort types.Sort, cursor types.Cursor, emit emitFunc) error {
	prefix := e.attrPrefix(tenant, sort.Field)
	reverse := sort.Direction == types.Descending

	var resumeKey []byte
	if cursor != "" {
		v, cid, err := decodeCursor(cursor, true)
		if err != nil {
			return err
		}
		if resumeKey, err = e.indexKey(tenant, sort.Field, *v, cid); err != nil {
			return err
		}
	}

	opts := backend.ScanOptions{Prefix: prefix, Reverse: reverse, KeysOnly: true}
	if resumeKey != nil {
		if reverse {
			// seek lands on the cursor entry itself; skipped below
			opts.Start = resumeKey
		} else {
			opts.Start = append(append([]byte{}, resumeKey...), 0x00)
		}
	}

	return db.Scan(ctx, opts, func(key, _ []byte) (bool, error) {
		if resumeKey != nil && bytes.Equal(key, resumeKey) {
			return true, nil
		}
		v, cid, err := parseIndexKey(key[len(prefix):])
		if err != nil {
			return false, fmt.Errorf("corrupt index key %x: %w", key, err)
		}
		indexes, err := e.loadIndexes(ctx, db, tenant, cid)
		if errors.Is(err, types.ErrNotFound) {
			return true, nil // record deleted, index entry lagging
		}
		if err != nil {
			return false, err
		}
		return emit(&v, cid, indexes)
	})
}

// scanByCid walks the tenant's meta space, which keys records by CID.
func (e *Engine) scanByCid(ctx context.Context, db backend.Backend, tenant string, cursor types.Cursor, emit emitFunc) error {
	prefix := e.space(spaceMeta, tenant)

	var resumeKey []byte
	if cursor != "" {
		_, cid, err := decodeCursor(cursor, false)
		if err != nil {
			return err
		}
		resumeKey = e.metaKey(tenant, cid)
	}

	opts := backend.ScanOptions{Prefix: prefix}
	if resumeKey != nil {
		opts.Start = append(append([]byte{}, resumeKey...), 0x00)
	}

	return db.Scan(ctx, opts, func(key, value []byte) (bool, error) {
		var indexes types.IndexMap
		if err := decodeMeta(value, &indexes); err != nil {
			return false, fmt.Errorf("corrupt index map at %x: %w", key, err)
		}
		cid, err := cidFromMetaKey(key[len(e.space(spaceMeta, tenant)):])
		if err != nil {
			return false, err
		}
		return emit(nil, cid, indexes)
	})
}
