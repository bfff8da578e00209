// Package records is the shared indexed record store engine. Each store
// instantiates it with a table tag; the engine persists the record bytes,
// the caller-declared index map, and one order-preserving index entry per
// attribute, then translates declarative filters into backend range scans.
package records

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/dwn-go/store/internal/backend"
	"github.com/dwn-go/store/internal/codec"
	"github.com/dwn-go/store/internal/connection"
	"github.com/dwn-go/store/pkg/types"
)

type Engine struct {
	table []byte
	mgr   *connection.Manager
	log   *logrus.Logger
}

func NewEngine(table string, mgr *connection.Manager, log *logrus.Logger) *Engine {
	if log == nil {
		log = logrus.New()
	}
	return &Engine{table: []byte(table), mgr: mgr, log: log}
}

// Put stores encoded record bytes under (tenant, cid) with the supplied
// index attributes. Re-putting an existing cid is a no-op: the record is
// content-addressed, so identical bytes are already present and the
// original index attributes are retained.
func (e *Engine) Put(ctx context.Context, tenant, cid string, data []byte, indexes types.IndexMap) error {
	db, err := e.mgr.DB(ctx)
	if err != nil {
		return err
	}
	if _, err := db.Get(ctx, e.metaKey(tenant, cid)); err == nil {
		e.log.WithFields(logrus.Fields{"tenant": tenant, "cid": cid}).
			Debug("record already present, retaining original indexes")
		return nil
	} else if !errors.Is(err, types.ErrNotFound) {
		return err
	}

	meta, _, err := codec.Encode(indexes)
	if err != nil {
		return fmt.Errorf("encoding index map: %w", err)
	}
	if err := db.Put(ctx, e.recordKey(tenant, cid), data); err != nil {
		return fmt.Errorf("writing record %s: %w", cid, err)
	}
	for name, v := range indexes {
		ik, err := e.indexKey(tenant, name, v, cid)
		if err != nil {
			return err
		}
		if err := db.Put(ctx, ik, []byte{}); err != nil {
			return fmt.Errorf("writing index entry %s/%s: %w", cid, name, err)
		}
	}
	// the meta entry commits the record: queries and idempotency checks
	// key off its presence
	if err := db.Put(ctx, e.metaKey(tenant, cid), meta); err != nil {
		return fmt.Errorf("writing index map %s: %w", cid, err)
	}
	return nil
}

// Get returns the record stored under (tenant, cid).
func (e *Engine) Get(ctx context.Context, tenant, cid string) (types.Record, error) {
	db, err := e.mgr.DB(ctx)
	if err != nil {
		return types.Record{}, err
	}
	meta, err := db.Get(ctx, e.metaKey(tenant, cid))
	if err != nil {
		return types.Record{}, fmt.Errorf("record %s: %w", cid, err)
	}
	data, err := db.Get(ctx, e.recordKey(tenant, cid))
	if err != nil {
		return types.Record{}, fmt.Errorf("record %s: %w", cid, err)
	}
	var indexes types.IndexMap
	if err := codec.Decode(meta, &indexes); err != nil {
		return types.Record{}, fmt.Errorf("record %s index map: %w", cid, err)
	}
	return types.Record{Cid: cid, Bytes: data, Indexes: indexes}, nil
}

// Delete removes the record and all of its index entries. Deleting an
// absent cid is not an error.
func (e *Engine) Delete(ctx context.Context, tenant, cid string) error {
	db, err := e.mgr.DB(ctx)
	if err != nil {
		return err
	}
	meta, err := db.Get(ctx, e.metaKey(tenant, cid))
	if errors.Is(err, types.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("record %s: %w", cid, err)
	}
	var indexes types.IndexMap
	if err := codec.Decode(meta, &indexes); err != nil {
		return fmt.Errorf("record %s index map: %w", cid, err)
	}
	// meta goes first so the record disappears from queries before its
	// index entries are unlinked
	if err := db.Delete(ctx, e.metaKey(tenant, cid)); err != nil {
		return err
	}
	for name, v := range indexes {
		ik, kerr := e.indexKey(tenant, name, v, cid)
		if kerr != nil {
			continue // unindexable value was never written
		}
		if err := db.Delete(ctx, ik); err != nil {
			return err
		}
	}
	return db.Delete(ctx, e.recordKey(tenant, cid))
}

// Purge removes every record, index map and index entry for a tenant.
func (e *Engine) Purge(ctx context.Context, tenant string) error {
	db, err := e.mgr.DB(ctx)
	if err != nil {
		return err
	}
	for _, space := range []byte{spaceIndex, spaceMeta, spaceRecord} {
		if err := db.DeletePrefix(ctx, e.space(space, tenant)); err != nil {
			return fmt.Errorf("purging tenant %q: %w", tenant, err)
		}
	}
	return nil
}

func decodeMeta(data []byte, m *types.IndexMap) error {
	return codec.Decode(data, m)
}

func (e *Engine) loadIndexes(ctx context.Context, db backend.Backend, tenant, cid string) (types.IndexMap, error) {
	meta, err := db.Get(ctx, e.metaKey(tenant, cid))
	if err != nil {
		return nil, err
	}
	var indexes types.IndexMap
	if err := codec.Decode(meta, &indexes); err != nil {
		return nil, err
	}
	return indexes, nil
}
