// Package messages is the message store: DWN message envelopes keyed by
// CID, namespaced by tenant, indexed by the descriptor attributes the
// protocol engine declares at write time.
package messages

import (
	"context"
	"fmt"

	ipldcid "github.com/ipfs/go-cid"
	"github.com/sirupsen/logrus"

	"github.com/dwn-go/store/internal/codec"
	"github.com/dwn-go/store/internal/connection"
	"github.com/dwn-go/store/internal/records"
	"github.com/dwn-go/store/pkg/types"
)

const table = "msg"

type Store struct {
	eng *records.Engine
	log *logrus.Logger
}

func New(mgr *connection.Manager, log *logrus.Logger) *Store {
	if log == nil {
		log = logrus.New()
	}
	return &Store{eng: records.NewEngine(table, mgr, log), log: log}
}

// Put encodes the envelope canonically and stores it under its CID. Putting
// a message whose content is already stored is a no-op; the indexes from
// the first insertion are retained, so callers cannot mutate an existing
// message's attributes by re-putting it.
func (s *Store) Put(ctx context.Context, tenant string, message types.Message, indexes types.IndexMap) (ipldcid.Cid, error) {
	data, c, err := codec.Encode(map[string]interface{}(message))
	if err != nil {
		return ipldcid.Undef, err
	}
	if err := s.eng.Put(ctx, tenant, c.String(), data, indexes); err != nil {
		return ipldcid.Undef, err
	}
	return c, nil
}

// Get returns the decoded envelope stored under cid.
func (s *Store) Get(ctx context.Context, tenant, cid string) (types.Message, error) {
	if _, err := ipldcid.Decode(cid); err != nil {
		return nil, fmt.Errorf("parsing cid %q: %w", cid, types.ErrNotFound)
	}
	rec, err := s.eng.Get(ctx, tenant, cid)
	if err != nil {
		return nil, err
	}
	var msg types.Message
	if err := codec.Decode(rec.Bytes, &msg); err != nil {
		return nil, fmt.Errorf("message %s: %w", cid, err)
	}
	return msg, nil
}

// Query resolves a multi-field descriptor filter with stable pagination.
func (s *Store) Query(ctx context.Context, tenant string, filters types.Filters, sort *types.Sort, page types.Pagination) ([]types.Message, types.Cursor, error) {
	recs, cursor, err := s.eng.Query(ctx, tenant, filters, sort, page)
	if err != nil {
		return nil, "", err
	}
	msgs := make([]types.Message, 0, len(recs))
	for _, rec := range recs {
		var msg types.Message
		if err := codec.Decode(rec.Bytes, &msg); err != nil {
			return nil, "", fmt.Errorf("message %s: %w", rec.Cid, err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, cursor, nil
}

// Delete removes the message and its index entries. The caller coordinates
// any matching event log entry; the store does not cascade. Deleting an
// absent cid is not an error.
func (s *Store) Delete(ctx context.Context, tenant, cid string) error {
	return s.eng.Delete(ctx, tenant, cid)
}

// Purge removes every message a tenant has stored.
func (s *Store) Purge(ctx context.Context, tenant string) error {
	return s.eng.Purge(ctx, tenant)
}
