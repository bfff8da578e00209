// Package eventlog is the append-only, per-tenant ordered log of message
// CIDs. Watermarks come from an atomically incremented counter on the
// backing store, so concurrent appenders to one tenant are totally ordered
// and gap-free; appenders to different tenants never contend.
package eventlog

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/jgraettinger/cockroach-encoding/encoding"
	"github.com/sirupsen/logrus"

	"github.com/dwn-go/store/internal/backend"
	"github.com/dwn-go/store/internal/codec"
	"github.com/dwn-go/store/internal/connection"
	"github.com/dwn-go/store/pkg/types"
)

const (
	spaceEvent   byte = 'e'
	spaceCounter byte = 'w'
)

var table = []byte("evt")

type Log struct {
	mgr *connection.Manager
	log *logrus.Logger
}

func New(mgr *connection.Manager, log *logrus.Logger) *Log {
	if log == nil {
		log = logrus.New()
	}
	return &Log{mgr: mgr, log: log}
}

// Prefix is the change-feed prefix covering one tenant's event entries.
// The event stream subscribes on it.
func Prefix(tenant string) []byte {
	k := append([]byte{}, table...)
	k = append(k, spaceEvent)
	return encoding.EncodeStringAscending(k, tenant)
}

func counterKey(tenant string) []byte {
	k := append([]byte{}, table...)
	k = append(k, spaceCounter)
	return encoding.EncodeStringAscending(k, tenant)
}

func eventKey(tenant string, watermark uint64) []byte {
	return encoding.EncodeUint64Ascending(Prefix(tenant), watermark)
}

// DecodeEvent decodes a stored event entry. Exported for the event stream,
// which receives raw change-feed values.
func DecodeEvent(value []byte) (types.Event, error) {
	var ev types.Event
	if err := codec.Decode(value, &ev); err != nil {
		return types.Event{}, fmt.Errorf("decoding event entry: %w", err)
	}
	return ev, nil
}

// Append assigns the tenant's next watermark and writes the entry in the
// same transaction. The message's index attributes ride along so log reads
// and live subscriptions can filter with the query language.
func (l *Log) Append(ctx context.Context, tenant, messageCid string, indexes types.IndexMap) (uint64, error) {
	db, err := l.mgr.DB(ctx)
	if err != nil {
		return 0, err
	}
	now := time.Now().UTC()
	var encodeErr error
	wm, err := db.NextSeq(ctx, counterKey(tenant), func(seq uint64) ([]byte, []byte) {
		value, _, err := codec.Encode(types.Event{
			Watermark:  seq,
			MessageCid: messageCid,
			Timestamp:  now,
			Indexes:    indexes,
		})
		if err != nil {
			encodeErr = err
			return eventKey(tenant, seq), nil
		}
		return eventKey(tenant, seq), value
	})
	if err != nil {
		return 0, fmt.Errorf("appending event for %s: %w", messageCid, err)
	}
	if encodeErr != nil {
		// the placeholder entry must not survive an encoding failure
		if derr := db.Delete(ctx, eventKey(tenant, wm)); derr != nil {
			l.log.WithError(derr).Warn("removing unencodable event entry")
		}
		return 0, encodeErr
	}
	return wm, nil
}

// Read returns events strictly after the cursor's watermark in ascending
// order. An empty cursor starts from the beginning of the log.
func (l *Log) Read(ctx context.Context, tenant string, cursor types.Cursor, limit int) ([]types.Event, types.Cursor, error) {
	return l.Query(ctx, tenant, types.Filters{}, cursor, limit)
}

// Query is Read with filter predicates evaluated against each event's
// index attributes. Watermarks of filtered-out events are skipped, not
// renumbered.
func (l *Log) Query(ctx context.Context, tenant string, filters types.Filters, cursor types.Cursor, limit int) ([]types.Event, types.Cursor, error) {
	if err := filters.Validate(); err != nil {
		return nil, "", err
	}
	db, err := l.mgr.DB(ctx)
	if err != nil {
		return nil, "", err
	}

	after, err := decodeCursor(cursor)
	if err != nil {
		return nil, "", err
	}

	prefix := Prefix(tenant)
	opts := backend.ScanOptions{Prefix: prefix}
	if after > 0 {
		opts.Start = eventKey(tenant, after+1)
	}

	var out []types.Event
	err = db.Scan(ctx, opts, func(_, value []byte) (bool, error) {
		ev, err := DecodeEvent(value)
		if err != nil {
			return false, err
		}
		if !filters.Match(ev.Indexes) {
			return true, nil
		}
		out = append(out, ev)
		return limit <= 0 || len(out) < limit, nil
	})
	if err != nil {
		return nil, "", err
	}

	var next types.Cursor
	if len(out) > 0 {
		next = encodeCursor(out[len(out)-1].Watermark)
	}
	return out, next, nil
}

// Purge wipes the tenant's log and watermark counter. This is the only
// deletion path; gaps a reader observes afterwards are intentional.
func (l *Log) Purge(ctx context.Context, tenant string) error {
	db, err := l.mgr.DB(ctx)
	if err != nil {
		return err
	}
	if err := db.DeletePrefix(ctx, Prefix(tenant)); err != nil {
		return fmt.Errorf("purging tenant %q events: %w", tenant, err)
	}
	return db.Delete(ctx, counterKey(tenant))
}

func encodeCursor(watermark uint64) types.Cursor {
	raw := make([]byte, 8)
	binary.BigEndian.PutUint64(raw, watermark)
	return types.Cursor(base64.RawURLEncoding.EncodeToString(raw))
}

func decodeCursor(c types.Cursor) (uint64, error) {
	if c == "" {
		return 0, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(string(c))
	if err != nil || len(raw) != 8 {
		return 0, fmt.Errorf("undecodable event cursor: %w", types.ErrInvalidFilter)
	}
	return binary.BigEndian.Uint64(raw), nil
}
