// Package badgerdb is the embedded backend on BadgerDB. A badger:// target
// opens an on-disk store; an empty path runs badger in memory. Counters and
// conditional updates ride badger's serializable transactions, the change
// feed rides DB.Subscribe.
package badgerdb

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/pb"
	"github.com/sirupsen/logrus"

	"github.com/dwn-go/store/internal/backend"
	"github.com/dwn-go/store/pkg/types"
)

// casRetries bounds the internal conflict-retry loop of NextSeq. Conflicts
// only arise from concurrent appenders on the same counter key.
const casRetries = 32

func init() {
	backend.Register("badger", func(target backend.Target, opts backend.Options) (backend.Backend, error) {
		return Open(target.Path, opts)
	})
}

type Store struct {
	db  *badger.DB
	log *logrus.Logger
}

// Open opens the badger store at path, or in memory when path is empty.
func Open(path string, opts backend.Options) (*Store, error) {
	log := opts.Logger
	if log == nil {
		log = logrus.New()
	}

	var bopts badger.Options
	if path == "" {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := checkFreeSpace(path, opts.MinimumFreeGB); err != nil {
			return nil, fmt.Errorf("checking disk space for %q: %w", path, err)
		}
		bopts = badger.DefaultOptions(path)
	}
	bopts.Logger = nil
	bopts.ValueLogFileSize = 1024 * 1024 * 100

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("opening badger at %q: %v: %w", path, err, types.ErrConnection)
	}
	log.WithField("path", path).Debug("badger backend open")
	return &Store{db: db, log: log}, nil
}

func (s *Store) Get(ctx context.Context, key []byte) ([]byte, error) {
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if err == badger.ErrKeyNotFound {
		return nil, fmt.Errorf("key %x: %w", key, types.ErrNotFound)
	}
	if err != nil {
		return nil, backend.OpErr(ctx, err)
	}
	return value, nil
}

func (s *Store) Put(ctx context.Context, key, value []byte) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	})
	return backend.OpErr(ctx, err)
}

func (s *Store) Delete(ctx context.Context, key []byte) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
	return backend.OpErr(ctx, err)
}

func (s *Store) DeletePrefix(ctx context.Context, prefix []byte) error {
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()

	err := s.db.View(func(txn *badger.Txn) error {
		iopts := badger.DefaultIteratorOptions
		iopts.PrefetchValues = false
		iopts.Prefix = prefix
		it := txn.NewIterator(iopts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := wb.Delete(it.Item().KeyCopy(nil)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return backend.OpErr(ctx, err)
	}
	return backend.OpErr(ctx, wb.Flush())
}

func (s *Store) Scan(ctx context.Context, opts backend.ScanOptions, fn backend.ScanFunc) error {
	err := s.db.View(func(txn *badger.Txn) error {
		iopts := badger.DefaultIteratorOptions
		iopts.Prefix = opts.Prefix
		iopts.Reverse = opts.Reverse
		iopts.PrefetchValues = !opts.KeysOnly
		it := txn.NewIterator(iopts)
		defer it.Close()

		seek := opts.Start
		if seek == nil {
			if opts.Reverse {
				// position after the last key carrying the prefix
				seek = backend.PrefixEnd(opts.Prefix)
			} else {
				seek = opts.Prefix
			}
		}
		if opts.Reverse && seek == nil {
			it.Rewind()
		} else {
			it.Seek(seek)
		}

		for ; it.ValidForPrefix(opts.Prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			key := item.KeyCopy(nil)
			var value []byte
			if !opts.KeysOnly {
				var err error
				if value, err = item.ValueCopy(nil); err != nil {
					return err
				}
			}
			cont, err := fn(key, value)
			if err != nil {
				return err
			}
			if !cont {
				return nil
			}
		}
		return nil
	})
	return backend.OpErr(ctx, err)
}

func (s *Store) NextSeq(ctx context.Context, counter []byte, build func(seq uint64) (key, value []byte)) (uint64, error) {
	var seq uint64
	for attempt := 0; attempt < casRetries; attempt++ {
		err := s.db.Update(func(txn *badger.Txn) error {
			seq = 0
			item, err := txn.Get(counter)
			if err == nil {
				cur, err := item.ValueCopy(nil)
				if err != nil {
					return err
				}
				if len(cur) == 8 {
					seq = binary.BigEndian.Uint64(cur)
				}
			} else if err != badger.ErrKeyNotFound {
				return err
			}
			seq++
			enc := make([]byte, 8)
			binary.BigEndian.PutUint64(enc, seq)
			if err := txn.Set(counter, enc); err != nil {
				return err
			}
			key, value := build(seq)
			return txn.Set(key, value)
		})
		if err == nil {
			return seq, nil
		}
		if err != badger.ErrConflict {
			return 0, backend.OpErr(ctx, err)
		}
		if err := ctx.Err(); err != nil {
			return 0, backend.OpErr(ctx, err)
		}
	}
	return 0, fmt.Errorf("counter %x contended beyond %d attempts: %w", counter, casRetries, types.ErrConflict)
}

func (s *Store) CompareAndSwap(ctx context.Context, key, expect, next []byte) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		switch {
		case err == badger.ErrKeyNotFound:
			if expect != nil {
				return fmt.Errorf("key %x absent: %w", key, types.ErrConflict)
			}
		case err != nil:
			return err
		default:
			if expect == nil {
				return fmt.Errorf("key %x already present: %w", key, types.ErrConflict)
			}
			cur, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if !bytes.Equal(cur, expect) {
				return fmt.Errorf("key %x changed underfoot: %w", key, types.ErrConflict)
			}
		}
		if next == nil {
			return txn.Delete(key)
		}
		return txn.Set(key, next)
	})
	if err == badger.ErrConflict {
		return fmt.Errorf("key %x transaction conflict: %w", key, types.ErrConflict)
	}
	return backend.OpErr(ctx, err)
}

func (s *Store) Subscribe(ctx context.Context, prefix []byte, fn func(key, value []byte)) (func(), error) {
	subCtx, cancel := context.WithCancel(ctx)
	go func() {
		err := s.db.Subscribe(subCtx, func(kvs *badger.KVList) error {
			for _, kv := range kvs.Kv {
				if len(kv.Value) == 0 {
					continue // deletes carry no payload for listeners
				}
				fn(kv.Key, kv.Value)
			}
			return nil
		}, []pb.Match{{Prefix: prefix}})
		if err != nil && err != context.Canceled && subCtx.Err() == nil {
			s.log.WithError(err).Warn("badger change feed terminated")
		}
	}()
	return cancel, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
