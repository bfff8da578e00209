// Package memory is the in-memory backend. It exists for mem:// targets
// and as the reference implementation the capability-interface tests run
// against: a mutex-guarded ordered map with a synchronous change feed.
package memory

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	"github.com/dwn-go/store/internal/backend"
	"github.com/dwn-go/store/pkg/types"
)

func init() {
	backend.Register("mem", func(_ backend.Target, _ backend.Options) (backend.Backend, error) {
		return New(), nil
	})
}

type subscriber struct {
	prefix []byte
	fn     func(key, value []byte)
}

// Store implements backend.Backend over a plain map. Notifications are
// serialized under notifyMu so subscribers observe commit order.
type Store struct {
	mu       sync.RWMutex
	data     map[string][]byte
	closed   bool
	notifyMu sync.Mutex
	subsMu   sync.Mutex
	subs     map[int]*subscriber
	nextSub  int
}

func New() *Store {
	return &Store{
		data: make(map[string][]byte),
		subs: make(map[int]*subscriber),
	}
}

func (s *Store) Get(ctx context.Context, key []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, backend.OpErr(ctx, err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[string(key)]
	if !ok {
		return nil, fmt.Errorf("key %q: %w", key, types.ErrNotFound)
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (s *Store) Put(ctx context.Context, key, value []byte) error {
	if err := ctx.Err(); err != nil {
		return backend.OpErr(ctx, err)
	}
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	s.mu.Lock()
	stored := make([]byte, len(value))
	copy(stored, value)
	s.data[string(key)] = stored
	s.mu.Unlock()
	s.notify(key, stored)
	return nil
}

func (s *Store) Delete(ctx context.Context, key []byte) error {
	if err := ctx.Err(); err != nil {
		return backend.OpErr(ctx, err)
	}
	s.mu.Lock()
	delete(s.data, string(key))
	s.mu.Unlock()
	return nil
}

func (s *Store) DeletePrefix(ctx context.Context, prefix []byte) error {
	if err := ctx.Err(); err != nil {
		return backend.OpErr(ctx, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.data {
		if bytes.HasPrefix([]byte(k), prefix) {
			delete(s.data, k)
		}
	}
	return nil
}

func (s *Store) Scan(ctx context.Context, opts backend.ScanOptions, fn backend.ScanFunc) error {
	if err := ctx.Err(); err != nil {
		return backend.OpErr(ctx, err)
	}
	s.mu.RLock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		if bytes.HasPrefix([]byte(k), opts.Prefix) {
			keys = append(keys, k)
		}
	}
	s.mu.RUnlock()

	sort.Strings(keys)
	if opts.Reverse {
		for i, j := 0, len(keys)-1; i < j; i, j = i+1, j-1 {
			keys[i], keys[j] = keys[j], keys[i]
		}
	}
	for _, k := range keys {
		if opts.Start != nil {
			if !opts.Reverse && bytes.Compare([]byte(k), opts.Start) < 0 {
				continue
			}
			if opts.Reverse && bytes.Compare([]byte(k), opts.Start) > 0 {
				continue
			}
		}
		s.mu.RLock()
		v, ok := s.data[k]
		s.mu.RUnlock()
		if !ok {
			continue
		}
		cont, err := fn([]byte(k), v)
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
	}
	return nil
}

func (s *Store) NextSeq(ctx context.Context, counter []byte, build func(seq uint64) (key, value []byte)) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, backend.OpErr(ctx, err)
	}
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	s.mu.Lock()
	var seq uint64
	if cur, ok := s.data[string(counter)]; ok && len(cur) == 8 {
		seq = binary.BigEndian.Uint64(cur)
	}
	seq++
	enc := make([]byte, 8)
	binary.BigEndian.PutUint64(enc, seq)
	s.data[string(counter)] = enc

	key, value := build(seq)
	stored := make([]byte, len(value))
	copy(stored, value)
	s.data[string(key)] = stored
	s.mu.Unlock()
	s.notify(key, stored)
	return seq, nil
}

func (s *Store) CompareAndSwap(ctx context.Context, key, expect, next []byte) error {
	if err := ctx.Err(); err != nil {
		return backend.OpErr(ctx, err)
	}
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	s.mu.Lock()
	cur, ok := s.data[string(key)]
	if expect == nil {
		if ok {
			s.mu.Unlock()
			return fmt.Errorf("key %q already present: %w", key, types.ErrConflict)
		}
	} else {
		if !ok || !bytes.Equal(cur, expect) {
			s.mu.Unlock()
			return fmt.Errorf("key %q changed underfoot: %w", key, types.ErrConflict)
		}
	}
	if next == nil {
		delete(s.data, string(key))
		s.mu.Unlock()
		return nil
	}
	stored := make([]byte, len(next))
	copy(stored, next)
	s.data[string(key)] = stored
	s.mu.Unlock()
	s.notify(key, stored)
	return nil
}

func (s *Store) Subscribe(ctx context.Context, prefix []byte, fn func(key, value []byte)) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, backend.OpErr(ctx, err)
	}
	s.subsMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = &subscriber{prefix: prefix, fn: fn}
	s.subsMu.Unlock()

	cancel := func() {
		s.subsMu.Lock()
		delete(s.subs, id)
		s.subsMu.Unlock()
	}
	go func() {
		<-ctx.Done()
		cancel()
	}()
	return cancel, nil
}

// notify runs under notifyMu so feed order matches commit order.
func (s *Store) notify(key, value []byte) {
	s.subsMu.Lock()
	subs := make([]*subscriber, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.subsMu.Unlock()
	for _, sub := range subs {
		if bytes.HasPrefix(key, sub.prefix) {
			sub.fn(key, value)
		}
	}
}

func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
