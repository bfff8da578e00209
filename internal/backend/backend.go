// Package backend defines the capability interface every backing database
// must satisfy: namespaced key-value CRUD, ordered range scans, an atomic
// per-key counter, compare-and-swap, and a change feed. The stores above it
// never coordinate through in-process locks; counters and conditional
// updates on the backend are the only cross-caller primitives.
package backend

import (
	"context"
	"errors"
	"fmt"

	"github.com/dwn-go/store/pkg/types"
)

// ScanOptions bounds one ordered key scan. Keys are compared bytewise.
type ScanOptions struct {
	// Prefix restricts the scan to keys carrying this prefix.
	Prefix []byte
	// Start, when set, is the first key visited (inclusive) for forward
	// scans and the last-possible key for reverse scans. It must carry
	// Prefix.
	Start []byte
	// Reverse walks keys in descending order.
	Reverse bool
	// KeysOnly skips value loading where the backend supports it.
	KeysOnly bool
}

// ScanFunc receives one entry per call. Returning false stops the scan
// without error. Key and value are only valid for the duration of the call.
type ScanFunc func(key, value []byte) (bool, error)

// Backend is the capability interface. Implementations must be safe for
// concurrent use by many logical operations sharing one handle.
type Backend interface {
	Get(ctx context.Context, key []byte) ([]byte, error)
	Put(ctx context.Context, key, value []byte) error

	// Delete is idempotent: deleting an absent key is not an error.
	Delete(ctx context.Context, key []byte) error

	// DeletePrefix removes every key carrying prefix in one atomic batch.
	DeletePrefix(ctx context.Context, prefix []byte) error

	Scan(ctx context.Context, opts ScanOptions, fn ScanFunc) error

	// NextSeq atomically increments the counter stored at counter and, in
	// the same transaction, writes the entry produced by build from the new
	// sequence number. The first sequence handed out is 1. Implementations
	// retry internal write conflicts a bounded number of times.
	NextSeq(ctx context.Context, counter []byte, build func(seq uint64) (key, value []byte)) (uint64, error)

	// CompareAndSwap replaces the value at key only when the stored value
	// equals expect. A nil expect asserts the key is absent; a nil next
	// deletes the key. A lost race reports types.ErrConflict.
	CompareAndSwap(ctx context.Context, key, expect, next []byte) error

	// Subscribe registers a change-feed listener for keys carrying prefix.
	// fn observes committed writes in commit order; it must not block.
	// The returned cancel func releases the subscription.
	Subscribe(ctx context.Context, prefix []byte, fn func(key, value []byte)) (func(), error)

	Close() error
}

// OpErr maps a context failure onto the store error taxonomy and otherwise
// returns err unchanged. Backends call it on every I/O exit path.
func OpErr(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%v: %w", err, types.ErrTimeout)
	}
	return err
}

// PrefixEnd returns the smallest key greater than every key carrying
// prefix, or nil when no such key exists (an all-0xff prefix).
func PrefixEnd(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}
