// Package tasks is the lease-based resumable task store. Every state
// transition is one conditional update on the backing store, so two
// concurrent callers can never both hold a live lease on the same task and
// a crashed holder's lease simply times out on the store's clock.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jgraettinger/cockroach-encoding/encoding"
	"github.com/sirupsen/logrus"

	"github.com/dwn-go/store/internal/backend"
	"github.com/dwn-go/store/internal/clock"
	"github.com/dwn-go/store/internal/codec"
	"github.com/dwn-go/store/internal/connection"
	"github.com/dwn-go/store/pkg/types"
)

// DefaultMaxAttempts bounds retries before a task fails terminally.
const DefaultMaxAttempts = 3

var table = []byte("tsk")

type Options struct {
	// MaxAttempts is the attempt budget per task; zero means
	// DefaultMaxAttempts.
	MaxAttempts int
	// Clock is the store-side clock. Leave nil outside tests.
	Clock clock.Clock
}

type Store struct {
	mgr  *connection.Manager
	opts Options
	log  *logrus.Logger
}

func New(mgr *connection.Manager, opts Options, log *logrus.Logger) *Store {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}
	if log == nil {
		log = logrus.New()
	}
	return &Store{mgr: mgr, opts: opts, log: log}
}

func tenantPrefix(tenant string) []byte {
	k := append([]byte{}, table...)
	k = append(k, 't')
	return encoding.EncodeStringAscending(k, tenant)
}

func taskKey(tenant, id string) []byte {
	return encoding.EncodeStringAscending(tenantPrefix(tenant), id)
}

// Enqueue creates a task in Pending and returns its id.
func (s *Store) Enqueue(ctx context.Context, tenant string, payload []byte) (string, error) {
	db, err := s.mgr.DB(ctx)
	if err != nil {
		return "", err
	}
	task := types.Task{
		ID:        uuid.NewString(),
		Payload:   payload,
		State:     types.TaskPending,
		CreatedAt: s.opts.Clock.Now(),
	}
	enc, _, err := codec.Encode(task)
	if err != nil {
		return "", err
	}
	if err := db.CompareAndSwap(ctx, taskKey(tenant, task.ID), nil, enc); err != nil {
		return "", fmt.Errorf("enqueueing task: %w", err)
	}
	return task.ID, nil
}

// Get returns the stored task.
func (s *Store) Get(ctx context.Context, tenant, id string) (types.Task, error) {
	task, _, err := s.load(ctx, tenant, id)
	return task, err
}

// Acquire leases up to maxCount tasks that are Pending or whose lease has
// expired. Each grab is a conditional update, so a task lost to a
// concurrent caller is skipped, never double-leased. Expiry is server
// time plus leaseDuration.
func (s *Store) Acquire(ctx context.Context, tenant string, maxCount int, leaseDuration time.Duration) ([]types.Task, error) {
	if maxCount <= 0 {
		return nil, nil
	}
	db, err := s.mgr.DB(ctx)
	if err != nil {
		return nil, err
	}
	now := s.opts.Clock.Now()

	var acquired []types.Task
	err = db.Scan(ctx, backend.ScanOptions{Prefix: tenantPrefix(tenant)}, func(key, value []byte) (bool, error) {
		var task types.Task
		if err := codec.Decode(value, &task); err != nil {
			return false, fmt.Errorf("corrupt task entry at %x: %w", key, err)
		}
		if !acquirable(task, now) {
			return true, nil
		}
		leased := task
		leased.State = types.TaskLeased
		leased.LeaseID = uuid.NewString()
		leased.ExpiresAt = now.Add(leaseDuration)
		enc, _, err := codec.Encode(leased)
		if err != nil {
			return false, err
		}
		switch err := db.CompareAndSwap(ctx, key, value, enc); {
		case errors.Is(err, types.ErrConflict):
			return true, nil // lost the race, move on
		case err != nil:
			return false, err
		}
		acquired = append(acquired, leased)
		return len(acquired) < maxCount, nil
	})
	if err != nil {
		return nil, err
	}
	return acquired, nil
}

func acquirable(task types.Task, now time.Time) bool {
	switch task.State {
	case types.TaskPending:
		return true
	case types.TaskLeased:
		return !task.ExpiresAt.After(now)
	}
	return false
}

// Extend renews a live lease: the new expiry is server time plus
// additional. A stale or mismatched lease reports ErrLeaseExpired.
func (s *Store) Extend(ctx context.Context, tenant, id, leaseID string, additional time.Duration) error {
	return s.withLease(ctx, tenant, id, leaseID, func(task types.Task) (*types.Task, error) {
		task.ExpiresAt = s.opts.Clock.Now().Add(additional)
		return &task, nil
	})
}

// Complete finishes the task and removes it. A repeated Complete with the
// same lease reports the task gone.
func (s *Store) Complete(ctx context.Context, tenant, id, leaseID string) error {
	return s.withLease(ctx, tenant, id, leaseID, func(types.Task) (*types.Task, error) {
		return nil, nil // delete
	})
}

// Fail charges an attempt. With retry and attempts remaining the task
// returns to Pending for the next Acquire; otherwise it fails terminally.
func (s *Store) Fail(ctx context.Context, tenant, id, leaseID string, retry bool) error {
	return s.withLease(ctx, tenant, id, leaseID, func(task types.Task) (*types.Task, error) {
		task.Attempts++
		task.LeaseID = ""
		task.ExpiresAt = time.Time{}
		if retry && task.Attempts < s.opts.MaxAttempts {
			task.State = types.TaskPending
		} else {
			task.State = types.TaskFailed
		}
		return &task, nil
	})
}

// ReapExpired returns every expired-lease task to Pending. This is the
// sole recovery path after a lease holder dies without completing.
func (s *Store) ReapExpired(ctx context.Context, tenant string) (int, error) {
	db, err := s.mgr.DB(ctx)
	if err != nil {
		return 0, err
	}
	now := s.opts.Clock.Now()

	reaped := 0
	err = db.Scan(ctx, backend.ScanOptions{Prefix: tenantPrefix(tenant)}, func(key, value []byte) (bool, error) {
		var task types.Task
		if err := codec.Decode(value, &task); err != nil {
			return false, fmt.Errorf("corrupt task entry at %x: %w", key, err)
		}
		if task.State != types.TaskLeased || task.ExpiresAt.After(now) {
			return true, nil
		}
		task.State = types.TaskPending
		task.LeaseID = ""
		task.ExpiresAt = time.Time{}
		enc, _, err := codec.Encode(task)
		if err != nil {
			return false, err
		}
		switch err := db.CompareAndSwap(ctx, key, value, enc); {
		case errors.Is(err, types.ErrConflict):
			return true, nil // re-leased or completed underfoot
		case err != nil:
			return false, err
		}
		reaped++
		return true, nil
	})
	if err != nil {
		return 0, err
	}
	if reaped > 0 {
		s.log.WithFields(logrus.Fields{"tenant": tenant, "count": reaped}).
			Info("reclaimed expired task leases")
	}
	return reaped, nil
}

// Purge removes every task a tenant has queued.
func (s *Store) Purge(ctx context.Context, tenant string) error {
	db, err := s.mgr.DB(ctx)
	if err != nil {
		return err
	}
	return db.DeletePrefix(ctx, tenantPrefix(tenant))
}

func (s *Store) load(ctx context.Context, tenant, id string) (types.Task, []byte, error) {
	db, err := s.mgr.DB(ctx)
	if err != nil {
		return types.Task{}, nil, err
	}
	raw, err := db.Get(ctx, taskKey(tenant, id))
	if err != nil {
		return types.Task{}, nil, fmt.Errorf("task %s: %w", id, err)
	}
	var task types.Task
	if err := codec.Decode(raw, &task); err != nil {
		return types.Task{}, nil, fmt.Errorf("task %s: %w", id, err)
	}
	return task, raw, nil
}

// withLease loads the task, checks the lease is live against the store
// clock, and applies mutate as a conditional update. mutate returning nil
// deletes the task. Losing the update race means the lease moved on, which
// reports as ErrLeaseExpired.
func (s *Store) withLease(ctx context.Context, tenant, id, leaseID string, mutate func(types.Task) (*types.Task, error)) error {
	db, err := s.mgr.DB(ctx)
	if err != nil {
		return err
	}
	task, raw, err := s.load(ctx, tenant, id)
	if err != nil {
		return err
	}
	now := s.opts.Clock.Now()
	if task.State != types.TaskLeased || task.LeaseID != leaseID || !task.ExpiresAt.After(now) {
		return fmt.Errorf("task %s lease %s: %w", id, leaseID, types.ErrLeaseExpired)
	}
	next, err := mutate(task)
	if err != nil {
		return err
	}
	var enc []byte
	if next != nil {
		if enc, _, err = codec.Encode(*next); err != nil {
			return err
		}
	}
	if err := db.CompareAndSwap(ctx, taskKey(tenant, id), raw, enc); err != nil {
		if errors.Is(err, types.ErrConflict) {
			return fmt.Errorf("task %s lease %s: %w", id, leaseID, types.ErrLeaseExpired)
		}
		return err
	}
	return nil
}
