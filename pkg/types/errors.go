package types

import "errors"

// Sentinel errors shared by every store. Callers match with errors.Is; each
// layer wraps these with context rather than inventing its own kinds.
var (
	// ErrConnection reports an unreachable or misconfigured backend. The
	// store never retries it.
	ErrConnection = errors.New("store: connection error")

	// ErrNotFound reports an absent key on get. Idempotent deletes do not
	// return it.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict reports a duplicate primary key or a lost atomic update
	// race, such as lease contention.
	ErrConflict = errors.New("store: conflict")

	// ErrIntegrityMismatch reports content whose computed hash disagrees
	// with the CID it was addressed by.
	ErrIntegrityMismatch = errors.New("store: integrity mismatch")

	// ErrInvalidFilter reports a malformed or type-incompatible query
	// predicate.
	ErrInvalidFilter = errors.New("store: invalid filter")

	// ErrLeaseExpired reports a stale lease presented to extend, complete
	// or fail.
	ErrLeaseExpired = errors.New("store: lease expired")

	// ErrTimeout reports an operation that exceeded the caller's bound.
	ErrTimeout = errors.New("store: timeout")
)
