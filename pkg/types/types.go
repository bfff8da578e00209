// Package types holds the value, filter and record types shared by every
// store in the module. It has no dependency on any backend.
package types

import "time"

// Message is a DWN message envelope. The store treats it as an opaque,
// CBOR-serializable document; validation belongs to the protocol engine.
type Message map[string]interface{}

// Record is one stored envelope with the indexes declared at write time.
type Record struct {
	Cid     string
	Bytes   []byte
	Indexes IndexMap
}

// Event is one event log entry. The watermark is strictly increasing and
// gap-free per tenant. Indexes are carried from the message so that log
// reads and live subscriptions share the same filter language.
type Event struct {
	Watermark  uint64    `cbor:"watermark"`
	MessageCid string    `cbor:"messageCid"`
	Timestamp  time.Time `cbor:"timestamp"`
	Indexes    IndexMap  `cbor:"indexes,omitempty"`
}

// TaskState is the lifecycle state of a resumable task.
type TaskState uint8

const (
	TaskPending TaskState = iota + 1
	TaskLeased
	TaskCompleted
	TaskFailed
)

func (s TaskState) String() string {
	switch s {
	case TaskPending:
		return "pending"
	case TaskLeased:
		return "leased"
	case TaskCompleted:
		return "completed"
	case TaskFailed:
		return "failed"
	}
	return "unknown"
}

// Task is one unit of resumable work. LeaseID and ExpiresAt are only
// meaningful while State is TaskLeased; expiry is evaluated against the
// backing store's clock, never the caller's.
type Task struct {
	ID        string    `cbor:"id"`
	Payload   []byte    `cbor:"payload"`
	State     TaskState `cbor:"state"`
	Attempts  int       `cbor:"attempts"`
	LeaseID   string    `cbor:"leaseId,omitempty"`
	ExpiresAt time.Time `cbor:"expiresAt,omitempty"`
	CreatedAt time.Time `cbor:"createdAt"`
}
