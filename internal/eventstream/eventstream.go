// Package eventstream re-emits event log appends to live subscribers. It
// rides the backend's change feed, multiplexed per tenant, with the same
// filter predicates queries use. The registry belongs to the Stream
// instance and dies with it; there is no process-global state.
//
// Delivery is push-based and best-effort by design: events appended before
// subscription, or while a subscriber lags, are not replayed. Callers that
// need gap-free history pair a subscription with event log reads from a
// cursor taken before subscribing.
package eventstream

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/dwn-go/store/internal/connection"
	"github.com/dwn-go/store/internal/eventlog"
	"github.com/dwn-go/store/pkg/types"
)

// DefaultBuffer is the per-subscriber channel depth before events drop.
const DefaultBuffer = 128

type Stream struct {
	mgr    *connection.Manager
	buffer int
	log    *logrus.Logger

	mu     sync.Mutex
	subs   map[string]*Subscription
	closed bool
}

func New(mgr *connection.Manager, buffer int, log *logrus.Logger) *Stream {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if log == nil {
		log = logrus.New()
	}
	return &Stream{mgr: mgr, buffer: buffer, log: log, subs: make(map[string]*Subscription)}
}

// Subscription is one registered listener. Events arrive on Events() in
// per-tenant watermark order until Close.
type Subscription struct {
	id      string
	tenant  string
	ch      chan types.Event
	cancel  func()
	stream  *Stream
	closeMu sync.Once
}

func (s *Subscription) ID() string                 { return s.id }
func (s *Subscription) Events() <-chan types.Event { return s.ch }

// Close stops delivery and releases the change-feed registration. It is
// safe to call more than once.
func (s *Subscription) Close() {
	s.closeMu.Do(func() {
		s.cancel()
		s.stream.mu.Lock()
		delete(s.stream.subs, s.id)
		s.stream.mu.Unlock()
		close(s.ch)
	})
}

// Subscribe registers a listener for events appended to the tenant's log
// after this call. A full subscriber buffer drops the event rather than
// stalling the feed.
func (s *Stream) Subscribe(ctx context.Context, tenant string, filters types.Filters) (*Subscription, error) {
	if err := filters.Validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("event stream closed: %w", types.ErrConnection)
	}
	s.mu.Unlock()

	db, err := s.mgr.DB(ctx)
	if err != nil {
		return nil, err
	}

	sub := &Subscription{
		id:     uuid.NewString(),
		tenant: tenant,
		ch:     make(chan types.Event, s.buffer),
		stream: s,
	}
	deliver := func(_, value []byte) {
		ev, err := eventlog.DecodeEvent(value)
		if err != nil {
			s.log.WithError(err).Warn("dropping undecodable change-feed entry")
			return
		}
		if !filters.Match(ev.Indexes) {
			return
		}
		select {
		case sub.ch <- ev:
		default:
			s.log.WithFields(logrus.Fields{
				"subscription": sub.id,
				"tenant":       tenant,
				"watermark":    ev.Watermark,
			}).Warn("subscriber lagging, dropping event")
		}
	}
	cancel, err := db.Subscribe(ctx, eventlog.Prefix(tenant), deliver)
	if err != nil {
		return nil, fmt.Errorf("registering change-feed listener: %w", err)
	}
	sub.cancel = cancel

	s.mu.Lock()
	s.subs[sub.id] = sub
	s.mu.Unlock()
	return sub, nil
}

// Unsubscribe closes the subscription with the given id, if it is live.
func (s *Stream) Unsubscribe(id string) {
	s.mu.Lock()
	sub, ok := s.subs[id]
	s.mu.Unlock()
	if ok {
		sub.Close()
	}
}

// Close tears down every live subscription. The Stream is unusable after.
func (s *Stream) Close() {
	s.mu.Lock()
	s.closed = true
	subs := make([]*Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()
	for _, sub := range subs {
		sub.Close()
	}
}
