package eventstream_test

import (
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dwn-go/store/internal/backend"
	_ "github.com/dwn-go/store/internal/backend/memory"
	"github.com/dwn-go/store/internal/connection"
	"github.com/dwn-go/store/internal/eventlog"
	"github.com/dwn-go/store/internal/eventstream"
	"github.com/dwn-go/store/pkg/types"
)

const tenant = "did:example:alice"

func newFixture(t *testing.T) (*eventlog.Log, *eventstream.Stream) {
	t.Helper()
	target, err := connection.ParseTarget("mem://")
	require.NoError(t, err)
	log := logrus.New()
	log.SetOutput(io.Discard)
	mgr := connection.NewManager(target, backend.Options{Logger: log})
	t.Cleanup(func() { mgr.Close() })
	stream := eventstream.New(mgr, 0, log)
	t.Cleanup(stream.Close)
	return eventlog.New(mgr, log), stream
}

func drain(sub *eventstream.Subscription, n int) []types.Event {
	var out []types.Event
	timeout := time.After(2 * time.Second)
	for len(out) < n {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			return out
		}
	}
	return out
}

func TestStream_DeliversMatchingEventsInOrder(t *testing.T) {
	ctx := context.Background()
	log, stream := newFixture(t)

	sub, err := stream.Subscribe(ctx, tenant, types.Where(map[string]types.Filter{
		"interface": types.EqualTo(types.String("Records")),
	}))
	require.NoError(t, err)
	defer sub.Close()

	// three matching, two not
	for i, iface := range []string{"Records", "Protocols", "Records", "Protocols", "Records"} {
		_, err := log.Append(ctx, tenant, fmt.Sprintf("cid-%d", i), types.IndexMap{
			"interface": types.String(iface),
		})
		require.NoError(t, err)
	}

	got := drain(sub, 3)
	require.Len(t, got, 3)
	assert.Equal(t, "cid-0", got[0].MessageCid)
	assert.Equal(t, "cid-2", got[1].MessageCid)
	assert.Equal(t, "cid-4", got[2].MessageCid)
	assert.Less(t, got[0].Watermark, got[1].Watermark)
	assert.Less(t, got[1].Watermark, got[2].Watermark)
}

func TestStream_TenantScoping(t *testing.T) {
	ctx := context.Background()
	log, stream := newFixture(t)

	sub, err := stream.Subscribe(ctx, tenant, types.Filters{})
	require.NoError(t, err)
	defer sub.Close()

	_, err = log.Append(ctx, "did:example:bob", "cid-bob", nil)
	require.NoError(t, err)
	_, err = log.Append(ctx, tenant, "cid-alice", nil)
	require.NoError(t, err)

	got := drain(sub, 1)
	require.Len(t, got, 1)
	assert.Equal(t, "cid-alice", got[0].MessageCid)
}

func TestStream_NoReplayOfEarlierEvents(t *testing.T) {
	ctx := context.Background()
	log, stream := newFixture(t)

	_, err := log.Append(ctx, tenant, "cid-before", nil)
	require.NoError(t, err)

	sub, err := stream.Subscribe(ctx, tenant, types.Filters{})
	require.NoError(t, err)
	defer sub.Close()

	_, err = log.Append(ctx, tenant, "cid-after", nil)
	require.NoError(t, err)

	got := drain(sub, 1)
	require.Len(t, got, 1)
	assert.Equal(t, "cid-after", got[0].MessageCid)
}

func TestStream_SubscribeRejectsInvalidFilters(t *testing.T) {
	ctx := context.Background()
	_, stream := newFixture(t)
	_, err := stream.Subscribe(ctx, tenant, types.Where(map[string]types.Filter{
		"seq": types.OneOf(),
	}))
	assert.ErrorIs(t, err, types.ErrInvalidFilter)
}

func TestStream_CloseStopsDelivery(t *testing.T) {
	ctx := context.Background()
	log, stream := newFixture(t)

	sub, err := stream.Subscribe(ctx, tenant, types.Filters{})
	require.NoError(t, err)
	sub.Close()
	sub.Close() // closing twice is harmless

	_, err = log.Append(ctx, tenant, "cid-x", nil)
	require.NoError(t, err)

	_, ok := <-sub.Events()
	assert.False(t, ok, "channel is closed after Close")
}

func TestStream_UnsubscribeById(t *testing.T) {
	ctx := context.Background()
	_, stream := newFixture(t)

	sub, err := stream.Subscribe(ctx, tenant, types.Filters{})
	require.NoError(t, err)
	stream.Unsubscribe(sub.ID())

	_, ok := <-sub.Events()
	assert.False(t, ok)
}

func TestStream_ClosedStreamRefusesSubscribe(t *testing.T) {
	ctx := context.Background()
	_, stream := newFixture(t)
	stream.Close()
	_, err := stream.Subscribe(ctx, tenant, types.Filters{})
	assert.ErrorIs(t, err, types.ErrConnection)
}
