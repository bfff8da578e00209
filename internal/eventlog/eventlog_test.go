package eventlog_test

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dwn-go/store/internal/backend"
	_ "github.com/dwn-go/store/internal/backend/memory"
	"github.com/dwn-go/store/internal/connection"
	"github.com/dwn-go/store/internal/eventlog"
	"github.com/dwn-go/store/pkg/types"
)

const tenant = "did:example:alice"

func newLog(t *testing.T) *eventlog.Log {
	t.Helper()
	target, err := connection.ParseTarget("mem://")
	require.NoError(t, err)
	log := logrus.New()
	log.SetOutput(io.Discard)
	mgr := connection.NewManager(target, backend.Options{Logger: log})
	t.Cleanup(func() { mgr.Close() })
	return eventlog.New(mgr, log)
}

func TestLog_AppendAssignsMonotonicWatermarks(t *testing.T) {
	ctx := context.Background()
	l := newLog(t)

	for i := 1; i <= 5; i++ {
		wm, err := l.Append(ctx, tenant, fmt.Sprintf("cid-%d", i), nil)
		require.NoError(t, err)
		assert.Equal(t, uint64(i), wm)
	}
}

func TestLog_ConcurrentAppendsAreGapFree(t *testing.T) {
	ctx := context.Background()
	l := newLog(t)

	const n = 50
	var wg sync.WaitGroup
	wms := make(chan uint64, n)
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			wm, err := l.Append(ctx, tenant, fmt.Sprintf("cid-%d", i), nil)
			assert.NoError(t, err)
			wms <- wm
		}()
	}
	wg.Wait()
	close(wms)

	seen := make(map[uint64]bool)
	for wm := range wms {
		assert.False(t, seen[wm], "watermark %d assigned twice", wm)
		seen[wm] = true
	}
	for i := uint64(1); i <= n; i++ {
		assert.True(t, seen[i], "watermark %d missing", i)
	}
}

func TestLog_TenantCountersAreIndependent(t *testing.T) {
	ctx := context.Background()
	l := newLog(t)

	wmA, err := l.Append(ctx, tenant, "cid-a", nil)
	require.NoError(t, err)
	wmB, err := l.Append(ctx, "did:example:bob", "cid-b", nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), wmA)
	assert.Equal(t, uint64(1), wmB)
}

func TestLog_ReadWithCursor(t *testing.T) {
	ctx := context.Background()
	l := newLog(t)

	for i := 1; i <= 7; i++ {
		_, err := l.Append(ctx, tenant, fmt.Sprintf("cid-%d", i), nil)
		require.NoError(t, err)
	}

	first, cursor, err := l.Read(ctx, tenant, "", 3)
	require.NoError(t, err)
	require.Len(t, first, 3)
	assert.Equal(t, uint64(1), first[0].Watermark)
	assert.Equal(t, uint64(3), first[2].Watermark)
	require.NotEmpty(t, cursor)

	rest, _, err := l.Read(ctx, tenant, cursor, 0)
	require.NoError(t, err)
	require.Len(t, rest, 4)
	assert.Equal(t, uint64(4), rest[0].Watermark, "cursor resumption is exclusive")
	assert.Equal(t, uint64(7), rest[3].Watermark)

	// replaying the same cursor yields the same page
	again, _, err := l.Read(ctx, tenant, cursor, 0)
	require.NoError(t, err)
	assert.Equal(t, rest, again)
}

func TestLog_ReadBadCursor(t *testing.T) {
	ctx := context.Background()
	l := newLog(t)
	_, _, err := l.Read(ctx, tenant, "!!bogus!!", 0)
	assert.ErrorIs(t, err, types.ErrInvalidFilter)
}

func TestLog_QueryFiltersWithoutRenumbering(t *testing.T) {
	ctx := context.Background()
	l := newLog(t)

	for i := 1; i <= 6; i++ {
		iface := "Records"
		if i%2 == 0 {
			iface = "Protocols"
		}
		_, err := l.Append(ctx, tenant, fmt.Sprintf("cid-%d", i), types.IndexMap{
			"interface": types.String(iface),
		})
		require.NoError(t, err)
	}

	events, _, err := l.Query(ctx, tenant, types.Where(map[string]types.Filter{
		"interface": types.EqualTo(types.String("Records")),
	}), "", 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, uint64(1), events[0].Watermark)
	assert.Equal(t, uint64(3), events[1].Watermark)
	assert.Equal(t, uint64(5), events[2].Watermark)
}

func TestLog_Purge(t *testing.T) {
	ctx := context.Background()
	l := newLog(t)

	for i := 1; i <= 3; i++ {
		_, err := l.Append(ctx, tenant, fmt.Sprintf("cid-%d", i), nil)
		require.NoError(t, err)
	}
	require.NoError(t, l.Purge(ctx, tenant))

	events, _, err := l.Read(ctx, tenant, "", 0)
	require.NoError(t, err)
	assert.Empty(t, events)

	// the counter restarts with the log
	wm, err := l.Append(ctx, tenant, "cid-after", nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), wm)
}
