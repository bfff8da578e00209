package data_test

import (
	"bytes"
	"context"
	"io"
	"math/rand"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dwn-go/store/internal/backend"
	_ "github.com/dwn-go/store/internal/backend/memory"
	"github.com/dwn-go/store/internal/codec"
	"github.com/dwn-go/store/internal/connection"
	"github.com/dwn-go/store/internal/data"
	"github.com/dwn-go/store/pkg/types"
)

const (
	tenant   = "did:example:alice"
	recordID = "bafyrecord"
)

func newStore(t *testing.T, opts data.Options) *data.Store {
	t.Helper()
	target, err := connection.ParseTarget("mem://")
	require.NoError(t, err)
	log := logrus.New()
	log.SetOutput(io.Discard)
	mgr := connection.NewManager(target, backend.Options{Logger: log})
	t.Cleanup(func() { mgr.Close() })
	return data.New(mgr, opts, log)
}

func payloadAndCid(t *testing.T, n int) ([]byte, string) {
	t.Helper()
	payload := make([]byte, n)
	rand.New(rand.NewSource(int64(n))).Read(payload)
	d := codec.NewDigestBuilder()
	_, err := d.Write(payload)
	require.NoError(t, err)
	c, err := d.Cid()
	require.NoError(t, err)
	return payload, c.String()
}

func TestStore_RoundTripMultiChunk(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, data.Options{})

	// five full chunks plus a partial tail
	payload, dataCid := payloadAndCid(t, 5*data.ChunkSize+100)

	size, err := s.PutStream(ctx, tenant, recordID, dataCid, bytes.NewReader(payload))
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), size)

	r, err := s.GetStream(ctx, tenant, recordID, dataCid)
	require.NoError(t, err)
	defer r.Close()
	assert.Equal(t, int64(len(payload)), r.Size())

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(payload, got))
}

func TestStore_RoundTripCompressed(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, data.Options{Compress: true})

	payload, dataCid := payloadAndCid(t, 2*data.ChunkSize+17)
	_, err := s.PutStream(ctx, tenant, recordID, dataCid, bytes.NewReader(payload))
	require.NoError(t, err)

	r, err := s.GetStream(ctx, tenant, recordID, dataCid)
	require.NoError(t, err)
	defer r.Close()
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(payload, got))
}

func TestStore_EmptyPayload(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, data.Options{})

	payload, dataCid := payloadAndCid(t, 0)
	size, err := s.PutStream(ctx, tenant, recordID, dataCid, bytes.NewReader(payload))
	require.NoError(t, err)
	assert.Zero(t, size)

	r, err := s.GetStream(ctx, tenant, recordID, dataCid)
	require.NoError(t, err)
	defer r.Close()
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestStore_IntegrityMismatchLeavesNothing(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, data.Options{})

	payload, _ := payloadAndCid(t, 3*data.ChunkSize)
	_, wrongCid := payloadAndCid(t, 64) // address of different content

	_, err := s.PutStream(ctx, tenant, recordID, wrongCid, bytes.NewReader(payload))
	assert.ErrorIs(t, err, types.ErrIntegrityMismatch)

	// the failed write must not be retrievable
	_, err = s.GetStream(ctx, tenant, recordID, wrongCid)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestStore_GetAbsent(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, data.Options{})
	_, dataCid := payloadAndCid(t, 8)
	_, err := s.GetStream(ctx, tenant, recordID, dataCid)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestStore_TenantAndRecordScoping(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, data.Options{})

	payload, dataCid := payloadAndCid(t, 256)
	_, err := s.PutStream(ctx, tenant, recordID, dataCid, bytes.NewReader(payload))
	require.NoError(t, err)

	_, err = s.GetStream(ctx, "did:example:bob", recordID, dataCid)
	assert.ErrorIs(t, err, types.ErrNotFound, "tenants are isolated")
	_, err = s.GetStream(ctx, tenant, "other-record", dataCid)
	assert.ErrorIs(t, err, types.ErrNotFound, "blobs are scoped to their record")
}

func TestStore_Delete(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, data.Options{})

	payload, dataCid := payloadAndCid(t, 2*data.ChunkSize)
	_, err := s.PutStream(ctx, tenant, recordID, dataCid, bytes.NewReader(payload))
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, tenant, recordID, dataCid))
	require.NoError(t, s.Delete(ctx, tenant, recordID, dataCid), "delete is idempotent")
	_, err = s.GetStream(ctx, tenant, recordID, dataCid)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestStore_Purge(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, data.Options{})

	p1, c1 := payloadAndCid(t, 100)
	p2, c2 := payloadAndCid(t, 200)
	_, err := s.PutStream(ctx, tenant, "rec1", c1, bytes.NewReader(p1))
	require.NoError(t, err)
	_, err = s.PutStream(ctx, "did:example:bob", "rec2", c2, bytes.NewReader(p2))
	require.NoError(t, err)

	require.NoError(t, s.Purge(ctx, tenant))
	_, err = s.GetStream(ctx, tenant, "rec1", c1)
	assert.ErrorIs(t, err, types.ErrNotFound)
	_, err = s.GetStream(ctx, "did:example:bob", "rec2", c2)
	assert.NoError(t, err, "other tenants survive a purge")
}

func TestReader_ReadAfterClose(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, data.Options{})

	payload, dataCid := payloadAndCid(t, 64)
	_, err := s.PutStream(ctx, tenant, recordID, dataCid, bytes.NewReader(payload))
	require.NoError(t, err)

	r, err := s.GetStream(ctx, tenant, recordID, dataCid)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	_, err = r.Read(make([]byte, 8))
	assert.Error(t, err)
}
