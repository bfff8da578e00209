// Package data is the content-addressed blob store. Payloads move as a
// bounded sequence of chunks in both directions, so a blob is never
// materialized in memory; the rolling digest computed during a streaming
// put must equal the expected data CID before any of it becomes visible.
package data

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	boxochunker "github.com/ipfs/boxo/chunker"
	"github.com/jgraettinger/cockroach-encoding/encoding"
	"github.com/sirupsen/logrus"
	"github.com/ulikunitz/xz"

	"github.com/dwn-go/store/internal/backend"
	"github.com/dwn-go/store/internal/codec"
	"github.com/dwn-go/store/internal/connection"
	"github.com/dwn-go/store/pkg/types"
)

// ChunkSize is the nominal chunk payload size.
const ChunkSize = 64 * 1024

const (
	spaceDesc  byte = 'd'
	spaceChunk byte = 'c'
)

var table = []byte("dat")

// descriptor commits a stored blob. Readers key off its presence: chunks
// without a descriptor are an in-flight or abandoned write.
type descriptor struct {
	Size       int64  `cbor:"size"`
	Chunks     uint64 `cbor:"chunks"`
	Compressed bool   `cbor:"compressed,omitempty"`
}

type Options struct {
	// Compress stores chunk payloads xz-compressed. The data CID is always
	// computed over the uncompressed content.
	Compress bool
}

type Store struct {
	mgr  *connection.Manager
	opts Options
	log  *logrus.Logger
}

func New(mgr *connection.Manager, opts Options, log *logrus.Logger) *Store {
	if log == nil {
		log = logrus.New()
	}
	return &Store{mgr: mgr, opts: opts, log: log}
}

func blobPrefix(space byte, tenant, recordID, dataCid string) []byte {
	k := append([]byte{}, table...)
	k = append(k, space)
	k = encoding.EncodeStringAscending(k, tenant)
	k = encoding.EncodeStringAscending(k, recordID)
	return encoding.EncodeStringAscending(k, dataCid)
}

func chunkKey(tenant, recordID, dataCid string, seq uint64) []byte {
	return encoding.EncodeUint64Ascending(blobPrefix(spaceChunk, tenant, recordID, dataCid), seq)
}

// PutStream consumes the payload from r in bounded chunks, persisting each
// with its sequence number while accumulating a rolling hash. The write
// commits only when the hash equals expectedDataCid; on a mismatch, a read
// error, or context cancellation every chunk written for this attempt is
// purged and nothing becomes visible.
func (s *Store) PutStream(ctx context.Context, tenant, recordID, expectedDataCid string, r io.Reader) (int64, error) {
	db, err := s.mgr.DB(ctx)
	if err != nil {
		return 0, err
	}

	digest := codec.NewDigestBuilder()
	splitter := boxochunker.NewSizeSplitter(r, ChunkSize)

	var seq uint64
	purge := func() {
		if perr := db.DeletePrefix(ctx, blobPrefix(spaceChunk, tenant, recordID, expectedDataCid)); perr != nil {
			s.log.WithError(perr).WithField("record", recordID).Warn("purging aborted blob write")
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			purge()
			return 0, backend.OpErr(ctx, err)
		}
		chunk, err := splitter.NextBytes()
		if err == io.EOF {
			break
		}
		if err != nil {
			purge()
			return 0, fmt.Errorf("reading payload chunk %d: %w", seq, err)
		}
		if _, err := digest.Write(chunk); err != nil {
			purge()
			return 0, err
		}
		stored := chunk
		if s.opts.Compress {
			if stored, err = compress(chunk); err != nil {
				purge()
				return 0, err
			}
		}
		if err := db.Put(ctx, chunkKey(tenant, recordID, expectedDataCid, seq), stored); err != nil {
			purge()
			return 0, fmt.Errorf("writing chunk %d: %w", seq, err)
		}
		seq++
	}

	computed, err := digest.Cid()
	if err != nil {
		purge()
		return 0, err
	}
	if err := codec.VerifyCid(computed, expectedDataCid); err != nil {
		purge()
		return 0, err
	}

	desc, _, err := codec.Encode(descriptor{
		Size:       digest.Size(),
		Chunks:     seq,
		Compressed: s.opts.Compress,
	})
	if err != nil {
		purge()
		return 0, err
	}
	if err := db.Put(ctx, blobPrefix(spaceDesc, tenant, recordID, expectedDataCid), desc); err != nil {
		purge()
		return 0, fmt.Errorf("committing blob %s: %w", expectedDataCid, err)
	}
	return digest.Size(), nil
}

// GetStream opens a lazy, ordered reader over the stored chunks. Aborting
// mid-stream (Close before EOF) has no effect on stored data; a fresh
// GetStream restarts from the first chunk.
func (s *Store) GetStream(ctx context.Context, tenant, recordID, dataCid string) (*Reader, error) {
	db, err := s.mgr.DB(ctx)
	if err != nil {
		return nil, err
	}
	raw, err := db.Get(ctx, blobPrefix(spaceDesc, tenant, recordID, dataCid))
	if err != nil {
		return nil, fmt.Errorf("blob %s: %w", dataCid, err)
	}
	var desc descriptor
	if err := codec.Decode(raw, &desc); err != nil {
		return nil, fmt.Errorf("blob %s descriptor: %w", dataCid, err)
	}
	return &Reader{
		ctx:      ctx,
		db:       db,
		tenant:   tenant,
		recordID: recordID,
		dataCid:  dataCid,
		size:     desc.Size,
		chunks:   desc.Chunks,
		compress: desc.Compressed,
	}, nil
}

// Delete removes the blob. The descriptor goes first, so no reader can
// observe a partially deleted blob; deleting an absent blob is not an
// error.
func (s *Store) Delete(ctx context.Context, tenant, recordID, dataCid string) error {
	db, err := s.mgr.DB(ctx)
	if err != nil {
		return err
	}
	if err := db.Delete(ctx, blobPrefix(spaceDesc, tenant, recordID, dataCid)); err != nil {
		return err
	}
	return db.DeletePrefix(ctx, blobPrefix(spaceChunk, tenant, recordID, dataCid))
}

// Purge removes every blob a tenant has stored.
func (s *Store) Purge(ctx context.Context, tenant string) error {
	db, err := s.mgr.DB(ctx)
	if err != nil {
		return err
	}
	for _, space := range []byte{spaceDesc, spaceChunk} {
		k := append([]byte{}, table...)
		k = append(k, space)
		if err := db.DeletePrefix(ctx, encoding.EncodeStringAscending(k, tenant)); err != nil {
			return fmt.Errorf("purging tenant %q blobs: %w", tenant, err)
		}
	}
	return nil
}

// Reader streams a blob chunk by chunk. It implements io.ReadCloser; Size
// reports the uncompressed payload length.
type Reader struct {
	ctx      context.Context
	db       backend.Backend
	tenant   string
	recordID string
	dataCid  string
	size     int64
	chunks   uint64
	compress bool

	next   uint64
	buf    []byte
	closed bool
}

func (r *Reader) Size() int64 { return r.size }

func (r *Reader) Read(p []byte) (int, error) {
	if r.closed {
		return 0, fmt.Errorf("read after close: %w", io.ErrClosedPipe)
	}
	for len(r.buf) == 0 {
		if r.next == r.chunks {
			return 0, io.EOF
		}
		chunk, err := r.db.Get(r.ctx, chunkKey(r.tenant, r.recordID, r.dataCid, r.next))
		if errors.Is(err, types.ErrNotFound) {
			return 0, fmt.Errorf("chunk %d of blob %s vanished: %w", r.next, r.dataCid, types.ErrIntegrityMismatch)
		}
		if err != nil {
			return 0, err
		}
		if r.compress {
			if chunk, err = decompress(chunk); err != nil {
				return 0, fmt.Errorf("chunk %d of blob %s: %w", r.next, r.dataCid, err)
			}
		}
		r.buf = chunk
		r.next++
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

func (r *Reader) Close() error {
	r.closed = true
	r.buf = nil
	return nil
}

func compress(chunk []byte) ([]byte, error) {
	var out bytes.Buffer
	w, err := xz.NewWriter(&out)
	if err != nil {
		return nil, fmt.Errorf("compressing chunk: %w", err)
	}
	if _, err := w.Write(chunk); err != nil {
		return nil, fmt.Errorf("compressing chunk: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("compressing chunk: %w", err)
	}
	return out.Bytes(), nil
}

func decompress(stored []byte) ([]byte, error) {
	rd, err := xz.NewReader(bytes.NewReader(stored))
	if err != nil {
		return nil, fmt.Errorf("decompressing chunk: %w", err)
	}
	return io.ReadAll(rd)
}
