// Package codec is the canonical record codec. Records are encoded as
// deterministic CBOR so the CID is a pure function of the content; two
// encodings of the same envelope always produce identical bytes. Message
// records address as dag-cbor, raw blob payloads address as raw.
package codec

import (
	"crypto/sha256"
	"fmt"
	"hash"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"

	"github.com/dwn-go/store/pkg/types"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	if encMode, err = cbor.CoreDetEncOptions().EncMode(); err != nil {
		panic(err)
	}
	// decode CBOR maps as map[string]interface{} so envelopes round-trip
	// into types.Message
	if decMode, err = (cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]interface{}{}),
	}).DecMode(); err != nil {
		panic(err)
	}
}

// Encode serializes v canonically and returns the encoded bytes with the
// dag-cbor CID addressing them.
func Encode(v interface{}) ([]byte, cid.Cid, error) {
	data, err := encMode.Marshal(v)
	if err != nil {
		return nil, cid.Undef, fmt.Errorf("encoding record: %w", err)
	}
	c, err := CidOf(data)
	if err != nil {
		return nil, cid.Undef, err
	}
	return data, c, nil
}

// Decode deserializes encoded record bytes into v.
func Decode(data []byte, v interface{}) error {
	if err := decMode.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decoding record: %w", err)
	}
	return nil
}

// CidOf addresses encoded record bytes: CIDv1, dag-cbor, sha2-256.
func CidOf(data []byte) (cid.Cid, error) {
	mh, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		return cid.Undef, fmt.Errorf("hashing record: %w", err)
	}
	return cid.NewCidV1(cid.DagCBOR, mh), nil
}

// DigestBuilder accumulates streamed payload bytes and yields the raw-codec
// CID of their concatenation. The data store feeds it chunk by chunk so a
// blob is never materialized to compute its address.
type DigestBuilder struct {
	h    hash.Hash
	size int64
}

func NewDigestBuilder() *DigestBuilder {
	return &DigestBuilder{h: sha256.New()}
}

func (b *DigestBuilder) Write(p []byte) (int, error) {
	b.size += int64(len(p))
	return b.h.Write(p)
}

func (b *DigestBuilder) Size() int64 { return b.size }

// Cid finalizes the digest: CIDv1, raw, sha2-256.
func (b *DigestBuilder) Cid() (cid.Cid, error) {
	mh, err := multihash.Encode(b.h.Sum(nil), multihash.SHA2_256)
	if err != nil {
		return cid.Undef, fmt.Errorf("building payload multihash: %w", err)
	}
	return cid.NewCidV1(cid.Raw, mh), nil
}

// VerifyCid checks a computed CID against the address the caller supplied.
func VerifyCid(computed cid.Cid, expected string) error {
	want, err := cid.Decode(expected)
	if err != nil {
		return fmt.Errorf("parsing expected cid %q: %w", expected, err)
	}
	if !computed.Equals(want) {
		return fmt.Errorf("computed %s, expected %s: %w", computed, want, types.ErrIntegrityMismatch)
	}
	return nil
}
