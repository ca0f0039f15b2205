// Package ipld implements the identifier and codec layer: content
// identifiers, phantom-typed links, and canonical DAG-CBOR encode/decode.
// Every other package in the sphere core goes through this one to turn
// bytes into a CID or a CID back into bytes.
package ipld

import (
	"fmt"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multicodec"
	"github.com/multiformats/go-multihash"
)

// CID is the content identifier of a block: a self-describing hash of
// its canonical encoding, carrying codec and hash function.
type CID = cid.Cid

// Undef is the zero-value CID, used the way cid.Undef is used throughout
// the IPFS ecosystem: a sentinel for "no link."
var Undef = cid.Undef

// Codec enumerates the two block codecs spec.md recognizes.
type Codec uint64

const (
	// Raw blocks are opaque bytes: UCAN JWTs live here.
	Raw Codec = Codec(multicodec.Raw)
	// DagCbor blocks are canonical DAG-CBOR: every IPLD node in the
	// sphere (memos, HAMT nodes, changelogs, bodies) lives here.
	DagCbor Codec = Codec(multicodec.DagCbor)
)

// hashFn is sha2-256 for every block in this system; spec.md never asks
// for a second hash function, so there is no negotiation here.
const hashFn = multihash.SHA2_256

// ComputeCID derives the CID of already-encoded bytes under the given
// codec, for blocks (UCAN JWTs, raw body chunks) that bypass the CBOR
// codec path entirely.
func ComputeCID(codec Codec, data []byte) (CID, error) {
	mh, err := multihash.Sum(data, hashFn, -1)
	if err != nil {
		return Undef, fmt.Errorf("ipld: hash block: %w", err)
	}
	return cid.NewCidV1(uint64(codec), mh), nil
}

// Verify recomputes the CID of data and reports whether it matches c —
// the hash-verification every block-stream consumer must perform on
// ingest (Testable Properties: for all block-stream roots R and all CIDs
// C yielded, hash(bytes_of(C)) == C).
func Verify(c CID, data []byte) bool {
	codec := Codec(c.Type())
	got, err := ComputeCID(codec, data)
	if err != nil {
		return false
	}
	return got.Equals(c)
}

// Link is a CID phantomly tagged with the Go type it is expected to
// decode to. It carries no runtime behavior beyond the CID itself; the
// type parameter exists purely so call sites read as "link to a Memo"
// rather than "some CID."
type Link[T any] struct {
	CID CID
}

// NewLink wraps a CID as a typed link.
func NewLink[T any](c CID) Link[T] { return Link[T]{CID: c} }

// IsUndef reports whether the link points nowhere.
func (l Link[T]) IsUndef() bool { return l.CID == Undef }

func (l Link[T]) String() string { return l.CID.String() }

// Unwrap exposes the underlying CID to reflection-based link walkers
// (ExtractLinks) without requiring them to know the instantiated type T.
func (l Link[T]) Unwrap() CID { return l.CID }

// MarshalCBOR and UnmarshalCBOR let Link[T] participate directly in
// cbor.Marshal/Unmarshal as the [linkMarker, cidBytes] pair
// encodeCIDBytes writes, so the generic wrapper struct never shows up in
// the wire encoding.
func (l Link[T]) MarshalCBOR() ([]byte, error) {
	return encodeCIDBytes(l.CID)
}

func (l *Link[T]) UnmarshalCBOR(data []byte) error {
	c, err := decodeCIDBytes(data)
	if err != nil {
		return err
	}
	l.CID = c
	return nil
}
