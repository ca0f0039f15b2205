package hamt

import (
	"github.com/subconsciousnetwork/noosphere-sub001/internal/ipld"
)

// KV is one key/value pair held inline in a leaf bucket. Value is a
// Link so the map's domain can point at any node type (memo revisions,
// blobs, sub-sphere content) without KV itself needing a type parameter
// for every caller.
type KV[T any] struct {
	Key   []byte       `cbor:"k"`
	Value ipld.Link[T] `cbor:"v"`
}

// Pointer is one of the fanOut slots a Node's bitmap marks present.
// Exactly one of Child or KVs is populated: Child for a slot that has
// overflowed into a subtree, KVs for a slot still holding an inline
// bucket of at most maxArrayWidth entries.
type Pointer[T any] struct {
	Child ipld.Link[Node[T]] `cbor:"child,omitempty"`
	KVs   []KV[T]            `cbor:"kvs,omitempty"`
}

func (p Pointer[T]) isChild() bool { return !p.Child.IsUndef() }

// Node is the persisted, immutable shape of one trie level: a 256-bit
// presence bitmap plus one Pointer per set bit, in ascending index
// order. Grounded on the filecoin-project/go-hamt-ipld node shape
// (cited, not imported — see DESIGN.md), generalized to any Key via the
// Key interface instead of committing to string keys.
type Node[T any] struct {
	Bitmap   []byte       `cbor:"bitmap"`
	Pointers []Pointer[T] `cbor:"pointers"`
	// Overflow holds keys whose hash was exhausted before a unique slot
	// was found (maxDepth trie levels deep) — astronomically rare at 128
	// bits of hash, but a real map has to have somewhere to put them.
	Overflow []KV[T] `cbor:"overflow,omitempty"`
}

func emptyNode[T any]() Node[T] {
	return Node[T]{Bitmap: make([]byte, fanOut/8)}
}
