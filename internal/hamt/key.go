package hamt

import (
	"bytes"
	"encoding/binary"

	"github.com/spaolacci/murmur3"

	"github.com/subconsciousnetwork/noosphere-sub001/internal/ipld"
)

// Key is anything that can address a slot in the trie: a petname, a
// sphere-relative path, or a CID itself (VersionedMap is generalized
// over string OR CID keys rather than committing to one).
type Key interface {
	Bytes() []byte
}

// StringKey addresses the trie by an arbitrary string, the common case
// (address book petnames, body paths).
type StringKey string

func (k StringKey) Bytes() []byte { return []byte(k) }

// CIDKey addresses the trie by a CID's own bytes, used where the map's
// domain is content identifiers rather than names.
type CIDKey struct{ CID ipld.CID }

func (k CIDKey) Bytes() []byte { return k.CID.Bytes() }

func keysEqual(a, b []byte) bool { return bytes.Equal(a, b) }

// digest is the 128-bit key hash, sliced 8 bits per trie level by
// index(). murmur3's native 128-bit sum gives one wide hash in a single
// call; the pack's dependency on spaolacci/murmur3 (pulled in
// transitively by Synnergy/erigon) is promoted to direct here.
type digest [maxDepth]byte

func hashKey(k []byte) digest {
	var d digest
	h1, h2 := murmur3.Sum128(k)
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[0:8], h1)
	binary.BigEndian.PutUint64(buf[8:16], h2)
	copy(d[:], buf[:])
	return d
}

// index returns the child index a key's digest selects at depth, and
// whether the digest still has bits left to give — false past maxDepth,
// the hash-exhausted edge case.
func index(d digest, depth int) (int, bool) {
	if depth >= maxDepth {
		return 0, false
	}
	return int(d[depth]), true
}
