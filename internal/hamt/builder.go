package hamt

import (
	"bytes"
	"context"
	"sort"

	"github.com/subconsciousnetwork/noosphere-sub001/internal/errs"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/ipld"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/storage"
)

// memNode is the mutable, in-memory counterpart to Node[T]. Builder
// loads a base root's entire subtree into one of these at construction
// time and mutates it freely; nothing here ever touches a persisted
// block, so no persisted Node is ever mutated in place — Flush always
// produces fresh blocks under fresh CIDs, leaving whatever the base
// root pointed at untouched (and collectible once nothing references
// it, the garbage the replication engine's orphan tracking accounts
// for).
type memNode[T any] struct {
	bitmap   bitmap
	pointers []memPointer[T] // dense, parallels bitmap's set bits in ascending index order
	overflow []KV[T]         // hash-exhausted keys, see Node.Overflow
}

type memPointer[T any] struct {
	child *memNode[T] // non-nil for a slot that has overflowed into a subtree
	kvs   []KV[T]     // non-nil for a slot still holding an inline bucket
}

func newMemNode[T any]() *memNode[T] { return &memNode[T]{} }

// Builder is the mutable scratch overlay every map mutation happens
// against. It is constructed over a base persisted root (or no root, for
// an empty map) and Flush persists the result as new blocks.
type Builder[T any] struct {
	store storage.BlockStore
	root  *memNode[T]
}

// NewBuilder opens a Builder over base — the root link of an existing
// persisted map, or the zero Link for a brand new, empty map.
func NewBuilder[T any](ctx context.Context, store storage.BlockStore, base ipld.Link[Node[T]]) (*Builder[T], error) {
	root, err := loadMemNode[T](ctx, store, base)
	if err != nil {
		return nil, err
	}
	return &Builder[T]{store: store, root: root}, nil
}

func loadMemNode[T any](ctx context.Context, store storage.BlockStore, link ipld.Link[Node[T]]) (*memNode[T], error) {
	if link.IsUndef() {
		return newMemNode[T](), nil
	}
	block, err := store.GetBlock(ctx, link.CID)
	if err != nil {
		return nil, err
	}
	var wire Node[T]
	if err := ipld.Decode(block.Bytes, &wire); err != nil {
		return nil, errs.Wrap(errs.CorruptBlock, err)
	}
	mn := &memNode[T]{bitmap: bitmapFromBytes(wire.Bitmap)}
	mn.pointers = make([]memPointer[T], len(wire.Pointers))
	for i, p := range wire.Pointers {
		if p.isChild() {
			child, err := loadMemNode[T](ctx, store, p.Child)
			if err != nil {
				return nil, err
			}
			mn.pointers[i] = memPointer[T]{child: child}
		} else {
			mn.pointers[i] = memPointer[T]{kvs: append([]KV[T]{}, p.KVs...)}
		}
	}
	mn.overflow = append([]KV[T]{}, wire.Overflow...)
	return mn, nil
}

// Get looks up key, returning (value, true, nil) on a hit and (_, false,
// nil) on a clean miss.
func (b *Builder[T]) Get(key Key) (ipld.Link[T], bool, error) {
	keyBytes := key.Bytes()
	value, found := getAt(b.root, keyBytes, hashKey(keyBytes), 0)
	return value, found, nil
}

func getAt[T any](n *memNode[T], keyBytes []byte, d digest, depth int) (ipld.Link[T], bool) {
	i, ok := index(d, depth)
	if !ok {
		for _, kv := range n.overflow {
			if keysEqual(kv.Key, keyBytes) {
				return kv.Value, true
			}
		}
		return ipld.Link[T]{}, false
	}
	if !n.bitmap.test(i) {
		return ipld.Link[T]{}, false
	}
	p := &n.pointers[n.bitmap.rank(i)]
	if p.child != nil {
		return getAt(p.child, keyBytes, d, depth+1)
	}
	for _, kv := range p.kvs {
		if keysEqual(kv.Key, keyBytes) {
			return kv.Value, true
		}
	}
	return ipld.Link[T]{}, false
}

// Contains reports whether key is present.
func (b *Builder[T]) Contains(key Key) (bool, error) {
	_, ok, err := b.Get(key)
	return ok, err
}

// Set inserts or overwrites key's value.
func (b *Builder[T]) Set(key Key, value ipld.Link[T]) error {
	keyBytes := key.Bytes()
	setAt(b.root, keyBytes, hashKey(keyBytes), 0, value)
	return nil
}

// SetIfAbsent inserts key's value only if key is not already present,
// reporting whether an insert happened.
func (b *Builder[T]) SetIfAbsent(key Key, value ipld.Link[T]) (bool, error) {
	ok, err := b.Contains(key)
	if err != nil {
		return false, err
	}
	if ok {
		return false, nil
	}
	return true, b.Set(key, value)
}

// Delete removes key, reporting whether it was present.
func (b *Builder[T]) Delete(key Key) (bool, error) {
	keyBytes := key.Bytes()
	return deleteAt(b.root, keyBytes, hashKey(keyBytes), 0), nil
}

// Flush recursively persists every node bottom-up via store.PutBlock and
// returns the new root link.
func (b *Builder[T]) Flush(ctx context.Context) (ipld.Link[Node[T]], error) {
	return flushNode(ctx, b.store, b.root)
}

func flushNode[T any](ctx context.Context, store storage.BlockStore, n *memNode[T]) (ipld.Link[Node[T]], error) {
	wire := Node[T]{Bitmap: append([]byte(nil), n.bitmap[:]...), Overflow: sortedKVs(n.overflow)}
	wire.Pointers = make([]Pointer[T], len(n.pointers))
	for i, p := range n.pointers {
		if p.child != nil {
			childLink, err := flushNode(ctx, store, p.child)
			if err != nil {
				return ipld.Link[Node[T]]{}, err
			}
			wire.Pointers[i] = Pointer[T]{Child: childLink}
		} else {
			wire.Pointers[i] = Pointer[T]{KVs: sortedKVs(p.kvs)}
		}
	}
	block, err := ipld.Encode(wire)
	if err != nil {
		return ipld.Link[Node[T]]{}, err
	}
	if err := store.PutBlock(ctx, block); err != nil {
		return ipld.Link[Node[T]]{}, err
	}
	return ipld.NewLink[Node[T]](block.CID), nil
}

// sortedKVs returns a copy of kvs ordered by raw key bytes (spec.md
// §4.2's tie-break). setAt appends newly inserted entries to a bucket
// in whatever order mutations happened to be replayed in, which is
// never guaranteed to match across two processes reaching the same
// logical state by different paths (a fresh Diff's map iteration order,
// a rebase versus a direct edit, and so on); sorting immediately before
// every persisted encode is what keeps the same logical bucket contents
// always producing the same block bytes, and therefore the same CID.
func sortedKVs[T any](kvs []KV[T]) []KV[T] {
	if len(kvs) == 0 {
		return kvs
	}
	out := append([]KV[T](nil), kvs...)
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].Key, out[j].Key) < 0
	})
	return out
}
