package hamt

import (
	"context"

	"github.com/subconsciousnetwork/noosphere-sub001/internal/ipld"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/storage"
)

// VersionedMap is a persistent map identified by its current root link;
// every Apply produces a new root without touching the blocks the old
// root referenced. Memo bodies and address books are both
// VersionedMaps over different value types.
type VersionedMap[T any] struct {
	store storage.BlockStore
	Root  ipld.Link[Node[T]]
}

// OpenVersionedMap wraps an existing root (or the zero Link, for a new
// empty map) as a VersionedMap.
func OpenVersionedMap[T any](store storage.BlockStore, root ipld.Link[Node[T]]) *VersionedMap[T] {
	return &VersionedMap[T]{store: store, Root: root}
}

// Get reads a single key against the current root.
func (m *VersionedMap[T]) Get(ctx context.Context, key Key) (ipld.Link[T], bool, error) {
	b, err := NewBuilder[T](ctx, m.store, m.Root)
	if err != nil {
		return ipld.Link[T]{}, false, err
	}
	return b.Get(key)
}

// Apply replays a deduplicated changelog against the current root and
// advances Root to the result, returning the new root for convenience.
// An empty changelog leaves Root as it is.
func (m *VersionedMap[T]) Apply(ctx context.Context, log *Changelog[T]) (ipld.Link[Node[T]], error) {
	if len(log.Changes) == 0 {
		return m.Root, nil
	}
	b, err := NewBuilder[T](ctx, m.store, m.Root)
	if err != nil {
		return ipld.Link[Node[T]]{}, err
	}
	for _, ch := range Dedupe(log.Changes) {
		switch ch.Op {
		case ChangeAdd:
			if err := b.Set(StringKey(ch.Key), ch.Value); err != nil {
				return ipld.Link[Node[T]]{}, err
			}
		case ChangeRemove:
			if _, err := b.Delete(StringKey(ch.Key)); err != nil {
				return ipld.Link[Node[T]]{}, err
			}
		}
	}
	newRoot, err := b.Flush(ctx)
	if err != nil {
		return ipld.Link[Node[T]]{}, err
	}
	m.Root = newRoot
	return newRoot, nil
}

// List returns every key/value pair currently in the map.
func (m *VersionedMap[T]) List(ctx context.Context) ([]KV[T], error) {
	b, err := NewBuilder[T](ctx, m.store, m.Root)
	if err != nil {
		return nil, err
	}
	return b.Stream(), nil
}
