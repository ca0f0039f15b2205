package hamt

import "github.com/subconsciousnetwork/noosphere-sub001/internal/ipld"

// setAt inserts or overwrites keyBytes' value in n, splitting a leaf
// bucket into a child node once it would exceed maxArrayWidth entries.
func setAt[T any](n *memNode[T], keyBytes []byte, d digest, depth int, value ipld.Link[T]) {
	i, ok := index(d, depth)
	if !ok {
		for idx, kv := range n.overflow {
			if keysEqual(kv.Key, keyBytes) {
				n.overflow[idx].Value = value
				return
			}
		}
		n.overflow = append(n.overflow, KV[T]{Key: keyBytes, Value: value})
		return
	}

	if !n.bitmap.test(i) {
		pos := n.bitmap.rank(i)
		n.bitmap.set(i)
		n.pointers = append(n.pointers, memPointer[T]{})
		copy(n.pointers[pos+1:], n.pointers[pos:])
		n.pointers[pos] = memPointer[T]{kvs: []KV[T]{{Key: keyBytes, Value: value}}}
		return
	}

	pos := n.bitmap.rank(i)
	p := &n.pointers[pos]
	if p.child != nil {
		setAt(p.child, keyBytes, d, depth+1, value)
		return
	}

	for idx, kv := range p.kvs {
		if keysEqual(kv.Key, keyBytes) {
			p.kvs[idx].Value = value
			return
		}
	}

	if len(p.kvs) < maxArrayWidth {
		p.kvs = append(p.kvs, KV[T]{Key: keyBytes, Value: value})
		return
	}

	// Bucket full: split into a child node one level deeper and re-insert
	// everything that was here, including the new entry.
	child := newMemNode[T]()
	for _, kv := range p.kvs {
		setAt(child, kv.Key, hashKey(kv.Key), depth+1, kv.Value)
	}
	setAt(child, keyBytes, d, depth+1, value)
	p.kvs = nil
	p.child = child
}

// deleteAt removes keyBytes from n, reporting whether it was present.
// A slot whose bucket empties out is removed from the bitmap entirely;
// a child subtree that empties out is left as an empty child rather than
// collapsed back into an inline bucket — a deliberate simplification
// documented alongside the rest of the map's edge cases.
func deleteAt[T any](n *memNode[T], keyBytes []byte, d digest, depth int) bool {
	i, ok := index(d, depth)
	if !ok {
		for idx, kv := range n.overflow {
			if keysEqual(kv.Key, keyBytes) {
				n.overflow = append(n.overflow[:idx], n.overflow[idx+1:]...)
				return true
			}
		}
		return false
	}

	if !n.bitmap.test(i) {
		return false
	}
	pos := n.bitmap.rank(i)
	p := &n.pointers[pos]
	if p.child != nil {
		return deleteAt(p.child, keyBytes, d, depth+1)
	}

	for idx, kv := range p.kvs {
		if !keysEqual(kv.Key, keyBytes) {
			continue
		}
		p.kvs = append(p.kvs[:idx], p.kvs[idx+1:]...)
		if len(p.kvs) == 0 {
			n.pointers = append(n.pointers[:pos], n.pointers[pos+1:]...)
			n.bitmap.clear(i)
		}
		return true
	}
	return false
}
