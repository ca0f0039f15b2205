package hamt

import "github.com/subconsciousnetwork/noosphere-sub001/internal/ipld"

// ChangeOp is one of the two operations a Changelog records against a
// VersionedMap.
type ChangeOp int

const (
	ChangeAdd ChangeOp = iota
	ChangeRemove
)

// Change is one entry in a Changelog: an Add sets a key to a value, a
// Remove clears it.
type Change[T any] struct {
	Op    ChangeOp
	Key   []byte
	Value ipld.Link[T] // ignored for ChangeRemove
}

// Changelog is an ordered batch of changes applied atomically by
// VersionedMap.Apply. Within one batch, the last change recorded for a
// given key wins regardless of its Op — spec.md §4.5's "a later
// operation on a given key supersedes earlier ones" — so an Add
// followed later by a Remove for the same key really does delete it,
// and vice versa.
type Changelog[T any] struct {
	Changes []Change[T]
}

func (c *Changelog[T]) Add(key []byte, value ipld.Link[T]) {
	c.Changes = append(c.Changes, Change[T]{Op: ChangeAdd, Key: key, Value: value})
}

func (c *Changelog[T]) Remove(key []byte) {
	c.Changes = append(c.Changes, Change[T]{Op: ChangeRemove, Key: key})
}

// Dedupe collapses a changelog down to at most one change per key: the
// last occurrence of a key wins, and the surviving entry's position in
// the output follows the order of that last occurrence (equivalent to
// the Rust original's append_changes, which retains every
// not-yet-superseded entry and pushes each new one to the end as it's
// processed). Exported so callers that build a changelog by
// concatenating two others (sphere.Mutation.Append) can normalize the
// result themselves rather than relying on it being replayed through a
// VersionedMap.Apply to collapse.
func Dedupe[T any](changes []Change[T]) []Change[T] {
	lastIndex := make(map[string]int, len(changes))
	for i, ch := range changes {
		lastIndex[string(ch.Key)] = i
	}
	out := make([]Change[T], 0, len(lastIndex))
	for i, ch := range changes {
		if lastIndex[string(ch.Key)] == i {
			out = append(out, ch)
		}
	}
	return out
}
