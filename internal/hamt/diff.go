package hamt

import (
	"bytes"
	"context"
	"sort"

	"github.com/subconsciousnetwork/noosphere-sub001/internal/ipld"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/storage"
)

// Diff computes the changelog that turns oldRoot's contents into
// newRoot's: every key in newRoot whose value differs from (or is
// absent from) oldRoot becomes an Add, every key present in oldRoot but
// missing from newRoot becomes a Remove. Two values "differ" purely by
// CID inequality, since every value here is itself content-addressed —
// an unchanged entry always keeps the same link across revisions.
//
// Used by the sync engine to squash a run of local-only revisions into
// a single rebased mutation against a new base, since no per-revision
// changelog is persisted anywhere to replay directly.
func Diff[T any](ctx context.Context, store storage.BlockStore, oldRoot, newRoot ipld.Link[Node[T]]) (*Changelog[T], error) {
	oldEntries, err := OpenVersionedMap[T](store, oldRoot).List(ctx)
	if err != nil {
		return nil, err
	}
	newEntries, err := OpenVersionedMap[T](store, newRoot).List(ctx)
	if err != nil {
		return nil, err
	}

	oldByKey := make(map[string]ipld.Link[T], len(oldEntries))
	for _, kv := range oldEntries {
		oldByKey[string(kv.Key)] = kv.Value
	}
	newByKey := make(map[string]ipld.Link[T], len(newEntries))
	for _, kv := range newEntries {
		newByKey[string(kv.Key)] = kv.Value
	}

	log := &Changelog[T]{}
	for key, newLink := range newByKey {
		if oldLink, ok := oldByKey[key]; !ok || !oldLink.CID.Equals(newLink.CID) {
			log.Add([]byte(key), newLink)
		}
	}
	for key := range oldByKey {
		if _, ok := newByKey[key]; !ok {
			log.Remove([]byte(key))
		}
	}

	// Map iteration order above is randomized per process; spec.md §4.2
	// ties output order to the raw key bytes so that two processes
	// diffing the same two roots always produce byte-identical
	// changelogs, which matters once this changelog gets replayed and
	// signed (internal/syncengine's rebase, internal/gatewayserver's
	// relay-sphere fold).
	sort.Slice(log.Changes, func(i, j int) bool {
		return bytes.Compare(log.Changes[i].Key, log.Changes[j].Key) < 0
	})
	return log, nil
}
