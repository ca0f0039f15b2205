package sphere

import (
	"github.com/subconsciousnetwork/noosphere-sub001/internal/authority"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/hamt"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/memo"
)

// Mutation accumulates edits against the four maps a sphere's body is
// built from, without applying any of them until a Cursor commits it
// with Apply. Keeping the four changelogs separate rather than one
// combined log lets Apply replay each against its own VersionedMap in
// whatever order is convenient, since none of the four share a key
// space.
type Mutation struct {
	Content     *hamt.Changelog[memo.Memo]
	Identities  *hamt.Changelog[memo.Identity]
	Delegations *hamt.Changelog[authority.Delegation]
	Revocations *hamt.Changelog[authority.Revocation]
}

func emptyMutation() Mutation {
	return Mutation{
		Content:     &hamt.Changelog[memo.Memo]{},
		Identities:  &hamt.Changelog[memo.Identity]{},
		Delegations: &hamt.Changelog[authority.Delegation]{},
		Revocations: &hamt.Changelog[authority.Revocation]{},
	}
}

// IsEmpty reports whether every changelog is empty. Cursor.Apply rejects
// a commit whose mutation is empty unless the cursor is introducing a
// header.
func (m Mutation) IsEmpty() bool {
	return len(m.Content.Changes) == 0 &&
		len(m.Identities.Changes) == 0 &&
		len(m.Delegations.Changes) == 0 &&
		len(m.Revocations.Changes) == 0
}

// Append concatenates other's changes after m's, per changelog, then
// collapses each to true last-writer-wins at the key granularity via
// hamt.Dedupe: a later operation on a given key supersedes an earlier
// one regardless of which is an Add and which a Remove (spec.md §4.5),
// matching the Rust original's append_changes (retain the
// not-yet-superseded entries, push each new one to the end).
func (m Mutation) Append(other Mutation) Mutation {
	return Mutation{
		Content:     concatChangelog(m.Content, other.Content),
		Identities:  concatChangelog(m.Identities, other.Identities),
		Delegations: concatChangelog(m.Delegations, other.Delegations),
		Revocations: concatChangelog(m.Revocations, other.Revocations),
	}
}

func concatChangelog[T any](base, extra *hamt.Changelog[T]) *hamt.Changelog[T] {
	combined := make([]hamt.Change[T], 0, len(base.Changes)+len(extra.Changes))
	combined = append(combined, base.Changes...)
	combined = append(combined, extra.Changes...)
	return &hamt.Changelog[T]{Changes: hamt.Dedupe(combined)}
}
