package memo

import (
	"github.com/subconsciousnetwork/noosphere-sub001/internal/authority"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/hamt"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/ipld"
)

// Identity is one address-book entry: a counterpart's DID plus an
// optional link to the most recently resolved name record for them.
type Identity struct {
	DID        authority.DID                `cbor:"did"`
	LinkRecord *ipld.Link[authority.Token]  `cbor:"link_record,omitempty"`
}

// Content indexes slugs to the memo currently published at that path.
type Content = hamt.VersionedMap[Memo]

// AddressBook indexes petnames to the identity they currently resolve
// to.
type AddressBook = hamt.VersionedMap[Identity]

// AuthorityRoots is the persisted shape of a sphere's delegation and
// revocation state — the two HAMT roots authority.Authority wraps as
// live VersionedMaps, linked from SphereBody rather than the wrapper
// itself (which holds an open BlockStore handle and so isn't
// encodable).
type AuthorityRoots struct {
	Delegations ipld.Link[hamt.Node[authority.Delegation]] `cbor:"delegations"`
	Revocations ipld.Link[hamt.Node[authority.Revocation]] `cbor:"revocations"`
}

// SphereBody is the root of everything one sphere owns at a given
// revision: its own identity, authority state, address book, and
// published content. It is exactly what a Memo's Body chunk chain
// decodes to, one level below the signed memo itself.
type SphereBody struct {
	Identity    authority.DID                  `cbor:"identity"`
	Authority   ipld.Link[AuthorityRoots]      `cbor:"authority"`
	AddressBook ipld.Link[hamt.Node[Identity]] `cbor:"address_book"`
	Content     ipld.Link[hamt.Node[Memo]]     `cbor:"content"`
}
