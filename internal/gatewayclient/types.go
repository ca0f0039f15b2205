// Package gatewayclient implements the HTTP client half of the gateway
// sync wire protocol: identify, fetch, push, and replicate, each
// carrying CBOR metadata and CAR-equivalent archive framing over plain
// HTTPS.
package gatewayclient

import (
	"github.com/subconsciousnetwork/noosphere-sub001/internal/authority"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/ipld"
)

// IdentifyResponse is the gateway's self-description: its own identity,
// the counterpart sphere DID it is answering as, and a signature
// binding the two together witnessed by a capability proof.
type IdentifyResponse struct {
	GatewayIdentity authority.DID  `cbor:"gateway_identity"`
	SphereIdentity  authority.DID  `cbor:"sphere_identity"`
	Signature       []byte         `cbor:"signature"`
	Proof           authority.Token `cbor:"proof"`
}

// FetchResponse is the decoded shape of a fetch call's archive header:
// an empty Roots list means UpToDate, one root means NewChanges with
// that root as the counterpart's new tip, and the archive's remaining
// blocks materialize it.
type FetchResponse struct {
	UpToDate bool
	Tip      ipld.CID
}

// PushBody is the leading envelope block of a push call's request
// archive, describing the revision range the client is pushing before
// the blocks that materialize it follow.
type PushBody struct {
	Sphere         authority.DID    `cbor:"sphere"`
	LocalBase      *ipld.CID        `cbor:"local_base,omitempty"`
	LocalTip       ipld.CID         `cbor:"local_tip"`
	CounterpartTip *ipld.CID        `cbor:"counterpart_tip,omitempty"`
	NameRecord     *authority.Token `cbor:"name_record,omitempty"`

	// Capability is the CID of the UCAN the pusher presents to prove it
	// holds (sphere:<sphere>, push) (spec.md §4.8) — nil when the push is
	// signed directly by the sphere's own key, which already carries
	// that authority implicitly.
	Capability *ipld.CID `cbor:"capability,omitempty"`
}

// PushResponse is the leading envelope block of a push call's response
// archive: the gateway's new counterpart tip, followed by the delta of
// blocks the client needs to ingest to catch up.
type PushResponse struct {
	NewTip ipld.CID `cbor:"new_tip"`
}
