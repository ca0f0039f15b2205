package authority

import (
	"context"

	"github.com/ipfs/go-cid"

	"github.com/subconsciousnetwork/noosphere-sub001/internal/errs"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/hamt"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/ipld"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/storage"
)

func cidFromKey(key []byte) (ipld.CID, error) {
	return cid.Cast(key)
}

// Delegation registers one authorized key under a human-readable name,
// keyed in the Authority's delegation map by the delegating token's CID.
type Delegation struct {
	Name string       `cbor:"name"`
	Jwt  ipld.Link[Token] `cbor:"jwt"`
}

// Revocation is signed proof that a delegation CID has been withdrawn.
type Revocation struct {
	Iss       DID      `cbor:"iss"`
	Revoke    ipld.CID `cbor:"revoke"`
	Challenge []byte   `cbor:"challenge"`
	Signature []byte   `cbor:"signature"`
}

// Authority is the pair of maps spec.md §3 defines: which delegation
// tokens are live, and which have been revoked.
type Authority struct {
	store       storage.BlockStore
	Delegations *hamt.VersionedMap[Delegation]
	Revocations *hamt.VersionedMap[Revocation]
}

// OpenAuthority wraps existing (or empty) delegation/revocation roots.
func OpenAuthority(store storage.BlockStore, delegationsRoot ipld.Link[hamt.Node[Delegation]], revocationsRoot ipld.Link[hamt.Node[Revocation]]) *Authority {
	return &Authority{
		store:       store,
		Delegations: hamt.OpenVersionedMap[Delegation](store, delegationsRoot),
		Revocations: hamt.OpenVersionedMap[Revocation](store, revocationsRoot),
	}
}

// Delegate authorizes aud to act with the given capabilities, witnessed
// by issuer's own proof chain (nil for the owner delegation issued by
// the sphere root key). Persists the token and registers the delegation
// under name, returning the new delegation's token CID.
func (a *Authority) Delegate(ctx context.Context, issuer Signer, aud DID, name string, caps []Capability, proof []ipld.CID, nbf, exp int64) (ipld.CID, error) {
	token, err := Issue(ctx, issuer, Payload{
		Aud: aud,
		Nbf: nbf,
		Exp: exp,
		Cap: caps,
		Prf: proof,
	})
	if err != nil {
		return ipld.Undef, err
	}
	encoded, err := token.Encode()
	if err != nil {
		return ipld.Undef, err
	}
	block, err := ipld.EncodeRaw([]byte(encoded))
	if err != nil {
		return ipld.Undef, err
	}
	if err := a.store.PutBlock(ctx, block); err != nil {
		return ipld.Undef, err
	}

	delegationBlock, err := ipld.Encode(Delegation{Name: name, Jwt: ipld.NewLink[Token](block.CID)})
	if err != nil {
		return ipld.Undef, err
	}
	if err := a.store.PutBlock(ctx, delegationBlock); err != nil {
		return ipld.Undef, err
	}

	log := &hamt.Changelog[Delegation]{}
	log.Add(block.CID.Bytes(), ipld.NewLink[Delegation](delegationBlock.CID))
	if _, err := a.Delegations.Apply(ctx, log); err != nil {
		return ipld.Undef, err
	}
	return block.CID, nil
}

// Revoke withdraws the delegation at delegationCID: a Revocation is
// persisted and registered, and the delegation itself is dropped from
// the delegations map.
func (a *Authority) Revoke(ctx context.Context, issuer Signer, delegationCID ipld.CID, challenge []byte) error {
	sig, err := issuer.Sign(ctx, append(delegationCID.Bytes(), challenge...))
	if err != nil {
		return err
	}
	rev := Revocation{Iss: issuer.DID(), Revoke: delegationCID, Challenge: challenge, Signature: sig}
	block, err := ipld.Encode(rev)
	if err != nil {
		return err
	}
	if err := a.store.PutBlock(ctx, block); err != nil {
		return err
	}

	revLog := &hamt.Changelog[Revocation]{}
	revLog.Add(delegationCID.Bytes(), ipld.NewLink[Revocation](block.CID))
	if _, err := a.Revocations.Apply(ctx, revLog); err != nil {
		return err
	}

	delLog := &hamt.Changelog[Delegation]{}
	delLog.Remove(delegationCID.Bytes())
	_, err = a.Delegations.Apply(ctx, delLog)
	return err
}

// Recover is root-key-only: it revokes every current delegation and
// issues a fresh owner delegation to newOwner, asserting signer.DID()
// equals the sphere's own DID.
func (a *Authority) Recover(ctx context.Context, sphereDID DID, signer Signer, newOwner DID, nbf, exp int64) (ipld.CID, error) {
	if signer.DID() != sphereDID {
		return ipld.Undef, errs.New(errs.AuthorizationInvalid, "authority: recovery key does not match sphere did")
	}
	entries, err := a.Delegations.List(ctx)
	if err != nil {
		return ipld.Undef, err
	}
	for _, kv := range entries {
		c, err := cidFromKey(kv.Key)
		if err != nil {
			continue
		}
		if err := a.Revoke(ctx, signer, c, []byte("recovery")); err != nil {
			return ipld.Undef, err
		}
	}
	return a.Delegate(ctx, signer, newOwner, "owner", []Capability{{
		Resource: SphereResource(sphereDID),
		Ability:  AbilityAuthorize,
	}}, nil, nbf, exp)
}
