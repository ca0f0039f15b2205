package sphere

import (
	"context"

	"github.com/subconsciousnetwork/noosphere-sub001/internal/authority"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/errs"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/hamt"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/ipld"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/memo"
)

// Cursor accumulates a Mutation against a View without touching the
// store's roots until Apply. Every setter here persists whatever raw
// blocks it needs immediately (a memo, a token, a revocation) since
// those are content-addressed and harmless to write speculatively, but
// defers the four HAMT roots themselves to Apply's single pass.
type Cursor struct {
	view     *View
	Mutation Mutation
	headers  memo.OrderedHeaders
}

// SetHeader queues name=value to be appended to the next revision's
// headers once applied. This is the carve-out spec.md §4.5 describes
// for signing an empty mutation: a revision with no map changes is
// otherwise rejected by Apply, unless it's introducing a new header.
func (c *Cursor) SetHeader(name, value string) {
	c.headers = c.headers.Append(name, value)
}

// SetContent publishes body at slug, linking to it from the sphere's
// content map once applied.
func (c *Cursor) SetContent(ctx context.Context, slug string, body memo.Memo) error {
	block, err := ipld.Encode(body)
	if err != nil {
		return err
	}
	if err := c.view.store.PutBlock(ctx, block); err != nil {
		return err
	}
	c.Mutation.Content.Add([]byte(slug), ipld.NewLink[memo.Memo](block.CID))
	return nil
}

// RemoveContent drops slug from the content map once applied.
func (c *Cursor) RemoveContent(slug string) {
	c.Mutation.Content.Remove([]byte(slug))
}

// SetAddressBookEntry records identity under petname once applied.
func (c *Cursor) SetAddressBookEntry(ctx context.Context, petname string, identity memo.Identity) error {
	block, err := ipld.Encode(identity)
	if err != nil {
		return err
	}
	if err := c.view.store.PutBlock(ctx, block); err != nil {
		return err
	}
	c.Mutation.Identities.Add([]byte(petname), ipld.NewLink[memo.Identity](block.CID))
	return nil
}

// RemoveAddressBookEntry drops petname from the address book once
// applied.
func (c *Cursor) RemoveAddressBookEntry(petname string) {
	c.Mutation.Identities.Remove([]byte(petname))
}

// Delegate issues a capability token exactly the way authority.Authority
// itself would, but records the new delegation into this cursor's
// changelog instead of applying it to the live Delegations map — the
// delegation only takes effect once this cursor's mutation is applied
// and the resulting revision is signed.
func (c *Cursor) Delegate(ctx context.Context, issuer authority.Signer, aud authority.DID, name string, caps []authority.Capability, proof []ipld.CID, nbf, exp int64) (ipld.CID, error) {
	token, err := authority.Issue(ctx, issuer, authority.Payload{
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
	tokenBlock, err := ipld.EncodeRaw([]byte(encoded))
	if err != nil {
		return ipld.Undef, err
	}
	if err := c.view.store.PutBlock(ctx, tokenBlock); err != nil {
		return ipld.Undef, err
	}

	delegationBlock, err := ipld.Encode(authority.Delegation{Name: name, Jwt: ipld.NewLink[authority.Token](tokenBlock.CID)})
	if err != nil {
		return ipld.Undef, err
	}
	if err := c.view.store.PutBlock(ctx, delegationBlock); err != nil {
		return ipld.Undef, err
	}

	c.Mutation.Delegations.Add(tokenBlock.CID.Bytes(), ipld.NewLink[authority.Delegation](delegationBlock.CID))
	return tokenBlock.CID, nil
}

// Revoke withdraws delegationCID once applied: a Revocation is
// persisted and queued into the revocations changelog, and the
// delegation itself is queued for removal from the delegations
// changelog.
func (c *Cursor) Revoke(ctx context.Context, issuer authority.Signer, delegationCID ipld.CID, challenge []byte) error {
	sig, err := issuer.Sign(ctx, append(delegationCID.Bytes(), challenge...))
	if err != nil {
		return err
	}
	rev := authority.Revocation{Iss: issuer.DID(), Revoke: delegationCID, Challenge: challenge, Signature: sig}
	block, err := ipld.Encode(rev)
	if err != nil {
		return err
	}
	if err := c.view.store.PutBlock(ctx, block); err != nil {
		return err
	}

	c.Mutation.Revocations.Add(delegationCID.Bytes(), ipld.NewLink[authority.Revocation](block.CID))
	c.Mutation.Delegations.Remove(delegationCID.Bytes())
	return nil
}

// Apply replays every queued changelog against the view's current
// roots, persists the resulting body and authority-roots blocks, and
// branches an unsigned next memo for the caller to sign. Nothing here
// touches the view's own Content/AddressBook/Authority fields — a
// Cursor's edits only become visible once the returned Revision is
// signed and becomes a new tip that a fresh View is opened against.
func (c *Cursor) Apply(ctx context.Context) (*Revision, error) {
	if c.Mutation.IsEmpty() && len(c.headers) == 0 {
		return nil, errs.New(errs.BadRequest, "sphere: cannot apply an empty mutation with no headers to introduce")
	}
	v := c.view
	store := v.store

	contentMap := hamt.OpenVersionedMap[memo.Memo](store, v.Body.Content)
	newContentRoot, err := contentMap.Apply(ctx, c.Mutation.Content)
	if err != nil {
		return nil, err
	}

	addressBookMap := hamt.OpenVersionedMap[memo.Identity](store, v.Body.AddressBook)
	newAddressBookRoot, err := addressBookMap.Apply(ctx, c.Mutation.Identities)
	if err != nil {
		return nil, err
	}

	delegationsMap := hamt.OpenVersionedMap[authority.Delegation](store, v.Authority.Delegations.Root)
	newDelegationsRoot, err := delegationsMap.Apply(ctx, c.Mutation.Delegations)
	if err != nil {
		return nil, err
	}

	revocationsMap := hamt.OpenVersionedMap[authority.Revocation](store, v.Authority.Revocations.Root)
	newRevocationsRoot, err := revocationsMap.Apply(ctx, c.Mutation.Revocations)
	if err != nil {
		return nil, err
	}

	rootsBlock, err := ipld.Encode(memo.AuthorityRoots{Delegations: newDelegationsRoot, Revocations: newRevocationsRoot})
	if err != nil {
		return nil, err
	}
	if err := store.PutBlock(ctx, rootsBlock); err != nil {
		return nil, err
	}

	newBody := memo.SphereBody{
		Identity:    v.Body.Identity,
		Authority:   ipld.NewLink[memo.AuthorityRoots](rootsBlock.CID),
		AddressBook: newAddressBookRoot,
		Content:     newContentRoot,
	}
	bodyBlock, err := ipld.Encode(newBody)
	if err != nil {
		return nil, err
	}
	bodyLink, err := memo.EncodeBody(ctx, store, bodyBlock.Bytes)
	if err != nil {
		return nil, err
	}

	branched := memo.Branch(v.Memo, v.Tip, bodyLink)
	for _, h := range c.headers {
		branched.Headers = branched.Headers.Append(h.Name, h.Value)
	}
	return &Revision{
		store:  store,
		Parent: v.Tip,
		Body:   bodyLink,
		memo:   branched,
	}, nil
}
