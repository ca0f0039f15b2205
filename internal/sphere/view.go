// Package sphere implements the mutable view over one sphere's state at
// a given tip memo, and the cursor/mutation/revision machinery that
// turns accumulated edits into a new signed tip.
package sphere

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"

	"github.com/ipfs/go-cid"

	"github.com/subconsciousnetwork/noosphere-sub001/internal/authority"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/hamt"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/ipld"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/memo"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/replication"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/storage"
)

// View materializes the three HAMTs a sphere's body links to — content,
// address book, and authority state — at one tip memo, wrapping each as
// a hamt.VersionedMap over the store rather than loading it eagerly.
type View struct {
	store storage.BlockStore
	Tip   ipld.Link[memo.Memo]
	Memo  memo.Memo
	Body  memo.SphereBody

	Content     *hamt.VersionedMap[memo.Memo]
	AddressBook *hamt.VersionedMap[memo.Identity]
	Authority   *authority.Authority
}

// Open resolves tip's memo and body and wraps its three maps as a View.
func Open(ctx context.Context, store storage.BlockStore, tip ipld.Link[memo.Memo]) (*View, error) {
	block, err := store.GetBlock(ctx, tip.CID)
	if err != nil {
		return nil, err
	}
	var m memo.Memo
	if err := ipld.Decode(block.Bytes, &m); err != nil {
		return nil, err
	}

	bodyBytes, err := io.ReadAll(memo.DecodeBody(ctx, store, m.Body))
	if err != nil {
		return nil, err
	}
	var body memo.SphereBody
	if err := ipld.Decode(bodyBytes, &body); err != nil {
		return nil, err
	}

	rootsBlock, err := store.GetBlock(ctx, body.Authority.CID)
	if err != nil {
		return nil, err
	}
	var roots memo.AuthorityRoots
	if err := ipld.Decode(rootsBlock.Bytes, &roots); err != nil {
		return nil, err
	}

	return &View{
		store:       store,
		Tip:         tip,
		Memo:        m,
		Body:        body,
		Content:     hamt.OpenVersionedMap[memo.Memo](store, body.Content),
		AddressBook: hamt.OpenVersionedMap[memo.Identity](store, body.AddressBook),
		Authority:   authority.OpenAuthority(store, roots.Delegations, roots.Revocations),
	}, nil
}

// Cursor opens a fresh, empty mutation against this view.
func (v *View) Cursor() *Cursor {
	return &Cursor{view: v, Mutation: emptyMutation()}
}

// Store exposes the block store this view was opened against, for
// callers (nameresolver, gatewayserver) that need to read or write
// blocks this view's own helpers don't already expose.
func (v *View) Store() storage.BlockStore {
	return v.store
}

// Follow records an address-book entry for petname, the equivalent of
// the original's `sphere follow` verb with the CLI stripped off.
func (v *View) Follow(ctx context.Context, petname string, did authority.DID) (*Revision, error) {
	c := v.Cursor()
	if err := c.SetAddressBookEntry(ctx, petname, memo.Identity{DID: did}); err != nil {
		return nil, err
	}
	return c.Apply(ctx)
}

// Unfollow removes petname from the address book, the equivalent of
// `sphere unfollow`.
func (v *View) Unfollow(ctx context.Context, petname string) (*Revision, error) {
	c := v.Cursor()
	c.RemoveAddressBookEntry(petname)
	return c.Apply(ctx)
}

// Bundle streams this view's tip into a CAR-equivalent archive, the
// same block set a gateway's replicate endpoint would hand a counterpart
// for this revision. When since is non-nil and eligible (see
// replication.IsAllowedToReplicateIncrementally), only the blocks
// changed since that earlier revision are included; otherwise the whole
// body streams. includeContent controls whether the sphere's published
// content subtree streams at all, or only its identity/authority/
// address-book metadata.
func (v *View) Bundle(ctx context.Context, since *ipld.Link[memo.Memo], includeContent bool) ([]byte, []ipld.CID, error) {
	var sinceCID *ipld.CID
	if since != nil {
		eligible, err := replication.IsAllowedToReplicateIncrementally(ctx, v.store, *since, v.Tip)
		if err != nil {
			return nil, nil, err
		}
		if eligible {
			c := since.CID
			sinceCID = &c
		}
	}

	var buf bytes.Buffer
	orphans, err := replication.WriteArchive(ctx, v.store, &buf, v.Tip.CID, sinceCID, includeContent)
	if err != nil {
		return nil, nil, err
	}
	return buf.Bytes(), orphans, nil
}

// Walk enumerates every content slug in lexicographic order, resolving
// one hop through a petname prefix ("friend/about") into the linked
// sphere's own content when the slug names a followed identity rather
// than local content. A petname that doesn't resolve, carries no link
// record, or whose replica isn't locally available yet is skipped
// rather than erroring — cross-sphere content is best-effort by
// nature.
func (v *View) Walk(ctx context.Context, visit func(slug string, m *memo.Memo) error) error {
	local, err := v.Content.List(ctx)
	if err != nil {
		return err
	}
	sort.Slice(local, func(i, j int) bool { return string(local[i].Key) < string(local[j].Key) })

	for _, kv := range local {
		slug := string(kv.Key)
		if petname, rest, ok := splitPetnamePrefix(slug); ok {
			m, err := v.resolveCrossSphere(ctx, petname, rest)
			if err != nil || m == nil {
				continue
			}
			if err := visit(slug, m); err != nil {
				return err
			}
			continue
		}

		block, err := v.store.GetBlock(ctx, kv.Value.CID)
		if err != nil {
			return err
		}
		var m memo.Memo
		if err := ipld.Decode(block.Bytes, &m); err != nil {
			return err
		}
		if err := visit(slug, &m); err != nil {
			return err
		}
	}
	return nil
}

func splitPetnamePrefix(slug string) (petname, rest string, ok bool) {
	i := strings.IndexByte(slug, '/')
	if i <= 0 {
		return "", "", false
	}
	return slug[:i], slug[i+1:], true
}

// resolveCrossSphere follows petname to its current link record's tip
// and reads rest out of that sphere's own content map. It returns (nil,
// nil) rather than an error for any step that simply isn't resolvable
// yet (no address-book entry, no link record, tip not replicated
// locally) — only a genuine decode failure is surfaced as an error.
func (v *View) resolveCrossSphere(ctx context.Context, petname, rest string) (*memo.Memo, error) {
	identityLink, ok, err := v.AddressBook.Get(ctx, hamt.StringKey(petname))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	block, err := v.store.GetBlock(ctx, identityLink.CID)
	if err != nil {
		return nil, nil
	}
	var identity memo.Identity
	if err := ipld.Decode(block.Bytes, &identity); err != nil {
		return nil, err
	}
	if identity.LinkRecord == nil {
		return nil, nil
	}

	tokenBlock, err := v.store.GetBlock(ctx, identity.LinkRecord.CID)
	if err != nil {
		return nil, nil
	}
	token, err := authority.Parse(string(tokenBlock.Bytes))
	if err != nil {
		return nil, err
	}
	tipString, ok := token.Payload.Fct["tip"].(string)
	if !ok {
		return nil, nil
	}
	tipCID, err := cid.Decode(tipString)
	if err != nil {
		return nil, nil
	}

	remote, err := Open(ctx, v.store, ipld.NewLink[memo.Memo](tipCID))
	if err != nil {
		return nil, nil
	}
	link, ok, err := remote.Content.Get(ctx, hamt.StringKey(rest))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	contentBlock, err := v.store.GetBlock(ctx, link.CID)
	if err != nil {
		return nil, nil
	}
	var m memo.Memo
	if err := ipld.Decode(contentBlock.Bytes, &m); err != nil {
		return nil, err
	}
	return &m, nil
}
