package sphere_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/subconsciousnetwork/noosphere-sub001/internal/authority"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/errs"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/hamt"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/ipld"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/memo"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/sphere"
)

func TestCursor_ApplyRejectsEmptyMutation(t *testing.T) {
	v, _, _ := openGenesis(t)
	_, err := v.Cursor().Apply(context.Background())
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.BadRequest))
}

func TestCursor_SetContentBumpsLamportOrderAndLinksParent(t *testing.T) {
	v, store, signer := openGenesis(t)
	ctx := context.Background()

	bodyLink, err := memo.EncodeBody(ctx, store, []byte("hello"))
	require.NoError(t, err)
	page, err := memo.Sign(ctx, signer, nil, nil, bodyLink, nil)
	require.NoError(t, err)

	c := v.Cursor()
	require.NoError(t, c.SetContent(ctx, "about", page.Memo))
	rev, err := c.Apply(ctx)
	require.NoError(t, err)

	signed, err := rev.Sign(ctx, signer, nil)
	require.NoError(t, err)
	assert.Equal(t, v.Memo.LamportOrder()+1, signed.Memo.LamportOrder())
	require.NotNil(t, signed.Memo.Parent)
	assert.True(t, signed.Memo.Parent.CID.Equals(v.Tip.CID))

	next, err := sphere.Open(ctx, store, ipld.NewLink[memo.Memo](signed.CID))
	require.NoError(t, err)
	link, ok, err := next.Content.Get(ctx, hamt.StringKey("about"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, link.CID.Equals(page.CID))
}

func TestCursor_DelegateThenRevokeRemovesLiveDelegation(t *testing.T) {
	v, store, signer := openGenesis(t)
	ctx := context.Background()

	other, err := authority.GenerateKeyMaterial()
	require.NoError(t, err)
	otherDID, err := other.DID()
	require.NoError(t, err)

	c := v.Cursor()
	delegationCID, err := c.Delegate(ctx, signer, otherDID, "collaborator", []authority.Capability{{
		Resource: authority.SphereResource(signer.DID()),
		Ability:  authority.AbilityPush,
	}}, nil, 0, 0)
	require.NoError(t, err)
	rev, err := c.Apply(ctx)
	require.NoError(t, err)
	signed, err := rev.Sign(ctx, signer, nil)
	require.NoError(t, err)

	next, err := sphere.Open(ctx, store, ipld.NewLink[memo.Memo](signed.CID))
	require.NoError(t, err)
	_, ok, err := next.Authority.Delegations.Get(ctx, hamt.CIDKey{CID: delegationCID})
	require.NoError(t, err)
	require.True(t, ok)

	revokeCursor := next.Cursor()
	require.NoError(t, revokeCursor.Revoke(ctx, signer, delegationCID, []byte("challenge")))
	revokeRev, err := revokeCursor.Apply(ctx)
	require.NoError(t, err)
	revokedSigned, err := revokeRev.Sign(ctx, signer, nil)
	require.NoError(t, err)

	final, err := sphere.Open(ctx, store, ipld.NewLink[memo.Memo](revokedSigned.CID))
	require.NoError(t, err)
	_, ok, err = final.Authority.Delegations.Get(ctx, hamt.CIDKey{CID: delegationCID})
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = final.Authority.Revocations.Get(ctx, hamt.CIDKey{CID: delegationCID})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMutation_IsEmptyAndAppend(t *testing.T) {
	v, store, signer := openGenesis(t)
	ctx := context.Background()
	_ = store
	_ = signer

	c1 := v.Cursor()
	assert.True(t, c1.Mutation.IsEmpty())
	require.NoError(t, c1.SetContent(ctx, "a", memo.Memo{}))
	assert.False(t, c1.Mutation.IsEmpty())

	c2 := v.Cursor()
	c2.RemoveAddressBookEntry("b")

	merged := c1.Mutation.Append(c2.Mutation)
	assert.Len(t, merged.Content.Changes, 1)
	assert.Len(t, merged.Identities.Changes, 1)
}

// TestMutation_AppendIsLastWriterWins exercises the case
// TestMutation_IsEmptyAndAppend never did: an Add and a Remove for the
// exact same key, in both orders. spec.md §4.5 requires the later
// operation to win regardless of which op it is.
func TestMutation_AppendIsLastWriterWins(t *testing.T) {
	v, _, _ := openGenesis(t)
	ctx := context.Background()

	addThenRemove := v.Cursor()
	require.NoError(t, addThenRemove.SetContent(ctx, "about", memo.Memo{}))
	removeLater := v.Cursor()
	removeLater.RemoveContent("about")

	merged := addThenRemove.Mutation.Append(removeLater.Mutation)
	require.Len(t, merged.Content.Changes, 1)
	assert.Equal(t, hamt.ChangeRemove, merged.Content.Changes[0].Op)

	removeFirst := v.Cursor()
	removeFirst.RemoveContent("about")
	addLater := v.Cursor()
	require.NoError(t, addLater.SetContent(ctx, "about", memo.Memo{}))

	merged = removeFirst.Mutation.Append(addLater.Mutation)
	require.Len(t, merged.Content.Changes, 1)
	assert.Equal(t, hamt.ChangeAdd, merged.Content.Changes[0].Op)
}

// TestCursor_ApplyAcceptsHeaderOnlyMutation covers spec.md §4.5's
// carve-out: signing an empty mutation is only an error when no header
// is being introduced either.
func TestCursor_ApplyAcceptsHeaderOnlyMutation(t *testing.T) {
	v, store, signer := openGenesis(t)
	ctx := context.Background()

	c := v.Cursor()
	assert.True(t, c.Mutation.IsEmpty())
	c.SetHeader("x-noosphere-note", "headers-only revision")

	rev, err := c.Apply(ctx)
	require.NoError(t, err)
	signed, err := rev.Sign(ctx, signer, nil)
	require.NoError(t, err)

	value, ok := signed.Memo.Headers.Get("x-noosphere-note")
	require.True(t, ok)
	assert.Equal(t, "headers-only revision", value)
	assert.Equal(t, v.Memo.LamportOrder()+1, signed.Memo.LamportOrder())

	next, err := sphere.Open(ctx, store, ipld.NewLink[memo.Memo](signed.CID))
	require.NoError(t, err)
	assert.True(t, next.Body.Content.CID.Equals(v.Body.Content.CID))
}
