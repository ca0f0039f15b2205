package sphere_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/subconsciousnetwork/noosphere-sub001/internal/authority"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/hamt"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/ipld"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/memo"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/sphere"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/storage"
)

func TestOpen_ResolvesGenesisBody(t *testing.T) {
	v, _, signer := openGenesis(t)

	assert.Equal(t, signer.DID(), v.Body.Identity)

	entries, err := v.Content.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

// commitRevision signs rev with signer and persists the resulting memo,
// returning a View reopened at the new tip.
func commitRevision(t *testing.T, store storage.BlockStore, rev *sphere.Revision, signer authority.Signer) *sphere.View {
	t.Helper()
	ctx := context.Background()
	signed, err := rev.Sign(ctx, signer, nil)
	require.NoError(t, err)
	next, err := sphere.Open(ctx, store, ipld.NewLink[memo.Memo](signed.CID))
	require.NoError(t, err)
	return next
}

func TestView_FollowThenUnfollowRoundTrip(t *testing.T) {
	v, store, signer := openGenesis(t)
	ctx := context.Background()

	other, err := authority.GenerateKeyMaterial()
	require.NoError(t, err)
	otherDID, err := other.DID()
	require.NoError(t, err)

	rev, err := v.Follow(ctx, "friend", otherDID)
	require.NoError(t, err)
	next := commitRevision(t, store, rev, signer)

	link, ok, err := next.AddressBook.Get(ctx, hamt.StringKey("friend"))
	require.NoError(t, err)
	require.True(t, ok)
	block, err := store.GetBlock(ctx, link.CID)
	require.NoError(t, err)
	var identity memo.Identity
	require.NoError(t, ipld.Decode(block.Bytes, &identity))
	assert.Equal(t, otherDID, identity.DID)

	unfollowRev, err := next.Unfollow(ctx, "friend")
	require.NoError(t, err)
	final := commitRevision(t, store, unfollowRev, signer)

	_, ok, err = final.AddressBook.Get(ctx, hamt.StringKey("friend"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestView_WalkVisitsLocalContentInOrder(t *testing.T) {
	v, store, signer := openGenesis(t)
	ctx := context.Background()

	bodyLinkA, err := memo.EncodeBody(ctx, store, []byte("first page"))
	require.NoError(t, err)
	memoA, err := memo.Sign(ctx, signer, nil, nil, bodyLinkA, nil)
	require.NoError(t, err)

	bodyLinkB, err := memo.EncodeBody(ctx, store, []byte("second page"))
	require.NoError(t, err)
	memoB, err := memo.Sign(ctx, signer, nil, nil, bodyLinkB, nil)
	require.NoError(t, err)

	c := v.Cursor()
	require.NoError(t, c.SetContent(ctx, "zeta", memoA.Memo))
	require.NoError(t, c.SetContent(ctx, "alpha", memoB.Memo))
	rev, err := c.Apply(ctx)
	require.NoError(t, err)
	next := commitRevision(t, store, rev, signer)

	var visited []string
	require.NoError(t, next.Walk(ctx, func(slug string, m *memo.Memo) error {
		visited = append(visited, slug)
		return nil
	}))
	assert.Equal(t, []string{"alpha", "zeta"}, visited)
}
