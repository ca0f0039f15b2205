package memo_test

import (
	"context"
	"testing"

	"github.com/ipfs/go-datastore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/subconsciousnetwork/noosphere-sub001/internal/authority"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/ipld"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/memo"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/storage"
)

func TestSign_VerifyRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := storage.NewBlockStore(datastore.NewMapDatastore())

	key, err := authority.GenerateKeyMaterial()
	require.NoError(t, err)
	signer := authority.NewSigner(key)

	body, err := memo.EncodeBody(ctx, store, []byte("first revision"))
	require.NoError(t, err)

	signed, err := memo.Sign(ctx, signer, nil, nil, body, nil)
	require.NoError(t, err)

	author, ok := signed.Memo.Author()
	require.True(t, ok)
	assert.Equal(t, signer.DID(), author)

	assert.NoError(t, memo.Verify(authority.DIDVerifier{}, signed.Memo))
}

func TestVerify_RejectsTamperedBody(t *testing.T) {
	ctx := context.Background()
	store := storage.NewBlockStore(datastore.NewMapDatastore())

	key, err := authority.GenerateKeyMaterial()
	require.NoError(t, err)
	signer := authority.NewSigner(key)

	body, err := memo.EncodeBody(ctx, store, []byte("original"))
	require.NoError(t, err)
	signed, err := memo.Sign(ctx, signer, nil, nil, body, nil)
	require.NoError(t, err)

	otherBody, err := memo.EncodeBody(ctx, store, []byte("swapped"))
	require.NoError(t, err)
	tampered := signed.Memo
	tampered.Body = otherBody

	assert.Error(t, memo.Verify(authority.DIDVerifier{}, tampered))
}

func TestBranch_AdvancesLamportOrderAndStripsSignature(t *testing.T) {
	ctx := context.Background()
	store := storage.NewBlockStore(datastore.NewMapDatastore())

	key, err := authority.GenerateKeyMaterial()
	require.NoError(t, err)
	signer := authority.NewSigner(key)

	body1, err := memo.EncodeBody(ctx, store, []byte("rev 1"))
	require.NoError(t, err)
	signed1, err := memo.Sign(ctx, signer, nil, nil, body1, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(0), signed1.Memo.LamportOrder())

	body2, err := memo.EncodeBody(ctx, store, []byte("rev 2"))
	require.NoError(t, err)
	parentLink := ipld.NewLink[memo.Memo](signed1.CID)
	child := memo.Branch(signed1.Memo, parentLink, body2)

	assert.Equal(t, int64(1), child.LamportOrder())
	_, hasSig := child.Headers.Get(memo.HeaderSignature)
	assert.False(t, hasSig)
	require.NotNil(t, child.Parent)
	assert.True(t, child.Parent.CID.Equals(signed1.CID))

	signed2, err := memo.Sign(ctx, signer, child.Parent, nil, child.Body, child.Headers)
	require.NoError(t, err)
	assert.Equal(t, int64(1), signed2.Memo.LamportOrder())
	assert.NoError(t, memo.Verify(authority.DIDVerifier{}, signed2.Memo))
}
