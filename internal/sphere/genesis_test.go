package sphere_test

import (
	"context"
	"testing"

	"github.com/ipfs/go-datastore"
	"github.com/stretchr/testify/require"

	"github.com/subconsciousnetwork/noosphere-sub001/internal/authority"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/ipld"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/memo"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/sphere"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/storage"
)

// newGenesisSphere builds the smallest valid sphere: an empty body
// signed by its own owner key, and returns the store, owner signer, and
// the resulting tip link ready to pass to sphere.Open.
func newGenesisSphere(t *testing.T) (storage.BlockStore, authority.Signer, ipld.Link[memo.Memo]) {
	t.Helper()
	ctx := context.Background()
	store := storage.NewBlockStore(datastore.NewMapDatastore())

	key, err := authority.GenerateKeyMaterial()
	require.NoError(t, err)
	did, err := key.DID()
	require.NoError(t, err)
	signer := authority.NewSigner(key)

	roots := memo.AuthorityRoots{}
	rootsBlock, err := ipld.Encode(roots)
	require.NoError(t, err)
	require.NoError(t, store.PutBlock(ctx, rootsBlock))

	body := memo.SphereBody{
		Identity:  did,
		Authority: ipld.NewLink[memo.AuthorityRoots](rootsBlock.CID),
	}
	bodyBlock, err := ipld.Encode(body)
	require.NoError(t, err)
	bodyLink, err := memo.EncodeBody(ctx, store, bodyBlock.Bytes)
	require.NoError(t, err)

	headers := memo.OrderedHeaders{}.Append(memo.HeaderContentType, memo.ContentTypeSphere)
	signed, err := memo.Sign(ctx, signer, nil, nil, bodyLink, headers)
	require.NoError(t, err)
	memoBlock, err := ipld.Encode(signed.Memo)
	require.NoError(t, err)
	require.NoError(t, store.PutBlock(ctx, memoBlock))

	tip := ipld.NewLink[memo.Memo](memoBlock.CID)
	return store, signer, tip
}

func openGenesis(t *testing.T) (*sphere.View, storage.BlockStore, authority.Signer) {
	t.Helper()
	store, signer, tip := newGenesisSphere(t)
	v, err := sphere.Open(context.Background(), store, tip)
	require.NoError(t, err)
	return v, store, signer
}
