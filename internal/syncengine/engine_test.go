package syncengine_test

import (
	"context"
	"iter"
	"sync"
	"testing"
	"time"

	"github.com/ipfs/go-datastore"
	"github.com/stretchr/testify/require"

	"github.com/subconsciousnetwork/noosphere-sub001/internal/authority"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/errs"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/gatewayclient"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/ipld"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/memo"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/sphere"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/storage"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/syncengine"
)

// newGenesisSphere builds the smallest valid sphere against its own
// store: an empty body signed by its owner key.
func newGenesisSphere(t *testing.T) (storage.BlockStore, authority.Signer, ipld.Link[memo.Memo]) {
	t.Helper()
	ctx := context.Background()
	store := storage.NewBlockStore(datastore.NewMapDatastore())

	key, err := authority.GenerateKeyMaterial()
	require.NoError(t, err)
	did, err := key.DID()
	require.NoError(t, err)
	signer := authority.NewSigner(key)

	rootsBlock, err := ipld.Encode(memo.AuthorityRoots{})
	require.NoError(t, err)
	require.NoError(t, store.PutBlock(ctx, rootsBlock))

	body := memo.SphereBody{Identity: did, Authority: ipld.NewLink[memo.AuthorityRoots](rootsBlock.CID)}
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

	return store, signer, ipld.NewLink[memo.Memo](memoBlock.CID)
}

// validIdentifyResponse builds an IdentifyResponse that verifyHandshake
// accepts: gatewaySigner's reply signature over gateway∥sphere, and a
// proof chain rooted directly in the sphere's own key granting
// gatewaySigner's DID push over the sphere.
func validIdentifyResponse(t *testing.T, sphereSigner authority.Signer, gatewaySigner authority.Signer, sphereDID authority.DID) *gatewayclient.IdentifyResponse {
	t.Helper()
	ctx := context.Background()

	proof, err := authority.Issue(ctx, sphereSigner, authority.Payload{
		Aud: gatewaySigner.DID(),
		Cap: []authority.Capability{{Resource: authority.SphereResource(sphereDID), Ability: authority.AbilityPush}},
	})
	require.NoError(t, err)

	signingInput := append([]byte(gatewaySigner.DID()), []byte(sphereDID)...)
	sig, err := gatewaySigner.Sign(ctx, signingInput)
	require.NoError(t, err)

	return &gatewayclient.IdentifyResponse{
		GatewayIdentity: gatewaySigner.DID(),
		SphereIdentity:  sphereDID,
		Signature:       sig,
		Proof:           *proof,
	}
}

// memMetadataStore is an in-memory MetadataStore for tests, standing in
// for the datastore-backed implementation without touching a real
// datastore.Datastore.
type memMetadataStore struct {
	mu   sync.Mutex
	meta syncengine.Metadata
}

func (s *memMetadataStore) Load(ctx context.Context) (syncengine.Metadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta, nil
}

func (s *memMetadataStore) Save(ctx context.Context, meta syncengine.Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meta = meta
	return nil
}

// fakeGateway is a scriptable GatewayClient double.
type fakeGateway struct {
	identify func(ctx context.Context) (*gatewayclient.IdentifyResponse, error)
	fetch    func(ctx context.Context, store storage.BlockStore, since *ipld.CID) (*gatewayclient.FetchResponse, error)
	push     func(ctx context.Context, store storage.BlockStore, body gatewayclient.PushBody, blocks iter.Seq2[ipld.CID, []byte]) (*gatewayclient.PushResponse, error)
}

func (g *fakeGateway) Identify(ctx context.Context, sphereDID authority.DID) (*gatewayclient.IdentifyResponse, error) {
	return g.identify(ctx)
}

func (g *fakeGateway) Fetch(ctx context.Context, store storage.BlockStore, since *ipld.CID) (*gatewayclient.FetchResponse, error) {
	return g.fetch(ctx, store, since)
}

func (g *fakeGateway) Push(ctx context.Context, store storage.BlockStore, body gatewayclient.PushBody, blocks iter.Seq2[ipld.CID, []byte]) (*gatewayclient.PushResponse, error) {
	return g.push(ctx, store, body, blocks)
}

func TestEngine_Sync_FirstPushWhenGatewayHasNothing(t *testing.T) {
	ctx := context.Background()
	store, signer, tip := newGenesisSphere(t)
	sphereDID := signer.DID()

	gatewayKey, err := authority.GenerateKeyMaterial()
	require.NoError(t, err)
	gatewaySigner := authority.NewSigner(gatewayKey)

	var pushedBody gatewayclient.PushBody
	var pushedBlockCount int
	newTipCID := tip.CID

	gw := &fakeGateway{
		identify: func(ctx context.Context) (*gatewayclient.IdentifyResponse, error) {
			return validIdentifyResponse(t, signer, gatewaySigner, sphereDID), nil
		},
		fetch: func(ctx context.Context, store storage.BlockStore, since *ipld.CID) (*gatewayclient.FetchResponse, error) {
			require.Nil(t, since)
			return &gatewayclient.FetchResponse{UpToDate: true}, nil
		},
		push: func(ctx context.Context, store storage.BlockStore, body gatewayclient.PushBody, blocks iter.Seq2[ipld.CID, []byte]) (*gatewayclient.PushResponse, error) {
			pushedBody = body
			for range blocks {
				pushedBlockCount++
			}
			return &gatewayclient.PushResponse{NewTip: newTipCID}, nil
		},
	}

	metaStore := &memMetadataStore{}
	engine := syncengine.New(store, gw, metaStore, "test-gateway")

	result, err := engine.Sync(ctx, tip, signer, nil, nil)
	require.NoError(t, err)
	require.True(t, result.Pushed)
	require.False(t, result.Rebased)
	require.Equal(t, newTipCID, result.CounterpartTip)

	require.Equal(t, sphereDID, pushedBody.Sphere)
	require.Nil(t, pushedBody.LocalBase)
	require.Equal(t, tip.CID, pushedBody.LocalTip)
	require.Greater(t, pushedBlockCount, 0)

	saved, err := metaStore.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, saved.CounterpartBase)
	require.Equal(t, newTipCID, *saved.CounterpartBase)
	require.Equal(t, gatewaySigner.DID().String(), saved.GatewayIdentity)
}

func TestEngine_Sync_HandshakeFailureRollsBackMetadata(t *testing.T) {
	ctx := context.Background()
	store, signer, tip := newGenesisSphere(t)

	gw := &fakeGateway{
		identify: func(ctx context.Context) (*gatewayclient.IdentifyResponse, error) {
			return &gatewayclient.IdentifyResponse{
				GatewayIdentity: authority.DID("did:key:zNotTheGateway"),
				SphereIdentity:  authority.DID("did:key:zWrongSphere"),
			}, nil
		},
		fetch: func(ctx context.Context, store storage.BlockStore, since *ipld.CID) (*gatewayclient.FetchResponse, error) {
			t.Fatal("fetch should not be reached when handshake verification fails")
			return nil, nil
		},
		push: func(ctx context.Context, store storage.BlockStore, body gatewayclient.PushBody, blocks iter.Seq2[ipld.CID, []byte]) (*gatewayclient.PushResponse, error) {
			t.Fatal("push should not be reached when handshake verification fails")
			return nil, nil
		},
	}

	priorBase := tip.CID
	metaStore := &memMetadataStore{meta: syncengine.Metadata{GatewayIdentity: "did:key:zPriorGateway", CounterpartBase: &priorBase}}
	engine := syncengine.New(store, gw, metaStore, "test-gateway")

	_, err := engine.Sync(ctx, tip, signer, nil, nil)
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.AuthorizationInvalid))

	saved, err := metaStore.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, "did:key:zPriorGateway", saved.GatewayIdentity)
	require.NotNil(t, saved.CounterpartBase)
	require.Equal(t, priorBase, *saved.CounterpartBase)
}

func TestEngine_Sync_ConcurrentCallRejectedWithSyncInProgress(t *testing.T) {
	ctx := context.Background()
	store, signer, tip := newGenesisSphere(t)
	sphereDID := signer.DID()

	gatewayKey, err := authority.GenerateKeyMaterial()
	require.NoError(t, err)
	gatewaySigner := authority.NewSigner(gatewayKey)

	release := make(chan struct{})
	entered := make(chan struct{})

	gw := &fakeGateway{
		identify: func(ctx context.Context) (*gatewayclient.IdentifyResponse, error) {
			close(entered)
			<-release
			return validIdentifyResponse(t, signer, gatewaySigner, sphereDID), nil
		},
		fetch: func(ctx context.Context, store storage.BlockStore, since *ipld.CID) (*gatewayclient.FetchResponse, error) {
			return &gatewayclient.FetchResponse{UpToDate: true}, nil
		},
		push: func(ctx context.Context, store storage.BlockStore, body gatewayclient.PushBody, blocks iter.Seq2[ipld.CID, []byte]) (*gatewayclient.PushResponse, error) {
			for range blocks {
			}
			return &gatewayclient.PushResponse{NewTip: tip.CID}, nil
		},
	}

	metaStore := &memMetadataStore{}
	engine := syncengine.New(store, gw, metaStore, "test-gateway")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = engine.Sync(ctx, tip, signer, nil, nil)
	}()

	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatal("first Sync call never reached the gateway")
	}

	_, err = engine.Sync(ctx, tip, signer, nil, nil)
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.SyncInProgress))

	close(release)
	wg.Wait()
}
