package gatewayserver_test

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/ipfs/go-datastore"
	"github.com/stretchr/testify/require"

	"github.com/subconsciousnetwork/noosphere-sub001/internal/authority"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/errs"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/gatewayclient"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/gatewayserver"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/hamt"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/ipld"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/jobqueue"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/memo"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/replication"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/sphere"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/storage"
)

// newGenesisSphere builds the smallest valid sphere against its own
// store: an empty body signed by its owner key, the same shape
// syncengine's own tests build their fixtures from.
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

// testGateway bundles a Gateway with the store it was built over (which
// Gateway itself never exposes, since no handler needs to hand its raw
// store back out) and a client wired to an httptest server fronting its
// router.
type testGateway struct {
	gateway *gatewayserver.Gateway
	store   storage.BlockStore
	signer  authority.Signer
	client  *gatewayclient.Client
}

func newTestGateway(t *testing.T) *testGateway {
	t.Helper()
	ctx := context.Background()

	gwKey, err := authority.GenerateKeyMaterial()
	require.NoError(t, err)
	gwSigner := authority.NewSigner(gwKey)

	jobs := jobqueue.New(ctx, 2, 8)
	t.Cleanup(jobs.Close)

	store := storage.NewBlockStore(datastore.NewMapDatastore())
	gw, err := gatewayserver.New(ctx, store, gwSigner, ipld.Link[memo.Memo]{}, jobs, nil)
	require.NoError(t, err)

	router, err := gw.Router()
	require.NoError(t, err)
	ts := httptest.NewServer(router)
	t.Cleanup(ts.Close)

	return &testGateway{gateway: gw, store: store, signer: gwSigner, client: gatewayclient.New(ts.URL, ts.Client())}
}

// provision issues the standing push delegation a counterpart sphere
// must hand a gateway before IdentifyHandler will answer its handshake
// (spec.md §4.9), and registers it with tg's gateway.
func (tg *testGateway) provision(t *testing.T, sphereSigner authority.Signer) {
	t.Helper()
	token, err := authority.Issue(context.Background(), sphereSigner, authority.Payload{
		Aud: tg.signer.DID(),
		Cap: []authority.Capability{{Resource: authority.SphereResource(sphereSigner.DID()), Ability: authority.AbilityPush}},
	})
	require.NoError(t, err)
	require.NoError(t, tg.gateway.Provision(sphereSigner.DID(), token))
}

func TestIdentifyHandler_ReturnsProvisionedProof(t *testing.T) {
	ctx := context.Background()
	tg := newTestGateway(t)

	sphereKey, err := authority.GenerateKeyMaterial()
	require.NoError(t, err)
	sphereSigner := authority.NewSigner(sphereKey)
	tg.provision(t, sphereSigner)

	resp, err := tg.client.Identify(ctx, sphereSigner.DID())
	require.NoError(t, err)
	require.Equal(t, tg.signer.DID(), resp.GatewayIdentity)
	require.Equal(t, sphereSigner.DID(), resp.SphereIdentity)

	signingInput := append([]byte(resp.GatewayIdentity), []byte(resp.SphereIdentity)...)
	require.NoError(t, authority.DIDVerifier{}.Verify(tg.signer.DID(), signingInput, resp.Signature))

	want := authority.Capability{Resource: authority.SphereResource(sphereSigner.DID()), Ability: authority.AbilityPush}
	granted := false
	for _, cap := range resp.Proof.Payload.Cap {
		if authority.Enables(cap, want) {
			granted = true
		}
	}
	require.True(t, granted)
}

func TestIdentifyHandler_UnprovisionedSphereIsRejected(t *testing.T) {
	ctx := context.Background()
	tg := newTestGateway(t)

	_, err := tg.client.Identify(ctx, authority.DID("did:key:zNeverProvisioned"))
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.AuthorizationMissing))
}

func TestFetchHandler_StreamsFromGenesisThenReportsUpToDate(t *testing.T) {
	ctx := context.Background()
	tg := newTestGateway(t)

	localStore := storage.NewBlockStore(datastore.NewMapDatastore())
	resp, err := tg.client.Fetch(ctx, localStore, nil)
	require.NoError(t, err)
	require.False(t, resp.UpToDate)
	require.Equal(t, tg.gateway.Tip().CID, resp.Tip)

	_, err = localStore.GetBlock(ctx, tg.gateway.Tip().CID)
	require.NoError(t, err, "fetch should have ingested the relay sphere's genesis memo into the caller's store")

	since := tg.gateway.Tip().CID
	resp2, err := tg.client.Fetch(ctx, localStore, &since)
	require.NoError(t, err)
	require.True(t, resp2.UpToDate)
}

func TestPushHandler_FirstPushOwnerSignedRecordsSphereInRelayContent(t *testing.T) {
	ctx := context.Background()
	store, signer, tip := newGenesisSphere(t)
	sphereDID := signer.DID()

	tg := newTestGateway(t)

	blocks, streamErr := replication.Stream(ctx, store, tip.CID, nil, true)
	resp, err := tg.client.Push(ctx, store, gatewayclient.PushBody{Sphere: sphereDID, LocalTip: tip.CID}, blocks)
	require.NoError(t, err)
	require.NoError(t, streamErr())
	require.False(t, resp.NewTip.Equals(ipld.Undef))

	view, err := sphere.Open(ctx, tg.store, tg.gateway.Tip())
	require.NoError(t, err)
	recorded, ok, err := view.Content.Get(ctx, hamt.StringKey(sphereDID.String()))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, tip.CID, recorded.CID)
}

func TestPushHandler_RejectsStaleCounterpartTip(t *testing.T) {
	ctx := context.Background()
	store, signer, tip := newGenesisSphere(t)
	sphereDID := signer.DID()

	tg := newTestGateway(t)

	// The gateway's relay sphere starts at its own genesis tip; any
	// non-nil counterpart_tip a first-time pusher declares necessarily
	// fails to match it.
	stale := tip.CID
	blocks, _ := replication.Stream(ctx, store, tip.CID, nil, true)
	_, err := tg.client.Push(ctx, store, gatewayclient.PushBody{Sphere: sphereDID, LocalTip: tip.CID, CounterpartTip: &stale}, blocks)
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.Conflict))
}

func TestPushHandler_RejectsPushWhoseDeclaredSphereDoesNotMatchAuthor(t *testing.T) {
	ctx := context.Background()
	store, _, tip := newGenesisSphere(t)

	// Declare a sphere DID that does not match the memo's actual author
	// header, the way a forged or misconfigured client would.
	impostor := authority.DID("did:key:zNotTheAuthor")

	tg := newTestGateway(t)

	blocks, _ := replication.Stream(ctx, store, tip.CID, nil, true)
	_, err := tg.client.Push(ctx, store, gatewayclient.PushBody{Sphere: impostor, LocalTip: tip.CID}, blocks)
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.UnexpectedBody))
}

func TestPushHandler_SecondPushRequiresMatchingLocalBase(t *testing.T) {
	ctx := context.Background()
	store, signer, tip := newGenesisSphere(t)
	sphereDID := signer.DID()

	tg := newTestGateway(t)

	blocks, _ := replication.Stream(ctx, store, tip.CID, nil, true)
	_, err := tg.client.Push(ctx, store, gatewayclient.PushBody{Sphere: sphereDID, LocalTip: tip.CID}, blocks)
	require.NoError(t, err)

	view, err := sphere.Open(ctx, store, tip)
	require.NoError(t, err)
	bodyLink, err := memo.EncodeBody(ctx, store, []byte("hello"))
	require.NoError(t, err)
	page, err := memo.Sign(ctx, signer, nil, nil, bodyLink, nil)
	require.NoError(t, err)
	cursor := view.Cursor()
	require.NoError(t, cursor.SetContent(ctx, "about", page.Memo))
	revision, err := cursor.Apply(ctx)
	require.NoError(t, err)
	signed, err := revision.Sign(ctx, signer, nil)
	require.NoError(t, err)
	newTip := ipld.NewLink[memo.Memo](signed.CID)

	// Pushing the second revision without declaring local_base (as if
	// the gateway had no prior record of this sphere) must be rejected:
	// the gateway already recorded a tip for it from the first push.
	gatewayTip := tg.gateway.Tip().CID
	blocks2, _ := replication.Stream(ctx, store, newTip.CID, nil, true)
	_, err = tg.client.Push(ctx, store, gatewayclient.PushBody{Sphere: sphereDID, LocalTip: newTip.CID, CounterpartTip: &gatewayTip}, blocks2)
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.Conflict))

	// Declaring the correct local_base succeeds.
	localBase := tip.CID
	gatewayTip2 := tg.gateway.Tip().CID
	blocks3, streamErr := replication.Stream(ctx, store, newTip.CID, &localBase, true)
	resp, err := tg.client.Push(ctx, store, gatewayclient.PushBody{Sphere: sphereDID, LocalBase: &localBase, LocalTip: newTip.CID, CounterpartTip: &gatewayTip2}, blocks3)
	require.NoError(t, err)
	require.NoError(t, streamErr())
	require.False(t, resp.NewTip.Equals(ipld.Undef))
}

func TestPushHandler_AcceptsDelegatedCapability(t *testing.T) {
	ctx := context.Background()
	store, signer, genesisTip := newGenesisSphere(t)
	sphereDID := signer.DID()

	deviceKey, err := authority.GenerateKeyMaterial()
	require.NoError(t, err)
	deviceSigner := authority.NewSigner(deviceKey)

	genesisView, err := sphere.Open(ctx, store, genesisTip)
	require.NoError(t, err)
	delegationCursor := genesisView.Cursor()
	delegationCID, err := delegationCursor.Delegate(ctx, signer, deviceSigner.DID(), "device",
		[]authority.Capability{{Resource: authority.SphereResource(sphereDID), Ability: authority.AbilityPush}}, nil, 0, 0)
	require.NoError(t, err)
	delegationRevision, err := delegationCursor.Apply(ctx)
	require.NoError(t, err)
	delegationSigned, err := delegationRevision.Sign(ctx, signer, nil)
	require.NoError(t, err)
	baseTip := ipld.NewLink[memo.Memo](delegationSigned.CID)

	baseView, err := sphere.Open(ctx, store, baseTip)
	require.NoError(t, err)
	bodyLink, err := memo.EncodeBody(ctx, store, []byte("device-authored"))
	require.NoError(t, err)
	page, err := memo.Sign(ctx, deviceSigner, nil, nil, bodyLink, nil)
	require.NoError(t, err)
	contentCursor := baseView.Cursor()
	require.NoError(t, contentCursor.SetContent(ctx, "note", page.Memo))
	contentRevision, err := contentCursor.Apply(ctx)
	require.NoError(t, err)
	deviceSigned, err := contentRevision.Sign(ctx, deviceSigner, &delegationCID)
	require.NoError(t, err)
	deviceTip := ipld.NewLink[memo.Memo](deviceSigned.CID)

	tg := newTestGateway(t)
	blocks, streamErr := replication.Stream(ctx, store, deviceTip.CID, nil, true)
	resp, err := tg.client.Push(ctx, store, gatewayclient.PushBody{
		Sphere:     sphereDID,
		LocalTip:   deviceTip.CID,
		Capability: &delegationCID,
	}, blocks)
	require.NoError(t, err)
	require.NoError(t, streamErr())
	require.False(t, resp.NewTip.Equals(ipld.Undef))
}

func TestReplicateHandler_StreamsTargetIntoCallerStore(t *testing.T) {
	ctx := context.Background()
	store, _, tip := newGenesisSphere(t)

	tg := newTestGateway(t)
	blocks, streamErr := replication.Stream(ctx, store, tip.CID, nil, true)
	for c, data := range blocks {
		require.NoError(t, tg.store.PutBlock(ctx, ipld.Block{CID: c, Codec: ipld.Codec(c.Type()), Bytes: data}))
	}
	require.NoError(t, streamErr())

	localStore := storage.NewBlockStore(datastore.NewMapDatastore())
	require.NoError(t, tg.client.Replicate(ctx, localStore, tip.CID, nil, true))

	block, err := localStore.GetBlock(ctx, tip.CID)
	require.NoError(t, err)
	require.NotEmpty(t, block.Bytes)
}
