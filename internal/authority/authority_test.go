package authority_test

import (
	"context"
	"testing"

	"github.com/ipfs/go-datastore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/subconsciousnetwork/noosphere-sub001/internal/authority"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/hamt"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/ipld"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/storage"
)

func newAuthorityStore() storage.BlockStore {
	return storage.NewBlockStore(datastore.NewMapDatastore())
}

func newEmptyAuthority(store storage.BlockStore) *authority.Authority {
	return authority.OpenAuthority(store,
		ipld.Link[hamt.Node[authority.Delegation]]{},
		ipld.Link[hamt.Node[authority.Revocation]]{},
	)
}

func hamtCIDKey(c ipld.CID) hamt.CIDKey { return hamt.CIDKey{CID: c} }

func TestAuthority_DelegateRegistersLiveDelegation(t *testing.T) {
	ctx := context.Background()
	store := newAuthorityStore()
	a := newEmptyAuthority(store)

	owner, err := authority.GenerateKeyMaterial()
	require.NoError(t, err)
	ownerSigner := authority.NewSigner(owner)

	delegateCID, err := a.Delegate(ctx, ownerSigner, ownerSigner.DID(), "owner",
		[]authority.Capability{{Resource: authority.SphereResource(ownerSigner.DID()), Ability: authority.AbilityAuthorize}},
		nil, 0, 0)
	require.NoError(t, err)

	_, ok, err := a.Delegations.Get(ctx, hamtCIDKey(delegateCID))
	require.NoError(t, err)
	assert.True(t, ok)

	_, revoked, err := a.Revocations.Get(ctx, hamtCIDKey(delegateCID))
	require.NoError(t, err)
	assert.False(t, revoked)
}

func TestAuthority_RevokeRemovesDelegationAndRegistersRevocation(t *testing.T) {
	ctx := context.Background()
	store := newAuthorityStore()
	a := newEmptyAuthority(store)

	owner, err := authority.GenerateKeyMaterial()
	require.NoError(t, err)
	ownerSigner := authority.NewSigner(owner)

	delegateCID, err := a.Delegate(ctx, ownerSigner, ownerSigner.DID(), "owner",
		[]authority.Capability{{Resource: authority.SphereResource(ownerSigner.DID()), Ability: authority.AbilityAuthorize}},
		nil, 0, 0)
	require.NoError(t, err)

	require.NoError(t, a.Revoke(ctx, ownerSigner, delegateCID, []byte("challenge")))

	_, ok, err := a.Delegations.Get(ctx, hamtCIDKey(delegateCID))
	require.NoError(t, err)
	assert.False(t, ok)

	_, revoked, err := a.Revocations.Get(ctx, hamtCIDKey(delegateCID))
	require.NoError(t, err)
	assert.True(t, revoked)
}

func TestAuthority_RecoverRevokesAllAndIssuesNewOwner(t *testing.T) {
	ctx := context.Background()
	store := newAuthorityStore()
	a := newEmptyAuthority(store)

	owner, err := authority.GenerateKeyMaterial()
	require.NoError(t, err)
	ownerSigner := authority.NewSigner(owner)
	sphereDID := ownerSigner.DID()

	ownerDelegateCID, err := a.Delegate(ctx, ownerSigner, sphereDID, "owner",
		[]authority.Capability{{Resource: authority.SphereResource(sphereDID), Ability: authority.AbilityAuthorize}},
		nil, 0, 0)
	require.NoError(t, err)

	editor, err := authority.GenerateKeyMaterial()
	require.NoError(t, err)
	editorSigner := authority.NewSigner(editor)
	_, err = a.Delegate(ctx, ownerSigner, editorSigner.DID(), "editor",
		[]authority.Capability{{Resource: authority.SphereResource(sphereDID), Ability: authority.AbilityPublish}},
		[]ipld.CID{ownerDelegateCID}, 0, 0)
	require.NoError(t, err)

	newOwner, err := authority.GenerateKeyMaterial()
	require.NoError(t, err)
	newOwnerSigner := authority.NewSigner(newOwner)

	newDelegateCID, err := a.Recover(ctx, sphereDID, ownerSigner, newOwnerSigner.DID(), 0, 0)
	require.NoError(t, err)

	_, ok, err := a.Delegations.Get(ctx, hamtCIDKey(ownerDelegateCID))
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = a.Delegations.Get(ctx, hamtCIDKey(newDelegateCID))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAuthority_RecoverRejectsWrongSigner(t *testing.T) {
	ctx := context.Background()
	store := newAuthorityStore()
	a := newEmptyAuthority(store)

	owner, err := authority.GenerateKeyMaterial()
	require.NoError(t, err)
	sphereDID := authority.NewSigner(owner).DID()

	impostor, err := authority.GenerateKeyMaterial()
	require.NoError(t, err)
	impostorSigner := authority.NewSigner(impostor)

	_, err = a.Recover(ctx, sphereDID, impostorSigner, impostorSigner.DID(), 0, 0)
	assert.Error(t, err)
}
