// Package syncengine implements the client side of spec.md §4.7's
// gateway sync algorithm: handshake, fetch, rebase, adopt, push, and
// rollback on failure, serialized per sphere and resilient to
// transient gateway failures.
package syncengine

import (
	"context"
	"sync"

	"github.com/subconsciousnetwork/noosphere-sub001/internal/authority"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/errs"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/gatewayclient"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/hamt"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/ipld"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/memo"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/replication"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/sphere"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/storage"
)

// SyncResult is what a successful Sync call hands back: the sphere view
// the caller should adopt as its new local tip, and the counterpart
// tip the gateway now holds for this sphere.
type SyncResult struct {
	View           *sphere.View
	CounterpartTip ipld.CID
	Rebased        bool
	Pushed         bool
}

// Engine drives one sphere's sync relationship with one gateway. A
// single Engine instance is meant to be shared across every call to
// Sync for a given sphere, since its mutex is what serializes them —
// spec.md §5's "sync is serialized per sphere" requirement, resolved
// here as "reject, don't queue," the same choice
// internal/gatewayserver's push path makes on the server side.
type Engine struct {
	store    storage.BlockStore
	gateway  *resilientGateway
	metadata MetadataStore
	mu       sync.Mutex
}

// New builds an Engine. gatewayName scopes the circuit breaker's state
// to this gateway host, distinct from any other gateway the process
// might also be syncing against.
func New(store storage.BlockStore, gateway GatewayClient, metadata MetadataStore, gatewayName string) *Engine {
	return &Engine{
		store:    store,
		gateway:  newResilientGateway(gatewayName, gateway),
		metadata: metadata,
	}
}

// Sync runs the full client-side algorithm against localTip. signer
// authors any rebase/adopt revisions this sphere needs to sign
// locally; proof is the capability witnessing signer's right to write
// (nil for an owner-key signature); nameRecord, if non-nil, is included
// in the eventual push as a self-signed link record for the gateway to
// schedule publication of.
//
// On any failure, local metadata is rolled back to its pre-call value
// — spec.md §4.7 step 6's "no partial commit." Blocks written to the
// store by an abandoned rebase or adopt step are harmless orphans
// (content-addressed, never mutated in place) rather than corruption.
func (e *Engine) Sync(ctx context.Context, localTip ipld.Link[memo.Memo], signer authority.Signer, proof *ipld.CID, nameRecord *authority.Token) (*SyncResult, error) {
	if !e.mu.TryLock() {
		return nil, errs.New(errs.SyncInProgress, "syncengine: a sync is already running for this sphere")
	}
	defer e.mu.Unlock()

	savedMeta, err := e.metadata.Load(ctx)
	if err != nil {
		return nil, err
	}

	result, err := e.runSync(ctx, localTip, signer, proof, nameRecord, savedMeta)
	if err != nil {
		if rbErr := e.metadata.Save(ctx, savedMeta); rbErr != nil {
			log.Error("sync rollback failed", "cause", err, "rollback_error", rbErr)
		}
		return nil, err
	}
	return result, nil
}

func (e *Engine) runSync(ctx context.Context, localTip ipld.Link[memo.Memo], signer authority.Signer, proof *ipld.CID, nameRecord *authority.Token, meta Metadata) (*SyncResult, error) {
	localView, err := sphere.Open(ctx, e.store, localTip)
	if err != nil {
		return nil, err
	}
	sphereDID := localView.Body.Identity

	// 1. Handshake.
	identifyResp, err := e.gateway.Identify(ctx, sphereDID)
	if err != nil {
		return nil, err
	}
	if err := verifyHandshake(ctx, e.store, identifyResp, sphereDID); err != nil {
		return nil, err
	}
	meta.GatewayIdentity = identifyResp.GatewayIdentity.String()

	// 2. Fetch.
	fetchResp, err := e.gateway.Fetch(ctx, e.store, meta.CounterpartBase)
	if err != nil {
		return nil, err
	}

	var counterpartTip ipld.CID
	switch {
	case fetchResp.UpToDate && meta.CounterpartBase == nil:
		// The gateway has never heard of this sphere and nothing
		// changed on its side either: nothing to rebase or adopt
		// against, go straight to push.
		return e.finishSync(ctx, localView, signer, proof, nameRecord, meta, nil, nil)
	case fetchResp.UpToDate:
		counterpartTip = *meta.CounterpartBase
	default:
		counterpartTip = fetchResp.Tip
		if err := verifyCounterpartHistory(ctx, e.store, counterpartTip, meta.CounterpartBase); err != nil {
			return nil, err
		}
	}

	counterpartView, err := sphere.Open(ctx, e.store, ipld.NewLink[memo.Memo](counterpartTip))
	if err != nil {
		return nil, err
	}

	// 3. Rebase.
	newBaseLink, hasNewBase, err := counterpartView.Content.Get(ctx, hamt.StringKey(sphereDID.String()))
	if err != nil {
		return nil, err
	}

	workingView := localView
	rebased := false
	if hasNewBase && newBaseLink.CID != localTip.CID {
		oldBaseLink, err := counterpartClientTip(ctx, e.store, meta.CounterpartBase, sphereDID)
		if err != nil {
			return nil, err
		}
		if oldBaseLink != nil {
			rebasedView, err := rebaseOnto(ctx, e.store, localView, *oldBaseLink, newBaseLink, signer, proof)
			if err != nil {
				return nil, err
			}
			workingView = rebasedView
			rebased = true
		}
		// oldBaseLink == nil: hydrate forward, no merge. Fetch already
		// pulled newBaseLink's history into the store; workingView is
		// left as localView, and step 5 decides what (if anything) is
		// ahead of newBaseLink to push.
	}

	// 4. Adopt name updates.
	adoptedView, err := adoptAddressBookUpdates(ctx, e.store, workingView, counterpartView, signer, proof)
	if err != nil {
		return nil, err
	}
	if adoptedView != nil {
		workingView = adoptedView
	}

	// 5. Push.
	var localBase *ipld.CID
	if hasNewBase {
		c := newBaseLink.CID
		localBase = &c
	}
	result, err := e.finishSync(ctx, workingView, signer, proof, nameRecord, meta, localBase, &counterpartTip)
	if err != nil {
		return nil, err
	}
	result.Rebased = rebased
	return result, nil
}

// counterpartClientTip reads the client sphere's last-known tip out of
// the counterpart sphere recorded at base (nil if base itself is nil,
// or if that counterpart revision has no entry for this sphere yet).
func counterpartClientTip(ctx context.Context, store storage.BlockStore, base *ipld.CID, sphereDID authority.DID) (*ipld.Link[memo.Memo], error) {
	if base == nil {
		return nil, nil
	}
	view, err := sphere.Open(ctx, store, ipld.NewLink[memo.Memo](*base))
	if err != nil {
		return nil, err
	}
	link, ok, err := view.Content.Get(ctx, hamt.StringKey(sphereDID.String()))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return &link, nil
}

// verifyCounterpartHistory walks every counterpart revision newer than
// oldBase (the whole history if oldBase is nil) and checks each one's
// signature, per spec.md §4.7 step 2's "each memo verified."
func verifyCounterpartHistory(ctx context.Context, store storage.BlockStore, newTip ipld.CID, oldBase *ipld.CID) error {
	var past *ipld.Link[memo.Memo]
	if oldBase != nil {
		link := ipld.NewLink[memo.Memo](*oldBase)
		past = &link
	}
	timeline := &sphere.Timeline{Store: store}
	entries, err := timeline.Slice(ipld.NewLink[memo.Memo](newTip), past).Collect(ctx)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if err := memo.Verify(authority.DIDVerifier{}, entry.Memo); err != nil {
			return err
		}
	}
	return nil
}

// rebaseOnto squashes every local change between oldBase and
// localView's current state into a single new revision signed on top
// of newBase, re-signed by signer under proof. No per-revision
// changelog is persisted anywhere to replay commit-by-commit, so this
// diffs the two map states directly via hamt.Diff rather than walking
// history — the resulting state is identical either way, since the
// four maps are themselves content-addressed and order-independent at
// a fixed target state.
func rebaseOnto(ctx context.Context, store storage.BlockStore, localView *sphere.View, oldBase, newBase ipld.Link[memo.Memo], signer authority.Signer, proof *ipld.CID) (*sphere.View, error) {
	oldBaseView, err := sphere.Open(ctx, store, oldBase)
	if err != nil {
		return nil, err
	}
	newBaseView, err := sphere.Open(ctx, store, newBase)
	if err != nil {
		return nil, err
	}

	contentDiff, err := hamt.Diff[memo.Memo](ctx, store, oldBaseView.Body.Content, localView.Body.Content)
	if err != nil {
		return nil, err
	}
	addressBookDiff, err := hamt.Diff[memo.Identity](ctx, store, oldBaseView.Body.AddressBook, localView.Body.AddressBook)
	if err != nil {
		return nil, err
	}
	delegationsDiff, err := hamt.Diff[authority.Delegation](ctx, store, oldBaseView.Authority.Delegations.Root, localView.Authority.Delegations.Root)
	if err != nil {
		return nil, err
	}
	revocationsDiff, err := hamt.Diff[authority.Revocation](ctx, store, oldBaseView.Authority.Revocations.Root, localView.Authority.Revocations.Root)
	if err != nil {
		return nil, err
	}

	mutation := sphere.Mutation{
		Content:     contentDiff,
		Identities:  addressBookDiff,
		Delegations: delegationsDiff,
		Revocations: revocationsDiff,
	}
	if mutation.IsEmpty() {
		// Nothing local diverged from oldBase after all; adopt the
		// gateway's record of this sphere as-is.
		return newBaseView, nil
	}

	cursor := newBaseView.Cursor()
	cursor.Mutation = mutation
	revision, err := cursor.Apply(ctx)
	if err != nil {
		return nil, err
	}
	signed, err := revision.Sign(ctx, signer, proof)
	if err != nil {
		return nil, err
	}
	return sphere.Open(ctx, store, ipld.NewLink[memo.Memo](signed.CID))
}

// adoptAddressBookUpdates folds every entry of counterpartView's
// address book into workingView's own, skipping any entry whose CID
// already matches (the content-addressed equivalent of "ignoring
// earlier changes for a petname already seen": an unchanged value is
// always the same link). Returns nil if nothing needed adopting.
func adoptAddressBookUpdates(ctx context.Context, store storage.BlockStore, workingView, counterpartView *sphere.View, signer authority.Signer, proof *ipld.CID) (*sphere.View, error) {
	entries, err := counterpartView.AddressBook.List(ctx)
	if err != nil {
		return nil, err
	}

	cursor := workingView.Cursor()
	changed := false
	for _, kv := range entries {
		petname := string(kv.Key)
		existing, ok, err := workingView.AddressBook.Get(ctx, hamt.StringKey(petname))
		if err != nil {
			return nil, err
		}
		if ok && existing.CID.Equals(kv.Value.CID) {
			continue
		}

		block, err := store.GetBlock(ctx, kv.Value.CID)
		if err != nil {
			return nil, err
		}
		var identity memo.Identity
		if err := ipld.Decode(block.Bytes, &identity); err != nil {
			return nil, err
		}
		if err := cursor.SetAddressBookEntry(ctx, petname, identity); err != nil {
			return nil, err
		}
		changed = true
	}
	if !changed {
		return nil, nil
	}

	revision, err := cursor.Apply(ctx)
	if err != nil {
		return nil, err
	}
	signed, err := revision.Sign(ctx, signer, proof)
	if err != nil {
		return nil, err
	}
	return sphere.Open(ctx, store, ipld.NewLink[memo.Memo](signed.CID))
}

// finishSync is step 5: push workingView's tip if it is ahead of
// localBase, persist the resulting metadata, and report the outcome.
// When workingView's tip already equals localBase, there is nothing
// new to send — the gateway's record already matches.
func (e *Engine) finishSync(ctx context.Context, workingView *sphere.View, signer authority.Signer, proof *ipld.CID, nameRecord *authority.Token, meta Metadata, localBase, counterpartTip *ipld.CID) (*SyncResult, error) {
	result := &SyncResult{View: workingView}
	if counterpartTip != nil {
		result.CounterpartTip = *counterpartTip
	}

	if localBase != nil && workingView.Tip.CID.Equals(*localBase) {
		if counterpartTip != nil {
			meta.CounterpartBase = counterpartTip
		}
		if err := e.metadata.Save(ctx, meta); err != nil {
			return nil, err
		}
		return result, nil
	}

	blocks, streamErr := replication.Stream(ctx, e.store, workingView.Tip.CID, localBase, true)

	body := gatewayclient.PushBody{
		Sphere:         workingView.Body.Identity,
		LocalBase:      localBase,
		LocalTip:       workingView.Tip.CID,
		CounterpartTip: counterpartTip,
		NameRecord:     nameRecord,
		Capability:     proof,
	}

	pushResp, err := e.gateway.Push(ctx, e.store, body, blocks)
	if err != nil {
		return nil, err
	}
	if err := streamErr(); err != nil {
		return nil, err
	}

	meta.CounterpartBase = &pushResp.NewTip
	if err := e.metadata.Save(ctx, meta); err != nil {
		return nil, err
	}

	result.CounterpartTip = pushResp.NewTip
	result.Pushed = true
	return result, nil
}
